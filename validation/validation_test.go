package validation

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestValidators(t *testing.T) {
	v := make(Violations)
	Required("number", "  ", v)
	RequiredTime("issue_date", time.Time{}, v)
	PositiveDecimal("units", decimal.Zero, v)
	NonNegativeDecimal("price", decimal.NewFromInt(-1), v)
	RangeDecimal("vat", decimal.NewFromInt(120), decimal.Zero, decimal.NewFromInt(100), v)

	want := map[string]string{
		"number":     "required",
		"issue_date": "required",
		"units":      "must_be_positive",
		"price":      "must_not_be_negative",
		"vat":        "out_of_range",
	}
	for field, reason := range want {
		if v[field] != reason {
			t.Errorf("v[%q] = %q, want %q", field, v[field], reason)
		}
	}
}

func TestValidators_Valid(t *testing.T) {
	v := make(Violations)
	Required("number", "F-1", v)
	RequiredTime("issue_date", time.Now(), v)
	PositiveDecimal("units", decimal.NewFromInt(2), v)
	NonNegativeDecimal("price", decimal.Zero, v)
	RangeDecimal("vat", decimal.NewFromInt(21), decimal.Zero, decimal.NewFromInt(100), v)
	if !v.Empty() {
		t.Errorf("expected no violations, got %v", v)
	}
}

func TestViolations_Error(t *testing.T) {
	v := Violations{"number": "required", "issuer_tax_id": "required"}
	if got, want := v.Error(), "issuer_tax_id: required, number: required"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
