package chain

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func sampleInvoice() (Invoice, Party, Party) {
	inv := Invoice{
		Number:    "F-2024-001",
		IssueDate: time.Date(2024, 3, 1, 15, 4, 5, 0, time.UTC),
		Lines: []Line{
			{Description: "Consulting", Units: dec("2"), Price: dec("100"), VATPct: dec("21")},
		},
	}
	return inv, Party{TaxID: "B12345678", Name: "Acme SL"}, Party{TaxID: "X7654321", Name: "Client"}
}

func TestComputeLine(t *testing.T) {
	tests := []struct {
		name     string
		line     Line
		subtotal string
		vat      string
		total    string
	}{
		{"21% VAT on 2x100", Line{Units: dec("2"), Price: dec("100"), VATPct: dec("21")}, "200.00", "42.00", "242.00"},
		{"half-up VAT", Line{Units: dec("1"), Price: dec("10.05"), VATPct: dec("10")}, "10.05", "1.01", "11.06"},
		{"half-up subtotal", Line{Units: dec("2.5"), Price: dec("0.05"), VATPct: dec("0")}, "0.13", "0.00", "0.13"},
		{"15% discount", Line{Units: dec("1"), Price: dec("100"), DiscountPct: dec("15"), VATPct: dec("21")}, "85.00", "17.85", "102.85"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeLine(tt.line)
			if got.Subtotal.StringFixed(2) != tt.subtotal {
				t.Errorf("Subtotal = %s, want %s", got.Subtotal.StringFixed(2), tt.subtotal)
			}
			if got.VAT.StringFixed(2) != tt.vat {
				t.Errorf("VAT = %s, want %s", got.VAT.StringFixed(2), tt.vat)
			}
			if got.Total.StringFixed(2) != tt.total {
				t.Errorf("Total = %s, want %s", got.Total.StringFixed(2), tt.total)
			}
		})
	}
}

func TestComputeTotals(t *testing.T) {
	totals := ComputeTotals([]Line{
		{Units: dec("2"), Price: dec("100"), VATPct: dec("21")},
		{Units: dec("1"), Price: dec("10.05"), VATPct: dec("10")},
	})
	if got := totals.Base.StringFixed(2); got != "210.05" {
		t.Errorf("Base = %s, want 210.05", got)
	}
	if got := totals.VAT.StringFixed(2); got != "43.01" {
		t.Errorf("VAT = %s, want 43.01", got)
	}
	if got := totals.Total.StringFixed(2); got != "253.06" {
		t.Errorf("Total = %s, want 253.06", got)
	}
	if len(totals.Lines) != 2 {
		t.Errorf("len(Lines) = %d, want 2", len(totals.Lines))
	}
}

func TestBuild_WorkedExample(t *testing.T) {
	inv, issuer, recipient := sampleInvoice()
	rec, err := Build(inv, issuer, recipient, "")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	wantCanonical := "|B12345678|F-2024-001|2024-03-01|242.00|a1d44383748faa2158bbe0cf8d3f887721b1a59dd5f41bc013b44739f718354e"
	if rec.Canonical != wantCanonical {
		t.Errorf("Canonical = %q, want %q", rec.Canonical, wantCanonical)
	}
	if want := "4423a1a2e9fcea08d793bd61acbf6294e7ee1b1373c80071dfe0bd72bc260aea"; rec.Hash != want {
		t.Errorf("Hash = %s, want %s", rec.Hash, want)
	}
	if !rec.IsGenesis() {
		t.Error("IsGenesis() = false, want true")
	}
	if rec.Totals.Base.StringFixed(2) != "200.00" || rec.Totals.VAT.StringFixed(2) != "42.00" {
		t.Errorf("totals = %s/%s, want 200.00/42.00", rec.Totals.Base.StringFixed(2), rec.Totals.VAT.StringFixed(2))
	}
}

func TestComputeHash_Deterministic(t *testing.T) {
	inv, issuer, recipient := sampleInvoice()
	first, err := ComputeHash(inv, issuer, recipient, "prev")
	if err != nil {
		t.Fatalf("ComputeHash() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		got, err := ComputeHash(inv, issuer, recipient, "prev")
		if err != nil {
			t.Fatalf("ComputeHash() error = %v", err)
		}
		if got != first {
			t.Fatalf("ComputeHash() = %s on run %d, want %s", got, i, first)
		}
	}
	if len(first) != 64 || strings.ToLower(first) != first {
		t.Errorf("hash %q is not lowercase hex SHA-256", first)
	}
}

func TestBuild_IssueDateIndependentOfZone(t *testing.T) {
	inv, issuer, recipient := sampleInvoice()
	inv.IssueDate = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	utc, err := Build(inv, issuer, recipient, "")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	inv.IssueDate = inv.IssueDate.In(time.FixedZone("UTC-5", -5*60*60))
	local, err := Build(inv, issuer, recipient, "")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if local.Canonical != utc.Canonical {
		t.Errorf("Canonical = %q, want %q", local.Canonical, utc.Canonical)
	}
	if local.Hash != utc.Hash {
		t.Errorf("Hash = %s, want %s", local.Hash, utc.Hash)
	}
	if !strings.Contains(local.Canonical, "|2024-03-01|") {
		t.Errorf("Canonical %q does not carry the UTC date", local.Canonical)
	}

	doc, err := BuildXML(local)
	if err != nil {
		t.Fatalf("BuildXML() error = %v", err)
	}
	if !strings.Contains(string(doc), ">2024-03-01<") {
		t.Errorf("BuildXML() issue date not rendered in UTC: %s", doc)
	}
}

func TestComputeHash_LineOrderIndependent(t *testing.T) {
	inv, issuer, recipient := sampleInvoice()
	inv.Lines = []Line{
		{Description: "Alpha", Units: dec("1"), Price: dec("10"), VATPct: dec("21")},
		{Description: "Beta", Units: dec("3"), Price: dec("5.50"), VATPct: dec("10")},
		{Description: "Gamma", Units: dec("2"), Price: dec("1.99"), VATPct: dec("4")},
	}
	reversed := inv
	reversed.Lines = []Line{inv.Lines[2], inv.Lines[0], inv.Lines[1]}

	a, err := ComputeHash(inv, issuer, recipient, "")
	if err != nil {
		t.Fatalf("ComputeHash() error = %v", err)
	}
	b, err := ComputeHash(reversed, issuer, recipient, "")
	if err != nil {
		t.Fatalf("ComputeHash() error = %v", err)
	}
	if a != b {
		t.Errorf("hash depends on line order: %s != %s", a, b)
	}
}

func TestComputeHash_PreviousHashChangesResult(t *testing.T) {
	inv, issuer, recipient := sampleInvoice()
	a, _ := ComputeHash(inv, issuer, recipient, "")
	b, _ := ComputeHash(inv, issuer, recipient, a)
	if a == b {
		t.Error("hash did not change with previous hash")
	}
}

func TestBuild_InvalidData(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Invoice, *Party)
		field  string
	}{
		{"missing issuer tax id", func(_ *Invoice, p *Party) { p.TaxID = "" }, "issuer_tax_id"},
		{"missing number", func(i *Invoice, _ *Party) { i.Number = " " }, "invoice_number"},
		{"missing issue date", func(i *Invoice, _ *Party) { i.IssueDate = time.Time{} }, "issue_date"},
		{"negative price", func(i *Invoice, _ *Party) { i.Lines[0].Price = dec("-1") }, "lines.price"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, issuer, recipient := sampleInvoice()
			tt.mutate(&inv, &issuer)
			_, err := Build(inv, issuer, recipient, "")
			if !errors.Is(err, ErrInvalidInvoiceData) {
				t.Fatalf("Build() error = %v, want ErrInvalidInvoiceData", err)
			}
			var dataErr *InvalidInvoiceDataError
			if !errors.As(err, &dataErr) {
				t.Fatalf("Build() error type = %T, want *InvalidInvoiceDataError", err)
			}
			if _, ok := dataErr.Violations[tt.field]; !ok {
				t.Errorf("violations = %v, want field %q", dataErr.Violations, tt.field)
			}
		})
	}
}

func TestVerifyLinks(t *testing.T) {
	inv, issuer, recipient := sampleInvoice()
	second := inv
	second.Number = "F-2024-002"

	h1, _ := ComputeHash(inv, issuer, recipient, "")
	h2, _ := ComputeHash(second, issuer, recipient, h1)
	links := []Link{
		{Invoice: inv, Issuer: issuer, PreviousHash: "", Hash: h1},
		{Invoice: second, Issuer: issuer, PreviousHash: h1, Hash: h2},
	}

	if err := VerifyLinks(links, h2); err != nil {
		t.Fatalf("VerifyLinks() error = %v", err)
	}

	t.Run("tampered total", func(t *testing.T) {
		bad := append([]Link(nil), links...)
		bad[0].Invoice.Lines = []Line{{Description: "Consulting", Units: dec("3"), Price: dec("100"), VATPct: dec("21")}}
		if err := VerifyLinks(bad, ""); !errors.Is(err, ErrChainBroken) {
			t.Errorf("VerifyLinks() error = %v, want ErrChainBroken", err)
		}
	})

	t.Run("broken link", func(t *testing.T) {
		bad := append([]Link(nil), links...)
		bad[1].PreviousHash = "deadbeef"
		if err := VerifyLinks(bad, ""); !errors.Is(err, ErrChainBroken) {
			t.Errorf("VerifyLinks() error = %v, want ErrChainBroken", err)
		}
	})

	t.Run("stale head", func(t *testing.T) {
		if err := VerifyLinks(links, h1); !errors.Is(err, ErrChainBroken) {
			t.Errorf("VerifyLinks() error = %v, want ErrChainBroken", err)
		}
	})
}

func TestBuildXML(t *testing.T) {
	inv, issuer, recipient := sampleInvoice()
	rec, err := Build(inv, issuer, recipient, "")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	doc, err := BuildXML(rec)
	if err != nil {
		t.Fatalf("BuildXML() error = %v", err)
	}
	s := string(doc)
	for _, want := range []string{
		`<InvoiceRecord xmlns="` + RecordNamespace + `"`,
		`ID="` + RecordElementID(rec) + `"`,
		"<InvoiceNumber>F-2024-001</InvoiceNumber>",
		"<TotalAmount>242.00</TotalAmount>",
		"<FirstRecord>Y</FirstRecord>",
		rec.Hash,
	} {
		if !strings.Contains(s, want) {
			t.Errorf("BuildXML() missing %q in %s", want, s)
		}
	}

	next, _ := Build(inv, issuer, recipient, rec.Hash)
	doc, _ = BuildXML(next)
	if !strings.Contains(string(doc), "<PreviousFingerprint>"+rec.Hash+"</PreviousFingerprint>") {
		t.Errorf("BuildXML() does not carry previous fingerprint: %s", doc)
	}
}
