package chain

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Line is one invoice line as seen by the chain builder.
type Line struct {
	Description string
	Units       decimal.Decimal
	Price       decimal.Decimal
	DiscountPct decimal.Decimal
	VATPct      decimal.Decimal
}

// LineTotals holds the rounded amounts of a single line.
type LineTotals struct {
	Subtotal decimal.Decimal
	VAT      decimal.Decimal
	Total    decimal.Decimal
}

// Totals holds the rounded invoice amounts.
type Totals struct {
	Base  decimal.Decimal
	VAT   decimal.Decimal
	Total decimal.Decimal
	Lines []LineTotals
}

// round2 rounds half away from zero to two decimals, which is half-up for
// the non-negative amounts invoices carry.
func round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// ComputeLine rounds after every step: subtotal net of discount, then VAT on
// the rounded subtotal, then their sum.
func ComputeLine(l Line) LineTotals {
	gross := l.Price.Mul(l.Units)
	discount := gross.Mul(l.DiscountPct).Div(hundred)
	subtotal := round2(gross.Sub(discount))
	vat := round2(subtotal.Mul(l.VATPct).Div(hundred))
	return LineTotals{
		Subtotal: subtotal,
		VAT:      vat,
		Total:    round2(subtotal.Add(vat)),
	}
}

// ComputeTotals sums rounded line amounts and rounds the invoice total.
func ComputeTotals(lines []Line) Totals {
	t := Totals{
		Base:  decimal.Zero,
		VAT:   decimal.Zero,
		Total: decimal.Zero,
		Lines: make([]LineTotals, 0, len(lines)),
	}
	for _, l := range lines {
		lt := ComputeLine(l)
		t.Lines = append(t.Lines, lt)
		t.Base = t.Base.Add(lt.Subtotal)
		t.VAT = t.VAT.Add(lt.VAT)
		t.Total = t.Total.Add(lt.Total)
	}
	t.Base = round2(t.Base)
	t.VAT = round2(t.VAT)
	t.Total = round2(t.Total)
	return t
}
