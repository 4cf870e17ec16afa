// Package chain builds the canonical fingerprint of an invoice and links it to
// the previous accepted invoice of the same tenant.
//
// The canonical record is a pipe-separated string:
//
//	previous_hash|issuer_tax_id|invoice_number|issue_date|total|lines_hash
//
// where issue_date is YYYY-MM-DD, total has two decimals and lines_hash is the
// hex SHA-256 of the lines sorted by description. The record hash is the hex
// SHA-256 of that string. Everything in this package is pure: no clock, no I/O.
package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/diewo77/invoicechain/internal/models"
	"github.com/diewo77/invoicechain/validation"
	"github.com/shopspring/decimal"
)

const (
	separator  = "|"
	dateLayout = "2006-01-02"
)

// Party identifies the issuer or the recipient of an invoice.
type Party struct {
	TaxID   string
	Name    string
	Country string
}

// Invoice is the subset of invoice data that enters the fingerprint.
type Invoice struct {
	Number    string
	IssueDate time.Time
	Lines     []Line
}

// Record is a computed canonical record together with its hash.
type Record struct {
	PreviousHash string
	Issuer       Party
	Recipient    Party
	Number       string
	IssueDate    time.Time
	Totals       Totals
	LinesHash    string
	Canonical    string
	Hash         string
}

// IsGenesis returns true for the first record of a tenant chain.
func (r Record) IsGenesis() bool {
	return r.PreviousHash == ""
}

// FromModels maps persisted entities onto chain inputs.
func FromModels(inv *models.Invoice, company *models.Company, client *models.Client) (Invoice, Party, Party) {
	lines := make([]Line, 0, len(inv.Items))
	for _, it := range inv.Items {
		lines = append(lines, Line{
			Description: it.Description,
			Units:       it.Units,
			Price:       it.Price,
			DiscountPct: it.DiscountPct,
			VATPct:      it.VATPct,
		})
	}
	issuer := Party{TaxID: company.TaxID, Name: company.Name, Country: company.Country}
	var recipient Party
	if client != nil {
		recipient = Party{TaxID: client.TaxID, Name: client.Name, Country: client.Country}
	}
	return Invoice{Number: inv.Number, IssueDate: inv.IssueDate, Lines: lines}, issuer, recipient
}

// Build validates the inputs and computes the canonical record and its hash.
// The recipient does not enter the fingerprint but travels with the record.
func Build(inv Invoice, issuer, recipient Party, previousHash string) (Record, error) {
	v := make(validation.Violations)
	validation.Required("issuer_tax_id", issuer.TaxID, v)
	validation.Required("invoice_number", inv.Number, v)
	validation.RequiredTime("issue_date", inv.IssueDate, v)
	for _, l := range inv.Lines {
		validation.NonNegativeDecimal("lines.units", l.Units, v)
		validation.NonNegativeDecimal("lines.price", l.Price, v)
		validation.RangeDecimal("lines.discount_pct", l.DiscountPct, decimal.Zero, hundred, v)
		validation.NonNegativeDecimal("lines.vat_pct", l.VATPct, v)
	}
	if !v.Empty() {
		return Record{}, &InvalidInvoiceDataError{Violations: v}
	}

	issueDate := inv.IssueDate.UTC()
	totals := ComputeTotals(inv.Lines)
	linesHash := LinesHash(inv.Lines)
	canonical := strings.Join([]string{
		previousHash,
		strings.TrimSpace(issuer.TaxID),
		strings.TrimSpace(inv.Number),
		issueDate.Format(dateLayout),
		totals.Total.StringFixed(2),
		linesHash,
	}, separator)

	return Record{
		PreviousHash: previousHash,
		Issuer:       issuer,
		Recipient:    recipient,
		Number:       strings.TrimSpace(inv.Number),
		IssueDate:    issueDate,
		Totals:       totals,
		LinesHash:    linesHash,
		Canonical:    canonical,
		Hash:         sha256Hex(canonical),
	}, nil
}

// Canonical returns the canonical string for the invoice.
func Canonical(inv Invoice, issuer, recipient Party, previousHash string) (string, error) {
	rec, err := Build(inv, issuer, recipient, previousHash)
	if err != nil {
		return "", err
	}
	return rec.Canonical, nil
}

// ComputeHash returns the lowercase hex SHA-256 of the canonical string.
func ComputeHash(inv Invoice, issuer, recipient Party, previousHash string) (string, error) {
	rec, err := Build(inv, issuer, recipient, previousHash)
	if err != nil {
		return "", err
	}
	return rec.Hash, nil
}

// LinesHash hashes the lines sorted stably by description, so input order
// does not matter except between lines sharing a description.
func LinesHash(lines []Line) string {
	sorted := make([]Line, len(lines))
	copy(sorted, lines)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Description < sorted[j].Description
	})

	var b strings.Builder
	for _, l := range sorted {
		b.WriteString(l.Description)
		b.WriteString(l.Units.StringFixed(2))
		b.WriteString(l.Price.StringFixed(2))
	}
	return sha256Hex(b.String())
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
