package services

import (
	"context"
	"fmt"
	"time"

	"github.com/diewo77/invoicechain/internal/chain"
	"github.com/diewo77/invoicechain/internal/models"
	"github.com/diewo77/invoicechain/validation"
	"github.com/shopspring/decimal"
)

// DraftRepository is the persistence InvoiceService needs.
type DraftRepository interface {
	GetClient(ctx context.Context, tenantID, clientID uint) (*models.Client, error)
	CreateInvoice(ctx context.Context, inv *models.Invoice) error
}

// DraftLine is one line of an invoice being issued.
type DraftLine struct {
	Description string          `json:"description"`
	Units       decimal.Decimal `json:"units"`
	Price       decimal.Decimal `json:"price"`
	DiscountPct decimal.Decimal `json:"discount_pct"`
	VATPct      decimal.Decimal `json:"vat_pct"`
}

// Draft is an invoice as entered, before it is submitted.
type Draft struct {
	Number    string      `json:"number"`
	ClientID  uint        `json:"client_id"`
	IssueDate time.Time   `json:"issue_date"`
	Lines     []DraftLine `json:"lines"`
}

// InvoiceService issues new invoices in NOT_SENT state.
type InvoiceService struct {
	repo DraftRepository
}

func NewInvoiceService(repo DraftRepository) *InvoiceService {
	return &InvoiceService{repo: repo}
}

var hundred = decimal.NewFromInt(100)

func (d Draft) validate() validation.Violations {
	v := make(validation.Violations)
	validation.Required("number", d.Number, v)
	validation.RequiredTime("issue_date", d.IssueDate, v)
	if d.ClientID == 0 {
		v["client_id"] = "required"
	}
	if len(d.Lines) == 0 {
		v["lines"] = "at least one line is required"
	}
	for i, l := range d.Lines {
		p := fmt.Sprintf("lines[%d].", i)
		validation.Required(p+"description", l.Description, v)
		validation.PositiveDecimal(p+"units", l.Units, v)
		validation.NonNegativeDecimal(p+"price", l.Price, v)
		validation.RangeDecimal(p+"discount_pct", l.DiscountPct, decimal.Zero, hundred, v)
		validation.RangeDecimal(p+"vat_pct", l.VATPct, decimal.Zero, hundred, v)
	}
	return v
}

// CreateInvoice validates d, computes its totals and stores it for tenantID.
// Invalid drafts fail with *chain.InvalidInvoiceDataError.
func (s *InvoiceService) CreateInvoice(ctx context.Context, tenantID uint, d Draft) (*models.Invoice, error) {
	if v := d.validate(); !v.Empty() {
		return nil, &chain.InvalidInvoiceDataError{Violations: v}
	}
	if _, err := s.repo.GetClient(ctx, tenantID, d.ClientID); err != nil {
		return nil, err
	}

	lines := make([]chain.Line, len(d.Lines))
	items := make([]models.InvoiceItem, len(d.Lines))
	for i, l := range d.Lines {
		lines[i] = chain.Line{Description: l.Description, Units: l.Units, Price: l.Price, DiscountPct: l.DiscountPct, VATPct: l.VATPct}
		items[i] = models.InvoiceItem{
			Description: l.Description,
			Units:       l.Units,
			Price:       l.Price,
			DiscountPct: l.DiscountPct,
			VATPct:      l.VATPct,
			Position:    i + 1,
		}
	}
	totals := chain.ComputeTotals(lines)

	inv := &models.Invoice{
		CompanyID: tenantID,
		ClientID:  d.ClientID,
		Number:    d.Number,
		IssueDate: d.IssueDate.UTC().Truncate(24 * time.Hour),
		TotalHT:   totals.Base,
		TotalVAT:  totals.VAT,
		TotalTTC:  totals.Total,
		Items:     items,
	}
	if err := s.repo.CreateInvoice(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}
