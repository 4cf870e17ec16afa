// Package store persists invoices, tenants and chain heads with GORM.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diewo77/invoicechain/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrChainHeadMoved means the tenant head changed between read and commit.
	ErrChainHeadMoved = errors.New("chain head moved")
	// ErrAlreadyChained means the invoice already carries a chain hash.
	ErrAlreadyChained = errors.New("invoice already chained")
	// ErrStaleSnapshot means the invoice changed after the caller read it.
	ErrStaleSnapshot = errors.New("invoice changed since it was read")
)

// Store is the GORM-backed repository used by the submission pipeline.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// New creates a store over db.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithClock returns a copy of the store using now for timestamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	cp := *s
	cp.now = now
	return &cp
}

// DB exposes the underlying connection for callers composing their own queries.
func (s *Store) DB() *gorm.DB { return s.db }

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("load %s: %w", what, err)
}

// GetInvoice loads an invoice of the tenant with its lines in position order.
func (s *Store) GetInvoice(ctx context.Context, tenantID, invoiceID uint) (*models.Invoice, error) {
	var inv models.Invoice
	err := s.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("position, id") }).
		Where("id = ? AND company_id = ?", invoiceID, tenantID).
		First(&inv).Error
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("invoice %d", invoiceID))
	}
	return &inv, nil
}

// FindInvoiceByNumber resolves an invoice from the issuer tax id the authority knows.
func (s *Store) FindInvoiceByNumber(ctx context.Context, issuerTaxID, number string) (*models.Invoice, error) {
	var inv models.Invoice
	err := s.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("position, id") }).
		Joins("JOIN companies ON companies.id = invoices.company_id AND companies.deleted_at IS NULL").
		Where("companies.tax_id = ? AND invoices.number = ?", issuerTaxID, number).
		First(&inv).Error
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("invoice %s/%s", issuerTaxID, number))
	}
	return &inv, nil
}

// GetCompany loads a tenant.
func (s *Store) GetCompany(ctx context.Context, tenantID uint) (*models.Company, error) {
	var c models.Company
	if err := s.db.WithContext(ctx).First(&c, tenantID).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("company %d", tenantID))
	}
	return &c, nil
}

// GetClient loads a client of the tenant.
func (s *Store) GetClient(ctx context.Context, tenantID, clientID uint) (*models.Client, error) {
	var c models.Client
	err := s.db.WithContext(ctx).Where("id = ? AND company_id = ?", clientID, tenantID).First(&c).Error
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("client %d", clientID))
	}
	return &c, nil
}

// ChainHead returns the tenant's last accepted hash, empty for genesis.
// Callers must hold the tenant lock for the result to stay valid.
func (s *Store) ChainHead(ctx context.Context, tenantID uint) (string, error) {
	c, err := s.GetCompany(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return c.LastHash, nil
}

// SaveInvoice persists the submission state of a not yet chained invoice.
func (s *Store) SaveInvoice(ctx context.Context, inv *models.Invoice) error {
	inv.UpdatedAt = s.now()
	res := s.db.WithContext(ctx).Model(&models.Invoice{}).
		Where("id = ? AND company_id = ? AND chain_hash = ?", inv.ID, inv.CompanyID, "").
		Updates(map[string]interface{}{
			"submission_status": inv.SubmissionStatus,
			"retry_count":       inv.RetryCount,
			"last_error":        inv.LastError,
			"error_class":       inv.ErrorClass,
			"total_ht":          inv.TotalHT,
			"total_vat":         inv.TotalVAT,
			"total_ttc":         inv.TotalTTC,
			"updated_at":        inv.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("save invoice %d: %w", inv.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("save invoice %d: %w", inv.ID, ErrAlreadyChained)
	}
	return nil
}

// TransitionInvoice writes the submission state of inv only while the stored
// row still has the status, class and retry count of from.
func (s *Store) TransitionInvoice(ctx context.Context, from models.Invoice, inv *models.Invoice) error {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.Invoice{}).
		Where("id = ? AND company_id = ? AND chain_hash = ?", from.ID, from.CompanyID, "").
		Where("submission_status = ? AND error_class = ? AND retry_count = ?", from.SubmissionStatus, from.ErrorClass, from.RetryCount).
		Updates(map[string]interface{}{
			"submission_status": inv.SubmissionStatus,
			"retry_count":       inv.RetryCount,
			"last_error":        inv.LastError,
			"error_class":       inv.ErrorClass,
			"updated_at":        now,
		})
	if res.Error != nil {
		return fmt.Errorf("transition invoice %d: %w", from.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("transition invoice %d from %s: %w", from.ID, from.SubmissionStatus, ErrStaleSnapshot)
	}
	inv.UpdatedAt = now
	return nil
}

// Acceptance carries everything written when the authority accepts an invoice.
type Acceptance struct {
	ChainHash    string
	PreviousHash string
	ReceiptID    string
	QRPayload    string
	TotalHT      decimal.Decimal
	TotalVAT     decimal.Decimal
	TotalTTC     decimal.Decimal
}

// CommitAccepted atomically stamps the invoice with its chain fields, marks it
// ACCEPTED and advances the tenant head. The head only moves if it still
// equals acc.PreviousHash.
func (s *Store) CommitAccepted(ctx context.Context, inv *models.Invoice, acc Acceptance) error {
	now := s.now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var company models.Company
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&company, inv.CompanyID).Error; err != nil {
			return notFound(err, fmt.Sprintf("company %d", inv.CompanyID))
		}
		if company.LastHash != acc.PreviousHash {
			return fmt.Errorf("%w: tenant %d head is %q, expected %q", ErrChainHeadMoved, company.ID, company.LastHash, acc.PreviousHash)
		}

		res := tx.Model(&models.Invoice{}).
			Where("id = ? AND company_id = ? AND chain_hash = ?", inv.ID, inv.CompanyID, "").
			Updates(map[string]interface{}{
				"chain_hash":          acc.ChainHash,
				"previous_chain_hash": acc.PreviousHash,
				"submission_status":   models.SubmissionAccepted,
				"receipt_id":          acc.ReceiptID,
				"qr_payload":          acc.QRPayload,
				"submitted_at":        now,
				"last_error":          "",
				"error_class":         models.ErrorClassNone,
				"total_ht":            acc.TotalHT,
				"total_vat":           acc.TotalVAT,
				"total_ttc":           acc.TotalTTC,
				"updated_at":          now,
			})
		if res.Error != nil {
			return fmt.Errorf("stamp invoice %d: %w", inv.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("stamp invoice %d: %w", inv.ID, ErrAlreadyChained)
		}

		res = tx.Model(&models.Company{}).
			Where("id = ? AND last_hash = ?", inv.CompanyID, acc.PreviousHash).
			Updates(map[string]interface{}{"last_hash": acc.ChainHash, "updated_at": now})
		if res.Error != nil {
			return fmt.Errorf("advance head of tenant %d: %w", inv.CompanyID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: tenant %d", ErrChainHeadMoved, inv.CompanyID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	inv.ChainHash = acc.ChainHash
	inv.PreviousChainHash = acc.PreviousHash
	inv.SubmissionStatus = models.SubmissionAccepted
	inv.ReceiptID = acc.ReceiptID
	inv.QRPayload = acc.QRPayload
	inv.SubmittedAt = &now
	inv.LastError = ""
	inv.ErrorClass = models.ErrorClassNone
	inv.TotalHT, inv.TotalVAT, inv.TotalTTC = acc.TotalHT, acc.TotalVAT, acc.TotalTTC
	inv.UpdatedAt = now
	return nil
}

// StaleInvoices returns retryable invoices in one of statuses last touched before cutoff.
func (s *Store) StaleInvoices(ctx context.Context, statuses []models.SubmissionStatus, cutoff time.Time, limit int) ([]models.Invoice, error) {
	var out []models.Invoice
	q := s.db.WithContext(ctx).
		Where("submission_status IN ?", statuses).
		Where("chain_hash = ?", "").
		Where("error_class IN ?", []models.ErrorClass{models.ErrorClassNone, models.ErrorClassTransient}).
		Where("updated_at < ?", cutoff).
		Order("updated_at, id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("select stale invoices: %w", err)
	}
	return out, nil
}

// TenantStat counts a tenant's invoices in one status.
type TenantStat struct {
	CompanyID        uint
	SubmissionStatus models.SubmissionStatus
	Count            int64
}

// TenantStats groups invoices updated since the given instant by tenant and status.
func (s *Store) TenantStats(ctx context.Context, since time.Time) ([]TenantStat, error) {
	var out []TenantStat
	err := s.db.WithContext(ctx).Model(&models.Invoice{}).
		Select("company_id, submission_status, COUNT(*) AS count").
		Where("updated_at >= ?", since).
		Group("company_id, submission_status").
		Order("company_id, submission_status").
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("tenant stats: %w", err)
	}
	return out, nil
}

// AcceptedChain returns a tenant's accepted invoices in chain order.
func (s *Store) AcceptedChain(ctx context.Context, tenantID uint) ([]models.Invoice, error) {
	var out []models.Invoice
	err := s.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("position, id") }).
		Where("company_id = ? AND chain_hash <> ?", tenantID, "").
		Order("submitted_at, id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("load chain of tenant %d: %w", tenantID, err)
	}
	return out, nil
}

// AuditTrail returns a tenant's audit entries, newest first. A non-zero
// invoiceID narrows the trail to one invoice.
func (s *Store) AuditTrail(ctx context.Context, tenantID, invoiceID uint, limit int) ([]models.AuditLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if invoiceID != 0 {
		q = q.Where("invoice_id = ?", invoiceID)
	}
	var out []models.AuditLog
	if err := q.Order("id DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("audit trail of tenant %d: %w", tenantID, err)
	}
	return out, nil
}

// ErrDuplicateNumber means the tenant already issued an invoice with that number.
var ErrDuplicateNumber = errors.New("invoice number already used")

// CreateInvoice inserts a new invoice with its lines.
func (s *Store) CreateInvoice(ctx context.Context, inv *models.Invoice) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.Invoice{}).
			Where("company_id = ? AND number = ?", inv.CompanyID, inv.Number).
			Count(&n).Error; err != nil {
			return fmt.Errorf("check invoice number: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("%q: %w", inv.Number, ErrDuplicateNumber)
		}
		if err := tx.Create(inv).Error; err != nil {
			return fmt.Errorf("create invoice %q: %w", inv.Number, err)
		}
		return nil
	})
}
