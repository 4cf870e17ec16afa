package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SubmissionStatus tracks an invoice through the tax authority reporting flow.
type SubmissionStatus string

const (
	SubmissionNotSent    SubmissionStatus = "NOT_SENT"
	SubmissionPending    SubmissionStatus = "PENDING"
	SubmissionProcessing SubmissionStatus = "PROCESSING"
	SubmissionAccepted   SubmissionStatus = "ACCEPTED"
	SubmissionRejected   SubmissionStatus = "REJECTED"
	SubmissionFailed     SubmissionStatus = "FAILED"
	SubmissionTimeout    SubmissionStatus = "TIMEOUT"
)

// ErrorClass records why the last submission attempt did not succeed.
// The retry sweep only re-drives invoices whose class is retryable.
type ErrorClass string

const (
	ErrorClassNone      ErrorClass = ""
	ErrorClassData      ErrorClass = "data"
	ErrorClassSigning   ErrorClass = "signing"
	ErrorClassTransient ErrorClass = "transient"
	ErrorClassRejected  ErrorClass = "rejected"
	ErrorClassExhausted ErrorClass = "exhausted"
)

// Retryable reports whether the scheduler may retry an invoice carrying this class.
func (c ErrorClass) Retryable() bool {
	return c == ErrorClassNone || c == ErrorClassTransient
}

// Invoice is a tenant-issued invoice together with its chain and submission state.
// Implements the TenantOwned interface for tenant-scoped authorization.
type Invoice struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `gorm:"index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	// CompanyID is the issuing tenant. Numbers are unique per tenant.
	CompanyID uint     `gorm:"not null;uniqueIndex:idx_invoice_company_number" json:"company_id"`
	Company   *Company `gorm:"foreignKey:CompanyID" json:"-"`
	Number    string   `gorm:"size:50;not null;uniqueIndex:idx_invoice_company_number" json:"number"`

	ClientID uint    `gorm:"index;not null" json:"client_id"`
	Client   *Client `gorm:"foreignKey:ClientID" json:"client,omitempty"`

	IssueDate time.Time `gorm:"not null" json:"issue_date"`

	// Totals are computed by the chain builder when the invoice is submitted.
	TotalHT  decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"total_ht"`
	TotalVAT decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"total_vat"`
	TotalTTC decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"total_ttc"`

	SubmissionStatus SubmissionStatus `gorm:"size:20;not null;index" json:"submission_status"`
	RetryCount       int              `gorm:"not null;default:0" json:"retry_count"`
	LastError        string           `gorm:"type:text" json:"last_error,omitempty"`
	ErrorClass       ErrorClass       `gorm:"size:20" json:"error_class,omitempty"`

	// Chain fields. ChainHash is written once, on acceptance.
	ChainHash         string `gorm:"size:64;index" json:"chain_hash,omitempty"`
	PreviousChainHash string `gorm:"size:64" json:"previous_chain_hash,omitempty"`

	ReceiptID   string     `gorm:"size:100" json:"receipt_id,omitempty"`
	QRPayload   string     `gorm:"size:500" json:"qr_payload,omitempty"`
	SubmittedAt *time.Time `gorm:"index" json:"submitted_at,omitempty"`

	Items []InvoiceItem `gorm:"foreignKey:InvoiceID;constraint:OnDelete:CASCADE" json:"items,omitempty"`
}

// BeforeCreate defaults new invoices to NOT_SENT.
func (i *Invoice) BeforeCreate(_ *gorm.DB) error {
	if i.SubmissionStatus == "" {
		i.SubmissionStatus = SubmissionNotSent
	}
	return nil
}

// GetTenantID implements the TenantOwned interface for authorization.
func (i *Invoice) GetTenantID() uint {
	return i.CompanyID
}

// IsChained returns true once the invoice carries its immutable chain hash.
func (i *Invoice) IsChained() bool {
	return i.ChainHash != ""
}

// CanSubmit returns true if a submission attempt may start from the current status.
func (i *Invoice) CanSubmit() bool {
	if i.IsChained() {
		return false
	}
	switch i.SubmissionStatus {
	case SubmissionNotSent, SubmissionPending, SubmissionFailed, SubmissionTimeout:
		return true
	}
	return false
}

// IsTerminal returns true when no further automatic transition will happen.
func (i *Invoice) IsTerminal() bool {
	switch i.SubmissionStatus {
	case SubmissionAccepted, SubmissionRejected:
		return true
	case SubmissionFailed:
		return !i.ErrorClass.Retryable()
	}
	return false
}

// InvoiceItem is a line on an invoice. Lines are frozen once the invoice is chained.
type InvoiceItem struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	InvoiceID uint `gorm:"index;not null" json:"invoice_id"`

	Description string          `gorm:"size:500;not null" json:"description"`
	Units       decimal.Decimal `gorm:"type:decimal(12,3);not null" json:"units"`
	Price       decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"price"`
	DiscountPct decimal.Decimal `gorm:"type:decimal(5,2);not null;default:0" json:"discount_pct"`
	VATPct      decimal.Decimal `gorm:"type:decimal(5,2);not null;default:0" json:"vat_pct"`

	Position int `gorm:"default:0" json:"position"`
}
