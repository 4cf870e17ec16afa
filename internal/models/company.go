package models

import (
	"time"

	"gorm.io/gorm"
)

// Company is a tenant: the invoice issuer and owner of one hash chain.
type Company struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	Name    string `gorm:"size:255;not null" json:"name"`
	Email   string `gorm:"size:255" json:"email,omitempty"`
	Country string `gorm:"size:100" json:"country,omitempty"`

	// TaxID identifies the issuer towards the tax authority.
	TaxID string `gorm:"size:20" json:"tax_id"`

	// LastHash is the chain head. Empty until the first invoice is accepted.
	// Only written while the tenant lock is held.
	LastHash string `gorm:"size:64;not null;default:''" json:"last_hash"`

	Users []User `gorm:"foreignKey:CompanyID" json:"-"`
}

// GetTenantID implements the TenantOwned interface.
func (c *Company) GetTenantID() uint {
	return c.ID
}

// IsGenesis returns true while no invoice has been chained for this tenant.
func (c *Company) IsGenesis() bool {
	return c.LastHash == ""
}
