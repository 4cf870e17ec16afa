package models

import (
	"time"

	"gorm.io/gorm"
)

// Client is the invoice recipient.
type Client struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	CompanyID uint `gorm:"index;not null" json:"company_id"`

	Name    string `gorm:"size:255;not null" json:"name"`
	Email   string `gorm:"size:255" json:"email,omitempty"`
	TaxID   string `gorm:"size:20" json:"tax_id,omitempty"`
	Country string `gorm:"size:100" json:"country,omitempty"`

	Invoices []Invoice `gorm:"foreignKey:ClientID" json:"invoices,omitempty"`
}

// GetTenantID implements the TenantOwned interface.
func (c *Client) GetTenantID() uint {
	return c.CompanyID
}
