package models

import (
	"time"

	"gorm.io/gorm"
)

// User is an operator acting on behalf of one tenant.
type User struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
	Email     string         `gorm:"uniqueIndex;size:255;not null" json:"email"`
	Name      string         `gorm:"size:255" json:"name,omitempty"`

	// CompanyID scopes the user to a single tenant.
	CompanyID uint `gorm:"index;not null" json:"company_id"`

	// A nil ProfileID means the user has no permissions.
	ProfileID *uint    `gorm:"index" json:"profile_id,omitempty"`
	Profile   *Profile `gorm:"foreignKey:ProfileID" json:"profile,omitempty"`
}

func (u *User) GetTenantID() uint {
	return u.CompanyID
}
