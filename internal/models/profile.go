package models

import (
	"time"

	"gorm.io/gorm"
)

// Profile groups permissions; a user inherits all permissions of its profile.
type Profile struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
	Name        string         `gorm:"uniqueIndex;size:100;not null" json:"name"`
	Description string         `gorm:"size:500" json:"description,omitempty"`
	Permissions []Permission   `gorm:"many2many:profile_permissions;" json:"permissions,omitempty"`
}

// Permission allows one action on a resource type, e.g. "invoice:submit".
type Permission struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	ResourceType string `gorm:"size:50;not null;uniqueIndex:idx_perm_resource_action" json:"resource_type"`
	Action       string `gorm:"size:50;not null;uniqueIndex:idx_perm_resource_action" json:"action"`
	Description  string `gorm:"size:200" json:"description,omitempty"`
}

// Code returns the permission in "resource:action" format.
func (p Permission) Code() string {
	return p.ResourceType + ":" + p.Action
}
