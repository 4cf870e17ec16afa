package models

import (
	"time"

	"gorm.io/datatypes"
)

// AuditLog is the append-only projection of an invoice lifecycle event.
// RecordID is the id the event log assigned on append; a unique index on it
// makes replays of the same record a no-op.
type AuditLog struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	RecordID  string         `gorm:"size:64;not null;uniqueIndex" json:"record_id"`
	EventID   string         `gorm:"size:36;index" json:"event_id"`
	EventType string         `gorm:"size:64;not null;index" json:"event_type"`
	TenantID  uint           `gorm:"index;not null" json:"tenant_id"`
	InvoiceID uint           `gorm:"index" json:"invoice_id"`
	ClientID  uint           `gorm:"index" json:"client_id"`
	Status    string         `gorm:"size:20" json:"status"`
	Total     string         `gorm:"size:32" json:"total"`
	Payload   datatypes.JSON `json:"payload"`
	CreatedAt time.Time      `gorm:"index" json:"created_at"`
}
