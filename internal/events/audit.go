package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/diewo77/invoicechain/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AuditWriter projects events into the audit_logs table. Replays of a
// record id are ignored by the unique index.
type AuditWriter struct {
	db *gorm.DB
}

func NewAuditWriter(db *gorm.DB) *AuditWriter {
	return &AuditWriter{db: db}
}

func (w *AuditWriter) Handle(ctx context.Context, rec Record, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode audit payload: %w", err)
	}
	row := models.AuditLog{
		RecordID:  rec.ID,
		EventID:   ev.EventID,
		EventType: string(ev.Type),
		TenantID:  ev.TenantID,
		InvoiceID: ev.InvoiceID,
		ClientID:  ev.ClientID,
		Status:    ev.Status,
		Total:     ev.Total,
		Payload:   datatypes.JSON(payload),
		CreatedAt: ev.Timestamp,
	}
	err = w.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "record_id"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("insert audit record %s: %w", rec.ID, err)
	}
	return nil
}
