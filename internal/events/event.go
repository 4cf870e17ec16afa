// Package events carries invoice lifecycle events over a durable append-only log.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/diewo77/invoicechain/internal/models"
	"github.com/google/uuid"
)

// Type names one lifecycle transition.
type Type string

const (
	TypeSubmissionPending    Type = "invoice.submission_pending"
	TypeSubmissionProcessing Type = "invoice.submission_processing"
	TypeSubmissionAccepted   Type = "invoice.submission_accepted"
	TypeSubmissionRejected   Type = "invoice.submission_rejected"
	TypeSubmissionFailed     Type = "invoice.submission_failed"
	TypeSubmissionTimeout    Type = "invoice.submission_timeout"
	TypeSubmissionAbandoned  Type = "invoice.submission_abandoned"
)

// TypeFor maps a submission status to the event announcing it.
func TypeFor(status models.SubmissionStatus) Type {
	switch status {
	case models.SubmissionPending:
		return TypeSubmissionPending
	case models.SubmissionProcessing:
		return TypeSubmissionProcessing
	case models.SubmissionAccepted:
		return TypeSubmissionAccepted
	case models.SubmissionRejected:
		return TypeSubmissionRejected
	case models.SubmissionTimeout:
		return TypeSubmissionTimeout
	}
	return TypeSubmissionFailed
}

// ErrDecode is returned for records whose payload cannot be read back.
var ErrDecode = errors.New("undecodable event record")

// Event is one invoice lifecycle transition.
type Event struct {
	EventID       string    `json:"eventId"`
	Type          Type      `json:"eventType"`
	TenantID      uint      `json:"tenantId"`
	InvoiceID     uint      `json:"invoiceId"`
	InvoiceNumber string    `json:"invoiceNumber"`
	ClientID      uint      `json:"clientId"`
	ClientEmail   string    `json:"clientEmail,omitempty"`
	Total         string    `json:"total"`
	Status        string    `json:"status"`
	Message       string    `json:"message,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// FromInvoice builds the event announcing the invoice's current status.
func FromInvoice(inv *models.Invoice, clientEmail string) Event {
	return Event{
		Type:          TypeFor(inv.SubmissionStatus),
		TenantID:      inv.CompanyID,
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.Number,
		ClientID:      inv.ClientID,
		ClientEmail:   clientEmail,
		Total:         inv.TotalTTC.StringFixed(2),
		Status:        string(inv.SubmissionStatus),
		Message:       inv.LastError,
	}
}

// Fields returns the flat projection appended to the log. The full event is
// kept as JSON under "payload"; the other keys exist for operators and filtering.
func (e Event) Fields() (map[string]interface{}, error) {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return map[string]interface{}{
		"eventId":       e.EventID,
		"eventType":     string(e.Type),
		"tenantId":      strconv.FormatUint(uint64(e.TenantID), 10),
		"invoiceId":     strconv.FormatUint(uint64(e.InvoiceID), 10),
		"invoiceNumber": e.InvoiceNumber,
		"clientId":      strconv.FormatUint(uint64(e.ClientID), 10),
		"clientEmail":   e.ClientEmail,
		"status":        e.Status,
		"total":         e.Total,
		"timestamp":     e.Timestamp.UTC().Format(time.RFC3339Nano),
		"payload":       string(payload),
	}, nil
}

// Decode reads an event back from record values.
func Decode(values map[string]interface{}) (Event, error) {
	raw, ok := values["payload"]
	if !ok {
		return Event{}, fmt.Errorf("%w: missing payload", ErrDecode)
	}
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return Event{}, fmt.Errorf("%w: payload of type %T", ErrDecode, raw)
	}
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if e.Type == "" || e.TenantID == 0 {
		return Event{}, fmt.Errorf("%w: missing event type or tenant", ErrDecode)
	}
	return e, nil
}
