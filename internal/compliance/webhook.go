package compliance

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/diewo77/invoicechain/validation"
)

// WebhookNotice is the authority's asynchronous verdict on a previous submission.
type WebhookNotice struct {
	IssuerTaxID   string `json:"issuerTaxId"`
	InvoiceNumber string `json:"invoiceNumber"`
	Fingerprint   string `json:"fingerprint,omitempty"`
	Status        string `json:"status"`
	Code          string `json:"code,omitempty"`
	Message       string `json:"message,omitempty"`
	ReceiptID     string `json:"receiptId,omitempty"`
	QR            string `json:"qr,omitempty"`
}

// Accepted reports whether the notice confirms registration.
func (n WebhookNotice) Accepted() bool { return n.Status == statusAccepted }

// Rejected reports whether the notice is a final refusal.
func (n WebhookNotice) Rejected() bool { return n.Status == statusRejected }

// ParseWebhook decodes and validates a callback body.
func ParseWebhook(body []byte) (WebhookNotice, error) {
	var n WebhookNotice
	if err := json.Unmarshal(body, &n); err != nil {
		return WebhookNotice{}, fmt.Errorf("decode webhook: %w", err)
	}
	n.Status = strings.ToLower(strings.TrimSpace(n.Status))

	v := make(validation.Violations)
	validation.Required("issuerTaxId", n.IssuerTaxID, v)
	validation.Required("invoiceNumber", n.InvoiceNumber, v)
	switch n.Status {
	case statusAccepted, statusRejected:
	default:
		v["status"] = "unsupported"
	}
	if !v.Empty() {
		return WebhookNotice{}, fmt.Errorf("invalid webhook: %w", v)
	}
	return n, nil
}
