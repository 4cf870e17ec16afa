package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/diewo77/invoicechain/gate"
	"github.com/diewo77/invoicechain/httpx"
	"github.com/diewo77/invoicechain/internal/chain"
	"github.com/diewo77/invoicechain/internal/logging"
	"github.com/diewo77/invoicechain/internal/models"
	"github.com/diewo77/invoicechain/internal/policy"
	"github.com/diewo77/invoicechain/internal/store"
	"go.uber.org/zap"
)

type invoiceView struct {
	ID                uint       `json:"id"`
	Number            string     `json:"number"`
	Status            string     `json:"status"`
	RetryCount        int        `json:"retry_count"`
	ErrorClass        string     `json:"error_class,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	TotalHT           string     `json:"total_ht"`
	TotalVAT          string     `json:"total_vat"`
	TotalTTC          string     `json:"total_ttc"`
	ChainHash         string     `json:"chain_hash,omitempty"`
	PreviousChainHash string     `json:"previous_chain_hash,omitempty"`
	ReceiptID         string     `json:"receipt_id,omitempty"`
	QRPayload         string     `json:"qr_payload,omitempty"`
	SubmittedAt       *time.Time `json:"submitted_at,omitempty"`
}

func newInvoiceView(inv *models.Invoice) *invoiceView {
	if inv == nil {
		return nil
	}
	return &invoiceView{
		ID:                inv.ID,
		Number:            inv.Number,
		Status:            string(inv.SubmissionStatus),
		RetryCount:        inv.RetryCount,
		ErrorClass:        string(inv.ErrorClass),
		LastError:         inv.LastError,
		TotalHT:           inv.TotalHT.StringFixed(2),
		TotalVAT:          inv.TotalVAT.StringFixed(2),
		TotalTTC:          inv.TotalTTC.StringFixed(2),
		ChainHash:         inv.ChainHash,
		PreviousChainHash: inv.PreviousChainHash,
		ReceiptID:         inv.ReceiptID,
		QRPayload:         inv.QRPayload,
		SubmittedAt:       inv.SubmittedAt,
	}
}

// AuditReader lists a tenant's audit trail.
type AuditReader interface {
	AuditTrail(ctx context.Context, tenantID, invoiceID uint, limit int) ([]models.AuditLog, error)
}

type InvoiceHandler struct {
	svc    Submissions
	gate   Authorizer
	audit  AuditReader
	logger *zap.Logger
}

func NewInvoiceHandler(svc Submissions, g Authorizer, audit AuditReader, logger *zap.Logger) *InvoiceHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InvoiceHandler{svc: svc, gate: g, audit: audit, logger: logger.With(zap.String("component", "http"))}
}

// Routes registers the tenant-scoped endpoints on mux.
func (h *InvoiceHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /tenants/{tenant}/invoices/{id}", h.Get)
	mux.HandleFunc("POST /tenants/{tenant}/invoices/{id}/submit", h.Submit)
	mux.HandleFunc("POST /tenants/{tenant}/invoices/{id}/retry", h.Retry)
	mux.HandleFunc("GET /tenants/{tenant}/chain/verify", h.VerifyChain)
	mux.HandleFunc("GET /tenants/{tenant}/audit", h.Audit)
}

func (h *InvoiceHandler) Get(w http.ResponseWriter, r *http.Request) {
	tenantID, invoiceID, ok := tenantAndInvoice(w, r)
	if !ok || !authorize(w, r, h.gate, gate.ActionView, gate.ResourceInvoice, policy.Tenant(tenantID)) {
		return
	}
	inv, err := h.svc.Invoice(r.Context(), tenantID, invoiceID)
	if err != nil {
		writeSubmissionError(w, nil, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newInvoiceView(inv))
}

// Submit runs one submission attempt and answers with the resulting state.
func (h *InvoiceHandler) Submit(w http.ResponseWriter, r *http.Request) {
	tenantID, invoiceID, ok := tenantAndInvoice(w, r)
	if !ok || !authorize(w, r, h.gate, gate.ActionSubmit, gate.ResourceInvoice, policy.Tenant(tenantID)) {
		return
	}
	out, err := h.svc.SubmitInvoice(r.Context(), tenantID, invoiceID)
	if err != nil {
		h.logger.Info("submission not accepted", logging.Tenant(tenantID), logging.Invoice(invoiceID), zap.Error(err))
		writeSubmissionError(w, out, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newInvoiceView(out.Invoice))
}

// Retry is the manual retry; only failed or timed out invoices qualify.
func (h *InvoiceHandler) Retry(w http.ResponseWriter, r *http.Request) {
	tenantID, invoiceID, ok := tenantAndInvoice(w, r)
	if !ok || !authorize(w, r, h.gate, gate.ActionRetry, gate.ResourceInvoice, policy.Tenant(tenantID)) {
		return
	}
	inv, err := h.svc.Invoice(r.Context(), tenantID, invoiceID)
	if err != nil {
		writeSubmissionError(w, nil, err)
		return
	}
	if !authorize(w, r, h.gate, gate.ActionRetry, gate.ResourceInvoice, inv) {
		return
	}
	out, err := h.svc.RetryInvoice(r.Context(), tenantID, invoiceID)
	if err != nil {
		h.logger.Info("manual retry not accepted", logging.Tenant(tenantID), logging.Invoice(invoiceID), zap.Error(err))
		writeSubmissionError(w, out, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newInvoiceView(out.Invoice))
}

func (h *InvoiceHandler) VerifyChain(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := pathID(r, "tenant")
	if !ok {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_tenant", nil)
		return
	}
	if !authorize(w, r, h.gate, gate.ActionVerify, gate.ResourceChain, policy.Tenant(tenantID)) {
		return
	}
	n, err := h.svc.VerifyChain(r.Context(), tenantID)
	switch {
	case err == nil:
		httpx.JSON(w, http.StatusOK, map[string]any{"valid": true, "length": n})
	case errors.Is(err, chain.ErrChainBroken):
		h.logger.Error("chain verification failed", logging.Tenant(tenantID), zap.Int("verified", n), zap.Error(err))
		httpx.JSON(w, http.StatusOK, map[string]any{"valid": false, "length": n, "error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		httpx.JSONError(w, http.StatusNotFound, "not_found", nil)
	default:
		h.logger.Error("chain verification error", logging.Tenant(tenantID), zap.Error(err))
		httpx.JSONError(w, http.StatusInternalServerError, "internal_error", nil)
	}
}

// Audit lists the tenant's audit trail, optionally for one invoice.
func (h *InvoiceHandler) Audit(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := pathID(r, "tenant")
	if !ok {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_tenant", nil)
		return
	}
	if !authorize(w, r, h.gate, gate.ActionView, gate.ResourceAudit, policy.Tenant(tenantID)) {
		return
	}
	q := r.URL.Query()
	invoiceID, _ := strconv.ParseUint(q.Get("invoice"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))
	entries, err := h.audit.AuditTrail(r.Context(), tenantID, uint(invoiceID), limit)
	if err != nil {
		h.logger.Error("audit trail", logging.Tenant(tenantID), zap.Error(err))
		httpx.JSONError(w, http.StatusInternalServerError, "internal_error", nil)
		return
	}
	httpx.JSON(w, http.StatusOK, entries)
}
