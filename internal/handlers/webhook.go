package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/diewo77/invoicechain/auth"
	"github.com/diewo77/invoicechain/httpx"
	"github.com/diewo77/invoicechain/internal/chain"
	"github.com/diewo77/invoicechain/internal/compliance"
	"github.com/diewo77/invoicechain/internal/services"
	"github.com/diewo77/invoicechain/internal/store"
	"go.uber.org/zap"
)

// WebhookHandler receives the authority's asynchronous verdicts. Callers are
// authenticated by an HMAC of the raw body in the X-Signature header.
type WebhookHandler struct {
	svc    Submissions
	secret []byte
	logger *zap.Logger
}

func NewWebhookHandler(svc Submissions, secret string, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{svc: svc, secret: []byte(secret), logger: logger.With(zap.String("component", "webhook"))}
}

func (h *WebhookHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/compliance", h.Receive)
}

func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, httpx.MaxBodyBytes))
	if err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "unreadable_body", nil)
		return
	}
	if !auth.VerifyPayload(h.secret, body, r.Header.Get(auth.SignatureHeader)) {
		h.logger.Warn("webhook signature rejected", zap.String("remote", r.RemoteAddr))
		httpx.JSONError(w, http.StatusUnauthorized, "invalid_signature", nil)
		return
	}
	notice, err := compliance.ParseWebhook(body)
	if err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_notice", err.Error())
		return
	}

	log := h.logger.With(zap.String("issuer", notice.IssuerTaxID), zap.String("number", notice.InvoiceNumber), zap.String("status", notice.Status))
	inv, err := h.svc.ProcessWebhook(r.Context(), notice)
	var invalid *chain.InvalidInvoiceDataError
	switch {
	case err == nil:
		log.Info("webhook applied", zap.String("invoice_status", string(inv.SubmissionStatus)))
		httpx.JSON(w, http.StatusOK, newInvoiceView(inv))
	case errors.Is(err, store.ErrNotFound):
		httpx.JSONError(w, http.StatusNotFound, "unknown_invoice", nil)
	case errors.Is(err, services.ErrFingerprintMismatch), errors.Is(err, services.ErrWebhookConflict):
		log.Warn("webhook refused", zap.Error(err))
		httpx.JSONError(w, http.StatusConflict, "conflict", err.Error())
	case errors.As(err, &invalid):
		httpx.JSONError(w, http.StatusUnprocessableEntity, "invalid_invoice", invalid.Violations)
	default:
		log.Error("webhook failed", zap.Error(err))
		writeSubmissionError(w, nil, err)
	}
}
