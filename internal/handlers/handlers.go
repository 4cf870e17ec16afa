// Package handlers exposes the submission pipeline over HTTP.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/diewo77/invoicechain/gate"
	"github.com/diewo77/invoicechain/httpx"
	"github.com/diewo77/invoicechain/internal/chain"
	"github.com/diewo77/invoicechain/internal/compliance"
	"github.com/diewo77/invoicechain/internal/models"
	"github.com/diewo77/invoicechain/internal/policy"
	"github.com/diewo77/invoicechain/internal/services"
	"github.com/diewo77/invoicechain/internal/signature"
	"github.com/diewo77/invoicechain/internal/store"
	"github.com/diewo77/invoicechain/internal/tenantlock"
)

// Authorizer is satisfied by *policy.AuthGate.
type Authorizer interface {
	Authorize(ctx context.Context, action gate.Action, resourceType string, resource any) error
}

// Submissions is the orchestrator surface used by the handlers.
type Submissions interface {
	Invoice(ctx context.Context, tenantID, invoiceID uint) (*models.Invoice, error)
	SubmitInvoice(ctx context.Context, tenantID, invoiceID uint) (*services.Outcome, error)
	RetryInvoice(ctx context.Context, tenantID, invoiceID uint) (*services.Outcome, error)
	VerifyChain(ctx context.Context, tenantID uint) (int, error)
	ProcessWebhook(ctx context.Context, n compliance.WebhookNotice) (*models.Invoice, error)
}

func pathID(r *http.Request, name string) (uint, bool) {
	v, err := strconv.ParseUint(r.PathValue(name), 10, 64)
	if err != nil || v == 0 {
		return 0, false
	}
	return uint(v), true
}

// tenantAndInvoice reads {tenant} and {id}, answering 400 when malformed.
func tenantAndInvoice(w http.ResponseWriter, r *http.Request) (uint, uint, bool) {
	tenantID, ok := pathID(r, "tenant")
	if !ok {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_tenant", nil)
		return 0, 0, false
	}
	invoiceID, ok := pathID(r, "id")
	if !ok {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_invoice_id", nil)
		return 0, 0, false
	}
	return tenantID, invoiceID, true
}

func authorize(w http.ResponseWriter, r *http.Request, g Authorizer, action gate.Action, resourceType string, resource any) bool {
	if err := g.Authorize(r.Context(), action, resourceType, resource); err != nil {
		policy.WriteError(w, err)
		return false
	}
	return true
}

// writeSubmissionError maps the orchestrator's error taxonomy to HTTP.
func writeSubmissionError(w http.ResponseWriter, out *services.Outcome, err error) {
	var invalid *chain.InvalidInvoiceDataError
	var body any
	if out != nil {
		body = newInvoiceView(out.Invoice)
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		httpx.JSONError(w, http.StatusNotFound, "not_found", nil)
	case errors.Is(err, services.ErrAlreadyAccepted):
		httpx.JSONError(w, http.StatusConflict, "already_accepted", nil)
	case errors.Is(err, services.ErrRejectedNeedsCorrection):
		httpx.JSONError(w, http.StatusConflict, "rejected_needs_correction", nil)
	case errors.Is(err, services.ErrSubmissionInProgress):
		httpx.JSONError(w, http.StatusConflict, "submission_in_progress", nil)
	case errors.Is(err, services.ErrNotSubmittable):
		httpx.JSONError(w, http.StatusConflict, "not_submittable", err.Error())
	case errors.As(err, &invalid):
		httpx.JSONError(w, http.StatusUnprocessableEntity, "invalid_invoice", invalid.Violations)
	case errors.Is(err, compliance.ErrBadRequest):
		httpx.JSONError(w, http.StatusUnprocessableEntity, "refused_as_malformed", body)
	case errors.Is(err, signature.ErrSigning):
		httpx.JSONError(w, http.StatusUnprocessableEntity, "signing_failed", body)
	case errors.Is(err, compliance.ErrRejected):
		httpx.JSONError(w, http.StatusUnprocessableEntity, "rejected", body)
	case errors.Is(err, compliance.ErrTransient), errors.Is(err, store.ErrChainHeadMoved):
		httpx.JSONError(w, http.StatusBadGateway, "authority_unavailable", body)
	case errors.Is(err, tenantlock.ErrNotAcquired):
		httpx.JSONError(w, http.StatusServiceUnavailable, "tenant_busy", nil)
	default:
		httpx.JSONError(w, http.StatusInternalServerError, "internal_error", nil)
	}
}
