package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/diewo77/invoicechain/gate"
	"github.com/diewo77/invoicechain/httpx"
	"github.com/diewo77/invoicechain/internal/logging"
	"github.com/diewo77/invoicechain/internal/models"
	"github.com/diewo77/invoicechain/internal/policy"
	"github.com/diewo77/invoicechain/internal/services"
	"github.com/diewo77/invoicechain/internal/store"
	"go.uber.org/zap"
)

// Drafts issues new invoices.
type Drafts interface {
	CreateInvoice(ctx context.Context, tenantID uint, d services.Draft) (*models.Invoice, error)
}

type DraftHandler struct {
	drafts Drafts
	gate   Authorizer
	logger *zap.Logger
}

func NewDraftHandler(drafts Drafts, g Authorizer, logger *zap.Logger) *DraftHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DraftHandler{drafts: drafts, gate: g, logger: logger.With(zap.String("component", "http"))}
}

func (h *DraftHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /tenants/{tenant}/invoices", h.Create)
}

func (h *DraftHandler) Create(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := pathID(r, "tenant")
	if !ok {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_tenant", nil)
		return
	}
	if !authorize(w, r, h.gate, gate.ActionCreate, gate.ResourceInvoice, policy.Tenant(tenantID)) {
		return
	}
	var d services.Draft
	if err := httpx.DecodeJSON(r, &d); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	inv, err := h.drafts.CreateInvoice(r.Context(), tenantID, d)
	switch {
	case err == nil:
		h.logger.Info("invoice issued", logging.Tenant(tenantID), logging.Invoice(inv.ID), zap.String("number", inv.Number))
		httpx.JSON(w, http.StatusCreated, newInvoiceView(inv))
	case errors.Is(err, store.ErrDuplicateNumber):
		httpx.JSONError(w, http.StatusConflict, "duplicate_number", nil)
	case errors.Is(err, store.ErrNotFound):
		httpx.JSONError(w, http.StatusUnprocessableEntity, "unknown_client", nil)
	default:
		writeSubmissionError(w, nil, err)
	}
}
