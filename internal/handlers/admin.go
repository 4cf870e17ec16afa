package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/diewo77/invoicechain/gate"
	"github.com/diewo77/invoicechain/httpx"
	"github.com/diewo77/invoicechain/internal/models"
	"github.com/diewo77/invoicechain/internal/policy"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AdminGate is the part of *policy.AuthGate the admin endpoints need.
type AdminGate interface {
	Authorizer
	Profile(ctx context.Context) (gate.Profile, error)
	InvalidateUser(userID uint)
}

// AdminHandler manages profile assignments within the caller's tenant.
type AdminHandler struct {
	db     *gorm.DB
	gate   AdminGate
	logger *zap.Logger
}

func NewAdminHandler(db *gorm.DB, g AdminGate, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{db: db, gate: g, logger: logger.With(zap.String("component", "admin"))}
}

func (h *AdminHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/users", h.ListUsers)
	mux.HandleFunc("PUT /admin/users/{id}/profile", h.AssignProfile)
}

// ListUsers returns the users of the caller's tenant with the available profiles.
func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	profile, err := h.gate.Profile(r.Context())
	if err != nil {
		policy.WriteError(w, err)
		return
	}
	if !authorize(w, r, h.gate, gate.ActionView, gate.ResourceProfile, policy.Tenant(profile.TenantID())) {
		return
	}

	q := h.db.WithContext(r.Context()).Preload("Profile")
	if profile.TenantID() != 0 {
		q = q.Where("company_id = ?", profile.TenantID())
	}
	var users []models.User
	if err := q.Order("id").Find(&users).Error; err != nil {
		httpx.JSONError(w, http.StatusInternalServerError, "db_error", nil)
		return
	}
	var profiles []models.Profile
	if err := h.db.WithContext(r.Context()).Preload("Permissions").Order("name").Find(&profiles).Error; err != nil {
		httpx.JSONError(w, http.StatusInternalServerError, "db_error", nil)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"users": users, "profiles": profiles})
}

type assignRequest struct {
	// Profile is a profile name; empty removes every permission.
	Profile string `json:"profile"`
}

func (h *AdminHandler) AssignProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "id")
	if !ok {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_user_id", nil)
		return
	}
	var req assignRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	var user models.User
	if err := h.db.WithContext(r.Context()).First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			httpx.JSONError(w, http.StatusNotFound, "user_not_found", nil)
			return
		}
		httpx.JSONError(w, http.StatusInternalServerError, "db_error", nil)
		return
	}
	if !authorize(w, r, h.gate, gate.ActionAssign, gate.ResourceProfile, &user) {
		return
	}

	var profileID *uint
	if req.Profile != "" {
		var p models.Profile
		if err := h.db.WithContext(r.Context()).Where("name = ?", req.Profile).First(&p).Error; err != nil {
			httpx.JSONError(w, http.StatusNotFound, "profile_not_found", nil)
			return
		}
		profileID = &p.ID
	}
	if err := h.db.WithContext(r.Context()).Model(&models.User{}).Where("id = ?", userID).Update("profile_id", profileID).Error; err != nil {
		httpx.JSONError(w, http.StatusInternalServerError, "db_error", nil)
		return
	}
	h.gate.InvalidateUser(userID)
	h.logger.Info("profile assigned", zap.Uint("user_id", userID), zap.String("profile", req.Profile))
	httpx.JSON(w, http.StatusOK, map[string]any{"user_id": userID, "profile": req.Profile})
}
