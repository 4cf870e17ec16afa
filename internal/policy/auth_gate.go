// Package policy wires the gate to the database and the HTTP layer.
package policy

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/diewo77/invoicechain/auth"
	"github.com/diewo77/invoicechain/gate"
	"github.com/diewo77/invoicechain/httpx"
	"gorm.io/gorm"
)

// AuthGate authorizes the user carried by a request context.
type AuthGate struct {
	Gate  *gate.Gate[uint]
	Cache *gate.CachedResolver[uint]
}

// NewAuthGate builds a gate over DB profiles cached for cacheTTL, with the
// invoice policy registered.
func NewAuthGate(db *gorm.DB, cacheTTL time.Duration) *AuthGate {
	return NewAuthGateWithResolver(NewDBProfileResolver(db), cacheTTL)
}

func NewAuthGateWithResolver(resolver gate.ProfileResolver[uint], cacheTTL time.Duration) *AuthGate {
	cache := gate.NewCachedResolver[uint](resolver, cacheTTL)
	g := gate.New[uint](cache)
	g.Register(gate.ResourceInvoice, InvoicePolicy{})
	return &AuthGate{Gate: g, Cache: cache}
}

func (ag *AuthGate) Authorize(ctx context.Context, action gate.Action, resourceType string, resource any) error {
	userID, _ := auth.UserIDFromContext(ctx)
	return ag.Gate.Authorize(ctx, userID, action, resourceType, resource)
}

func (ag *AuthGate) Can(ctx context.Context, action gate.Action, resourceType string, resource any) bool {
	return ag.Authorize(ctx, action, resourceType, resource) == nil
}

func (ag *AuthGate) InvalidateUser(userID uint) { ag.Cache.Invalidate(userID) }

func (ag *AuthGate) InvalidateAll() { ag.Cache.InvalidateAll() }

// RequirePermission rejects requests whose user lacks resourceType:action.
func (ag *AuthGate) RequirePermission(resourceType string, action gate.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := ag.Authorize(r.Context(), action, resourceType, nil); err != nil {
				WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteError maps a gate error to 401 or 403.
func WriteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gate.ErrUnauthenticated):
		httpx.JSONError(w, http.StatusUnauthorized, "unauthorized", nil)
	case errors.Is(err, gate.ErrTenantMismatch):
		httpx.JSONError(w, http.StatusForbidden, "forbidden", "resource belongs to another tenant")
	case errors.Is(err, gate.ErrForbidden):
		httpx.JSONError(w, http.StatusForbidden, "forbidden", nil)
	default:
		httpx.JSONError(w, http.StatusInternalServerError, "authorization_failed", nil)
	}
}

// Profile resolves the profile of the user carried by ctx.
func (ag *AuthGate) Profile(ctx context.Context) (gate.Profile, error) {
	userID, _ := auth.UserIDFromContext(ctx)
	return ag.Gate.Profile(ctx, userID)
}
