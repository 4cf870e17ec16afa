// Package gate authorizes subjects against profile permissions, tenant
// boundaries and optional per-resource policies.
//
// A request is allowed when the subject's profile grants "resource:action",
// the resource (if it is tenant scoped) belongs to the profile's tenant, and
// the policy registered for the resource type, if any, agrees.
package gate

import "context"

// TenantScoped is implemented by resources owned by a single tenant.
type TenantScoped interface {
	GetTenantID() uint
}

// Policy adds resource-specific rules on top of profile permissions.
type Policy[U comparable] interface {
	Can(ctx context.Context, subject U, action Action, resource any) bool
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc[U comparable] func(ctx context.Context, subject U, action Action, resource any) bool

func (f PolicyFunc[U]) Can(ctx context.Context, subject U, action Action, resource any) bool {
	return f(ctx, subject, action, resource)
}

type Gate[U comparable] struct {
	resolver ProfileResolver[U]
	policies map[string]Policy[U]
}

func New[U comparable](resolver ProfileResolver[U]) *Gate[U] {
	return &Gate[U]{resolver: resolver, policies: make(map[string]Policy[U])}
}

// Register sets the policy for a resource type, replacing any previous one.
func (g *Gate[U]) Register(resourceType string, p Policy[U]) {
	g.policies[resourceType] = p
}

// Authorize returns nil when subject may perform action on resource.
// The zero subject is unauthenticated. resource may be nil for checks that do
// not target a specific record.
func (g *Gate[U]) Authorize(ctx context.Context, subject U, action Action, resourceType string, resource any) error {
	profile, err := g.profile(ctx, subject)
	if err != nil {
		return err
	}
	if !profile.HasPermission(NewPermission(resourceType, action)) {
		return ErrForbidden
	}
	if resource == nil {
		return nil
	}
	if ts, ok := resource.(TenantScoped); ok && profile.TenantID() != 0 && ts.GetTenantID() != profile.TenantID() {
		return ErrTenantMismatch
	}
	if p, ok := g.policies[resourceType]; ok && !p.Can(ctx, subject, action, resource) {
		return ErrForbidden
	}
	return nil
}

func (g *Gate[U]) Can(ctx context.Context, subject U, action Action, resourceType string, resource any) bool {
	return g.Authorize(ctx, subject, action, resourceType, resource) == nil
}

// Profile resolves the subject's profile, failing for the zero subject or a
// subject without one.
func (g *Gate[U]) Profile(ctx context.Context, subject U) (Profile, error) {
	return g.profile(ctx, subject)
}

func (g *Gate[U]) profile(ctx context.Context, subject U) (Profile, error) {
	var zero U
	if subject == zero {
		return nil, ErrUnauthenticated
	}
	p, err := g.resolver.Resolve(ctx, subject)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrForbidden
	}
	return p, nil
}
