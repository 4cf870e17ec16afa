package gate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/diewo77/invoicechain/gate"
)

type invoiceRef struct {
	tenant uint
	status string
}

func (r invoiceRef) GetTenantID() uint { return r.tenant }

func TestPermission_Grants(t *testing.T) {
	cases := []struct {
		held, requested gate.Permission
		want            bool
	}{
		{"invoice:submit", "invoice:submit", true},
		{"invoice:submit", "invoice:view", false},
		{"invoice:*", "invoice:retry", true},
		{"invoice:*", "chain:verify", false},
		{"*:view", "audit:view", true},
		{"*:view", "audit:submit", false},
		{gate.PermissionSuperAdmin, "chain:verify", true},
		{"invoice", "invoice:view", false},
		{"invoice:view", "broken", false},
	}
	for _, c := range cases {
		if got := c.held.Grants(c.requested); got != c.want {
			t.Errorf("%s grants %s = %v, want %v", c.held, c.requested, got, c.want)
		}
	}
}

func TestGate_ProfilePermissions(t *testing.T) {
	resolver := gate.StaticResolver[uint]{
		1: gate.NewStaticProfile("submitter", 10,
			gate.NewPermission(gate.ResourceInvoice, gate.ActionView),
			gate.NewPermission(gate.ResourceInvoice, gate.ActionSubmit)),
	}
	g := gate.New[uint](resolver)
	ctx := context.Background()

	if err := g.Authorize(ctx, 1, gate.ActionSubmit, gate.ResourceInvoice, nil); err != nil {
		t.Fatalf("submitter should submit: %v", err)
	}
	if err := g.Authorize(ctx, 1, gate.ActionVerify, gate.ResourceChain, nil); !errors.Is(err, gate.ErrForbidden) {
		t.Errorf("verify without permission: got %v", err)
	}
	if err := g.Authorize(ctx, 2, gate.ActionView, gate.ResourceInvoice, nil); !errors.Is(err, gate.ErrForbidden) {
		t.Errorf("subject without profile: got %v", err)
	}
	if err := g.Authorize(ctx, 0, gate.ActionView, gate.ResourceInvoice, nil); !errors.Is(err, gate.ErrUnauthenticated) {
		t.Errorf("zero subject: got %v", err)
	}
}

func TestGate_TenantBoundary(t *testing.T) {
	resolver := gate.StaticResolver[uint]{
		1: gate.NewStaticProfile("admin", 10, gate.PermissionSuperAdmin),
		2: gate.NewStaticProfile("operator", 0, gate.PermissionSuperAdmin),
	}
	g := gate.New[uint](resolver)
	ctx := context.Background()

	if !g.Can(ctx, 1, gate.ActionSubmit, gate.ResourceInvoice, invoiceRef{tenant: 10}) {
		t.Error("own tenant should be allowed")
	}
	err := g.Authorize(ctx, 1, gate.ActionSubmit, gate.ResourceInvoice, invoiceRef{tenant: 11})
	if !errors.Is(err, gate.ErrTenantMismatch) || !errors.Is(err, gate.ErrForbidden) {
		t.Errorf("other tenant: got %v", err)
	}
	if !g.Can(ctx, 2, gate.ActionSubmit, gate.ResourceInvoice, invoiceRef{tenant: 11}) {
		t.Error("unscoped operator should reach every tenant")
	}
}

func TestGate_ResourcePolicy(t *testing.T) {
	resolver := gate.StaticResolver[uint]{1: gate.NewStaticProfile("submitter", 10, "invoice:*")}
	g := gate.New[uint](resolver)
	g.Register(gate.ResourceInvoice, gate.PolicyFunc[uint](func(_ context.Context, _ uint, action gate.Action, resource any) bool {
		if action != gate.ActionRetry {
			return true
		}
		r, ok := resource.(invoiceRef)
		return ok && r.status == "FAILED"
	}))
	ctx := context.Background()

	if !g.Can(ctx, 1, gate.ActionRetry, gate.ResourceInvoice, invoiceRef{tenant: 10, status: "FAILED"}) {
		t.Error("retry of failed invoice should be allowed")
	}
	if g.Can(ctx, 1, gate.ActionRetry, gate.ResourceInvoice, invoiceRef{tenant: 10, status: "ACCEPTED"}) {
		t.Error("retry of accepted invoice should be denied")
	}
	// without a resource only the permission is checked
	if !g.Can(ctx, 1, gate.ActionRetry, gate.ResourceInvoice, nil) {
		t.Error("profile-only check should pass")
	}
}

type countingResolver struct {
	calls   int
	profile gate.Profile
	err     error
}

func (r *countingResolver) Resolve(context.Context, uint) (gate.Profile, error) {
	r.calls++
	return r.profile, r.err
}

func TestCachedResolver(t *testing.T) {
	inner := &countingResolver{profile: gate.NewStaticProfile("auditor", 3)}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cache := gate.NewCachedResolver[uint](inner, time.Minute).WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, err := cache.Resolve(ctx, 7)
		if err != nil || p.Name() != "auditor" {
			t.Fatalf("resolve: %v %v", p, err)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("inner calls = %d, want 1", inner.calls)
	}

	now = now.Add(2 * time.Minute)
	if _, err := cache.Resolve(ctx, 7); err != nil {
		t.Fatal(err)
	}
	if inner.calls != 2 {
		t.Errorf("expired entry not refreshed, calls = %d", inner.calls)
	}

	cache.Invalidate(7)
	_, _ = cache.Resolve(ctx, 7)
	cache.InvalidateAll()
	_, _ = cache.Resolve(ctx, 7)
	if inner.calls != 4 {
		t.Errorf("invalidation not honoured, calls = %d", inner.calls)
	}
}

func TestCachedResolver_ErrorsNotCached(t *testing.T) {
	inner := &countingResolver{err: errors.New("db down")}
	cache := gate.NewCachedResolver[uint](inner, time.Minute)
	ctx := context.Background()

	if _, err := cache.Resolve(ctx, 7); err == nil {
		t.Fatal("expected error")
	}
	inner.err = nil
	inner.profile = gate.NewStaticProfile("auditor", 3)
	p, err := cache.Resolve(ctx, 7)
	if err != nil || p == nil {
		t.Fatalf("second resolve: %v %v", p, err)
	}
}

func TestStaticProfile_PermissionsSorted(t *testing.T) {
	p := gate.NewStaticProfile("x", 1, "invoice:view", "audit:view", "chain:verify")
	got := p.Permissions()
	want := []gate.Permission{"audit:view", "chain:verify", "invoice:view"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("permissions = %v", got)
		}
	}
}
