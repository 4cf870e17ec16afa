package gate

import (
	"context"
	"sort"
)

// Profile is the resolved role of a subject: its permissions and the tenant
// it acts for. TenantID 0 means the profile is not bound to a tenant.
type Profile interface {
	Name() string
	TenantID() uint
	Permissions() []Permission
	HasPermission(p Permission) bool
}

// ProfileResolver maps a subject to its profile. A nil profile with a nil
// error means the subject has no profile.
type ProfileResolver[U comparable] interface {
	Resolve(ctx context.Context, subject U) (Profile, error)
}

// StaticProfile is an in-memory Profile.
type StaticProfile struct {
	name   string
	tenant uint
	perms  []Permission
}

func NewStaticProfile(name string, tenantID uint, perms ...Permission) *StaticProfile {
	return &StaticProfile{name: name, tenant: tenantID, perms: perms}
}

func (p *StaticProfile) Name() string    { return p.name }
func (p *StaticProfile) TenantID() uint { return p.tenant }

func (p *StaticProfile) Permissions() []Permission {
	out := append([]Permission(nil), p.perms...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (p *StaticProfile) HasPermission(requested Permission) bool {
	for _, perm := range p.perms {
		if perm.Grants(requested) {
			return true
		}
	}
	return false
}

// StaticResolver serves fixed profiles, mostly for tests and bootstrap tokens.
type StaticResolver[U comparable] map[U]Profile

func (r StaticResolver[U]) Resolve(_ context.Context, subject U) (Profile, error) {
	return r[subject], nil
}
