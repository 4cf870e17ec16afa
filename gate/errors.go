package gate

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	// ErrTenantMismatch is returned when the subject acts on another tenant's resource.
	ErrTenantMismatch = fmt.Errorf("%w: resource belongs to another tenant", ErrForbidden)
)
