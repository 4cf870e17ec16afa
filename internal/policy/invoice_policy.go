package policy

import (
	"context"

	"github.com/diewo77/invoicechain/gate"
	"github.com/diewo77/invoicechain/internal/models"
)

// Tenant is a bare tenant reference for checks made before any record is loaded.
type Tenant uint

func (t Tenant) GetTenantID() uint { return uint(t) }

// InvoicePolicy restricts manual retries to invoices that failed or timed out.
// Every other invoice action is decided by profile and tenant alone.
type InvoicePolicy struct{}

func (InvoicePolicy) Can(_ context.Context, _ uint, action gate.Action, resource any) bool {
	if action != gate.ActionRetry {
		return true
	}
	inv, ok := resource.(*models.Invoice)
	if !ok {
		return true
	}
	if inv.IsChained() {
		return false
	}
	return inv.SubmissionStatus == models.SubmissionFailed || inv.SubmissionStatus == models.SubmissionTimeout
}
