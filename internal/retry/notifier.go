package retry

import (
	"context"

	"github.com/diewo77/invoicechain/internal/events"
	"github.com/diewo77/invoicechain/internal/logging"
	"github.com/diewo77/invoicechain/internal/models"
	"go.uber.org/zap"
)

// Notifier alerts operators about invoices that need manual action.
type Notifier interface {
	InvoiceAbandoned(ctx context.Context, inv *models.Invoice)
}

// LogNotifier reports at error level.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) InvoiceAbandoned(_ context.Context, inv *models.Invoice) {
	n.Logger.Error("invoice submission abandoned",
		logging.Tenant(inv.CompanyID),
		logging.Invoice(inv.ID),
		zap.String("number", inv.Number),
		zap.Int("retry_count", inv.RetryCount),
		zap.String("last_error", inv.LastError))
}

type publisher interface {
	Publish(ctx context.Context, ev events.Event) string
}

// EventNotifier publishes an abandonment event to the event log.
type EventNotifier struct {
	Publisher publisher
}

func (n EventNotifier) InvoiceAbandoned(ctx context.Context, inv *models.Invoice) {
	ev := events.FromInvoice(inv, "")
	ev.Type = events.TypeSubmissionAbandoned
	n.Publisher.Publish(ctx, ev)
}

// Notifiers fans out to every notifier in order.
type Notifiers []Notifier

func (ns Notifiers) InvoiceAbandoned(ctx context.Context, inv *models.Invoice) {
	for _, n := range ns {
		n.InvoiceAbandoned(ctx, inv)
	}
}
