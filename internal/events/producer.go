package events

import (
	"context"
	"time"

	"github.com/diewo77/invoicechain/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Producer appends lifecycle events to the event stream. Publishing is best
// effort: failures are logged and counted, never returned to the caller.
type Producer struct {
	log     Log
	stream  string
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

func NewProducer(log Log, stream string, logger *zap.Logger, m *metrics.Collector) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{
		log:     log,
		stream:  stream,
		logger:  logger.With(zap.String("component", "event_producer")),
		metrics: m,
		now:     time.Now,
	}
}

// Publish appends ev and returns the record id, or "" if the append failed.
func (p *Producer) Publish(ctx context.Context, ev Event) string {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.now().UTC()
	}
	log := p.logger.With(
		zap.String("event_id", ev.EventID),
		zap.String("event_type", string(ev.Type)),
		zap.Uint("tenant_id", ev.TenantID),
		zap.Uint("invoice_id", ev.InvoiceID),
	)

	fields, err := ev.Fields()
	if err != nil {
		p.metrics.ObservePublish(false)
		log.Error("encode event failed", zap.Error(err))
		return ""
	}
	id, err := p.log.Append(ctx, p.stream, fields)
	if err != nil {
		p.metrics.ObservePublish(false)
		log.Error("publish event failed", zap.Error(err))
		return ""
	}
	p.metrics.ObservePublish(true)
	log.Debug("event published", zap.String("record_id", id))
	return id
}
