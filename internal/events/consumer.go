package events

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/diewo77/invoicechain/internal/metrics"
	"go.uber.org/zap"
)

// Handler processes one decoded record. It must be idempotent on rec.ID.
type Handler interface {
	Handle(ctx context.Context, rec Record, ev Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, rec Record, ev Event) error

func (f HandlerFunc) Handle(ctx context.Context, rec Record, ev Event) error { return f(ctx, rec, ev) }

// RetryPolicy retries a failing handler with exponential backoff.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
}

// DefaultRetry makes three attempts, waiting 1s then 2s.
var DefaultRetry = RetryPolicy{MaxAttempts: 3, InitialDelay: time.Second, Multiplier: 2}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn until it succeeds or the attempts are used up. It returns the
// number of attempts made and the last error.
func (p RetryPolicy) Do(ctx context.Context, sleep SleepFunc, fn func() error) (int, error) {
	limit := p.MaxAttempts
	if limit < 1 {
		limit = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	delay := p.InitialDelay
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return attempt, nil
		}
		if attempt >= limit {
			return attempt, err
		}
		if serr := sleep(ctx, delay); serr != nil {
			return attempt, serr
		}
		delay = time.Duration(float64(delay) * mult)
	}
}

// ConsumerConfig names the streams and group a Consumer works on.
type ConsumerConfig struct {
	Stream    string
	DLQStream string
	Group     string
	Consumer  string
	Block     time.Duration
	Count     int64
	ClaimIdle time.Duration
	Retry     RetryPolicy
}

// Consumer is one member of a consumer group. Each record is handled with
// retries; exhausted or undecodable records go to the dead letter stream and
// are then acknowledged.
type Consumer struct {
	log     Log
	cfg     ConsumerConfig
	handler Handler
	logger  *zap.Logger
	metrics *metrics.Collector
	sleep   SleepFunc
	now     func() time.Time
}

func NewConsumer(log Log, cfg ConsumerConfig, h Handler, logger *zap.Logger, m *metrics.Collector) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Count <= 0 {
		cfg.Count = 10
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetry
	}
	return &Consumer{
		log:     log,
		cfg:     cfg,
		handler: h,
		logger: logger.With(
			zap.String("component", "event_consumer"),
			zap.String("group", cfg.Group),
			zap.String("consumer", cfg.Consumer),
		),
		metrics: m,
		sleep:   sleepCtx,
		now:     time.Now,
	}
}

// WithSleep replaces the backoff sleep, letting tests record delays.
func (c *Consumer) WithSleep(fn SleepFunc) *Consumer {
	c.sleep = fn
	return c
}

// Run reads and processes records until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.log.EnsureGroup(ctx, c.cfg.Stream, c.cfg.Group); err != nil {
		return err
	}
	c.logger.Info("consumer started", zap.String("stream", c.cfg.Stream))
	lastClaim := c.now()
	for {
		if ctx.Err() != nil {
			c.logger.Info("consumer stopped")
			return nil
		}
		if c.cfg.ClaimIdle > 0 && c.now().Sub(lastClaim) >= c.cfg.ClaimIdle {
			if _, err := c.Reclaim(ctx); err != nil {
				c.logger.Warn("reclaim failed", zap.Error(err))
			}
			lastClaim = c.now()
		}
		n, err := c.Poll(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			c.logger.Error("read failed", zap.Error(err))
			_ = sleepCtx(ctx, time.Second)
		case n == 0 && c.cfg.Block <= 0:
			_ = sleepCtx(ctx, 100*time.Millisecond)
		}
	}
}

// Poll performs one blocking read and processes what it returns.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	recs, err := c.log.ReadGroup(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.Consumer, c.cfg.Count, c.cfg.Block)
	if err != nil {
		return 0, err
	}
	for _, rec := range recs {
		c.process(ctx, rec)
	}
	return len(recs), nil
}

// Reclaim takes over records another member left pending and processes them.
func (c *Consumer) Reclaim(ctx context.Context) (int, error) {
	recs, err := c.log.ClaimStale(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.Consumer, c.cfg.ClaimIdle, c.cfg.Count)
	if err != nil {
		return 0, err
	}
	if len(recs) > 0 {
		c.logger.Info("reclaimed pending records", zap.Int("count", len(recs)))
	}
	for _, rec := range recs {
		c.process(ctx, rec)
	}
	return len(recs), nil
}

func (c *Consumer) process(ctx context.Context, rec Record) {
	log := c.logger.With(zap.String("record_id", rec.ID))

	ev, err := Decode(rec.Values)
	if err != nil {
		log.Warn("undecodable record", zap.Error(err))
		c.deadLetter(ctx, rec, err, "decode", 1)
		return
	}

	attempts, err := c.cfg.Retry.Do(ctx, c.sleep, func() error {
		return c.handler.Handle(ctx, rec, ev)
	})
	if err == nil {
		if aerr := c.log.Ack(ctx, c.cfg.Stream, c.cfg.Group, rec.ID); aerr != nil {
			log.Error("ack failed", zap.Error(aerr))
			return
		}
		c.metrics.ObserveConsume(true)
		return
	}
	if ctx.Err() != nil {
		// Left pending; another read or a reclaim will deliver it again.
		return
	}
	c.metrics.ObserveConsume(false)
	log.Error("handler failed, dead-lettering",
		zap.String("event_type", string(ev.Type)),
		zap.Int("attempts", attempts),
		zap.Error(err))
	c.deadLetter(ctx, rec, err, errorClass(err), attempts)
}

// deadLetter appends a copy of rec with failure details to the DLQ stream and
// acknowledges the original. If the DLQ append fails the record stays pending.
func (c *Consumer) deadLetter(ctx context.Context, rec Record, cause error, class string, attempts int) {
	values := make(map[string]interface{}, len(rec.Values)+5)
	for k, v := range rec.Values {
		values[k] = v
	}
	values["error"] = cause.Error()
	values["errorClass"] = class
	values["originalStreamId"] = rec.ID
	values["attempts"] = strconv.Itoa(attempts)
	values["failedAt"] = c.now().UTC().Format(time.RFC3339Nano)

	log := c.logger.With(zap.String("record_id", rec.ID))
	if _, err := c.log.Append(ctx, c.cfg.DLQStream, values); err != nil {
		log.Error("dead-letter append failed, record left pending", zap.Error(err))
		return
	}
	c.metrics.ObserveDeadLetter()
	if err := c.log.Ack(ctx, c.cfg.Stream, c.cfg.Group, rec.ID); err != nil {
		log.Error("ack after dead-letter failed", zap.Error(err))
	}
}

// classified lets handler errors name their dead-letter class.
type classified interface {
	ErrorClass() string
}

func errorClass(err error) string {
	var c classified
	if errors.As(err, &c) {
		return c.ErrorClass()
	}
	return "handler"
}
