// Package retry re-drives stalled submissions and reports per-tenant outcomes.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/diewo77/invoicechain/internal/logging"
	"github.com/diewo77/invoicechain/internal/metrics"
	"github.com/diewo77/invoicechain/internal/models"
	"github.com/diewo77/invoicechain/internal/services"
	"github.com/diewo77/invoicechain/internal/store"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Store is the persistence the scheduler reads and updates.
type Store interface {
	StaleInvoices(ctx context.Context, statuses []models.SubmissionStatus, cutoff time.Time, limit int) ([]models.Invoice, error)
	TransitionInvoice(ctx context.Context, from models.Invoice, inv *models.Invoice) error
	TenantStats(ctx context.Context, since time.Time) ([]store.TenantStat, error)
}

// Submitter re-drives one invoice; it is the submission orchestrator.
type Submitter interface {
	SubmitInvoice(ctx context.Context, tenantID, invoiceID uint) (*services.Outcome, error)
}

// Config holds the scheduler tunables.
type Config struct {
	SweepSpec   string
	ReportSpec  string
	MaxAttempts int
	StaleAfter  time.Duration
	MaxBackoff  time.Duration
	BatchSize   int
}

var sweptStatuses = []models.SubmissionStatus{
	models.SubmissionPending,
	models.SubmissionProcessing,
	models.SubmissionFailed,
	models.SubmissionTimeout,
}

// SweepReport summarises one sweep.
type SweepReport struct {
	Scanned   int
	Skipped   int
	Accepted  int
	Failed    int
	Abandoned int
}

type Scheduler struct {
	cfg       Config
	store     Store
	submitter Submitter
	notifier  Notifier
	logger    *zap.Logger
	metrics   *metrics.Collector
	now       func() time.Time
}

func New(cfg Config, st Store, sub Submitter, n Notifier, logger *zap.Logger, m *metrics.Collector) *Scheduler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if n == nil {
		n = LogNotifier{Logger: logger}
	}
	return &Scheduler{
		cfg:       cfg,
		store:     st,
		submitter: sub,
		notifier:  n,
		logger:    logger.With(zap.String("component", "retry_scheduler")),
		metrics:   m,
		now:       time.Now,
	}
}

// WithClock replaces the scheduler clock.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Start runs the sweep and report jobs on their cron schedules until ctx is
// cancelled. A job still running when its next tick fires is skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	clog := cronLogger{s.logger.Sugar()}
	c := cron.New(cron.WithLogger(clog), cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)))

	if _, err := c.AddFunc(s.cfg.SweepSpec, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("retry sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", s.cfg.SweepSpec, err)
	}
	if s.cfg.ReportSpec != "" {
		if _, err := c.AddFunc(s.cfg.ReportSpec, func() {
			if _, err := s.DailyReport(ctx); err != nil {
				s.logger.Error("daily report failed", zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("schedule report %q: %w", s.cfg.ReportSpec, err)
		}
	}

	c.Start()
	s.logger.Info("retry scheduler started", zap.String("sweep", s.cfg.SweepSpec), zap.String("report", s.cfg.ReportSpec))
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("retry scheduler stopped")
	return nil
}

// backoff is the wait after the n-th failed attempt: StaleAfter doubled per
// attempt beyond the first, capped at MaxBackoff.
func (s *Scheduler) backoff(attempts int) time.Duration {
	if attempts < 1 {
		return s.cfg.StaleAfter
	}
	d := time.Duration(float64(s.cfg.StaleAfter) * math.Pow(2, float64(attempts-1)))
	if s.cfg.MaxBackoff > 0 && (d > s.cfg.MaxBackoff || d <= 0) {
		d = s.cfg.MaxBackoff
	}
	return d
}

// Sweep re-drives every stale retryable invoice once. Invoices that used up
// their attempts are marked exhausted and reported to the notifier. The
// tenant lock is taken per invoice by the orchestrator; an invoice that
// changed since it was listed is left alone.
func (s *Scheduler) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	now := s.now()
	invoices, err := s.store.StaleInvoices(ctx, sweptStatuses, now.Add(-s.cfg.StaleAfter), s.cfg.BatchSize)
	if err != nil {
		return rep, err
	}
	rep.Scanned = len(invoices)

	for i := range invoices {
		if ctx.Err() != nil {
			break
		}
		inv := &invoices[i]
		log := s.logger.With(logging.Tenant(inv.CompanyID), logging.Invoice(inv.ID), zap.Int("retry_count", inv.RetryCount))

		if inv.RetryCount >= s.cfg.MaxAttempts {
			if err := s.abandon(ctx, inv); err != nil {
				if errors.Is(err, store.ErrStaleSnapshot) {
					log.Debug("invoice changed during sweep")
					rep.Skipped++
					continue
				}
				log.Error("could not mark invoice exhausted", zap.Error(err))
				continue
			}
			rep.Abandoned++
			continue
		}
		if inv.UpdatedAt.Add(s.backoff(inv.RetryCount)).After(now) {
			rep.Skipped++
			continue
		}

		snapshot := *inv
		inv.SubmissionStatus = models.SubmissionPending
		if err := s.store.TransitionInvoice(ctx, snapshot, inv); err != nil {
			if errors.Is(err, store.ErrStaleSnapshot) {
				log.Debug("invoice changed during sweep")
			} else {
				log.Warn("requeue failed", zap.Error(err))
			}
			rep.Skipped++
			continue
		}
		out, err := s.submitter.SubmitInvoice(ctx, inv.CompanyID, inv.ID)
		switch {
		case err == nil:
			rep.Accepted++
			log.Info("retry accepted", zap.String("chain_hash", out.ChainHash))
		case errors.Is(err, services.ErrAlreadyAccepted):
			rep.Skipped++
		default:
			rep.Failed++
			log.Warn("retry failed", zap.Error(err))
		}
	}

	s.metrics.ObserveSweep()
	s.logger.Info("retry sweep finished",
		zap.Int("scanned", rep.Scanned),
		zap.Int("accepted", rep.Accepted),
		zap.Int("failed", rep.Failed),
		zap.Int("abandoned", rep.Abandoned),
		zap.Int("skipped", rep.Skipped))
	return rep, nil
}

func (s *Scheduler) abandon(ctx context.Context, inv *models.Invoice) error {
	snapshot := *inv
	inv.LastError = fmt.Sprintf("submission abandoned after %d attempts: %s", inv.RetryCount, inv.LastError)
	inv.SubmissionStatus = models.SubmissionFailed
	inv.ErrorClass = models.ErrorClassExhausted
	if err := s.store.TransitionInvoice(ctx, snapshot, inv); err != nil {
		return err
	}
	s.notifier.InvoiceAbandoned(ctx, inv)
	return nil
}

// DailyReport counts each tenant's invoices by status over the last 24h and
// publishes the counts as gauges.
func (s *Scheduler) DailyReport(ctx context.Context) ([]store.TenantStat, error) {
	stats, err := s.store.TenantStats(ctx, s.now().Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	for _, st := range stats {
		s.metrics.SetTenantInvoices(st.CompanyID, string(st.SubmissionStatus), st.Count)
		s.logger.Info("tenant submissions",
			logging.Tenant(st.CompanyID),
			zap.String("status", string(st.SubmissionStatus)),
			zap.Int64("count", st.Count))
	}
	return stats, nil
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
