package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/diewo77/invoicechain/auth"
	"github.com/diewo77/invoicechain/httpx"
	"github.com/diewo77/invoicechain/internal/compliance"
	"github.com/diewo77/invoicechain/internal/config"
	"github.com/diewo77/invoicechain/internal/db"
	"github.com/diewo77/invoicechain/internal/events"
	"github.com/diewo77/invoicechain/internal/handlers"
	"github.com/diewo77/invoicechain/internal/logging"
	"github.com/diewo77/invoicechain/internal/metrics"
	"github.com/diewo77/invoicechain/internal/policy"
	"github.com/diewo77/invoicechain/internal/retry"
	"github.com/diewo77/invoicechain/internal/services"
	"github.com/diewo77/invoicechain/internal/signature"
	"github.com/diewo77/invoicechain/internal/store"
	"github.com/diewo77/invoicechain/internal/tenantlock"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// app holds every long-lived component, built once from the configuration.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	db      *gorm.DB
	store   *store.Store
	redis   redis.UniversalClient
	log     events.Log
	metrics *metrics.Collector
	gate    *policy.AuthGate
	svc     *services.SubmissionService
}

func newApp(cfg *config.Config) (*app, error) {
	logger, err := logging.New(cfg.App.LogLevel, cfg.App.Dev)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, metrics: metrics.NewCollector("invoicechain")}

	a.db, err = db.Connect(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	if cfg.App.Migrations {
		if err := db.Migrate(a.db); err != nil {
			return nil, err
		}
	}
	a.store = store.New(a.db)
	a.gate = policy.NewAuthGate(a.db, cfg.Auth.CacheTTL)

	if cfg.Chain.LockBackend == "redis" || cfg.Events.Backend == "redis" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	switch cfg.Events.Backend {
	case "redis":
		a.log = events.NewRedisLog(a.redis, cfg.Events.MaxLen)
	case "memory":
		logger.Warn("using in-process event log; events are lost on restart")
		a.log = events.NewMemoryLog()
	default:
		return nil, fmt.Errorf("unknown events backend %q", cfg.Events.Backend)
	}

	var locker tenantlock.Locker
	switch cfg.Chain.LockBackend {
	case "redis":
		locker = tenantlock.NewRedis(a.redis, cfg.Chain.LockTTL, cfg.Chain.LockTimeout, logger)
	case "local":
		locker = tenantlock.NewLocal(cfg.Chain.LockTimeout)
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.Chain.LockBackend)
	}

	cred, err := loadCredential(cfg.Signing)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		logger.Warn("no signing credential configured; submissions will fail with a signing error")
	}

	client := compliance.NewClient(compliance.Config{
		SandboxURL:    cfg.Compliance.SandboxURL,
		ProductionURL: cfg.Compliance.ProductionURL,
		Transport:     compliance.Transport(cfg.Compliance.Transport),
		APIKey:        cfg.Compliance.APIKey,
		Timeout:       cfg.Compliance.Timeout,
		RatePerSecond: cfg.Compliance.RatePerSecond,
	}, logger)

	a.svc = services.NewSubmissionService(services.Deps{
		Repo:        a.store,
		Locker:      locker,
		Signer:      signature.NewSigner(logger),
		Credentials: services.StaticCredentials{Cred: cred},
		Submitter:   client,
		Publisher:   a.producer(),
		Logger:      logger,
		Metrics:     a.metrics,
	}, services.SubmissionConfig{
		Mode:      compliance.Mode(cfg.Compliance.Mode),
		Timeout:   cfg.Compliance.Timeout,
		QRBaseURL: cfg.Compliance.QRBaseURL,
	})
	return a, nil
}

// loadCredential prefers a PKCS#12 bundle over PEM files. No configured
// credential is not an error here.
func loadCredential(cfg config.SigningConfig) (*signature.Credential, error) {
	switch {
	case cfg.P12Path != "":
		return signature.LoadPKCS12(cfg.P12Path, cfg.P12Password)
	case cfg.CertPath != "" && cfg.KeyPath != "":
		return signature.LoadPEM(cfg.CertPath, cfg.KeyPath)
	}
	return nil, nil
}

func (a *app) producer() *events.Producer {
	return events.NewProducer(a.log, a.cfg.Events.Stream, a.logger, a.metrics)
}

func (a *app) scheduler() *retry.Scheduler {
	c := a.cfg.Retry
	notifier := retry.Notifiers{
		retry.LogNotifier{Logger: a.logger},
		retry.EventNotifier{Publisher: a.producer()},
	}
	return retry.New(retry.Config{
		SweepSpec:   c.SweepCron,
		ReportSpec:  c.ReportCron,
		MaxAttempts: c.MaxAttempts,
		StaleAfter:  c.StaleAfter,
		MaxBackoff:  c.MaxBackoff,
		BatchSize:   c.BatchSize,
	}, a.store, a.svc, notifier, a.logger, a.metrics)
}

func (a *app) consumer() *events.Consumer {
	c := a.cfg.Events
	return events.NewConsumer(a.log, events.ConsumerConfig{
		Stream:    c.Stream,
		DLQStream: c.DLQStream,
		Group:     c.Group,
		Consumer:  c.Consumer,
		Block:     c.Block,
		Count:     10,
		ClaimIdle: c.ClaimIdle,
		Retry:     events.RetryPolicy{MaxAttempts: c.MaxAttempts, InitialDelay: c.InitialDelay, Multiplier: 2},
	}, events.NewAuditWriter(a.db), a.logger, a.metrics)
}

func (a *app) routes() http.Handler {
	mux := http.NewServeMux()
	handlers.NewInvoiceHandler(a.svc, a.gate, a.store, a.logger).Routes(mux)
	handlers.NewDraftHandler(services.NewInvoiceService(a.store), a.gate, a.logger).Routes(mux)
	handlers.NewWebhookHandler(a.svc, a.cfg.Webhook.Secret, a.logger).Routes(mux)
	handlers.NewAdminHandler(a.db, a.gate, a.logger).Routes(mux)

	checks := map[string]handlers.Checker{
		"database": func(ctx context.Context) error {
			sqlDB, err := a.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}
	handlers.NewHealthHandler(checks).Routes(mux)
	mux.Handle("GET /metrics", a.metrics.Handler())

	resolver := policy.NewDBProfileResolver(a.db)
	var h http.Handler = mux
	h = auth.Middleware([]byte(a.cfg.Auth.TokenSecret), resolver.UserExists)(h)
	h = httpx.Recover(a.logger)(h)
	h = httpx.Logging(a.logger, a.metrics)(h)
	return h
}

func (a *app) server() *http.Server {
	s := a.cfg.Server
	return &http.Server{
		Addr:         ":" + s.Port,
		Handler:      a.routes(),
		ReadTimeout:  time.Duration(s.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(s.IdleTimeout) * time.Second,
	}
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("close redis", zap.Error(err))
		}
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	_ = a.logger.Sync()
}
