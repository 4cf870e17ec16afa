package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("Retry.MaxAttempts = %d, want 5", cfg.Retry.MaxAttempts)
	}
	if cfg.Compliance.Timeout != 10*time.Second {
		t.Errorf("Compliance.Timeout = %v, want 10s", cfg.Compliance.Timeout)
	}
	if cfg.Events.Stream != "invoice-events" || cfg.Events.DLQStream != "invoice-events-dlq" {
		t.Errorf("Events streams = %q/%q", cfg.Events.Stream, cfg.Events.DLQStream)
	}
	if cfg.Events.MaxAttempts != 3 || cfg.Events.InitialDelay != time.Second {
		t.Errorf("Events retry = %d/%v, want 3/1s", cfg.Events.MaxAttempts, cfg.Events.InitialDelay)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("SUBMISSION_TIMEOUT", "3s")
	t.Setenv("LOCK_TIMEOUT", "45")
	t.Setenv("MIGRATIONS", "yes")
	t.Setenv("COMPLIANCE_RATE_PER_SEC", "2.5")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_PATH", ":memory:")

	cfg := Load()
	if cfg.Retry.MaxAttempts != 7 {
		t.Errorf("Retry.MaxAttempts = %d, want 7", cfg.Retry.MaxAttempts)
	}
	if cfg.Compliance.Timeout != 3*time.Second {
		t.Errorf("Compliance.Timeout = %v, want 3s", cfg.Compliance.Timeout)
	}
	if cfg.Chain.LockTimeout != 45*time.Second {
		t.Errorf("Chain.LockTimeout = %v, want 45s", cfg.Chain.LockTimeout)
	}
	if !cfg.App.Migrations {
		t.Error("App.Migrations = false, want true")
	}
	if cfg.Compliance.RatePerSecond != 2.5 {
		t.Errorf("Compliance.RatePerSecond = %v, want 2.5", cfg.Compliance.RatePerSecond)
	}
	if got := cfg.Database.DSN(); got != ":memory:" {
		t.Errorf("DSN() = %q, want :memory:", got)
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", DBName: "n", SSLMode: "disable"}
	if got, want := d.DSN(), "host=db port=5432 user=u password=p dbname=n sslmode=disable"; got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
	if got, want := d.URL(), "postgres://u:p@db:5432/n?sslmode=disable"; got != want {
		t.Errorf("URL() = %q, want %q", got, want)
	}
}
