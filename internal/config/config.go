// Package config provides application configuration loaded from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Compliance ComplianceConfig
	Signing    SigningConfig
	Chain      ChainConfig
	Retry      RetryConfig
	Events     EventsConfig
	Webhook    WebhookConfig
	Auth       AuthConfig
	App        AppConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         string
	ReadTimeout  int // seconds
	WriteTimeout int // seconds
	IdleTimeout  int // seconds
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Driver   string // postgres or sqlite
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	// Path is the SQLite file (or :memory:) when Driver is sqlite.
	Path  string
	Debug bool
}

// RedisConfig holds the Redis connection used by the event log and distributed lock.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ComplianceConfig holds tax authority endpoints.
type ComplianceConfig struct {
	Mode          string // sandbox or production
	Transport     string // rest or soap
	SandboxURL    string
	ProductionURL string
	APIKey        string
	Timeout       time.Duration
	RatePerSecond float64
	QRBaseURL     string
}

// SigningConfig locates the issuer's signing credential.
// A PKCS#12 bundle takes precedence over PEM files.
type SigningConfig struct {
	P12Path     string
	P12Password string
	CertPath    string
	KeyPath     string
}

// ChainConfig holds tenant locking settings.
type ChainConfig struct {
	LockBackend string // local or redis
	LockTimeout time.Duration
	LockTTL     time.Duration
}

// RetryConfig holds the retry scheduler settings.
type RetryConfig struct {
	SweepCron   string
	ReportCron  string
	MaxAttempts int
	StaleAfter  time.Duration
	MaxBackoff  time.Duration
	BatchSize   int
}

// EventsConfig holds the durable event log settings.
type EventsConfig struct {
	Backend      string // redis or memory
	Stream       string
	DLQStream    string
	Group        string
	Consumer     string
	Block        time.Duration
	MaxAttempts  int
	InitialDelay time.Duration
	ClaimIdle    time.Duration
	MaxLen       int64
}

// WebhookConfig holds the shared secret used to authenticate authority callbacks.
type WebhookConfig struct {
	Secret string
}

// AuthConfig holds the bearer token settings of the API.
type AuthConfig struct {
	TokenSecret string
	CacheTTL    time.Duration
}

// AppConfig holds application-level settings.
type AppConfig struct {
	Dev        bool
	Migrations bool
	LogLevel   string
}

// DSN returns the PostgreSQL connection string in key=value format,
// or the SQLite path when the sqlite driver is selected.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		return d.Path
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// URL returns the PostgreSQL connection string in URL format.
func (d DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

// Load reads configuration from environment variables.
// It uses sensible defaults for local development.
func Load() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  getEnvInt("SERVER_READ_TIMEOUT", 15),
			WriteTimeout: getEnvInt("SERVER_WRITE_TIMEOUT", 30),
			IdleTimeout:  getEnvInt("SERVER_IDLE_TIMEOUT", 60),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "invoices"),
			Password: getEnv("DB_PASSWORD", "invoices123"),
			DBName:   getEnv("DB_NAME", "invoices"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			Path:     getEnv("DB_PATH", "invoicechain.db"),
			Debug:    getEnvBool("DB_DEBUG", false),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Compliance: ComplianceConfig{
			Mode:          getEnv("COMPLIANCE_MODE", "sandbox"),
			Transport:     getEnv("COMPLIANCE_TRANSPORT", "rest"),
			SandboxURL:    getEnv("COMPLIANCE_SANDBOX_URL", "http://localhost:9090/sandbox/invoices"),
			ProductionURL: getEnv("COMPLIANCE_PRODUCTION_URL", ""),
			APIKey:        getEnv("COMPLIANCE_API_KEY", ""),
			Timeout:       getEnvDuration("SUBMISSION_TIMEOUT", 10*time.Second),
			RatePerSecond: getEnvFloat("COMPLIANCE_RATE_PER_SEC", 0),
			QRBaseURL:     getEnv("QR_BASE_URL", "https://verify.example.org/qr"),
		},
		Signing: SigningConfig{
			P12Path:     getEnv("SIGNING_P12_PATH", ""),
			P12Password: getEnv("SIGNING_P12_PASSWORD", ""),
			CertPath:    getEnv("SIGNING_CERT_PATH", ""),
			KeyPath:     getEnv("SIGNING_KEY_PATH", ""),
		},
		Chain: ChainConfig{
			LockBackend: getEnv("LOCK_BACKEND", "local"),
			LockTimeout: getEnvDuration("LOCK_TIMEOUT", 30*time.Second),
			LockTTL:     getEnvDuration("LOCK_TTL", time.Minute),
		},
		Retry: RetryConfig{
			SweepCron:   getEnv("RETRY_SWEEP_CRON", "*/5 * * * *"),
			ReportCron:  getEnv("RETRY_REPORT_CRON", "0 2 * * *"),
			MaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 5),
			StaleAfter:  getEnvDuration("RETRY_STALE_AFTER", 10*time.Minute),
			MaxBackoff:  getEnvDuration("RETRY_MAX_BACKOFF", 6*time.Hour),
			BatchSize:   getEnvInt("RETRY_BATCH_SIZE", 100),
		},
		Events: EventsConfig{
			Backend:      getEnv("EVENTS_BACKEND", "redis"),
			Stream:       getEnv("EVENTS_STREAM", "invoice-events"),
			DLQStream:    getEnv("EVENTS_DLQ_STREAM", "invoice-events-dlq"),
			Group:        getEnv("EVENTS_GROUP", "audit-log"),
			Consumer:     getEnv("EVENTS_CONSUMER", hostname),
			Block:        getEnvDuration("EVENTS_BLOCK", 2*time.Second),
			MaxAttempts:  getEnvInt("EVENTS_MAX_ATTEMPTS", 3),
			InitialDelay: getEnvDuration("EVENTS_INITIAL_DELAY", time.Second),
			ClaimIdle:    getEnvDuration("EVENTS_CLAIM_IDLE", time.Minute),
			MaxLen:       int64(getEnvInt("EVENTS_MAX_LEN", 1000000)),
		},
		Webhook: WebhookConfig{
			Secret: getEnv("WEBHOOK_SECRET", ""),
		},
		Auth: AuthConfig{
			TokenSecret: getEnv("AUTH_TOKEN_SECRET", "devtokensecret"),
			CacheTTL:    getEnvDuration("AUTH_CACHE_TTL", 5*time.Minute),
		},
		App: AppConfig{
			Dev:        getEnvBool("DEV", true),
			Migrations: getEnvBool("MIGRATIONS", false),
			LogLevel:   getEnv("LOG_LEVEL", "info"),
		},
	}
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the integer value of an environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("10s", "5m") or plain seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// getEnvBool returns the boolean value of an environment variable or a default.
// Accepts "1", "true", "yes" as true; everything else is false.
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "1" || value == "true" || value == "yes"
}
