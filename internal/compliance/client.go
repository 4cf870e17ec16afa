// Package compliance submits signed invoice records to the tax authority and
// classifies its answers into a tagged Result.
package compliance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Mode selects the authority environment.
type Mode string

const (
	ModeSandbox    Mode = "sandbox"
	ModeProduction Mode = "production"
)

// Kind tags the outcome of a submission.
type Kind int

const (
	KindUnknown Kind = iota
	KindOK
	KindTransient
	KindPermanent
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindData:
		return "data"
	}
	return "unknown"
}

// Result is the classified outcome of Submit.
type Result struct {
	Kind       Kind
	StatusCode int
	Code       string
	Message    string
	ReceiptID  string
	QR         string
	Err        error
}

// Accepted returns true when the authority registered the record.
func (r Result) Accepted() bool { return r.Kind == KindOK && r.Err == nil }

// Config holds endpoints and resilience settings.
type Config struct {
	SandboxURL    string
	ProductionURL string
	Transport     Transport
	APIKey        string
	Timeout       time.Duration

	RatePerSecond float64
	Burst         int

	BreakerFailures    uint32
	BreakerOpenTimeout time.Duration
}

// Client is safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a compliance client.
func NewClient(cfg Config, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Transport == "" {
		cfg.Transport = TransportREST
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerOpenTimeout <= 0 {
		cfg.BreakerOpenTimeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	log := logger.With(zap.String("component", "compliance"))
	c := &Client{
		cfg:     cfg,
		http:    &http.Client{},
		limiter: rate.NewLimiter(limit, burst),
		logger:  log,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "tax-authority",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) endpoint(mode Mode) (string, error) {
	switch mode {
	case ModeProduction:
		if c.cfg.ProductionURL == "" {
			return "", fmt.Errorf("production endpoint not configured")
		}
		return c.cfg.ProductionURL, nil
	case ModeSandbox, "":
		if c.cfg.SandboxURL == "" {
			return "", fmt.Errorf("sandbox endpoint not configured")
		}
		return c.cfg.SandboxURL, nil
	}
	return "", fmt.Errorf("unknown mode %q", mode)
}

// Submit posts the signed document. The returned error is nil only for
// KindOK and otherwise matches Result.Err.
func (c *Client) Submit(ctx context.Context, signed []byte, mode Mode) (Result, error) {
	url, err := c.endpoint(mode)
	if err != nil {
		res := Result{Kind: KindData, Err: &RequestError{Message: err.Error()}}
		return res, res.Err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		res := transientResult(0, err)
		return res, res.Err
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		res := c.do(ctx, url, signed)
		if res.Kind == KindTransient {
			return res, res.Err
		}
		return res, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		res := transientResult(0, err)
		c.logger.Warn("submission short-circuited", zap.Error(err))
		return res, res.Err
	}
	res := out.(Result)
	c.logger.Info("submission answered",
		zap.String("mode", string(mode)),
		zap.String("kind", res.Kind.String()),
		zap.Int("status_code", res.StatusCode),
		zap.String("code", res.Code),
	)
	return res, res.Err
}

func (c *Client) do(ctx context.Context, url string, signed []byte) Result {
	body, contentType, err := encodeRequest(c.cfg.Transport, signed)
	if err != nil {
		return Result{Kind: KindData, Err: &RequestError{Message: err.Error()}}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{Kind: KindData, Err: &RequestError{Message: err.Error()}}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", contentType)
	if c.cfg.Transport == TransportSOAP {
		req.Header.Set("SOAPAction", soapAction)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transientResult(0, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return transientResult(resp.StatusCode, fmt.Errorf("read response: %w", err))
	}
	return classify(c.cfg.Transport, resp.StatusCode, raw)
}

// classify maps an HTTP answer onto a Result.
func classify(t Transport, status int, raw []byte) Result {
	switch {
	case status >= 500, status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return transientResult(status, fmt.Errorf("%s", http.StatusText(status)))
	}

	decoded, decodeErr := decodeResponse(t, raw)

	if status >= 400 {
		if decodeErr == nil && decoded.Status == statusRejected {
			return rejectedResult(status, decoded)
		}
		msg := http.StatusText(status)
		if decodeErr == nil && decoded.Message != "" {
			msg = decoded.Message
		}
		return Result{Kind: KindData, StatusCode: status, Code: decoded.Code, Message: msg,
			Err: &RequestError{StatusCode: status, Message: msg}}
	}

	if decodeErr != nil {
		return transientResult(status, decodeErr)
	}
	switch decoded.Status {
	case statusAccepted:
		return Result{Kind: KindOK, StatusCode: status, Code: decoded.Code, Message: decoded.Message,
			ReceiptID: decoded.ReceiptID, QR: decoded.QR}
	case statusRejected:
		return rejectedResult(status, decoded)
	case statusError:
		res := transientResult(status, fmt.Errorf("authority error [%s] %s", decoded.Code, decoded.Message))
		res.Code, res.Message = decoded.Code, decoded.Message
		return res
	}
	return transientResult(status, fmt.Errorf("unexpected response status %q", decoded.Status))
}

func rejectedResult(status int, r Response) Result {
	return Result{Kind: KindPermanent, StatusCode: status, Code: r.Code, Message: r.Message,
		Err: &PermanentRejection{Code: r.Code, Message: r.Message}}
}

func transientResult(status int, err error) Result {
	return Result{
		Kind:       KindTransient,
		StatusCode: status,
		Message:    err.Error(),
		Err:        &TransientSubmissionError{StatusCode: status, Timeout: isTimeout(err), Err: err},
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
