// Package metrics exposes the Prometheus collectors of the submission pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry so tests can create as many as they need.
type Collector struct {
	registry *prometheus.Registry

	Submissions        *prometheus.CounterVec
	SubmissionDuration prometheus.Histogram
	EventsPublished    *prometheus.CounterVec
	EventsConsumed     *prometheus.CounterVec
	EventsDeadLettered prometheus.Counter
	RetrySweeps        prometheus.Counter
	TenantInvoices     *prometheus.GaugeVec
	HTTPRequests       *prometheus.CounterVec
}

// NewCollector creates and registers every collector under namespace.
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Submission attempts by resulting status",
		}, []string{"status"}),
		SubmissionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submission_duration_seconds",
			Help:      "Duration of one submission attempt, lock included",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Lifecycle events appended to the event log",
		}, []string{"result"}),
		EventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_consumed_total",
			Help:      "Event log records processed by consumers",
		}, []string{"result"}),
		EventsDeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dead_lettered_total",
			Help:      "Records moved to the dead letter stream",
		}),
		RetrySweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_sweeps_total",
			Help:      "Completed retry sweeps",
		}),
		TenantInvoices: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tenant_invoices",
			Help:      "Invoices per tenant and status from the last daily report",
		}, []string{"tenant", "status"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code",
		}, []string{"method", "route", "status_code"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.Submissions,
		c.SubmissionDuration,
		c.EventsPublished,
		c.EventsConsumed,
		c.EventsDeadLettered,
		c.RetrySweeps,
		c.TenantInvoices,
		c.HTTPRequests,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveSubmission records one attempt. A nil collector is a no-op.
func (c *Collector) ObserveSubmission(status string, took time.Duration) {
	if c == nil {
		return
	}
	c.Submissions.WithLabelValues(status).Inc()
	c.SubmissionDuration.Observe(took.Seconds())
}

func (c *Collector) ObservePublish(ok bool) {
	if c == nil {
		return
	}
	c.EventsPublished.WithLabelValues(result(ok)).Inc()
}

func (c *Collector) ObserveConsume(ok bool) {
	if c == nil {
		return
	}
	c.EventsConsumed.WithLabelValues(result(ok)).Inc()
}

func (c *Collector) ObserveDeadLetter() {
	if c == nil {
		return
	}
	c.EventsDeadLettered.Inc()
}

func (c *Collector) ObserveSweep() {
	if c == nil {
		return
	}
	c.RetrySweeps.Inc()
}

// SetTenantInvoices replaces the gauge value for one tenant and status.
func (c *Collector) SetTenantInvoices(tenantID uint, status string, count int64) {
	if c == nil {
		return
	}
	c.TenantInvoices.WithLabelValues(strconv.FormatUint(uint64(tenantID), 10), status).Set(float64(count))
}

func (c *Collector) ObserveHTTP(method, route string, code int) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
