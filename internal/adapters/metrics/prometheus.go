package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/ports"
)

// Prometheus records escrow metrics on a private registry so several
// instances can live in one process (tests, api and worker).
type Prometheus struct {
	registry *prometheus.Registry

	processorCalls *prometheus.CounterVec
	processorTries *prometheus.CounterVec
	releases       *prometheus.CounterVec
	ledgerFailures *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Prometheus{
		registry: reg,
		processorCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_processor_calls_total",
			Help: "Money processor calls by operation and outcome",
		}, []string{"operation", "outcome"}),
		processorTries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_processor_attempts_total",
			Help: "Money processor wire attempts by operation and outcome, retries included",
		}, []string{"operation", "outcome"}),
		releases: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_releases_total",
			Help: "Release attempts by outcome",
		}, []string{"outcome"}),
		ledgerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_ledger_write_failures_total",
			Help: "Ledger writes that failed after the processor acknowledged money movement",
		}, []string{"operation"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrow_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (m *Prometheus) ObserveProcessorCall(operation, outcome string) {
	m.processorCalls.WithLabelValues(operation, outcome).Inc()
}

func (m *Prometheus) ObserveProcessorAttempt(operation, outcome string) {
	m.processorTries.WithLabelValues(operation, outcome).Inc()
}

func (m *Prometheus) ObserveRelease(outcome string) {
	m.releases.WithLabelValues(outcome).Inc()
}

func (m *Prometheus) ObserveLedgerWriteFailure(operation string) {
	m.ledgerFailures.WithLabelValues(operation).Inc()
}

func (m *Prometheus) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

var _ ports.Metrics = (*Prometheus)(nil)
