// Package metrics defines the Prometheus metric collectors used by the
// ingestion core and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the ingestion core.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	RunsStarted          *prometheus.CounterVec
	RunsFinished         *prometheus.CounterVec
	RunDuration          *prometheus.HistogramVec
	RunsInFlight         *prometheus.GaugeVec
	RunsReaped           prometheus.Counter
	SchedulerTicks       *prometheus.CounterVec
	DueSources           prometheus.Gauge
	SourceHealth         *prometheus.GaugeVec
	GapTicketsOpen       prometheus.Gauge
	GapTicketChanges     *prometheus.CounterVec
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates all collectors and registers them with reg. A nil reg uses the
// process-wide default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		RunsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestion_runs_started_total",
				Help: "Ingestion runs opened by the scheduler, by source tier.",
			},
			[]string{"tier"},
		),
		RunsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestion_runs_finished_total",
				Help: "Ingestion runs reaching a terminal state, by status.",
			},
			[]string{"status"},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingestion_run_duration_seconds",
				Help:    "Wall-clock duration of finished ingestion runs.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"status"},
		),
		RunsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ingestion_runs_in_flight",
				Help: "Connector invocations currently dispatched by this instance, by tier.",
			},
			[]string{"tier"},
		),
		RunsReaped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ingestion_runs_reaped_total",
				Help: "Runs force-moved from running to stuck by the reaper.",
			},
		),
		SchedulerTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_ticks_total",
				Help: "Scheduler ticks by result (ok, error).",
			},
			[]string{"result"},
		),
		DueSources: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "scheduler_due_sources",
				Help: "Sources found due on the most recent tick.",
			},
		),
		SourceHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "source_health",
				Help: "Number of sources per health classification.",
			},
			[]string{"status"},
		),
		GapTicketsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gap_tickets_open",
				Help: "Open data gap tickets after the latest scan.",
			},
		),
		GapTicketChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gap_tickets_changes_total",
				Help: "Gap tickets opened or resolved by coverage scans.",
			},
			[]string{"action"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "connector_circuit_state",
				Help: "Connector circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.RunsStarted,
		m.RunsFinished,
		m.RunDuration,
		m.RunsInFlight,
		m.RunsReaped,
		m.SchedulerTicks,
		m.DueSources,
		m.SourceHealth,
		m.GapTicketsOpen,
		m.GapTicketChanges,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
