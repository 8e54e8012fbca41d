// Package metrics exposes Kairoi's Prometheus instrumentation as
// package-level collectors plus Register()/NewServer() entry points.
package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/emerick42/kairoi/internal/health"
)

var (
	// Engine tick loop.

	EngineTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kairoi",
		Name:      "engine_tick_duration_seconds",
		Help:      "Wall time spent running one database tick.",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
	})

	EngineTickOverrunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kairoi",
		Name:      "engine_tick_overruns_total",
		Help:      "Ticks whose body took longer than the configured tick interval.",
	})

	PlannedJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kairoi",
		Name:      "engine_planned_jobs",
		Help:      "Current size of the Planned-jobs time-ordered index.",
	})

	JobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kairoi",
		Name:      "engine_jobs_in_flight",
		Help:      "Jobs Triggered and awaiting a processor result.",
	})

	JobTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kairoi",
		Name:      "engine_job_transitions_total",
		Help:      "Job state machine transitions, by destination status.",
	}, []string{"status"})

	PairingMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kairoi",
		Name:      "engine_pairing_misses_total",
		Help:      "Due jobs with no matching rule.",
	})

	UnhandledResultsBuffered = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kairoi",
		Name:      "engine_unhandled_results_buffered",
		Help:      "Execution results awaiting a persistence retry.",
	})

	// Storage.

	PersistDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kairoi",
		Name:      "storage_persist_duration_seconds",
		Help:      "Time to append and (optionally) sync one WAL entry.",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
	})

	PersistFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kairoi",
		Name:      "storage_persist_failures_total",
		Help:      "Failed WAL append/sync calls.",
	})

	CompactionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kairoi",
		Name:      "storage_compactions_total",
		Help:      "Completed online compactions, by outcome.",
	}, []string{"outcome"})

	// Controller.

	ControllerConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kairoi",
		Name:      "controller_connections_total",
		Help:      "Accepted client connections.",
	})

	ControllerActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kairoi",
		Name:      "controller_active_connections",
		Help:      "Currently open client connections.",
	})

	ControllerRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kairoi",
		Name:      "controller_requests_total",
		Help:      "Parsed client requests, by command and outcome.",
	}, []string{"command", "outcome"})

	// Processor.

	ExecutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kairoi",
		Name:      "processor_executions_total",
		Help:      "Runner executions, by runner kind and outcome.",
	}, []string{"runner", "outcome"})

	ExecutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kairoi",
		Name:      "processor_execution_duration_seconds",
		Help:      "Time a runner backend took to settle one request.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"runner"})
)

// Register registers every collector with the default Prometheus
// registry. Call once at startup.
func Register() {
	prometheus.MustRegister(
		EngineTickDuration,
		EngineTickOverrunsTotal,
		PlannedJobs,
		JobsInFlight,
		JobTransitionsTotal,
		PairingMissesTotal,
		UnhandledResultsBuffered,
		PersistDuration,
		PersistFailuresTotal,
		CompactionsTotal,
		ControllerConnectionsTotal,
		ControllerActiveConnections,
		ControllerRequestsTotal,
		ExecutionsTotal,
		ExecutionDuration,
	)
}

// NewServer builds the /metrics, /healthz and /readyz HTTP server.
func NewServer(addr string, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeHealthResult(w, checker.Liveness(r.Context()))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		result := checker.Readiness(r.Context())
		if result.Status != "up" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		writeHealthResult(w, result)
	})
	return &http.Server{Addr: addr, Handler: mux}
}

func writeHealthResult(w http.ResponseWriter, result health.HealthResult) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}
