// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/flowforge/jobqueue/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsPushed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_pushed_total",
		Help: "Total number of jobs accepted by the pusher",
	})
	JobsClaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_claimed_total",
		Help: "Total number of jobs claimed by workers",
	})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Total number of successfully completed jobs",
	})
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_failed_total",
		Help: "Total number of failed jobs",
	})
	JobsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_retried_total",
		Help: "Total number of job retries",
	})
	JobProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "job_processing_duration_seconds",
		Help:    "Histogram of job processing durations",
		Buckets: prometheus.DefBuckets,
	})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Current count of runnable queue rows per tag",
	}, []string{"tag"})
	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times the circuit breaker transitioned to Open",
	})
	ReaperRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reaper_recovered_total",
		Help: "Total number of queue rows reclaimed by the reaper from a stale last_ping",
	})
	WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "worker_active",
		Help: "Number of active worker goroutines",
	})
	ConcurrencyRescheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "concurrency_rescheduled_total",
		Help: "Total number of claims rescheduled by the concurrency limiter",
	})
	DebounceCollapsed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "debounce_collapsed_total",
		Help: "Total number of pushes collapsed onto an in-flight debounce holder",
	})
)

func init() {
	prometheus.MustRegister(
		JobsPushed, JobsClaimed, JobsCompleted, JobsFailed, JobsRetried,
		JobProcessingDuration, QueueDepth, CircuitBreakerState, CircuitBreakerTrips,
		ReaperRecovered, WorkerActive, ConcurrencyRescheduled, DebounceCollapsed,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// Retained for compatibility; StartHTTPServer also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
