// ============================================================================
// sbs Metrics - Prometheus Monitoring
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose dispatcher metrics for Prometheus monitoring
//
// Metric Categories:
//
//   1. Job Counters - cumulative, monotonically increasing:
//      - sbs_jobs_submitted_total
//      - sbs_jobs_dispatched_total
//      - sbs_jobs_succeeded_total
//      - sbs_jobs_error_total
//      - sbs_jobs_cancelled_total
//
//   2. Performance metrics (Histogram):
//      - sbs_job_duration_seconds: submit-to-terminal latency distribution
//
//   3. Status metrics (Gauge):
//      - sbs_jobs_running: current running-set size
//      - sbs_dispatcher_tick_duration_seconds: last tick's wall time
//
// Unlike a process-global collector, NewCollector registers against a
// private prometheus.Registry rather than prometheus.DefaultRegisterer,
// so tests that construct multiple Collectors never collide on
// duplicate registration.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects Prometheus metrics for one dispatcher instance.
type Collector struct {
	Registry *prometheus.Registry

	jobsSubmitted  prometheus.Counter
	jobsDispatched prometheus.Counter
	jobsSucceeded  prometheus.Counter
	jobsError      prometheus.Counter
	jobsCancelled  prometheus.Counter

	jobDuration  prometheus.Histogram
	tickDuration prometheus.Gauge
	jobsRunning  prometheus.Gauge
}

// NewCollector builds a Collector and registers its metrics against a
// fresh registry.
func NewCollector() *Collector {
	c := &Collector{
		Registry: prometheus.NewRegistry(),
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sbs_jobs_submitted_total",
			Help: "Total number of jobs submitted",
		}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sbs_jobs_dispatched_total",
			Help: "Total number of jobs admitted to the running set",
		}),
		jobsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sbs_jobs_succeeded_total",
			Help: "Total number of jobs that reached SUCCESS",
		}),
		jobsError: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sbs_jobs_error_total",
			Help: "Total number of jobs that reached ERROR",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sbs_jobs_cancelled_total",
			Help: "Total number of jobs that reached CANCEL",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sbs_job_duration_seconds",
			Help:    "Time from submit to terminal status, in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		tickDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sbs_dispatcher_tick_duration_seconds",
			Help: "Wall time of the most recent dispatcher tick",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sbs_jobs_running",
			Help: "Current size of the running set",
		}),
	}

	c.Registry.MustRegister(
		c.jobsSubmitted,
		c.jobsDispatched,
		c.jobsSucceeded,
		c.jobsError,
		c.jobsCancelled,
		c.jobDuration,
		c.tickDuration,
		c.jobsRunning,
	)

	return c
}

// RecordSubmit records a job submission.
func (c *Collector) RecordSubmit() { c.jobsSubmitted.Inc() }

// RecordDispatch records a job's admission into the running set.
func (c *Collector) RecordDispatch() { c.jobsDispatched.Inc() }

// RecordTerminal records a job reaching a terminal status, with its
// submit-to-terminal duration in seconds.
func (c *Collector) RecordTerminal(status string, durationSeconds float64) {
	c.jobDuration.Observe(durationSeconds)
	switch status {
	case "SUCCESS":
		c.jobsSucceeded.Inc()
	case "ERROR":
		c.jobsError.Inc()
	case "CANCEL":
		c.jobsCancelled.Inc()
	}
}

// SetTickDuration records how long the most recent dispatcher tick took.
func (c *Collector) SetTickDuration(seconds float64) {
	c.tickDuration.Set(seconds)
}

// SetRunning records the current running-set size.
func (c *Collector) SetRunning(n int) {
	c.jobsRunning.Set(float64(n))
}

// StartServer starts a Prometheus metrics HTTP server bound to port,
// serving reg on /metrics.
func StartServer(port int, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
