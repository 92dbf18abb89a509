// Package metrics exposes queue and render counters to Prometheus. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	submitted     prometheus.Counter
	finished      *prometheus.CounterVec
	attempts      *prometheus.CounterVec
	pending       prometheus.Gauge
	lockHeld      prometheus.Gauge
	renderSeconds prometheus.Histogram

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reelpair_jobs_submitted_total",
			Help: "Jobs accepted for rendering",
		}),
		finished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reelpair_jobs_finished_total",
				Help: "Jobs that reached a terminal state",
			},
			[]string{"status"},
		),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reelpair_render_attempts_total",
				Help: "Encoder invocations by attempt ladder rung and outcome",
			},
			[]string{"attempt", "result"},
		),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reelpair_queue_pending",
			Help: "Job ids waiting in the pending list",
		}),
		lockHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reelpair_worker_lock_held",
			Help: "1 while this process holds the worker lock",
		}),
		renderSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reelpair_render_seconds",
			Help:    "Wall time from processing start to terminal state",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		gatherer: reg,
	}
	reg.MustRegister(m.submitted, m.finished, m.attempts, m.pending, m.lockHeld, m.renderSeconds)
	return m
}

func (m *Metrics) JobSubmitted() {
	if m != nil {
		m.submitted.Inc()
	}
}

func (m *Metrics) JobFinished(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(status).Inc()
	m.renderSeconds.Observe(elapsed.Seconds())
}

func (m *Metrics) Attempt(name string, ok bool) {
	if m == nil {
		return
	}
	result := "failed"
	if ok {
		result = "succeeded"
	}
	m.attempts.WithLabelValues(name, result).Inc()
}

func (m *Metrics) SetPending(n int) {
	if m != nil {
		m.pending.Set(float64(n))
	}
}

func (m *Metrics) SetLockHeld(held bool) {
	if m == nil {
		return
	}
	if held {
		m.lockHeld.Set(1)
	} else {
		m.lockHeld.Set(0)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
