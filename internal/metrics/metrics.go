// Package metrics exposes the daemon's Prometheus metrics.
//
// A Collector owns a private registry, so several collectors can exist in
// one process (tests, one per session) without duplicate registration.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tagtime/internal/reconcile"
)

// Namespace prefixes every metric name.
const Namespace = "tagtime"

// Pass results used as the "result" label.
const (
	ResultOK           = "ok"
	ResultFetchFailed  = "fetch_failed"
	ResultSubmitFailed = "submit_failed"
)

// Ping outcomes used as the "outcome" label.
const (
	PingAnswered = "answered"
	PingTimedOut = "timed_out"
	PingMissed   = "missed"
	PingSkipped  = "skipped"
)

// Collector holds the daemon's metrics.
type Collector struct {
	registry *prometheus.Registry

	Passes       *prometheus.CounterVec
	PassDuration *prometheus.HistogramVec
	Intents      *prometheus.CounterVec
	LastPass     *prometheus.GaugeVec
	Pings        *prometheus.CounterVec
	NextPing     prometheus.Gauge
	ExternalEdit prometheus.Counter
}

// NewCollector creates a Collector with its own registry, including the
// standard Go and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		Passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "reconcile_passes_total",
			Help:      "Reconciliation passes by graph and result.",
		}, []string{"graph", "result"}),
		PassDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "reconcile_pass_duration_seconds",
			Help:      "Wall time of reconciliation passes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"graph"}),
		Intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "reconcile_intents_applied_total",
			Help:      "Remote operations applied by graph and kind.",
		}, []string{"graph", "kind"}),
		LastPass: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "reconcile_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful pass per graph.",
		}, []string{"graph"}),
		Pings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "pings_total",
			Help:      "Pings logged by outcome.",
		}, []string{"outcome"}),
		NextPing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "next_ping_timestamp_seconds",
			Help:      "Unix time of the next scheduled ping.",
		}),
		ExternalEdit: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "ping_log_external_edits_total",
			Help:      "Edits to the ping log made outside the daemon.",
		}),
	}

	c.registry.MustRegister(
		c.Passes,
		c.PassDuration,
		c.Intents,
		c.LastPass,
		c.Pings,
		c.NextPing,
		c.ExternalEdit,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// PassFinished records a reconciliation pass.
func (c *Collector) PassFinished(_ context.Context, r reconcile.Report) {
	c.Passes.WithLabelValues(r.Graph, passResult(r)).Inc()
	c.PassDuration.WithLabelValues(r.Graph).Observe(r.Finished.Sub(r.Started).Seconds())

	applied := r.Result.Applied
	if applied > len(r.Plan.Intents) {
		applied = len(r.Plan.Intents)
	}
	for _, in := range r.Plan.Intents[:applied] {
		if in.Kind == reconcile.Noop {
			continue
		}
		c.Intents.WithLabelValues(r.Graph, in.Kind.String()).Inc()
	}

	if r.Err == nil {
		c.LastPass.WithLabelValues(r.Graph).Set(float64(r.Finished.Unix()))
	}
}

func passResult(r reconcile.Report) string {
	switch {
	case r.Err == nil:
		return ResultOK
	case errors.Is(r.Err, reconcile.ErrFetchFailed):
		return ResultFetchFailed
	default:
		return ResultSubmitFailed
	}
}

// PingLogged counts a logged ping.
func (c *Collector) PingLogged(outcome string) {
	c.Pings.WithLabelValues(outcome).Inc()
}

// ScheduledPing records the next fire time.
func (c *Collector) ScheduledPing(t time.Time) {
	c.NextPing.Set(float64(t.Unix()))
}

// ExternalEditDetected counts an outside edit of the ping log.
func (c *Collector) ExternalEditDetected() {
	c.ExternalEdit.Inc()
}

var _ reconcile.Observer = (*Collector)(nil)
