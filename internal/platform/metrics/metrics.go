// Package metrics exposes Prometheus instruments for the openEHR transport,
// the session pool, the heading cache and the discovery merge.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cdr_openehr"

// Collector groups every instrument. A nil *Collector is valid and records
// nothing, which keeps tests and CLI commands free of registry plumbing.
type Collector struct {
	gatherer prometheus.Gatherer

	RemoteCalls    *prometheus.CounterVec
	RemoteDuration *prometheus.HistogramVec
	BreakerState   *prometheus.GaugeVec
	SessionEvents  *prometheus.CounterVec
	HeadingFetches *prometheus.CounterVec
	CacheLookups   *prometheus.CounterVec
	MergeItems     *prometheus.CounterVec
	SyncRuns       *prometheus.CounterVec
}

// NewCollector registers the instruments on reg. Pass
// prometheus.NewRegistry() in tests.
func NewCollector(reg *prometheus.Registry) *Collector {
	f := promauto.With(reg)
	return &Collector{
		gatherer: reg,

		RemoteCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "calls_total",
			Help:      "openEHR REST calls by host, operation and outcome.",
		}, []string{"host", "op", "outcome"}),

		RemoteDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "call_duration_seconds",
			Help:      "openEHR REST call latency.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"host", "op"}),

		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per host (0 closed, 1 half-open, 2 open).",
		}, []string{"host"}),

		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "events_total",
			Help:      "Session pool events by host (started, reused, expired, stopped, kept).",
		}, []string{"host", "event"}),

		HeadingFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heading",
			Name:      "fetches_total",
			Help:      "Heading fetches by host, heading and outcome (cached, fetched, failed).",
		}, []string{"host", "heading", "outcome"}),

		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heading",
			Name:      "cache_lookups_total",
			Help:      "Heading cache reads by result (hit, miss, transformed).",
		}, []string{"result"}),

		MergeItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "merge_items_total",
			Help:      "Discovery items by heading and outcome (posted, skipped, failed).",
		}, []string{"heading", "outcome"}),

		SyncRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "sync_runs_total",
			Help:      "Dispatcher runs by outcome.",
		}, []string{"outcome"}),
	}
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// ObserveRemote records one call to an openEHR host.
func (c *Collector) ObserveRemote(host, op string, started time.Time, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.RemoteCalls.WithLabelValues(host, op, outcome).Inc()
	c.RemoteDuration.WithLabelValues(host, op).Observe(time.Since(started).Seconds())
}

// SetBreakerState records the breaker state of a host.
func (c *Collector) SetBreakerState(host string, state int) {
	if c == nil {
		return
	}
	c.BreakerState.WithLabelValues(host).Set(float64(state))
}

// Session records a session pool event.
func (c *Collector) Session(host, event string) {
	if c == nil {
		return
	}
	c.SessionEvents.WithLabelValues(host, event).Inc()
}

// Fetch records the outcome of a heading fetch.
func (c *Collector) Fetch(host, heading, outcome string) {
	if c == nil {
		return
	}
	c.HeadingFetches.WithLabelValues(host, heading, outcome).Inc()
}

// Lookup records a heading cache read.
func (c *Collector) Lookup(result string) {
	if c == nil {
		return
	}
	c.CacheLookups.WithLabelValues(result).Inc()
}

// Merge records the outcome of merging one discovery item.
func (c *Collector) Merge(heading, outcome string) {
	if c == nil {
		return
	}
	c.MergeItems.WithLabelValues(heading, outcome).Inc()
}

// Sync records one dispatcher run.
func (c *Collector) Sync(outcome string) {
	if c == nil {
		return
	}
	c.SyncRuns.WithLabelValues(outcome).Inc()
}
