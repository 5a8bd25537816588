// Package prom exports the metrics.Collector events as Prometheus metrics.
package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/quotagate/metrics"
	"github.com/IvanBrykalov/quotagate/provider"
)

// Adapter implements metrics.Collector on Prometheus instruments.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	requests    *prometheus.CounterVec
	cacheEvents *prometheus.CounterVec
	queueDepth  *prometheus.GaugeVec
	quotaUsed   *prometheus.GaugeVec
	quotaCap    *prometheus.GaugeVec
	latency     *prometheus.HistogramVec
	upstreamErr *prometheus.CounterVec
}

// New constructs a Prometheus adapter.
//   - reg:         registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - constLabels: static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	const ns = "quotagate"
	a := &Adapter{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "requests_total",
			Help:        "Admissions by terminal outcome",
			ConstLabels: constLabels,
		}, []string{"provider", "outcome"}),
		cacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "cache_events_total",
			Help:        "Response cache events by kind",
			ConstLabels: constLabels,
		}, []string{"provider", "kind"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   ns,
			Name:        "queue_depth",
			Help:        "Queued requests per user",
			ConstLabels: constLabels,
		}, []string{"user"}),
		quotaUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   ns,
			Name:        "quota_used",
			Help:        "Daily quota units used",
			ConstLabels: constLabels,
		}, []string{"provider", "user"}),
		quotaCap: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   ns,
			Name:        "quota_cap",
			Help:        "Daily quota cap",
			ConstLabels: constLabels,
		}, []string{"provider", "user"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   ns,
			Name:        "upstream_latency_seconds",
			Help:        "Upstream dispatch latency",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"provider"}),
		upstreamErr: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "upstream_errors_total",
			Help:        "Upstream failures by kind",
			ConstLabels: constLabels,
		}, []string{"provider", "kind"}),
	}
	reg.MustRegister(
		a.requests, a.cacheEvents, a.queueDepth,
		a.quotaUsed, a.quotaCap, a.latency, a.upstreamErr,
	)
	return a
}

// RequestOutcome increments the request counter for one outcome.
func (a *Adapter) RequestOutcome(p provider.Provider, outcome string) {
	a.requests.WithLabelValues(p.String(), outcome).Inc()
}

// CacheEvent increments the cache event counter for one kind.
func (a *Adapter) CacheEvent(p provider.Provider, kind string) {
	a.cacheEvents.WithLabelValues(p.String(), kind).Inc()
}

// QueueDepth sets the per-user queue depth gauge.
func (a *Adapter) QueueDepth(user string, depth int) {
	a.queueDepth.WithLabelValues(user).Set(float64(depth))
}

// QuotaUsage sets the usage and cap gauges for one (provider, user).
func (a *Adapter) QuotaUsage(p provider.Provider, user string, used, cap int64) {
	a.quotaUsed.WithLabelValues(p.String(), user).Set(float64(used))
	a.quotaCap.WithLabelValues(p.String(), user).Set(float64(cap))
}

// UpstreamLatency observes one dispatch round trip.
func (a *Adapter) UpstreamLatency(p provider.Provider, d time.Duration) {
	a.latency.WithLabelValues(p.String()).Observe(d.Seconds())
}

// UpstreamError increments the upstream error counter for one kind.
func (a *Adapter) UpstreamError(p provider.Provider, kind string) {
	a.upstreamErr.WithLabelValues(p.String(), kind).Inc()
}

// Compile-time check: ensure Adapter implements metrics.Collector.
var _ metrics.Collector = (*Adapter)(nil)
