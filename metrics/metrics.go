// Package metrics defines the instrumentation surface shared by the
// admission pipeline. The core records events through the Collector
// interface; adapters fan them out to Prometheus (metrics/prom), persist
// daily samples to the store (StoreSink) for the alert evaluator, or drop
// them (Noop).
package metrics

import (
	"time"

	"github.com/IvanBrykalov/quotagate/provider"
)

// Metric names shared by the store sink, the Prometheus adapter and the
// alert evaluator.
const (
	MetricRequests         = "requests_total"
	MetricCacheEvents      = "cache_events_total"
	MetricQueueDepth       = "queue_depth"
	MetricQuotaUtilization = "quota_utilization"
	MetricUpstreamLatency  = "upstream_latency_ms"
	MetricUpstreamErrors   = "upstream_errors_total"
)

// Request outcomes.
const (
	OutcomeCached           = "cached"
	OutcomeDispatched       = "dispatched"
	OutcomeQueued           = "queued"
	OutcomeRejectedRate     = "rejected_rate"
	OutcomeRejectedQuota    = "rejected_quota"
	OutcomeQueueFull        = "rejected_queue_full"
	OutcomeRejectedStore    = "rejected_store"
	OutcomeBypass           = "bypass"
	OutcomeTimeout          = "timeout"
	OutcomeCompensationLost = "compensation_lost"
)

// Outcomes enumerates every request outcome; the alert evaluator iterates
// it to locate persisted samples.
func Outcomes() []string {
	return []string{
		OutcomeCached, OutcomeDispatched, OutcomeQueued,
		OutcomeRejectedRate, OutcomeRejectedQuota, OutcomeQueueFull,
		OutcomeRejectedStore, OutcomeBypass, OutcomeTimeout,
		OutcomeCompensationLost,
	}
}

// Cache event kinds.
const (
	CacheHit           = "hit"
	CacheMiss          = "miss"
	CacheNegativeHit   = "negative_hit"
	CacheStore         = "store"
	CacheNegativeStore = "negative_store"
	CacheInvalidate    = "invalidate"
	CacheCoalesced     = "coalesced"
	CacheStaleDeclined = "stale_write_declined"
)

// CacheEvents enumerates every cache event kind.
func CacheEvents() []string {
	return []string{
		CacheHit, CacheMiss, CacheNegativeHit, CacheStore,
		CacheNegativeStore, CacheInvalidate, CacheCoalesced,
		CacheStaleDeclined,
	}
}

// Upstream error kinds.
const (
	ErrorThrottled = "throttled"
	ErrorTransport = "transport"
	ErrorServer    = "server"
	ErrorTimeout   = "timeout"
)

// ErrorKinds enumerates every upstream error kind.
func ErrorKinds() []string {
	return []string{ErrorThrottled, ErrorTransport, ErrorServer, ErrorTimeout}
}

// Collector receives instrumentation events. Implementations must be safe
// for concurrent use and must never block the request path.
type Collector interface {
	// RequestOutcome counts one admission by its terminal outcome.
	RequestOutcome(p provider.Provider, outcome string)

	// CacheEvent counts one response-cache event.
	CacheEvent(p provider.Provider, kind string)

	// QueueDepth records the current queue depth for a user.
	QueueDepth(user string, depth int)

	// QuotaUsage records a user's quota position after a charge.
	QuotaUsage(p provider.Provider, user string, used, cap int64)

	// UpstreamLatency records one upstream round trip.
	UpstreamLatency(p provider.Provider, d time.Duration)

	// UpstreamError counts one upstream failure by kind.
	UpstreamError(p provider.Provider, kind string)
}

// Noop is the default Collector; it drops everything.
type Noop struct{}

func (Noop) RequestOutcome(provider.Provider, string)           {}
func (Noop) CacheEvent(provider.Provider, string)               {}
func (Noop) QueueDepth(string, int)                             {}
func (Noop) QuotaUsage(provider.Provider, string, int64, int64) {}
func (Noop) UpstreamLatency(provider.Provider, time.Duration)   {}
func (Noop) UpstreamError(provider.Provider, string)            {}

var _ Collector = Noop{}

// Multi tees events to several collectors.
func Multi(cs ...Collector) Collector { return multi(cs) }

type multi []Collector

func (m multi) RequestOutcome(p provider.Provider, outcome string) {
	for _, c := range m {
		c.RequestOutcome(p, outcome)
	}
}

func (m multi) CacheEvent(p provider.Provider, kind string) {
	for _, c := range m {
		c.CacheEvent(p, kind)
	}
}

func (m multi) QueueDepth(user string, depth int) {
	for _, c := range m {
		c.QueueDepth(user, depth)
	}
}

func (m multi) QuotaUsage(p provider.Provider, user string, used, cap int64) {
	for _, c := range m {
		c.QuotaUsage(p, user, used, cap)
	}
}

func (m multi) UpstreamLatency(p provider.Provider, d time.Duration) {
	for _, c := range m {
		c.UpstreamLatency(p, d)
	}
}

func (m multi) UpstreamError(p provider.Provider, kind string) {
	for _, c := range m {
		c.UpstreamError(p, kind)
	}
}

var _ Collector = multi(nil)
