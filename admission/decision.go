package admission

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/IvanBrykalov/quotagate/provider"
	"github.com/IvanBrykalov/quotagate/quota"
	"github.com/IvanBrykalov/quotagate/respcache"
	"github.com/IvanBrykalov/quotagate/window"
)

// ErrQueueFull is returned by an Enqueuer whose per-user depth cap is
// reached; admission maps it to a queue-full rejection.
var ErrQueueFull = errors.New("admission: queue full")

// Request is one admission input.
type Request struct {
	Provider  provider.Provider
	Operation string
	User      string
	Tier      provider.Tier

	// Params are the operation parameters; they feed the fingerprint and
	// are carried verbatim to the upstream adapter.
	Params map[string]string

	// Priority orders queued requests. Zero means the tier's default.
	Priority int

	// AllowQueue lets a rate-denied request wait in the user's queue
	// instead of being rejected. Prefetch always leaves it false.
	AllowQueue bool
}

// EffectivePriority resolves the queue priority: an explicit value wins,
// otherwise the tier decides.
func (r Request) EffectivePriority() int {
	if r.Priority != 0 {
		return r.Priority
	}
	return r.Tier.Priority()
}

// DecisionKind tags the admission outcome.
type DecisionKind int

// The admission outcomes.
const (
	ServeCached DecisionKind = iota
	CallUpstream
	Queued
	Rejected
)

// String returns a log-friendly name.
func (k DecisionKind) String() string {
	switch k {
	case ServeCached:
		return "serve_cached"
	case CallUpstream:
		return "call_upstream"
	case Queued:
		return "queued"
	default:
		return "rejected"
	}
}

// Cache statuses surfaced in the X-Cache-Status header.
const (
	CacheStatusHit      = "HIT"
	CacheStatusMiss     = "MISS"
	CacheStatusNegative = "NEGATIVE"
	CacheStatusBypass   = "BYPASS"
)

// RejectReason classifies a rejection.
type RejectReason string

// The rejection reasons.
const (
	ReasonRate       RejectReason = "rate_limit_exceeded"
	ReasonQuota      RejectReason = "quota_exceeded"
	ReasonQueueFull  RejectReason = "queue_full"
	ReasonStore      RejectReason = "store_unavailable"
	ReasonContention RejectReason = "contention"
)

// Rejection carries the retry hints a denied caller needs.
type Rejection struct {
	Reason     RejectReason
	RetryAfter time.Duration

	// ResetAt is when the denying limit next relaxes: the window slide
	// for rate, the UTC midnight for quota.
	ResetAt time.Time

	// Used and Limit describe the denying limit's current position.
	Used  int64
	Limit int64
}

// QueueAck acknowledges an enqueued request.
type QueueAck struct {
	Position int
	ETA      time.Duration
}

// Lease is the right to perform one upstream dispatch, handed to the
// caller with a CallUpstream decision and returned through Complete.
type Lease struct {
	Fingerprint string
	Holder      string

	// Fenced is false when the decision proceeded without winning the
	// build lease: after a contention timeout, or on a fail-open bypass.
	// Unfenced completions still serve their payload but their cache
	// writes may be declined.
	Fenced bool

	// Bypass marks a fail-open dispatch that skipped cache, rate and
	// quota checks during a store outage.
	Bypass bool

	Provider  provider.Provider
	Operation string
	User      string
	Tier      provider.Tier

	// Cost is what the quota ledger charged; Complete compensates it on
	// an aborted dispatch.
	Cost int64
}

// Decision is the tagged admission outcome. Exactly one of Cached, Lease,
// Queue and Reject is set, selected by Kind; Rate and Quota carry the
// limit snapshots the middleware turns into response headers.
type Decision struct {
	Kind DecisionKind

	Cached *respcache.Hit
	Lease  *Lease
	Queue  *QueueAck
	Reject *Rejection

	CacheStatus string
	Rate        *window.Result
	Quota       *quota.Receipt
}

// OutcomeKind tags what happened to a dispatched request.
type OutcomeKind int

// The dispatch outcomes reported through Complete.
const (
	// OutcomeSuccess: the provider answered; cache the payload.
	OutcomeSuccess OutcomeKind = iota

	// OutcomeUpstreamError: transport failure or provider 5xx. Quota
	// stays charged; a short negative entry may absorb the stampede.
	OutcomeUpstreamError

	// OutcomeThrottled: the provider returned 429. Triggers the
	// provider-wide cool-down.
	OutcomeThrottled

	// OutcomeAborted: the dispatch never left this process. The quota
	// charge is compensated best-effort.
	OutcomeAborted
)

// Outcome reports one dispatch result back to the coordinator.
type Outcome struct {
	Kind OutcomeKind

	// Payload is the provider response on success.
	Payload json.RawMessage

	// Latency is the upstream round trip, when one happened.
	Latency time.Duration

	// ErrKind is the metrics error class for failures (metrics.Error*).
	ErrKind string
}

// Enqueuer defers rate-denied requests. The queue package implements it;
// the interface lives here so the coordinator does not depend on the
// queue's storage or its drain scheduler.
type Enqueuer interface {
	Enqueue(ctx context.Context, req Request, deadline time.Time) (QueueAck, error)
}
