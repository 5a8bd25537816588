// Package admission composes the response cache, the sliding-window
// counter and the quota ledger into one decision per request: serve from
// cache, call the upstream under a build lease, queue, or reject with a
// typed reason. The decision is a tagged value the caller matches on;
// denial is never an exception.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/IvanBrykalov/quotagate/config"
	"github.com/IvanBrykalov/quotagate/internal/clock"
	"github.com/IvanBrykalov/quotagate/metrics"
	"github.com/IvanBrykalov/quotagate/quota"
	"github.com/IvanBrykalov/quotagate/respcache"
	"github.com/IvanBrykalov/quotagate/store"
	"github.com/IvanBrykalov/quotagate/upstream"
	"github.com/IvanBrykalov/quotagate/window"
)

// Options configures a Coordinator.
type Options struct {
	// Enqueuer accepts rate-denied requests that allow queueing. nil
	// disables queueing; such requests are rejected instead.
	Enqueuer Enqueuer

	// Clock drives deadlines and negative-entry math. nil means system.
	Clock clock.Clock

	// Logger records decisions at debug level and failures at warn.
	// nil disables.
	Logger *zerolog.Logger

	// Metrics receives admission outcomes. nil means Noop.
	Metrics metrics.Collector
}

// Coordinator makes admission decisions.
type Coordinator struct {
	st     store.Store
	cfg    *config.Config
	cache  *respcache.Cache
	rate   *window.Counter
	ledger *quota.Ledger
	enq    Enqueuer
	clk    clock.Clock
	log    zerolog.Logger
	met    metrics.Collector
}

// New constructs a Coordinator.
func New(st store.Store, cfg *config.Config, cache *respcache.Cache, rate *window.Counter, ledger *quota.Ledger, opt Options) *Coordinator {
	log := zerolog.Nop()
	if opt.Logger != nil {
		log = *opt.Logger
	}
	met := opt.Metrics
	if met == nil {
		met = metrics.Noop{}
	}
	return &Coordinator{
		st:     st,
		cfg:    cfg,
		cache:  cache,
		rate:   rate,
		ledger: ledger,
		enq:    opt.Enqueuer,
		clk:    clock.Or(opt.Clock),
		log:    log,
		met:    met,
	}
}

// Fingerprint computes the cache key an admission of req would use. The
// prefetch orchestrator uses it to scope warming leases.
func (c *Coordinator) Fingerprint(req Request) string {
	ttl, _ := c.cfg.TTLFor(req.Provider, req.Operation)
	return respcache.Fingerprint(req.Provider, req.Operation, req.Params, req.Tier, ttl.TierVariant)
}

// Admit runs the cache → quota → rate → lease pipeline for one request.
//
// The returned error is reserved for programming and configuration faults
// (unknown provider or operation); every load-driven denial comes back as
// a Rejected decision.
func (c *Coordinator) Admit(ctx context.Context, req Request) (Decision, error) {
	if !req.Provider.Valid() {
		return Decision{}, fmt.Errorf("admission: unknown provider %q", req.Provider)
	}
	cost, ok := c.cfg.Cost(req.Provider, req.Operation)
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s/%s", quota.ErrUnknownOperation, req.Provider, req.Operation)
	}

	ttl, cacheable := c.cfg.TTLFor(req.Provider, req.Operation)
	fp := respcache.Fingerprint(req.Provider, req.Operation, req.Params, req.Tier, ttl.TierVariant)

	// 1. Cache.
	if cacheable {
		hit, found, err := c.cache.Lookup(ctx, req.Provider, fp)
		if err != nil {
			return c.storeFailure(req, fp, err)
		}
		if found {
			return c.serveHit(ctx, req, hit)
		}
	}

	// 2. Quota. Charged before the window is consulted: an exhausted
	// budget reports quota_exceeded even when the window would also deny,
	// and a quota rejection never burns a window slot.
	receipt, err := c.ledger.Charge(ctx, req.Provider, req.User, req.Operation, req.Tier)
	if err != nil {
		if errors.Is(err, quota.ErrUnknownOperation) {
			return Decision{}, err
		}
		return c.storeFailure(req, fp, err)
	}
	if !receipt.Charged {
		return c.quotaRejected(ctx, req, receipt), nil
	}

	// 3. Rate. A denied window returns the charge; only a request that
	// holds a dispatch decision keeps its cost.
	rres, err := c.rate.Admit(ctx, req.Provider, req.User)
	if err != nil {
		c.ledger.Compensate(ctx, req.Provider, req.User, cost)
		return c.storeFailure(req, fp, err)
	}
	if !rres.Allowed {
		c.ledger.Compensate(ctx, req.Provider, req.User, cost)
		return c.rateDenied(ctx, req, rres)
	}

	// 4. Build lease. Operations with no cache TTL have nothing to
	// deduplicate; they dispatch directly.
	if !cacheable {
		return c.dispatchDecision(req, fp, "", false, cost, rres, receipt), nil
	}
	return c.acquireOrFollow(ctx, req, fp, cost, rres, receipt)
}

// serveHit turns a cache hit into a decision. Negative hits serve the
// stored failure as a structured error: that is the whole point of
// negative caching, absorbing retries of a known-bad input until its
// short TTL passes.
func (c *Coordinator) serveHit(ctx context.Context, req Request, hit respcache.Hit) (Decision, error) {
	status := CacheStatusHit
	if hit.Negative {
		status = CacheStatusNegative
	}

	// Hits bypass the rate counter by default; Peek still fills the
	// header snapshot. The per-provider flag switches to per-call
	// accounting, where a hit that overflows the window is still served
	// (the upstream is untouched) but consumes its slot.
	rl := c.cfg.Rate(req.Provider)
	var rres window.Result
	var err error
	if rl.CountCacheHits {
		rres, err = c.rate.Admit(ctx, req.Provider, req.User)
	} else {
		rres, err = c.rate.Peek(ctx, req.Provider, req.User)
	}
	if err != nil {
		// The entry is already in hand; a header snapshot is not worth
		// failing the request over.
		rres = window.Result{}
	}

	c.met.RequestOutcome(req.Provider, metrics.OutcomeCached)
	c.log.Debug().
		Str("provider", req.Provider.String()).
		Str("operation", req.Operation).
		Str("user", req.User).
		Str("cache", status).
		Msg("served from cache")
	return Decision{Kind: ServeCached, Cached: &hit, CacheStatus: status, Rate: &rres}, nil
}

// quotaRejected reports an exhausted daily budget. The window is peeked,
// never charged, so the rejection fills its headers without spending a
// slot the user could not use.
func (c *Coordinator) quotaRejected(ctx context.Context, req Request, receipt quota.Receipt) Decision {
	rres, err := c.rate.Peek(ctx, req.Provider, req.User)
	if err != nil {
		rres = window.Result{}
	}
	c.met.RequestOutcome(req.Provider, metrics.OutcomeRejectedQuota)
	return Decision{
		Kind: Rejected,
		Reject: &Rejection{
			Reason:  ReasonQuota,
			ResetAt: receipt.ResetAt,
			Used:    receipt.Used,
			Limit:   receipt.Cap,
		},
		CacheStatus: CacheStatusMiss,
		Rate:        &rres,
		Quota:       &receipt,
	}
}

// rateDenied resolves a window denial into queue, quota-wins reject, or
// rate reject. The caller has already compensated the quota charge.
func (c *Coordinator) rateDenied(ctx context.Context, req Request, rres window.Result) (Decision, error) {
	// Tie-break: when quota would also deny, surface the quota error.
	// Its reset epoch is the longer-scale, more actionable hint.
	if peek, err := c.ledger.Peek(ctx, req.Provider, req.User, req.Operation, req.Tier); err == nil && !peek.Charged {
		c.met.RequestOutcome(req.Provider, metrics.OutcomeRejectedQuota)
		return Decision{
			Kind: Rejected,
			Reject: &Rejection{
				Reason:  ReasonQuota,
				ResetAt: peek.ResetAt,
				Used:    peek.Used,
				Limit:   peek.Cap,
			},
			CacheStatus: CacheStatusMiss,
			Rate:        &rres,
			Quota:       &peek,
		}, nil
	}

	if req.AllowQueue && c.enq != nil {
		deadline := c.clk.Now().Add(c.cfg.Queue.DefaultDeadline())
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		ack, err := c.enq.Enqueue(ctx, req, deadline)
		if err == nil {
			c.met.RequestOutcome(req.Provider, metrics.OutcomeQueued)
			return Decision{Kind: Queued, Queue: &ack, CacheStatus: CacheStatusMiss, Rate: &rres}, nil
		}
		if !errors.Is(err, ErrQueueFull) {
			return c.storeFailure(req, "", err)
		}
		c.met.RequestOutcome(req.Provider, metrics.OutcomeQueueFull)
		return Decision{
			Kind: Rejected,
			Reject: &Rejection{
				Reason:     ReasonQueueFull,
				RetryAfter: rres.RetryAfter,
				ResetAt:    rres.ResetAt,
				Used:       rres.Count,
				Limit:      rres.Limit,
			},
			CacheStatus: CacheStatusMiss,
			Rate:        &rres,
		}, nil
	}

	c.met.RequestOutcome(req.Provider, metrics.OutcomeRejectedRate)
	return Decision{
		Kind: Rejected,
		Reject: &Rejection{
			Reason:     ReasonRate,
			RetryAfter: rres.RetryAfter,
			ResetAt:    rres.ResetAt,
			Used:       rres.Count,
			Limit:      rres.Limit,
		},
		CacheStatus: CacheStatusMiss,
		Rate:        &rres,
	}, nil
}

// acquireOrFollow takes the single-flight lease or follows the current
// holder. A follower that observes a late fill is served from cache and
// its quota charge is compensated, since no dispatch will happen.
func (c *Coordinator) acquireOrFollow(ctx context.Context, req Request, fp string, cost int64, rres window.Result, receipt quota.Receipt) (Decision, error) {
	holder, acquired, err := c.cache.AcquireBuild(ctx, fp)
	if err != nil {
		c.ledger.Compensate(ctx, req.Provider, req.User, cost)
		return c.storeFailure(req, fp, err)
	}
	if acquired {
		return c.dispatchDecision(req, fp, holder, true, cost, rres, receipt), nil
	}

	hit, filled, err := c.cache.AwaitFill(ctx, req.Provider, fp)
	if err != nil {
		c.ledger.Compensate(ctx, req.Provider, req.User, cost)
		return c.storeFailure(req, fp, err)
	}
	if filled {
		c.ledger.Compensate(ctx, req.Provider, req.User, cost)
		return c.serveHit(ctx, req, hit)
	}

	if c.cfg.SingleFlight.OnContention == config.ContentionError {
		c.ledger.Compensate(ctx, req.Provider, req.User, cost)
		c.met.RequestOutcome(req.Provider, metrics.OutcomeRejectedRate)
		return Decision{
			Kind: Rejected,
			Reject: &Rejection{
				Reason:     ReasonContention,
				RetryAfter: c.cfg.SingleFlight.PollSlack(),
			},
			CacheStatus: CacheStatusMiss,
			Rate:        &rres,
			Quota:       &receipt,
		}, nil
	}

	// The lease outlived its TTL without a fill; proceed. A fresh
	// acquire usually succeeds here. If it still fails the dispatch runs
	// unfenced: the response is served but the cache write is declined
	// when a newer holder exists.
	holder, acquired, err = c.cache.AcquireBuild(ctx, fp)
	if err != nil {
		c.ledger.Compensate(ctx, req.Provider, req.User, cost)
		return c.storeFailure(req, fp, err)
	}
	if !acquired {
		holder = ""
	}
	return c.dispatchDecision(req, fp, holder, acquired, cost, rres, receipt), nil
}

func (c *Coordinator) dispatchDecision(req Request, fp, holder string, fenced bool, cost int64, rres window.Result, receipt quota.Receipt) Decision {
	return Decision{
		Kind: CallUpstream,
		Lease: &Lease{
			Fingerprint: fp,
			Holder:      holder,
			Fenced:      fenced,
			Provider:    req.Provider,
			Operation:   req.Operation,
			User:        req.User,
			Tier:        req.Tier,
			Cost:        cost,
		},
		CacheStatus: CacheStatusMiss,
		Rate:        &rres,
		Quota:       &receipt,
	}
}

// storeFailure applies the per-provider policy to a store outage:
// fail-open bypasses the remaining checks and dispatches anyway,
// fail-closed rejects. Errors outside the store taxonomy propagate.
func (c *Coordinator) storeFailure(req Request, fp string, err error) (Decision, error) {
	if !errors.Is(err, store.ErrUnavailable) && !errors.Is(err, store.ErrTimeout) {
		return Decision{}, err
	}
	if c.cfg.Store.FailOpenFor(req.Provider) {
		c.met.RequestOutcome(req.Provider, metrics.OutcomeBypass)
		c.log.Warn().
			Err(err).
			Str("provider", req.Provider.String()).
			Str("user", req.User).
			Msg("store outage, failing open")
		return Decision{
			Kind: CallUpstream,
			Lease: &Lease{
				Fingerprint: fp,
				Bypass:      true,
				Provider:    req.Provider,
				Operation:   req.Operation,
				User:        req.User,
				Tier:        req.Tier,
			},
			CacheStatus: CacheStatusBypass,
		}, nil
	}

	c.met.RequestOutcome(req.Provider, metrics.OutcomeRejectedStore)
	c.log.Warn().
		Err(err).
		Str("provider", req.Provider.String()).
		Str("user", req.User).
		Msg("store outage, failing closed")
	return Decision{
		Kind:        Rejected,
		Reject:      &Rejection{Reason: ReasonStore, RetryAfter: c.cfg.Store.HealthCheckInterval()},
		CacheStatus: CacheStatusBypass,
	}, nil
}

// Complete reports the result of a dispatch made under a lease. It stores
// or negative-caches the result, starts cool-downs, compensates aborted
// charges, releases the lease and records metrics. Store failures inside
// Complete are logged, not propagated: the caller already holds the
// outcome it will serve.
func (c *Coordinator) Complete(ctx context.Context, lease *Lease, out Outcome) {
	if lease == nil {
		return
	}
	p := lease.Provider
	ttl, cacheable := c.cfg.TTLFor(p, lease.Operation)

	switch out.Kind {
	case OutcomeSuccess:
		c.met.RequestOutcome(p, metrics.OutcomeDispatched)
		if out.Latency > 0 {
			c.met.UpstreamLatency(p, out.Latency)
		}
		if !lease.Bypass && cacheable && lease.Holder != "" {
			if _, err := c.cache.StoreFenced(ctx, p, lease.Fingerprint, out.Payload, ttl.Positive(), respcache.SourceUpstream, false, lease.Holder); err != nil {
				c.log.Warn().Err(err).Str("fingerprint", lease.Fingerprint).Msg("cache store failed")
			}
		}

	case OutcomeUpstreamError:
		c.met.RequestOutcome(p, metrics.OutcomeDispatched)
		if out.Latency > 0 {
			c.met.UpstreamLatency(p, out.Latency)
		}
		kind := out.ErrKind
		if kind == "" {
			kind = metrics.ErrorServer
		}
		c.met.UpstreamError(p, kind)
		// No quota refund: the provider was called and likely counted it.
		c.negativeCache(ctx, lease, ttl, cacheable, respcache.SourceError, kind)

	case OutcomeThrottled:
		c.met.RequestOutcome(p, metrics.OutcomeDispatched)
		c.met.UpstreamError(p, metrics.ErrorThrottled)
		if err := c.rate.StartCooldown(ctx, p); err != nil {
			c.log.Warn().Err(err).Str("provider", p.String()).Msg("cooldown start failed")
		}
		c.log.Warn().Str("provider", p.String()).Msg("provider throttled, cooling down")
		c.negativeCache(ctx, lease, ttl, cacheable, respcache.SourceThrottled, metrics.ErrorThrottled)

	case OutcomeAborted:
		c.met.RequestOutcome(p, metrics.OutcomeTimeout)
		if !lease.Bypass {
			c.ledger.Compensate(ctx, p, lease.User, lease.Cost)
		}
	}

	if lease.Holder != "" {
		c.cache.ReleaseBuild(ctx, lease.Fingerprint, lease.Holder)
	}
}

// Abort is Complete for a lease whose dispatch never started.
func (c *Coordinator) Abort(ctx context.Context, lease *Lease) {
	c.Complete(ctx, lease, Outcome{Kind: OutcomeAborted})
}

func (c *Coordinator) negativeCache(ctx context.Context, lease *Lease, ttl config.TTL, cacheable bool, source, kind string) {
	if lease.Bypass || !cacheable || lease.Holder == "" || ttl.Negative() <= 0 {
		return
	}
	body, err := json.Marshal(map[string]string{"error": kind})
	if err != nil {
		return
	}
	if _, err := c.cache.StoreFenced(ctx, lease.Provider, lease.Fingerprint, body, ttl.Negative(), source, true, lease.Holder); err != nil {
		c.log.Warn().Err(err).Str("fingerprint", lease.Fingerprint).Msg("negative cache store failed")
	}
}

// Dispatch routes a CallUpstream decision through the adapter registry
// and reports the outcome back via Complete, in one call. The middleware
// and the queue drainer share it.
func (c *Coordinator) Dispatch(ctx context.Context, reg *upstream.Registry, lease *Lease, params map[string]string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		c.Abort(ctx, lease)
		return nil, fmt.Errorf("admission: aborted before dispatch: %w", err)
	}

	res, err := reg.Dispatch(ctx, lease.Provider, lease.Operation, params)
	switch {
	case err == nil:
		c.Complete(ctx, lease, Outcome{Kind: OutcomeSuccess, Payload: res.Payload, Latency: res.Latency})
		return res.Payload, nil

	case errors.Is(err, upstream.ErrThrottled):
		c.Complete(ctx, lease, Outcome{Kind: OutcomeThrottled, Latency: res.Latency})
		return nil, err

	case errors.Is(err, upstream.ErrNoAdapter):
		c.Abort(ctx, lease)
		return nil, err

	default:
		kind := metrics.ErrorTransport
		if errors.Is(err, context.DeadlineExceeded) {
			kind = metrics.ErrorTimeout
		} else if res.Status >= 500 {
			kind = metrics.ErrorServer
		}
		c.Complete(ctx, lease, Outcome{Kind: OutcomeUpstreamError, Latency: res.Latency, ErrKind: kind})
		return nil, err
	}
}
