// Package respcache is the content-keyed response cache. Entries are
// addressed by request fingerprint, carry their own TTL metadata, and may
// be negative: a short-lived marker for a known failure that absorbs
// stampedes on bad inputs. Concurrent builds of the same fingerprint are
// deduplicated twice, first by an in-process flight group and then by a
// distributed store lease, so N processes asking for one miss still
// produce one upstream call.
package respcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/IvanBrykalov/quotagate/config"
	"github.com/IvanBrykalov/quotagate/internal/clock"
	"github.com/IvanBrykalov/quotagate/internal/singleflight"
	"github.com/IvanBrykalov/quotagate/metrics"
	"github.com/IvanBrykalov/quotagate/provider"
	"github.com/IvanBrykalov/quotagate/store"
)

// ErrContention reports that a follower outwaited a build lease without
// observing a cache fill, under the "error" contention policy. The default
// policy proceeds to build instead.
var ErrContention = errors.New("respcache: contention")

// errNotFilled drives the follower poll loop; it never escapes AwaitFill.
var errNotFilled = errors.New("respcache: not filled yet")

// Entry sources recorded in cache metadata. Negative entries keep the
// upstream error class so the serving layer can shape the response.
const (
	SourceUpstream  = "upstream"
	SourceThrottled = "throttled"
	SourceError     = "error"
)

// warmAheadFraction of the TTL: a hit observed with less remaining life
// than this publishes a near-expiry event for the prefetch orchestrator.
const warmAheadFraction = 0.2

// entry is the persisted envelope.
type entry struct {
	Payload  json.RawMessage `json:"payload"`
	StoredAt time.Time       `json:"stored_at"`
	TTL      int             `json:"ttl_seconds"`
	Source   string          `json:"source"`
	Negative bool            `json:"negative"`
	Schema   string          `json:"schema"`
}

// Hit is one successful lookup.
type Hit struct {
	Payload  json.RawMessage
	Negative bool
	Source   string
	Age      time.Duration
	StoredAt time.Time
}

// Expiring is the payload published on the near-expiry channel.
type Expiring struct {
	Provider    provider.Provider `json:"provider"`
	Fingerprint string            `json:"fingerprint"`
}

// BuildFunc produces the value for a missing fingerprint.
type BuildFunc func(ctx context.Context) (json.RawMessage, error)

// Options configures a Cache.
type Options struct {
	// Clock drives age math. nil means the system clock.
	Clock clock.Clock

	// Logger records declined writes and publish failures. nil disables.
	Logger *zerolog.Logger

	// Metrics receives cache events. nil means Noop.
	Metrics metrics.Collector
}

// Cache is the response cache over the shared store.
type Cache struct {
	st      store.Store
	cfg     *config.Config
	clk     clock.Clock
	log     zerolog.Logger
	met     metrics.Collector
	flights singleflight.Group[string, Hit]
}

// New constructs a Cache.
func New(st store.Store, cfg *config.Config, opt Options) *Cache {
	log := zerolog.Nop()
	if opt.Logger != nil {
		log = *opt.Logger
	}
	met := opt.Metrics
	if met == nil {
		met = metrics.Noop{}
	}
	return &Cache{st: st, cfg: cfg, clk: clock.Or(opt.Clock), log: log, met: met}
}

// Lookup returns the live entry for a fingerprint. ok is false on a miss;
// an expired or schema-mismatched entry is a miss, not an error.
func (c *Cache) Lookup(ctx context.Context, p provider.Provider, fingerprint string) (Hit, bool, error) {
	raw, err := c.st.Get(ctx, store.CacheKey(p, fingerprint))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.met.CacheEvent(p, metrics.CacheMiss)
			return Hit{}, false, nil
		}
		return Hit{}, false, fmt.Errorf("respcache: lookup: %w", err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil || e.Schema != SchemaVersion {
		c.met.CacheEvent(p, metrics.CacheMiss)
		return Hit{}, false, nil
	}

	now := c.clk.Now()
	age := now.Sub(e.StoredAt)
	ttl := time.Duration(e.TTL) * time.Second
	if age < 0 || age > ttl {
		c.met.CacheEvent(p, metrics.CacheMiss)
		return Hit{}, false, nil
	}

	if e.Negative {
		c.met.CacheEvent(p, metrics.CacheNegativeHit)
	} else {
		c.met.CacheEvent(p, metrics.CacheHit)
		if remaining := ttl - age; float64(remaining) < warmAheadFraction*float64(ttl) {
			c.publishExpiring(ctx, p, fingerprint)
		}
	}
	return Hit{
		Payload:  e.Payload,
		Negative: e.Negative,
		Source:   e.Source,
		Age:      age,
		StoredAt: e.StoredAt,
	}, true, nil
}

// Store writes an entry unconditionally. Admission completions use
// StoreFenced instead so a late writer cannot clobber a fresher entry.
func (c *Cache) Store(ctx context.Context, p provider.Provider, fingerprint string, payload json.RawMessage, ttl time.Duration, source string, negative bool) error {
	if ttl <= 0 {
		return nil
	}
	raw, err := c.encode(payload, ttl, source, negative)
	if err != nil {
		return err
	}
	if err := c.st.SetWithTTL(ctx, store.CacheKey(p, fingerprint), raw, ttl); err != nil {
		return fmt.Errorf("respcache: store: %w", err)
	}
	c.recordStore(p, negative)
	return nil
}

// StoreFenced writes an entry only while the single-flight lease for the
// fingerprint is still held by holder. It reports false when the write was
// declined because the lease moved on.
func (c *Cache) StoreFenced(ctx context.Context, p provider.Provider, fingerprint string, payload json.RawMessage, ttl time.Duration, source string, negative bool, holder string) (bool, error) {
	if ttl <= 0 {
		return false, nil
	}
	raw, err := c.encode(payload, ttl, source, negative)
	if err != nil {
		return false, err
	}
	ok, err := c.st.SetFenced(ctx, store.CacheKey(p, fingerprint), raw, ttl, store.SingleFlightKey(fingerprint), holder)
	if err != nil {
		return false, fmt.Errorf("respcache: store fenced: %w", err)
	}
	if !ok {
		c.met.CacheEvent(p, metrics.CacheStaleDeclined)
		c.log.Debug().Str("fingerprint", fingerprint).Msg("stale cache write declined")
		return false, nil
	}
	c.recordStore(p, negative)
	return true, nil
}

// Invalidate deletes every entry under a key prefix, for example all chat
// history cached for one user. It returns how many entries were removed.
func (c *Cache) Invalidate(ctx context.Context, prefix string) (int, error) {
	keys, err := c.st.ScanKeys(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("respcache: invalidate scan: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := c.st.Delete(ctx, keys...); err != nil {
		return 0, fmt.Errorf("respcache: invalidate: %w", err)
	}
	return len(keys), nil
}

// AcquireBuild claims the distributed build lease for a fingerprint and
// returns the holder id on success. ok is false while someone else builds.
func (c *Cache) AcquireBuild(ctx context.Context, fingerprint string) (string, bool, error) {
	holder := uuid.NewString()
	ok, err := c.st.AcquireLease(ctx, store.SingleFlightKey(fingerprint), holder, c.cfg.SingleFlight.LeaseTTL())
	if err != nil {
		return "", false, fmt.Errorf("respcache: acquire build lease: %w", err)
	}
	return holder, ok, nil
}

// ReleaseBuild drops the build lease if holder still owns it.
func (c *Cache) ReleaseBuild(ctx context.Context, fingerprint, holder string) {
	if _, err := c.st.ReleaseLease(ctx, store.SingleFlightKey(fingerprint), holder); err != nil {
		c.log.Debug().Err(err).Str("fingerprint", fingerprint).Msg("build lease release failed")
	}
}

// AwaitFill polls Lookup with bounded backoff while another holder builds,
// for at most lease TTL plus the configured slack. ok is false when the
// wait ran out without a fill.
func (c *Cache) AwaitFill(ctx context.Context, p provider.Provider, fingerprint string) (Hit, bool, error) {
	sf := c.cfg.SingleFlight

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 25 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = sf.LeaseTTL() + sf.PollSlack()

	var hit Hit
	err := backoff.Retry(func() error {
		h, ok, err := c.lookupQuiet(ctx, p, fingerprint)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errNotFilled
		}
		hit = h
		return nil
	}, backoff.WithContext(bo, ctx))
	switch {
	case err == nil:
		return hit, true, nil
	case errors.Is(err, errNotFilled):
		return Hit{}, false, nil
	case ctx.Err() != nil:
		return Hit{}, false, ctx.Err()
	default:
		return Hit{}, false, err
	}
}

// SingleFlight returns the cached value for a fingerprint, building it at
// most once across processes on a miss. Followers coalesce in-process
// first, then wait on the store lease; a follower that outwaits the lease
// proceeds to build (default) or fails with ErrContention per policy.
func (c *Cache) SingleFlight(ctx context.Context, p provider.Provider, fingerprint string, ttl time.Duration, build BuildFunc) (json.RawMessage, error) {
	hit, leader, err := c.flights.Do(ctx, fingerprint, func() (Hit, error) {
		return c.flightOnce(ctx, p, fingerprint, ttl, build)
	})
	if err != nil {
		return nil, err
	}
	if !leader {
		c.met.CacheEvent(p, metrics.CacheCoalesced)
	}
	if hit.Negative {
		return nil, fmt.Errorf("respcache: negative entry (%s)", hit.Source)
	}
	return hit.Payload, nil
}

func (c *Cache) flightOnce(ctx context.Context, p provider.Provider, fingerprint string, ttl time.Duration, build BuildFunc) (Hit, error) {
	if hit, ok, err := c.Lookup(ctx, p, fingerprint); err != nil || ok {
		return hit, err
	}

	holder, acquired, err := c.AcquireBuild(ctx, fingerprint)
	if err != nil {
		return Hit{}, err
	}
	if !acquired {
		if hit, ok, err := c.AwaitFill(ctx, p, fingerprint); err != nil || ok {
			return hit, err
		}
		if c.cfg.SingleFlight.OnContention == config.ContentionError {
			return Hit{}, fmt.Errorf("%w: %s", ErrContention, fingerprint)
		}
		// Lease expired without a fill; build anyway. The fenced write
		// below declines if a newer holder got there first.
		holder, _, err = c.AcquireBuild(ctx, fingerprint)
		if err != nil {
			return Hit{}, err
		}
	}
	defer c.ReleaseBuild(ctx, fingerprint, holder)

	payload, err := build(ctx)
	if err != nil {
		return Hit{}, err
	}
	if _, err := c.StoreFenced(ctx, p, fingerprint, payload, ttl, SourceUpstream, false, holder); err != nil {
		return Hit{}, err
	}
	return Hit{Payload: payload, Source: SourceUpstream}, nil
}

// lookupQuiet is Lookup without miss metrics, used by poll loops so a
// single wait does not inflate the miss counter.
func (c *Cache) lookupQuiet(ctx context.Context, p provider.Provider, fingerprint string) (Hit, bool, error) {
	raw, err := c.st.Get(ctx, store.CacheKey(p, fingerprint))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Hit{}, false, nil
		}
		return Hit{}, false, fmt.Errorf("respcache: lookup: %w", err)
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil || e.Schema != SchemaVersion {
		return Hit{}, false, nil
	}
	age := c.clk.Now().Sub(e.StoredAt)
	if age < 0 || age > time.Duration(e.TTL)*time.Second {
		return Hit{}, false, nil
	}
	return Hit{Payload: e.Payload, Negative: e.Negative, Source: e.Source, Age: age, StoredAt: e.StoredAt}, true, nil
}

func (c *Cache) encode(payload json.RawMessage, ttl time.Duration, source string, negative bool) ([]byte, error) {
	raw, err := json.Marshal(entry{
		Payload:  payload,
		StoredAt: c.clk.Now(),
		TTL:      int(ttl / time.Second),
		Source:   source,
		Negative: negative,
		Schema:   SchemaVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("respcache: encode: %w", err)
	}
	return raw, nil
}

func (c *Cache) recordStore(p provider.Provider, negative bool) {
	if negative {
		c.met.CacheEvent(p, metrics.CacheNegativeStore)
	} else {
		c.met.CacheEvent(p, metrics.CacheStore)
	}
}

func (c *Cache) publishExpiring(ctx context.Context, p provider.Provider, fingerprint string) {
	raw, err := json.Marshal(Expiring{Provider: p, Fingerprint: fingerprint})
	if err != nil {
		return
	}
	if err := c.st.Publish(ctx, store.ChannelCacheExpiring, raw); err != nil {
		c.log.Debug().Err(err).Msg("near-expiry publish failed")
	}
}
