// Package window enforces per-(provider, user) sliding-window rate limits
// on top of the store's atomic SlideWindow unit. Every admit is one round
// trip; concurrent admits for the same key serialize at the store, so the
// count can never overshoot the limit.
package window

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/IvanBrykalov/quotagate/config"
	"github.com/IvanBrykalov/quotagate/internal/clock"
	"github.com/IvanBrykalov/quotagate/provider"
	"github.com/IvanBrykalov/quotagate/store"
)

// Options configures a Counter.
type Options struct {
	// Clock supplies timestamps for window math. nil means the system
	// clock. The Redis store substitutes server time inside the atomic
	// unit; this clock still anchors retry hints.
	Clock clock.Clock
}

// Result reports one admission decision.
type Result struct {
	// Allowed is true when the request fit the window.
	Allowed bool

	// Count is the number of requests in the window after this call,
	// including this one when Allowed.
	Count int64

	// Limit is the effective window limit, already halved during a
	// provider cool-down.
	Limit int64

	// RetryAfter hints when a denied caller should try again: the time
	// until the oldest windowed request slides out.
	RetryAfter time.Duration

	// ResetAt is when the window next frees a slot.
	ResetAt time.Time
}

// Counter admits requests against per-provider sliding windows.
type Counter struct {
	st  store.Store
	cfg *config.Config
	clk clock.Clock
}

// New constructs a Counter.
func New(st store.Store, cfg *config.Config, opt Options) *Counter {
	return &Counter{st: st, cfg: cfg, clk: clock.Or(opt.Clock)}
}

// Admit records one request for (p, user) if the window has room. The
// trim, count and append happen in a single store round trip.
func (c *Counter) Admit(ctx context.Context, p provider.Provider, user string) (Result, error) {
	rl := c.cfg.Rate(p)
	limit := c.effectiveLimit(ctx, p, rl)
	now := c.clk.Now()

	res, err := c.st.SlideWindow(ctx, store.Window{
		Key:    store.RateKey(p, user),
		Width:  rl.Window(),
		Limit:  limit,
		Member: uuid.NewString(),
		Now:    now,
		KeyTTL: 2 * rl.Window(),
	})
	if err != nil {
		return Result{}, fmt.Errorf("window: admit %s/%s: %w", p, user, err)
	}

	out := Result{Allowed: res.Allowed, Count: res.Count, Limit: limit}
	if res.Oldest > 0 {
		oldest := time.UnixMicro(int64(res.Oldest))
		out.ResetAt = oldest.Add(rl.Window())
		if !res.Allowed {
			if retry := out.ResetAt.Sub(now); retry > 0 {
				out.RetryAfter = retry
			}
		}
	} else {
		out.ResetAt = now.Add(rl.Window())
	}
	return out, nil
}

// Peek reports the current window position without recording a request.
// Cache hits use it to fill rate headers when hits bypass the counter.
func (c *Counter) Peek(ctx context.Context, p provider.Provider, user string) (Result, error) {
	rl := c.cfg.Rate(p)
	limit := c.effectiveLimit(ctx, p, rl)
	now := c.clk.Now()

	cutoff := float64(now.Add(-rl.Window()).UnixMicro())
	count, err := c.st.SortedCount(ctx, store.RateKey(p, user), cutoff+1, float64(now.UnixMicro()))
	if err != nil {
		return Result{}, fmt.Errorf("window: peek %s/%s: %w", p, user, err)
	}
	return Result{
		Allowed: count < limit,
		Count:   count,
		Limit:   limit,
		ResetAt: now.Add(rl.Window()),
	}, nil
}

// StartCooldown marks p as throttled for the configured cool-down window.
// While the mark lives, effective limits are halved here and in the quota
// ledger.
func (c *Counter) StartCooldown(ctx context.Context, p provider.Provider) error {
	rl := c.cfg.Rate(p)
	if rl.Cooldown() <= 0 {
		return nil
	}
	err := c.st.SetWithTTL(ctx, store.CooldownKey(p), []byte("1"), rl.Cooldown())
	if err != nil {
		return fmt.Errorf("window: cooldown %s: %w", p, err)
	}
	return nil
}

// effectiveLimit halves the configured limit during a cool-down, keeping
// at least one slot so the provider stays probeable. A missing mark and a
// store failure both leave the limit whole; a real outage surfaces on the
// admit call itself.
func (c *Counter) effectiveLimit(ctx context.Context, p provider.Provider, rl config.RateLimit) int64 {
	limit := int64(rl.Requests)
	if _, err := c.st.Get(ctx, store.CooldownKey(p)); err != nil {
		return limit
	}
	half := limit / 2
	if half < 1 {
		half = 1
	}
	return half
}
