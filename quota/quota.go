// Package quota accounts daily operation cost per (provider, user) against
// tier caps. Charges ride the store's atomic ChargeCounter unit, so used
// never exceeds cap no matter how many processes charge concurrently, and
// buckets reset by key expiry at the UTC day boundary, never by rewrite.
package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/IvanBrykalov/quotagate/config"
	"github.com/IvanBrykalov/quotagate/internal/clock"
	"github.com/IvanBrykalov/quotagate/internal/util"
	"github.com/IvanBrykalov/quotagate/metrics"
	"github.com/IvanBrykalov/quotagate/provider"
	"github.com/IvanBrykalov/quotagate/store"
)

// ErrUnknownOperation reports a charge for an operation with no configured
// cost. This is a programming or configuration error, not load shedding.
var ErrUnknownOperation = errors.New("quota: unknown operation")

// Options configures a Ledger.
type Options struct {
	// Clock picks the day bucket and reset epoch. nil means system.
	Clock clock.Clock

	// Logger records compensation losses. nil disables.
	Logger *zerolog.Logger

	// Metrics receives quota usage readings. nil means Noop.
	Metrics metrics.Collector
}

// Receipt reports one charge attempt.
type Receipt struct {
	// Charged is true when the cost was applied.
	Charged bool

	// Used is the bucket value after the call; unchanged when the
	// charge was declined.
	Used int64

	// Cap is the effective cap the charge was checked against, already
	// halved during a provider cool-down.
	Cap int64

	// Cost is the configured cost of the operation.
	Cost int64

	// ResetAt is the next UTC midnight, when a fresh bucket begins.
	ResetAt time.Time
}

// Ledger charges operation costs against daily tier budgets.
type Ledger struct {
	st  store.Store
	cfg *config.Config
	clk clock.Clock
	log zerolog.Logger
	met metrics.Collector
}

// New constructs a Ledger.
func New(st store.Store, cfg *config.Config, opt Options) *Ledger {
	log := zerolog.Nop()
	if opt.Logger != nil {
		log = *opt.Logger
	}
	met := opt.Metrics
	if met == nil {
		met = metrics.Noop{}
	}
	return &Ledger{st: st, cfg: cfg, clk: clock.Or(opt.Clock), log: log, met: met}
}

// Charge applies the operation's cost to today's (p, user) bucket when it
// fits under the tier cap. The read, bound check, increment and first-write
// expiry happen in one atomic store unit.
func (l *Ledger) Charge(ctx context.Context, p provider.Provider, user, operation string, tier provider.Tier) (Receipt, error) {
	cost, ok := l.cfg.Cost(p, operation)
	if !ok {
		return Receipt{}, fmt.Errorf("%w: %s/%s", ErrUnknownOperation, p, operation)
	}

	budget := l.cfg.TierCap(tier, p)
	if l.cooldownActive(ctx, p) {
		budget /= 2
	}

	now := l.clk.Now()
	resetAt := util.NextMidnightUTC(now)

	res, err := l.st.ChargeCounter(ctx, store.Charge{
		Key:  store.QuotaKey(p, user, util.DayKey(now)),
		Cost: cost,
		Cap:  budget,
		// Keep the exhausted bucket readable for a day past its reset;
		// the day stamp in the key retires it from charging anyway.
		ExpireAt: resetAt.Add(24 * time.Hour),
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("quota: charge %s/%s: %w", p, user, err)
	}

	l.met.QuotaUsage(p, user, res.Used, budget)
	return Receipt{
		Charged: res.Charged,
		Used:    res.Used,
		Cap:     budget,
		Cost:    cost,
		ResetAt: resetAt,
	}, nil
}

// Peek reports whether the operation's cost would fit today's bucket,
// without charging. Admission uses it on a rate denial so that a caller
// who is out of both rate and quota sees the quota rejection, whose reset
// time is the more actionable one.
func (l *Ledger) Peek(ctx context.Context, p provider.Provider, user, operation string, tier provider.Tier) (Receipt, error) {
	cost, ok := l.cfg.Cost(p, operation)
	if !ok {
		return Receipt{}, fmt.Errorf("%w: %s/%s", ErrUnknownOperation, p, operation)
	}
	budget := l.cfg.TierCap(tier, p)
	if l.cooldownActive(ctx, p) {
		budget /= 2
	}

	now := l.clk.Now()
	var used int64
	raw, err := l.st.Get(ctx, store.QuotaKey(p, user, util.DayKey(now)))
	switch {
	case err == nil:
		used, err = strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return Receipt{}, fmt.Errorf("quota: peek %s/%s: bad counter %q", p, user, raw)
		}
	case errors.Is(err, store.ErrNotFound):
		// Fresh day, empty bucket.
	default:
		return Receipt{}, fmt.Errorf("quota: peek %s/%s: %w", p, user, err)
	}

	return Receipt{
		Charged: used+cost <= budget,
		Used:    used,
		Cap:     budget,
		Cost:    cost,
		ResetAt: util.NextMidnightUTC(now),
	}, nil
}

// Compensate returns cost units to today's bucket after a request was
// abandoned before dispatch. It is best effort and one-sided: failures are
// logged and counted, never propagated, and the bucket is floored at zero
// so a late compensation can only leave usage higher than the exact undo,
// never lower.
func (l *Ledger) Compensate(ctx context.Context, p provider.Provider, user string, cost int64) {
	if cost <= 0 {
		return
	}
	key := store.QuotaKey(p, user, util.DayKey(l.clk.Now()))

	if _, err := l.st.Get(ctx, key); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			l.lost(p, user, cost, err)
		}
		// A missing bucket already reset; there is nothing to refund.
		return
	}

	v, err := l.st.IncrBy(ctx, key, -cost)
	if err != nil {
		l.lost(p, user, cost, err)
		return
	}
	if v < 0 {
		// Refill the deficit: floor at zero, keeping interleaved
		// charges intact.
		if _, err := l.st.IncrBy(ctx, key, -v); err != nil {
			l.lost(p, user, -v, err)
		}
	}
}

func (l *Ledger) lost(p provider.Provider, user string, cost int64, err error) {
	l.met.RequestOutcome(p, metrics.OutcomeCompensationLost)
	l.log.Warn().
		Err(err).
		Str("provider", p.String()).
		Str("user", user).
		Int64("cost", cost).
		Msg("quota compensation lost")
}

// cooldownActive mirrors the rate limiter's cool-down check: while the
// provider mark lives, the effective cap is halved.
func (l *Ledger) cooldownActive(ctx context.Context, p provider.Provider) bool {
	_, err := l.st.Get(ctx, store.CooldownKey(p))
	return err == nil
}
