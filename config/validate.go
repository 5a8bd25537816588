package config

import (
	"fmt"
	"time"
)

// Upper bounds for "reasonable" numeric values. Anything beyond these is
// almost certainly a typo (milliseconds pasted into a seconds field, a cap
// with a stray zero) and is rejected rather than honored.
const (
	maxCap      = int64(1_000_000_000)
	maxCost     = int64(1_000_000)
	maxTTL      = int(30 * 24 * time.Hour / time.Second)
	maxRequests = 1_000_000
	maxWindow   = 3600
	maxCooldown = 86400
	maxDepth    = 10_000
	maxDeadline = 86400
	maxLease    = 600
	maxSlack    = 60
	maxInterval = 86400
)

func badf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks enumeration keys, non-negativity and upper bounds. It
// returns the first problem found, wrapped in ErrInvalid.
func (c *Config) Validate() error {
	for tier, caps := range c.Tiers {
		if !tier.Valid() {
			return badf("tiers: unknown tier %q", tier)
		}
		for p, cap := range caps {
			if !p.Valid() {
				return badf("tiers.%s: unknown provider %q", tier, p)
			}
			if cap < 0 || cap > maxCap {
				return badf("tiers.%s.%s: cap %d out of range [0, %d]", tier, p, cap, maxCap)
			}
		}
	}

	for p, ops := range c.OperationCosts {
		if !p.Valid() {
			return badf("operation_costs: unknown provider %q", p)
		}
		for op, cost := range ops {
			if op == "" {
				return badf("operation_costs.%s: empty operation name", p)
			}
			if cost < 1 || cost > maxCost {
				return badf("operation_costs.%s.%s: cost %d out of range [1, %d]", p, op, cost, maxCost)
			}
		}
	}

	for p, ops := range c.CacheTTL {
		if !p.Valid() {
			return badf("cache_ttl: unknown provider %q", p)
		}
		for op, ttl := range ops {
			if op == "" {
				return badf("cache_ttl.%s: empty operation name", p)
			}
			if ttl.PositiveSeconds < 0 || ttl.PositiveSeconds > maxTTL {
				return badf("cache_ttl.%s.%s: positive_seconds %d out of range [0, %d]", p, op, ttl.PositiveSeconds, maxTTL)
			}
			if ttl.NegativeSeconds < 0 || ttl.NegativeSeconds > maxTTL {
				return badf("cache_ttl.%s.%s: negative_seconds %d out of range [0, %d]", p, op, ttl.NegativeSeconds, maxTTL)
			}
		}
	}

	for p, rl := range c.RateLimits {
		if !p.Valid() {
			return badf("rate_limits: unknown provider %q", p)
		}
		if rl.Requests < 1 || rl.Requests > maxRequests {
			return badf("rate_limits.%s: requests %d out of range [1, %d]", p, rl.Requests, maxRequests)
		}
		if rl.WindowSeconds < 1 || rl.WindowSeconds > maxWindow {
			return badf("rate_limits.%s: window_seconds %d out of range [1, %d]", p, rl.WindowSeconds, maxWindow)
		}
		if rl.CooldownSeconds < 0 || rl.CooldownSeconds > maxCooldown {
			return badf("rate_limits.%s: cooldown_seconds %d out of range [0, %d]", p, rl.CooldownSeconds, maxCooldown)
		}
	}

	q := c.Queue
	if q.MaxDepthPerUser < 1 || q.MaxDepthPerUser > maxDepth {
		return badf("queue.max_depth_per_user %d out of range [1, %d]", q.MaxDepthPerUser, maxDepth)
	}
	if q.DefaultDeadlineSeconds < 1 || q.DefaultDeadlineSeconds > maxDeadline {
		return badf("queue.default_deadline_seconds %d out of range [1, %d]", q.DefaultDeadlineSeconds, maxDeadline)
	}

	sf := c.SingleFlight
	if sf.LeaseTTLSeconds < 1 || sf.LeaseTTLSeconds > maxLease {
		return badf("singleflight.lease_ttl_seconds %d out of range [1, %d]", sf.LeaseTTLSeconds, maxLease)
	}
	if sf.PollSlackSeconds < 0 || sf.PollSlackSeconds > maxSlack {
		return badf("singleflight.poll_slack_seconds %d out of range [0, %d]", sf.PollSlackSeconds, maxSlack)
	}
	switch sf.OnContention {
	case "", ContentionProceed, ContentionError:
	default:
		return badf("singleflight.on_contention %q (want %q or %q)", sf.OnContention, ContentionProceed, ContentionError)
	}

	pf := c.Prefetch
	if pf.IntervalSeconds < 1 || pf.IntervalSeconds > maxInterval {
		return badf("prefetch.interval_seconds %d out of range [1, %d]", pf.IntervalSeconds, maxInterval)
	}
	if pf.LeaseTTLSeconds < 1 || pf.LeaseTTLSeconds > maxLease {
		return badf("prefetch.lease_ttl_seconds %d out of range [1, %d]", pf.LeaseTTLSeconds, maxLease)
	}

	a := c.Alerts
	if err := fraction("alerts.thresholds.warning", a.Thresholds.Warning); err != nil {
		return err
	}
	if err := fraction("alerts.thresholds.critical", a.Thresholds.Critical); err != nil {
		return err
	}
	if a.Thresholds.Warning > a.Thresholds.Critical {
		return badf("alerts.thresholds: warning %.2f exceeds critical %.2f", a.Thresholds.Warning, a.Thresholds.Critical)
	}
	if a.QueueDepthHigh < 0 || a.QueueDepthHigh > maxDepth {
		return badf("alerts.queue_depth_high %d out of range [0, %d]", a.QueueDepthHigh, maxDepth)
	}
	if err := fraction("alerts.cache_hit_rate_low", a.CacheHitRateLow); err != nil {
		return err
	}
	if err := fraction("alerts.api_error_rate_high", a.APIErrorRateHigh); err != nil {
		return err
	}
	if a.IntervalSeconds < 1 || a.IntervalSeconds > maxWindow {
		return badf("alerts.interval_seconds %d out of range [1, %d]", a.IntervalSeconds, maxWindow)
	}

	st := c.Store
	if st.Connection == "" {
		return badf("store.connection is empty")
	}
	if st.HealthCheckIntervalSeconds < 1 || st.HealthCheckIntervalSeconds > maxWindow {
		return badf("store.health_check_interval_seconds %d out of range [1, %d]", st.HealthCheckIntervalSeconds, maxWindow)
	}
	for _, p := range st.FailOpen {
		if !p.Valid() {
			return badf("store.fail_open: unknown provider %q", p)
		}
	}

	return nil
}

func fraction(name string, v float64) error {
	if v < 0 || v > 1 {
		return badf("%s %.3f out of range [0, 1]", name, v)
	}
	return nil
}
