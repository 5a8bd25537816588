// Package config loads and validates the layered configuration document
// that drives tier caps, operation costs, cache TTLs, rate limits, queueing,
// single-flight, prefetch, alerting and store connectivity.
//
// Documents are YAML. Unknown keys are rejected. An optional
// environments.{name} overlay patches the base document before decoding:
// maps merge deeply, scalars and lists replace.
package config

import (
	"errors"
	"time"

	"github.com/IvanBrykalov/quotagate/provider"
)

// ErrInvalid is wrapped by every load or validation failure so callers can
// map configuration problems to a distinct exit path.
var ErrInvalid = errors.New("config: invalid")

// ---- document ----

// Config is the decoded configuration document.
type Config struct {
	// Tiers maps tier → provider → daily cost cap.
	Tiers map[provider.Tier]map[provider.Provider]int64 `yaml:"tiers"`

	// OperationCosts maps provider → operation → cost units charged
	// against the daily cap. Costs are positive integers.
	OperationCosts map[provider.Provider]map[string]int64 `yaml:"operation_costs"`

	// CacheTTL maps provider → operation → TTL pair.
	CacheTTL map[provider.Provider]map[string]TTL `yaml:"cache_ttl"`

	// RateLimits maps provider → sliding-window limit.
	RateLimits map[provider.Provider]RateLimit `yaml:"rate_limits"`

	Queue        Queue        `yaml:"queue"`
	SingleFlight SingleFlight `yaml:"singleflight"`
	Prefetch     Prefetch     `yaml:"prefetch"`
	Alerts       Alerts       `yaml:"alerts"`
	Store        Store        `yaml:"store"`
}

// TTL configures the cache lifetime for one operation, in seconds.
// The negative variant caps stampedes on known-bad inputs.
type TTL struct {
	PositiveSeconds int `yaml:"positive_seconds"`
	NegativeSeconds int `yaml:"negative_seconds"`

	// TierVariant marks operations whose responses differ by user tier;
	// the request fingerprint folds the tier in for those.
	TierVariant bool `yaml:"tier_variant"`
}

// Positive returns the positive-entry TTL.
func (t TTL) Positive() time.Duration { return time.Duration(t.PositiveSeconds) * time.Second }

// Negative returns the negative-entry TTL.
func (t TTL) Negative() time.Duration { return time.Duration(t.NegativeSeconds) * time.Second }

// RateLimit configures one provider's sliding window.
type RateLimit struct {
	Requests      int `yaml:"requests"`
	WindowSeconds int `yaml:"window_seconds"`

	// CountCacheHits charges cache hits against the window. Off by
	// default: a hit costs the upstream nothing.
	CountCacheHits bool `yaml:"count_cache_hits"`

	// CooldownSeconds is how long a provider-wide cool-down lasts after
	// the upstream throttles us. While it lasts the effective limit and
	// quota headroom are halved.
	CooldownSeconds int `yaml:"cooldown_seconds"`
}

// Window returns the rolling window length.
func (r RateLimit) Window() time.Duration { return time.Duration(r.WindowSeconds) * time.Second }

// Cooldown returns the cool-down length.
func (r RateLimit) Cooldown() time.Duration { return time.Duration(r.CooldownSeconds) * time.Second }

// Queue configures the per-user request queue.
type Queue struct {
	MaxDepthPerUser        int `yaml:"max_depth_per_user"`
	DefaultDeadlineSeconds int `yaml:"default_deadline_seconds"`
}

// DepthFor returns the depth cap for a tier. Higher tiers queue deeper:
// the base depth scales with the tier's priority step.
func (q Queue) DepthFor(t provider.Tier) int {
	return q.MaxDepthPerUser * (t.Priority() + 1)
}

// DefaultDeadline returns the deadline applied to queued requests that
// carry none of their own.
func (q Queue) DefaultDeadline() time.Duration {
	return time.Duration(q.DefaultDeadlineSeconds) * time.Second
}

// Contention policies for single-flight followers that outwait a lease.
const (
	ContentionProceed = "proceed"
	ContentionError   = "error"
)

// SingleFlight configures the distributed build lease.
type SingleFlight struct {
	LeaseTTLSeconds  int `yaml:"lease_ttl_seconds"`
	PollSlackSeconds int `yaml:"poll_slack_seconds"`

	// OnContention picks the follower policy when the lease outlives its
	// TTL without a cache fill: "proceed" builds anyway, "error" surfaces
	// a contention failure.
	OnContention string `yaml:"on_contention"`
}

// LeaseTTL returns the lease lifetime.
func (s SingleFlight) LeaseTTL() time.Duration {
	return time.Duration(s.LeaseTTLSeconds) * time.Second
}

// PollSlack returns the extra time followers poll past the lease TTL.
func (s SingleFlight) PollSlack() time.Duration {
	return time.Duration(s.PollSlackSeconds) * time.Second
}

// Prefetch configures the background cache warmer.
type Prefetch struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds"`
	LeaseTTLSeconds int  `yaml:"lease_ttl_seconds"`
}

// Interval returns the sweep cadence.
func (p Prefetch) Interval() time.Duration { return time.Duration(p.IntervalSeconds) * time.Second }

// LeaseTTL returns the prefetch lease lifetime.
func (p Prefetch) LeaseTTL() time.Duration { return time.Duration(p.LeaseTTLSeconds) * time.Second }

// Alerts configures the threshold evaluator.
type Alerts struct {
	Thresholds       Thresholds `yaml:"thresholds"`
	QueueDepthHigh   int        `yaml:"queue_depth_high"`
	CacheHitRateLow  float64    `yaml:"cache_hit_rate_low"`
	APIErrorRateHigh float64    `yaml:"api_error_rate_high"`
	IntervalSeconds  int        `yaml:"interval_seconds"`
}

// Thresholds are quota-utilization fractions in [0,1].
type Thresholds struct {
	Warning  float64 `yaml:"warning"`
	Critical float64 `yaml:"critical"`
}

// Interval returns the evaluator cadence.
func (a Alerts) Interval() time.Duration { return time.Duration(a.IntervalSeconds) * time.Second }

// Store configures connectivity to the shared key-value store.
type Store struct {
	// Connection is a URL; redis://host:port/db selects the Redis store,
	// the literal "memory" selects the in-process store.
	Connection                 string `yaml:"connection"`
	HealthCheckIntervalSeconds int    `yaml:"health_check_interval_seconds"`

	// FailOpen lists providers that bypass cache and rate checks when the
	// store is down instead of rejecting. Everything else fails closed.
	FailOpen []provider.Provider `yaml:"fail_open"`
}

// HealthCheckInterval returns the store probe cadence.
func (s Store) HealthCheckInterval() time.Duration {
	return time.Duration(s.HealthCheckIntervalSeconds) * time.Second
}

// FailOpenFor reports whether p bypasses admission checks on store outage.
func (s Store) FailOpenFor(p provider.Provider) bool {
	for _, q := range s.FailOpen {
		if q == p {
			return true
		}
	}
	return false
}

// ---- defaults and accessors ----

// Default returns the built-in configuration. Load decodes documents over
// it, so absent keys keep these values.
func Default() Config {
	return Config{
		Queue: Queue{
			MaxDepthPerUser:        10,
			DefaultDeadlineSeconds: 300,
		},
		SingleFlight: SingleFlight{
			LeaseTTLSeconds:  30,
			PollSlackSeconds: 5,
			OnContention:     ContentionProceed,
		},
		Prefetch: Prefetch{
			Enabled:         false,
			IntervalSeconds: 900,
			LeaseTTLSeconds: 120,
		},
		Alerts: Alerts{
			Thresholds:       Thresholds{Warning: 0.8, Critical: 0.95},
			QueueDepthHigh:   100,
			CacheHitRateLow:  0.2,
			APIErrorRateHigh: 0.3,
			IntervalSeconds:  60,
		},
		Store: Store{
			Connection:                 "memory",
			HealthCheckIntervalSeconds: 15,
		},
	}
}

// defaultRateLimit applies to providers with no rate_limits entry.
var defaultRateLimit = RateLimit{
	Requests:        100,
	WindowSeconds:   60,
	CooldownSeconds: 300,
}

// TierCap returns the daily cost cap for (tier, provider). A missing
// mapping means zero budget.
func (c *Config) TierCap(t provider.Tier, p provider.Provider) int64 {
	return c.Tiers[t][p]
}

// Cost returns the cost of an operation, or ok=false when the operation is
// not configured for the provider.
func (c *Config) Cost(p provider.Provider, op string) (int64, bool) {
	cost, ok := c.OperationCosts[p][op]
	return cost, ok
}

// TTLFor returns the cache TTL pair for an operation, or ok=false when the
// operation has no cache_ttl entry (such responses are not cached).
func (c *Config) TTLFor(p provider.Provider, op string) (TTL, bool) {
	ttl, ok := c.CacheTTL[p][op]
	return ttl, ok
}

// Rate returns the rate limit for a provider, falling back to the built-in
// default when the provider has no entry.
func (c *Config) Rate(p provider.Provider) RateLimit {
	if rl, ok := c.RateLimits[p]; ok {
		if rl.CooldownSeconds == 0 {
			rl.CooldownSeconds = defaultRateLimit.CooldownSeconds
		}
		return rl
	}
	return defaultRateLimit
}
