// Package store defines the shared key-value store contract that every
// stateful component coordinates through. The store owns all mutable state:
// counters, sorted sets, cache entries, leases and pub/sub channels.
// Implementations live in store/redis (production) and store/memory
// (tests and single-process runs).
//
// Multi-key atomicity is never assumed. The composed units SlideWindow,
// ChargeCounter and SetFenced are the only operations that bundle several
// steps into one atomic script, and each is scoped to one logical record
// (SetFenced additionally reads the record's lease).
package store

import (
	"context"
	"time"
)

// Member is one element of a sorted set.
type Member struct {
	Value string
	Score float64
}

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Window describes one atomic sliding-window admission step: trim entries
// at or below Now−Width, count the rest, and append Member when the count
// is still under Limit.
type Window struct {
	Key    string
	Width  time.Duration
	Limit  int64
	Member string

	// Now is the caller's clock reading. The memory store trusts it;
	// the Redis store substitutes server time so all processes agree.
	Now time.Time

	// KeyTTL is refreshed on every write so idle counters expire.
	KeyTTL time.Duration
}

// WindowResult reports the outcome of a SlideWindow call.
type WindowResult struct {
	// Allowed is true when the member was appended under the limit.
	Allowed bool

	// Count is the number of entries in the window after the call,
	// including the new member when Allowed.
	Count int64

	// Oldest is the score of the oldest surviving entry, zero when the
	// window is empty. Callers derive retry hints from it.
	Oldest float64
}

// Charge describes one atomic quota-counter step: read the counter, and
// increment by Cost only if the result stays at or under Cap.
type Charge struct {
	Key  string
	Cost int64
	Cap  int64

	// ExpireAt is applied when the increment creates the key, so a day
	// bucket expires without ever being rewritten.
	ExpireAt time.Time
}

// ChargeResult reports the outcome of a ChargeCounter call.
type ChargeResult struct {
	// Charged is true when the increment was applied.
	Charged bool

	// Used is the counter value after the call. When the charge was
	// declined it is the unchanged current usage.
	Used int64
}

// Store is the coordination surface shared by all components.
//
// Every method honors ctx cancellation. Errors wrap the package sentinels;
// Get returns ErrNotFound on a missing key rather than a nil value.
type Store interface {
	// ---- scalars ----

	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error

	// CompareAndDelete removes key only while it still holds expect.
	// It reports whether the delete happened.
	CompareAndDelete(ctx context.Context, key string, expect []byte) (bool, error)

	// IncrBy adds delta to an integer key, creating it at zero, and
	// returns the new value.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	// ExpireAt sets an absolute expiry on an existing key. Expiring a
	// missing key is not an error.
	ExpireAt(ctx context.Context, key string, at time.Time) error

	// ---- sorted sets ----

	SortedAdd(ctx context.Context, key, member string, score float64) error
	SortedCount(ctx context.Context, key string, min, max float64) (int64, error)

	// SortedTrimBelow removes members with score at or below max and
	// returns how many were removed.
	SortedTrimBelow(ctx context.Context, key string, max float64) (int64, error)

	// SortedRange returns members by ascending rank; start and stop are
	// inclusive ranks, negative values count from the end.
	SortedRange(ctx context.Context, key string, start, stop int64) ([]Member, error)
	SortedRemove(ctx context.Context, key string, members ...string) error

	// ---- leases ----

	// AcquireLease claims key for holder with the given TTL. It reports
	// false without error when someone else holds it.
	AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)

	// ReleaseLease drops key only while holder still owns it.
	ReleaseLease(ctx context.Context, key, holder string) (bool, error)

	// ---- composed atomic units ----

	// SlideWindow performs trim + count + conditional append + TTL
	// refresh as one atomic step.
	SlideWindow(ctx context.Context, w Window) (WindowResult, error)

	// ChargeCounter performs read + conditional increment + expiry on
	// first write as one atomic step.
	ChargeCounter(ctx context.Context, c Charge) (ChargeResult, error)

	// SetFenced writes key only while leaseKey is still held by holder,
	// so a completion that outlived its lease cannot clobber a fresher
	// entry. It reports whether the write happened.
	SetFenced(ctx context.Context, key string, value []byte, ttl time.Duration, leaseKey, holder string) (bool, error)

	// ---- discovery and events ----

	// ScanKeys returns the keys matching prefix. Order is unspecified.
	ScanKeys(ctx context.Context, prefix string) ([]string, error)

	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe delivers messages on channel until the returned stop
	// function is called or ctx ends. The channel is closed afterwards.
	Subscribe(ctx context.Context, channel string) (<-chan Message, func(), error)

	// ---- lifecycle ----

	Ping(ctx context.Context) error
	Close() error
}
