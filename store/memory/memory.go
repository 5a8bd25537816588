// Package memory implements the store contract on sharded in-process maps.
// It backs tests and single-process runs; production deployments use
// store/redis. Keys hash onto power-of-two shards, each guarded by its own
// mutex, and expiry is enforced lazily on access.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/quotagate/internal/clock"
	"github.com/IvanBrykalov/quotagate/internal/util"
	"github.com/IvanBrykalov/quotagate/store"
)

// Options configures a Store. The zero value is ready for production-like
// use; tests inject a fake clock.
type Options struct {
	// Shards is rounded up to the next power of two. <= 0 selects a
	// count derived from GOMAXPROCS.
	Shards int

	// Clock drives TTL decisions. nil means the system clock.
	Clock clock.Clock
}

// Store is the in-process implementation of store.Store.
type Store struct {
	shards []*shard
	clk    clock.Clock
	broker *broker
	closed atomic.Bool
	forced atomic.Pointer[error]
}

var _ store.Store = (*Store)(nil)

// New constructs a Store with the provided Options.
func New(opt Options) *Store {
	n := opt.Shards
	if n <= 0 {
		n = util.ReasonableShardCount()
	} else {
		n = int(util.NextPow2(uint64(n)))
	}
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{m: make(map[string]*entry)}
	}
	return &Store{
		shards: shards,
		clk:    clock.Or(opt.Clock),
		broker: newBroker(),
	}
}

// FailWith forces every subsequent call to fail with err until cleared
// with FailWith(nil). Tests use it to simulate a store outage.
func (s *Store) FailWith(err error) {
	if err == nil {
		s.forced.Store(nil)
		return
	}
	s.forced.Store(&err)
}

// ---- guards ----

func (s *Store) guard(ctx context.Context) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: store closed", store.ErrUnavailable)
	}
	if p := s.forced.Load(); p != nil {
		return *p
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", store.ErrTimeout, err)
		}
		return err
	}
	return nil
}

// shardFor picks the shard owning key.
func (s *Store) shardFor(key string) *shard {
	return s.shards[util.ShardIndex(util.Fnv64a(key), len(s.shards))]
}

// lockPair locks the shards owning a and b in index order so concurrent
// fenced writes cannot deadlock. The returned function unlocks both.
func (s *Store) lockPair(a, b string) func() {
	ia := util.ShardIndex(util.Fnv64a(a), len(s.shards))
	ib := util.ShardIndex(util.Fnv64a(b), len(s.shards))
	if ia == ib {
		sh := s.shards[ia]
		sh.mu.Lock()
		return sh.mu.Unlock
	}
	lo, hi := ia, ib
	if lo > hi {
		lo, hi = hi, lo
	}
	s.shards[lo].mu.Lock()
	s.shards[hi].mu.Lock()
	return func() {
		s.shards[hi].mu.Unlock()
		s.shards[lo].mu.Unlock()
	}
}

// ---- scalars ----

// Get returns a copy of the value so callers cannot mutate shared bytes.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.lookupLocked(key, s.clk.Now())
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, key)
	}
	if e.zset != nil {
		return nil, wrongKind(key)
	}
	out := make([]byte, len(e.val))
	copy(out, e.val)
	return out, nil
}

func (s *Store) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.setLocked(key, value, expiry(s.clk.Now(), ttl))
	return nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	for _, key := range keys {
		sh := s.shardFor(key)
		sh.mu.Lock()
		delete(sh.m, key)
		sh.mu.Unlock()
	}
	return nil
}

func (s *Store) CompareAndDelete(ctx context.Context, key string, expect []byte) (bool, error) {
	if err := s.guard(ctx); err != nil {
		return false, err
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.lookupLocked(key, s.clk.Now())
	if !ok || e.zset != nil || string(e.val) != string(expect) {
		return false, nil
	}
	delete(sh.m, key)
	return true, nil
}

func (s *Store) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	if err := s.guard(ctx); err != nil {
		return 0, err
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	return sh.incrLocked(key, delta, s.clk.Now())
}

func (s *Store) ExpireAt(ctx context.Context, key string, at time.Time) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.lookupLocked(key, s.clk.Now()); ok {
		e.expireAt = at
	}
	return nil
}

// ---- sorted sets ----

func (s *Store) SortedAdd(ctx context.Context, key, member string, score float64) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.lookupLocked(key, s.clk.Now())
	if !ok {
		e = &entry{zset: make(map[string]float64)}
		sh.m[key] = e
	}
	if e.zset == nil {
		return wrongKind(key)
	}
	e.zset[member] = score
	return nil
}

func (s *Store) SortedCount(ctx context.Context, key string, min, max float64) (int64, error) {
	if err := s.guard(ctx); err != nil {
		return 0, err
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.lookupLocked(key, s.clk.Now())
	if !ok {
		return 0, nil
	}
	if e.zset == nil {
		return 0, wrongKind(key)
	}
	var n int64
	for _, score := range e.zset {
		if score >= min && score <= max {
			n++
		}
	}
	return n, nil
}

func (s *Store) SortedTrimBelow(ctx context.Context, key string, max float64) (int64, error) {
	if err := s.guard(ctx); err != nil {
		return 0, err
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.lookupLocked(key, s.clk.Now())
	if !ok {
		return 0, nil
	}
	if e.zset == nil {
		return 0, wrongKind(key)
	}
	n := trimBelowLocked(e, max)
	if len(e.zset) == 0 {
		delete(sh.m, key)
	}
	return n, nil
}

func (s *Store) SortedRange(ctx context.Context, key string, start, stop int64) ([]store.Member, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.lookupLocked(key, s.clk.Now())
	if !ok {
		return nil, nil
	}
	if e.zset == nil {
		return nil, wrongKind(key)
	}

	members := make([]store.Member, 0, len(e.zset))
	for v, score := range e.zset {
		members = append(members, store.Member{Value: v, Score: score})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score < members[j].Score
		}
		return members[i].Value < members[j].Value
	})

	lo, hi, ok := rankBounds(start, stop, int64(len(members)))
	if !ok {
		return nil, nil
	}
	return members[lo : hi+1], nil
}

func (s *Store) SortedRemove(ctx context.Context, key string, members ...string) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.lookupLocked(key, s.clk.Now())
	if !ok {
		return nil
	}
	if e.zset == nil {
		return wrongKind(key)
	}
	for _, m := range members {
		delete(e.zset, m)
	}
	if len(e.zset) == 0 {
		delete(sh.m, key)
	}
	return nil
}

// ---- leases ----

func (s *Store) AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	if err := s.guard(ctx); err != nil {
		return false, err
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.clk.Now()
	if _, held := sh.lookupLocked(key, now); held {
		return false, nil
	}
	sh.setLocked(key, []byte(holder), expiry(now, ttl))
	return true, nil
}

func (s *Store) ReleaseLease(ctx context.Context, key, holder string) (bool, error) {
	return s.CompareAndDelete(ctx, key, []byte(holder))
}

// ---- composed atomic units ----

func (s *Store) SlideWindow(ctx context.Context, w store.Window) (store.WindowResult, error) {
	if err := s.guard(ctx); err != nil {
		return store.WindowResult{}, err
	}
	sh := s.shardFor(w.Key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := w.Now
	if now.IsZero() {
		now = s.clk.Now()
	}

	e, ok := sh.lookupLocked(w.Key, now)
	if !ok {
		e = &entry{zset: make(map[string]float64)}
		sh.m[w.Key] = e
	}
	if e.zset == nil {
		return store.WindowResult{}, wrongKind(w.Key)
	}

	// Scores are unix microseconds: they order correctly and still fit a
	// float64 exactly, unlike nanoseconds.
	cutoff := float64(now.Add(-w.Width).UnixMicro())
	trimBelowLocked(e, cutoff)

	count := int64(len(e.zset))
	res := store.WindowResult{Count: count}
	if count < w.Limit {
		e.zset[w.Member] = float64(now.UnixMicro())
		e.expireAt = now.Add(w.KeyTTL)
		res.Allowed = true
		res.Count = count + 1
	}
	for _, score := range e.zset {
		if res.Oldest == 0 || score < res.Oldest {
			res.Oldest = score
		}
	}
	if len(e.zset) == 0 {
		delete(sh.m, w.Key)
	}
	return res, nil
}

func (s *Store) ChargeCounter(ctx context.Context, c store.Charge) (store.ChargeResult, error) {
	if err := s.guard(ctx); err != nil {
		return store.ChargeResult{}, err
	}
	sh := s.shardFor(c.Key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.clk.Now()
	var used int64
	e, ok := sh.lookupLocked(c.Key, now)
	if ok {
		if e.zset != nil {
			return store.ChargeResult{}, wrongKind(c.Key)
		}
		v, err := parseInt(e.val)
		if err != nil {
			return store.ChargeResult{}, wrongKind(c.Key)
		}
		used = v
	}

	if used+c.Cost > c.Cap {
		return store.ChargeResult{Charged: false, Used: used}, nil
	}

	used += c.Cost
	if ok {
		e.val = formatInt(used)
	} else {
		sh.m[c.Key] = &entry{val: formatInt(used), expireAt: c.ExpireAt}
	}
	return store.ChargeResult{Charged: true, Used: used}, nil
}

func (s *Store) SetFenced(ctx context.Context, key string, value []byte, ttl time.Duration, leaseKey, holder string) (bool, error) {
	if err := s.guard(ctx); err != nil {
		return false, err
	}
	unlock := s.lockPair(key, leaseKey)
	defer unlock()

	now := s.clk.Now()
	lsh := s.shardFor(leaseKey)
	lease, held := lsh.lookupLocked(leaseKey, now)
	if !held || lease.zset != nil || string(lease.val) != holder {
		return false, nil
	}
	s.shardFor(key).setLocked(key, value, expiry(now, ttl))
	return true, nil
}

// ---- discovery and events ----

func (s *Store) ScanKeys(ctx context.Context, prefix string) ([]string, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	now := s.clk.Now()
	var keys []string
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k := range sh.m {
			if !strings.HasPrefix(k, prefix) {
				continue
			}
			if _, live := sh.lookupLocked(k, now); live {
				keys = append(keys, k)
			}
		}
		sh.mu.Unlock()
	}
	return keys, nil
}

func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	s.broker.publish(channel, payload)
	return nil
}

func (s *Store) Subscribe(ctx context.Context, channel string) (<-chan store.Message, func(), error) {
	if err := s.guard(ctx); err != nil {
		return nil, nil, err
	}
	return s.broker.subscribe(ctx, channel)
}

// ---- lifecycle ----

func (s *Store) Ping(ctx context.Context) error {
	return s.guard(ctx)
}

// Close marks the store unavailable and tears down subscriptions.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.broker.closeAll()
	return nil
}

// ---- helpers ----

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func wrongKind(key string) error {
	return fmt.Errorf("%w: key %q holds the wrong kind", store.ErrConflict, key)
}

func trimBelowLocked(e *entry, max float64) int64 {
	var n int64
	for m, score := range e.zset {
		if score <= max {
			delete(e.zset, m)
			n++
		}
	}
	return n
}

// rankBounds normalizes inclusive ranks the way Redis ZRANGE does:
// negative indices count from the end, out-of-range clamps.
func rankBounds(start, stop, n int64) (int64, int64, bool) {
	if n == 0 {
		return 0, 0, false
	}
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}
