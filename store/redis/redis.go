// Package redis implements the store contract on a Redis server or
// cluster-compatible endpoint via go-redis. The composed admission units
// run as Lua scripts so every process observes the same atomic step, and
// the scripts read the Redis server TIME so multi-process deployments do
// not depend on synchronized host clocks.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/IvanBrykalov/quotagate/store"
)

// scanBatch is the COUNT hint passed to SCAN.
const scanBatch = 256

// subscriberBuffer bounds each subscription channel; slow consumers lose
// messages rather than stalling the reader goroutine.
const subscriberBuffer = 64

// Options configures a Store.
type Options struct {
	// URL is a redis:// connection string, parsed with redis.ParseURL.
	URL string

	// Client overrides URL when non-nil; the caller keeps ownership of
	// shared clients and Close becomes a no-op on them.
	Client *redis.Client
}

// Store is the Redis implementation of store.Store.
type Store struct {
	c    *redis.Client
	owns bool
}

var _ store.Store = (*Store)(nil)

// New constructs a Store. It validates the URL but does not dial; use
// Ping to verify connectivity.
func New(opt Options) (*Store, error) {
	if opt.Client != nil {
		return &Store{c: opt.Client}, nil
	}
	ropt, err := redis.ParseURL(opt.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	return &Store{c: redis.NewClient(ropt), owns: true}, nil
}

// ---- scripts ----

// slideWindowScript trims the window, counts it and conditionally appends
// the new member, all against server time.
//
//	KEYS[1] window key
//	ARGV[1] width in microseconds
//	ARGV[2] limit
//	ARGV[3] member
//	ARGV[4] key ttl in milliseconds
//
// Returns {allowed, count, oldest-as-string}.
var slideWindowScript = redis.NewScript(`
local t = redis.call('TIME')
local now = t[1] * 1000000 + t[2]
local cutoff = now - tonumber(ARGV[1])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', cutoff)
local count = redis.call('ZCARD', KEYS[1])
local allowed = 0
if count < tonumber(ARGV[2]) then
  redis.call('ZADD', KEYS[1], now, ARGV[3])
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
  allowed = 1
  count = count + 1
end
local oldest = '0'
local first = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if first[2] then oldest = first[2] end
return {allowed, count, oldest}
`)

// chargeCounterScript reads the day bucket and increments it only when the
// result stays within the cap. The expiry is applied on the write that
// creates the key, so buckets reset by TTL and never by rewrite.
//
//	KEYS[1] bucket key
//	ARGV[1] cost
//	ARGV[2] cap
//	ARGV[3] expiry as unix milliseconds
//
// Returns {charged, used}.
var chargeCounterScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local cost = tonumber(ARGV[1])
if current + cost > tonumber(ARGV[2]) then
  return {0, current}
end
local existed = redis.call('EXISTS', KEYS[1])
local used = redis.call('INCRBY', KEYS[1], cost)
if existed == 0 then
  redis.call('PEXPIREAT', KEYS[1], ARGV[3])
end
return {1, used}
`)

// setFencedScript writes the entry only while the lease is still held by
// the writer, declining late completions.
//
//	KEYS[1] entry key
//	KEYS[2] lease key
//	ARGV[1] value
//	ARGV[2] holder
//	ARGV[3] ttl in milliseconds
var setFencedScript = redis.NewScript(`
if redis.call('GET', KEYS[2]) == ARGV[2] then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
  return 1
end
return 0
`)

// compareAndDeleteScript deletes the key only while it holds the expected
// value. Shared by lease release and guarded invalidation.
var compareAndDeleteScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// ---- scalars ----

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.c.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", store.ErrNotFound, key)
		}
		return nil, mapErr(err)
	}
	return b, nil
}

func (s *Store) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return mapErr(s.c.Set(ctx, key, value, ttl).Err())
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return mapErr(s.c.Del(ctx, keys...).Err())
}

func (s *Store) CompareAndDelete(ctx context.Context, key string, expect []byte) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, s.c, []string{key}, expect).Int64()
	if err != nil {
		return false, mapErr(err)
	}
	return n == 1, nil
}

func (s *Store) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	v, err := s.c.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, mapErr(err)
	}
	return v, nil
}

func (s *Store) ExpireAt(ctx context.Context, key string, at time.Time) error {
	return mapErr(s.c.ExpireAt(ctx, key, at).Err())
}

// ---- sorted sets ----

func (s *Store) SortedAdd(ctx context.Context, key, member string, score float64) error {
	return mapErr(s.c.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (s *Store) SortedCount(ctx context.Context, key string, min, max float64) (int64, error) {
	n, err := s.c.ZCount(ctx, key, formatScore(min), formatScore(max)).Result()
	if err != nil {
		return 0, mapErr(err)
	}
	return n, nil
}

func (s *Store) SortedTrimBelow(ctx context.Context, key string, max float64) (int64, error) {
	n, err := s.c.ZRemRangeByScore(ctx, key, "-inf", formatScore(max)).Result()
	if err != nil {
		return 0, mapErr(err)
	}
	return n, nil
}

func (s *Store) SortedRange(ctx context.Context, key string, start, stop int64) ([]store.Member, error) {
	zs, err := s.c.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, mapErr(err)
	}
	members := make([]store.Member, 0, len(zs))
	for _, z := range zs {
		v, _ := z.Member.(string)
		members = append(members, store.Member{Value: v, Score: z.Score})
	}
	return members, nil
}

func (s *Store) SortedRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return mapErr(s.c.ZRem(ctx, key, args...).Err())
}

// ---- leases ----

func (s *Store) AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	ok, err := s.c.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		return false, mapErr(err)
	}
	return ok, nil
}

func (s *Store) ReleaseLease(ctx context.Context, key, holder string) (bool, error) {
	return s.CompareAndDelete(ctx, key, []byte(holder))
}

// ---- composed atomic units ----

// SlideWindow ignores w.Now: the script reads server TIME so concurrent
// processes share one clock.
func (s *Store) SlideWindow(ctx context.Context, w store.Window) (store.WindowResult, error) {
	res, err := slideWindowScript.Run(ctx, s.c, []string{w.Key},
		w.Width.Microseconds(),
		w.Limit,
		w.Member,
		w.KeyTTL.Milliseconds(),
	).Result()
	if err != nil {
		return store.WindowResult{}, mapErr(err)
	}
	row, ok := res.([]interface{})
	if !ok || len(row) != 3 {
		return store.WindowResult{}, fmt.Errorf("%w: slide window reply %v", store.ErrUnavailable, res)
	}
	oldest, err := strconv.ParseFloat(asString(row[2]), 64)
	if err != nil {
		return store.WindowResult{}, fmt.Errorf("%w: slide window oldest %v", store.ErrUnavailable, row[2])
	}
	return store.WindowResult{
		Allowed: asInt(row[0]) == 1,
		Count:   asInt(row[1]),
		Oldest:  oldest,
	}, nil
}

func (s *Store) ChargeCounter(ctx context.Context, c store.Charge) (store.ChargeResult, error) {
	res, err := chargeCounterScript.Run(ctx, s.c, []string{c.Key},
		c.Cost,
		c.Cap,
		c.ExpireAt.UnixMilli(),
	).Result()
	if err != nil {
		return store.ChargeResult{}, mapErr(err)
	}
	row, ok := res.([]interface{})
	if !ok || len(row) != 2 {
		return store.ChargeResult{}, fmt.Errorf("%w: charge reply %v", store.ErrUnavailable, res)
	}
	return store.ChargeResult{
		Charged: asInt(row[0]) == 1,
		Used:    asInt(row[1]),
	}, nil
}

func (s *Store) SetFenced(ctx context.Context, key string, value []byte, ttl time.Duration, leaseKey, holder string) (bool, error) {
	n, err := setFencedScript.Run(ctx, s.c, []string{key, leaseKey},
		value,
		holder,
		ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return false, mapErr(err)
	}
	return n == 1, nil
}

// ---- discovery and events ----

func (s *Store) ScanKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.c.Scan(ctx, 0, prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, mapErr(err)
	}
	return keys, nil
}

func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	return mapErr(s.c.Publish(ctx, channel, payload).Err())
}

func (s *Store) Subscribe(ctx context.Context, channel string) (<-chan store.Message, func(), error) {
	ps := s.c.Subscribe(ctx, channel)
	// Force the subscription handshake so failures surface here rather
	// than as a silent dead channel.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, mapErr(err)
	}

	src := ps.Channel()
	out := make(chan store.Message, subscriberBuffer)

	var once sync.Once
	stop := func() { once.Do(func() { _ = ps.Close() }) }

	go func() {
		defer close(out)
		done := ctx.Done()
		for {
			select {
			case m, ok := <-src:
				if !ok {
					return
				}
				msg := store.Message{Channel: m.Channel, Payload: []byte(m.Payload)}
				select {
				case out <- msg:
				default:
				}
			case <-done:
				stop()
				done = nil
			}
		}
	}()

	return out, stop, nil
}

// ---- lifecycle ----

func (s *Store) Ping(ctx context.Context) error {
	return mapErr(s.c.Ping(ctx).Err())
}

// Close releases the client when this Store created it.
func (s *Store) Close() error {
	if !s.owns {
		return nil
	}
	return s.c.Close()
}

// ---- helpers ----

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func asInt(v interface{}) int64 {
	n, _ := v.(int64)
	return n
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

// mapErr folds driver errors into the store taxonomy.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return store.ErrNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", store.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
}
