package respcache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IvanBrykalov/quotagate/config"
	"github.com/IvanBrykalov/quotagate/internal/clock"
	"github.com/IvanBrykalov/quotagate/provider"
	"github.com/IvanBrykalov/quotagate/store"
	"github.com/IvanBrykalov/quotagate/store/memory"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func newCache() (*Cache, *memory.Store, *clock.Fake) {
	clk := clock.NewFake(t0)
	st := memory.New(memory.Options{Clock: clk})
	cfg := config.Default()
	cfg.CacheTTL = map[provider.Provider]map[string]config.TTL{
		provider.Video: {"search": {PositiveSeconds: 300, NegativeSeconds: 30}},
	}
	return New(st, &cfg, Options{Clock: clk}), st, clk
}

func TestLookupMiss(t *testing.T) {
	t.Parallel()
	c, _, _ := newCache()

	_, ok, err := c.Lookup(context.Background(), provider.Video, "fp")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if ok {
		t.Fatal("hit on an empty cache")
	}
}

func TestStoreAndLookup(t *testing.T) {
	t.Parallel()
	c, _, clk := newCache()
	ctx := context.Background()

	payload := json.RawMessage(`{"results":[1,2,3]}`)
	if err := c.Store(ctx, provider.Video, "fp", payload, 5*time.Minute, SourceUpstream, false); err != nil {
		t.Fatalf("store: %v", err)
	}

	clk.Advance(10 * time.Second)
	hit, ok, err := c.Lookup(ctx, provider.Video, "fp")
	if err != nil || !ok {
		t.Fatalf("lookup: ok=%v, %v", ok, err)
	}
	if string(hit.Payload) != string(payload) {
		t.Fatalf("payload = %s", hit.Payload)
	}
	if hit.Negative || hit.Source != SourceUpstream || hit.Age != 10*time.Second {
		t.Fatalf("hit = %+v", hit)
	}
}

func TestLookupExpired(t *testing.T) {
	t.Parallel()
	c, _, clk := newCache()
	ctx := context.Background()

	c.Store(ctx, provider.Video, "fp", json.RawMessage(`{}`), time.Minute, SourceUpstream, false)

	clk.Advance(59 * time.Second)
	if _, ok, _ := c.Lookup(ctx, provider.Video, "fp"); !ok {
		t.Fatal("miss inside the TTL")
	}
	clk.Advance(2 * time.Second)
	if _, ok, _ := c.Lookup(ctx, provider.Video, "fp"); ok {
		t.Fatal("hit past the TTL")
	}
}

func TestLookupSchemaMismatch(t *testing.T) {
	t.Parallel()
	c, st, _ := newCache()
	ctx := context.Background()

	// An entry written by an older build is a miss, not an error.
	raw, _ := json.Marshal(entry{
		Payload:  json.RawMessage(`{}`),
		StoredAt: t0,
		TTL:      300,
		Source:   SourceUpstream,
		Schema:   "v0",
	})
	st.SetWithTTL(ctx, store.CacheKey(provider.Video, "fp"), raw, 5*time.Minute)

	if _, ok, err := c.Lookup(ctx, provider.Video, "fp"); ok || err != nil {
		t.Fatalf("stale schema: ok=%v, %v", ok, err)
	}
}

func TestNegativeEntry(t *testing.T) {
	t.Parallel()
	c, _, _ := newCache()
	ctx := context.Background()

	c.Store(ctx, provider.Video, "fp", json.RawMessage(`{"error":"throttled"}`), 30*time.Second, SourceThrottled, true)

	hit, ok, err := c.Lookup(ctx, provider.Video, "fp")
	if err != nil || !ok {
		t.Fatalf("lookup: ok=%v, %v", ok, err)
	}
	if !hit.Negative || hit.Source != SourceThrottled {
		t.Fatalf("hit = %+v", hit)
	}
}

func TestStoreZeroTTL(t *testing.T) {
	t.Parallel()
	c, _, _ := newCache()
	ctx := context.Background()

	// Zero TTL means the operation is not cacheable; nothing is written.
	if err := c.Store(ctx, provider.Video, "fp", json.RawMessage(`{}`), 0, SourceUpstream, false); err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, ok, _ := c.Lookup(ctx, provider.Video, "fp"); ok {
		t.Fatal("zero-TTL entry was written")
	}
}

func TestStoreFenced(t *testing.T) {
	t.Parallel()
	c, _, _ := newCache()
	ctx := context.Background()

	holder, ok, err := c.AcquireBuild(ctx, "fp")
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v, %v", ok, err)
	}

	// A stranger without the lease is declined.
	wrote, err := c.StoreFenced(ctx, provider.Video, "fp", json.RawMessage(`{"stale":true}`), time.Minute, SourceUpstream, false, "someone-else")
	if err != nil || wrote {
		t.Fatalf("foreign write: wrote=%v, %v", wrote, err)
	}

	// The holder writes through.
	wrote, err = c.StoreFenced(ctx, provider.Video, "fp", json.RawMessage(`{"fresh":true}`), time.Minute, SourceUpstream, false, holder)
	if err != nil || !wrote {
		t.Fatalf("holder write: wrote=%v, %v", wrote, err)
	}

	// After release the fence is gone for everyone.
	c.ReleaseBuild(ctx, "fp", holder)
	wrote, err = c.StoreFenced(ctx, provider.Video, "fp", json.RawMessage(`{"late":true}`), time.Minute, SourceUpstream, false, holder)
	if err != nil || wrote {
		t.Fatalf("post-release write: wrote=%v, %v", wrote, err)
	}

	hit, ok, _ := c.Lookup(ctx, provider.Video, "fp")
	if !ok || string(hit.Payload) != `{"fresh":true}` {
		t.Fatalf("surviving entry = %+v ok=%v", hit, ok)
	}
}

func TestAcquireBuildExclusive(t *testing.T) {
	t.Parallel()
	c, _, _ := newCache()
	ctx := context.Background()

	holder, ok, _ := c.AcquireBuild(ctx, "fp")
	if !ok {
		t.Fatal("first acquire failed")
	}
	if _, ok, _ := c.AcquireBuild(ctx, "fp"); ok {
		t.Fatal("second acquire succeeded while held")
	}

	c.ReleaseBuild(ctx, "fp", holder)
	if _, ok, _ := c.AcquireBuild(ctx, "fp"); !ok {
		t.Fatal("acquire after release failed")
	}
}

func TestInvalidate(t *testing.T) {
	t.Parallel()
	c, _, _ := newCache()
	ctx := context.Background()

	c.Store(ctx, provider.Video, "fp1", json.RawMessage(`{}`), time.Minute, SourceUpstream, false)
	c.Store(ctx, provider.Video, "fp2", json.RawMessage(`{}`), time.Minute, SourceUpstream, false)
	c.Store(ctx, provider.Music, "fp3", json.RawMessage(`{}`), time.Minute, SourceUpstream, false)

	n, err := c.Invalidate(ctx, store.CacheKey(provider.Video, ""))
	if err != nil || n != 2 {
		t.Fatalf("invalidate: n=%d, %v", n, err)
	}
	if _, ok, _ := c.Lookup(ctx, provider.Video, "fp1"); ok {
		t.Fatal("invalidated entry still served")
	}
	if _, ok, _ := c.Lookup(ctx, provider.Music, "fp3"); !ok {
		t.Fatal("unrelated provider entry removed")
	}
}

func TestSingleFlightBuildsOnce(t *testing.T) {
	t.Parallel()
	c, _, _ := newCache()
	ctx := context.Background()

	var builds atomic.Int32
	build := func(context.Context) (json.RawMessage, error) {
		builds.Add(1)
		time.Sleep(50 * time.Millisecond)
		return json.RawMessage(`{"built":true}`), nil
	}

	const callers = 10
	var wg sync.WaitGroup
	results := make([]json.RawMessage, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.SingleFlight(ctx, provider.Video, "fp", 5*time.Minute, build)
		}(i)
	}
	wg.Wait()

	if got := builds.Load(); got != 1 {
		t.Fatalf("builds = %d, want 1", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if string(results[i]) != `{"built":true}` {
			t.Fatalf("caller %d payload = %s", i, results[i])
		}
	}

	// The built entry is now cached for everyone.
	if _, ok, _ := c.Lookup(ctx, provider.Video, "fp"); !ok {
		t.Fatal("built entry not cached")
	}
}

func TestSingleFlightNegativeHit(t *testing.T) {
	t.Parallel()
	c, _, _ := newCache()
	ctx := context.Background()

	c.Store(ctx, provider.Video, "fp", json.RawMessage(`{"error":"bad"}`), 30*time.Second, SourceError, true)

	called := false
	_, err := c.SingleFlight(ctx, provider.Video, "fp", 5*time.Minute, func(context.Context) (json.RawMessage, error) {
		called = true
		return nil, nil
	})
	if err == nil {
		t.Fatal("negative entry served as success")
	}
	if called {
		t.Fatal("build ran despite the negative entry")
	}
}

func TestSingleFlightBuildError(t *testing.T) {
	t.Parallel()
	c, _, _ := newCache()
	ctx := context.Background()

	boom := errors.New("boom")
	_, err := c.SingleFlight(ctx, provider.Video, "fp", 5*time.Minute, func(context.Context) (json.RawMessage, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("build error: %v", err)
	}

	// A failed build leaves no entry and no lease behind.
	if _, ok, _ := c.Lookup(ctx, provider.Video, "fp"); ok {
		t.Fatal("entry cached after failed build")
	}
	if _, ok, _ := c.AcquireBuild(ctx, "fp"); !ok {
		t.Fatal("lease leaked after failed build")
	}
}

func TestSingleFlightContentionError(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(t0)
	st := memory.New(memory.Options{Clock: clk})
	cfg := config.Default()
	cfg.SingleFlight = config.SingleFlight{
		LeaseTTLSeconds:  1,
		PollSlackSeconds: 0,
		OnContention:     config.ContentionError,
	}
	c := New(st, &cfg, Options{Clock: clk})
	ctx := context.Background()

	// Someone else holds the build lease and never fills the cache.
	if ok, _ := st.AcquireLease(ctx, store.SingleFlightKey("fp"), "other", time.Hour); !ok {
		t.Fatal("setup lease failed")
	}

	_, err := c.SingleFlight(ctx, provider.Video, "fp", 5*time.Minute, func(context.Context) (json.RawMessage, error) {
		t.Error("follower built under the error policy")
		return nil, nil
	})
	if !errors.Is(err, ErrContention) {
		t.Fatalf("contention error: %v", err)
	}
}

func TestSingleFlightContentionProceed(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(t0)
	st := memory.New(memory.Options{Clock: clk})
	cfg := config.Default()
	cfg.SingleFlight = config.SingleFlight{
		LeaseTTLSeconds:  1,
		PollSlackSeconds: 0,
		OnContention:     config.ContentionProceed,
	}
	c := New(st, &cfg, Options{Clock: clk})
	ctx := context.Background()

	if ok, _ := st.AcquireLease(ctx, store.SingleFlightKey("fp"), "other", time.Hour); !ok {
		t.Fatal("setup lease failed")
	}

	payload, err := c.SingleFlight(ctx, provider.Video, "fp", 5*time.Minute, func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{"forced":true}`), nil
	})
	if err != nil {
		t.Fatalf("proceed build: %v", err)
	}
	if string(payload) != `{"forced":true}` {
		t.Fatalf("payload = %s", payload)
	}

	// The write was fenced against the foreign lease, so nothing landed.
	if _, ok, _ := c.Lookup(ctx, provider.Video, "fp"); ok {
		t.Fatal("unfenced write slipped past a live foreign lease")
	}
}

func TestAwaitFillSeesEntry(t *testing.T) {
	t.Parallel()
	c, _, _ := newCache()
	ctx := context.Background()

	c.Store(ctx, provider.Video, "fp", json.RawMessage(`{}`), time.Minute, SourceUpstream, false)

	hit, ok, err := c.AwaitFill(ctx, provider.Video, "fp")
	if err != nil || !ok {
		t.Fatalf("await: ok=%v, %v", ok, err)
	}
	if hit.Negative {
		t.Fatalf("hit = %+v", hit)
	}
}

func TestNearExpiryPublish(t *testing.T) {
	t.Parallel()
	c, st, clk := newCache()
	ctx := context.Background()

	msgs, stop, err := st.Subscribe(ctx, store.ChannelCacheExpiring)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()

	c.Store(ctx, provider.Video, "fp", json.RawMessage(`{}`), 100*time.Second, SourceUpstream, false)

	// 15s of life left out of 100 is under the warm-ahead fraction.
	clk.Advance(85 * time.Second)
	if _, ok, _ := c.Lookup(ctx, provider.Video, "fp"); !ok {
		t.Fatal("entry expired early")
	}

	select {
	case m := <-msgs:
		var ev Expiring
		if err := json.Unmarshal(m.Payload, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.Provider != provider.Video || ev.Fingerprint != "fp" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no near-expiry event published")
	}
}

func TestLookupStoreFailure(t *testing.T) {
	t.Parallel()
	c, st, _ := newCache()

	st.FailWith(store.ErrUnavailable)
	if _, _, err := c.Lookup(context.Background(), provider.Video, "fp"); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("lookup during outage: %v", err)
	}
}
