package prefetch

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IvanBrykalov/quotagate/admission"
	"github.com/IvanBrykalov/quotagate/config"
	"github.com/IvanBrykalov/quotagate/internal/clock"
	"github.com/IvanBrykalov/quotagate/provider"
	"github.com/IvanBrykalov/quotagate/quota"
	"github.com/IvanBrykalov/quotagate/respcache"
	"github.com/IvanBrykalov/quotagate/store"
	"github.com/IvanBrykalov/quotagate/store/memory"
	"github.com/IvanBrykalov/quotagate/upstream"
	"github.com/IvanBrykalov/quotagate/window"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

type env struct {
	o     *Orchestrator
	coord *admission.Coordinator
	cache *respcache.Cache
	rate  *window.Counter
	st    *memory.Store
	clk   *clock.Fake
	calls atomic.Int32
}

// target is the single recommendation every test planner proposes.
func target(user string) Target {
	return Target{
		Provider:  provider.Video,
		Operation: "recommendations",
		User:      user,
		Tier:      provider.Free,
		Params:    map[string]string{"user": user},
	}
}

func newEnv(mutate func(*config.Config)) *env {
	clk := clock.NewFake(t0)
	st := memory.New(memory.Options{Clock: clk})
	cfg := config.Default()
	cfg.Prefetch = config.Prefetch{Enabled: true, IntervalSeconds: 900, LeaseTTLSeconds: 120}
	cfg.Tiers = map[provider.Tier]map[provider.Provider]int64{
		provider.Free: {provider.Video: 1000},
	}
	cfg.OperationCosts = map[provider.Provider]map[string]int64{
		provider.Video: {"recommendations": 1},
	}
	cfg.CacheTTL = map[provider.Provider]map[string]config.TTL{
		provider.Video: {"recommendations": {PositiveSeconds: 300, NegativeSeconds: 30, TierVariant: true}},
	}
	cfg.RateLimits = map[provider.Provider]config.RateLimit{
		provider.Video: {Requests: 10, WindowSeconds: 60, CooldownSeconds: 300},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	e := &env{st: st, clk: clk}
	cache := respcache.New(st, &cfg, respcache.Options{Clock: clk})
	rate := window.New(st, &cfg, window.Options{Clock: clk})
	ledger := quota.New(st, &cfg, quota.Options{Clock: clk})
	coord := admission.New(st, &cfg, cache, rate, ledger, admission.Options{Clock: clk})

	reg := upstream.NewRegistry()
	reg.Register(provider.Video, upstream.AdapterFunc(func(_ context.Context, _ string, params map[string]string) (upstream.Result, error) {
		e.calls.Add(1)
		payload, _ := json.Marshal(map[string]string{"for": params["user"]})
		return upstream.Result{Payload: payload, Status: 200}, nil
	}))

	planner := func(_ context.Context, user string) []Target { return []Target{target(user)} }
	e.o = New(st, &cfg, coord, reg, planner, Options{Clock: clk})
	e.coord = coord
	e.cache = cache
	e.rate = rate
	return e
}

func TestWarmFillsCache(t *testing.T) {
	t.Parallel()
	e := newEnv(nil)
	ctx := context.Background()

	e.o.Warm(ctx, target("u1"))
	if got := e.calls.Load(); got != 1 {
		t.Fatalf("dispatches = %d, want 1", got)
	}

	// The user's real request is now a cache hit.
	dec, err := e.coord.Admit(ctx, admission.Request{
		Provider:  provider.Video,
		Operation: "recommendations",
		User:      "u1",
		Tier:      provider.Free,
		Params:    map[string]string{"user": "u1"},
	})
	if err != nil || dec.Kind != admission.ServeCached {
		t.Fatalf("admit after warm: %v %v", dec.Kind, err)
	}
	if string(dec.Cached.Payload) != `{"for":"u1"}` {
		t.Fatalf("payload = %s", dec.Cached.Payload)
	}
}

func TestWarmSkipsHeldLease(t *testing.T) {
	t.Parallel()
	e := newEnv(nil)
	ctx := context.Background()

	// Another process already warms this fingerprint.
	fp := e.coord.Fingerprint(admission.Request{
		Provider:  provider.Video,
		Operation: "recommendations",
		User:      "u1",
		Tier:      provider.Free,
		Params:    map[string]string{"user": "u1"},
	})
	if ok, _ := e.st.AcquireLease(ctx, store.PrefetchKey(fp), "other", time.Hour); !ok {
		t.Fatal("setup lease failed")
	}

	e.o.Warm(ctx, target("u1"))
	if e.calls.Load() != 0 {
		t.Fatal("warm dispatched despite a foreign lease")
	}
}

func TestWarmSkipsFreshEntry(t *testing.T) {
	t.Parallel()
	e := newEnv(nil)
	ctx := context.Background()

	e.o.Warm(ctx, target("u1"))
	e.o.Warm(ctx, target("u1"))

	// The second warm found the entry fresh and stopped.
	if got := e.calls.Load(); got != 1 {
		t.Fatalf("dispatches = %d, want 1", got)
	}
}

func TestWarmDeniedIsDropped(t *testing.T) {
	t.Parallel()
	e := newEnv(func(cfg *config.Config) {
		cfg.RateLimits[provider.Video] = config.RateLimit{Requests: 1, WindowSeconds: 60, CooldownSeconds: 300}
	})
	ctx := context.Background()

	// A user request holds the only window slot; warming must yield, not
	// queue behind it.
	e.rate.Admit(ctx, provider.Video, "u1")

	e.o.Warm(ctx, target("u1"))
	if e.calls.Load() != 0 {
		t.Fatal("warm dispatched past the window")
	}
	if keys, _ := e.st.ScanKeys(ctx, store.QueuePrefix); len(keys) != 0 {
		t.Fatalf("warm queued itself: %v", keys)
	}
}

func TestSweepOnceWarmsSeenUsers(t *testing.T) {
	t.Parallel()
	e := newEnv(nil)
	ctx := context.Background()

	e.st.SetWithTTL(ctx, store.SeenKey("u1"), []byte("1"), time.Hour)
	e.st.SetWithTTL(ctx, store.SeenKey("u2"), []byte("1"), time.Hour)

	e.o.SweepOnce(ctx)
	if got := e.calls.Load(); got != 2 {
		t.Fatalf("dispatches = %d, want 2", got)
	}
}

func TestSignInTriggersWarm(t *testing.T) {
	t.Parallel()
	e := newEnv(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.o.Run(ctx) }()

	// Give the subscriber a moment to attach before publishing.
	time.Sleep(50 * time.Millisecond)
	payload, _ := json.Marshal(SignIn{User: "u1", Tier: provider.Free})
	if err := e.st.Publish(ctx, store.ChannelSignIn, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for e.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("sign-in did not trigger a warm")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-done
}

func TestRunDisabled(t *testing.T) {
	t.Parallel()
	e := newEnv(func(cfg *config.Config) { cfg.Prefetch.Enabled = false })
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- e.o.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("disabled run did not stop on cancel")
	}
}
