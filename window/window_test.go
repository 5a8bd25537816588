package window

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IvanBrykalov/quotagate/config"
	"github.com/IvanBrykalov/quotagate/internal/clock"
	"github.com/IvanBrykalov/quotagate/provider"
	"github.com/IvanBrykalov/quotagate/store"
	"github.com/IvanBrykalov/quotagate/store/memory"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func newCounter(limit, windowSecs int) (*Counter, *memory.Store, *clock.Fake) {
	clk := clock.NewFake(t0)
	st := memory.New(memory.Options{Clock: clk})
	cfg := config.Default()
	cfg.RateLimits = map[provider.Provider]config.RateLimit{
		provider.Video: {Requests: limit, WindowSeconds: windowSecs, CooldownSeconds: 300},
	}
	return New(st, &cfg, Options{Clock: clk}), st, clk
}

func TestAdmitUpToLimit(t *testing.T) {
	t.Parallel()
	c, _, clk := newCounter(3, 60)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := c.Admit(ctx, provider.Video, "u1")
		if err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		if !res.Allowed || res.Count != int64(i+1) || res.Limit != 3 {
			t.Fatalf("admit %d: %+v", i, res)
		}
		clk.Advance(time.Second)
	}

	res, err := c.Admit(ctx, provider.Video, "u1")
	if err != nil {
		t.Fatalf("denied admit: %v", err)
	}
	if res.Allowed {
		t.Fatal("fourth admit allowed")
	}
	// The oldest entry is 3s old in a 60s window, so the hint is 57s.
	if res.RetryAfter != 57*time.Second {
		t.Fatalf("RetryAfter = %v, want 57s", res.RetryAfter)
	}
	if got := res.ResetAt; !got.Equal(t0.Add(60 * time.Second)) {
		t.Fatalf("ResetAt = %v, want %v", got, t0.Add(60*time.Second))
	}

	// Users do not share windows.
	res, err = c.Admit(ctx, provider.Video, "u2")
	if err != nil || !res.Allowed {
		t.Fatalf("other user: %+v, %v", res, err)
	}
}

func TestAdmitAfterWindowSlides(t *testing.T) {
	t.Parallel()
	c, _, clk := newCounter(1, 60)
	ctx := context.Background()

	if res, _ := c.Admit(ctx, provider.Video, "u1"); !res.Allowed {
		t.Fatal("first admit denied")
	}
	clk.Advance(59 * time.Second)
	if res, _ := c.Admit(ctx, provider.Video, "u1"); res.Allowed {
		t.Fatal("admit inside window allowed")
	}
	clk.Advance(time.Second)
	if res, _ := c.Admit(ctx, provider.Video, "u1"); !res.Allowed {
		t.Fatal("admit after slide denied")
	}
}

func TestPeekDoesNotRecord(t *testing.T) {
	t.Parallel()
	c, _, _ := newCounter(2, 60)
	ctx := context.Background()

	c.Admit(ctx, provider.Video, "u1")

	for i := 0; i < 5; i++ {
		res, err := c.Peek(ctx, provider.Video, "u1")
		if err != nil {
			t.Fatalf("peek: %v", err)
		}
		if res.Count != 1 || !res.Allowed {
			t.Fatalf("peek %d: %+v", i, res)
		}
	}

	res, _ := c.Admit(ctx, provider.Video, "u1")
	if !res.Allowed || res.Count != 2 {
		t.Fatalf("admit after peeks: %+v", res)
	}
}

func TestCooldownHalvesLimit(t *testing.T) {
	t.Parallel()
	c, _, _ := newCounter(4, 60)
	ctx := context.Background()

	if err := c.StartCooldown(ctx, provider.Video); err != nil {
		t.Fatalf("StartCooldown: %v", err)
	}

	var allowed int
	for i := 0; i < 4; i++ {
		res, err := c.Admit(ctx, provider.Video, "u1")
		if err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		if res.Limit != 2 {
			t.Fatalf("limit during cooldown = %d, want 2", res.Limit)
		}
		if res.Allowed {
			allowed++
		}
	}
	if allowed != 2 {
		t.Fatalf("allowed %d during cooldown, want 2", allowed)
	}
}

func TestCooldownExpires(t *testing.T) {
	t.Parallel()
	c, _, clk := newCounter(4, 60)
	ctx := context.Background()

	c.StartCooldown(ctx, provider.Video)
	clk.Advance(301 * time.Second)

	res, err := c.Admit(ctx, provider.Video, "u1")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if res.Limit != 4 {
		t.Fatalf("limit after cooldown = %d, want 4", res.Limit)
	}
}

func TestAdmitStoreFailure(t *testing.T) {
	t.Parallel()
	c, st, _ := newCounter(4, 60)
	ctx := context.Background()

	st.FailWith(store.ErrUnavailable)
	if _, err := c.Admit(ctx, provider.Video, "u1"); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("admit during outage: %v", err)
	}
}
