package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IvanBrykalov/quotagate/internal/clock"
	"github.com/IvanBrykalov/quotagate/store"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func newTestStore() (*Store, *clock.Fake) {
	clk := clock.NewFake(t0)
	return New(Options{Shards: 4, Clock: clk}), clk
}

func TestScalarTTL(t *testing.T) {
	t.Parallel()
	s, clk := newTestStore()
	ctx := context.Background()

	if err := s.SetWithTTL(ctx, "k", []byte("v"), 10*time.Second); err != nil {
		t.Fatalf("SetWithTTL: %v", err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("Get = %q, %v", got, err)
	}

	clk.Advance(11 * time.Second)
	if _, err := s.Get(ctx, "k"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get after expiry: %v, want ErrNotFound", err)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore()
	ctx := context.Background()

	if err := s.SetWithTTL(ctx, "k", []byte("abc"), 0); err != nil {
		t.Fatalf("SetWithTTL: %v", err)
	}
	got, _ := s.Get(ctx, "k")
	got[0] = 'X'
	again, _ := s.Get(ctx, "k")
	if string(again) != "abc" {
		t.Fatalf("stored value mutated through returned slice: %q", again)
	}
}

func TestSlideWindow(t *testing.T) {
	t.Parallel()
	s, clk := newTestStore()
	ctx := context.Background()

	w := store.Window{
		Key:    "rate:video:u1",
		Width:  60 * time.Second,
		Limit:  3,
		KeyTTL: 120 * time.Second,
	}

	for i := 0; i < 3; i++ {
		w.Member = string(rune('a' + i))
		w.Now = clk.Now()
		res, err := s.SlideWindow(ctx, w)
		if err != nil || !res.Allowed {
			t.Fatalf("admit %d: %+v, %v", i, res, err)
		}
		if res.Count != int64(i+1) {
			t.Fatalf("admit %d: count = %d, want %d", i, res.Count, i+1)
		}
		clk.Advance(time.Second)
	}

	// Fourth request inside the window is denied and reports the oldest
	// surviving timestamp for retry hints.
	w.Member, w.Now = "d", clk.Now()
	res, err := s.SlideWindow(ctx, w)
	if err != nil || res.Allowed {
		t.Fatalf("over-limit admit: %+v, %v", res, err)
	}
	if res.Count != 3 {
		t.Fatalf("over-limit count = %d, want 3", res.Count)
	}
	if res.Oldest != float64(t0.UnixMicro()) {
		t.Fatalf("oldest = %v, want %v", res.Oldest, float64(t0.UnixMicro()))
	}

	// Sliding past the first entry frees one slot.
	clk.Advance(58 * time.Second)
	w.Member, w.Now = "e", clk.Now()
	res, err = s.SlideWindow(ctx, w)
	if err != nil || !res.Allowed {
		t.Fatalf("admit after slide: %+v, %v", res, err)
	}
}

func TestSlideWindowBoundaryExcluded(t *testing.T) {
	t.Parallel()
	s, clk := newTestStore()
	ctx := context.Background()

	w := store.Window{Key: "rate:video:u1", Width: 60 * time.Second, Limit: 1, KeyTTL: 120 * time.Second}
	w.Member, w.Now = "a", clk.Now()
	if res, _ := s.SlideWindow(ctx, w); !res.Allowed {
		t.Fatal("first admit denied")
	}

	// An entry exactly window-width old no longer counts.
	clk.Advance(60 * time.Second)
	w.Member, w.Now = "b", clk.Now()
	res, err := s.SlideWindow(ctx, w)
	if err != nil || !res.Allowed || res.Count != 1 {
		t.Fatalf("boundary admit: %+v, %v", res, err)
	}
}

func TestChargeCounter(t *testing.T) {
	t.Parallel()
	s, clk := newTestStore()
	ctx := context.Background()

	reset := t0.Add(24 * time.Hour)
	c := store.Charge{Key: "quota:video:u1:20250601", Cap: 100, ExpireAt: reset}

	c.Cost = 60
	res, err := s.ChargeCounter(ctx, c)
	if err != nil || !res.Charged || res.Used != 60 {
		t.Fatalf("charge 60: %+v, %v", res, err)
	}

	// A charge that would overshoot leaves the counter untouched.
	c.Cost = 50
	res, err = s.ChargeCounter(ctx, c)
	if err != nil || res.Charged || res.Used != 60 {
		t.Fatalf("overshoot: %+v, %v", res, err)
	}

	// An exact fill is allowed.
	c.Cost = 40
	res, err = s.ChargeCounter(ctx, c)
	if err != nil || !res.Charged || res.Used != 100 {
		t.Fatalf("fill: %+v, %v", res, err)
	}

	// The bucket resets by expiry, never by rewrite.
	clk.Advance(25 * time.Hour)
	c.Cost = 10
	res, err = s.ChargeCounter(ctx, c)
	if err != nil || !res.Charged || res.Used != 10 {
		t.Fatalf("post-expiry charge: %+v, %v", res, err)
	}
}

func TestChargeCounterKeepsFirstExpiry(t *testing.T) {
	t.Parallel()
	s, clk := newTestStore()
	ctx := context.Background()

	c := store.Charge{Key: "quota:video:u1:20250601", Cost: 1, Cap: 100, ExpireAt: t0.Add(time.Hour)}
	if _, err := s.ChargeCounter(ctx, c); err != nil {
		t.Fatalf("first charge: %v", err)
	}

	// A later charge must not extend the bucket's life.
	clk.Advance(30 * time.Minute)
	c.ExpireAt = clk.Now().Add(24 * time.Hour)
	if _, err := s.ChargeCounter(ctx, c); err != nil {
		t.Fatalf("second charge: %v", err)
	}

	clk.Advance(31 * time.Minute)
	if _, err := s.Get(ctx, c.Key); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("bucket survived its original expiry: %v", err)
	}
}

func TestLeases(t *testing.T) {
	t.Parallel()
	s, clk := newTestStore()
	ctx := context.Background()

	ok, err := s.AcquireLease(ctx, "lock:sf:fp1", "holder-a", 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire: %v, %v", ok, err)
	}
	if ok, _ = s.AcquireLease(ctx, "lock:sf:fp1", "holder-b", 30*time.Second); ok {
		t.Fatal("second acquire succeeded while lease held")
	}
	if ok, _ = s.ReleaseLease(ctx, "lock:sf:fp1", "holder-b"); ok {
		t.Fatal("release by non-holder succeeded")
	}
	if ok, _ = s.ReleaseLease(ctx, "lock:sf:fp1", "holder-a"); !ok {
		t.Fatal("release by holder failed")
	}

	// Expiry frees the lease without a release.
	s.AcquireLease(ctx, "lock:sf:fp1", "holder-a", 30*time.Second)
	clk.Advance(31 * time.Second)
	if ok, _ = s.AcquireLease(ctx, "lock:sf:fp1", "holder-b", 30*time.Second); !ok {
		t.Fatal("acquire after expiry failed")
	}
}

func TestSetFenced(t *testing.T) {
	t.Parallel()
	s, clk := newTestStore()
	ctx := context.Background()

	lease, holder := "lock:sf:fp1", "holder-a"
	s.AcquireLease(ctx, lease, holder, 30*time.Second)

	ok, err := s.SetFenced(ctx, "cache:video:fp1", []byte("v1"), time.Hour, lease, holder)
	if err != nil || !ok {
		t.Fatalf("fenced write under lease: %v, %v", ok, err)
	}

	// A completion that outlived its lease must not write.
	clk.Advance(31 * time.Second)
	ok, err = s.SetFenced(ctx, "cache:video:fp1", []byte("stale"), time.Hour, lease, holder)
	if err != nil || ok {
		t.Fatalf("fenced write after expiry: %v, %v", ok, err)
	}

	// Nor may it write once another holder owns the lease.
	s.AcquireLease(ctx, lease, "holder-b", 30*time.Second)
	ok, _ = s.SetFenced(ctx, "cache:video:fp1", []byte("stale"), time.Hour, lease, holder)
	if ok {
		t.Fatal("fenced write with superseded holder succeeded")
	}

	got, _ := s.Get(ctx, "cache:video:fp1")
	if string(got) != "v1" {
		t.Fatalf("entry = %q, want v1", got)
	}
}

func TestSortedRange(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore()
	ctx := context.Background()

	for m, score := range map[string]float64{"c": 3, "a": 1, "b": 2} {
		if err := s.SortedAdd(ctx, "q", m, score); err != nil {
			t.Fatalf("SortedAdd(%s): %v", m, err)
		}
	}

	got, err := s.SortedRange(ctx, "q", 0, -1)
	if err != nil {
		t.Fatalf("SortedRange: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, m := range got {
		if m.Value != want[i] {
			t.Fatalf("rank %d = %q, want %q", i, m.Value, want[i])
		}
	}

	head, _ := s.SortedRange(ctx, "q", 0, 0)
	if len(head) != 1 || head[0].Value != "a" {
		t.Fatalf("head = %+v", head)
	}

	if n, _ := s.SortedCount(ctx, "q", 2, 3); n != 2 {
		t.Fatalf("SortedCount(2,3) = %d, want 2", n)
	}

	if n, _ := s.SortedTrimBelow(ctx, "q", 1); n != 1 {
		t.Fatalf("SortedTrimBelow = %d, want 1", n)
	}
	if err := s.SortedRemove(ctx, "q", "b", "c"); err != nil {
		t.Fatalf("SortedRemove: %v", err)
	}
	// Emptying a set removes the key.
	if keys, _ := s.ScanKeys(ctx, "q"); len(keys) != 0 {
		t.Fatalf("keys after drain = %v", keys)
	}
}

func TestScanKeysSkipsExpired(t *testing.T) {
	t.Parallel()
	s, clk := newTestStore()
	ctx := context.Background()

	s.SetWithTTL(ctx, "seen:u1", []byte("1"), 10*time.Second)
	s.SetWithTTL(ctx, "seen:u2", []byte("1"), time.Hour)
	s.SetWithTTL(ctx, "queue:u1", []byte("1"), time.Hour)

	clk.Advance(time.Minute)
	keys, err := s.ScanKeys(ctx, "seen:")
	if err != nil {
		t.Fatalf("ScanKeys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "seen:u2" {
		t.Fatalf("keys = %v, want [seen:u2]", keys)
	}
}

func TestPubSub(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, stop, err := s.Subscribe(ctx, "alerts")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := s.Publish(ctx, "alerts", []byte("raised")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case msg := <-ch:
		if msg.Channel != "alerts" || string(msg.Payload) != "raised" {
			t.Fatalf("msg = %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}

	stop()
	if _, open := <-ch; open {
		t.Fatal("channel still open after stop")
	}
	// Publishing with no subscribers is a no-op.
	if err := s.Publish(ctx, "alerts", []byte("x")); err != nil {
		t.Fatalf("Publish after stop: %v", err)
	}
}

func TestFailWith(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore()
	ctx := context.Background()

	boom := errors.New("boom")
	s.FailWith(boom)
	if _, err := s.Get(ctx, "k"); !errors.Is(err, boom) {
		t.Fatalf("Get under forced failure: %v", err)
	}
	if err := s.Ping(ctx); !errors.Is(err, boom) {
		t.Fatalf("Ping under forced failure: %v", err)
	}

	s.FailWith(nil)
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping after clear: %v", err)
	}
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore()
	ctx := context.Background()

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Ping(ctx); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("Ping after close: %v", err)
	}
	// Close is idempotent.
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestContextDeadline(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore()

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	if _, err := s.Get(ctx, "k"); !errors.Is(err, store.ErrTimeout) {
		t.Fatalf("Get past deadline: %v, want ErrTimeout", err)
	}
}
