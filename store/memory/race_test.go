package memory

// Concurrency hammer: run with -race. Exercises the window and charge
// units from many goroutines and checks the admission invariants held.

import (
	"context"
	"strconv"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/quotagate/store"
)

func TestConcurrentSlideWindowRespectsLimit(t *testing.T) {
	t.Parallel()
	s := New(Options{Shards: 8})
	ctx := context.Background()

	const limit = 50
	const callers = 200

	var g errgroup.Group
	admitted := make(chan struct{}, callers)
	for i := 0; i < callers; i++ {
		i := i
		g.Go(func() error {
			res, err := s.SlideWindow(ctx, store.Window{
				Key:    "rate:video:hammer",
				Width:  time.Minute,
				Limit:  limit,
				Member: "m" + strconv.Itoa(i),
				Now:    time.Now(),
				KeyTTL: 2 * time.Minute,
			})
			if err != nil {
				return err
			}
			if res.Allowed {
				admitted <- struct{}{}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("SlideWindow: %v", err)
	}
	close(admitted)

	var n int
	for range admitted {
		n++
	}
	if n != limit {
		t.Fatalf("admitted %d, want exactly %d", n, limit)
	}
}

func TestConcurrentChargeNeverOvershoots(t *testing.T) {
	t.Parallel()
	s := New(Options{Shards: 8})
	ctx := context.Background()

	const quotaCap = 50
	const callers = 200

	var g errgroup.Group
	charged := make(chan struct{}, callers)
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			res, err := s.ChargeCounter(ctx, store.Charge{
				Key:      "quota:video:hammer:20250601",
				Cost:     1,
				Cap:      quotaCap,
				ExpireAt: time.Now().Add(time.Hour),
			})
			if err != nil {
				return err
			}
			if res.Used > quotaCap {
				t.Errorf("used %d exceeds cap %d", res.Used, quotaCap)
			}
			if res.Charged {
				charged <- struct{}{}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("ChargeCounter: %v", err)
	}
	close(charged)

	var n int
	for range charged {
		n++
	}
	if n != quotaCap {
		t.Fatalf("charged %d, want exactly %d", n, quotaCap)
	}
}

func TestConcurrentLeaseSingleWinner(t *testing.T) {
	t.Parallel()
	s := New(Options{Shards: 8})
	ctx := context.Background()

	const callers = 64
	var g errgroup.Group
	winners := make(chan string, callers)
	for i := 0; i < callers; i++ {
		holder := "h" + strconv.Itoa(i)
		g.Go(func() error {
			ok, err := s.AcquireLease(ctx, "lock:sf:fp", holder, time.Minute)
			if err != nil {
				return err
			}
			if ok {
				winners <- holder
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	close(winners)

	var n int
	for range winners {
		n++
	}
	if n != 1 {
		t.Fatalf("%d acquisitions succeeded, want exactly 1", n)
	}
}
