// Package queue defers rate-denied requests in per-user bounded priority
// queues kept in the shared store, and drains them with a round-robin
// scheduler once the window frees up. Ordering within one user is strict:
// priority first, then arrival. Across users no order is promised.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/IvanBrykalov/quotagate/admission"
	"github.com/IvanBrykalov/quotagate/config"
	"github.com/IvanBrykalov/quotagate/internal/clock"
	"github.com/IvanBrykalov/quotagate/metrics"
	"github.com/IvanBrykalov/quotagate/provider"
	"github.com/IvanBrykalov/quotagate/store"
	"github.com/IvanBrykalov/quotagate/window"
)

// priorityStride separates priority bands in the sorted-set score. Scores
// are (maxPriority−priority)·stride + enqueue seconds, so a higher
// priority always ranks ahead and arrival order breaks ties. Unix seconds
// stay far below the stride for the foreseeable future.
const priorityStride = 1e10

// maxPriority bounds the priority bands encoded in a score.
const maxPriority = 9

// item is the persisted form of one queued request.
type item struct {
	ID         string            `json:"id"`
	Provider   provider.Provider `json:"provider"`
	Operation  string            `json:"operation"`
	User       string            `json:"user"`
	Tier       provider.Tier     `json:"tier"`
	Params     map[string]string `json:"params,omitempty"`
	Priority   int               `json:"priority"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	Deadline   time.Time         `json:"deadline"`
}

// Options configures a Queue.
type Options struct {
	// Clock stamps enqueue times and checks deadlines. nil means system.
	Clock clock.Clock

	// Metrics receives queue depth readings. nil means Noop.
	Metrics metrics.Collector

	// Rate supplies window headroom for wait estimates. Required.
	Rate *window.Counter
}

// Queue is the store-backed request queue. It implements
// admission.Enqueuer.
type Queue struct {
	st   store.Store
	cfg  *config.Config
	clk  clock.Clock
	met  metrics.Collector
	rate *window.Counter
}

var _ admission.Enqueuer = (*Queue)(nil)

// New constructs a Queue.
func New(st store.Store, cfg *config.Config, opt Options) *Queue {
	met := opt.Metrics
	if met == nil {
		met = metrics.Noop{}
	}
	return &Queue{st: st, cfg: cfg, clk: clock.Or(opt.Clock), met: met, rate: opt.Rate}
}

// Enqueue appends req to its user's queue. It fails with ErrQueueFull at
// the tier's depth cap. The wait estimate derives from current rate
// headroom, not queue length alone: position 3 behind a window that frees
// a slot every W/limit seconds waits about three slots.
func (q *Queue) Enqueue(ctx context.Context, req admission.Request, deadline time.Time) (admission.QueueAck, error) {
	key := store.QueueKey(req.User)

	depth, err := q.st.SortedCount(ctx, key, math.Inf(-1), math.Inf(1))
	if err != nil {
		return admission.QueueAck{}, fmt.Errorf("queue: depth: %w", err)
	}
	if depth >= int64(q.cfg.Queue.DepthFor(req.Tier)) {
		return admission.QueueAck{}, fmt.Errorf("%w: user %s depth %d", admission.ErrQueueFull, req.User, depth)
	}

	now := q.clk.Now()
	if deadline.IsZero() {
		deadline = now.Add(q.cfg.Queue.DefaultDeadline())
	}
	it := item{
		ID:         uuid.NewString(),
		Provider:   req.Provider,
		Operation:  req.Operation,
		User:       req.User,
		Tier:       req.Tier,
		Params:     req.Params,
		Priority:   req.EffectivePriority(),
		EnqueuedAt: now,
		Deadline:   deadline,
	}
	raw, err := json.Marshal(it)
	if err != nil {
		return admission.QueueAck{}, fmt.Errorf("queue: encode: %w", err)
	}
	if err := q.st.SortedAdd(ctx, key, string(raw), score(it.Priority, now)); err != nil {
		return admission.QueueAck{}, fmt.Errorf("queue: enqueue: %w", err)
	}
	q.met.QueueDepth(req.User, int(depth)+1)

	pos, err := q.position(ctx, key, score(it.Priority, now))
	if err != nil {
		pos = int(depth) + 1
	}
	return admission.QueueAck{Position: pos, ETA: q.estimate(ctx, req.Provider, req.User, pos)}, nil
}

// Depth reports the current queue length for a user.
func (q *Queue) Depth(ctx context.Context, user string) (int, error) {
	n, err := q.st.SortedCount(ctx, store.QueueKey(user), math.Inf(-1), math.Inf(1))
	if err != nil {
		return 0, fmt.Errorf("queue: depth: %w", err)
	}
	return int(n), nil
}

// head returns the first queued item for a user, ok=false on empty.
func (q *Queue) head(ctx context.Context, user string) (item, string, bool, error) {
	members, err := q.st.SortedRange(ctx, store.QueueKey(user), 0, 0)
	if err != nil {
		return item{}, "", false, fmt.Errorf("queue: head: %w", err)
	}
	if len(members) == 0 {
		return item{}, "", false, nil
	}
	var it item
	if err := json.Unmarshal([]byte(members[0].Value), &it); err != nil {
		// An undecodable member can only wedge the queue; drop it.
		_ = q.st.SortedRemove(ctx, store.QueueKey(user), members[0].Value)
		return item{}, "", false, nil
	}
	return it, members[0].Value, true, nil
}

// remove deletes one member and refreshes the depth gauge.
func (q *Queue) remove(ctx context.Context, user, member string) error {
	if err := q.st.SortedRemove(ctx, store.QueueKey(user), member); err != nil {
		return fmt.Errorf("queue: remove: %w", err)
	}
	if n, err := q.Depth(ctx, user); err == nil {
		q.met.QueueDepth(user, n)
	}
	return nil
}

// position is the 1-based rank of the entry with the given score.
func (q *Queue) position(ctx context.Context, key string, s float64) (int, error) {
	ahead, err := q.st.SortedCount(ctx, key, math.Inf(-1), s-0.001)
	if err != nil {
		return 0, err
	}
	return int(ahead) + 1, nil
}

// estimate derives the wait from rate headroom: time until the window
// frees its next slot, plus one window share per queue position ahead.
func (q *Queue) estimate(ctx context.Context, p provider.Provider, user string, pos int) time.Duration {
	rl := q.cfg.Rate(p)
	perSlot := rl.Window() / time.Duration(maxInt(rl.Requests, 1))
	eta := time.Duration(pos) * perSlot

	if q.rate != nil {
		if res, err := q.rate.Peek(ctx, p, user); err == nil && !res.Allowed {
			if wait := res.ResetAt.Sub(q.clk.Now()); wait > 0 {
				eta += wait
			}
		}
	}
	return eta
}

func score(priority int, at time.Time) float64 {
	if priority > maxPriority {
		priority = maxPriority
	}
	if priority < 0 {
		priority = 0
	}
	return float64(maxPriority-priority)*priorityStride + float64(at.Unix()) + float64(at.Nanosecond())/1e9
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
