package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/IvanBrykalov/quotagate/admission"
	"github.com/IvanBrykalov/quotagate/config"
	"github.com/IvanBrykalov/quotagate/internal/clock"
	"github.com/IvanBrykalov/quotagate/metrics"
	"github.com/IvanBrykalov/quotagate/store"
	"github.com/IvanBrykalov/quotagate/upstream"
)

// drainPause separates scheduler passes when every queue is empty or
// denied, keeping the store scan cadence gentle.
const drainPause = time.Second

// DrainerOptions configures a Drainer.
type DrainerOptions struct {
	// Pace bounds drain attempts per second across all users. <= 0
	// selects 20/s.
	Pace float64

	// Clock checks deadlines. nil means system.
	Clock clock.Clock

	// Logger records drain activity. nil disables.
	Logger *zerolog.Logger

	// Metrics receives timeout outcomes. nil means Noop.
	Metrics metrics.Collector
}

// Drainer replays queued requests through the normal admission path. One
// scheduler per process is enough; the store serializes the admission
// arithmetic, so extra drainers only waste attempts.
type Drainer struct {
	q     *Queue
	coord *admission.Coordinator
	reg   *upstream.Registry
	cfg   *config.Config
	clk   clock.Clock
	log   zerolog.Logger
	met   metrics.Collector
	pace  *rate.Limiter
}

// NewDrainer constructs a Drainer.
func NewDrainer(q *Queue, coord *admission.Coordinator, reg *upstream.Registry, cfg *config.Config, opt DrainerOptions) *Drainer {
	pace := opt.Pace
	if pace <= 0 {
		pace = 20
	}
	log := zerolog.Nop()
	if opt.Logger != nil {
		log = *opt.Logger
	}
	met := opt.Metrics
	if met == nil {
		met = metrics.Noop{}
	}
	return &Drainer{
		q:     q,
		coord: coord,
		reg:   reg,
		cfg:   cfg,
		clk:   clock.Or(opt.Clock),
		log:   log,
		met:   met,
		pace:  rate.NewLimiter(rate.Limit(pace), 1),
	}
}

// Run drains queues until ctx ends. Each pass visits every user with
// queued items in round-robin order and attempts at most the head entry:
// on admission it dispatches and removes the entry, on denial it leaves
// the entry in place and moves to the next user.
func (d *Drainer) Run(ctx context.Context) error {
	for {
		progressed, err := d.Pass(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.log.Warn().Err(err).Msg("drain pass failed")
		}
		if !progressed {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(drainPause):
			}
		}
	}
}

// Pass runs one round-robin sweep and reports whether any entry moved.
// Tests drive it directly with a fake clock.
func (d *Drainer) Pass(ctx context.Context) (bool, error) {
	keys, err := d.q.st.ScanKeys(ctx, store.QueuePrefix)
	if err != nil {
		return false, err
	}

	progressed := false
	for _, key := range keys {
		user, ok := store.UserFromQueueKey(key)
		if !ok {
			continue
		}
		if err := d.pace.Wait(ctx); err != nil {
			return progressed, err
		}
		moved, err := d.drainHead(ctx, user)
		if err != nil {
			if ctx.Err() != nil {
				return progressed, err
			}
			d.log.Warn().Err(err).Str("user", user).Msg("drain failed")
			continue
		}
		progressed = progressed || moved
	}
	return progressed, nil
}

// drainHead attempts one user's head entry.
func (d *Drainer) drainHead(ctx context.Context, user string) (bool, error) {
	it, member, ok, err := d.q.head(ctx, user)
	if err != nil || !ok {
		return false, err
	}

	if d.clk.Now().After(it.Deadline) {
		d.met.RequestOutcome(it.Provider, metrics.OutcomeTimeout)
		d.log.Info().
			Str("user", user).
			Str("provider", it.Provider.String()).
			Str("operation", it.Operation).
			Msg("queued request expired")
		return true, d.q.remove(ctx, user, member)
	}

	// AllowQueue is off here: a denied head stays queued, it must not
	// re-enqueue behind itself.
	dec, err := d.coord.Admit(ctx, admission.Request{
		Provider:  it.Provider,
		Operation: it.Operation,
		User:      it.User,
		Tier:      it.Tier,
		Params:    it.Params,
		Priority:  it.Priority,
	})
	if err != nil {
		// A poisoned entry (operation removed from config) would wedge
		// the queue; drop it.
		d.log.Warn().Err(err).Str("user", user).Msg("dropping undrainable entry")
		return true, d.q.remove(ctx, user, member)
	}

	switch dec.Kind {
	case admission.ServeCached:
		// Someone else already built the answer; the entry is satisfied.
		return true, d.q.remove(ctx, user, member)

	case admission.CallUpstream:
		// The result lands in the cache; the client picks it up on its
		// next request. Queued work has no response channel to write to.
		if _, err := d.coord.Dispatch(ctx, d.reg, dec.Lease, it.Params); err != nil {
			d.log.Warn().
				Err(err).
				Str("user", user).
				Str("provider", it.Provider.String()).
				Msg("queued dispatch failed")
		}
		return true, d.q.remove(ctx, user, member)

	default:
		// Still denied; leave the head for a later pass.
		return false, nil
	}
}
