// Package prefetch warms recommendation caches before user demand. Warming
// rides the normal admission path at low priority with queueing disabled,
// so it can never displace user-facing capacity; a distributed prefetch
// lease keeps many processes from warming the same fingerprint twice.
package prefetch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/quotagate/admission"
	"github.com/IvanBrykalov/quotagate/config"
	"github.com/IvanBrykalov/quotagate/internal/clock"
	"github.com/IvanBrykalov/quotagate/provider"
	"github.com/IvanBrykalov/quotagate/respcache"
	"github.com/IvanBrykalov/quotagate/store"
	"github.com/IvanBrykalov/quotagate/upstream"
)

// Target is one fingerprint worth warming.
type Target struct {
	Provider  provider.Provider
	Operation string
	User      string
	Tier      provider.Tier
	Params    map[string]string
}

// Planner maps an active user to the targets worth warming for them. The
// server wires recommendation operations here; tests wire literals.
type Planner func(ctx context.Context, user string) []Target

// SignIn is the payload published on the sign-in channel.
type SignIn struct {
	User string        `json:"user"`
	Tier provider.Tier `json:"tier"`
}

// Options configures an Orchestrator.
type Options struct {
	// Clock drives the sweep cadence. nil means system.
	Clock clock.Clock

	// Logger records warming activity. nil disables.
	Logger *zerolog.Logger
}

// Orchestrator runs the warming loops.
type Orchestrator struct {
	st    store.Store
	cfg   *config.Config
	coord *admission.Coordinator
	reg   *upstream.Registry
	plan  Planner
	clk   clock.Clock
	log   zerolog.Logger
}

// New constructs an Orchestrator.
func New(st store.Store, cfg *config.Config, coord *admission.Coordinator, reg *upstream.Registry, plan Planner, opt Options) *Orchestrator {
	log := zerolog.Nop()
	if opt.Logger != nil {
		log = *opt.Logger
	}
	return &Orchestrator{st: st, cfg: cfg, coord: coord, reg: reg, plan: plan, clk: clock.Or(opt.Clock), log: log}
}

// Run warms caches until ctx ends. Three triggers feed it: sign-in
// events, near-expiry notifications from the response cache, and a
// periodic sweep over recently seen users.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.cfg.Prefetch.Enabled {
		<-ctx.Done()
		return ctx.Err()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.watchSignIns(ctx) })
	g.Go(func() error { return o.watchExpiring(ctx) })
	g.Go(func() error { return o.sweep(ctx) })
	return g.Wait()
}

func (o *Orchestrator) watchSignIns(ctx context.Context) error {
	msgs, stop, err := o.st.Subscribe(ctx, store.ChannelSignIn)
	if err != nil {
		return err
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-msgs:
			if !ok {
				return ctx.Err()
			}
			var ev SignIn
			if err := json.Unmarshal(m.Payload, &ev); err != nil || ev.User == "" {
				continue
			}
			o.WarmUser(ctx, ev.User)
		}
	}
}

// watchExpiring refreshes entries the cache reports as near expiry. Only
// targets the planner still names are warmed; an arbitrary expiring
// fingerprint cannot be reversed into a request.
func (o *Orchestrator) watchExpiring(ctx context.Context) error {
	msgs, stop, err := o.st.Subscribe(ctx, store.ChannelCacheExpiring)
	if err != nil {
		return err
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-msgs:
			if !ok {
				return ctx.Err()
			}
			var ev respcache.Expiring
			if err := json.Unmarshal(m.Payload, &ev); err != nil {
				continue
			}
			o.warmExpiring(ctx, ev)
		}
	}
}

func (o *Orchestrator) warmExpiring(ctx context.Context, ev respcache.Expiring) {
	users, err := o.st.ScanKeys(ctx, store.SeenPrefix)
	if err != nil {
		return
	}
	for _, key := range users {
		user, ok := store.UserFromSeenKey(key)
		if !ok {
			continue
		}
		for _, t := range o.plan(ctx, user) {
			if t.Provider != ev.Provider {
				continue
			}
			if o.coord.Fingerprint(requestFor(t)) == ev.Fingerprint {
				o.Warm(ctx, t)
				return
			}
		}
	}
}

func (o *Orchestrator) sweep(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.Prefetch.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.SweepOnce(ctx)
		}
	}
}

// SweepOnce warms every active user's targets once. Exposed for tests and
// for a warm-at-boot call from the server.
func (o *Orchestrator) SweepOnce(ctx context.Context) {
	keys, err := o.st.ScanKeys(ctx, store.SeenPrefix)
	if err != nil {
		o.log.Warn().Err(err).Msg("active user scan failed")
		return
	}
	for _, key := range keys {
		if user, ok := store.UserFromSeenKey(key); ok {
			o.WarmUser(ctx, user)
		}
	}
}

// WarmUser warms every planned target for one user.
func (o *Orchestrator) WarmUser(ctx context.Context, user string) {
	for _, t := range o.plan(ctx, user) {
		o.Warm(ctx, t)
	}
}

// Warm warms one target. Admission denials are dropped silently: prefetch
// is strictly subordinate to foreground traffic, and a Reject here only
// means the budget is better spent on users.
func (o *Orchestrator) Warm(ctx context.Context, t Target) {
	req := requestFor(t)
	fp := o.coord.Fingerprint(req)

	holder := uuid.NewString()
	acquired, err := o.st.AcquireLease(ctx, store.PrefetchKey(fp), holder, o.cfg.Prefetch.LeaseTTL())
	if err != nil {
		o.log.Debug().Err(err).Str("fingerprint", fp).Msg("prefetch lease failed")
		return
	}
	if !acquired {
		// Another process is already warming this fingerprint.
		return
	}
	defer func() {
		if _, err := o.st.ReleaseLease(ctx, store.PrefetchKey(fp), holder); err != nil {
			o.log.Debug().Err(err).Str("fingerprint", fp).Msg("prefetch lease release failed")
		}
	}()

	dec, err := o.coord.Admit(ctx, req)
	if err != nil {
		o.log.Debug().Err(err).Str("user", t.User).Msg("prefetch admit failed")
		return
	}

	switch dec.Kind {
	case admission.CallUpstream:
		if _, err := o.coord.Dispatch(ctx, o.reg, dec.Lease, t.Params); err != nil {
			o.log.Debug().
				Err(err).
				Str("provider", t.Provider.String()).
				Str("user", t.User).
				Msg("prefetch dispatch failed")
			return
		}
		o.log.Debug().
			Str("provider", t.Provider.String()).
			Str("operation", t.Operation).
			Str("user", t.User).
			Msg("cache warmed")
	case admission.ServeCached:
		// Already fresh, nothing to do.
	default:
		// Queued or rejected: foreground traffic owns the capacity.
	}
}

// requestFor builds the low-priority, non-queueing admission request for
// a target.
func requestFor(t Target) admission.Request {
	return admission.Request{
		Provider:   t.Provider,
		Operation:  t.Operation,
		User:       t.User,
		Tier:       t.Tier,
		Params:     t.Params,
		AllowQueue: false,
	}
}
