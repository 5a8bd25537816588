// Package alerts evaluates the persisted metric samples against the
// configured thresholds and publishes raise/clear events on the shared
// store's alert channel. Delivery (mail, chat, paging) is an external
// consumer of that channel; the evaluator only decides. Raised state
// lives in the store so a process restart does not re-raise everything.
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/IvanBrykalov/quotagate/config"
	"github.com/IvanBrykalov/quotagate/internal/clock"
	"github.com/IvanBrykalov/quotagate/internal/util"
	"github.com/IvanBrykalov/quotagate/metrics"
	"github.com/IvanBrykalov/quotagate/provider"
	"github.com/IvanBrykalov/quotagate/store"
)

// Severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Event types.
const (
	EventRaised  = "raised"
	EventCleared = "cleared"
)

// Store keys for raised state. The prefix keeps active alerts scannable;
// lastKey feeds the health endpoint.
const (
	statePrefix = "alert:state:"
	lastKey     = "alert:last"
	stateTTL    = 48 * time.Hour
)

// minSamples is the floor under which rate alerts stay quiet; a 0% hit
// rate over three requests is noise, not an incident.
const minSamples = 50

// Alert is one threshold violation.
type Alert struct {
	ID        string    `json:"id"`
	Severity  string    `json:"severity"`
	Metric    string    `json:"metric"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	At        time.Time `json:"at"`
}

// Event is the published envelope.
type Event struct {
	Type  string `json:"type"`
	Alert Alert  `json:"alert"`
}

// Options configures an Evaluator.
type Options struct {
	// Clock picks the sample day and stamps alerts. nil means system.
	Clock clock.Clock

	// Logger records evaluation activity. nil disables.
	Logger *zerolog.Logger
}

// Evaluator periodically compares metric aggregates to thresholds.
type Evaluator struct {
	st  store.Store
	cfg *config.Config
	clk clock.Clock
	log zerolog.Logger
}

// New constructs an Evaluator.
func New(st store.Store, cfg *config.Config, opt Options) *Evaluator {
	log := zerolog.Nop()
	if opt.Logger != nil {
		log = *opt.Logger
	}
	return &Evaluator{st: st, cfg: cfg, clk: clock.Or(opt.Clock), log: log}
}

// Run evaluates on the configured cadence until ctx ends.
func (e *Evaluator) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Alerts.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.EvaluateOnce(ctx); err != nil {
				e.log.Warn().Err(err).Msg("alert evaluation failed")
			}
		}
	}
}

// EvaluateOnce runs one evaluation pass: compute the currently violated
// thresholds, raise what is new, clear what recovered.
func (e *Evaluator) EvaluateOnce(ctx context.Context) error {
	now := e.clk.Now()
	day := util.DayKey(now)

	current := make(map[string]Alert)
	add := func(a Alert) { current[a.ID] = a }

	if err := e.quotaUtilization(ctx, day, now, add); err != nil {
		return err
	}
	if err := e.queueDepth(ctx, day, now, add); err != nil {
		return err
	}
	for _, p := range provider.All() {
		if err := e.cacheHitRate(ctx, day, now, p, add); err != nil {
			return err
		}
		if err := e.apiErrorRate(ctx, day, now, p, add); err != nil {
			return err
		}
	}

	return e.reconcile(ctx, current)
}

// LastAlert returns the most recently raised alert, ok=false when none
// was ever raised. The health endpoint reports it.
func (e *Evaluator) LastAlert(ctx context.Context) (Alert, bool, error) {
	raw, err := e.st.Get(ctx, lastKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Alert{}, false, nil
		}
		return Alert{}, false, err
	}
	var a Alert
	if err := json.Unmarshal(raw, &a); err != nil {
		return Alert{}, false, nil
	}
	return a, true, nil
}

// ---- threshold checks ----

func (e *Evaluator) quotaUtilization(ctx context.Context, day string, now time.Time, add func(Alert)) error {
	samples, err := e.gaugeSamples(ctx, day, metrics.MetricQuotaUtilization)
	if err != nil {
		return err
	}
	th := e.cfg.Alerts.Thresholds
	for _, s := range samples {
		frac := float64(s.Value) / 100
		severity := ""
		threshold := 0.0
		switch {
		case frac >= th.Critical:
			severity, threshold = SeverityCritical, th.Critical
		case frac >= th.Warning:
			severity, threshold = SeverityWarning, th.Warning
		default:
			continue
		}
		add(Alert{
			ID:        "quota:" + s.Dims["provider"] + ":" + s.Dims["user"],
			Severity:  severity,
			Metric:    metrics.MetricQuotaUtilization,
			Message:   fmt.Sprintf("quota %.0f%% used for %s/%s", frac*100, s.Dims["provider"], s.Dims["user"]),
			Value:     frac,
			Threshold: threshold,
			At:        now,
		})
	}
	return nil
}

func (e *Evaluator) queueDepth(ctx context.Context, day string, now time.Time, add func(Alert)) error {
	high := e.cfg.Alerts.QueueDepthHigh
	if high <= 0 {
		return nil
	}
	samples, err := e.gaugeSamples(ctx, day, metrics.MetricQueueDepth)
	if err != nil {
		return err
	}
	for _, s := range samples {
		if s.Value <= int64(high) {
			continue
		}
		add(Alert{
			ID:        "queue_depth:" + s.Dims["user"],
			Severity:  SeverityWarning,
			Metric:    metrics.MetricQueueDepth,
			Message:   fmt.Sprintf("queue depth %d for user %s", s.Value, s.Dims["user"]),
			Value:     float64(s.Value),
			Threshold: float64(high),
			At:        now,
		})
	}
	return nil
}

func (e *Evaluator) cacheHitRate(ctx context.Context, day string, now time.Time, p provider.Provider, add func(Alert)) error {
	low := e.cfg.Alerts.CacheHitRateLow
	if low <= 0 {
		return nil
	}
	hits, err := e.counter(ctx, day, metrics.MetricCacheEvents, map[string]string{"provider": p.String(), "kind": metrics.CacheHit})
	if err != nil {
		return err
	}
	misses, err := e.counter(ctx, day, metrics.MetricCacheEvents, map[string]string{"provider": p.String(), "kind": metrics.CacheMiss})
	if err != nil {
		return err
	}
	total := hits + misses
	if total < minSamples {
		return nil
	}
	rate := float64(hits) / float64(total)
	if rate >= low {
		return nil
	}
	add(Alert{
		ID:        "cache_hit_rate:" + p.String(),
		Severity:  SeverityWarning,
		Metric:    metrics.MetricCacheEvents,
		Message:   fmt.Sprintf("cache hit rate %.1f%% for %s", rate*100, p),
		Value:     rate,
		Threshold: low,
		At:        now,
	})
	return nil
}

func (e *Evaluator) apiErrorRate(ctx context.Context, day string, now time.Time, p provider.Provider, add func(Alert)) error {
	high := e.cfg.Alerts.APIErrorRateHigh
	if high <= 0 {
		return nil
	}
	dispatched, err := e.counter(ctx, day, metrics.MetricRequests, map[string]string{"provider": p.String(), "outcome": metrics.OutcomeDispatched})
	if err != nil {
		return err
	}
	if dispatched < minSamples {
		return nil
	}
	var failures int64
	for _, kind := range metrics.ErrorKinds() {
		n, err := e.counter(ctx, day, metrics.MetricUpstreamErrors, map[string]string{"provider": p.String(), "kind": kind})
		if err != nil {
			return err
		}
		failures += n
	}
	rate := float64(failures) / float64(dispatched)
	if rate <= high {
		return nil
	}
	add(Alert{
		ID:        "api_error_rate:" + p.String(),
		Severity:  SeverityCritical,
		Metric:    metrics.MetricUpstreamErrors,
		Message:   fmt.Sprintf("upstream error rate %.1f%% for %s", rate*100, p),
		Value:     rate,
		Threshold: high,
		At:        now,
	})
	return nil
}

// ---- state transitions ----

func (e *Evaluator) reconcile(ctx context.Context, current map[string]Alert) error {
	activeKeys, err := e.st.ScanKeys(ctx, statePrefix)
	if err != nil {
		return err
	}
	active := make(map[string]bool, len(activeKeys))
	for _, key := range activeKeys {
		active[strings.TrimPrefix(key, statePrefix)] = true
	}

	for id, a := range current {
		if active[id] {
			continue
		}
		if err := e.raise(ctx, a); err != nil {
			e.log.Warn().Err(err).Str("alert", id).Msg("raise failed")
		}
	}
	for id := range active {
		if _, still := current[id]; still {
			continue
		}
		if err := e.clear(ctx, id); err != nil {
			e.log.Warn().Err(err).Str("alert", id).Msg("clear failed")
		}
	}
	return nil
}

func (e *Evaluator) raise(ctx context.Context, a Alert) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if err := e.st.SetWithTTL(ctx, statePrefix+a.ID, raw, stateTTL); err != nil {
		return err
	}
	if err := e.st.SetWithTTL(ctx, lastKey, raw, stateTTL); err != nil {
		return err
	}
	e.log.Warn().
		Str("alert", a.ID).
		Str("severity", a.Severity).
		Float64("value", a.Value).
		Msg("alert raised")
	return e.publish(ctx, Event{Type: EventRaised, Alert: a})
}

func (e *Evaluator) clear(ctx context.Context, id string) error {
	var a Alert
	if raw, err := e.st.Get(ctx, statePrefix+id); err == nil {
		_ = json.Unmarshal(raw, &a)
	}
	a.ID = id
	a.At = e.clk.Now()

	if err := e.st.Delete(ctx, statePrefix+id); err != nil {
		return err
	}
	e.log.Info().Str("alert", id).Msg("alert cleared")
	return e.publish(ctx, Event{Type: EventCleared, Alert: a})
}

func (e *Evaluator) publish(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return e.st.Publish(ctx, store.ChannelAlerts, raw)
}

// ---- sample readers ----

func (e *Evaluator) gaugeSamples(ctx context.Context, day, metric string) ([]metrics.Sample, error) {
	keys, err := e.st.ScanKeys(ctx, "metrics:"+day+":"+metric+":")
	if err != nil {
		return nil, err
	}
	samples := make([]metrics.Sample, 0, len(keys))
	for _, key := range keys {
		raw, err := e.st.Get(ctx, key)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		var s metrics.Sample
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		samples = append(samples, s)
	}
	return samples, nil
}

func (e *Evaluator) counter(ctx context.Context, day, metric string, dims map[string]string) (int64, error) {
	raw, err := e.st.Get(ctx, metrics.CounterKey(day, metric, dims))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	n, err := metrics.ParseCounter(raw)
	if err != nil {
		return 0, nil
	}
	return n, nil
}
