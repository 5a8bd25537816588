package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/IvanBrykalov/quotagate/config"
	"github.com/IvanBrykalov/quotagate/internal/clock"
	"github.com/IvanBrykalov/quotagate/internal/util"
	"github.com/IvanBrykalov/quotagate/metrics"
	"github.com/IvanBrykalov/quotagate/provider"
	"github.com/IvanBrykalov/quotagate/store"
	"github.com/IvanBrykalov/quotagate/store/memory"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

type env struct {
	e   *Evaluator
	st  *memory.Store
	clk *clock.Fake
	day string
}

func newEnv(mutate func(*config.Config)) *env {
	clk := clock.NewFake(t0)
	st := memory.New(memory.Options{Clock: clk})
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	return &env{
		e:   New(st, &cfg, Options{Clock: clk}),
		st:  st,
		clk: clk,
		day: util.DayKey(t0),
	}
}

// putGauge persists a gauge sample the way the store sink does.
func (e *env) putGauge(t *testing.T, metric string, dims map[string]string, value int64) {
	t.Helper()
	raw, _ := json.Marshal(metrics.Sample{Metric: metric, Dims: dims, Value: value, At: e.clk.Now()})
	key := store.MetricKey(e.day, metric, util.HashDims(dims))
	if err := e.st.SetWithTTL(context.Background(), key, raw, metrics.SampleTTL); err != nil {
		t.Fatalf("put gauge: %v", err)
	}
}

func (e *env) putCounter(t *testing.T, metric string, dims map[string]string, value int64) {
	t.Helper()
	key := metrics.CounterKey(e.day, metric, dims)
	if err := e.st.SetWithTTL(context.Background(), key, []byte(strconv.FormatInt(value, 10)), metrics.SampleTTL); err != nil {
		t.Fatalf("put counter: %v", err)
	}
}

func (e *env) events(t *testing.T) <-chan store.Message {
	t.Helper()
	msgs, stop, err := e.st.Subscribe(context.Background(), store.ChannelAlerts)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(stop)
	return msgs
}

func recvEvent(t *testing.T, msgs <-chan store.Message) Event {
	t.Helper()
	select {
	case m := <-msgs:
		var ev Event
		if err := json.Unmarshal(m.Payload, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("no alert event published")
		return Event{}
	}
}

func TestQuotaUtilizationRaiseAndClear(t *testing.T) {
	t.Parallel()
	e := newEnv(nil)
	ctx := context.Background()
	msgs := e.events(t)
	dims := map[string]string{"provider": provider.Video.String(), "user": "u1"}

	e.putGauge(t, metrics.MetricQuotaUtilization, dims, 96)
	if err := e.e.EvaluateOnce(ctx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	ev := recvEvent(t, msgs)
	if ev.Type != EventRaised || ev.Alert.Severity != SeverityCritical {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Alert.ID != "quota:video:u1" {
		t.Fatalf("alert id = %q", ev.Alert.ID)
	}

	last, ok, err := e.e.LastAlert(ctx)
	if err != nil || !ok || last.ID != "quota:video:u1" {
		t.Fatalf("last alert = %+v ok=%v, %v", last, ok, err)
	}

	// Back under threshold: the alert clears exactly once.
	e.putGauge(t, metrics.MetricQuotaUtilization, dims, 50)
	if err := e.e.EvaluateOnce(ctx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	ev = recvEvent(t, msgs)
	if ev.Type != EventCleared || ev.Alert.ID != "quota:video:u1" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestQuotaWarningSeverity(t *testing.T) {
	t.Parallel()
	e := newEnv(nil)
	msgs := e.events(t)

	e.putGauge(t, metrics.MetricQuotaUtilization, map[string]string{"provider": "video", "user": "u1"}, 85)
	e.e.EvaluateOnce(context.Background())

	ev := recvEvent(t, msgs)
	if ev.Alert.Severity != SeverityWarning {
		t.Fatalf("severity = %q, want warning", ev.Alert.Severity)
	}
}

func TestNoReRaiseWhileActive(t *testing.T) {
	t.Parallel()
	e := newEnv(nil)
	ctx := context.Background()
	msgs := e.events(t)

	e.putGauge(t, metrics.MetricQuotaUtilization, map[string]string{"provider": "video", "user": "u1"}, 96)
	e.e.EvaluateOnce(ctx)
	recvEvent(t, msgs)

	// A second pass over the same violation stays quiet.
	e.e.EvaluateOnce(ctx)
	select {
	case m := <-msgs:
		t.Fatalf("unexpected event: %s", m.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestQueueDepthAlert(t *testing.T) {
	t.Parallel()
	e := newEnv(nil)
	msgs := e.events(t)

	e.putGauge(t, metrics.MetricQueueDepth, map[string]string{"user": "u1"}, 150)
	e.e.EvaluateOnce(context.Background())

	ev := recvEvent(t, msgs)
	if ev.Alert.ID != "queue_depth:u1" || ev.Alert.Severity != SeverityWarning {
		t.Fatalf("event = %+v", ev)
	}
}

func TestCacheHitRateAlert(t *testing.T) {
	t.Parallel()
	e := newEnv(nil)
	ctx := context.Background()
	msgs := e.events(t)

	// 10% hits over 100 lookups is under the 20% floor.
	e.putCounter(t, metrics.MetricCacheEvents, map[string]string{"provider": "video", "kind": metrics.CacheHit}, 10)
	e.putCounter(t, metrics.MetricCacheEvents, map[string]string{"provider": "video", "kind": metrics.CacheMiss}, 90)
	e.e.EvaluateOnce(ctx)

	ev := recvEvent(t, msgs)
	if ev.Alert.ID != "cache_hit_rate:video" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestCacheHitRateNeedsSamples(t *testing.T) {
	t.Parallel()
	e := newEnv(nil)
	msgs := e.events(t)

	// A 0% hit rate over three lookups is noise, not an incident.
	e.putCounter(t, metrics.MetricCacheEvents, map[string]string{"provider": "video", "kind": metrics.CacheMiss}, 3)
	e.e.EvaluateOnce(context.Background())

	select {
	case m := <-msgs:
		t.Fatalf("unexpected event: %s", m.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAPIErrorRateAlert(t *testing.T) {
	t.Parallel()
	e := newEnv(nil)
	msgs := e.events(t)

	e.putCounter(t, metrics.MetricRequests, map[string]string{"provider": "video", "outcome": metrics.OutcomeDispatched}, 100)
	e.putCounter(t, metrics.MetricUpstreamErrors, map[string]string{"provider": "video", "kind": metrics.ErrorThrottled}, 25)
	e.putCounter(t, metrics.MetricUpstreamErrors, map[string]string{"provider": "video", "kind": metrics.ErrorServer}, 15)
	e.e.EvaluateOnce(context.Background())

	ev := recvEvent(t, msgs)
	if ev.Alert.ID != "api_error_rate:video" || ev.Alert.Severity != SeverityCritical {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Alert.Value != 0.4 {
		t.Fatalf("value = %v, want 0.4", ev.Alert.Value)
	}
}

func TestLastAlertEmpty(t *testing.T) {
	t.Parallel()
	e := newEnv(nil)

	if _, ok, err := e.e.LastAlert(context.Background()); ok || err != nil {
		t.Fatalf("last alert on empty store: ok=%v, %v", ok, err)
	}
}

func TestEvaluateStoreFailure(t *testing.T) {
	t.Parallel()
	e := newEnv(nil)

	e.st.FailWith(store.ErrUnavailable)
	if err := e.e.EvaluateOnce(context.Background()); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("evaluate during outage: %v", err)
	}
}
