package metrics

import (
	"context"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/IvanBrykalov/quotagate/internal/clock"
	"github.com/IvanBrykalov/quotagate/internal/util"
	"github.com/IvanBrykalov/quotagate/provider"
	"github.com/IvanBrykalov/quotagate/store"
)

// SampleTTL bounds how long persisted samples live. Two days keeps
// yesterday readable across the midnight rollover.
const SampleTTL = 48 * time.Hour

// writeTimeout caps each store write so a slow store cannot back the
// worker up indefinitely.
const writeTimeout = 2 * time.Second

// Sample is the persisted form of a gauge reading. Counter samples are
// plain integers; gauges carry their dimensions so scanners can attribute
// them without reversing the key hash.
type Sample struct {
	Metric string            `json:"metric"`
	Dims   map[string]string `json:"dims"`
	Value  int64             `json:"value"`
	At     time.Time         `json:"at"`
}

// StoreSinkOptions configures a StoreSink.
type StoreSinkOptions struct {
	// Clock stamps samples and picks the day bucket. nil means the
	// system clock.
	Clock clock.Clock

	// Logger receives write failures at debug level. nil disables.
	Logger *zerolog.Logger

	// Buffer is the event queue length. <= 0 selects 1024.
	Buffer int
}

// StoreSink persists metric events into the shared store under
// metrics:{day}:{metric}:{dim-hash} keys. Events are queued and written by
// Run; when the queue is full events are dropped rather than blocking the
// request path.
type StoreSink struct {
	st      store.Store
	clk     clock.Clock
	log     zerolog.Logger
	ch      chan sinkEvent
	dropped atomic.Int64
}

type sinkEvent struct {
	metric string
	dims   map[string]string
	value  int64
	gauge  bool
}

// NewStoreSink constructs a StoreSink. Call Run to start the writer.
func NewStoreSink(st store.Store, opt StoreSinkOptions) *StoreSink {
	buf := opt.Buffer
	if buf <= 0 {
		buf = 1024
	}
	log := zerolog.Nop()
	if opt.Logger != nil {
		log = *opt.Logger
	}
	return &StoreSink{
		st:  st,
		clk: clock.Or(opt.Clock),
		log: log,
		ch:  make(chan sinkEvent, buf),
	}
}

var _ Collector = (*StoreSink)(nil)

// Run drains the event queue until ctx ends. Buffered events still
// unwritten at shutdown are lost; persisted metrics are best effort.
func (s *StoreSink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.ch:
			s.write(ctx, ev)
		}
	}
}

// Dropped reports how many events were discarded on a full queue.
func (s *StoreSink) Dropped() int64 { return s.dropped.Load() }

func (s *StoreSink) offer(metric string, dims map[string]string, value int64, gauge bool) {
	select {
	case s.ch <- sinkEvent{metric: metric, dims: dims, value: value, gauge: gauge}:
	default:
		s.dropped.Add(1)
	}
}

func (s *StoreSink) write(ctx context.Context, ev sinkEvent) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	now := s.clk.Now()
	key := store.MetricKey(util.DayKey(now), ev.metric, util.HashDims(ev.dims))

	var err error
	if ev.gauge {
		var b []byte
		b, err = json.Marshal(Sample{Metric: ev.metric, Dims: ev.dims, Value: ev.value, At: now})
		if err == nil {
			err = s.st.SetWithTTL(ctx, key, b, SampleTTL)
		}
	} else {
		if _, err = s.st.IncrBy(ctx, key, ev.value); err == nil {
			err = s.st.ExpireAt(ctx, key, now.Add(SampleTTL))
		}
	}
	if err != nil {
		s.log.Debug().Err(err).Str("metric", ev.metric).Msg("metric write failed")
	}
}

// ---- Collector ----

func (s *StoreSink) RequestOutcome(p provider.Provider, outcome string) {
	s.offer(MetricRequests, map[string]string{"provider": p.String(), "outcome": outcome}, 1, false)
}

func (s *StoreSink) CacheEvent(p provider.Provider, kind string) {
	s.offer(MetricCacheEvents, map[string]string{"provider": p.String(), "kind": kind}, 1, false)
}

func (s *StoreSink) QueueDepth(user string, depth int) {
	s.offer(MetricQueueDepth, map[string]string{"user": user}, int64(depth), true)
}

func (s *StoreSink) QuotaUsage(p provider.Provider, user string, used, cap int64) {
	if cap <= 0 {
		return
	}
	pct := used * 100 / cap
	s.offer(MetricQuotaUtilization, map[string]string{"provider": p.String(), "user": user}, pct, true)
}

func (s *StoreSink) UpstreamLatency(p provider.Provider, d time.Duration) {
	s.offer(MetricUpstreamLatency+"_sum", map[string]string{"provider": p.String()}, d.Milliseconds(), false)
	s.offer(MetricUpstreamLatency+"_count", map[string]string{"provider": p.String()}, 1, false)
}

func (s *StoreSink) UpstreamError(p provider.Provider, kind string) {
	s.offer(MetricUpstreamErrors, map[string]string{"provider": p.String(), "kind": kind}, 1, false)
}

// CounterKey returns today's persisted key for a counter metric, shared
// with the alert evaluator so both sides agree on the layout.
func CounterKey(day, metric string, dims map[string]string) string {
	return store.MetricKey(day, metric, util.HashDims(dims))
}

// ParseCounter reads a persisted counter value.
func ParseCounter(b []byte) (int64, error) {
	return strconv.ParseInt(string(b), 10, 64)
}
