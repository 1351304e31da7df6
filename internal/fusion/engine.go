// Package fusion orchestrates the core pipeline: consume raw events,
// normalize, dedup, aggregate, and publish fused events that clear the
// score threshold.
package fusion

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/listingfuse/internal/aggregate"
	"github.com/sawpanic/listingfuse/internal/bus"
	"github.com/sawpanic/listingfuse/internal/config"
	"github.com/sawpanic/listingfuse/internal/dedup"
	"github.com/sawpanic/listingfuse/internal/metrics"
	"github.com/sawpanic/listingfuse/internal/model"
	"github.com/sawpanic/listingfuse/internal/normalize"
)

const (
	consumeCount   = 100
	consumeBlock   = 5 * time.Second
	reclaimMinIdle = 30 * time.Second
	reclaimEvery   = 30 * time.Second
)

// Sink receives emitted fused events beyond the bus, e.g. the Postgres
// archive. Failures are logged, never propagated.
type Sink interface {
	Store(ctx context.Context, fe *model.FusedEvent) error
}

// Engine is the fusion orchestrator. One per process; the aggregation
// tracker is guarded by mu because the consume loop and the flush
// ticker both touch it.
type Engine struct {
	bus        *bus.Bus
	cfg        *config.Config
	normalizer *normalize.Normalizer
	filter     *dedup.Filter
	tracker    *aggregate.Tracker
	metrics    *metrics.Registry
	sink       Sink
	consumer   string

	mu    sync.Mutex
	Stats Stats
}

// New wires a fusion engine from its parts. sink may be nil.
func New(b *bus.Bus, cfg *config.Config, n *normalize.Normalizer, f *dedup.Filter,
	t *aggregate.Tracker, m *metrics.Registry, sink Sink, consumer string) *Engine {
	return &Engine{
		bus:        b,
		cfg:        cfg,
		normalizer: n,
		filter:     f,
		tracker:    t,
		metrics:    m,
		sink:       sink,
		consumer:   consumer,
	}
}

// Run consumes the raw stream until the context dies, then flushes all
// open windows and returns.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.bus.EnsureGroup(ctx, bus.StreamRaw, bus.GroupFusion); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.flushLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		e.reclaimLoop(ctx)
	}()

	log.Info().Str("consumer", e.consumer).Msg("fusion engine started")
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			e.drain()
			log.Info().Msg("fusion engine stopped")
			return nil
		default:
		}
		msgs, err := e.bus.Consume(ctx, bus.StreamRaw, bus.GroupFusion, e.consumer, consumeCount, consumeBlock)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			log.Warn().Err(err).Msg("raw stream read failed")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		start := time.Now()
		e.processBatch(ctx, msgs)
		e.metrics.ConsumeLatency.Observe(time.Since(start).Seconds())
	}
}

func (e *Engine) processBatch(ctx context.Context, msgs []redis.XMessage) {
	acks := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		e.processOne(ctx, msg)
		acks = append(acks, msg.ID)
	}
	if err := e.bus.Ack(ctx, bus.StreamRaw, bus.GroupFusion, acks...); err != nil {
		log.Warn().Err(err).Int("count", len(acks)).Msg("raw ack failed")
	}
}

// processOne contains per-message errors and panics: a poison message
// is logged and acknowledged, never allowed to halt the loop.
func (e *Engine) processOne(ctx context.Context, msg redis.XMessage) {
	defer func() {
		if r := recover(); r != nil {
			e.Stats.Errors.Add(1)
			e.metrics.RawProcessed.WithLabelValues("error").Inc()
			log.Error().Interface("panic", r).Str("id", msg.ID).Msg("raw event handler panicked")
		}
	}()

	ev, err := model.RawEventFromStreamValues(msg.Values)
	if err != nil {
		e.Stats.Rejected.Add(1)
		e.metrics.RawProcessed.WithLabelValues("rejected").Inc()
		log.Warn().Err(err).Str("id", msg.ID).Msg("unparseable raw event")
		return
	}
	if err := e.normalizer.Normalize(ev); err != nil {
		e.Stats.Rejected.Add(1)
		e.metrics.RawProcessed.WithLabelValues("rejected").Inc()
		log.Warn().Err(err).Str("id", msg.ID).Str("source", ev.Source).Msg("raw event rejected")
		return
	}

	fp := model.FingerprintOf(ev)
	suppressed, err := e.filter.Suppress(ctx, fp, ev.Source)
	if err != nil {
		e.Stats.Errors.Add(1)
		e.metrics.RawProcessed.WithLabelValues("error").Inc()
		log.Warn().Err(err).Str("fingerprint", fp).Msg("dedup check failed")
		return
	}
	if suppressed {
		e.Stats.Duplicate.Add(1)
		e.metrics.RawProcessed.WithLabelValues("duplicate").Inc()
		log.Debug().Str("fingerprint", fp).Str("source", ev.Source).Msg("duplicate suppressed")
		return
	}

	e.mu.Lock()
	outcome, err := e.tracker.Add(ctx, ev, msg.ID)
	open := e.tracker.OpenWindows()
	e.mu.Unlock()
	e.metrics.OpenWindows.Set(float64(open))
	if err != nil {
		e.Stats.Errors.Add(1)
		e.metrics.RawProcessed.WithLabelValues("error").Inc()
		log.Warn().Err(err).Str("fingerprint", fp).Msg("aggregation failed")
		return
	}
	if outcome == aggregate.OutcomeSameSource {
		e.Stats.Duplicate.Add(1)
		e.metrics.RawProcessed.WithLabelValues("duplicate").Inc()
		return
	}
	e.Stats.Processed.Add(1)
	e.metrics.RawProcessed.WithLabelValues("merged").Inc()
}

// flushLoop closes expired windows on a short cadence relative to the
// 5-10 s aggregation windows.
func (e *Engine) flushLoop(ctx context.Context) {
	interval := time.Duration(e.cfg.Aggregation.FlushIntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			flushed, discarded := e.tracker.FlushExpired(time.Now().UnixMilli())
			open := e.tracker.OpenWindows()
			e.mu.Unlock()
			e.metrics.OpenWindows.Set(float64(open))
			e.publish(ctx, flushed, discarded)
		}
	}
}

// drain flushes every open window on shutdown, regardless of remaining
// window time.
func (e *Engine) drain() {
	e.mu.Lock()
	flushed, discarded := e.tracker.FlushAll()
	e.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.publish(ctx, flushed, discarded)
}

func (e *Engine) publish(ctx context.Context, flushed []*model.FusedEvent, discarded int) {
	for i := 0; i < discarded; i++ {
		e.Stats.Filtered.Add(1)
		e.metrics.WindowsFlushed.WithLabelValues("discarded").Inc()
	}
	for _, fe := range flushed {
		if _, err := e.bus.Publish(ctx, bus.StreamFused, bus.MaxLenFused, fe.ToStreamValues()); err != nil {
			e.Stats.Errors.Add(1)
			log.Error().Err(err).Str("event_id", fe.EventID).Msg("fused publish failed")
			continue
		}
		e.Stats.Fused.Add(1)
		e.Stats.observeScore(fe.Score)
		e.metrics.WindowsFlushed.WithLabelValues("emitted").Inc()
		e.metrics.FusedEmitted.Inc()
		e.metrics.FusedScore.Observe(fe.Score)
		if fe.IsSuperEvent {
			e.Stats.SuperEvents.Add(1)
			e.metrics.SuperEvents.Inc()
		}
		log.Info().
			Str("event_id", fe.EventID).
			Str("symbol", fe.Symbol).
			Str("event_type", string(fe.EventType)).
			Float64("score", fe.Score).
			Int("sources", fe.SourceCount).
			Bool("super", fe.IsSuperEvent).
			Msg("fused event emitted")
		if e.sink != nil {
			if err := e.sink.Store(ctx, fe); err != nil {
				log.Warn().Err(err).Str("event_id", fe.EventID).Msg("archive store failed")
			}
		}
	}
}

// reclaimLoop periodically claims raw entries other consumers left
// pending, so a crashed peer's messages are reprocessed.
func (e *Engine) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(reclaimEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msgs, err := e.bus.Claim(ctx, bus.StreamRaw, bus.GroupFusion, e.consumer, reclaimMinIdle, consumeCount)
			if err != nil {
				log.Warn().Err(err).Msg("pending reclaim failed")
				continue
			}
			if len(msgs) == 0 {
				continue
			}
			e.Stats.Reclaimed.Add(int64(len(msgs)))
			e.metrics.ReclaimedRaw.Add(float64(len(msgs)))
			log.Info().Int("count", len(msgs)).Msg("reclaimed pending raw events")
			e.processBatch(ctx, msgs)
		}
	}
}
