package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/sawpanic/listingfuse/internal/bus"
	"github.com/sawpanic/listingfuse/internal/config"
	"github.com/sawpanic/listingfuse/internal/metrics"
	"github.com/sawpanic/listingfuse/internal/model"
)

const notifyQueueDepth = 256

// Notifier is the webhook pusher: an independent consumer of the fused
// stream under its own group, so delivery lag never backs up execution
// routing. Deliveries run on a worker behind a rate limiter; the
// breaker sheds load when the endpoint is down.
type Notifier struct {
	cfg      *config.Config
	bus      *bus.Bus
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	metrics  *metrics.Registry
	queue    chan *model.FusedEvent
	consumer string

	Failures atomic.Int64
	Sent     atomic.Int64
}

// NewNotifier builds a webhook pusher; returns nil when no URL is
// configured.
func NewNotifier(b *bus.Bus, cfg *config.Config, m *metrics.Registry, consumer string) *Notifier {
	if cfg.Notify.WebhookURL == "" {
		return nil
	}
	perSec := cfg.Notify.RatePerSec
	if perSec <= 0 {
		perSec = 5
	}
	return &Notifier{
		cfg:    cfg,
		bus:    b,
		client: &http.Client{Timeout: time.Duration(cfg.Notify.TimeoutSec) * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "webhook",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
					Msg("webhook breaker state change")
			},
		}),
		limiter:  rate.NewLimiter(rate.Limit(perSec), int(perSec)+1),
		metrics:  m,
		queue:    make(chan *model.FusedEvent, notifyQueueDepth),
		consumer: consumer,
	}
}

// Run consumes the fused stream under the webhook group and delivers
// eligible events until the context dies.
func (n *Notifier) Run(ctx context.Context) error {
	if err := n.bus.EnsureGroup(ctx, bus.StreamFused, bus.GroupWebhook); err != nil {
		return err
	}
	go n.deliveryLoop(ctx)

	log.Info().Str("consumer", n.consumer).Msg("webhook pusher started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("webhook pusher stopped")
			return nil
		default:
		}
		msgs, err := n.bus.Consume(ctx, bus.StreamFused, bus.GroupWebhook, n.consumer, consumeCount, consumeBlock)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			log.Warn().Err(err).Msg("fused stream read failed")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		n.processBatch(ctx, msgs)
	}
}

func (n *Notifier) processBatch(ctx context.Context, msgs []redis.XMessage) {
	acks := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		if fe, err := model.FusedEventFromStreamValues(msg.Values); err != nil {
			log.Warn().Err(err).Str("id", msg.ID).Msg("unparseable fused event")
		} else if n.shouldNotify(fe) {
			n.Enqueue(fe)
		}
		acks = append(acks, msg.ID)
	}
	if err := n.bus.Ack(ctx, bus.StreamFused, bus.GroupWebhook, acks...); err != nil {
		log.Warn().Err(err).Int("count", len(acks)).Msg("webhook ack failed")
	}
}

// shouldNotify mirrors the router's notify gate: blacklisted symbols
// and events under the notify threshold are never delivered.
func (n *Notifier) shouldNotify(fe *model.FusedEvent) bool {
	return !n.cfg.IsBlacklisted(fe.Symbol) && fe.Score >= n.cfg.Scoring.NotifyMin
}

// Enqueue hands a fused event to the delivery worker. When the queue
// is full the newest event is dropped and counted rather than blocking
// the consumer.
func (n *Notifier) Enqueue(fe *model.FusedEvent) {
	select {
	case n.queue <- fe:
	default:
		n.Failures.Add(1)
		n.metrics.NotifyFailures.Inc()
		log.Warn().Str("event_id", fe.EventID).Msg("notify queue full, delivery dropped")
	}
}

// deliveryLoop drains the queue until the context dies.
func (n *Notifier) deliveryLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fe := <-n.queue:
			if err := n.limiter.Wait(ctx); err != nil {
				return
			}
			n.deliver(ctx, fe)
		}
	}
}

// deliver posts one payload with bounded retries (1, 2, 4 s backoff).
// Final failure is recorded in stats, never propagated.
func (n *Notifier) deliver(ctx context.Context, fe *model.FusedEvent) {
	body, err := json.Marshal(n.payload(fe))
	if err != nil {
		n.Failures.Add(1)
		n.metrics.NotifyFailures.Inc()
		return
	}
	backoff := time.Second
	attempts := n.cfg.Notify.Retries
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		_, err = n.breaker.Execute(func() (any, error) {
			return nil, n.post(ctx, body)
		})
		if err == nil {
			n.Sent.Add(1)
			log.Debug().Str("event_id", fe.EventID).Int("attempt", attempt).Msg("webhook delivered")
			return
		}
		log.Warn().Err(err).Str("event_id", fe.EventID).Int("attempt", attempt).Msg("webhook delivery failed")
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	n.Failures.Add(1)
	n.metrics.NotifyFailures.Inc()
}

func (n *Notifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.Notify.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) payload(fe *model.FusedEvent) map[string]any {
	return map[string]any{
		"event_id":       fe.EventID,
		"symbol":         fe.Symbol,
		"exchange":       fe.Exchange,
		"event_type":     string(fe.EventType),
		"raw_text":       fe.RawText,
		"score":          fe.Score,
		"confidence":     fe.Confidence,
		"source_count":   fe.SourceCount,
		"is_super_event": fe.IsSuperEvent,
		"sources":        fe.Sources,
		"urls":           fe.URLs,
		"timestamp":      fe.CreatedAt,
		"metadata": map[string]any{
			"first_seen_at":      fe.FirstSeenAt,
			"timeliness":         string(fe.Timeliness),
			"score_breakdown":    fe.ScoreBreakdown,
			"aggregation_window": fe.AggregationWindowMS,
			"is_first_seen":      fe.IsFirstSeen,
		},
	}
}
