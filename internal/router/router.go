// Package router classifies fused events into execution and
// notification streams: CEX spot, perpetual DEX, on-chain, webhook, or
// drop, with a per-symbol cooldown between executions.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/listingfuse/internal/bus"
	"github.com/sawpanic/listingfuse/internal/config"
	"github.com/sawpanic/listingfuse/internal/metrics"
	"github.com/sawpanic/listingfuse/internal/model"
)

const (
	consumeCount   = 100
	consumeBlock   = 5 * time.Second
	reclaimMinIdle = 30 * time.Second
	reclaimEvery   = 30 * time.Second
)

// Router consumes the fused stream and emits routed events. Webhook
// delivery belongs to the Notifier, which consumes the same stream
// under its own group.
type Router struct {
	bus      *bus.Bus
	cfg      *config.Config
	metrics  *metrics.Registry
	consumer string
	nodeID   string

	Stats Stats
}

// New wires a router.
func New(b *bus.Bus, cfg *config.Config, m *metrics.Registry, consumer, nodeID string) *Router {
	return &Router{
		bus:      b,
		cfg:      cfg,
		metrics:  m,
		consumer: consumer,
		nodeID:   nodeID,
	}
}

// Run consumes the fused stream until the context dies.
func (r *Router) Run(ctx context.Context) error {
	if err := r.bus.EnsureGroup(ctx, bus.StreamFused, bus.GroupRouter); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.reclaimLoop(ctx)
	}()

	log.Info().Str("consumer", r.consumer).Msg("signal router started")
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			log.Info().Msg("signal router stopped")
			return nil
		default:
		}
		msgs, err := r.bus.Consume(ctx, bus.StreamFused, bus.GroupRouter, r.consumer, consumeCount, consumeBlock)
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
		r.processBatch(ctx, msgs)
	}
}

func (r *Router) processBatch(ctx context.Context, msgs []redis.XMessage) {
	acks := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		r.processOne(ctx, msg)
		acks = append(acks, msg.ID)
	}
	if err := r.bus.Ack(ctx, bus.StreamFused, bus.GroupRouter, acks...); err != nil {
		log.Warn().Err(err).Int("count", len(acks)).Msg("fused ack failed")
	}
}

func (r *Router) processOne(ctx context.Context, msg redis.XMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			r.Stats.Errors.Add(1)
			log.Error().Interface("panic", rec).Str("id", msg.ID).Msg("router handler panicked")
		}
	}()

	fe, err := model.FusedEventFromStreamValues(msg.Values)
	if err != nil {
		r.Stats.Errors.Add(1)
		log.Warn().Err(err).Str("id", msg.ID).Msg("unparseable fused event")
		return
	}
	r.Stats.Processed.Add(1)
	r.Route(ctx, fe)
}

// Route computes and emits every routed event a fused event yields.
// Non-super events hit at most one of cex/hl; super events hit both
// when both are eligible. Everything above the notify threshold also
// notifies; events yielding nothing are dropped with a reason.
func (r *Router) Route(ctx context.Context, fe *model.FusedEvent) {
	decision := r.decide(ctx, fe)

	routed := false
	if decision.cexVenue != "" {
		r.emitCEX(ctx, fe, decision)
		routed = true
	}
	if decision.hlMarket != "" {
		r.emitHL(ctx, fe, decision)
		routed = true
	}
	if decision.cexVenue != "" || decision.hlMarket != "" {
		r.setCooldown(ctx, fe.Symbol)
	}
	if decision.dex != nil {
		r.emitDEX(ctx, fe, decision.dex)
		routed = true
	}
	if decision.notify {
		// Delivery itself happens in the webhook pusher's consumer
		// group; here notify eligibility only keeps the event from
		// counting as dropped.
		r.Stats.Notified.Add(1)
		r.metrics.RouteDecisions.WithLabelValues("notify").Inc()
		routed = true
	}
	if !routed {
		r.Stats.Dropped.Add(1)
		r.metrics.RouteDecisions.WithLabelValues("drop").Inc()
		log.Debug().
			Str("event_id", fe.EventID).
			Str("symbol", fe.Symbol).
			Float64("score", fe.Score).
			Str("reason", decision.dropReason).
			Msg("fused event dropped")
	}
}

type decision struct {
	cexVenue   string
	hlMarket   string
	dex        *dexInfo
	notify     bool
	reason     string
	dropReason string
	urgency    model.Urgency
}

type dexInfo struct {
	Contract     string  `json:"contract"`
	Chain        string  `json:"chain"`
	LiquidityUSD float64 `json:"liquidity_usd"`
}

func (r *Router) decide(ctx context.Context, fe *model.FusedEvent) decision {
	d := decision{urgency: urgencyFor(fe)}

	if r.cfg.IsBlacklisted(fe.Symbol) {
		d.dropReason = "symbol_blacklisted"
		return d
	}
	if fe.Score < r.cfg.Scoring.NotifyMin {
		d.dropReason = "below_notify_threshold"
		return d
	}
	d.notify = true

	cooled, err := r.inCooldown(ctx, fe.Symbol)
	if err != nil {
		log.Warn().Err(err).Str("symbol", fe.Symbol).Msg("cooldown check failed")
		cooled = true // fail closed for execution, notify still goes out
	}
	if cooled {
		d.reason = "cooldown_active_demoted_to_notify"
		return d
	}

	hlMarket, hasHL := r.cfg.Router.HLMarketMap[fe.Symbol]

	if fe.Score >= r.cfg.Scoring.CEXRouteMin {
		if venue := r.firstListedVenue(ctx, fe.Symbol); venue != "" {
			d.cexVenue = venue
			d.reason = "score_above_cex_threshold"
		}
	}
	if d.cexVenue == "" && fe.Score >= r.cfg.Scoring.HLRouteMin && hasHL {
		d.hlMarket = hlMarket
		d.reason = "score_above_hl_threshold"
	}

	// Super events execute on both venues when both are eligible.
	if fe.IsSuperEvent && d.cexVenue != "" && hasHL && fe.Score >= r.cfg.Scoring.HLRouteMin {
		d.hlMarket = hlMarket
		d.reason = "super_event_parallel_route"
	}

	if d.cexVenue == "" && d.hlMarket == "" {
		if info := r.chainRoute(fe); info != nil && fe.Score >= r.cfg.Scoring.HLRouteMin {
			d.dex = info
			d.reason = "chain_event_dex_route"
		}
	}
	return d
}

// firstListedVenue walks the configured venue priority and returns the
// first venue whose known-pairs set contains the symbol.
func (r *Router) firstListedVenue(ctx context.Context, symbol string) string {
	for _, venue := range r.cfg.Router.CEXPriority {
		listed, err := r.bus.IsKnownPair(ctx, venue, symbol)
		if err != nil {
			log.Warn().Err(err).Str("venue", venue).Msg("known-pairs lookup failed")
			continue
		}
		if listed {
			return venue
		}
	}
	return ""
}

func (r *Router) chainRoute(fe *model.FusedEvent) *dexInfo {
	if len(fe.Chain) == 0 {
		return nil
	}
	var sidecar struct {
		Network         string  `json:"network"`
		ContractAddress string  `json:"contract_address"`
		LiquidityUSD    float64 `json:"liquidity_usd"`
	}
	if err := json.Unmarshal(fe.Chain, &sidecar); err != nil || sidecar.ContractAddress == "" {
		return nil
	}
	return &dexInfo{
		Contract:     sidecar.ContractAddress,
		Chain:        sidecar.Network,
		LiquidityUSD: sidecar.LiquidityUSD,
	}
}

func (r *Router) inCooldown(ctx context.Context, symbol string) (bool, error) {
	return r.bus.Exists(ctx, bus.KeyCooldown(symbol))
}

func (r *Router) setCooldown(ctx context.Context, symbol string) {
	if _, err := r.bus.SetNX(ctx, bus.KeyCooldown(symbol), "1", r.cfg.CooldownTTL()); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("cooldown set failed")
	}
}

func urgencyFor(fe *model.FusedEvent) model.Urgency {
	switch {
	case fe.IsSuperEvent && fe.Score >= 70:
		return model.UrgencyCritical
	case fe.IsSuperEvent || fe.Score >= 60:
		return model.UrgencyHigh
	case fe.Score >= 45:
		return model.UrgencyMedium
	default:
		return model.UrgencyLow
	}
}

func routingPriority(u model.Urgency) int {
	switch u {
	case model.UrgencyCritical:
		return 1
	case model.UrgencyHigh:
		return 2
	case model.UrgencyMedium:
		return 3
	default:
		return 4
	}
}

func (r *Router) emitCEX(ctx context.Context, fe *model.FusedEvent, d decision) {
	riskParams, _ := json.Marshal(map[string]any{
		"max_position_usd": r.cfg.Router.MaxPositionUSD,
		"tp_percent":       r.cfg.Router.HLTPPercent,
		"sl_percent":       r.cfg.Router.HLSLPercent,
	})
	sourceSummary, _ := json.Marshal(map[string]any{
		"sources":       fe.Sources,
		"source_count":  fe.SourceCount,
		"first_seen_at": fe.FirstSeenAt,
		"is_super":      fe.IsSuperEvent,
	})
	pairs, _ := json.Marshal([]string{fe.Symbol + "USDT", fe.Symbol + "USDC"})
	payload := map[string]any{
		"event_id":         fe.EventID,
		"symbol":           fe.Symbol,
		"exchange":         d.cexVenue,
		"action":           "buy",
		"score":            strconv.FormatFloat(fe.Score, 'f', -1, 64),
		"confidence":       strconv.FormatFloat(fe.Confidence, 'f', -1, 64),
		"urgency":          string(d.urgency),
		"suggested_pairs":  string(pairs),
		"routing_reason":   d.reason,
		"routing_priority": strconv.Itoa(routingPriority(d.urgency)),
		"max_position_usd": strconv.FormatFloat(r.cfg.Router.MaxPositionUSD, 'f', -1, 64),
		"risk_params":      string(riskParams),
		"source_summary":   string(sourceSummary),
		"created_at":       strconv.FormatInt(time.Now().UnixMilli(), 10),
		"routed_by":        r.nodeID,
	}
	if _, err := r.bus.Publish(ctx, bus.StreamRouteCEX, bus.MaxLenRouteCEX, payload); err != nil {
		r.Stats.Errors.Add(1)
		log.Error().Err(err).Str("event_id", fe.EventID).Msg("cex route publish failed")
		return
	}
	r.Stats.RoutedCEX.Add(1)
	r.metrics.RouteDecisions.WithLabelValues("cex").Inc()
	log.Info().
		Str("event_id", fe.EventID).
		Str("symbol", fe.Symbol).
		Str("venue", d.cexVenue).
		Str("urgency", string(d.urgency)).
		Float64("score", fe.Score).
		Msg("routed to cex")
}

func (r *Router) emitHL(ctx context.Context, fe *model.FusedEvent, d decision) {
	orderType := "limit"
	if d.urgency == model.UrgencyCritical || d.urgency == model.UrgencyHigh {
		orderType = "market"
	}
	walletConfig, _ := json.Marshal(map[string]any{"wallet": "default"})
	orderConfig, _ := json.Marshal(map[string]any{
		"reduce_only": false,
		"post_only":   orderType == "limit",
	})
	payload := map[string]any{
		"event_id":        fe.EventID,
		"symbol":          fe.Symbol,
		"hl_market":       d.hlMarket,
		"action":          "buy",
		"order_type":      orderType,
		"size_usd":        strconv.FormatFloat(r.cfg.Router.HLSizeUSD, 'f', -1, 64),
		"leverage":        strconv.Itoa(r.cfg.Router.HLLeverage),
		"tp_percent":      strconv.FormatFloat(r.cfg.Router.HLTPPercent, 'f', -1, 64),
		"sl_percent":      strconv.FormatFloat(r.cfg.Router.HLSLPercent, 'f', -1, 64),
		"timeout_seconds": strconv.Itoa(r.cfg.Router.HLTimeoutSec),
		"score":           strconv.FormatFloat(fe.Score, 'f', -1, 64),
		"confidence":      strconv.FormatFloat(fe.Confidence, 'f', -1, 64),
		"urgency":         string(d.urgency),
		"routing_reason":  d.reason,
		"wallet_config":   string(walletConfig),
		"order_config":    string(orderConfig),
		"created_at":      strconv.FormatInt(time.Now().UnixMilli(), 10),
		"routed_by":       r.nodeID,
	}
	if _, err := r.bus.Publish(ctx, bus.StreamRouteHL, bus.MaxLenRouteHL, payload); err != nil {
		r.Stats.Errors.Add(1)
		log.Error().Err(err).Str("event_id", fe.EventID).Msg("hl route publish failed")
		return
	}
	r.Stats.RoutedHL.Add(1)
	r.metrics.RouteDecisions.WithLabelValues("hl").Inc()
	log.Info().
		Str("event_id", fe.EventID).
		Str("symbol", fe.Symbol).
		Str("hl_market", d.hlMarket).
		Str("order_type", orderType).
		Float64("score", fe.Score).
		Msg("routed to hl")
}

func (r *Router) emitDEX(ctx context.Context, fe *model.FusedEvent, info *dexInfo) {
	routeInfo, _ := json.Marshal(map[string]any{
		"symbol":        fe.Symbol,
		"contract":      info.Contract,
		"chain":         info.Chain,
		"liquidity_usd": info.LiquidityUSD,
	})
	payload := map[string]any{
		"event_id":   fe.EventID,
		"symbol":     fe.Symbol,
		"route_info": string(routeInfo),
		"score":      strconv.FormatFloat(fe.Score, 'f', -1, 64),
		"created_at": strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	if _, err := r.bus.Publish(ctx, bus.StreamRouteDEX, bus.MaxLenRouteDEX, payload); err != nil {
		r.Stats.Errors.Add(1)
		log.Error().Err(err).Str("event_id", fe.EventID).Msg("dex route publish failed")
		return
	}
	r.Stats.RoutedDEX.Add(1)
	r.metrics.RouteDecisions.WithLabelValues("dex").Inc()
}

func (r *Router) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(reclaimEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msgs, err := r.bus.Claim(ctx, bus.StreamFused, bus.GroupRouter, r.consumer, reclaimMinIdle, consumeCount)
			if err != nil {
				log.Warn().Err(err).Msg("router reclaim failed")
				continue
			}
			if len(msgs) > 0 {
				log.Info().Int("count", len(msgs)).Msg("reclaimed pending fused events")
				r.processBatch(ctx, msgs)
			}
		}
	}
}
