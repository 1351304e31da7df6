// Package model defines the canonical event types exchanged over the bus:
// raw collector observations, fused pipeline output, and routed decisions.
package model

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// SourceType classifies the transport a collector observed an event on.
type SourceType string

const (
	SourceTypeWebsocket SourceType = "websocket"
	SourceTypeMarket    SourceType = "market"
	SourceTypeSocial    SourceType = "social"
	SourceTypeChain     SourceType = "chain"
	SourceTypeNews      SourceType = "news"
)

// EventType is the semantic category of an observation.
type EventType string

const (
	EventListing       EventType = "listing"
	EventDelisting     EventType = "delisting"
	EventTradingOpen   EventType = "trading_open"
	EventDepositOpen   EventType = "deposit_open"
	EventWithdrawOpen  EventType = "withdraw_open"
	EventFuturesLaunch EventType = "futures_launch"
	EventAirdrop       EventType = "airdrop"
	EventPairCreated   EventType = "pair_created"
	EventLiquidityAdd  EventType = "liquidity_add"
	EventAnnouncement  EventType = "announcement"
	EventPriceAlert    EventType = "price_alert"
	EventOIAlert       EventType = "oi_alert"
)

// SourceGroup is an independence class for the multi-source bonus.
// Two sources in the same group confirm nothing; two groups do.
type SourceGroup string

const (
	GroupExchangeOfficial SourceGroup = "exchange_official"
	GroupAlphaIntel       SourceGroup = "alpha_intel"
	GroupSocial           SourceGroup = "social"
	GroupChain            SourceGroup = "chain"
	GroupNews             SourceGroup = "news"
)

// MaxRawTextLen caps raw_text on ingest, in characters.
const MaxRawTextLen = 10000

// ClampRawText truncates text to MaxRawTextLen characters without
// splitting a rune. Announcement text is frequently CJK, so byte
// slicing is not safe here.
func ClampRawText(s string) string {
	n := 0
	for i := range s {
		if n == MaxRawTextLen {
			return s[:i]
		}
		n++
	}
	return s
}

// RawEvent is a single collector observation. Immutable once published
// to the raw stream; all fields travel as strings on the wire.
type RawEvent struct {
	Source     string     `json:"source"`
	SourceType SourceType `json:"source_type"`
	Exchange   string     `json:"exchange,omitempty"`
	Symbol     string     `json:"symbol,omitempty"`
	Event      EventType  `json:"event"`
	RawText    string     `json:"raw_text"`
	URL        string     `json:"url,omitempty"`
	DetectedAt int64      `json:"detected_at"`
	NodeID     string     `json:"node_id"`

	// CanonicalSymbol is stamped by the normalizer (quote suffix stripped,
	// uppercased). Not part of the collector contract.
	CanonicalSymbol string `json:"canonical_symbol,omitempty"`

	// Opaque source-specific sidecars, carried as raw JSON and never
	// interpreted by the pipeline.
	Telegram json.RawMessage `json:"telegram,omitempty"`
	Twitter  json.RawMessage `json:"twitter,omitempty"`
	Chain    json.RawMessage `json:"chain,omitempty"`
}

// ToStreamValues flattens the event into the string field map used for
// stream entries.
func (e *RawEvent) ToStreamValues() map[string]any {
	vals := map[string]any{
		"source":      e.Source,
		"source_type": string(e.SourceType),
		"event":       string(e.Event),
		"raw_text":    e.RawText,
		"detected_at": strconv.FormatInt(e.DetectedAt, 10),
		"node_id":     e.NodeID,
	}
	if e.Exchange != "" {
		vals["exchange"] = e.Exchange
	}
	if e.Symbol != "" {
		vals["symbol"] = e.Symbol
	}
	if e.URL != "" {
		vals["url"] = e.URL
	}
	if len(e.Telegram) > 0 {
		vals["telegram"] = string(e.Telegram)
	}
	if len(e.Twitter) > 0 {
		vals["twitter"] = string(e.Twitter)
	}
	if len(e.Chain) > 0 {
		vals["chain"] = string(e.Chain)
	}
	return vals
}

// RawEventFromStreamValues rebuilds a RawEvent from a stream entry.
// Only detected_at is parsed; validation belongs to the normalizer.
func RawEventFromStreamValues(values map[string]any) (*RawEvent, error) {
	str := func(k string) string {
		if v, ok := values[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
		return ""
	}
	detectedAt, err := strconv.ParseInt(str("detected_at"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("raw event detected_at %q: %w", str("detected_at"), err)
	}
	e := &RawEvent{
		Source:     str("source"),
		SourceType: SourceType(str("source_type")),
		Exchange:   str("exchange"),
		Symbol:     str("symbol"),
		Event:      EventType(str("event")),
		RawText:    str("raw_text"),
		URL:        str("url"),
		DetectedAt: detectedAt,
		NodeID:     str("node_id"),
	}
	if s := str("telegram"); s != "" {
		e.Telegram = json.RawMessage(s)
	}
	if s := str("twitter"); s != "" {
		e.Twitter = json.RawMessage(s)
	}
	if s := str("chain"); s != "" {
		e.Chain = json.RawMessage(s)
	}
	return e, nil
}

// ScoreBreakdown carries the per-dimension contributions behind a score.
type ScoreBreakdown struct {
	Source      float64 `json:"source"`
	MultiSource float64 `json:"multi_source"`
	Timeliness  float64 `json:"timeliness"`
	Exchange    float64 `json:"exchange"`
}

// TimelinessCategory buckets how far behind the first sighting an
// observation arrived.
type TimelinessCategory string

const (
	TimelinessFirstSeen  TimelinessCategory = "first_seen"
	TimelinessWithin5s   TimelinessCategory = "within_5s"
	TimelinessWithin30s  TimelinessCategory = "within_30s"
	TimelinessWithin1Min TimelinessCategory = "within_1min"
	TimelinessWithin5Min TimelinessCategory = "within_5min"
	TimelinessOlder      TimelinessCategory = "older"
)

// FusedEvent is the deduplicated, scored, aggregated output of the
// fusion engine. Frozen once its aggregation window closes.
type FusedEvent struct {
	EventID             string             `json:"event_id"`
	Symbol              string             `json:"symbol"`
	Symbols             []string           `json:"symbols"`
	Exchange            string             `json:"exchange,omitempty"`
	Exchanges           []string           `json:"exchanges"`
	EventType           EventType          `json:"event_type"`
	Sources             []string           `json:"sources"`
	SourceCount         int                `json:"source_count"`
	SourceEvents        []string           `json:"source_events"`
	FirstSeenAt         int64              `json:"first_seen_at"`
	LastSeenAt          int64              `json:"last_seen_at"`
	AggregationWindowMS int64              `json:"aggregation_window_ms"`
	Score               float64            `json:"score"`
	ScoreBreakdown      ScoreBreakdown     `json:"score_breakdown"`
	Confidence          float64            `json:"confidence"`
	IsSuperEvent        bool               `json:"is_super_event"`
	IsFirstSeen         bool               `json:"is_first_seen"`
	Timeliness          TimelinessCategory `json:"timeliness_category"`
	RawText             string             `json:"raw_text"`
	URLs                []string           `json:"urls"`
	Chain               json.RawMessage    `json:"chain,omitempty"`
	CreatedAt           int64              `json:"created_at"`
}

// NewFusedEventID builds the globally unique fused event id:
// fused_<detected_at_ms>_<16 hex>.
func NewFusedEventID(detectedAtMS int64) string {
	raw := uuid.New()
	hex := fmt.Sprintf("%x", raw[:8])
	return fmt.Sprintf("fused_%d_%s", detectedAtMS, hex)
}

// ToStreamValues flattens the fused event for the fused stream. Scalar
// fields are strings, collections JSON arrays, booleans "0"/"1".
func (f *FusedEvent) ToStreamValues() map[string]any {
	boolStr := func(b bool) string {
		if b {
			return "1"
		}
		return "0"
	}
	jsonArr := func(ss []string) string {
		if ss == nil {
			ss = []string{}
		}
		b, _ := json.Marshal(ss)
		return string(b)
	}
	breakdown, _ := json.Marshal(f.ScoreBreakdown)
	vals := map[string]any{
		"event_id":              f.EventID,
		"symbol":                f.Symbol,
		"symbols":               jsonArr(f.Symbols),
		"exchange":              f.Exchange,
		"exchanges":             jsonArr(f.Exchanges),
		"event_type":            string(f.EventType),
		"sources":               jsonArr(f.Sources),
		"source_count":          strconv.Itoa(f.SourceCount),
		"source_events":         jsonArr(f.SourceEvents),
		"first_seen_at":         strconv.FormatInt(f.FirstSeenAt, 10),
		"last_seen_at":          strconv.FormatInt(f.LastSeenAt, 10),
		"aggregation_window_ms": strconv.FormatInt(f.AggregationWindowMS, 10),
		"score":                 strconv.FormatFloat(f.Score, 'f', -1, 64),
		"score_breakdown":       string(breakdown),
		"confidence":            strconv.FormatFloat(f.Confidence, 'f', -1, 64),
		"is_super_event":        boolStr(f.IsSuperEvent),
		"is_first_seen":         boolStr(f.IsFirstSeen),
		"timeliness_category":   string(f.Timeliness),
		"raw_text":              f.RawText,
		"urls":                  jsonArr(f.URLs),
		"created_at":            strconv.FormatInt(f.CreatedAt, 10),
	}
	if len(f.Chain) > 0 {
		vals["chain"] = string(f.Chain)
	}
	return vals
}

// FusedEventFromStreamValues rebuilds a FusedEvent from a fused stream
// entry. Malformed numeric fields are an error; malformed JSON arrays
// degrade to empty.
func FusedEventFromStreamValues(values map[string]any) (*FusedEvent, error) {
	str := func(k string) string {
		if v, ok := values[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
		return ""
	}
	i64 := func(k string) int64 {
		n, _ := strconv.ParseInt(str(k), 10, 64)
		return n
	}
	f64 := func(k string) float64 {
		n, _ := strconv.ParseFloat(str(k), 64)
		return n
	}
	arr := func(k string) []string {
		var out []string
		if s := str(k); s != "" {
			_ = json.Unmarshal([]byte(s), &out)
		}
		return out
	}
	if str("event_id") == "" {
		return nil, fmt.Errorf("fused event missing event_id")
	}
	f := &FusedEvent{
		EventID:             str("event_id"),
		Symbol:              str("symbol"),
		Symbols:             arr("symbols"),
		Exchange:            str("exchange"),
		Exchanges:           arr("exchanges"),
		EventType:           EventType(str("event_type")),
		Sources:             arr("sources"),
		SourceEvents:        arr("source_events"),
		FirstSeenAt:         i64("first_seen_at"),
		LastSeenAt:          i64("last_seen_at"),
		AggregationWindowMS: i64("aggregation_window_ms"),
		Score:               f64("score"),
		Confidence:          f64("confidence"),
		IsSuperEvent:        str("is_super_event") == "1",
		IsFirstSeen:         str("is_first_seen") == "1",
		Timeliness:          TimelinessCategory(str("timeliness_category")),
		RawText:             str("raw_text"),
		URLs:                arr("urls"),
		CreatedAt:           i64("created_at"),
	}
	if n, err := strconv.Atoi(str("source_count")); err == nil {
		f.SourceCount = n
	} else {
		f.SourceCount = len(f.Sources)
	}
	if s := str("score_breakdown"); s != "" {
		_ = json.Unmarshal([]byte(s), &f.ScoreBreakdown)
	}
	if s := str("chain"); s != "" {
		f.Chain = json.RawMessage(s)
	}
	return f, nil
}

// RouteTarget identifies the output stream a routed event lands on.
type RouteTarget string

const (
	RouteCEX    RouteTarget = "cex"
	RouteHL     RouteTarget = "hl"
	RouteDEX    RouteTarget = "dex"
	RouteNotify RouteTarget = "notify"
	RouteDrop   RouteTarget = "drop"
)

// Urgency grades how quickly a downstream executor should act.
type Urgency string

const (
	UrgencyCritical Urgency = "critical"
	UrgencyHigh     Urgency = "high"
	UrgencyMedium   Urgency = "medium"
	UrgencyLow      Urgency = "low"
)

// RoutedEvent pairs a fused event with one routing decision. Ephemeral;
// serialized onto the target stream and forgotten.
type RoutedEvent struct {
	Target  RouteTarget
	Reason  string
	Payload map[string]any
}
