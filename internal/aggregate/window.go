// Package aggregate coalesces raw events sharing a fingerprint within
// a short wall-clock window into a single fused event, and maintains
// the bus-backed first-seen ledger.
package aggregate

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/listingfuse/internal/bus"
	"github.com/sawpanic/listingfuse/internal/config"
	"github.com/sawpanic/listingfuse/internal/model"
	"github.com/sawpanic/listingfuse/internal/scoring"
)

// AddOutcome classifies what Add did with an event.
type AddOutcome int

const (
	// OutcomeMerged means the event opened or extended a window.
	OutcomeMerged AddOutcome = iota
	// OutcomeSameSource means the window already holds this source and
	// the event was suppressed.
	OutcomeSameSource
)

// window is the in-memory aggregation state for one fingerprint.
// Windows are deliberately not persisted: they live 5-10 s and the
// pending-entries list replays raws after a crash.
type window struct {
	fingerprint string
	topic       string

	symbols      []string
	symbolSet    map[string]struct{}
	exchanges    []string
	exchangeSet  map[string]struct{}
	sources      []string
	sourceSet    map[string]struct{}
	urls         []string
	urlSet       map[string]struct{}
	rawTexts     []string
	sourceEvents []string
	chain        json.RawMessage
	eventType    model.EventType

	firstSeenAt    int64
	isFirstSeen    bool
	earliestDetect int64
	lastSeenAt     int64
	lastMergedAtMS int64
	windowMS       int64
	best           scoring.Result
}

func (w *window) hasSource(source string) bool {
	_, ok := w.sourceSet[source]
	return ok
}

func (w *window) merge(e *model.RawEvent, busID string) {
	if e.CanonicalSymbol != "" {
		if _, ok := w.symbolSet[e.CanonicalSymbol]; !ok {
			w.symbolSet[e.CanonicalSymbol] = struct{}{}
			w.symbols = append(w.symbols, e.CanonicalSymbol)
		}
	}
	if e.Exchange != "" {
		if _, ok := w.exchangeSet[e.Exchange]; !ok {
			w.exchangeSet[e.Exchange] = struct{}{}
			w.exchanges = append(w.exchanges, e.Exchange)
		}
	}
	w.sourceSet[e.Source] = struct{}{}
	w.sources = append(w.sources, e.Source)
	if e.URL != "" {
		if _, ok := w.urlSet[e.URL]; !ok {
			w.urlSet[e.URL] = struct{}{}
			w.urls = append(w.urls, e.URL)
		}
	}
	w.rawTexts = append(w.rawTexts, e.RawText)
	if busID != "" {
		w.sourceEvents = append(w.sourceEvents, busID)
	}
	if len(w.chain) == 0 && len(e.Chain) > 0 {
		w.chain = e.Chain
	}
	if e.DetectedAt < w.earliestDetect {
		w.earliestDetect = e.DetectedAt
	}
	if e.DetectedAt > w.lastSeenAt {
		w.lastSeenAt = e.DetectedAt
	}
}

// Tracker holds the open windows for one fusion process.
type Tracker struct {
	bus    *bus.Bus
	scorer *scoring.Engine
	cfg    *config.Config
	now    func() time.Time

	windows map[string]*window
	byTopic map[string]string
}

// topicKey indexes open windows by what they are about, independent of
// the venue. Exchange-less raws join windows through it.
func topicKey(symbol string, event model.EventType) string {
	return symbol + "|" + string(event)
}

// NewTracker builds an aggregator over the shared bus and scorer.
// Not safe for concurrent use; the fusion engine serializes access.
func NewTracker(b *bus.Bus, scorer *scoring.Engine, cfg *config.Config) *Tracker {
	return &Tracker{
		bus:     b,
		scorer:  scorer,
		cfg:     cfg,
		now:     time.Now,
		windows: make(map[string]*window),
		byTopic: make(map[string]string),
	}
}

// Add folds a normalized raw event into its fingerprint window,
// creating the window and the first-seen ledger entry as needed.
func (t *Tracker) Add(ctx context.Context, e *model.RawEvent, busID string) (AddOutcome, error) {
	fp := model.FingerprintOf(e)

	w, ok := t.windows[fp]
	if !ok && e.Exchange == "" && e.CanonicalSymbol != "" {
		// Intel, news and chain raws often carry no exchange, so their
		// fingerprint never matches the venue-stamped one. They confirm
		// any open window on the same symbol and event type.
		if owner, found := t.byTopic[topicKey(e.CanonicalSymbol, e.Event)]; found {
			fp = owner
			w, ok = t.windows[owner], true
		}
	}

	firstSeenAt, isFirstSeen, err := t.firstSeen(ctx, fp, e.DetectedAt)
	if err != nil {
		return OutcomeMerged, err
	}

	if !ok {
		windowMS := t.cfg.Aggregation.DefaultWindowMS
		if t.scorer.IsTrusted(e.Source) {
			windowMS = t.cfg.Aggregation.TrustedWindowMS
		}
		w = &window{
			fingerprint:    fp,
			symbolSet:      make(map[string]struct{}),
			exchangeSet:    make(map[string]struct{}),
			sourceSet:      make(map[string]struct{}),
			urlSet:         make(map[string]struct{}),
			eventType:      e.Event,
			firstSeenAt:    firstSeenAt,
			isFirstSeen:    isFirstSeen,
			earliestDetect: e.DetectedAt,
			lastSeenAt:     e.DetectedAt,
			windowMS:       windowMS,
		}
		t.windows[fp] = w
		if e.CanonicalSymbol != "" {
			key := topicKey(e.CanonicalSymbol, e.Event)
			if _, taken := t.byTopic[key]; !taken {
				t.byTopic[key] = fp
				w.topic = key
			}
		}
	} else if w.hasSource(e.Source) {
		// Same-source redundancy inside the window confirms nothing.
		return OutcomeSameSource, nil
	}

	w.merge(e, busID)
	w.lastMergedAtMS = t.now().UnixMilli()

	result := t.scorer.Score(scoring.Input{
		Sources:         w.sources,
		Exchanges:       w.exchanges,
		FirstDetectedAt: w.earliestDetect,
		FirstSeenAt:     w.firstSeenAt,
		IsFirstSeen:     w.isFirstSeen,
	})
	if result.Score > w.best.Score || len(w.sources) == 1 {
		w.best = result
	}
	return OutcomeMerged, nil
}

// firstSeen claims or reads the first-seen ledger entry for fp.
func (t *Tracker) firstSeen(ctx context.Context, fp string, detectedAt int64) (int64, bool, error) {
	key := bus.KeyFirstSeen(fp)
	created, err := t.bus.SetNX(ctx, key, strconv.FormatInt(detectedAt, 10), t.cfg.FirstSeenTTL())
	if err != nil {
		return 0, false, err
	}
	if created {
		return detectedAt, true, nil
	}
	val, found, err := t.bus.Get(ctx, key)
	if err != nil {
		return 0, false, err
	}
	if !found {
		// Expired between SETNX and GET; treat as first seen.
		return detectedAt, true, nil
	}
	ts, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		ts = detectedAt
	}
	return ts, false, nil
}

// FlushExpired closes every window whose quiet period has elapsed and
// returns the fused events that cleared the score threshold. Windows
// below threshold are discarded silently, per the low_score policy.
func (t *Tracker) FlushExpired(nowMS int64) (flushed []*model.FusedEvent, discarded int) {
	for fp, w := range t.windows {
		if nowMS-w.lastMergedAtMS < w.windowMS {
			continue
		}
		t.drop(fp, w)
		if fe := t.seal(w); fe != nil {
			flushed = append(flushed, fe)
		} else {
			discarded++
		}
	}
	return flushed, discarded
}

// FlushAll closes every open window regardless of remaining time.
// Called on shutdown.
func (t *Tracker) FlushAll() (flushed []*model.FusedEvent, discarded int) {
	for fp, w := range t.windows {
		t.drop(fp, w)
		if fe := t.seal(w); fe != nil {
			flushed = append(flushed, fe)
		} else {
			discarded++
		}
	}
	return flushed, discarded
}

// OpenWindows reports the number of in-flight aggregation windows.
func (t *Tracker) OpenWindows() int { return len(t.windows) }

// drop forgets a window and its topic index entry.
func (t *Tracker) drop(fp string, w *window) {
	delete(t.windows, fp)
	if w.topic != "" {
		delete(t.byTopic, w.topic)
	}
}

// seal freezes a window into a fused event, or nil when the best score
// never reached the emission threshold.
func (t *Tracker) seal(w *window) *model.FusedEvent {
	if w.best.Score < t.cfg.Scoring.MinScore {
		log.Debug().
			Str("fingerprint", w.fingerprint).
			Float64("score", w.best.Score).
			Int("sources", len(w.sources)).
			Msg("window below threshold, discarded")
		return nil
	}

	symbol := ""
	if len(w.symbols) > 0 {
		symbol = w.symbols[0]
	}
	exchange := ""
	if len(w.exchanges) > 0 {
		exchange = w.exchanges[0]
	}

	isSuper := w.best.GroupCount >= 2 &&
		(w.best.Score >= t.cfg.Scoring.SuperEventMinScore || w.isFirstSeen)

	rawText := ""
	for i, txt := range w.rawTexts {
		if i > 0 {
			rawText += " | "
		}
		rawText += txt
	}
	rawText = model.ClampRawText(rawText)

	return &model.FusedEvent{
		EventID:             model.NewFusedEventID(w.earliestDetect),
		Symbol:              symbol,
		Symbols:             w.symbols,
		Exchange:            exchange,
		Exchanges:           w.exchanges,
		EventType:           w.eventType,
		Sources:             w.sources,
		SourceCount:         len(w.sources),
		SourceEvents:        w.sourceEvents,
		FirstSeenAt:         w.firstSeenAt,
		LastSeenAt:          w.lastSeenAt,
		AggregationWindowMS: w.windowMS,
		Score:               w.best.Score,
		ScoreBreakdown:      w.best.Breakdown,
		Confidence:          w.best.Confidence,
		IsSuperEvent:        isSuper,
		IsFirstSeen:         w.isFirstSeen,
		Timeliness:          w.best.Timeliness,
		RawText:             rawText,
		URLs:                w.urls,
		Chain:               w.chain,
		CreatedAt:           t.now().UnixMilli(),
	}
}

// SetClock overrides the wall clock. Tests only.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }
