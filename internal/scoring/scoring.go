// Package scoring computes the deterministic multi-dimensional score a
// fused event carries: source trust, multi-source confirmation,
// timeliness against the first-seen ledger, and venue quality.
package scoring

import (
	"github.com/sawpanic/listingfuse/internal/config"
	"github.com/sawpanic/listingfuse/internal/model"
)

// Dimension weights of the final score. The nominal 0-100 range leaves
// headroom; feasible maxima are 65/40/20/15 per dimension.
const (
	WeightSource      = 0.25
	WeightMultiSource = 0.40
	WeightTimeliness  = 0.15
	WeightExchange    = 0.20

	confidenceDivisor = 80.0
	exchangeScoreCap  = 15.0
)

// Input is the aggregated state a score is computed over. Scoring is a
// pure function of this snapshot.
type Input struct {
	Sources         []string
	Exchanges       []string
	FirstDetectedAt int64 // earliest detected_at among aggregated raws
	FirstSeenAt     int64 // first-seen ledger value for the fingerprint
	IsFirstSeen     bool  // this aggregation created the ledger entry
}

// Result is a scored snapshot with its full breakdown.
type Result struct {
	Score      float64
	Breakdown  model.ScoreBreakdown
	Confidence float64
	Timeliness model.TimelinessCategory
	GroupCount int
}

// Engine scores aggregation snapshots against the configured tables.
type Engine struct {
	cfg *config.ScoringConfig
}

// New builds a scoring engine over the loaded configuration tables.
func New(cfg *config.ScoringConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Score evaluates an aggregation snapshot.
func (e *Engine) Score(in Input) Result {
	sourceScore := e.sourceScore(in.Sources)
	multiScore, groups := e.multiSourceScore(in.Sources)
	timelinessScore, category := e.timelinessScore(in)
	exchangeScore := e.exchangeScore(in.Exchanges)

	final := WeightSource*sourceScore +
		WeightMultiSource*multiScore +
		WeightTimeliness*timelinessScore +
		WeightExchange*exchangeScore

	confidence := final / confidenceDivisor
	if confidence > 1 {
		confidence = 1
	}

	return Result{
		Score: final,
		Breakdown: model.ScoreBreakdown{
			Source:      sourceScore,
			MultiSource: multiScore,
			Timeliness:  timelinessScore,
			Exchange:    exchangeScore,
		},
		Confidence: confidence,
		Timeliness: category,
		GroupCount: groups,
	}
}

// sourceScore is the best base score among the aggregated sources.
// Unknown sources score zero (tier C).
func (e *Engine) sourceScore(sources []string) float64 {
	best := 0.0
	for _, s := range sources {
		if entry, ok := e.cfg.SourceScores[s]; ok && entry.Score > best {
			best = entry.Score
		}
	}
	return best
}

// multiSourceScore counts independent source groups, not raw source
// strings: three telegram channels in the same group confirm nothing.
func (e *Engine) multiSourceScore(sources []string) (float64, int) {
	groups := map[model.SourceGroup]struct{}{}
	for _, s := range sources {
		groups[e.GroupOf(s)] = struct{}{}
	}
	n := len(groups)
	switch {
	case n >= 4:
		return 40, n
	case n == 3:
		return 32, n
	case n == 2:
		return 20, n
	default:
		return 0, n
	}
}

func (e *Engine) timelinessScore(in Input) (float64, model.TimelinessCategory) {
	if in.IsFirstSeen {
		return 20, model.TimelinessFirstSeen
	}
	delta := in.FirstDetectedAt - in.FirstSeenAt
	switch {
	case delta <= 0:
		return 20, model.TimelinessFirstSeen
	case delta <= 5000:
		return 18, model.TimelinessWithin5s
	case delta <= 30000:
		return 12, model.TimelinessWithin30s
	case delta <= 60000:
		return 8, model.TimelinessWithin1Min
	case delta <= 300000:
		return 4, model.TimelinessWithin5Min
	default:
		return 0, model.TimelinessOlder
	}
}

// exchangeScore is clamp(10 x multiplier, 0, 15) over the best venue in
// the snapshot. Unknown or absent venues use multiplier 1.0.
func (e *Engine) exchangeScore(exchanges []string) float64 {
	bestMult := 1.0
	for _, ex := range exchanges {
		if m, ok := e.cfg.ExchangeMultipliers[ex]; ok && m > bestMult {
			bestMult = m
		}
	}
	score := 10 * bestMult
	if score > exchangeScoreCap {
		score = exchangeScoreCap
	}
	if score < 0 {
		score = 0
	}
	return score
}

// GroupOf returns the independence group of a source; unknown sources
// fall into the news group (tier C).
func (e *Engine) GroupOf(source string) model.SourceGroup {
	if entry, ok := e.cfg.SourceScores[source]; ok {
		return model.SourceGroup(entry.Group)
	}
	return model.GroupNews
}

// IsTrusted reports whether a source widens the aggregation window.
func (e *Engine) IsTrusted(source string) bool {
	entry, ok := e.cfg.SourceScores[source]
	return ok && entry.Trusted
}
