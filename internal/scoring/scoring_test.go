package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sawpanic/listingfuse/internal/config"
	"github.com/sawpanic/listingfuse/internal/model"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	return New(&config.Default().Scoring)
}

func TestScore_SingleSourceFirstSeen(t *testing.T) {
	// Lone tier-S socket report on a tier-1 venue: strong source and
	// timeliness but no confirmation, so it stays below the fusion
	// threshold of 28.
	e := newEngine(t)
	r := e.Score(Input{
		Sources:     []string{"ws_binance"},
		Exchanges:   []string{"binance"},
		IsFirstSeen: true,
	})
	assert.Equal(t, 65.0, r.Breakdown.Source)
	assert.Equal(t, 0.0, r.Breakdown.MultiSource)
	assert.Equal(t, 20.0, r.Breakdown.Timeliness)
	assert.Equal(t, 15.0, r.Breakdown.Exchange)
	assert.InDelta(t, 22.5, r.Score, 1e-9)
	assert.Equal(t, model.TimelinessFirstSeen, r.Timeliness)
	assert.Equal(t, 1, r.GroupCount)
}

func TestScore_DualSourceConfirmation(t *testing.T) {
	// Exchange socket plus alpha intel: two independent groups.
	e := newEngine(t)
	r := e.Score(Input{
		Sources:     []string{"ws_binance", "tg_alpha_intel"},
		Exchanges:   []string{"binance"},
		IsFirstSeen: true,
	})
	assert.Equal(t, 65.0, r.Breakdown.Source)
	assert.Equal(t, 20.0, r.Breakdown.MultiSource)
	assert.Equal(t, 20.0, r.Breakdown.Timeliness)
	assert.Equal(t, 15.0, r.Breakdown.Exchange)
	assert.InDelta(t, 30.25, r.Score, 1e-9)
	assert.InDelta(t, 30.25/80, r.Confidence, 1e-9)
	assert.Equal(t, 2, r.GroupCount)
}

func TestScore_DeterministicFromBreakdown(t *testing.T) {
	e := newEngine(t)
	in := Input{
		Sources:         []string{"tg_alpha_intel", "chain_factory", "rss_news"},
		Exchanges:       []string{"gate"},
		FirstDetectedAt: 10_000,
		FirstSeenAt:     4_000,
	}
	r := e.Score(in)
	recomputed := WeightSource*r.Breakdown.Source +
		WeightMultiSource*r.Breakdown.MultiSource +
		WeightTimeliness*r.Breakdown.Timeliness +
		WeightExchange*r.Breakdown.Exchange
	assert.InDelta(t, recomputed, r.Score, 1e-9)
	// Same input, same output.
	assert.Equal(t, r, e.Score(in))
}

func TestScore_BreakdownBounds(t *testing.T) {
	e := newEngine(t)
	inputs := []Input{
		{Sources: []string{"ws_binance"}, Exchanges: []string{"binance"}, IsFirstSeen: true},
		{Sources: []string{"rss_news"}, Exchanges: nil, FirstDetectedAt: 400_000, FirstSeenAt: 0},
		{Sources: []string{"ws_binance", "tg_alpha_intel", "twitter_exchange", "chain_log", "rss_news"},
			Exchanges: []string{"binance", "upbit"}, IsFirstSeen: true},
		{Sources: []string{"unknown_source"}, Exchanges: []string{"unknown_venue"}},
	}
	for _, in := range inputs {
		r := e.Score(in)
		assert.GreaterOrEqual(t, r.Breakdown.Source, 0.0)
		assert.LessOrEqual(t, r.Breakdown.Source, 65.0)
		assert.GreaterOrEqual(t, r.Breakdown.MultiSource, 0.0)
		assert.LessOrEqual(t, r.Breakdown.MultiSource, 40.0)
		assert.GreaterOrEqual(t, r.Breakdown.Timeliness, 0.0)
		assert.LessOrEqual(t, r.Breakdown.Timeliness, 20.0)
		assert.GreaterOrEqual(t, r.Breakdown.Exchange, 0.0)
		assert.LessOrEqual(t, r.Breakdown.Exchange, 15.0)
		assert.LessOrEqual(t, r.Confidence, 1.0)
	}
}

func TestMultiSourceScore_CountsGroupsNotSources(t *testing.T) {
	e := newEngine(t)
	// Three sources, all exchange_official: no confirmation bonus.
	r := e.Score(Input{
		Sources:   []string{"ws_binance", "rest_binance", "tg_binance_announce"},
		Exchanges: []string{"binance"},
	})
	assert.Equal(t, 0.0, r.Breakdown.MultiSource)
	assert.Equal(t, 1, r.GroupCount)

	// Four distinct groups hit the 40 cap.
	r = e.Score(Input{
		Sources: []string{"ws_binance", "tg_alpha_intel", "twitter_exchange", "chain_log"},
	})
	assert.Equal(t, 40.0, r.Breakdown.MultiSource)
	assert.Equal(t, 4, r.GroupCount)

	// Three groups.
	r = e.Score(Input{
		Sources: []string{"ws_binance", "tg_alpha_intel", "chain_log"},
	})
	assert.Equal(t, 32.0, r.Breakdown.MultiSource)
}

func TestTimelinessBuckets(t *testing.T) {
	e := newEngine(t)
	cases := []struct {
		delta    int64
		score    float64
		category model.TimelinessCategory
	}{
		{0, 20, model.TimelinessFirstSeen},
		{3_000, 18, model.TimelinessWithin5s},
		{5_000, 18, model.TimelinessWithin5s},
		{20_000, 12, model.TimelinessWithin30s},
		{45_000, 8, model.TimelinessWithin1Min},
		{200_000, 4, model.TimelinessWithin5Min},
		{300_001, 0, model.TimelinessOlder},
	}
	for _, tc := range cases {
		r := e.Score(Input{
			Sources:         []string{"rest_generic"},
			FirstDetectedAt: 1_000_000 + tc.delta,
			FirstSeenAt:     1_000_000,
		})
		assert.Equal(t, tc.score, r.Breakdown.Timeliness, "delta %dms", tc.delta)
		assert.Equal(t, tc.category, r.Timeliness, "delta %dms", tc.delta)
	}
}

func TestExchangeScore_ClampAndUnknown(t *testing.T) {
	e := newEngine(t)
	// binance multiplier 1.5 clamps at 15.
	r := e.Score(Input{Sources: []string{"rest_generic"}, Exchanges: []string{"binance"}, IsFirstSeen: true})
	assert.Equal(t, 15.0, r.Breakdown.Exchange)
	// unknown venue falls back to multiplier 1.0.
	r = e.Score(Input{Sources: []string{"rest_generic"}, Exchanges: []string{"nowhere"}, IsFirstSeen: true})
	assert.Equal(t, 10.0, r.Breakdown.Exchange)
	// low-tier venue below 1.0.
	r = e.Score(Input{Sources: []string{"rest_generic"}, Exchanges: []string{"biconomy"}, IsFirstSeen: true})
	assert.Equal(t, 8.0, r.Breakdown.Exchange)
}

func TestGroupOf_UnknownSourceIsNews(t *testing.T) {
	e := newEngine(t)
	assert.Equal(t, model.GroupNews, e.GroupOf("never_heard_of_it"))
	assert.Equal(t, model.GroupAlphaIntel, e.GroupOf("tg_alpha_intel"))
}

func TestIsTrusted(t *testing.T) {
	e := newEngine(t)
	assert.True(t, e.IsTrusted("ws_binance"))
	assert.False(t, e.IsTrusted("tg_alpha_intel"))
	assert.False(t, e.IsTrusted("nope"))
}
