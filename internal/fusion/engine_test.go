package fusion

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/listingfuse/internal/aggregate"
	"github.com/sawpanic/listingfuse/internal/bus"
	"github.com/sawpanic/listingfuse/internal/config"
	"github.com/sawpanic/listingfuse/internal/dedup"
	"github.com/sawpanic/listingfuse/internal/metrics"
	"github.com/sawpanic/listingfuse/internal/model"
	"github.com/sawpanic/listingfuse/internal/normalize"
	"github.com/sawpanic/listingfuse/internal/scoring"
)

func newEngine(t *testing.T) (*Engine, redismock.ClientMock, *config.Config) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	b := bus.NewWithClient(db)
	cfg := config.Default()
	scorer := scoring.New(&cfg.Scoring)
	e := New(b, cfg,
		normalize.New(normalize.NewClassifier()),
		dedup.New(b, cfg.DedupTTL()),
		aggregate.NewTracker(b, scorer, cfg),
		metrics.NewRegistry(prometheus.NewRegistry()),
		nil, "test-fuse")
	return e, mock, cfg
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func rawMessage(id string, detectedAt int64) redis.XMessage {
	e := &model.RawEvent{
		Source:     "ws_binance",
		SourceType: model.SourceTypeWebsocket,
		Exchange:   "binance",
		Symbol:     "ABCUSDT",
		Event:      model.EventListing,
		RawText:    "Binance will list ABC",
		DetectedAt: detectedAt,
		NodeID:     "collector-1",
	}
	return redis.XMessage{ID: id, Values: e.ToStreamValues()}
}

func TestProcessOne_HappyPath(t *testing.T) {
	e, mock, cfg := newEngine(t)
	now := time.Now().UnixMilli()
	fp := model.Fingerprint("binance", "ABC", model.EventListing)

	mock.ExpectExists(bus.KeyDedup(fp)).SetVal(0)
	mock.ExpectSetNX(bus.KeyDedup(fp), "1", cfg.DedupTTL()).SetVal(true)
	mock.ExpectSetNX(bus.KeyFirstSeen(fp), strconv.FormatInt(now, 10), cfg.FirstSeenTTL()).SetVal(true)

	e.processOne(testCtx(t), rawMessage("1-0", now))

	assert.Equal(t, int64(1), e.Stats.Processed.Load())
	assert.Zero(t, e.Stats.Rejected.Load())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessOne_RejectsStaleEvent(t *testing.T) {
	e, mock, _ := newEngine(t)
	stale := time.Now().Add(-2 * time.Hour).UnixMilli()

	// No bus traffic for rejected events.
	e.processOne(testCtx(t), rawMessage("1-0", stale))

	assert.Equal(t, int64(1), e.Stats.Rejected.Load())
	assert.Zero(t, e.Stats.Processed.Load())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessOne_RejectsGarbagePayload(t *testing.T) {
	e, mock, _ := newEngine(t)

	e.processOne(testCtx(t), redis.XMessage{ID: "1-0", Values: map[string]any{
		"detected_at": "garbage",
	}})

	assert.Equal(t, int64(1), e.Stats.Rejected.Load())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessOne_SuppressesDuplicate(t *testing.T) {
	e, mock, cfg := newEngine(t)
	now := time.Now().UnixMilli()
	fp := model.Fingerprint("binance", "ABC", model.EventListing)

	mock.ExpectExists(bus.KeyDedup(fp)).SetVal(0)
	mock.ExpectSetNX(bus.KeyDedup(fp), "1", cfg.DedupTTL()).SetVal(true)
	mock.ExpectSetNX(bus.KeyFirstSeen(fp), strconv.FormatInt(now, 10), cfg.FirstSeenTTL()).SetVal(true)
	e.processOne(testCtx(t), rawMessage("1-0", now))

	// Second identical report from the same source: the dedup filter
	// already remembers (fingerprint, source) locally.
	mock.ExpectExists(bus.KeyDedup(fp)).SetVal(1)
	e.processOne(testCtx(t), rawMessage("2-0", now+100))

	assert.Equal(t, int64(1), e.Stats.Processed.Load())
	assert.Equal(t, int64(1), e.Stats.Duplicate.Load())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStats_Snapshot(t *testing.T) {
	var s Stats
	s.Processed.Add(5)
	s.Fused.Add(2)
	s.observeScore(30)
	s.observeScore(50)

	snap := s.Snapshot()
	assert.Equal(t, int64(5), snap["processed"])
	assert.Equal(t, int64(2), snap["fused"])
	assert.InDelta(t, 40.0, snap["avg_score"].(float64), 1e-9)
}
