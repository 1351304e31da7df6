package router

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/listingfuse/internal/bus"
	"github.com/sawpanic/listingfuse/internal/config"
	"github.com/sawpanic/listingfuse/internal/metrics"
)

func newNotifier(t *testing.T, url string) (*Notifier, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	cfg := config.Default()
	cfg.Notify.WebhookURL = url
	cfg.Notify.TimeoutSec = 2
	cfg.Notify.Retries = 2
	cfg.Notify.RatePerSec = 100
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	return NewNotifier(bus.NewWithClient(db), cfg, reg, "test-notify"), mock
}

func TestNewNotifier_NilWithoutURL(t *testing.T) {
	db, _ := redismock.NewClientMock()
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	assert.Nil(t, NewNotifier(bus.NewWithClient(db), config.Default(), reg, "c"))
}

func TestShouldNotify_Gates(t *testing.T) {
	n, _ := newNotifier(t, "http://localhost:1/hook")

	assert.True(t, n.shouldNotify(fused("ABC", 30, false)))
	assert.False(t, n.shouldNotify(fused("USDT", 80, false)), "blacklisted symbol never notifies")
	assert.False(t, n.shouldNotify(fused("ABC", 20, false)), "below notify threshold")
}

func TestProcessBatch_EnqueuesEligibleAndAcksAll(t *testing.T) {
	n, mock := newNotifier(t, "http://localhost:1/hook")

	eligible := fused("ABC", 60, false)
	blacklisted := fused("USDT", 80, false)
	msgs := []redis.XMessage{
		{ID: "1-0", Values: eligible.ToStreamValues()},
		{ID: "2-0", Values: blacklisted.ToStreamValues()},
	}
	mock.ExpectXAck(bus.StreamFused, bus.GroupWebhook, "1-0", "2-0").SetVal(2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n.processBatch(ctx, msgs)

	require.Len(t, n.queue, 1, "only the eligible event is queued")
	queued := <-n.queue
	assert.Equal(t, "ABC", queued.Symbol)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliver_PostsJSONPayload(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		got.Store(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n, _ := newNotifier(t, srv.URL)
	require.NotNil(t, n)

	fe := fused("ABC", 60, true)
	n.deliver(context.Background(), fe)

	assert.Equal(t, int64(1), n.Sent.Load())
	assert.Zero(t, n.Failures.Load())

	var payload map[string]any
	require.NoError(t, json.Unmarshal(got.Load().([]byte), &payload))
	assert.Equal(t, fe.EventID, payload["event_id"])
	assert.Equal(t, "ABC", payload["symbol"])
	assert.Equal(t, true, payload["is_super_event"])
	assert.Equal(t, 60.0, payload["score"])
}

func TestDeliver_RetriesThenRecordsFailure(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n, _ := newNotifier(t, srv.URL)

	start := time.Now()
	n.deliver(context.Background(), fused("ABC", 60, false))

	assert.Equal(t, int64(2), hits.Load(), "one attempt plus one retry")
	assert.Equal(t, int64(1), n.Failures.Load())
	assert.Zero(t, n.Sent.Load())
	assert.GreaterOrEqual(t, time.Since(start), time.Second, "backoff between attempts")
}

func TestDeliver_RetryRecoversOnSecondAttempt(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n, _ := newNotifier(t, srv.URL)

	n.deliver(context.Background(), fused("ABC", 60, false))

	assert.Equal(t, int64(2), hits.Load())
	assert.Equal(t, int64(1), n.Sent.Load())
	assert.Zero(t, n.Failures.Load())
}

func TestEnqueue_FullQueueDropsAndCounts(t *testing.T) {
	n, _ := newNotifier(t, "http://localhost:1/hook")

	// Nobody draining the queue: fill it past capacity.
	for i := 0; i < notifyQueueDepth+3; i++ {
		n.Enqueue(fused("ABC", 60, false))
	}
	assert.Equal(t, int64(3), n.Failures.Load())
}
