package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPublish_CapsStream(t *testing.T) {
	db, mock := redismock.NewClientMock()
	b := NewWithClient(db)

	values := map[string]any{"source": "ws_binance", "raw_text": "listing"}
	mock.ExpectXAdd(&redis.XAddArgs{
		Stream: StreamRaw,
		MaxLen: MaxLenRaw,
		Approx: true,
		Values: values,
	}).SetVal("1-0")

	id, err := b.Publish(testCtx(t), StreamRaw, MaxLenRaw, values)
	require.NoError(t, err)
	assert.Equal(t, "1-0", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureGroup_ExistingGroupIsNotAnError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	b := NewWithClient(db)

	mock.ExpectXGroupCreateMkStream(StreamRaw, GroupFusion, "0").
		SetErr(errors.New("BUSYGROUP Consumer Group name already exists"))
	assert.NoError(t, b.EnsureGroup(testCtx(t), StreamRaw, GroupFusion))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsume_EmptyReadIsNotAnError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	b := NewWithClient(db)

	mock.ExpectXReadGroup(&redis.XReadGroupArgs{
		Group:    GroupFusion,
		Consumer: "c1",
		Streams:  []string{StreamRaw, ">"},
		Count:    100,
		Block:    5 * time.Second,
	}).RedisNil()

	msgs, err := b.Consume(testCtx(t), StreamRaw, GroupFusion, "c1", 100, 5*time.Second)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsume_FlattensStreams(t *testing.T) {
	db, mock := redismock.NewClientMock()
	b := NewWithClient(db)

	mock.ExpectXReadGroup(&redis.XReadGroupArgs{
		Group:    GroupFusion,
		Consumer: "c1",
		Streams:  []string{StreamRaw, ">"},
		Count:    10,
		Block:    time.Second,
	}).SetVal([]redis.XStream{{
		Stream: StreamRaw,
		Messages: []redis.XMessage{
			{ID: "1-0", Values: map[string]any{"source": "ws_binance"}},
			{ID: "2-0", Values: map[string]any{"source": "rss_news"}},
		},
	}})

	msgs, err := b.Consume(testCtx(t), StreamRaw, GroupFusion, "c1", 10, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "1-0", msgs[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_AbsentKey(t *testing.T) {
	db, mock := redismock.NewClientMock()
	b := NewWithClient(db)

	mock.ExpectGet("first_seen:deadbeef").RedisNil()
	_, found, err := b.Get(testCtx(t), "first_seen:deadbeef")
	require.NoError(t, err)
	assert.False(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExists_RetriesTransientError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	b := NewWithClient(db)

	// One network blip, then the real answer: the caller never sees the
	// transient error.
	mock.ExpectExists("dedup:abc123").SetErr(errors.New("connection refused"))
	mock.ExpectExists("dedup:abc123").SetVal(1)

	present, err := b.Exists(testCtx(t), "dedup:abc123")
	require.NoError(t, err)
	assert.True(t, present)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_RetriesTransientError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	b := NewWithClient(db)

	mock.ExpectGet("first_seen:abc123").SetErr(errors.New("i/o timeout"))
	mock.ExpectGet("first_seen:abc123").SetVal("1736899200000")

	val, found, err := b.Get(testCtx(t), "first_seen:abc123")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "1736899200000", val)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsTransient(t *testing.T) {
	assert.False(t, isTransient(nil))
	assert.False(t, isTransient(redis.Nil))
	assert.False(t, isTransient(context.Canceled))
	assert.False(t, isTransient(errors.New("NOAUTH Authentication required")))
	assert.True(t, isTransient(errors.New("connection refused")))
}

func TestKeyNames(t *testing.T) {
	assert.Equal(t, "dedup:abc123", KeyDedup("abc123"))
	assert.Equal(t, "first_seen:abc123", KeyFirstSeen("abc123"))
	assert.Equal(t, "cooldown:ABC", KeyCooldown("ABC"))
	assert.Equal(t, "node:heartbeat:n1", KeyHeartbeat("n1"))
	assert.Equal(t, "known_pairs:gate", KeyKnownPairs("gate"))
}
