// Package bus wraps the Redis primitives the pipeline coordinates
// through: bounded streams with consumer groups, SET-NX-EX keys for
// dedup/first-seen/cooldown, and heartbeat hashes. All cross-process
// state lives behind this package.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/listingfuse/internal/config"
)

// Transient retry backoff bounds for bus calls.
const (
	retryBase = 50 * time.Millisecond
	retryCap  = 5 * time.Second
)

// Bus is a thin client over the shared Redis instance.
type Bus struct {
	rdb *redis.Client
}

// New connects to the configured Redis endpoint and verifies it with a
// ping. Auth or connection failures here are fatal to the process.
func New(ctx context.Context, cfg config.BusConfig) (*Bus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Endpoint,
		Password: cfg.Auth,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("bus ping %s: %w", cfg.Endpoint, err)
	}
	return &Bus{rdb: rdb}, nil
}

// NewWithClient wraps an existing client. Used by tests with redismock.
func NewWithClient(rdb *redis.Client) *Bus { return &Bus{rdb: rdb} }

// Close releases the connection pool.
func (b *Bus) Close() error { return b.rdb.Close() }

// Ping checks bus liveness.
func (b *Bus) Ping(ctx context.Context) error { return b.rdb.Ping(ctx).Err() }

// isTransient reports whether an error is worth retrying. Nil results
// and context cancellation are not; network and LOADING errors are.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := err.Error()
	if strings.Contains(msg, "NOAUTH") || strings.Contains(msg, "WRONGPASS") || strings.Contains(msg, "NOPERM") {
		return false
	}
	return true
}

// withRetry runs fn with exponential backoff on transient errors,
// indefinitely, until the context dies. The pipeline stalls rather
// than drops when the bus blips.
func (b *Bus) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := retryBase
	for {
		err := fn()
		if err == nil || !isTransient(err) {
			return err
		}
		log.Warn().Err(err).Str("op", op).Dur("backoff", delay).Msg("bus transient error, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryCap {
			delay = retryCap
		}
	}
}

// Publish appends an entry to a stream with an approximate length cap.
// Returns the assigned stream id.
func (b *Bus) Publish(ctx context.Context, stream string, maxLen int64, values map[string]any) (string, error) {
	var id string
	err := b.withRetry(ctx, "xadd "+stream, func() error {
		var err error
		id, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			MaxLen: maxLen,
			Approx: true,
			Values: values,
		}).Result()
		return err
	})
	return id, err
}

// EnsureGroup creates a consumer group at the start of a stream,
// creating the stream if needed. An existing group is not an error.
func (b *Bus) EnsureGroup(ctx context.Context, stream, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

// Consume blocks up to block for new entries assigned to this consumer.
// A timeout with no entries returns an empty slice, not an error.
func (b *Bus) Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]redis.XMessage, error) {
	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var msgs []redis.XMessage
	for _, s := range res {
		msgs = append(msgs, s.Messages...)
	}
	return msgs, nil
}

// Ack acknowledges processed stream entries for a group.
func (b *Bus) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return b.withRetry(ctx, "xack "+stream, func() error {
		return b.rdb.XAck(ctx, stream, group, ids...).Err()
	})
}

// Claim transfers entries pending longer than minIdle from any consumer
// in the group to this one, for reprocessing after a crash or stall.
func (b *Bus) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]redis.XMessage, error) {
	msgs, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return msgs, nil
}

// SetNX atomically sets key=value with a TTL if absent. Returns whether
// this call created the key.
func (b *Bus) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var created bool
	err := b.withRetry(ctx, "setnx "+key, func() error {
		var err error
		created, err = b.rdb.SetNX(ctx, key, value, ttl).Result()
		return err
	})
	return created, err
}

// Get fetches a string key; found=false when absent.
func (b *Bus) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		val   string
		found bool
	)
	err := b.withRetry(ctx, "get "+key, func() error {
		v, err := b.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			val, found = "", false
			return nil
		}
		if err != nil {
			return err
		}
		val, found = v, true
		return nil
	})
	return val, found, err
}

// Exists reports whether a key is present.
func (b *Bus) Exists(ctx context.Context, key string) (bool, error) {
	var present bool
	err := b.withRetry(ctx, "exists "+key, func() error {
		n, err := b.rdb.Exists(ctx, key).Result()
		present = n > 0
		return err
	})
	return present, err
}

// WriteHeartbeat writes the liveness hash for a node and refreshes its
// TTL in one round trip.
func (b *Bus) WriteHeartbeat(ctx context.Context, nodeID string, fields map[string]any, ttl time.Duration) error {
	key := KeyHeartbeat(nodeID)
	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// IsKnownPair reports whether an exchange's collector has seen a symbol
// listed on that venue.
func (b *Bus) IsKnownPair(ctx context.Context, exchange, symbol string) (bool, error) {
	var listed bool
	err := b.withRetry(ctx, "sismember "+exchange, func() error {
		var err error
		listed, err = b.rdb.SIsMember(ctx, KeyKnownPairs(exchange), symbol).Result()
		return err
	})
	return listed, err
}

// AddKnownPair records a symbol in an exchange's known-pairs set.
func (b *Bus) AddKnownPair(ctx context.Context, exchange, symbol string) error {
	return b.rdb.SAdd(ctx, KeyKnownPairs(exchange), symbol).Err()
}
