// Package heartbeat publishes periodic per-process liveness hashes so
// operators and peers can tell fresh, stale and offline nodes apart.
package heartbeat

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/listingfuse/internal/bus"
)

// Statuses written to the heartbeat hash.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
	StatusError   = "error"
	StatusPaused  = "paused"
)

// Interval between heartbeat writes. The key TTL is configured larger
// so a missed beat degrades to stale before offline.
const Interval = 30 * time.Second

// StatsFunc supplies the component-specific counters serialized into
// the stats field.
type StatsFunc func() map[string]any

// Reporter periodically writes node:heartbeat:<id>.
type Reporter struct {
	bus     *bus.Bus
	nodeID  string
	version string
	ttl     time.Duration
	stats   StatsFunc
	started time.Time
}

// New builds a reporter for this process.
func New(b *bus.Bus, nodeID, version string, ttl time.Duration, stats StatsFunc) *Reporter {
	return &Reporter{
		bus:     b,
		nodeID:  nodeID,
		version: version,
		ttl:     ttl,
		stats:   stats,
		started: time.Now(),
	}
}

// Run beats until the context dies, then writes a final stopped beat.
func (r *Reporter) Run(ctx context.Context) {
	r.beat(ctx, StatusRunning)
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Best-effort stopped marker with a short fresh context.
			stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			r.beat(stopCtx, StatusStopped)
			cancel()
			return
		case <-ticker.C:
			r.beat(ctx, StatusRunning)
		}
	}
}

func (r *Reporter) beat(ctx context.Context, status string) {
	fields := map[string]any{
		"status":         status,
		"node_id":        r.nodeID,
		"version":        r.version,
		"uptime_seconds": strconv.FormatInt(int64(time.Since(r.started).Seconds()), 10),
		"timestamp":      strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	if r.stats != nil {
		if b, err := json.Marshal(r.stats()); err == nil {
			fields["stats"] = string(b)
		}
	}
	if err := r.bus.WriteHeartbeat(ctx, r.nodeID, fields, r.ttl); err != nil {
		log.Warn().Err(err).Str("node_id", r.nodeID).Msg("heartbeat write failed")
	}
}
