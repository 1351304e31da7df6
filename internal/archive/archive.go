// Package archive persists emitted fused events to Postgres for
// offline analysis. Optional: the pipeline runs fine without a DSN,
// and archive failures never block emission.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/sawpanic/listingfuse/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS fused_events (
	event_id        TEXT PRIMARY KEY,
	symbol          TEXT NOT NULL,
	exchange        TEXT,
	event_type      TEXT NOT NULL,
	score           DOUBLE PRECISION NOT NULL,
	confidence      DOUBLE PRECISION NOT NULL,
	source_count    INTEGER NOT NULL,
	is_super_event  BOOLEAN NOT NULL,
	is_first_seen   BOOLEAN NOT NULL,
	sources         JSONB NOT NULL,
	score_breakdown JSONB NOT NULL,
	first_seen_at   BIGINT NOT NULL,
	created_at      BIGINT NOT NULL,
	archived_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_fused_events_symbol ON fused_events (symbol, created_at DESC);
`

const insertStmt = `
INSERT INTO fused_events (
	event_id, symbol, exchange, event_type, score, confidence,
	source_count, is_super_event, is_first_seen, sources,
	score_breakdown, first_seen_at, created_at
) VALUES (
	:event_id, :symbol, :exchange, :event_type, :score, :confidence,
	:source_count, :is_super_event, :is_first_seen, :sources,
	:score_breakdown, :first_seen_at, :created_at
) ON CONFLICT (event_id) DO NOTHING`

// Store writes fused events into the fused_events table.
type Store struct {
	db *sqlx.DB
}

// Open connects to Postgres and ensures the schema exists.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("archive connect: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(time.Minute)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

type row struct {
	EventID        string  `db:"event_id"`
	Symbol         string  `db:"symbol"`
	Exchange       string  `db:"exchange"`
	EventType      string  `db:"event_type"`
	Score          float64 `db:"score"`
	Confidence     float64 `db:"confidence"`
	SourceCount    int     `db:"source_count"`
	IsSuperEvent   bool    `db:"is_super_event"`
	IsFirstSeen    bool    `db:"is_first_seen"`
	Sources        []byte  `db:"sources"`
	ScoreBreakdown []byte  `db:"score_breakdown"`
	FirstSeenAt    int64   `db:"first_seen_at"`
	CreatedAt      int64   `db:"created_at"`
}

// Store inserts one fused event; replays of the same event id are
// no-ops.
func (s *Store) Store(ctx context.Context, fe *model.FusedEvent) error {
	sources, err := json.Marshal(fe.Sources)
	if err != nil {
		return err
	}
	breakdown, err := json.Marshal(fe.ScoreBreakdown)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, insertStmt, row{
		EventID:        fe.EventID,
		Symbol:         fe.Symbol,
		Exchange:       fe.Exchange,
		EventType:      string(fe.EventType),
		Score:          fe.Score,
		Confidence:     fe.Confidence,
		SourceCount:    fe.SourceCount,
		IsSuperEvent:   fe.IsSuperEvent,
		IsFirstSeen:    fe.IsFirstSeen,
		Sources:        sources,
		ScoreBreakdown: breakdown,
		FirstSeenAt:    fe.FirstSeenAt,
		CreatedAt:      fe.CreatedAt,
	})
	return err
}
