package statsstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/intervox/internal/stream"
)

// Schema is the SQL DDL for the stream_snapshots table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS stream_snapshots (
    id                  BIGSERIAL PRIMARY KEY,
    session_id          UUID NOT NULL,
    recorded_at         TIMESTAMPTZ NOT NULL,
    reason              TEXT NOT NULL DEFAULT '',
    chunks_queued       BIGINT NOT NULL,
    chunks_sent         BIGINT NOT NULL,
    total_bytes_sent    BIGINT NOT NULL,
    backpressure_events BIGINT NOT NULL,
    send_errors         BIGINT NOT NULL,
    average_latency_us  BIGINT NOT NULL,
    buffer_utilization  DOUBLE PRECISION NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stream_snapshots_session
    ON stream_snapshots(session_id, recorded_at DESC);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by PostgreSQL.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store on db. Call [PostgresStore.Migrate] before
// first use.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the snapshot table and index if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("statsstore: migrate: %w", err)
	}
	return nil
}

// Record implements [Store].
func (s *PostgresStore) Record(ctx context.Context, snap Snapshot) error {
	if snap.SessionID == uuid.Nil {
		return ErrNoSession
	}
	if snap.RecordedAt.IsZero() {
		snap.RecordedAt = time.Now()
	}

	const query = `
		INSERT INTO stream_snapshots (
			session_id, recorded_at, reason,
			chunks_queued, chunks_sent, total_bytes_sent,
			backpressure_events, send_errors, average_latency_us, buffer_utilization
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	st := snap.Stats
	_, err := s.db.Exec(ctx, query,
		snap.SessionID.String(), snap.RecordedAt, snap.Reason,
		st.ChunksQueued, st.ChunksSent, st.TotalBytesSent,
		st.BackpressureEvents, st.SendErrors, st.AverageLatency.Microseconds(), st.BufferUtilization,
	)
	if err != nil {
		return fmt.Errorf("statsstore: record: %w", err)
	}
	return nil
}

const selectColumns = `
	SELECT session_id::text, recorded_at, reason,
	       chunks_queued, chunks_sent, total_bytes_sent,
	       backpressure_events, send_errors, average_latency_us, buffer_utilization
	FROM stream_snapshots`

// Latest implements [Store].
func (s *PostgresStore) Latest(ctx context.Context, sessionID uuid.UUID) (*Snapshot, error) {
	query := selectColumns + `
	WHERE session_id = $1
	ORDER BY recorded_at DESC, id DESC
	LIMIT 1`

	snap, err := scanSnapshot(s.db.QueryRow(ctx, query, sessionID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("statsstore: latest %s: %w", sessionID, err)
	}
	return &snap, nil
}

// List implements [Store].
func (s *PostgresStore) List(ctx context.Context, sessionID uuid.UUID, limit int) ([]Snapshot, error) {
	query := selectColumns + `
	WHERE session_id = $1
	ORDER BY recorded_at DESC, id DESC`
	args := []any{sessionID.String()}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("statsstore: list %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("statsstore: list %s: scan: %w", sessionID, err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("statsstore: list %s: %w", sessionID, err)
	}
	return out, nil
}

func scanSnapshot(row pgx.Row) (Snapshot, error) {
	var (
		snap      Snapshot
		id        string
		latencyUS int64
		st        stream.Statistics
	)
	err := row.Scan(
		&id, &snap.RecordedAt, &snap.Reason,
		&st.ChunksQueued, &st.ChunksSent, &st.TotalBytesSent,
		&st.BackpressureEvents, &st.SendErrors, &latencyUS, &st.BufferUtilization,
	)
	if err != nil {
		return Snapshot{}, err
	}
	if snap.SessionID, err = uuid.Parse(id); err != nil {
		return Snapshot{}, fmt.Errorf("parse session id %q: %w", id, err)
	}
	st.AverageLatency = time.Duration(latencyUS) * time.Microsecond
	snap.Stats = st
	return snap, nil
}
