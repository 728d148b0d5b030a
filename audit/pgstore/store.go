// Package pgstore provides a PostgreSQL-based audit store implementation.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lirancohen/loupe/audit"
)

const schema = `
CREATE TABLE IF NOT EXISTS loupe_audit_entries (
	id TEXT PRIMARY KEY,
	stream_id TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	type TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	data JSONB,
	metadata JSONB,
	timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT loupe_audit_stream_sequence UNIQUE (stream_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_loupe_audit_entity
	ON loupe_audit_entries ((metadata->>'entity_type'), (metadata->>'entity_id'));
`

// Store implements audit.Store with PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a new PostgreSQL audit store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the audit table if it does not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	return nil
}

// Append adds a single entry to the store.
func (s *Store) Append(ctx context.Context, e audit.Entry) error {
	return s.AppendBatch(ctx, []audit.Entry{e})
}

// AppendBatch adds multiple entries atomically.
func (s *Store) AppendBatch(ctx context.Context, entries []audit.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	byStream := make(map[string][]audit.Entry)
	for _, e := range entries {
		byStream[e.StreamID] = append(byStream[e.StreamID], e)
	}

	for streamID, streamEntries := range byStream {
		// Serializes writers of one stream; MAX() cannot be combined with FOR UPDATE.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, streamID); err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}

		var lastSeq int64
		err := tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(sequence), 0)
			FROM loupe_audit_entries
			WHERE stream_id = $1
		`, streamID).Scan(&lastSeq)
		if err != nil {
			return fmt.Errorf("get last sequence: %w", err)
		}

		expected := lastSeq + 1
		for _, e := range streamEntries {
			if e.Sequence != expected {
				return &audit.SequenceConflictError{StreamID: streamID, Expected: expected, Actual: e.Sequence}
			}
			expected++
		}
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			INSERT INTO loupe_audit_entries (id, stream_id, sequence, version, type, actor_id, data, metadata, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, e.ID, e.StreamID, e.Sequence, e.Version, string(e.Type), e.ActorID, []byte(e.Data), e.Metadata, e.Timestamp)
	}

	results := tx.SendBatch(ctx, batch)
	for range entries {
		if _, err := results.Exec(); err != nil {
			results.Close()
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "loupe_audit_entries_pkey" {
				return audit.ErrDuplicateEntry
			}
			return fmt.Errorf("insert entry: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}

	return tx.Commit(ctx)
}

// Load retrieves all entries of a stream, ordered by sequence.
func (s *Store) Load(ctx context.Context, streamID string) ([]audit.Entry, error) {
	return s.LoadSince(ctx, streamID, 0)
}

// LoadSince retrieves entries with sequence > afterSequence, ordered by sequence.
func (s *Store) LoadSince(ctx context.Context, streamID string, afterSequence int64) ([]audit.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, stream_id, sequence, version, type, actor_id, data, metadata, timestamp
		FROM loupe_audit_entries
		WHERE stream_id = $1 AND sequence > $2
		ORDER BY sequence ASC
	`, streamID, afterSequence)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	entries := []audit.Entry{}
	for rows.Next() {
		var (
			e         audit.Entry
			entryType string
			data      []byte
		)
		if err := rows.Scan(&e.ID, &e.StreamID, &e.Sequence, &e.Version, &entryType, &e.ActorID, &data, &e.Metadata, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Type = audit.EntryType(entryType)
		if len(data) > 0 {
			e.Data = data
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

// GetLastSequence returns the highest sequence number of a stream.
func (s *Store) GetLastSequence(ctx context.Context, streamID string) (int64, error) {
	var lastSeq int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(sequence), 0)
		FROM loupe_audit_entries
		WHERE stream_id = $1
	`, streamID).Scan(&lastSeq)
	if err != nil {
		return 0, fmt.Errorf("get last sequence: %w", err)
	}
	return lastSeq, nil
}

// QueryByEntity implements query.EntityQuerier.
func (s *Store) QueryByEntity(ctx context.Context, entityType, entityID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT stream_id
		FROM loupe_audit_entries
		WHERE metadata->>'entity_type' = $1 AND metadata->>'entity_id' = $2
		GROUP BY stream_id
		ORDER BY MIN(timestamp) ASC, stream_id ASC
	`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("query by entity: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stream id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stream ids: %w", err)
	}
	return ids, nil
}
