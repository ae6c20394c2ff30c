package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time interface check.
var _ Store = (*PGStore)(nil)

const ddlCheckpoints = `
CREATE TABLE IF NOT EXISTS checkpoints (
    id             TEXT         PRIMARY KEY,
    session_id     TEXT         NOT NULL,
    parent_session TEXT         NOT NULL DEFAULT '',
    turn           INTEGER      NOT NULL,
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    snapshot       JSONB        NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_session
    ON checkpoints (session_id, turn);
`

// PGStore persists checkpoints in a PostgreSQL checkpoints table, one JSONB
// snapshot per row. All methods are safe for concurrent use.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore establishes a connection pool to the database at dsn and
// ensures the checkpoints table exists.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: pg store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("checkpoint: pg store: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlCheckpoints); err != nil {
		pool.Close()
		return nil, fmt.Errorf("checkpoint: pg store: migrate: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

// Save implements [Store].
func (s *PGStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpoint: save: marshal: %w", err)
	}

	const q = `
		INSERT INTO checkpoints (id, session_id, parent_session, turn, created_at, snapshot)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := s.pool.Exec(ctx, q,
		cp.ID, cp.SessionID, cp.ParentSession, cp.Turn, cp.CreatedAt, raw,
	); err != nil {
		return fmt.Errorf("checkpoint: save %q: %w", cp.ID, err)
	}
	return nil
}

// Load implements [Store].
func (s *PGStore) Load(ctx context.Context, id string) (*Checkpoint, error) {
	const q = `SELECT snapshot FROM checkpoints WHERE id = $1`

	var raw []byte
	err := s.pool.QueryRow(ctx, q, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint: load %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load %q: %w", id, err)
	}
	return decodeSnapshot(raw)
}

// Latest implements [Store].
func (s *PGStore) Latest(ctx context.Context, sessionID string) (*Checkpoint, error) {
	const q = `
		SELECT snapshot
		FROM   checkpoints
		WHERE  session_id = $1
		ORDER  BY turn DESC
		LIMIT  1`

	var raw []byte
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint: latest for session %q: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: latest for session %q: %w", sessionID, err)
	}
	return decodeSnapshot(raw)
}

// LoadAt implements [Store].
func (s *PGStore) LoadAt(ctx context.Context, sessionID string, turn int) (*Checkpoint, error) {
	const q = `
		SELECT snapshot
		FROM   checkpoints
		WHERE  session_id = $1 AND turn = $2
		ORDER  BY created_at DESC
		LIMIT  1`

	var raw []byte
	err := s.pool.QueryRow(ctx, q, sessionID, turn).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint: session %q turn %d: %w", sessionID, turn, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: session %q turn %d: %w", sessionID, turn, err)
	}
	return decodeSnapshot(raw)
}

// List implements [Store].
func (s *PGStore) List(ctx context.Context, sessionID string) ([]Meta, error) {
	const q = `
		SELECT id, session_id, turn, created_at
		FROM   checkpoints
		WHERE  session_id = $1
		ORDER  BY turn`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list session %q: %w", sessionID, err)
	}
	metas, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Meta, error) {
		var m Meta
		err := row.Scan(&m.ID, &m.SessionID, &m.Turn, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list session %q: scan: %w", sessionID, err)
	}
	return metas, nil
}

// Close implements [Store].
func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

func decodeSnapshot(raw []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint: decode snapshot: %w", err)
	}
	return &cp, nil
}
