package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// PostgresCursorStore persists the event-poll cursor in a single-row
// Postgres table, migrated at startup via golang-migrate (see migrations/).
// It is the only durable state the orchestrator keeps outside the ledger
// itself (§6 "Persisted state").
type PostgresCursorStore struct {
	db *sqlx.DB
}

// NewPostgresCursorStore wraps an already-open *sqlx.DB.
func NewPostgresCursorStore(db *sqlx.DB) *PostgresCursorStore {
	return &PostgresCursorStore{db: db}
}

// OpenPostgresCursorStore opens and pings a Postgres connection for cursor
// storage.
func OpenPostgresCursorStore(ctx context.Context, dsn string) (*PostgresCursorStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("cursor store: connect: %w", err)
	}
	return NewPostgresCursorStore(db), nil
}

// LoadCursor implements CursorStore. A missing row (first boot) returns 0,
// causing the poller to scan from block 1.
func (s *PostgresCursorStore) LoadCursor(ctx context.Context) (uint32, error) {
	var block uint32
	err := s.db.GetContext(ctx, &block, `SELECT last_block FROM ledger_cursor WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cursor store: load: %w", err)
	}
	return block, nil
}

// SaveCursor implements CursorStore with an upsert, so it is safe to call
// before the seed row exists.
func (s *PostgresCursorStore) SaveCursor(ctx context.Context, block uint32) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_cursor (id, last_block, updated_at)
		VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE SET last_block = EXCLUDED.last_block, updated_at = now()
	`, block)
	if err != nil {
		return fmt.Errorf("cursor store: save: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *PostgresCursorStore) Close() error {
	return s.db.Close()
}

// InMemoryCursorStore is a CursorStore for tests and single-process
// deployments that accept losing the cursor on restart.
type InMemoryCursorStore struct {
	block uint32
}

// LoadCursor implements CursorStore.
func (s *InMemoryCursorStore) LoadCursor(ctx context.Context) (uint32, error) {
	return s.block, nil
}

// SaveCursor implements CursorStore.
func (s *InMemoryCursorStore) SaveCursor(ctx context.Context, block uint32) error {
	s.block = block
	return nil
}

var _ CursorStore = (*PostgresCursorStore)(nil)
var _ CursorStore = (*InMemoryCursorStore)(nil)
