package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	xerrors "consult-tasktrack/internal/errors"
	"consult-tasktrack/internal/store"
)

// StateBackend implements store.Backend on the client_state table.
type StateBackend struct {
	db     *sqlx.DB
	upsert string
	now    func() time.Time
}

type stateRow struct {
	Value     []byte `db:"state_value"`
	ExpiresAt int64  `db:"expires_at"`
}

// NewStateBackend connects, applies migrations and returns the backend.
func NewStateBackend(ctx context.Context, cfg Config) (*StateBackend, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return newStateBackend(db), nil
}

func newStateBackend(db *sqlx.DB) *StateBackend {
	upsert := `INSERT INTO client_state (state_key, state_value, expires_at) VALUES (?, ?, ?)
ON CONFLICT (state_key) DO UPDATE SET state_value = EXCLUDED.state_value, expires_at = EXCLUDED.expires_at`
	if db.DriverName() == "mysql" {
		upsert = `INSERT INTO client_state (state_key, state_value, expires_at) VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE state_value = VALUES(state_value), expires_at = VALUES(expires_at)`
	}
	return &StateBackend{db: db, upsert: db.Rebind(upsert), now: time.Now}
}

// Close releases the connection pool.
func (b *StateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *StateBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var row stateRow
	query := b.db.Rebind(`SELECT state_value, expires_at FROM client_state WHERE state_key = ?`)
	if err := b.db.GetContext(ctx, &row, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "select state")
	}
	if row.ExpiresAt > 0 && b.now().UnixMilli() >= row.ExpiresAt {
		_ = b.Delete(ctx, key)
		return nil, store.ErrNotFound
	}
	return row.Value, nil
}

func (b *StateBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = b.now().Add(ttl).UnixMilli()
	}
	if _, err := b.db.ExecContext(ctx, b.upsert, key, string(value), expiresAt); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "upsert state")
	}
	return nil
}

func (b *StateBackend) Delete(ctx context.Context, key string) error {
	query := b.db.Rebind(`DELETE FROM client_state WHERE state_key = ?`)
	if _, err := b.db.ExecContext(ctx, query, key); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "delete state")
	}
	return nil
}

// Purge removes expired rows and reports how many were deleted.
func (b *StateBackend) Purge(ctx context.Context) (int64, error) {
	query := b.db.Rebind(`DELETE FROM client_state WHERE expires_at > 0 AND expires_at <= ?`)
	res, err := b.db.ExecContext(ctx, query, b.now().UnixMilli())
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "purge state")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
