// Package settings is a typed key/value façade over the settings table,
// the sole arbiter of the single-flight lock and the manual-trigger queue
// (spec.md §4.2, §5).
package settings

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"

	"github.com/onnwee/channelarchived/db"
)

// Store serializes read-modify-write settings mutations behind a
// per-process mutex plus a database transaction, mirroring the teacher's
// kv-table access pattern generalized into a reusable component.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

func New(dbx *sql.DB) *Store {
	return &Store{db: dbx}
}

// Get returns a setting's current value, or ("", false) if unset.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	return db.GetSetting(ctx, s.db, key)
}

// Put writes value directly, bypassing read-modify-write. Prefer Update for
// anything that reads before writing.
func (s *Store) Put(ctx context.Context, key, value, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return db.PutSetting(ctx, s.db, key, value, description)
}

// Update performs an atomic read-modify-write on key: f receives the
// current value (empty string if unset) and returns the new value. The
// mutex plus single transaction prevent lost updates between concurrent
// callers touching the same key (spec.md §4.2).
func (s *Store) Update(ctx context.Context, key string, f func(current string) (string, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("settings update begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var current string
	err = tx.QueryRowContext(ctx, `SELECT value FROM settings WHERE key=$1 FOR UPDATE`, key).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("settings update read: %w", err)
	}

	next, err := f(current)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO settings (key, value, updated_at) VALUES ($1,$2,NOW())
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, next)
	if err != nil {
		return fmt.Errorf("settings update write: %w", err)
	}
	return tx.Commit()
}

// GetBool returns a setting interpreted as a boolean, defaulting when unset
// or unparsable.
func (s *Store) GetBool(ctx context.Context, key string, def bool) (bool, error) {
	val, ok, err := s.Get(ctx, key)
	if err != nil {
		return def, err
	}
	if !ok {
		return def, nil
	}
	switch val {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return def, nil
	}
}

// GetInt returns a setting interpreted as an integer, defaulting when unset
// or unparsable.
func (s *Store) GetInt(ctx context.Context, key string, def int) (int, error) {
	val, ok, err := s.Get(ctx, key)
	if err != nil {
		return def, err
	}
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def, nil
	}
	return n, nil
}

// DB exposes the underlying connection for callers that need direct
// read-only queries (e.g. SettingUpdatedAt for lock staleness checks).
func (s *Store) DB() *sql.DB { return s.db }
