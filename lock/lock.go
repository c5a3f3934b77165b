// Package lock implements the single-flight named lock primitive atop the
// Settings Store, with stale-lock recovery (spec.md §4.3).
package lock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/onnwee/channelarchived/db"
	"github.com/onnwee/channelarchived/errs"
	"github.com/onnwee/channelarchived/settings"
)

// ErrLockHeld is returned by WithLock when another run already holds the
// named lock.
var ErrLockHeld = errs.ErrLockHeld

// Locker coordinates a single named lock persisted in the settings table
// under key "{name}_running".
type Locker struct {
	store *settings.Store
}

func New(store *settings.Store) *Locker {
	return &Locker{store: store}
}

func runningKey(name string) string { return name + "_running" }
func lastRunKey(name string) string { return name + "_last_run" }

// WithLock atomically verifies the flag is "false", flips it to "true",
// stamps last_run, runs body, then resets to "false" in a finalizer that
// fires on success, error, or panic. A second caller observing "true"
// gets ErrLockHeld without body ever running.
func (l *Locker) WithLock(ctx context.Context, name string, body func(ctx context.Context) error) (err error) {
	acquired := false
	updateErr := l.store.Update(ctx, runningKey(name), func(current string) (string, error) {
		if current == "true" {
			return current, ErrLockHeld
		}
		acquired = true
		return "true", nil
	})
	if !acquired {
		if updateErr != nil && errors.Is(updateErr, ErrLockHeld) {
			return ErrLockHeld
		}
		if updateErr != nil {
			return errs.New(errs.KindSettingsConflict, updateErr)
		}
		return ErrLockHeld
	}

	if putErr := l.store.Put(ctx, lastRunKey(name), time.Now().UTC().Format(time.RFC3339), ""); putErr != nil {
		slog.Warn("lock: failed to stamp last_run", slog.String("name", name), slog.Any("err", putErr))
	}

	defer func() {
		if r := recover(); r != nil {
			l.release(ctx, name)
			panic(r)
		}
		l.release(ctx, name)
	}()

	err = body(ctx)
	return err
}

// release resets the running flag to "false", retrying once on failure;
// if it still cannot be released, the next process startup's ClearStale
// recovers it (spec.md §4.3 failure semantics).
func (l *Locker) release(ctx context.Context, name string) {
	doRelease := func() error {
		return l.store.Update(ctx, runningKey(name), func(string) (string, error) {
			return "false", nil
		})
	}
	if err := doRelease(); err != nil {
		slog.Warn("lock: release failed, retrying", slog.String("name", name), slog.Any("err", err))
		if err := doRelease(); err != nil {
			slog.Error("lock: release failed after retry; relying on ClearStale at next startup",
				slog.String("name", name), slog.Any("err", err))
		}
	}
}

// ClearStale resets name's flag to "false" with a warning if it is
// currently "true" and its last_run (or, missing, updated_at) is older
// than maxAge. Called exactly once during runtime startup.
func (l *Locker) ClearStale(ctx context.Context, name string, maxAge time.Duration) error {
	flag, ok, err := l.store.Get(ctx, runningKey(name))
	if err != nil {
		return err
	}
	if !ok || flag != "true" {
		return nil
	}

	age, err := l.lockAge(ctx, name)
	if err != nil {
		return err
	}
	if age < maxAge {
		return nil
	}

	slog.Warn("lock: clearing stale lock", slog.String("name", name), slog.Duration("age", age), slog.Duration("max_age", maxAge))
	return l.store.Update(ctx, runningKey(name), func(string) (string, error) {
		return "false", nil
	})
}

func (l *Locker) lockAge(ctx context.Context, name string) (time.Duration, error) {
	if raw, ok, err := l.store.Get(ctx, lastRunKey(name)); err == nil && ok && raw != "" {
		if t, perr := time.Parse(time.RFC3339, raw); perr == nil {
			return time.Since(t), nil
		}
	} else if err != nil {
		return 0, err
	}
	// Fall back to the running-flag row's own updated_at.
	ts, ok, err := db.SettingUpdatedAt(ctx, l.store.DB(), runningKey(name))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return time.Since(ts), nil
}

// IsHeld reports whether name's lock is currently held, for read-only
// status surfaces (e.g. the manual-trigger endpoint's pre-check).
func (l *Locker) IsHeld(ctx context.Context, name string) (bool, error) {
	flag, ok, err := l.store.Get(ctx, runningKey(name))
	if err != nil {
		return false, err
	}
	return ok && flag == "true", nil
}
