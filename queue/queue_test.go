package queue

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/channelarchived/db"
	"github.com/onnwee/channelarchived/settings"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	dbx, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = dbx.Close() })
	if err := db.Migrate(context.Background(), dbx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(settings.New(dbx))
}

func TestEnqueueFIFOOrder(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	pos1, err := q.Enqueue(ctx, "chan1", "alice")
	if err != nil || pos1 != 1 {
		t.Fatalf("enqueue 1: pos=%d err=%v", pos1, err)
	}
	pos2, err := q.Enqueue(ctx, "chan2", "bob")
	if err != nil || pos2 != 2 {
		t.Fatalf("enqueue 2: pos=%d err=%v", pos2, err)
	}
	pos3, err := q.Enqueue(ctx, "chan3", "carol")
	if err != nil || pos3 != 3 {
		t.Fatalf("enqueue 3: pos=%d err=%v", pos3, err)
	}

	e1, err := q.Pop(ctx)
	if err != nil || e1 == nil || e1.ChannelID != "chan1" {
		t.Fatalf("pop 1: %+v err=%v", e1, err)
	}
	e2, err := q.Pop(ctx)
	if err != nil || e2 == nil || e2.ChannelID != "chan2" {
		t.Fatalf("pop 2: %+v err=%v", e2, err)
	}
	e3, err := q.Pop(ctx)
	if err != nil || e3 == nil || e3.ChannelID != "chan3" {
		t.Fatalf("pop 3: %+v err=%v", e3, err)
	}
}

func TestPopEmptyReturnsNil(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	e, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if e != nil {
		t.Errorf("expected nil entry on empty queue, got %+v", e)
	}
}

func TestDrainStaleDropsOldEntries(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "stale_chan", "dave"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Rewrite the entry's timestamp to 45 minutes ago directly via Update.
	err := q.store.Update(ctx, key, func(current string) (string, error) {
		entries, decErr := decode(current)
		if decErr != nil {
			return "", decErr
		}
		for i := range entries {
			entries[i].Timestamp = time.Now().Add(-45 * time.Minute)
		}
		return encode(entries)
	})
	if err != nil {
		t.Fatalf("backdate: %v", err)
	}

	if err := q.DrainStale(ctx, time.Now(), 30*time.Minute); err != nil {
		t.Fatalf("drain stale: %v", err)
	}
	n, err := q.Len(ctx)
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n != 0 {
		t.Errorf("expected stale entry dropped, queue len=%d", n)
	}
}
