// Package queue is the durable FIFO of pending per-channel manual
// download requests, stored as a JSON array in a single settings row
// (spec.md §4.4). The producer (manual-trigger endpoint) and consumer
// (Scheduled Job) share one process address space, so a JSON blob behind
// the Settings Store's transactional Update is sufficient — no message
// broker needed.
package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/onnwee/channelarchived/model"
	"github.com/onnwee/channelarchived/settings"
)

const key = model.SettingManualTriggerQueue

// Queue serializes enqueue/drain/pop through the Settings Store.
type Queue struct {
	store *settings.Store
}

func New(store *settings.Store) *Queue {
	return &Queue{store: store}
}

func decode(raw string) ([]model.QueueEntry, error) {
	if raw == "" {
		return nil, nil
	}
	var entries []model.QueueEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func encode(entries []model.QueueEntry) (string, error) {
	if len(entries) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Enqueue appends an entry and returns its 1-based position.
func (q *Queue) Enqueue(ctx context.Context, channelID, user string) (int, error) {
	position := 0
	err := q.store.Update(ctx, key, func(current string) (string, error) {
		entries, err := decode(current)
		if err != nil {
			return "", err
		}
		entries = append(entries, model.QueueEntry{
			ChannelID: channelID,
			User:      user,
			Timestamp: time.Now().UTC(),
		})
		position = len(entries)
		return encode(entries)
	})
	return position, err
}

// DrainStale removes head entries older than maxAge, logging a warning
// per removed entry. Called at the start of queue drain (spec.md §4.11).
func (q *Queue) DrainStale(ctx context.Context, now time.Time, maxAge time.Duration) error {
	return q.store.Update(ctx, key, func(current string) (string, error) {
		entries, err := decode(current)
		if err != nil {
			return "", err
		}
		kept := entries[:0]
		for _, e := range entries {
			if now.Sub(e.Timestamp) > maxAge {
				slog.Warn("queue: dropping stale manual-trigger entry",
					slog.String("channel_id", e.ChannelID), slog.String("user", e.User),
					slog.Time("timestamp", e.Timestamp))
				continue
			}
			kept = append(kept, e)
		}
		return encode(kept)
	})
}

// Pop removes and returns the head entry, or nil if the queue is empty.
func (q *Queue) Pop(ctx context.Context) (*model.QueueEntry, error) {
	var popped *model.QueueEntry
	err := q.store.Update(ctx, key, func(current string) (string, error) {
		entries, err := decode(current)
		if err != nil {
			return "", err
		}
		if len(entries) == 0 {
			return current, nil
		}
		head := entries[0]
		popped = &head
		return encode(entries[1:])
	})
	return popped, err
}

// Len returns the current queue depth without mutating it.
func (q *Queue) Len(ctx context.Context) (int, error) {
	raw, _, err := q.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	entries, err := decode(raw)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}
