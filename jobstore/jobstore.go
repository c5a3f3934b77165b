// Package jobstore is the Scheduler Runtime's durable job store (spec.md
// §3/§4.12), kept strictly separate from the Postgres application store and
// touched only by the scheduler package. Backed by Badger, an embedded
// key-value store requiring no external server.
package jobstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Record is the persisted state of one scheduled job: its cron trigger
// expression and the bookkeeping the Scheduler Runtime needs to recover
// after a restart without re-deriving next-fire times from scratch.
type Record struct {
	ID       string    `json:"id"`
	Schedule string    `json:"schedule"`
	Enabled  bool      `json:"enabled"`
	NextRun  time.Time `json:"next_run"`
	LastRun  time.Time `json:"last_run"`
}

const jobKeyPrefix = "job:"

func jobKey(id string) []byte { return []byte(jobKeyPrefix + id) }

// Store is the persistent job store. One instance is opened per process by
// the Scheduler Runtime; invariant: at most one Record with id
// "main_download_job" ever exists (spec.md §3).
type Store struct {
	db *badger.DB
}

// Open opens (creating if absent) the Badger database rooted at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("jobstore: open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Put creates or replaces the job with rec.ID. Restart-time re-registration
// of "main_download_job" goes through this, satisfying the "existing jobs
// with the same id are replaced on restart" requirement.
func (s *Store) Put(rec Record) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(jobKey(rec.ID), buf)
	})
}

// Get returns the job with id, or (nil, nil) if it does not exist.
func (s *Store) Get(id string) (*Record, error) {
	var out Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes the job with id. No-op if it does not exist.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(jobKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

// List returns every persisted job, used by Start to log recovered jobs and
// their next fire times.
func (s *Store) List() ([]Record, error) {
	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(jobKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// UpdateNextRun patches next_run on an existing job without touching its
// other fields, used after each cron trigger evaluation.
func (s *Store) UpdateNextRun(id string, next time.Time) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(id))
		if err != nil {
			return err
		}
		var rec Record
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}
		rec.NextRun = next
		buf, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(jobKey(id), buf)
	})
}

// UpdateLastRun patches last_run on an existing job, called immediately
// before a fire executes so a crash mid-run does not cause a missed-fire
// re-run of stale state on the next restart.
func (s *Store) UpdateLastRun(id string, last time.Time) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(id))
		if err != nil {
			return err
		}
		var rec Record
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}
		rec.LastRun = last
		buf, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(jobKey(id), buf)
	})
}
