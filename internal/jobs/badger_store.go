package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	keyPrefix = "job:"
	// pendingTTL bounds records whose worker never finished, e.g. after a crash.
	pendingTTL = 24 * time.Hour
)

// BadgerStore persists job records on disk with per-entry TTLs so finished
// jobs survive restarts and expire without a separate cleanup pass.
type BadgerStore struct {
	db  *badger.DB
	ttl time.Duration
}

// OpenBadgerStore opens (or creates) the store at path.
func OpenBadgerStore(path string, ttl time.Duration) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &BadgerStore{db: db, ttl: ttl}, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func jobKey(id string) []byte { return []byte(keyPrefix + id) }

func (s *BadgerStore) Create(_ context.Context, rec Record) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(jobKey(rec.JobID), buf).WithTTL(pendingTTL))
	})
}

func (s *BadgerStore) Finish(_ context.Context, id string, status Status, result json.RawMessage, at time.Time) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var rec Record
		item, err := txn.Get(jobKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}
		if rec.Status.Terminal() {
			return ErrAlreadyTerminal
		}
		rec.Status = status
		rec.Result = result
		rec.FinishedAt = at
		buf, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry(jobKey(id), buf).WithTTL(s.ttl))
	})
}

func (s *BadgerStore) Get(_ context.Context, id string) (Record, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *BadgerStore) Delete(_ context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(jobKey(id))
	})
}

// Sweep reclaims value log space left behind by expired entries.
func (s *BadgerStore) Sweep(_ context.Context, _ time.Time) error {
	err := s.db.RunValueLogGC(0.5)
	if err == nil || errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
		return nil
	}
	return err
}
