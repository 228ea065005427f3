package update

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/updraft-io/updraft/core/infra/logging"
)

// Store persists pending updates across restarts. Keys are confirmation
// identifiers; a proposal survives until it is approved, withdrawn, or swept.
type Store interface {
	Put(ctx context.Context, pending *PendingUpdate) error
	Get(ctx context.Context, key string) (*PendingUpdate, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]*PendingUpdate, error)
	// Mutate applies fn to the stored record under the store's write lock
	// and persists the result. fn returning an error aborts the write.
	Mutate(ctx context.Context, key string, fn func(*PendingUpdate) error) (*PendingUpdate, error)
	// Sweep deletes proposals older than maxAge and returns how many.
	Sweep(ctx context.Context, maxAge time.Duration) (int, error)
	Close() error
}

var pendingBucket = []byte("pending")

// BoltStore implements Store on a single-file bbolt database.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if needed) the pending database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create pending store dir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open pending store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pendingBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init pending store: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) Put(_ context.Context, pending *PendingUpdate) error {
	if pending == nil || pending.Key == "" {
		return Errf(CodeMalformedInput, "pending update has no key")
	}
	data, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("encode pending update: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).Put([]byte(pending.Key), data)
	})
}

func (s *BoltStore) Get(_ context.Context, key string) (*PendingUpdate, error) {
	var pending *PendingUpdate
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(pendingBucket).Get([]byte(key))
		if data == nil {
			return Errf(CodeNotFound, "no pending update %q", key)
		}
		pending = new(PendingUpdate)
		return json.Unmarshal(data, pending)
	})
	if err != nil {
		return nil, err
	}
	return pending, nil
}

func (s *BoltStore) Delete(_ context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).Delete([]byte(key))
	})
}

func (s *BoltStore) List(_ context.Context) ([]*PendingUpdate, error) {
	var out []*PendingUpdate
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).ForEach(func(_, data []byte) error {
			pending := new(PendingUpdate)
			if err := json.Unmarshal(data, pending); err != nil {
				return err
			}
			out = append(out, pending)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) Mutate(_ context.Context, key string, fn func(*PendingUpdate) error) (*PendingUpdate, error) {
	var pending *PendingUpdate
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(pendingBucket)
		data := bucket.Get([]byte(key))
		if data == nil {
			return Errf(CodeNotFound, "no pending update %q", key)
		}
		pending = new(PendingUpdate)
		if err := json.Unmarshal(data, pending); err != nil {
			return err
		}
		if err := fn(pending); err != nil {
			return err
		}
		updated, err := json.Marshal(pending)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), updated)
	})
	if err != nil {
		return nil, err
	}
	return pending, nil
}

func (s *BoltStore) Sweep(_ context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	swept := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(pendingBucket)
		cursor := bucket.Cursor()
		var stale [][]byte
		for k, data := cursor.First(); k != nil; k, data = cursor.Next() {
			var pending PendingUpdate
			if err := json.Unmarshal(data, &pending); err != nil {
				logging.Error("update", "sweeping undecodable pending record", "key", string(k), "error", err)
				stale = append(stale, append([]byte(nil), k...))
				continue
			}
			if pending.CreatedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			swept++
		}
		return nil
	})
	if err != nil {
		return swept, err
	}
	if swept > 0 {
		logging.Info("update", "swept stale pending updates", "count", swept, "max_age", maxAge.String())
	}
	return swept, nil
}
