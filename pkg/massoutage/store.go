package massoutage

import (
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var bucketBuffers = []byte("massoutage_buffers")

// Store persists a network's pending-entry map across restarts.
type Store interface {
	Save(ctx context.Context, networkID string, entries map[string]*pendingEntry) error
	Load(ctx context.Context, networkID string) (map[string]*pendingEntry, bool, error)
}

// BoltStore is the embedded-KV-backed Store, grounded on the
// teacher-pack's own boltdb.Store shape (bucket-per-concern, JSON
// marshal per key).
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if absent) a bbolt database at path and
// ensures the buffers bucket exists.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("massoutage: open bbolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBuffers)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("massoutage: create bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying bbolt file handle.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Save(_ context.Context, networkID string, entries map[string]*pendingEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBuffers).Put([]byte(networkID), data)
	})
}

func (s *BoltStore) Load(_ context.Context, networkID string) (map[string]*pendingEntry, bool, error) {
	var entries map[string]*pendingEntry
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBuffers).Get([]byte(networkID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &entries)
	})
	if err != nil {
		return nil, false, err
	}
	return entries, found, nil
}
