// Package state persists a small set of human-readable JSON documents:
// silenced-devices, the scheduled-broadcast catalog, the last version-check
// result, the clean-shutdown marker, and the anomaly-detector snapshot.
//
// State here lives outside Postgres/Redis by design: this module adopts
// bbolt — the embedded KV store pulled from cuemby/warren's dependency
// stack — as a write-temp-then-rename-safe backing store, keyed by document
// name, exposing a plain "JSON document on disk" contract: each Get/Put
// round-trips a JSON value under a bucket.
package state

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("fabric_state")

// Store is a small JSON-document KV store backed by bbolt.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the state store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying file handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put atomically writes v as JSON under key. bbolt's Update transaction
// fsyncs on commit, giving write-then-rename durability without a
// temp-file dance.
func (s *Store) Put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), data)
	})
}

// Get reads the JSON document under key into v. Returns ErrNotFound if
// absent.
func (s *Store) Get(key string, v any) error {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketName).Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		data = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = fmt.Errorf("state: document not found")

// Keys for the well-known documents stored here.
const (
	KeySilencedDevices  = "silenced_devices"
	KeyBroadcastCatalog = "scheduled_broadcasts"
	KeyVersionCheck     = "version_check"
	KeyShutdownMarker   = "shutdown_marker"
	KeyAnomalySnapshot  = "anomaly_snapshot"
)

// ShutdownMarker is the clean-shutdown document.
type ShutdownMarker struct {
	CleanShutdown bool       `json:"clean_shutdown"`
	LastShutdown  *time.Time `json:"last_shutdown,omitempty"`
	LastStartup   *time.Time `json:"last_startup,omitempty"`
}
