package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"github.com/google/uuid"

	"github.com/cartofabric/fabric/pkg/notifytypes"
)

var bucketBroadcasts = []byte("scheduled_broadcasts")

// boltBroadcast is the JSON-on-disk shape; RecurrenceRule round-trips as a
// pointer so "no recurrence" and "empty string recurrence" stay distinct.
type boltBroadcast struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	Message        string          `json:"message"`
	EventType      string          `json:"event_type"`
	Priority       int             `json:"priority"`
	ScheduledAt    time.Time       `json:"scheduled_at"`
	CreatedBy      string          `json:"created_by"`
	RecurrenceRule *string         `json:"recurrence_rule,omitempty"`
	Status         BroadcastStatus `json:"status"`
	SentAt         *time.Time      `json:"sent_at,omitempty"`
	UsersNotified  int             `json:"users_notified"`
	ErrorMessage   string          `json:"error_message,omitempty"`
}

// BoltBroadcastStore persists ScheduledBroadcast records in bbolt, following
// the same bucket-per-concern, JSON-marshal-per-key shape as
// massoutage.BoltStore.
type BoltBroadcastStore struct {
	mu sync.Mutex
	db *bolt.DB
}

// OpenBoltBroadcastStore opens (creating if needed) the broadcast bucket in
// an already-open bbolt database. Callers typically share one *bolt.DB
// across multiple state stores (massoutage, scheduler) rather than opening
// one file per concern.
func OpenBoltBroadcastStore(db *bolt.DB) (*BoltBroadcastStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBroadcasts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: initializing broadcast bucket: %w", err)
	}
	return &BoltBroadcastStore{db: db}, nil
}

// Create inserts a new pending broadcast and returns its generated id.
func (s *BoltBroadcastStore) Create(ctx context.Context, b ScheduledBroadcast) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b.ID = uuid.NewString()
	b.Status = BroadcastPending
	return b.ID, s.put(toBolt(b))
}

// Get returns a single broadcast by id.
func (s *BoltBroadcastStore) Get(ctx context.Context, id string) (ScheduledBroadcast, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok, err := s.get(id)
	if err != nil || !ok {
		return ScheduledBroadcast{}, ok, err
	}
	return fromBolt(rec), true, nil
}

// Cancel marks a pending broadcast cancelled; no-op (returns false) if the
// broadcast is already terminal.
func (s *BoltBroadcastStore) Cancel(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok, err := s.get(id)
	if err != nil || !ok {
		return false, err
	}
	if rec.Status != BroadcastPending {
		return false, nil
	}
	rec.Status = BroadcastCancelled
	return true, s.put(rec)
}

// List returns all broadcasts, optionally filtered to pending-only, sorted
// by scheduled time ascending.
func (s *BoltBroadcastStore) List(ctx context.Context, pendingOnly bool) ([]ScheduledBroadcast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []boltBroadcast
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBroadcasts).ForEach(func(_, v []byte) error {
			var rec boltBroadcast
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if !pendingOnly || rec.Status == BroadcastPending {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: listing broadcasts: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })

	result := make([]ScheduledBroadcast, len(out))
	for i, r := range out {
		result[i] = fromBolt(r)
	}
	return result, nil
}

// ListDue implements BroadcastStore.
func (s *BoltBroadcastStore) ListDue(ctx context.Context, now time.Time) ([]ScheduledBroadcast, error) {
	all, err := s.List(ctx, true)
	if err != nil {
		return nil, err
	}
	var due []ScheduledBroadcast
	for _, b := range all {
		if !b.ScheduledAt.After(now) {
			due = append(due, b)
		}
	}
	return due, nil
}

// MarkSent implements BroadcastStore.
func (s *BoltBroadcastStore) MarkSent(ctx context.Context, id string, usersNotified int, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok, err := s.get(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("scheduler: broadcast %s not found", id)
	}
	rec.Status = BroadcastSent
	rec.SentAt = &sentAt
	rec.UsersNotified = usersNotified
	return s.put(rec)
}

// MarkFailed implements BroadcastStore.
func (s *BoltBroadcastStore) MarkFailed(ctx context.Context, id string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok, err := s.get(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("scheduler: broadcast %s not found", id)
	}
	rec.Status = BroadcastFailed
	rec.ErrorMessage = errMsg
	return s.put(rec)
}

// Reschedule implements BroadcastStore: re-arms a recurring broadcast for
// its next occurrence instead of leaving it terminal.
func (s *BoltBroadcastStore) Reschedule(ctx context.Context, id string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok, err := s.get(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("scheduler: broadcast %s not found", id)
	}
	rec.Status = BroadcastPending
	rec.ScheduledAt = next
	rec.SentAt = nil
	rec.ErrorMessage = ""
	return s.put(rec)
}

func (s *BoltBroadcastStore) get(id string) (boltBroadcast, bool, error) {
	var rec boltBroadcast
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketBroadcasts).Get([]byte(id))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &rec)
	})
	return rec, found, err
}

func (s *BoltBroadcastStore) put(rec boltBroadcast) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("scheduler: marshaling broadcast %s: %w", rec.ID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBroadcasts).Put([]byte(rec.ID), data)
	})
}

func toBolt(b ScheduledBroadcast) boltBroadcast {
	return boltBroadcast{
		ID:             b.ID,
		Title:          b.Title,
		Message:        b.Message,
		EventType:      string(b.EventType),
		Priority:       int(b.Priority),
		ScheduledAt:    b.ScheduledAt,
		CreatedBy:      b.CreatedBy,
		RecurrenceRule: b.RecurrenceRule,
		Status:         b.Status,
		SentAt:         b.SentAt,
		UsersNotified:  b.UsersNotified,
		ErrorMessage:   b.ErrorMessage,
	}
}

func fromBolt(r boltBroadcast) ScheduledBroadcast {
	return ScheduledBroadcast{
		ID:             r.ID,
		Title:          r.Title,
		Message:        r.Message,
		EventType:      notifytypes.EventType(r.EventType),
		Priority:       notifytypes.Priority(r.Priority),
		ScheduledAt:    r.ScheduledAt,
		CreatedBy:      r.CreatedBy,
		RecurrenceRule: r.RecurrenceRule,
		Status:         r.Status,
		SentAt:         r.SentAt,
		UsersNotified:  r.UsersNotified,
		ErrorMessage:   r.ErrorMessage,
	}
}
