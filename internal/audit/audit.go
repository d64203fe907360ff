// Package audit derives normalized business events from gateway traffic and
// appends them to the audit database. Events are write-once: nothing in the
// system ever mutates a recorded event.
package audit

import (
	"context"
	"fmt"
	"time"

	"zeitgate.org/internal/couch"
	"zeitgate.org/internal/ids"
)

// Event types.
const (
	EventLogin          = "login"
	EventPasswordChange = "password_change"
	EventTimesWrite     = "times_write"
	EventTimesDelete    = "times_delete"
)

// Event is one append-only audit record.
type Event struct {
	ID         string         `json:"_id,omitempty"`
	Timestamp  time.Time      `json:"ts"`
	Type       string         `json:"type"`
	ActorID    string         `json:"actorId,omitempty"`
	ActorEmail string         `json:"actorEmail,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Recorder appends events somewhere durable.
type Recorder interface {
	Record(ctx context.Context, ev *Event) error
}

// Store appends events to the audit database and reads them back for the
// reviewer surface.
type Store struct {
	client *couch.Client
	db     string
}

// NewStore builds a store over the given audit database.
func NewStore(client *couch.Client, db string) *Store {
	return &Store{client: client, db: db}
}

// Record appends one event. The id is assigned here so events sort by
// creation time.
func (s *Store) Record(ctx context.Context, ev *Event) error {
	if ev.ID == "" {
		ev.ID = "audit:" + ids.New()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if _, err := s.client.Put(ctx, s.db, ev.ID, ev); err != nil {
		return fmt.Errorf("audit: record %s: %w", ev.Type, err)
	}
	return nil
}

// List returns up to limit events, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Event, error) {
	var events []Event
	query := couch.FindQuery{
		Selector: map[string]any{"ts": map[string]any{"$gt": nil}},
		Limit:    limit,
		Sort:     []map[string]any{{"ts": "desc"}},
	}
	if err := s.client.Find(ctx, s.db, query, &events); err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	return events, nil
}
