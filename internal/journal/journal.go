// Package journal keeps a local SQLite record of what the device session did:
// connection state changes, subscription replays, lifecycle steps and the
// messages received on subscribed topics.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ubbcluj-cs-club-iot/devicelink/internal/infrastructure/config"
	"github.com/ubbcluj-cs-club-iot/devicelink/internal/infrastructure/database"
	"github.com/ubbcluj-cs-club-iot/devicelink/migrations"
)

// timeFormat is fixed width so that text ordering matches time ordering.
const timeFormat = "2006-01-02T15:04:05.000000Z"

// defaultLimit applies when a query asks for a non-positive number of rows.
const defaultLimit = 50

// maxLimit caps a single query.
const maxLimit = 1000

// EventKind classifies a journal event.
type EventKind string

const (
	EventStateChange EventKind = "state_change"
	EventReplay      EventKind = "replay"
	EventFatal       EventKind = "fatal"
	EventLifecycle   EventKind = "lifecycle"
	EventPublish     EventKind = "publish"
	EventHandler     EventKind = "handler_error"
)

// ErrInvalidEvent is returned for events without a kind.
var ErrInvalidEvent = errors.New("journal: event kind is required")

// Event is one recorded session event.
type Event struct {
	ID       int64     `json:"id"`
	At       time.Time `json:"at"`
	Kind     EventKind `json:"kind"`
	ClientID string    `json:"client_id,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// Message is one received MQTT message.
type Message struct {
	ID      int64     `json:"id"`
	At      time.Time `json:"at"`
	Topic   string    `json:"topic"`
	Payload []byte    `json:"payload"`
	Decoded bool      `json:"decoded"`
}

// Store reads and writes the journal tables.
// It is safe for concurrent use; database/sql serialises access.
type Store struct {
	db *database.DB
}

// New wraps an already migrated database.
func New(db *database.DB) *Store {
	return &Store{db: db}
}

// Open opens the database from cfg and applies the embedded migrations.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	db, err := database.Open(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := db.Migrate(ctx, migrations.FS); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("migrating journal: %w", err)
	}
	return New(db), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// HealthCheck verifies the database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.HealthCheck(ctx)
}

// RecordEvent appends ev. A zero At is set to now.
func (s *Store) RecordEvent(ctx context.Context, ev Event) error {
	if ev.Kind == "" {
		return ErrInvalidEvent
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_events (occurred_at, kind, client_id, detail) VALUES (?, ?, ?, ?)`,
		ev.At.UTC().Format(timeFormat), string(ev.Kind), ev.ClientID, ev.Detail,
	)
	if err != nil {
		return fmt.Errorf("recording %s event: %w", ev.Kind, err)
	}
	return nil
}

// RecordMessage appends a received message.
func (s *Store) RecordMessage(ctx context.Context, msg Message) error {
	if msg.At.IsZero() {
		msg.At = time.Now()
	}
	payload := msg.Payload
	if payload == nil {
		payload = []byte{}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO received_messages (received_at, topic, payload, decoded) VALUES (?, ?, ?, ?)`,
		msg.At.UTC().Format(timeFormat), msg.Topic, payload, msg.Decoded,
	)
	if err != nil {
		return fmt.Errorf("recording message on %s: %w", msg.Topic, err)
	}
	return nil
}

// RecentEvents returns up to limit events, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, occurred_at, kind, client_id, detail FROM session_events ORDER BY occurred_at DESC, id DESC LIMIT ?`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			ev   Event
			at   string
			kind string
		)
		if err := rows.Scan(&ev.ID, &at, &kind, &ev.ClientID, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.Kind = EventKind(kind)
		if ev.At, err = time.Parse(timeFormat, at); err != nil {
			return nil, fmt.Errorf("parsing event time %q: %w", at, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// RecentMessages returns up to limit received messages, newest first.
func (s *Store) RecentMessages(ctx context.Context, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, received_at, topic, payload, decoded FROM received_messages ORDER BY received_at DESC, id DESC LIMIT ?`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var (
			m  Message
			at string
		)
		if err := rows.Scan(&m.ID, &at, &m.Topic, &m.Payload, &m.Decoded); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if m.At, err = time.Parse(timeFormat, at); err != nil {
			return nil, fmt.Errorf("parsing message time %q: %w", at, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Prune deletes events and messages older than before and returns the number of rows removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	cutoff := before.UTC().Format(timeFormat)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting prune: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	var total int64
	for _, q := range []string{
		`DELETE FROM session_events WHERE occurred_at < ?`,
		`DELETE FROM received_messages WHERE received_at < ?`,
	} {
		res, err := tx.ExecContext(ctx, q, cutoff)
		if err != nil {
			return 0, fmt.Errorf("pruning journal: %w", err)
		}
		n, _ := res.RowsAffected() //nolint:errcheck // sqlite3 always reports it
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing prune: %w", err)
	}
	return total, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultLimit
	case limit > maxLimit:
		return maxLimit
	}
	return limit
}
