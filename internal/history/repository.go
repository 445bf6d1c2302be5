// Package history records serial session lifecycle events in SQLite so that
// connects, drops and failures can be inspected after the fact.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-serial/internal/serialport"
)

// EventType names a session lifecycle edge.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventClosed       EventType = "closed"
	EventError        EventType = "error"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventConnected, EventDisconnected, EventClosed, EventError:
		return true
	}
	return false
}

// ErrInvalidEvent is returned by Record for an event that cannot be stored.
var ErrInvalidEvent = errors.New("history: invalid event")

// Page size limits for List.
const (
	defaultLimit = 50
	maxLimit     = 500
)

// timeLayout is fixed-width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Event is a single session lifecycle entry.
type Event struct {
	ID         string             `json:"id"`
	DeviceID   string             `json:"device_id"`
	Type       EventType          `json:"event"`
	Detail     string             `json:"detail,omitempty"`
	Status     *serialport.Status `json:"status,omitempty"`
	Reconnects int                `json:"reconnects"`
	CreatedAt  time.Time          `json:"created_at"`
}

// Filter controls which events List returns.
type Filter struct {
	DeviceID string    // optional
	Type     EventType // optional
	Since    time.Time // optional: only events at or after this instant
	Limit    int       // default 50, max 500
	Offset   int
}

// ListResult is one page of events, most recent first.
type ListResult struct {
	Events []Event `json:"events"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

// Repository stores and queries session events.
type Repository interface {
	Record(ctx context.Context, event *Event) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository keeps events in the session_events table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository over an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Record inserts an event. ID and CreatedAt are filled in when empty.
func (r *SQLiteRepository) Record(ctx context.Context, event *Event) error {
	if event.DeviceID == "" {
		return fmt.Errorf("%w: empty device id", ErrInvalidEvent)
	}
	if !event.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, event.Type)
	}
	if event.ID == "" {
		event.ID = "evt-" + uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	event.CreatedAt = event.CreatedAt.UTC()

	var statusJSON *string
	if event.Status != nil {
		b, err := json.Marshal(event.Status)
		if err != nil {
			return fmt.Errorf("marshalling event status: %w", err)
		}
		s := string(b)
		statusJSON = &s
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO session_events (id, device_id, event, detail, status, reconnects, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.DeviceID, string(event.Type),
		nullableString(event.Detail), statusJSON, event.Reconnects,
		event.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting session event: %w", err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns events matching the filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any

	if filter.DeviceID != "" {
		conditions = append(conditions, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.Type != "" {
		conditions = append(conditions, "event = ?")
		args = append(args, string(filter.Type))
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, filter.Since.UTC().Format(timeLayout))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := "SELECT COUNT(*) FROM session_events " + where //nolint:gosec // WHERE built from parameterised conditions
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting session events: %w", err)
	}

	query := "SELECT id, device_id, event, detail, status, reconnects, created_at FROM session_events " + //nolint:gosec // as above
		where + " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying session events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session events: %w", err)
	}

	return &ListResult{
		Events: events,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}, nil
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var e Event
	var eventType string
	var detail, statusJSON sql.NullString
	var createdAt string

	if err := rows.Scan(&e.ID, &e.DeviceID, &eventType, &detail, &statusJSON, &e.Reconnects, &createdAt); err != nil {
		return Event{}, fmt.Errorf("scanning session event: %w", err)
	}
	e.Type = EventType(eventType)
	e.Detail = detail.String

	if statusJSON.Valid && statusJSON.String != "" {
		var st serialport.Status
		if json.Unmarshal([]byte(statusJSON.String), &st) == nil {
			e.Status = &st
		}
	}

	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return Event{}, fmt.Errorf("parsing session event timestamp %q: %w", createdAt, err)
		}
	}
	e.CreatedAt = t
	return e, nil
}
