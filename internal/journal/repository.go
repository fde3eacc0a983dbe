// Package journal provides access to the session_events table, the history
// of Lutron connection lifecycle transitions.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-lutron/internal/bridges/lutron"
)

// Page size bounds for List.
const (
	defaultLimit = 50
	maxLimit     = 200
)

// timeFormat is fixed width so occurred_at sorts and compares as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// ErrInvalidRange is returned when a filter's Since is after its Until.
var ErrInvalidRange = errors.New("journal: since is after until")

// Event is one recorded lifecycle transition.
type Event struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Address    string    `json:"address,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Filter controls which events to return.
type Filter struct {
	Kind   string    // optional: started, connected, connect_failed, disconnected, ready, reconnecting, stopped
	Since  time.Time // optional: inclusive lower bound
	Until  time.Time // optional: exclusive upper bound
	Limit  int       // default 50, max 200
	Offset int       // pagination offset
}

// ListResult contains the paginated event results.
type ListResult struct {
	Events []Event `json:"events"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

// Repository defines the interface for journal operations.
type Repository interface {
	Record(ctx context.Context, entry lutron.JournalEntry) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// Mirror receives a copy of every recorded transition. The InfluxDB client
// implements it so outages show up next to the bridge metrics.
type Mirror interface {
	WriteSessionEvent(bridgeID, kind, address string, at time.Time)
}

// SQLiteRepository stores events in SQLite.
type SQLiteRepository struct {
	db *sql.DB

	mirrorMu sync.RWMutex
	mirror   Mirror
	bridgeID string
}

// NewSQLiteRepository creates a new journal repository. The session_events
// table must already exist (see migrations/).
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// SetMirror forwards every recorded event to m, tagged with bridgeID.
// Pass nil to stop mirroring.
func (r *SQLiteRepository) SetMirror(bridgeID string, m Mirror) {
	r.mirrorMu.Lock()
	r.mirror = m
	r.bridgeID = bridgeID
	r.mirrorMu.Unlock()
}

// Record inserts a lifecycle entry. It implements lutron.Journal.
// A zero Time is replaced with the current time.
func (r *SQLiteRepository) Record(ctx context.Context, entry lutron.JournalEntry) error {
	if entry.Kind == "" {
		return fmt.Errorf("recording journal entry: kind is required")
	}

	occurred := entry.Time
	if occurred.IsZero() {
		occurred = time.Now()
	}
	occurred = occurred.UTC()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO session_events (id, kind, address, detail, occurred_at)
		 VALUES (?, ?, ?, ?, ?)`,
		"evt-"+uuid.NewString(), entry.Kind, entry.Address, entry.Detail,
		occurred.Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting journal entry: %w", err)
	}

	r.mirrorMu.RLock()
	mirror, bridgeID := r.mirror, r.bridgeID
	r.mirrorMu.RUnlock()
	if mirror != nil {
		mirror.WriteSessionEvent(bridgeID, entry.Kind, entry.Address, occurred)
	}

	return nil
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
	if !filter.Since.IsZero() && !filter.Until.IsZero() && filter.Since.After(filter.Until) {
		return nil, ErrInvalidRange
	}

	var conditions []string
	var args []any

	if filter.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, filter.Kind)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "occurred_at >= ?")
		args = append(args, filter.Since.UTC().Format(timeFormat))
	}
	if !filter.Until.IsZero() {
		conditions = append(conditions, "occurred_at < ?")
		args = append(args, filter.Until.UTC().Format(timeFormat))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM session_events %s", where) //nolint:gosec // WHERE built from parameterised conditions, not user input
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting journal entries: %w", err)
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions, not user input
		"SELECT id, kind, address, detail, occurred_at FROM session_events %s ORDER BY occurred_at DESC, rowid DESC LIMIT ? OFFSET ?",
		where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying journal entries: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var ev Event
		var occurredAt string

		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.Address, &ev.Detail, &occurredAt); err != nil {
			return nil, fmt.Errorf("scanning journal entry: %w", err)
		}

		t, err := time.Parse(timeFormat, occurredAt)
		if err != nil {
			return nil, fmt.Errorf("parsing journal timestamp %q: %w", occurredAt, err)
		}
		ev.OccurredAt = t

		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating journal entries: %w", err)
	}

	return &ListResult{
		Events: events,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}, nil
}

// Prune deletes events that occurred before olderThan and returns how many
// were removed.
func (r *SQLiteRepository) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM session_events WHERE occurred_at < ?",
		olderThan.UTC().Format(timeFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning journal: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning journal: %w", err)
	}
	return n, nil
}

// RetentionCutoff returns the prune boundary for a retention period in days.
// ok is false when days is zero or negative, meaning keep everything.
func RetentionCutoff(now time.Time, days int) (cutoff time.Time, ok bool) {
	if days <= 0 {
		return time.Time{}, false
	}
	return now.AddDate(0, 0, -days), true
}
