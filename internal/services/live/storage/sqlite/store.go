// Package sqlite provides a SQLite-backed fetch audit store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/f1stats/pitwall/internal/platform/storage/sqlitemigrate"
	"github.com/f1stats/pitwall/internal/services/live/storage"
	"github.com/f1stats/pitwall/internal/services/live/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Store persists fetch audit events in SQLite.
type Store struct {
	sqlDB *sql.DB
}

var _ storage.FetchEventStore = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite audit store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := "file:" + cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// AppendFetchEvent inserts one audit event.
func (s *Store) AppendFetchEvent(ctx context.Context, event storage.FetchEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	filter := strings.TrimSpace(event.Filter)
	if filter == "" {
		return fmt.Errorf("filter is required")
	}
	if strings.TrimSpace(string(event.Outcome)) == "" {
		return fmt.Errorf("outcome is required")
	}
	if event.OccurredAt.IsZero() {
		return fmt.Errorf("occurred at is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO fetch_events (filter, outcome, status, error_code, duration_ms, subscribers, occurred_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		filter,
		string(event.Outcome),
		event.Status,
		strings.TrimSpace(event.ErrorCode),
		event.DurationMillis,
		event.Subscribers,
		toMillis(event.OccurredAt),
	)
	if err != nil {
		return fmt.Errorf("insert fetch event: %w", err)
	}
	return nil
}

// GetFetchEvent returns one audit event by id.
func (s *Store) GetFetchEvent(ctx context.Context, id int64) (storage.FetchEvent, error) {
	if err := ctx.Err(); err != nil {
		return storage.FetchEvent{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.FetchEvent{}, fmt.Errorf("storage is not configured")
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, filter, outcome, status, error_code, duration_ms, subscribers, occurred_at
FROM fetch_events
WHERE id = ?`, id)
	event, err := scanFetchEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.FetchEvent{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.FetchEvent{}, fmt.Errorf("get fetch event: %w", err)
	}
	return event, nil
}

// ListFetchEvents returns the newest events first, optionally limited to one
// filter.
func (s *Store) ListFetchEvents(ctx context.Context, filter string, limit int) ([]storage.FetchEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	filter = strings.TrimSpace(filter)
	var (
		rows *sql.Rows
		err  error
	)
	if filter == "" {
		rows, err = s.sqlDB.QueryContext(ctx, `
SELECT id, filter, outcome, status, error_code, duration_ms, subscribers, occurred_at
FROM fetch_events
ORDER BY occurred_at DESC, id DESC
LIMIT ?`, limit)
	} else {
		rows, err = s.sqlDB.QueryContext(ctx, `
SELECT id, filter, outcome, status, error_code, duration_ms, subscribers, occurred_at
FROM fetch_events
WHERE filter = ?
ORDER BY occurred_at DESC, id DESC
LIMIT ?`, filter, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list fetch events: %w", err)
	}
	defer rows.Close()

	events := make([]storage.FetchEvent, 0, limit)
	for rows.Next() {
		event, err := scanFetchEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fetch event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fetch events: %w", err)
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFetchEvent(row rowScanner) (storage.FetchEvent, error) {
	var (
		event      storage.FetchEvent
		outcome    string
		occurredAt int64
	)
	if err := row.Scan(
		&event.ID,
		&event.Filter,
		&outcome,
		&event.Status,
		&event.ErrorCode,
		&event.DurationMillis,
		&event.Subscribers,
		&occurredAt,
	); err != nil {
		return storage.FetchEvent{}, err
	}
	event.Outcome = storage.Outcome(outcome)
	event.OccurredAt = fromMillis(occurredAt)
	return event, nil
}
