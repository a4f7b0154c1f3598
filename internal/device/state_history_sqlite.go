package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// historyTimeFormat is fixed-width so that string order in SQLite matches
// chronological order.
const historyTimeFormat = "2006-01-02T15:04:05.000000Z"

var (
	errEmptyKey  = errors.New("device key is required")
	errEmptyPath = errors.New("publish path is required")
)

// SQLiteStateHistoryRepository keeps fragment updates in the state_history
// table, one JSON-encoded row per RecordStateChange.
type SQLiteStateHistoryRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStateHistoryRepository returns a repository over a migrated db.
func NewSQLiteStateHistoryRepository(db *sql.DB) *SQLiteStateHistoryRepository {
	return &SQLiteStateHistoryRepository{db: db, now: time.Now}
}

func (r *SQLiteStateHistoryRepository) stamp(t time.Time) string {
	return t.UTC().Format(historyTimeFormat)
}

// RecordStateChange appends the fragment stored for key/path. An empty
// source is recorded as StateHistorySourceDevice.
func (r *SQLiteStateHistoryRepository) RecordStateChange(ctx context.Context, key Key, path string, state State, source string) error {
	switch {
	case key == "":
		return errEmptyKey
	case path == "":
		return errEmptyPath
	}
	if source == "" {
		source = StateHistorySourceDevice
	}
	if state == nil {
		state = State{}
	}

	encoded, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding %s/%s fragment: %w", key, path, err)
	}

	if _, err := r.db.ExecContext(ctx,
		"INSERT INTO state_history (device_key, path, state, source, created_at) VALUES (?, ?, ?, ?, ?)",
		string(key), path, string(encoded), source, r.stamp(r.now()),
	); err != nil {
		return fmt.Errorf("recording %s/%s: %w", key, path, err)
	}
	return nil
}

// GetHistory returns the device's entries matching q, newest first.
// q.Limit defaults to 50 and is capped at 200.
func (r *SQLiteStateHistoryRepository) GetHistory(ctx context.Context, key Key, q HistoryQuery) ([]StateHistoryEntry, error) {
	if key == "" {
		return nil, errEmptyKey
	}

	limit := q.Limit
	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}

	where := []string{"device_key = ?"}
	args := []any{string(key)}
	if q.Path != "" {
		where = append(where, "path = ?")
		args = append(args, q.Path)
	}
	if !q.Since.IsZero() {
		where = append(where, "created_at > ?")
		args = append(args, r.stamp(q.Since))
	}
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx,
		"SELECT id, path, state, source, created_at FROM state_history WHERE "+
			strings.Join(where, " AND ")+
			" ORDER BY created_at DESC, id DESC LIMIT ?",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("querying history of %s: %w", key, err)
	}
	defer rows.Close()

	entries := make([]StateHistoryEntry, 0, limit)
	for rows.Next() {
		entry := StateHistoryEntry{DeviceKey: key}
		var encoded, createdAt string
		if err := rows.Scan(&entry.ID, &entry.Path, &encoded, &entry.Source, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		if err := json.Unmarshal([]byte(encoded), &entry.State); err != nil {
			return nil, fmt.Errorf("decoding history row %d: %w", entry.ID, err)
		}
		if entry.CreatedAt, err = time.Parse(historyTimeFormat, createdAt); err != nil {
			return nil, fmt.Errorf("history row %d: %w", entry.ID, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history of %s: %w", key, err)
	}
	return entries, nil
}

// PruneHistory deletes entries recorded before now-olderThan.
func (r *SQLiteStateHistoryRepository) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("retention must be positive, got %v", olderThan)
	}

	res, err := r.db.ExecContext(ctx,
		"DELETE FROM state_history WHERE created_at < ?",
		r.stamp(r.now().Add(-olderThan)),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning state history: %w", err)
	}
	return res.RowsAffected()
}
