package device

import (
	"context"
	"time"
)

// State history source values.
const (
	// StateHistorySourceDevice marks fragments decoded from device telemetry.
	StateHistorySourceDevice = "device"

	// StateHistorySourceAPI marks fragments written through a local caller.
	StateHistorySourceAPI = "api"
)

// StateHistoryEntry is one recorded fragment update.
//
// History is an audit trail only. The router never reads it back, so a
// restart begins with empty state.
type StateHistoryEntry struct {
	ID        int64     `json:"id"`
	DeviceKey Key       `json:"device_key"`
	Path      string    `json:"path"`
	State     State     `json:"state"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryQuery narrows a history lookup. Zero fields match everything.
type HistoryQuery struct {
	// Path keeps only fragments of one publish path.
	Path string

	// Since keeps only entries recorded strictly after this instant.
	Since time.Time

	// Limit caps the result; implementations apply their own default and maximum.
	Limit int
}

// StateHistoryRepository stores and retrieves fragment update history.
//
// Implementations must be thread-safe and use UTC timestamps.
type StateHistoryRepository interface {
	// RecordStateChange records the fragment stored for one path.
	RecordStateChange(ctx context.Context, key Key, path string, state State, source string) error

	// GetHistory returns the device's entries matching q, newest first.
	GetHistory(ctx context.Context, key Key, q HistoryQuery) ([]StateHistoryEntry, error)

	// PruneHistory deletes entries older than now-olderThan and returns the
	// number of rows removed.
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)
}
