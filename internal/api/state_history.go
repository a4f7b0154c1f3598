package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/hame-relay-core/internal/device"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// handleGetDeviceHistory returns recorded fragment updates for a device,
// newest first, optionally narrowed by path and since.
func (s *Server) handleGetDeviceHistory(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.deviceFromRequest(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	q := device.HistoryQuery{Path: query.Get("path")}
	if len(q.Path) > maxQueryParamLen {
		writeError(w, r, http.StatusBadRequest, "path too long")
		return
	}

	var err error
	if q.Limit, err = parseHistoryLimit(query.Get("limit")); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if q.Since, err = parseSinceParam(query.Get("since")); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid since timestamp")
		return
	}

	if s.history == nil {
		writeError(w, r, http.StatusServiceUnavailable, "state history unavailable")
		return
	}

	entries, err := s.history.GetHistory(r.Context(), dev.Key(), q)
	if err != nil {
		s.logger.Error("loading state history", "device", dev.String(), "error", err)
		writeError(w, r, http.StatusInternalServerError, "failed to load device history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"key":     dev.Key(),
		"history": entries,
		"count":   len(entries),
	})
}

// parseHistoryLimit parses the limit query parameter with bounds enforcement.
func parseHistoryLimit(raw string) (int, error) {
	if raw == "" {
		return defaultHistoryLimit, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit")
	}
	if limit > maxHistoryLimit {
		return 0, fmt.Errorf("limit exceeds maximum")
	}
	return limit, nil
}

// parseSinceParam parses an RFC3339 timestamp or Unix seconds.
func parseSinceParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}
