package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/hame-relay-core/internal/device"
)

// maxQueryParamLen caps path and query parameters.
const maxQueryParamLen = 128

// deviceResponse describes one registered device.
type deviceResponse struct {
	DeviceType string        `json:"device_type"`
	DeviceID   string        `json:"device_id"`
	Key        device.Key    `json:"key"`
	Topics     device.Topics `json:"topics"`
	Controls   []string      `json:"control_topics"`
	Paths      []string      `json:"paths"`
	Online     *bool         `json:"online,omitempty"`
	Pending    bool          `json:"pending_response"`
}

// deviceFromRequest resolves the {type}/{id} URL parameters to a registered
// device. It writes the error response and returns false on failure.
func (s *Server) deviceFromRequest(w http.ResponseWriter, r *http.Request) (device.Device, bool) {
	dev := device.Device{
		DeviceType: chi.URLParam(r, "type"),
		DeviceID:   chi.URLParam(r, "id"),
	}
	if dev.DeviceType == "" || dev.DeviceID == "" ||
		len(dev.DeviceType) > maxQueryParamLen || len(dev.DeviceID) > maxQueryParamLen {
		writeError(w, r, http.StatusBadRequest, "invalid device")
		return device.Device{}, false
	}
	if !s.router.IsRegistered(dev) {
		writeError(w, r, http.StatusNotFound, "device not registered")
		return device.Device{}, false
	}
	return dev, true
}

func (s *Server) describeDevice(dev device.Device) (deviceResponse, error) {
	topics, err := s.router.Topics(dev)
	if err != nil {
		return deviceResponse{}, err
	}
	controls, err := s.router.ControlTopics(dev)
	if err != nil {
		return deviceResponse{}, err
	}
	paths, err := s.router.Paths(dev)
	if err != nil {
		return deviceResponse{}, err
	}
	pending, err := s.router.HasPendingResponse(dev)
	if err != nil {
		return deviceResponse{}, err
	}

	resp := deviceResponse{
		DeviceType: dev.DeviceType,
		DeviceID:   dev.DeviceID,
		Key:        dev.Key(),
		Topics:     topics,
		Controls:   controls,
		Paths:      paths,
		Pending:    pending,
	}
	if s.availability != nil {
		online := s.availability.Online(dev)
		resp.Online = &online
	}
	return resp, nil
}

// handleListDevices returns every registered device in registration order,
// plus the configured devices that were skipped.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.router.Devices()
	out := make([]deviceResponse, 0, len(devices))
	for _, dev := range devices {
		resp, err := s.describeDevice(dev)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "failed to describe device")
			return
		}
		out = append(out, resp)
	}

	skipped := s.router.Skipped()
	if skipped == nil {
		skipped = []device.Device{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": out,
		"count":   len(out),
		"skipped": skipped,
	})
}

// handleGetDevice returns one device with its topics.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.deviceFromRequest(w, r)
	if !ok {
		return
	}

	resp, err := s.describeDevice(dev)
	if err != nil {
		s.writeRouterError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetDeviceState returns the merged state and every stored fragment.
func (s *Server) handleGetDeviceState(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.deviceFromRequest(w, r)
	if !ok {
		return
	}

	merged, err := s.router.State(dev)
	if err != nil {
		s.writeRouterError(w, r, err)
		return
	}
	paths, err := s.router.Paths(dev)
	if err != nil {
		s.writeRouterError(w, r, err)
		return
	}

	fragments := make(map[string]device.State, len(paths))
	for _, p := range paths {
		frag, err := s.router.PathState(dev, p)
		if err != nil {
			s.writeRouterError(w, r, err)
			return
		}
		fragments[p] = frag
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"key":       dev.Key(),
		"state":     merged,
		"fragments": fragments,
	})
}

// handleGetDevicePathState returns one fragment. Paths that were never
// written answer with the declared default state.
func (s *Server) handleGetDevicePathState(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.deviceFromRequest(w, r)
	if !ok {
		return
	}

	path := chi.URLParam(r, "path")
	if path == "" || len(path) > maxQueryParamLen {
		writeError(w, r, http.StatusBadRequest, "invalid path")
		return
	}

	state, err := s.router.PathState(dev, path)
	if err != nil {
		s.writeRouterError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"key":   dev.Key(),
		"path":  path,
		"state": state,
	})
}

// handlePolling reports the effective poll cadence and response timeout.
func (s *Server) handlePolling(w http.ResponseWriter, r *http.Request) {
	type devicePolling struct {
		Key       device.Key `json:"key"`
		Intervals []int      `json:"poll_intervals_ms"`
		Pending   bool       `json:"pending_response"`
	}

	devices := s.router.Devices()
	out := make([]devicePolling, 0, len(devices))
	for _, dev := range devices {
		def, err := s.router.Definition(dev)
		if err != nil {
			s.writeRouterError(w, r, err)
			return
		}
		pending, err := s.router.HasPendingResponse(dev)
		if err != nil {
			s.writeRouterError(w, r, err)
			return
		}
		intervals := def.PollIntervals()
		if intervals == nil {
			intervals = []int{}
		}
		out = append(out, devicePolling{Key: dev.Key(), Intervals: intervals, Pending: pending})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"poll_interval_ms":    s.router.PollingInterval().Milliseconds(),
		"response_timeout_ms": s.router.ResponseTimeout().Milliseconds(),
		"devices":             out,
	})
}

// writeRouterError maps router errors to HTTP responses.
func (s *Server) writeRouterError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, device.ErrDeviceNotRegistered) {
		writeError(w, r, http.StatusNotFound, "device not registered")
		return
	}
	s.logger.Error("router error", "error", err)
	writeError(w, r, http.StatusInternalServerError, "internal error")
}
