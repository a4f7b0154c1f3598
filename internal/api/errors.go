package api

import (
	"encoding/json"
	"net/http"
)

// Error codes carried in ErrorResponse.Code.
const (
	ErrCodeBadRequest  = "bad_request"
	ErrCodeNotFound    = "not_found"
	ErrCodeInternal    = "internal_error"
	ErrCodeUnavailable = "service_unavailable"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// errorCode maps an HTTP status to its error code.
func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return ErrCodeBadRequest
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusServiceUnavailable:
		return ErrCodeUnavailable
	default:
		return ErrCodeInternal
	}
}

// writeJSON encodes v as the response body. The body is encoded before the
// header is written, so an unencodable value becomes a 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	if v == nil {
		w.WriteHeader(status)
		return
	}

	body, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		//nolint:errcheck // client may have gone away
		w.Write([]byte(`{"code":"` + ErrCodeInternal + `","message":"response encoding failed"}` + "\n"))
		return
	}
	w.WriteHeader(status)
	//nolint:errcheck // client may have gone away
	w.Write(append(body, '\n'))
}

// writeError answers with an ErrorResponse tagged with the request ID.
func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, ErrorResponse{
		Code:      errorCode(status),
		Message:   message,
		RequestID: requestIDFrom(r.Context()),
	})
}
