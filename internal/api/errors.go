package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
)

// Error is the body of every non-2xx response except /health.
type Error struct {
	Status    int    `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Error codes.
const (
	ErrCodeInvalidLimit    = "invalid_limit"
	ErrCodeNoJournal       = "journal_not_configured"
	ErrCodeJournalRead     = "journal_read_failed"
	ErrCodeJournalDeadline = "journal_timeout"
	ErrCodeNotFound        = "not_found"
	ErrCodeMethodNotAllow  = "method_not_allowed"
	ErrCodeInternal        = "internal_error"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes an Error tagged with the request's id.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:    status,
		Code:      code,
		Message:   message,
		RequestID: requestID(r.Context()),
	})
}

// writeJournalError logs a failed journal read and answers 503 when the
// read ran out of time, 500 otherwise.
func (s *Server) writeJournalError(w http.ResponseWriter, r *http.Request, table string, err error) {
	s.logger.Error("reading journal",
		"table", table,
		"error", err,
		"request_id", requestID(r.Context()),
	)
	if errors.Is(err, context.DeadlineExceeded) {
		writeError(w, r, http.StatusServiceUnavailable, ErrCodeJournalDeadline, "journal read timed out")
		return
	}
	writeError(w, r, http.StatusInternalServerError, ErrCodeJournalRead, "failed to read "+table)
}
