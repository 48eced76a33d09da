package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/dunamismax/roomseg/internal/domain"
)

// statusForError maps an error kind to its HTTP status and the message shown
// to clients. Server-side failures get a fixed message.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrAuth):
		return http.StatusUnauthorized, "could not validate credentials"
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, domain.ErrProcessing):
		return http.StatusInternalServerError, "processing failed"
	case errors.Is(err, domain.ErrStorage):
		return http.StatusInternalServerError, "storage unavailable"
	case errors.Is(err, domain.ErrPersistence):
		return http.StatusInternalServerError, "database unavailable"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, message := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Printf("request failed status=%d err=%v", status, err)
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", domain.ErrInvalidInput, err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("%w: invalid JSON body: multiple JSON values are not allowed", domain.ErrInvalidInput)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
