package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kalambet/friday/internal/auth"
	"github.com/kalambet/friday/internal/catalog"
	"github.com/kalambet/friday/internal/history"
	"github.com/kalambet/friday/internal/logging"
	"github.com/kalambet/friday/internal/media"
	"github.com/kalambet/friday/internal/orchestrator"
	"github.com/kalambet/friday/internal/speech"
	"github.com/kalambet/friday/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]string{"error": fmt.Sprintf(format, args...)})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an operation error onto an HTTP status code.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, orchestrator.ErrInvalidRequest),
		errors.Is(err, history.ErrInvalidTitle),
		errors.Is(err, history.ErrInvalidVisibility),
		errors.Is(err, speech.ErrEmptyText):
		return http.StatusBadRequest
	case errors.Is(err, catalog.ErrUnknownModel), errors.Is(err, orchestrator.ErrUnsupportedModel):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, history.ErrSessionNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrUpstream),
		errors.Is(err, media.ErrStorageUnavailable),
		errors.Is(err, storage.ErrUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	log := logging.FromContext(r.Context())
	if code >= http.StatusInternalServerError {
		log.Error("request failed", "path", r.URL.Path, "status", code, "error", err)
	} else {
		log.Debug("request rejected", "path", r.URL.Path, "status", code, "error", err)
	}
	httpError(w, code, "%s", err.Error())
}

// decodeJSON reads a size-limited JSON body into v, writing the error
// response itself when it fails.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpError(w, http.StatusRequestEntityTooLarge, "request body exceeds %d bytes", tooLarge.Limit)
			return false
		}
		httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return false
	}
	return true
}
