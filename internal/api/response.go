// Package api provides HTTP response utilities for OutreachPipe.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/sequence"
	"github.com/BTreeMap/OutreachPipe/internal/store"
)

// maxRequestBodyBytes caps JSON request bodies.
const maxRequestBodyBytes = 1 << 20

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal the response to JSON first to catch encoding errors before writing headers
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// statusForError maps domain errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidStateTransition),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, sequence.ErrTickInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err in the standard envelope. Internal errors are logged
// and reported without detail.
func writeError(w http.ResponseWriter, op string, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		slog.Error("Server."+op+": request failed", "error", err)
		writeJSONResponse(w, status, models.Error("Internal server error"))
		return
	}
	slog.Warn("Server."+op+": request rejected", "status", status, "error", err)
	writeJSONResponse(w, status, models.Error(err.Error()))
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON format: %v", models.ErrValidation, err)
	}
	return nil
}
