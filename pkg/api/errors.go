package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/node3/marketplace/pkg/lifecycle"
	"github.com/node3/marketplace/pkg/registry"
	"github.com/node3/marketplace/pkg/store"
)

// Error codes surfaced to clients
const (
	CodeBadRequest   = "BadRequest"
	CodeUnauthorized = "Unauthorized"
	CodeNotFound     = "NotFound"
	CodeConflict     = "Conflict"
	CodeUnavailable  = "Unavailable"
	CodeInternal     = "Internal"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Code: code, Message: message})
}

// writeDomainError maps sentinel errors from the core onto the error
// taxonomy. Unexpected errors are logged with a correlation id and
// surfaced as Internal.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrInvalid):
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
	case errors.Is(err, registry.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid credential")
	case errors.Is(err, store.ErrAgentNotFound), errors.Is(err, store.ErrJobNotFound),
		errors.Is(err, store.ErrPaymentNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, lifecycle.ErrConflict):
		writeError(w, http.StatusConflict, CodeConflict, err.Error())
	case errors.Is(err, store.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "store unavailable, retry with backoff")
	default:
		correlationID := uuid.New().String()[:8]
		log.Printf("[API] Internal error (correlation=%s): %v", correlationID, err)
		writeError(w, http.StatusInternalServerError, CodeInternal,
			"internal error (correlation: "+correlationID+")")
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
