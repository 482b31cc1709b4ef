// Package http provides the REST API over the approval, budget and
// emergency-stop services.
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/geniusboywonder/bmad/internal/domain"
	"github.com/geniusboywonder/bmad/internal/domain/approval"
	"github.com/geniusboywonder/bmad/internal/domain/budget"
	"github.com/geniusboywonder/bmad/internal/domain/stop"
)

const maxRequestBodySize = 1 << 20 // 1 MB

// ---------------------------------------------------------------------------
// Request helpers
// ---------------------------------------------------------------------------

// readJSON decodes a JSON request body with a size limit.
func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

// urlParam is a short alias for chi.URLParam.
func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeDomainError maps service-layer errors to HTTP statuses. Budget
// denials surface as 429 with the denial reason; an active emergency stop
// locks the resource (423).
func writeDomainError(w http.ResponseWriter, err error, fallbackMsg string) {
	var limitErr *budget.LimitError
	switch {
	case errors.As(err, &limitErr):
		writeError(w, http.StatusTooManyRequests, limitErr.Reason)
	case errors.Is(err, stop.ErrStopActive):
		writeError(w, http.StatusLocked, err.Error())
	case errors.Is(err, approval.ErrWaitTimeout):
		writeError(w, http.StatusRequestTimeout, "approval still pending")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, fallbackMsg)
	case errors.Is(err, domain.ErrInvalidState):
		writeError(w, http.StatusConflict, "request already resolved")
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, "resource was modified by another request")
	case errors.Is(err, domain.ErrValidation):
		msg := strings.TrimPrefix(err.Error(), domain.ErrValidation.Error()+": ")
		writeError(w, http.StatusBadRequest, msg)
	default:
		slog.Error("unhandled domain error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
