package web

// errors.go provides unified error response handling for the web layer.
//
// Handlers call respondError with whatever the domain returned; the status
// code is derived from the error's type so the mapping lives in one place:
//
//	ValidationError        -> 400
//	boq.ErrNotFound        -> 404
//	boq.ErrInvalidState    -> 409
//	importer.ErrTooManyImports -> 429
//	anything else          -> 500
//
// Technical details are logged server-side with the request ID; clients get
// a JSON body with the message only.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/procurion/boqflow/internal/boq"
	"github.com/procurion/boqflow/internal/importer"
	"github.com/procurion/boqflow/internal/logging"
)

// ErrorResponse is the JSON structure for API error responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

// respondError maps err to a status code, logs it, and writes a JSON body.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	logger := logging.FromContext(r.Context())
	logger.Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"request_id", middleware.GetReqID(r.Context()),
	)

	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "30")
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

// statusFor derives the HTTP status from the domain error.
func statusFor(err error) int {
	switch {
	case boq.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, boq.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, boq.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, importer.ErrTooManyImports):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already sent; nothing left to do but log.
		slog.Error("json encode failed", "error", err)
	}
}
