// Package httpserver contains the HTTP handlers and middleware of the
// operations API: flow submission, schedule and webhook administration,
// usage inspection, and the WebSocket mount point.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aiseohq/aiseo/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details any) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"

	var qerr *domain.QuotaError
	if errors.As(err, &qerr) {
		writeJSON(w, http.StatusTooManyRequests, errorEnvelope{Error: apiError{
			Code:    "QUOTA_EXCEEDED",
			Message: qerr.Error(),
			Details: map[string]any{
				"kind":      string(qerr.Kind),
				"period":    qerr.Period,
				"limit":     qerr.Limit,
				"current":   qerr.Current,
				"requested": qerr.Requested,
			},
		}})
		return
	}

	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrQuotaExceeded):
		code = http.StatusTooManyRequests
		codeStr = "QUOTA_EXCEEDED"
	case errors.Is(err, domain.ErrTenantMismatch):
		code = http.StatusForbidden
		codeStr = "TENANT_MISMATCH"
	case errors.Is(err, domain.ErrUnsafeURL):
		code = http.StatusBadRequest
		codeStr = "UNSAFE_URL"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
