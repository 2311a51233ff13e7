// Package api exposes the HTTP surface of the Modular API: login and
// token lifecycle, health, metrics, the OpenAPI document and the
// catch-all route dispatched through the pipeline.
package api

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"

	"github.com/epam/modular-api/pkg/errors"
)

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// readJSON reads and validates a JSON request body.
func readJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
	if err != nil {
		return err
	}
	defer func() { _ = r.Body.Close() }()
	return json.Unmarshal(body, v)
}

// writeError translates err to the response status and stable code.
// Typed errors contribute structured details.
func writeError(w http.ResponseWriter, err error) {
	detail := ErrorDetail{
		Code:    errors.Code(err),
		Message: err.Error(),
	}

	var validation *errors.ValidationError
	var restricted *errors.RestrictedValueError
	var denied *errors.DeniedError
	var limited *errors.RateLimitedError
	switch {
	case stderrors.As(err, &validation):
		detail.Details = map[string]any{"field": validation.Field, "message": validation.Message}
	case stderrors.As(err, &restricted):
		detail.Details = map[string]any{"option": restricted.Option, "value": restricted.Value}
	case stderrors.As(err, &denied):
		detail.Details = map[string]any{"module": denied.Module, "command": denied.Command}
	case stderrors.As(err, &limited):
		w.Header().Set("Retry-After", fmt.Sprintf("%.2f", limited.RetryAfter))
	}

	writeJSON(w, errors.HTTPStatus(err), ErrorResponse{Error: detail})
}
