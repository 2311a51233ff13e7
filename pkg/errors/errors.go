// Package errors defines the typed errors surfaced by the Modular API core.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for common error cases.
var (
	ErrNotFound                = errors.New("resource not found")
	ErrAlreadyExists           = errors.New("resource already exists")
	ErrReferencedEntityMissing = errors.New("referenced entity missing")
	ErrInvalidState            = errors.New("invalid entity state")
	ErrInvalidPayload          = errors.New("invalid payload")
	ErrAuthenticationFailed    = errors.New("authentication failed")
	ErrBlockedUser             = errors.New("user is blocked")
	ErrTokenRevoked            = errors.New("token revoked")
	ErrRateLimited             = errors.New("rate limit exceeded")
	ErrNoSuchRoute             = errors.New("no such route")
	ErrDenied                  = errors.New("access denied")
	ErrRestrictedValue         = errors.New("restricted parameter value")
	ErrUpstreamError           = errors.New("upstream error")
	ErrUpstreamTimeout         = errors.New("upstream timeout")
	ErrInternal                = errors.New("internal error")
	ErrInvalidDescriptor       = errors.New("invalid module descriptor")
	ErrDependencyMissing       = errors.New("module dependency missing")
	ErrMountPointConflict      = errors.New("mount point conflict")
	ErrNotInstalled            = errors.New("module not installed")
	ErrCompromisedRecord       = errors.New("record integrity compromised")
	ErrUnsupportedCliVersion   = errors.New("unsupported cli version")
)

// Code returns the stable identifier for err, used in API responses and
// CLI output. Unrecognized errors map to INTERNAL_ERROR.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrAuthenticationFailed):
		return "AUTHENTICATION_FAILED"
	case errors.Is(err, ErrBlockedUser):
		return "BLOCKED_USER"
	case errors.Is(err, ErrTokenRevoked):
		return "TOKEN_REVOKED"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMITED"
	case errors.Is(err, ErrNoSuchRoute):
		return "NO_SUCH_ROUTE"
	case errors.Is(err, ErrDenied):
		return "DENIED"
	case errors.Is(err, ErrInvalidPayload):
		return "INVALID_PAYLOAD"
	case errors.Is(err, ErrRestrictedValue):
		return "RESTRICTED_VALUE"
	case errors.Is(err, ErrUpstreamTimeout):
		return "UPSTREAM_TIMEOUT"
	case errors.Is(err, ErrUpstreamError):
		return "UPSTREAM_ERROR"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrAlreadyExists):
		return "ALREADY_EXISTS"
	case errors.Is(err, ErrReferencedEntityMissing):
		return "REFERENCED_ENTITY_MISSING"
	case errors.Is(err, ErrInvalidState):
		return "INVALID_STATE"
	case errors.Is(err, ErrInvalidDescriptor):
		return "INVALID_DESCRIPTOR"
	case errors.Is(err, ErrDependencyMissing):
		return "DEPENDENCY_MISSING"
	case errors.Is(err, ErrMountPointConflict):
		return "MOUNT_POINT_CONFLICT"
	case errors.Is(err, ErrNotInstalled):
		return "NOT_INSTALLED"
	case errors.Is(err, ErrCompromisedRecord):
		return "COMPROMISED_RECORD"
	case errors.Is(err, ErrUnsupportedCliVersion):
		return "UNSUPPORTED_CLI_VERSION"
	default:
		return "INTERNAL_ERROR"
	}
}

// HTTPStatus maps err to the response status the dispatcher emits.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrAuthenticationFailed), errors.Is(err, ErrTokenRevoked):
		return http.StatusUnauthorized
	case errors.Is(err, ErrBlockedUser), errors.Is(err, ErrDenied),
		errors.Is(err, ErrRestrictedValue):
		return http.StatusForbidden
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrNoSuchRoute), errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidPayload), errors.Is(err, ErrUnsupportedCliVersion):
		return http.StatusBadRequest
	case errors.Is(err, ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ErrUpstreamError):
		return http.StatusBadGateway
	case errors.Is(err, ErrUpstreamTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ValidationError reports a payload field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid payload: %s - %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidPayload
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// RestrictedValueError reports a parameter value outside the caller's
// allow-list.
type RestrictedValueError struct {
	Option string
	Value  string
}

func (e *RestrictedValueError) Error() string {
	return fmt.Sprintf("value %q is not allowed for option %q", e.Value, e.Option)
}

func (e *RestrictedValueError) Unwrap() error {
	return ErrRestrictedValue
}

// NewRestrictedValueError creates a new restricted-value error.
func NewRestrictedValueError(option, value string) *RestrictedValueError {
	return &RestrictedValueError{Option: option, Value: value}
}

// DeniedError carries the matched Deny statement (or the absence of any
// matching Allow) behind a policy decision.
type DeniedError struct {
	Module  string
	Command string
	Reason  string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("access to %s/%s denied: %s", e.Module, e.Command, e.Reason)
}

func (e *DeniedError) Unwrap() error {
	return ErrDenied
}

// NewDeniedError creates a new denied error.
func NewDeniedError(module, command, reason string) *DeniedError {
	return &DeniedError{Module: module, Command: command, Reason: reason}
}

// RateLimitedError carries the retry-after hint for a rejected call.
type RateLimitedError struct {
	RetryAfter float64
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %.2fs", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error {
	return ErrRateLimited
}
