package schema

import (
	"fmt"
	"net/http"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation  = "VALIDATION_ERROR"
	ErrCodeNetwork     = "NETWORK_ERROR"
	ErrCodeAuth        = "AUTH_ERROR"
	ErrCodeServer      = "SERVER_ERROR"
	ErrCodeRateLimited = "RATE_LIMITED"
	ErrCodeTimeout     = "TIMEOUT_ERROR"
	ErrCodeCancelled   = "CANCELLED"

	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeVault             = "VAULT_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeExpression        = "EXPRESSION_ERROR"
)

// OnboardError is the structured error type shared by the coordinator,
// the retrying client and every collaborator adapter.
type OnboardError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	StatusCode int            `json:"status_code,omitempty"`
	Step       Step           `json:"step,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Cause      error          `json:"-"`
}

func (e *OnboardError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *OnboardError) Unwrap() error {
	return e.Cause
}

// NewError creates a new OnboardError.
func NewError(code, message string) *OnboardError {
	return &OnboardError{Code: code, Message: message}
}

// NewErrorf creates a new OnboardError with a formatted message.
func NewErrorf(code, format string, args ...any) *OnboardError {
	return &OnboardError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches the step the error was raised on.
func (e *OnboardError) WithStep(step Step) *OnboardError {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *OnboardError) WithCause(err error) *OnboardError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *OnboardError) WithDetails(details map[string]any) *OnboardError {
	e.Details = details
	return e
}

// WithStatus attaches the HTTP status code reported by a collaborator.
func (e *OnboardError) WithStatus(code int) *OnboardError {
	e.StatusCode = code
	return e
}

// IsRetryable reports whether the retrying client may attempt the call again.
// Validation and auth failures are final; transport-class failures are not.
func (e *OnboardError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeNetwork, ErrCodeTimeout, ErrCodeServer, ErrCodeRateLimited:
		return true
	default:
		return false
	}
}

// IsCancelled reports whether the error represents a user cancellation.
func (e *OnboardError) IsCancelled() bool {
	return e.Code == ErrCodeCancelled
}

// UserMessage returns the text shown on the current step.
func (e *OnboardError) UserMessage() string {
	switch e.Code {
	case ErrCodeValidation, ErrCodeAuth:
		return e.Message
	case ErrCodeNetwork, ErrCodeTimeout:
		return "Network problem. Check your connection and try again."
	case ErrCodeRateLimited:
		return "Too many attempts. Please wait a moment and try again."
	case ErrCodeServer, ErrCodeCircuitOpen:
		return "The service is temporarily unavailable. Please try again."
	default:
		return e.Message
	}
}

// FromHTTPStatus classifies a non-2xx HTTP status returned by a collaborator.
func FromHTTPStatus(status int, message string) *OnboardError {
	if message == "" {
		message = http.StatusText(status)
	}
	var code string
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = ErrCodeAuth
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		code = ErrCodeTimeout
	case status == http.StatusTooManyRequests:
		code = ErrCodeRateLimited
	case status >= 500:
		code = ErrCodeServer
	case status == http.StatusNotFound:
		code = ErrCodeNotFound
	case status == http.StatusConflict:
		code = ErrCodeConflict
	default:
		code = ErrCodeValidation
	}
	return NewError(code, message).WithStatus(status)
}
