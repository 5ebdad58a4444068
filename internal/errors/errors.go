// Package errors defines the error taxonomy shared by the real-time and HTTP
// surfaces, and its mapping onto HTTP status codes and wire error events.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode is the machine-readable code sent to clients.
type ErrorCode string

const (
	ErrorCodeValidation        ErrorCode = "VALIDATION_ERROR"
	ErrorCodeAccessDenied      ErrorCode = "ACCESS_DENIED"
	ErrorCodeCrossTenant       ErrorCode = "CROSS_TENANT"
	ErrorCodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrorCodeForbidden         ErrorCode = "FORBIDDEN"
	ErrorCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrorCodeNotJoined         ErrorCode = "NOT_JOINED"
	ErrorCodePersistenceFailed ErrorCode = "PERSISTENCE_FAILED"
	ErrorCodeRateLimited       ErrorCode = "RATE_LIMITED"
	ErrorCodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// ChatError is an expected, reportable failure. It never terminates the
// engine; callers convert it into an error event or an HTTP response.
type ChatError struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	Cause     error
}

func (e *ChatError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ChatError) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error code onto the status used by the HTTP surface.
func (e *ChatError) HTTPStatus() int {
	switch e.Code {
	case ErrorCodeValidation:
		return http.StatusBadRequest
	case ErrorCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrorCodeAccessDenied, ErrorCodeCrossTenant, ErrorCodeForbidden:
		return http.StatusForbidden
	case ErrorCodeNotFound:
		return http.StatusNotFound
	case ErrorCodeNotJoined:
		return http.StatusConflict
	case ErrorCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrorCodePersistenceFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func New(code ErrorCode, message string, cause error) *ChatError {
	return &ChatError{Code: code, Message: message, Cause: cause}
}

func Validation(format string, args ...interface{}) *ChatError {
	return New(ErrorCodeValidation, fmt.Sprintf(format, args...), nil)
}

func AccessDenied(message string) *ChatError {
	return New(ErrorCodeAccessDenied, message, nil)
}

func CrossTenant(message string) *ChatError {
	return New(ErrorCodeCrossTenant, message, nil)
}

func Unauthorized(cause error) *ChatError {
	return New(ErrorCodeUnauthorized, "invalid or missing token", cause)
}

func Forbidden(message string) *ChatError {
	return New(ErrorCodeForbidden, message, nil)
}

func NotFound(message string) *ChatError {
	return New(ErrorCodeNotFound, message, nil)
}

func NotJoined(roomID int64) *ChatError {
	return New(ErrorCodeNotJoined, fmt.Sprintf("not joined to room %d", roomID), nil)
}

func PersistenceFailed(cause error) *ChatError {
	return &ChatError{Code: ErrorCodePersistenceFailed, Message: "message could not be stored, retry", Retryable: true, Cause: cause}
}

func RateLimited() *ChatError {
	return New(ErrorCodeRateLimited, "slow down", nil)
}

func Internal(cause error) *ChatError {
	return New(ErrorCodeInternal, "internal error", cause)
}

// As returns the ChatError in err's chain, wrapping anything else as internal.
func As(err error) *ChatError {
	var ce *ChatError
	if stderrors.As(err, &ce) {
		return ce
	}
	return Internal(err)
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	var ce *ChatError
	return stderrors.As(err, &ce) && ce.Code == code
}

// ErrorResponse is the HTTP error body.
type ErrorResponse struct {
	Status    string    `json:"status"`
	ErrorCode ErrorCode `json:"error_code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

// WriteError writes err as a JSON error response. Causes are never exposed.
func WriteError(w http.ResponseWriter, err error, requestID string) {
	ce := As(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ce.HTTPStatus())
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Status:    "error",
		ErrorCode: ce.Code,
		Message:   ce.Message,
		Retryable: ce.Retryable,
		RequestID: requestID,
	})
}
