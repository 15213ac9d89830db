package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// GatewayError is an error that can be returned to clients as the uniform
// gateway envelope: {"error":true,"message":...,"request_id":...,"timestamp":...}.
type GatewayError struct {
	Code       int    `json:"-"`
	IsError    bool   `json:"error"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id,omitempty"`
	Timestamp  string `json:"timestamp"`
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error envelope to the response. The timestamp is
// stamped at write time so singleton base errors stay immutable.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	out := *e
	out.IsError = true
	out.Timestamp = time.Now().UTC().Format(time.RFC3339)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(out.Code)
	json.NewEncoder(w).Encode(&out)
}

// Common errors
var (
	ErrBadRequest = &GatewayError{
		Code:    http.StatusBadRequest,
		Message: "Bad Request",
	}

	ErrUnauthorized = &GatewayError{
		Code:    http.StatusUnauthorized,
		Message: "Unauthorized",
	}

	ErrForbidden = &GatewayError{
		Code:    http.StatusForbidden,
		Message: "Forbidden",
	}

	ErrNotFound = &GatewayError{
		Code:    http.StatusNotFound,
		Message: "Not Found",
	}

	ErrTooManyRequests = &GatewayError{
		Code:    http.StatusTooManyRequests,
		Message: "Too Many Requests",
	}

	ErrInternalServer = &GatewayError{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}

	ErrBadGateway = &GatewayError{
		Code:    http.StatusBadGateway,
		Message: "Bad Gateway",
	}

	ErrGatewayTimeout = &GatewayError{
		Code:    http.StatusGatewayTimeout,
		Message: "Gateway Timeout",
	}
)

// New creates a new GatewayError
func New(code int, message string) *GatewayError {
	return &GatewayError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with a client-facing code and message
func Wrap(err error, code int, message string) *GatewayError {
	return &GatewayError{
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

// WithMessage returns a copy with the client-facing message replaced
func (e *GatewayError) WithMessage(message string) *GatewayError {
	return &GatewayError{
		Code:       e.Code,
		Message:    message,
		RequestID:  e.RequestID,
		underlying: e.underlying,
	}
}

// WithRequestID returns a copy carrying the request ID
func (e *GatewayError) WithRequestID(requestID string) *GatewayError {
	return &GatewayError{
		Code:       e.Code,
		Message:    e.Message,
		RequestID:  requestID,
		underlying: e.underlying,
	}
}

// IsGatewayError checks if an error is a GatewayError
func IsGatewayError(err error) (*GatewayError, bool) {
	if ge, ok := err.(*GatewayError); ok {
		return ge, true
	}
	return nil, false
}
