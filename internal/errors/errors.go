package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// GatewayError is an error returned to clients as {code, message, data:null}.
// Status is the HTTP status; Code is the business code carried in the body.
type GatewayError struct {
	Status     int
	Code       int
	Message    string
	underlying error
}

// body is the wire shape. Data is always null.
type body struct {
	Code    int       `json:"code"`
	Message string    `json:"message"`
	Data    *struct{} `json:"data"`
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

// MarshalJSON renders the wire shape.
func (e *GatewayError) MarshalJSON() ([]byte, error) {
	return json.Marshal(body{Code: e.Code, Message: e.Message})
}

// WriteJSON writes the error as JSON to the response.
// Base errors use pre-serialized bytes to avoid allocations.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors
var (
	ErrBadRequest = &GatewayError{
		Status:  http.StatusBadRequest,
		Code:    http.StatusBadRequest,
		Message: "bad request",
	}

	ErrUnauthorized = &GatewayError{
		Status:  http.StatusUnauthorized,
		Code:    http.StatusUnauthorized,
		Message: "unauthorized",
	}

	ErrForbidden = &GatewayError{
		Status:  http.StatusForbidden,
		Code:    http.StatusForbidden,
		Message: "forbidden",
	}

	ErrAccessDenied = &GatewayError{
		Status:  http.StatusForbidden,
		Code:    http.StatusForbidden,
		Message: "access denied",
	}

	ErrNotFound = &GatewayError{
		Status:  http.StatusNotFound,
		Code:    http.StatusNotFound,
		Message: "not found",
	}

	ErrMethodNotAllowed = &GatewayError{
		Status:  http.StatusMethodNotAllowed,
		Code:    http.StatusMethodNotAllowed,
		Message: "method not allowed",
	}

	ErrInternalServer = &GatewayError{
		Status:  http.StatusInternalServerError,
		Code:    http.StatusInternalServerError,
		Message: "internal server error",
	}

	ErrAuthService = &GatewayError{
		Status:  http.StatusInternalServerError,
		Code:    http.StatusInternalServerError,
		Message: "authentication service error",
	}

	ErrBadGateway = &GatewayError{
		Status:  http.StatusBadGateway,
		Code:    http.StatusBadGateway,
		Message: "bad gateway",
	}

	ErrServiceUnavailable = &GatewayError{
		Status:  http.StatusServiceUnavailable,
		Code:    http.StatusServiceUnavailable,
		Message: "service unavailable",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrBadRequest, ErrUnauthorized, ErrForbidden, ErrAccessDenied,
		ErrNotFound, ErrMethodNotAllowed, ErrInternalServer, ErrAuthService,
		ErrBadGateway, ErrServiceUnavailable,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a GatewayError whose body code equals the HTTP status.
func New(status int, message string) *GatewayError {
	return &GatewayError{
		Status:  status,
		Code:    status,
		Message: message,
	}
}

// NewWithCode creates a GatewayError with a body code distinct from the status.
func NewWithCode(status, code int, message string) *GatewayError {
	return &GatewayError{
		Status:  status,
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, status int, message string) *GatewayError {
	return &GatewayError{
		Status:     status,
		Code:       status,
		Message:    message,
		underlying: err,
	}
}

// WithMessage returns a copy carrying a different caller-facing message.
func (e *GatewayError) WithMessage(message string) *GatewayError {
	return &GatewayError{
		Status:     e.Status,
		Code:       e.Code,
		Message:    message,
		underlying: e.underlying,
	}
}

// WithCause returns a copy wrapping err. The cause is never serialized.
func (e *GatewayError) WithCause(err error) *GatewayError {
	return &GatewayError{
		Status:     e.Status,
		Code:       e.Code,
		Message:    e.Message,
		underlying: err,
	}
}

// IsGatewayError checks if an error is a GatewayError
func IsGatewayError(err error) (*GatewayError, bool) {
	if ge, ok := err.(*GatewayError); ok {
		return ge, true
	}
	return nil, false
}
