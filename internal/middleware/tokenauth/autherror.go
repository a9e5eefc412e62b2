package tokenauth

import (
	"github.com/wudi/gatekeeper/internal/errors"
)

// Kind classifies a resolution failure.
type Kind string

const (
	KindMissingToken   Kind = "MISSING_TOKEN"
	KindInvalidToken   Kind = "INVALID_TOKEN"
	KindMalformedToken Kind = "MALFORMED_TOKEN"
	KindRemoteRejected Kind = "REMOTE_REJECTED"
	KindServiceError   Kind = "SERVICE_ERROR"
)

// Caller-facing messages.
const (
	MsgMissingToken   = "missing token"
	MsgTokenExpired   = "token expired"
	MsgInvalidToken   = "invalid token"
	MsgMalformedToken = "malformed token subject"
	MsgRemoteRejected = "token rejected by authentication service"
	MsgServiceError   = "authentication service error"
)

// AuthError is a failed resolution. Message is safe to return to the caller;
// the cause is only logged.
type AuthError struct {
	Kind    Kind
	Message string
	cause   error
}

func newAuthError(kind Kind, msg string, cause error) *AuthError {
	return &AuthError{Kind: kind, Message: msg, cause: cause}
}

func (e *AuthError) Error() string {
	if e.cause != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.cause.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *AuthError) Unwrap() error {
	return e.cause
}

// GatewayError maps the failure onto the HTTP contract: 401 with the
// message, or a generic 500 for service errors.
func (e *AuthError) GatewayError() *errors.GatewayError {
	if e.Kind == KindServiceError {
		return errors.ErrAuthService
	}
	return errors.ErrUnauthorized.WithMessage(e.Message)
}
