// Package variables carries request-scoped state through the pipeline and
// renders $variable templates such as the access log line.
package variables

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/gatekeeper/internal/identity"
	"github.com/wudi/gatekeeper/internal/logging"
)

// Context is the per-request state shared by the filters, the dispatcher and
// the access log. It travels in the request's context.Context.
type Context struct {
	Request   *http.Request
	Inbound   *InboundRequest
	RequestID string
	ClientIP  string
	StartTime time.Time

	// Set by TokenResolver.
	Identity *identity.Identity

	// Set by the dispatcher.
	RouteID      string
	ServiceID    string
	GrayEligible bool
	Tier         string
	UpstreamAddr string

	// Set by the access log.
	Status        int
	BodyBytesSent int64
	ResponseTime  time.Duration
}

// NewContext creates a context for r with a fresh inbound snapshot.
func NewContext(r *http.Request) *Context {
	inbound := Snapshot(r)
	return &Context{
		Request:   r,
		Inbound:   inbound,
		ClientIP:  inbound.ClientIP,
		StartTime: time.Now(),
	}
}

// UserID returns the resolved user id, or "".
func (c *Context) UserID() string {
	if c == nil || c.Identity == nil {
		return ""
	}
	return c.Identity.UserID
}

// RequestContextKey is the context key for storing variable context
type RequestContextKey struct{}

// WithContext stores vc in ctx.
func WithContext(ctx context.Context, vc *Context) context.Context {
	return context.WithValue(ctx, RequestContextKey{}, vc)
}

// FromContext returns the variable context stored in ctx, or nil.
func FromContext(ctx context.Context) *Context {
	vc, _ := ctx.Value(RequestContextKey{}).(*Context)
	return vc
}

// GetFromRequest returns the request's variable context, creating a detached
// one when none was attached.
func GetFromRequest(r *http.Request) *Context {
	if vc := FromContext(r.Context()); vc != nil {
		return vc
	}
	return NewContext(r)
}

// Attach returns r carrying its variable context, creating one if needed.
func Attach(r *http.Request) (*http.Request, *Context) {
	if vc := FromContext(r.Context()); vc != nil {
		return r, vc
	}
	vc := NewContext(r)
	r = r.WithContext(WithContext(r.Context(), vc))
	vc.Request = r
	return r, vc
}

// Logger returns the global logger annotated with request fields from ctx.
func Logger(ctx context.Context) *zap.Logger {
	vc := FromContext(ctx)
	if vc == nil {
		return logging.Global()
	}
	fields := make([]zap.Field, 0, 3)
	if vc.RequestID != "" {
		fields = append(fields, zap.String("request_id", vc.RequestID))
	}
	if vc.ClientIP != "" {
		fields = append(fields, zap.String("client_ip", vc.ClientIP))
	}
	if uid := vc.UserID(); uid != "" {
		fields = append(fields, zap.String("user_id", uid))
	}
	return logging.With(fields...)
}
