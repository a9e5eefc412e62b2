package tokenauth

import (
	"net/http"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/wudi/gatekeeper/internal/errors"
	"github.com/wudi/gatekeeper/internal/variables"
)

// Priority of token resolution in the inbound pipeline.
const Priority = 300

// Identity headers forwarded to upstream services. Client-supplied copies
// are always removed.
const (
	HeaderUserID          = "X-User-Id"
	HeaderUserName        = "X-User-Name"
	HeaderUserRoles       = "X-User-Roles"
	HeaderUserPermissions = "X-User-Permissions"
)

var identityHeaders = []string{HeaderUserID, HeaderUserName, HeaderUserRoles, HeaderUserPermissions}

// Filter authenticates requests and injects the resolved identity.
type Filter struct {
	resolver  *Resolver
	skipPaths []string
}

// NewFilter wraps resolver as a pipeline filter. Paths matching a skip
// pattern pass unauthenticated.
func NewFilter(resolver *Resolver, skipPaths []string) *Filter {
	return &Filter{resolver: resolver, skipPaths: skipPaths}
}

// Name implements middleware.Filter.
func (f *Filter) Name() string { return "tokenauth" }

// Priority implements middleware.Filter.
func (f *Filter) Priority() int { return Priority }

func (f *Filter) skip(path string) bool {
	for _, p := range f.skipPaths {
		if ok, _ := doublestar.Match(p, path); ok {
			return true
		}
	}
	return false
}

// Apply implements middleware.Filter.
func (f *Filter) Apply(r *http.Request) (*http.Request, *errors.GatewayError) {
	r, vc := variables.Attach(r)
	for _, h := range identityHeaders {
		r.Header.Del(h)
	}
	if f.skip(r.URL.Path) {
		return r, nil
	}

	id, aerr := f.resolver.Resolve(r.Context(), r.Header.Get("Authorization"))
	if aerr != nil {
		if aerr.Kind != KindServiceError {
			variables.Logger(r.Context()).Info("authentication failed",
				zap.String("kind", string(aerr.Kind)),
				zap.String("path", r.URL.Path),
			)
		}
		return r, aerr.GatewayError()
	}

	vc.Identity = id
	r.Header.Set(HeaderUserID, id.UserID)
	r.Header.Set(HeaderUserName, id.UserName)
	if len(id.Roles) > 0 {
		r.Header.Set(HeaderUserRoles, strings.Join(id.Roles, ","))
	}
	if len(id.Permissions) > 0 {
		r.Header.Set(HeaderUserPermissions, strings.Join(id.Permissions, ","))
	}
	return r, nil
}
