package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/wudi/gatekeeper/internal/errors"
	"github.com/wudi/gatekeeper/internal/variables"
)

// Recovery turns a panic into a 500 response. The panic value is logged,
// never returned to the caller.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					variables.Logger(r.Context()).Error("Panic recovered",
						zap.Any("error", rec),
						zap.ByteString("stack", debug.Stack()),
					)
					errors.ErrInternalServer.WriteJSON(w)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
