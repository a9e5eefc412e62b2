package middleware

import (
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/gatekeeper/internal/config"
	"github.com/wudi/gatekeeper/internal/logging"
	"github.com/wudi/gatekeeper/internal/variables"
)

var loggingRWPool = sync.Pool{
	New: func() any { return &loggingResponseWriter{} },
}

// AccessLog writes one line per request. With a format the line is rendered
// from $variables, otherwise it is emitted as structured fields.
func AccessLog(cfg config.AccessLogConfig) Middleware {
	var tmpl *variables.Template
	if cfg.Format != "" {
		tmpl = variables.Compile(cfg.Format)
	}

	return func(next http.Handler) http.Handler {
		if !cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, vc := variables.Attach(r)
			start := time.Now()

			lrw := loggingRWPool.Get().(*loggingResponseWriter)
			lrw.ResponseWriter = w
			lrw.status = http.StatusOK
			lrw.bytes = 0
			lrw.wroteHeader = false
			defer func() {
				lrw.ResponseWriter = nil
				loggingRWPool.Put(lrw)
			}()

			next.ServeHTTP(lrw, r)

			vc.Status = lrw.status
			vc.BodyBytesSent = lrw.bytes
			vc.ResponseTime = time.Since(start)

			if tmpl != nil {
				logging.Info(tmpl.Render(vc))
				return
			}

			var fields [12]zap.Field
			n := 0
			fields[n] = zap.String("request_id", vc.RequestID)
			n++
			fields[n] = zap.String("client_ip", vc.ClientIP)
			n++
			fields[n] = zap.String("method", r.Method)
			n++
			fields[n] = zap.String("path", vc.Inbound.Path)
			n++
			fields[n] = zap.Int("status", lrw.status)
			n++
			fields[n] = zap.Int64("body_bytes", lrw.bytes)
			n++
			fields[n] = zap.Duration("response_time", vc.ResponseTime)
			n++
			if vc.RouteID != "" {
				fields[n] = zap.String("route_id", vc.RouteID)
				n++
			}
			if vc.UpstreamAddr != "" {
				fields[n] = zap.String("upstream_addr", vc.UpstreamAddr)
				n++
				fields[n] = zap.Bool("gray_eligible", vc.GrayEligible)
				n++
			}
			if uid := vc.UserID(); uid != "" {
				fields[n] = zap.String("user_id", uid)
				n++
			}
			logging.Info("HTTP request", fields[:n]...)
		})
	}
}

// loggingResponseWriter wraps http.ResponseWriter to capture status and bytes
type loggingResponseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (lrw *loggingResponseWriter) WriteHeader(status int) {
	if !lrw.wroteHeader {
		lrw.status = status
		lrw.wroteHeader = true
	}
	lrw.ResponseWriter.WriteHeader(status)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	lrw.wroteHeader = true
	n, err := lrw.ResponseWriter.Write(b)
	lrw.bytes += int64(n)
	return n, err
}

// Flush implements http.Flusher
func (lrw *loggingResponseWriter) Flush() {
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}
