// Package proxy dispatches authenticated requests to a service instance
// chosen by the gray-aware selector.
package proxy

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/wudi/gatekeeper/internal/errors"
	"github.com/wudi/gatekeeper/internal/gray"
	"github.com/wudi/gatekeeper/internal/loadbalancer"
	"github.com/wudi/gatekeeper/internal/variables"
)

// Selector picks an instance for a service.
type Selector interface {
	Select(ctx context.Context, serviceID string, gc gray.Context) (loadbalancer.Decision, error)
}

// Dispatcher routes requests by path and round-trips them to an instance.
// The route table and gray policy are swapped atomically on reload.
type Dispatcher struct {
	table          atomic.Pointer[Table]
	policy         atomic.Pointer[gray.Policy]
	selector       Selector
	transport      http.RoundTripper
	defaultTimeout time.Duration
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(table *Table, policy *gray.Policy, selector Selector, transport http.RoundTripper, defaultTimeout time.Duration) *Dispatcher {
	d := &Dispatcher{
		selector:       selector,
		transport:      transport,
		defaultTimeout: defaultTimeout,
	}
	d.table.Store(table)
	d.policy.Store(policy)
	return d
}

// SetTable replaces the route table.
func (d *Dispatcher) SetTable(t *Table) { d.table.Store(t) }

// SetPolicy replaces the gray policy.
func (d *Dispatcher) SetPolicy(p *gray.Policy) { d.policy.Store(p) }

// Table returns the active route table.
func (d *Dispatcher) Table() *Table { return d.table.Load() }

// ServeHTTP implements http.Handler.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r, vc := variables.Attach(r)
	logger := variables.Logger(r.Context())

	route, ok := d.table.Load().Match(r.URL.Path)
	if !ok {
		errors.ErrNotFound.WriteJSON(w)
		return
	}
	vc.RouteID = route.ID
	vc.ServiceID = route.Service

	gc := d.policy.Load().Context(vc.UserID(), vc.ClientIP)
	ctx := r.Context()

	decision, err := d.selector.Select(ctx, route.Service, gc)
	if err != nil {
		logger.Warn("no instance for route",
			zap.String("route", route.ID), zap.String("service", route.Service), zap.Error(err))
		errors.ErrServiceUnavailable.WriteJSON(w)
		return
	}
	vc.GrayEligible = decision.GrayEligible
	vc.Tier = string(decision.Tier)
	vc.UpstreamAddr = decision.Instance.Address()

	timeout := route.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	outReq := d.outbound(ctx, r, route, decision)
	resp, err := d.transport.RoundTrip(outReq)
	if err != nil {
		if stderrors.Is(err, context.Canceled) && r.Context().Err() != nil {
			return
		}
		logger.Warn("upstream request failed",
			zap.String("route", route.ID),
			zap.String("upstream", vc.UpstreamAddr),
			zap.Error(err))
		errors.ErrBadGateway.WriteJSON(w)
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.Debug("copying upstream body interrupted", zap.Error(err))
	}
}

// outbound clones r for the chosen instance.
func (d *Dispatcher) outbound(ctx context.Context, r *http.Request, route *Route, decision loadbalancer.Decision) *http.Request {
	out := r.Clone(ctx)
	out.RequestURI = ""
	out.URL.Scheme = "http"
	out.URL.Host = decision.Instance.Address()
	out.URL.Path = route.upstreamPath(r.URL.Path)
	out.URL.RawPath = ""
	out.Host = decision.Instance.Address()
	if r.ContentLength == 0 {
		out.Body = nil
	}

	removeHopHeaders(out.Header)
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := out.Header.Values("X-Forwarded-For"); len(prior) > 0 {
			ip = prior[len(prior)-1] + ", " + ip
			out.Header.Del("X-Forwarded-For")
		}
		out.Header.Set("X-Forwarded-For", ip)
	}
	if r.Host != "" {
		out.Header.Set("X-Forwarded-Host", r.Host)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(out.Header))
	return out
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	removeHopHeaders(dst)
}

// Hop-by-hop headers that should be removed
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}
