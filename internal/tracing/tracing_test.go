package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/wudi/gatekeeper/internal/config"
	"github.com/wudi/gatekeeper/internal/middleware"
	"github.com/wudi/gatekeeper/internal/variables"
)

func newTestTracer(t *testing.T) (*Tracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tr, err := newWithProcessor(config.TracingConfig{Enabled: true, ServiceName: "test"}, sdktrace.NewSimpleSpanProcessor(exp))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tr.Close(context.Background()) })
	return tr, exp
}

func TestMiddlewareRecordsServerSpan(t *testing.T) {
	tr, exp := newTestTracer(t)

	h := middleware.RequestID()(tr.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vc := variables.GetFromRequest(r)
		vc.RouteID = "orders"
		w.WriteHeader(http.StatusBadGateway)
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders", nil))

	if rec.Header().Get(TraceIDHeader) == "" {
		t.Error("expected trace id response header")
	}
	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != "GET /api/orders" {
		t.Errorf("unexpected span name %q", span.Name)
	}
	attrs := map[string]string{}
	for _, kv := range span.Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["gatekeeper.route"] != "orders" {
		t.Errorf("expected route attribute, got %v", attrs)
	}
	if attrs["http.response.status_code"] != "502" {
		t.Errorf("expected status attribute 502, got %q", attrs["http.response.status_code"])
	}
	if span.Status.Code.String() != "Error" {
		t.Errorf("expected error status, got %v", span.Status.Code)
	}
}

func TestMiddlewareContinuesIncomingTrace(t *testing.T) {
	tr, exp := newTestTracer(t)
	const parent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

	h := tr.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("traceparent", parent)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get(TraceIDHeader); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("expected incoming trace id to be continued, got %q", got)
	}
	if spans := exp.GetSpans(); len(spans) != 1 || spans[0].Parent.SpanID().String() != "00f067aa0ba902b7" {
		t.Errorf("span not parented to incoming context")
	}
}

func TestSpanMiddleware(t *testing.T) {
	tr, exp := newTestTracer(t)
	noop := func(next http.Handler) http.Handler { return next }

	h := tr.Middleware()(tr.SpanMiddleware("inbound.pipeline", noop)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name != "inbound.pipeline" {
		t.Errorf("expected child span first, got %q", spans[0].Name)
	}
	if spans[0].Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Error("pipeline span should be a child of the server span")
	}
}

func TestDisabledTracerPassesThrough(t *testing.T) {
	tr, err := New(config.TracingConfig{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	called := false
	h := tr.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if !called || rec.Header().Get(TraceIDHeader) != "" {
		t.Error("disabled tracer must not alter requests")
	}
	if tr.Close(context.Background()) != nil {
		t.Error("closing a disabled tracer should be a no-op")
	}
}
