package middleware

import (
	"net/http"
	"slices"

	"github.com/wudi/gatekeeper/internal/errors"
)

// Middleware is a function that wraps an http.Handler
type Middleware func(http.Handler) http.Handler

// Chain represents a chain of middlewares
type Chain struct {
	middlewares []Middleware
}

// NewChain creates a new middleware chain
func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{middlewares: middlewares}
}

// Then chains the middlewares and returns the final handler
func (c *Chain) Then(h http.Handler) http.Handler {
	if h == nil {
		h = http.NotFoundHandler()
	}
	// first middleware is outermost
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}
	return h
}

// Append adds middlewares to the chain and returns a new chain
func (c *Chain) Append(middlewares ...Middleware) *Chain {
	return &Chain{middlewares: append(slices.Clone(c.middlewares), middlewares...)}
}

// Filter is one step of the inbound pipeline. Apply either passes the
// request on, possibly rewritten, or rejects it with a gateway error.
type Filter interface {
	Name() string
	Priority() int
	Apply(r *http.Request) (*http.Request, *errors.GatewayError)
}

// RejectFunc observes a rejection before the error is written.
type RejectFunc func(filter string, r *http.Request, err *errors.GatewayError)

// Pipeline runs filters in ascending priority order and stops at the first
// rejection. Filters with equal priority keep their registration order.
type Pipeline struct {
	filters  []Filter
	onReject RejectFunc
}

// NewPipeline creates a pipeline from filters. Nil filters are skipped.
func NewPipeline(filters ...Filter) *Pipeline {
	p := &Pipeline{}
	for _, f := range filters {
		if f != nil {
			p.filters = append(p.filters, f)
		}
	}
	slices.SortStableFunc(p.filters, func(a, b Filter) int {
		return a.Priority() - b.Priority()
	})
	return p
}

// OnReject sets the rejection observer.
func (p *Pipeline) OnReject(fn RejectFunc) *Pipeline {
	p.onReject = fn
	return p
}

// Names returns filter names in execution order.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.filters))
	for i, f := range p.filters {
		names[i] = f.Name()
	}
	return names
}

// Run applies every filter to r. On rejection it returns the failing
// filter's name and error.
func (p *Pipeline) Run(r *http.Request) (*http.Request, string, *errors.GatewayError) {
	for _, f := range p.filters {
		next, gerr := f.Apply(r)
		if gerr != nil {
			return r, f.Name(), gerr
		}
		if next != nil {
			r = next
		}
	}
	return r, "", nil
}

// Handler returns next guarded by the pipeline.
func (p *Pipeline) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, name, gerr := p.Run(r)
		if gerr != nil {
			if p.onReject != nil {
				p.onReject(name, r, gerr)
			}
			gerr.WriteJSON(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Middleware adapts the pipeline to a Chain element.
func (p *Pipeline) Middleware() Middleware {
	return p.Handler
}
