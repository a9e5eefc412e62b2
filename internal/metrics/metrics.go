// Package metrics exposes gateway counters and histograms for Prometheus.
// Every recording method is safe on a nil *Collector.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gatekeeper"

// Collector owns a dedicated registry and the gateway's collectors.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	rejectionsTotal  *prometheus.CounterVec
	failOpenTotal    *prometheus.CounterVec
	authTotal        *prometheus.CounterVec
	authCorruptTotal prometheus.Counter
	selectionsTotal  *prometheus.CounterVec
	noInstanceTotal  *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	poolInFlight     prometheus.GaugeFunc
}

// NewCollector creates a collector with Go and process collectors attached.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := &Collector{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled, by route, method and status.",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request latency by route.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"route"}),
		rejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filter_rejections_total",
			Help:      "Requests rejected by an inbound filter.",
		}, []string{"filter", "reason"}),
		failOpenTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accessgate_fail_open_total",
			Help:      "Blacklist checks skipped because the cache failed.",
		}, []string{"dimension"}),
		authTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_resolutions_total",
			Help:      "Token resolutions by outcome.",
		}, []string{"outcome"}),
		authCorruptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_cache_corrupt_total",
			Help:      "Cached identities discarded because they failed to decode.",
		}),
		selectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_selections_total",
			Help:      "Instance selections by service, strategy and version tier.",
		}, []string{"service", "strategy", "tier"}),
		noInstanceTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_no_instance_total",
			Help:      "Selections that found no instance.",
		}, []string{"service"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_open",
			Help:      "1 when the named breaker is not closed.",
		}, []string{"breaker"}),
	}

	reg.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.rejectionsTotal,
		c.failOpenTotal,
		c.authTotal,
		c.authCorruptTotal,
		c.selectionsTotal,
		c.noInstanceTotal,
		c.breakerState,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RecordRequest records a completed request
func (c *Collector) RecordRequest(route, method string, status int, d time.Duration) {
	if c == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	c.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// RecordRejection counts a filter rejection.
func (c *Collector) RecordRejection(filter, reason string) {
	if c == nil {
		return
	}
	c.rejectionsTotal.WithLabelValues(filter, reason).Inc()
}

// RecordFailOpen counts a blacklist dimension skipped on cache failure.
func (c *Collector) RecordFailOpen(dimension string) {
	if c == nil {
		return
	}
	c.failOpenTotal.WithLabelValues(dimension).Inc()
}

// RecordAuth counts a token resolution outcome such as cache, remote or rejected.
func (c *Collector) RecordAuth(outcome string) {
	if c == nil {
		return
	}
	c.authTotal.WithLabelValues(outcome).Inc()
}

// RecordCorruptCacheEntry counts a discarded cached identity.
func (c *Collector) RecordCorruptCacheEntry() {
	if c == nil {
		return
	}
	c.authCorruptTotal.Inc()
}

// RecordSelection counts an instance selection.
func (c *Collector) RecordSelection(service, strategy, tier string) {
	if c == nil {
		return
	}
	c.selectionsTotal.WithLabelValues(service, strategy, tier).Inc()
}

// RecordNoInstance counts a selection with an empty candidate list.
func (c *Collector) RecordNoInstance(service string) {
	if c == nil {
		return
	}
	c.noInstanceTotal.WithLabelValues(service).Inc()
}

// SetBreakerOpen sets the breaker gauge.
func (c *Collector) SetBreakerOpen(name string, open bool) {
	if c == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	c.breakerState.WithLabelValues(name).Set(v)
}

// ObservePool exposes the worker pool occupancy as a gauge. It may be called
// once per collector.
func (c *Collector) ObservePool(inFlight func() int64) {
	if c == nil || c.poolInFlight != nil {
		return
	}
	c.poolInFlight = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "workerpool_in_flight",
		Help:      "Tasks currently running on the worker pool.",
	}, func() float64 { return float64(inFlight()) })
	c.registry.MustRegister(c.poolInFlight)
}
