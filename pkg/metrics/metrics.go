// Package metrics exposes Prometheus counters for boundary fetches, sessions
// and the HTTP API on a private registry.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"geo-drilldown-map/pkg/mapdata"
)

// Collector owns the registry and every metric of the server.
type Collector struct {
	registry *prometheus.Registry

	fetchTotal    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	transitions   *prometheus.CounterVec

	sessionsActive prometheus.Gauge
	sessionsOpened prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	rateLimited  *prometheus.CounterVec
}

// New registers all metrics under namespace.
func New(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		fetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "boundary_fetches_total",
			Help:      "Boundary fetches by drill level and outcome.",
		}, []string{"level", "outcome"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "boundary_fetch_duration_seconds",
			Help:      "Time spent fetching and decoding one boundary layer.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"level"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "map_transitions_total",
			Help:      "Map view transitions by outcome (ok, stale, or a fetch failure kind).",
		}, []string{"outcome"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Open map sessions.",
		}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Map sessions created since start.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by route and status code.",
		}, []string{"route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-client limiter.",
		}, []string{"kind"}),
	}
	c.registry.MustRegister(
		c.fetchTotal, c.fetchDuration, c.transitions,
		c.sessionsActive, c.sessionsOpened,
		c.httpRequests, c.httpDuration, c.rateLimited,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// FetchObserver plugs into mapdata.WithObserver.
func (c *Collector) FetchObserver() mapdata.Observer {
	return func(level mapdata.Level, outcome string, _ int, elapsed time.Duration) {
		c.fetchTotal.WithLabelValues(level.String(), outcome).Inc()
		c.fetchDuration.WithLabelValues(level.String()).Observe(elapsed.Seconds())
	}
}

// Transition counts one finished map view transition.
func (c *Collector) Transition(outcome string) {
	c.transitions.WithLabelValues(outcome).Inc()
}

// SessionOpened and SessionClosed track the session registry.
func (c *Collector) SessionOpened() {
	c.sessionsOpened.Inc()
	c.sessionsActive.Inc()
}

func (c *Collector) SessionClosed() { c.sessionsActive.Dec() }

// RateLimited counts a rejected request of the given limiter kind.
func (c *Collector) RateLimited(kind string) { c.rateLimited.WithLabelValues(kind).Inc() }

// Instrument wraps h and records status and latency under route.
func (c *Collector) Instrument(route string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r)
		c.httpRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		c.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack keeps websocket upgrades working behind Instrument.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
