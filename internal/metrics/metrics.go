// Package metrics records gateway traffic and backend registration state in
// prometheus collectors and serves them on a dedicated scrape endpoint.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns the gateway collectors and the registry they live in
type Recorder struct {
	registry *prometheus.Registry

	requests          *prometheus.CounterVec
	duration          *prometheus.HistogramVec
	backendRegistered *prometheus.GaugeVec
	backendRoutes     *prometheus.GaugeVec
}

// NewRecorder creates a recorder backed by a fresh registry
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()

	r := &Recorder{
		registry: reg,
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		backendRegistered: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_backend_registered",
				Help: "Whether a backend's routes were registered at startup (1) or skipped (0)",
			},
			[]string{"backend"},
		),
		backendRoutes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_backend_routes",
				Help: "Number of REST routes mounted for a backend",
			},
			[]string{"backend"},
		),
	}

	reg.MustRegister(
		r.requests,
		r.duration,
		r.backendRegistered,
		r.backendRoutes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// ObserveRequest records one completed HTTP request
func (r *Recorder) ObserveRequest(method, path string, status int, elapsed time.Duration) {
	code := strconv.Itoa(status)
	r.requests.WithLabelValues(method, path, code).Inc()
	r.duration.WithLabelValues(method, path, code).Observe(elapsed.Seconds())
}

// SetBackend records the registration outcome of a backend
func (r *Recorder) SetBackend(name string, registered bool, routes int) {
	v := 0.0
	if registered {
		v = 1
	}
	r.backendRegistered.WithLabelValues(name).Set(v)
	r.backendRoutes.WithLabelValues(name).Set(float64(routes))
}

// Registry exposes the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// NewServer creates the metrics HTTP server. Addr is taken verbatim.
func NewServer(addr string, r *Recorder) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
