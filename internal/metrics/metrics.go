package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fabian4/httpproxy/internal/event"
	"github.com/fabian4/httpproxy/internal/upstream"
)

const namespace = "httpproxy"

// Registry holds the proxy metrics. It is an event.Sink for the pipeline and
// an upstream.Observer for the pools.
type Registry struct {
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	retries     *prometheus.CounterVec
	errors      *prometheus.CounterVec
	connsActive prometheus.Gauge

	upstreamActive  *prometheus.GaugeVec
	upstreamDials   *prometheus.CounterVec
	upstreamErrors  *prometheus.CounterVec
	upstreamHealthy *prometheus.GaugeVec
}

var (
	_ event.Sink        = (*Registry)(nil)
	_ upstream.Observer = (*Registry)(nil)
)

// NewRegistry registers the metrics with r. A nil r gets a private registry.
func NewRegistry(r prometheus.Registerer) *Registry {
	if r == nil {
		r = prometheus.NewRegistry()
	}
	f := promauto.With(r)
	target := []string{"target"}

	return &Registry{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Number of proxied requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request latency in seconds, from receiving headers to the last body byte.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Number of upstream retries.",
		}, []string{"route"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Number of failed requests by error kind.",
		}, []string{"kind"}),
		connsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open client connections.",
		}),
		upstreamActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_connections_active",
			Help:      "Number of upstream connections in use.",
		}, target),
		upstreamDials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_dials_total",
			Help:      "Number of upstream connections dialed.",
		}, target),
		upstreamErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_dial_errors_total",
			Help:      "Number of failed upstream dials.",
		}, target),
		upstreamHealthy: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_healthy",
			Help:      "1 when the target is selectable, 0 when it is unhealthy.",
		}, target),
	}
}

func (r *Registry) IncRequest(route, method string, status int) {
	r.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
}

func (r *Registry) ObserveLatency(route string, d time.Duration) {
	r.latency.WithLabelValues(route).Observe(d.Seconds())
}

func (r *Registry) IncActiveConns() { r.connsActive.Inc() }
func (r *Registry) DecActiveConns() { r.connsActive.Dec() }

func (r *Registry) Emit(e event.Event) {
	switch e.Kind {
	case event.Completed:
		r.IncRequest(e.Route, e.Method, e.Status)
		r.ObserveLatency(e.Route, e.Latency)
	case event.Failed:
		r.errors.WithLabelValues(e.ErrorKind).Inc()
		if e.Status != 0 {
			r.IncRequest(e.Route, e.Method, e.Status)
		}
		r.ObserveLatency(e.Route, e.Latency)
	case event.Retry:
		r.retries.WithLabelValues(e.Route).Inc()
	}
}

func (r *Registry) ConnDialed(addr string, err error) {
	if err != nil {
		r.upstreamErrors.WithLabelValues(addr).Inc()
		return
	}
	r.upstreamDials.WithLabelValues(addr).Inc()
}

func (r *Registry) ConnsActive(addr string, n int64) {
	r.upstreamActive.WithLabelValues(addr).Set(float64(n))
}

func (r *Registry) HealthChanged(addr string, h upstream.Health) {
	v := 1.0
	if h == upstream.Unhealthy {
		v = 0
	}
	r.upstreamHealthy.WithLabelValues(addr).Set(v)
}
