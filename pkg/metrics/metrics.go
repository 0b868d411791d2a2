// Package metrics exposes Prometheus metrics for the Hawk gateway on a
// private registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hawk-auth-gateway/pkg/auth"
)

// Transports label where a verification happened.
const (
	TransportHTTP      = "http"
	TransportGRPC      = "grpc"
	TransportDelegated = "delegated"
)

// Recorder collects verification and request metrics.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry      *prometheus.Registry
	verifications *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	requests      *prometheus.CounterVec
	durations     *prometheus.HistogramVec
	throttled     prometheus.Counter
}

// NewRecorder creates a Recorder whose metric names start with namespace.
func NewRecorder(namespace string) *Recorder {
	if namespace == "" {
		namespace = "hawkd"
	}
	registry := prometheus.NewRegistry()
	verifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verifications_total",
		Help:      "Hawk verifications by transport and outcome.",
	}, []string{"transport", "outcome"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "verification_duration_seconds",
		Help:      "Time spent verifying Hawk signatures.",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
	}, []string{"transport"})
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route, method and status.",
	}, []string{"route", "method", "status"})
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})
	throttled := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "throttled_requests_total",
		Help:      "Requests refused because the client failed authentication too often.",
	})
	registry.MustRegister(verifications, latency, requests, durations, throttled)

	return &Recorder{
		registry:      registry,
		verifications: verifications,
		latency:       latency,
		requests:      requests,
		durations:     durations,
		throttled:     throttled,
	}
}

// Outcome is the metric label of a verification result.
func Outcome(reason auth.Reason) string {
	if reason == auth.ReasonNone {
		return "authenticated"
	}
	return reason.String()
}

// ObserveVerification records one verification.
func (r *Recorder) ObserveVerification(transport string, reason auth.Reason, d time.Duration) {
	if r == nil {
		return
	}
	r.verifications.WithLabelValues(transport, Outcome(reason)).Inc()
	r.latency.WithLabelValues(transport).Observe(d.Seconds())
}

// ObserveRequest records one served HTTP request.
func (r *Recorder) ObserveRequest(route, method string, status int, d time.Duration) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	r.durations.WithLabelValues(route, method).Observe(d.Seconds())
}

// IncThrottled counts a request refused by the failure limiter.
func (r *Recorder) IncThrottled() {
	if r == nil {
		return
	}
	r.throttled.Inc()
}

// Registry returns the private registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
