// Package metrics exposes Prometheus instruments for the session engine.
// Each Recorder owns its registry so several managers can coexist in one
// process.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Refresh outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
	OutcomeExpired  = "expired"
)

// Recorder holds the engine's instruments. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	registry *prometheus.Registry

	refreshRequests *prometheus.CounterVec
	refreshCalls    prometheus.Counter
	refreshLatency  prometheus.Histogram
	gatewayRetries  *prometheus.CounterVec
	statusChanges   *prometheus.CounterVec
	eventsReceived  *prometheus.CounterVec
}

// New creates a Recorder with a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Recorder{
		registry: reg,
		refreshRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionkeeper",
			Name:      "refresh_requests_total",
			Help:      "Refresh requests by trigger and outcome, counted per caller.",
		}, []string{"trigger", "outcome"}),
		refreshCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sessionkeeper",
			Name:      "refresh_network_calls_total",
			Help:      "Refresh calls actually sent to the server.",
		}),
		refreshLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sessionkeeper",
			Name:      "refresh_duration_seconds",
			Help:      "Latency of refresh calls sent to the server.",
			Buckets:   prometheus.DefBuckets,
		}),
		gatewayRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionkeeper",
			Name:      "gateway_retries_total",
			Help:      "Requests replayed after a 401, by result of the replay.",
		}, []string{"result"}),
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionkeeper",
			Name:      "status_changes_total",
			Help:      "Auth status transitions by new status.",
		}, []string{"status"}),
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionkeeper",
			Name:      "session_events_total",
			Help:      "Session events received from the server by type.",
		}, []string{"type"}),
	}

	reg.MustRegister(
		r.refreshRequests,
		r.refreshCalls,
		r.refreshLatency,
		r.gatewayRetries,
		r.statusChanges,
		r.eventsReceived,
	)

	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}

	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) RefreshRequested(trigger, outcome string) {
	if r == nil {
		return
	}

	r.refreshRequests.WithLabelValues(trigger, outcome).Inc()
}

// RefreshCall records one refresh sent to the server and its latency.
func (r *Recorder) RefreshCall(seconds float64) {
	if r == nil {
		return
	}

	r.refreshCalls.Inc()
	r.refreshLatency.Observe(seconds)
}

func (r *Recorder) GatewayRetry(result string) {
	if r == nil {
		return
	}

	r.gatewayRetries.WithLabelValues(result).Inc()
}

func (r *Recorder) StatusChanged(status string) {
	if r == nil {
		return
	}

	r.statusChanges.WithLabelValues(status).Inc()
}

func (r *Recorder) EventReceived(typ string) {
	if r == nil {
		return
	}

	r.eventsReceived.WithLabelValues(typ).Inc()
}
