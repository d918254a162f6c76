// ABOUTME: Prometheus sink counting auth, admission, dispatch and isolation events
// ABOUTME: Owns a private registry exposed through Handler for the metrics endpoint

package observe

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tenant_gateway"

// Metrics is a Sink backed by Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	AuthEvents         *prometheus.CounterVec
	AdmissionRejected  *prometheus.CounterVec
	RPCRequests        *prometheus.CounterVec
	RPCDuration        *prometheus.HistogramVec
	IsolationViolation prometheus.Counter
	CodeReplays        prometheus.Counter
}

// NewMetrics creates the collectors on a fresh registry that also carries the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		AuthEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_events_total",
			Help:      "Credential resolutions by result and failure kind",
		}, []string{"result", "kind"}),
		AdmissionRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejected_total",
			Help:      "Requests rejected by the admission controller",
		}, []string{"transport"}),
		RPCRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "JSON-RPC requests by method and response code",
		}, []string{"method", "code"}),
		RPCDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_request_duration_seconds",
			Help:      "JSON-RPC request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		IsolationViolation: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "isolation_violations_total",
			Help:      "Detected tenant isolation violations",
		}),
		CodeReplays: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oauth_code_replays_total",
			Help:      "Authorization codes presented after redemption",
		}),
	}
}

// Record implements Sink.
func (m *Metrics) Record(e Event) {
	switch e.Kind {
	case EventAuthSuccess:
		m.AuthEvents.WithLabelValues("success", "").Inc()
	case EventAuthFailure:
		m.AuthEvents.WithLabelValues("failure", e.Reason).Inc()
	case EventAdmissionRejected:
		m.AdmissionRejected.WithLabelValues(e.Transport).Inc()
	case EventRPCDispatched:
		m.RPCRequests.WithLabelValues(e.Method, strconv.Itoa(e.Code)).Inc()
		m.RPCDuration.WithLabelValues(e.Method).Observe(e.Duration.Seconds())
	case EventIsolationViolation:
		m.IsolationViolation.Inc()
	case EventCodeReplayed:
		m.CodeReplays.Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
