// Package observability exposes gateway decisions as Prometheus metrics.
//
// Components depend on the small Hooks interface so that tests and
// deployments with metrics disabled can pass NoopHooks.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Admission decisions
const (
	DecisionAdmitted = "admitted"
	DecisionRejected = "rejected"
	DecisionCanceled = "canceled"
)

// Hooks receives diagnostic callbacks from the admission controller,
// the upstream dispatcher and the stream relay. Implementations must be safe
// for concurrent use.
type Hooks interface {
	// AdmissionDecided is called once per admission attempt.
	AdmissionDecided(decision string, waited time.Duration)
	// UpstreamResponded is called once per upstream response, mode is "stream" or "json".
	UpstreamResponded(mode string, statusCode int)
	// SessionStarted and SessionEnded bracket one relay session.
	SessionStarted()
	SessionEnded(reason string)
	// EventRelayed is called after an event frame was written to the client.
	EventRelayed()
	// KeepaliveSent is called after a keepalive frame was written to the client.
	KeepaliveSent()
}

// NoopHooks discards every callback.
type NoopHooks struct{}

func (NoopHooks) AdmissionDecided(string, time.Duration) {}
func (NoopHooks) UpstreamResponded(string, int)          {}
func (NoopHooks) SessionStarted()                        {}
func (NoopHooks) SessionEnded(string)                    {}
func (NoopHooks) EventRelayed()                          {}
func (NoopHooks) KeepaliveSent()                         {}

// PrometheusHooks records callbacks as Prometheus metrics.
type PrometheusHooks struct {
	reg prometheus.Registerer

	admissions     *prometheus.CounterVec
	admissionWait  prometheus.Histogram
	upstream       *prometheus.CounterVec
	sessionsActive prometheus.Gauge
	sessionsEnded  *prometheus.CounterVec
	events         prometheus.Counter
	keepalives     prometheus.Counter
}

// NewPrometheusHooks registers the gateway metrics with reg.
func NewPrometheusHooks(reg prometheus.Registerer) *PrometheusHooks {
	factory := promauto.With(reg)

	return &PrometheusHooks{
		reg: reg,
		admissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaygate_admission_decisions_total",
			Help: "Admission decisions by outcome.",
		}, []string{"decision"}),
		admissionWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relaygate_admission_wait_seconds",
			Help:    "Time spent waiting for rate limit credit.",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		upstream: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaygate_upstream_responses_total",
			Help: "Upstream responses by relay mode and status code.",
		}, []string{"mode", "code"}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relaygate_relay_sessions_active",
			Help: "Streaming relay sessions currently in flight.",
		}),
		sessionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaygate_relay_sessions_total",
			Help: "Finished relay sessions by end reason.",
		}, []string{"reason"}),
		events: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaygate_relay_events_total",
			Help: "Events written to streaming clients.",
		}),
		keepalives: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaygate_relay_keepalives_total",
			Help: "Keepalive frames written to streaming clients.",
		}),
	}
}

// WatchBucket exports the token bucket's credit and queue length as gauges.
func (h *PrometheusHooks) WatchBucket(credits, waiting func() int) {
	factory := promauto.With(h.reg)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "relaygate_bucket_credits",
		Help: "Admission credits currently available.",
	}, func() float64 { return float64(credits()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "relaygate_bucket_waiters",
		Help: "Requests queued for admission credit.",
	}, func() float64 { return float64(waiting()) })
}

func (h *PrometheusHooks) AdmissionDecided(decision string, waited time.Duration) {
	h.admissions.WithLabelValues(decision).Inc()
	h.admissionWait.Observe(waited.Seconds())
}

func (h *PrometheusHooks) UpstreamResponded(mode string, statusCode int) {
	h.upstream.WithLabelValues(mode, statusLabel(statusCode)).Inc()
}

func (h *PrometheusHooks) SessionStarted() {
	h.sessionsActive.Inc()
}

func (h *PrometheusHooks) SessionEnded(reason string) {
	h.sessionsActive.Dec()
	h.sessionsEnded.WithLabelValues(reason).Inc()
}

func (h *PrometheusHooks) EventRelayed() {
	h.events.Inc()
}

func (h *PrometheusHooks) KeepaliveSent() {
	h.keepalives.Inc()
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "other"
	}
}
