package bridge

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments exposed by the bridge, grounded
// on absmach-mproxy's pkg/metrics: a namespaced promauto.New*Vec per
// concern, registered once at construction. Each Metrics owns its own
// Registry rather than registering into prometheus.DefaultRegisterer, so
// that constructing more than one Bridge in the same process (as the test
// suite does) never collides on collector names.
type Metrics struct {
	Registry *prometheus.Registry

	QueueDepth     prometheus.Gauge
	WritesTotal    *prometheus.CounterVec
	AwaiterTimeout *prometheus.CounterVec
	PushEvents     *prometheus.CounterVec
	WriteToReply   prometheus.Histogram
	SessionState   prometheus.Gauge
}

// NewMetrics registers a fresh set of instruments, on their own Registry,
// under the given namespace (empty defaults to "bridge").
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "bridge"
	}
	reg := prometheus.NewRegistry()
	fac := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		QueueDepth: fac.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of items currently queued for the controller.",
		}),
		WritesTotal: fac.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Total writes sent to the controller, by outcome.",
		}, []string{"outcome"}),
		AwaiterTimeout: fac.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "awaiter_timeouts_total",
			Help:      "Total awaiter deadlines that elapsed without a reply.",
		}, []string{"kind"}),
		PushEvents: fac.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_events_total",
			Help:      "Total unsolicited push events observed, by whether they were whitelisted.",
		}, []string{"whitelisted"}),
		WriteToReply: fac.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "write_to_reply_seconds",
			Help:      "Latency from a queued write to its matching reply.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2, 5},
		}),
		SessionState: fac.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Current session state: 0=disconnected, 1=connecting, 2=connected.",
		}),
	}
}

// ObserveQueueDepth sets the queue-depth gauge to n. Takes the length
// directly rather than a *SendQueue so callers already holding the queue's
// mutex (Submit, pump) can report without re-entering Depth's own lock.
func (m *Metrics) ObserveQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// ObserveSessionState records s's lifecycle state as a gauge value.
func (m *Metrics) ObserveSessionState(s SessionState) {
	if m == nil {
		return
	}
	m.SessionState.Set(float64(s))
}

// ObserveWrite records one controller write's outcome ("ok" or "error").
func (m *Metrics) ObserveWrite(outcome string) {
	if m == nil {
		return
	}
	m.WritesTotal.WithLabelValues(outcome).Inc()
}

// ObserveAwaiterTimeout records one awaiter expiring without a reply, by
// kind ("switch" or "load").
func (m *Metrics) ObserveAwaiterTimeout(kind string) {
	if m == nil {
		return
	}
	m.AwaiterTimeout.WithLabelValues(kind).Inc()
}

// ObserveWriteToReply records the latency from a queued write to the
// awaiter resolving with its matching reply.
func (m *Metrics) ObserveWriteToReply(d time.Duration) {
	if m == nil {
		return
	}
	m.WriteToReply.Observe(d.Seconds())
}
