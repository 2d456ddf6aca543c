// Package metrics registers and exposes the fabric runtime's Prometheus
// metrics: request/event/cron counters and the latency histograms spec
// §4.2, §4.4, and §4.5 call for. Call Handler to mount the scrape endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts HTTP route dispatches (spec §4.2 step 8).
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_requests_total",
			Help: "Total number of route dispatches by method, type, path and status",
		},
		[]string{"method", "type", "path", "status"},
	)

	// RequestLatencyMS is start-initiated: time a request waited in the
	// middleware stack before dispatch began.
	RequestLatencyMS = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fabric_request_latency_ms",
			Help:    "Queue latency (initiated -> dispatch start) in milliseconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"method", "path"},
	)

	// RequestDurationMS is now-start: time spent inside the handler.
	RequestDurationMS = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fabric_request_duration_ms",
			Help:    "Handler duration (dispatch start -> response) in milliseconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"method", "path"},
	)

	// EventsEmittedTotal counts Bus.Emit calls by topic.
	EventsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_events_emitted_total",
			Help: "Total number of events emitted by topic",
		},
		[]string{"topic"},
	)

	// EventsDeliveredTotal counts per-subscription envelope deliveries.
	EventsDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_events_delivered_total",
			Help: "Total number of envelopes delivered to subscriptions by topic and outcome",
		},
		[]string{"topic", "outcome"},
	)

	// CronInvocationsTotal counts cron tick attempts, including retries.
	CronInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_cron_invocations_total",
			Help: "Total number of cron handler invocations by job and outcome",
		},
		[]string{"job", "outcome"},
	)

	// CronTickDuration times a full tick including retries.
	CronTickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fabric_cron_tick_duration_seconds",
			Help:    "Total wall time of a cron tick, including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	// BridgeInvokeTotal counts Invoker.Invoke calls by handler/method/code.
	BridgeInvokeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_bridge_invoke_total",
			Help: "Total number of bridge invocations by handler, method and status code",
		},
		[]string{"handler", "method", "code"},
	)

	// BridgeEndpointHealthy reports 1/0 per endpoint target.
	BridgeEndpointHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fabric_bridge_endpoint_healthy",
			Help: "Whether a bridge endpoint is currently considered healthy",
		},
		[]string{"registry", "target"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestLatencyMS,
		RequestDurationMS,
		EventsEmittedTotal,
		EventsDeliveredTotal,
		CronInvocationsTotal,
		CronTickDuration,
		BridgeInvokeTotal,
		BridgeEndpointHealthy,
	)
}

// Handler returns the HTTP handler serving the Prometheus exposition
// format, meant to be mounted at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall time for histogram observations, mirroring
// the stopwatch-style timers used across the route dispatcher and cron tick
// loop.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveMS records the elapsed time in milliseconds against histogram.
func (t *Timer) ObserveMS(histogram prometheus.Observer) {
	histogram.Observe(float64(time.Since(t.start).Microseconds()) / 1000.0)
}

// ObserveSeconds records the elapsed time in seconds against histogram.
func (t *Timer) ObserveSeconds(histogram prometheus.Observer) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Elapsed returns the time since the timer started.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}
