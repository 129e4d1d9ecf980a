// Package metrics provides Prometheus metrics for the tracking worker.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns its registry so independent workers (and tests) never
// collide on registration.
type Collector struct {
	registry *prometheus.Registry

	activeJobs        prometheus.Gauge
	sessionsStarted   prometheus.Counter
	sessionsFinalized *prometheus.CounterVec
	bridgeExits       *prometheus.CounterVec
	liveChecks        *prometheus.CounterVec
	events            *prometheus.CounterVec
	writeFailures     prometheus.Counter
	remoteRetries     prometheus.Counter
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		activeJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_active_jobs",
			Help: "Tracking jobs currently holding a broadcaster lock",
		}),
		sessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracker_sessions_started_total",
			Help: "Tracking sessions created",
		}),
		sessionsFinalized: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_sessions_finalized_total",
			Help: "Tracking sessions finalized by outcome",
		}, []string{"outcome"}),
		bridgeExits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_bridge_exits_total",
			Help: "Bridge process exits by exit code",
		}, []string{"code"}),
		liveChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_live_checks_total",
			Help: "Live checks by result",
		}, []string{"result"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_bridge_events_total",
			Help: "Parsed bridge events by kind",
		}, []string{"kind"}),
		writeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracker_write_failures_total",
			Help: "Failed session writes recorded as warnings",
		}),
		remoteRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracker_remote_retries_total",
			Help: "Remote worker calls retried after a tunnel failure",
		}),
	}
}

func (c *Collector) SetActiveJobs(n int) {
	c.activeJobs.Set(float64(n))
}

func (c *Collector) SessionStarted() {
	c.sessionsStarted.Inc()
}

func (c *Collector) SessionFinalized(outcome string) {
	c.sessionsFinalized.WithLabelValues(outcome).Inc()
}

func (c *Collector) BridgeExited(code int) {
	c.bridgeExits.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (c *Collector) LiveChecked(result string) {
	c.liveChecks.WithLabelValues(result).Inc()
}

func (c *Collector) EventParsed(kind string) {
	c.events.WithLabelValues(kind).Inc()
}

func (c *Collector) WriteFailed() {
	c.writeFailures.Inc()
}

func (c *Collector) RemoteRetried() {
	c.remoteRetries.Inc()
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
