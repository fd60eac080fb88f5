// Package prometheus provides the Prometheus-backed implementation of
// the engine metrics interface.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/oncrpc/pkg/metrics"
)

type engineMetrics struct {
	sessionsOpened  prometheus.Counter
	sessionsClosed  prometheus.Counter
	activeSessions  prometheus.Gauge
	requestsQueued  prometheus.Counter
	requestDuration prometheus.Histogram
	framingErrors   prometheus.Counter
	poolWaits       *prometheus.CounterVec
}

// NewEngineMetrics creates Prometheus collectors registered against the
// package registry. Returns a no-op implementation if the registry has
// not been initialized.
func NewEngineMetrics() metrics.EngineMetrics {
	reg := metrics.GetRegistry()
	if reg == nil {
		return metrics.Noop()
	}

	factory := promauto.With(reg)
	return &engineMetrics{
		sessionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "oncrpc_sessions_opened_total",
			Help: "Total number of accepted RPC sessions",
		}),
		sessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "oncrpc_sessions_closed_total",
			Help: "Total number of terminated RPC sessions",
		}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "oncrpc_active_sessions",
			Help: "Current number of active RPC sessions",
		}),
		requestsQueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "oncrpc_requests_queued_total",
			Help: "Total number of reassembled requests handed to the worker queue",
		}),
		requestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "oncrpc_request_duration_seconds",
			Help:    "Time from queue admission to request completion",
			Buckets: prometheus.DefBuckets,
		}),
		framingErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "oncrpc_framing_errors_total",
			Help: "Total number of sessions terminated by framing or protocol errors",
		}),
		poolWaits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oncrpc_pool_waits_total",
			Help: "Total number of blocking waits on an exhausted packet pool tier",
		}, []string{"tier"}),
	}
}

func (m *engineMetrics) RecordSessionOpened() {
	m.sessionsOpened.Inc()
}

func (m *engineMetrics) RecordSessionClosed() {
	m.sessionsClosed.Inc()
}

func (m *engineMetrics) SetActiveSessions(count int32) {
	m.activeSessions.Set(float64(count))
}

func (m *engineMetrics) RecordRequestQueued() {
	m.requestsQueued.Inc()
}

func (m *engineMetrics) RecordRequestCompleted(duration time.Duration) {
	m.requestDuration.Observe(duration.Seconds())
}

func (m *engineMetrics) RecordFramingError() {
	m.framingErrors.Inc()
}

func (m *engineMetrics) RecordPoolWait(tier string) {
	m.poolWaits.WithLabelValues(tier).Inc()
}
