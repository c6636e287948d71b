// Package metric holds the Prometheus instrumentation shared across
// the bot's components.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set bundles the bot's Prometheus collectors on a private registry.
// A nil *Set is valid and turns every update into a no-op, so tests
// and components can run without instrumentation.
type Set struct {
	registry *prometheus.Registry

	EventsReceived   prometheus.Counter
	EventsProcessed  prometheus.Counter
	EventsSkipped    prometheus.Counter
	EventsFailed     prometheus.Counter
	RepliesPublished prometheus.Counter
	Reconnects       prometheus.Counter
	RetryAttempts    *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	InFlight         prometheus.Gauge
}

// New creates a Set with all collectors registered.
func New() *Set {
	reg := prometheus.NewRegistry()
	s := &Set{
		registry: reg,
		EventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "msinfo_events_received_total",
			Help: "Events accepted from the firehose after filtering",
		}),
		EventsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "msinfo_events_processed_total",
			Help: "Events that reached a terminal state",
		}),
		EventsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "msinfo_events_skipped_total",
			Help: "Events refused by depth or loop policy",
		}),
		EventsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "msinfo_events_failed_total",
			Help: "Events that ended in a terminal failure",
		}),
		RepliesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "msinfo_replies_published_total",
			Help: "Reply posts successfully published",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "msinfo_stream_reconnects_total",
			Help: "Firehose reconnection attempts",
		}),
		RetryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "msinfo_retry_attempts_total",
			Help: "Retry attempts against external services",
		}, []string{"service"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "msinfo_queue_depth",
			Help: "Events waiting in the work queue",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "msinfo_in_flight",
			Help: "Events currently being processed",
		}),
	}
	reg.MustRegister(
		s.EventsReceived, s.EventsProcessed, s.EventsSkipped,
		s.EventsFailed, s.RepliesPublished, s.Reconnects,
		s.RetryAttempts, s.QueueDepth, s.InFlight,
	)
	return s
}

// Handler serves the registry in the Prometheus exposition format.
func (s *Set) Handler() http.Handler {
	if s == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// IncReceived and friends are nil-safe wrappers used on hot paths.

func (s *Set) IncReceived() {
	if s != nil {
		s.EventsReceived.Inc()
	}
}

func (s *Set) IncProcessed() {
	if s != nil {
		s.EventsProcessed.Inc()
	}
}

func (s *Set) IncSkipped() {
	if s != nil {
		s.EventsSkipped.Inc()
	}
}

func (s *Set) IncFailed() {
	if s != nil {
		s.EventsFailed.Inc()
	}
}

func (s *Set) IncPublished() {
	if s != nil {
		s.RepliesPublished.Inc()
	}
}

func (s *Set) IncReconnects() {
	if s != nil {
		s.Reconnects.Inc()
	}
}

func (s *Set) IncRetry(service string) {
	if s != nil {
		s.RetryAttempts.WithLabelValues(service).Inc()
	}
}

func (s *Set) SetQueueDepth(n int) {
	if s != nil {
		s.QueueDepth.Set(float64(n))
	}
}

func (s *Set) AddInFlight(delta int) {
	if s != nil {
		s.InFlight.Add(float64(delta))
	}
}
