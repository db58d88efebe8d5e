package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors shared by the pipeline. All methods are safe
// on a nil receiver so components can run without instrumentation.
type Metrics struct {
	FixesReceived       *prometheus.CounterVec
	FixesRejected       *prometheus.CounterVec
	FixesDuplicate      prometheus.Counter
	Transitions         *prometheus.CounterVec
	TransitionsDebounce prometheus.Counter
	EvaluationDuration  prometheus.Histogram
	EvaluationErrors    prometheus.Counter
	Deliveries          *prometheus.CounterVec
	EventsByStatus      *prometheus.GaugeVec
	QueueDrops          prometheus.Counter
	SweepRuns           prometheus.Counter
	SweepEvaluations    *prometheus.CounterVec
	ZoneCacheRefreshes  *prometheus.CounterVec
	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FixesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zonewatch_fixes_received_total",
			Help: "Position fixes received, by transport",
		}, []string{"source"}),
		FixesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zonewatch_fixes_rejected_total",
			Help: "Position fixes discarded before changing state, by reason",
		}, []string{"reason"}),
		FixesDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zonewatch_fixes_duplicate_total",
			Help: "Exact fix resubmissions acknowledged without evaluation",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zonewatch_transitions_total",
			Help: "Zone transitions recorded, by type",
		}, []string{"type"}),
		TransitionsDebounce: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zonewatch_transitions_debounced_total",
			Help: "Transitions suppressed by the cooldown window",
		}),
		EvaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "zonewatch_evaluation_duration_seconds",
			Help:    "Time spent evaluating one fix against its zones",
			Buckets: prometheus.DefBuckets,
		}),
		EvaluationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zonewatch_evaluation_errors_total",
			Help: "Fix evaluations that failed closed on a store error",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zonewatch_notification_attempts_total",
			Help: "Notification delivery attempts, by result",
		}, []string{"result"}),
		EventsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zonewatch_transition_events",
			Help: "Transition events in the log, by delivery status",
		}, []string{"status"}),
		QueueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zonewatch_notify_queue_full_total",
			Help: "Events left for the retry scan because the delivery queue was full",
		}),
		SweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zonewatch_sweep_runs_total",
			Help: "Sweeper ticks",
		}),
		SweepEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zonewatch_sweep_evaluations_total",
			Help: "Sweeper re-evaluations, by result",
		}, []string{"result"}),
		ZoneCacheRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zonewatch_zone_cache_refresh_total",
			Help: "Zone registry reloads, by result",
		}, []string{"result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zonewatch_http_requests_total",
			Help: "HTTP requests, by handler, method and status",
		}, []string{"handler", "method", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zonewatch_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"handler", "method"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.FixesReceived,
			m.FixesRejected,
			m.FixesDuplicate,
			m.Transitions,
			m.TransitionsDebounce,
			m.EvaluationDuration,
			m.EvaluationErrors,
			m.Deliveries,
			m.EventsByStatus,
			m.QueueDrops,
			m.SweepRuns,
			m.SweepEvaluations,
			m.ZoneCacheRefreshes,
			m.HTTPRequests,
			m.HTTPDuration,
		)
	}
	return m
}

func (m *Metrics) FixReceived(source string) {
	if m == nil {
		return
	}
	m.FixesReceived.WithLabelValues(source).Inc()
}

func (m *Metrics) FixRejected(reason string) {
	if m == nil {
		return
	}
	m.FixesRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) FixDuplicate() {
	if m == nil {
		return
	}
	m.FixesDuplicate.Inc()
}

func (m *Metrics) Transition(kind string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(kind).Inc()
}

func (m *Metrics) Debounced() {
	if m == nil {
		return
	}
	m.TransitionsDebounce.Inc()
}

func (m *Metrics) ObserveEvaluation(seconds float64) {
	if m == nil {
		return
	}
	m.EvaluationDuration.Observe(seconds)
}

func (m *Metrics) EvaluationFailed() {
	if m == nil {
		return
	}
	m.EvaluationErrors.Inc()
}

func (m *Metrics) Delivery(result string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) SetEventCounts(counts map[string]int) {
	if m == nil {
		return
	}
	for status, n := range counts {
		m.EventsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

func (m *Metrics) QueueFull() {
	if m == nil {
		return
	}
	m.QueueDrops.Inc()
}

func (m *Metrics) Sweep() {
	if m == nil {
		return
	}
	m.SweepRuns.Inc()
}

func (m *Metrics) SweepEvaluation(result string) {
	if m == nil {
		return
	}
	m.SweepEvaluations.WithLabelValues(result).Inc()
}

func (m *Metrics) ZoneRefresh(result string) {
	if m == nil {
		return
	}
	m.ZoneCacheRefreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveHTTP(handler, method, status string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(handler, method, status).Inc()
	m.HTTPDuration.WithLabelValues(handler, method).Observe(seconds)
}
