package emergency

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for alert orchestration. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	TriggersTotal      *prometheus.CounterVec
	TriggerDuration    prometheus.Histogram
	DispatchTotal      *prometheus.CounterVec
	DispatchDuration   prometheus.Histogram
	NotificationsTotal *prometheus.CounterVec
	TransitionsTotal   *prometheus.CounterVec
	LateOutcomesTotal  *prometheus.CounterVec
	EventsTotal        *prometheus.CounterVec
}

// NewMetrics registers and returns orchestration metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TriggersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sosd_triggers_total",
			Help: "Total alert triggers by trigger method and result.",
		}, []string{"method", "result"}),
		TriggerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sosd_trigger_duration_seconds",
			Help:    "End to end duration of alert triggers in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		}),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sosd_dispatch_total",
			Help: "Total responder dispatch attempts by mode and result.",
		}, []string{"mode", "result"}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sosd_dispatch_duration_seconds",
			Help:    "Duration of responder dispatch calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sosd_notifications_total",
			Help: "Total contact notifications by result.",
		}, []string{"result"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sosd_transitions_total",
			Help: "Requested alert status transitions by source, target and result.",
		}, []string{"from", "to", "result"}),
		LateOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sosd_late_outcomes_total",
			Help: "Dispatch or notification outcomes that arrived after the alert was closed.",
		}, []string{"kind"}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sosd_events_total",
			Help: "Lifecycle events published to sinks by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.TriggersTotal,
		m.TriggerDuration,
		m.DispatchTotal,
		m.DispatchDuration,
		m.NotificationsTotal,
		m.TransitionsTotal,
		m.LateOutcomesTotal,
		m.EventsTotal,
	)

	return m
}

func (m *Metrics) trigger(method TriggerMethod, result string, seconds float64) {
	if m == nil {
		return
	}
	m.TriggersTotal.WithLabelValues(string(method), result).Inc()
	if result == "ok" {
		m.TriggerDuration.Observe(seconds)
	}
}

func (m *Metrics) dispatch(stub bool, err error, seconds float64) {
	if m == nil {
		return
	}
	mode := "live"
	if stub {
		mode = "stub"
	}
	m.DispatchTotal.WithLabelValues(mode, outcome(err)).Inc()
	m.DispatchDuration.Observe(seconds)
}

func (m *Metrics) notifications(outcomes []NotifyOutcome) {
	if m == nil {
		return
	}
	for _, o := range outcomes {
		result := "success"
		if !o.Success {
			result = "error"
		}
		m.NotificationsTotal.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) transition(from, to Status, err error) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(string(from), string(to), outcome(err)).Inc()
}

func (m *Metrics) lateOutcome(kind string) {
	if m == nil {
		return
	}
	m.LateOutcomesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) event(err error) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(outcome(err)).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
