package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the pipeline's collectors. A nil *Metrics is valid and records nothing,
// so components and tests can run without a registry.
type Metrics struct {
	MirrorResults      *prometheus.CounterVec
	DerivativeOutcomes *prometheus.CounterVec
	ResolveAttempts    *prometheus.CounterVec
	DroppedTasks       *prometheus.CounterVec
	OpenSessions       prometheus.Gauge
	SweptSessions      prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MirrorResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "media",
			Name:      "mirror_results_total",
			Help:      "Durable-tier mirror attempts by result.",
		}, []string{"result"}),
		DerivativeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "media",
			Name:      "derivative_outcomes_total",
			Help:      "Generated derivatives by kind and outcome.",
		}, []string{"kind", "outcome"}),
		ResolveAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "media",
			Name:      "resolve_attempts_total",
			Help:      "Retrieval resolver key-pattern attempts by result.",
		}, []string{"result"}),
		DroppedTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "media",
			Name:      "dropped_tasks_total",
			Help:      "Background tasks dropped because the queue was full or closed.",
		}, []string{"task"}),
		OpenSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "media",
			Name:      "upload_sessions_open",
			Help:      "Chunked upload sessions currently open.",
		}),
		SweptSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "media",
			Name:      "upload_sessions_swept_total",
			Help:      "Expired upload sessions removed by the sweep.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.MirrorResults, m.DerivativeOutcomes, m.ResolveAttempts,
			m.DroppedTasks, m.OpenSessions, m.SweptSessions)
	}
	return m
}

func (m *Metrics) Mirror(result string) {
	if m == nil {
		return
	}
	m.MirrorResults.WithLabelValues(result).Inc()
}

func (m *Metrics) Derivative(kind, outcome string) {
	if m == nil {
		return
	}
	m.DerivativeOutcomes.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) Resolve(result string) {
	if m == nil {
		return
	}
	m.ResolveAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) Dropped(task string) {
	if m == nil {
		return
	}
	m.DroppedTasks.WithLabelValues(task).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.OpenSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.OpenSessions.Dec()
}

func (m *Metrics) Swept(n int) {
	if m == nil {
		return
	}
	m.SweptSessions.Add(float64(n))
}
