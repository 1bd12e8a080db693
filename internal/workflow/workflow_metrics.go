package workflow

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the workflow engine.
type Metrics struct {
	AdmissionsTotal  *prometheus.CounterVec
	TransitionsTotal *prometheus.CounterVec
	WorkflowsTotal   *prometheus.CounterVec
	WorkflowDuration *prometheus.HistogramVec
	CallsTotal       *prometheus.CounterVec
	CallDuration     *prometheus.HistogramVec
	ActiveWorkflows  prometheus.Gauge
}

// NewMetrics registers and returns workflow metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AdmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_admissions_total",
			Help: "Total message submissions by admission result.",
		}, []string{"result"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_transitions_total",
			Help: "Total workflow state transitions by source and target status.",
		}, []string{"from", "to"}),
		WorkflowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_workflows_total",
			Help: "Total completed workflows by route, outcome and failure reason.",
		}, []string{"route", "outcome", "reason"}),
		WorkflowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "herald_workflow_duration_seconds",
			Help:    "Time from admission to terminal outcome in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~34m
		}, []string{"route", "outcome"}),
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_collaborator_calls_total",
			Help: "Total collaborator calls by operation and status.",
		}, []string{"op", "status"}),
		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "herald_collaborator_call_duration_seconds",
			Help:    "Duration of individual collaborator calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		}, []string{"op"}),
		ActiveWorkflows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "herald_active_workflows",
			Help: "Workflows admitted and not yet terminal.",
		}),
	}

	reg.MustRegister(
		m.AdmissionsTotal,
		m.TransitionsTotal,
		m.WorkflowsTotal,
		m.WorkflowDuration,
		m.CallsTotal,
		m.CallDuration,
		m.ActiveWorkflows,
	)

	return m
}

// Hooks returns an EngineHooks that updates the corresponding metrics.
func (m *Metrics) Hooks() EngineHooks {
	return EngineHooks{
		OnAdmit: func(result string) {
			m.AdmissionsTotal.WithLabelValues(result).Inc()
		},
		OnTransition: func(from, to Status) {
			m.TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
		},
		OnCall: func(op string, duration float64, err error) {
			status := "success"
			if err != nil {
				status = "error"
			}
			m.CallsTotal.WithLabelValues(op, status).Inc()
			m.CallDuration.WithLabelValues(op).Observe(duration)
		},
		OnComplete: func(route Route, outcome Outcome, duration float64) {
			m.WorkflowsTotal.WithLabelValues(string(route), string(outcome.Kind), outcome.Reason).Inc()
			m.WorkflowDuration.WithLabelValues(string(route), string(outcome.Kind)).Observe(duration)
		},
		OnActive: func(n int) {
			m.ActiveWorkflows.Set(float64(n))
		},
	}
}
