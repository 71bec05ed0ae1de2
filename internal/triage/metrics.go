package triage

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the triage pipeline.
type Metrics struct {
	EventsTotal        *prometheus.CounterVec
	PipelineDuration   *prometheus.HistogramVec
	PriorityScore      prometheus.Histogram
	SeverityMethod     *prometheus.CounterVec
	ScorerFailures     prometheus.Counter
	LLMRetries         prometheus.Counter
	RemediationActions *prometheus.CounterVec
	RemediationRuns    *prometheus.CounterVec
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_events_total",
			Help: "Events handled by the pipeline, by source and outcome.",
		}, []string{"source", "outcome"}),
		PipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_pipeline_duration_seconds",
			Help:    "End-to-end triage duration per event.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms .. ~200s
		}, []string{"priority_level"}),
		PriorityScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_priority_score",
			Help:    "Distribution of fused priority scores.",
			Buckets: prometheus.LinearBuckets(0, 10, 11), // 0 .. 100
		}),
		SeverityMethod: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_severity_resolutions_total",
			Help: "Severity resolutions by method (precomputed, external-reasoning, heuristic).",
		}, []string{"method"}),
		ScorerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_ml_scorer_failures_total",
			Help: "Scoring boundary failures absorbed as neutral scores.",
		}),
		LLMRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_llm_throttle_retries_total",
			Help: "Reasoning boundary retries due to throttling.",
		}),
		RemediationActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_remediation_actions_total",
			Help: "Individual remediation actions by kind and status.",
		}, []string{"action", "status"}),
		RemediationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_remediation_runs_total",
			Help: "Remediation executor runs by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.EventsTotal,
		m.PipelineDuration,
		m.PriorityScore,
		m.SeverityMethod,
		m.ScorerFailures,
		m.LLMRetries,
		m.RemediationActions,
		m.RemediationRuns,
	)

	return m
}

// ObserveEvent counts one delivery outcome. Nil-safe so tests can run
// without a registry.
func (m *Metrics) ObserveEvent(source, outcome string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(source, outcome).Inc()
}

// ObservePipeline records the per-event duration and priority
// distribution for a completed run.
func (m *Metrics) ObservePipeline(rec *Record, seconds float64) {
	if m == nil || rec.Triage == nil {
		return
	}
	m.PipelineDuration.WithLabelValues(string(rec.Triage.PriorityLevel)).Observe(seconds)
	m.PriorityScore.Observe(rec.Triage.PriorityScore)
}
