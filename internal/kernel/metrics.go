package kernel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes Prometheus-compatible counters and gauges for
// Execution Engine activity, namespaced "kernel_".
type Metrics struct {
	inflightAgents  *prometheus.GaugeVec
	queueDepth      *prometheus.GaugeVec
	invocationMs    *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	patternMatches  *prometheus.CounterVec
	tokensUsedTotal *prometheus.CounterVec
}

// NewMetrics registers all kernel metrics with registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		inflightAgents: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kernel_inflight_agents",
			Help: "Number of agent invocations currently in flight, by run.",
		}, []string{"run_id"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kernel_queue_depth",
			Help: "Number of nodes ready but not yet scheduled, by run.",
		}, []string{"run_id"}),
		invocationMs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kernel_invocation_latency_ms",
			Help:    "Worker invocation latency in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"agent_id", "status"}),
		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_worker_retries_total",
			Help: "Cumulative transport-level retry attempts against the worker.",
		}, []string{"run_id"}),
		patternMatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_pattern_matches_total",
			Help: "Cumulative Cortex pattern matches, by pattern and action.",
		}, []string{"pattern_id", "action"}),
		tokensUsedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_tokens_used_total",
			Help: "Cumulative tokens consumed, by run and model.",
		}, []string{"run_id", "model"}),
	}
}

func (m *Metrics) agentStarted(runID string)  { m.inflightAgents.WithLabelValues(runID).Inc() }
func (m *Metrics) agentFinished(runID string) { m.inflightAgents.WithLabelValues(runID).Dec() }

func (m *Metrics) observeInvocation(agentID, status string, latencyMs float64) {
	m.invocationMs.WithLabelValues(agentID, status).Observe(latencyMs)
}

func (m *Metrics) recordTokens(runID, model string, tokens int) {
	m.tokensUsedTotal.WithLabelValues(runID, model).Add(float64(tokens))
}

func (m *Metrics) recordRetry(runID string) {
	m.retriesTotal.WithLabelValues(runID).Inc()
}
