package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects client-side counters and latency histograms for
// completion requests and tool executions. Metrics are registered on a
// private registry per client instance so that two clients in one process
// never collide.
type Metrics struct {
	registry *prometheus.Registry

	// RequestCounter counts completion requests.
	// Labels: model, status (success|error)
	RequestCounter *prometheus.CounterVec

	// RequestDuration measures completion call latency in seconds.
	// Labels: model
	RequestDuration *prometheus.HistogramVec

	// TokensUsed tracks token consumption.
	// Labels: model, type (prompt|completion)
	TokensUsed *prometheus.CounterVec

	// ToolExecutions counts tool invocations.
	// Labels: tool, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// SecurityDenials counts security gate rejections.
	// Labels: reason (auth|access|ratelimit|arguments)
	SecurityDenials *prometheus.CounterVec
}

// NewMetrics creates and registers the client metric set.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := func(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
		vec := prometheus.NewCounterVec(opts, labels)
		registry.MustRegister(vec)
		return vec
	}

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "modelgate",
		Name:      "request_duration_seconds",
		Help:      "Completion request latency.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"model"})
	registry.MustRegister(duration)

	return &Metrics{
		registry: registry,
		RequestCounter: factory(prometheus.CounterOpts{
			Namespace: "modelgate",
			Name:      "requests_total",
			Help:      "Completion requests by model and status.",
		}, []string{"model", "status"}),
		RequestDuration: duration,
		TokensUsed: factory(prometheus.CounterOpts{
			Namespace: "modelgate",
			Name:      "tokens_total",
			Help:      "Token consumption by model and type.",
		}, []string{"model", "type"}),
		ToolExecutions: factory(prometheus.CounterOpts{
			Namespace: "modelgate",
			Name:      "tool_executions_total",
			Help:      "Tool invocations by tool and status.",
		}, []string{"tool", "status"}),
		SecurityDenials: factory(prometheus.CounterOpts{
			Namespace: "modelgate",
			Name:      "security_denials_total",
			Help:      "Security gate rejections by reason.",
		}, []string{"reason"}),
	}
}

// Registry exposes the underlying registry for callers that want to serve
// or push these metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRequest records one completion request outcome.
func (m *Metrics) ObserveRequest(model string, seconds float64, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.RequestCounter.WithLabelValues(model, status).Inc()
	m.RequestDuration.WithLabelValues(model).Observe(seconds)
}

// ObserveTokens records token usage for one round.
func (m *Metrics) ObserveTokens(model string, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.TokensUsed.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	m.TokensUsed.WithLabelValues(model, "completion").Add(float64(completionTokens))
}

// ObserveTool records one tool execution outcome.
func (m *Metrics) ObserveTool(tool string, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
}

// ObserveDenial records one security gate rejection.
func (m *Metrics) ObserveDenial(reason string) {
	if m == nil {
		return
	}
	m.SecurityDenials.WithLabelValues(reason).Inc()
}
