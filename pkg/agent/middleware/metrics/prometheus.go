package metrics

import (
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"

	"stackscope/pkg/agent/middleware/resilience/circuit"
	"stackscope/pkg/toolexec"
)

const namespace = "stackscope"

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	throttleTotal   *prometheus.CounterVec
	queueWaitTime   *prometheus.HistogramVec
	toolCallsTotal  *prometheus.CounterVec
	toolRetries     *prometheus.CounterVec
	toolDuration    *prometheus.HistogramVec
	circuitState    *prometheus.GaugeVec
	runsTotal       *prometheus.CounterVec
}

// NewPrometheusRecorder registers the collectors with reg. Pass a fresh
// prometheus.NewRegistry() per process or per test.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_requests_total",
				Help:      "Total number of model requests by model, phase, and status",
			},
			[]string{"model", "phase", "status", "error_type"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_tokens_total",
				Help:      "Total number of tokens used in model requests",
			},
			[]string{"model", "phase", "type"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "llm_request_duration_seconds",
				Help:      "Duration of model requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"model", "phase"},
		),
		throttleTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_throttle_total",
				Help:      "Total number of model throttling events",
			},
			[]string{"model", "reason"},
		),
		queueWaitTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "llm_queue_wait_duration_seconds",
				Help:      "Time spent waiting for rate limit availability",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"model"},
		),
		toolCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "Total number of tool calls by tool and result kind",
			},
			[]string{"tool", "result"},
		),
		toolRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_retries_total",
				Help:      "Total number of tool retries",
			},
			[]string{"tool"},
		),
		toolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_call_duration_seconds",
				Help:      "Duration of tool calls including retries",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
			},
			[]string{"tool"},
		),
		circuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "llm_circuit_state",
				Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
			[]string{"model"},
		),
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Finished analysis runs by outcome",
			},
			[]string{"outcome", "reason"},
		),
	}
}

// ObserveRequest records metrics for a completed model request.
func (p *PrometheusRecorder) ObserveRequest(
	model, phase string,
	promptTokens, completionTokens int,
	success bool,
	errorType string,
	duration time.Duration,
) {
	status := statusSuccess
	if !success {
		status = statusError
	}
	p.requestsTotal.WithLabelValues(model, phase, status, errorType).Inc()

	if success {
		p.tokensTotal.WithLabelValues(model, phase, "prompt").Add(float64(promptTokens))
		p.tokensTotal.WithLabelValues(model, phase, "completion").Add(float64(completionTokens))
	}
	p.requestDuration.WithLabelValues(model, phase).Observe(duration.Seconds())
}

// IncThrottle increments the throttle counter for rate limiting events.
func (p *PrometheusRecorder) IncThrottle(model, reason string) {
	p.throttleTotal.WithLabelValues(model, reason).Inc()
}

// ObserveQueueWait records time spent waiting for rate limit availability.
func (p *PrometheusRecorder) ObserveQueueWait(model string, duration time.Duration) {
	p.queueWaitTime.WithLabelValues(model).Observe(duration.Seconds())
}

// ObserveToolCall records one finished tool call.
func (p *PrometheusRecorder) ObserveToolCall(rec *toolexec.ToolCallRecord) {
	result := statusSuccess
	if kind := rec.ErrorKind(); kind != "" {
		result = kind
	}
	p.toolCallsTotal.WithLabelValues(rec.ToolName, result).Inc()
	if rec.RetryCount > 0 {
		p.toolRetries.WithLabelValues(rec.ToolName).Add(float64(rec.RetryCount))
	}
	p.toolDuration.WithLabelValues(rec.ToolName).Observe(rec.Duration.Seconds())
}

// SetCircuitState records a circuit breaker transition.
func (p *PrometheusRecorder) SetCircuitState(model string, state circuit.State) {
	p.circuitState.WithLabelValues(model).Set(float64(state))
}

// IncRunOutcome counts a finished run.
func (p *PrometheusRecorder) IncRunOutcome(kind, reason string) {
	p.runsTotal.WithLabelValues(kind, reason).Inc()
}

// WriteText writes every metric gathered by g in the Prometheus text format.
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("failed to write metric family %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
