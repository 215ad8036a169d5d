// Package metrics provides metrics recording for model requests, tool calls
// and run outcomes.
package metrics

import (
	"context"
	"time"

	"stackscope/pkg/agent/middleware/resilience/circuit"
	"stackscope/pkg/toolexec"
)

// Recorder defines the interface for recording analysis metrics.
type Recorder interface {
	// ObserveRequest records metrics for a completed model request.
	ObserveRequest(
		model, phase string,
		promptTokens, completionTokens int,
		success bool,
		errorType string,
		duration time.Duration,
	)

	// IncThrottle increments the throttle counter for rate limiting events.
	IncThrottle(model, reason string)

	// ObserveQueueWait records time spent waiting for rate limit availability.
	ObserveQueueWait(model string, duration time.Duration)

	// ObserveToolCall records one finished tool call.
	ObserveToolCall(rec *toolexec.ToolCallRecord)

	// SetCircuitState records a circuit breaker transition.
	SetCircuitState(model string, state circuit.State)

	// IncRunOutcome counts a finished run by outcome kind and reason.
	IncRunOutcome(kind, reason string)
}

type phaseKey struct{}

// WithPhase tags ctx with the analysis phase used as a metrics label.
func WithPhase(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, phaseKey{}, phase)
}

// PhaseFrom returns the phase stored by WithPhase, or "unknown".
func PhaseFrom(ctx context.Context) string {
	if phase, ok := ctx.Value(phaseKey{}).(string); ok && phase != "" {
		return phase
	}
	return "unknown"
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

// ObserveRequest does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveRequest(_, _ string, _, _ int, _ bool, _ string, _ time.Duration) {}

// IncThrottle does nothing in the no-op recorder.
func (n *NoopRecorder) IncThrottle(_, _ string) {}

// ObserveQueueWait does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveQueueWait(_ string, _ time.Duration) {}

// ObserveToolCall does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveToolCall(_ *toolexec.ToolCallRecord) {}

// SetCircuitState does nothing in the no-op recorder.
func (n *NoopRecorder) SetCircuitState(_ string, _ circuit.State) {}

// IncRunOutcome does nothing in the no-op recorder.
func (n *NoopRecorder) IncRunOutcome(_, _ string) {}

// multiRecorder fans every observation out to several recorders.
type multiRecorder []Recorder

// Multi returns a recorder that forwards to each non-nil recorder.
func Multi(recorders ...Recorder) Recorder {
	out := make(multiRecorder, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (m multiRecorder) ObserveRequest(model, phase string, promptTokens, completionTokens int, success bool, errorType string, duration time.Duration) {
	for _, r := range m {
		r.ObserveRequest(model, phase, promptTokens, completionTokens, success, errorType, duration)
	}
}

func (m multiRecorder) IncThrottle(model, reason string) {
	for _, r := range m {
		r.IncThrottle(model, reason)
	}
}

func (m multiRecorder) ObserveQueueWait(model string, duration time.Duration) {
	for _, r := range m {
		r.ObserveQueueWait(model, duration)
	}
}

func (m multiRecorder) ObserveToolCall(rec *toolexec.ToolCallRecord) {
	for _, r := range m {
		r.ObserveToolCall(rec)
	}
}

func (m multiRecorder) SetCircuitState(model string, state circuit.State) {
	for _, r := range m {
		r.SetCircuitState(model, state)
	}
}

func (m multiRecorder) IncRunOutcome(kind, reason string) {
	for _, r := range m {
		r.IncRunOutcome(kind, reason)
	}
}
