package metrics

import (
	"sync"
	"time"

	"stackscope/pkg/agent/middleware/resilience/circuit"
	"stackscope/pkg/toolexec"
)

// InternalRecorder implements Recorder using in-memory aggregation. The CLI
// uses it for the end-of-run summary.
type InternalRecorder struct {
	summary RunSummary
	mu      sync.RWMutex
}

// RunSummary represents aggregated metrics for one run.
//
//nolint:govet
type RunSummary struct {
	PromptTokens     int64            `json:"prompt_tokens"`
	CompletionTokens int64            `json:"completion_tokens"`
	TotalTokens      int64            `json:"total_tokens"`
	RequestCount     int64            `json:"request_count"`
	FailedRequests   int64            `json:"failed_requests"`
	ToolCalls        int64            `json:"tool_calls"`
	ToolRetries      int64            `json:"tool_retries"`
	ToolErrors       map[string]int64 `json:"tool_errors,omitempty"`
	Throttles        int64            `json:"throttles"`
	QueueWait        time.Duration    `json:"queue_wait"`
	LastUpdated      time.Time        `json:"last_updated"`
}

// NewInternalRecorder returns an empty in-memory recorder.
func NewInternalRecorder() *InternalRecorder {
	return &InternalRecorder{}
}

// ObserveRequest records metrics for a completed model request.
func (r *InternalRecorder) ObserveRequest(_, _ string, promptTokens, completionTokens int, success bool, _ string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.summary.RequestCount++
	if !success {
		r.summary.FailedRequests++
	} else {
		r.summary.PromptTokens += int64(promptTokens)
		r.summary.CompletionTokens += int64(completionTokens)
		r.summary.TotalTokens = r.summary.PromptTokens + r.summary.CompletionTokens
	}
	r.summary.LastUpdated = time.Now()
}

// IncThrottle counts a throttling event.
func (r *InternalRecorder) IncThrottle(_, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Throttles++
}

// ObserveQueueWait accumulates rate limiter wait time.
func (r *InternalRecorder) ObserveQueueWait(_ string, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.QueueWait += duration
}

// ObserveToolCall counts a tool call and its retries and error kind.
func (r *InternalRecorder) ObserveToolCall(rec *toolexec.ToolCallRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.summary.ToolCalls++
	r.summary.ToolRetries += int64(rec.RetryCount)
	if kind := rec.ErrorKind(); kind != "" {
		if r.summary.ToolErrors == nil {
			r.summary.ToolErrors = make(map[string]int64)
		}
		r.summary.ToolErrors[kind]++
	}
	r.summary.LastUpdated = time.Now()
}

// SetCircuitState is not aggregated.
func (r *InternalRecorder) SetCircuitState(_ string, _ circuit.State) {}

// IncRunOutcome is not aggregated.
func (r *InternalRecorder) IncRunOutcome(_, _ string) {}

// Summary returns a copy of the aggregated metrics.
func (r *InternalRecorder) Summary() RunSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := r.summary
	if r.summary.ToolErrors != nil {
		out.ToolErrors = make(map[string]int64, len(r.summary.ToolErrors))
		for k, v := range r.summary.ToolErrors {
			out.ToolErrors[k] = v
		}
	}
	return out
}

// Reset clears all metrics.
func (r *InternalRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary = RunSummary{}
}
