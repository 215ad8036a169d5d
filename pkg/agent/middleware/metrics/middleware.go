package metrics

import (
	"context"
	"errors"
	"strings"
	"time"

	"stackscope/pkg/agent/llm"
	"stackscope/pkg/agent/llmerrors"
	"stackscope/pkg/agent/middleware/resilience/circuit"
	"stackscope/pkg/logx"
	"stackscope/pkg/utils"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// UsageExtractor is a function that extracts token usage from a request and response.
type UsageExtractor func(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int)

// DefaultUsageExtractor prefers provider-reported usage and falls back to
// TikToken counting when the provider reported none.
func DefaultUsageExtractor(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int) {
	if resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
		return resp.Usage.InputTokens, resp.Usage.OutputTokens
	}
	return EstimatePromptTokens(req), utils.CountTokensSimple(resp.Content)
}

// EstimatePromptTokens counts the text of every message, tool call arguments
// and tool results included.
func EstimatePromptTokens(req llm.CompletionRequest) int {
	var b strings.Builder
	for i := range req.Messages {
		msg := &req.Messages[i]
		b.WriteString(msg.Content)
		b.WriteByte('\n')
		for j := range msg.ToolCalls {
			b.WriteString(msg.ToolCalls[j].Name)
			b.WriteByte('\n')
		}
		for j := range msg.ToolResults {
			b.WriteString(msg.ToolResults[j].Content)
			b.WriteByte('\n')
		}
	}
	return utils.CountTokensSimple(b.String())
}

// Middleware returns a middleware function that records metrics for model
// requests: latency, token usage, and failures by error type. The phase
// label comes from the request context (see WithPhase).
func Middleware(recorder Recorder, usageExtractor UsageExtractor, logger *logx.Logger) llm.Middleware {
	if usageExtractor == nil {
		usageExtractor = DefaultUsageExtractor
	}
	if recorder == nil {
		recorder = Nop()
	}

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				start := time.Now()
				model := next.GetModelName()
				phase := PhaseFrom(ctx)

				resp, err := next.Complete(ctx, req)
				duration := time.Since(start)

				var promptTokens, completionTokens int
				if err == nil {
					promptTokens, completionTokens = usageExtractor(req, resp)
				}
				errorType := getErrorType(err)

				recorder.ObserveRequest(model, phase, promptTokens, completionTokens, err == nil, errorType, duration)

				if logger != nil {
					status := statusSuccess
					if err != nil {
						status = statusError + ":" + errorType
					}
					logger.Debug("LLM request: model=%s phase=%s tokens=%d+%d=%d status=%s duration=%dms",
						model, phase, promptTokens, completionTokens, promptTokens+completionTokens, status, duration.Milliseconds())
				}

				return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				start := time.Now()
				model := next.GetModelName()

				// Streams are tracked for setup time and failures only.
				ch, err := next.Stream(ctx, req)
				recorder.ObserveRequest(model, PhaseFrom(ctx), 0, 0, err == nil, getErrorType(err), time.Since(start))

				return ch, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			next.GetModelName,
		)
	}
}

// getErrorType classifies errors for metrics labeling.
func getErrorType(err error) string {
	if err == nil {
		return ""
	}

	var circuitErr *circuit.Error
	var llmErr *llmerrors.Error
	switch {
	case errors.As(err, &circuitErr):
		return "circuit_breaker"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &llmErr):
		return llmErr.Type.String()
	default:
		return "unknown"
	}
}
