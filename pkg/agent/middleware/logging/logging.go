// Package logging provides logging middleware for LLM clients.
package logging

import (
	"context"
	"strings"
	"time"

	"stackscope/pkg/agent/llm"
	"stackscope/pkg/agent/llmerrors"
	"stackscope/pkg/logx"
)

// maxLoggedContent bounds each message body in failure dumps.
const maxLoggedContent = 2000

// Middleware logs every request at debug level and dumps the conversation at
// error level when a request fails with an empty-response or bad-prompt error.
// Errors pass through unchanged.
func Middleware(logger *logx.Logger) llm.Middleware {
	if logger == nil {
		logger = logx.NewLogger("llm-middleware")
	}
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				start := time.Now()
				resp, err := next.Complete(ctx, req)

				if err != nil {
					logger.Debug("complete %s failed after %dms: %v", next.GetModelName(), time.Since(start).Milliseconds(), err)
					if llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse) || llmerrors.Is(err, llmerrors.ErrorTypeBadPrompt) {
						logRequestDump(logger, req)
					}
				} else {
					logger.Debug("complete %s: %d messages, %d tool calls, stop=%s, %dms",
						next.GetModelName(), len(req.Messages), len(resp.ToolCalls), resp.StopReason, time.Since(start).Milliseconds())
				}

				//nolint:wrapcheck // Middleware intentionally passes through errors unchanged
				return resp, err
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				return next.Stream(ctx, req) //nolint:wrapcheck // Middleware intentionally passes through errors unchanged
			},
			next.GetModelName,
		)
	}
}

// logRequestDump logs the conversation and request settings.
//
//nolint:gocritic // CompletionRequest is passed by value across the middleware chain
func logRequestDump(logger *logx.Logger, req llm.CompletionRequest) {
	logger.Error("request dump (%d messages):", len(req.Messages))
	for i := range req.Messages {
		msg := &req.Messages[i]
		logger.Error("message [%d] role=%s tool_calls=%d tool_results=%d content=%s",
			i, msg.Role, len(msg.ToolCalls), len(msg.ToolResults), llmerrors.SanitizePrompt(msg.Content, maxLoggedContent))
	}
	logger.Error("temperature=%v max_tokens=%d tools=%s", req.Temperature, req.MaxTokens, strings.Join(toolNames(req), ", "))
}

//nolint:gocritic // CompletionRequest is passed by value across the middleware chain
func toolNames(req llm.CompletionRequest) []string {
	names := make([]string, len(req.Tools))
	for i := range req.Tools {
		names[i] = req.Tools[i].Name
	}
	return names
}
