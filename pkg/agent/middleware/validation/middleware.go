package validation

import (
	"context"
	"fmt"
	"strings"

	"stackscope/pkg/agent/llm"
	"stackscope/pkg/agent/llmerrors"
	"stackscope/pkg/logx"
)

// maxEmptyAttempts is the original request plus one retry with guidance.
const maxEmptyAttempts = 2

// RequestMiddleware rejects malformed conversations before they reach the
// provider. Failures are BadPrompt errors and are not retried.
func RequestMiddleware() llm.Middleware {
	check := func(req llm.CompletionRequest) error {
		if err := ValidateMessages(req.Messages); err != nil {
			return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, err.Error())
		}
		return nil
	}
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				if err := check(req); err != nil {
					return llm.CompletionResponse{}, err
				}
				return next.Complete(ctx, req) //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				if err := check(req); err != nil {
					return nil, err
				}
				return next.Stream(ctx, req) //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			next.GetModelName,
		)
	}
}

// EmptyResponseMiddleware retries once with a guidance message when the
// model returns neither text nor tool calls. A second empty response is
// reported as ErrorTypeEmptyResponse.
func EmptyResponseMiddleware() llm.Middleware {
	logger := logx.NewLogger("empty-response-validator")

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				for attempt := 1; attempt <= maxEmptyAttempts; attempt++ {
					resp, err := next.Complete(ctx, req)
					if err != nil && !llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse) {
						//nolint:wrapcheck // Middleware intentionally passes through errors unchanged
						return resp, err
					}
					if err == nil && !isEmptyResponse(resp) {
						return resp, nil
					}

					logger.Warn("empty response from %s (attempt %d/%d)", next.GetModelName(), attempt, maxEmptyAttempts)
					if attempt < maxEmptyAttempts {
						retried := req
						retried.Messages = append(append([]llm.CompletionMessage(nil), req.Messages...),
							llm.NewUserMessage(guidanceMessage(req)))
						req = retried
					}
				}
				return llm.CompletionResponse{}, llmerrors.NewError(
					llmerrors.ErrorTypeEmptyResponse,
					"received empty response after guidance: no content and no tool calls",
				)
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				return next.Stream(ctx, req) //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			next.GetModelName,
		)
	}
}

func isEmptyResponse(resp llm.CompletionResponse) bool {
	return len(resp.ToolCalls) == 0 && strings.TrimSpace(resp.Content) == ""
}

// guidanceMessage nudges the model toward a tool call or a final answer.
func guidanceMessage(req llm.CompletionRequest) string {
	if len(req.Tools) == 0 {
		return "No response received. Please provide your answer."
	}
	names := make([]string, len(req.Tools))
	for i := range req.Tools {
		names[i] = req.Tools[i].Name
	}
	return fmt.Sprintf("Your last response was empty. Either call one of the available tools (%s) or give your final analysis as text.",
		strings.Join(names, ", "))
}
