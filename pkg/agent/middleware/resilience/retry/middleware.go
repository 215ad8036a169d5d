package retry

import (
	"context"

	"stackscope/pkg/agent/llm"
	"stackscope/pkg/agent/llmerrors"
	"stackscope/pkg/logx"
)

// Middleware returns a middleware function that wraps an LLM client with retry logic.
// Retryable errors that outlast the policy are escalated to ServiceUnavailable.
func Middleware(policy *Policy) llm.Middleware {
	logger := logx.NewLogger("retry")
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				var resp llm.CompletionResponse
				retries, exhausted, err := Do(ctx, policy, func(ctx context.Context, attempt int) error {
					var callErr error
					resp, callErr = next.Complete(ctx, req)
					if callErr != nil && attempt < policy.Config.MaxAttempts && policy.ShouldRetry(callErr) {
						logger.Warn("LLM call failed (attempt %d/%d), retrying: %v", attempt, policy.Config.MaxAttempts, callErr)
					}
					return callErr
				})
				if err == nil {
					return resp, nil
				}
				if exhausted {
					return llm.CompletionResponse{}, llmerrors.NewServiceUnavailableError(err, retries+1)
				}
				return llm.CompletionResponse{}, err
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				var ch <-chan llm.StreamChunk
				retries, exhausted, err := Do(ctx, policy, func(ctx context.Context, _ int) error {
					var callErr error
					ch, callErr = next.Stream(ctx, req)
					return callErr
				})
				if err == nil {
					return ch, nil
				}
				if exhausted {
					return nil, llmerrors.NewServiceUnavailableError(err, retries+1)
				}
				return nil, err
			},
			next.GetModelName,
		)
	}
}
