package ratelimit

import (
	"context"
	"errors"

	"stackscope/pkg/agent/llm"
	"stackscope/pkg/agent/middleware/metrics"
)

// Middleware returns a middleware function that wraps an LLM client with rate limiting.
// It estimates token usage (prompt plus max output) and acquires tokens before making requests.
// A nil limiter yields a pass-through middleware.
func Middleware(limiter Limiter, estimator TokenEstimator, recorder metrics.Recorder) llm.Middleware {
	if estimator == nil {
		estimator = NewDefaultTokenEstimator()
	}
	if recorder == nil {
		recorder = metrics.Nop()
	}

	acquire := func(ctx context.Context, model string, req llm.CompletionRequest) error {
		if limiter == nil || isNilLimiter(limiter) {
			return nil
		}
		totalTokens := estimator.EstimatePrompt(req) + req.MaxTokens
		waited, err := limiter.Acquire(ctx, totalTokens)
		if waited > 0 {
			recorder.ObserveQueueWait(model, waited)
		}
		if err != nil {
			reason := "rate_limit"
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				reason = "canceled"
			}
			recorder.IncThrottle(model, reason)
			return err
		}
		return nil
	}

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				if err := acquire(ctx, next.GetModelName(), req); err != nil {
					return llm.CompletionResponse{}, err
				}
				return next.Complete(ctx, req) //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				if err := acquire(ctx, next.GetModelName(), req); err != nil {
					return nil, err
				}
				return next.Stream(ctx, req) //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			next.GetModelName,
		)
	}
}

// isNilLimiter catches a typed nil *TokenLimiter stored in the interface.
func isNilLimiter(l Limiter) bool {
	tl, ok := l.(*TokenLimiter)
	return ok && tl == nil
}
