// Package timeout provides timeout middleware for LLM clients.
package timeout

import (
	"context"
	"time"

	"stackscope/pkg/agent/llm"
)

// Middleware returns a middleware function that wraps an LLM client with per-request timeout logic.
// Each request gets a timeout context to prevent hanging requests. A
// non-positive duration disables the timeout.
func Middleware(duration time.Duration) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		if duration <= 0 {
			return next
		}
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				timeoutCtx, cancel := context.WithTimeout(ctx, duration)
				defer cancel()

				return next.Complete(timeoutCtx, req) //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				timeoutCtx, cancel := context.WithTimeout(ctx, duration)
				ch, err := next.Stream(timeoutCtx, req)
				if err != nil {
					cancel()
					return nil, err //nolint:wrapcheck // Middleware should pass through errors unchanged
				}

				// The deadline covers the whole stream; release it once drained.
				out := make(chan llm.StreamChunk)
				go func() {
					defer cancel()
					defer close(out)
					for chunk := range ch {
						select {
						case out <- chunk:
						case <-timeoutCtx.Done():
							return
						}
					}
				}()
				return out, nil
			},
			next.GetModelName,
		)
	}
}
