package circuit

import (
	"context"

	"stackscope/pkg/agent/llm"
)

// FailureClassifier decides whether an error counts against the breaker.
// Permanent request errors (bad prompt, auth) should not open the circuit.
type FailureClassifier func(error) bool

// Middleware rejects requests while the breaker is open. Only errors for
// which isFailure returns true count as failures; nil counts every error.
func Middleware(breaker Breaker, isFailure FailureClassifier) llm.Middleware {
	record := func(err error) {
		if err == nil {
			breaker.Record(true)
			return
		}
		if isFailure == nil || isFailure(err) {
			breaker.Record(false)
		}
	}

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				if !breaker.Allow() {
					return llm.CompletionResponse{}, &Error{State: breaker.GetState()}
				}
				resp, err := next.Complete(ctx, req)
				record(err)
				return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				if !breaker.Allow() {
					return nil, &Error{State: breaker.GetState()}
				}
				// Only stream establishment is tracked.
				ch, err := next.Stream(ctx, req)
				record(err)
				return ch, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			next.GetModelName,
		)
	}
}
