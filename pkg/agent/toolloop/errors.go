package toolloop

import "errors"

var (
	// ErrIterationLimit indicates the run used every allowed model request.
	ErrIterationLimit = errors.New("iteration limit exceeded")

	// ErrTokenBudget indicates cumulative token usage reached the budget.
	ErrTokenBudget = errors.New("token budget exhausted")

	// ErrSecurityViolation indicates the model kept requesting paths outside
	// the project root.
	ErrSecurityViolation = errors.New("too many path violations")

	// ErrCanceled indicates the run context was canceled or timed out.
	ErrCanceled = errors.New("run canceled")

	// ErrEmptyTranscript indicates Run was called without a seeded conversation.
	ErrEmptyTranscript = errors.New("transcript must contain at least one user prompt")
)
