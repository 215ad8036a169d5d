package toolloop

import (
	"fmt"

	"stackscope/pkg/transcript"
)

// OutcomeKind categorizes how a run terminated.
type OutcomeKind int

const (
	// OutcomeSuccess indicates the model returned a final text answer.
	// Answer holds the text.
	OutcomeSuccess OutcomeKind = iota

	// OutcomeLimitExceeded indicates the iteration cap or token budget ran out
	// before a final answer. Reason is LimitIterations or LimitTokens.
	OutcomeLimitExceeded

	// OutcomeFatalError indicates a non-retryable model error, cancellation,
	// or too many sandbox escapes. Err is always set.
	OutcomeFatalError
)

// String returns human-readable name for OutcomeKind.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "Success"
	case OutcomeLimitExceeded:
		return "LimitExceeded"
	case OutcomeFatalError:
		return "FatalError"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", k)
	}
}

// Outcome reasons.
const (
	LimitIterations         = "iterations"
	LimitTokens             = "tokens"
	ReasonSecurityViolation = "security_violation"
	ReasonModelError        = "model_error"
	ReasonCanceled          = "canceled"
)

// Outcome represents the result of one run.
//
//nolint:govet // Field order optimized for readability over memory alignment
type Outcome struct {
	// Kind categorizes what happened.
	Kind OutcomeKind

	// Reason qualifies non-success outcomes: the limit that was hit, or why
	// the run failed. Empty on success.
	Reason string

	// Answer is the model's final text. Only set when Kind == OutcomeSuccess.
	Answer string

	// Err is non-nil for every non-success outcome. Check with errors.Is
	// against the sentinels in this package.
	Err error

	// Transcript is the full conversation at termination.
	Transcript transcript.Transcript

	// Iterations counts completed model requests, including carried-over ones.
	Iterations int

	// TokensUsed is the cumulative input plus output tokens.
	TokensUsed int

	// PathViolations counts tool calls rejected for escaping the project root.
	PathViolations int
}

// Succeeded reports whether the run produced a final answer.
func (o *Outcome) Succeeded() bool {
	return o.Kind == OutcomeSuccess
}
