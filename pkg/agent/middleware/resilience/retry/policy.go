// Package retry provides retry logic with exponential backoff for LLM calls and tool executions.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"stackscope/pkg/agent/llmerrors"
	"stackscope/pkg/agent/middleware/resilience/circuit"
)

// Config defines configuration for retry behavior.
type Config struct {
	MaxAttempts   int           `json:"max_attempts" yaml:"max_attempts"`     // Maximum number of attempts (including initial)
	InitialDelay  time.Duration `json:"initial_delay" yaml:"initial_delay"`   // Initial delay before first retry
	MaxDelay      time.Duration `json:"max_delay" yaml:"max_delay"`           // Maximum delay between retries
	BackoffFactor float64       `json:"backoff_factor" yaml:"backoff_factor"` // Multiplier for exponential backoff
	Jitter        bool          `json:"jitter" yaml:"jitter"`                 // Add random jitter to prevent thundering herd
}

// DefaultConfig provides reasonable defaults for LLM retry behavior.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	MaxAttempts:   3,
	InitialDelay:  100 * time.Millisecond,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// DefaultToolConfig is the retry envelope for local tool executions.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultToolConfig = Config{
	MaxAttempts:   3,
	InitialDelay:  50 * time.Millisecond,
	MaxDelay:      time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// Classifier determines if an error should be retried.
type Classifier func(error) bool

// ShouldRetry is the default classifier for LLM transport errors. It is a
// blocklist: anything not known to be permanent is retried.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}

	// Never retry caller cancellation. DeadlineExceeded is retried because
	// per-request timeouts wrap it while the parent context is still live.
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Never retry circuit breaker errors - let the circuit breaker handle recovery
	var circuitErr *circuit.Error
	if errors.As(err, &circuitErr) {
		return false
	}

	var llmErr *llmerrors.Error
	if errors.As(err, &llmErr) {
		return llmErr.IsRetryable()
	}

	// Unclassified errors: only auth and bad-request patterns are permanent.
	errStr := strings.ToLower(err.Error())
	for _, permanent := range []string{"401", "403", "unauthorized", "invalid api key", "400", "404"} {
		if strings.Contains(errStr, permanent) {
			return false
		}
	}
	return true
}

// Policy encapsulates retry configuration and logic.
//
//nolint:govet // Simple struct, logical grouping preferred
type Policy struct {
	Config     Config
	Classifier Classifier
}

// NewPolicy creates a new retry policy with the given configuration and classifier.
func NewPolicy(config Config, classifier Classifier) *Policy {
	if classifier == nil {
		classifier = ShouldRetry
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	return &Policy{
		Config:     config,
		Classifier: classifier,
	}
}

// CalculateDelay computes the delay before the given attempt number (1-based).
func (p *Policy) CalculateDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	delay := time.Duration(float64(p.Config.InitialDelay) * math.Pow(p.Config.BackoffFactor, float64(attempt-2)))

	if delay > p.Config.MaxDelay {
		delay = p.Config.MaxDelay
	}

	// +/-10% jitter
	if p.Config.Jitter && delay > 0 {
		jitter := time.Duration(float64(delay) * 0.1 * (2*rand.Float64() - 1))
		delay += jitter
		if delay < 0 {
			delay = p.Config.InitialDelay
		}
	}

	return delay
}

// ShouldRetry determines if an error should be retried based on the configured classifier.
func (p *Policy) ShouldRetry(err error) bool {
	return p.Classifier(err)
}

// Do calls fn until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent. It returns the number of retries performed (attempts
// minus one) and the last error. Exhausted reports whether the last error was
// retryable but no attempts remained.
func Do(ctx context.Context, p *Policy, fn func(ctx context.Context, attempt int) error) (retries int, exhausted bool, err error) {
	for attempt := 1; attempt <= p.Config.MaxAttempts; attempt++ {
		if attempt > 1 {
			if delay := p.CalculateDelay(attempt); delay > 0 {
				select {
				case <-ctx.Done():
					return attempt - 2, false, fmt.Errorf("retry cancelled: %w", ctx.Err())
				case <-time.After(delay):
				}
			}
		}

		err = fn(ctx, attempt)
		if err == nil {
			return attempt - 1, false, nil
		}
		if !p.ShouldRetry(err) {
			return attempt - 1, false, err
		}
		if ctx.Err() != nil {
			return attempt - 1, false, err
		}
	}
	return p.Config.MaxAttempts - 1, true, err
}
