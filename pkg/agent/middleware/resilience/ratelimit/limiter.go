// Package ratelimit paces model requests against a provider's tokens-per-minute quota.
package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"stackscope/pkg/agent/llm"
	"stackscope/pkg/agent/middleware/metrics"
)

// Limiter reserves request tokens before a model call.
type Limiter interface {
	// Acquire blocks until tokens are available or ctx is done and returns
	// the time spent waiting.
	Acquire(ctx context.Context, tokens int) (time.Duration, error)

	// GetStats returns current limiter statistics.
	GetStats() LimiterStats
}

// TokenEstimator estimates the number of tokens needed for a request.
type TokenEstimator interface {
	// EstimatePrompt estimates the number of prompt tokens for a request.
	EstimatePrompt(req llm.CompletionRequest) int
}

// Config defines rate limiting configuration. TokensPerMinute <= 0 disables limiting.
type Config struct {
	TokensPerMinute int `json:"tokens_per_minute" yaml:"tokens_per_minute" validate:"gte=0"`
	Burst           int `json:"burst" yaml:"burst" validate:"gte=0"` // Defaults to TokensPerMinute
}

// DefaultTokenEstimator counts prompt tokens with TikToken.
type DefaultTokenEstimator struct{}

// NewDefaultTokenEstimator creates a new default token estimator.
func NewDefaultTokenEstimator() TokenEstimator {
	return &DefaultTokenEstimator{}
}

// EstimatePrompt estimates prompt tokens using TikToken-based counting.
//
//nolint:gocritic // CompletionRequest is passed by value across the middleware chain
func (e *DefaultTokenEstimator) EstimatePrompt(req llm.CompletionRequest) int {
	return metrics.EstimatePromptTokens(req)
}

// LimiterStats represents current rate limiter statistics.
type LimiterStats struct {
	Model         string  `json:"model"`
	Available     float64 `json:"available_tokens"`
	Burst         int     `json:"burst"`
	TokenLimitHit int64   `json:"token_limit_hits"`
}

// TokenLimiter is a token bucket refilled continuously at TokensPerMinute/60
// per second.
type TokenLimiter struct {
	limiter *rate.Limiter
	model   string
	hits    atomic.Int64
}

// NewTokenLimiter creates a limiter for model. It returns nil when cfg
// disables limiting.
func NewTokenLimiter(model string, cfg Config) *TokenLimiter {
	if cfg.TokensPerMinute <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.TokensPerMinute
	}
	perSecond := rate.Limit(float64(cfg.TokensPerMinute) / 60.0)
	return &TokenLimiter{
		limiter: rate.NewLimiter(perSecond, burst),
		model:   model,
	}
}

// Acquire waits for tokens. Requests larger than the burst are clamped to the
// burst so that a single oversized prompt waits for a full bucket instead of
// failing outright.
func (l *TokenLimiter) Acquire(ctx context.Context, tokens int) (time.Duration, error) {
	if tokens <= 0 {
		return 0, nil
	}
	if burst := l.limiter.Burst(); tokens > burst {
		tokens = burst
	}

	start := time.Now()
	if !l.limiter.AllowN(start, tokens) {
		l.hits.Add(1)
		if err := l.limiter.WaitN(ctx, tokens); err != nil {
			return time.Since(start), fmt.Errorf("rate limit wait for %d tokens: %w", tokens, err)
		}
	}
	return time.Since(start), nil
}

// GetStats returns current limiter statistics.
func (l *TokenLimiter) GetStats() LimiterStats {
	return LimiterStats{
		Model:         l.model,
		Available:     l.limiter.Tokens(),
		Burst:         l.limiter.Burst(),
		TokenLimitHit: l.hits.Load(),
	}
}
