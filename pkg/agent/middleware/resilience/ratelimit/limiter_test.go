package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackscope/pkg/agent/llm"
	"stackscope/pkg/agent/middleware/metrics"
)

type fixedEstimator int

func (f fixedEstimator) EstimatePrompt(llm.CompletionRequest) int { return int(f) }

type echoClient struct{ calls int }

func (c *echoClient) Complete(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
	c.calls++
	return llm.CompletionResponse{Content: "ok"}, nil
}

func (c *echoClient) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	return llm.StreamFromComplete(ctx, c, req), nil
}

func (c *echoClient) GetModelName() string { return "echo" }

func TestNewTokenLimiterDisabled(t *testing.T) {
	assert.Nil(t, NewTokenLimiter("m", Config{}))
	l := NewTokenLimiter("m", Config{TokensPerMinute: 600})
	require.NotNil(t, l)
	assert.Equal(t, 600, l.GetStats().Burst)
}

func TestAcquireWithinBurstDoesNotWait(t *testing.T) {
	l := NewTokenLimiter("m", Config{TokensPerMinute: 6000, Burst: 1000})

	waited, err := l.Acquire(context.Background(), 500)
	require.NoError(t, err)
	assert.Less(t, waited, 50*time.Millisecond)
	assert.Equal(t, int64(0), l.GetStats().TokenLimitHit)
}

func TestAcquireBlocksUntilCanceled(t *testing.T) {
	// 60 tokens per minute refills one token per second.
	l := NewTokenLimiter("m", Config{TokensPerMinute: 60, Burst: 10})
	_, err := l.Acquire(context.Background(), 10)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, 10)
	require.Error(t, err)
	assert.Equal(t, int64(1), l.GetStats().TokenLimitHit)
}

func TestAcquireClampsOversizedRequests(t *testing.T) {
	l := NewTokenLimiter("m", Config{TokensPerMinute: 6000, Burst: 100})
	_, err := l.Acquire(context.Background(), 5000)
	assert.NoError(t, err)
}

func TestMiddlewareRecordsThrottle(t *testing.T) {
	l := NewTokenLimiter("echo", Config{TokensPerMinute: 60, Burst: 10})
	rec := metrics.NewInternalRecorder()
	base := &echoClient{}
	client := Middleware(l, fixedEstimator(5), rec)(base)

	req := llm.NewCompletionRequest(nil)
	req.MaxTokens = 5
	_, err := client.Complete(context.Background(), req)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = client.Complete(ctx, req)
	require.Error(t, err)
	assert.Equal(t, 1, base.calls)
	assert.Equal(t, int64(1), rec.Summary().Throttles)
}

func TestMiddlewareNilLimiterPassesThrough(t *testing.T) {
	base := &echoClient{}
	var typedNil *TokenLimiter
	for _, l := range []Limiter{nil, typedNil} {
		client := Middleware(l, nil, nil)(base)
		_, err := client.Complete(context.Background(), llm.NewCompletionRequest(nil))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, base.calls)
}
