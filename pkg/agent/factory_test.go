package agent

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackscope/pkg/agent/llm"
	"stackscope/pkg/agent/llmerrors"
	"stackscope/pkg/agent/middleware/metrics"
	"stackscope/pkg/agent/middleware/resilience/circuit"
	"stackscope/pkg/config"
)

type fakeProvider struct {
	model string
	calls atomic.Int32
	fn    func(n int) (llm.CompletionResponse, error)
}

func (f *fakeProvider) Complete(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
	n := int(f.calls.Add(1))
	return f.fn(n)
}

func (f *fakeProvider) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	return llm.StreamFromComplete(ctx, f, in), nil
}

func (f *fakeProvider) GetModelName() string { return f.model }

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Retry.LLM.MaxAttempts = 1
	cfg.Retry.LLM.InitialDelay = time.Millisecond
	cfg.Retry.LLM.MaxDelay = time.Millisecond
	cfg.Circuit.FailureThreshold = 2
	cfg.Model.RequestTimeout = 5 * time.Second
	return cfg
}

func factoryWith(t *testing.T, cfg config.Config, recorder metrics.Recorder, fake *fakeProvider) *LLMClientFactory {
	t.Helper()
	return NewLLMClientFactory(cfg, recorder, WithProviderFunc(
		func(_ *config.Config, _, model string) (llm.LLMClient, error) {
			fake.model = model
			return fake, nil
		}))
}

func userRequest() llm.CompletionRequest {
	return llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("analyze this trace")})
}

func TestCreateClientRunsThroughChain(t *testing.T) {
	fake := &fakeProvider{fn: func(int) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{Content: "plan", Usage: llm.Usage{InputTokens: 10, OutputTokens: 5}}, nil
	}}
	recorder := metrics.NewInternalRecorder()
	client, err := factoryWith(t, testConfig(), recorder, fake).CreateClient()
	require.NoError(t, err)
	assert.Equal(t, config.DefaultModel, client.GetModelName())

	resp, err := client.Complete(context.Background(), userRequest())
	require.NoError(t, err)
	assert.Equal(t, "plan", resp.Content)

	summary := recorder.Summary()
	assert.EqualValues(t, 1, summary.RequestCount)
	assert.EqualValues(t, 15, summary.TotalTokens)
}

func TestCreateClientUnknownModel(t *testing.T) {
	fake := &fakeProvider{}
	_, err := factoryWith(t, testConfig(), nil, fake).CreateClientForModel("mystery-model")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mystery-model")
}

func TestCreateClientProviderError(t *testing.T) {
	f := NewLLMClientFactory(testConfig(), nil, WithProviderFunc(
		func(*config.Config, string, string) (llm.LLMClient, error) {
			return nil, errors.New("no key")
		}))
	_, err := f.CreateClient()
	require.EqualError(t, err, "no key")
}

func TestValidationRejectsEmptyConversation(t *testing.T) {
	fake := &fakeProvider{fn: func(int) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{Content: "unused"}, nil
	}}
	client, err := factoryWith(t, testConfig(), nil, fake).CreateClient()
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), llm.CompletionRequest{})
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeBadPrompt))
	assert.Zero(t, fake.calls.Load())
}

func TestCircuitOpensOnTransientFailures(t *testing.T) {
	fake := &fakeProvider{fn: func(int) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeTransient, "upstream 503")
	}}
	f := factoryWith(t, testConfig(), nil, fake)
	client, err := f.CreateClient()
	require.NoError(t, err)

	for range 2 {
		_, err = client.Complete(context.Background(), userRequest())
		require.Error(t, err)
	}
	_, err = client.Complete(context.Background(), userRequest())
	var circuitErr *circuit.Error
	require.ErrorAs(t, err, &circuitErr)
	assert.EqualValues(t, 2, fake.calls.Load())

	// A second client for the same model shares the open breaker.
	other, err := f.CreateClient()
	require.NoError(t, err)
	_, err = other.Complete(context.Background(), userRequest())
	require.ErrorAs(t, err, &circuitErr)
}

func TestAuthErrorsDoNotOpenCircuit(t *testing.T) {
	fake := &fakeProvider{fn: func(int) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{}, llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeAuth, 401, "bad key")
	}}
	client, err := factoryWith(t, testConfig(), nil, fake).CreateClient()
	require.NoError(t, err)

	for range 4 {
		_, err = client.Complete(context.Background(), userRequest())
		assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeAuth))
	}
	assert.EqualValues(t, 4, fake.calls.Load())
}

func TestCountsAgainstCircuit(t *testing.T) {
	tests := []struct {
		err  error
		name string
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "rate limit", err: llmerrors.NewError(llmerrors.ErrorTypeRateLimit, "slow down"), want: true},
		{name: "transient", err: llmerrors.NewError(llmerrors.ErrorTypeTransient, "reset"), want: true},
		{name: "unavailable", err: llmerrors.NewServiceUnavailableError(errors.New("down"), 3), want: true},
		{name: "auth", err: llmerrors.NewError(llmerrors.ErrorTypeAuth, "denied"), want: false},
		{name: "bad prompt", err: llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "too long"), want: false},
		{name: "wrapped transient", err: fmt.Errorf("call: %w", llmerrors.NewError(llmerrors.ErrorTypeTransient, "x")), want: true},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "canceled", err: context.Canceled, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CountsAgainstCircuit(tt.err))
		})
	}
}

func TestNewProviderClient(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "")
	cfg := config.Default()

	_, err := NewProviderClient(&cfg, config.ProviderGoogle, cfg.Model.Name)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GOOGLE_API_KEY")

	t.Setenv("GOOGLE_API_KEY", "test-key")
	client, err := NewProviderClient(&cfg, config.ProviderGoogle, cfg.Model.Name)
	require.NoError(t, err)
	assert.Equal(t, cfg.Model.Name, client.GetModelName())

	cfg.Model.Name = "ollama:llama3.2"
	client, err = NewProviderClient(&cfg, config.ProviderOllama, cfg.Model.Name)
	require.NoError(t, err)
	assert.Equal(t, "llama3.2", client.GetModelName())

	_, err = NewProviderClient(&cfg, "carrier-pigeon", "m")
	require.Error(t, err)
}

func TestMaxOutputTokens(t *testing.T) {
	for name, info := range config.KnownModels {
		if info.MaxOutputTokens > 0 {
			assert.Equal(t, info.MaxOutputTokens, MaxOutputTokens(name, info.MaxOutputTokens+1), name)
			assert.Equal(t, 1, MaxOutputTokens(name, 1), name)
		}
	}
	assert.Equal(t, 999999, MaxOutputTokens("mystery-model", 999999))
}
