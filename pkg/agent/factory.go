package agent

import (
	"errors"
	"fmt"
	"sync"

	"stackscope/pkg/agent/internal/llmimpl/anthropic"
	"stackscope/pkg/agent/internal/llmimpl/google"
	"stackscope/pkg/agent/internal/llmimpl/ollama"
	"stackscope/pkg/agent/internal/llmimpl/openaiofficial"
	"stackscope/pkg/agent/llm"
	"stackscope/pkg/agent/llmerrors"
	"stackscope/pkg/agent/middleware/logging"
	"stackscope/pkg/agent/middleware/metrics"
	"stackscope/pkg/agent/middleware/resilience/circuit"
	"stackscope/pkg/agent/middleware/resilience/ratelimit"
	"stackscope/pkg/agent/middleware/resilience/retry"
	"stackscope/pkg/agent/middleware/resilience/timeout"
	"stackscope/pkg/agent/middleware/validation"
	"stackscope/pkg/config"
	"stackscope/pkg/logx"
)

// ProviderFunc builds the raw provider client for a model. Tests replace it
// to run the middleware chain against a fake.
type ProviderFunc func(cfg *config.Config, provider, model string) (llm.LLMClient, error)

// LLMClientFactory creates LLM clients with properly configured middleware chains.
//
//nolint:govet // Logical field grouping preferred over memory alignment
type LLMClientFactory struct {
	config      config.Config
	recorder    metrics.Recorder
	logger      *logx.Logger
	newProvider ProviderFunc

	mu              sync.Mutex
	circuitBreakers map[string]circuit.Breaker // per-model circuit breakers
}

// FactoryOption customizes a factory.
type FactoryOption func(*LLMClientFactory)

// WithProviderFunc overrides how raw provider clients are built.
func WithProviderFunc(fn ProviderFunc) FactoryOption {
	return func(f *LLMClientFactory) { f.newProvider = fn }
}

// WithLogger sets the logger used by the logging and metrics middleware.
func WithLogger(logger *logx.Logger) FactoryOption {
	return func(f *LLMClientFactory) { f.logger = logger }
}

// NewLLMClientFactory creates a factory. A nil recorder disables metrics.
func NewLLMClientFactory(cfg config.Config, recorder metrics.Recorder, opts ...FactoryOption) *LLMClientFactory {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	f := &LLMClientFactory{
		config:          cfg,
		recorder:        recorder,
		logger:          logx.NewLogger("llm"),
		newProvider:     NewProviderClient,
		circuitBreakers: make(map[string]circuit.Breaker),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CreateClient creates a client for the configured model with the full middleware chain.
func (f *LLMClientFactory) CreateClient() (llm.LLMClient, error) {
	return f.CreateClientForModel(f.config.Model.Name)
}

// CreateClientForModel creates a client for modelName with the full middleware chain.
// The API key is read from the provider's environment variable.
func (f *LLMClientFactory) CreateClientForModel(modelName string) (llm.LLMClient, error) {
	provider, err := config.GetModelProvider(modelName)
	if err != nil {
		return nil, fmt.Errorf("failed to determine provider for model %s: %w", modelName, err)
	}

	cfg := f.config
	cfg.Model.Name = modelName
	rawClient, err := f.newProvider(&cfg, provider, modelName)
	if err != nil {
		return nil, err
	}

	retryPolicy := retry.NewPolicy(retry.Config{
		MaxAttempts:   cfg.Retry.LLM.MaxAttempts,
		InitialDelay:  cfg.Retry.LLM.InitialDelay,
		MaxDelay:      cfg.Retry.LLM.MaxDelay,
		BackoffFactor: cfg.Retry.LLM.BackoffFactor,
		Jitter:        cfg.Retry.LLM.Jitter,
	}, nil)

	limiter := ratelimit.NewTokenLimiter(modelName, ratelimit.Config{
		TokensPerMinute: cfg.RateLimit.TokensPerMinute,
		Burst:           cfg.RateLimit.Burst,
	})

	// Metrics -> Logging -> Validation -> CircuitBreaker -> Retry -> RateLimit -> Timeout -> RawClient
	client := llm.Chain(rawClient,
		metrics.Middleware(f.recorder, nil, f.logger),
		logging.Middleware(f.logger),
		validation.RequestMiddleware(),
		validation.EmptyResponseMiddleware(),
		circuit.Middleware(f.breaker(modelName), CountsAgainstCircuit),
		retry.Middleware(retryPolicy),
		ratelimit.Middleware(limiter, nil, f.recorder),
		timeout.Middleware(cfg.Model.RequestTimeout),
	)
	return client, nil
}

// breaker returns the shared breaker for modelName, creating it on first use.
func (f *LLMClientFactory) breaker(modelName string) circuit.Breaker {
	f.mu.Lock()
	defer f.mu.Unlock()

	if b, ok := f.circuitBreakers[modelName]; ok {
		return b
	}
	recorder := f.recorder
	b := circuit.New(circuit.Config{
		FailureThreshold: f.config.Circuit.FailureThreshold,
		SuccessThreshold: f.config.Circuit.SuccessThreshold,
		Timeout:          f.config.Circuit.Timeout,
	}, func(_, to circuit.State) {
		recorder.SetCircuitState(modelName, to)
	})
	f.circuitBreakers[modelName] = b
	return b
}

// CountsAgainstCircuit reports whether err indicates an unhealthy provider.
// Request-shaped failures (auth, bad prompt) and caller cancellation do not.
func CountsAgainstCircuit(err error) bool {
	if err == nil {
		return false
	}
	var llmErr *llmerrors.Error
	if errors.As(err, &llmErr) {
		switch llmErr.Type {
		case llmerrors.ErrorTypeRateLimit, llmerrors.ErrorTypeTransient, llmerrors.ErrorTypeServiceUnavailable:
			return true
		default:
			return false
		}
	}
	return retry.ShouldRetry(err)
}

// NewProviderClient builds the raw client for provider. Output tokens are
// capped by the registry's per-model limit at request time, not here.
func NewProviderClient(cfg *config.Config, provider, model string) (llm.LLMClient, error) {
	if provider == config.ProviderOllama {
		return ollama.NewOllamaClientWithModel(cfg.Ollama.Host, config.OllamaModelName(model)), nil
	}

	apiKey, err := cfg.APIKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get API key for provider %s: %w", provider, err)
	}

	switch provider {
	case config.ProviderGoogle:
		return google.NewGeminiClientWithModel(apiKey, model), nil
	case config.ProviderAnthropic:
		return anthropic.NewClaudeClientWithModel(apiKey, model), nil
	case config.ProviderOpenAI:
		return openaiofficial.NewOfficialClientWithModel(apiKey, model), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}

// MaxOutputTokens clamps requested to the model's known output limit.
func MaxOutputTokens(model string, requested int) int {
	info, ok := config.GetModelInfo(model)
	if !ok || info.MaxOutputTokens <= 0 || requested <= info.MaxOutputTokens {
		return requested
	}
	return info.MaxOutputTokens
}
