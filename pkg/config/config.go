// Package config provides configuration loading, validation, and the static model
// registry for stackscope.
//
// Configuration comes from three layers, later layers winning:
//
//  1. Defaults returned by Default()
//  2. An optional YAML file (--config or STACKSCOPE_CONFIG), with ${VAR} substitution
//  3. STACKSCOPE_* environment overrides
//
// Command-line flags are applied on top by the CLI before Validate is called.
// Model pricing and provider mappings are hardcoded in KnownModels and
// ProviderPatterns; they are not user-configurable.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Provider constants.
const (
	ProviderGoogle    = "google"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
)

// Model name constants.
const (
	ModelGemini25Flash    = "gemini-2.5-flash"
	ModelGemini25Pro      = "gemini-2.5-pro"
	ModelClaudeSonnet45   = "claude-sonnet-4-5"
	ModelGPT4o            = "gpt-4o"
	DefaultModel          = ModelGemini25Flash
	DefaultOllamaHost     = "http://localhost:11434"
	DefaultOutputFile     = "remediation_plan.md"
	DefaultRequestTimeout = 3 * time.Minute
)

// ProviderAPIKeyEnv names the environment variable holding each provider's key.
// Ollama needs no key.
//
//nolint:gochecknoglobals // Static lookup table
var ProviderAPIKeyEnv = map[string]string{
	ProviderGoogle:    "GOOGLE_API_KEY",
	ProviderAnthropic: "ANTHROPIC_API_KEY",
	ProviderOpenAI:    "OPENAI_API_KEY",
}

// ModelInfo contains static information about a known LLM model.
// This data is hardcoded in the application, not user-configurable.
type ModelInfo struct {
	Provider         string  // API provider (google, anthropic, openai, ollama)
	InputCPM         float64 // Cost per million input tokens (USD)
	OutputCPM        float64 // Cost per million output tokens (USD)
	MaxContextTokens int     // Maximum context window size in tokens
	MaxOutputTokens  int     // Maximum output tokens per request
}

// KnownModels registry contains pricing and provider information for common models.
// This is optional - unknown models will be inferred via ProviderPatterns.
//
//nolint:gochecknoglobals // Intentional global for static model registry
var KnownModels = map[string]ModelInfo{
	// Google Gemini models
	"gemini-2.0-flash": {
		Provider:         ProviderGoogle,
		InputCPM:         0.10,
		OutputCPM:        0.40,
		MaxContextTokens: 1048576,
		MaxOutputTokens:  8192,
	},
	ModelGemini25Flash: {
		Provider:         ProviderGoogle,
		InputCPM:         0.30,
		OutputCPM:        2.50,
		MaxContextTokens: 1048576,
		MaxOutputTokens:  65536,
	},
	ModelGemini25Pro: {
		Provider:         ProviderGoogle,
		InputCPM:         1.25,
		OutputCPM:        10.0,
		MaxContextTokens: 1048576,
		MaxOutputTokens:  65536,
	},

	// Claude models (Anthropic)
	ModelClaudeSonnet45: {
		Provider:         ProviderAnthropic,
		InputCPM:         3.0,
		OutputCPM:        15.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},
	"claude-opus-4-1": {
		Provider:         ProviderAnthropic,
		InputCPM:         15.0,
		OutputCPM:        75.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  16384,
	},

	// OpenAI models
	ModelGPT4o: {
		Provider:         ProviderOpenAI,
		InputCPM:         2.5,
		OutputCPM:        10.0,
		MaxContextTokens: 128000,
		MaxOutputTokens:  4096,
	},
	"o4-mini": {
		Provider:         ProviderOpenAI,
		InputCPM:         1.1,
		OutputCPM:        4.4,
		MaxContextTokens: 128000,
		MaxOutputTokens:  16384,
	},
	"gpt-5": {
		Provider:         ProviderOpenAI,
		InputCPM:         1.25,
		OutputCPM:        10.0,
		MaxContextTokens: 400000,
		MaxOutputTokens:  128000,
	},
}

// ProviderPattern represents a pattern for inferring provider from model name.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

// ProviderPatterns defines rules for inferring providers from unknown model names.
// Allows using new models without code changes.
//
//nolint:gochecknoglobals // Intentional global for inference rules
var ProviderPatterns = []ProviderPattern{
	{"gemini", ProviderGoogle},
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	// Ollama models - common open-source model prefixes
	{"phi", ProviderOllama},
	{"llama", ProviderOllama},
	{"qwen", ProviderOllama},
	{"mistral", ProviderOllama},
	{"codellama", ProviderOllama},
	{"deepseek", ProviderOllama},
	{"ollama:", ProviderOllama}, // Explicit prefix like "ollama:phi4"
}

// GetModelProvider returns the API provider for a given model.
// First checks KnownModels, then tries pattern matching.
// Returns error if model cannot be mapped to a provider.
func GetModelProvider(modelName string) (string, error) {
	if info, exists := KnownModels[modelName]; exists {
		return info.Provider, nil
	}

	for i := range ProviderPatterns {
		if strings.HasPrefix(modelName, ProviderPatterns[i].Prefix) {
			return ProviderPatterns[i].Provider, nil
		}
	}

	return "", fmt.Errorf("unknown model '%s': no known provider mapping or pattern match - cannot determine API provider", modelName)
}

// GetModelInfo returns the ModelInfo for a given model name.
// Unknown models get conservative limits with the inferred provider and false.
func GetModelInfo(modelName string) (ModelInfo, bool) {
	if info, exists := KnownModels[modelName]; exists {
		return info, true
	}

	provider, _ := GetModelProvider(modelName)
	return ModelInfo{
		Provider:         provider,
		MaxContextTokens: 32000, // Conservative default
		MaxOutputTokens:  4096,  // Conservative default
	}, false
}

// OllamaModelName strips the explicit "ollama:" prefix.
func OllamaModelName(modelName string) string {
	return strings.TrimPrefix(modelName, "ollama:")
}

// CalculateCost estimates the USD cost of a run from token counts.
// Returns 0 for unknown models.
func CalculateCost(modelName string, promptTokens, completionTokens int) float64 {
	info, exists := KnownModels[modelName]
	if !exists {
		return 0
	}
	return float64(promptTokens)/1_000_000.0*info.InputCPM +
		float64(completionTokens)/1_000_000.0*info.OutputCPM
}

// Config is the complete stackscope configuration.
type Config struct {
	Model       ModelConfig       `yaml:"model" json:"model"`
	Limits      LimitsConfig      `yaml:"limits" json:"limits"`
	Search      SearchConfig      `yaml:"search" json:"search"`
	Retry       RetryConfig       `yaml:"retry" json:"retry"`
	Circuit     CircuitConfig     `yaml:"circuit_breaker" json:"circuit_breaker"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit" json:"rate_limit"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
	Persistence PersistenceConfig `yaml:"persistence" json:"persistence"`
	Metrics     MetricsConfig     `yaml:"metrics" json:"metrics"`
	Ollama      OllamaConfig      `yaml:"ollama" json:"ollama"`
}

// ModelConfig selects the model and its sampling parameters.
type ModelConfig struct {
	Name                   string        `yaml:"name" json:"name" validate:"required"`
	Temperature            float32       `yaml:"temperature" json:"temperature" validate:"gte=0,lte=2"`
	MaxTokens              int           `yaml:"max_tokens" json:"max_tokens" validate:"gt=0"`
	RemediationMaxTokens   int           `yaml:"remediation_max_tokens" json:"remediation_max_tokens" validate:"gt=0"`
	RemediationTemperature float32       `yaml:"remediation_temperature" json:"remediation_temperature" validate:"gte=0,lte=2"`
	RequestTimeout         time.Duration `yaml:"request_timeout" json:"request_timeout" validate:"gte=0"`
}

// LimitsConfig bounds one analysis run.
type LimitsConfig struct {
	MaxIterations     int           `yaml:"max_iterations" json:"max_iterations" validate:"gt=0"`
	TokenBudget       int           `yaml:"token_budget" json:"token_budget" validate:"gte=0"` // 0 disables the budget
	MaxPathViolations int           `yaml:"max_path_violations" json:"max_path_violations" validate:"gte=0"`
	ToolConcurrency   int           `yaml:"tool_concurrency" json:"tool_concurrency" validate:"gt=0,lte=64"`
	ToolTimeout       time.Duration `yaml:"tool_timeout" json:"tool_timeout" validate:"gt=0"`
}

// SearchConfig tunes the text search engine.
type SearchConfig struct {
	MaxResults      int      `yaml:"max_results" json:"max_results" validate:"gt=0"`
	ExtraExclusions []string `yaml:"extra_exclusions" json:"extra_exclusions"`
}

// RetryPolicy mirrors the retry middleware configuration.
type RetryPolicy struct {
	MaxAttempts   int           `yaml:"max_attempts" json:"max_attempts" validate:"gt=0"`
	InitialDelay  time.Duration `yaml:"initial_delay" json:"initial_delay" validate:"gte=0"`
	MaxDelay      time.Duration `yaml:"max_delay" json:"max_delay" validate:"gte=0"`
	BackoffFactor float64       `yaml:"backoff_factor" json:"backoff_factor" validate:"gte=1"`
	Jitter        bool          `yaml:"jitter" json:"jitter"`
}

// RetryConfig holds separate policies for tools and model requests.
type RetryConfig struct {
	Tool RetryPolicy `yaml:"tool" json:"tool"`
	LLM  RetryPolicy `yaml:"llm" json:"llm"`
}

// CircuitConfig defines configuration for circuit breaker behavior.
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold" validate:"gt=0"`
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold" validate:"gt=0"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`
}

// RateLimitConfig throttles outbound model tokens. Zero disables throttling.
type RateLimitConfig struct {
	TokensPerMinute int `yaml:"tokens_per_minute" json:"tokens_per_minute" validate:"gte=0"`
	Burst           int `yaml:"burst" json:"burst" validate:"gte=0"`
}

// LoggingConfig enables the rotating file sink.
type LoggingConfig struct {
	File       string `yaml:"file" json:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days" validate:"gte=0"`
}

// PersistenceConfig locates the run store. An empty path disables persistence.
type PersistenceConfig struct {
	DBPath string `yaml:"db_path" json:"db_path"`
}

// MetricsConfig controls Prometheus collection.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	DumpPath string `yaml:"dump_path" json:"dump_path"`
}

// OllamaConfig locates a local Ollama server.
type OllamaConfig struct {
	Host string `yaml:"host" json:"host" validate:"omitempty,url"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Model: ModelConfig{
			Name:                   DefaultModel,
			Temperature:            0.2,
			MaxTokens:              4096,
			RemediationMaxTokens:   3000,
			RemediationTemperature: 0.2,
			RequestTimeout:         DefaultRequestTimeout,
		},
		Limits: LimitsConfig{
			MaxIterations:     20,
			TokenBudget:       200000,
			MaxPathViolations: 3,
			ToolConcurrency:   4,
			ToolTimeout:       30 * time.Second,
		},
		Search: SearchConfig{
			MaxResults: 100,
		},
		Retry: RetryConfig{
			Tool: RetryPolicy{
				MaxAttempts:   3,
				InitialDelay:  50 * time.Millisecond,
				MaxDelay:      time.Second,
				BackoffFactor: 2.0,
				Jitter:        true,
			},
			LLM: RetryPolicy{
				MaxAttempts:   3,
				InitialDelay:  time.Second,
				MaxDelay:      30 * time.Second,
				BackoffFactor: 2.0,
				Jitter:        true,
			},
		},
		Circuit: CircuitConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		},
		Logging: LoggingConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		Ollama: OllamaConfig{
			Host: DefaultOllamaHost,
		},
	}
}

// Provider resolves the configured model's provider.
func (c *Config) Provider() (string, error) {
	return GetModelProvider(c.Model.Name)
}
