package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment variable names.
const (
	EnvConfig        = "STACKSCOPE_CONFIG"
	EnvModel         = "STACKSCOPE_MODEL"
	EnvMaxIterations = "STACKSCOPE_MAX_ITERATIONS"
	EnvTokenBudget   = "STACKSCOPE_TOKEN_BUDGET"
	EnvDB            = "STACKSCOPE_DB"
	EnvOllamaHost    = "OLLAMA_HOST"
)

//nolint:gochecknoglobals // Shared validator; validator.Validate caches struct metadata
var validate = validator.New(validator.WithRequiredStructEnabled())

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load builds a configuration from defaults, the YAML file at path (or
// STACKSCOPE_CONFIG when path is empty) and environment overrides.
// The result is not validated; callers apply flags first, then Validate.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// Replace environment variable placeholders.
	expanded := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
		if value := os.Getenv(match[2 : len(match)-1]); value != "" {
			return value
		}
		return match
	})

	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config YAML %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvModel); v != "" {
		cfg.Model.Name = v
	}
	if v := os.Getenv(EnvMaxIterations); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxIterations, err)
		}
		cfg.Limits.MaxIterations = n
	}
	if v := os.Getenv(EnvTokenBudget); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTokenBudget, err)
		}
		cfg.Limits.TokenBudget = n
	}
	if v := os.Getenv(EnvDB); v != "" {
		cfg.Persistence.DBPath = v
	}
	if v := os.Getenv(EnvOllamaHost); v != "" {
		if !strings.Contains(v, "://") {
			v = "http://" + v
		}
		cfg.Ollama.Host = v
	}
	return nil
}

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("config validation failed: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config validation failed: %w", err)
	}

	if _, err := c.Provider(); err != nil {
		return err
	}
	if c.Retry.Tool.MaxDelay < c.Retry.Tool.InitialDelay {
		return fmt.Errorf("config validation failed: retry.tool.max_delay %s is below initial_delay %s", c.Retry.Tool.MaxDelay, c.Retry.Tool.InitialDelay)
	}
	if c.Retry.LLM.MaxDelay < c.Retry.LLM.InitialDelay {
		return fmt.Errorf("config validation failed: retry.llm.max_delay %s is below initial_delay %s", c.Retry.LLM.MaxDelay, c.Retry.LLM.InitialDelay)
	}
	return nil
}

// APIKey returns the key for the configured provider from the environment.
// Ollama returns an empty key and no error.
func (c *Config) APIKey() (string, error) {
	provider, err := c.Provider()
	if err != nil {
		return "", err
	}
	envName, ok := ProviderAPIKeyEnv[provider]
	if !ok {
		return "", nil
	}
	key := os.Getenv(envName)
	if key == "" {
		return "", fmt.Errorf("%s is not set (required for %s model %s)", envName, provider, c.Model.Name)
	}
	return key, nil
}
