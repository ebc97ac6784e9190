package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Loader reads the configuration file with viper
type Loader struct {
	configPath string
}

// NewLoader creates a loader for the given path. An empty path resolves to
// ~/.ramify/ramify.json.
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load reads and validates the configuration. A missing file yields the
// defaults.
func (l *Loader) Load() (*Config, error) {
	configPath := l.Path()
	if configPath == "" {
		return nil, fmt.Errorf("failed to resolve config path")
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return Default(), nil
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.SetEnvPrefix("RAMIFY")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to the file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.Path()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("max_iterations", cfg.MaxIterations)
	v.Set("request_policy", cfg.RequestPolicy)
	v.Set("strict_exhaustion", cfg.StrictExhaustion)
	v.Set("model", cfg.Model)
	v.Set("base_tool_context", cfg.BaseToolContext)
	v.Set("tool_timeout_ms", cfg.ToolTimeoutMs)
	v.Set("tool_max_retries", cfg.ToolMaxRetries)
	v.Set("tool_retry_backoff_ms", cfg.ToolRetryBackoffMs)
	v.Set("orchestration_mode", cfg.OrchestrationMode)
	v.Set("max_depth", cfg.MaxDepth)
	v.Set("max_concurrency", cfg.MaxConcurrency)
	v.Set("max_children_total", cfg.MaxChildrenTotal)
	v.Set("token_budget", cfg.TokenBudget)
	v.Set("child_timeout_ms", cfg.ChildTimeoutMs)
	v.Set("chunk", cfg.Chunk)
	v.Set("resource_ttl_ms", cfg.ResourceTTLMs)
	v.Set("sweep_interval_ms", cfg.SweepIntervalMs)
	v.Set("context_inline_threshold", cfg.ContextInlineThreshold)
	v.Set("context_db_path", cfg.ContextDBPath)
	v.Set("logging", cfg.Logging)
	v.Set("metrics", cfg.Metrics)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			return nil
		}
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Path returns the resolved config file path
func (l *Loader) Path() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ramify", "ramify.json")
}

// Load is a convenience wrapper around NewLoader(path).Load()
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
