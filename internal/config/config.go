// Package config loads and validates the runtime configuration and converts
// it into the domain packages' own config structs.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ramify-ai/ramify/internal/logger"
	"github.com/ramify-ai/ramify/pkg/pipeline"
	"github.com/ramify-ai/ramify/pkg/request"
	"github.com/ramify-ai/ramify/pkg/resource"
	"github.com/ramify-ai/ramify/pkg/toolexec"
)

// Config is the full runtime configuration surface
type Config struct {
	// Request loop
	MaxIterations    int    `json:"max_iterations" mapstructure:"max_iterations"`
	RequestPolicy    string `json:"request_policy" mapstructure:"request_policy"`
	StrictExhaustion bool   `json:"strict_exhaustion" mapstructure:"strict_exhaustion"`
	Model            string `json:"model" mapstructure:"model"`

	// BaseToolContext is replaced wholesale on configuration update, never
	// merged
	BaseToolContext map[string]interface{} `json:"base_tool_context" mapstructure:"base_tool_context"`

	// Tool execution
	ToolTimeoutMs      int `json:"tool_timeout_ms" mapstructure:"tool_timeout_ms"`
	ToolMaxRetries     int `json:"tool_max_retries" mapstructure:"tool_max_retries"`
	ToolRetryBackoffMs int `json:"tool_retry_backoff_ms" mapstructure:"tool_retry_backoff_ms"`

	// Orchestration
	OrchestrationMode string      `json:"orchestration_mode" mapstructure:"orchestration_mode"`
	MaxDepth          int         `json:"max_depth" mapstructure:"max_depth"`
	MaxConcurrency    int         `json:"max_concurrency" mapstructure:"max_concurrency"`
	MaxChildrenTotal  int         `json:"max_children_total" mapstructure:"max_children_total"`
	TokenBudget       int64       `json:"token_budget" mapstructure:"token_budget"`
	ChildTimeoutMs    int         `json:"child_timeout_ms" mapstructure:"child_timeout_ms"`
	Chunk             ChunkConfig `json:"chunk" mapstructure:"chunk"`

	// Resources
	ResourceTTLMs          int    `json:"resource_ttl_ms" mapstructure:"resource_ttl_ms"`
	SweepIntervalMs        int    `json:"sweep_interval_ms" mapstructure:"sweep_interval_ms"`
	ContextInlineThreshold int    `json:"context_inline_threshold" mapstructure:"context_inline_threshold"`
	ContextDBPath          string `json:"context_db_path" mapstructure:"context_db_path"`

	// Ambient
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
}

// ChunkConfig parameterizes context chunking
type ChunkConfig struct {
	Strategy     string `json:"strategy" mapstructure:"strategy"`
	Size         int    `json:"size" mapstructure:"size"`
	Overlap      int    `json:"overlap" mapstructure:"overlap"`
	MaxChunks    int    `json:"max_chunks" mapstructure:"max_chunks"`
	PreviewBytes int    `json:"preview_bytes" mapstructure:"preview_bytes"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// MetricsConfig holds the metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	return &Config{
		MaxIterations:      request.DefaultMaxIterations,
		RequestPolicy:      string(request.PolicyReject),
		Model:              "claude-sonnet-4",
		ToolTimeoutMs:      15000,
		ToolMaxRetries:     1,
		ToolRetryBackoffMs: 200,
		OrchestrationMode:  string(pipeline.ModeAuto),
		MaxDepth:           3,
		MaxConcurrency:     pipeline.DefaultMaxConcurrency,
		ChildTimeoutMs:     120000,
		Chunk: ChunkConfig{
			Strategy:     resource.StrategyFixed,
			Size:         16384,
			PreviewBytes: 120,
		},
		ResourceTTLMs:          30 * 60 * 1000,
		SweepIntervalMs:        60 * 1000,
		ContextInlineThreshold: resource.DefaultInlineThreshold,
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// Validate rejects configurations the runtime cannot honor
func (c *Config) Validate() error {
	if c.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be positive, got %d", c.MaxIterations)
	}
	if c.RequestPolicy != string(request.PolicyReject) {
		return fmt.Errorf("unsupported request_policy: %s", c.RequestPolicy)
	}
	if c.ToolTimeoutMs <= 0 {
		return fmt.Errorf("tool_timeout_ms must be positive, got %d", c.ToolTimeoutMs)
	}
	if c.ToolMaxRetries < 0 {
		return fmt.Errorf("tool_max_retries cannot be negative, got %d", c.ToolMaxRetries)
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("max_concurrency must be positive, got %d", c.MaxConcurrency)
	}

	switch pipeline.Mode(c.OrchestrationMode) {
	case pipeline.ModeAuto, pipeline.ModePlanOnly, pipeline.ModeSpawnOnly:
	default:
		return fmt.Errorf("unknown orchestration_mode: %s", c.OrchestrationMode)
	}

	if c.Chunk.Size <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.Chunk.Size)
	}
	if c.Chunk.Overlap < 0 || c.Chunk.Overlap >= c.Chunk.Size {
		return fmt.Errorf("chunk overlap must be in [0, size), got %d", c.Chunk.Overlap)
	}
	if c.Chunk.Strategy != resource.StrategyFixed && c.Chunk.Strategy != resource.StrategyParagraph {
		return fmt.Errorf("unknown chunk strategy: %s", c.Chunk.Strategy)
	}

	if c.TokenBudget < 0 {
		return fmt.Errorf("token_budget cannot be negative, got %d", c.TokenBudget)
	}
	if c.MaxChildrenTotal < 0 {
		return fmt.Errorf("max_children_total cannot be negative, got %d", c.MaxChildrenTotal)
	}

	return nil
}

// Request converts the loop settings into a state machine config
func (c *Config) Request() request.Config {
	return request.Config{
		MaxIterations:    c.MaxIterations,
		Policy:           request.Policy(c.RequestPolicy),
		StrictExhaustion: c.StrictExhaustion,
		BaseToolContext:  c.BaseToolContext,
		Model:            c.Model,
	}
}

// ToolExec converts the tool settings into executor options
func (c *Config) ToolExec() toolexec.Options {
	return toolexec.Options{
		Timeout:      time.Duration(c.ToolTimeoutMs) * time.Millisecond,
		MaxRetries:   c.ToolMaxRetries,
		RetryBackoff: time.Duration(c.ToolRetryBackoffMs) * time.Millisecond,
	}
}

// Pipeline converts the orchestration settings into a pipeline config
func (c *Config) Pipeline() pipeline.Config {
	return pipeline.Config{
		Mode:               pipeline.Mode(c.OrchestrationMode),
		MaxConcurrency:     c.MaxConcurrency,
		MaxDepth:           c.MaxDepth,
		ChildTimeout:       time.Duration(c.ChildTimeoutMs) * time.Millisecond,
		ChildMaxIterations: c.MaxIterations,
		MaxChildrenTotal:   c.MaxChildrenTotal,
		TokenBudget:        c.TokenBudget,
		ResourceTTL:        time.Duration(c.ResourceTTLMs) * time.Millisecond,
		Chunk: resource.ChunkSpec{
			Strategy:     c.Chunk.Strategy,
			Size:         c.Chunk.Size,
			Overlap:      c.Chunk.Overlap,
			MaxChunks:    c.Chunk.MaxChunks,
			PreviewBytes: c.Chunk.PreviewBytes,
		},
		Model: c.Model,
	}
}

// ContextStore converts the resource settings into a context store config
func (c *Config) ContextStore() resource.ContextStoreConfig {
	return resource.ContextStoreConfig{
		DBPath:          c.ContextDBPath,
		InlineThreshold: c.ContextInlineThreshold,
	}
}

// Logger converts the logging settings into a logger config
func (c *Config) Logger() logger.Config {
	return logger.Config{
		Level:     c.Logging.Level,
		File:      c.Logging.File,
		Console:   c.Logging.Console,
		Pretty:    c.Logging.Pretty,
		Redaction: c.Logging.Redaction,
	}
}

// ResourceTTL returns the tracked-resource TTL as a duration
func (c *Config) ResourceTTL() time.Duration {
	return time.Duration(c.ResourceTTLMs) * time.Millisecond
}

// SweepInterval returns the reaper sweep interval as a duration
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMs) * time.Millisecond
}

// String renders the config as JSON for diagnostics
func (c *Config) String() string {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("config marshal error: %v", err)
	}
	return string(b)
}
