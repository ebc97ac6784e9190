package toolexec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Error reasons surfaced on Result.ErrorKind
const (
	ErrKindUnknownTool = "unknown_tool"
	ErrKindTimeout     = "tool_timeout"
	ErrKindExecution   = "tool_execution_error"
	ErrKindBadArgs     = "invalid_arguments"
)

// ErrUnknownTool is wrapped into results for unregistered tool names
var ErrUnknownTool = errors.New("unknown tool")

// Options bound a single tool execution
type Options struct {
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// DefaultOptions mirrors the runtime configuration defaults
func DefaultOptions() Options {
	return Options{
		Timeout:      15 * time.Second,
		MaxRetries:   1,
		RetryBackoff: 200 * time.Millisecond,
	}
}

// CallScope carries call-scoped fields merged into the tool context
type CallScope struct {
	CallID    string
	RequestID string
	Iteration int
}

// Result is the outcome of one tool execution. Failures are carried in the
// result, never raised, so the acting loop always advances.
type Result struct {
	Success   bool                   `json:"success"`
	Output    interface{}            `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	ErrorKind string                 `json:"error_kind,omitempty"`
	Truncated bool                   `json:"truncated,omitempty"`
	Attempts  int                    `json:"attempts,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// maxOutputBytes caps tool output carried back into the conversation
const maxOutputBytes = 10 * 1024

// Executor runs tool calls against a registry with timeout and bounded retry
type Executor struct {
	registry *Registry
	logger   zerolog.Logger
}

// NewExecutor creates a tool executor over the given registry
func NewExecutor(registry *Registry, logger zerolog.Logger) *Executor {
	return &Executor{
		registry: registry,
		logger:   logger,
	}
}

// Registry returns the executor's registry
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute runs a single tool call. The effective context passed to the
// handler is base ∪ run (run wins) plus the call-scoped fields.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]interface{}, base, run map[string]interface{}, scope CallScope, opts Options) Result {
	start := time.Now()

	def := e.registry.Get(name)
	if def == nil {
		e.logger.Warn().Str("tool", name).Str("request_id", scope.RequestID).Msg("Tool not found")
		return Result{
			Success:   false,
			Error:     fmt.Sprintf("tool not found: %s", name),
			ErrorKind: ErrKindUnknownTool,
			Attempts:  0,
		}
	}

	schema := e.registry.schemaFor(name)
	if err := validateArgs(schema, args); err != nil {
		e.logger.Warn().Str("tool", name).Err(err).Msg("Argument validation failed")
		return Result{
			Success:   false,
			Error:     fmt.Sprintf("argument validation failed: %v", err),
			ErrorKind: ErrKindBadArgs,
			Attempts:  0,
		}
	}

	runCtx := MergeContext(base, run, scope)

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff < 0 {
		opts.RetryBackoff = 0
	}

	var last Result
	attempts := 0

	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		attempts++
		last = e.runOnce(ctx, def, args, runCtx, opts.Timeout)
		last.Attempts = attempts

		if last.Success {
			break
		}

		// Only re-attempt failures the tool declares retryable; timeouts are
		// retried the same way since the handler may simply have been slow.
		retryable := def.Retryable || last.ErrorKind == ErrKindTimeout
		if !retryable || attempt == opts.MaxRetries {
			break
		}

		e.logger.Info().
			Str("tool", name).
			Int("attempt", attempt+1).
			Dur("backoff", opts.RetryBackoff).
			Msg("Retrying tool after failure")

		select {
		case <-ctx.Done():
			last.Error = ctx.Err().Error()
			last.ErrorKind = ErrKindExecution
			return last
		case <-time.After(opts.RetryBackoff):
		}
	}

	if last.Metadata == nil {
		last.Metadata = map[string]interface{}{}
	}
	last.Metadata["duration_ms"] = time.Since(start).Milliseconds()

	return last
}

// runOnce executes the handler once under the per-call timeout
func (e *Executor) runOnce(ctx context.Context, def *Definition, args, runCtx map[string]interface{}, timeout time.Duration) Result {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultChan := make(chan interface{}, 1)
	errChan := make(chan error, 1)

	go func() {
		output, err := def.Handler(timeoutCtx, args, runCtx)
		if err != nil {
			errChan <- err
			return
		}
		resultChan <- output
	}()

	select {
	case output := <-resultChan:
		truncatedOutput, truncated := truncateOutput(output)
		e.logger.Debug().Str("tool", def.Name).Bool("truncated", truncated).Msg("Tool execution completed")
		return Result{
			Success:   true,
			Output:    truncatedOutput,
			Truncated: truncated,
		}

	case err := <-errChan:
		e.logger.Error().Str("tool", def.Name).Err(err).Msg("Tool execution failed")
		return Result{
			Success:   false,
			Error:     err.Error(),
			ErrorKind: ErrKindExecution,
		}

	case <-timeoutCtx.Done():
		e.logger.Error().Str("tool", def.Name).Dur("timeout", timeout).Msg("Tool execution timeout")
		return Result{
			Success:   false,
			Error:     fmt.Sprintf("tool execution timeout after %v", timeout),
			ErrorKind: ErrKindTimeout,
		}
	}
}

// truncateOutput truncates output that exceeds the size cap
func truncateOutput(output interface{}) (interface{}, bool) {
	str, ok := output.(string)
	if !ok {
		str = fmt.Sprintf("%v", output)
		if len(str) <= maxOutputBytes {
			return output, false
		}
	}

	if len(str) <= maxOutputBytes {
		return output, false
	}

	return str[:maxOutputBytes] + "\n... [output truncated]", true
}
