package toolexec

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T) (*Executor, *Registry) {
	t.Helper()
	registry := NewRegistry(zerolog.Nop())
	return NewExecutor(registry, zerolog.Nop()), registry
}

func echoTool() Definition {
	return Definition{
		Name:        "echo",
		Description: "Echoes its input",
		Parameters: []Parameter{
			{Name: "text", Type: "string", Description: "text to echo", Required: true},
		},
		Handler: func(ctx context.Context, args, runCtx map[string]interface{}) (interface{}, error) {
			return args["text"], nil
		},
	}
}

func TestExecute_Success(t *testing.T) {
	executor, registry := newTestExecutor(t)
	require.NoError(t, registry.Register(echoTool()))

	result := executor.Execute(context.Background(), "echo",
		map[string]interface{}{"text": "hello"}, nil, nil,
		CallScope{CallID: "c1", RequestID: "r1", Iteration: 1}, DefaultOptions())

	assert.True(t, result.Success)
	assert.Equal(t, "hello", result.Output)
	assert.Equal(t, 1, result.Attempts)
}

func TestExecute_UnknownToolReturnsStructuredError(t *testing.T) {
	executor, _ := newTestExecutor(t)

	result := executor.Execute(context.Background(), "nope", nil, nil, nil, CallScope{}, DefaultOptions())

	assert.False(t, result.Success)
	assert.Equal(t, ErrKindUnknownTool, result.ErrorKind)
	assert.Contains(t, result.Error, "tool not found: nope")
}

func TestExecute_ArgumentValidationFailure(t *testing.T) {
	executor, registry := newTestExecutor(t)
	require.NoError(t, registry.Register(echoTool()))

	result := executor.Execute(context.Background(), "echo",
		map[string]interface{}{"text": 42}, nil, nil, CallScope{}, DefaultOptions())

	assert.False(t, result.Success)
	assert.Equal(t, ErrKindBadArgs, result.ErrorKind)
}

func TestExecute_Timeout(t *testing.T) {
	executor, registry := newTestExecutor(t)
	require.NoError(t, registry.Register(Definition{
		Name:        "slow",
		Description: "Sleeps past the timeout",
		Handler: func(ctx context.Context, args, runCtx map[string]interface{}) (interface{}, error) {
			select {
			case <-time.After(5 * time.Second):
				return "done", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}))

	opts := Options{Timeout: 30 * time.Millisecond, MaxRetries: 0}
	result := executor.Execute(context.Background(), "slow", nil, nil, nil, CallScope{}, opts)

	assert.False(t, result.Success)
	assert.Equal(t, ErrKindTimeout, result.ErrorKind)
}

func TestExecute_RetriesUpToLimit(t *testing.T) {
	executor, registry := newTestExecutor(t)

	var calls atomic.Int32
	require.NoError(t, registry.Register(Definition{
		Name:        "flaky",
		Description: "Fails twice then succeeds",
		Retryable:   true,
		Handler: func(ctx context.Context, args, runCtx map[string]interface{}) (interface{}, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("transient")
			}
			return "ok", nil
		},
	}))

	opts := Options{Timeout: time.Second, MaxRetries: 2, RetryBackoff: time.Millisecond}
	result := executor.Execute(context.Background(), "flaky", nil, nil, nil, CallScope{}, opts)

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestExecute_FinalFailureSurfacedAfterRetries(t *testing.T) {
	executor, registry := newTestExecutor(t)

	var calls atomic.Int32
	require.NoError(t, registry.Register(Definition{
		Name:        "broken",
		Description: "Always fails",
		Retryable:   true,
		Handler: func(ctx context.Context, args, runCtx map[string]interface{}) (interface{}, error) {
			n := calls.Add(1)
			return nil, errors.New("failure " + string(rune('0'+n)))
		},
	}))

	opts := Options{Timeout: time.Second, MaxRetries: 2, RetryBackoff: time.Millisecond}
	result := executor.Execute(context.Background(), "broken", nil, nil, nil, CallScope{}, opts)

	assert.False(t, result.Success)
	assert.Equal(t, ErrKindExecution, result.ErrorKind)
	// The last failure, not an intermediate one, is what comes back
	assert.Contains(t, result.Error, "failure 3")
	assert.Equal(t, 3, result.Attempts)
}

func TestExecute_NonRetryableFailureIsNotRetried(t *testing.T) {
	executor, registry := newTestExecutor(t)

	var calls atomic.Int32
	require.NoError(t, registry.Register(Definition{
		Name:        "fatal",
		Description: "Fails without retry",
		Handler: func(ctx context.Context, args, runCtx map[string]interface{}) (interface{}, error) {
			calls.Add(1)
			return nil, errors.New("permanent")
		},
	}))

	opts := Options{Timeout: time.Second, MaxRetries: 3, RetryBackoff: time.Millisecond}
	result := executor.Execute(context.Background(), "fatal", nil, nil, nil, CallScope{}, opts)

	assert.False(t, result.Success)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecute_ContextMergeRunOverridesBase(t *testing.T) {
	executor, registry := newTestExecutor(t)

	var seen map[string]interface{}
	require.NoError(t, registry.Register(Definition{
		Name:        "capture",
		Description: "Captures its run context",
		Handler: func(ctx context.Context, args, runCtx map[string]interface{}) (interface{}, error) {
			seen = runCtx
			return "ok", nil
		},
	}))

	base := map[string]interface{}{"workspace": "base-ws", "env": "prod"}
	run := map[string]interface{}{"workspace": "run-ws"}
	scope := CallScope{CallID: "c9", RequestID: "r9", Iteration: 4}

	result := executor.Execute(context.Background(), "capture", nil, base, run, scope, DefaultOptions())

	require.True(t, result.Success)
	assert.Equal(t, "run-ws", seen["workspace"])
	assert.Equal(t, "prod", seen["env"])
	assert.Equal(t, "c9", seen["call_id"])
	assert.Equal(t, "r9", seen["request_id"])
	assert.Equal(t, 4, seen["iteration"])
}

func TestExecute_OutputTruncation(t *testing.T) {
	executor, registry := newTestExecutor(t)

	big := make([]byte, maxOutputBytes+100)
	for i := range big {
		big[i] = 'x'
	}
	require.NoError(t, registry.Register(Definition{
		Name:        "big",
		Description: "Returns oversized output",
		Handler: func(ctx context.Context, args, runCtx map[string]interface{}) (interface{}, error) {
			return string(big), nil
		},
	}))

	result := executor.Execute(context.Background(), "big", nil, nil, nil, CallScope{}, DefaultOptions())

	require.True(t, result.Success)
	assert.True(t, result.Truncated)
	assert.Contains(t, result.Output.(string), "[output truncated]")
}

func TestRegistry_WithoutRemovesTools(t *testing.T) {
	_, registry := newTestExecutor(t)
	require.NoError(t, registry.Register(echoTool()))
	require.NoError(t, registry.Register(Definition{
		Name:        "spawn_agents",
		Description: "Fan-out tool",
		Handler: func(ctx context.Context, args, runCtx map[string]interface{}) (interface{}, error) {
			return nil, nil
		},
	}))

	pruned := registry.Without("spawn_agents")

	assert.Nil(t, pruned.Get("spawn_agents"))
	assert.NotNil(t, pruned.Get("echo"))
	// Original registry unchanged
	assert.NotNil(t, registry.Get("spawn_agents"))
}

func TestMergeContext_DoesNotMutateInputs(t *testing.T) {
	base := map[string]interface{}{"a": 1}
	run := map[string]interface{}{"b": 2}

	merged := MergeContext(base, run, CallScope{CallID: "c"})
	merged["a"] = 99

	assert.Equal(t, 1, base["a"])
	assert.Len(t, base, 1)
	assert.Len(t, run, 1)
}
