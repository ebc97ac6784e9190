package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramify-ai/ramify/internal/metrics"
	"github.com/ramify-ai/ramify/internal/tracing"
	"github.com/ramify-ai/ramify/pkg/event"
	"github.com/ramify-ai/ramify/pkg/model"
	"github.com/ramify-ai/ramify/pkg/request"
	"github.com/ramify-ai/ramify/pkg/resource"
	"github.com/ramify-ai/ramify/pkg/toolexec"
)

type tracedCall struct {
	traceID   string
	runID     string
	requestID string
	depth     int
	synthesis bool
}

type fakeClient struct {
	mu          sync.Mutex
	inflight    int
	maxInflight int
	requests    []model.Request
	traces      []tracedCall
	delay       time.Duration
	respond     func(req model.Request) (*model.Response, error)
}

func (f *fakeClient) Complete(ctx context.Context, req model.Request, _ model.DeltaFunc) (*model.Response, error) {
	f.mu.Lock()
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	f.requests = append(f.requests, req)
	f.traces = append(f.traces, tracedCall{
		traceID:   tracing.GetTraceID(ctx),
		runID:     tracing.GetRunID(ctx),
		requestID: tracing.GetRequestID(ctx),
		depth:     tracing.GetDepth(ctx),
		synthesis: isSynthesis(req),
	})
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if f.respond != nil {
		return f.respond(req)
	}
	return &model.Response{CallID: req.CallID, Content: "ok"}, nil
}

func (f *fakeClient) Name() string { return "fake" }

func (f *fakeClient) recordedTraces() []tracedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]tracedCall, len(f.traces))
	copy(out, f.traces)
	return out
}

func (f *fakeClient) recorded() []model.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Request, len(f.requests))
	copy(out, f.requests)
	return out
}

func isSynthesis(req model.Request) bool {
	return len(req.Messages) > 0 && strings.HasPrefix(req.Messages[0].Content, "Synthesize a final answer")
}

type pipelineFixture struct {
	workspaces *resource.WorkspaceStore
	contexts   *resource.ContextStore
	budgets    *resource.BudgetStore
	client     *fakeClient
	registry   *toolexec.Registry
	metrics    *metrics.Metrics
}

func newFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	contexts, err := resource.NewContextStore(resource.ContextStoreConfig{
		DBPath: filepath.Join(t.TempDir(), "ctx.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { contexts.Close() })

	return &pipelineFixture{
		workspaces: resource.NewWorkspaceStore(zerolog.Nop()),
		contexts:   contexts,
		budgets:    resource.NewBudgetStore(zerolog.Nop()),
		client:     &fakeClient{},
		registry:   toolexec.NewRegistry(zerolog.Nop()),
	}
}

func (f *pipelineFixture) pipeline(t *testing.T, cfg Config) *Pipeline {
	t.Helper()

	if cfg.Chunk.Size == 0 {
		cfg.Chunk = resource.ChunkSpec{Strategy: resource.StrategyFixed, Size: 100, PreviewBytes: 20}
	}

	p, err := New(cfg, Deps{
		Workspaces: f.workspaces,
		Contexts:   f.contexts,
		Budgets:    f.budgets,
		Client:     f.client,
		Registry:   f.registry,
		Publisher:  event.NopPublisher{},
		Logger:     zerolog.Nop(),
		Metrics:    f.metrics,
	})
	require.NoError(t, err)
	return p
}

// fiveChunkBlob produces exactly five 100-byte chunks under the default
// fixture chunk spec
func fiveChunkBlob() string {
	return strings.Repeat("x", 500)
}

func TestRun_DeterministicFanOut(t *testing.T) {
	f := newFixture(t)
	f.client.delay = 30 * time.Millisecond
	f.client.respond = func(req model.Request) (*model.Response, error) {
		if isSynthesis(req) {
			return &model.Response{Content: "final synthesis"}, nil
		}
		return &model.Response{Content: "child finding"}, nil
	}

	p := f.pipeline(t, Config{MaxConcurrency: 3, Model: "test-model"})

	result, err := p.Run(context.Background(), RunInput{
		RequestID: "run-1",
		Query:     "what is in this document?",
		Blob:      fiveChunkBlob(),
	})
	require.NoError(t, err)

	assert.Equal(t, Tally{Completed: 5}, result.Tally)
	assert.Equal(t, 5, result.Tally.Total())
	assert.Equal(t, "final synthesis", result.Answer)
	assert.Len(t, result.Children, 5)
	for _, c := range result.Children {
		assert.Equal(t, "child finding", c.Answer)
		assert.False(t, c.Skipped)
	}

	assert.LessOrEqual(t, f.client.maxInflight, 3,
		"fan-out must never exceed the concurrency bound")
}

func TestRun_OwnedResourcesReleased(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, Config{Model: "test-model"})

	_, err := p.Run(context.Background(), RunInput{
		RequestID: "run-1",
		Query:     "q",
		Blob:      fiveChunkBlob(),
	})
	require.NoError(t, err)

	assert.Equal(t, 0, f.workspaces.Count())
	assert.Equal(t, 0, f.contexts.Count())
	assert.Equal(t, 0, f.budgets.Count())
}

func TestRun_CallerSuppliedResourcesRetained(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, Config{Model: "test-model"})

	wsRef, err := f.workspaces.Create("caller seed")
	require.NoError(t, err)
	ctxRef, err := f.contexts.Load(fiveChunkBlob())
	require.NoError(t, err)

	_, err = p.Run(context.Background(), RunInput{
		RequestID:    "run-1",
		Query:        "q",
		WorkspaceRef: wsRef,
		ContextRef:   ctxRef,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, f.workspaces.Count(), "caller workspace must survive the run")
	assert.Equal(t, 1, f.contexts.Count(), "caller context must survive the run")
	assert.Equal(t, 0, f.budgets.Count(), "budget is always pipeline-owned")
}

func TestRun_ChildLimitSkipsRemainder(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, Config{Model: "test-model", MaxChildrenTotal: 2, MaxConcurrency: 1})

	result, err := p.Run(context.Background(), RunInput{
		RequestID: "run-1",
		Query:     "q",
		Blob:      fiveChunkBlob(),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Tally.Completed)
	assert.Equal(t, 3, result.Tally.Skipped)
	assert.Equal(t, 0, result.Tally.Errors)
	assert.Equal(t, 5, result.Tally.Total())

	skipped := 0
	for _, c := range result.Children {
		if c.Skipped {
			skipped++
			assert.NotEmpty(t, c.Error)
		}
	}
	assert.Equal(t, 3, skipped)

	assert.NotEmpty(t, result.Answer, "synthesis must still run over partial results")
}

func TestRun_ChildErrorCounted(t *testing.T) {
	f := newFixture(t)
	calls := 0
	var mu sync.Mutex
	f.client.respond = func(req model.Request) (*model.Response, error) {
		if isSynthesis(req) {
			return &model.Response{Content: "partial synthesis"}, nil
		}
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return nil, errors.New("provider unavailable")
		}
		return &model.Response{Content: "child finding"}, nil
	}

	p := f.pipeline(t, Config{Model: "test-model", MaxConcurrency: 1})

	result, err := p.Run(context.Background(), RunInput{
		RequestID: "run-1",
		Query:     "q",
		Blob:      fiveChunkBlob(),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Tally.Errors)
	assert.Equal(t, 4, result.Tally.Completed)
	assert.Equal(t, 5, result.Tally.Total())
	assert.Equal(t, "partial synthesis", result.Answer)
}

func TestRun_TokenBudgetNeverOvershoots(t *testing.T) {
	f := newFixture(t)
	f.client.respond = func(req model.Request) (*model.Response, error) {
		if isSynthesis(req) {
			return &model.Response{Content: "done"}, nil
		}
		return &model.Response{
			Content: "child finding",
			Usage:   &model.Usage{InputTokens: 80, OutputTokens: 20, TotalTokens: 100},
		}, nil
	}

	p := f.pipeline(t, Config{Model: "test-model", MaxConcurrency: 1, TokenBudget: 150})

	result, err := p.Run(context.Background(), RunInput{
		RequestID: "run-1",
		Query:     "q",
		Blob:      fiveChunkBlob(),
	})
	require.NoError(t, err)

	assert.LessOrEqual(t, result.Budget.TokensConsumed, int64(150),
		"the crossing charge must be rejected, not clamped in")
	assert.Equal(t, 5, result.Tally.Total())
	assert.Greater(t, result.Tally.Skipped, 0,
		"budget exhaustion must stop further spawning")
}

func TestRun_DepthLimitPrunesSpawnTools(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{ToolSpawn, ToolPlan, "read_file"} {
		require.NoError(t, f.registry.Register(toolexec.Definition{
			Name:        name,
			Description: "test tool",
			Handler: func(_ context.Context, _, _ map[string]interface{}) (interface{}, error) {
				return "ok", nil
			},
		}))
	}

	p := f.pipeline(t, Config{Model: "test-model", MaxDepth: 1})

	_, err := p.Run(context.Background(), RunInput{
		RequestID: "run-1",
		Query:     "q",
		Blob:      fiveChunkBlob(),
		Depth:     0,
	})
	require.NoError(t, err)

	for _, req := range f.client.recorded() {
		if isSynthesis(req) {
			assert.Empty(t, req.Tools, "synthesis advertises no tools")
			continue
		}
		names := make([]string, 0, len(req.Tools))
		for _, tool := range req.Tools {
			names = append(names, tool.Name)
		}
		assert.NotContains(t, names, ToolSpawn)
		assert.NotContains(t, names, ToolPlan)
		assert.Contains(t, names, "read_file")
	}
}

func TestRun_DynamicPlanGroupsChunks(t *testing.T) {
	f := newFixture(t)

	p, err := New(Config{
		Model: "test-model",
		Chunk: resource.ChunkSpec{Strategy: resource.StrategyFixed, Size: 100, PreviewBytes: 20},
		Mode:  ModePlanOnly,
	}, Deps{
		Workspaces: f.workspaces,
		Contexts:   f.contexts,
		Budgets:    f.budgets,
		Client:     f.client,
		Registry:   f.registry,
		Planner:    NewYaegiPlanner(5*time.Second, 0, zerolog.Nop()),
		Publisher:  event.NopPublisher{},
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)

	script := `
func BuildPlan(previews []string) string {
	return "[{\"chunks\":[0,1,2],\"query\":\"first section\"},{\"chunks\":[3,4],\"query\":\"second section\"}]"
}
`
	result, err := p.Run(context.Background(), RunInput{
		RequestID:  "run-1",
		Query:      "q",
		Blob:       fiveChunkBlob(),
		PlanScript: script,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Tally.Total(), "plan groups replace per-chunk fan-out")
	assert.Equal(t, 2, result.Tally.Completed)
	require.Len(t, result.Children, 2)
	assert.Len(t, result.Children[0].ChunkIDs, 3)
	assert.Equal(t, "first section", result.Children[0].Query)
	assert.Len(t, result.Children[1].ChunkIDs, 2)
}

func TestRun_PlanOnlyWithoutScriptFails(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, Config{Model: "test-model", Mode: ModePlanOnly})

	_, err := p.Run(context.Background(), RunInput{
		RequestID: "run-1",
		Query:     "q",
		Blob:      fiveChunkBlob(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a plan script")

	assert.Equal(t, 0, f.workspaces.Count(), "failed runs must not leak resources")
	assert.Equal(t, 0, f.budgets.Count())
}

func TestRun_CancellationPropagatesToChildren(t *testing.T) {
	f := newFixture(t)
	f.client.delay = 5 * time.Second

	p := f.pipeline(t, Config{Model: "test-model", MaxConcurrency: 2})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	result, err := p.Run(ctx, RunInput{
		RequestID: "run-1",
		Query:     "q",
		Blob:      fiveChunkBlob(),
	})
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 3*time.Second, "cancellation must not wait out child delays")
	if err == nil {
		assert.Equal(t, 5, result.Tally.Total())
	}

	assert.Equal(t, 0, f.workspaces.Count(), "owned resources released on cancellation")
	assert.Equal(t, 0, f.budgets.Count())
}

func TestRun_ChildTimeoutIndependent(t *testing.T) {
	f := newFixture(t)
	f.client.delay = 200 * time.Millisecond
	f.client.respond = func(req model.Request) (*model.Response, error) {
		if isSynthesis(req) {
			return &model.Response{Content: "done"}, nil
		}
		return &model.Response{Content: "finding"}, nil
	}

	p := f.pipeline(t, Config{
		Model:          "test-model",
		MaxConcurrency: 5,
		ChildTimeout:   50 * time.Millisecond,
		Chunk:          resource.ChunkSpec{Strategy: resource.StrategyFixed, Size: 500, PreviewBytes: 20},
	})

	result, err := p.Run(context.Background(), RunInput{
		RequestID: "run-1",
		Query:     "q",
		Blob:      fiveChunkBlob(),
	})

	// The child exceeds its timeout; synthesis has no delay constraint beyond
	// the same fake delay, so the run itself still concludes.
	if err != nil {
		assert.Contains(t, err.Error(), "synthesis")
		return
	}
	require.Equal(t, 1, result.Tally.Total())
	assert.Equal(t, 1, result.Tally.Errors)
}

func TestTally_Total(t *testing.T) {
	assert.Equal(t, 6, Tally{Completed: 3, Errors: 2, Skipped: 1}.Total())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, Deps{})
	require.Error(t, err)

	f := newFixture(t)
	_, err = New(Config{}, Deps{
		Workspaces: f.workspaces,
		Contexts:   f.contexts,
		Budgets:    f.budgets,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model client")
}

func TestRun_RequiresQueryAndContent(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, Config{Model: "test-model"})

	_, err := p.Run(context.Background(), RunInput{RequestID: "r"})
	require.Error(t, err)

	_, err = p.Run(context.Background(), RunInput{RequestID: "r", Query: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blob")
}

func TestRun_ChildResultsRecordedInWorkspace(t *testing.T) {
	f := newFixture(t)
	var captured string
	f.client.respond = func(req model.Request) (*model.Response, error) {
		if isSynthesis(req) {
			captured = req.Messages[0].Content
			return &model.Response{Content: "done"}, nil
		}
		return &model.Response{Content: "notable finding"}, nil
	}

	p := f.pipeline(t, Config{Model: "test-model"})

	_, err := p.Run(context.Background(), RunInput{
		RequestID: "run-1",
		Query:     "q",
		Blob:      fiveChunkBlob(),
	})
	require.NoError(t, err)

	assert.Contains(t, captured, "notable finding",
		"synthesis prompt must carry the workspace findings")
	assert.Contains(t, captured, "5 completed")
}

func TestRun_ChildTimeoutScenarioTally(t *testing.T) {
	f := newFixture(t)
	f.client.respond = func(req model.Request) (*model.Response, error) {
		if isSynthesis(req) {
			return &model.Response{Content: "done"}, nil
		}
		return nil, fmt.Errorf("deadline blew: %w", context.DeadlineExceeded)
	}

	p := f.pipeline(t, Config{Model: "test-model"})

	result, err := p.Run(context.Background(), RunInput{
		RequestID: "run-1",
		Query:     "q",
		Blob:      fiveChunkBlob(),
	})
	require.NoError(t, err)

	assert.Equal(t, 5, result.Tally.Errors)
	assert.Equal(t, 5, result.Tally.Total())
	assert.Equal(t, "done", result.Answer)
}

func TestRun_RecordsMetrics(t *testing.T) {
	f := newFixture(t)
	f.metrics = metrics.New()
	f.client.respond = func(req model.Request) (*model.Response, error) {
		if isSynthesis(req) {
			return &model.Response{Content: "done"}, nil
		}
		return &model.Response{
			Content: "finding",
			Usage:   &model.Usage{InputTokens: 8, OutputTokens: 2, TotalTokens: 10},
		}, nil
	}

	p := f.pipeline(t, Config{Model: "test-model"})

	result, err := p.Run(context.Background(), RunInput{
		RequestID: "req-metrics",
		Query:     "what changed",
		Blob:      fiveChunkBlob(),
	})
	require.NoError(t, err)
	require.Equal(t, Tally{Completed: 5}, result.Tally)

	m := f.metrics
	assert.Equal(t, float64(5), testutil.ToFloat64(m.ChildrenSpawnedTotal))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ChildrenSkippedTotal))
	assert.Equal(t, float64(5), testutil.ToFloat64(m.ChildOutcomesTotal.WithLabelValues("completed")))
	assert.Equal(t, float64(50), testutil.ToFloat64(m.TokensChargedTotal))

	// Five children plus the synthesis pass
	completed := m.RequestsTotal.WithLabelValues(
		string(request.StatusCompleted), string(request.TerminationFinalAnswer))
	assert.Equal(t, float64(6), testutil.ToFloat64(completed))
}

func TestRun_BudgetDenialRecordsMetrics(t *testing.T) {
	f := newFixture(t)
	f.metrics = metrics.New()
	f.client.respond = func(req model.Request) (*model.Response, error) {
		if isSynthesis(req) {
			return &model.Response{Content: "done"}, nil
		}
		return &model.Response{
			Content: "finding",
			Usage:   &model.Usage{InputTokens: 80, OutputTokens: 20, TotalTokens: 100},
		}, nil
	}

	p := f.pipeline(t, Config{Model: "test-model", MaxConcurrency: 1, TokenBudget: 150})

	result, err := p.Run(context.Background(), RunInput{
		RequestID: "req-denial",
		Query:     "what changed",
		Blob:      fiveChunkBlob(),
	})
	require.NoError(t, err)
	require.Greater(t, result.Tally.Skipped, 0)

	m := f.metrics
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.BudgetDenialsTotal.WithLabelValues("tokens")), float64(1))
	assert.Equal(t, float64(result.Tally.Skipped),
		testutil.ToFloat64(m.ChildOutcomesTotal.WithLabelValues("skipped")))
}

func TestRun_PropagatesTraceToChildren(t *testing.T) {
	f := newFixture(t)
	f.client.respond = func(req model.Request) (*model.Response, error) {
		if isSynthesis(req) {
			return &model.Response{Content: "done"}, nil
		}
		return &model.Response{Content: "finding"}, nil
	}

	p := f.pipeline(t, Config{Model: "test-model"})

	ctx := tracing.WithTraceID(context.Background(), "trace-root")
	_, err := p.Run(ctx, RunInput{
		RequestID: "req-trace",
		Query:     "what changed",
		Blob:      fiveChunkBlob(),
	})
	require.NoError(t, err)

	runIDs := make(map[string]bool)
	childCalls := 0
	for _, call := range f.client.recordedTraces() {
		if call.synthesis {
			continue
		}
		childCalls++
		assert.Equal(t, "trace-root", call.traceID)
		assert.Equal(t, 1, call.depth)
		assert.True(t, strings.HasPrefix(call.requestID, "req-trace:child-"), call.requestID)
		require.NotEmpty(t, call.runID)
		runIDs[call.runID] = true
	}
	assert.Equal(t, 5, childCalls)
	assert.Len(t, runIDs, 5, "each child gets a fresh run id")
}
