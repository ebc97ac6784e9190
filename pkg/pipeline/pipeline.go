// Package pipeline fans a large-context request out into bounded-concurrency
// child requests and synthesizes their results. Each child runs its own
// state machine over one chunk group; shared progress lives in a workspace
// and spending is governed by an atomic budget.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/ramify-ai/ramify/internal/metrics"
	"github.com/ramify-ai/ramify/internal/tracing"
	"github.com/ramify-ai/ramify/pkg/event"
	"github.com/ramify-ai/ramify/pkg/model"
	"github.com/ramify-ai/ramify/pkg/reaper"
	"github.com/ramify-ai/ramify/pkg/request"
	"github.com/ramify-ai/ramify/pkg/resource"
	"github.com/ramify-ai/ramify/pkg/toolexec"
)

// Mode selects how fan-out groups are produced
type Mode string

const (
	// ModeAuto uses a plan script when one is supplied, deterministic
	// chunking otherwise
	ModeAuto Mode = "auto"
	// ModePlanOnly requires a plan script and rejects runs without one
	ModePlanOnly Mode = "plan_only"
	// ModeSpawnOnly always chunks deterministically, ignoring plan scripts
	ModeSpawnOnly Mode = "spawn_only"
)

// Tool names stripped from children at the depth limit
const (
	ToolSpawn = "spawn"
	ToolPlan  = "plan"
)

// DefaultMaxConcurrency bounds sibling children when unconfigured
const DefaultMaxConcurrency = 10

// Config holds the per-pipeline settings
type Config struct {
	Mode               Mode
	MaxConcurrency     int
	MaxDepth           int
	ChildTimeout       time.Duration
	ChildMaxIterations int
	MaxChildrenTotal   int
	TokenBudget        int64
	ResourceTTL        time.Duration
	Chunk              resource.ChunkSpec
	Model              string
	SynthesisMaxChars  int
}

// Deps are the collaborators a pipeline runs against
type Deps struct {
	Workspaces *resource.WorkspaceStore
	Contexts   *resource.ContextStore
	Budgets    *resource.BudgetStore
	Reaper     *reaper.Reaper
	Client     model.Client
	Registry   *toolexec.Registry
	Planner    Planner
	Publisher  event.Publisher
	ToolOpts   toolexec.Options
	Logger     zerolog.Logger

	// Metrics, when set, receives fan-out, budget, and request counters
	Metrics *metrics.Metrics
}

// RunInput is one pipeline invocation
type RunInput struct {
	RequestID string
	Query     string

	// Blob is the raw context content; ignored when ContextRef is set
	Blob string

	// ContextRef and WorkspaceRef are caller-supplied resources the
	// pipeline uses but does not own
	ContextRef   resource.Ref
	WorkspaceRef resource.Ref

	// PlanScript is the fan-out plan source for dynamic modes
	PlanScript string

	// Depth is the recursion depth of the requester; children run at
	// Depth+1
	Depth int
}

// Tally counts child outcomes of one fan-out
type Tally struct {
	Completed int `json:"completed"`
	Errors    int `json:"errors"`
	Skipped   int `json:"skipped"`
}

// Total returns the child count the tally accounts for
func (t Tally) Total() int {
	return t.Completed + t.Errors + t.Skipped
}

// ChildOutcome records one child's result
type ChildOutcome struct {
	Index     int      `json:"index"`
	RequestID string   `json:"request_id"`
	ChunkIDs  []string `json:"chunk_ids"`
	Query     string   `json:"query"`
	Answer    string   `json:"answer,omitempty"`
	Error     string   `json:"error,omitempty"`
	Skipped   bool     `json:"skipped,omitempty"`
}

// RunResult is the outcome of one pipeline run
type RunResult struct {
	Answer   string
	Tally    Tally
	Children []ChildOutcome
	Budget   resource.BudgetSnapshot
}

// Pipeline orchestrates chunk, fan-out, and synthesis for one request class
type Pipeline struct {
	cfg        Config
	workspaces *resource.WorkspaceStore
	contexts   *resource.ContextStore
	budgets    *resource.BudgetStore
	reaper     *reaper.Reaper
	client     model.Client
	registry   *toolexec.Registry
	planner    Planner
	publisher  event.Publisher
	toolOpts   toolexec.Options
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

// New creates a pipeline. Planner defaults to FixedPlanner, which only
// serves deterministic runs; dynamic modes need a script planner.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Workspaces == nil || deps.Contexts == nil || deps.Budgets == nil {
		return nil, fmt.Errorf("workspace, context, and budget stores are required")
	}
	if deps.Client == nil {
		return nil, fmt.Errorf("model client is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if deps.Publisher == nil {
		deps.Publisher = event.NopPublisher{}
	}
	if deps.Planner == nil {
		deps.Planner = FixedPlanner{}
	}

	if cfg.Mode == "" {
		cfg.Mode = ModeAuto
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.ChildMaxIterations <= 0 {
		cfg.ChildMaxIterations = request.DefaultMaxIterations
	}
	if cfg.SynthesisMaxChars <= 0 {
		cfg.SynthesisMaxChars = 4000
	}

	return &Pipeline{
		cfg:        cfg,
		workspaces: deps.Workspaces,
		contexts:   deps.Contexts,
		budgets:    deps.Budgets,
		reaper:     deps.Reaper,
		client:     deps.Client,
		registry:   deps.Registry,
		planner:    deps.Planner,
		publisher:  deps.Publisher,
		toolOpts:   deps.ToolOpts,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
	}, nil
}

// Run executes one pipeline pass: resource creation, chunking, planning,
// bounded fan-out, synthesis, and cleanup of owned resources. Resources the
// caller supplied are left alone.
func (p *Pipeline) Run(ctx context.Context, in RunInput) (*RunResult, error) {
	if in.Query == "" {
		return nil, fmt.Errorf("query is required")
	}

	wsRef, ctxRef, budgetRef, owned, err := p.acquireResources(in)
	if err != nil {
		return nil, err
	}
	defer p.releaseResources(owned)

	chunks, projID, err := p.contexts.Chunk(ctxRef, p.cfg.Chunk)
	if err != nil {
		return nil, fmt.Errorf("failed to chunk context: %w", err)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("context produced no chunks")
	}

	groups, err := p.plan(ctx, in, chunks)
	if err != nil {
		return nil, err
	}

	p.logger.Info().
		Str("request_id", in.RequestID).
		Int("chunks", len(chunks)).
		Int("groups", len(groups)).
		Str("mode", string(p.cfg.Mode)).
		Msg("Fan-out starting")

	tally, outcomes := p.fanOut(ctx, in, groups, fanOutRefs{
		workspace:  wsRef,
		context:    ctxRef,
		budget:     budgetRef,
		projection: projID,
	})

	answer, err := p.synthesize(ctx, in, wsRef, tally)
	if err != nil {
		return nil, err
	}

	snapshot, _ := p.budgets.Snapshot(budgetRef)

	return &RunResult{
		Answer:   answer,
		Tally:    tally,
		Children: outcomes,
		Budget:   snapshot,
	}, nil
}

// acquireResources resolves the workspace, context, and budget for one run,
// creating what the caller did not supply. Created refs are owned and
// tracked with the reaper as a backstop against abandoned runs.
func (p *Pipeline) acquireResources(in RunInput) (ws, ctxRef, budget resource.Ref, owned []resource.Ref, err error) {
	track := func(ref resource.Ref) {
		owned = append(owned, ref)
		if p.reaper != nil && p.cfg.ResourceTTL > 0 {
			p.reaper.Track(ref, p.cfg.ResourceTTL)
		}
	}

	ws = in.WorkspaceRef
	if ws.IsZero() {
		ws, err = p.workspaces.Create(fmt.Sprintf("Exploration of: %s", in.Query))
		if err != nil {
			return ws, ctxRef, budget, owned, fmt.Errorf("failed to create workspace: %w", err)
		}
		track(ws)
	}

	ctxRef = in.ContextRef
	if ctxRef.IsZero() {
		if in.Blob == "" {
			p.releaseResources(owned)
			return ws, ctxRef, budget, nil, fmt.Errorf("either a context ref or a blob is required")
		}
		ctxRef, err = p.contexts.Load(in.Blob)
		if err != nil {
			p.releaseResources(owned)
			return ws, ctxRef, budget, nil, fmt.Errorf("failed to load context: %w", err)
		}
		track(ctxRef)
	}

	budget, err = p.budgets.Create(p.cfg.MaxChildrenTotal, p.cfg.TokenBudget)
	if err != nil {
		p.releaseResources(owned)
		return ws, ctxRef, budget, nil, fmt.Errorf("failed to create budget: %w", err)
	}
	track(budget)

	return ws, ctxRef, budget, owned, nil
}

func (p *Pipeline) releaseResources(owned []resource.Ref) {
	for _, ref := range owned {
		var err error
		switch ref.Kind {
		case resource.KindWorkspace:
			err = p.workspaces.Delete(ref)
		case resource.KindContext:
			err = p.contexts.Delete(ref)
		case resource.KindBudget:
			err = p.budgets.Delete(ref)
		}
		if err != nil {
			p.logger.Warn().Err(err).Str("ref", ref.String()).Msg("Failed to release resource")
		}
		if p.reaper != nil {
			p.reaper.Untrack(ref)
		}
	}
}

func (p *Pipeline) plan(ctx context.Context, in RunInput, chunks []resource.ChunkInfo) ([]ChunkQuery, error) {
	input := PlanInput{Query: in.Query, Chunks: chunks, Script: in.PlanScript}

	switch p.cfg.Mode {
	case ModeSpawnOnly:
		return FixedPlanner{}.Plan(ctx, input)
	case ModePlanOnly:
		if in.PlanScript == "" {
			return nil, fmt.Errorf("mode %s requires a plan script", ModePlanOnly)
		}
		return p.planner.Plan(ctx, input)
	default:
		if in.PlanScript != "" {
			return p.planner.Plan(ctx, input)
		}
		return FixedPlanner{}.Plan(ctx, input)
	}
}

type fanOutRefs struct {
	workspace  resource.Ref
	context    resource.Ref
	budget     resource.Ref
	projection string
}

// fanOut runs one child per group under the concurrency bound. Child
// admission is sequential: every child registers against the budget before
// it is launched, and the first budget rejection skips all remaining
// children. The returned tally always accounts for every group.
func (p *Pipeline) fanOut(ctx context.Context, in RunInput, groups []ChunkQuery, refs fanOutRefs) (Tally, []ChildOutcome) {
	outcomes := make([]ChildOutcome, len(groups))

	sem := semaphore.NewWeighted(int64(p.cfg.MaxConcurrency))
	var wg sync.WaitGroup
	var tallyMu sync.Mutex
	var tally Tally
	var budgetStop atomic.Bool

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Admission runs on this goroutine while children finish on theirs, so
	// every tally write takes the lock
	bump := func(counter *int) {
		tallyMu.Lock()
		*counter++
		tallyMu.Unlock()
	}

	stopped := false
	for i, group := range groups {
		if budgetStop.Load() {
			stopped = true
		}
		outcomes[i] = ChildOutcome{
			Index:     i,
			RequestID: fmt.Sprintf("%s:child-%d", in.RequestID, i),
			ChunkIDs:  group.ChunkIDs,
			Query:     group.Query,
		}

		if stopped {
			outcomes[i].Skipped = true
			outcomes[i].Error = "skipped: budget exhausted"
			bump(&tally.Skipped)
			p.countSkipped()
			continue
		}

		if err := p.budgets.RegisterChild(refs.budget); err != nil {
			p.logger.Warn().Err(err).
				Str("request_id", in.RequestID).
				Int("child", i).
				Msg("Child skipped, no further children will spawn")
			outcomes[i].Skipped = true
			outcomes[i].Error = err.Error()
			bump(&tally.Skipped)
			p.countSkipped()
			if p.metrics != nil {
				p.metrics.BudgetDenialsTotal.WithLabelValues("children").Inc()
			}
			stopped = true
			continue
		}

		if err := sem.Acquire(execCtx, 1); err != nil {
			outcomes[i].Error = fmt.Sprintf("cancelled before start: %v", err)
			bump(&tally.Errors)
			p.countChildOutcome("error")
			continue
		}

		// The flag may have been raised while this slot waited
		if budgetStop.Load() {
			sem.Release(1)
			outcomes[i].Skipped = true
			outcomes[i].Error = "skipped: budget exhausted"
			bump(&tally.Skipped)
			p.countSkipped()
			stopped = true
			continue
		}

		if p.metrics != nil {
			p.metrics.ChildrenSpawnedTotal.Inc()
		}
		wg.Add(1)
		go func(idx int, g ChunkQuery) {
			defer wg.Done()
			defer sem.Release(1)

			answer, err := p.runChild(execCtx, in, g, refs, outcomes[idx].RequestID, &budgetStop)

			tallyMu.Lock()
			defer tallyMu.Unlock()
			if err != nil {
				outcomes[idx].Error = err.Error()
				tally.Errors++
				p.countChildOutcome("error")
				p.noteOutcome(refs.workspace, outcomes[idx].RequestID, fmt.Sprintf("child failed: %v", err))
				return
			}
			outcomes[idx].Answer = answer
			tally.Completed++
			p.countChildOutcome("completed")
		}(i, group)
	}

	wg.Wait()
	return tally, outcomes
}

// runChild executes one child request over its chunk group. Tokens the
// child's model calls consume are charged to the shared budget; crossing the
// budget cancels the child.
func (p *Pipeline) runChild(ctx context.Context, in RunInput, group ChunkQuery, refs fanOutRefs, requestID string, budgetStop *atomic.Bool) (string, error) {
	ctx = tracing.PropagateToChild(ctx, requestID)
	logger := tracing.PropagateToLogger(ctx, p.logger)

	if p.cfg.ChildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ChildTimeout)
		defer cancel()
	}

	content, err := p.readGroup(refs, group)
	if err != nil {
		return "", err
	}

	childDepth := in.Depth + 1
	registry := p.registry
	if p.cfg.MaxDepth > 0 && childDepth >= p.cfg.MaxDepth {
		registry = registry.Without(ToolSpawn, ToolPlan)
	}

	machine := request.NewMachine(request.Config{
		MaxIterations: p.cfg.ChildMaxIterations,
		Model:         p.cfg.Model,
		BaseToolContext: map[string]interface{}{
			"workspace_ref": refs.workspace.ID,
			"context_ref":   refs.context.ID,
			"depth":         childDepth,
		},
	}, logger.With().Str("child", requestID).Logger())

	childCtx, cancelChild := context.WithCancel(ctx)
	defer cancelChild()

	charger := &budgetCharger{
		inner:      p.publisher,
		budgets:    p.budgets,
		ref:        refs.budget,
		cancel:     cancelChild,
		onExceeded: func() { budgetStop.Store(true) },
		metrics:    p.metrics,
	}

	runner := NewRunner(p.client, toolexec.NewExecutor(registry, logger), charger, p.toolOpts, p.metrics, logger)

	prompt := fmt.Sprintf("%s\n\nRelevant content:\n%s", group.Query, content)
	answer, err := runner.Run(childCtx, machine, prompt, requestID)
	if err != nil {
		if exceeded := charger.exceeded(); exceeded != nil {
			return "", fmt.Errorf("child %s stopped: %w", requestID, exceeded)
		}
		return "", err
	}

	if noteErr := p.workspaces.Append(refs.workspace, resource.Entry{
		Kind:    resource.EntryResult,
		Source:  requestID,
		Content: answer,
	}); noteErr != nil {
		p.logger.Warn().Err(noteErr).Str("child", requestID).Msg("Failed to record child result")
	}

	return answer, nil
}

func (p *Pipeline) readGroup(refs fanOutRefs, group ChunkQuery) (string, error) {
	var parts []string
	for _, id := range group.ChunkIDs {
		content, err := p.contexts.ReadChunk(refs.context, refs.projection, id)
		if err != nil {
			return "", fmt.Errorf("failed to read chunk %s: %w", id, err)
		}
		parts = append(parts, content)
	}
	return strings.Join(parts, "\n\n"), nil
}

func (p *Pipeline) noteOutcome(ws resource.Ref, source, content string) {
	if err := p.workspaces.AppendNote(ws, source, content); err != nil {
		p.logger.Warn().Err(err).Str("source", source).Msg("Failed to record outcome note")
	}
}

// synthesize runs one final reasoning pass over the workspace summary and
// the outcome tally, with no tools advertised. A single iteration is allowed
// so the pass terminates regardless of what the model returns.
func (p *Pipeline) synthesize(ctx context.Context, in RunInput, ws resource.Ref, tally Tally) (string, error) {
	summary, err := p.workspaces.Summarize(ws, p.cfg.SynthesisMaxChars)
	if err != nil {
		return "", fmt.Errorf("failed to summarize workspace: %w", err)
	}

	prompt := fmt.Sprintf(
		"Synthesize a final answer to the question below from the collected findings.\n\n"+
			"Question: %s\n\n"+
			"Findings:\n%s\n\n"+
			"Sub-request outcomes: %d completed, %d failed, %d skipped.",
		in.Query, summary, tally.Completed, tally.Errors, tally.Skipped)

	machine := request.NewMachine(request.Config{
		MaxIterations: 1,
		Model:         p.cfg.Model,
	}, p.logger.With().Str("phase", "synthesis").Logger())

	runner := NewRunner(p.client, toolexec.NewExecutor(toolexec.NewRegistry(p.logger), p.logger), p.publisher, p.toolOpts, p.metrics, p.logger)

	answer, err := runner.Run(ctx, machine, prompt, in.RequestID+":synthesis")
	if err != nil {
		return "", fmt.Errorf("synthesis failed: %w", err)
	}
	return answer, nil
}

func (p *Pipeline) countChildOutcome(outcome string) {
	if p.metrics != nil {
		p.metrics.ChildOutcomesTotal.WithLabelValues(outcome).Inc()
	}
}

func (p *Pipeline) countSkipped() {
	if p.metrics != nil {
		p.metrics.ChildrenSkippedTotal.Inc()
	}
	p.countChildOutcome("skipped")
}

// budgetCharger forwards notifications and charges usage tokens to the
// shared budget. A token-budget rejection cancels its child and flags the
// fan-out so no further children spawn.
type budgetCharger struct {
	inner      event.Publisher
	budgets    *resource.BudgetStore
	ref        resource.Ref
	cancel     context.CancelFunc
	onExceeded func()
	metrics    *metrics.Metrics

	mu  sync.Mutex
	err error
}

func (b *budgetCharger) Publish(n event.Notification) {
	b.inner.Publish(n)

	if n.Type != event.NotifyUsage || n.TotalTokens <= 0 {
		return
	}

	if err := b.budgets.AddTokens(b.ref, int64(n.TotalTokens)); err != nil {
		b.mu.Lock()
		if b.err == nil {
			b.err = err
		}
		b.mu.Unlock()
		if errors.Is(err, resource.ErrTokenBudgetExceeded) {
			if b.metrics != nil {
				b.metrics.BudgetDenialsTotal.WithLabelValues("tokens").Inc()
			}
			b.cancel()
			if b.onExceeded != nil {
				b.onExceeded()
			}
		}
		return
	}
	if b.metrics != nil {
		b.metrics.TokensChargedTotal.Add(float64(n.TotalTokens))
	}
}

func (b *budgetCharger) exceeded() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}
