package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// DefaultPlanTimeout bounds one plan evaluation
const DefaultPlanTimeout = 5 * time.Second

// planFuncName is the entry point a plan script must define:
//
//	func BuildPlan(previews []string) string
//
// It receives the chunk previews in index order and returns a JSON array of
// {"chunks": [indices], "query": "..."} groups.
const planFuncName = "main.BuildPlan"

// YaegiPlanner evaluates a model-supplied Go snippet in an embedded
// interpreter to produce an irregular fan-out plan. The snippet runs with a
// stdlib import whitelist and a hard timeout; it has no filesystem, network,
// or exec access.
type YaegiPlanner struct {
	allowed   map[string]bool
	timeout   time.Duration
	maxGroups int
	logger    zerolog.Logger
}

// NewYaegiPlanner creates a planner with the default package whitelist.
// maxGroups <= 0 leaves the group count uncapped.
func NewYaegiPlanner(timeout time.Duration, maxGroups int, logger zerolog.Logger) *YaegiPlanner {
	if timeout <= 0 {
		timeout = DefaultPlanTimeout
	}
	return &YaegiPlanner{
		allowed: map[string]bool{
			"strings":       true,
			"strconv":       true,
			"fmt":           true,
			"math":          true,
			"regexp":        true,
			"encoding/json": true,
			"sort":          true,
			"unicode":       true,
		},
		timeout:   timeout,
		maxGroups: maxGroups,
		logger:    logger,
	}
}

type planGroup struct {
	Chunks []int  `json:"chunks"`
	Query  string `json:"query"`
}

// Plan validates the script's imports, evaluates it under the timeout, and
// converts the returned JSON groups into chunk-id queries.
func (p *YaegiPlanner) Plan(ctx context.Context, in PlanInput) ([]ChunkQuery, error) {
	if strings.TrimSpace(in.Script) == "" {
		return nil, fmt.Errorf("plan script is empty")
	}
	if err := p.validateImports(in.Script); err != nil {
		return nil, fmt.Errorf("plan rejected: %w", err)
	}

	previews := make([]string, len(in.Chunks))
	for i, c := range in.Chunks {
		previews[i] = c.Preview
	}

	raw, err := p.eval(ctx, in.Script, previews)
	if err != nil {
		return nil, err
	}

	var parsed []planGroup
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("plan output is not valid JSON: %w", err)
	}

	groups := make([]ChunkQuery, 0, len(parsed))
	for gi, g := range parsed {
		ids := make([]string, 0, len(g.Chunks))
		for _, idx := range g.Chunks {
			if idx < 0 || idx >= len(in.Chunks) {
				return nil, fmt.Errorf("group %d references chunk index %d out of range", gi, idx)
			}
			ids = append(ids, in.Chunks[idx].ID)
		}
		groups = append(groups, ChunkQuery{ChunkIDs: ids, Query: g.Query})
	}

	if err := validatePlan(groups, in.Chunks, p.maxGroups); err != nil {
		return nil, err
	}

	p.logger.Debug().Int("groups", len(groups)).Msg("Plan script accepted")
	return groups, nil
}

func (p *YaegiPlanner) eval(ctx context.Context, script string, previews []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type evalResult struct {
		out string
		err error
	}
	done := make(chan evalResult, 1)

	go func() {
		i := interp.New(interp.Options{})
		if err := i.Use(stdlib.Symbols); err != nil {
			done <- evalResult{err: fmt.Errorf("failed to load stdlib symbols: %w", err)}
			return
		}

		if _, err := i.Eval(wrapScript(script)); err != nil {
			done <- evalResult{err: fmt.Errorf("plan evaluation failed: %w", err)}
			return
		}

		v, err := i.Eval(planFuncName)
		if err != nil {
			done <- evalResult{err: fmt.Errorf("BuildPlan not found: %w", err)}
			return
		}
		fn, ok := v.Interface().(func([]string) string)
		if !ok {
			done <- evalResult{err: fmt.Errorf("BuildPlan has the wrong signature, want func([]string) string")}
			return
		}

		done <- evalResult{out: fn(previews)}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("plan evaluation timed out: %w", ctx.Err())
	}
}

func (p *YaegiPlanner) validateImports(script string) error {
	var forbidden []string
	inBlock := false

	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "import (") {
			inBlock = true
			continue
		}
		if inBlock && strings.HasPrefix(trimmed, ")") {
			inBlock = false
			continue
		}

		var pkg string
		switch {
		case inBlock && trimmed != "":
			pkg = strings.Trim(trimmed, `"`)
		case strings.HasPrefix(trimmed, "import "):
			pkg = strings.Trim(strings.TrimPrefix(trimmed, "import "), `"`)
		default:
			continue
		}

		if !p.allowed[pkg] {
			forbidden = append(forbidden, pkg)
		}
	}

	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports: %v", forbidden)
	}
	return nil
}

func wrapScript(script string) string {
	if strings.Contains(script, "package main") {
		return script
	}
	return "package main\n\n" + script
}
