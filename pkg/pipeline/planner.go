package pipeline

import (
	"context"
	"fmt"

	"github.com/ramify-ai/ramify/pkg/resource"
)

// ChunkQuery is one fan-out group: the chunks a child reads and the question
// it answers over them.
type ChunkQuery struct {
	ChunkIDs []string `json:"chunk_ids"`
	Query    string   `json:"query"`
}

// PlanInput is what a planner sees: the chunk descriptors of the projection,
// the parent query, and (for script planners) the plan source submitted by
// the model.
type PlanInput struct {
	Query  string
	Chunks []resource.ChunkInfo
	Script string
}

// Planner produces the fan-out groups for one pipeline run
type Planner interface {
	Plan(ctx context.Context, in PlanInput) ([]ChunkQuery, error)
}

// FixedPlanner emits one group per chunk with the parent query unchanged.
// This is the deterministic mode: no model call is spent deciding the split.
type FixedPlanner struct{}

func (FixedPlanner) Plan(_ context.Context, in PlanInput) ([]ChunkQuery, error) {
	if len(in.Chunks) == 0 {
		return nil, fmt.Errorf("no chunks to plan over")
	}

	groups := make([]ChunkQuery, 0, len(in.Chunks))
	for _, c := range in.Chunks {
		groups = append(groups, ChunkQuery{
			ChunkIDs: []string{c.ID},
			Query:    in.Query,
		})
	}
	return groups, nil
}

// validatePlan rejects groups that reference unknown chunks, exceed the
// group cap, or carry an empty query. maxGroups <= 0 means uncapped.
func validatePlan(groups []ChunkQuery, chunks []resource.ChunkInfo, maxGroups int) error {
	if len(groups) == 0 {
		return fmt.Errorf("plan produced no groups")
	}
	if maxGroups > 0 && len(groups) > maxGroups {
		return fmt.Errorf("plan produced %d groups, limit is %d", len(groups), maxGroups)
	}

	known := make(map[string]bool, len(chunks))
	for _, c := range chunks {
		known[c.ID] = true
	}

	for i, g := range groups {
		if g.Query == "" {
			return fmt.Errorf("group %d has an empty query", i)
		}
		if len(g.ChunkIDs) == 0 {
			return fmt.Errorf("group %d references no chunks", i)
		}
		for _, id := range g.ChunkIDs {
			if !known[id] {
				return fmt.Errorf("group %d references unknown chunk %s", i, id)
			}
		}
	}
	return nil
}
