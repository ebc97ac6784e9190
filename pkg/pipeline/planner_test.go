package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramify-ai/ramify/pkg/resource"
)

func testChunks(n int) []resource.ChunkInfo {
	chunks := make([]resource.ChunkInfo, n)
	for i := range chunks {
		chunks[i] = resource.ChunkInfo{
			ID:      string(rune('a' + i)),
			Index:   i,
			Preview: "preview",
		}
	}
	return chunks
}

func TestFixedPlanner_OneGroupPerChunk(t *testing.T) {
	groups, err := FixedPlanner{}.Plan(context.Background(), PlanInput{
		Query:  "what changed?",
		Chunks: testChunks(3),
	})
	require.NoError(t, err)

	require.Len(t, groups, 3)
	for i, g := range groups {
		assert.Equal(t, []string{testChunks(3)[i].ID}, g.ChunkIDs)
		assert.Equal(t, "what changed?", g.Query)
	}
}

func TestFixedPlanner_NoChunks(t *testing.T) {
	_, err := FixedPlanner{}.Plan(context.Background(), PlanInput{Query: "q"})
	require.Error(t, err)
}

func TestValidatePlan(t *testing.T) {
	chunks := testChunks(3)

	tests := []struct {
		name      string
		groups    []ChunkQuery
		maxGroups int
		wantErr   string
	}{
		{
			name:   "valid",
			groups: []ChunkQuery{{ChunkIDs: []string{"a", "b"}, Query: "q"}},
		},
		{
			name:    "empty plan",
			groups:  nil,
			wantErr: "no groups",
		},
		{
			name:      "too many groups",
			groups:    []ChunkQuery{{ChunkIDs: []string{"a"}, Query: "q"}, {ChunkIDs: []string{"b"}, Query: "q"}},
			maxGroups: 1,
			wantErr:   "limit",
		},
		{
			name:    "unknown chunk",
			groups:  []ChunkQuery{{ChunkIDs: []string{"z"}, Query: "q"}},
			wantErr: "unknown chunk",
		},
		{
			name:    "empty query",
			groups:  []ChunkQuery{{ChunkIDs: []string{"a"}, Query: ""}},
			wantErr: "empty query",
		},
		{
			name:    "no chunks in group",
			groups:  []ChunkQuery{{ChunkIDs: nil, Query: "q"}},
			wantErr: "references no chunks",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePlan(tt.groups, chunks, tt.maxGroups)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestYaegiPlanner_EvaluatesScript(t *testing.T) {
	planner := NewYaegiPlanner(5*time.Second, 0, zerolog.Nop())

	script := `
func BuildPlan(previews []string) string {
	return "[{\"chunks\":[0,1],\"query\":\"first half\"},{\"chunks\":[2],\"query\":\"tail\"}]"
}
`
	groups, err := planner.Plan(context.Background(), PlanInput{
		Query:  "ignored by script",
		Chunks: testChunks(3),
		Script: script,
	})
	require.NoError(t, err)

	require.Len(t, groups, 2)
	assert.Equal(t, []string{"a", "b"}, groups[0].ChunkIDs)
	assert.Equal(t, "first half", groups[0].Query)
	assert.Equal(t, []string{"c"}, groups[1].ChunkIDs)
	assert.Equal(t, "tail", groups[1].Query)
}

func TestYaegiPlanner_RejectsForbiddenImports(t *testing.T) {
	planner := NewYaegiPlanner(5*time.Second, 0, zerolog.Nop())

	script := `
import "os"

func BuildPlan(previews []string) string {
	os.Exit(1)
	return ""
}
`
	_, err := planner.Plan(context.Background(), PlanInput{
		Chunks: testChunks(1),
		Script: script,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forbidden imports")
}

func TestYaegiPlanner_RejectsOutOfRangeIndex(t *testing.T) {
	planner := NewYaegiPlanner(5*time.Second, 0, zerolog.Nop())

	script := `
func BuildPlan(previews []string) string {
	return "[{\"chunks\":[9],\"query\":\"q\"}]"
}
`
	_, err := planner.Plan(context.Background(), PlanInput{
		Chunks: testChunks(2),
		Script: script,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestYaegiPlanner_TimesOut(t *testing.T) {
	planner := NewYaegiPlanner(100*time.Millisecond, 0, zerolog.Nop())

	script := `
func BuildPlan(previews []string) string {
	for {
	}
}
`
	_, err := planner.Plan(context.Background(), PlanInput{
		Chunks: testChunks(1),
		Script: script,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestYaegiPlanner_EmptyScript(t *testing.T) {
	planner := NewYaegiPlanner(time.Second, 0, zerolog.Nop())

	_, err := planner.Plan(context.Background(), PlanInput{Chunks: testChunks(1)})
	require.Error(t, err)
}

func TestYaegiPlanner_GroupCap(t *testing.T) {
	planner := NewYaegiPlanner(5*time.Second, 1, zerolog.Nop())

	script := `
func BuildPlan(previews []string) string {
	return "[{\"chunks\":[0],\"query\":\"a\"},{\"chunks\":[1],\"query\":\"b\"}]"
}
`
	_, err := planner.Plan(context.Background(), PlanInput{
		Chunks: testChunks(2),
		Script: script,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit")
}
