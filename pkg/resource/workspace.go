package resource

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EntryKind classifies structured workspace entries
type EntryKind string

const (
	EntryNote    EntryKind = "note"
	EntryFinding EntryKind = "finding"
	EntryResult  EntryKind = "result"
)

// Entry is one structured workspace record
type Entry struct {
	Kind    EntryKind `json:"kind"`
	Source  string    `json:"source,omitempty"`
	Content string    `json:"content"`
	AtMs    int64     `json:"at_ms"`
}

// workspace is the in-memory state behind one workspace reference
type workspace struct {
	seed    string
	entries []Entry
	mu      sync.Mutex
}

// WorkspaceStore holds shared scratchpads used across a parent request and
// its spawned children. All mutation for one reference is linearized by the
// workspace's own mutex.
type WorkspaceStore struct {
	workspaces map[string]*workspace
	logger     zerolog.Logger
	mu         sync.RWMutex
}

// NewWorkspaceStore creates an empty workspace store
func NewWorkspaceStore(logger zerolog.Logger) *WorkspaceStore {
	return &WorkspaceStore{
		workspaces: make(map[string]*workspace),
		logger:     logger,
	}
}

// Create creates a workspace, optionally seeded, and returns an owned ref
func (s *WorkspaceStore) Create(seed string) (Ref, error) {
	id, err := newID()
	if err != nil {
		return Ref{}, err
	}

	s.mu.Lock()
	s.workspaces[id] = &workspace{seed: seed}
	s.mu.Unlock()

	s.logger.Debug().Str("workspace", id).Msg("Workspace created")

	return Ref{ID: id, Kind: KindWorkspace, Owned: true}, nil
}

// AppendNote appends a free-form note from the given source
func (s *WorkspaceStore) AppendNote(ref Ref, source, content string) error {
	return s.Append(ref, Entry{Kind: EntryNote, Source: source, Content: content})
}

// Append appends a structured entry
func (s *WorkspaceStore) Append(ref Ref, entry Entry) error {
	ws, err := s.get(ref)
	if err != nil {
		return err
	}

	if entry.AtMs == 0 {
		entry.AtMs = time.Now().UnixMilli()
	}

	ws.mu.Lock()
	ws.entries = append(ws.entries, entry)
	ws.mu.Unlock()

	return nil
}

// Entries returns a copy of the workspace's entries in append order
func (s *WorkspaceStore) Entries(ref Ref) ([]Entry, error) {
	ws, err := s.get(ref)
	if err != nil {
		return nil, err
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()

	out := make([]Entry, len(ws.entries))
	copy(out, ws.entries)
	return out, nil
}

// Summarize renders the workspace under a character budget. Newest entries
// win when the budget is too small for everything; the seed always leads.
func (s *WorkspaceStore) Summarize(ref Ref, maxChars int) (string, error) {
	ws, err := s.get(ref)
	if err != nil {
		return "", err
	}
	if maxChars <= 0 {
		maxChars = 4000
	}

	ws.mu.Lock()
	entries := make([]Entry, len(ws.entries))
	copy(entries, ws.entries)
	seed := ws.seed
	ws.mu.Unlock()

	var b strings.Builder
	if seed != "" {
		b.WriteString(seed)
		b.WriteString("\n\n")
	}

	// Walk newest-first to decide what fits, then emit oldest-first
	budget := maxChars - b.Len()
	keepFrom := len(entries)
	used := 0
	for i := len(entries) - 1; i >= 0; i-- {
		line := renderEntry(entries[i])
		if used+len(line) > budget {
			break
		}
		used += len(line)
		keepFrom = i
	}

	omitted := keepFrom
	if omitted > 0 {
		fmt.Fprintf(&b, "[%d earlier entries omitted]\n", omitted)
	}
	for _, entry := range entries[keepFrom:] {
		b.WriteString(renderEntry(entry))
	}

	summary := b.String()
	if len(summary) > maxChars {
		summary = summary[:maxChars]
	}

	return summary, nil
}

// Delete removes a workspace. Deleting an absent reference is a no-op.
func (s *WorkspaceStore) Delete(ref Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workspaces[ref.ID]; !ok {
		return nil
	}
	delete(s.workspaces, ref.ID)

	s.logger.Debug().Str("workspace", ref.ID).Msg("Workspace deleted")
	return nil
}

// Count returns the number of live workspaces
func (s *WorkspaceStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.workspaces)
}

func (s *WorkspaceStore) get(ref Ref) (*workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ws, ok := s.workspaces[ref.ID]
	if !ok {
		return nil, fmt.Errorf("workspace %s: %w", ref.ID, ErrNotFound)
	}
	return ws, nil
}

func renderEntry(e Entry) string {
	if e.Source != "" {
		return fmt.Sprintf("- [%s] %s: %s\n", e.Kind, e.Source, e.Content)
	}
	return fmt.Sprintf("- [%s] %s\n", e.Kind, e.Content)
}
