// Package resource implements the three keyed stores the runtime leans on:
// Workspace (shared mutable scratchpad), Context (large input blob with an
// inline-or-segmented backing) and Budget (token/child counters). All stores
// address entries by opaque reference and linearize mutation per reference.
package resource

import (
	"errors"
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Kind identifies which store a reference belongs to
type Kind string

const (
	KindWorkspace Kind = "workspace"
	KindContext   Kind = "context"
	KindBudget    Kind = "budget"
)

// ErrNotFound is returned for references with no backing entry
var ErrNotFound = errors.New("resource not found")

// Ref is an opaque handle to a stored resource. Owned marks references the
// pipeline created itself and must delete on completion; caller-supplied
// references stay the caller's responsibility.
type Ref struct {
	ID    string `json:"id"`
	Kind  Kind   `json:"kind"`
	Owned bool   `json:"owned"`
}

// String renders the reference for logs
func (r Ref) String() string {
	return fmt.Sprintf("%s:%s", r.Kind, r.ID)
}

// IsZero reports whether the reference is unset
func (r Ref) IsZero() bool {
	return r.ID == ""
}

// newID generates a fresh resource id
func newID() (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate resource id: %w", err)
	}
	return id, nil
}
