package resource

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Budget limit errors. The call that would cross a limit gets the error; the
// counter itself is never advanced past the limit and never clamped silently.
var (
	ErrTokenBudgetExceeded = errors.New("token_budget_exceeded")
	ErrMaxChildrenExceeded = errors.New("max_children_exceeded")
)

// BudgetSnapshot is a point-in-time view of one budget's counters
type BudgetSnapshot struct {
	MaxChildrenTotal int   `json:"max_children_total"`
	TokenBudget      int64 `json:"token_budget"`
	ChildrenSpawned  int   `json:"children_spawned"`
	TokensConsumed   int64 `json:"tokens_consumed"`
}

// budget is the state behind one budget reference
type budget struct {
	maxChildren int
	tokenBudget int64
	children    int
	tokens      int64
	mu          sync.Mutex
}

// BudgetStore manages shared token/child counters for pipeline runs. Both
// mutations are atomic check-and-increment under the budget's mutex, so
// concurrent children cannot lose updates or oversubscribe.
type BudgetStore struct {
	budgets map[string]*budget
	logger  zerolog.Logger
	mu      sync.RWMutex
}

// NewBudgetStore creates an empty budget store
func NewBudgetStore(logger zerolog.Logger) *BudgetStore {
	return &BudgetStore{
		budgets: make(map[string]*budget),
		logger:  logger,
	}
}

// Create creates a budget with the given limits. Zero limits mean unlimited.
func (s *BudgetStore) Create(maxChildrenTotal int, tokenBudget int64) (Ref, error) {
	if maxChildrenTotal < 0 {
		return Ref{}, fmt.Errorf("max children must be non-negative, got: %d", maxChildrenTotal)
	}
	if tokenBudget < 0 {
		return Ref{}, fmt.Errorf("token budget must be non-negative, got: %d", tokenBudget)
	}

	id, err := newID()
	if err != nil {
		return Ref{}, err
	}

	s.mu.Lock()
	s.budgets[id] = &budget{maxChildren: maxChildrenTotal, tokenBudget: tokenBudget}
	s.mu.Unlock()

	s.logger.Debug().
		Str("budget", id).
		Int("max_children", maxChildrenTotal).
		Int64("token_budget", tokenBudget).
		Msg("Budget created")

	return Ref{ID: id, Kind: KindBudget, Owned: true}, nil
}

// AddTokens consumes n tokens. Returns ErrTokenBudgetExceeded for the call
// that would cross the limit, leaving the counter untouched.
func (s *BudgetStore) AddTokens(ref Ref, n int64) error {
	if n < 0 {
		return fmt.Errorf("token increment must be non-negative, got: %d", n)
	}

	b, err := s.get(ref)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tokenBudget > 0 && b.tokens+n > b.tokenBudget {
		return fmt.Errorf("budget %s: %w", ref.ID, ErrTokenBudgetExceeded)
	}
	b.tokens += n

	return nil
}

// RegisterChild accounts for one spawned child. Returns
// ErrMaxChildrenExceeded once the limit would be crossed.
func (s *BudgetStore) RegisterChild(ref Ref) error {
	b, err := s.get(ref)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.maxChildren > 0 && b.children+1 > b.maxChildren {
		return fmt.Errorf("budget %s: %w", ref.ID, ErrMaxChildrenExceeded)
	}
	b.children++

	return nil
}

// Snapshot returns the current counters
func (s *BudgetStore) Snapshot(ref Ref) (BudgetSnapshot, error) {
	b, err := s.get(ref)
	if err != nil {
		return BudgetSnapshot{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return BudgetSnapshot{
		MaxChildrenTotal: b.maxChildren,
		TokenBudget:      b.tokenBudget,
		ChildrenSpawned:  b.children,
		TokensConsumed:   b.tokens,
	}, nil
}

// Delete removes a budget. Absent references are a no-op.
func (s *BudgetStore) Delete(ref Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.budgets[ref.ID]; !ok {
		return nil
	}
	delete(s.budgets, ref.ID)

	s.logger.Debug().Str("budget", ref.ID).Msg("Budget deleted")
	return nil
}

// Count returns the number of live budgets
func (s *BudgetStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.budgets)
}

func (s *BudgetStore) get(ref Ref) (*budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.budgets[ref.ID]
	if !ok {
		return nil, fmt.Errorf("budget %s: %w", ref.ID, ErrNotFound)
	}
	return b, nil
}
