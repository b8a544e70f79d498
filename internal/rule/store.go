package rule

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aegis-decision-engine/autorule/internal/models"
)

// Store persists rules
type Store interface {
	Create(ctx context.Context, r *models.Rule) error
	Get(ctx context.Context, id string) (*models.Rule, error)
	UpdateStatus(ctx context.Context, id string, status models.RuleStatus) error
	ListByOwner(ctx context.Context, ownerID string) ([]*models.Rule, error)
	ListDeployed(ctx context.Context) ([]*models.Rule, error)
	// MarkExecuted sets last_executed and increments execution_count
	MarkExecuted(ctx context.Context, id string, at time.Time) error
	CountByStatus(ctx context.Context, status models.RuleStatus) (int, error)
}

// MemoryStore is an in-process Store. Returned rules are copies.
type MemoryStore struct {
	mu    sync.RWMutex
	rules map[string]*models.Rule
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rules: make(map[string]*models.Rule)}
}

func clone(r *models.Rule) *models.Rule {
	cp := *r
	cp.Conditions = append([]models.Condition(nil), r.Conditions...)
	cp.Actions = append([]models.Action(nil), r.Actions...)
	if r.LastExecuted != nil {
		t := *r.LastExecuted
		cp.LastExecuted = &t
	}
	return &cp
}

// Create implements Store
func (s *MemoryStore) Create(_ context.Context, r *models.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.ID]; ok {
		return models.ErrDuplicateKey
	}
	s.rules[r.ID] = clone(r)
	return nil
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, id string) (*models.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, models.ErrRuleNotFound
	}
	return clone(r), nil
}

// UpdateStatus implements Store
func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status models.RuleStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return models.ErrRuleNotFound
	}
	r.Status = status
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) list(match func(*models.Rule) bool) []*models.Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Rule
	for _, r := range s.rules {
		if match(r) {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ListByOwner implements Store
func (s *MemoryStore) ListByOwner(_ context.Context, ownerID string) ([]*models.Rule, error) {
	return s.list(func(r *models.Rule) bool { return r.OwnerID == ownerID }), nil
}

// ListDeployed implements Store
func (s *MemoryStore) ListDeployed(_ context.Context) ([]*models.Rule, error) {
	return s.list(func(r *models.Rule) bool { return r.Status == models.RuleStatusDeployed }), nil
}

// MarkExecuted implements Store
func (s *MemoryStore) MarkExecuted(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return models.ErrRuleNotFound
	}
	t := at
	r.LastExecuted = &t
	r.ExecutionCount++
	return nil
}

// CountByStatus implements Store
func (s *MemoryStore) CountByStatus(_ context.Context, status models.RuleStatus) (int, error) {
	return len(s.list(func(r *models.Rule) bool { return r.Status == status })), nil
}
