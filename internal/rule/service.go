// Package rule manages rule documents and their lifecycle:
// draft, deployed, paused, disabled.
package rule

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-decision-engine/autorule/internal/models"
	"github.com/aegis-decision-engine/autorule/internal/validator"
)

// TokenResolver checks that a token symbol is known to the ledger
type TokenResolver interface {
	Resolve(symbol string) (string, error)
}

// Service handles rule creation and status transitions
type Service struct {
	store     Store
	validator *validator.RuleValidator
	tokens    TokenResolver
	logger    *slog.Logger
}

// NewService creates a rule service. tokens may be nil, in which case
// token symbols are not checked on deploy.
func NewService(store Store, v *validator.RuleValidator, tokens TokenResolver, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, validator: v, tokens: tokens, logger: logger}
}

// CreateFromJSON validates a JSON rule document and stores it as a draft
func (s *Service) CreateFromJSON(ctx context.Context, doc []byte) (*models.Rule, error) {
	if s.validator != nil {
		if err := s.validator.ValidateDocument(doc); err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
		}
	}

	var r models.Rule
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	return s.Create(ctx, &r)
}

// Create stores r as a draft. ID and timestamps are assigned here.
func (s *Service) Create(ctx context.Context, r *models.Rule) (*models.Rule, error) {
	if err := validator.ValidateOwnerID(r.OwnerID); err != nil {
		return nil, models.NewValidationError("owner_id", err.Error())
	}
	if r.Name == "" {
		return nil, models.NewValidationError("name", "name is required")
	}

	now := time.Now().UTC()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Status = models.RuleStatusDraft
	r.LastExecuted = nil
	r.ExecutionCount = 0
	r.CreatedAt = now
	r.UpdatedAt = now

	if err := s.store.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}

	s.logger.Info("rule created", "rule_id", r.ID, "owner_id", r.OwnerID, "name", r.Name)
	return r, nil
}

// Get returns a rule by ID
func (s *Service) Get(ctx context.Context, id string) (*models.Rule, error) {
	return s.store.Get(ctx, id)
}

// Deploy makes a rule eligible for evaluation
func (s *Service) Deploy(ctx context.Context, id string) (*models.Rule, error) {
	return s.transition(ctx, id, models.RuleStatusDeployed)
}

// Pause stops evaluation until the rule is deployed again
func (s *Service) Pause(ctx context.Context, id string) (*models.Rule, error) {
	return s.transition(ctx, id, models.RuleStatusPaused)
}

// Disable permanently retires a rule
func (s *Service) Disable(ctx context.Context, id string) (*models.Rule, error) {
	return s.transition(ctx, id, models.RuleStatusDisabled)
}

func (s *Service) transition(ctx context.Context, id string, to models.RuleStatus) (*models.Rule, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !models.CanTransition(r.Status, to) {
		return nil, fmt.Errorf("%w: %s to %s", models.ErrInvalidTransition, r.Status, to)
	}

	if to == models.RuleStatusDeployed {
		if err := s.checkDeployable(r); err != nil {
			return nil, err
		}
	}

	if err := s.store.UpdateStatus(ctx, id, to); err != nil {
		return nil, fmt.Errorf("failed to update rule status: %w", err)
	}

	s.logger.Info("rule status changed",
		"rule_id", id,
		"from", r.Status,
		"to", to,
	)

	r.Status = to
	return r, nil
}

func (s *Service) checkDeployable(r *models.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if s.tokens == nil {
		return nil
	}
	for _, token := range r.Tokens() {
		if _, err := s.tokens.Resolve(token); err != nil {
			return err
		}
	}
	for _, c := range r.Conditions {
		if c.Kind == models.ConditionBalance {
			if _, err := s.tokens.Resolve(c.Token); err != nil {
				return err
			}
		}
	}
	return nil
}

// Seed creates and deploys rules from a bundle. Rules whose ID already
// exists are skipped, so seeding is safe to repeat on restart.
func (s *Service) Seed(ctx context.Context, rules []*models.Rule) (int, error) {
	created := 0
	for _, r := range rules {
		if r.ID != "" {
			if _, err := s.store.Get(ctx, r.ID); err == nil {
				continue
			}
		}
		if _, err := s.Create(ctx, r); err != nil {
			return created, fmt.Errorf("seed rule %q: %w", r.Name, err)
		}
		if _, err := s.Deploy(ctx, r.ID); err != nil {
			return created, fmt.Errorf("deploy seeded rule %q: %w", r.Name, err)
		}
		created++
	}
	return created, nil
}
