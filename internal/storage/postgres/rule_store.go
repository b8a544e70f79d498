package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/aegis-decision-engine/autorule/internal/models"
)

// RuleStore handles rule persistence
type RuleStore struct {
	client *Client
}

// NewRuleStore creates a new rule store
func NewRuleStore(client *Client) *RuleStore {
	return &RuleStore{client: client}
}

const ruleColumns = `id, owner_id, name, conditions, actions, status, last_executed, execution_count, created_at, updated_at`

// Create inserts a new rule
func (s *RuleStore) Create(ctx context.Context, r *models.Rule) error {
	query := `
		INSERT INTO rules (id, owner_id, name, conditions, actions, status, execution_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.client.Pool().Exec(ctx, query,
		r.ID,
		r.OwnerID,
		r.Name,
		r.Conditions,
		r.Actions,
		r.Status,
		r.ExecutionCount,
		r.CreatedAt,
		r.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: rule %s", models.ErrDuplicateKey, r.ID)
	}
	return err
}

// Get retrieves a rule by ID
func (s *RuleStore) Get(ctx context.Context, id string) (*models.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE id = $1`

	r, err := scanRule(s.client.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrRuleNotFound, id)
	}
	return r, err
}

// UpdateStatus changes a rule's lifecycle status
func (s *RuleStore) UpdateStatus(ctx context.Context, id string, status models.RuleStatus) error {
	tag, err := s.client.Pool().Exec(ctx,
		`UPDATE rules SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", models.ErrRuleNotFound, id)
	}
	return nil
}

// ListByOwner lists an owner's rules in creation order
func (s *RuleStore) ListByOwner(ctx context.Context, ownerID string) ([]*models.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE owner_id = $1 ORDER BY created_at, id`
	return s.query(ctx, query, ownerID)
}

// ListDeployed lists every deployed rule
func (s *RuleStore) ListDeployed(ctx context.Context) ([]*models.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE status = $1 ORDER BY created_at, id`
	return s.query(ctx, query, models.RuleStatusDeployed)
}

// MarkExecuted records a successful fire. The increment happens in the
// database so concurrent writers cannot lose a count.
func (s *RuleStore) MarkExecuted(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE rules
		SET last_executed = $2, execution_count = execution_count + 1, updated_at = NOW()
		WHERE id = $1`

	tag, err := s.client.Pool().Exec(ctx, query, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", models.ErrRuleNotFound, id)
	}
	return nil
}

// CountByStatus counts rules in a status
func (s *RuleStore) CountByStatus(ctx context.Context, status models.RuleStatus) (int, error) {
	var n int
	err := s.client.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM rules WHERE status = $1`, status).Scan(&n)
	return n, err
}

func (s *RuleStore) query(ctx context.Context, query string, args ...interface{}) ([]*models.Rule, error) {
	rows, err := s.client.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*models.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func scanRule(row pgx.Row) (*models.Rule, error) {
	var r models.Rule
	err := row.Scan(
		&r.ID, &r.OwnerID, &r.Name, &r.Conditions, &r.Actions, &r.Status,
		&r.LastExecuted, &r.ExecutionCount, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}
