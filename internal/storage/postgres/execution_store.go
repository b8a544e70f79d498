package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/aegis-decision-engine/autorule/internal/audit"
	"github.com/aegis-decision-engine/autorule/internal/models"
)

const lastTickKey = "last_tick"

// ExecutionStore is the append-only execution history. It never updates
// or deletes a record.
type ExecutionStore struct {
	client *Client
}

// NewExecutionStore creates a new execution store
func NewExecutionStore(client *Client) *ExecutionStore {
	return &ExecutionStore{client: client}
}

// Record appends an execution record
func (s *ExecutionStore) Record(ctx context.Context, rec *models.ExecutionRecord) error {
	audit.Prepare(rec, time.Now())

	txRefs := rec.TxRefs
	if txRefs == nil {
		txRefs = []string{}
	}

	query := `
		INSERT INTO rule_executions (id, rule_id, owner_id, tick_id, outcome, reason, failed_condition, failed_action, indeterminate, tx_refs, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.client.Pool().Exec(ctx, query,
		rec.ID,
		rec.RuleID,
		rec.OwnerID,
		rec.TickID,
		rec.Outcome,
		rec.Reason,
		rec.FailedCondition,
		rec.FailedAction,
		rec.Indeterminate,
		txRefs,
		rec.CreatedAt,
	)
	return err
}

// ListByRule returns a rule's records, newest first
func (s *ExecutionStore) ListByRule(ctx context.Context, ruleID string, limit int) ([]*models.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, rule_id, owner_id, tick_id, outcome, reason, failed_condition, failed_action, indeterminate, tx_refs, created_at
		FROM rule_executions
		WHERE rule_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.client.Pool().Query(ctx, query, ruleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.ExecutionRecord
	for rows.Next() {
		var rec models.ExecutionRecord
		if err := rows.Scan(
			&rec.ID, &rec.RuleID, &rec.OwnerID, &rec.TickID, &rec.Outcome, &rec.Reason,
			&rec.FailedCondition, &rec.FailedAction, &rec.Indeterminate, &rec.TxRefs, &rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// CountSince counts records with outcome created at or after since
func (s *ExecutionStore) CountSince(ctx context.Context, outcome models.Outcome, since time.Time) (int64, error) {
	var n int64
	err := s.client.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM rule_executions WHERE outcome = $1 AND created_at >= $2`,
		outcome, since,
	).Scan(&n)
	return n, err
}

// SetLastTick stores the finish time of the latest scheduled tick
func (s *ExecutionStore) SetLastTick(ctx context.Context, at time.Time) error {
	query := `
		INSERT INTO engine_state (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`

	_, err := s.client.Pool().Exec(ctx, query, lastTickKey, at)
	return err
}

// LastTick returns the latest tick time, or nil before the first tick
func (s *ExecutionStore) LastTick(ctx context.Context) (*time.Time, error) {
	var at time.Time
	err := s.client.Pool().QueryRow(ctx, `SELECT value FROM engine_state WHERE key = $1`, lastTickKey).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &at, nil
}
