// Package audit is the append-only execution trail and the status summary
// built from it.
package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-decision-engine/autorule/internal/models"
)

// Recorder stores execution records. Records are never updated or deleted.
type Recorder interface {
	Record(ctx context.Context, rec *models.ExecutionRecord) error
	ListByRule(ctx context.Context, ruleID string, limit int) ([]*models.ExecutionRecord, error)
	CountSince(ctx context.Context, outcome models.Outcome, since time.Time) (int64, error)
	SetLastTick(ctx context.Context, at time.Time) error
	LastTick(ctx context.Context) (*time.Time, error)
}

// RuleCounter counts rules by status
type RuleCounter interface {
	CountByStatus(ctx context.Context, status models.RuleStatus) (int, error)
}

// Prepare fills ID and CreatedAt when unset
func Prepare(rec *models.ExecutionRecord, now time.Time) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now.UTC()
	}
}

// StatusSummary aggregates the last tick time, the number of deployed
// rules and the successful fires of the last 24 hours
func StatusSummary(ctx context.Context, rec Recorder, rules RuleCounter, now time.Time) (*models.Status, error) {
	last, err := rec.LastTick(ctx)
	if err != nil {
		return nil, err
	}
	active, err := rules.CountByStatus(ctx, models.RuleStatusDeployed)
	if err != nil {
		return nil, err
	}
	fired, err := rec.CountSince(ctx, models.OutcomeSuccess, now.Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	return &models.Status{LastRun: last, ActiveRuleCount: active, ExecutionsLast24h: fired}, nil
}

// MemoryRecorder keeps records in process. Used by tests and the CLI's
// dry runs.
type MemoryRecorder struct {
	mu       sync.RWMutex
	records  []models.ExecutionRecord
	lastTick *time.Time
}

// NewMemoryRecorder creates an empty recorder
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

// Record implements Recorder
func (m *MemoryRecorder) Record(_ context.Context, rec *models.ExecutionRecord) error {
	Prepare(rec, time.Now())

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, *rec)
	return nil
}

// ListByRule implements Recorder, newest first
func (m *MemoryRecorder) ListByRule(_ context.Context, ruleID string, limit int) ([]*models.ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.ExecutionRecord
	for i := range m.records {
		if m.records[i].RuleID == ruleID {
			rec := m.records[i]
			out = append(out, &rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountSince implements Recorder
func (m *MemoryRecorder) CountSince(_ context.Context, outcome models.Outcome, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, r := range m.records {
		if r.Outcome == outcome && !r.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// SetLastTick implements Recorder
func (m *MemoryRecorder) SetLastTick(_ context.Context, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := at
	m.lastTick = &t
	return nil
}

// LastTick implements Recorder
func (m *MemoryRecorder) LastTick(_ context.Context) (*time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastTick == nil {
		return nil, nil
	}
	t := *m.lastTick
	return &t, nil
}

// All returns a copy of every record in insertion order
func (m *MemoryRecorder) All() []models.ExecutionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.ExecutionRecord(nil), m.records...)
}
