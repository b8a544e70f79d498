// Package engine runs evaluation passes: load deployed rules, refresh the
// oracles they read, evaluate each rule against one consistent view,
// execute the ones that fire and record every outcome.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/aegis-decision-engine/autorule/internal/audit"
	"github.com/aegis-decision-engine/autorule/internal/evaluator"
	"github.com/aegis-decision-engine/autorule/internal/executor"
	"github.com/aegis-decision-engine/autorule/internal/models"
	"github.com/aegis-decision-engine/autorule/internal/observability"
	"github.com/aegis-decision-engine/autorule/internal/oracle"
)

// Pass scopes, used in logs and metric attributes
const (
	ScopeTick   = "tick"
	ScopeOwner  = "owner"
	ScopeSingle = "single"
)

// RuleStore is the rule persistence the engine needs
type RuleStore interface {
	Get(ctx context.Context, id string) (*models.Rule, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*models.Rule, error)
	ListDeployed(ctx context.Context) ([]*models.Rule, error)
	MarkExecuted(ctx context.Context, id string, at time.Time) error
	CountByStatus(ctx context.Context, status models.RuleStatus) (int, error)
}

// Oracles supplies oracle snapshots
type Oracles interface {
	Refresh(ctx context.Context, types []models.OracleType) oracle.RefreshResult
	RefreshAll(ctx context.Context) oracle.RefreshResult
	View() *oracle.View
}

// ActionRunner executes a rule's actions
type ActionRunner interface {
	ExecuteSequence(ctx context.Context, rule *models.Rule) executor.SequenceOutcome
}

// Alerter is told about failed fires
type Alerter interface {
	RuleFailed(ctx context.Context, rule *models.Rule, rec *models.ExecutionRecord)
}

// Deps are the engine's collaborators. Balances, Alerter and Metrics are
// optional.
type Deps struct {
	Rules    RuleStore
	Oracles  Oracles
	Balances evaluator.BalanceReader
	Actions  ActionRunner
	Recorder audit.Recorder
	Alerter  Alerter
	Metrics  *observability.Metrics
}

// Config holds engine settings
type Config struct {
	// Concurrency bounds how many owners are processed at once
	Concurrency int
	// TickTimeout bounds a tick, which outlives the callers waiting on it
	TickTimeout time.Duration
}

// Engine evaluates and executes rules
type Engine struct {
	rules       RuleStore
	oracles     Oracles
	balances    evaluator.BalanceReader
	actions     ActionRunner
	recorder    audit.Recorder
	alerter     Alerter
	metrics     *observability.Metrics
	locks       *OwnerLocks
	concurrency int
	tickTimeout time.Duration
	ticks       singleflight.Group
	logger      *slog.Logger
	now         func() time.Time
}

// New creates an engine
func New(deps Deps, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = 10 * time.Minute
	}
	return &Engine{
		rules:       deps.Rules,
		oracles:     deps.Oracles,
		balances:    deps.Balances,
		actions:     deps.Actions,
		recorder:    deps.Recorder,
		alerter:     deps.Alerter,
		metrics:     deps.Metrics,
		locks:       NewOwnerLocks(),
		concurrency: cfg.Concurrency,
		tickTimeout: cfg.TickTimeout,
		logger:      logger,
		now:         time.Now,
	}
}

// SingleResult answers whether one on-demand rule run fired
type SingleResult struct {
	RuleID          string   `json:"rule_id"`
	Executed        bool     `json:"executed"`
	Reason          string   `json:"reason,omitempty"`
	FailedCondition *int     `json:"failed_condition,omitempty"`
	FailedAction    *int     `json:"failed_action,omitempty"`
	Indeterminate   bool     `json:"indeterminate,omitempty"`
	TxRefs          []string `json:"tx_refs,omitempty"`
}

// RunTick evaluates every deployed rule. Concurrent callers share one
// pass and receive the same summary. The pass is detached from the caller
// that started it: a caller whose ctx ends gets ctx.Err() while the pass
// runs on for the others. Any other error means rules failed to load.
func (e *Engine) RunTick(ctx context.Context) (*models.TickSummary, error) {
	ch := e.ticks.DoChan("tick", func() (interface{}, error) {
		tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.tickTimeout)
		defer cancel()
		return e.runTick(tickCtx)
	})

	select {
	case res := <-ch:
		if res.Shared {
			e.logger.Debug("tick request coalesced with in-flight tick")
		}
		summary, _ := res.Val.(*models.TickSummary)
		return summary, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) runTick(ctx context.Context) (*models.TickSummary, error) {
	ctx, span := observability.StartSpan(ctx, "engine.tick")
	defer span.End()

	start := e.now()
	summary := &models.TickSummary{TickID: uuid.NewString(), StartedAt: start.UTC(), Errors: []models.RuleError{}}
	span.SetAttributes(attribute.String("tick.id", summary.TickID))

	rules, err := e.rules.ListDeployed(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %v", models.ErrRuleLoadFailed, err)
		observability.RecordError(ctx, err)
		e.logger.Error("tick aborted", "tick_id", summary.TickID, "error", err)
		return summary, err
	}
	summary.Total = len(rules)

	// failed feeds keep their previous snapshot; stale or absent data makes
	// the conditions reading it false without stopping the other rules
	if types := referencedOracles(rules); len(types) > 0 {
		res := e.oracles.Refresh(ctx, types)
		for _, t := range models.AllOracleTypes {
			if ferr, ok := res.Failed[t]; ok {
				summary.Errors = append(summary.Errors, models.RuleError{
					Stage:   models.StageOracle,
					Message: fmt.Sprintf("%s: %v", t, ferr),
				})
			}
		}
		if res.Outage() {
			err := fmt.Errorf("%w: %d oracle types failed", models.ErrOracleOutage, len(res.Failed))
			observability.RecordError(ctx, err)
			e.logger.Warn("every oracle feed failed, evaluating against previous snapshots",
				"tick_id", summary.TickID,
				"error", err,
			)
		}
	}

	ev := evaluator.New(e.oracles.View(), e.balances, e.now, e.logger)
	if err := e.runRules(ctx, ScopeTick, summary, rules, ev); err != nil {
		return summary, err
	}

	e.finish(ctx, ScopeTick, summary, start)
	if err := e.recorder.SetLastTick(ctx, summary.FinishedAt); err != nil {
		e.logger.Warn("failed to store last tick time", "error", err)
	}
	return summary, nil
}

// RunForOwner runs one owner's deployed rules against the current oracle
// view. Cancelling ctx stops the pass before any further rule starts
// executing; actions already started run to completion.
func (e *Engine) RunForOwner(ctx context.Context, ownerID string) (*models.TickSummary, error) {
	ctx, span := observability.StartSpan(ctx, "engine.run_for_owner")
	defer span.End()

	start := e.now()
	summary := &models.TickSummary{TickID: uuid.NewString(), StartedAt: start.UTC(), Errors: []models.RuleError{}}

	all, err := e.rules.ListByOwner(ctx, ownerID)
	if err != nil {
		return summary, fmt.Errorf("%w: %v", models.ErrRuleLoadFailed, err)
	}
	rules := deployedOnly(all)
	summary.Total = len(rules)

	ev := evaluator.New(e.oracles.View(), e.balances, e.now, e.logger)
	if err := e.runRules(ctx, ScopeOwner, summary, rules, ev); err != nil {
		return summary, err
	}

	e.finish(ctx, ScopeOwner, summary, start)
	return summary, nil
}

// RunSingle evaluates one deployed rule and executes it if it fires
func (e *Engine) RunSingle(ctx context.Context, ruleID string) (*SingleResult, error) {
	ctx, span := observability.StartSpan(ctx, "engine.run_single")
	defer span.End()

	rule, err := e.rules.Get(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if rule.Status != models.RuleStatusDeployed {
		return nil, fmt.Errorf("%w: status is %s", models.ErrRuleNotDeployed, rule.Status)
	}

	release, err := e.locks.Lock(ctx, rule.OwnerID)
	if err != nil {
		return nil, err
	}
	defer release()

	if rule, err = e.reload(ctx, rule.ID); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	ev := evaluator.New(e.oracles.View(), e.balances, e.now, e.logger)
	res := e.processRule(ctx, ScopeSingle, uuid.NewString(), rule, ev)
	if res.cancelled {
		return nil, ctx.Err()
	}

	out := &SingleResult{RuleID: rule.ID, Executed: res.executed}
	if rec := res.record; rec != nil {
		out.Reason = rec.Reason
		out.FailedCondition = rec.FailedCondition
		out.FailedAction = rec.FailedAction
		out.Indeterminate = rec.Indeterminate
		out.TxRefs = rec.TxRefs
	}
	if !res.executed && out.Reason == "" && len(res.errs) > 0 {
		out.Reason = res.errs[0].Message
	}
	return out, nil
}

// EvaluateOwner reports, without side effects, which of the owner's rules
// would fire now
func (e *Engine) EvaluateOwner(ctx context.Context, ownerID string) ([]models.RulePreview, error) {
	rules, err := e.rules.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrRuleLoadFailed, err)
	}

	ev := evaluator.New(e.oracles.View(), e.balances, e.now, e.logger)
	previews := make([]models.RulePreview, 0, len(rules))
	for _, r := range rules {
		p := models.RulePreview{RuleID: r.ID, RuleName: r.Name, LastExecuted: r.LastExecuted}
		if r.Status != models.RuleStatusDeployed {
			p.Reason = fmt.Sprintf("rule is %s", r.Status)
			previews = append(previews, p)
			continue
		}

		v := ev.Explain(ctx, r.Conditions, r.OwnerID)
		p.WouldExecute = v.Satisfied
		p.Reason = v.Reason
		if v.FailedIndex >= 0 {
			idx := v.FailedIndex
			p.FailedCondition = &idx
		}
		previews = append(previews, p)
	}
	return previews, nil
}

// UpdateOracles refreshes every oracle type
func (e *Engine) UpdateOracles(ctx context.Context) (oracle.RefreshResult, error) {
	ctx, span := observability.StartSpan(ctx, "engine.update_oracles")
	defer span.End()

	res := e.oracles.RefreshAll(ctx)
	if res.Outage() {
		return res, fmt.Errorf("%w: %d oracle types failed", models.ErrOracleOutage, len(res.Failed))
	}
	return res, nil
}

// Status returns the dashboard health aggregate
func (e *Engine) Status(ctx context.Context) (*models.Status, error) {
	return audit.StatusSummary(ctx, e.recorder, e.rules, e.now())
}

// runRules processes rules grouped by owner. Owners run in parallel; one
// owner's rules run in order under its lock.
func (e *Engine) runRules(ctx context.Context, scope string, summary *models.TickSummary, rules []*models.Rule, ev *evaluator.Evaluator) error {
	var (
		mu        sync.Mutex
		cancelled bool
	)

	g := new(errgroup.Group)
	g.SetLimit(e.concurrency)

	for _, group := range groupByOwner(rules) {
		g.Go(func() error {
			results := e.runOwner(ctx, scope, summary.TickID, group, ev)

			mu.Lock()
			defer mu.Unlock()
			for _, res := range results {
				if res.cancelled {
					cancelled = true
					continue
				}
				if res.evaluated {
					summary.Evaluated++
				}
				if res.executed {
					summary.Executed++
				}
				if len(res.errs) > 0 {
					summary.Failed++
					summary.Errors = append(summary.Errors, res.errs...)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if cancelled && scope != ScopeTick {
		return ctx.Err()
	}
	return nil
}

func (e *Engine) runOwner(ctx context.Context, scope, tickID string, rules []*models.Rule, ev *evaluator.Evaluator) []ruleResult {
	ownerID := rules[0].OwnerID
	results := make([]ruleResult, 0, len(rules))

	release, err := e.locks.Lock(ctx, ownerID)
	if err != nil {
		for _, r := range rules {
			results = append(results, ruleResult{errs: []models.RuleError{{
				RuleID: r.ID, OwnerID: ownerID, Stage: models.StageLock, Message: err.Error(),
			}}, cancelled: scope != ScopeTick})
		}
		return results
	}
	defer release()

	for _, r := range rules {
		current, err := e.reload(ctx, r.ID)
		if err != nil {
			if scope != ScopeTick && ctx.Err() != nil {
				results = append(results, ruleResult{cancelled: true})
				break
			}
			if errors.Is(err, models.ErrRuleNotDeployed) || errors.Is(err, models.ErrRuleNotFound) {
				e.logger.Info("rule changed before it ran, skipping", "rule_id", r.ID, "reason", err)
				results = append(results, ruleResult{})
				continue
			}
			results = append(results, ruleResult{errs: []models.RuleError{{
				RuleID: r.ID, OwnerID: ownerID, Stage: models.StageLoad, Message: err.Error(),
			}}})
			continue
		}

		res := e.processRule(ctx, scope, tickID, current, ev)
		results = append(results, res)
		if res.cancelled {
			break
		}
	}
	return results
}

// reload rereads a rule under its owner's lock so a fire sees the status
// and execution count left by any run that held the lock before it
func (e *Engine) reload(ctx context.Context, ruleID string) (*models.Rule, error) {
	rule, err := e.rules.Get(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if rule.Status != models.RuleStatusDeployed {
		return nil, fmt.Errorf("%w: status is %s", models.ErrRuleNotDeployed, rule.Status)
	}
	return rule, nil
}

type ruleResult struct {
	evaluated bool
	executed  bool
	cancelled bool
	record    *models.ExecutionRecord
	errs      []models.RuleError
}

// processRule evaluates, executes and records one rule. It never panics.
func (e *Engine) processRule(ctx context.Context, scope, tickID string, rule *models.Rule, ev *evaluator.Evaluator) (res ruleResult) {
	stage := models.StageEvaluate
	fail := func(stage, msg string) {
		res.errs = append(res.errs, models.RuleError{RuleID: rule.ID, OwnerID: rule.OwnerID, Stage: stage, Message: msg})
		e.metrics.RuleFailed(ctx, scope, stage)
	}

	rec := &models.ExecutionRecord{RuleID: rule.ID, OwnerID: rule.OwnerID, TickID: tickID}
	recorded := false

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("rule processing panicked",
				"rule_id", rule.ID,
				"stage", stage,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			fail(stage, fmt.Sprintf("panic: %v", r))
			if !recorded {
				rec.Outcome = models.OutcomeFailure
				rec.Reason = fmt.Sprintf("%s panicked: %v", stage, r)
				if err := e.recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
					e.logger.Error("failed to record execution", "rule_id", rule.ID, "error", err)
				}
				res.record = rec
			}
		}
	}()

	verdict := ev.Explain(ctx, rule.Conditions, rule.OwnerID)
	res.evaluated = true
	e.metrics.RuleEvaluated(ctx, scope)

	if !verdict.Satisfied {
		rec.Outcome = models.OutcomeSkipped
		rec.Reason = verdict.Reason
		if verdict.FailedIndex >= 0 {
			idx := verdict.FailedIndex
			rec.FailedCondition = &idx
		}
	} else {
		// manual runs may be cancelled up to this point
		if scope != ScopeTick && ctx.Err() != nil {
			res.cancelled = true
			return res
		}

		stage = models.StageExecute
		execCtx := context.WithoutCancel(ctx)
		out := e.actions.ExecuteSequence(execCtx, rule)
		rec.TxRefs = out.TxRefs()

		if out.Success {
			rec.Outcome = models.OutcomeSuccess
			rec.Reason = "all actions succeeded"
			res.executed = true
			e.metrics.RuleFired(ctx, scope)

			stage = models.StageUpdate
			if err := e.rules.MarkExecuted(execCtx, rule.ID, e.now().UTC()); err != nil {
				e.logger.Error("failed to mark rule executed", "rule_id", rule.ID, "error", err)
				fail(models.StageUpdate, err.Error())
			}
		} else {
			idx := out.FailedIndex
			rec.Outcome = models.OutcomeFailure
			rec.Reason = out.Reason()
			rec.FailedAction = &idx
			rec.Indeterminate = out.Indeterminate()
			if rec.Indeterminate {
				e.metrics.LedgerIndeterminate(ctx)
			}
			fail(models.StageExecute, rec.Reason)
		}
	}

	stage = models.StageRecord
	recorded = true
	if err := e.recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
		e.logger.Error("failed to record execution", "rule_id", rule.ID, "error", err)
		fail(models.StageRecord, err.Error())
	}
	res.record = rec

	if rec.Outcome == models.OutcomeFailure && e.alerter != nil {
		e.alerter.RuleFailed(context.WithoutCancel(ctx), rule, rec)
	}

	observability.AddEvent(ctx, "rule."+string(rec.Outcome),
		attribute.String("rule_id", rule.ID),
		attribute.String("owner_id", rule.OwnerID),
	)
	e.logger.Info("rule processed",
		"scope", scope,
		"tick_id", tickID,
		"rule_id", rule.ID,
		"owner_id", rule.OwnerID,
		"outcome", rec.Outcome,
	)
	return res
}

func (e *Engine) finish(ctx context.Context, scope string, summary *models.TickSummary, start time.Time) {
	finished := e.now()
	summary.FinishedAt = finished.UTC()
	e.metrics.TickCompleted(ctx, scope, finished.Sub(start))

	e.logger.Info("evaluation pass complete",
		"scope", scope,
		"tick_id", summary.TickID,
		"total", summary.Total,
		"evaluated", summary.Evaluated,
		"executed", summary.Executed,
		"failed", summary.Failed,
		"duration_ms", finished.Sub(start).Milliseconds(),
	)
}

func referencedOracles(rules []*models.Rule) []models.OracleType {
	seen := make(map[models.OracleType]bool)
	var types []models.OracleType
	for _, r := range rules {
		for _, t := range r.OracleTypes() {
			if !seen[t] {
				seen[t] = true
				types = append(types, t)
			}
		}
	}
	return types
}

func deployedOnly(rules []*models.Rule) []*models.Rule {
	out := rules[:0:0]
	for _, r := range rules {
		if r.Status == models.RuleStatusDeployed {
			out = append(out, r)
		}
	}
	return out
}

// groupByOwner keeps the first-seen owner order and rule order
func groupByOwner(rules []*models.Rule) [][]*models.Rule {
	index := make(map[string]int)
	var groups [][]*models.Rule
	for _, r := range rules {
		i, ok := index[r.OwnerID]
		if !ok {
			i = len(groups)
			index[r.OwnerID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], r)
	}
	return groups
}

// IsFatal reports whether a pass error means no rules were processed.
// A caller that stopped waiting gets a context error instead, and the pass
// itself carries on.
func IsFatal(err error) bool {
	return errors.Is(err, models.ErrRuleLoadFailed)
}
