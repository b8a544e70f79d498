// Package evaluator decides whether rule conditions hold against an oracle
// view and account balances. Evaluation never panics and never errors:
// anything it cannot judge is false.
package evaluator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aegis-decision-engine/autorule/internal/models"
	"github.com/aegis-decision-engine/autorule/internal/oracle"
)

// timeSkew is how far apart two wall-clock minutes may be and still be eq
const timeSkew = 1

// BalanceReader returns an owner's current balance of a token
type BalanceReader interface {
	Balance(ctx context.Context, ownerID, token string) (decimal.Decimal, error)
}

// Evaluator evaluates conditions for one tick
type Evaluator struct {
	oracles  oracle.Reader
	balances BalanceReader
	clock    func() time.Time
	logger   *slog.Logger
}

// New creates an evaluator. clock defaults to time.Now.
func New(oracles oracle.Reader, balances BalanceReader, clock func() time.Time, logger *slog.Logger) *Evaluator {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		oracles:  oracles,
		balances: balances,
		clock:    clock,
		logger:   logger,
	}
}

// Verdict is the result of evaluating a condition list
type Verdict struct {
	Satisfied bool
	// FailedIndex is the first condition that did not hold, or -1
	FailedIndex int
	Reason      string
}

// Evaluate reports whether a single condition holds for the owner
func (e *Evaluator) Evaluate(ctx context.Context, cond models.Condition, ownerID string) bool {
	ok, _ := e.evaluate(ctx, cond, ownerID)
	return ok
}

// EvaluateAll is a short-circuit AND over conds. An empty list is false.
func (e *Evaluator) EvaluateAll(ctx context.Context, conds []models.Condition, ownerID string) bool {
	return e.Explain(ctx, conds, ownerID).Satisfied
}

// Explain evaluates conds in order, stopping at the first that fails
func (e *Evaluator) Explain(ctx context.Context, conds []models.Condition, ownerID string) Verdict {
	if len(conds) == 0 {
		return Verdict{FailedIndex: -1, Reason: "rule has no conditions"}
	}

	for i, cond := range conds {
		ok, why := e.evaluate(ctx, cond, ownerID)
		if !ok {
			return Verdict{
				FailedIndex: i,
				Reason:      fmt.Sprintf("condition %d (%s): %s", i, cond.Describe(), why),
			}
		}
	}
	return Verdict{Satisfied: true, FailedIndex: -1}
}

func (e *Evaluator) evaluate(ctx context.Context, cond models.Condition, ownerID string) (ok bool, why string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("condition evaluation panicked", "kind", cond.Kind, "panic", r)
			ok, why = false, fmt.Sprintf("evaluation panicked: %v", r)
		}
	}()

	if !cond.ValidOperator() {
		return false, fmt.Sprintf("operator %q not supported for %s", cond.Operator, cond.Kind)
	}

	switch cond.Kind {
	case models.ConditionFXRate:
		rate, found := e.oracles.FXRate(cond.Pair)
		if !found {
			return false, "no fresh rate"
		}
		return verdict(compareNumber(rate, cond.Operator, cond.Value))

	case models.ConditionTime:
		return verdict(e.compareTime(cond))

	case models.ConditionWeather:
		reading, found := e.oracles.Weather(cond.Zone)
		if !found {
			return false, "no fresh weather for zone"
		}
		if cond.Field == models.WeatherFieldTemperature {
			return verdict(compareNumber(reading.TemperatureC, cond.Operator, cond.Value))
		}
		return verdict(matchText(reading.Condition, cond.Operator, cond.Value))

	case models.ConditionGeoLocation:
		zone, found := e.oracles.Zone(ownerID)
		if !found {
			return false, "no fresh location for owner"
		}
		return verdict(matchText(zone, cond.Operator, cond.Value))

	case models.ConditionBalance:
		if e.balances == nil {
			return false, "balances unavailable"
		}
		bal, err := e.balances.Balance(ctx, ownerID, cond.Token)
		if err != nil {
			e.logger.Warn("balance lookup failed",
				"owner_id", ownerID,
				"token", cond.Token,
				"error", err,
			)
			return false, "balance unavailable: " + err.Error()
		}
		return verdict(compareDecimal(bal, cond.Operator, cond.Value))
	}

	return false, fmt.Sprintf("unknown condition kind %q", cond.Kind)
}

func verdict(ok bool) (bool, string) {
	if ok {
		return true, ""
	}
	return false, "not met"
}

func compareNumber(f float64, op models.Operator, target models.Operand) bool {
	if op == models.OpBetween {
		if target.Range == nil {
			return false
		}
		return f >= target.Range.Min && f <= target.Range.Max
	}
	if target.Number == nil {
		return false
	}
	t := *target.Number

	switch op {
	case models.OpGT:
		return f > t
	case models.OpGTE:
		return f >= t
	case models.OpLT:
		return f < t
	case models.OpLTE:
		return f <= t
	case models.OpEQ:
		return f == t
	default:
		return false
	}
}

func compareDecimal(d decimal.Decimal, op models.Operator, target models.Operand) bool {
	if op == models.OpBetween {
		if target.Range == nil {
			return false
		}
		return d.GreaterThanOrEqual(decimal.NewFromFloat(target.Range.Min)) &&
			d.LessThanOrEqual(decimal.NewFromFloat(target.Range.Max))
	}
	if target.Number == nil {
		return false
	}
	cmp := d.Cmp(decimal.NewFromFloat(*target.Number))

	switch op {
	case models.OpGT:
		return cmp > 0
	case models.OpGTE:
		return cmp >= 0
	case models.OpLT:
		return cmp < 0
	case models.OpLTE:
		return cmp <= 0
	case models.OpEQ:
		return cmp == 0
	default:
		return false
	}
}

func matchText(actual string, op models.Operator, target models.Operand) bool {
	switch op {
	case models.OpEQ:
		return target.Text != "" && strings.EqualFold(actual, target.Text)
	case models.OpIn:
		for _, candidate := range target.List {
			if strings.EqualFold(actual, candidate) {
				return true
			}
		}
	}
	return false
}
