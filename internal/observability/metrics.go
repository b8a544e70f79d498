package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Metrics holds the engine's instruments. A nil *Metrics records nothing.
type Metrics struct {
	rulesEvaluated      otelmetric.Int64Counter
	rulesFired          otelmetric.Int64Counter
	rulesFailed         otelmetric.Int64Counter
	oracleFailures      otelmetric.Int64Counter
	ledgerIndeterminate otelmetric.Int64Counter
	tickDuration        otelmetric.Float64Histogram
}

// NewMetrics creates instruments on the given meter provider, or the
// global one when mp is nil
func NewMetrics(mp otelmetric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	var (
		m   Metrics
		err error
	)
	if m.rulesEvaluated, err = meter.Int64Counter("autorule_rules_evaluated_total",
		otelmetric.WithDescription("Rules whose conditions were evaluated")); err != nil {
		return nil, err
	}
	if m.rulesFired, err = meter.Int64Counter("autorule_rules_fired_total",
		otelmetric.WithDescription("Rules whose full action sequence succeeded")); err != nil {
		return nil, err
	}
	if m.rulesFailed, err = meter.Int64Counter("autorule_rules_failed_total",
		otelmetric.WithDescription("Rules that errored during evaluation or execution")); err != nil {
		return nil, err
	}
	if m.oracleFailures, err = meter.Int64Counter("autorule_oracle_refresh_failures_total",
		otelmetric.WithDescription("Oracle fetches that kept the previous snapshot")); err != nil {
		return nil, err
	}
	if m.ledgerIndeterminate, err = meter.Int64Counter("autorule_ledger_indeterminate_total",
		otelmetric.WithDescription("Ledger calls that timed out with unknown outcome")); err != nil {
		return nil, err
	}
	if m.tickDuration, err = meter.Float64Histogram("autorule_tick_duration_seconds",
		otelmetric.WithDescription("Duration of evaluation passes"),
		otelmetric.WithUnit("s")); err != nil {
		return nil, err
	}
	return &m, nil
}

// RuleEvaluated counts one evaluated rule
func (m *Metrics) RuleEvaluated(ctx context.Context, scope string) {
	if m == nil {
		return
	}
	m.rulesEvaluated.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("scope", scope)))
}

// RuleFired counts one successful fire
func (m *Metrics) RuleFired(ctx context.Context, scope string) {
	if m == nil {
		return
	}
	m.rulesFired.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("scope", scope)))
}

// RuleFailed counts one failed rule by stage
func (m *Metrics) RuleFailed(ctx context.Context, scope, stage string) {
	if m == nil {
		return
	}
	m.rulesFailed.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("stage", stage),
	))
}

// LedgerIndeterminate counts a fire whose ledger outcome is unknown
func (m *Metrics) LedgerIndeterminate(ctx context.Context) {
	if m == nil {
		return
	}
	m.ledgerIndeterminate.Add(ctx, 1)
}

// OracleRefreshFailed counts a failed oracle fetch
func (m *Metrics) OracleRefreshFailed(ctx context.Context, oracleType string) {
	if m == nil {
		return
	}
	m.oracleFailures.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("oracle", oracleType)))
}

// TickCompleted records the duration of a pass
func (m *Metrics) TickCompleted(ctx context.Context, scope string, d time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Record(ctx, d.Seconds(), otelmetric.WithAttributes(attribute.String("scope", scope)))
}
