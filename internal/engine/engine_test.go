package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-decision-engine/autorule/internal/audit"
	"github.com/aegis-decision-engine/autorule/internal/executor"
	"github.com/aegis-decision-engine/autorule/internal/ledger"
	"github.com/aegis-decision-engine/autorule/internal/models"
	"github.com/aegis-decision-engine/autorule/internal/oracle"
	"github.com/aegis-decision-engine/autorule/internal/rule"
)

type staticProvider struct {
	typ   models.OracleType
	snap  models.Snapshot
	err   error
	calls atomic.Int32
}

func (p *staticProvider) Type() models.OracleType { return p.typ }

func (p *staticProvider) Fetch(context.Context) (*models.Snapshot, error) {
	p.calls.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	snap := p.snap
	return &snap, nil
}

func fxProvider(rate float64) *staticProvider {
	return &staticProvider{typ: models.OracleFXRates, snap: models.Snapshot{FX: map[string]float64{"USD/INR": rate}}}
}

func weatherProvider() *staticProvider {
	return &staticProvider{typ: models.OracleWeather, snap: models.Snapshot{Weather: map[string]models.WeatherReading{"mumbai": {TemperatureC: 30, Condition: "rain"}}}}
}

type runnerFunc func(ctx context.Context, r *models.Rule) executor.SequenceOutcome

func (f runnerFunc) ExecuteSequence(ctx context.Context, r *models.Rule) executor.SequenceOutcome {
	return f(ctx, r)
}

func succeed(context.Context, *models.Rule) executor.SequenceOutcome {
	return executor.SequenceOutcome{Success: true, FailedIndex: -1, Outcomes: []executor.ActionOutcome{{Kind: models.ActionNotify, Success: true}}}
}

type countingRunner struct {
	calls atomic.Int32
	fn    runnerFunc
}

func (c *countingRunner) ExecuteSequence(ctx context.Context, r *models.Rule) executor.SequenceOutcome {
	c.calls.Add(1)
	if c.fn != nil {
		return c.fn(ctx, r)
	}
	return succeed(ctx, r)
}

type balanceFunc func(ctx context.Context, ownerID, token string) (decimal.Decimal, error)

func (f balanceFunc) Balance(ctx context.Context, ownerID, token string) (decimal.Decimal, error) {
	return f(ctx, ownerID, token)
}

var ruleSeq atomic.Int64

func fxRule(id, owner string, threshold float64) *models.Rule {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(ruleSeq.Add(1)) * time.Second)
	return &models.Rule{
		ID:      id,
		OwnerID: owner,
		Name:    id,
		Status:  models.RuleStatusDeployed,
		Conditions: []models.Condition{
			{Kind: models.ConditionFXRate, Pair: "USD/INR", Operator: models.OpGT, Value: models.NumberOperand(threshold)},
		},
		Actions:   []models.Action{{Kind: models.ActionNotify, Message: "fired"}},
		CreatedAt: created,
	}
}

type harness struct {
	store    *rule.MemoryStore
	recorder *audit.MemoryRecorder
	runner   *countingRunner
	cache    *oracle.Cache
	engine   *Engine
}

func newHarness(t *testing.T, providers []oracle.Provider, rules ...*models.Rule) *harness {
	t.Helper()
	h := &harness{
		store:    rule.NewMemoryStore(),
		recorder: audit.NewMemoryRecorder(),
		runner:   &countingRunner{},
		cache:    oracle.NewCache(providers, oracle.Options{TTL: time.Hour, FetchTimeout: time.Second}),
	}
	for _, r := range rules {
		require.NoError(t, h.store.Create(context.Background(), r))
	}
	h.engine = New(Deps{
		Rules:    h.store,
		Oracles:  h.cache,
		Actions:  h.runner,
		Recorder: h.recorder,
	}, Config{Concurrency: 4}, nil)
	return h
}

func TestRunTickFiresSatisfiedRules(t *testing.T) {
	h := newHarness(t, []oracle.Provider{fxProvider(83.12)},
		fxRule("fires", "owner-1", 83.0),
		fxRule("waits", "owner-1", 84.0),
	)
	ctx := context.Background()

	summary, err := h.engine.RunTick(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 2, summary.Evaluated)
	assert.Equal(t, 1, summary.Executed)
	assert.Zero(t, summary.Failed)

	records := h.recorder.All()
	require.Len(t, records, 2, "every evaluated rule is recorded")

	fired, _ := h.store.Get(ctx, "fires")
	assert.Equal(t, int64(1), fired.ExecutionCount)
	assert.NotNil(t, fired.LastExecuted)

	waiting, _ := h.store.Get(ctx, "waits")
	assert.Zero(t, waiting.ExecutionCount)

	list, _ := h.recorder.ListByRule(ctx, "waits", 1)
	require.Len(t, list, 1)
	assert.Equal(t, models.OutcomeSkipped, list[0].Outcome)
	require.NotNil(t, list[0].FailedCondition)
	assert.Equal(t, 0, *list[0].FailedCondition)

	last, _ := h.recorder.LastTick(ctx)
	assert.NotNil(t, last)
}

func TestRunTickIsolatesRuleFailures(t *testing.T) {
	h := newHarness(t, []oracle.Provider{fxProvider(90)},
		fxRule("a", "owner-1", 80),
		fxRule("boom", "owner-1", 80),
		fxRule("c", "owner-2", 80),
	)
	h.runner.fn = func(ctx context.Context, r *models.Rule) executor.SequenceOutcome {
		if r.ID == "boom" {
			panic("executor bug")
		}
		return succeed(ctx, r)
	}

	summary, err := h.engine.RunTick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Executed)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, "boom", summary.Errors[0].RuleID)
	assert.Equal(t, models.StageExecute, summary.Errors[0].Stage)

	list, _ := h.recorder.ListByRule(context.Background(), "boom", 1)
	require.Len(t, list, 1)
	assert.Equal(t, models.OutcomeFailure, list[0].Outcome)
}

func TestRunTickBalanceGate(t *testing.T) {
	r := fxRule("salary", "owner-1", 80)
	r.Conditions = append(r.Conditions, models.Condition{
		Kind: models.ConditionBalance, Token: "eUSD", Operator: models.OpGTE, Value: models.NumberOperand(100),
	})
	h := newHarness(t, []oracle.Provider{fxProvider(90)}, r)
	h.engine.balances = balanceFunc(func(context.Context, string, string) (decimal.Decimal, error) {
		return decimal.NewFromInt(50), nil
	})

	summary, err := h.engine.RunTick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Executed)
	assert.Zero(t, h.runner.calls.Load())

	list, _ := h.recorder.ListByRule(context.Background(), "salary", 1)
	require.Len(t, list, 1)
	assert.Equal(t, 1, *list[0].FailedCondition)
}

type splitLedger struct {
	mu    sync.Mutex
	calls int
}

func (l *splitLedger) Transfer(_ context.Context, req ledger.TransferRequest) (ledger.TxResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if req.To == "0xb" {
		return ledger.TxResult{}, &ledger.RejectedError{StatusCode: 422, Reason: "recipient frozen"}
	}
	return ledger.TxResult{TxRef: fmt.Sprintf("tx-%d", l.calls)}, nil
}

func (l *splitLedger) Mint(context.Context, ledger.MintRequest) (ledger.TxResult, error) {
	return ledger.TxResult{}, errors.New("unexpected mint")
}

func (l *splitLedger) Burn(context.Context, ledger.BurnRequest) (ledger.TxResult, error) {
	return ledger.TxResult{}, errors.New("unexpected burn")
}

func (l *splitLedger) Balance(context.Context, string, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type oneAccount struct{}

func (oneAccount) LedgerAddress(context.Context, string) (string, error) { return "0xowner", nil }

func TestRunTickSplitPaymentPartialFailure(t *testing.T) {
	r := fxRule("split", "owner-1", 80)
	r.Actions = []models.Action{
		{
			Kind:  models.ActionSplitPayment,
			Token: "eUSD",
			Recipients: []models.SplitRecipient{
				{Recipient: "0xa", Amount: decimal.NewFromInt(10)},
				{Recipient: "0xb", Amount: decimal.NewFromInt(20)},
				{Recipient: "0xc", Amount: decimal.NewFromInt(30)},
			},
		},
		{Kind: models.ActionNotify, Message: "split done"},
	}
	h := newHarness(t, []oracle.Provider{fxProvider(90)}, r)

	l := &splitLedger{}
	h.engine.actions = executor.New(l, oneAccount{}, nil, nil, executor.Config{LedgerTimeout: time.Second}, nil)

	summary, err := h.engine.RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 2, l.calls)

	list, _ := h.recorder.ListByRule(context.Background(), "split", 1)
	require.Len(t, list, 1)
	rec := list[0]
	assert.Equal(t, models.OutcomeFailure, rec.Outcome)
	require.NotNil(t, rec.FailedAction)
	assert.Equal(t, 0, *rec.FailedAction)
	assert.Contains(t, rec.Reason, "0xb")
	assert.Equal(t, []string{"tx-1"}, rec.TxRefs)

	stored, _ := h.store.Get(context.Background(), "split")
	assert.Zero(t, stored.ExecutionCount, "a failed fire is not marked executed")
}

type failingStore struct {
	*rule.MemoryStore
	err error
}

func (f failingStore) ListDeployed(context.Context) ([]*models.Rule, error) {
	return nil, f.err
}

func TestRunTickFatalErrors(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.rules = failingStore{MemoryStore: h.store, err: models.ErrConnection}

	_, err := h.engine.RunTick(context.Background())
	assert.ErrorIs(t, err, models.ErrRuleLoadFailed)
	assert.True(t, IsFatal(err))
	assert.False(t, IsFatal(context.Canceled))
}

func balanceRule(id, owner string, min int64) *models.Rule {
	r := fxRule(id, owner, 0)
	r.Conditions = []models.Condition{
		{Kind: models.ConditionBalance, Token: "eUSD", Operator: models.OpGTE, Value: models.NumberOperand(float64(min))},
	}
	return r
}

func TestRunTickOracleOutageDoesNotStopOtherRules(t *testing.T) {
	down := &staticProvider{typ: models.OracleFXRates, err: errors.New("feed down")}
	h := newHarness(t, []oracle.Provider{down},
		fxRule("fx", "owner-1", 80),
		balanceRule("salary", "owner-2", 100),
	)
	h.engine.balances = balanceFunc(func(context.Context, string, string) (decimal.Decimal, error) {
		return decimal.NewFromInt(500), nil
	})

	summary, err := h.engine.RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Evaluated)
	assert.Equal(t, 1, summary.Executed)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, int32(1), h.runner.calls.Load())

	require.Len(t, summary.Errors, 1)
	assert.Equal(t, models.StageOracle, summary.Errors[0].Stage)
	assert.Empty(t, summary.Errors[0].RuleID)
	assert.Contains(t, summary.Errors[0].Message, "feed down")

	list, _ := h.recorder.ListByRule(context.Background(), "fx", 1)
	require.Len(t, list, 1)
	assert.Equal(t, models.OutcomeSkipped, list[0].Outcome, "no oracle data means the condition is false")
}

func TestRunTickOutageKeepsFreshSnapshot(t *testing.T) {
	fx := fxProvider(90)
	h := newHarness(t, []oracle.Provider{fx}, fxRule("r", "owner-1", 80))
	ctx := context.Background()

	_, err := h.engine.RunTick(ctx)
	require.NoError(t, err)

	fx.err = errors.New("feed down")
	summary, err := h.engine.RunTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Executed, "the previous snapshot is still within its TTL")
	assert.Equal(t, int32(2), h.runner.calls.Load())
}

func TestRunTickWithoutProviderForReferencedOracle(t *testing.T) {
	r := fxRule("rain", "owner-1", 0)
	r.Conditions = []models.Condition{
		{Kind: models.ConditionWeather, Zone: "mumbai", Field: "condition", Operator: models.OpEQ, Value: models.TextOperand("rain")},
	}
	h := newHarness(t, nil, r, balanceRule("salary", "owner-1", 1))
	h.engine.balances = balanceFunc(func(context.Context, string, string) (decimal.Decimal, error) {
		return decimal.NewFromInt(5), nil
	})

	summary, err := h.engine.RunTick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summary.Errors)
	assert.Equal(t, 1, summary.Executed)
}

func TestRunTickRefreshesOnlyReferencedOracles(t *testing.T) {
	fx := fxProvider(90)
	weather := weatherProvider()
	h := newHarness(t, []oracle.Provider{fx, weather}, fxRule("r", "owner-1", 80))

	_, err := h.engine.RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), fx.calls.Load())
	assert.Zero(t, weather.calls.Load())
}

type blockingStore struct {
	*rule.MemoryStore
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingStore) ListDeployed(ctx context.Context) ([]*models.Rule, error) {
	if b.calls.Add(1) == 1 {
		close(b.entered)
	}
	<-b.release
	return b.MemoryStore.ListDeployed(ctx)
}

func TestRunTickCoalescesConcurrentCallers(t *testing.T) {
	h := newHarness(t, []oracle.Provider{fxProvider(90)}, fxRule("r", "owner-1", 80))
	store := &blockingStore{MemoryStore: h.store, entered: make(chan struct{}), release: make(chan struct{})}
	h.engine.rules = store

	var wg sync.WaitGroup
	summaries := make([]*models.TickSummary, 2)
	for i := range summaries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := h.engine.RunTick(context.Background())
			assert.NoError(t, err)
			summaries[i] = s
		}()
		if i == 0 {
			<-store.entered
		}
	}

	time.Sleep(50 * time.Millisecond)
	close(store.release)
	wg.Wait()

	assert.Equal(t, int32(1), store.calls.Load())
	assert.Equal(t, summaries[0].TickID, summaries[1].TickID)
	assert.Equal(t, int32(1), h.runner.calls.Load(), "the rule fires once")
}

func TestRunTickSurvivesCallerCancellation(t *testing.T) {
	h := newHarness(t, []oracle.Provider{fxProvider(90)}, fxRule("r", "owner-1", 80))
	store := &blockingStore{MemoryStore: h.store, entered: make(chan struct{}), release: make(chan struct{})}
	h.engine.rules = store

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := h.engine.RunTick(ctx)
		firstErr <- err
	}()
	<-store.entered

	type result struct {
		summary *models.TickSummary
		err     error
	}
	scheduled := make(chan result, 1)
	go func() {
		s, err := h.engine.RunTick(context.Background())
		scheduled <- result{s, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(store.release)
	res := <-scheduled
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.summary.Executed)
	assert.Equal(t, int32(1), store.calls.Load())
	assert.Equal(t, int32(1), h.runner.calls.Load())
}

// waiters counts holders and queued callers of an owner's lock
func waiters(locks *OwnerLocks, ownerID string) int {
	locks.mu.Lock()
	defer locks.mu.Unlock()
	if l, ok := locks.locks[ownerID]; ok {
		return l.refs
	}
	return 0
}

// gateFirstFire blocks the first fire until release is closed and
// records every fired rule with the execution count it saw
type gateFirstFire struct {
	mu      sync.Mutex
	fired   []string
	counts  []int64
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGateFirstFire() *gateFirstFire {
	return &gateFirstFire{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gateFirstFire) run(ctx context.Context, r *models.Rule) executor.SequenceOutcome {
	g.mu.Lock()
	g.fired = append(g.fired, r.ID)
	g.counts = append(g.counts, r.ExecutionCount)
	g.mu.Unlock()

	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return succeed(ctx, r)
}

// overlap starts RunSingle on ruleID, lets it block inside its fire, then
// queues a tick behind it on the owner lock. between runs while both are
// in place.
func overlap(t *testing.T, h *harness, gate *gateFirstFire, ruleID string, between func()) *models.TickSummary {
	t.Helper()
	ctx := context.Background()

	single := make(chan struct{})
	go func() {
		defer close(single)
		res, err := h.engine.RunSingle(ctx, ruleID)
		assert.NoError(t, err)
		assert.True(t, res.Executed)
	}()
	<-gate.entered

	tick := make(chan *models.TickSummary, 1)
	go func() {
		s, err := h.engine.RunTick(ctx)
		assert.NoError(t, err)
		tick <- s
	}()
	require.Eventually(t, func() bool { return waiters(h.engine.locks, "owner-1") == 2 }, time.Second, 5*time.Millisecond)

	between()
	close(gate.release)
	<-single
	return <-tick
}

func TestOverlappingRunsSeeLatestExecutionCount(t *testing.T) {
	h := newHarness(t, []oracle.Provider{fxProvider(90)}, fxRule("r", "owner-1", 80))
	h.cache.RefreshAll(context.Background())
	gate := newGateFirstFire()
	h.runner.fn = gate.run

	summary := overlap(t, h, gate, "r", func() {})
	assert.Equal(t, 1, summary.Executed)

	require.Equal(t, []int64{0, 1}, gate.counts)
	assert.NotEqual(t,
		executor.IdempotencyKey("r", gate.counts[0], 0, 0),
		executor.IdempotencyKey("r", gate.counts[1], 0, 0),
		"separate fires get separate ledger keys",
	)

	stored, _ := h.store.Get(context.Background(), "r")
	assert.Equal(t, int64(2), stored.ExecutionCount)
}

func TestRulePausedWhileQueuedDoesNotFire(t *testing.T) {
	h := newHarness(t, []oracle.Provider{fxProvider(90)},
		fxRule("a", "owner-1", 80),
		fxRule("b", "owner-1", 80),
	)
	h.cache.RefreshAll(context.Background())
	gate := newGateFirstFire()
	h.runner.fn = gate.run
	ctx := context.Background()

	summary := overlap(t, h, gate, "a", func() {
		require.NoError(t, h.store.UpdateStatus(ctx, "b", models.RuleStatusPaused))
	})

	assert.Equal(t, []string{"a", "a"}, gate.fired)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.Evaluated)
	assert.Equal(t, 1, summary.Executed)

	list, _ := h.recorder.ListByRule(ctx, "b", 10)
	assert.Empty(t, list)
}

func TestOwnerActionsAreSerialized(t *testing.T) {
	var rules []*models.Rule
	for i := 0; i < 4; i++ {
		rules = append(rules, fxRule(fmt.Sprintf("o1-%d", i), "owner-1", 80))
		rules = append(rules, fxRule(fmt.Sprintf("o2-%d", i), "owner-2", 80))
	}
	h := newHarness(t, []oracle.Provider{fxProvider(90)}, rules...)
	h.cache.RefreshAll(context.Background())

	var (
		mu       sync.Mutex
		inFlight = map[string]int{}
		maxSeen  = map[string]int{}
	)
	h.runner.fn = func(ctx context.Context, r *models.Rule) executor.SequenceOutcome {
		mu.Lock()
		inFlight[r.OwnerID]++
		if inFlight[r.OwnerID] > maxSeen[r.OwnerID] {
			maxSeen[r.OwnerID] = inFlight[r.OwnerID]
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight[r.OwnerID]--
		mu.Unlock()
		return succeed(ctx, r)
	}

	var wg sync.WaitGroup
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	ctx := context.Background()
	run(func() { _, _ = h.engine.RunTick(ctx) })
	run(func() { _, _ = h.engine.RunForOwner(ctx, "owner-1") })
	run(func() { _, _ = h.engine.RunForOwner(ctx, "owner-2") })
	run(func() { _, _ = h.engine.RunSingle(ctx, "o1-0") })
	wg.Wait()

	assert.Equal(t, 1, maxSeen["owner-1"])
	assert.Equal(t, 1, maxSeen["owner-2"])
	assert.Zero(t, h.engine.locks.Len())
}

func TestRunSingle(t *testing.T) {
	paused := fxRule("paused", "owner-1", 80)
	paused.Status = models.RuleStatusPaused
	h := newHarness(t, []oracle.Provider{fxProvider(82.9)}, fxRule("high", "owner-1", 83), paused)
	h.cache.RefreshAll(context.Background())
	ctx := context.Background()

	res, err := h.engine.RunSingle(ctx, "high")
	require.NoError(t, err)
	assert.False(t, res.Executed)
	require.NotNil(t, res.FailedCondition)
	assert.Equal(t, 0, *res.FailedCondition)
	assert.Contains(t, res.Reason, "USD/INR")

	_, err = h.engine.RunSingle(ctx, "paused")
	assert.ErrorIs(t, err, models.ErrRuleNotDeployed)

	_, err = h.engine.RunSingle(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrRuleNotFound)
}

func TestRunSingleCancelledBeforeExecution(t *testing.T) {
	r := fxRule("r", "owner-1", 80)
	r.Conditions = append(r.Conditions, models.Condition{
		Kind: models.ConditionBalance, Token: "eUSD", Operator: models.OpGT, Value: models.NumberOperand(0),
	})
	h := newHarness(t, []oracle.Provider{fxProvider(90)}, r)
	h.cache.RefreshAll(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	h.engine.balances = balanceFunc(func(context.Context, string, string) (decimal.Decimal, error) {
		// operator cancels while conditions are being evaluated
		cancel()
		return decimal.NewFromInt(10), nil
	})

	_, err := h.engine.RunSingle(ctx, "r")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, h.runner.calls.Load())
	assert.Empty(t, h.recorder.All())
}

func TestActionsIgnoreCancellationOnceStarted(t *testing.T) {
	h := newHarness(t, []oracle.Provider{fxProvider(90)}, fxRule("r", "owner-1", 80))
	h.cache.RefreshAll(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	h.runner.fn = func(execCtx context.Context, r *models.Rule) executor.SequenceOutcome {
		cancel()
		assert.NoError(t, execCtx.Err())
		return succeed(execCtx, r)
	}

	res, err := h.engine.RunSingle(ctx, "r")
	require.NoError(t, err)
	assert.True(t, res.Executed)
	assert.Len(t, h.recorder.All(), 1)
}

func TestRunForOwnerOnlyTouchesOwner(t *testing.T) {
	h := newHarness(t, []oracle.Provider{fxProvider(90)},
		fxRule("mine", "owner-1", 80),
		fxRule("theirs", "owner-2", 80),
	)
	h.cache.RefreshAll(context.Background())
	ctx := context.Background()

	summary, err := h.engine.RunForOwner(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 1, summary.Executed)

	theirs, _ := h.store.Get(ctx, "theirs")
	assert.Zero(t, theirs.ExecutionCount)
	assert.Nil(t, theirs.LastExecuted)

	last, _ := h.recorder.LastTick(ctx)
	assert.Nil(t, last, "manual runs do not count as ticks")
}

func TestEvaluateOwnerHasNoSideEffects(t *testing.T) {
	paused := fxRule("paused", "owner-1", 80)
	paused.Status = models.RuleStatusPaused
	h := newHarness(t, []oracle.Provider{fxProvider(90)},
		fxRule("yes", "owner-1", 80),
		fxRule("no", "owner-1", 95),
		paused,
	)
	h.cache.RefreshAll(context.Background())

	previews, err := h.engine.EvaluateOwner(context.Background(), "owner-1")
	require.NoError(t, err)
	require.Len(t, previews, 3)

	byID := map[string]models.RulePreview{}
	for _, p := range previews {
		byID[p.RuleID] = p
	}
	assert.True(t, byID["yes"].WouldExecute)
	assert.False(t, byID["no"].WouldExecute)
	assert.Equal(t, "rule is paused", byID["paused"].Reason)

	assert.Zero(t, h.runner.calls.Load())
	assert.Empty(t, h.recorder.All())
}

func TestUpdateOraclesAndStatus(t *testing.T) {
	h := newHarness(t, []oracle.Provider{fxProvider(90), weatherProvider()}, fxRule("r", "owner-1", 80))
	ctx := context.Background()

	res, err := h.engine.UpdateOracles(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Refreshed, 2)

	_, err = h.engine.RunTick(ctx)
	require.NoError(t, err)

	status, err := h.engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.ActiveRuleCount)
	assert.Equal(t, int64(1), status.ExecutionsLast24h)
	assert.NotNil(t, status.LastRun)
}

func TestOwnerLocksRespectContext(t *testing.T) {
	locks := NewOwnerLocks()

	release, err := locks.Lock(context.Background(), "owner-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(ctx, "owner-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := locks.Lock(context.Background(), "owner-2")
	require.NoError(t, err, "other owners are not blocked")
	other()

	release()
	release()
	assert.Zero(t, locks.Len())
}
