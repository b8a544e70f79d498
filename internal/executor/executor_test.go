package executor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-decision-engine/autorule/internal/ledger"
	"github.com/aegis-decision-engine/autorule/internal/models"
)

type ledgerCall struct {
	op   string
	to   string
	from string
	key  string
}

type fakeLedger struct {
	mu     sync.Mutex
	calls  []ledgerCall
	failAt map[int]error // call number (0-based) to error
	block  bool
	panics bool
}

func (f *fakeLedger) record(ctx context.Context, c ledgerCall) (ledger.TxResult, error) {
	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, c)
	err := f.failAt[n]
	f.mu.Unlock()

	if f.panics {
		panic("ledger exploded")
	}
	if f.block {
		<-ctx.Done()
		return ledger.TxResult{}, ctx.Err()
	}
	if err != nil {
		return ledger.TxResult{}, err
	}
	return ledger.TxResult{TxRef: fmt.Sprintf("tx-%d", n)}, nil
}

func (f *fakeLedger) Transfer(ctx context.Context, req ledger.TransferRequest) (ledger.TxResult, error) {
	return f.record(ctx, ledgerCall{op: "transfer", from: req.From, to: req.To, key: req.IdempotencyKey})
}

func (f *fakeLedger) Mint(ctx context.Context, req ledger.MintRequest) (ledger.TxResult, error) {
	return f.record(ctx, ledgerCall{op: "mint", to: req.To, key: req.IdempotencyKey})
}

func (f *fakeLedger) Burn(ctx context.Context, req ledger.BurnRequest) (ledger.TxResult, error) {
	return f.record(ctx, ledgerCall{op: "burn", from: req.From, key: req.IdempotencyKey})
}

func (f *fakeLedger) Balance(context.Context, string, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type addressBook map[string]string

func (a addressBook) LedgerAddress(_ context.Context, ownerID string) (string, error) {
	addr, ok := a[ownerID]
	if !ok {
		return "", models.ErrAccountNotFound
	}
	return addr, nil
}

type notificationSpy struct {
	mu    sync.Mutex
	items []*models.Notification
	err   error
}

func (n *notificationSpy) CreateNotification(_ context.Context, item *models.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.items = append(n.items, item)
	return nil
}

type complianceSpy struct {
	events []*models.ComplianceEvent
}

func (c *complianceSpy) PublishCompliance(_ context.Context, e *models.ComplianceEvent) error {
	c.events = append(c.events, e)
	return nil
}

type fixture struct {
	ledger        *fakeLedger
	notifications *notificationSpy
	compliance    *complianceSpy
	exec          *Executor
}

func newFixture(l *fakeLedger, timeout time.Duration) *fixture {
	f := &fixture{ledger: l, notifications: &notificationSpy{}, compliance: &complianceSpy{}}
	f.exec = New(l, addressBook{"owner-1": "0xowner"}, f.notifications, f.compliance, Config{LedgerTimeout: timeout}, nil)
	return f
}

func amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func ruleWith(actions ...models.Action) *models.Rule {
	return &models.Rule{ID: "rule-1", OwnerID: "owner-1", Name: "test", Actions: actions, ExecutionCount: 3}
}

func TestExecuteSequenceStopsAtFirstFailure(t *testing.T) {
	f := newFixture(&fakeLedger{failAt: map[int]error{0: &ledger.RejectedError{StatusCode: 422, Reason: "insufficient balance"}}}, time.Second)

	rule := ruleWith(
		models.Action{Kind: models.ActionNotify, Message: "about to pay"},
		models.Action{Kind: models.ActionTransfer, Token: "eUSD", Amount: amount("10"), Recipient: "0xbob"},
		models.Action{Kind: models.ActionNotify, Message: "paid"},
	)

	out := f.exec.ExecuteSequence(context.Background(), rule)
	assert.False(t, out.Success)
	assert.Equal(t, 1, out.FailedIndex)
	assert.Len(t, out.Outcomes, 2)
	assert.Contains(t, out.Reason(), "insufficient balance")
	assert.False(t, out.Indeterminate())
	assert.Len(t, f.notifications.items, 1, "actions after the failure must not run")
}

func TestExecuteSequenceSuccess(t *testing.T) {
	f := newFixture(&fakeLedger{}, time.Second)

	rule := ruleWith(
		models.Action{Kind: models.ActionTransfer, Token: "eUSD", Amount: amount("10"), Recipient: "0xbob"},
		models.Action{Kind: models.ActionMint, Token: "eUSD", Amount: amount("5")},
	)

	out := f.exec.ExecuteSequence(context.Background(), rule)
	require.True(t, out.Success)
	assert.Equal(t, -1, out.FailedIndex)
	assert.Equal(t, []string{"tx-0", "tx-1"}, out.TxRefs())

	require.Len(t, f.ledger.calls, 2)
	assert.Equal(t, "0xowner", f.ledger.calls[0].from)
	assert.Equal(t, "0xowner", f.ledger.calls[1].to, "mint without recipient credits the owner")
}

func TestSplitPaymentPartialFailure(t *testing.T) {
	f := newFixture(&fakeLedger{failAt: map[int]error{1: &ledger.RejectedError{StatusCode: 422, Reason: "recipient frozen"}}}, time.Second)

	rule := ruleWith(models.Action{
		Kind:  models.ActionSplitPayment,
		Token: "eUSD",
		Recipients: []models.SplitRecipient{
			{Recipient: "0xa", Amount: amount("100")},
			{Recipient: "0xb", Amount: amount("200")},
			{Recipient: "0xc", Amount: amount("300")},
		},
	})

	out := f.exec.Execute(context.Background(), rule, 0)
	assert.False(t, out.Success)
	assert.Contains(t, out.Reason, "0xb")
	assert.Contains(t, out.Reason, "1 of 3")
	assert.Equal(t, []string{"tx-0"}, out.TxRefs, "completed legs are reported, not rolled back")
	assert.Len(t, f.ledger.calls, 2, "no transfer after the failing leg")
}

func TestLedgerTimeoutIsIndeterminate(t *testing.T) {
	f := newFixture(&fakeLedger{block: true}, 20*time.Millisecond)

	rule := ruleWith(models.Action{Kind: models.ActionBurn, Token: "eUSD", Amount: amount("1")})

	start := time.Now()
	out := f.exec.Execute(context.Background(), rule, 0)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, out.Success)
	assert.True(t, out.Indeterminate)
	assert.Contains(t, out.Reason, "timed out")
}

func TestLedgerGatewayErrorIsIndeterminate(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		indeterminate bool
	}{
		{name: "bad gateway", err: &ledger.GatewayError{StatusCode: 502, Body: "upstream reset"}, indeterminate: true},
		{name: "rejection", err: &ledger.RejectedError{StatusCode: 422, Reason: "insufficient balance"}, indeterminate: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(&fakeLedger{failAt: map[int]error{0: tt.err}}, time.Second)
			rule := ruleWith(models.Action{Kind: models.ActionTransfer, Token: "eUSD", Amount: amount("1"), Recipient: "0xbob"})

			out := f.exec.Execute(context.Background(), rule, 0)
			assert.False(t, out.Success)
			assert.Equal(t, tt.indeterminate, out.Indeterminate)
		})
	}
}

func TestExecuteRecoversPanics(t *testing.T) {
	f := newFixture(&fakeLedger{panics: true}, time.Second)
	rule := ruleWith(models.Action{Kind: models.ActionTransfer, Token: "eUSD", Amount: amount("1"), Recipient: "0xbob"})

	var out ActionOutcome
	require.NotPanics(t, func() { out = f.exec.Execute(context.Background(), rule, 0) })
	assert.False(t, out.Success)
	assert.Contains(t, out.Reason, "panicked")
}

func TestExecuteUnknownOwner(t *testing.T) {
	f := newFixture(&fakeLedger{}, time.Second)
	rule := ruleWith(models.Action{Kind: models.ActionTransfer, Token: "eUSD", Amount: amount("1"), Recipient: "0xbob"})
	rule.OwnerID = "ghost"

	out := f.exec.Execute(context.Background(), rule, 0)
	assert.False(t, out.Success)
	assert.Contains(t, out.Reason, "ledger address")
	assert.Empty(t, f.ledger.calls)
}

func TestFreezePublishesComplianceEvent(t *testing.T) {
	f := newFixture(&fakeLedger{}, time.Second)
	rule := ruleWith(models.Action{Kind: models.ActionFreeze})

	out := f.exec.Execute(context.Background(), rule, 0)
	require.True(t, out.Success)
	require.Len(t, f.compliance.events, 1)

	ev := f.compliance.events[0]
	assert.Equal(t, models.ComplianceFreezeRequested, ev.Type)
	assert.Equal(t, models.SeverityHigh, ev.Severity)
	assert.Equal(t, "owner-1", ev.OwnerID)
	assert.Empty(t, f.ledger.calls, "freeze never touches the ledger")
}

func TestNotifyFailsWhenStoreUnavailable(t *testing.T) {
	f := newFixture(&fakeLedger{}, time.Second)
	f.notifications.err = models.ErrConnection
	rule := ruleWith(models.Action{Kind: models.ActionNotify, Message: "hi"})

	out := f.exec.Execute(context.Background(), rule, 0)
	assert.False(t, out.Success)
	assert.Contains(t, out.Reason, "notification")
}

func TestIdempotencyKeyIsStablePerFire(t *testing.T) {
	f := newFixture(&fakeLedger{failAt: map[int]error{0: context.DeadlineExceeded}}, time.Second)
	rule := ruleWith(models.Action{Kind: models.ActionTransfer, Token: "eUSD", Amount: amount("1"), Recipient: "0xbob"})

	f.exec.Execute(context.Background(), rule, 0)
	f.exec.Execute(context.Background(), rule, 0)
	require.Len(t, f.ledger.calls, 2)
	assert.Equal(t, f.ledger.calls[0].key, f.ledger.calls[1].key, "a retried fire reuses its key")

	rule.ExecutionCount++
	f.exec.Execute(context.Background(), rule, 0)
	assert.NotEqual(t, f.ledger.calls[0].key, f.ledger.calls[2].key)

	assert.NotEqual(t, IdempotencyKey("r", 1, 0, 0), IdempotencyKey("r", 1, 0, 1))
	assert.NotEqual(t, IdempotencyKey("r", 1, 0, 0), IdempotencyKey("r", 1, 1, 0))
}

func TestExecuteInvalidActionFails(t *testing.T) {
	f := newFixture(&fakeLedger{}, time.Second)
	rule := ruleWith(models.Action{Kind: models.ActionTransfer, Token: "eUSD", Amount: amount("0"), Recipient: "0xbob"})

	out := f.exec.Execute(context.Background(), rule, 0)
	assert.False(t, out.Success)
	assert.Empty(t, f.ledger.calls)

	out = f.exec.Execute(context.Background(), rule, 5)
	assert.False(t, out.Success)
}
