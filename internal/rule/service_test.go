package rule

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-decision-engine/autorule/internal/ledger"
	"github.com/aegis-decision-engine/autorule/internal/models"
	"github.com/aegis-decision-engine/autorule/internal/validator"
)

func newTestService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	v, err := validator.NewRuleValidator()
	require.NoError(t, err)
	store := NewMemoryStore()
	tokens := ledger.NewTokenRegistry(map[string]string{"eUSD": "0xusd"})
	return NewService(store, v, tokens, nil), store
}

func validRule(token string) *models.Rule {
	return &models.Rule{
		OwnerID: "owner-1",
		Name:    "salary sweep",
		Conditions: []models.Condition{
			{Kind: models.ConditionFXRate, Pair: "USD/INR", Operator: models.OpGT, Value: models.NumberOperand(83)},
		},
		Actions: []models.Action{
			{Kind: models.ActionTransfer, Token: token, Amount: decimal.NewFromInt(100), Recipient: "0xbob"},
		},
	}
}

func TestRuleLifecycle(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	r, err := svc.Create(ctx, validRule("eUSD"))
	require.NoError(t, err)
	assert.Equal(t, models.RuleStatusDraft, r.Status)
	assert.NotEmpty(t, r.ID)

	_, err = svc.Pause(ctx, r.ID)
	assert.ErrorIs(t, err, models.ErrInvalidTransition, "draft cannot be paused")

	r, err = svc.Deploy(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RuleStatusDeployed, r.Status)

	deployed, _ := store.ListDeployed(ctx)
	assert.Len(t, deployed, 1)

	_, err = svc.Pause(ctx, r.ID)
	require.NoError(t, err)
	_, err = svc.Deploy(ctx, r.ID)
	require.NoError(t, err)
	_, err = svc.Disable(ctx, r.ID)
	require.NoError(t, err)

	_, err = svc.Deploy(ctx, r.ID)
	assert.ErrorIs(t, err, models.ErrInvalidTransition, "disabled is terminal")
}

func TestDeployRequiresValidRule(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	invalid := validRule("eUSD")
	invalid.Actions[0].Amount = decimal.Zero
	r, err := svc.Create(ctx, invalid)
	require.NoError(t, err, "drafts may be incomplete")

	_, err = svc.Deploy(ctx, r.ID)
	assert.True(t, models.IsValidationError(err))

	unknownToken, err := svc.Create(ctx, validRule("eGBP"))
	require.NoError(t, err)
	_, err = svc.Deploy(ctx, unknownToken.ID)
	assert.ErrorIs(t, err, models.ErrUnknownToken)
}

func TestDeployUnknownRule(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Deploy(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrRuleNotFound)
}

func TestCreateFromJSON(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{
			name: "valid",
			doc: `{"owner_id":"owner-1","name":"rain bonus",
				"conditions":[{"kind":"weather","zone":"mumbai","field":"condition","operator":"eq","value":"rain"}],
				"actions":[{"kind":"notify","message":"it is raining"}]}`,
		},
		{
			name:    "unknown kind",
			doc:     `{"owner_id":"owner-1","name":"x","conditions":[{"kind":"moon","operator":"eq","value":1}],"actions":[{"kind":"notify","message":"m"}]}`,
			wantErr: true,
		},
		{
			name:    "no actions",
			doc:     `{"owner_id":"owner-1","name":"x","conditions":[{"kind":"time","operator":"eq","value":"09:00"}],"actions":[]}`,
			wantErr: true,
		},
		{
			name:    "bad owner",
			doc:     `{"owner_id":"owner 1","name":"x","conditions":[{"kind":"time","operator":"eq","value":"09:00"}],"actions":[{"kind":"freeze"}]}`,
			wantErr: true,
		},
		{
			name:    "not json",
			doc:     `{`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := svc.CreateFromJSON(ctx, []byte(tt.doc))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, models.RuleStatusDraft, r.Status)
		})
	}
}

const bundleYAML = `
rules:
  - id: fx-sweep
    owner_id: owner-1
    name: FX sweep
    conditions:
      - kind: fx_rate
        pair: USD/INR
        operator: gt
        value: 83
      - kind: time
        operator: between
        value: ["09:00", "17:00"]
        timezone: Asia/Kolkata
    actions:
      - kind: split_payment
        token: eUSD
        recipients:
          - recipient: "0xa"
            amount: 100
          - recipient: "0xb"
            amount: "50.5"
      - kind: notify
        message: swept
`

func TestLoadBytesAndSeed(t *testing.T) {
	v, err := validator.NewRuleValidator()
	require.NoError(t, err)

	rules, err := LoadBytes([]byte(bundleYAML), v)
	require.NoError(t, err)
	require.Len(t, rules, 1)

	r := rules[0]
	require.Len(t, r.Conditions, 2)
	assert.Equal(t, 83.0, *r.Conditions[0].Value.Number)
	assert.Equal(t, []string{"09:00", "17:00"}, r.Conditions[1].Value.List)
	assert.True(t, r.Actions[0].Recipients[1].Amount.Equal(decimal.RequireFromString("50.5")))

	svc, store := newTestService(t)
	ctx := context.Background()

	n, err := svc.Seed(ctx, rules)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.Get(ctx, "fx-sweep")
	require.NoError(t, err)
	assert.Equal(t, models.RuleStatusDeployed, got.Status)

	n, err = svc.Seed(ctx, rules)
	require.NoError(t, err)
	assert.Zero(t, n, "seeding twice is a no-op")
}

func TestLoadFileRejectsInvalidRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - owner_id: owner-1
    name: bad
    conditions:
      - kind: geo_location
        operator: gt
        value: mumbai
    actions:
      - kind: freeze
`), 0o600))

	_, err := LoadFile(path, nil)
	assert.Error(t, err)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"), nil)
	assert.Error(t, err)
}
