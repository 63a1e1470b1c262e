package modelrouter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kiltro-dev/taskforge/api/schemas"
	"github.com/kiltro-dev/taskforge/internal/config"
	"github.com/kiltro-dev/taskforge/internal/store/memstore"
)

type stubProvider struct {
	name    string
	content string
	usage   schemas.ModelUsage
	err     error
	calls   int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Generate(ctx context.Context, model string, req schemas.ModelRequest) (string, schemas.ModelUsage, error) {
	s.calls++
	return s.content, s.usage, s.err
}

func testChains() map[schemas.ModelCategory][]schemas.ProviderSpec {
	return map[schemas.ModelCategory][]schemas.ProviderSpec{
		schemas.CategoryValidation: {
			{Name: "alpha", Model: "alpha-mini", CredentialEnv: "ALPHA_KEY", InputCostPer1K: 0.001, OutputCostPer1K: 0.002},
			{Name: "beta", Model: "beta-large", CredentialEnv: "BETA_KEY", InputCostPer1K: 0.01, OutputCostPer1K: 0.03},
		},
	}
}

func allCredentials(string) string { return "set" }

func newTestRouter(ledger BudgetLedger, envs func(string) string, providers ...*stubProvider) *Router {
	opts := []Option{WithEnvLookup(envs)}
	for _, p := range providers {
		opts = append(opts, WithProvider(p))
	}
	cfg := config.RouterConfig{MonthlyBudgetUSD: 10.0, Chains: testChains()}
	return New(zap.NewNop(), cfg, ledger, opts...)
}

func TestRoute(t *testing.T) {
	ctx := context.Background()
	req := schemas.ModelRequest{Category: schemas.CategoryValidation, UserID: "user-1", Prompt: "judge this"}

	t.Run("first available provider wins and is charged", func(t *testing.T) {
		ledger := memstore.New()
		alpha := &stubProvider{name: "alpha", content: "verdict", usage: schemas.ModelUsage{InputTokens: 1000, OutputTokens: 500}}
		beta := &stubProvider{name: "beta", content: "unused"}
		r := newTestRouter(ledger, allCredentials, alpha, beta)

		res := r.Route(ctx, req)
		require.False(t, res.Degraded)
		assert.Equal(t, "alpha", res.Provider)
		assert.Equal(t, "verdict", res.Content)
		assert.InDelta(t, 0.002, res.CostUSD, 1e-9) // 1.0*0.001 + 0.5*0.002
		assert.Zero(t, beta.calls, "cheaper provider succeeded, chain stops")

		spend, err := ledger.MonthlySpend(ctx, "user-1")
		require.NoError(t, err)
		assert.InDelta(t, 0.002, spend, 1e-9)
	})

	t.Run("failure falls through to the next provider", func(t *testing.T) {
		alpha := &stubProvider{name: "alpha", err: errors.New("upstream 500")}
		beta := &stubProvider{name: "beta", content: "fallback verdict", usage: schemas.ModelUsage{InputTokens: 100, OutputTokens: 50}}
		gamma := &stubProvider{name: "gamma", content: "never reached"}
		r := newTestRouter(memstore.New(), allCredentials, alpha, beta, gamma)
		r.cfg.Chains[schemas.CategoryValidation] = append(r.cfg.Chains[schemas.CategoryValidation],
			schemas.ProviderSpec{Name: "gamma", Model: "gamma-xl", CredentialEnv: "GAMMA_KEY", InputCostPer1K: 0.02, OutputCostPer1K: 0.06})

		res := r.Route(ctx, req)
		require.False(t, res.Degraded)
		assert.Equal(t, "beta", res.Provider)
		assert.Equal(t, 1, alpha.calls)
		assert.Zero(t, gamma.calls, "the chain must stop at the first success")
	})

	t.Run("credential-less providers are skipped without a call", func(t *testing.T) {
		alpha := &stubProvider{name: "alpha", content: "should not run"}
		beta := &stubProvider{name: "beta", content: "fallback verdict"}
		onlyBeta := func(env string) string {
			if env == "BETA_KEY" {
				return "set"
			}
			return ""
		}
		r := newTestRouter(memstore.New(), onlyBeta, alpha, beta)

		res := r.Route(ctx, req)
		assert.Equal(t, "beta", res.Provider)
		assert.Zero(t, alpha.calls)
	})

	t.Run("exhausted chain degrades instead of erroring", func(t *testing.T) {
		alpha := &stubProvider{name: "alpha", err: errors.New("down")}
		beta := &stubProvider{name: "beta", err: errors.New("also down")}
		r := newTestRouter(memstore.New(), allCredentials, alpha, beta)

		res := r.Route(ctx, req)
		require.True(t, res.Degraded)
		assert.Equal(t, "none", res.Provider)
	})

	t.Run("unknown category degrades", func(t *testing.T) {
		r := newTestRouter(memstore.New(), allCredentials)
		res := r.Route(ctx, schemas.ModelRequest{Category: schemas.CategoryPlanning, Prompt: "plan"})
		assert.True(t, res.Degraded)
	})
}

func TestCheckBudget(t *testing.T) {
	ctx := context.Background()

	t.Run("under budget", func(t *testing.T) {
		ledger := memstore.New()
		r := newTestRouter(ledger, allCredentials)
		assert.True(t, r.CheckBudget(ctx, "user-1"))
	})

	t.Run("over budget", func(t *testing.T) {
		ledger := memstore.New()
		require.NoError(t, ledger.SpendBudget(ctx, "user-1", 10.5))
		r := newTestRouter(ledger, allCredentials)
		assert.False(t, r.CheckBudget(ctx, "user-1"))
	})

	t.Run("unlimited when no budget configured", func(t *testing.T) {
		r := New(zap.NewNop(), config.RouterConfig{Chains: testChains()}, memstore.New(), WithEnvLookup(allCredentials))
		assert.True(t, r.CheckBudget(ctx, "user-1"))
	})
}

func TestVisionAdvisor(t *testing.T) {
	ctx := context.Background()

	t.Run("parses a fenced JSON hint", func(t *testing.T) {
		alpha := &stubProvider{name: "alpha", content: "```json\n{\"found\": true, \"selector\": \"#login\", \"x\": 10, \"y\": 20}\n```"}
		r := newTestRouter(memstore.New(), allCredentials, alpha)
		r.cfg.Chains[schemas.CategoryVision] = testChains()[schemas.CategoryValidation]

		hint, err := NewVisionAdvisor(r, "user-1").Locate(ctx, []byte("png"), "login button")
		require.NoError(t, err)
		assert.True(t, hint.Found)
		assert.Equal(t, "#login", hint.Selector)
		assert.Equal(t, 10.0, hint.X)
	})

	t.Run("degraded router surfaces an error", func(t *testing.T) {
		r := newTestRouter(memstore.New(), func(string) string { return "" })
		r.cfg.Chains[schemas.CategoryVision] = testChains()[schemas.CategoryValidation]

		_, err := NewVisionAdvisor(r, "user-1").Locate(ctx, []byte("png"), "login button")
		assert.Error(t, err)
	})
}
