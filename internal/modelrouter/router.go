// Package modelrouter selects among external model providers using
// cost-ordered fallback chains. Providers without credentials are skipped,
// failures fall through to the next entry, and an exhausted chain yields a
// clearly-labeled degraded result instead of an error.
package modelrouter

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/kiltro-dev/taskforge/api/schemas"
	"github.com/kiltro-dev/taskforge/internal/config"
)

// Provider is one upstream model API.
type Provider interface {
	Name() string
	Generate(ctx context.Context, model string, req schemas.ModelRequest) (string, schemas.ModelUsage, error)
}

// BudgetLedger records model spend per user per month.
type BudgetLedger interface {
	SpendBudget(ctx context.Context, userID string, costUSD float64) error
	MonthlySpend(ctx context.Context, userID string) (float64, error)
}

// Router walks the configured provider chain for a request's category.
type Router struct {
	log       *zap.Logger
	cfg       config.RouterConfig
	providers map[string]Provider
	ledger    BudgetLedger
	getenv    func(string) string
}

// Option configures a Router.
type Option func(*Router)

// WithProvider registers or replaces a provider implementation, keyed by its
// Name. Tests use this to substitute stubs.
func WithProvider(p Provider) Option {
	return func(r *Router) { r.providers[p.Name()] = p }
}

// WithEnvLookup overrides credential lookup, for tests.
func WithEnvLookup(fn func(string) string) Option {
	return func(r *Router) { r.getenv = fn }
}

// New builds a router with the real provider adapters registered.
func New(logger *zap.Logger, cfg config.RouterConfig, ledger BudgetLedger, opts ...Option) *Router {
	r := &Router{
		log:       logger.Named("modelrouter"),
		cfg:       cfg,
		providers: make(map[string]Provider),
		ledger:    ledger,
		getenv:    os.Getenv,
	}
	for _, p := range []Provider{
		NewOpenAIProvider(cfg.APITimeout),
		NewAnthropicProvider(cfg.APITimeout),
		NewGeminiProvider(logger, cfg.APITimeout),
	} {
		r.providers[p.Name()] = p
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CheckBudget reports whether the user still has monthly budget headroom.
// Ledger errors fail open: blocking all model work on a storage hiccup would
// be worse than a marginal overspend.
func (r *Router) CheckBudget(ctx context.Context, userID string) bool {
	if r.ledger == nil || r.cfg.MonthlyBudgetUSD <= 0 {
		return true
	}
	spend, err := r.ledger.MonthlySpend(ctx, userID)
	if err != nil {
		r.log.Warn("Budget lookup failed, allowing the call", zap.String("user_id", userID), zap.Error(err))
		return true
	}
	return spend < r.cfg.MonthlyBudgetUSD
}

// Route walks the request category's chain and returns the first successful
// provider result. It never returns an error for provider failures; an
// exhausted chain produces a degraded result the caller must treat as a
// low-confidence signal.
func (r *Router) Route(ctx context.Context, req schemas.ModelRequest) schemas.ModelResult {
	chain := r.cfg.Chains[req.Category]
	if len(chain) == 0 {
		r.log.Warn("No provider chain for category", zap.String("category", string(req.Category)))
		return degradedResult(req)
	}

	for _, spec := range chain {
		if spec.CredentialEnv != "" && r.getenv(spec.CredentialEnv) == "" {
			r.log.Debug("Skipping provider without credentials",
				zap.String("provider", spec.Name), zap.String("env", spec.CredentialEnv))
			continue
		}
		provider, ok := r.providers[spec.Name]
		if !ok {
			r.log.Warn("Chain references unknown provider", zap.String("provider", spec.Name))
			continue
		}

		content, usage, err := provider.Generate(ctx, spec.Model, req)
		if err != nil {
			r.log.Warn("Provider call failed, falling through",
				zap.String("provider", spec.Name), zap.String("model", spec.Model), zap.Error(err))
			continue
		}

		cost := callCost(spec, usage)
		if r.ledger != nil && req.UserID != "" {
			if err := r.ledger.SpendBudget(ctx, req.UserID, cost); err != nil {
				r.log.Warn("Failed to record model spend", zap.String("user_id", req.UserID), zap.Error(err))
			}
		}
		r.log.Info("Model call complete",
			zap.String("provider", spec.Name),
			zap.String("model", spec.Model),
			zap.String("category", string(req.Category)),
			zap.Int("input_tokens", usage.InputTokens),
			zap.Int("output_tokens", usage.OutputTokens),
			zap.Float64("cost_usd", cost))

		return schemas.ModelResult{
			Provider: spec.Name,
			Model:    spec.Model,
			Content:  content,
			Usage:    usage,
			CostUSD:  cost,
		}
	}

	r.log.Warn("All providers exhausted, returning degraded result",
		zap.String("category", string(req.Category)))
	return degradedResult(req)
}

func callCost(spec schemas.ProviderSpec, usage schemas.ModelUsage) float64 {
	return float64(usage.InputTokens)/1000.0*spec.InputCostPer1K +
		float64(usage.OutputTokens)/1000.0*spec.OutputCostPer1K
}

func degradedResult(req schemas.ModelRequest) schemas.ModelResult {
	content := fmt.Sprintf("degraded: no model provider available for category %s", req.Category)
	if req.ForceJSON {
		content = `{"degraded": true}`
	}
	return schemas.ModelResult{
		Provider: "none",
		Model:    "degraded",
		Content:  content,
		Degraded: true,
	}
}
