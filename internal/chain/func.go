package chain

import (
	"context"

	"github.com/kiltro-dev/taskforge/api/schemas"
	"github.com/kiltro-dev/taskforge/internal/surface"
)

// Func adapts plain functions to the Tactic interface, which keeps tactic-set
// definitions declarative.
type Func struct {
	TacticName string
	// Needs may be nil, meaning the tactic is always applicable.
	Needs func(ctx context.Context, target schemas.ActionTarget) bool
	Run   func(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome
}

func (f Func) Name() string { return f.TacticName }

func (f Func) Applicable(ctx context.Context, target schemas.ActionTarget) bool {
	if f.Needs == nil {
		return true
	}
	return f.Needs(ctx, target)
}

func (f Func) Attempt(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome {
	return f.Run(ctx, s, target)
}

var _ Tactic = Func{}
