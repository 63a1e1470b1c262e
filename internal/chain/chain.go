// Package chain implements the generic ordered-tactic executor. One executor
// is instantiated per action kind (authenticate, navigate, activate); the
// tactic sets differ, the loop does not.
package chain

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kiltro-dev/taskforge/api/schemas"
	"github.com/kiltro-dev/taskforge/internal/surface"
)

// Tactic is one concrete strategy for accomplishing an action. Attempt may
// mutate the surface but must not mutate chain state.
type Tactic interface {
	Name() string
	// Applicable reports whether the tactic has the inputs it needs. Tactics
	// missing required input short-circuit to failure without burning their
	// timeout. The context bounds any capability lookups the check performs.
	Applicable(ctx context.Context, target schemas.ActionTarget) bool
	Attempt(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome
}

// Recoverer reacts to anti-automation countermeasures spotted after a failed
// tactic. Implemented by the countermeasure handler; injected so the executor
// stays testable without one.
type Recoverer interface {
	Inspect(ctx context.Context, s surface.Surface) schemas.CountermeasureSignal
	Resolve(ctx context.Context, s surface.Surface, sig schemas.CountermeasureSignal) bool
}

// AttemptRecord is the telemetry for one tried tactic.
type AttemptRecord struct {
	Tactic  string
	Outcome schemas.StrategyOutcome
	Latency time.Duration
}

// Result aggregates a full chain run.
type Result struct {
	Outcome         schemas.StrategyOutcome
	Attempts        []AttemptRecord
	Countermeasures []schemas.CountermeasureKind
}

// Executor runs tactics in ranker-supplied order until one succeeds.
type Executor struct {
	logger        *zap.Logger
	kind          schemas.ActionKind
	tacticTimeout time.Duration
	registry      map[string]Tactic
	defaultOrder  []string
	recoverer     Recoverer
}

// Option configures an Executor.
type Option func(*Executor)

// WithRecoverer installs the countermeasure handler.
func WithRecoverer(r Recoverer) Option {
	return func(e *Executor) { e.recoverer = r }
}

// New builds an executor over the given tactic set. The slice order becomes
// the default ranking used when a domain has no history.
func New(logger *zap.Logger, kind schemas.ActionKind, tacticTimeout time.Duration, tactics []Tactic, opts ...Option) *Executor {
	e := &Executor{
		logger:        logger.Named("chain").With(zap.String("kind", string(kind))),
		kind:          kind,
		tacticTimeout: tacticTimeout,
		registry:      make(map[string]Tactic, len(tactics)),
	}
	for _, t := range tactics {
		e.registry[t.Name()] = t
		e.defaultOrder = append(e.defaultOrder, t.Name())
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DefaultOrder returns the built-in tactic ordering.
func (e *Executor) DefaultOrder() []string {
	out := make([]string, len(e.defaultOrder))
	copy(out, e.defaultOrder)
	return out
}

// Run tries each named tactic in order and stops on the first success. Tactic
// errors and panics are contained; only exhaustion is reported upward, as a
// failed outcome carrying the attempted count.
func (e *Executor) Run(ctx context.Context, s surface.Surface, target schemas.ActionTarget, order []string) Result {
	if len(order) == 0 {
		order = e.defaultOrder
	}

	res := Result{}
	for _, name := range order {
		// Cooperative cancellation between tactics.
		if err := ctx.Err(); err != nil {
			res.Outcome = schemas.StrategyOutcome{
				StrategyName: name,
				ErrorDetail:  fmt.Sprintf("cancelled after %d tactics: %v", len(res.Attempts), err),
			}
			return res
		}

		tactic, ok := e.registry[name]
		if !ok {
			e.logger.Warn("Ranker supplied unknown tactic, skipping", zap.String("tactic", name))
			continue
		}

		if !tactic.Applicable(ctx, target) {
			res.Attempts = append(res.Attempts, AttemptRecord{
				Tactic: name,
				Outcome: schemas.StrategyOutcome{
					StrategyName: name,
					ErrorDetail:  "missing required input",
				},
			})
			continue
		}

		outcome, latency := e.attempt(ctx, tactic, s, target)
		res.Attempts = append(res.Attempts, AttemptRecord{Tactic: name, Outcome: outcome, Latency: latency})

		if outcome.Succeeded {
			res.Outcome = outcome
			return res
		}
		if outcome.NeedsHuman {
			// No tactic further down the chain can do what a human must.
			res.Outcome = outcome
			return res
		}

		// A failed tactic may have tripped a countermeasure: an anomalous
		// status, or a challenge interstitial served with a clean 200.
		// Resolve it before moving down the chain.
		if e.recoverer != nil {
			sig := e.recoverer.Inspect(ctx, s)
			if sig.Kind != schemas.CountermeasureNone {
				res.Countermeasures = append(res.Countermeasures, sig.Kind)
				if e.recoverer.Resolve(ctx, s, sig) {
					// Countermeasure cleared; the same tactic deserves one
					// more shot before the chain moves on.
					outcome, latency = e.attempt(ctx, tactic, s, target)
					res.Attempts = append(res.Attempts, AttemptRecord{Tactic: name, Outcome: outcome, Latency: latency})
					if outcome.Succeeded {
						res.Outcome = outcome
						return res
					}
				}
			}
		}
	}

	res.Outcome = schemas.StrategyOutcome{
		StrategyName: string(e.kind),
		ErrorDetail:  fmt.Sprintf("all %d tactics exhausted", len(res.Attempts)),
	}
	return res
}

// attempt runs one tactic under its own timeout, converting panics into
// failed outcomes so a buggy tactic cannot take down the chain.
func (e *Executor) attempt(ctx context.Context, tactic Tactic, s surface.Surface, target schemas.ActionTarget) (outcome schemas.StrategyOutcome, latency time.Duration) {
	tctx := ctx
	if e.tacticTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, e.tacticTimeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		latency = time.Since(start)
		if r := recover(); r != nil {
			e.logger.Error("Tactic panicked", zap.String("tactic", tactic.Name()), zap.Any("panic", r))
			outcome = schemas.StrategyOutcome{
				StrategyName: tactic.Name(),
				ErrorDetail:  fmt.Sprintf("tactic panic: %v", r),
			}
		}
	}()

	outcome = tactic.Attempt(tctx, s, target)
	if outcome.StrategyName == "" {
		outcome.StrategyName = tactic.Name()
	}
	return outcome, time.Since(start)
}
