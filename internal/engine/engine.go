// Package engine is the single inbound call surface of the task-execution
// core. Execute drives one task end to end: rank tactics, run the chain on a
// dedicated browser surface, verify the outcome, and feed what happened back
// into the learning store.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/kiltro-dev/taskforge/api/schemas"
	"github.com/kiltro-dev/taskforge/internal/chain"
	"github.com/kiltro-dev/taskforge/internal/config"
	"github.com/kiltro-dev/taskforge/internal/modelrouter"
	"github.com/kiltro-dev/taskforge/internal/ranker"
	"github.com/kiltro-dev/taskforge/internal/surface"
	"github.com/kiltro-dev/taskforge/internal/verifier"
)

// OutcomeRecorder persists the per-task audit row.
type OutcomeRecorder interface {
	RecordTaskOutcome(ctx context.Context, rec schemas.TaskOutcomeRecord) error
}

// SpendReader reads the user's model-spend ledger, used to attribute model
// cost to a task's telemetry.
type SpendReader interface {
	MonthlySpend(ctx context.Context, userID string) (float64, error)
}

// Engine owns the shared machinery; each Execute call gets its own surface.
type Engine struct {
	log       *zap.Logger
	cfg       config.EngineConfig
	vcfg      config.VerifierConfig
	factory   surface.Factory
	ranker    *ranker.Ranker
	router    *modelrouter.Router
	executors map[schemas.ActionKind]*chain.Executor
	outcomes  OutcomeRecorder
	spend     SpendReader
	sem       *semaphore.Weighted
	now       func() time.Time
}

// Deps collects everything the engine wires together.
type Deps struct {
	Factory   surface.Factory
	Ranker    *ranker.Ranker
	Router    *modelrouter.Router
	Executors map[schemas.ActionKind]*chain.Executor
	Outcomes  OutcomeRecorder
	Spend     SpendReader
}

func New(logger *zap.Logger, cfg config.EngineConfig, vcfg config.VerifierConfig, deps Deps) *Engine {
	limit := int64(cfg.MaxConcurrentTasks)
	if limit <= 0 {
		limit = 4
	}
	return &Engine{
		log:       logger.Named("engine"),
		cfg:       cfg,
		vcfg:      vcfg,
		factory:   deps.Factory,
		ranker:    deps.Ranker,
		router:    deps.Router,
		executors: deps.Executors,
		outcomes:  deps.Outcomes,
		spend:     deps.Spend,
		sem:       semaphore.NewWeighted(limit),
		now:       time.Now,
	}
}

// Execute runs one task to completion. It always returns a structured
// result; the error is reserved for caller mistakes (bad request, shutdown),
// never for tactic or verification failures.
func (e *Engine) Execute(ctx context.Context, req schemas.TaskRequest) (schemas.TaskResult, error) {
	if err := validate(req); err != nil {
		return schemas.TaskResult{}, err
	}
	req.Domain = normalizeDomain(req.Domain)

	executor, ok := e.executors[req.Target.Kind]
	if !ok {
		return schemas.TaskResult{}, fmt.Errorf("no executor for action kind %q", req.Target.Kind)
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return schemas.TaskResult{}, fmt.Errorf("task admission cancelled: %w", err)
	}
	defer e.sem.Release(1)

	if e.cfg.DefaultTaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.DefaultTaskTimeout)
		defer cancel()
	}

	log := e.log.With(zap.String("task_id", req.TaskID), zap.String("domain", req.Domain))
	start := e.now()
	spendBefore := e.userSpend(ctx, req.UserID)

	s, err := e.factory.NewSurface(ctx)
	if err != nil {
		return schemas.TaskResult{}, fmt.Errorf("failed to open surface: %w", err)
	}
	defer func() {
		if err := s.Close(context.WithoutCancel(ctx)); err != nil {
			log.Debug("Surface close failed", zap.Error(err))
		}
	}()

	// An explicit starting URL positions the surface before the chain runs;
	// without one the tactics are responsible for getting somewhere useful.
	if req.Target.URL != "" {
		if err := s.Navigate(ctx, req.Target.URL); err != nil {
			result := schemas.TaskResult{
				TaskID:      req.TaskID,
				Success:     false,
				Reason:      fmt.Sprintf("initial navigation to %s failed: %v", req.Target.URL, err),
				Telemetry:   schemas.Telemetry{Duration: e.now().Sub(start)},
				CompletedAt: e.now(),
			}
			e.record(ctx, req, result)
			return result, nil
		}
	}

	profile := e.ranker.Profile(ctx, req.Domain, req.TaskType)
	retryBudget := ranker.RetryBudget(profile)
	if e.cfg.MaxChainRetries > 0 && retryBudget > e.cfg.MaxChainRetries {
		retryBudget = e.cfg.MaxChainRetries
	}
	log.Info("Task admitted",
		zap.String("kind", string(req.Target.Kind)),
		zap.String("tier", string(profile.RecommendedTier)),
		zap.Float64("predicted_success", profile.SuccessRate),
		zap.Int("retry_budget", retryBudget))

	telemetry := schemas.Telemetry{}
	var final chain.Result
	for attempt := 0; ; attempt++ {
		order := e.ranker.Order(ctx, req.Domain, req.Target.Kind, executor.DefaultOrder())
		final = executor.Run(ctx, s, req.Target, order)

		e.ranker.RecordChain(ctx, req.Domain, req.Target.Kind, final.Attempts)
		telemetry.TacticsTried += len(final.Attempts)
		telemetry.Countermeasures = append(telemetry.Countermeasures, final.Countermeasures...)

		if final.Outcome.Succeeded || final.Outcome.NeedsHuman {
			break
		}
		if ctx.Err() != nil || attempt >= retryBudget-1 {
			break
		}
		telemetry.ChainRetries++
		log.Info("Chain exhausted, retrying", zap.Int("retry", telemetry.ChainRetries))
	}

	verdict := e.verdictFor(ctx, req, s, final)
	success := final.Outcome.Succeeded && verdict.Passed

	telemetry.Duration = e.now().Sub(start)
	telemetry.ModelSpendUSD = e.userSpend(ctx, req.UserID) - spendBefore

	result := schemas.TaskResult{
		TaskID:       req.TaskID,
		Success:      success,
		StrategyUsed: strategyName(final),
		Reason:       reasonFor(final, verdict),
		Verdict:      verdict,
		Telemetry:    telemetry,
		CompletedAt:  e.now(),
	}

	e.record(ctx, req, result)
	log.Info("Task complete",
		zap.Bool("success", result.Success),
		zap.String("strategy", result.StrategyUsed),
		zap.Int("confidence", verdict.Confidence),
		zap.Duration("duration", telemetry.Duration))
	return result, nil
}

func validate(req schemas.TaskRequest) error {
	switch {
	case req.TaskID == "":
		return fmt.Errorf("task id is required")
	case req.Domain == "":
		return fmt.Errorf("target domain is required")
	case req.Target.Kind == "":
		return fmt.Errorf("action kind is required")
	}
	return nil
}

// verdictFor runs verification on chain success. Chain failures produce a
// synthetic failed verdict so callers always see the same result shape.
func (e *Engine) verdictFor(ctx context.Context, req schemas.TaskRequest, s surface.Surface, final chain.Result) schemas.VerificationVerdict {
	if !final.Outcome.Succeeded {
		return schemas.VerificationVerdict{
			Passed:   false,
			Method:   schemas.MethodSelfCheck,
			Evidence: final.Outcome.ErrorDetail,
		}
	}

	// Over-budget users keep the phrase and evidence stages but lose the
	// model-backed one.
	var reviewer verifier.ModelReviewer
	if e.router != nil && e.router.CheckBudget(ctx, req.UserID) {
		reviewer = e.router
	} else if e.router != nil {
		e.log.Warn("Monthly model budget exhausted, skipping smart review", zap.String("user_id", req.UserID))
	}

	v := verifier.New(e.log, e.vcfg, reviewer)
	return v.Verify(ctx, req.TaskType, verifier.Evidence{Surface: s, UserID: req.UserID})
}

func strategyName(final chain.Result) string {
	if final.Outcome.Succeeded {
		return final.Outcome.StrategyName
	}
	return ""
}

func reasonFor(final chain.Result, verdict schemas.VerificationVerdict) string {
	switch {
	case final.Outcome.NeedsHuman:
		return final.Outcome.ErrorDetail
	case !final.Outcome.Succeeded:
		return final.Outcome.ErrorDetail
	case !verdict.Passed:
		return "verification failed: " + verdict.Evidence
	default:
		return ""
	}
}

func (e *Engine) userSpend(ctx context.Context, userID string) float64 {
	if e.spend == nil || userID == "" {
		return 0
	}
	spend, err := e.spend.MonthlySpend(ctx, userID)
	if err != nil {
		return 0
	}
	return spend
}

func (e *Engine) record(ctx context.Context, req schemas.TaskRequest, result schemas.TaskResult) {
	e.ranker.RecordTask(ctx, req.Domain, req.TaskType, result.Success, result.Telemetry.ModelSpendUSD, result.Telemetry.Duration)

	if e.outcomes == nil {
		return
	}
	rec := schemas.TaskOutcomeRecord{
		TaskID:     req.TaskID,
		UserID:     req.UserID,
		Domain:     req.Domain,
		TaskType:   req.TaskType,
		Success:    result.Success,
		Strategy:   result.StrategyUsed,
		Confidence: result.Verdict.Confidence,
		CostUSD:    result.Telemetry.ModelSpendUSD,
		Duration:   result.Telemetry.Duration,
		FinishedAt: result.CompletedAt,
	}
	if err := e.outcomes.RecordTaskOutcome(ctx, rec); err != nil {
		e.log.Warn("Failed to record task outcome", zap.String("task_id", req.TaskID), zap.Error(err))
	}
}

// normalizeDomain strips scheme and path noise callers sometimes pass as a
// domain.
func normalizeDomain(domain string) string {
	domain = strings.TrimPrefix(domain, "https://")
	domain = strings.TrimPrefix(domain, "http://")
	if i := strings.IndexByte(domain, '/'); i >= 0 {
		domain = domain[:i]
	}
	return strings.ToLower(domain)
}
