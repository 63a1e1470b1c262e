// Package ranker orders tactic chains by observed per-domain success and
// sets retry budgets from difficulty predictions. It is the read side of the
// learning loop; the write side feeds attempt and task records back in.
package ranker

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/kiltro-dev/taskforge/api/schemas"
	"github.com/kiltro-dev/taskforge/internal/chain"
)

// Repository is the slice of the statistics store the ranker needs.
type Repository interface {
	MethodStats(ctx context.Context, domain string, kind schemas.ActionKind) ([]schemas.MethodStatistic, error)
	RecordMethodAttempt(ctx context.Context, domain string, kind schemas.ActionKind, tactic string, succeeded bool, latency time.Duration) error
	DifficultyProfile(ctx context.Context, domain string, taskType schemas.TaskType) (schemas.DifficultyProfile, error)
	RecordTaskSample(ctx context.Context, domain string, taskType schemas.TaskType, succeeded bool, costUSD float64, duration time.Duration) error
}

// Ranker consults the repository before each chain run and records results
// after it.
type Ranker struct {
	repo Repository
	log  *zap.Logger
}

func New(repo Repository, logger *zap.Logger) *Ranker {
	return &Ranker{repo: repo, log: logger.Named("ranker")}
}

// Order returns tactic names for (domain, kind) sorted by success rate
// descending, dropping disabled tactics. Tactics the domain has never seen
// keep their default-order position after all measured ones. With no history
// at all, the default order comes back unchanged. A store error also falls
// back to the default order: ranking is an optimization, never a blocker.
func (r *Ranker) Order(ctx context.Context, domain string, kind schemas.ActionKind, defaultOrder []string) []string {
	stats, err := r.repo.MethodStats(ctx, domain, kind)
	if err != nil {
		r.log.Warn("Stats lookup failed, using default tactic order",
			zap.String("domain", domain), zap.String("kind", string(kind)), zap.Error(err))
		return defaultOrder
	}
	if len(stats) == 0 {
		return defaultOrder
	}

	byName := make(map[string]schemas.MethodStatistic, len(stats))
	for _, st := range stats {
		byName[st.Tactic] = st
	}

	var measured, unmeasured []string
	for _, name := range defaultOrder {
		st, ok := byName[name]
		switch {
		case !ok:
			unmeasured = append(unmeasured, name)
		case st.Disabled:
			r.log.Debug("Tactic disabled for domain",
				zap.String("domain", domain), zap.String("tactic", name),
				zap.Int64("attempts", st.Attempts), zap.Float64("success_rate", st.SuccessRate()))
		default:
			measured = append(measured, name)
		}
	}

	sort.SliceStable(measured, func(i, j int) bool {
		return byName[measured[i]].SuccessRate() > byName[measured[j]].SuccessRate()
	})
	return append(measured, unmeasured...)
}

// RecordChain writes one statistic update per attempted tactic. Attempts
// that short-circuited on missing input are not counted; the tactic was
// never actually exercised.
func (r *Ranker) RecordChain(ctx context.Context, domain string, kind schemas.ActionKind, attempts []chain.AttemptRecord) {
	for _, a := range attempts {
		if a.Latency == 0 && a.Outcome.ErrorDetail == "missing required input" {
			continue
		}
		if err := r.repo.RecordMethodAttempt(ctx, domain, kind, a.Tactic, a.Outcome.Succeeded, a.Latency); err != nil {
			r.log.Warn("Failed to record tactic attempt",
				zap.String("domain", domain), zap.String("tactic", a.Tactic), zap.Error(err))
		}
	}
}

// RecordTask folds a completed task into the difficulty profile.
func (r *Ranker) RecordTask(ctx context.Context, domain string, taskType schemas.TaskType, succeeded bool, costUSD float64, duration time.Duration) {
	if err := r.repo.RecordTaskSample(ctx, domain, taskType, succeeded, costUSD, duration); err != nil {
		r.log.Warn("Failed to record task sample",
			zap.String("domain", domain), zap.String("task_type", string(taskType)), zap.Error(err))
	}
}

// Profile resolves the difficulty profile through the store's fallback
// ladder.
func (r *Ranker) Profile(ctx context.Context, domain string, taskType schemas.TaskType) schemas.DifficultyProfile {
	p, err := r.repo.DifficultyProfile(ctx, domain, taskType)
	if err != nil {
		r.log.Warn("Difficulty lookup failed, assuming standard tier",
			zap.String("domain", domain), zap.Error(err))
		return schemas.DifficultyProfile{
			Domain:          domain,
			TaskType:        taskType,
			SuccessRate:     0.5,
			RecommendedTier: schemas.TierStandard,
		}
	}
	return p
}

// RetryBudget derives the permitted full-chain retries from the predicted
// success rate. Hard domains earn more retries: a failure there is expected
// rather than anomalous.
func RetryBudget(profile schemas.DifficultyProfile) int {
	switch {
	case profile.SuccessRate < 0.3:
		return 3
	case profile.SuccessRate < 0.7:
		return 2
	default:
		return 1
	}
}
