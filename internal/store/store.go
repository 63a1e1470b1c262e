// Package store persists the learning loop: per-tactic statistics,
// difficulty profiles, learned routes, task outcomes, and model spend.
// Increments are pushed into the UPDATE clause of an upsert so concurrent
// tasks finishing on the same domain never lose updates.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/kiltro-dev/taskforge/api/schemas"
)

// DBPool abstracts pgxpool.Pool so tests can substitute pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store provides the PostgreSQL implementation of the learning repository.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool, log: logger.Named("store")}, nil
}

const upsertMethodStatSQL = `
INSERT INTO method_stats (domain, action_kind, tactic, attempts, successes, avg_latency_ms, updated_at)
VALUES ($1, $2, $3, 1, $4, $5, NOW())
ON CONFLICT (domain, action_kind, tactic) DO UPDATE SET
    attempts = method_stats.attempts + 1,
    successes = method_stats.successes + $4,
    avg_latency_ms = (method_stats.avg_latency_ms * method_stats.attempts + $5) / (method_stats.attempts + 1),
    updated_at = NOW()`

// RecordMethodAttempt registers one tactic attempt atomically. The rolling
// average latency is folded in inside the same statement.
func (s *Store) RecordMethodAttempt(ctx context.Context, domain string, kind schemas.ActionKind, tactic string, succeeded bool, latency time.Duration) error {
	succ := 0
	if succeeded {
		succ = 1
	}
	if _, err := s.pool.Exec(ctx, upsertMethodStatSQL, domain, string(kind), tactic, succ, latency.Milliseconds()); err != nil {
		return fmt.Errorf("failed to record method attempt: %w", err)
	}
	return nil
}

const selectMethodStatsSQL = `
SELECT domain, action_kind, tactic, attempts, successes, avg_latency_ms, updated_at
FROM method_stats
WHERE domain = $1 AND action_kind = $2`

// MethodStats returns every tactic statistic for the (domain, actionKind)
// pair. The disabled flag is derived, not stored: a tactic with five or
// more attempts and under twenty percent success is disabled for the domain.
func (s *Store) MethodStats(ctx context.Context, domain string, kind schemas.ActionKind) ([]schemas.MethodStatistic, error) {
	rows, err := s.pool.Query(ctx, selectMethodStatsSQL, domain, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to query method stats: %w", err)
	}
	defer rows.Close()

	var stats []schemas.MethodStatistic
	for rows.Next() {
		var st schemas.MethodStatistic
		var kindStr string
		var latencyMs int64
		if err := rows.Scan(&st.Domain, &kindStr, &st.Tactic, &st.Attempts, &st.Successes, &latencyMs, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan method stat: %w", err)
		}
		st.ActionKind = schemas.ActionKind(kindStr)
		st.AvgLatency = time.Duration(latencyMs) * time.Millisecond
		st.Disabled = st.Attempts >= 5 && st.SuccessRate() < 0.20
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate method stats: %w", err)
	}
	return stats, nil
}

const upsertDifficultySQL = `
INSERT INTO difficulty_profiles (domain, task_type, success_rate, avg_cost_usd, avg_duration_ms, samples, updated_at)
VALUES ($1, $2, $3, $4, $5, 1, NOW())
ON CONFLICT (domain, task_type) DO UPDATE SET
    success_rate = (difficulty_profiles.success_rate * difficulty_profiles.samples + $3) / (difficulty_profiles.samples + 1),
    avg_cost_usd = (difficulty_profiles.avg_cost_usd * difficulty_profiles.samples + $4) / (difficulty_profiles.samples + 1),
    avg_duration_ms = (difficulty_profiles.avg_duration_ms * difficulty_profiles.samples + $5) / (difficulty_profiles.samples + 1),
    samples = difficulty_profiles.samples + 1,
    updated_at = NOW()`

// RecordTaskSample folds one completed task into the difficulty profile for
// its (domain, taskType) pair.
func (s *Store) RecordTaskSample(ctx context.Context, domain string, taskType schemas.TaskType, succeeded bool, costUSD float64, duration time.Duration) error {
	rate := 0.0
	if succeeded {
		rate = 1.0
	}
	if _, err := s.pool.Exec(ctx, upsertDifficultySQL, domain, string(taskType), rate, costUSD, duration.Milliseconds()); err != nil {
		return fmt.Errorf("failed to record task sample: %w", err)
	}
	return nil
}

const selectDifficultySQL = `
SELECT domain, task_type, success_rate, avg_cost_usd, avg_duration_ms, samples
FROM difficulty_profiles
WHERE domain = $1 AND task_type = $2`

const selectDifficultyAggregateSQL = `
SELECT COALESCE(SUM(success_rate * samples) / NULLIF(SUM(samples), 0), 0),
       COALESCE(SUM(avg_cost_usd * samples) / NULLIF(SUM(samples), 0), 0),
       COALESCE(SUM(avg_duration_ms * samples) / NULLIF(SUM(samples), 0), 0),
       COALESCE(SUM(samples), 0)
FROM difficulty_profiles
WHERE task_type = $1`

// DifficultyProfile resolves the profile for (domain, taskType). Profiles
// with fewer than three samples fall back to the task-type-wide aggregate;
// an aggregate under five samples falls back to static defaults.
func (s *Store) DifficultyProfile(ctx context.Context, domain string, taskType schemas.TaskType) (schemas.DifficultyProfile, error) {
	var p schemas.DifficultyProfile
	var taskTypeStr string
	var durMs int64
	err := s.pool.QueryRow(ctx, selectDifficultySQL, domain, string(taskType)).
		Scan(&p.Domain, &taskTypeStr, &p.SuccessRate, &p.AvgCostUSD, &durMs, &p.Samples)
	switch {
	case err == nil && p.Samples >= 3:
		p.TaskType = schemas.TaskType(taskTypeStr)
		p.AvgDuration = time.Duration(durMs) * time.Millisecond
		p.RecommendedTier = tierFor(p.SuccessRate)
		return p, nil
	case err != nil && !errors.Is(err, pgx.ErrNoRows):
		return schemas.DifficultyProfile{}, fmt.Errorf("failed to query difficulty profile: %w", err)
	}

	var agg schemas.DifficultyProfile
	err = s.pool.QueryRow(ctx, selectDifficultyAggregateSQL, string(taskType)).
		Scan(&agg.SuccessRate, &agg.AvgCostUSD, &durMs, &agg.Samples)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return schemas.DifficultyProfile{}, fmt.Errorf("failed to query difficulty aggregate: %w", err)
	}
	if agg.Samples >= 5 {
		agg.Domain = domain
		agg.TaskType = taskType
		agg.AvgDuration = time.Duration(durMs) * time.Millisecond
		agg.RecommendedTier = tierFor(agg.SuccessRate)
		return agg, nil
	}

	return StaticDefaultProfile(domain, taskType), nil
}

// StaticDefaultProfile is the last rung of the difficulty fallback ladder.
func StaticDefaultProfile(domain string, taskType schemas.TaskType) schemas.DifficultyProfile {
	return schemas.DifficultyProfile{
		Domain:          domain,
		TaskType:        taskType,
		SuccessRate:     0.5,
		AvgDuration:     45 * time.Second,
		RecommendedTier: schemas.TierStandard,
		Samples:         0,
	}
}

func tierFor(successRate float64) schemas.ExecutionTier {
	switch {
	case successRate >= 0.8:
		return schemas.TierFast
	case successRate >= 0.4:
		return schemas.TierStandard
	default:
		return schemas.TierCareful
	}
}

const upsertRouteSQL = `
INSERT INTO learned_routes (domain, description, url, last_used)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (domain, description) DO UPDATE SET
    url = $3,
    last_used = NOW()`

// SaveRoute records a navigation destination that worked for a description.
func (s *Store) SaveRoute(ctx context.Context, route schemas.LearnedRoute) error {
	if _, err := s.pool.Exec(ctx, upsertRouteSQL, route.Domain, route.Description, route.URL); err != nil {
		return fmt.Errorf("failed to save route: %w", err)
	}
	return nil
}

const selectRouteSQL = `
SELECT domain, description, url, last_used
FROM learned_routes
WHERE domain = $1 AND description = $2`

// LookupRoute fetches a previously learned route, reporting absence without
// an error.
func (s *Store) LookupRoute(ctx context.Context, domain, description string) (schemas.LearnedRoute, bool, error) {
	var r schemas.LearnedRoute
	err := s.pool.QueryRow(ctx, selectRouteSQL, domain, description).
		Scan(&r.Domain, &r.Description, &r.URL, &r.LastUsed)
	if errors.Is(err, pgx.ErrNoRows) {
		return schemas.LearnedRoute{}, false, nil
	}
	if err != nil {
		return schemas.LearnedRoute{}, false, fmt.Errorf("failed to look up route: %w", err)
	}
	return r, true, nil
}

const upsertSessionCookieSQL = `
INSERT INTO session_cookies (domain, name, value, captured_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (domain) DO UPDATE SET
    name = $2,
    value = $3,
    captured_at = NOW()`

// SaveSessionCookie stores the session cookie captured for a domain, replacing
// any earlier capture.
func (s *Store) SaveSessionCookie(ctx context.Context, domain, name, value string) error {
	if _, err := s.pool.Exec(ctx, upsertSessionCookieSQL, domain, name, value); err != nil {
		return fmt.Errorf("failed to save session cookie: %w", err)
	}
	return nil
}

const selectSessionCookieSQL = `
SELECT name, value FROM session_cookies WHERE domain = $1`

// SessionCookie returns the stored session cookie for a domain, reporting
// absence without an error. It backs the cookie-injection login tactic.
func (s *Store) SessionCookie(ctx context.Context, domain string) (string, string, bool) {
	var name, value string
	err := s.pool.QueryRow(ctx, selectSessionCookieSQL, domain).Scan(&name, &value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", false
	}
	if err != nil {
		s.log.Warn("Failed to look up session cookie", zap.String("domain", domain), zap.Error(err))
		return "", "", false
	}
	return name, value, true
}

const insertOutcomeSQL = `
INSERT INTO task_outcomes (task_id, user_id, domain, task_type, success, strategy, confidence, cost_usd, duration_ms, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// RecordTaskOutcome appends the audit row for a completed task.
func (s *Store) RecordTaskOutcome(ctx context.Context, rec schemas.TaskOutcomeRecord) error {
	if _, err := s.pool.Exec(ctx, insertOutcomeSQL,
		rec.TaskID, rec.UserID, rec.Domain, string(rec.TaskType), rec.Success,
		rec.Strategy, rec.Confidence, rec.CostUSD, rec.Duration.Milliseconds(), rec.FinishedAt.UTC(),
	); err != nil {
		return fmt.Errorf("failed to record task outcome: %w", err)
	}
	return nil
}

const upsertSpendSQL = `
INSERT INTO model_spend (user_id, month, spend_usd)
VALUES ($1, $2, $3)
ON CONFLICT (user_id, month) DO UPDATE SET
    spend_usd = model_spend.spend_usd + $3`

// SpendBudget adds a model call's cost to the user's ledger for the current
// month.
func (s *Store) SpendBudget(ctx context.Context, userID string, costUSD float64) error {
	if _, err := s.pool.Exec(ctx, upsertSpendSQL, userID, monthKey(time.Now()), costUSD); err != nil {
		return fmt.Errorf("failed to record model spend: %w", err)
	}
	return nil
}

const selectSpendSQL = `
SELECT COALESCE(spend_usd, 0) FROM model_spend WHERE user_id = $1 AND month = $2`

// MonthlySpend returns the user's model spend for the current month.
func (s *Store) MonthlySpend(ctx context.Context, userID string) (float64, error) {
	var spend float64
	err := s.pool.QueryRow(ctx, selectSpendSQL, userID, monthKey(time.Now())).Scan(&spend)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query monthly spend: %w", err)
	}
	return spend, nil
}

func monthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}
