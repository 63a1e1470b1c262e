package ranker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kiltro-dev/taskforge/api/schemas"
	"github.com/kiltro-dev/taskforge/internal/chain"
	"github.com/kiltro-dev/taskforge/internal/store/memstore"
)

var defaultOrder = []string{"direct_locator", "text_exact", "script_click", "coordinate_click"}

func seed(t *testing.T, s *memstore.Store, tactic string, successes, failures int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < successes; i++ {
		require.NoError(t, s.RecordMethodAttempt(ctx, "example.com", schemas.ActionActivate, tactic, true, time.Second))
	}
	for i := 0; i < failures; i++ {
		require.NoError(t, s.RecordMethodAttempt(ctx, "example.com", schemas.ActionActivate, tactic, false, time.Second))
	}
}

func TestOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("no history keeps the default order", func(t *testing.T) {
		r := New(memstore.New(), zap.NewNop())
		got := r.Order(ctx, "example.com", schemas.ActionActivate, defaultOrder)
		assert.Equal(t, defaultOrder, got)
	})

	t.Run("sorted by success rate with unmeasured tactics after", func(t *testing.T) {
		s := memstore.New()
		seed(t, s, "direct_locator", 2, 8) // 20%
		seed(t, s, "script_click", 9, 1)   // 90%
		r := New(s, zap.NewNop())

		got := r.Order(ctx, "example.com", schemas.ActionActivate, defaultOrder)
		assert.Equal(t, []string{"script_click", "direct_locator", "text_exact", "coordinate_click"}, got)
	})

	t.Run("disabled tactics are excluded", func(t *testing.T) {
		s := memstore.New()
		seed(t, s, "direct_locator", 0, 6) // 0% over 6 attempts -> disabled
		seed(t, s, "text_exact", 3, 2)
		r := New(s, zap.NewNop())

		got := r.Order(ctx, "example.com", schemas.ActionActivate, defaultOrder)
		assert.NotContains(t, got, "direct_locator")
		assert.Equal(t, "text_exact", got[0])
	})

	t.Run("below five attempts a weak tactic survives", func(t *testing.T) {
		s := memstore.New()
		seed(t, s, "direct_locator", 0, 4)
		r := New(s, zap.NewNop())

		got := r.Order(ctx, "example.com", schemas.ActionActivate, defaultOrder)
		assert.Contains(t, got, "direct_locator")
	})

	t.Run("store failure falls back to default order", func(t *testing.T) {
		r := New(failingRepo{}, zap.NewNop())
		got := r.Order(ctx, "example.com", schemas.ActionActivate, defaultOrder)
		assert.Equal(t, defaultOrder, got)
	})
}

type failingRepo struct{}

func (failingRepo) MethodStats(context.Context, string, schemas.ActionKind) ([]schemas.MethodStatistic, error) {
	return nil, errors.New("db down")
}
func (failingRepo) RecordMethodAttempt(context.Context, string, schemas.ActionKind, string, bool, time.Duration) error {
	return errors.New("db down")
}
func (failingRepo) DifficultyProfile(context.Context, string, schemas.TaskType) (schemas.DifficultyProfile, error) {
	return schemas.DifficultyProfile{}, errors.New("db down")
}
func (failingRepo) RecordTaskSample(context.Context, string, schemas.TaskType, bool, float64, time.Duration) error {
	return errors.New("db down")
}

func TestRecordChain(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	r := New(s, zap.NewNop())

	r.RecordChain(ctx, "example.com", schemas.ActionActivate, []chain.AttemptRecord{
		{Tactic: "direct_locator", Outcome: schemas.StrategyOutcome{ErrorDetail: "missing required input"}},
		{Tactic: "text_exact", Outcome: schemas.StrategyOutcome{ErrorDetail: "not found"}, Latency: 400 * time.Millisecond},
		{Tactic: "script_click", Outcome: schemas.StrategyOutcome{Succeeded: true}, Latency: 200 * time.Millisecond},
	})

	stats, err := s.MethodStats(ctx, "example.com", schemas.ActionActivate)
	require.NoError(t, err)
	require.Len(t, stats, 2, "short-circuited attempts are not recorded")

	byName := map[string]schemas.MethodStatistic{}
	for _, st := range stats {
		byName[st.Tactic] = st
	}
	assert.Equal(t, int64(0), byName["text_exact"].Successes)
	assert.Equal(t, int64(1), byName["script_click"].Successes)
}

func TestRetryBudget(t *testing.T) {
	cases := []struct {
		rate float64
		want int
	}{
		{0.1, 3},
		{0.29, 3},
		{0.3, 2},
		{0.69, 2},
		{0.7, 1},
		{0.95, 1},
	}
	for _, tc := range cases {
		got := RetryBudget(schemas.DifficultyProfile{SuccessRate: tc.rate})
		assert.Equal(t, tc.want, got, "rate %.2f", tc.rate)
	}
}
