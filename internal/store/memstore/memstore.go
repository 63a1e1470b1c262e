// Package memstore is the in-memory learning repository used when no
// database is configured. Learned state lives for the process lifetime only.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/kiltro-dev/taskforge/api/schemas"
	"github.com/kiltro-dev/taskforge/internal/store"
)

type methodKey struct {
	domain string
	kind   schemas.ActionKind
	tactic string
}

type profileKey struct {
	domain   string
	taskType schemas.TaskType
}

type routeKey struct {
	domain      string
	description string
}

type sessionCookie struct {
	name  string
	value string
}

// Store holds all learned state behind one mutex. Contention is negligible
// at the write rates tasks produce.
type Store struct {
	mu       sync.Mutex
	methods  map[methodKey]*schemas.MethodStatistic
	profiles map[profileKey]*schemas.DifficultyProfile
	routes   map[routeKey]schemas.LearnedRoute
	cookies  map[string]sessionCookie
	outcomes []schemas.TaskOutcomeRecord
	spend    map[string]float64 // userID|month
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		methods:  make(map[methodKey]*schemas.MethodStatistic),
		profiles: make(map[profileKey]*schemas.DifficultyProfile),
		routes:   make(map[routeKey]schemas.LearnedRoute),
		cookies:  make(map[string]sessionCookie),
		spend:    make(map[string]float64),
	}
}

func (s *Store) RecordMethodAttempt(ctx context.Context, domain string, kind schemas.ActionKind, tactic string, succeeded bool, latency time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := methodKey{domain, kind, tactic}
	st, ok := s.methods[key]
	if !ok {
		st = &schemas.MethodStatistic{Domain: domain, ActionKind: kind, Tactic: tactic}
		s.methods[key] = st
	}
	st.AvgLatency = time.Duration((int64(st.AvgLatency)*st.Attempts + int64(latency)) / (st.Attempts + 1))
	st.Attempts++
	if succeeded {
		st.Successes++
	}
	st.UpdatedAt = time.Now()
	return nil
}

func (s *Store) MethodStats(ctx context.Context, domain string, kind schemas.ActionKind) ([]schemas.MethodStatistic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schemas.MethodStatistic
	for key, st := range s.methods {
		if key.domain != domain || key.kind != kind {
			continue
		}
		cp := *st
		cp.Disabled = cp.Attempts >= 5 && cp.SuccessRate() < 0.20
		out = append(out, cp)
	}
	return out, nil
}

func (s *Store) RecordTaskSample(ctx context.Context, domain string, taskType schemas.TaskType, succeeded bool, costUSD float64, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := profileKey{domain, taskType}
	p, ok := s.profiles[key]
	if !ok {
		p = &schemas.DifficultyProfile{Domain: domain, TaskType: taskType}
		s.profiles[key] = p
	}
	rate := 0.0
	if succeeded {
		rate = 1.0
	}
	n := float64(p.Samples)
	p.SuccessRate = (p.SuccessRate*n + rate) / (n + 1)
	p.AvgCostUSD = (p.AvgCostUSD*n + costUSD) / (n + 1)
	p.AvgDuration = time.Duration((float64(p.AvgDuration)*n + float64(duration)) / (n + 1))
	p.Samples++
	return nil
}

func (s *Store) DifficultyProfile(ctx context.Context, domain string, taskType schemas.TaskType) (schemas.DifficultyProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.profiles[profileKey{domain, taskType}]; ok && p.Samples >= 3 {
		cp := *p
		cp.RecommendedTier = tierFor(cp.SuccessRate)
		return cp, nil
	}

	// Task-type-wide aggregate across all domains.
	var rateSum, costSum, durSum float64
	var samples int64
	for key, p := range s.profiles {
		if key.taskType != taskType {
			continue
		}
		n := float64(p.Samples)
		rateSum += p.SuccessRate * n
		costSum += p.AvgCostUSD * n
		durSum += float64(p.AvgDuration) * n
		samples += p.Samples
	}
	if samples >= 5 {
		n := float64(samples)
		return schemas.DifficultyProfile{
			Domain:          domain,
			TaskType:        taskType,
			SuccessRate:     rateSum / n,
			AvgCostUSD:      costSum / n,
			AvgDuration:     time.Duration(durSum / n),
			RecommendedTier: tierFor(rateSum / n),
			Samples:         samples,
		}, nil
	}

	return store.StaticDefaultProfile(domain, taskType), nil
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

func (s *Store) SaveRoute(ctx context.Context, route schemas.LearnedRoute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	route.LastUsed = time.Now()
	s.routes[routeKey{route.Domain, route.Description}] = route
	return nil
}

func (s *Store) LookupRoute(ctx context.Context, domain, description string) (schemas.LearnedRoute, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routes[routeKey{domain, description}]
	return r, ok, nil
}

func (s *Store) SaveSessionCookie(ctx context.Context, domain, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookies[domain] = sessionCookie{name: name, value: value}
	return nil
}

func (s *Store) SessionCookie(ctx context.Context, domain string) (string, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cookies[domain]
	return c.name, c.value, ok
}

func (s *Store) RecordTaskOutcome(ctx context.Context, rec schemas.TaskOutcomeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, rec)
	return nil
}

// Outcomes returns a copy of the audit log, newest last.
func (s *Store) Outcomes() []schemas.TaskOutcomeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schemas.TaskOutcomeRecord, len(s.outcomes))
	copy(out, s.outcomes)
	return out
}

func (s *Store) SpendBudget(ctx context.Context, userID string, costUSD float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spend[spendKey(userID, time.Now())] += costUSD
	return nil
}

func (s *Store) MonthlySpend(ctx context.Context, userID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spend[spendKey(userID, time.Now())], nil
}

func spendKey(userID string, t time.Time) string {
	return userID + "|" + t.UTC().Format("2006-01")
}
