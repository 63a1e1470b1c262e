package schemas

import "time"

// ActionKind discriminates the three kinds of target action the core executes.
type ActionKind string

const (
	ActionNavigate     ActionKind = "navigate"
	ActionAuthenticate ActionKind = "authenticate"
	ActionActivate     ActionKind = "activate"
)

// TaskType classifies the user-level task an action belongs to. It drives the
// verifier's phrase lists and the difficulty profiles.
type TaskType string

const (
	TaskTypeBooking  TaskType = "booking"
	TaskTypePurchase TaskType = "purchase"
	TaskTypeForm     TaskType = "form_submission"
	TaskTypeLogin    TaskType = "login"
	TaskTypeGeneric  TaskType = "generic"
)

// ActionTarget describes what a chain should act on. It is immutable for the
// duration of one execution attempt.
type ActionTarget struct {
	Kind        ActionKind `json:"kind"`
	Domain      string     `json:"domain"`
	Locator     string     `json:"locator,omitempty"`
	Description string     `json:"description,omitempty"`
	URL         string     `json:"url,omitempty"`
	Username    string     `json:"username,omitempty"`
	Password    string     `json:"password,omitempty"`
}

// StrategyOutcome is the result of one attempted tactic. The chain keeps the
// first successful one and discards the rest.
type StrategyOutcome struct {
	Succeeded     bool   `json:"succeeded"`
	StrategyName  string `json:"strategy_name"`
	FinalLocation string `json:"final_location,omitempty"`
	ErrorDetail   string `json:"error_detail,omitempty"`
	// NeedsHuman marks outcomes like OAuth or magic-link flows that cannot be
	// completed without the user.
	NeedsHuman bool `json:"needs_human,omitempty"`
}

// CountermeasureKind identifies the bot-defense signature detected on a page.
type CountermeasureKind string

const (
	CountermeasureNone      CountermeasureKind = "none"
	CountermeasureChallenge CountermeasureKind = "challenge_page"
	CountermeasureBlock     CountermeasureKind = "traffic_block"
	CountermeasureRateLimit CountermeasureKind = "rate_limited"
)

// CountermeasureSignal is derived per navigation and never persisted.
type CountermeasureSignal struct {
	Kind       CountermeasureKind `json:"kind"`
	RetryAfter time.Duration      `json:"retry_after,omitempty"`
}

// MethodStatistic aggregates attempts of one tactic on one domain.
// Invariant: Successes <= Attempts.
type MethodStatistic struct {
	Domain     string        `json:"domain"`
	ActionKind ActionKind    `json:"action_kind"`
	Tactic     string        `json:"tactic"`
	Attempts   int64         `json:"attempts"`
	Successes  int64         `json:"successes"`
	AvgLatency time.Duration `json:"avg_latency"`
	Disabled   bool          `json:"disabled"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// SuccessRate returns the observed success ratio, zero when unattempted.
func (m MethodStatistic) SuccessRate() float64 {
	if m.Attempts == 0 {
		return 0
	}
	return float64(m.Successes) / float64(m.Attempts)
}

// ExecutionTier recommends how much machinery a task deserves.
type ExecutionTier string

const (
	TierFast     ExecutionTier = "fast"
	TierStandard ExecutionTier = "standard"
	TierCareful  ExecutionTier = "careful"
)

// DifficultyProfile aggregates historical performance for a (domain, task
// type) pair. Profiles with fewer than three samples fall back to the
// task-type-wide aggregate, which falls back to static defaults.
type DifficultyProfile struct {
	Domain          string        `json:"domain"`
	TaskType        TaskType      `json:"task_type"`
	SuccessRate     float64       `json:"success_rate"`
	AvgCostUSD      float64       `json:"avg_cost_usd"`
	AvgDuration     time.Duration `json:"avg_duration"`
	RecommendedTier ExecutionTier `json:"recommended_tier"`
	Samples         int64         `json:"samples"`
}

// Confidence is a monotonic function of sample count, capped at 1.0 once
// twenty samples have accumulated.
func (p DifficultyProfile) Confidence() float64 {
	c := float64(p.Samples) / 20.0
	if c > 1.0 {
		return 1.0
	}
	return c
}

// VerificationMethod names the verifier stage that produced a verdict.
type VerificationMethod string

const (
	MethodSelfCheck   VerificationMethod = "self_check"
	MethodEvidence    VerificationMethod = "evidence"
	MethodSmartReview VerificationMethod = "smart_review"
)

// VerificationVerdict is the verifier's structured judgment.
type VerificationVerdict struct {
	Passed     bool               `json:"passed"`
	Confidence int                `json:"confidence"` // 0-100
	Method     VerificationMethod `json:"method"`
	Evidence   string             `json:"evidence,omitempty"`
}

// TaskRequest is the single inbound call surface accepted from the
// orchestration layer.
type TaskRequest struct {
	TaskID   string       `json:"task_id"`
	UserID   string       `json:"user_id"`
	Domain   string       `json:"domain"`
	TaskType TaskType     `json:"task_type"`
	Target   ActionTarget `json:"target"`
}

// Telemetry carries the execution trace returned with every result.
type Telemetry struct {
	TacticsTried    int                  `json:"tactics_tried"`
	ChainRetries    int                  `json:"chain_retries"`
	Countermeasures []CountermeasureKind `json:"countermeasures,omitempty"`
	ModelSpendUSD   float64              `json:"model_spend_usd"`
	Duration        time.Duration        `json:"duration"`
}

// TaskResult is returned to the orchestration layer for every request,
// success or failure. Failures carry a structured reason, never a stack trace.
type TaskResult struct {
	TaskID       string              `json:"task_id"`
	Success      bool                `json:"success"`
	StrategyUsed string              `json:"strategy_used,omitempty"`
	Reason       string              `json:"reason,omitempty"`
	Verdict      VerificationVerdict `json:"verdict"`
	Telemetry    Telemetry           `json:"telemetry"`
	CompletedAt  time.Time           `json:"completed_at"`
}

// TaskOutcomeRecord is the audit row persisted for every completed task.
type TaskOutcomeRecord struct {
	TaskID     string        `json:"task_id"`
	UserID     string        `json:"user_id"`
	Domain     string        `json:"domain"`
	TaskType   TaskType      `json:"task_type"`
	Success    bool          `json:"success"`
	Strategy   string        `json:"strategy"`
	Confidence int           `json:"confidence"`
	CostUSD    float64       `json:"cost_usd"`
	Duration   time.Duration `json:"duration"`
	FinishedAt time.Time     `json:"finished_at"`
}

// LearnedRoute caches a navigation target that previously succeeded for a
// (domain, description) pair so later tasks can replay it.
type LearnedRoute struct {
	Domain      string    `json:"domain"`
	Description string    `json:"description"`
	URL         string    `json:"url"`
	LastUsed    time.Time `json:"last_used"`
}
