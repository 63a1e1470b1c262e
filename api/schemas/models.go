package schemas

// ModelCategory groups model requests by what the caller needs from the
// provider. Each category has its own cost-ordered provider chain.
type ModelCategory string

const (
	CategoryUnderstanding ModelCategory = "understanding"
	CategoryPlanning      ModelCategory = "planning"
	CategoryReasoning     ModelCategory = "reasoning"
	CategoryVision        ModelCategory = "vision"
	CategoryValidation    ModelCategory = "validation"
	CategoryResponse      ModelCategory = "response_generation"
)

// ProviderSpec describes one entry in a category's fallback chain.
// Availability is a runtime predicate (credential present), not a static
// property of the entry.
type ProviderSpec struct {
	Name            string  `mapstructure:"name" json:"name"`
	Model           string  `mapstructure:"model" json:"model"`
	CredentialEnv   string  `mapstructure:"credential_env" json:"credential_env"`
	InputCostPer1K  float64 `mapstructure:"input_cost_per_1k" json:"input_cost_per_1k"`
	OutputCostPer1K float64 `mapstructure:"output_cost_per_1k" json:"output_cost_per_1k"`
}

// ModelRequest is a single call into the routing layer.
type ModelRequest struct {
	Category     ModelCategory `json:"category"`
	UserID       string        `json:"user_id"`
	SystemPrompt string        `json:"system_prompt,omitempty"`
	Prompt       string        `json:"prompt"`
	// ImagePNG carries a screenshot for vision-category requests.
	ImagePNG  []byte `json:"-"`
	ForceJSON bool   `json:"force_json,omitempty"`
}

// ModelUsage is the token accounting reported by a provider.
type ModelUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ModelResult is what the router hands back. Degraded results come from the
// built-in fallback when every configured provider failed; callers must treat
// them as low-confidence signals, not as errors.
type ModelResult struct {
	Provider string     `json:"provider"`
	Model    string     `json:"model"`
	Content  string     `json:"content"`
	Usage    ModelUsage `json:"usage"`
	CostUSD  float64    `json:"cost_usd"`
	Degraded bool       `json:"degraded"`
}
