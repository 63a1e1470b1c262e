package config

import "github.com/kiltro-dev/taskforge/api/schemas"

// Credential env var names checked by the router's availability predicate.
const (
	EnvOpenAIKey    = "TASKFORGE_OPENAI_API_KEY"
	EnvAnthropicKey = "TASKFORGE_ANTHROPIC_API_KEY"
	EnvGeminiKey    = "TASKFORGE_GEMINI_API_KEY"
)

// DefaultProviderChains returns the cost-ordered provider fallback chain for
// each model category. Cheapest first; the router skips entries whose
// credential env var is unset.
func DefaultProviderChains() map[schemas.ModelCategory][]schemas.ProviderSpec {
	gemFlash := schemas.ProviderSpec{
		Name: "gemini", Model: "gemini-2.5-flash", CredentialEnv: EnvGeminiKey,
		InputCostPer1K: 0.00015, OutputCostPer1K: 0.0006,
	}
	gptMini := schemas.ProviderSpec{
		Name: "openai", Model: "gpt-4o-mini", CredentialEnv: EnvOpenAIKey,
		InputCostPer1K: 0.00015, OutputCostPer1K: 0.0006,
	}
	gpt4o := schemas.ProviderSpec{
		Name: "openai", Model: "gpt-4o", CredentialEnv: EnvOpenAIKey,
		InputCostPer1K: 0.0025, OutputCostPer1K: 0.01,
	}
	haiku := schemas.ProviderSpec{
		Name: "anthropic", Model: "claude-haiku-4-5", CredentialEnv: EnvAnthropicKey,
		InputCostPer1K: 0.0008, OutputCostPer1K: 0.004,
	}
	sonnet := schemas.ProviderSpec{
		Name: "anthropic", Model: "claude-sonnet-4-5", CredentialEnv: EnvAnthropicKey,
		InputCostPer1K: 0.003, OutputCostPer1K: 0.015,
	}

	return map[schemas.ModelCategory][]schemas.ProviderSpec{
		schemas.CategoryUnderstanding: {gemFlash, gptMini, haiku},
		schemas.CategoryPlanning:      {gptMini, haiku, gpt4o},
		schemas.CategoryReasoning:     {haiku, sonnet, gpt4o},
		schemas.CategoryVision:        {gemFlash, gpt4o, sonnet},
		schemas.CategoryValidation:    {gemFlash, gptMini, haiku},
		schemas.CategoryResponse:      {gptMini, gemFlash, haiku},
	}
}

// DefaultSuccessPhrases returns the per-task-type phrase lists the verifier's
// self-check stage scans for.
func DefaultSuccessPhrases() map[schemas.TaskType][]string {
	return map[schemas.TaskType][]string{
		schemas.TaskTypeBooking: {
			"confirmation", "reservation number", "booking confirmed",
			"your reservation", "confirmation number", "itinerary",
		},
		schemas.TaskTypePurchase: {
			"order confirmed", "order number", "thank you for your order",
			"payment successful", "receipt", "shipped to",
		},
		schemas.TaskTypeForm: {
			"thank you", "successfully submitted", "we have received",
			"submission received", "message sent",
		},
		schemas.TaskTypeLogin: {
			"welcome back", "my account", "sign out", "log out", "dashboard",
		},
		schemas.TaskTypeGeneric: {
			"success", "completed", "thank you", "confirmed",
		},
	}
}

// DefaultErrorPhrases returns the per-task-type failure phrase lists.
func DefaultErrorPhrases() map[schemas.TaskType][]string {
	return map[schemas.TaskType][]string{
		schemas.TaskTypeBooking: {
			"not available", "sold out", "no availability", "fully booked",
			"could not complete", "try again",
		},
		schemas.TaskTypePurchase: {
			"out of stock", "payment failed", "declined", "cart is empty",
			"unable to process",
		},
		schemas.TaskTypeForm: {
			"required field", "invalid", "error", "could not be submitted",
		},
		schemas.TaskTypeLogin: {
			"incorrect password", "invalid credentials", "account locked",
			"too many attempts", "sign in failed",
		},
		schemas.TaskTypeGeneric: {
			"error", "failed", "something went wrong", "try again",
		},
	}
}
