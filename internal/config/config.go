package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kiltro-dev/taskforge/api/schemas"
)

// Config holds the entire application configuration.
type Config struct {
	Logger         LoggerConfig         `mapstructure:"logger" yaml:"logger"`
	Database       DatabaseConfig       `mapstructure:"database" yaml:"database"`
	Engine         EngineConfig         `mapstructure:"engine" yaml:"engine"`
	Surface        SurfaceConfig        `mapstructure:"surface" yaml:"surface"`
	Chain          ChainConfig          `mapstructure:"chain" yaml:"chain"`
	Countermeasure CountermeasureConfig `mapstructure:"countermeasure" yaml:"countermeasure"`
	Router         RouterConfig         `mapstructure:"router" yaml:"router"`
	Verifier       VerifierConfig       `mapstructure:"verifier" yaml:"verifier"`
}

// LoggerConfig configures the zap logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// DatabaseConfig holds the statistics store connection details. An empty URL
// selects the in-memory store.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// EngineConfig tunes the task engine.
type EngineConfig struct {
	MaxConcurrentTasks int           `mapstructure:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
	DefaultTaskTimeout time.Duration `mapstructure:"default_task_timeout" yaml:"default_task_timeout"`
	MaxChainRetries    int           `mapstructure:"max_chain_retries" yaml:"max_chain_retries"`
}

// SurfaceConfig holds settings for the browser-backed surface.
type SurfaceConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	Args              []string      `mapstructure:"args" yaml:"args"`
}

// ChainConfig tunes the strategy-chain executor.
type ChainConfig struct {
	TacticTimeout time.Duration `mapstructure:"tactic_timeout" yaml:"tactic_timeout"`
}

// CountermeasureConfig tunes the anti-automation handler.
type CountermeasureConfig struct {
	ChallengePolls      int             `mapstructure:"challenge_polls" yaml:"challenge_polls"`
	ChallengePollGap    time.Duration   `mapstructure:"challenge_poll_gap" yaml:"challenge_poll_gap"`
	RateLimitBackoffs   []time.Duration `mapstructure:"rate_limit_backoffs" yaml:"rate_limit_backoffs"`
	ReloadRatePerSecond float64         `mapstructure:"reload_rate_per_second" yaml:"reload_rate_per_second"`
}

// RouterConfig configures the model routing layer.
type RouterConfig struct {
	MonthlyBudgetUSD float64                                          `mapstructure:"monthly_budget_usd" yaml:"monthly_budget_usd"`
	Chains           map[schemas.ModelCategory][]schemas.ProviderSpec `mapstructure:"chains" yaml:"chains"`
	APITimeout       time.Duration                                    `mapstructure:"api_timeout" yaml:"api_timeout"`
}

// VerifierConfig carries the task-type phrase lists and stage thresholds.
type VerifierConfig struct {
	SelfCheckThreshold int                           `mapstructure:"self_check_threshold" yaml:"self_check_threshold"`
	EvidenceThreshold  int                           `mapstructure:"evidence_threshold" yaml:"evidence_threshold"`
	PassBar            int                           `mapstructure:"pass_bar" yaml:"pass_bar"`
	SuccessPhrases     map[schemas.TaskType][]string `mapstructure:"success_phrases" yaml:"success_phrases"`
	ErrorPhrases       map[schemas.TaskType][]string `mapstructure:"error_phrases" yaml:"error_phrases"`
	SuccessURLMarkers  []string                      `mapstructure:"success_url_markers" yaml:"success_url_markers"`
}

// SetDefaults initializes default values on the supplied viper instance.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "taskforge")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Engine --
	v.SetDefault("engine.max_concurrent_tasks", 8)
	v.SetDefault("engine.default_task_timeout", "5m")
	v.SetDefault("engine.max_chain_retries", 4)

	// -- Surface --
	v.SetDefault("surface.headless", true)
	v.SetDefault("surface.navigation_timeout", "30s")

	// -- Chain --
	v.SetDefault("chain.tactic_timeout", "8s")

	// -- Countermeasure --
	v.SetDefault("countermeasure.challenge_polls", 6)
	v.SetDefault("countermeasure.challenge_poll_gap", "5s")
	v.SetDefault("countermeasure.rate_limit_backoffs", []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second})
	v.SetDefault("countermeasure.reload_rate_per_second", 0.5)

	// -- Router --
	v.SetDefault("router.monthly_budget_usd", 25.0)
	v.SetDefault("router.api_timeout", "45s")

	// -- Verifier --
	v.SetDefault("verifier.self_check_threshold", 95)
	v.SetDefault("verifier.evidence_threshold", 90)
	v.SetDefault("verifier.pass_bar", 70)
	v.SetDefault("verifier.success_url_markers", []string{"thank-you", "thankyou", "confirmation", "receipt", "success", "order-complete"})
}

// NewDefaultConfig returns a configuration populated with defaults only.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	applyStaticFallbacks(&cfg)
	return &cfg
}

// NewConfigFromViper builds and validates a configuration from a viper
// instance that has already read files/env.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	applyStaticFallbacks(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// BindEnvironment wires the TASKFORGE_ env prefix and key replacer so nested
// keys map onto env vars.
func BindEnvironment(v *viper.Viper) {
	v.SetEnvPrefix("TASKFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// applyStaticFallbacks fills config sections viper cannot default cleanly
// (typed map keys).
func applyStaticFallbacks(cfg *Config) {
	if len(cfg.Router.Chains) == 0 {
		cfg.Router.Chains = DefaultProviderChains()
	}
	if len(cfg.Verifier.SuccessPhrases) == 0 {
		cfg.Verifier.SuccessPhrases = DefaultSuccessPhrases()
	}
	if len(cfg.Verifier.ErrorPhrases) == 0 {
		cfg.Verifier.ErrorPhrases = DefaultErrorPhrases()
	}
}

// Validate checks for sane values.
func (c *Config) Validate() error {
	if c.Engine.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("engine.max_concurrent_tasks must be a positive integer")
	}
	if c.Engine.MaxChainRetries < 0 {
		return fmt.Errorf("engine.max_chain_retries must not be negative")
	}
	if c.Chain.TacticTimeout <= 0 {
		return fmt.Errorf("chain.tactic_timeout must be a positive duration")
	}
	if c.Countermeasure.ChallengePolls <= 0 {
		return fmt.Errorf("countermeasure.challenge_polls must be a positive integer")
	}
	if c.Router.MonthlyBudgetUSD < 0 {
		return fmt.Errorf("router.monthly_budget_usd must not be negative")
	}
	if c.Verifier.PassBar <= 0 || c.Verifier.PassBar > 100 {
		return fmt.Errorf("verifier.pass_bar must be in (0, 100]")
	}
	return nil
}
