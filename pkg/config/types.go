package config

import "time"

// WorkerConfig controls how jobs are consumed and how many runs a single
// process drives concurrently.
type WorkerConfig struct {
	// WorkerCount is the number of driver goroutines per replica/pod.
	// Each worker independently claims and processes runs.
	WorkerCount int `yaml:"worker_count"`

	// MaxConcurrentRuns is the per-process limit of runs being driven at once.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`

	// ClaimBlock is how long a broker read blocks waiting for a job before
	// re-checking shutdown.
	ClaimBlock time.Duration `yaml:"claim_block"`

	// ReclaimIdle is how long a delivered job may sit unacknowledged
	// before another worker takes it over. A takeover of a run that is
	// still being driven is refused by the ownership lock, so this only
	// needs to outlive the claim handshake, not a whole run.
	ReclaimIdle time.Duration `yaml:"reclaim_idle"`

	// GracefulShutdownTimeout is the max time to wait for in-flight runs
	// to finish during shutdown.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`

	// StaleSweepInterval is how often to scan for runs whose owner died.
	StaleSweepInterval time.Duration `yaml:"stale_sweep_interval"`

	// StaleThreshold is how long a running row may go without a live
	// ownership lock before the sweeper fails it.
	StaleThreshold time.Duration `yaml:"stale_threshold"`
}

// RunConfig bounds a single run's loop.
type RunConfig struct {
	// MaxSteps is the hard bound on LLM steps per run.
	MaxSteps int `yaml:"max_steps"`

	// MaxAutoContinues bounds provider-initiated continuations
	// (finish_reason tool_calls or length) per run.
	MaxAutoContinues int `yaml:"max_auto_continues"`

	// HeartbeatInterval is how often the owner refreshes its heartbeat key.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// LockTTL is the ownership lock expiry. Must be at least three
	// heartbeat intervals so a single missed refresh never loses the run.
	LockTTL time.Duration `yaml:"lock_ttl"`

	// ToolTimeout bounds one tool invocation.
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// LLMRequestTimeout bounds one streaming LLM call end to end.
	LLMRequestTimeout time.Duration `yaml:"llm_request_timeout"`

	// TerminatorTools are tool names whose successful invocation ends the
	// run as completed.
	TerminatorTools []string `yaml:"terminator_tools"`
}

// StreamConfig controls the per-run Redis event stream and its backpressure.
type StreamConfig struct {
	// MaxLen is the default approximate stream trim length. Jobs may
	// override it per run.
	MaxLen int64 `yaml:"max_len"`

	// CompletedTTL is how long a finished run's stream stays readable.
	CompletedTTL time.Duration `yaml:"completed_ttl"`

	// MaxPendingOps is the in-flight publish/append ceiling; streaming
	// writes pause above it until in-flight drops below half.
	MaxPendingOps int `yaml:"max_pending_ops"`

	// SubscribeTimeout bounds control-channel subscription at run start.
	// On failure stop-signalling is disabled and the run still completes.
	SubscribeTimeout time.Duration `yaml:"subscribe_timeout"`

	// DrainWait is the max wait for pending stream operations at run exit.
	DrainWait time.Duration `yaml:"drain_wait"`
}

// BufferConfig controls the database write buffer.
type BufferConfig struct {
	// FlushInterval is the background flusher period.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// MaxQueued bounds one run's pending records between flushes.
	MaxQueued int `yaml:"max_queued"`
}

// LLMProviderConfig describes one OpenAI-compatible provider endpoint.
type LLMProviderConfig struct {
	BaseURL   string   `yaml:"base_url"`
	APIKeyEnv string   `yaml:"api_key_env"`
	Models    []string `yaml:"models"`
}

// LLMConfig holds provider endpoints and model resolution.
type LLMConfig struct {
	// Providers maps provider name -> endpoint config.
	Providers map[string]LLMProviderConfig `yaml:"providers"`

	// ModelAliases maps short names (as stored on agents) to concrete
	// provider model identifiers.
	ModelAliases map[string]string `yaml:"model_aliases"`

	// DefaultModel is used when a job names no model and the agent
	// config has none.
	DefaultModel string `yaml:"default_model"`

	// MaxContextTokens bounds the history slice prepared for one step.
	// Older messages beyond the budget are dropped, newest first kept.
	MaxContextTokens int `yaml:"max_context_tokens"`

	// MaxOutputTokens caps one completion and sizes the worst-case credit
	// reservation before each step.
	MaxOutputTokens int `yaml:"max_output_tokens"`

	// PromptCaching enables provider-side prompt cache markers on the
	// system prompt.
	PromptCaching bool `yaml:"prompt_caching"`
}

// BillingConfig controls credit reservation and renewal grants.
type BillingConfig struct {
	// ReservationEnabled gates pre-step credit reservation. Disabled
	// deployments still record usage in the ledger.
	ReservationEnabled bool `yaml:"reservation_enabled"`

	// RenewalSchedule is a cron expression for the renewal grant scan.
	RenewalSchedule string `yaml:"renewal_schedule"`

	// MonthlyCredits is the grant per renewal period, by tier name.
	// Values are decimal strings.
	MonthlyCredits map[string]string `yaml:"monthly_credits"`
}

// MaskPattern is one custom masking rule. Replacement may reference
// capture groups ($1, $2) from the pattern.
type MaskPattern struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// MaskingConfig controls secret redaction of tool results before they are
// streamed, persisted, or fed back to the model.
type MaskingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Patterns selects built-in patterns by name. Empty means all of them.
	Patterns []string `yaml:"patterns"`

	// Custom adds deployment-specific rules on top of the built-ins.
	Custom []MaskPattern `yaml:"custom"`
}

// RetentionConfig controls the background data-retention sweep.
type RetentionConfig struct {
	// CleanupInterval is the sweep period.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// PendingRunTTL is how long a run may sit in pending before it is
	// failed as abandoned (its job was lost before any worker claimed it).
	PendingRunTTL time.Duration `yaml:"pending_run_ttl"`

	// WebhookRetention is how long finished webhook dedup rows are kept.
	WebhookRetention time.Duration `yaml:"webhook_retention"`
}

// APIConfig controls the ops HTTP surface.
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}
