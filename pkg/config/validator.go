package config

import (
	"fmt"
	"regexp"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
)

// validate performs comprehensive validation on loaded configuration.
func validate(cfg *Config) error {
	checks := []func(*Config) error{
		validateWorker,
		validateRun,
		validateStream,
		validateBuffer,
		validateLLM,
		validateBilling,
		validateMasking,
		validateRetention,
		validateAPI,
	}
	for _, check := range checks {
		if err := check(cfg); err != nil {
			return fmt.Errorf("%w: %w", ErrValidationFailed, err)
		}
	}
	return nil
}

func validateWorker(cfg *Config) error {
	w := cfg.Worker
	if w.WorkerCount < 1 {
		return NewValidationError("worker", "worker_count", ErrInvalidValue)
	}
	if w.MaxConcurrentRuns < w.WorkerCount {
		return NewValidationError("worker", "max_concurrent_runs",
			fmt.Errorf("%w: must be >= worker_count", ErrInvalidValue))
	}
	if w.StaleThreshold <= 0 || w.StaleSweepInterval <= 0 {
		return NewValidationError("worker", "stale_sweep", ErrInvalidValue)
	}
	if w.ReclaimIdle <= 0 {
		return NewValidationError("worker", "reclaim_idle", ErrInvalidValue)
	}
	return nil
}

func validateRun(cfg *Config) error {
	r := cfg.Run
	if r.MaxSteps < 1 {
		return NewValidationError("run", "max_steps", ErrInvalidValue)
	}
	if r.MaxAutoContinues < 0 {
		return NewValidationError("run", "max_auto_continues", ErrInvalidValue)
	}
	if r.HeartbeatInterval <= 0 {
		return NewValidationError("run", "heartbeat_interval", ErrInvalidValue)
	}
	// A single missed heartbeat must never lose the run.
	if r.LockTTL < 3*r.HeartbeatInterval {
		return NewValidationError("run", "lock_ttl",
			fmt.Errorf("%w: must be >= 3x heartbeat_interval", ErrInvalidValue))
	}
	if len(r.TerminatorTools) == 0 {
		return NewValidationError("run", "terminator_tools", ErrMissingRequiredField)
	}
	return nil
}

func validateStream(cfg *Config) error {
	s := cfg.Stream
	if s.MaxLen < 1 {
		return NewValidationError("stream", "max_len", ErrInvalidValue)
	}
	if s.MaxPendingOps < 2 {
		return NewValidationError("stream", "max_pending_ops", ErrInvalidValue)
	}
	if s.CompletedTTL <= 0 {
		return NewValidationError("stream", "completed_ttl", ErrInvalidValue)
	}
	return nil
}

func validateBuffer(cfg *Config) error {
	b := cfg.Buffer
	if b.FlushInterval <= 0 {
		return NewValidationError("buffer", "flush_interval", ErrInvalidValue)
	}
	if b.MaxQueued < 1 {
		return NewValidationError("buffer", "max_queued", ErrInvalidValue)
	}
	return nil
}

func validateLLM(cfg *Config) error {
	l := cfg.LLM
	if len(l.Providers) == 0 {
		return NewValidationError("llm", "providers", ErrMissingRequiredField)
	}
	for name, p := range l.Providers {
		if p.BaseURL == "" {
			return NewValidationError("llm", fmt.Sprintf("providers.%s.base_url", name), ErrMissingRequiredField)
		}
	}
	if l.DefaultModel == "" {
		return NewValidationError("llm", "default_model", ErrMissingRequiredField)
	}
	if l.MaxContextTokens < 1 {
		return NewValidationError("llm", "max_context_tokens", ErrInvalidValue)
	}
	if l.MaxOutputTokens < 1 {
		return NewValidationError("llm", "max_output_tokens", ErrInvalidValue)
	}
	return nil
}

func validateBilling(cfg *Config) error {
	b := cfg.Billing
	if b.RenewalSchedule != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(b.RenewalSchedule); err != nil {
			return NewValidationError("billing", "renewal_schedule",
				fmt.Errorf("%w: %v", ErrInvalidValue, err))
		}
	}
	for tier, amount := range b.MonthlyCredits {
		if _, err := decimal.NewFromString(amount); err != nil {
			return NewValidationError("billing", fmt.Sprintf("monthly_credits.%s", tier),
				fmt.Errorf("%w: %v", ErrInvalidValue, err))
		}
	}
	return nil
}

func validateMasking(cfg *Config) error {
	for i, p := range cfg.Masking.Custom {
		if p.Pattern == "" {
			return NewValidationError("masking", fmt.Sprintf("custom[%d].pattern", i), ErrMissingRequiredField)
		}
		if _, err := regexp.Compile(p.Pattern); err != nil {
			return NewValidationError("masking", fmt.Sprintf("custom[%d].pattern", i),
				fmt.Errorf("%w: %v", ErrInvalidValue, err))
		}
	}
	return nil
}

func validateRetention(cfg *Config) error {
	r := cfg.Retention
	if r.CleanupInterval <= 0 {
		return NewValidationError("retention", "cleanup_interval", ErrInvalidValue)
	}
	if r.PendingRunTTL <= 0 {
		return NewValidationError("retention", "pending_run_ttl", ErrInvalidValue)
	}
	if r.WebhookRetention <= 0 {
		return NewValidationError("retention", "webhook_retention", ErrInvalidValue)
	}
	return nil
}

func validateAPI(cfg *Config) error {
	if cfg.API.Port < 1 || cfg.API.Port > 65535 {
		return NewValidationError("api", "port", ErrInvalidValue)
	}
	return nil
}
