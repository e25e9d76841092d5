package config

import "time"

// DefaultConfig returns the built-in defaults. Every field is set so an
// empty drover.yaml is a valid deployment.
func DefaultConfig() *Config {
	return &Config{
		Worker: &WorkerConfig{
			WorkerCount:             5,
			MaxConcurrentRuns:       20,
			ClaimBlock:              5 * time.Second,
			ReclaimIdle:             time.Minute,
			GracefulShutdownTimeout: 10 * time.Minute,
			StaleSweepInterval:      5 * time.Minute,
			StaleThreshold:          2 * time.Minute,
		},
		Run: &RunConfig{
			MaxSteps:          100,
			MaxAutoContinues:  25,
			HeartbeatInterval: 10 * time.Second,
			LockTTL:           30 * time.Second,
			ToolTimeout:       2 * time.Minute,
			LLMRequestTimeout: 5 * time.Minute,
			TerminatorTools:   []string{"ask", "complete"},
		},
		Stream: &StreamConfig{
			MaxLen:           10000,
			CompletedTTL:     time.Hour,
			MaxPendingOps:    500,
			SubscribeTimeout: 5 * time.Second,
			DrainWait:        30 * time.Second,
		},
		Buffer: &BufferConfig{
			FlushInterval: 5 * time.Second,
			MaxQueued:     10000,
		},
		LLM: &LLMConfig{
			Providers: map[string]LLMProviderConfig{
				"openai": {
					BaseURL:   "https://api.openai.com/v1",
					APIKeyEnv: "OPENAI_API_KEY",
				},
			},
			ModelAliases:     map[string]string{},
			DefaultModel:     "gpt-4o",
			MaxContextTokens: 32000,
			MaxOutputTokens:  4096,
			PromptCaching:    true,
		},
		Billing: &BillingConfig{
			ReservationEnabled: true,
			RenewalSchedule:    "@every 1h",
			MonthlyCredits: map[string]string{
				"free": "5",
				"pro":  "100",
			},
		},
		Masking: &MaskingConfig{
			Enabled: true,
		},
		Retention: &RetentionConfig{
			CleanupInterval:  time.Hour,
			PendingRunTTL:    24 * time.Hour,
			WebhookRetention: 30 * 24 * time.Hour,
		},
		API: &APIConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
	}
}
