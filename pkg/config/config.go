// Package config loads and validates drover's runtime configuration.
//
// Configuration comes from two places: drover.yaml (worker, run, stream,
// buffer, LLM, billing, masking, retention, and API settings) and
// environment variables
// (credentials and connection endpoints, expanded into the YAML via
// {{.VAR}} templates). Built-in defaults cover every field so an empty
// file is a valid deployment.
package config

import (
	"context"
	"fmt"
	"log/slog"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	configDir string

	Worker    *WorkerConfig    `yaml:"worker"`
	Run       *RunConfig       `yaml:"run"`
	Stream    *StreamConfig    `yaml:"stream"`
	Buffer    *BufferConfig    `yaml:"buffer"`
	LLM       *LLMConfig       `yaml:"llm"`
	Billing   *BillingConfig   `yaml:"billing"`
	Masking   *MaskingConfig   `yaml:"masking"`
	Retention *RetentionConfig `yaml:"retention"`
	API       *APIConfig       `yaml:"api"`
}

// ConfigDir returns the directory configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Stats summarizes loaded configuration for startup logging.
type Stats struct {
	Providers    int
	ModelAliases int
	Terminators  int
}

// Stats returns counts of configured components.
func (c *Config) Stats() Stats {
	return Stats{
		Providers:    len(c.LLM.Providers),
		ModelAliases: len(c.LLM.ModelAliases),
		Terminators:  len(c.Run.TerminatorTools),
	}
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load drover.yaml from configDir (missing file -> pure defaults)
//  2. Expand environment variables
//  3. Merge user values over built-in defaults
//  4. Validate all configuration
//  5. Return Config ready for use
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"llm_providers", stats.Providers,
		"model_aliases", stats.ModelAliases,
		"terminator_tools", stats.Terminators)

	return cfg, nil
}
