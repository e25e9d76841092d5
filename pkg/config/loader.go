package config

import (
	"fmt"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

const configFileName = "drover.yaml"

// load reads drover.yaml (if present), expands environment variables, and
// merges user values over built-in defaults. A missing file yields pure
// defaults; a malformed one is an error.
func load(configDir string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.configDir = configDir

	user, err := loadYAML(configDir)
	if err != nil {
		return nil, NewLoadError(configFileName, err)
	}
	if user == nil {
		return cfg, nil
	}

	// Non-zero user values override defaults; unset sections keep them.
	if err := mergo.Merge(cfg, user, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge %s over defaults: %w", configFileName, err)
	}

	return cfg, nil
}

func loadYAML(configDir string) (*Config, error) {
	path := filepath.Join(configDir, configFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	// Expand environment variables using {{.VAR}} template syntax.
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing the YAML parser to handle the content (or fail with a clearer
	// error message).
	data = ExpandEnv(data)

	var user Config
	if err := yaml.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return &user, nil
}
