// Package masking redacts secrets from tool results before they are
// streamed, persisted, or fed back to the model.
package masking

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/droverhq/drover/pkg/config"
)

// Masker applies a fixed set of compiled redaction patterns. Built once at
// startup; safe for concurrent use.
type Masker struct {
	patterns []*CompiledPattern
}

// New compiles the configured pattern set, or returns nil when masking is
// disabled. Unknown pattern names and invalid custom patterns are logged
// and skipped, never fatal.
func New(cfg *config.MaskingConfig) *Masker {
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	names := cfg.Patterns
	if len(names) == 0 {
		names = builtinNames()
	}

	m := &Masker{}
	for _, name := range names {
		spec, ok := builtinPatterns[name]
		if !ok {
			slog.Warn("Unknown masking pattern, skipping", "pattern", name)
			continue
		}
		compiled, err := regexp.Compile(spec.pattern)
		if err != nil {
			slog.Error("Failed to compile masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		m.patterns = append(m.patterns, &CompiledPattern{
			Name:        name,
			Regex:       compiled,
			Replacement: spec.replacement,
			Description: spec.description,
		})
	}

	for i, custom := range cfg.Custom {
		name := fmt.Sprintf("custom:%d", i)
		compiled, err := regexp.Compile(custom.Pattern)
		if err != nil {
			slog.Error("Failed to compile custom masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		m.patterns = append(m.patterns, &CompiledPattern{
			Name:        name,
			Regex:       compiled,
			Replacement: custom.Replacement,
		})
	}

	slog.Info("Masking enabled", "patterns", len(m.patterns))
	return m
}

// MaskText replaces every secret match in s.
func (m *Masker) MaskText(s string) string {
	if s == "" {
		return s
	}
	for _, p := range m.patterns {
		s = p.Regex.ReplaceAllString(s, p.Replacement)
	}
	return s
}
