// Package engineconfig loads the optional engine.yaml that overrides
// the engine's debounce and retention defaults.
package engineconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// DefaultPath is where New looks for overrides when the caller does
// not pass an explicit path.
const DefaultPath = "engine.yaml"

// Config holds the subset of engine behavior a project can override
// without touching Options in code.
type Config struct {
	DebounceDelayMS            int64 `yaml:"debounce_delay_ms"`
	CheckpointRetentionDefault int   `yaml:"checkpoint_retention_default"`
}

// DebounceDelay returns the configured debounce delay, or zero if
// unset.
func (c Config) DebounceDelay() time.Duration {
	if c.DebounceDelayMS <= 0 {
		return 0
	}
	return time.Duration(c.DebounceDelayMS) * time.Millisecond
}

// Load reads and parses path. A missing file is not an error: it
// returns a zero-value Config so callers fall back to built-in
// defaults, matching spec.md's "engine.yaml is optional" stance.
func Load(path string) (Config, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		trimmedPath = DefaultPath
	}

	// #nosec G304 -- config path is explicit caller-provided input.
	content, err := os.ReadFile(trimmedPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read engine config: %w", err)
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		return Config{}, nil
	}

	var configuration Config
	if err := yaml.Unmarshal(content, &configuration); err != nil {
		return Config{}, fmt.Errorf("parse engine config: %w", err)
	}
	return configuration, nil
}
