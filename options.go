package safechunk

import (
	"time"

	"github.com/davidahmann/safechunk/internal/lockmgr"
)

// DefaultRoot is used when Options.Root is left empty.
const DefaultRoot = "./user_projects"

// DefaultDebounceDelay is the staging buffer's quiescent interval
// before an automatic flush, per spec.md §6.
const DefaultDebounceDelay = 1500 * time.Millisecond

// DefaultCheckpointRetention is how many checkpoint archives are kept
// per project when a caller does not specify otherwise.
const DefaultCheckpointRetention = 10

// Sinks are the three observability hooks of spec.md §4.8. A nil
// field is a no-op; a panic raised inside a sink is caught and
// swallowed so a misbehaving callback can never bring down the
// engine.
type Sinks struct {
	OnStatus func(message string)
	OnSync   func()
	OnFault  func(err error)
}

// Options configures Engine construction. Zero-value fields fall back
// to module defaults and, where applicable, an optional engine.yaml
// found under the project directory.
type Options struct {
	Root                       string
	DebounceDelay              time.Duration
	CheckpointRetentionDefault int
	IsProcessAlive             lockmgr.IsProcessAliveFunc
	// ConfigPath overrides where engine.yaml is read from. Empty means
	// "<project>/engine.yaml"; a path that does not exist is not an
	// error, per SPEC_FULL.md §4.7.
	ConfigPath string
	Sinks      Sinks
}

func (o Options) withDefaults() Options {
	if o.Root == "" {
		o.Root = DefaultRoot
	}
	if o.DebounceDelay <= 0 {
		o.DebounceDelay = DefaultDebounceDelay
	}
	if o.CheckpointRetentionDefault < 1 {
		o.CheckpointRetentionDefault = DefaultCheckpointRetention
	}
	return o
}
