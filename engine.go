// Package safechunk implements a single-writer, crash-resistant,
// file-backed JSON chunk store. An Engine binds to exactly one
// project directory and mediates every read, write, and checkpoint
// against it; two Engines must never hold the same project's lock at
// once.
package safechunk

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	safeerrors "github.com/davidahmann/safechunk/core/errors"
	"github.com/davidahmann/safechunk/internal/checkpoint"
	"github.com/davidahmann/safechunk/internal/layout"
	"github.com/davidahmann/safechunk/internal/lifecycle"
	"github.com/davidahmann/safechunk/internal/lockmgr"
	"github.com/davidahmann/safechunk/internal/shard"
	"github.com/davidahmann/safechunk/internal/staging"
)

// Engine is the durability and lifecycle engine of a single project,
// per spec.md §2.
type Engine struct {
	layout     layout.Layout
	lock       *lockmgr.Manager
	shard      *shard.IO
	buffer     *staging.Buffer
	checkpoint *checkpoint.Subsystem
	gate       *lifecycle.Gate
	sinks      Sinks
	instanceID string
	retention  int
}

// InstanceID returns this Engine value's random per-Engine
// identifier, used only for log and health-report correlation; it is
// never written to disk.
func (e *Engine) InstanceID() string {
	return e.instanceID
}

// IsActive reports whether the engine currently accepts data
// operations.
func (e *Engine) IsActive() bool {
	return e.gate.State() == lifecycle.Active
}

// ProjectID returns the resolved project identifier, which may differ
// from the one requested at construction if New renamed it to avoid a
// collision.
func (e *Engine) ProjectID() string {
	return e.layout.ProjectID
}

// Root returns the project root directory this engine was opened
// under.
func (e *Engine) Root() string {
	return e.layout.Root
}

func (e *Engine) status(format string, args ...any) {
	if e.sinks.OnStatus == nil {
		return
	}
	defer func() { _ = recover() }()
	e.sinks.OnStatus(fmt.Sprintf("[%s] "+format, append([]any{e.instanceID}, args...)...))
}

func (e *Engine) fault(err error) {
	if e.sinks.OnFault == nil || err == nil {
		return
	}
	defer func() { _ = recover() }()
	e.sinks.OnFault(err)
}

// StageUpdate deep-copies payload and schedules it for debounced
// persistence under chunk name, per spec.md §4.4.
func (e *Engine) StageUpdate(name string, payload map[string]any) error {
	if err := e.gate.Guard(); err != nil {
		return err
	}
	if err := layout.ValidateChunkName(name); err != nil {
		return err
	}
	return e.buffer.StageUpdate(name, payload)
}

// ForceSync immediately persists every staged chunk, per spec.md §4.4.
func (e *Engine) ForceSync() error {
	if err := e.gate.Guard(); err != nil {
		return err
	}
	return e.buffer.ForceSync()
}

// FetchChunk returns the current value for name, self-healing from
// the backup if the primary is corrupt, per spec.md §4.3.2.
func (e *Engine) FetchChunk(name string) (map[string]any, error) {
	if err := e.gate.Guard(); err != nil {
		return nil, err
	}
	if err := layout.ValidateChunkName(name); err != nil {
		return nil, err
	}
	// e.shard.FetchChunk already notifies the fault sink itself on every
	// path that returns a non-nil error, so it is not repeated here.
	payload, repaired, err := e.shard.FetchChunk(name)
	if repaired {
		e.status("chunk %q recovered from backup", name)
	}
	return payload, err
}

// CreateCheckpoint flushes the staging buffer, archives chunks/ and
// chunks_bak/, and prunes archives beyond retention (or the engine's
// default if retention <= 0), per spec.md §4.5.
func (e *Engine) CreateCheckpoint(label, notes string, retention int) (string, error) {
	if err := e.gate.Guard(); err != nil {
		return "", err
	}
	if err := e.buffer.ForceSync(); err != nil {
		return "", err
	}
	if retention <= 0 {
		retention = e.retention
	}
	name, err := e.checkpoint.Create(label, notes, retention)
	if err != nil {
		e.fault(err)
		return "", err
	}
	e.status("checkpoint %q created", name)
	return name, nil
}

// RestoreCheckpoint destructively replaces chunks/ and chunks_bak/
// with the contents of the named archive, per spec.md §4.5. On
// extraction failure the project may be left partially restored.
func (e *Engine) RestoreCheckpoint(name string) error {
	if err := e.gate.Guard(); err != nil {
		return err
	}
	if err := e.buffer.ForceSync(); err != nil {
		return err
	}
	if err := e.checkpoint.Restore(name); err != nil {
		e.fault(err)
		return err
	}
	e.status("checkpoint %q restored", name)
	return nil
}

// ListCheckpoints returns every checkpoint archive for this project,
// most recent first.
func (e *Engine) ListCheckpoints() ([]checkpoint.Info, error) {
	if err := e.gate.Guard(); err != nil {
		return nil, err
	}
	return e.checkpoint.List()
}

// Detach flushes the buffer, cancels pending timers, and releases the
// lock, per spec.md §4.6. Subsequent data operations fail with
// Inactive.
func (e *Engine) Detach() error {
	if err := e.gate.Guard(); err != nil {
		return err
	}
	return e.teardown(lifecycle.Detached)
}

// DeleteProject detaches and recursively removes the project
// directory. Callers must pass confirmed=true or it is a no-op that
// returns ConfirmationRequired, per spec.md §4.6.
func (e *Engine) DeleteProject(confirmed bool) error {
	if err := e.gate.Guard(); err != nil {
		return err
	}
	if !confirmed {
		return safeerrors.Wrap(fmt.Errorf("delete_project called without confirmation"), safeerrors.CategoryConfirmationRequired, "confirmation_required", "pass confirmed=true to delete the project directory", false)
	}
	if err := e.teardown(lifecycle.Deleted); err != nil {
		return err
	}
	if err := os.RemoveAll(e.layout.ProjectDir); err != nil {
		wrapped := safeerrors.Wrap(err, safeerrors.CategoryIOFault, "project_remove_failed", "check permissions on the project directory", true)
		e.fault(wrapped)
		return wrapped
	}
	e.status("project deleted")
	return nil
}

func (e *Engine) teardown(next lifecycle.State) error {
	e.buffer.Cancel()
	flushErr := e.buffer.ForceSync()
	if flushErr != nil {
		e.fault(flushErr)
	}
	if err := e.lock.Release(); err != nil {
		e.fault(err)
	}
	e.gate.TransitionTo(next)
	e.status("engine transitioned to %s", next)
	return flushErr
}

func newInstanceID() string {
	return uuid.New().String()
}

func nowUTCRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
