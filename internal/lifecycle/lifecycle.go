// Package lifecycle implements the active/detached/deleted state gate
// of spec.md §4.6: every public data operation is admissible only
// while the engine is active.
package lifecycle

import (
	"fmt"
	"sync"

	safeerrors "github.com/davidahmann/safechunk/core/errors"
)

// State is one of the three lifecycle states an engine can occupy.
// Transitions only ever move forward: Active -> Detached or
// Active -> Deleted, both terminal.
type State int

const (
	Active State = iota
	Detached
	Deleted
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Detached:
		return "detached"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Gate tracks the current lifecycle state and rejects operations once
// it has left Active.
type Gate struct {
	mu    sync.RWMutex
	state State
}

// New returns a Gate starting in the Active state, matching
// "Construction success -> active" in spec.md §4.6.
func New() *Gate {
	return &Gate{state: Active}
}

// State returns the current lifecycle state.
func (g *Gate) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Guard returns a classified Inactive error without side effects if
// the engine is not active; nil otherwise.
func (g *Gate) Guard() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.state != Active {
		return safeerrors.Wrap(fmt.Errorf("engine is %s", g.state), safeerrors.CategoryInactive, "engine_inactive", "reopen the project to resume operations", false)
	}
	return nil
}

// TransitionTo moves the gate to a terminal state. Calling it more
// than once is safe; the first transition wins.
func (g *Gate) TransitionTo(next State) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == Active {
		g.state = next
	}
}
