package lifecycle

import (
	"testing"

	safeerrors "github.com/davidahmann/safechunk/core/errors"
)

func TestNewGateStartsActive(t *testing.T) {
	g := New()
	if g.State() != Active {
		t.Fatalf("expected Active, got %s", g.State())
	}
	if err := g.Guard(); err != nil {
		t.Fatalf("expected no guard error while active: %v", err)
	}
}

func TestTransitionToDetachedBlocksFurtherOps(t *testing.T) {
	g := New()
	g.TransitionTo(Detached)
	if g.State() != Detached {
		t.Fatalf("expected Detached, got %s", g.State())
	}
	err := g.Guard()
	if err == nil {
		t.Fatalf("expected guard error once detached")
	}
	if safeerrors.CategoryOf(err) != safeerrors.CategoryInactive {
		t.Fatalf("expected CategoryInactive, got %s", safeerrors.CategoryOf(err))
	}
}

func TestTransitionIsTerminal(t *testing.T) {
	g := New()
	g.TransitionTo(Detached)
	g.TransitionTo(Deleted)
	if g.State() != Detached {
		t.Fatalf("expected first transition to stick, got %s", g.State())
	}
}
