package staging

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestStageUpdateThenForceSyncWritesOnce(t *testing.T) {
	var mu sync.Mutex
	writes := map[string]map[string]any{}
	persist := func(name string, payload map[string]any) error {
		mu.Lock()
		defer mu.Unlock()
		writes[name] = payload
		return nil
	}

	var syncCount int
	b := New(time.Hour, persist, Sinks{OnSync: func() { syncCount++ }})

	if err := b.StageUpdate("x", map[string]any{"a": float64(1)}); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := b.ForceSync(); err != nil {
		t.Fatalf("force sync: %v", err)
	}
	if writes["x"]["a"] != float64(1) {
		t.Fatalf("unexpected write: %v", writes["x"])
	}
	if syncCount != 1 {
		t.Fatalf("expected exactly one sync notification, got %d", syncCount)
	}
	if b.IsDirty() {
		t.Fatalf("expected buffer clean after successful flush")
	}
}

func TestDebounceCollapsesToLastPayload(t *testing.T) {
	var writeCount int
	var lastPayload map[string]any
	persist := func(name string, payload map[string]any) error {
		writeCount++
		lastPayload = payload
		return nil
	}
	b := New(time.Hour, persist, Sinks{})

	for i := 0; i < 5; i++ {
		if err := b.StageUpdate("x", map[string]any{"n": float64(i)}); err != nil {
			t.Fatalf("stage %d: %v", i, err)
		}
	}
	if err := b.ForceSync(); err != nil {
		t.Fatalf("force sync: %v", err)
	}
	if writeCount != 1 {
		t.Fatalf("expected exactly one write, got %d", writeCount)
	}
	if lastPayload["n"] != float64(4) {
		t.Fatalf("expected last payload to win, got %v", lastPayload)
	}
}

func TestDistinctChunkNamesAllPersist(t *testing.T) {
	written := map[string]bool{}
	persist := func(name string, payload map[string]any) error {
		written[name] = true
		return nil
	}
	b := New(time.Hour, persist, Sinks{})
	_ = b.StageUpdate("a", map[string]any{})
	_ = b.StageUpdate("b", map[string]any{})
	_ = b.StageUpdate("c", map[string]any{})
	if err := b.ForceSync(); err != nil {
		t.Fatalf("force sync: %v", err)
	}
	for _, name := range []string{"a", "b", "c"} {
		if !written[name] {
			t.Fatalf("expected %q to be persisted", name)
		}
	}
}

func TestFailedPersistKeepsEntryStaged(t *testing.T) {
	attempts := 0
	persist := func(name string, payload map[string]any) error {
		attempts++
		if name == "bad" {
			return fmt.Errorf("disk full")
		}
		return nil
	}
	b := New(time.Hour, persist, Sinks{})
	_ = b.StageUpdate("bad", map[string]any{})
	_ = b.StageUpdate("good", map[string]any{})

	if err := b.ForceSync(); err == nil {
		t.Fatalf("expected error from failed persist")
	}
	if !b.IsDirty() {
		t.Fatalf("expected bad entry to remain staged after failure")
	}

	// Second flush only needs to retry the chunk that failed.
	if err := b.ForceSync(); err == nil {
		t.Fatalf("expected error to persist until fixed")
	}
}

func TestForceSyncWithNoEntriesIsNoop(t *testing.T) {
	called := false
	b := New(time.Hour, func(string, map[string]any) error { called = true; return nil }, Sinks{})
	if err := b.ForceSync(); err != nil {
		t.Fatalf("force sync: %v", err)
	}
	if called {
		t.Fatalf("expected no persist call when nothing staged")
	}
}

func TestCancelStopsPendingTimer(t *testing.T) {
	writeCount := 0
	b := New(20*time.Millisecond, func(string, map[string]any) error {
		writeCount++
		return nil
	}, Sinks{})

	if err := b.StageUpdate("x", map[string]any{}); err != nil {
		t.Fatalf("stage: %v", err)
	}
	b.Cancel()
	time.Sleep(60 * time.Millisecond)

	if writeCount != 0 {
		t.Fatalf("expected cancelled timer not to fire, got %d writes", writeCount)
	}
	if !b.IsDirty() {
		t.Fatalf("expected entry to remain staged after cancel")
	}
}

func TestDebounceTimerEventuallyFlushes(t *testing.T) {
	var mu sync.Mutex
	writeCount := 0
	b := New(20*time.Millisecond, func(string, map[string]any) error {
		mu.Lock()
		defer mu.Unlock()
		writeCount++
		return nil
	}, Sinks{})

	if err := b.StageUpdate("x", map[string]any{}); err != nil {
		t.Fatalf("stage: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		count := writeCount
		mu.Unlock()
		if count == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected debounce timer to flush automatically")
}

func TestStageUpdateDeepCopiesPayload(t *testing.T) {
	var captured map[string]any
	b := New(time.Hour, func(name string, payload map[string]any) error {
		captured = payload
		return nil
	}, Sinks{})

	original := map[string]any{"nested": map[string]any{"v": float64(1)}}
	if err := b.StageUpdate("x", original); err != nil {
		t.Fatalf("stage: %v", err)
	}
	original["nested"].(map[string]any)["v"] = float64(999)

	if err := b.ForceSync(); err != nil {
		t.Fatalf("force sync: %v", err)
	}
	if captured["nested"].(map[string]any)["v"] != float64(1) {
		t.Fatalf("expected staged copy to be isolated from caller mutation, got %v", captured)
	}
}
