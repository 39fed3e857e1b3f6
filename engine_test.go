package safechunk

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	safeerrors "github.com/davidahmann/safechunk/core/errors"
)

func readChunkFile(t *testing.T, path string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	var value map[string]any
	if err := json.Unmarshal(raw, &value); err != nil {
		t.Fatalf("parse %s: %v", path, err)
	}
	return value
}

// Scenario 1 (spec.md §8): create, stage, force_sync, detach.
func TestScenarioStageForceSyncDetach(t *testing.T) {
	root := t.TempDir()
	engine, status, err := New("p", root, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if status != "created" {
		t.Fatalf("expected created status, got %q", status)
	}

	if err := engine.StageUpdate("x", map[string]any{"a": float64(1)}); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := engine.ForceSync(); err != nil {
		t.Fatalf("force sync: %v", err)
	}
	if err := engine.Detach(); err != nil {
		t.Fatalf("detach: %v", err)
	}

	value := readChunkFile(t, filepath.Join(root, "p", "chunks", "x.json"))
	if value["a"] != float64(1) {
		t.Fatalf("expected {a:1}, got %v", value)
	}
	if _, err := os.Stat(filepath.Join(root, "p", ".lock")); !os.IsNotExist(err) {
		t.Fatalf("expected lock file absent after detach, err=%v", err)
	}
}

// Scenario 2: orphan .tmp swept on open.
func TestScenarioOrphanSweptOnOpen(t *testing.T) {
	root := t.TempDir()
	engine, _, err := New("p", root, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := engine.Detach(); err != nil {
		t.Fatalf("detach: %v", err)
	}

	orphanPath := filepath.Join(root, "p", "chunks", "shards.tmp")
	if err := os.WriteFile(orphanPath, []byte("stale"), 0o600); err != nil {
		t.Fatalf("write orphan: %v", err)
	}

	reopened, err := Open("p", root, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = reopened.Detach() }()

	if _, err := os.Stat(orphanPath); !os.IsNotExist(err) {
		t.Fatalf("expected orphan removed, err=%v", err)
	}
	report, err := reopened.GetHealthReport()
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if report.Orphans != 0 {
		t.Fatalf("expected 0 orphans, got %d", report.Orphans)
	}
}

// Scenario 3: truncated primary self-heals from backup.
func TestScenarioSelfHealsFromBackupOnTruncatedPrimary(t *testing.T) {
	root := t.TempDir()
	engine, _, err := New("p", root, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = engine.Detach() }()

	if err := engine.StageUpdate("k", map[string]any{"v": float64(1)}); err != nil {
		t.Fatalf("stage v1: %v", err)
	}
	if err := engine.ForceSync(); err != nil {
		t.Fatalf("force sync v1: %v", err)
	}
	if err := engine.StageUpdate("k", map[string]any{"v": float64(2)}); err != nil {
		t.Fatalf("stage v2: %v", err)
	}
	if err := engine.ForceSync(); err != nil {
		t.Fatalf("force sync v2: %v", err)
	}

	primaryPath := filepath.Join(root, "p", "chunks", "k.json")
	if err := os.WriteFile(primaryPath, []byte{}, 0o600); err != nil {
		t.Fatalf("truncate primary: %v", err)
	}

	value, err := engine.FetchChunk("k")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if value["v"] != float64(1) {
		t.Fatalf("expected recovered {v:1}, got %v", value)
	}

	restored := readChunkFile(t, primaryPath)
	if restored["v"] != float64(1) {
		t.Fatalf("expected primary restored to {v:1}, got %v", restored)
	}
}

// Scenario 4: stale vs live lock owner.
func TestScenarioStaleLockReclaimedLiveLockRejected(t *testing.T) {
	root := t.TempDir()
	deadPID := lockAliveFunc(false)
	engine, _, err := New("q", root, Options{IsProcessAlive: deadPID})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	lockPath := filepath.Join(root, "q", ".lock")
	if err := os.WriteFile(lockPath, []byte("1000"), 0o600); err != nil {
		t.Fatalf("simulate crashed owner: %v", err)
	}

	reopened, err := Open("q", root, Options{IsProcessAlive: lockAliveFunc(false)})
	if err != nil {
		t.Fatalf("expected stale lock reclaim to succeed: %v", err)
	}
	_ = engine

	if _, err := Open("q", root, Options{IsProcessAlive: lockAliveFunc(true)}); err == nil {
		t.Fatalf("expected Locked error when owner reported alive")
	} else if got := categoryOfErr(err); got != "locked" {
		t.Fatalf("expected locked category, got %q", got)
	}

	_ = reopened.Detach()
}

// Scenario 5: retention prunes to the newest N archives.
func TestScenarioCheckpointRetentionKeepsNewest(t *testing.T) {
	root := t.TempDir()
	engine, _, err := New("p", root, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = engine.Detach() }()

	if err := engine.StageUpdate("x", map[string]any{"a": float64(1)}); err != nil {
		t.Fatalf("stage: %v", err)
	}

	var created []string
	for i := 0; i < 3; i++ {
		name, err := engine.CreateCheckpoint("a", "", 2)
		if err != nil {
			t.Fatalf("checkpoint %d: %v", i, err)
		}
		created = append(created, name)
	}

	list, err := engine.ListCheckpoints()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 checkpoints after retention, got %d", len(list))
	}
	for _, info := range list {
		if info.Name == created[0] {
			t.Fatalf("expected oldest checkpoint %q to be pruned, got %v", created[0], list)
		}
	}
}

// Scenario 6: detach flushes even without an explicit ForceSync.
func TestScenarioDetachFlushesWithoutExplicitForceSync(t *testing.T) {
	root := t.TempDir()
	engine, _, err := New("p", root, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := engine.StageUpdate("users", map[string]any{"n": "Alice"}); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := engine.Detach(); err != nil {
		t.Fatalf("detach: %v", err)
	}

	value := readChunkFile(t, filepath.Join(root, "p", "chunks", "users.json"))
	if value["n"] != "Alice" {
		t.Fatalf("expected {n:Alice}, got %v", value)
	}
}

func TestOperationsRejectedAfterDetach(t *testing.T) {
	root := t.TempDir()
	engine, _, err := New("p", root, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := engine.Detach(); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if err := engine.StageUpdate("x", map[string]any{}); err == nil {
		t.Fatalf("expected error staging on a detached engine")
	}
	if categoryOfErr(mustErr(t, engine.ForceSync())) != "inactive" {
		t.Fatalf("expected inactive category")
	}
}

func TestDeleteProjectRequiresConfirmation(t *testing.T) {
	root := t.TempDir()
	engine, _, err := New("p", root, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := engine.DeleteProject(false); err == nil {
		t.Fatalf("expected confirmation required error")
	}
	if err := engine.DeleteProject(true); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "p")); !os.IsNotExist(err) {
		t.Fatalf("expected project directory removed, err=%v", err)
	}
}

func TestListAllProjects(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"alpha", "beta"} {
		engine, _, err := New(name, root, Options{})
		if err != nil {
			t.Fatalf("new %s: %v", name, err)
		}
		if err := engine.Detach(); err != nil {
			t.Fatalf("detach %s: %v", name, err)
		}
	}

	names, err := ListAllProjects(root)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 projects, got %v", names)
	}
}

func lockAliveFunc(alive bool) func(pid int) bool {
	return func(int) bool { return alive }
}

func categoryOfErr(err error) string {
	return string(safeerrors.CategoryOf(err))
}

func mustErr(t *testing.T, err error) error {
	t.Helper()
	if err == nil {
		t.Fatalf("expected non-nil error")
	}
	return err
}
