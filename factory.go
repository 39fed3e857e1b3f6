package safechunk

import (
	"fmt"
	"os"
	"path/filepath"

	safeerrors "github.com/davidahmann/safechunk/core/errors"
	"github.com/davidahmann/safechunk/core/engineconfig"
	"github.com/davidahmann/safechunk/internal/checkpoint"
	"github.com/davidahmann/safechunk/internal/layout"
	"github.com/davidahmann/safechunk/internal/lifecycle"
	"github.com/davidahmann/safechunk/internal/lockmgr"
	"github.com/davidahmann/safechunk/internal/shard"
	"github.com/davidahmann/safechunk/internal/staging"
	"github.com/davidahmann/safechunk/internal/versionmeta"
)

// New creates a project, resolving a name collision by appending
// "_N" with the smallest free N>=1, per spec.md §4.7. The returned
// status is "created" or "renamed:<new-id>".
func New(projectID, root string, opts Options) (*Engine, string, error) {
	opts = opts.withDefaults()
	if root != "" {
		opts.Root = root
	}

	resolvedID, status, err := resolveFreeProjectID(opts.Root, projectID)
	if err != nil {
		return nil, "", err
	}

	l, err := layout.Resolve(opts.Root, resolvedID)
	if err != nil {
		return nil, "", err
	}
	if err := l.EnsureDirs(); err != nil {
		return nil, "", err
	}

	opts = mergeFileConfig(l, opts)

	lock := lockmgr.New(l.LockFile, opts.IsProcessAlive)
	state, _, err := lock.TryAcquire()
	if err != nil {
		return nil, "", err
	}
	if state != lockmgr.Acquired {
		return nil, "", safeerrors.Wrap(fmt.Errorf("project %q already has a lock file", resolvedID), safeerrors.CategoryLocked, "unexpected_lock_present", "a freshly created project should never already be locked", false)
	}
	if err := lock.Acquire(); err != nil {
		return nil, "", err
	}

	meta := versionmeta.Metadata{
		EngineVersion: versionmeta.EngineVersion,
		SchemaVersion: versionmeta.SchemaVersion,
		ProjectID:     resolvedID,
		CreatedAt:     nowUTCRFC3339(),
	}
	if err := versionmeta.Write(l.VersionFile, meta); err != nil {
		_ = lock.Release()
		return nil, "", err
	}

	engine, err := buildEngine(l, lock, opts)
	if err != nil {
		_ = lock.Release()
		return nil, "", err
	}
	engine.status("project %q created at %s", resolvedID, l.ProjectDir)
	return engine, status, nil
}

// Open attaches to an existing project, reclaiming a stale lock if
// necessary, per spec.md §4.7.
func Open(projectID, root string, opts Options) (*Engine, error) {
	opts = opts.withDefaults()
	if root != "" {
		opts.Root = root
	}

	l, err := layout.Resolve(opts.Root, projectID)
	if err != nil {
		return nil, err
	}
	if !dirExists(l.ProjectDir) {
		return nil, safeerrors.Wrap(fmt.Errorf("project %q does not exist under %q", projectID, opts.Root), safeerrors.CategoryNotFound, "project_not_found", "check the project id and root", false)
	}

	opts = mergeFileConfig(l, opts)

	lock := lockmgr.New(l.LockFile, opts.IsProcessAlive)
	state, pid, err := lock.TryAcquire()
	if err != nil {
		return nil, err
	}
	switch state {
	case lockmgr.HeldByLive:
		return nil, safeerrors.Wrap(fmt.Errorf("project %q is held by live process %d", projectID, pid), safeerrors.CategoryLocked, "project_locked", "wait for the other process to exit or detach it", true)
	case lockmgr.Stale:
		if err := lock.ReclaimAndAcquire(); err != nil {
			return nil, err
		}
	case lockmgr.Acquired:
		if err := lock.Acquire(); err != nil {
			return nil, err
		}
	}

	if err := l.EnsureDirs(); err != nil {
		_ = lock.Release()
		return nil, err
	}

	engine, err := buildEngine(l, lock, opts)
	if err != nil {
		_ = lock.Release()
		return nil, err
	}

	if meta, found, err := versionmeta.Read(l.VersionFile); err != nil {
		engine.fault(err)
	} else if found {
		engine.status("reopened project written by engine %s (schema v%d)", meta.EngineVersion, meta.SchemaVersion)
	}

	removed, err := engine.shard.SweepOrphans()
	if err != nil {
		engine.fault(err)
	} else if removed > 0 {
		engine.status("swept %d orphan tmp file(s) on open", removed)
	}

	engine.status("project %q opened at %s", projectID, l.ProjectDir)
	return engine, nil
}

// ListAllProjects enumerates immediate subdirectories of root that
// look like projects: either a version.json or, for projects created
// before it existed, a chunks/ directory.
func ListAllProjects(root string) ([]string, error) {
	if root == "" {
		root = DefaultRoot
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, safeerrors.Wrap(err, safeerrors.CategoryIOFault, "project_scan_failed", "check permissions on the root directory", true)
	}

	var projects []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		candidate := filepath.Join(root, entry.Name())
		if dirExists(filepath.Join(candidate, "chunks")) || fileExists(filepath.Join(candidate, "version.json")) {
			projects = append(projects, entry.Name())
		}
	}
	return projects, nil
}

func buildEngine(l layout.Layout, lock *lockmgr.Manager, opts Options) (*Engine, error) {
	instanceID := newInstanceID()
	engine := &Engine{
		layout:     l,
		lock:       lock,
		gate:       lifecycle.New(),
		sinks:      opts.Sinks,
		instanceID: instanceID,
		retention:  opts.CheckpointRetentionDefault,
	}

	shardSinks := shard.Sinks{
		OnStatus: func(msg string) { engine.status("%s", msg) },
		OnFault:  engine.fault,
	}
	engine.shard = shard.New(l, shardSinks)

	stagingSinks := staging.Sinks{
		OnStatus: func(msg string) { engine.status("%s", msg) },
		OnSync:   func() { engine.onSync() },
		OnFault:  engine.fault,
	}
	engine.buffer = staging.New(opts.DebounceDelay, engine.shard.PersistChunk, stagingSinks)

	checkpointSub, err := checkpoint.New(l, checkpoint.Sinks{
		OnStatus: func(msg string) { engine.status("%s", msg) },
		OnFault:  engine.fault,
	}, instanceID)
	if err != nil {
		return nil, err
	}
	engine.checkpoint = checkpointSub

	return engine, nil
}

func (e *Engine) onSync() {
	if e.sinks.OnSync == nil {
		return
	}
	defer func() { _ = recover() }()
	e.sinks.OnSync()
}

func mergeFileConfig(l layout.Layout, opts Options) Options {
	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = filepath.Join(l.ProjectDir, engineconfig.DefaultPath)
	}
	fileConfig, err := engineconfig.Load(configPath)
	if err != nil {
		return opts
	}
	if opts.DebounceDelay == DefaultDebounceDelay {
		if delay := fileConfig.DebounceDelay(); delay > 0 {
			opts.DebounceDelay = delay
		}
	}
	if opts.CheckpointRetentionDefault == DefaultCheckpointRetention {
		if fileConfig.CheckpointRetentionDefault > 0 {
			opts.CheckpointRetentionDefault = fileConfig.CheckpointRetentionDefault
		}
	}
	return opts
}

func resolveFreeProjectID(root, projectID string) (string, string, error) {
	if err := layout.ValidateProjectID(projectID); err != nil {
		return "", "", err
	}
	basePath := filepath.Join(root, projectID)
	if !dirExists(basePath) {
		return projectID, "created", nil
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s_%d", projectID, n)
		if !dirExists(filepath.Join(root, candidate)) {
			return candidate, "renamed:" + candidate, nil
		}
	}
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

