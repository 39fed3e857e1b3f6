// Package layout resolves the on-disk paths for a project directory.
//
// Resolve is a pure function of (root, projectID): it never touches
// the filesystem. Callers that need the directories to exist call
// EnsureDirs separately, so path computation stays testable without a
// temp directory.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	safeerrors "github.com/davidahmann/safechunk/core/errors"
)

// chunkNamePattern matches spec.md §3: chunk names are
// [A-Za-z0-9_.-]+. Project IDs are validated separately because they
// additionally reject path separators and leading dots.
var chunkNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Layout is the canonical set of paths for one project.
type Layout struct {
	Root           string
	ProjectID      string
	ProjectDir     string
	ChunksDir      string
	BackupDir      string
	CheckpointsDir string
	LockFile       string
	VersionFile    string
}

// Resolve validates projectID and derives every path rooted at
// <root>/<projectID>. It performs no I/O.
func Resolve(root, projectID string) (Layout, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return Layout{}, err
	}
	if strings.TrimSpace(root) == "" {
		root = "./user_projects"
	}
	projectDir := filepath.Join(root, projectID)
	return Layout{
		Root:           root,
		ProjectID:      projectID,
		ProjectDir:     projectDir,
		ChunksDir:      filepath.Join(projectDir, "chunks"),
		BackupDir:      filepath.Join(projectDir, "chunks_bak"),
		CheckpointsDir: filepath.Join(projectDir, "checkpoints"),
		LockFile:       filepath.Join(projectDir, ".lock"),
		VersionFile:    filepath.Join(projectDir, "version.json"),
	}, nil
}

// ValidateProjectID rejects IDs containing path separators or
// beginning with a dot, per spec.md §4.1.
func ValidateProjectID(projectID string) error {
	if projectID == "" {
		return safeerrors.Wrap(fmt.Errorf("project id must not be empty"), safeerrors.CategoryInvalidName, "invalid_project_id", "choose a non-empty project id", false)
	}
	if strings.HasPrefix(projectID, ".") {
		return safeerrors.Wrap(fmt.Errorf("project id %q must not start with a dot", projectID), safeerrors.CategoryInvalidName, "invalid_project_id", "project ids may not begin with a dot", false)
	}
	if strings.ContainsAny(projectID, `/\`) || projectID != filepath.Base(projectID) {
		return safeerrors.Wrap(fmt.Errorf("project id %q must not contain path separators", projectID), safeerrors.CategoryInvalidName, "invalid_project_id", "project ids may not contain path separators", false)
	}
	return nil
}

// ValidateChunkName rejects chunk names outside [A-Za-z0-9_.-]+, per
// spec.md §3.
func ValidateChunkName(name string) error {
	if !chunkNamePattern.MatchString(name) {
		return safeerrors.Wrap(fmt.Errorf("chunk name %q contains characters outside [A-Za-z0-9_.-]+", name), safeerrors.CategoryInvalidName, "invalid_chunk_name", "chunk names may only use letters, digits, '_', '.', and '-'", false)
	}
	return nil
}

// EnsureDirs creates the project directory tree. Idempotent.
func (l Layout) EnsureDirs() error {
	for _, dir := range []string{l.ProjectDir, l.ChunksDir, l.BackupDir, l.CheckpointsDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return safeerrors.Wrap(err, safeerrors.CategoryIOFault, "layout_mkdir_failed", "check filesystem permissions for the project root", true)
		}
	}
	return nil
}

// ChunkPaths returns the primary/backup/tmp paths for a chunk name,
// validating the name first.
func (l Layout) ChunkPaths(name string) (primary, backup, tmp string, err error) {
	if err := ValidateChunkName(name); err != nil {
		return "", "", "", err
	}
	primary = filepath.Join(l.ChunksDir, name+".json")
	backup = filepath.Join(l.BackupDir, name+".bak")
	tmp = filepath.Join(l.ChunksDir, name+".tmp")
	return primary, backup, tmp, nil
}
