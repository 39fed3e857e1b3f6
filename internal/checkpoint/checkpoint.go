// Package checkpoint implements the zip snapshot subsystem of
// spec.md §4.5: creation, retention pruning, listing, and destructive
// restore of a project's chunks/ and chunks_bak/ directories.
package checkpoint

import (
	"archive/zip"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/kaptinlin/jsonschema"

	safeerrors "github.com/davidahmann/safechunk/core/errors"
	"github.com/davidahmann/safechunk/core/fsx"
	"github.com/davidahmann/safechunk/core/jcs"
	"github.com/davidahmann/safechunk/internal/layout"
)

//go:embed manifest.schema.json
var manifestSchemaRaw []byte

// maxManifestEntryBytes bounds a single extracted file during
// restore, guarding against a maliciously inflated archive.
const maxManifestEntryBytes = 200 * 1024 * 1024

const manifestEntryName = "_manifest.json"

var archiveNamePattern = regexp.MustCompile(`^checkpoint_(.+)_(\d{8}_\d{6})(?:-\d+)?\.zip$`)

var labelSanitizer = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// Manifest is the synthesized _manifest.json entry at the zip root.
type Manifest struct {
	Label            string   `json:"label"`
	Notes            string   `json:"notes"`
	CreatedAt        string   `json:"created_at"`
	ShardNames       []string `json:"shard_names"`
	ProducerInstance string   `json:"producer_instance"`
}

// Info describes one archive for list_checkpoints.
type Info struct {
	Name      string
	Label     string
	CreatedAt time.Time
	Bytes     int64
	ModTime   time.Time
}

// Sinks mirrors the engine's observability hooks relevant to
// checkpointing.
type Sinks struct {
	OnStatus func(string)
	OnFault  func(error)
}

func (s Sinks) status(msg string) {
	if s.OnStatus == nil {
		return
	}
	defer func() { _ = recover() }()
	s.OnStatus(msg)
}

func (s Sinks) fault(err error) {
	if s.OnFault == nil || err == nil {
		return
	}
	defer func() { _ = recover() }()
	s.OnFault(err)
}

// Subsystem operates on one project's checkpoints/ directory.
type Subsystem struct {
	layout     layout.Layout
	sinks      Sinks
	schema     *jsonschema.Schema
	instanceID string
}

// New compiles the embedded manifest schema once and returns a
// Subsystem bound to layout. instanceID is stamped into every
// manifest this Subsystem creates, per SPEC_FULL.md §3's instance
// identity addition.
func New(l layout.Layout, sinks Sinks, instanceID string) (*Subsystem, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schema, err := compiler.Compile(manifestSchemaRaw)
	if err != nil {
		return nil, fmt.Errorf("compile checkpoint manifest schema: %w", err)
	}
	return &Subsystem{layout: l, sinks: sinks, schema: schema, instanceID: instanceID}, nil
}

func checkpointFault(phase string, cause error, retryable bool) error {
	return safeerrors.Wrap(cause, safeerrors.CategoryCheckpointFault, "checkpoint_"+phase, fmt.Sprintf("checkpoint %s failed", phase), retryable)
}

// Create builds a zip archive of chunks/ and chunks_bak/, prunes
// checkpoints/*.zip beyond retention (newest-first), and returns the
// archive's base name. Callers must force-sync the staging buffer
// before calling Create, per spec.md §4.5 step 1.
func (c *Subsystem) Create(label, notes string, retention int) (string, error) {
	if retention < 1 {
		retention = 1
	}
	if err := c.layout.EnsureDirs(); err != nil {
		return "", err
	}

	sanitizedLabel := sanitizeLabel(label)
	timestamp := time.Now().UTC().Format("20060102_150405")
	archiveName, archivePath := uniqueArchiveName(c.layout.CheckpointsDir, sanitizedLabel, timestamp)
	tmpPath := archivePath + ".tmp"

	shardNames, err := c.listShardNames()
	if err != nil {
		return "", checkpointFault("create", err, true)
	}

	manifest := Manifest{
		Label:            sanitizedLabel,
		Notes:            notes,
		CreatedAt:        time.Now().UTC().Format(time.RFC3339),
		ShardNames:       shardNames,
		ProducerInstance: c.instanceID,
	}
	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", checkpointFault("manifest_encode", err, false)
	}
	if err := c.validateManifest(manifestBytes); err != nil {
		err := checkpointFault("validate", err, false)
		c.sinks.fault(err)
		return "", err
	}

	if err := writeArchive(tmpPath, manifestBytes, c.layout.ChunksDir, c.layout.BackupDir); err != nil {
		_ = os.Remove(tmpPath)
		err := checkpointFault("write", err, true)
		c.sinks.fault(err)
		return "", err
	}
	if err := os.Rename(tmpPath, archivePath); err != nil {
		_ = os.Remove(tmpPath)
		err := checkpointFault("finalize", err, true)
		c.sinks.fault(err)
		return "", err
	}

	if err := c.enforceRetention(retention); err != nil {
		c.sinks.status(fmt.Sprintf("checkpoint retention pruning failed: %v", err))
	}

	if digest, err := jcs.DigestJCS(manifestBytes); err == nil {
		c.sinks.status(fmt.Sprintf("checkpoint achieved (manifest digest %s)", digest))
	} else {
		c.sinks.status("checkpoint achieved")
	}
	return archiveName, nil
}

// List returns every checkpoints/*.zip archive with its parsed
// metadata, most recent first.
func (c *Subsystem) List() ([]Info, error) {
	entries, err := os.ReadDir(c.layout.CheckpointsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, checkpointFault("list", err, true)
	}

	infos := make([]Info, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".zip" {
			continue
		}
		match := archiveNamePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		createdAt, err := time.Parse("20060102_150405", match[2])
		if err != nil {
			continue
		}
		fileInfo, err := entry.Info()
		if err != nil {
			continue
		}
		infos = append(infos, Info{
			Name:      entry.Name(),
			Label:     match[1],
			CreatedAt: createdAt.UTC(),
			Bytes:     fileInfo.Size(),
			ModTime:   fileInfo.ModTime(),
		})
	}
	// spec.md §4.5 step 5: sort by mtime, not by the timestamp embedded
	// in the filename, so two archives minted within the same second
	// (disambiguated by uniqueArchiveName's "-N" suffix) still order
	// correctly.
	sort.Slice(infos, func(i, j int) bool { return infos[i].ModTime.After(infos[j].ModTime) })
	return infos, nil
}

// Restore destructively replaces chunks/ and chunks_bak/ with the
// contents of the named archive, per spec.md §4.5. On any extraction
// error the project may be left partially restored; the caller is
// expected to retry or restore a different checkpoint.
func (c *Subsystem) Restore(name string) error {
	if strings.ContainsAny(name, `/\`) || name != filepath.Base(name) {
		return checkpointFault("restore", fmt.Errorf("invalid checkpoint name %q", name), false)
	}
	archivePath := filepath.Join(c.layout.CheckpointsDir, name)

	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return checkpointFault("open", err, false)
	}
	defer func() { _ = reader.Close() }()

	manifestBytes, err := readManifestEntry(&reader.Reader)
	if err != nil {
		return checkpointFault("manifest_missing", err, false)
	}
	if err := c.validateManifest(manifestBytes); err != nil {
		err := checkpointFault("validate", err, false)
		c.sinks.fault(err)
		return err
	}

	if err := c.layout.EnsureDirs(); err != nil {
		return checkpointFault("restore", err, true)
	}
	if err := clearDir(c.layout.ChunksDir); err != nil {
		err := checkpointFault("clear_chunks", err, false)
		c.sinks.fault(err)
		return err
	}
	if err := clearDir(c.layout.BackupDir); err != nil {
		err := checkpointFault("clear_backups", err, false)
		c.sinks.fault(err)
		return err
	}

	for _, file := range reader.File {
		if file.Name == manifestEntryName || strings.HasSuffix(file.Name, "/") {
			continue
		}
		destDir, ok := destinationDir(file.Name, c.layout)
		if !ok {
			continue
		}
		if err := extractEntry(file, destDir); err != nil {
			err := checkpointFault("extract", err, false)
			c.sinks.fault(err)
			return err
		}
	}
	return nil
}

func (c *Subsystem) validateManifest(raw []byte) error {
	result := c.schema.ValidateJSON(raw)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("manifest schema validation failed: %v", result.Errors)
}

func (c *Subsystem) listShardNames() ([]string, error) {
	entries, err := os.ReadDir(c.layout.ChunksDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), ".json"))
	}
	sort.Strings(names)
	return names, nil
}

func (c *Subsystem) enforceRetention(retention int) error {
	infos, err := c.List()
	if err != nil {
		return err
	}
	if len(infos) <= retention {
		return nil
	}
	for _, stale := range infos[retention:] {
		_ = os.Remove(filepath.Join(c.layout.CheckpointsDir, stale.Name))
	}
	return nil
}

// uniqueArchiveName appends a disambiguating suffix when two
// checkpoints land in the same second, which Create's test suite
// exercises deliberately.
func uniqueArchiveName(dir, label, timestamp string) (name, path string) {
	base := fmt.Sprintf("checkpoint_%s_%s", label, timestamp)
	name = base + ".zip"
	path = filepath.Join(dir, name)
	for suffix := 1; ; suffix++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return name, path
		}
		name = fmt.Sprintf("%s-%d.zip", base, suffix)
		path = filepath.Join(dir, name)
	}
}

func sanitizeLabel(label string) string {
	sanitized := labelSanitizer.ReplaceAllString(strings.TrimSpace(label), "_")
	if sanitized == "" {
		sanitized = "checkpoint"
	}
	return sanitized
}

func writeArchive(tmpPath string, manifestBytes []byte, chunksDir, backupDir string) error {
	// #nosec G304 -- tmpPath is derived from the project's own checkpoints directory.
	archiveFile, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer func() { _ = archiveFile.Close() }()

	writer := zip.NewWriter(archiveFile)
	if err := addManifest(writer, manifestBytes); err != nil {
		_ = writer.Close()
		return err
	}
	if err := addTree(writer, chunksDir, "chunks"); err != nil {
		_ = writer.Close()
		return err
	}
	if err := addTree(writer, backupDir, "chunks_bak"); err != nil {
		_ = writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	return archiveFile.Sync()
}

func addManifest(writer *zip.Writer, manifestBytes []byte) error {
	entryWriter, err := writer.Create(manifestEntryName)
	if err != nil {
		return err
	}
	_, err = entryWriter.Write(manifestBytes)
	return err
}

func addTree(writer *zip.Writer, dir, arcPrefix string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		// #nosec G304 -- entry is enumerated from the project's own chunks/chunks_bak directory.
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		entryWriter, err := writer.Create(arcPrefix + "/" + entry.Name())
		if err != nil {
			return err
		}
		if _, err := entryWriter.Write(data); err != nil {
			return err
		}
	}
	return nil
}

func readManifestEntry(reader *zip.Reader) ([]byte, error) {
	for _, file := range reader.File {
		if file.Name == manifestEntryName {
			rc, err := file.Open()
			if err != nil {
				return nil, err
			}
			defer func() { _ = rc.Close() }()
			return io.ReadAll(io.LimitReader(rc, maxManifestEntryBytes))
		}
	}
	return nil, fmt.Errorf("archive is missing %s", manifestEntryName)
}

// destinationDir maps a zip entry name like "chunks/x.json" to the
// corresponding live directory, rejecting anything that would escape
// the expected chunks/chunks_bak prefixes (zip-slip defense).
func destinationDir(entryName string, l layout.Layout) (string, bool) {
	cleaned := filepath.ToSlash(filepath.Clean(entryName))
	switch {
	case cleaned == "chunks/"+filepath.Base(cleaned):
		return l.ChunksDir, true
	case cleaned == "chunks_bak/"+filepath.Base(cleaned):
		return l.BackupDir, true
	default:
		return "", false
	}
}

func extractEntry(file *zip.File, destDir string) error {
	rc, err := file.Open()
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(io.LimitReader(rc, maxManifestEntryBytes))
	if err != nil {
		return err
	}
	destPath := filepath.Join(destDir, filepath.Base(file.Name))
	return fsx.WriteFileAtomic(destPath, data, 0o600)
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
