// Package versionmeta reads and writes a project's version.json, per
// spec.md §3 and §4.7: written on first initialization, read (but not
// required to match) on reopen.
package versionmeta

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/kaptinlin/jsonschema"

	safeerrors "github.com/davidahmann/safechunk/core/errors"
	"github.com/davidahmann/safechunk/core/fsx"
)

//go:embed version_schema.json
var versionSchemaRaw []byte

// EngineVersion is the module's own version, stamped into every newly
// created project.
const EngineVersion = "1.0.0"

// SchemaVersion identifies the shape of version.json itself, distinct
// from EngineVersion.
const SchemaVersion = 1

// Metadata is the contents of version.json.
type Metadata struct {
	EngineVersion string `json:"engine_version"`
	SchemaVersion int    `json:"schema_version"`
	ProjectID     string `json:"project_id"`
	CreatedAt     string `json:"created_at"`
}

var compiledSchema *jsonschema.Schema

func schema() (*jsonschema.Schema, error) {
	if compiledSchema != nil {
		return compiledSchema, nil
	}
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	compiled, err := compiler.Compile(versionSchemaRaw)
	if err != nil {
		return nil, fmt.Errorf("compile version schema: %w", err)
	}
	compiledSchema = compiled
	return compiledSchema, nil
}

// Write validates meta against the embedded schema and writes it
// atomically to path.
func Write(path string, meta Metadata) error {
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return safeerrors.Wrap(err, safeerrors.CategorySerializationFault, "version_encode_failed", "version metadata must be JSON-serializable", false)
	}
	s, err := schema()
	if err != nil {
		return safeerrors.Wrap(err, safeerrors.CategoryIOFault, "version_schema_compile_failed", "this is a module defect, not a project problem", false)
	}
	result := s.ValidateJSON(raw)
	if !result.IsValid() {
		return safeerrors.Wrap(fmt.Errorf("version metadata schema validation failed: %v", result.Errors), safeerrors.CategoryIOFault, "version_invalid", "this is a module defect, not a project problem", false)
	}
	if err := fsx.WriteFileAtomic(path, raw, 0o600); err != nil {
		return safeerrors.Wrap(err, safeerrors.CategoryIOFault, "version_write_failed", "check permissions on the project directory", true)
	}
	return nil
}

// Read loads version.json if present. A missing file is not an error:
// spec.md §3 only requires it be read, not required to match, on
// reopen, so a project created before this field existed still opens.
func Read(path string) (Metadata, bool, error) {
	// #nosec G304 -- path is derived from the project's own layout, not external input.
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, false, nil
		}
		return Metadata{}, false, safeerrors.Wrap(err, safeerrors.CategoryIOFault, "version_read_failed", "check permissions on the project directory", true)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, false, nil
	}
	return meta, true, nil
}
