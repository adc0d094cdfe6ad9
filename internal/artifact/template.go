// Package artifact keeps pre-built library artifacts per compiler version and
// wires them into each slot workspace, so a job does not recompile its
// dependencies.
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// TemplateFile is the version-agnostic cache manifest produced by Bootstrap.
	TemplateFile = "example-cache.json"
	// ManifestFile is the name the toolchain reads and writes in a cache dir.
	ManifestFile = "solidity-files-cache.json"
)

// ErrNoTemplate means the process has no cache template to hand out.
var ErrNoTemplate = errors.New("no cache template")

// Template is the merged cache manifest plus the shared artifact tree it points
// into. It is built once at startup and only read afterwards.
type Template struct {
	raw           []byte
	artifactsRoot string
	versions      map[string]bool
}

// LoadTemplate reads cacheDir/example-cache.json. Every subdirectory of
// artifactsRoot is taken as the pre-built tree of one compiler version.
func LoadTemplate(cacheDir, artifactsRoot string) (*Template, error) {
	raw, err := os.ReadFile(filepath.Join(cacheDir, TemplateFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read cache template: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("cache template is not a json object: %w", err)
	}

	root, err := filepath.Abs(artifactsRoot)
	if err != nil {
		return nil, err
	}
	versions := make(map[string]bool)
	entries, err := os.ReadDir(root)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			versions[e.Name()] = true
		}
	}

	return &Template{raw: raw, artifactsRoot: root, versions: versions}, nil
}

// Has reports whether pre-built artifacts exist for version.
func (t *Template) Has(version string) bool {
	return t.versions[version]
}

// ArtifactsDir is the shared pre-built tree for version.
func (t *Template) ArtifactsDir(version string) string {
	return filepath.Join(t.artifactsRoot, version)
}

// Render returns a copy of the manifest whose paths point at one workspace.
func (t *Template) Render(sources, artifacts string) ([]byte, error) {
	var doc map[string]any
	if err := json.Unmarshal(t.raw, &doc); err != nil {
		return nil, err
	}
	paths, _ := doc["paths"].(map[string]any)
	if paths == nil {
		paths = make(map[string]any)
		doc["paths"] = paths
	}
	paths["artifacts"] = artifacts
	paths["build_infos"] = filepath.Join(artifacts, "build-info")
	paths["sources"] = sources
	paths["tests"] = "test"
	return json.Marshal(doc)
}
