package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// LibraryBuilder compiles a library target; *toolchain.Runner satisfies it.
type LibraryBuilder interface {
	Clean(ctx context.Context) error
	BuildLibrary(ctx context.Context, target, out, version string) error
}

// BootstrapOptions locate the toolchain project the bootstrap runs in.
// Relative dirs are resolved against ProjectRoot.
type BootstrapOptions struct {
	ProjectRoot  string
	CacheDir     string
	ArtifactsDir string
	Target       string
	Versions     []string
}

const scratchOut = "tmp_out"

// Bootstrap builds Target once per version, merges the resulting manifests into
// one template whose artifact locations are prefixed with the version, and
// keeps each version's artifacts under ArtifactsDir/<version>.
// An existing template is loaded instead of rebuilt.
func Bootstrap(ctx context.Context, builder LibraryBuilder, opts BootstrapOptions, logger *slog.Logger) (*Template, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cacheDir := resolve(opts.ProjectRoot, opts.CacheDir)
	artifactsDir := resolve(opts.ProjectRoot, opts.ArtifactsDir)

	if _, err := os.Stat(filepath.Join(cacheDir, TemplateFile)); err == nil {
		logger.Info("Cache template already present", "path", filepath.Join(cacheDir, TemplateFile))
		return LoadTemplate(cacheDir, artifactsDir)
	}

	if err := os.RemoveAll(artifactsDir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.RemoveAll(cacheDir); err != nil {
		return nil, err
	}
	if err := builder.Clean(ctx); err != nil {
		logger.Warn("Toolchain clean failed", "error", err)
	}

	manifestPath := filepath.Join(cacheDir, ManifestFile)
	scratch := filepath.Join(opts.ProjectRoot, scratchOut)

	var merged map[string]any
	for _, version := range opts.Versions {
		if err := builder.BuildLibrary(ctx, opts.Target, scratchOut, version); err != nil {
			logger.Error("Bootstrap build failed", "version", version, "error", err)
			continue
		}

		doc, err := readManifest(manifestPath)
		if err != nil {
			logger.Error("Bootstrap manifest unreadable", "version", version, "error", err)
			continue
		}
		prefixArtifacts(doc, version)
		if merged == nil {
			merged = doc
			if paths, ok := merged["paths"].(map[string]any); ok {
				paths["sources"] = "fixme"
			}
		} else {
			mergeArtifacts(merged, doc)
		}

		dst := filepath.Join(artifactsDir, version)
		if err := os.RemoveAll(dst); err != nil {
			return nil, err
		}
		if err := os.CopyFS(dst, os.DirFS(scratch)); err != nil {
			return nil, fmt.Errorf("failed to keep artifacts for %s: %w", version, err)
		}
		os.RemoveAll(scratch)
		logger.Info("Bootstrapped compiler version", "version", version)
	}

	if merged == nil {
		return nil, errors.New("no compiler version could be bootstrapped")
	}

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(cacheDir, TemplateFile), data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write cache template: %w", err)
	}
	os.Remove(manifestPath)

	return LoadTemplate(cacheDir, artifactsDir)
}

func resolve(root, dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(root, dir)
}

func readManifest(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// prefixArtifacts rewrites every files.<file>.artifacts.<contract>.<compiler>
// location to <version>/<location>. Locations are plain strings in older
// manifests and {"path": ...} objects in newer ones.
func prefixArtifacts(doc map[string]any, version string) {
	files, _ := doc["files"].(map[string]any)
	for _, entry := range files {
		e, _ := entry.(map[string]any)
		artifacts, _ := e["artifacts"].(map[string]any)
		for _, byCompiler := range artifacts {
			compilers, _ := byCompiler.(map[string]any)
			for compiler, loc := range compilers {
				compilers[compiler] = withPrefix(loc, version)
			}
		}
	}
}

func withPrefix(loc any, version string) any {
	switch v := loc.(type) {
	case string:
		if strings.HasPrefix(v, version+"/") {
			return v
		}
		return version + "/" + v
	case map[string]any:
		if p, ok := v["path"].(string); ok && !strings.HasPrefix(p, version+"/") {
			v["path"] = version + "/" + p
		}
		return v
	default:
		return loc
	}
}

// mergeArtifacts copies every artifact location of src into dst.
func mergeArtifacts(dst, src map[string]any) {
	dstFiles, _ := dst["files"].(map[string]any)
	if dstFiles == nil {
		dstFiles = make(map[string]any)
		dst["files"] = dstFiles
	}
	srcFiles, _ := src["files"].(map[string]any)
	for file, entry := range srcFiles {
		dstEntry, ok := dstFiles[file].(map[string]any)
		if !ok {
			dstFiles[file] = entry
			continue
		}
		dstArtifacts, _ := dstEntry["artifacts"].(map[string]any)
		if dstArtifacts == nil {
			dstArtifacts = make(map[string]any)
			dstEntry["artifacts"] = dstArtifacts
		}
		srcArtifacts, _ := entry.(map[string]any)["artifacts"].(map[string]any)
		for contract, byCompiler := range srcArtifacts {
			dstCompilers, _ := dstArtifacts[contract].(map[string]any)
			if dstCompilers == nil {
				dstCompilers = make(map[string]any)
				dstArtifacts[contract] = dstCompilers
			}
			srcCompilers, _ := byCompiler.(map[string]any)
			for compiler, loc := range srcCompilers {
				dstCompilers[compiler] = loc
			}
		}
	}
}
