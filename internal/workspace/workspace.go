// Package workspace lays out and fills the private directory a worker slot
// builds a job in.
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dontdude/forgejudge/internal/domain"
)

// ErrNoFiles rejects a job with an empty file set.
var ErrNoFiles = errors.New("job has no files")

const reportFileName = "output.json"

// Workspace is the per-question tree under one slot:
// <workerDir>/<slot#>/<questionNo>/{contracts,test,output,cache,out}.
type Workspace struct {
	Base      string
	Contracts string
	Test      string
	Output    string
	Cache     string
	Out       string
}

// SlotDir is the private root of a slot.
func SlotDir(workerDir string, slot int) string {
	return filepath.Join(workerDir, fmt.Sprintf("%02d", slot))
}

// For returns the workspace of questionNo inside a slot.
func For(workerDir string, slot int, questionNo string) Workspace {
	base := filepath.Join(SlotDir(workerDir, slot), questionNo)
	return Workspace{
		Base:      base,
		Contracts: filepath.Join(base, "contracts"),
		Test:      filepath.Join(base, "test"),
		Output:    filepath.Join(base, "output"),
		Cache:     filepath.Join(base, "cache"),
		Out:       filepath.Join(base, "out"),
	}
}

// ReportFile is the authoritative per-job report artifact.
func (w Workspace) ReportFile() string {
	return filepath.Join(w.Output, reportFileName)
}

// Materialize recreates files under the workspace. Existing files are
// overwritten; the output directory is wiped so every job starts with an
// empty one. Nothing is touched when files is empty.
func Materialize(w Workspace, files []domain.File) error {
	if len(files) == 0 {
		return ErrNoFiles
	}

	if err := os.RemoveAll(w.Output); err != nil {
		return fmt.Errorf("failed to wipe output dir: %w", err)
	}
	for _, dir := range []string{w.Output, w.Cache, w.Out} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	for _, f := range files {
		if !filepath.IsLocal(f.Path) {
			return fmt.Errorf("path %q escapes the workspace", f.Path)
		}
		path := filepath.Join(w.Base, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create dir for %s: %w", f.Path, err)
		}
		if err := os.WriteFile(path, []byte(f.Content), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.Path, err)
		}
	}
	return nil
}

// WriteReport stores report as output/output.json.
func WriteReport(w Workspace, report *domain.Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.MkdirAll(w.Output, 0o755); err != nil {
		return err
	}
	return os.WriteFile(w.ReportFile(), data, 0o644)
}

// Collect reads every regular file under root into relative-path/content pairs,
// the inverse of Materialize. Paths use forward slashes.
func Collect(root string) ([]domain.File, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	var files []domain.File
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files = append(files, domain.File{Path: filepath.ToSlash(rel), Content: string(content)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to collect %s: %w", root, err)
	}
	return files, nil
}
