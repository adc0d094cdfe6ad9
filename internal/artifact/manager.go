package artifact

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dontdude/forgejudge/internal/workspace"
)

// Manager prepares the build cache of one slot. It is not safe for concurrent
// use; every slot owns its own Manager.
type Manager struct {
	tmpl   *Template
	logger *slog.Logger
	ready  map[string]bool
}

// NewManager returns a Manager handing out tmpl. A nil template makes every
// Ensure fail with ErrNoTemplate.
func NewManager(tmpl *Template, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{tmpl: tmpl, logger: logger, ready: make(map[string]bool)}
}

// Ensure installs the rendered manifest and links out/<version> to the shared
// artifacts the first time a workspace meets a version. On failure the
// workspace is left with no manifest, so the build resolves dependencies itself.
func (m *Manager) Ensure(ws workspace.Workspace, version string) error {
	key := ws.Base + "\x00" + version
	if m.ready[key] {
		return nil
	}
	if m.tmpl == nil {
		return ErrNoTemplate
	}
	if !m.tmpl.Has(version) {
		return fmt.Errorf("no pre-built artifacts for version %s", version)
	}

	manifest := filepath.Join(ws.Cache, ManifestFile)
	if err := m.installManifest(ws, manifest); err != nil {
		return err
	}

	if err := m.link(ws, version); err != nil {
		os.Remove(manifest)
		return err
	}

	m.ready[key] = true
	m.logger.Debug("Artifact cache ready", "workspace", ws.Base, "version", version)
	return nil
}

func (m *Manager) installManifest(ws workspace.Workspace, manifest string) error {
	if _, err := os.Stat(manifest); err == nil {
		return nil
	}
	data, err := m.tmpl.Render(ws.Base, ws.Out)
	if err != nil {
		return fmt.Errorf("failed to render cache template: %w", err)
	}
	if err := os.MkdirAll(ws.Cache, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(manifest, data, 0o644); err != nil {
		return fmt.Errorf("failed to write cache manifest: %w", err)
	}
	return nil
}

func (m *Manager) link(ws workspace.Workspace, version string) error {
	link := filepath.Join(ws.Out, version)
	if _, err := os.Lstat(link); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(ws.Out, 0o755); err != nil {
		return err
	}
	if err := os.Symlink(m.tmpl.ArtifactsDir(version), link); err != nil {
		return fmt.Errorf("failed to link artifacts: %w", err)
	}
	return nil
}
