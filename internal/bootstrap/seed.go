package bootstrap

import (
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

//go:embed templates/*.md
var templateFS embed.FS

// seedFiles are written into every workspace that lacks them, in this
// order. BOOTSTRAP.md is handled separately: it seeds only into a
// brand-new workspace so a rebuilt one does not re-run onboarding.
var seedFiles = []string{
	AgentsFile,
	SoulFile,
	ToolsFile,
	IdentityFile,
	UserFile,
	HeartbeatFile,
}

// ReadTemplate returns the content of an embedded workspace template.
func ReadTemplate(name string) (string, error) {
	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		return "", fmt.Errorf("template %s: %w", name, err)
	}
	return string(content), nil
}

// EnsureWorkspaceFiles seeds missing workspace files and reports the
// ones it created. Existing files are never overwritten; a single
// failed seed logs and moves on.
func EnsureWorkspaceFiles(workspaceDir string) ([]string, error) {
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return nil, fmt.Errorf("workspace %s: %w", workspaceDir, err)
	}

	// A workspace without AGENTS.md has never been onboarded.
	_, statErr := os.Stat(filepath.Join(workspaceDir, AgentsFile))
	brandNew := os.IsNotExist(statErr)

	names := seedFiles
	if brandNew {
		names = append(append([]string(nil), seedFiles...), BootstrapFile)
	}

	var created []string
	for _, name := range names {
		ok, err := seedFile(workspaceDir, name)
		if err != nil {
			slog.Warn("bootstrap: seed failed", "file", name, "error", err)
			continue
		}
		if ok {
			created = append(created, name)
		}
	}
	return created, nil
}

// seedFile writes one template if the destination does not exist yet.
// Creation is O_EXCL; an existing file always wins.
func seedFile(dir, name string) (bool, error) {
	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		return false, err
	}

	f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	if _, err := f.Write(content); err != nil {
		return false, err
	}
	return true, nil
}
