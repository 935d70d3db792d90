// Package bootstrap seeds a new agent workspace with its starter files.
// Seeding never overwrites: operators edit these files and re-running
// onboard must not clobber them.
package bootstrap

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed templates/*.md
var templateFS embed.FS

// Workspace file names.
const (
	AgentsFile    = "AGENTS.md"
	IdentityFile  = "IDENTITY.md"
	HeartbeatFile = "HEARTBEAT.md"
	BootstrapFile = "BOOTSTRAP.md"
)

// templateFiles are seeded for every workspace. BOOTSTRAP.md is separate:
// it only appears in brand-new workspaces.
var templateFiles = []string{AgentsFile, IdentityFile, HeartbeatFile}

// WorkspaceDir locates an agent's workspace under the state dir.
func WorkspaceDir(stateDir, agentID string) string {
	return filepath.Join(stateDir, "agents", agentID, "agent")
}

// SeedWorkspace creates the agent workspace and its starter files.
func SeedWorkspace(stateDir, agentID string) error {
	_, err := EnsureWorkspaceFiles(WorkspaceDir(stateDir, agentID))
	return err
}

// EnsureWorkspaceFiles seeds missing template files into dir and returns
// the names it created. A workspace with no AGENTS.md yet is brand new
// and additionally gets BOOTSTRAP.md.
func EnsureWorkspaceFiles(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	_, agentsErr := os.Stat(filepath.Join(dir, AgentsFile))
	brandNew := os.IsNotExist(agentsErr)

	var created []string
	for _, name := range templateFiles {
		ok, err := seedTemplate(dir, name)
		if err != nil {
			return created, err
		}
		if ok {
			created = append(created, name)
		}
	}
	if brandNew {
		ok, err := seedTemplate(dir, BootstrapFile)
		if err != nil {
			return created, err
		}
		if ok {
			created = append(created, BootstrapFile)
		}
	}
	return created, nil
}

// ReadTemplate returns an embedded template's content.
func ReadTemplate(name string) (string, error) {
	content, err := templateFS.ReadFile("templates/" + name)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// seedTemplate writes one template unless the file already exists.
func seedTemplate(dir, name string) (bool, error) {
	dst := filepath.Join(dir, name)
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	content, err := templateFS.ReadFile("templates/" + name)
	if err != nil {
		os.Remove(dst)
		return false, err
	}
	if _, err := f.Write(content); err != nil {
		return false, err
	}
	return true, nil
}
