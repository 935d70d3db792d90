package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureWorkspaceFiles_SeedsBrandNew(t *testing.T) {
	dir := t.TempDir()
	created, err := EnsureWorkspaceFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{AgentsFile: true, IdentityFile: true, HeartbeatFile: true, BootstrapFile: true}
	if len(created) != len(want) {
		t.Fatalf("created %v, want all of %v", created, want)
	}
	for _, name := range created {
		if !want[name] {
			t.Errorf("unexpected file %s", name)
		}
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s not on disk: %v", name, err)
		}
	}
}

func TestEnsureWorkspaceFiles_NeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	custom := []byte("my edits")
	if err := os.WriteFile(filepath.Join(dir, IdentityFile), custom, 0o644); err != nil {
		t.Fatal(err)
	}
	// AGENTS.md exists too, so the workspace is not brand new.
	if err := os.WriteFile(filepath.Join(dir, AgentsFile), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	created, err := EnsureWorkspaceFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range created {
		if name == IdentityFile || name == AgentsFile {
			t.Errorf("existing %s re-created", name)
		}
		if name == BootstrapFile {
			t.Error("BOOTSTRAP.md seeded into an existing workspace")
		}
	}
	got, _ := os.ReadFile(filepath.Join(dir, IdentityFile))
	if string(got) != string(custom) {
		t.Error("existing file content replaced")
	}
}

func TestWorkspaceDir_Layout(t *testing.T) {
	got := WorkspaceDir("/state", "main")
	want := filepath.Join("/state", "agents", "main", "agent")
	if got != want {
		t.Errorf("WorkspaceDir = %q, want %q", got, want)
	}
}
