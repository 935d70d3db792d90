package cmd

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/epiloop/epiloop/internal/authprofiles"
	"github.com/epiloop/epiloop/internal/config"
)

func modelsTestEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("EPILOOP_STATE_DIR", dir)
	t.Setenv("EPILOOP_CONFIG_PATH", filepath.Join(dir, "epiloop.json"))
	if err := config.Save(filepath.Join(dir, "epiloop.json"), config.Default()); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	return dir
}

func runModels(t *testing.T, stdin string, args ...string) error {
	t.Helper()
	cmd := modelsCmd()
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	if stdin != "" {
		cmd.SetIn(strings.NewReader(stdin))
	}
	cmd.SetArgs(args)
	return cmd.Execute()
}

func TestModelsAuthSetupToken(t *testing.T) {
	dir := modelsTestEnv(t)

	err := runModels(t, "", "auth", "setup-token",
		"--provider", "anthropic", "--label", "work", "--token", "sk-test")
	if err != nil {
		t.Fatalf("setup-token: %v", err)
	}

	store, err := authprofiles.Load(authprofiles.Path(dir, "default"))
	if err != nil {
		t.Fatalf("load store: %v", err)
	}
	p, ok := store.Get("anthropic:work")
	if !ok {
		t.Fatal("profile anthropic:work not stored")
	}
	if p.Mode != authprofiles.ModeToken || p.Token != "sk-test" {
		t.Errorf("profile = %+v", p)
	}
}

func TestModelsAuthSetupToken_RequiresFlags(t *testing.T) {
	if err := runModels(t, "", "auth", "setup-token", "--provider", "anthropic"); err == nil {
		t.Fatal("setup-token without --token must fail")
	}
}

func TestModelsAuthPasteToken(t *testing.T) {
	dir := modelsTestEnv(t)

	err := runModels(t, "sk-pasted\n", "auth", "paste-token", "--provider", "openai")
	if err != nil {
		t.Fatalf("paste-token: %v", err)
	}

	store, err := authprofiles.Load(authprofiles.Path(dir, "default"))
	if err != nil {
		t.Fatalf("load store: %v", err)
	}
	p, ok := store.Get("openai:default")
	if !ok || p.Token != "sk-pasted" {
		t.Errorf("profile = %+v, ok = %v", p, ok)
	}
}

func TestModelsAuthOrder_SetGetClear(t *testing.T) {
	dir := modelsTestEnv(t)

	for _, label := range []string{"a", "b"} {
		err := runModels(t, "", "auth", "setup-token",
			"--provider", "anthropic", "--label", label, "--token", "sk-"+label)
		if err != nil {
			t.Fatalf("setup-token %s: %v", label, err)
		}
	}

	if err := runModels(t, "", "auth", "order", "set", "anthropic", "anthropic:b", "anthropic:a"); err != nil {
		t.Fatalf("order set: %v", err)
	}
	store, err := authprofiles.Load(authprofiles.Path(dir, "default"))
	if err != nil {
		t.Fatalf("load store: %v", err)
	}
	got := store.Ordered("anthropic")
	if len(got) != 2 || got[0] != "anthropic:b" || got[1] != "anthropic:a" {
		t.Errorf("Ordered = %v", got)
	}

	if err := runModels(t, "", "auth", "order", "set", "anthropic", "anthropic:missing"); err == nil {
		t.Error("order set with an unknown profile must fail")
	}

	if err := runModels(t, "", "auth", "order", "get", "anthropic"); err != nil {
		t.Errorf("order get: %v", err)
	}

	if err := runModels(t, "", "auth", "order", "clear", "anthropic"); err != nil {
		t.Fatalf("order clear: %v", err)
	}
	store, err = authprofiles.Load(authprofiles.Path(dir, "default"))
	if err != nil {
		t.Fatalf("reload store: %v", err)
	}
	got = store.Ordered("anthropic")
	// Explicit order dropped: ids come back sorted.
	if len(got) != 2 || got[0] != "anthropic:a" || got[1] != "anthropic:b" {
		t.Errorf("Ordered after clear = %v", got)
	}
}
