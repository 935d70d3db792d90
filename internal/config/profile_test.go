package config

import (
	"path/filepath"
	"testing"
)

func TestResolveStateDir(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"default", map[string]string{"HOME": "/Users/test"}, "/Users/test/.epiloop"},
		{"explicit profile", map[string]string{"HOME": "/Users/test", "EPILOOP_PROFILE": "rescue"}, "/Users/test/.epiloop-rescue"},
		{"default profile lowercase", map[string]string{"HOME": "/Users/test", "EPILOOP_PROFILE": "default"}, "/Users/test/.epiloop"},
		{"default profile capitalized", map[string]string{"HOME": "/Users/test", "EPILOOP_PROFILE": "Default"}, "/Users/test/.epiloop"},
		{"state dir override with tilde", map[string]string{"HOME": "/Users/test", "EPILOOP_STATE_DIR": "~/epiloop-state"}, "/Users/test/epiloop-state"},
		{"state dir override absolute", map[string]string{"HOME": "/Users/test", "EPILOOP_STATE_DIR": "/var/lib/epiloop"}, "/var/lib/epiloop"},
		{"state dir wins over profile", map[string]string{"HOME": "/h", "EPILOOP_PROFILE": "work", "EPILOOP_STATE_DIR": "/srv/ep"}, "/srv/ep"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveStateDir(tt.env); got != tt.want {
				t.Errorf("ResolveStateDir() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveStateDir_ProfilesDisjoint(t *testing.T) {
	base := map[string]string{"HOME": "/Users/test"}
	for _, p := range []string{"work", "rescue", "p1", "a.b"} {
		env := map[string]string{"HOME": "/Users/test", "EPILOOP_PROFILE": p}
		got := ResolveStateDir(env)
		if got == ResolveStateDir(base) {
			t.Errorf("profile %q resolves to the base dir %q", p, got)
		}
		if !filepath.IsAbs(got) {
			t.Errorf("profile %q dir %q not absolute", p, got)
		}
	}
}

func TestResolveStateDir_WindowsAbsolutePreserved(t *testing.T) {
	env := map[string]string{"HOME": "/Users/test", "EPILOOP_STATE_DIR": `C:\epiloop`}
	if got := ResolveStateDir(env); got != `C:\epiloop` {
		t.Errorf("windows path mangled: %q", got)
	}
}

func TestFormatCliCommand(t *testing.T) {
	tests := []struct {
		name    string
		cmd     string
		profile string
		want    string
	}{
		{"inserts after program token", "epiloop doctor --fix", "work", "epiloop --profile work doctor --fix"},
		{"default profile unchanged", "epiloop doctor --fix", "Default", "epiloop doctor --fix"},
		{"empty profile unchanged", "epiloop doctor --fix", "", "epiloop doctor --fix"},
		{"already has profile", "epiloop --profile other doctor", "work", "epiloop --profile other doctor"},
		{"already has profile equals form", "epiloop --profile=other doctor", "work", "epiloop --profile=other doctor"},
		{"dev flag unchanged", "epiloop --dev gateway", "work", "epiloop --dev gateway"},
		{"invalid profile unchanged", "epiloop doctor", "bad name!", "epiloop doctor"},
		{"bare program", "epiloop", "work", "epiloop --profile work"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatCliCommand(tt.cmd, tt.profile); got != tt.want {
				t.Errorf("FormatCliCommand(%q, %q) = %q, want %q", tt.cmd, tt.profile, got, tt.want)
			}
		})
	}
}

func TestFormatCliCommand_Idempotent(t *testing.T) {
	cmds := []string{"epiloop doctor --fix", "epiloop gateway --port 19000", "epiloop"}
	for _, cmd := range cmds {
		once := FormatCliCommand(cmd, "work")
		twice := FormatCliCommand(once, "work")
		if once != twice {
			t.Errorf("not idempotent: %q -> %q -> %q", cmd, once, twice)
		}
	}
}

func TestValidProfileName(t *testing.T) {
	valid := []string{"main", "rescue", "Work-2", "a.b_c"}
	invalid := []string{"", "-x", "two words", "x/y", "~p"}
	for _, n := range valid {
		if !ValidProfileName(n) {
			t.Errorf("ValidProfileName(%q) = false, want true", n)
		}
	}
	for _, n := range invalid {
		if ValidProfileName(n) {
			t.Errorf("ValidProfileName(%q) = true, want false", n)
		}
	}
}
