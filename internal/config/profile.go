package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ProfilePortSpacing is the minimum base-port distance between two
// concurrently running profiles. Derived ports (browser control, canvas,
// CDP pool) are offsets from the base, so closer spacing collides.
const ProfilePortSpacing = 20

// DefaultProfile is the profile name that maps to the base state directory.
const DefaultProfile = "default"

var profileNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidProfileName reports whether name is usable as a profile suffix and
// a --profile argument.
func ValidProfileName(name string) bool {
	return name != "" && profileNameRe.MatchString(name)
}

// IsDefaultProfile reports whether the name resolves to the base directory.
// The comparison is case-insensitive ("default" and "Default" are the same
// profile).
func IsDefaultProfile(name string) bool {
	return name == "" || strings.EqualFold(name, DefaultProfile)
}

// ResolveStateDir resolves the state directory for the given environment.
// Precedence: explicit EPILOOP_STATE_DIR (with ~ expansion; absolute paths,
// including Windows drive paths, pass through untouched), then the profile
// suffix ~/.epiloop-<profile>, then ~/.epiloop. The env map stands in for
// the process environment so the resolution is testable.
func ResolveStateDir(env map[string]string) string {
	home := env["HOME"]
	if home == "" {
		home, _ = os.UserHomeDir()
	}

	if dir := env["EPILOOP_STATE_DIR"]; dir != "" {
		return expandHomeIn(dir, home)
	}

	profile := env["EPILOOP_PROFILE"]
	if IsDefaultProfile(profile) {
		return filepath.Join(home, ".epiloop")
	}
	return filepath.Join(home, ".epiloop-"+profile)
}

// ResolveConfigPath resolves the config file path for the environment:
// explicit EPILOOP_CONFIG_PATH, else <stateDir>/epiloop.json.
func ResolveConfigPath(env map[string]string) string {
	if p := env["EPILOOP_CONFIG_PATH"]; p != "" {
		home := env["HOME"]
		if home == "" {
			home, _ = os.UserHomeDir()
		}
		return expandHomeIn(p, home)
	}
	return filepath.Join(ResolveStateDir(env), "epiloop.json")
}

// EnvFromProcess snapshots the process environment variables the config
// layer reads. Ambient env access happens once, at startup.
func EnvFromProcess() map[string]string {
	keys := []string{
		"HOME",
		"EPILOOP_PROFILE",
		"EPILOOP_STATE_DIR",
		"EPILOOP_CONFIG_PATH",
		"EPILOOP_GATEWAY_PORT",
		"EPILOOP_DISABLE_BONJOUR",
		"EPILOOP_SSH_PORT",
		"EPILOOP_TAILNET_DNS",
		"EPILOOP_CLI_PATH",
	}
	env := make(map[string]string, len(keys))
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			env[k] = v
		}
	}
	return env
}

// FormatCliCommand re-renders a CLI command for the active profile: when a
// non-default profile is active, "--profile <name>" is inserted immediately
// after the program token. Commands that already carry --profile or --dev
// pass through unchanged, as do commands under an empty, default or invalid
// profile. Idempotent by construction.
func FormatCliCommand(cmd, profile string) string {
	if IsDefaultProfile(profile) || !ValidProfileName(profile) {
		return cmd
	}
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return cmd
	}
	for _, f := range fields {
		if f == "--profile" || strings.HasPrefix(f, "--profile=") || f == "--dev" {
			return cmd
		}
	}
	out := make([]string, 0, len(fields)+2)
	out = append(out, fields[0], "--profile", profile)
	out = append(out, fields[1:]...)
	return strings.Join(out, " ")
}

// expandHomeIn replaces a leading ~ with home. Anything else, including
// Windows absolute paths like C:\epiloop, is preserved as given.
func expandHomeIn(path, home string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	if len(path) == 1 {
		return home
	}
	if path[1] == '/' || path[1] == '\\' {
		return filepath.Join(home, path[2:])
	}
	return path
}

// ExpandHome replaces a leading ~ with the current user's home directory.
func ExpandHome(path string) string {
	home, _ := os.UserHomeDir()
	return expandHomeIn(path, home)
}
