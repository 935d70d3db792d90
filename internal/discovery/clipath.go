package discovery

import (
	"os"
	"path/filepath"
)

// ResolveCLIPath finds the CLI entrypoint to advertise in the cliPath TXT
// key. Order: EPILOOP_CLI_PATH, a sibling "epiloop" next to the running
// executable, argv[1] when it names a file, then the conventional dist/bin
// bundle locations. Empty when nothing is found.
func ResolveCLIPath(getenv func(string) string, argv []string) string {
	if p := getenv("EPILOOP_CLI_PATH"); p != "" {
		return p
	}
	if exe, err := os.Executable(); err == nil {
		if sibling := filepath.Join(filepath.Dir(exe), "epiloop"); isFile(sibling) {
			return sibling
		}
	}
	if len(argv) > 1 && isFile(argv[1]) {
		return argv[1]
	}
	for _, candidate := range []string{"./dist/index.js", "./bin/epiloop.js"} {
		if isFile(candidate) {
			if abs, err := filepath.Abs(candidate); err == nil {
				return abs
			}
			return candidate
		}
	}
	return ""
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
