package store

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Allowlist is the approved command set for system.run. Anything not on
// the list is denied.
type Allowlist struct {
	mu      sync.Mutex
	path    string
	entries map[string]bool
}

// NewAllowlist loads allowlist.json under stateDir.
func NewAllowlist(stateDir string) (*Allowlist, error) {
	a := &Allowlist{
		path:    filepath.Join(stateDir, "allowlist.json"),
		entries: make(map[string]bool),
	}
	var list []string
	if err := LoadJSON(a.path, &list); err != nil {
		return nil, err
	}
	for _, e := range list {
		a.entries[e] = true
	}
	return a, nil
}

// Allowed reports whether the command's program token is approved.
func (a *Allowlist) Allowed(command string) bool {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.entries[fields[0]]
}

// Add approves a program.
func (a *Allowlist) Add(program string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[program] = true
	return a.save()
}

// Remove withdraws approval.
func (a *Allowlist) Remove(program string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.entries, program)
	return a.save()
}

// List returns approved programs sorted.
func (a *Allowlist) List() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for e := range a.entries {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

func (a *Allowlist) save() error {
	list := make([]string, 0, len(a.entries))
	for e := range a.entries {
		list = append(list, e)
	}
	sort.Strings(list)
	return SaveJSON(a.path, list)
}
