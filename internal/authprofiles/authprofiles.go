// Package authprofiles manages the per-agent credential store backing
// model providers. Profiles come in two shapes: refreshable OAuth
// grants and static bearer tokens.
package authprofiles

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/epiloop/epiloop/internal/store"
)

// Profile modes.
const (
	ModeOAuth = "oauth"
	ModeToken = "token"
)

// Profile is one credential. OAuth profiles carry a refresh token and
// an expiry; token profiles are static bearers that never expire.
type Profile struct {
	Mode     string `json:"mode"`
	Provider string `json:"provider"`
	Label    string `json:"label,omitempty"`

	Token string `json:"token,omitempty"` // static bearer (mode=token)

	Access    string `json:"access,omitempty"`    // current access token (mode=oauth)
	Refresh   string `json:"refresh,omitempty"`   // refresh token (mode=oauth)
	ExpiresAt int64  `json:"expiresAt,omitempty"` // unix millis; 0 = unknown
}

type fileShape struct {
	Version  int                `json:"version,omitempty"`
	Profiles map[string]Profile `json:"profiles"`
	// Order lists preferred profile ids per provider, tried first.
	Order map[string][]string `json:"order,omitempty"`
}

// Store holds one agent's auth-profiles.json.
type Store struct {
	path string

	mu   sync.Mutex
	data fileShape
}

// Path locates the credential file for an agent under the state dir.
func Path(stateDir, agentID string) string {
	return filepath.Join(stateDir, "agents", agentID, "agent", "auth-profiles.json")
}

// ProfileID is the canonical id for a (provider, label) pair. There is
// exactly one profile per pair; writing the same pair twice overwrites.
func ProfileID(provider, label string) string {
	if label == "" {
		label = "default"
	}
	return provider + ":" + label
}

// Load reads the file at path, creating an empty store when the file is
// missing. Legacy Anthropic CLI profiles stored as mode "token" are
// migrated to "oauth" because those credentials work with either flow.
func Load(path string) (*Store, error) {
	s := &Store{path: path}
	if err := store.LoadJSON(path, &s.data); err != nil {
		return nil, fmt.Errorf("load auth profiles: %w", err)
	}
	if s.data.Profiles == nil {
		s.data.Profiles = make(map[string]Profile)
	}

	migrated := false
	for id, p := range s.data.Profiles {
		if p.Mode == ModeToken && p.Provider == "anthropic" && strings.Contains(id, "claude-cli") {
			p.Mode = ModeOAuth
			if p.Access == "" {
				p.Access = p.Token
			}
			p.Token = ""
			s.data.Profiles[id] = p
			migrated = true
		}
	}
	if migrated {
		if err := store.SaveJSON(path, s.data); err != nil {
			return nil, fmt.Errorf("persist migrated auth profiles: %w", err)
		}
	}
	return s, nil
}

// Get returns the profile for id.
func (s *Store) Get(id string) (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.data.Profiles[id]
	return p, ok
}

// Upsert stores p under its canonical (provider, label) id and returns
// that id.
func (s *Store) Upsert(p Profile) (string, error) {
	if p.Provider == "" {
		return "", fmt.Errorf("auth profile needs a provider")
	}
	switch p.Mode {
	case ModeOAuth, ModeToken:
	default:
		return "", fmt.Errorf("auth profile mode %q is not oauth or token", p.Mode)
	}
	id := ProfileID(p.Provider, p.Label)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Profiles[id] = p
	return id, s.save()
}

// Remove deletes the profile for id and drops it from any provider
// ordering.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Profiles[id]; !ok {
		return fmt.Errorf("auth profile %s not found", id)
	}
	delete(s.data.Profiles, id)
	for provider, ids := range s.data.Order {
		kept := ids[:0]
		for _, v := range ids {
			if v != id {
				kept = append(kept, v)
			}
		}
		s.data.Order[provider] = kept
	}
	return s.save()
}

// SetOrder records the preferred profile order for a provider. Every id
// must name an existing profile of that provider.
func (s *Store) SetOrder(provider string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		p, ok := s.data.Profiles[id]
		if !ok {
			return fmt.Errorf("auth profile %s not found", id)
		}
		if p.Provider != provider {
			return fmt.Errorf("auth profile %s belongs to provider %s, not %s", id, p.Provider, provider)
		}
	}
	if s.data.Order == nil {
		s.data.Order = make(map[string][]string)
	}
	s.data.Order[provider] = append([]string(nil), ids...)
	return s.save()
}

// Ordered returns the provider's profile ids, preferred order first,
// then any remaining profiles sorted by id.
func (s *Store) Ordered(provider string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	var out []string
	for _, id := range s.data.Order[provider] {
		if _, ok := s.data.Profiles[id]; ok && !seen[id] {
			out = append(out, id)
			seen[id] = true
		}
	}
	var rest []string
	for id, p := range s.data.Profiles {
		if p.Provider == provider && !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// ProfileStatus is one row of `models status`.
type ProfileStatus struct {
	ID        string    `json:"id"`
	Mode      string    `json:"mode"`
	Provider  string    `json:"provider"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
	Expiring  bool      `json:"expiring"`
}

// Status reports every profile sorted by id. OAuth profiles expiring
// within the window (or already expired) are flagged; static tokens
// never are.
func (s *Store) Status(now time.Time, window time.Duration) []ProfileStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ProfileStatus, 0, len(s.data.Profiles))
	for id, p := range s.data.Profiles {
		st := ProfileStatus{ID: id, Mode: p.Mode, Provider: p.Provider}
		if p.Mode == ModeOAuth && p.ExpiresAt > 0 {
			st.ExpiresAt = time.UnixMilli(p.ExpiresAt)
			st.Expiring = st.ExpiresAt.Before(now.Add(window))
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AnyExpiring reports whether any OAuth profile expires within the
// window. Callers surface this as a distinct exit code so cron checks
// can alert before a credential dies.
func (s *Store) AnyExpiring(now time.Time, window time.Duration) bool {
	for _, st := range s.Status(now, window) {
		if st.Expiring {
			return true
		}
	}
	return false
}

func (s *Store) save() error {
	return store.SaveJSON(s.path, s.data)
}
