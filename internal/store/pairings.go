package store

import (
	"crypto/rand"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/epiloop/epiloop/pkg/protocol"
)

// Pairing is an approved device record.
type Pairing struct {
	DeviceID   string    `json:"deviceId"`
	Name       string    `json:"name,omitempty"`
	Roles      []string  `json:"roles"`
	ApprovedAt time.Time `json:"approvedAt"`
}

// PendingPairing is a request awaiting operator approval.
type PendingPairing struct {
	Code        string              `json:"code"`
	Device      protocol.DeviceInfo `json:"device"`
	Roles       []string            `json:"roles"`
	RequestedAt time.Time           `json:"requestedAt"`
}

// pairingState is the on-disk shape of pairings.json.
type pairingState struct {
	Paired  map[string]Pairing        `json:"paired"`
	Pending map[string]PendingPairing `json:"pending"` // keyed by code
}

// PairingStore persists device pairings in the profile state dir.
type PairingStore struct {
	mu    sync.Mutex
	path  string
	state pairingState
}

// NewPairingStore loads (or initializes) pairings.json under stateDir.
func NewPairingStore(stateDir string) (*PairingStore, error) {
	s := &PairingStore{
		path: filepath.Join(stateDir, "pairings.json"),
		state: pairingState{
			Paired:  make(map[string]Pairing),
			Pending: make(map[string]PendingPairing),
		},
	}
	if err := LoadJSON(s.path, &s.state); err != nil {
		return nil, err
	}
	if s.state.Paired == nil {
		s.state.Paired = make(map[string]Pairing)
	}
	if s.state.Pending == nil {
		s.state.Pending = make(map[string]PendingPairing)
	}
	return s, nil
}

// IsPaired reports whether the device holds an approved pairing that
// includes role.
func (s *PairingStore) IsPaired(deviceID, role string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.state.Paired[deviceID]
	if !ok {
		return false
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Request files a pending pairing and returns its approval code. A repeat
// request from the same device reuses the existing code.
func (s *PairingStore) Request(device protocol.DeviceInfo, roles []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for code, p := range s.state.Pending {
		if p.Device.ID == device.ID {
			return code, nil
		}
	}
	code := NewPairingCode()
	s.state.Pending[code] = PendingPairing{
		Code:        code,
		Device:      device,
		Roles:       roles,
		RequestedAt: time.Now(),
	}
	return code, SaveJSON(s.path, &s.state)
}

// Approve promotes a pending request (matched by code or device id) to an
// approved pairing.
func (s *PairingStore) Approve(codeOrDevice string) (Pairing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, ok := s.state.Pending[codeOrDevice]
	if !ok {
		for _, p := range s.state.Pending {
			if p.Device.ID == codeOrDevice {
				pending, ok = p, true
				break
			}
		}
	}
	if !ok {
		return Pairing{}, protocol.NewError(protocol.KindAuth, "", "no pending pairing matches "+codeOrDevice)
	}

	paired := Pairing{
		DeviceID:   pending.Device.ID,
		Name:       pending.Device.Name,
		Roles:      pending.Roles,
		ApprovedAt: time.Now(),
	}
	s.state.Paired[paired.DeviceID] = paired
	delete(s.state.Pending, pending.Code)
	return paired, SaveJSON(s.path, &s.state)
}

// Reject drops a pending request by code or device id.
func (s *PairingStore) Reject(codeOrDevice string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Pending[codeOrDevice]; ok {
		delete(s.state.Pending, codeOrDevice)
		return SaveJSON(s.path, &s.state)
	}
	for code, p := range s.state.Pending {
		if p.Device.ID == codeOrDevice {
			delete(s.state.Pending, code)
			return SaveJSON(s.path, &s.state)
		}
	}
	return protocol.NewError(protocol.KindAuth, "", "no pending pairing matches "+codeOrDevice)
}

// Rename sets the display name of an approved device.
func (s *PairingStore) Rename(deviceID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.state.Paired[deviceID]
	if !ok {
		return protocol.NewError(protocol.KindAuth, "", "device "+deviceID+" is not paired")
	}
	p.Name = name
	s.state.Paired[deviceID] = p
	return SaveJSON(s.path, &s.state)
}

// Revoke removes an approved pairing.
func (s *PairingStore) Revoke(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Paired[deviceID]; !ok {
		return protocol.NewError(protocol.KindAuth, "", "device "+deviceID+" is not paired")
	}
	delete(s.state.Paired, deviceID)
	return SaveJSON(s.path, &s.state)
}

// Pending lists requests awaiting approval, oldest first.
func (s *PairingStore) Pending() []PendingPairing {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingPairing, 0, len(s.state.Pending))
	for _, p := range s.state.Pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

// Paired lists approved devices sorted by name.
func (s *PairingStore) Paired() []Pairing {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Pairing, 0, len(s.state.Paired))
	for _, p := range s.state.Paired {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// pairingCodeAlphabet omits lookalike characters; codes are typed by hand.
const pairingCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NewPairingCode returns a 6-character approval code.
func NewPairingCode() string {
	buf := make([]byte, 6)
	rand.Read(buf)
	for i := range buf {
		buf[i] = pairingCodeAlphabet[int(buf[i])%len(pairingCodeAlphabet)]
	}
	return string(buf)
}
