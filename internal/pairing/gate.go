// Package pairing gates inbound channel messages from unknown senders.
// A sender's first message is answered with a pairing challenge instead of
// reaching the agent; the operator approves with the printed CLI command.
package pairing

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/epiloop/epiloop/internal/config"
	"github.com/epiloop/epiloop/internal/store"
	"github.com/epiloop/epiloop/pkg/protocol"
)

// PendingSender is one unapproved sender awaiting a decision.
type PendingSender struct {
	Code        string    `json:"code"`
	SenderID    string    `json:"senderId"`
	RequestedAt time.Time `json:"requestedAt"`
}

// gateState is the on-disk shape of channel-pairings.json.
type gateState struct {
	// Approved maps channel -> approved sender ids.
	Approved map[string][]string `json:"approved"`
	// Pending maps channel -> code -> sender.
	Pending map[string]map[string]PendingSender `json:"pending"`
}

// Gate decides whether an inbound sender may reach the agent, and renders
// the challenge reply for senders who may not.
type Gate struct {
	identity string
	profile  string

	mu    sync.Mutex
	path  string
	state gateState
}

// NewGate loads (or initializes) channel-pairings.json under stateDir.
// identity is the gateway display name shown in challenge replies.
func NewGate(stateDir, identity, profile string) (*Gate, error) {
	g := &Gate{
		identity: identity,
		profile:  profile,
		path:     filepath.Join(stateDir, "channel-pairings.json"),
		state: gateState{
			Approved: make(map[string][]string),
			Pending:  make(map[string]map[string]PendingSender),
		},
	}
	if err := store.LoadJSON(g.path, &g.state); err != nil {
		return nil, err
	}
	if g.state.Approved == nil {
		g.state.Approved = make(map[string][]string)
	}
	if g.state.Pending == nil {
		g.state.Pending = make(map[string]map[string]PendingSender)
	}
	return g, nil
}

// Allowed reports whether the sender has been approved on the channel.
func (g *Gate) Allowed(channel, senderID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range g.state.Approved[channel] {
		if id == senderID {
			return true
		}
	}
	return false
}

// Challenge files (or re-uses) a pending request for the sender and returns
// the three-line reply to post back to the originating chat.
func (g *Gate) Challenge(channel, senderID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	pending := g.state.Pending[channel]
	for _, p := range pending {
		if p.SenderID == senderID {
			return UnauthorizedReply(g.identity, channel, p.Code, g.profile), nil
		}
	}

	code := store.NewPairingCode()
	if pending == nil {
		pending = make(map[string]PendingSender)
		g.state.Pending[channel] = pending
	}
	pending[code] = PendingSender{Code: code, SenderID: senderID, RequestedAt: time.Now()}
	if err := store.SaveJSON(g.path, &g.state); err != nil {
		return "", err
	}
	return UnauthorizedReply(g.identity, channel, code, g.profile), nil
}

// Approve promotes a pending sender (matched by code) to the channel's
// approved list and returns the sender id.
func (g *Gate) Approve(channel, code string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.state.Pending[channel][code]
	if !ok {
		return "", protocol.NewError(protocol.KindAuth, "",
			fmt.Sprintf("no pending pairing on %s matches %s", channel, code))
	}
	g.state.Approved[channel] = append(g.state.Approved[channel], p.SenderID)
	delete(g.state.Pending[channel], code)
	return p.SenderID, store.SaveJSON(g.path, &g.state)
}

// Reject drops a pending request by code.
func (g *Gate) Reject(channel, code string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.state.Pending[channel][code]; !ok {
		return protocol.NewError(protocol.KindAuth, "",
			fmt.Sprintf("no pending pairing on %s matches %s", channel, code))
	}
	delete(g.state.Pending[channel], code)
	return store.SaveJSON(g.path, &g.state)
}

// Pending lists the channel's unapproved senders, oldest first.
func (g *Gate) Pending(channel string) []PendingSender {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]PendingSender, 0, len(g.state.Pending[channel]))
	for _, p := range g.state.Pending[channel] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

// UnauthorizedReply renders the challenge posted to an unapproved sender:
// an identity line, the pairing code, and the approval command. Exactly
// three lines, no trailing newline.
func UnauthorizedReply(identity, channel, code, profile string) string {
	if identity == "" {
		identity = "Epiloop"
	}
	approve := config.FormatCliCommand(
		fmt.Sprintf("epiloop pairing approve %s %s", channel, code), profile)
	return fmt.Sprintf("%s here. This chat isn't paired with me yet.\n"+
		"Pairing code: %s\n"+
		"Ask the bot owner to approve with: %s", identity, code, approve)
}
