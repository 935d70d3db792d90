package agent

import (
	"github.com/epiloop/epiloop/internal/config"
	"github.com/epiloop/epiloop/internal/sessions"
)

// ResolveRoute picks the agent for an inbound conversation.
//
// Bindings are scored by specificity: a peer match beats an account match
// beats a bare channel match. Ties keep the first binding in config order.
// With no matching binding the default agent handles the conversation.
func ResolveRoute(cfg *config.Config, channel, accountID string, kind sessions.PeerKind, peerID string) Route {
	agentID := cfg.ResolveDefaultAgentID()

	best := -1
	for _, b := range cfg.Agents.Bindings {
		score := bindingScore(b.Match, channel, accountID, kind, peerID)
		if score > best && score >= 0 {
			best = score
			agentID = b.AgentID
		}
	}

	resolved := cfg.ResolveAgent(agentID)
	return Route{AgentID: agentID, Provider: resolved.Provider, Model: resolved.Model}
}

// bindingScore returns -1 when the binding does not apply, otherwise a
// specificity score: channel=1, +2 for account, +4 for peer.
func bindingScore(m config.BindingMatch, channel, accountID string, kind sessions.PeerKind, peerID string) int {
	if m.Channel == "" || m.Channel != channel {
		return -1
	}
	score := 1
	if m.AccountID != "" {
		if m.AccountID != accountID {
			return -1
		}
		score += 2
	}
	if m.Peer != nil {
		if m.Peer.ID != peerID {
			return -1
		}
		if m.Peer.Kind != "" && m.Peer.Kind != string(kind) {
			return -1
		}
		score += 4
	}
	return score
}
