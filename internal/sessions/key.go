// Package sessions keys conversations and serializes their agent work.
//
// Session keys follow the canonical format:
//
//	{channel}:{account}:{peerKind}:{peerId}
//	{channel}:{account}:{peerKind}:{peerId}:thread:{threadId}
//
// Examples:
//
//	telegram:bot1:direct:386246614
//	telegram:bot1:group:-100123456:thread:99
//	http:api:direct:user-7f3a
//
// The key is derived from nothing but the conversation coordinates, so the
// same inbound conversation always lands on the same key for the lifetime
// of a profile.
package sessions

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// PeerKind distinguishes direct messages from group conversations.
type PeerKind string

const (
	PeerDirect  PeerKind = "direct"
	PeerGroup   PeerKind = "group"
	PeerChannel PeerKind = "channel"
)

// Key names one conversation's agent run.
type Key string

// Derive builds the canonical session key for a conversation.
func Derive(channel, accountID string, kind PeerKind, peerID, thread string) Key {
	if accountID == "" {
		accountID = "default"
	}
	if kind == "" {
		kind = PeerDirect
	}
	base := fmt.Sprintf("%s:%s:%s:%s", sanitize(channel), sanitize(accountID), kind, sanitize(peerID))
	if thread != "" {
		return Key(base + ":thread:" + sanitize(thread))
	}
	return Key(base)
}

// DeriveHTTP builds the key for a chat-completions request that carried a
// `user` field. The user value is hashed so arbitrary caller strings cannot
// collide with channel-derived keys or leak into logs.
func DeriveHTTP(user string) Key {
	sum := sha256.Sum256([]byte(user))
	return Key("http:api:direct:user-" + hex.EncodeToString(sum[:6]))
}

// Parse splits a canonical key back into its coordinates. ok is false when
// the key does not have the expected shape.
func (k Key) Parse() (channel, accountID string, kind PeerKind, peerID, thread string, ok bool) {
	parts := strings.SplitN(string(k), ":", 6)
	if len(parts) < 4 {
		return "", "", "", "", "", false
	}
	channel, accountID, kind, peerID = parts[0], parts[1], PeerKind(parts[2]), parts[3]
	if len(parts) == 6 && parts[4] == "thread" {
		thread = parts[5]
	} else if len(parts) > 4 {
		return "", "", "", "", "", false
	}
	switch kind {
	case PeerDirect, PeerGroup, PeerChannel:
	default:
		return "", "", "", "", "", false
	}
	return channel, accountID, kind, peerID, thread, true
}

// Channel returns the channel segment, or "" for malformed keys.
func (k Key) Channel() string {
	ch, _, _, _, _, ok := k.Parse()
	if !ok {
		return ""
	}
	return ch
}

// sanitize keeps key segments unambiguous: the separator cannot appear
// inside a segment.
func sanitize(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), ":", "_")
}

// PeerKindFromGroup returns PeerGroup when isGroup is set, PeerDirect
// otherwise.
func PeerKindFromGroup(isGroup bool) PeerKind {
	if isGroup {
		return PeerGroup
	}
	return PeerDirect
}
