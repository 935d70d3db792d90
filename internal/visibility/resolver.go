// Package visibility resolves heartbeat emission, markdown table rendering
// and reply-to behaviour from layered configuration. Resolution is a pure
// layered merge: per-account, then per-channel, then channel defaults,
// then global defaults. No hidden state.
package visibility

import (
	"github.com/epiloop/epiloop/internal/config"
)

// channelDefaultsKey is the pseudo-channel whose settings apply to every
// channel before the channel's own layer.
const channelDefaultsKey = "defaults"

// Resolved is the merged heartbeat visibility for one (channel, account).
type Resolved struct {
	ShowOK       bool `json:"showOk"`
	ShowAlerts   bool `json:"showAlerts"`
	UseIndicator bool `json:"useIndicator"`
}

// Defaults returns the global visibility defaults: ok heartbeats hidden,
// alerts shown, indicator events on.
func Defaults() Resolved {
	return Resolved{ShowOK: false, ShowAlerts: true, UseIndicator: true}
}

// Resolve merges the visibility layers for a channel and optional account,
// most specific first.
func Resolve(cfg *config.Config, channel, accountID string) Resolved {
	out := Defaults()

	apply := func(v *config.VisibilityConfig) {
		if v == nil {
			return
		}
		if v.ShowOK != nil {
			out.ShowOK = *v.ShowOK
		}
		if v.ShowAlerts != nil {
			out.ShowAlerts = *v.ShowAlerts
		}
		if v.UseIndicator != nil {
			out.UseIndicator = *v.UseIndicator
		}
	}

	// Least specific first so each layer can override the previous one:
	// channel defaults, then the channel, then the account.
	if def := cfg.Channel(channelDefaultsKey); def != nil {
		apply(def.Heartbeat)
	}
	ch := cfg.Channel(channel)
	if ch == nil {
		return out
	}
	apply(ch.Heartbeat)
	if accountID != "" {
		if acct, ok := ch.Accounts[accountID]; ok {
			apply(acct.Heartbeat)
		}
	}
	return out
}

// TableMode says how markdown tables in agent output are rendered.
type TableMode string

const (
	TablePlain   TableMode = "plain"
	TableUnicode TableMode = "unicode"
	TableHTML    TableMode = "html"
)

// ResolveTableMode resolves the markdown table rendering mode with the same
// precedence as heartbeat visibility. The global default is plain text.
func ResolveTableMode(cfg *config.Config, channel, accountID string) TableMode {
	mode := TablePlain
	if def := cfg.Channel(channelDefaultsKey); def != nil && def.TableMode != "" {
		mode = TableMode(def.TableMode)
	}
	ch := cfg.Channel(channel)
	if ch == nil {
		return mode
	}
	if ch.TableMode != "" {
		mode = TableMode(ch.TableMode)
	}
	if accountID != "" {
		if acct, ok := ch.Accounts[accountID]; ok && acct.TableMode != "" {
			mode = TableMode(acct.TableMode)
		}
	}
	return mode
}

// ReplyToMode says how a group reply is anchored to the inbound message.
type ReplyToMode string

const (
	ReplyMention ReplyToMode = "mention"
	ReplyQuote   ReplyToMode = "quote"
	ReplyNone    ReplyToMode = "none"
)

// ResolveReplyTo picks the reply-to behaviour for a group (and optional
// topic). Lookup tries "<group>:<topic>" first, then the bare group, then
// falls back to mention.
func ResolveReplyTo(cfg *config.Config, channel, groupID, topic string) ReplyToMode {
	ch := cfg.Channel(channel)
	if ch == nil || len(ch.ReplyTo) == 0 {
		return ReplyMention
	}
	if topic != "" {
		if mode, ok := ch.ReplyTo[groupID+":"+topic]; ok {
			return ReplyToMode(mode)
		}
	}
	if mode, ok := ch.ReplyTo[groupID]; ok {
		return ReplyToMode(mode)
	}
	return ReplyMention
}
