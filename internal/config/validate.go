package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the config schema. It collects every violation rather
// than stopping at the first, so the operator fixes a file in one pass.
// Secret-presence for the declared auth mode is checked separately at
// gateway startup (gateway.AssertConfigured), after env overlays.
func (c *Config) Validate() error {
	var problems []string

	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		problems = append(problems, fmt.Sprintf("gateway.port: %d out of range", c.Gateway.Port))
	}
	switch c.Gateway.Bind {
	case "", BindLoopback, BindTailnet, BindAll:
	default:
		problems = append(problems, fmt.Sprintf("gateway.bind: unknown mode %q", c.Gateway.Bind))
	}
	switch c.Gateway.Tailscale {
	case "", TailscaleOff, TailscaleServe, TailscaleFunnel:
	default:
		problems = append(problems, fmt.Sprintf("gateway.tailscale: unknown mode %q", c.Gateway.Tailscale))
	}
	switch c.Gateway.Auth.Mode {
	case "", AuthModeNone, AuthModeToken, AuthModePassword:
	default:
		problems = append(problems, fmt.Sprintf("gateway.auth.mode: unknown mode %q", c.Gateway.Auth.Mode))
	}
	if c.Gateway.TLS.Enabled && (c.Gateway.TLS.CertFile == "" || c.Gateway.TLS.KeyFile == "") {
		problems = append(problems, "gateway.tls: enabled but certFile/keyFile missing")
	}

	for name, ch := range c.Channels {
		if ch == nil {
			continue
		}
		if ch.ChunkLimit < 0 {
			problems = append(problems, fmt.Sprintf("channels.%s.chunkLimit: negative", name))
		}
		switch ch.ChunkMode {
		case "", "length":
		case "newline":
			// Only BlueBubbles supports newline chunking today.
			if name != "bluebubbles" {
				problems = append(problems, fmt.Sprintf("channels.%s.chunkMode: newline unsupported for this channel", name))
			}
		default:
			problems = append(problems, fmt.Sprintf("channels.%s.chunkMode: unknown mode %q", name, ch.ChunkMode))
		}
		switch ch.TableMode {
		case "", "plain", "unicode", "html":
		default:
			problems = append(problems, fmt.Sprintf("channels.%s.tableMode: unknown mode %q", name, ch.TableMode))
		}
		for group, mode := range ch.ReplyTo {
			switch mode {
			case "mention", "quote", "none":
			default:
				problems = append(problems, fmt.Sprintf("channels.%s.replyTo.%s: unknown mode %q", name, group, mode))
			}
		}
	}

	for id, b := range c.Agents.Bindings {
		if b.AgentID == "" {
			problems = append(problems, fmt.Sprintf("agents.bindings[%d].agentId: empty", id))
		}
		if b.Match.Channel == "" {
			problems = append(problems, fmt.Sprintf("agents.bindings[%d].match.channel: empty", id))
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.New(strings.Join(problems, "; "))
}
