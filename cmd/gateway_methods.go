package cmd

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/epiloop/epiloop/internal/agent"
	"github.com/epiloop/epiloop/internal/chunker"
	"github.com/epiloop/epiloop/internal/config"
	"github.com/epiloop/epiloop/internal/gateway"
	"github.com/epiloop/epiloop/internal/plugins"
	"github.com/epiloop/epiloop/internal/sessions"
	"github.com/epiloop/epiloop/internal/store"
	"github.com/epiloop/epiloop/pkg/protocol"
)

// registerOpsMethods binds the operator methods that need the plugin
// registry, the stores or the config file: plugins.*, channels.*,
// approvals.*, nodes pairing decisions and one-shot agent runs.
func registerOpsMethods(server *gateway.Server, registry *plugins.Registry,
	pairStore *store.PairingStore, allow *store.Allowlist,
	cfg *config.Config, cfgPath string, runner agent.Runner) {

	r := server.Router()

	r.Register(protocol.MethodPluginsList, func(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, error) {
		return map[string]any{"plugins": registry.List()}, nil
	})
	r.Register(protocol.MethodPluginsEnable, setPluginEnabled(cfg, cfgPath, true))
	r.Register(protocol.MethodPluginsDisable, setPluginEnabled(cfg, cfgPath, false))

	r.Register(protocol.MethodChannelsList, func(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, error) {
		return map[string]any{"channels": channelRows(cfg, registry)}, nil
	})
	r.Register(protocol.MethodChannelsStatus, func(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, error) {
		return map[string]any{"channels": channelRows(cfg, registry)}, nil
	})
	r.Register(protocol.MethodChannelsLogin, func(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, error) {
		var p struct {
			Channel string `json:"channel"`
			Token   string `json:"token"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.Channel == "" {
			return nil, protocol.NewError(protocol.KindConfig, "", "channels.login requires a channel")
		}
		if cfg.Channels == nil {
			cfg.Channels = config.ChannelsConfig{}
		}
		ch := cfg.Channels[p.Channel]
		if ch == nil {
			ch = &config.ChannelConfig{}
			cfg.Channels[p.Channel] = ch
		}
		ch.Enabled = true
		if p.Token != "" {
			ch.Token = p.Token
		}
		if err := config.Save(cfgPath, cfg); err != nil {
			return nil, err
		}
		return map[string]any{"channel": p.Channel, "restartRequired": true}, nil
	})
	r.Register(protocol.MethodChannelsLogout, func(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, error) {
		var p struct {
			Channel string `json:"channel"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.Channel == "" {
			return nil, protocol.NewError(protocol.KindConfig, "", "channels.logout requires a channel")
		}
		ch := cfg.Channels[p.Channel]
		if ch == nil {
			return nil, protocol.NewError(protocol.KindConfig, "", "channel "+p.Channel+" is not configured")
		}
		ch.Enabled = false
		ch.Token = ""
		if err := config.Save(cfgPath, cfg); err != nil {
			return nil, err
		}
		return map[string]any{"channel": p.Channel, "restartRequired": true}, nil
	})

	r.Register(protocol.MethodApprovalsAllowlistList, func(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, error) {
		return map[string]any{"programs": allow.List()}, nil
	})
	r.Register(protocol.MethodApprovalsAllowlistAdd, allowlistEdit(allow.Add))
	r.Register(protocol.MethodApprovalsAllowlistRemove, allowlistEdit(allow.Remove))

	r.Register(protocol.MethodNodesPending, func(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, error) {
		return map[string]any{"pending": pairStore.Pending()}, nil
	})
	r.Register(protocol.MethodNodesApprove, func(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, error) {
		var p protocol.PairDecision
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, protocol.NewError(protocol.KindAuth, "", "malformed approve params")
		}
		sel := p.Code
		if sel == "" {
			sel = p.DeviceID
		}
		paired, err := pairStore.Approve(sel)
		if err != nil {
			return nil, err
		}
		return paired, nil
	})
	r.Register(protocol.MethodNodesReject, func(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, error) {
		var p protocol.PairDecision
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, protocol.NewError(protocol.KindAuth, "", "malformed reject params")
		}
		sel := p.Code
		if sel == "" {
			sel = p.DeviceID
		}
		return nil, pairStore.Reject(sel)
	})
	r.Register(protocol.MethodNodesDescribe, func(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, error) {
		var p struct {
			Node string `json:"node"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.Node == "" {
			return nil, protocol.NewError(protocol.KindNodeRPC, "", "nodes.describe requires a node")
		}
		for _, info := range server.Nodes().List() {
			if info.ID == p.Node || info.Name == p.Node {
				return info, nil
			}
		}
		return nil, protocol.NewError(protocol.KindNodeRPC, protocol.CodeNodeBackgroundUnavailable,
			"node "+p.Node+" is not connected")
	})
	r.Register(protocol.MethodNodesRename, func(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, error) {
		var p struct {
			DeviceID string `json:"deviceId"`
			Name     string `json:"name"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.DeviceID == "" || p.Name == "" {
			return nil, protocol.NewError(protocol.KindNodeRPC, "", "nodes.rename requires deviceId and name")
		}
		return nil, pairStore.Rename(p.DeviceID, p.Name)
	})

	r.Register(protocol.MethodAgent, oneShotAgent(cfg, runner, server))
	r.Register(protocol.MethodAgentWait, func(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, error) {
		var p struct {
			SessionKey string `json:"sessionKey"`
			TimeoutSec int    `json:"timeoutSec,omitempty"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.SessionKey == "" {
			return nil, protocol.NewError(protocol.KindRunner, "", "agent.wait requires a sessionKey")
		}
		timeout := 60 * time.Second
		if p.TimeoutSec > 0 {
			timeout = time.Duration(p.TimeoutSec) * time.Second
		}
		state, err := server.WaitIdle(ctx, sessions.Key(p.SessionKey), timeout)
		if err != nil {
			return nil, err
		}
		return map[string]any{"sessionKey": p.SessionKey, "state": state}, nil
	})
}

func setPluginEnabled(cfg *config.Config, cfgPath string, enabled bool) gateway.MethodHandler {
	return func(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, error) {
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
			return nil, protocol.NewError(protocol.KindConfig, "", "a plugin id is required")
		}
		if cfg.Plugins.Entries == nil {
			cfg.Plugins.Entries = map[string]config.PluginEntry{}
		}
		entry := cfg.Plugins.Entries[p.ID]
		entry.Enabled = &enabled
		cfg.Plugins.Entries[p.ID] = entry
		if err := config.Save(cfgPath, cfg); err != nil {
			return nil, err
		}
		return map[string]any{"id": p.ID, "enabled": enabled, "restartRequired": true}, nil
	}
}

func allowlistEdit(op func(string) error) gateway.MethodHandler {
	return func(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, error) {
		var p struct {
			Program string `json:"program"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.Program == "" {
			return nil, protocol.NewError(protocol.KindConfig, "", "a program name is required")
		}
		if strings.ContainsAny(p.Program, " \t") {
			return nil, protocol.NewError(protocol.KindConfig, "", "allowlist entries are single program tokens")
		}
		if err := op(p.Program); err != nil {
			return nil, err
		}
		return map[string]any{"program": p.Program}, nil
	}
}

type channelRow struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Running bool   `json:"running"`
}

func channelRows(cfg *config.Config, registry *plugins.Registry) []channelRow {
	seen := map[string]bool{}
	var rows []channelRow
	for name, ch := range cfg.Channels {
		rows = append(rows, channelRow{
			Name:    name,
			Enabled: ch != nil && ch.Enabled,
			Running: registry.Channel(name) != nil,
		})
		seen[name] = true
	}
	for _, ch := range registry.Channels() {
		if !seen[ch.Name()] {
			rows = append(rows, channelRow{Name: ch.Name(), Running: true})
		}
	}
	return rows
}

// oneShotAgent runs the prompt through the runner directly, outside the
// inbound path. Used by `epiloop agent --message`; with `to` the run is
// keyed to that conversation and `deliver` sends the reply there.
func oneShotAgent(cfg *config.Config, runner agent.Runner, server *gateway.Server) gateway.MethodHandler {
	return func(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, error) {
		var p struct {
			Message    string `json:"message"`
			AgentID    string `json:"agentId,omitempty"`
			SessionKey string `json:"sessionKey,omitempty"`
			To         string `json:"to,omitempty"`
			Deliver    bool   `json:"deliver,omitempty"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.Message == "" {
			return nil, protocol.NewError(protocol.KindRunner, "", "agent requires a message")
		}
		var toChannel, toPeer string
		if p.To != "" {
			var ok bool
			toChannel, toPeer, ok = strings.Cut(p.To, ":")
			if !ok || toChannel == "" || toPeer == "" {
				return nil, protocol.NewError(protocol.KindResolution, "", "to must be <channel>:<peer-id>")
			}
		}
		if p.Deliver && p.To == "" {
			return nil, protocol.NewError(protocol.KindResolution, "", "deliver needs a to target")
		}
		agentID := p.AgentID
		if agentID == "" {
			agentID = cfg.ResolveDefaultAgentID()
		}
		key := sessions.Key(p.SessionKey)
		if key == "" && p.To != "" {
			key = sessions.Derive(toChannel, "", sessions.PeerDirect, toPeer, "")
		}
		if key == "" {
			key = sessions.Key("cli:" + uuid.NewString()[:8])
		}
		resolved := cfg.ResolveAgent(agentID)

		runCtx, cancel := context.WithTimeout(ctx, agent.DefaultRunCeiling)
		defer cancel()

		var out strings.Builder
		status, err := runner.Run(runCtx, agent.Request{
			SessionKey: key,
			Prompt:     p.Message,
			Route:      agent.Route{AgentID: agentID, Provider: resolved.Provider, Model: resolved.Model},
		}, func(b agent.Block) {
			if b.ToolCall != "" {
				return
			}
			if out.Len() > 0 && b.Text != "" {
				out.WriteString("\n\n")
			}
			out.WriteString(b.Text)
		})
		if err != nil {
			return nil, protocol.WrapError(protocol.KindRunner, "", "agent run failed", err)
		}
		delivered := false
		if p.Deliver && status.Outcome == agent.OutcomeCompleted && out.Len() > 0 {
			limit := chunker.ResolveLimit(cfg, toChannel, "", 0)
			mode := chunker.ResolveMode(cfg, toChannel)
			err := server.Deliver(ctx, protocol.Deliver{
				Channel:    toChannel,
				Peer:       protocol.Peer{Kind: "user", ID: toPeer},
				SessionKey: string(key),
				Chunks:     chunker.Chunk(out.String(), limit, mode),
			})
			if err != nil {
				return nil, err
			}
			delivered = true
		}
		return map[string]any{
			"sessionKey": string(key),
			"outcome":    status.Outcome,
			"error":      status.Error,
			"text":       out.String(),
			"delivered":  delivered,
		}, nil
	}
}
