package config

import (
	"encoding/json"
	"sync"
)

// Config is the root configuration for an Epiloop gateway instance.
// One instance of this struct is shared across subsystems; mutation goes
// through ReplaceFrom so hot reload never races readers.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Discovery DiscoveryConfig `json:"discovery,omitempty"`
	Channels  ChannelsConfig  `json:"channels,omitempty"`
	Agents    AgentsConfig    `json:"agents"`
	Plugins   PluginsConfig   `json:"plugins,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`

	mu sync.RWMutex
}

// GatewayConfig configures the listener, bind mode, auth and TLS.
type GatewayConfig struct {
	Port        int    `json:"port"`
	Bind        string `json:"bind,omitempty"`      // loopback|tailnet|all
	Tailscale   string `json:"tailscale,omitempty"` // off|serve|funnel
	DisplayName string `json:"displayName,omitempty"`

	Auth GatewayAuthConfig `json:"auth,omitempty"`
	TLS  TLSConfig         `json:"tls,omitempty"`

	// HTTP surfaces multiplexed on the same listener.
	HTTP HTTPConfig `json:"http,omitempty"`

	// Connect attempts per minute per remote; 0 disables limiting.
	RateLimitRPM int `json:"rateLimitRpm,omitempty"`
}

// Bind modes.
const (
	BindLoopback = "loopback"
	BindTailnet  = "tailnet"
	BindAll      = "all"
)

// Tailscale exposure modes.
const (
	TailscaleOff    = "off"
	TailscaleServe  = "serve"
	TailscaleFunnel = "funnel"
)

// GatewayAuthConfig declares how connecting clients authenticate.
type GatewayAuthConfig struct {
	Mode     string `json:"mode,omitempty"` // none|token|password
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
	// AllowTailscale overrides the default tailscale-header acceptance.
	AllowTailscale *bool `json:"allowTailscale,omitempty"`
}

// Auth modes.
const (
	AuthModeNone     = "none"
	AuthModeToken    = "token"
	AuthModePassword = "password"
)

// TLSConfig enables TLS on the multiplexed listener.
type TLSConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	CertFile string `json:"certFile,omitempty"`
	KeyFile  string `json:"keyFile,omitempty"`
}

// HTTPConfig toggles HTTP endpoints served next to the WebSocket.
type HTTPConfig struct {
	ChatCompletions bool `json:"chatCompletions,omitempty"`
}

// DiscoveryConfig controls LAN and wide-area service advertisement.
type DiscoveryConfig struct {
	// Disabled turns off the mDNS announcement. EPILOOP_DISABLE_BONJOUR=1
	// has the same effect without touching the config.
	Disabled bool           `json:"disabled,omitempty"`
	WideArea WideAreaConfig `json:"wideArea,omitempty"`
}

// WideAreaConfig enables the unicast DNS-SD zone for tailnet browse.
type WideAreaConfig struct {
	Enabled bool `json:"enabled,omitempty"`
}

// ChannelsConfig holds per-channel settings keyed by channel name
// ("whatsapp", "telegram", "slack", ...).
type ChannelsConfig map[string]*ChannelConfig

// ChannelConfig is one channel's settings plus per-account overrides.
type ChannelConfig struct {
	Enabled bool `json:"enabled,omitempty"`

	// Outbound text chunking. Limit 0 means "use the caller fallback".
	ChunkLimit int    `json:"chunkLimit,omitempty"`
	ChunkMode  string `json:"chunkMode,omitempty"` // length (default) | newline (bluebubbles only)

	Heartbeat *VisibilityConfig `json:"heartbeat,omitempty"`
	TableMode string            `json:"tableMode,omitempty"` // plain|unicode|html
	// ReplyTo maps "<groupId>" or "<groupId>:<topic>" to mention|quote|none.
	ReplyTo map[string]string `json:"replyTo,omitempty"`

	Accounts map[string]*AccountConfig `json:"accounts,omitempty"`

	// Plugin credential material (bot tokens etc.). Masked in surfaces.
	Token string `json:"token,omitempty"`
}

// AccountConfig overrides channel settings for one account.
type AccountConfig struct {
	ChunkLimit int               `json:"chunkLimit,omitempty"`
	Heartbeat  *VisibilityConfig `json:"heartbeat,omitempty"`
	TableMode  string            `json:"tableMode,omitempty"`
}

// VisibilityConfig is one layer of the heartbeat visibility merge.
// Nil pointers mean "inherit from the next layer".
type VisibilityConfig struct {
	ShowOK       *bool `json:"showOk,omitempty"`
	ShowAlerts   *bool `json:"showAlerts,omitempty"`
	UseIndicator *bool `json:"useIndicator,omitempty"`
}

// AgentsConfig contains agent defaults, the agent list and routing bindings.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
	Bindings []AgentBinding       `json:"bindings,omitempty"`
}

// AgentDefaults apply to every agent unless overridden per agent.
type AgentDefaults struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	// Command is the external agent program invoked per run; the prompt
	// arrives on stdin and blocks stream back on stdout.
	Command []string `json:"command,omitempty"`
	// RunCeiling caps a single agent run ("2h" default).
	RunCeiling string           `json:"runCeiling,omitempty"`
	Heartbeat  *HeartbeatConfig `json:"heartbeat,omitempty"`
}

// HeartbeatConfig schedules periodic agent heartbeats.
type HeartbeatConfig struct {
	Every string `json:"every,omitempty"` // duration string; "0m" disables
}

// AgentSpec is a per-agent override; zero values inherit from defaults.
type AgentSpec struct {
	DisplayName string `json:"displayName,omitempty"`
	Provider    string `json:"provider,omitempty"`
	Model       string `json:"model,omitempty"`
	Default     bool   `json:"default,omitempty"`
}

// AgentBinding routes inbound conversations to a specific agent.
type AgentBinding struct {
	AgentID string       `json:"agentId"`
	Match   BindingMatch `json:"match"`
}

// BindingMatch narrows which inbound messages a binding applies to.
type BindingMatch struct {
	Channel   string       `json:"channel"`
	AccountID string       `json:"accountId,omitempty"`
	Peer      *BindingPeer `json:"peer,omitempty"`
}

// BindingPeer pins a binding to one conversation.
type BindingPeer struct {
	Kind string `json:"kind"` // user|group|channel
	ID   string `json:"id"`
}

// PluginsConfig enables plugins and carries their per-plugin config blobs.
type PluginsConfig struct {
	Entries map[string]PluginEntry `json:"entries,omitempty"`
}

// PluginEntry is one plugin's enablement and opaque config.
type PluginEntry struct {
	Enabled *bool           `json:"enabled,omitempty"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // grpc (default) | http
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"serviceName,omitempty"`
}

// DefaultAgentID is used when no agent is marked default.
const DefaultAgentID = "default"

// Channel returns the channel config, or nil when unset.
func (c *Config) Channel(name string) *ChannelConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Channels[name]
}

// ResolveDefaultAgentID returns the agent marked default, else "default".
func (c *Config) ResolveDefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, spec := range c.Agents.List {
		if spec.Default {
			return id
		}
	}
	return DefaultAgentID
}

// ResolveAgent merges defaults with the per-agent override.
func (c *Config) ResolveAgent(agentID string) AgentDefaults {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d := c.Agents.Defaults
	if spec, ok := c.Agents.List[agentID]; ok {
		if spec.Provider != "" {
			d.Provider = spec.Provider
		}
		if spec.Model != "" {
			d.Model = spec.Model
		}
	}
	return d
}

// ReplaceFrom copies all data fields from src, preserving c's mutex.
// Used by hot reload after the replacement config validated cleanly.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = src.Gateway
	c.Discovery = src.Discovery
	c.Channels = src.Channels
	c.Agents = src.Agents
	c.Plugins = src.Plugins
	c.Telemetry = src.Telemetry
}

// BrowserControlPort derives the browser-control port from the base port.
func (g GatewayConfig) BrowserControlPort() int { return g.Port + 2 }

// CanvasPort derives the canvas port from the base port.
func (g GatewayConfig) CanvasPort() int { return g.Port + 4 }

// CDPPortRange derives the CDP pool range from the base port.
// Profiles must keep base ports at least ProfilePortSpacing apart so these
// derived ports never collide.
func (g GatewayConfig) CDPPortRange() (lo, hi int) { return g.Port + 11, g.Port + 110 }
