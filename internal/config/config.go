// Package config holds the gateway configuration schema, the JSON5 loader,
// and state-directory resolution.
package config

import (
	"sync"
)

// Config is the root configuration for the clawdbot gateway.
type Config struct {
	Session   SessionConfig            `json:"session"`
	Agent     AgentConfig              `json:"agent"`
	Agents    AgentsConfig             `json:"agents,omitempty"`
	Tools     ToolsConfig              `json:"tools"`
	Gateway   GatewayConfig            `json:"gateway"`
	Channels  map[string]ChannelConfig `json:"channels,omitempty"`
	Hooks     HooksConfig              `json:"hooks,omitempty"`
	Plugins   PluginsConfig            `json:"plugins,omitempty"`
	Cron      CronConfig               `json:"cron,omitempty"`
	Telemetry TelemetryConfig          `json:"telemetry,omitempty"`
	UI        UIConfig                 `json:"ui,omitempty"`
	Talk      TalkConfig               `json:"talk,omitempty"`
	mu        sync.RWMutex
}

// SessionConfig controls session key scoping and the session store location.
type SessionConfig struct {
	MainKey string `json:"mainKey,omitempty"` // default "main"
	Scope   string `json:"scope,omitempty"`   // "per-sender" (default) or "global"
	Store   string `json:"store,omitempty"`   // override path for sessions/<agentId>.json
}

// AgentConfig holds defaults for agent runs.
type AgentConfig struct {
	TimeoutSeconds int            `json:"timeoutSeconds,omitempty"` // wall clock per turn (default 600)
	MaxConcurrent  int            `json:"maxConcurrent,omitempty"`  // 0 = unbounded; >0 caps turns via the global lane
	UserTimezone   string         `json:"userTimezone,omitempty"`   // IANA tz for user-time in the system prompt
	Model          ModelConfig    `json:"model,omitempty"`
	Bash           BashConfig     `json:"bash,omitempty"`
	Sandbox        SandboxConfig  `json:"sandbox,omitempty"`
	Defaults       AgentRunTuning `json:"defaults,omitempty"`
}

// ModelConfig names the primary model and ordered fallbacks.
type ModelConfig struct {
	Primary   string   `json:"primary,omitempty"`
	Fallbacks []string `json:"fallbacks,omitempty"`
}

// BashConfig controls elevated (host, non-sandboxed) shell execution.
type BashConfig struct {
	Elevated ElevatedConfig `json:"elevated,omitempty"`
}

// ElevatedConfig gates elevated shell runs per agent.
type ElevatedConfig struct {
	Enabled      bool     `json:"enabled,omitempty"`
	Allowed      []string `json:"allowed,omitempty"`      // agent ids allowed to elevate
	DefaultLevel string   `json:"defaultLevel,omitempty"` // "off", "ask", "on"
}

// SandboxConfig selects which sessions run tools in a sandbox.
type SandboxConfig struct {
	Mode string `json:"mode,omitempty"` // "off" (default) or "non-main"
}

// AgentRunTuning holds per-run tunables shared by all agents.
type AgentRunTuning struct {
	Subagents SubagentsConfig `json:"subagents,omitempty"`
	// BlockReplyBreak sets where mid-turn block replies are pushed:
	// "text_end" (paragraph boundaries, the default) or "message_end"
	// (one block per assistant message).
	BlockReplyBreak string `json:"blockReplyBreak,omitempty"`
}

// SubagentsConfig tunes subagent announce behaviour.
type SubagentsConfig struct {
	AnnounceTimeoutMs int `json:"announceTimeoutMs,omitempty"` // default 60_000
}

// AgentsConfig allows per-agent overrides on top of AgentConfig.
type AgentsConfig struct {
	List map[string]AgentSpec `json:"list,omitempty"`
}

// AgentSpec is a per-agent override. Zero values inherit from Agent defaults.
type AgentSpec struct {
	DisplayName string   `json:"displayName,omitempty"`
	Model       string   `json:"model,omitempty"`
	Fallbacks   []string `json:"fallbacks,omitempty"`
	Workspace   string   `json:"workspace,omitempty"`
	Default     bool     `json:"default,omitempty"`
}

// ToolsConfig controls the exec policy engine.
type ToolsConfig struct {
	Exec ExecConfig `json:"exec,omitempty"`
}

// ExecConfig selects the shell security posture.
type ExecConfig struct {
	Security string `json:"security,omitempty"` // "full", "allowlist" (default), "deny"
	Ask      string `json:"ask,omitempty"`      // "off", "on-miss" (default), "always"
	SafeBins []string `json:"safeBins,omitempty"` // extra binaries treated as analysis-safe
}

// GatewayConfig controls the WebSocket control plane.
type GatewayConfig struct {
	Port      int             `json:"port,omitempty"` // default 18789
	Bind      string          `json:"bind,omitempty"` // "loopback" (default), "tailnet", "auto"
	Token     string          `json:"-"`              // from env CLAWDBOT_GATEWAY_TOKEN or state file only
	Auth      GatewayAuth     `json:"auth,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`
	// RateLimitRPM > 0 enables per-client request limiting.
	RateLimitRPM int `json:"rateLimitRpm,omitempty"`
}

// GatewayAuth selects how peers authenticate.
type GatewayAuth struct {
	Mode string `json:"mode,omitempty"` // "password", "tailscale-identity", "password-or-tailscale"
}

// TailscaleConfig controls tsnet exposure. Funnel requires password auth.
type TailscaleConfig struct {
	Mode     string `json:"mode,omitempty"` // "off" (default), "serve", "funnel"
	Hostname string `json:"hostname,omitempty"`
	StateDir string `json:"stateDir,omitempty"`
	AuthKey  string `json:"-"` // from env TS_AUTHKEY only
}

// ChannelConfig is the per-channel messaging configuration.
type ChannelConfig struct {
	Enabled     bool             `json:"enabled,omitempty"`
	DMPolicy    string           `json:"dmPolicy,omitempty"` // "pairing" (default) or "open"
	AllowFrom   []string         `json:"allowFrom,omitempty"`
	Groups      map[string]Group `json:"groups,omitempty"`
	DM          DMConfig         `json:"dm,omitempty"`
	BotToken    string           `json:"-"` // from env (TELEGRAM_BOT_TOKEN, DISCORD_BOT_TOKEN, ...)
	Activation  string           `json:"activation,omitempty"` // group default: "mention" or "always"
}

// Group configures one group chat.
type Group struct {
	Activation string `json:"activation,omitempty"` // "mention" (default) or "always"
}

// DMConfig scopes DM admission separately from the channel allowlist.
type DMConfig struct {
	AllowFrom []string `json:"allowFrom,omitempty"`
}

// HooksConfig enables plugin hooks.
type HooksConfig struct {
	Enabled bool        `json:"enabled,omitempty"`
	Gmail   GmailConfig `json:"gmail,omitempty"`
}

// GmailConfig selects the account for the gmail hook.
type GmailConfig struct {
	Account string `json:"account,omitempty"`
}

// PluginsConfig gates which plugins load.
type PluginsConfig struct {
	Enabled bool                   `json:"enabled,omitempty"`
	Allow   []string               `json:"allow,omitempty"`
	Deny    []string               `json:"deny,omitempty"`
	Entries map[string]PluginEntry `json:"entries,omitempty"`
}

// PluginEntry toggles one plugin.
type PluginEntry struct {
	Enabled *bool `json:"enabled,omitempty"`
}

// CronConfig tunes the scheduler.
type CronConfig struct {
	// MaxConcurrentRuns bounds simultaneously executing jobs (default 4).
	MaxConcurrentRuns int `json:"maxConcurrentRuns,omitempty"`
}

// TelemetryConfig configures optional OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"serviceName,omitempty"` // default "clawdbot-gateway"
}

// UIConfig holds control-UI cosmetics that ride through config.get/set.
type UIConfig struct {
	SeamColor string `json:"seamColor,omitempty"` // "#RRGGBB"
}

// TalkConfig maps voice alias names to provider voice ids.
type TalkConfig struct {
	VoiceAliases map[string]string `json:"voiceAliases,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used by the fsnotify reload path so long-lived holders see the new values.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Session = src.Session
	c.Agent = src.Agent
	c.Agents = src.Agents
	c.Tools = src.Tools
	c.Gateway = src.Gateway
	c.Channels = src.Channels
	c.Hooks = src.Hooks
	c.Plugins = src.Plugins
	c.Cron = src.Cron
	c.Telemetry = src.Telemetry
	c.UI = src.UI
	c.Talk = src.Talk
}

// MainSessionKey returns the configured main key, defaulting to "main".
func (c *Config) MainSessionKey() string {
	if c.Session.MainKey != "" {
		return c.Session.MainKey
	}
	return "main"
}

// DefaultAgentID resolves the default agent id from the agents list.
func (c *Config) DefaultAgentID() string {
	for id, spec := range c.Agents.List {
		if spec.Default {
			return id
		}
	}
	return "main"
}

// AgentTimeout returns the per-turn wall clock budget in seconds.
func (c *Config) AgentTimeout() int {
	if c.Agent.TimeoutSeconds > 0 {
		return c.Agent.TimeoutSeconds
	}
	return 600
}

// AnnounceTimeoutMs returns the subagent announce timeout (default 60s).
func (c *Config) AnnounceTimeoutMs() int {
	if v := c.Agent.Defaults.Subagents.AnnounceTimeoutMs; v > 0 {
		return v
	}
	return 60_000
}

// BlockReplyBreak returns the configured block boundary (default text_end).
func (c *Config) BlockReplyBreak() string {
	if v := c.Agent.Defaults.BlockReplyBreak; v != "" {
		return v
	}
	return "text_end"
}

// ChannelFor returns the config for a channel id, zero value when absent.
func (c *Config) ChannelFor(id string) ChannelConfig {
	if c.Channels == nil {
		return ChannelConfig{}
	}
	return c.Channels[id]
}
