// Package config handles Squire configuration loading: the optional
// squire.yaml settings file and the mcp.json server list.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the settings file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./squire.yaml, ~/.config/squire/squire.yaml, /etc/squire/squire.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"squire.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "squire", "squire.yaml"))
	}

	paths = append(paths, "/etc/squire/squire.yaml")
	return paths
}

// FindConfig locates a settings file. If explicit is non-empty, it must
// exist. Otherwise, searches DefaultSearchPaths and returns the first
// that exists. Returns "" (and no error) when nothing is found: Squire
// runs fine on defaults; only an explicit path that is missing is an error.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", nil
}

// Config holds all Squire configuration.
type Config struct {
	// ServersFile is an explicit path to the mcp.json server list.
	// Empty means auto-discover (see FindServers).
	ServersFile string `yaml:"servers_file"`

	MCP       MCPSettings `yaml:"mcp"`
	LogLevel  string      `yaml:"log_level"`
	LogFormat string      `yaml:"log_format"` // "text" (default) or "json"
}

// MCPSettings controls session behavior for all MCP servers, with
// optional per-server overrides keyed by server name.
type MCPSettings struct {
	// SessionPolicy selects how sessions are managed: "per_call"
	// (fresh subprocess per tool invocation, the safe default) or
	// "pooled" (one live session per server, reused across calls).
	SessionPolicy string `yaml:"session_policy"`

	// HandshakeTimeoutSec bounds the initialize exchange. Server
	// startup cost dominates here, so this runs longer than the
	// steady-state timeouts (default 10).
	HandshakeTimeoutSec int `yaml:"handshake_timeout_sec"`

	// ListTimeoutSec bounds the tools/list exchange (default 8).
	ListTimeoutSec int `yaml:"list_timeout_sec"`

	// CallTimeoutSec bounds each tools/call exchange (default 5).
	CallTimeoutSec int `yaml:"call_timeout_sec"`

	// PoolIdleSec is how long a pooled session may sit unused before
	// it is closed and its subprocess reaped (default 90).
	PoolIdleSec int `yaml:"pool_idle_sec"`

	// WatchHealth enables background ping probes for pooled sessions.
	// Unhealthy sessions are evicted so the next call redials.
	WatchHealth bool `yaml:"watch_health"`

	// Servers holds per-server overrides keyed by the server name
	// from mcp.json.
	Servers map[string]ServerOverride `yaml:"servers"`
}

// ServerOverride tunes one named server beyond its mcp.json entry.
type ServerOverride struct {
	// SessionPolicy overrides the global policy for this server.
	SessionPolicy string `yaml:"session_policy"`

	// IncludeTools limits discovery to these raw tool names. Empty
	// means all tools.
	IncludeTools []string `yaml:"include_tools"`

	// ExcludeTools skips these raw tool names during discovery.
	// Ignored when IncludeTools is non-empty.
	ExcludeTools []string `yaml:"exclude_tools"`
}

// Policy names accepted by MCPSettings.SessionPolicy.
const (
	PolicyPerCall = "per_call"
	PolicyPooled  = "pooled"
)

// Default exchange timeouts, applied when the settings file leaves
// them unset. The handshake bound runs longer than the steady-state
// bounds because server startup cost dominates it.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultListTimeout      = 8 * time.Second
	DefaultCallTimeout      = 5 * time.Second
	DefaultPoolIdle         = 90 * time.Second
)

// HandshakeTimeout returns the initialize timeout as a duration,
// falling back to the default when unset.
func (m MCPSettings) HandshakeTimeout() time.Duration {
	return secondsOr(m.HandshakeTimeoutSec, DefaultHandshakeTimeout)
}

// ListTimeout returns the tools/list timeout as a duration.
func (m MCPSettings) ListTimeout() time.Duration {
	return secondsOr(m.ListTimeoutSec, DefaultListTimeout)
}

// CallTimeout returns the tools/call timeout as a duration.
func (m MCPSettings) CallTimeout() time.Duration {
	return secondsOr(m.CallTimeoutSec, DefaultCallTimeout)
}

// PoolIdle returns the pooled-session idle eviction interval.
func (m MCPSettings) PoolIdle() time.Duration {
	return secondsOr(m.PoolIdleSec, DefaultPoolIdle)
}

// PolicyFor resolves the effective session policy for a server,
// applying the per-server override when present. Unrecognized values
// fall back to PolicyPerCall.
func (m MCPSettings) PolicyFor(server string) string {
	p := m.SessionPolicy
	if ov, ok := m.Servers[server]; ok && ov.SessionPolicy != "" {
		p = ov.SessionPolicy
	}
	if p != PolicyPooled {
		return PolicyPerCall
	}
	return PolicyPooled
}

// OverrideFor returns the per-server override for a name, or the zero
// value when none is configured.
func (m MCPSettings) OverrideFor(server string) ServerOverride {
	return m.Servers[server]
}

func secondsOr(sec int, fallback time.Duration) time.Duration {
	if sec <= 0 {
		return fallback
	}
	return time.Duration(sec) * time.Second
}

// Load reads configuration from a YAML file. Environment variables in
// the file body are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if cfg.MCP.SessionPolicy != "" &&
		cfg.MCP.SessionPolicy != PolicyPerCall &&
		cfg.MCP.SessionPolicy != PolicyPooled {
		return nil, fmt.Errorf("unknown session_policy %q (valid: %s, %s)",
			cfg.MCP.SessionPolicy, PolicyPerCall, PolicyPooled)
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		MCP: MCPSettings{
			SessionPolicy: PolicyPerCall,
		},
	}
}
