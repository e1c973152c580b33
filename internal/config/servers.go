package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Server describes one MCP server: how to launch it and under which
// name its tools are published. Immutable once loaded.
type Server struct {
	// Name is the unique key from mcp.json, used to qualify tool names.
	Name string

	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are environment overrides merged over the inherited process
	// environment. Empty means inherit unchanged.
	Env map[string]string
}

// serverEntry is the on-disk shape of one mcp.json server block.
type serverEntry struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
}

// serversFile is the on-disk shape of mcp.json. The key under
// mcpServers is the server name.
type serversFile struct {
	MCPServers map[string]serverEntry `json:"mcpServers"`
}

// DefaultServerPaths returns the mcp.json search order: $SQUIRE_SERVERS
// if set, then ./mcp.json, ~/.squire/mcp.json, ~/.config/squire/mcp.json,
// and finally an mcp.json at the enclosing git repository root.
func DefaultServerPaths() []string {
	var paths []string

	if p := os.Getenv("SQUIRE_SERVERS"); p != "" {
		paths = append(paths, p)
	}

	paths = append(paths, "mcp.json")

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".squire", "mcp.json"),
			filepath.Join(home, ".config", "squire", "mcp.json"),
		)
	}

	if root := gitRoot(); root != "" {
		paths = append(paths, filepath.Join(root, "mcp.json"))
	}

	return paths
}

// gitRoot walks up from the working directory looking for a .git
// directory. Returns "" when none is found.
func gitRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// FindServers locates the mcp.json server list. If explicit is
// non-empty, that exact path is used and must exist. Otherwise the
// first existing path from DefaultServerPaths wins. Returns an error
// when nothing is found: without a server list there is nothing to do.
func FindServers(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("server list not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultServerPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no mcp.json found (searched: %v)", DefaultServerPaths())
}

// LoadServers reads and validates an mcp.json file. Servers are
// returned sorted by name: JSON object order is not recoverable, and
// the configured order is insignificant anyway (no cross-server
// dependency), so alphabetical keeps output deterministic.
func LoadServers(path string) ([]Server, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f serversFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	servers := make([]Server, 0, len(f.MCPServers))
	for name, entry := range f.MCPServers {
		if name == "" {
			return nil, fmt.Errorf("%s: server with empty name", path)
		}
		if entry.Command == "" {
			return nil, fmt.Errorf("%s: server %q: command is required", path, name)
		}
		servers = append(servers, Server{
			Name:    name,
			Command: entry.Command,
			Args:    entry.Args,
			Env:     entry.Env,
		})
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Name < servers[j].Name })
	return servers, nil
}
