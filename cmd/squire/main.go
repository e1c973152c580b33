// Squire is a command-line MCP client.
//
// It launches the MCP tool servers listed in mcp.json, performs the
// protocol handshake over newline-delimited JSON-RPC on stdio,
// discovers each server's tool catalog, and invokes tools on request.
// Settings are loaded from an optional YAML file discovered
// automatically (see [config.DefaultSearchPaths]); a missing file just
// means defaults.
//
// Usage:
//
//	squire tools                    List tools from every configured server
//	squire call <tool> [json-args]  Invoke one tool and print its output
//	squire init [dir]               Initialize a directory with starter files
//	squire version                  Print version and build information
//	squire -o json tools            Output the tool catalog as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nugget/squire/internal/buildinfo"
	"github.com/nugget/squire/internal/config"
	"github.com/nugget/squire/internal/connwatch"
	"github.com/nugget/squire/internal/mcp"
	"github.com/nugget/squire/internal/tools"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// every subcommand can be driven end to end from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the squire command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it aborts
//     in-flight discovery and invocation and reaps any live server
//     subprocesses.
//   - stdout receives command output (catalogs, tool results); stderr
//     receives structured logs and fatal error messages, so piped
//     output stays clean.
//   - args is os.Args[1:] — the command-line arguments after the
//     program name. We parse these manually rather than using the flag
//     package to avoid global state that interferes with parallel tests.
//
// run returns nil on success and a non-nil error for any failure. The
// caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call run()
	// concurrently from tests. Our argument surface is small enough that
	// manual parsing is clearer than bringing in a CLI framework.
	var configPath string
	var serversPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-servers" && i+1 < len(args):
			serversPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-servers="):
			serversPath = strings.TrimPrefix(args[i], "-servers=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				// Collect remaining args as subcommand arguments.
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	// Default to human-readable text output.
	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "tools":
		return runTools(ctx, stdout, stderr, configPath, serversPath, outputFmt)
	case "call":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: squire call <tool> [json-args]")
		}
		return runCall(ctx, stdout, stderr, configPath, serversPath, outputFmt, cmdArgs)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runTools handles the "squire tools" subcommand. It launches every
// configured server, discovers its tool catalog, and prints the merged
// catalog plus a per-server summary. A server that fails to launch or
// handshake becomes a line in the summary, never a fatal error.
func runTools(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, serversPath, outputFmt string) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)
	if cfgPath != "" {
		logger.Debug("config loaded", "path", cfgPath)
	}

	servers, listPath, err := loadServers(serversPath, cfg)
	if err != nil {
		return err
	}
	logger.Debug("server list loaded", "path", listPath, "servers", len(servers))

	res := mcp.NewLoader(cfg.MCP, logger).Load(ctx, servers)
	defer res.Close()

	if outputFmt == "json" {
		return writeCatalogJSON(stdout, res)
	}
	writeCatalogText(stdout, res)
	return nil
}

// runCall handles the "squire call <tool> [json-args]" subcommand. It
// discovers the configured servers, then invokes one tool by its
// qualified name. The tool's textual output goes to stdout.
//
// Exit semantics match tool-calling convention: a failure reported by
// the tool itself (or by its server) is ordinary output prefixed with
// "Error:" and exits 0. Only operator mistakes (unknown tool name,
// invalid arguments JSON, missing server list) exit 1.
func runCall(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, serversPath, outputFmt string, args []string) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	name := args[0]

	// Tolerate JSON that the shell split into several words.
	argsJSON := strings.Join(args[1:], " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	servers, _, err := loadServers(serversPath, cfg)
	if err != nil {
		return err
	}

	res := mcp.NewLoader(cfg.MCP, logger).Load(ctx, servers)
	defer res.Close()

	// Pooled sessions can outlive the discovery exchange; watch their
	// health so a server that dies mid-run is evicted and redialed
	// instead of poisoning the call. Per-call servers have no probes.
	if cfg.MCP.WatchHealth {
		connMgr := connwatch.NewManager(logger)
		defer connMgr.Stop()
		for server, probe := range res.HealthProbes() {
			connMgr.Watch(ctx, connwatch.WatcherConfig{
				Name:  server,
				Probe: probe,
			})
		}
	}

	registry := tools.NewRegistry()
	mcp.RegisterAll(registry, res.Invokers)

	out, err := registry.Execute(ctx, name, argsJSON)
	if err != nil {
		var unavailable *tools.ErrToolUnavailable
		if errors.As(err, &unavailable) {
			return fmt.Errorf("unknown tool %q (run \"squire tools\" for the catalog)", name)
		}
		return err
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]string{"tool": name, "output": out})
	}
	fmt.Fprintln(stdout, out)
	return nil
}

// catalogTool is one tool in the JSON catalog output.
type catalogTool struct {
	Name        string         `json:"name"`
	Server      string         `json:"server"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// catalogFailure is one failed server in the JSON catalog output.
type catalogFailure struct {
	Server string `json:"server"`
	Reason string `json:"reason"`
}

// catalogDoc is the "squire -o json tools" document.
type catalogDoc struct {
	Tools     []catalogTool    `json:"tools"`
	Failures  []catalogFailure `json:"failures,omitempty"`
	Attempted int              `json:"servers_attempted"`
	Succeeded int              `json:"servers_succeeded"`
}

func writeCatalogJSON(w io.Writer, res *mcp.Result) error {
	doc := catalogDoc{
		Tools:     make([]catalogTool, 0, len(res.Invokers)),
		Attempted: res.Attempted,
		Succeeded: res.Succeeded,
	}
	for _, inv := range res.Invokers {
		d := inv.Descriptor
		doc.Tools = append(doc.Tools, catalogTool{
			Name:        d.QualifiedName,
			Server:      d.Server,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	for _, f := range res.Failures {
		doc.Failures = append(doc.Failures, catalogFailure{Server: f.Server, Reason: f.Reason})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func writeCatalogText(w io.Writer, res *mcp.Result) {
	for _, inv := range res.Invokers {
		d := inv.Descriptor
		fmt.Fprintf(w, "%-36s %s\n", d.QualifiedName, d.Description)
	}
	if len(res.Invokers) > 0 {
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "%d tools from %d of %d servers\n", res.ToolCount(), res.Succeeded, res.Attempted)
	for _, f := range res.Failures {
		fmt.Fprintf(w, "  %s: %s\n", f.Server, f.Reason)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// squire is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Squire - MCP tool client")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: squire [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  tools                   List tools from every configured server")
	fmt.Fprintln(w, "  call <tool> [json-args] Invoke one tool and print its output")
	fmt.Fprintln(w, "  init [dir]              Write starter config files (default: .)")
	fmt.Fprintln(w, "  version                 Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to squire.yaml (default: auto-discover)")
	fmt.Fprintln(w, "  -servers <path>   Path to mcp.json (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Server list search order:")
	fmt.Fprintln(w, "  $SQUIRE_SERVERS, ./mcp.json, ~/.squire/mcp.json,")
	fmt.Fprintln(w, "  ~/.config/squire/mcp.json, then mcp.json at the git root")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text. All log output in Squire goes through slog; this
// helper standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// configuredLogger builds the logger described by the loaded settings.
// An unparseable log_level falls back to info rather than failing the
// command; logging is never the reason a tool call cannot run.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		if parsed, err := config.ParseLogLevel(cfg.LogLevel); err == nil {
			level = parsed
		}
	}
	return newLogger(w, level, cfg.LogFormat)
}

// loadConfig locates and parses the YAML settings file. If explicit is
// non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations; when nothing is
// found Squire runs on built-in defaults. Returns the settings, the
// path that was loaded ("" for defaults), and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	if cfgPath == "" {
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// loadServers locates and parses the mcp.json server list. The -servers
// flag wins over the servers_file setting, which wins over the default
// search paths. Unlike the settings file, a missing server list is an
// error: without it there is nothing to launch.
func loadServers(flagPath string, cfg *config.Config) ([]config.Server, string, error) {
	explicit := flagPath
	if explicit == "" {
		explicit = cfg.ServersFile
	}

	path, err := config.FindServers(explicit)
	if err != nil {
		return nil, "", err
	}

	servers, err := config.LoadServers(path)
	if err != nil {
		return nil, path, fmt.Errorf("load server list %s: %w", path, err)
	}

	return servers, path, nil
}
