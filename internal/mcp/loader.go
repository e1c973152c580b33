package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/nugget/squire/internal/config"
)

// Failure records why one server's discovery failed.
type Failure struct {
	Server string
	Reason string
}

// Result aggregates discovery across all configured servers.
type Result struct {
	// Invokers holds one entry per discovered tool, grouped by server
	// in the configured server order.
	Invokers []*Invoker

	// Failures lists servers whose discovery failed, with reasons.
	Failures []Failure

	// Attempted and Succeeded count servers, not tools.
	Attempted int
	Succeeded int

	sources map[string]SessionSource
}

// ToolCount returns the number of discovered tools.
func (r *Result) ToolCount() int {
	return len(r.Invokers)
}

// Close releases every live session held by the loaded tools. With the
// per-call policy there is nothing live between calls and this is a
// no-op.
func (r *Result) Close() error {
	var firstErr error
	for _, src := range r.sources {
		if err := src.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// HealthProbes returns a liveness probe per server whose session
// source holds state between calls. Servers on the per-call policy
// have nothing to monitor and are omitted.
func (r *Result) HealthProbes() map[string]func(context.Context) error {
	probes := make(map[string]func(context.Context) error)
	for name, src := range r.sources {
		if hc, ok := src.(HealthChecker); ok {
			probes[name] = hc.CheckHealth
		}
	}
	return probes
}

// Loader discovers tools across configured MCP servers.
type Loader struct {
	settings config.MCPSettings
	resolver LaunchResolver
	logger   *slog.Logger
}

// NewLoader creates a loader with the given session settings.
func NewLoader(settings config.MCPSettings, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		settings: settings,
		resolver: DefaultResolver,
		logger:   logger,
	}
}

// serverOutcome is one server's discovery result.
type serverOutcome struct {
	server   string
	invokers []*Invoker
	source   SessionSource
	failure  *Failure
}

// Load connects to every server, discovers its catalog, and binds each
// discovered tool to an invoker. Servers are processed concurrently;
// one server's failure never aborts the others, it becomes a per-server
// entry in the result instead.
func (l *Loader) Load(ctx context.Context, servers []config.Server) *Result {
	outcomes := make([]serverOutcome, len(servers))

	var wg sync.WaitGroup
	for i, srv := range servers {
		i, srv := i, srv
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = l.loadServer(ctx, srv)
		}()
	}
	wg.Wait()

	res := &Result{
		Attempted: len(servers),
		sources:   make(map[string]SessionSource),
	}
	for _, out := range outcomes {
		if out.failure != nil {
			res.Failures = append(res.Failures, *out.failure)
			continue
		}
		res.Succeeded++
		res.Invokers = append(res.Invokers, out.invokers...)
		if out.source != nil {
			res.sources[out.server] = out.source
		}
	}

	l.logger.Info("MCP discovery complete",
		"servers_attempted", res.Attempted,
		"servers_succeeded", res.Succeeded,
		"tools_discovered", res.ToolCount(),
	)
	for _, f := range res.Failures {
		l.logger.Warn("MCP server failed discovery", "mcp_server", f.Server, "reason", f.Reason)
	}

	return res
}

// loadServer builds the catalog for a single server and binds its
// tools to invokers. The discovery session comes from the server's
// session source, so under the pooled policy it stays alive for the
// first tool call.
func (l *Loader) loadServer(ctx context.Context, srv config.Server) serverOutcome {
	logger := l.logger.With("mcp_server", srv.Name)

	policy := l.settings.PolicyFor(srv.Name)
	source := NewSource(srv, policy, l.settings.PoolIdle(), l.resolver, l.logger)

	sess, err := source.Acquire(ctx)
	if err != nil {
		_ = source.Close()
		return serverOutcome{server: srv.Name, failure: &Failure{Server: srv.Name, Reason: err.Error()}}
	}

	defs, err := l.discover(ctx, sess)
	source.Release(sess, err)
	if err != nil {
		_ = source.Close()
		return serverOutcome{server: srv.Name, failure: &Failure{Server: srv.Name, Reason: err.Error()}}
	}

	override := l.settings.OverrideFor(srv.Name)
	var invokers []*Invoker
	for _, td := range defs {
		if !allowTool(td.Name, override) {
			logger.Debug("filtered MCP tool", "tool", td.Name)
			continue
		}

		desc := ToolDescriptor{
			QualifiedName: QualifyName(srv.Name, td.Name),
			RawName:       td.Name,
			Server:        srv.Name,
			Description:   td.Description,
			InputSchema:   td.InputSchema,
		}
		if desc.Description == "" {
			desc.Description = fmt.Sprintf("Tool %s from %s", td.Name, srv.Name)
		}

		invokers = append(invokers, NewInvoker(desc, source,
			l.settings.HandshakeTimeout(), l.settings.CallTimeout(), l.logger))
	}

	return serverOutcome{server: srv.Name, invokers: invokers, source: source}
}

// discover drives the handshake and catalog retrieval, each under its
// own deadline.
func (l *Loader) discover(ctx context.Context, sess *Session) ([]ToolDefinition, error) {
	hsCtx, cancel := context.WithTimeout(ctx, l.settings.HandshakeTimeout())
	err := sess.Handshake(hsCtx)
	cancel()
	if err != nil {
		return nil, err
	}

	listCtx, cancel := context.WithTimeout(ctx, l.settings.ListTimeout())
	defer cancel()
	return sess.ListTools(listCtx)
}

// allowTool applies a server's include/exclude filters to a raw tool
// name. A non-empty include list wins over exclude.
func allowTool(name string, o config.ServerOverride) bool {
	if len(o.IncludeTools) > 0 {
		return slices.Contains(o.IncludeTools, name)
	}
	return !slices.Contains(o.ExcludeTools, name)
}
