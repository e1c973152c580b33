package mcp

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/squire/internal/config"
)

// SessionSource supplies sessions to invokers according to the
// configured lifetime policy and takes them back afterward.
type SessionSource interface {
	// Acquire returns a session for exclusive use until Release.
	Acquire(ctx context.Context) (*Session, error)

	// Release returns a session obtained from Acquire. err is the
	// outcome of the caller's exchange; sources discard sessions
	// whose exchange failed.
	Release(s *Session, err error)

	// Close tears down any live session held by the source.
	Close() error
}

// HealthChecker is implemented by session sources that hold live state
// worth monitoring between calls.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// NewSource builds the session source for one server under the given
// policy. Unrecognized policies get the per-call source, the safe
// default.
func NewSource(server config.Server, policy string, idle time.Duration, resolver LaunchResolver, logger *slog.Logger) SessionSource {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("mcp_server", server.Name)

	if policy == config.PolicyPooled {
		return &pooledSource{server: server, idle: idle, resolver: resolver, logger: logger}
	}
	return &perCallSource{server: server, resolver: resolver, logger: logger}
}

// openSession spawns the server subprocess and wraps it in a session.
func openSession(server config.Server, resolver LaunchResolver, logger *slog.Logger) (*Session, error) {
	transport, err := OpenProc(ProcConfig{
		Command:  server.Command,
		Args:     server.Args,
		Env:      server.Env,
		Resolver: resolver,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	return NewSession(server.Name, transport, logger), nil
}

// perCallSource opens a fresh subprocess for every acquisition and
// always tears it down on release. Highest latency, no shared state.
type perCallSource struct {
	server   config.Server
	resolver LaunchResolver
	logger   *slog.Logger
}

func (p *perCallSource) Acquire(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return openSession(p.server, p.resolver, p.logger)
}

func (p *perCallSource) Release(s *Session, _ error) {
	if s != nil {
		_ = s.Close()
	}
}

func (p *perCallSource) Close() error {
	return nil
}

// pooledSource keeps at most one live session per server. A lock held
// from Acquire to Release keeps exchanges single-writer; an idle timer
// evicts the session when it sits unused past the idle window.
type pooledSource struct {
	server   config.Server
	resolver LaunchResolver
	idle     time.Duration
	logger   *slog.Logger

	use sync.Mutex // held from Acquire to Release

	mu       sync.Mutex // guards the fields below
	sess     *Session
	timer    *time.Timer
	lastUsed time.Time
}

func (p *pooledSource) Acquire(ctx context.Context) (*Session, error) {
	p.use.Lock()

	if err := ctx.Err(); err != nil {
		p.use.Unlock()
		return nil, err
	}

	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	sess := p.sess
	p.mu.Unlock()

	if sess != nil {
		return sess, nil
	}

	sess, err := openSession(p.server, p.resolver, p.logger)
	if err != nil {
		p.use.Unlock()
		return nil, err
	}

	p.mu.Lock()
	p.sess = sess
	p.mu.Unlock()
	return sess, nil
}

func (p *pooledSource) Release(s *Session, err error) {
	p.mu.Lock()
	p.lastUsed = time.Now()

	if err != nil {
		// A failed exchange poisons the session. Evict it so the next
		// acquisition starts fresh.
		if p.sess == s {
			p.sess = nil
		}
		p.mu.Unlock()
		if s != nil {
			_ = s.Close()
		}
		p.use.Unlock()
		return
	}

	if p.sess == s && p.idle > 0 {
		p.timer = time.AfterFunc(p.idle, p.evictIdle)
	}
	p.mu.Unlock()
	p.use.Unlock()
}

// evictIdle closes the pooled session after the idle window passes
// with no acquisitions. Taking the use lock guarantees no caller holds
// the session while it runs; the staleness re-check covers a timer
// that fired while a caller was waiting.
func (p *pooledSource) evictIdle() {
	p.use.Lock()
	defer p.use.Unlock()

	p.mu.Lock()
	if p.sess == nil || time.Since(p.lastUsed) < p.idle {
		p.mu.Unlock()
		return
	}
	sess := p.sess
	p.sess = nil
	p.timer = nil
	p.mu.Unlock()

	p.logger.Debug("evicting idle MCP session")
	_ = sess.Close()
}

// CheckHealth pings the pooled session if one is live. An idle source
// holding no session is healthy. A failed ping evicts the session so
// the next call starts fresh.
func (p *pooledSource) CheckHealth(ctx context.Context) error {
	if !p.use.TryLock() {
		// A call is in flight, which is proof of life enough.
		return nil
	}
	defer p.use.Unlock()

	p.mu.Lock()
	sess := p.sess
	p.mu.Unlock()

	if sess == nil {
		return nil
	}

	err := sess.Ping(ctx)
	if err == nil {
		return nil
	}

	p.mu.Lock()
	if p.sess == sess {
		p.sess = nil
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
		}
	}
	p.mu.Unlock()
	_ = sess.Close()
	return err
}

func (p *pooledSource) Close() error {
	p.use.Lock()
	defer p.use.Unlock()

	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	sess := p.sess
	p.sess = nil
	p.mu.Unlock()

	if sess != nil {
		return sess.Close()
	}
	return nil
}
