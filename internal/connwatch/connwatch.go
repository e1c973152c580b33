// Package connwatch provides background health monitoring for pooled
// MCP sessions.
//
// A pooled session holds a live subprocess between tool calls, and
// that subprocess can die while nobody is calling it. Each Watcher
// polls one server's session source; an unhealthy session is evicted
// by the probe itself, so the next tool call redials instead of
// inheriting a dead pipe. Servers on the per-call policy hold nothing
// between calls and need no watcher.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks one server's pooled session. Return nil if healthy
// or if no session is currently held.
type ProbeFunc func(ctx context.Context) error

// Default polling cadence. Probes are cheap (a ping over an already
// open pipe), so the interval mainly bounds how long a dead session
// can linger undetected.
const (
	DefaultPollInterval = 30 * time.Second
	DefaultProbeTimeout = 5 * time.Second
)

// WatcherConfig configures one server's session watcher.
type WatcherConfig struct {
	// Name is the configured MCP server name.
	Name string

	// Probe checks session health. Must be safe for concurrent use.
	Probe ProbeFunc

	// PollInterval is the time between probes (default 30s).
	PollInterval time.Duration

	// ProbeTimeout limits each individual probe (default 5s).
	ProbeTimeout time.Duration

	// OnReady is called when the server transitions from down to
	// healthy. Called in a separate goroutine; must not block
	// indefinitely. Optional.
	OnReady func()

	// OnDown is called when the server transitions from healthy to
	// down. Called in a separate goroutine; must not block
	// indefinitely. Optional.
	OnDown func(err error)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// ServerStatus is the health status of one watched server, suitable
// for JSON serialization.
type ServerStatus struct {
	Server    string    `json:"server"`
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one server's pooled session.
type Watcher struct {
	config  WatcherConfig
	healthy atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsHealthy reports whether the server's session passed its last probe.
func (w *Watcher) IsHealthy() bool {
	return w.healthy.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServerStatus{
		Server:    w.config.Name,
		Healthy:   w.healthy.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the watcher goroutine exits.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// run polls the probe until the context is cancelled. The server is
// assumed healthy at start: a watcher only exists because discovery
// just succeeded against it.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check runs one probe and fires transition callbacks.
func (w *Watcher) check(ctx context.Context) {
	err := w.probe(ctx)
	w.recordResult(err)
	wasHealthy := w.healthy.Load()

	switch {
	case wasHealthy && err != nil:
		w.healthy.Store(false)
		w.config.Logger.Warn("MCP session unhealthy",
			"mcp_server", w.config.Name,
			"error", err,
		)
		if w.config.OnDown != nil {
			go w.config.OnDown(err)
		}
	case !wasHealthy && err == nil:
		w.healthy.Store(true)
		w.config.Logger.Info("MCP server healthy again",
			"mcp_server", w.config.Name,
		)
		if w.config.OnReady != nil {
			go w.config.OnReady()
		}
	case !wasHealthy && err != nil:
		w.config.Logger.Debug("MCP server still unhealthy",
			"mcp_server", w.config.Name,
			"error", err,
		)
	}
}

// probe calls the configured ProbeFunc with a timeout.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.ProbeTimeout)
	defer cancel()

	return w.config.Probe(probeCtx)
}

// recordResult stores the probe outcome under the mutex.
func (w *Watcher) recordResult(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// Manager coordinates the watchers for all pooled servers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a session watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers and starts a new server watcher. The watcher runs in
// a background goroutine until ctx is cancelled or Stop is called.
//
// Panics if Name is empty or Probe is nil — these are programming errors
// that should be caught during development, not silently ignored at runtime.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	w.healthy.Store(true)

	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	return w
}

// Status returns the health status of all watched servers.
func (m *Manager) Status() map[string]ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServerStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
