package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

// fastConfig returns a watcher config that polls quickly for tests.
func fastConfig(name string, probe ProbeFunc) WatcherConfig {
	return WatcherConfig{
		Name:         name,
		Probe:        probe,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func TestWatcherStartsHealthy(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := fastConfig("files", func(ctx context.Context) error { return nil })
	cfg.PollInterval = time.Hour // never polls during the test

	m := NewManager(slog.Default())
	w := m.Watch(ctx, cfg)

	// Discovery just succeeded, so the watcher starts healthy before
	// its first probe.
	if !w.IsHealthy() {
		t.Error("expected IsHealthy() == true before the first probe")
	}
	if w.LastError() != nil {
		t.Errorf("expected nil LastError, got %v", w.LastError())
	}
}

func TestWatcherDetectsDeadSession(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errDead := errors.New("server disconnected")
	downCh := make(chan error, 1)

	cfg := fastConfig("files", func(ctx context.Context) error { return errDead })
	cfg.OnDown = func(err error) { downCh <- err }

	m := NewManager(slog.Default())
	w := m.Watch(ctx, cfg)

	select {
	case err := <-downCh:
		if !errors.Is(err, errDead) {
			t.Errorf("OnDown got %v, want the probe error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnDown never fired for a failing probe")
	}

	if w.IsHealthy() {
		t.Error("expected IsHealthy() == false after a failed probe")
	}
	if w.LastError() == nil {
		t.Error("expected non-nil LastError")
	}
}

func TestWatcherRecovers(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errDead := errors.New("dead session")
	var shouldFail atomic.Bool
	shouldFail.Store(true)

	downCh := make(chan error, 1)
	readyCh := make(chan struct{}, 1)

	cfg := fastConfig("files", func(ctx context.Context) error {
		if shouldFail.Load() {
			return errDead
		}
		return nil
	})
	cfg.OnDown = func(err error) { downCh <- err }
	cfg.OnReady = func() { readyCh <- struct{}{} }

	m := NewManager(slog.Default())
	w := m.Watch(ctx, cfg)

	select {
	case <-downCh:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDown never fired")
	}

	// The probe evicted the dead session; a healthy source follows.
	shouldFail.Store(false)

	select {
	case <-readyCh:
	case <-time.After(2 * time.Second):
		t.Fatal("OnReady never fired after recovery")
	}

	if !w.IsHealthy() {
		t.Error("expected IsHealthy() == true after recovery")
	}
}

func TestWatcherNoCallbacksWhileHealthy(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var readyCalled atomic.Int32

	cfg := fastConfig("files", func(ctx context.Context) error { return nil })
	cfg.OnReady = func() { readyCalled.Add(1) }

	m := NewManager(slog.Default())
	m.Watch(ctx, cfg)

	// Let several poll cycles pass.
	time.Sleep(50 * time.Millisecond)

	// A watcher that starts healthy and stays healthy never transitions.
	if n := readyCalled.Load(); n != 0 {
		t.Errorf("OnReady called %d times, want 0", n)
	}
}

func TestWatcherProbeTimeout(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Blocks until the per-probe deadline expires.
	probe := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	downCh := make(chan error, 1)
	cfg := fastConfig("files", probe)
	cfg.ProbeTimeout = 5 * time.Millisecond
	cfg.OnDown = func(err error) { downCh <- err }

	m := NewManager(slog.Default())
	w := m.Watch(ctx, cfg)

	select {
	case err := <-downCh:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("OnDown got %v, want context.DeadlineExceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnDown never fired for a hanging probe")
	}

	if w.IsHealthy() {
		t.Error("expected IsHealthy() == false when probes hang")
	}
}

func TestWatcherContextCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	m := NewManager(slog.Default())
	w := m.Watch(ctx, fastConfig("files", func(ctx context.Context) error { return nil }))

	cancel()

	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("watcher did not stop after context cancellation")
	}
}

func TestWatcherStop(t *testing.T) {
	t.Parallel()

	m := NewManager(slog.Default())
	w := m.Watch(context.Background(), fastConfig("files", func(ctx context.Context) error { return nil }))

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("Stop did not return within timeout")
	}
}

func TestManagerStatus(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(slog.Default())

	m.Watch(ctx, fastConfig("healthy-server", func(ctx context.Context) error { return nil }))

	downCh := make(chan error, 1)
	cfg := fastConfig("down-server", func(ctx context.Context) error { return errors.New("unreachable") })
	cfg.OnDown = func(err error) { downCh <- err }
	m.Watch(ctx, cfg)

	select {
	case <-downCh:
	case <-time.After(2 * time.Second):
		t.Fatal("down-server never transitioned")
	}

	status := m.Status()
	if len(status) != 2 {
		t.Fatalf("expected 2 entries in Status, got %d", len(status))
	}

	if s, ok := status["healthy-server"]; !ok {
		t.Error("missing healthy-server in Status")
	} else {
		if !s.Healthy {
			t.Error("healthy-server should be healthy")
		}
		if s.LastError != "" {
			t.Errorf("healthy-server should have no error, got %q", s.LastError)
		}
	}

	if s, ok := status["down-server"]; !ok {
		t.Error("missing down-server in Status")
	} else {
		if s.Healthy {
			t.Error("down-server should not be healthy")
		}
		if s.LastError == "" {
			t.Error("down-server should carry its probe error")
		}
		if s.Server != "down-server" {
			t.Errorf("Server = %q, want down-server", s.Server)
		}
	}
}

func TestManagerStop(t *testing.T) {
	t.Parallel()

	m := NewManager(slog.Default())
	m.Watch(context.Background(), fastConfig("server-1", func(ctx context.Context) error { return nil }))
	m.Watch(context.Background(), fastConfig("server-2", func(ctx context.Context) error { return nil }))

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("Manager.Stop did not return within timeout")
	}
}

func TestWatchPanicsOnMissingName(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Error("Watch with empty name did not panic")
		}
	}()

	m := NewManager(slog.Default())
	m.Watch(context.Background(), WatcherConfig{Probe: func(ctx context.Context) error { return nil }})
}

func TestWatchPanicsOnMissingProbe(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Error("Watch with nil probe did not panic")
		}
	}()

	m := NewManager(slog.Default())
	m.Watch(context.Background(), WatcherConfig{Name: "files"})
}
