package mcp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"
)

// writeScript drops an executable shell script into a temp dir and
// returns its path. Tests use small scripts as stand-in MCP servers.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	path := filepath.Join(t.TempDir(), "server.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestOpenProcBadCommand(t *testing.T) {
	_, err := OpenProc(ProcConfig{
		Command: "squire-test-no-such-command",
		Logger:  testLogger(),
	})
	if !errors.Is(err, ErrLaunch) {
		t.Fatalf("OpenProc = %v, want ErrLaunch", err)
	}
}

func TestProcRoundTrip(t *testing.T) {
	tr, err := OpenProc(ProcConfig{Command: "cat", Logger: testLogger()})
	if err != nil {
		t.Fatalf("OpenProc: %v", err)
	}
	defer tr.Close()

	msg := `{"jsonrpc":"2.0","id":1,"method":"ping"}`
	if err := tr.WriteLine([]byte(msg)); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	line, err := tr.ReadLine(ctx)
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if got := strings.TrimSpace(string(line)); got != msg {
		t.Errorf("ReadLine = %q, want %q", got, msg)
	}
}

func TestProcReadLineTimeoutThenClose(t *testing.T) {
	// Consumes stdin forever, never answers. Exits when stdin closes.
	script := writeScript(t, "while read line; do :; done\n")

	tr, err := OpenProc(ProcConfig{Command: script, Logger: testLogger()})
	if err != nil {
		t.Fatalf("OpenProc: %v", err)
	}

	if err := tr.WriteLine([]byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`)); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = tr.ReadLine(ctx)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("ReadLine = %v, want ErrTimeout", err)
	}

	pid := tr.Pid()
	if pid == 0 {
		t.Fatal("Pid() = 0, want live subprocess")
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Close has reaped the subprocess; signal 0 must fail.
	if err := syscall.Kill(pid, 0); err == nil {
		t.Errorf("subprocess %d still alive after Close", pid)
	}
}

func TestProcReadLineDisconnected(t *testing.T) {
	// Exits immediately without writing anything.
	script := writeScript(t, "exit 0\n")

	tr, err := OpenProc(ProcConfig{Command: script, Logger: testLogger()})
	if err != nil {
		t.Fatalf("OpenProc: %v", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = tr.ReadLine(ctx)
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("ReadLine = %v, want ErrDisconnected", err)
	}
}

func TestProcReadLineContextCanceled(t *testing.T) {
	script := writeScript(t, "while read line; do :; done\n")

	tr, err := OpenProc(ProcConfig{Command: script, Logger: testLogger()})
	if err != nil {
		t.Fatalf("OpenProc: %v", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = tr.ReadLine(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("ReadLine = %v, want context.Canceled", err)
	}
}

func TestProcEnvOverride(t *testing.T) {
	script := writeScript(t, `printf '%s\n' "$SQUIRE_TEST_VALUE"`+"\n")

	tr, err := OpenProc(ProcConfig{
		Command: script,
		Env:     map[string]string{"SQUIRE_TEST_VALUE": "inherited-and-merged"},
		Logger:  testLogger(),
	})
	if err != nil {
		t.Fatalf("OpenProc: %v", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	line, err := tr.ReadLine(ctx)
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if got := strings.TrimSpace(string(line)); got != "inherited-and-merged" {
		t.Errorf("ReadLine = %q, want %q", got, "inherited-and-merged")
	}
}

func TestProcResolverApplied(t *testing.T) {
	var gotCommand string
	resolver := func(command string, args []string) (string, []string) {
		gotCommand = command
		return "cat", nil
	}

	tr, err := OpenProc(ProcConfig{
		Command:  "placeholder",
		Args:     []string{"unused"},
		Resolver: resolver,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("OpenProc: %v", err)
	}
	defer tr.Close()

	if gotCommand != "placeholder" {
		t.Errorf("resolver saw command %q, want %q", gotCommand, "placeholder")
	}

	// The rewrite to cat took effect if a line echoes back.
	if err := tr.WriteLine([]byte("hello")); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	line, err := tr.ReadLine(ctx)
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if got := strings.TrimSpace(string(line)); got != "hello" {
		t.Errorf("ReadLine = %q, want %q", got, "hello")
	}
}

func TestProcCloseIdempotent(t *testing.T) {
	tr, err := OpenProc(ProcConfig{Command: "cat", Logger: testLogger()})
	if err != nil {
		t.Fatalf("OpenProc: %v", err)
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestProcWriteAfterClose(t *testing.T) {
	tr, err := OpenProc(ProcConfig{Command: "cat", Logger: testLogger()})
	if err != nil {
		t.Fatalf("OpenProc: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := tr.WriteLine([]byte("late")); !errors.Is(err, ErrWrite) {
		t.Errorf("WriteLine after Close = %v, want ErrWrite", err)
	}
	if _, err := tr.ReadLine(context.Background()); !errors.Is(err, ErrRead) {
		t.Errorf("ReadLine after Close = %v, want ErrRead", err)
	}
}

func TestProcCloseExitsOnStdinClose(t *testing.T) {
	// cat exits as soon as its stdin closes, so Close should finish
	// well inside the first grace window without signaling.
	tr, err := OpenProc(ProcConfig{Command: "cat", Logger: testLogger()})
	if err != nil {
		t.Fatalf("OpenProc: %v", err)
	}

	pid := tr.Pid()
	start := time.Now()
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= closeGrace {
		t.Errorf("Close took %v, want under %v", elapsed, closeGrace)
	}

	if err := syscall.Kill(pid, 0); err == nil {
		t.Errorf("subprocess %d still alive after Close", pid)
	}
}
