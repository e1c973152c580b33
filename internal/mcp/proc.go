package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// closeGrace is how long Close waits at each stage of the shutdown
// sequence before escalating.
const closeGrace = 2 * time.Second

// ProcConfig configures a subprocess transport that communicates with
// an MCP server over stdin/stdout using newline-delimited JSON-RPC.
type ProcConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env holds environment overrides merged over the inherited
	// process environment. When empty, the environment is inherited
	// unchanged.
	Env map[string]string

	// Resolver rewrites the launch for platform quirks. Defaults to
	// DefaultResolver.
	Resolver LaunchResolver

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// ProcTransport owns one MCP server subprocess and its three standard
// streams. It moves single newline-delimited lines; framing above the
// line level belongs to Session.
type ProcTransport struct {
	logger *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
	closed bool
}

// OpenProc spawns the server subprocess and wires its pipes. stderr
// carries the server's own diagnostics; it is drained in the
// background and logged, never parsed as protocol data.
func OpenProc(cfg ProcConfig) (*ProcTransport, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = DefaultResolver
	}

	command, args := resolver(cfg.Command, cfg.Args)

	logger.Debug("starting MCP subprocess", "command", command, "args", args)

	cmd := exec.Command(command, args...)
	if len(cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: create stdin pipe: %v", ErrLaunch, err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("%w: create stdout pipe: %v", ErrLaunch, err)
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("%w: create stderr pipe: %v", ErrLaunch, err)
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return nil, fmt.Errorf("%w: start %s: %v", ErrLaunch, command, err)
	}

	t := &ProcTransport{
		logger: logger,
		cmd:    cmd,
		stdin:  stdin,
		reader: bufio.NewReaderSize(stdout, 1<<20), // 1 MiB buffer for large responses
	}

	go t.drainStderr(stderrPipe)

	logger.Debug("MCP subprocess started", "pid", cmd.Process.Pid)
	return t, nil
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *ProcTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// readResult is the outcome of a single line read from stdout.
type readResult struct {
	line []byte
	err  error
}

// WriteLine appends the newline delimiter and writes one message to
// the subprocess's stdin.
func (t *ProcTransport) WriteLine(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.stdin == nil {
		return fmt.Errorf("%w: transport closed", ErrWrite)
	}

	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

// ReadLine blocks until one newline-terminated line arrives on the
// subprocess's stdout, the context expires, or the stream closes. The
// read runs in a goroutine so cancellation can interrupt it. After a
// timeout the caller must close the transport; a timed-out server is
// assumed unresponsive, and closing also unblocks the parked read.
func (t *ProcTransport) ReadLine(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	if t.closed || t.reader == nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: transport closed", ErrRead)
	}
	reader := t.reader
	t.mu.Unlock()

	ch := make(chan readResult, 1)
	go func() {
		line, err := reader.ReadBytes('\n')
		ch <- readResult{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: no response line before deadline", ErrTimeout)
		}
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			if errors.Is(res.err, io.EOF) || errors.Is(res.err, os.ErrClosed) {
				return nil, fmt.Errorf("%w: stream closed before a response line arrived", ErrDisconnected)
			}
			return nil, fmt.Errorf("%w: %v", ErrRead, res.err)
		}
		return res.line, nil
	}
}

// Pid returns the subprocess pid, or 0 once the process has been reaped.
func (t *ProcTransport) Pid() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd == nil || t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// Close runs the graceful shutdown sequence: close stdin so the server
// can exit on its own, wait, send SIGTERM, wait again, then force
// kill. Close is idempotent and never reports an error; by the time it
// runs the caller already has its result or error.
func (t *ProcTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	t.stop()
	return nil
}

// stop terminates the subprocess. Caller must hold t.mu.
func (t *ProcTransport) stop() {
	if t.cmd == nil || t.cmd.Process == nil {
		return
	}

	pid := t.cmd.Process.Pid
	t.logger.Debug("stopping MCP subprocess", "pid", pid)

	if t.stdin != nil {
		_ = t.stdin.Close()
	}

	done := make(chan error, 1)
	go func() { done <- t.cmd.Wait() }()

	select {
	case <-done:
		t.cmd = nil
		return
	case <-time.After(closeGrace):
	}

	_ = t.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-done:
		t.cmd = nil
		return
	case <-time.After(closeGrace):
	}

	t.logger.Warn("MCP subprocess ignored SIGTERM, killing", "pid", pid)
	_ = t.cmd.Process.Kill()
	<-done
	t.cmd = nil
}
