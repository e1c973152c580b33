package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/nugget/squire/internal/buildinfo"
	"github.com/nugget/squire/internal/config"
)

// protocolVersion is the MCP protocol version advertised during the
// initialize handshake.
const protocolVersion = "2024-11-05"

// clientName identifies this client in the initialize request.
const clientName = "squire"

// Transport is the line-level connection a Session speaks over.
type Transport interface {
	// WriteLine writes one newline-delimited message.
	WriteLine(data []byte) error

	// ReadLine returns the next newline-terminated line, honoring
	// context cancellation and deadlines.
	ReadLine(ctx context.Context) ([]byte, error)

	// Close tears the connection down. Idempotent.
	Close() error
}

// sessionState tracks the handshake state machine.
type sessionState int

const (
	stateNew sessionState = iota
	stateHandshaking
	stateReady
	stateFailed
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateHandshaking:
		return "handshaking"
	case stateReady:
		return "ready"
	case stateFailed:
		return "failed"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// serverInfo is returned in the initialize response.
type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// initializeResult is the result payload of an initialize response.
type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      serverInfo `json:"serverInfo"`
}

// Session speaks JSON-RPC 2.0 over one transport. It owns request ID
// generation and response correlation, and it enforces the protocol's
// one-outstanding-request rule by serializing exchanges behind a
// mutex. A transport-level failure marks the session failed; failed
// sessions reject further use and must be discarded by their owner.
type Session struct {
	server    string
	transport Transport
	logger    *slog.Logger

	mu     sync.Mutex
	state  sessionState
	nextID int64
}

// NewSession wraps a transport in a session. The handshake is deferred
// until the first request or an explicit Handshake call.
func NewSession(server string, transport Transport, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		server:    server,
		transport: transport,
		logger:    logger.With("mcp_server", server, "session_id", newSessionID()),
	}
}

// newSessionID generates a session identifier for log correlation.
func newSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails
		return uuid.New().String()
	}
	return id.String()
}

// Server returns the configured name of the server this session talks to.
func (s *Session) Server() string {
	return s.server
}

// Handshake drives the initialize exchange if the session has not yet
// reached Ready. It is idempotent: once Ready, repeated calls return
// immediately without touching the wire. A session whose handshake
// failed stays failed.
func (s *Session) Handshake(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakeLocked(ctx)
}

// handshakeLocked runs the initialize / initialized exchange. Caller
// must hold s.mu.
func (s *Session) handshakeLocked(ctx context.Context) error {
	switch s.state {
	case stateReady:
		return nil
	case stateFailed, stateClosed:
		return fmt.Errorf("%w: session is %s", ErrHandshakeFailed, s.state)
	}

	s.state = stateHandshaking

	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": buildinfo.Version,
		},
	}

	result, err := s.exchange(ctx, "initialize", params)
	if err != nil {
		s.state = stateFailed
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	var init initializeResult
	if jsonErr := json.Unmarshal(result, &init); jsonErr == nil {
		s.logger.Info("MCP server initialized",
			"server_name", init.ServerInfo.Name,
			"server_version", init.ServerInfo.Version,
			"protocol_version", init.ProtocolVersion,
		)
	}

	// Complete the handshake. The notification is fire and forget; if
	// the pipe is already broken the next request surfaces it anyway.
	if err := s.notifyLocked(ctx, "notifications/initialized", nil); err != nil {
		s.logger.Warn("initialized notification not delivered", "error", err)
	}

	s.state = stateReady
	return nil
}

// Request issues a JSON-RPC request and returns the response's result.
// A session that has not completed its handshake performs it first,
// transparently, within the same context.
func (s *Session) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateReady {
		if err := s.handshakeLocked(ctx); err != nil {
			return nil, err
		}
	}

	return s.exchange(ctx, method, params)
}

// exchange writes one request and reads its correlated response.
// Caller must hold s.mu. Request IDs are consumed even when the
// exchange fails, so they never repeat within a session.
func (s *Session) exchange(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.nextID++
	req := NewRequest(s.nextID, method, params)

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	s.logger.Log(ctx, config.LevelTrace, "MCP send", "line", string(data))

	if err := s.transport.WriteLine(data); err != nil {
		s.state = stateFailed
		return nil, err
	}

	line, err := s.transport.ReadLine(ctx)
	if err != nil {
		s.state = stateFailed
		return nil, err
	}

	s.logger.Log(ctx, config.LevelTrace, "MCP recv", "line", string(line))

	resp, err := parseResponse(line, req.ID)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			// A protocol-valid error response. The exchange completed,
			// so the session stays usable.
			return nil, err
		}
		s.state = stateFailed
		return nil, err
	}

	return resp.Result, nil
}

// Notify sends a JSON-RPC notification. Nothing is read back; the
// protocol defines no acknowledgment, so a write failure is the only
// possible error and callers may treat it as log-worthy rather than
// fatal.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifyLocked(ctx, method, params)
}

// notifyLocked writes a notification. Caller must hold s.mu.
func (s *Session) notifyLocked(ctx context.Context, method string, params any) error {
	data, err := json.Marshal(NewNotification(method, params))
	if err != nil {
		return fmt.Errorf("marshal %s notification: %w", method, err)
	}

	s.logger.Log(ctx, config.LevelTrace, "MCP send", "line", string(data))

	return s.transport.WriteLine(data)
}

// Ping checks whether the server is responsive. A JSON-RPC error reply
// still counts as responsive: the server processed a message, it just
// does not implement ping.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.Request(ctx, "ping", nil)

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return nil
	}
	return err
}

// Close tears down the transport. Safe to call multiple times; a
// closed session rejects further use.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateClosed {
		return nil
	}
	s.state = stateClosed
	return s.transport.Close()
}
