package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/squire/internal/config"
)

// ToolDescriptor describes one discovered tool, qualified by its
// server name so identically named tools from different servers stay
// distinct.
type ToolDescriptor struct {
	// QualifiedName is Server + "_" + RawName.
	QualifiedName string

	// RawName is the name the server knows the tool by. tools/call
	// must use this, not the qualified name.
	RawName string

	// Server is the configured name of the owning server.
	Server string

	// Description is the server-supplied description, or a synthesized
	// one when the server sent none.
	Description string

	// InputSchema describes the accepted arguments. It is retained for
	// caller-side validation and documentation; Invoke passes
	// arguments through untouched.
	InputSchema map[string]any
}

// QualifyName builds the namespaced tool name for one server's tool.
func QualifyName(server, tool string) string {
	return server + "_" + tool
}

// Invoker binds one discovered tool to a session source so it can be
// called. Invocations are independent: each acquires a session, runs
// the exchange, and releases the session whatever the outcome.
type Invoker struct {
	Descriptor ToolDescriptor

	source           SessionSource
	handshakeTimeout time.Duration
	callTimeout      time.Duration
	logger           *slog.Logger
}

// NewInvoker binds a descriptor to a session source. Non-positive
// timeouts fall back to the package defaults.
func NewInvoker(desc ToolDescriptor, source SessionSource, handshakeTimeout, callTimeout time.Duration, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = config.DefaultHandshakeTimeout
	}
	if callTimeout <= 0 {
		callTimeout = config.DefaultCallTimeout
	}
	return &Invoker{
		Descriptor:       desc,
		source:           source,
		handshakeTimeout: handshakeTimeout,
		callTimeout:      callTimeout,
		logger:           logger,
	}
}

// Invoke calls the tool with the given arguments and returns its
// textual output. Every failure, from launch to remote error, comes
// back as a *ToolError carrying a human-readable message; callers
// never see session internals as error types.
func (inv *Invoker) Invoke(ctx context.Context, args map[string]any) (string, error) {
	sess, err := inv.source.Acquire(ctx)
	if err != nil {
		return "", &ToolError{Tool: inv.Descriptor.QualifiedName, Err: err}
	}

	out, err := inv.callTool(ctx, sess, args)
	inv.source.Release(sess, err)
	if err != nil {
		inv.logger.Warn("MCP tool call failed",
			"tool", inv.Descriptor.QualifiedName,
			"error", err,
		)
		return "", &ToolError{Tool: inv.Descriptor.QualifiedName, Err: err}
	}
	return out, nil
}

// callTool performs the handshake and the tools/call exchange on an
// acquired session, each under its own deadline.
func (inv *Invoker) callTool(ctx context.Context, sess *Session, args map[string]any) (string, error) {
	hsCtx, cancel := context.WithTimeout(ctx, inv.handshakeTimeout)
	err := sess.Handshake(hsCtx)
	cancel()
	if err != nil {
		return "", err
	}

	if args == nil {
		args = map[string]any{}
	}

	callCtx, cancel := context.WithTimeout(ctx, inv.callTimeout)
	defer cancel()

	result, err := sess.Request(callCtx, "tools/call", map[string]any{
		"name":      inv.Descriptor.RawName,
		"arguments": args,
	})
	if err != nil {
		return "", err
	}

	text, isErr := renderResult(result)
	if isErr {
		return "", fmt.Errorf("tool reported failure: %s", text)
	}
	return text, nil
}

// renderResult extracts the textual payload of a tools/call result and
// reports whether the server flagged it as an error. The first content
// element's text field wins; a textless element is rendered as its raw
// JSON; a missing or empty content array renders the whole result.
func renderResult(result json.RawMessage) (string, bool) {
	var payload struct {
		Content []json.RawMessage `json:"content"`
		IsError bool              `json:"isError"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return string(result), false
	}
	if len(payload.Content) == 0 {
		return string(result), payload.IsError
	}

	first := payload.Content[0]
	var block struct {
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(first, &block); err == nil && block.Text != nil {
		return *block.Text, payload.IsError
	}
	return string(first), payload.IsError
}
