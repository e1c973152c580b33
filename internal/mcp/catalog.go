package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ListTools drives the session to Ready and retrieves the server's
// tool catalog. An absent or malformed tools field yields an empty
// catalog rather than an error: an empty catalog is a valid answer.
// Entries without a name are skipped and logged.
func (s *Session) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	result, err := s.Request(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	defs := parseCatalog(result, s.logger)
	s.logger.Info("discovered MCP tools", "count", len(defs))
	return defs, nil
}

// parseCatalog extracts tool definitions from a tools/list result.
// Each entry must carry at least a name; everything else about it may
// be absent.
func parseCatalog(result json.RawMessage, logger *slog.Logger) []ToolDefinition {
	var payload struct {
		Tools []json.RawMessage `json:"tools"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		logger.Warn("tools/list result has no usable tools field", "error", err)
		return nil
	}

	var defs []ToolDefinition
	for i, raw := range payload.Tools {
		var td ToolDefinition
		if err := json.Unmarshal(raw, &td); err != nil {
			logger.Warn("skipping malformed tool entry", "index", i, "error", err)
			continue
		}
		if td.Name == "" {
			logger.Warn("skipping tool entry without a name", "index", i)
			continue
		}
		defs = append(defs, td)
	}
	return defs
}
