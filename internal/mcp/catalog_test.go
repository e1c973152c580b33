package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestListTools(t *testing.T) {
	ft := &fakeTransport{}
	ft.reply(
		initLine(1),
		resultLine(2, `{"tools":[
			{"name":"read_file","description":"Read a file from disk.","inputSchema":{"type":"object","properties":{"path":{"type":"string"}}}},
			{"name":"write_file"}
		]}`),
	)

	sess := NewSession("files", ft, testLogger())
	defs, err := sess.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}

	if len(defs) != 2 {
		t.Fatalf("got %d tools, want 2", len(defs))
	}
	if defs[0].Name != "read_file" {
		t.Errorf("tools[0].Name = %q, want %q", defs[0].Name, "read_file")
	}
	if defs[0].Description != "Read a file from disk." {
		t.Errorf("tools[0].Description = %q", defs[0].Description)
	}
	if defs[0].InputSchema["type"] != "object" {
		t.Errorf("tools[0].InputSchema type = %v, want object", defs[0].InputSchema["type"])
	}
	if defs[1].Name != "write_file" {
		t.Errorf("tools[1].Name = %q, want %q", defs[1].Name, "write_file")
	}
	if defs[1].Description != "" {
		t.Errorf("tools[1].Description = %q, want empty", defs[1].Description)
	}
}

func TestListToolsEmptyCatalog(t *testing.T) {
	ft := &fakeTransport{}
	ft.reply(initLine(1), resultLine(2, `{"tools":[]}`))

	sess := NewSession("files", ft, testLogger())
	defs, err := sess.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(defs) != 0 {
		t.Errorf("got %d tools, want 0", len(defs))
	}
}

func TestListToolsRemoteError(t *testing.T) {
	ft := &fakeTransport{}
	ft.reply(initLine(1), errorLine(2, -32603, "internal error"))

	sess := NewSession("files", ft, testLogger())
	_, err := sess.ListTools(context.Background())
	if err == nil {
		t.Fatal("ListTools = nil, want error")
	}

	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error chain lacks *RPCError: %v", err)
	}
	if rpcErr.Code != -32603 {
		t.Errorf("Code = %d, want -32603", rpcErr.Code)
	}
}

func TestParseCatalogEdgeCases(t *testing.T) {
	tests := []struct {
		name   string
		result string
		want   int
	}{
		{"missing tools field", `{}`, 0},
		{"tools not an array", `{"tools":"nope"}`, 0},
		{"empty array", `{"tools":[]}`, 0},
		{"nameless entry skipped", `{"tools":[{"description":"anonymous"}]}`, 0},
		{"malformed entry skipped", `{"tools":[42,{"name":"ok"}]}`, 1},
		{"schema optional", `{"tools":[{"name":"bare"}]}`, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defs := parseCatalog(json.RawMessage(tt.result), testLogger())
			if len(defs) != tt.want {
				t.Errorf("parseCatalog(%s) = %d tools, want %d", tt.result, len(defs), tt.want)
			}
		})
	}
}
