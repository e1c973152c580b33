package mcp

import (
	"context"
	"errors"

	"github.com/nugget/squire/internal/tools"
)

// RegisterAll exposes discovered tools on the given registry and
// returns how many were registered. Invocation failures surface as
// ordinary "Error: ..." tool output rather than Go errors, so one
// misbehaving server cannot destabilize a caller mid-turn.
func RegisterAll(registry *tools.Registry, invokers []*Invoker) int {
	for _, inv := range invokers {
		registry.Register(bridgeTool(inv))
	}
	return len(invokers)
}

// bridgeTool adapts one invoker to the registry's tool contract.
func bridgeTool(inv *Invoker) *tools.Tool {
	return &tools.Tool{
		Name:        inv.Descriptor.QualifiedName,
		Description: inv.Descriptor.Description,
		Parameters:  inv.Descriptor.InputSchema,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			out, err := inv.Invoke(ctx, args)
			if err != nil {
				return "Error: " + errText(err), nil
			}
			return out, nil
		},
	}
}

// errText renders an invocation error for tool output, preferring the
// ToolError cause over the full wrapper text.
func errText(err error) string {
	var te *ToolError
	if errors.As(err, &te) && te.Err != nil {
		return te.Err.Error()
	}
	return err.Error()
}
