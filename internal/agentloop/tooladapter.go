package agentloop

import (
	"context"
	"encoding/json"

	"github.com/osacore/osa/internal/agent"
	"github.com/osacore/osa/internal/toolregistry"
)

// toolAdapter exposes a toolregistry.Descriptor as an agent.Tool so it
// can be offered to provider.Registry.Chat, which speaks the
// pre-existing agent.Tool interface. Execute is never actually called
// through this adapter in normal operation — the loop dispatches tool
// calls itself via toolregistry.Registry.Execute so it can run the
// pre_tool_use/post_tool_use hooks around the call — but the interface
// requires it, so it delegates straight to the same registry.
type toolAdapter struct {
	d   toolregistry.Descriptor
	reg *toolregistry.Registry
}

func (t toolAdapter) Name() string              { return t.d.Name }
func (t toolAdapter) Description() string       { return t.d.Description }
func (t toolAdapter) Schema() json.RawMessage   { return t.d.Parameters }
func (t toolAdapter) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	res := t.reg.Execute(ctx, t.d.Name, params)
	if !res.OK {
		return &agent.ToolResult{Content: res.Error, IsError: true}, nil
	}
	return &agent.ToolResult{Content: res.Text}, nil
}

// asLLMTools converts every registered descriptor into an agent.Tool,
// for inclusion in a provider.ChatOpts.Tools list.
func asLLMTools(reg *toolregistry.Registry) []agent.Tool {
	descs := reg.ListTools()
	out := make([]agent.Tool, 0, len(descs))
	for _, d := range descs {
		out = append(out, toolAdapter{d: d, reg: reg})
	}
	return out
}
