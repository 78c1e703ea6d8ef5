// Package connection implements the connection manager: it owns the
// WebSocket upgrade, the per-connection accept/heartbeat/receive-loop/
// cleanup lifecycle, and dispatches inbound frames straight to the agent
// runtime with no intermediate control-plane layer.
package connection

import (
	"context"

	"github.com/iiagent/coreserver/internal/agentruntime"
	"github.com/iiagent/coreserver/internal/eventrouter"
	"github.com/iiagent/coreserver/internal/tool"
)

// InitParams carries everything a connection's query string and
// init_agent/query tool_args contribute to constructing an agent.
type InitParams struct {
	DeviceID             string
	UseChutes            bool
	UseOpenRouter        bool
	UseMoonshot          bool
	UseNativeToolCalling bool
	ModelID              string
	ProKey               string
	ToolArgs             map[string]any
}

// Agent bundles a built Runtime with the tool slice it was constructed
// with. agentruntime.Runtime has no tool-lookup method of its own — it
// only needs a registry internally — so the connection layer keeps its
// own copy to resolve the "bash" tool for terminal_command requests.
type Agent struct {
	Runtime *agentruntime.Runtime
	Tools   []tool.Tool
}

// BashTool returns the tool named "bash" (case-insensitive), if the agent
// was built with one.
func (a *Agent) BashTool() (tool.Tool, bool) {
	for _, t := range a.Tools {
		if equalFoldASCII(t.Name(), "bash") {
			return t, true
		}
	}
	return nil, false
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// AgentFactory constructs a fresh agent instance for one connection. sessionID
// and workspaceDir are already persisted/allocated by the time Build is
// called; emitter is the connection's bound eventrouter.Router, which
// satisfies agentruntime.EventEmitter directly.
type AgentFactory interface {
	Build(ctx context.Context, sessionID, workspaceDir string, params InitParams, emitter *eventrouter.Router) (*Agent, error)
}
