// Package dispatch routes commands to server-side handlers or forwards them
// to the target agent.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/deskwire/deskwire/internal/common/errors"
	"github.com/deskwire/deskwire/internal/registry"
	"github.com/deskwire/deskwire/internal/store"
	"github.com/deskwire/deskwire/internal/tools"
	"github.com/deskwire/deskwire/pkg/protocol"
)

// Dispatcher resolves a method call against a target agent. MCP-style
// envelope methods (tools/list, tools/call) are served locally; everything
// else is classified and, for a remote target, forwarded.
type Dispatcher struct {
	registry *registry.Registry
	catalog  *tools.Catalog
	store    store.Store
	logger   *slog.Logger
	timeout  time.Duration
}

// New creates a dispatcher.
func New(r *registry.Registry, c *tools.Catalog, s store.Store, logger *slog.Logger, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		registry: r,
		catalog:  c,
		store:    s,
		logger:   logger.With("component", "dispatch"),
		timeout:  timeout,
	}
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Dispatch executes method against the agent identified by agentID and
// returns the raw result. Terminal aliases are rewritten before forwarding.
func (d *Dispatcher) Dispatch(ctx context.Context, agentID, method string, params json.RawMessage) (json.RawMessage, error) {
	switch method {
	case "tools/list":
		return d.toolsList(ctx, agentID)
	case "tools/call":
		var call toolCallParams
		if err := json.Unmarshal(params, &call); err != nil {
			return nil, errors.Protocol("invalid tools/call params")
		}
		if call.Name == "" {
			return nil, errors.Protocol("tools/call requires a tool name")
		}
		return d.Dispatch(ctx, agentID, call.Name, call.Arguments)
	}

	if alias, ok := protocol.TerminalAliases[method]; ok {
		method = alias
		params = renameTerminalFields(params)
	}

	if !knownMethod(method) {
		return nil, errors.Protocol("unknown method: " + method)
	}

	return d.forward(ctx, agentID, method, params)
}

// forward sends the request to the agent and unwraps the response.
func (d *Dispatcher) forward(ctx context.Context, agentID, method string, params json.RawMessage) (json.RawMessage, error) {
	resp, err := d.registry.SendCommand(ctx, agentID, method, params, d.timeout)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.Peer(resp.Error)
	}
	return resp.Result, nil
}

// toolsList answers from the capability store without touching the agent.
func (d *Dispatcher) toolsList(ctx context.Context, agentID string) (json.RawMessage, error) {
	agent, err := d.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, errors.Internal("load agent", err)
	}
	if agent == nil {
		return nil, errors.NotConnected("unknown agent")
	}

	listings, err := d.catalog.ListForAgent(ctx, agent)
	if err != nil {
		return nil, errors.Internal("list tools", err)
	}
	if listings == nil {
		listings = []store.ToolListing{}
	}

	result, err := json.Marshal(map[string]any{"tools": listings})
	if err != nil {
		return nil, errors.Internal("marshal tools", err)
	}
	return result, nil
}

// knownMethod reports whether a method appears in any classification list.
func knownMethod(method string) bool {
	return protocol.GUIMethods[method] ||
		protocol.FilesystemMethods[method] ||
		protocol.ShellMethods[method] ||
		protocol.SystemMethods[method] ||
		protocol.PrivilegedMethods[method]
}

// renameTerminalFields rewrites the broker-facing field names onto the
// agent's shell session parameter names.
func renameTerminalFields(params json.RawMessage) json.RawMessage {
	if len(params) == 0 {
		return params
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(params, &m); err != nil {
		return params
	}
	if v, ok := m["sessionId"]; ok {
		m["session_id"] = v
		delete(m, "sessionId")
	}
	if v, ok := m["data"]; ok {
		m["input"] = v
		delete(m, "data")
	}
	out, err := json.Marshal(m)
	if err != nil {
		return params
	}
	return out
}
