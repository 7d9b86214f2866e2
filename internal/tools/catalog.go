// Package tools answers tools/list queries from the persistent tool catalog.
package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/deskwire/deskwire/internal/store"
)

// Catalog resolves the tool set visible to an agent from the store, so the
// answer never requires a round trip to the agent.
type Catalog struct {
	store  store.Store
	logger *slog.Logger
}

// New creates a catalog backed by the persistent store.
func New(s store.Store, logger *slog.Logger) *Catalog {
	return &Catalog{
		store:  s,
		logger: logger.With("component", "tools"),
	}
}

// ListForAgent returns the tools an agent can serve. Agents with a recorded
// capability set are restricted to it; otherwise every enabled tool with an
// available variant for the agent's platform qualifies. Tools needing a
// display are dropped for headless agents.
func (c *Catalog) ListForAgent(ctx context.Context, agent *store.Agent) ([]store.ToolListing, error) {
	all, err := c.store.ListToolsForPlatform(ctx, agent.OSType)
	if err != nil {
		return nil, fmt.Errorf("list tools for %s: %w", agent.OSType, err)
	}

	caps, err := c.store.GetAgentCapabilities(ctx, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("get capabilities: %w", err)
	}
	capSet := make(map[string]bool, len(caps))
	for _, name := range caps {
		capSet[name] = true
	}

	var out []store.ToolListing
	for _, tool := range all {
		if len(capSet) > 0 && !capSet[tool.Name] {
			continue
		}
		if tool.RequiresDisplay && !agent.HasDisplay {
			continue
		}
		out = append(out, tool)
	}
	return out, nil
}

// UpdateCapabilities replaces an agent's capability set, from registration or
// a tools_changed notification. An empty list clears the restriction.
func (c *Catalog) UpdateCapabilities(ctx context.Context, agentID string, names []string) error {
	if err := c.store.SetAgentCapabilities(ctx, agentID, names); err != nil {
		return fmt.Errorf("set capabilities: %w", err)
	}
	c.logger.Debug("capabilities updated", "agent_id", agentID, "count", len(names))
	return nil
}

// ListForFleet aggregates tools across several agents for a multi-agent
// client. Names get an agent prefix and descriptions a bracketed agent label;
// the prefix alone disambiguates collisions.
func (c *Catalog) ListForFleet(ctx context.Context, agents []*store.Agent) ([]store.ToolListing, error) {
	var out []store.ToolListing
	for _, agent := range agents {
		tools, err := c.ListForAgent(ctx, agent)
		if err != nil {
			return nil, err
		}
		name := agent.Name()
		for _, tool := range tools {
			tool.Name = name + "__" + tool.Name
			tool.Description = "[" + name + "] " + tool.Description
			out = append(out, tool)
		}
	}
	return out, nil
}
