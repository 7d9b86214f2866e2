// Package policy evaluates license status, permissions, and update flags for
// each agent heartbeat.
package policy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/deskwire/deskwire/internal/store"
)

// Update flags carried in the heartbeat ack "u" field.
const (
	UpdateNone      = 0
	UpdateAvailable = 1
	UpdateForced    = 2
)

// Result is the policy outcome for one heartbeat.
type Result struct {
	LicenseStatus  string
	LicenseChanged bool
	LicenseMessage string
	MasterMode     bool
	FileTransfer   bool
	SettingsLocked bool
	DefaultBrowser string // empty means omit from the ack
	UpdateFlag     int
}

// Evaluator computes per-heartbeat policy. The evaluation itself is
// stateless; the evaluator only memoizes the last license status and the last
// browser each agent advertised, so deltas can be reported once.
type Evaluator struct {
	store  store.Store
	logger *slog.Logger

	mu          sync.Mutex
	lastStatus  map[string]string // agent_id -> last reported license status
	lastBrowser map[string]string // agent_id -> last agent-advertised browser
}

// New creates an evaluator backed by the persistent store.
func New(s store.Store, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		store:       s,
		logger:      logger.With("component", "policy"),
		lastStatus:  make(map[string]string),
		lastBrowser: make(map[string]string),
	}
}

// Evaluate computes the policy result for an agent. advertisedBrowser is the
// default browser the agent reported in this heartbeat, if any.
func (e *Evaluator) Evaluate(ctx context.Context, agent *store.Agent, advertisedBrowser string) Result {
	status := e.licenseStatus(ctx, agent)

	e.mu.Lock()
	prev, seen := e.lastStatus[agent.ID]
	e.lastStatus[agent.ID] = status
	prevBrowser := e.lastBrowser[agent.ID]
	if advertisedBrowser != "" {
		e.lastBrowser[agent.ID] = advertisedBrowser
	}
	e.mu.Unlock()

	res := Result{
		LicenseStatus:  status,
		LicenseChanged: seen && prev != status,
		MasterMode:     agent.MasterModeEnabled,
		FileTransfer:   agent.FileTransferEnabled,
		SettingsLocked: agent.LocalSettingsLocked,
		UpdateFlag:     e.updateFlag(ctx, agent),
	}
	if res.LicenseChanged {
		res.LicenseMessage = "License status changed to " + status
		e.logger.Info("license status changed",
			"agent_id", agent.ID, "from", prev, "to", status)
	}

	// The server-assigned browser is only pushed when it differs from what
	// the agent currently advertises.
	reported := advertisedBrowser
	if reported == "" {
		reported = prevBrowser
	}
	if agent.DefaultBrowser != "" && agent.DefaultBrowser != reported {
		res.DefaultBrowser = agent.DefaultBrowser
	}

	return res
}

// Forget drops memoized state for an agent, typically on disconnect.
func (e *Evaluator) Forget(agentID string) {
	e.mu.Lock()
	delete(e.lastStatus, agentID)
	delete(e.lastBrowser, agentID)
	e.mu.Unlock()
}

// licenseStatus derives the effective license status from the license record
// and its expiry. Agents without a bound license report their stored state.
func (e *Evaluator) licenseStatus(ctx context.Context, agent *store.Agent) string {
	if agent.LicenseUUID == "" {
		if agent.LicenseState == "" {
			return store.LicensePending
		}
		return agent.LicenseState
	}

	lic, err := e.store.GetLicense(ctx, agent.LicenseUUID)
	if err != nil {
		e.logger.Warn("license lookup failed", "agent_id", agent.ID, "error", err)
		return agent.LicenseState
	}
	if lic == nil {
		return store.LicensePending
	}
	if lic.State == store.LicenseActive && time.Now().After(lic.ExpiresAt) {
		return store.LicenseExpired
	}
	return lic.State
}

// updateFlag compares the agent's version with the latest published build
// for its platform.
func (e *Evaluator) updateFlag(ctx context.Context, agent *store.Agent) int {
	if agent.OSType == "" || agent.Arch == "" {
		return UpdateNone
	}
	latest, err := e.store.LatestBuild(ctx, agent.OSType, agent.Arch)
	if err != nil {
		e.logger.Warn("latest build lookup failed", "agent_id", agent.ID, "error", err)
		return UpdateNone
	}
	if latest == nil || latest.Version == agent.AgentVersion {
		return UpdateNone
	}
	if latest.Forced {
		return UpdateForced
	}
	return UpdateAvailable
}
