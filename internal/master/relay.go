// Package master lets designated agents relay commands to peer agents in the
// same owner scope.
package master

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/deskwire/deskwire/internal/common/errors"
	"github.com/deskwire/deskwire/internal/metrics"
	"github.com/deskwire/deskwire/internal/registry"
	"github.com/deskwire/deskwire/internal/store"
	"github.com/deskwire/deskwire/pkg/protocol"
)

const relayTimeout = 2 * time.Minute

// cancelledErr is the cancellation reason delivered to relays whose master
// went away mid-flight.
const cancelledErr = "Master session disconnected"

// Relay tracks master sessions and executes their relay_request frames.
// Registration is gated on the persistent master_mode_enabled flag; ownership
// is a plain equality check between owner scopes, no hierarchy.
type Relay struct {
	store    store.Store
	registry *registry.Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger
	timeout  time.Duration

	mu       sync.Mutex
	masters  map[string]string                        // master agent_id -> owner_id
	inflight map[string]map[string]context.CancelFunc // master agent_id -> relay id -> cancel
}

// New creates a relay and hooks agent disconnects.
func New(s store.Store, r *registry.Registry, m *metrics.Metrics, logger *slog.Logger, timeout time.Duration) *Relay {
	if timeout <= 0 {
		timeout = relayTimeout
	}
	rl := &Relay{
		store:    s,
		registry: r,
		metrics:  m,
		logger:   logger.With("component", "master"),
		timeout:  timeout,
		masters:  make(map[string]string),
		inflight: make(map[string]map[string]context.CancelFunc),
	}
	r.OnDisconnect(rl.handleDisconnect)
	return rl
}

// Register adds a master session. Called on agent connect when the persistent
// record has master_mode_enabled.
func (r *Relay) Register(agentID, ownerID string) {
	r.mu.Lock()
	r.masters[agentID] = ownerID
	r.mu.Unlock()
	r.logger.Info("master session registered", "agent_id", agentID)
}

// IsMaster reports whether an agent holds a master session.
func (r *Relay) IsMaster(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.masters[agentID]
	return ok
}

// HandleRelayRequest authorizes and executes one relay_request. The command
// itself runs on a goroutine so the master's read loop never blocks on a slow
// target; the relay_response carries the request id.
func (r *Relay) HandleRelayRequest(ctx context.Context, masterAgentID string, req *protocol.RelayRequest) {
	r.mu.Lock()
	ownerID, isMaster := r.masters[masterAgentID]
	r.mu.Unlock()

	if !isMaster {
		r.respondError(masterAgentID, req.ID, "Access denied: master mode not enabled")
		r.metrics.RelayRequests.WithLabelValues("denied").Inc()
		return
	}

	if req.Method == "getAccessibleAgents" {
		r.respondAccessible(ctx, masterAgentID, ownerID, req.ID)
		return
	}

	target, err := r.store.GetAgent(ctx, req.TargetAgentID)
	if err != nil {
		r.respondError(masterAgentID, req.ID, "Internal error resolving target agent")
		r.metrics.RelayRequests.WithLabelValues("error").Inc()
		return
	}
	if target == nil || target.OwnerID != ownerID {
		r.respondError(masterAgentID, req.ID, "Access denied: agent not in your scope")
		r.metrics.RelayRequests.WithLabelValues("denied").Inc()
		return
	}
	if _, ok := r.registry.Get(target.ID); !ok {
		r.respondError(masterAgentID, req.ID, "Target agent not connected: "+target.ID)
		r.metrics.RelayRequests.WithLabelValues("not_connected").Inc()
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	if r.inflight[masterAgentID] == nil {
		r.inflight[masterAgentID] = make(map[string]context.CancelFunc)
	}
	r.inflight[masterAgentID][req.ID] = cancel
	r.mu.Unlock()

	go r.execute(runCtx, masterAgentID, target.ID, req)
}

func (r *Relay) execute(ctx context.Context, masterAgentID, targetID string, req *protocol.RelayRequest) {
	defer func() {
		r.mu.Lock()
		if m := r.inflight[masterAgentID]; m != nil {
			if cancel, ok := m[req.ID]; ok {
				delete(m, req.ID)
				cancel()
			}
			if len(m) == 0 {
				delete(r.inflight, masterAgentID)
			}
		}
		r.mu.Unlock()
	}()

	resp, err := r.registry.SendCommand(ctx, targetID, req.Method, req.Params, r.timeout)
	if ctx.Err() != nil {
		r.respondError(masterAgentID, req.ID, cancelledErr)
		r.metrics.RelayRequests.WithLabelValues("cancelled").Inc()
		return
	}
	if err != nil {
		r.respondError(masterAgentID, req.ID, err.Error())
		r.metrics.RelayRequests.WithLabelValues("error").Inc()
		return
	}
	if resp.Error != "" {
		r.respondError(masterAgentID, req.ID, resp.Error)
		r.metrics.RelayRequests.WithLabelValues("error").Inc()
		return
	}

	r.respond(masterAgentID, &protocol.RelayResponse{
		Type:   protocol.TypeRelayResponse,
		ID:     req.ID,
		Result: resp.Result,
	})
	r.metrics.RelayRequests.WithLabelValues("ok").Inc()
}

// AccessibleAgent is one peer visible to a master.
type AccessibleAgent struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	OSType    string `json:"osType"`
	Connected bool   `json:"connected"`
}

// AccessibleAgents lists the peers in the master's owner scope, excluding the
// master itself. Names are display_name or hostname.
func (r *Relay) AccessibleAgents(ctx context.Context, masterAgentID, ownerID string) ([]AccessibleAgent, error) {
	agents, err := r.store.ListAgentsByOwner(ctx, ownerID)
	if err != nil {
		return nil, errors.Internal("list agents", err)
	}
	out := make([]AccessibleAgent, 0, len(agents))
	for _, a := range agents {
		if a.ID == masterAgentID {
			continue
		}
		_, connected := r.registry.Get(a.ID)
		out = append(out, AccessibleAgent{
			ID:        a.ID,
			Name:      a.Name(),
			OSType:    a.OSType,
			Connected: connected,
		})
	}
	return out, nil
}

func (r *Relay) respondAccessible(ctx context.Context, masterAgentID, ownerID, relayID string) {
	peers, err := r.AccessibleAgents(ctx, masterAgentID, ownerID)
	if err != nil {
		r.respondError(masterAgentID, relayID, "Internal error listing agents")
		r.metrics.RelayRequests.WithLabelValues("error").Inc()
		return
	}
	result, err := json.Marshal(map[string]any{"agents": peers})
	if err != nil {
		r.respondError(masterAgentID, relayID, "Internal error listing agents")
		r.metrics.RelayRequests.WithLabelValues("error").Inc()
		return
	}
	r.respond(masterAgentID, &protocol.RelayResponse{
		Type:   protocol.TypeRelayResponse,
		ID:     relayID,
		Result: result,
	})
	r.metrics.RelayRequests.WithLabelValues("ok").Inc()
}

func (r *Relay) respond(masterAgentID string, resp *protocol.RelayResponse) {
	conn, ok := r.registry.Get(masterAgentID)
	if !ok {
		r.logger.Debug("master gone before relay response", "agent_id", masterAgentID, "relay_id", resp.ID)
		return
	}
	if err := conn.Send(resp); err != nil {
		r.logger.Debug("relay response send failed", "agent_id", masterAgentID, "error", err)
	}
}

func (r *Relay) respondError(masterAgentID, relayID, message string) {
	r.respond(masterAgentID, &protocol.RelayResponse{
		Type:  protocol.TypeRelayResponse,
		ID:    relayID,
		Error: message,
	})
}

// handleDisconnect drops the master session and cancels its pending relays.
func (r *Relay) handleDisconnect(agentID string) {
	r.mu.Lock()
	_, wasMaster := r.masters[agentID]
	delete(r.masters, agentID)
	pending := r.inflight[agentID]
	delete(r.inflight, agentID)
	r.mu.Unlock()

	for _, cancel := range pending {
		cancel()
	}
	if wasMaster && len(pending) > 0 {
		r.logger.Info("cancelled pending relays after master disconnect",
			"agent_id", agentID, "count", len(pending))
	}
}
