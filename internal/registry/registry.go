// Package registry tracks live agent connections, correlates requests with
// responses, and paces heartbeats by reported power state.
package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/deskwire/deskwire/internal/common/errors"
	"github.com/deskwire/deskwire/internal/metrics"
	"github.com/deskwire/deskwire/pkg/protocol"
	"github.com/google/uuid"
)

// Heartbeat pacing per power state.
const (
	ActiveInterval  = 5 * time.Second
	PassiveInterval = 30 * time.Second
	SleepInterval   = 300 * time.Second
)

// HeartbeatInterval returns the expected heartbeat cadence for a power state.
// Unknown states pace like ACTIVE.
func HeartbeatInterval(state string) time.Duration {
	switch state {
	case protocol.PowerPassive:
		return PassiveInterval
	case protocol.PowerSleep:
		return SleepInterval
	default:
		return ActiveInterval
	}
}

type pendingRequest struct {
	agentID string
	ch      chan *protocol.Response
}

// Registry is the in-memory map of connected agents plus the correlation
// table for in-flight requests.
type Registry struct {
	logger         *slog.Logger
	metrics        *metrics.Metrics
	queueCap       int
	defaultTimeout time.Duration

	mu      sync.RWMutex
	conns   map[string]*Conn           // agent_id -> conn
	pending map[string]*pendingRequest // request_id -> waiter
	hooks   []func(agentID string)
}

// New creates an empty registry.
func New(logger *slog.Logger, m *metrics.Metrics, queueCap int, defaultTimeout time.Duration) *Registry {
	if queueCap <= 0 {
		queueCap = 64
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Registry{
		logger:         logger.With("component", "registry"),
		metrics:        m,
		queueCap:       queueCap,
		defaultTimeout: defaultTimeout,
		conns:          make(map[string]*Conn),
		pending:        make(map[string]*pendingRequest),
	}
}

// QueueCap returns the sleep queue capacity used for new connections.
func (r *Registry) QueueCap() int { return r.queueCap }

// OnDisconnect registers a hook invoked after an agent's connection is
// removed. Brokers use this to tear down sessions without the registry
// knowing about them.
func (r *Registry) OnDisconnect(hook func(agentID string)) {
	r.mu.Lock()
	r.hooks = append(r.hooks, hook)
	r.mu.Unlock()
}

// Add registers a connection for an agent, displacing any previous one.
// The displaced connection is closed; its in-flight requests fail.
func (r *Registry) Add(conn *Conn) {
	conn.SetDropHook(r.metrics.SleepQueueDrops.Inc)

	r.mu.Lock()
	old := r.conns[conn.AgentID]
	r.conns[conn.AgentID] = conn
	r.mu.Unlock()

	if old != nil {
		r.logger.Info("replacing existing agent connection", "agent_id", conn.AgentID)
		r.failPending(conn.AgentID)
		_ = old.Close()
	}
	r.metrics.ConnectedAgents.Set(float64(r.Count()))
}

// Remove deletes the connection for an agent if it is still the current one,
// rejects its in-flight requests, and fires the disconnect hooks.
func (r *Registry) Remove(agentID string, conn *Conn) {
	r.mu.Lock()
	current, ok := r.conns[agentID]
	if !ok || current != conn {
		r.mu.Unlock()
		return
	}
	delete(r.conns, agentID)
	hooks := make([]func(string), len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.Unlock()

	r.failPending(agentID)
	_ = conn.Close()
	r.metrics.ConnectedAgents.Set(float64(r.Count()))

	for _, hook := range hooks {
		hook(agentID)
	}
}

// Get returns the live connection for an agent.
func (r *Registry) Get(agentID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[agentID]
	return c, ok
}

// Count returns the number of connected agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// ConnectedIDs returns the IDs of all connected agents.
func (r *Registry) ConnectedIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// SendCommand sends a correlated request to an agent and waits for the
// response. A zero timeout uses the registry default. The agent going away
// mid-flight fails the call with an AGENT_DISCONNECTED error.
func (r *Registry) SendCommand(ctx context.Context, agentID, method string, params json.RawMessage, timeout time.Duration) (*protocol.Response, error) {
	req := protocol.Request{
		Type:   protocol.TypeRequest,
		ID:     uuid.New().String(),
		Method: method,
		Params: params,
	}
	return r.sendAndAwait(ctx, agentID, method, req.ID, req, timeout)
}

// SendCorrelated delivers a frame that carries its own correlation id and
// waits for the agent's response, like SendCommand but without the request
// envelope. label names the frame type in metrics.
func (r *Registry) SendCorrelated(ctx context.Context, agentID, label, id string, payload any, timeout time.Duration) (*protocol.Response, error) {
	return r.sendAndAwait(ctx, agentID, label, id, payload, timeout)
}

func (r *Registry) sendAndAwait(ctx context.Context, agentID, label, id string, payload any, timeout time.Duration) (*protocol.Response, error) {
	conn, ok := r.Get(agentID)
	if !ok {
		return nil, errors.NotConnected("agent is not connected")
	}
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	waiter := &pendingRequest{
		agentID: agentID,
		ch:      make(chan *protocol.Response, 1),
	}
	r.mu.Lock()
	r.pending[id] = waiter
	r.mu.Unlock()
	r.metrics.PendingRequests.Inc()

	cleanup := func() {
		r.mu.Lock()
		if _, still := r.pending[id]; still {
			delete(r.pending, id)
			r.metrics.PendingRequests.Dec()
		}
		r.mu.Unlock()
	}

	start := time.Now()
	if err := conn.Send(payload); err != nil {
		cleanup()
		r.metrics.CommandsTotal.WithLabelValues(label, "send_error").Inc()
		return nil, errors.NotConnected("failed to send command to agent")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-waiter.ch:
		r.metrics.CommandDuration.Observe(time.Since(start).Seconds())
		if resp == nil {
			r.metrics.CommandsTotal.WithLabelValues(label, "disconnected").Inc()
			return nil, errors.AgentDisconnected("agent disconnected before responding")
		}
		r.metrics.CommandsTotal.WithLabelValues(label, "ok").Inc()
		return resp, nil
	case <-timer.C:
		cleanup()
		r.metrics.CommandsTotal.WithLabelValues(label, "timeout").Inc()
		return nil, errors.Timeout("agent did not respond in time")
	case <-ctx.Done():
		cleanup()
		r.metrics.CommandsTotal.WithLabelValues(label, "canceled").Inc()
		return nil, ctx.Err()
	}
}

// Resolve delivers a response to its waiter. Each request ID fires at most
// once; responses with unknown IDs are dropped.
func (r *Registry) Resolve(resp *protocol.Response) bool {
	r.mu.Lock()
	waiter, ok := r.pending[resp.ID]
	if ok {
		delete(r.pending, resp.ID)
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("response for unknown request", "request_id", resp.ID)
		return false
	}
	r.metrics.PendingRequests.Dec()
	waiter.ch <- resp
	return true
}

// failPending rejects every in-flight request bound to an agent.
func (r *Registry) failPending(agentID string) {
	r.mu.Lock()
	var waiters []*pendingRequest
	for id, w := range r.pending {
		if w.agentID == agentID {
			waiters = append(waiters, w)
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()

	for _, w := range waiters {
		r.metrics.PendingRequests.Dec()
		w.ch <- nil
	}
}

// ReapStale removes connections that have been silent past maxSilence.
// Removal runs the full disconnect path: pending requests reject and the
// broker hooks fire.
func (r *Registry) ReapStale(maxSilence time.Duration) int {
	if maxSilence <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-maxSilence)

	r.mu.RLock()
	var stale []*Conn
	for _, c := range r.conns {
		if c.LastSeen().Before(cutoff) {
			stale = append(stale, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range stale {
		r.logger.Warn("reaping silent agent connection",
			"agent_id", c.AgentID, "last_seen", c.LastSeen())
		r.Remove(c.AgentID, c)
	}
	return len(stale)
}

// SetPower updates an agent's power state, flushing the sleep queue on wake.
func (r *Registry) SetPower(agentID, state string) {
	conn, ok := r.Get(agentID)
	if !ok {
		return
	}
	flushed := conn.SetPower(state)
	if flushed > 0 {
		r.logger.Info("flushed queued commands after wake", "agent_id", agentID, "count", flushed)
	}
}
