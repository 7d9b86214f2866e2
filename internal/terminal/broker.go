// Package terminal brokers interactive shell sessions between agents and
// authenticated viewers. The agent's shell API is pull-based, so each session
// runs an output poll pump.
package terminal

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
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	pollInterval = 100 * time.Millisecond
	pollTimeout  = 5 * time.Second
)

// Session is one live viewer<->agent shell. The agent-side shell session id is
// held privately: the viewer only ever sees the broker-assigned ID, which lets
// the broker restart the shell without the viewer noticing.
type Session struct {
	ID      string
	AgentID string
	UserID  string

	shellID string

	viewer registry.Socket
	wmu    sync.Mutex // serializes socket writes; never held with mu
	mu     sync.Mutex
	closed bool

	lastActivity time.Time
	stopPoll     chan struct{}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the most recent viewer or shell traffic.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if s.isClosed() {
		return websocket.ErrCloseSent
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.viewer.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) closeViewer(code int, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.wmu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.viewer.WriteMessage(websocket.CloseMessage, msg)
	s.wmu.Unlock()
	_ = s.viewer.Close()
}

// Broker owns terminal sessions and the token mint.
type Broker struct {
	store    store.Store
	registry *registry.Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger
	tokenTTL time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session            // session_id -> session
	byAgent  map[string]map[string]*Session // agent_id -> session_id -> session
}

// NewBroker creates a terminal broker and hooks agent disconnects.
func NewBroker(s store.Store, r *registry.Registry, m *metrics.Metrics, logger *slog.Logger, tokenTTL time.Duration) *Broker {
	if tokenTTL <= 0 {
		tokenTTL = 5 * time.Minute
	}
	b := &Broker{
		store:    s,
		registry: r,
		metrics:  m,
		logger:   logger.With("component", "terminal"),
		tokenTTL: tokenTTL,
		sessions: make(map[string]*Session),
		byAgent:  make(map[string]map[string]*Session),
	}
	r.OnDisconnect(b.handleAgentDisconnect)
	return b
}

// Mint validates preconditions and persists a one-shot terminal token.
func (b *Broker) Mint(ctx context.Context, agentID, userID, remoteAddr string) (*store.TerminalToken, error) {
	conn, ok := b.registry.Get(agentID)
	if !ok {
		return nil, errors.NotConnected("agent is not connected")
	}
	if conn.Power() != protocol.PowerActive {
		return nil, errors.PolicyDenied("agent is not in the ACTIVE state")
	}

	tok := &store.TerminalToken{
		Token:         uuid.New().String(),
		AgentID:       agentID,
		UserID:        userID,
		RemoteAddress: remoteAddr,
		ExpiresAt:     time.Now().Add(b.tokenTTL),
	}
	if err := b.store.CreateTerminalToken(ctx, tok); err != nil {
		return nil, errors.Internal("persist terminal token", err)
	}
	return tok, nil
}

type shellStartResult struct {
	SessionID      string `json:"sessionId"`
	SessionIDSnake string `json:"session_id"`
}

func (r shellStartResult) id() string {
	if r.SessionID != "" {
		return r.SessionID
	}
	return r.SessionIDSnake
}

// Attach redeems a token, starts a shell on the agent, and begins the output
// poll pump. The token is consumed atomically: a second redemption fails.
func (b *Broker) Attach(ctx context.Context, token string, cols, rows int, viewer registry.Socket) (*Session, error) {
	tok, err := b.store.ConsumeTerminalToken(ctx, token)
	if err != nil {
		return nil, errors.Internal("consume terminal token", err)
	}
	if tok == nil {
		return nil, errors.AuthFailed("invalid or expired terminal token")
	}
	if _, ok := b.registry.Get(tok.AgentID); !ok {
		return nil, errors.NotConnected("agent is not connected")
	}

	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	params, _ := json.Marshal(map[string]int{"cols": cols, "rows": rows})
	resp, err := b.registry.SendCommand(ctx, tok.AgentID, "shell_start_session", params, 0)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.Peer(resp.Error)
	}
	var started shellStartResult
	if err := json.Unmarshal(resp.Result, &started); err != nil || started.id() == "" {
		return nil, errors.Protocol("agent did not return a shell session id")
	}

	sess := &Session{
		ID:           uuid.New().String(),
		AgentID:      tok.AgentID,
		UserID:       tok.UserID,
		shellID:      started.id(),
		viewer:       viewer,
		lastActivity: time.Now(),
		stopPoll:     make(chan struct{}),
	}

	b.mu.Lock()
	b.sessions[sess.ID] = sess
	if b.byAgent[sess.AgentID] == nil {
		b.byAgent[sess.AgentID] = make(map[string]*Session)
	}
	b.byAgent[sess.AgentID][sess.ID] = sess
	b.mu.Unlock()
	b.metrics.ActiveTerminals.Inc()

	go b.outputPump(sess)

	_ = sess.sendJSON(protocol.TerminalReady{
		Type:      protocol.ServerTerminalReady,
		SessionID: sess.ID,
	})
	return sess, nil
}

// outputPump polls the agent's shell for output on a fixed cadence and
// forwards non-empty payloads to the viewer.
func (b *Broker) outputPump(sess *Session) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.stopPoll:
			return
		case <-ticker.C:
		}

		data, err := b.readOutput(sess)
		if err != nil {
			if errors.Kind(err) == errors.KindAgentDisconnected ||
				errors.Kind(err) == errors.KindNotConnected {
				return
			}
			b.logger.Debug("shell output poll failed",
				"session_id", sess.ID, "error", err)
			continue
		}
		if data == "" {
			continue
		}
		sess.touch()
		if err := sess.sendJSON(protocol.TerminalOutput{
			Type:      protocol.ServerTerminalOutput,
			SessionID: sess.ID,
			Data:      data,
		}); err != nil {
			b.Teardown(sess.ID, true)
			return
		}
	}
}

func (b *Broker) readOutput(sess *Session) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
	defer cancel()

	params, _ := json.Marshal(map[string]string{"session_id": sess.shellID})
	resp, err := b.registry.SendCommand(ctx, sess.AgentID, "shell_read_output", params, pollTimeout)
	if err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", errors.Peer(resp.Error)
	}
	var out struct {
		Data   string `json:"data"`
		Output string `json:"output"`
	}
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return "", errors.Protocol("malformed shell output payload")
	}
	if out.Data != "" {
		return out.Data, nil
	}
	return out.Output, nil
}

// HandleViewerMessage processes one JSON message from the viewer.
func (b *Broker) HandleViewerMessage(ctx context.Context, sess *Session, raw []byte) error {
	var msg protocol.ViewerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return errors.Protocol("malformed viewer message")
	}
	sess.touch()

	switch msg.Type {
	case protocol.ViewerTerminalInput:
		params, _ := json.Marshal(map[string]string{
			"session_id": sess.shellID,
			"input":      msg.Data,
		})
		return b.forward(ctx, sess, "shell_send_input", params)
	case protocol.ViewerTerminalResize:
		params, _ := json.Marshal(map[string]any{
			"session_id": sess.shellID,
			"cols":       msg.Cols,
			"rows":       msg.Rows,
		})
		return b.forward(ctx, sess, "shell_resize", params)
	case protocol.ViewerTerminalStop:
		b.Teardown(sess.ID, true)
		return nil
	case protocol.ViewerPing:
		return sess.sendJSON(map[string]string{"type": protocol.ServerPong})
	default:
		b.logger.Debug("unknown viewer message", "type", msg.Type, "session_id", sess.ID)
		return nil
	}
}

func (b *Broker) forward(ctx context.Context, sess *Session, method string, params json.RawMessage) error {
	resp, err := b.registry.SendCommand(ctx, sess.AgentID, method, params, 0)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return errors.Peer(resp.Error)
	}
	return nil
}

// Teardown ends a session: stop the pump, best-effort shell stop on the
// agent, close the viewer with 1000. Errors during teardown are tolerated.
func (b *Broker) Teardown(sessionID string, sendStop bool) {
	b.mu.Lock()
	sess, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return
	}
	b.remove(sess)

	if sendStop {
		if conn, ok := b.registry.Get(sess.AgentID); ok {
			params, _ := json.Marshal(map[string]string{"session_id": sess.shellID})
			_ = conn.Send(protocol.Request{
				Type:   protocol.TypeRequest,
				ID:     uuid.New().String(),
				Method: "shell_stop_session",
				Params: params,
			})
		}
	}
	sess.closeViewer(protocol.CloseNormal, "")
}

// handleAgentDisconnect ends every session for the agent. Viewers learn why
// before the socket closes with 1001.
func (b *Broker) handleAgentDisconnect(agentID string) {
	b.mu.Lock()
	var ended []*Session
	for _, sess := range b.byAgent[agentID] {
		ended = append(ended, sess)
	}
	b.mu.Unlock()

	for _, sess := range ended {
		b.remove(sess)
		_ = sess.sendJSON(protocol.ViewerError{
			Type:  protocol.ServerError,
			Error: "Agent disconnected",
			Code:  errors.KindAgentDisconnected,
		})
		sess.closeViewer(protocol.CloseGoingAway, "agent disconnected")
	}
	if len(ended) > 0 {
		b.logger.Info("ended terminal sessions after agent disconnect",
			"agent_id", agentID, "count", len(ended))
	}
}

func (b *Broker) remove(sess *Session) {
	b.mu.Lock()
	_, present := b.sessions[sess.ID]
	if present {
		delete(b.sessions, sess.ID)
		if m := b.byAgent[sess.AgentID]; m != nil {
			delete(m, sess.ID)
			if len(m) == 0 {
				delete(b.byAgent, sess.AgentID)
			}
		}
	}
	b.mu.Unlock()
	if present {
		b.metrics.ActiveTerminals.Dec()
		sess.mu.Lock()
		select {
		case <-sess.stopPoll:
		default:
			close(sess.stopPoll)
		}
		sess.mu.Unlock()
	}
}

// SweepInactive tears down sessions with no shell output or viewer traffic
// for maxIdle. Returns the number of sessions ended.
func (b *Broker) SweepInactive(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-maxIdle)

	b.mu.RLock()
	var idle []*Session
	for _, sess := range b.sessions {
		if sess.LastActivity().Before(cutoff) {
			idle = append(idle, sess)
		}
	}
	b.mu.RUnlock()

	for _, sess := range idle {
		b.logger.Info("ending idle terminal session",
			"session_id", sess.ID, "agent_id", sess.AgentID)
		b.Teardown(sess.ID, true)
	}
	return len(idle)
}

// Get returns a live session.
func (b *Broker) Get(sessionID string) (*Session, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sess, ok := b.sessions[sessionID]
	return sess, ok
}
