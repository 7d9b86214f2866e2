// Package stream brokers live screen content from agents to authenticated
// viewers over one-shot session tokens.
package stream

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

// viewerBufferThreshold is the queued-frame depth past which new frames are
// dropped rather than delivered late.
const viewerBufferThreshold = 30

// Session is one live viewer<->agent stream.
type Session struct {
	ID        string
	AgentID   string
	UserID    string
	DisplayID int
	Quality   int
	MaxFPS    int

	viewer registry.Socket
	wmu    sync.Mutex // serializes socket writes; never held with mu
	mu     sync.Mutex
	closed bool

	lastActivity time.Time
	frameCh      chan relayFrame
	pumpEnded    bool

	framesRelayed   uint64
	framesDropped   uint64
	inputsForwarded uint64
}

type relayFrame struct {
	header []byte
	binary []byte
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

// LastActivity returns the time of the most recent frame or viewer traffic.
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

// Broker owns stream sessions and the token mint.
type Broker struct {
	store      store.Store
	registry   *registry.Registry
	metrics    *metrics.Metrics
	logger     *slog.Logger
	tokenTTL   time.Duration
	maxPerAgnt int

	mu       sync.RWMutex
	sessions map[string]*Session            // session_id -> session
	byAgent  map[string]map[string]*Session // agent_id -> session_id -> session
}

// NewBroker creates a stream broker and hooks agent disconnects.
func NewBroker(s store.Store, r *registry.Registry, m *metrics.Metrics, logger *slog.Logger, tokenTTL time.Duration, maxPerAgent int) *Broker {
	if tokenTTL <= 0 {
		tokenTTL = 5 * time.Minute
	}
	if maxPerAgent <= 0 {
		maxPerAgent = 3
	}
	b := &Broker{
		store:      s,
		registry:   r,
		metrics:    m,
		logger:     logger.With("component", "stream"),
		tokenTTL:   tokenTTL,
		maxPerAgnt: maxPerAgent,
		sessions:   make(map[string]*Session),
		byAgent:    make(map[string]map[string]*Session),
	}
	r.OnDisconnect(b.handleAgentDisconnect)
	return b
}

// Mint validates preconditions and persists a one-shot stream token. Live
// sessions plus outstanding unredeemed tokens count against the per-agent
// cap, so a burst of mints cannot be redeemed into excess sessions later.
func (b *Broker) Mint(ctx context.Context, agentID, userID string, displayID, quality, maxFPS int, remoteAddr string) (*store.StreamToken, error) {
	conn, ok := b.registry.Get(agentID)
	if !ok {
		return nil, errors.NotConnected("agent is not connected")
	}
	if conn.Power() != protocol.PowerActive {
		return nil, errors.PolicyDenied("agent is not in the ACTIVE state")
	}
	outstanding, err := b.store.CountStreamTokensForAgent(ctx, agentID)
	if err != nil {
		return nil, errors.Internal("count stream tokens", err)
	}
	if b.liveSessionCount(agentID)+outstanding >= b.maxPerAgnt {
		return nil, errors.LimitExceeded("too many concurrent streams for this agent")
	}

	if quality <= 0 || quality > 100 {
		quality = 75
	}
	if maxFPS <= 0 {
		maxFPS = 30
	}

	tok := &store.StreamToken{
		Token:         uuid.New().String(),
		AgentID:       agentID,
		UserID:        userID,
		DisplayID:     displayID,
		Quality:       quality,
		MaxFPS:        maxFPS,
		RemoteAddress: remoteAddr,
		ExpiresAt:     time.Now().Add(b.tokenTTL),
	}
	if err := b.store.CreateStreamToken(ctx, tok); err != nil {
		return nil, errors.Internal("persist stream token", err)
	}
	return tok, nil
}

// Attach redeems a token and starts a stream session for the viewer. The
// token is consumed atomically: a second redemption fails. The per-agent cap
// is re-checked at insert time; tokens minted earlier do not bypass it. The
// viewer is signaled only after the agent acknowledges stream_start.
func (b *Broker) Attach(ctx context.Context, token string, viewer registry.Socket) (*Session, error) {
	tok, err := b.store.ConsumeStreamToken(ctx, token)
	if err != nil {
		return nil, errors.Internal("consume stream token", err)
	}
	if tok == nil {
		return nil, errors.AuthFailed("invalid or expired stream token")
	}

	if _, ok := b.registry.Get(tok.AgentID); !ok {
		return nil, errors.NotConnected("agent is not connected")
	}

	sess := &Session{
		ID:           uuid.New().String(),
		AgentID:      tok.AgentID,
		UserID:       tok.UserID,
		DisplayID:    tok.DisplayID,
		Quality:      tok.Quality,
		MaxFPS:       tok.MaxFPS,
		viewer:       viewer,
		lastActivity: time.Now(),
		frameCh:      make(chan relayFrame, viewerBufferThreshold),
	}

	b.mu.Lock()
	if len(b.byAgent[sess.AgentID]) >= b.maxPerAgnt {
		b.mu.Unlock()
		return nil, errors.LimitExceeded("too many concurrent streams for this agent")
	}
	b.sessions[sess.ID] = sess
	if b.byAgent[sess.AgentID] == nil {
		b.byAgent[sess.AgentID] = make(map[string]*Session)
	}
	b.byAgent[sess.AgentID][sess.ID] = sess
	b.mu.Unlock()
	b.metrics.ActiveStreams.Inc()

	if err := b.startAgentStream(ctx, sess); err != nil {
		b.remove(sess)
		return nil, err
	}

	go b.framePump(sess)

	_ = sess.sendJSON(protocol.StreamReady{
		Type:      protocol.ServerStreamStarted,
		SessionID: sess.ID,
		DisplayID: sess.DisplayID,
		Quality:   sess.Quality,
		MaxFPS:    sess.MaxFPS,
	})
	return sess, nil
}

// startAgentStream pushes stream_start through the correlation path and
// waits for the agent's acknowledgment.
func (b *Broker) startAgentStream(ctx context.Context, sess *Session) error {
	msg := protocol.StreamStart{
		Type:      protocol.TypeStreamStart,
		ID:        uuid.New().String(),
		SessionID: sess.ID,
		DisplayID: sess.DisplayID,
		Quality:   sess.Quality,
		MaxFPS:    sess.MaxFPS,
	}
	resp, err := b.registry.SendCorrelated(ctx, sess.AgentID, protocol.TypeStreamStart, msg.ID, msg, 0)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return errors.Peer(resp.Error)
	}
	return nil
}

// framePump delivers queued frames to the viewer in order. Dropping happens
// at enqueue time; the pump itself never discards.
func (b *Broker) framePump(sess *Session) {
	for frame := range sess.frameCh {
		if err := b.writeFramePair(sess, frame); err != nil {
			b.logger.Debug("viewer write failed", "session_id", sess.ID, "error", err)
			b.Teardown(sess.ID, true)
			return
		}
	}
}

func (b *Broker) writeFramePair(sess *Session, frame relayFrame) error {
	if sess.isClosed() {
		return websocket.ErrCloseSent
	}
	sess.wmu.Lock()
	defer sess.wmu.Unlock()
	if err := sess.viewer.WriteMessage(websocket.TextMessage, frame.header); err != nil {
		return err
	}
	return sess.viewer.WriteMessage(websocket.BinaryMessage, frame.binary)
}

// RelayFrame forwards one header+binary pair from the agent to the session's
// viewer. The outgoing header is relabeled "frame". Slow viewers lose frames,
// never inputs.
func (b *Broker) RelayFrame(header *protocol.StreamFrame, binary []byte) {
	b.mu.RLock()
	sess, ok := b.sessions[header.SessionID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	out, err := json.Marshal(protocol.FrameHeader{
		Type:      protocol.ServerFrame,
		SessionID: header.SessionID,
		Sequence:  header.Sequence,
		Timestamp: header.Timestamp,
		NumRects:  header.NumRects,
		FrameSize: header.FrameSize,
	})
	if err != nil {
		return
	}

	sess.mu.Lock()
	if sess.pumpEnded {
		sess.mu.Unlock()
		return
	}
	select {
	case sess.frameCh <- relayFrame{header: out, binary: binary}:
		sess.framesRelayed++
		sess.lastActivity = time.Now()
		sess.mu.Unlock()
		b.metrics.FramesRelayed.Inc()
	default:
		sess.framesDropped++
		dropped := sess.framesDropped
		sess.mu.Unlock()
		b.metrics.FramesDropped.Inc()
		if dropped%100 == 1 {
			b.logger.Warn("dropping frames for slow viewer",
				"session_id", sess.ID, "dropped", dropped)
		}
	}
}

// RelayEvent forwards a JSON-only agent event (stream_cursor, stream_error)
// to the session's viewer with payload fields preserved.
func (b *Broker) RelayEvent(sessionID string, raw json.RawMessage) {
	b.mu.RLock()
	sess, ok := b.sessions[sessionID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	if sess.isClosed() {
		return
	}
	sess.wmu.Lock()
	defer sess.wmu.Unlock()
	_ = sess.viewer.WriteMessage(websocket.TextMessage, raw)
}

// HandleViewerMessage processes one JSON message from the viewer.
func (b *Broker) HandleViewerMessage(ctx context.Context, sess *Session, raw []byte) error {
	var msg protocol.ViewerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return errors.Protocol("malformed viewer message")
	}
	sess.touch()

	switch msg.Type {
	case protocol.ViewerInput:
		return b.forwardInput(sess, raw)
	case protocol.ViewerQualityChange:
		if msg.Quality > 0 && msg.Quality <= 100 {
			sess.mu.Lock()
			sess.Quality = msg.Quality
			sess.mu.Unlock()
		}
		if msg.MaxFPS > 0 {
			sess.mu.Lock()
			sess.MaxFPS = msg.MaxFPS
			sess.mu.Unlock()
		}
		return b.restart(ctx, sess)
	case protocol.ViewerRefresh:
		return b.restart(ctx, sess)
	case protocol.ViewerStreamStop:
		b.Teardown(sess.ID, true)
		return nil
	case protocol.ViewerPing:
		return sess.sendJSON(map[string]string{"type": protocol.ServerPong})
	default:
		b.logger.Debug("unknown viewer message", "type", msg.Type, "session_id", sess.ID)
		return nil
	}
}

func (b *Broker) forwardInput(sess *Session, raw []byte) error {
	conn, ok := b.registry.Get(sess.AgentID)
	if !ok {
		return errors.AgentDisconnected("agent disconnected")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return errors.Protocol("malformed input event")
	}
	typ, _ := json.Marshal(protocol.TypeStreamInput)
	fields["type"] = typ
	id, _ := json.Marshal(uuid.New().String())
	fields["id"] = id
	sid, _ := json.Marshal(sess.ID)
	fields["sessionId"] = sid

	if err := conn.Send(fields); err != nil {
		return err
	}
	sess.mu.Lock()
	sess.inputsForwarded++
	sess.mu.Unlock()
	return nil
}

// restart stops and restarts the agent-side stream with current parameters.
func (b *Broker) restart(ctx context.Context, sess *Session) error {
	conn, ok := b.registry.Get(sess.AgentID)
	if !ok {
		return errors.AgentDisconnected("agent disconnected")
	}
	_ = conn.Send(protocol.StreamStop{
		Type:      protocol.TypeStreamStop,
		ID:        uuid.New().String(),
		SessionID: sess.ID,
	})
	return b.startAgentStream(ctx, sess)
}

// Teardown ends a session: best-effort stream_stop to the agent, close the
// viewer with 1000.
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
			_ = conn.Send(protocol.StreamStop{
				Type:      protocol.TypeStreamStop,
				ID:        uuid.New().String(),
				SessionID: sess.ID,
			})
		}
	}
	sess.closeViewer(protocol.CloseNormal, "")
}

// Abort ends a session over a protocol violation: the viewer gets an
// explanatory error frame, then a 1008 close. The agent still gets a
// best-effort stream_stop.
func (b *Broker) Abort(sessionID, message, code string) {
	b.mu.Lock()
	sess, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return
	}
	b.remove(sess)

	if conn, ok := b.registry.Get(sess.AgentID); ok {
		_ = conn.Send(protocol.StreamStop{
			Type:      protocol.TypeStreamStop,
			ID:        uuid.New().String(),
			SessionID: sess.ID,
		})
	}
	_ = sess.sendJSON(protocol.ViewerError{
		Type:      protocol.ServerError,
		SessionID: sess.ID,
		Error:     message,
		Code:      code,
	})
	sess.closeViewer(protocol.ClosePolicyViolation, code)
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
		b.logger.Info("ended stream sessions after agent disconnect",
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
		b.metrics.ActiveStreams.Dec()
		sess.mu.Lock()
		if !sess.pumpEnded {
			sess.pumpEnded = true
			close(sess.frameCh)
		}
		sess.mu.Unlock()
	}
}

// SweepInactive tears down sessions with no frame or viewer traffic for
// maxIdle. Returns the number of sessions ended.
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
		b.logger.Info("ending idle stream session",
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

func (b *Broker) liveSessionCount(agentID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byAgent[agentID])
}

// Counters reports relay statistics for a session.
func (s *Session) Counters() (relayed, dropped, inputs uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.framesRelayed, s.framesDropped, s.inputsForwarded
}
