// Package agentws owns the WebSocket session for each connected agent:
// registration, heartbeats, request correlation, and the stream frame path.
package agentws

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/deskwire/deskwire/internal/common/errors"
	"github.com/deskwire/deskwire/internal/master"
	"github.com/deskwire/deskwire/internal/metrics"
	"github.com/deskwire/deskwire/internal/policy"
	"github.com/deskwire/deskwire/internal/registry"
	"github.com/deskwire/deskwire/internal/store"
	"github.com/deskwire/deskwire/internal/stream"
	"github.com/deskwire/deskwire/internal/tools"
	"github.com/deskwire/deskwire/pkg/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// registerTimeout bounds how long a socket may sit idle before its first
// register frame.
const registerTimeout = 30 * time.Second

// Handler runs agent connections. It is the only component holding the live
// socket; everything else reaches agents through the registry.
type Handler struct {
	store      store.Store
	registry   *registry.Registry
	policy     *policy.Evaluator
	catalog    *tools.Catalog
	streams    *stream.Broker
	relay      *master.Relay
	metrics    *metrics.Metrics
	logger     *slog.Logger
	graceHours int
}

// New creates an agent connection handler.
func New(s store.Store, r *registry.Registry, p *policy.Evaluator, c *tools.Catalog,
	sb *stream.Broker, rl *master.Relay, m *metrics.Metrics, logger *slog.Logger, graceHours int) *Handler {
	if graceHours <= 0 {
		graceHours = 72
	}
	return &Handler{
		store:      s,
		registry:   r,
		policy:     p,
		catalog:    c,
		streams:    sb,
		relay:      rl,
		metrics:    m,
		logger:     logger.With("component", "agentws"),
		graceHours: graceHours,
	}
}

// Serve runs one agent connection to completion. The first frame must be a
// valid register; everything after is dispatched by type.
func (h *Handler) Serve(ctx context.Context, ws *websocket.Conn) {
	defer ws.Close()

	_ = ws.SetReadDeadline(time.Now().Add(registerTimeout))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		return
	}
	_ = ws.SetReadDeadline(time.Time{})

	var reg protocol.Register
	if err := json.Unmarshal(raw, &reg); err != nil || reg.Type != protocol.TypeRegister {
		h.failRegistration(ws)
		return
	}

	agent, licenseStatus, err := h.registerAgent(ctx, &reg)
	if err != nil {
		h.logger.Warn("registration failed",
			"machine_id", reg.MachineID, "hostname", reg.Fingerprint.Hostname, "error", err)
		h.failRegistration(ws)
		return
	}

	conn := registry.NewConn(agent.ID, agent.OwnerID, ws, h.registry.QueueCap())
	conn.OSType = agent.OSType
	conn.Arch = agent.Arch
	conn.Version = agent.AgentVersion
	conn.UpdateState(registry.StateDelta{HasDisplay: &agent.HasDisplay})
	h.registry.Add(conn)

	if agent.MasterModeEnabled {
		h.relay.Register(agent.ID, agent.OwnerID)
	}
	if len(reg.Capabilities) > 0 {
		if err := h.catalog.UpdateCapabilities(ctx, agent.ID, reg.Capabilities); err != nil {
			h.logger.Warn("capability update failed", "agent_id", agent.ID, "error", err)
		}
	}

	connID := uuid.New().String()
	_ = conn.SendDirect(protocol.Registered{
		Type:          protocol.TypeRegistered,
		ID:            connID,
		AgentID:       agent.ID,
		LicenseStatus: licenseStatus,
		LicenseUUID:   agent.LicenseUUID,
		State:         logicalState(licenseStatus),
		PowerState:    conn.Power(),
		Config: protocol.RegisteredConfig{
			HeartbeatInterval: intervalMillis(conn.Power()),
			GraceHours:        h.graceHours,
		},
	})

	h.logger.Info("agent registered",
		"agent_id", agent.ID, "connection_id", connID,
		"hostname", agent.Hostname, "os", agent.OSType, "version", agent.AgentVersion)

	defer func() {
		h.registry.Remove(agent.ID, conn)
		_ = h.store.UpdateAgentLastSeen(context.Background(), agent.ID, time.Now())
		h.policy.Forget(agent.ID)
		h.logger.Info("agent disconnected", "agent_id", agent.ID, "connection_id", connID)
	}()

	h.readLoop(ctx, ws, conn, agent)
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, conn *registry.Conn, agent *store.Agent) {
	for {
		messageType, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType == websocket.BinaryMessage {
			// Binary frames are only valid directly after a stream_frame header.
			h.logger.Warn("unpaired binary frame", "agent_id", agent.ID)
			continue
		}

		var tag protocol.Tag
		if err := json.Unmarshal(raw, &tag); err != nil {
			h.logger.Warn("malformed frame", "agent_id", agent.ID, "error", err)
			continue
		}

		switch tag.Type {
		case protocol.TypeHeartbeat:
			h.handleHeartbeat(ctx, conn, agent, raw)
		case protocol.TypeStateChange:
			h.handleStateChange(ctx, conn, agent, raw)
		case protocol.TypeToolsChanged:
			h.handleToolsChanged(ctx, agent, raw)
		case protocol.TypeResponse:
			var resp protocol.Response
			if err := json.Unmarshal(raw, &resp); err == nil {
				h.registry.Resolve(&resp)
			}
		case protocol.TypeError:
			var resp protocol.Response
			if err := json.Unmarshal(raw, &resp); err == nil && resp.ID != "" {
				if resp.Error == "" {
					resp.Error = "agent error"
				}
				h.registry.Resolve(&resp)
			}
		case protocol.TypePong:
			conn.Touch()
		case protocol.TypeRelayRequest, protocol.TypeRelayLegacy:
			var rr protocol.RelayRequest
			if err := json.Unmarshal(raw, &rr); err == nil {
				rr.Type = protocol.TypeRelayRequest
				h.relay.HandleRelayRequest(ctx, agent.ID, &rr)
			}
		case protocol.TypeStreamFrame:
			if err := h.handleStreamFrame(ws, agent, raw); err != nil {
				return
			}
		case protocol.TypeStreamStopped:
			var ev protocol.StreamEvent
			if err := json.Unmarshal(raw, &ev); err == nil {
				h.streams.Teardown(ev.SessionID, false)
			}
		case protocol.TypeStreamStarted:
			// The viewer already got stream_started when the agent
			// acknowledged stream_start; relaying this would duplicate it.
		case protocol.TypeStreamCursor, protocol.TypeStreamError:
			var ev protocol.StreamEvent
			if err := json.Unmarshal(raw, &ev); err == nil {
				h.streams.RelayEvent(ev.SessionID, raw)
			}
		default:
			h.logger.Debug("unknown message type", "agent_id", agent.ID, "type", tag.Type)
		}
	}
}

// handleStreamFrame enforces the header/binary pairing: the frame following a
// stream_frame header must be binary and exactly frameSize bytes. A socket
// error ends the connection; a pairing violation only ends the session.
func (h *Handler) handleStreamFrame(ws *websocket.Conn, agent *store.Agent, raw []byte) error {
	var header protocol.StreamFrame
	if err := json.Unmarshal(raw, &header); err != nil {
		h.logger.Warn("malformed stream_frame header", "agent_id", agent.ID, "error", err)
		return nil
	}

	messageType, binary, err := ws.ReadMessage()
	if err != nil {
		return err
	}
	if messageType != websocket.BinaryMessage || len(binary) != header.FrameSize {
		h.logger.Warn("stream frame pairing violated",
			"agent_id", agent.ID, "session_id", header.SessionID,
			"expected", header.FrameSize, "got", len(binary))
		h.streams.Abort(header.SessionID, "stream frame pairing violated", errors.KindProtocolError)
		return nil
	}

	h.streams.RelayFrame(&header, binary)
	return nil
}

func (h *Handler) handleHeartbeat(ctx context.Context, conn *registry.Conn, agent *store.Agent, raw []byte) {
	var hb protocol.Heartbeat
	if err := json.Unmarshal(raw, &hb); err != nil {
		return
	}
	conn.Touch()
	h.metrics.HeartbeatsTotal.Inc()

	delta := registry.StateDelta{
		ScreenLocked: hb.IsScreenLocked,
		HasDisplay:   hb.HasDisplay,
	}
	if hb.CurrentTask != "" {
		delta.CurrentTask = &hb.CurrentTask
	}
	conn.UpdateState(delta)

	prevPower := conn.Power()
	if hb.PowerState != "" && hb.PowerState != prevPower {
		h.registry.SetPower(agent.ID, hb.PowerState)
	}
	powerChanged := hb.PowerState != "" && hb.PowerState != prevPower

	// Permissions may have been flipped through the API since the last
	// heartbeat, so evaluate against a fresh row.
	fresh, err := h.store.GetAgent(ctx, agent.ID)
	if err != nil || fresh == nil {
		fresh = agent
	} else {
		*agent = *fresh
	}

	if hb.HasDisplay != nil && fresh.HasDisplay != *hb.HasDisplay {
		fresh.HasDisplay = *hb.HasDisplay
		agent.HasDisplay = *hb.HasDisplay
		if err := h.store.UpdateAgentOnRegister(ctx, fresh); err != nil {
			h.logger.Warn("persisting display change failed", "agent_id", agent.ID, "error", err)
		}
	}

	res := h.policy.Evaluate(ctx, fresh, hb.DefaultBrowser)

	ack := protocol.HeartbeatAck{
		Type:            protocol.TypeHeartbeatAck,
		ID:              uuid.New().String(),
		LicenseStatus:   res.LicenseStatus,
		LicenseChanged:  res.LicenseChanged,
		LicenseMessage:  res.LicenseMessage,
		PendingCommands: conn.QueueLen() > 0,
		UpdateFlag:      res.UpdateFlag,
		DefaultBrowser:  res.DefaultBrowser,
		Permissions: protocol.Permissions{
			MasterMode:          res.MasterMode,
			FileTransfer:        res.FileTransfer,
			LocalSettingsLocked: res.SettingsLocked,
		},
	}
	if res.LicenseChanged || powerChanged {
		ack.Config = &protocol.AckConfig{
			HeartbeatInterval: intervalMillis(conn.Power()),
		}
		if res.LicenseChanged {
			ack.Config.State = logicalState(res.LicenseStatus)
		}
	}

	if err := conn.SendDirect(ack); err != nil {
		h.logger.Debug("heartbeat ack failed", "agent_id", agent.ID, "error", err)
	}
}

func (h *Handler) handleStateChange(ctx context.Context, conn *registry.Conn, agent *store.Agent, raw []byte) {
	var sc protocol.StateChange
	if err := json.Unmarshal(raw, &sc); err != nil {
		return
	}
	conn.UpdateState(registry.StateDelta{
		ScreenLocked: sc.IsScreenLocked,
		HasDisplay:   sc.HasDisplay,
		CurrentTask:  sc.CurrentTask,
	})
	if sc.PowerState != "" {
		h.registry.SetPower(agent.ID, sc.PowerState)
	}
	if sc.HasDisplay != nil && agent.HasDisplay != *sc.HasDisplay {
		agent.HasDisplay = *sc.HasDisplay
		if err := h.store.UpdateAgentOnRegister(ctx, agent); err != nil {
			h.logger.Warn("persisting display change failed", "agent_id", agent.ID, "error", err)
		}
	}
}

func (h *Handler) handleToolsChanged(ctx context.Context, agent *store.Agent, raw []byte) {
	var tc protocol.ToolsChanged
	if err := json.Unmarshal(raw, &tc); err != nil {
		return
	}
	if tc.Capabilities != nil {
		if err := h.catalog.UpdateCapabilities(ctx, agent.ID, tc.Capabilities); err != nil {
			h.logger.Warn("capability update failed", "agent_id", agent.ID, "error", err)
		}
	}
}

// registerAgent reconciles a register frame to a persistent agent row: by
// license first, then by (owner, fingerprint); otherwise a new pending row.
func (h *Handler) registerAgent(ctx context.Context, reg *protocol.Register) (*store.Agent, string, error) {
	fingerprint := fingerprintOf(&reg.Fingerprint)

	ownerID := reg.CustomerID
	licenseState := store.LicensePending
	if reg.LicenseUUID != "" {
		lic, err := h.store.GetLicense(ctx, reg.LicenseUUID)
		if err != nil {
			return nil, "", errors.Internal("license lookup", err)
		}
		if lic != nil {
			ownerID = lic.OwnerID
			licenseState = lic.State
		}
	}
	if ownerID == "" {
		return nil, "", errors.AuthFailed("no owner scope in registration")
	}

	var agent *store.Agent
	var err error
	if reg.LicenseUUID != "" {
		agent, err = h.store.GetAgentByLicense(ctx, reg.LicenseUUID)
		if err != nil {
			return nil, "", errors.Internal("agent lookup by license", err)
		}
	}
	if agent == nil {
		agent, err = h.store.GetAgentByFingerprint(ctx, ownerID, fingerprint)
		if err != nil {
			return nil, "", errors.Internal("agent lookup by fingerprint", err)
		}
	}

	if agent != nil {
		agent.OSType = reg.OSType
		agent.Arch = reg.Arch
		agent.AgentVersion = reg.AgentVersion
		agent.Hostname = reg.Fingerprint.Hostname
		if reg.AgentName != "" {
			agent.DisplayName = reg.AgentName
		}
		if reg.HasDisplay != nil {
			agent.HasDisplay = *reg.HasDisplay
		}
		if reg.LicenseUUID != "" {
			agent.LicenseUUID = reg.LicenseUUID
			agent.LicenseState = licenseState
		}
		if err := h.store.UpdateAgentOnRegister(ctx, agent); err != nil {
			return nil, "", errors.Internal("agent update", err)
		}
	} else {
		hasDisplay := true
		if reg.HasDisplay != nil {
			hasDisplay = *reg.HasDisplay
		}
		agent = &store.Agent{
			ID:                 uuid.New().String(),
			OwnerID:            ownerID,
			MachineFingerprint: fingerprint,
			LicenseUUID:        reg.LicenseUUID,
			LicenseState:       licenseState,
			OSType:             reg.OSType,
			Arch:               reg.Arch,
			AgentVersion:       reg.AgentVersion,
			Hostname:           reg.Fingerprint.Hostname,
			DisplayName:        reg.AgentName,
			HasDisplay:         hasDisplay,
			CreatedAt:          time.Now(),
			LastSeenAt:         time.Now(),
		}
		if err := h.store.CreateAgent(ctx, agent); err != nil {
			return nil, "", errors.Internal("agent create", err)
		}
		h.logger.Info("new agent created",
			"agent_id", agent.ID, "owner_id", ownerID, "hostname", agent.Hostname)
	}

	detail, _ := json.Marshal(map[string]string{
		"hostname": agent.Hostname, "version": agent.AgentVersion, "os": agent.OSType,
	})
	_ = h.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    "agent.register",
		AgentID:   agent.ID,
		Detail:    detail,
		CreatedAt: time.Now(),
	})

	// Seeds the policy memo so the first heartbeat reports licenseChanged
	// only if the status actually moved after registration.
	res := h.policy.Evaluate(ctx, agent, "")
	return agent, res.LicenseStatus, nil
}

func (h *Handler) failRegistration(ws *websocket.Conn) {
	out, err := json.Marshal(protocol.ErrorMessage{
		Type:  protocol.TypeError,
		Error: "Registration failed",
	})
	if err == nil {
		_ = ws.WriteMessage(websocket.TextMessage, out)
	}
	closeMsg := websocket.FormatCloseMessage(protocol.CloseRegisterFailed, "registration failed")
	_ = ws.WriteMessage(websocket.CloseMessage, closeMsg)
}

// fingerprintOf derives the stable machine fingerprint from the hardware
// facts the agent reports.
func fingerprintOf(fp *protocol.Fingerprint) string {
	sum := sha256.Sum256([]byte(fp.Hostname + "|" + fp.CPUModel + "|" + strings.Join(fp.MACAddresses, ",")))
	return hex.EncodeToString(sum[:])
}

// logicalState maps a license status onto the agent's coarse state.
func logicalState(licenseStatus string) string {
	switch licenseStatus {
	case store.LicenseActive, store.LicensePending:
		return "ACTIVE"
	default:
		return "DEGRADED"
	}
}

func intervalMillis(powerState string) int {
	return int(registry.HeartbeatInterval(powerState) / time.Millisecond)
}
