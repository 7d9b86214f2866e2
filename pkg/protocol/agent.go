// Package protocol defines the JSON wire messages exchanged between the
// control plane, its agents, and stream/terminal viewers over WebSocket.
//
// Messages are flat JSON objects tagged by a "type" field. Binary WebSocket
// frames are reserved for screen-stream payloads and are always preceded by a
// StreamFrame JSON header announcing the payload size.
package protocol

import "encoding/json"

// Message types sent by agents.
const (
	TypeRegister      = "register"
	TypeHeartbeat     = "heartbeat"
	TypeStateChange   = "state_change"
	TypeToolsChanged  = "tools_changed"
	TypeResponse      = "response"
	TypeError         = "error"
	TypePong          = "pong"
	TypeRelayRequest  = "relay_request"
	TypeRelayLegacy   = "relay" // older agents use "relay" for relay_request
	TypeStreamStarted = "stream_started"
	TypeStreamStopped = "stream_stopped"
	TypeStreamFrame   = "stream_frame"
	TypeStreamCursor  = "stream_cursor"
	TypeStreamError   = "stream_error"
)

// Message types sent by the server.
const (
	TypeRegistered    = "registered"
	TypeHeartbeatAck  = "heartbeat_ack"
	TypeRequest       = "request"
	TypeConfig        = "config"
	TypeStreamStart   = "stream_start"
	TypeStreamStop    = "stream_stop"
	TypeStreamInput   = "stream_input"
	TypeRelayResponse = "relay_response"
	TypePing          = "ping"
)

// Power states reported by agents. The heartbeat cadence derives from these.
const (
	PowerActive  = "ACTIVE"
	PowerPassive = "PASSIVE"
	PowerSleep   = "SLEEP"
)

// WebSocket close codes used by the control plane.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseRegisterFailed  = 4000
	CloseAuthFailed      = 4001
)

// Tag is the minimal decode used to pick a handler for an inbound frame.
type Tag struct {
	Type string `json:"type"`
}

// Fingerprint identifies a physical machine across reinstalls.
type Fingerprint struct {
	Hostname     string   `json:"hostname"`
	CPUModel     string   `json:"cpuModel"`
	MACAddresses []string `json:"macAddresses"`
}

// Register is the first frame an agent sends after connecting.
type Register struct {
	Type         string      `json:"type"`
	MachineID    string      `json:"machineId"`
	MachineName  string      `json:"machineName"`
	OSType       string      `json:"osType"`
	OSVersion    string      `json:"osVersion"`
	Arch         string      `json:"arch"`
	AgentVersion string      `json:"agentVersion"`
	Fingerprint  Fingerprint `json:"fingerprint"`
	LicenseUUID  string      `json:"licenseUuid,omitempty"`
	CustomerID   string      `json:"customerId,omitempty"`
	AgentName    string      `json:"agentName,omitempty"`
	Capabilities []string    `json:"capabilities,omitempty"`
	HasDisplay   *bool       `json:"hasDisplay,omitempty"`
}

// RegisteredConfig carries the initial pacing parameters.
type RegisteredConfig struct {
	HeartbeatInterval int `json:"heartbeatInterval"` // milliseconds
	GraceHours        int `json:"graceHours"`
}

// Registered acknowledges a successful registration.
type Registered struct {
	Type          string           `json:"type"`
	ID            string           `json:"id"` // connection_id
	AgentID       string           `json:"agentId"`
	LicenseStatus string           `json:"licenseStatus"`
	LicenseUUID   string           `json:"licenseUuid,omitempty"`
	State         string           `json:"state"`
	PowerState    string           `json:"powerState"`
	Config        RegisteredConfig `json:"config"`
}

// Heartbeat is the agent's periodic liveness report.
type Heartbeat struct {
	Type           string `json:"type"`
	Timestamp      int64  `json:"timestamp"`
	PowerState     string `json:"powerState,omitempty"`
	IsScreenLocked *bool  `json:"isScreenLocked,omitempty"`
	HasDisplay     *bool  `json:"hasDisplay,omitempty"`
	CurrentTask    string `json:"currentTask,omitempty"`
	DefaultBrowser string `json:"defaultBrowser,omitempty"`
}

// Permissions is the server-controlled permission snapshot delivered with
// every heartbeat ack.
type Permissions struct {
	MasterMode          bool `json:"masterMode"`
	FileTransfer        bool `json:"fileTransfer"`
	LocalSettingsLocked bool `json:"localSettingsLocked"`
}

// AckConfig reconfigures the agent from a heartbeat ack. State is ACTIVE or
// DEGRADED and is only sent when the license status changed.
type AckConfig struct {
	HeartbeatInterval int    `json:"heartbeatInterval"`
	State             string `json:"state,omitempty"`
}

// HeartbeatAck answers a heartbeat.
type HeartbeatAck struct {
	Type            string      `json:"type"`
	ID              string      `json:"id,omitempty"`
	LicenseStatus   string      `json:"licenseStatus"`
	LicenseChanged  bool        `json:"licenseChanged"`
	LicenseMessage  string      `json:"licenseMessage,omitempty"`
	PendingCommands bool        `json:"pendingCommands"`
	UpdateFlag      int         `json:"u"` // 0 none, 1 available, 2 forced
	DefaultBrowser  string      `json:"defaultBrowser,omitempty"`
	Permissions     Permissions `json:"permissions"`
	Config          *AckConfig  `json:"config,omitempty"`
}

// StateChange is an out-of-band agent state delta.
type StateChange struct {
	Type           string  `json:"type"`
	PowerState     string  `json:"powerState,omitempty"`
	IsScreenLocked *bool   `json:"isScreenLocked,omitempty"`
	HasDisplay     *bool   `json:"hasDisplay,omitempty"`
	CurrentTask    *string `json:"currentTask,omitempty"`
}

// ToolsChanged notifies that the agent's capability set changed.
type ToolsChanged struct {
	Type                 string   `json:"type"`
	BrowserBridgeRunning bool     `json:"browserBridgeRunning"`
	Capabilities         []string `json:"capabilities,omitempty"`
	Timestamp            int64    `json:"timestamp"`
}

// Request is a server-originated command to the agent. The agent echoes ID
// in its response or error frame.
type Request struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response resolves a pending Request. Exactly one of Result or Error is set.
type Response struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ConfigUpdate pushes new pacing parameters outside the heartbeat cycle.
type ConfigUpdate struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Config ConfigUpdateBody `json:"config"`
}

// ConfigUpdateBody is the payload of a ConfigUpdate.
type ConfigUpdateBody struct {
	HeartbeatInterval int    `json:"heartbeatInterval"`
	PowerState        string `json:"powerState,omitempty"`
}

// RelayRequest is a master agent's command fan-out to a peer.
type RelayRequest struct {
	Type          string          `json:"type"`
	ID            string          `json:"id"`
	TargetAgentID string          `json:"targetAgentId"`
	Method        string          `json:"method"`
	Params        json.RawMessage `json:"params,omitempty"`
}

// RelayResponse resolves a RelayRequest. Exactly one of Result or Error is set.
type RelayResponse struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// StreamStart instructs the agent to begin streaming a display.
type StreamStart struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	DisplayID int    `json:"displayId"`
	Quality   int    `json:"quality"`
	MaxFPS    int    `json:"maxFps"`
}

// StreamStop instructs the agent to stop a stream session.
type StreamStop struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	SessionID string `json:"sessionId"`
}

// StreamInput forwards viewer mouse or keyboard input to the agent.
type StreamInput struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	SessionID string          `json:"sessionId"`
	Input     json.RawMessage `json:"input"`
}

// StreamFrame is the JSON header announcing one binary frame of exactly
// FrameSize bytes immediately following on the same socket.
type StreamFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Sequence  uint32 `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
	NumRects  int    `json:"numRects"`
	FrameSize int    `json:"frameSize"`
}

// StreamEvent covers stream_started, stream_stopped, stream_cursor, and
// stream_error passthrough frames. Payload fields beyond the session id are
// preserved verbatim by relaying the raw frame.
type StreamEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Error     string `json:"error,omitempty"`
}

// ErrorMessage is a server-side error frame, used for registration failure.
type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}
