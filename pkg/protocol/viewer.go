package protocol

import "encoding/json"

// Viewer message types. The viewer presents its one-shot session token as the
// first frame; everything after is session traffic.
const (
	ViewerStreamStart    = "stream_start"
	ViewerTerminalStart  = "terminal_start"
	ViewerInput          = "input"
	ViewerQualityChange  = "quality_change"
	ViewerRefresh        = "refresh"
	ViewerStreamStop     = "stream_stop"
	ViewerTerminalInput  = "terminal_input"
	ViewerTerminalResize = "terminal_resize"
	ViewerTerminalStop   = "terminal_stop"
	ViewerPing           = "ping"

	ServerFrame          = "frame"
	ServerStreamStarted  = "stream_started"
	ServerCursor         = "stream_cursor"
	ServerTerminalOutput = "terminal_output"
	ServerTerminalReady  = "terminal_ready"
	ServerError          = "error"
	ServerPong           = "pong"
)

// ViewerHello is the first frame on a viewer socket.
type ViewerHello struct {
	Type         string `json:"type"`
	SessionToken string `json:"sessionToken"`
}

// ViewerMessage is the union of everything a viewer may send after binding.
type ViewerMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`

	// input fields
	InputType string  `json:"inputType,omitempty"` // "mouse" or "keyboard"
	Action    string  `json:"action,omitempty"`
	X         float64 `json:"x,omitempty"`
	Y         float64 `json:"y,omitempty"`
	Button    string  `json:"button,omitempty"`
	KeyCode   string  `json:"keyCode,omitempty"`
	Text      string  `json:"text,omitempty"`
	Modifiers []string `json:"modifiers,omitempty"`

	// quality_change fields
	Quality int `json:"quality,omitempty"`
	MaxFPS  int `json:"maxFps,omitempty"`

	// terminal fields
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// FrameHeader is the relabeled stream_frame header sent to viewers, followed
// by exactly one binary frame of FrameSize bytes.
type FrameHeader struct {
	Type      string `json:"type"` // "frame"
	SessionID string `json:"sessionId"`
	Sequence  uint32 `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
	NumRects  int    `json:"numRects"`
	FrameSize int    `json:"frameSize"`
}

// StreamReady tells the viewer its session is live.
type StreamReady struct {
	Type      string `json:"type"` // "stream_started"
	SessionID string `json:"sessionId"`
	DisplayID int    `json:"displayId,omitempty"`
	Quality   int    `json:"quality,omitempty"`
	MaxFPS    int    `json:"maxFps,omitempty"`
}

// TerminalReady tells the viewer its shell session is live.
type TerminalReady struct {
	Type      string `json:"type"` // "terminal_ready"
	SessionID string `json:"sessionId"`
}

// TerminalOutput forwards polled shell output.
type TerminalOutput struct {
	Type      string `json:"type"` // "terminal_output"
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

// ViewerError is an explanatory error frame sent before closing a viewer.
type ViewerError struct {
	Type      string `json:"type"` // "error"
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
}

// CursorUpdate relays an agent cursor change verbatim.
type CursorUpdate struct {
	Type      string          `json:"type"` // "stream_cursor"
	SessionID string          `json:"sessionId"`
	Cursor    json.RawMessage `json:"cursor,omitempty"`
	X         float64         `json:"x,omitempty"`
	Y         float64         `json:"y,omitempty"`
}
