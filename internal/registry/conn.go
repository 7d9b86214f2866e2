package registry

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/deskwire/deskwire/pkg/protocol"
	"github.com/gorilla/websocket"
)

// Socket is the minimal WebSocket surface the registry needs. Satisfied by
// *websocket.Conn; tests substitute fakes.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Conn is a live agent control connection. All writes go through Send or
// SendDirect, which serialize on the write mutex: gorilla permits only one
// concurrent writer.
type Conn struct {
	AgentID string
	OwnerID string
	OSType  string
	Arch    string
	Version string

	socket Socket

	mu           sync.Mutex
	power        string
	lastSeen     time.Time
	screenLocked bool
	hasDisplay   bool
	currentTask  string
	sleepQueue   [][]byte // FIFO of queued messages while asleep
	queueCap     int
	dropped      uint64
	onDrop       func()
	closed       bool
}

// NewConn wraps a socket as an agent connection in the ACTIVE power state.
func NewConn(agentID, ownerID string, socket Socket, queueCap int) *Conn {
	return &Conn{
		AgentID:  agentID,
		OwnerID:  ownerID,
		socket:   socket,
		power:    protocol.PowerActive,
		lastSeen: time.Now(),
		queueCap: queueCap,
	}
}

// Send marshals v and delivers it to the agent. While the agent is in the
// SLEEP state the message is queued instead; a full queue evicts the oldest
// entry and the caller learns nothing, so dropped counts surface via Dropped.
func (c *Conn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	if c.power == protocol.PowerSleep {
		if len(c.sleepQueue) >= c.queueCap {
			c.sleepQueue = c.sleepQueue[1:]
			c.dropped++
			if c.onDrop != nil {
				c.onDrop()
			}
		}
		c.sleepQueue = append(c.sleepQueue, data)
		return nil
	}
	return c.socket.WriteMessage(websocket.TextMessage, data)
}

// SendDirect bypasses the sleep queue. Used for replies to messages the agent
// just sent (heartbeat_ack, registered): the socket is demonstrably awake.
func (c *Conn) SendDirect(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	return c.socket.WriteMessage(websocket.TextMessage, data)
}

// SendBinary writes a binary frame directly.
func (c *Conn) SendBinary(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	return c.socket.WriteMessage(websocket.BinaryMessage, data)
}

// SetPower transitions the power state. Waking from SLEEP flushes the queued
// messages in FIFO order. Returns the number of flushed messages.
func (c *Conn) SetPower(state string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	wasAsleep := c.power == protocol.PowerSleep
	c.power = state
	c.lastSeen = time.Now()

	if !wasAsleep || state == protocol.PowerSleep || c.closed {
		return 0
	}

	flushed := 0
	for _, data := range c.sleepQueue {
		if err := c.socket.WriteMessage(websocket.TextMessage, data); err != nil {
			break
		}
		flushed++
	}
	c.sleepQueue = nil
	return flushed
}

// Power returns the current power state.
func (c *Conn) Power() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.power
}

// Touch records heartbeat activity.
func (c *Conn) Touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// StateDelta is a partial agent state update. Nil fields leave the current
// value unchanged.
type StateDelta struct {
	ScreenLocked *bool
	HasDisplay   *bool
	CurrentTask  *string
}

// UpdateState applies a state delta and moves last_seen forward.
func (c *Conn) UpdateState(d StateDelta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d.ScreenLocked != nil {
		c.screenLocked = *d.ScreenLocked
	}
	if d.HasDisplay != nil {
		c.hasDisplay = *d.HasDisplay
	}
	if d.CurrentTask != nil {
		c.currentTask = *d.CurrentTask
	}
	c.lastSeen = time.Now()
}

// ScreenLocked reports whether the agent last said its screen is locked.
func (c *Conn) ScreenLocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.screenLocked
}

// HasDisplay reports the agent's current display availability.
func (c *Conn) HasDisplay() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasDisplay
}

// CurrentTask returns the task the agent last reported working on.
func (c *Conn) CurrentTask() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTask
}

// LastSeen returns the time of the most recent agent activity.
func (c *Conn) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// SetDropHook installs a callback fired for each sleep queue eviction.
func (c *Conn) SetDropHook(fn func()) {
	c.mu.Lock()
	c.onDrop = fn
	c.mu.Unlock()
}

// Dropped returns how many queued messages were evicted while asleep.
func (c *Conn) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// QueueLen returns the current sleep queue depth.
func (c *Conn) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sleepQueue)
}

// Close marks the connection dead and closes the socket. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.socket.Close()
}

// CloseWithCode sends a close control frame before closing the socket.
func (c *Conn) CloseWithCode(code int, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.socket.WriteMessage(websocket.CloseMessage, msg)
	c.mu.Unlock()
	return c.socket.Close()
}
