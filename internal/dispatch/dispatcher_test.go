package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/deskwire/deskwire/internal/common/errors"
	"github.com/deskwire/deskwire/internal/metrics"
	"github.com/deskwire/deskwire/internal/registry"
	"github.com/deskwire/deskwire/internal/store"
	"github.com/deskwire/deskwire/internal/tools"
	"github.com/deskwire/deskwire/pkg/protocol"
)

// echoSocket resolves each request it sees through the registry, acting as a
// well-behaved agent.
type echoSocket struct {
	reg    *registry.Registry
	result json.RawMessage
	errMsg string

	mu   sync.Mutex
	reqs []protocol.Request
}

func (e *echoSocket) WriteMessage(messageType int, data []byte) error {
	var req protocol.Request
	if err := json.Unmarshal(data, &req); err != nil || req.Type != protocol.TypeRequest {
		return nil
	}
	e.mu.Lock()
	e.reqs = append(e.reqs, req)
	e.mu.Unlock()

	go e.reg.Resolve(&protocol.Response{
		Type:   protocol.TypeResponse,
		ID:     req.ID,
		Result: e.result,
		Error:  e.errMsg,
	})
	return nil
}

func (e *echoSocket) Close() error { return nil }

func (e *echoSocket) lastRequest() *protocol.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.reqs) == 0 {
		return nil
	}
	return &e.reqs[len(e.reqs)-1]
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *registry.Registry, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	reg := registry.New(slog.Default(), metrics.New(), 8, time.Second)
	catalog := tools.New(s, slog.Default())
	d := New(reg, catalog, s, slog.Default(), time.Second)
	return d, reg, s
}

func connectEchoAgent(t *testing.T, reg *registry.Registry, s *store.SQLiteStore, result string) (*store.Agent, *echoSocket) {
	t.Helper()
	agent := &store.Agent{
		ID:         "agent-1",
		OwnerID:    "owner-1",
		OSType:     "linux",
		Hostname:   "box",
		HasDisplay: true,
		CreatedAt:  time.Now(),
		LastSeenAt: time.Now(),
	}
	agent.MachineFingerprint = "fp-1"
	if err := s.CreateAgent(context.Background(), agent); err != nil {
		t.Fatal(err)
	}

	sock := &echoSocket{reg: reg, result: json.RawMessage(result)}
	conn := registry.NewConn(agent.ID, agent.OwnerID, sock, reg.QueueCap())
	reg.Add(conn)
	return agent, sock
}

func TestDispatchForwardsToAgent(t *testing.T) {
	d, reg, s := newTestDispatcher(t)
	_, sock := connectEchoAgent(t, reg, s, `{"ok":true}`)

	result, err := d.Dispatch(context.Background(), "agent-1", "screenshot", json.RawMessage(`{"display":0}`))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Errorf("result: got %s", result)
	}
	req := sock.lastRequest()
	if req == nil || req.Method != "screenshot" {
		t.Fatalf("forwarded method: got %+v, want screenshot", req)
	}
}

func TestDispatchUnknownMethod(t *testing.T) {
	d, reg, s := newTestDispatcher(t)
	connectEchoAgent(t, reg, s, `{}`)

	_, err := d.Dispatch(context.Background(), "agent-1", "made_up_method", nil)
	if err == nil {
		t.Fatal("expected error for unknown method")
	}
	if errors.Kind(err) != errors.KindProtocolError {
		t.Errorf("Kind: got %q, want %q", errors.Kind(err), errors.KindProtocolError)
	}
}

func TestDispatchAgentError(t *testing.T) {
	d, reg, s := newTestDispatcher(t)
	_, sock := connectEchoAgent(t, reg, s, "")
	sock.errMsg = "permission denied"

	_, err := d.Dispatch(context.Background(), "agent-1", "fs_read", json.RawMessage(`{"path":"/etc/shadow"}`))
	if err == nil {
		t.Fatal("expected agent-reported error")
	}
	if errors.Kind(err) != errors.KindPeerError {
		t.Errorf("Kind: got %q, want %q", errors.Kind(err), errors.KindPeerError)
	}
}

func TestToolsListFromCatalog(t *testing.T) {
	d, reg, s := newTestDispatcher(t)
	_, sock := connectEchoAgent(t, reg, s, `{}`)
	ctx := context.Background()

	if err := s.UpsertToolDefinition(ctx, &store.ToolDefinition{Name: "fs_read", Category: "fs", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertToolVariant(ctx, &store.ToolVariant{
		ToolName: "fs_read", OSType: "linux", Description: "Read a file", IsAvailable: true,
	}); err != nil {
		t.Fatal(err)
	}

	result, err := d.Dispatch(ctx, "agent-1", "tools/list", nil)
	if err != nil {
		t.Fatalf("Dispatch(tools/list): %v", err)
	}

	var parsed struct {
		Tools []store.ToolListing `json:"tools"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(parsed.Tools) != 1 || parsed.Tools[0].Name != "fs_read" {
		t.Fatalf("tools: got %+v", parsed.Tools)
	}

	// Served from the store: nothing was forwarded.
	if sock.lastRequest() != nil {
		t.Error("tools/list should not reach the agent")
	}
}

func TestToolsCallRecursion(t *testing.T) {
	d, reg, s := newTestDispatcher(t)
	_, sock := connectEchoAgent(t, reg, s, `{"content":"hello"}`)

	params := json.RawMessage(`{"name":"fs_read","arguments":{"path":"/tmp/x"}}`)
	result, err := d.Dispatch(context.Background(), "agent-1", "tools/call", params)
	if err != nil {
		t.Fatalf("Dispatch(tools/call): %v", err)
	}
	if string(result) != `{"content":"hello"}` {
		t.Errorf("result: got %s", result)
	}

	req := sock.lastRequest()
	if req == nil || req.Method != "fs_read" {
		t.Fatalf("forwarded method: got %+v, want fs_read", req)
	}
	if string(req.Params) != `{"path":"/tmp/x"}` {
		t.Errorf("forwarded params: got %s", req.Params)
	}
}

func TestToolsCallMissingName(t *testing.T) {
	d, reg, s := newTestDispatcher(t)
	connectEchoAgent(t, reg, s, `{}`)

	_, err := d.Dispatch(context.Background(), "agent-1", "tools/call", json.RawMessage(`{"arguments":{}}`))
	if err == nil {
		t.Fatal("expected error for tools/call without a name")
	}
	if errors.Kind(err) != errors.KindProtocolError {
		t.Errorf("Kind: got %q, want %q", errors.Kind(err), errors.KindProtocolError)
	}
}

func TestTerminalAliasRewrite(t *testing.T) {
	d, reg, s := newTestDispatcher(t)
	_, sock := connectEchoAgent(t, reg, s, `{}`)

	params := json.RawMessage(`{"sessionId":"sess-9","data":"ls -la\n"}`)
	if _, err := d.Dispatch(context.Background(), "agent-1", "terminal_input", params); err != nil {
		t.Fatalf("Dispatch(terminal_input): %v", err)
	}

	req := sock.lastRequest()
	if req == nil {
		t.Fatal("nothing forwarded")
	}
	if req.Method != "shell_send_input" {
		t.Errorf("Method: got %q, want %q", req.Method, "shell_send_input")
	}

	var fields map[string]any
	if err := json.Unmarshal(req.Params, &fields); err != nil {
		t.Fatal(err)
	}
	if fields["session_id"] != "sess-9" {
		t.Errorf("session_id: got %v", fields["session_id"])
	}
	if fields["input"] != "ls -la\n" {
		t.Errorf("input: got %v", fields["input"])
	}
	if _, ok := fields["sessionId"]; ok {
		t.Error("sessionId should have been renamed")
	}
	if _, ok := fields["data"]; ok {
		t.Error("data should have been renamed")
	}
}

func TestDispatchOfflineAgent(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	_, err := d.Dispatch(context.Background(), "agent-offline", "fs_list", nil)
	if err == nil {
		t.Fatal("expected error for offline agent")
	}
	if errors.Kind(err) != errors.KindNotConnected {
		t.Errorf("Kind: got %q, want %q", errors.Kind(err), errors.KindNotConnected)
	}
}
