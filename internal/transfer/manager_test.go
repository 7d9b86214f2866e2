package transfer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/deskwire/deskwire/internal/common/errors"
	"github.com/deskwire/deskwire/internal/metrics"
	"github.com/deskwire/deskwire/internal/registry"
	"github.com/deskwire/deskwire/internal/store"
	"github.com/deskwire/deskwire/pkg/protocol"
)

// fileSocket plays an agent with a filesystem: it serves files_info and
// files_read_chunk from an in-memory byte slice and records files_write_chunk
// calls.
type fileSocket struct {
	reg *registry.Registry

	mu           sync.Mutex
	content      []byte
	checksum     string
	sizeOverride int64
	written      []writtenChunk
	reqs         []protocol.Request
	readDelay    time.Duration
}

type writtenChunk struct {
	Index   int
	Data    string
	IsFinal bool
}

func (f *fileSocket) WriteMessage(messageType int, data []byte) error {
	var req protocol.Request
	if err := json.Unmarshal(data, &req); err != nil || req.Type != protocol.TypeRequest {
		return nil
	}

	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	delay := f.readDelay

	var result json.RawMessage
	switch req.Method {
	case "files_info":
		size := int64(len(f.content))
		if f.sizeOverride > 0 {
			size = f.sizeOverride
		}
		out, _ := json.Marshal(map[string]any{
			"size":     size,
			"checksum": f.checksum,
		})
		result = out
	case "files_read_chunk":
		var p struct {
			ChunkIndex int `json:"chunkIndex"`
			ChunkSize  int `json:"chunkSize"`
		}
		_ = json.Unmarshal(req.Params, &p)
		start := p.ChunkIndex * p.ChunkSize
		end := start + p.ChunkSize
		if end > len(f.content) {
			end = len(f.content)
		}
		out, _ := json.Marshal(map[string]string{
			"data": base64.StdEncoding.EncodeToString(f.content[start:end]),
		})
		result = out
	case "files_write_chunk":
		var p struct {
			ChunkIndex int    `json:"chunkIndex"`
			Data       string `json:"data"`
			IsFinal    bool   `json:"isFinal"`
		}
		_ = json.Unmarshal(req.Params, &p)
		f.written = append(f.written, writtenChunk{Index: p.ChunkIndex, Data: p.Data, IsFinal: p.IsFinal})
		result = json.RawMessage(`{}`)
	default:
		result = json.RawMessage(`{}`)
	}
	f.mu.Unlock()

	go func() {
		if delay > 0 && req.Method == "files_read_chunk" {
			time.Sleep(delay)
		}
		f.reg.Resolve(&protocol.Response{
			Type:   protocol.TypeResponse,
			ID:     req.ID,
			Result: result,
		})
	}()
	return nil
}

func (f *fileSocket) Close() error { return nil }

func (f *fileSocket) writtenChunks() []writtenChunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]writtenChunk, len(f.written))
	copy(out, f.written)
	return out
}

func (f *fileSocket) requestCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.reqs {
		if r.Method == method {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T) (*Manager, *registry.Registry, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	reg := registry.New(slog.Default(), metrics.New(), 8, time.Second)
	m := New(s, reg, metrics.New(), slog.Default(), time.Minute, 0, 0)
	return m, reg, s
}

func createTransferAgent(t *testing.T, s *store.SQLiteStore, id string, transferEnabled bool) *store.Agent {
	t.Helper()
	agent := &store.Agent{
		ID:                  id,
		OwnerID:             "owner-1",
		MachineFingerprint:  "fp-" + id,
		OSType:              "linux",
		Hostname:            id,
		FileTransferEnabled: transferEnabled,
		CreatedAt:           time.Now(),
		LastSeenAt:          time.Now(),
	}
	if err := s.CreateAgent(context.Background(), agent); err != nil {
		t.Fatal(err)
	}
	return agent
}

func connectFileAgent(t *testing.T, reg *registry.Registry, agentID string, content []byte, checksum string) *fileSocket {
	t.Helper()
	sock := &fileSocket{reg: reg, content: content, checksum: checksum}
	conn := registry.NewConn(agentID, "owner-1", sock, reg.QueueCap())
	reg.Add(conn)
	return sock
}

func waitForStatus(t *testing.T, s *store.SQLiteStore, id, want string) *store.FileTransfer {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		tr, err := s.GetTransfer(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if tr != nil && tr.Status == want {
			return tr
		}
		select {
		case <-deadline:
			got := "<missing>"
			if tr != nil {
				got = tr.Status + " (" + tr.ErrorMessage + ")"
			}
			t.Fatalf("transfer never reached %s, last: %s", want, got)
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestTransferCompletes(t *testing.T) {
	m, reg, s := newTestManager(t)
	createTransferAgent(t, s, "src", true)
	createTransferAgent(t, s, "dst", true)

	content := make([]byte, DefaultChunkSize*2+100)
	for i := range content {
		content[i] = byte(i)
	}
	connectFileAgent(t, reg, "src", content, "sum-1")
	dstSock := connectFileAgent(t, reg, "dst", nil, "sum-1")

	tr, err := m.Start(context.Background(), "user-1", "src", "dst", "/data/big.bin", "/incoming/big.bin")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if tr.FileSize != int64(len(content)) {
		t.Errorf("FileSize: got %d, want %d", tr.FileSize, len(content))
	}
	if tr.FileName != "big.bin" {
		t.Errorf("FileName: got %q", tr.FileName)
	}

	done := waitForStatus(t, s, tr.ID, store.TransferCompleted)
	if done.BytesTransferred != int64(len(content)) {
		t.Errorf("BytesTransferred: got %d, want %d", done.BytesTransferred, len(content))
	}
	if done.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	chunks := dstSock.writtenChunks()
	if len(chunks) != 3 {
		t.Fatalf("written chunks: got %d, want 3", len(chunks))
	}
	var rebuilt []byte
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk %d: index %d out of order", i, c.Index)
		}
		wantFinal := i == len(chunks)-1
		if c.IsFinal != wantFinal {
			t.Errorf("chunk %d: isFinal=%v, want %v", i, c.IsFinal, wantFinal)
		}
		decoded, err := base64.StdEncoding.DecodeString(c.Data)
		if err != nil {
			t.Fatalf("chunk %d: bad base64: %v", i, err)
		}
		rebuilt = append(rebuilt, decoded...)
	}
	if len(rebuilt) != len(content) {
		t.Fatalf("rebuilt size: got %d, want %d", len(rebuilt), len(content))
	}
	for i := range content {
		if rebuilt[i] != content[i] {
			t.Fatalf("content mismatch at byte %d", i)
		}
	}

	if dstSock.requestCount("fs_mkdir") != 1 {
		t.Error("destination directory was not created")
	}
}

func TestChecksumMismatchFails(t *testing.T) {
	m, reg, s := newTestManager(t)
	createTransferAgent(t, s, "src", true)
	createTransferAgent(t, s, "dst", true)
	connectFileAgent(t, reg, "src", []byte("payload"), "good-sum")
	connectFileAgent(t, reg, "dst", nil, "bad-sum")

	tr, err := m.Start(context.Background(), "user-1", "src", "dst", "/a", "/b")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	failed := waitForStatus(t, s, tr.ID, store.TransferFailed)
	if failed.ErrorMessage == "" {
		t.Error("expected an error message")
	}
}

func TestZeroSizeFile(t *testing.T) {
	m, reg, s := newTestManager(t)
	createTransferAgent(t, s, "src", true)
	createTransferAgent(t, s, "dst", true)
	srcSock := connectFileAgent(t, reg, "src", nil, "")
	dstSock := connectFileAgent(t, reg, "dst", nil, "")

	tr, err := m.Start(context.Background(), "user-1", "src", "dst", "/empty", "/empty")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitForStatus(t, s, tr.ID, store.TransferCompleted)
	if srcSock.requestCount("files_read_chunk") != 0 {
		t.Error("zero-size file should need no read chunks")
	}
	if dstSock.requestCount("files_write_chunk") != 0 {
		t.Error("zero-size file should need no write chunks")
	}
}

func TestTransferDisabledDenied(t *testing.T) {
	m, reg, s := newTestManager(t)
	createTransferAgent(t, s, "src", true)
	createTransferAgent(t, s, "dst", false)
	connectFileAgent(t, reg, "src", []byte("x"), "")
	connectFileAgent(t, reg, "dst", nil, "")

	_, err := m.Start(context.Background(), "user-1", "src", "dst", "/a", "/b")
	if err == nil {
		t.Fatal("expected policy denial")
	}
	if errors.Kind(err) != errors.KindPolicyDenied {
		t.Errorf("Kind: got %q, want %q", errors.Kind(err), errors.KindPolicyDenied)
	}
}

func TestOfflineSourceRejected(t *testing.T) {
	m, reg, s := newTestManager(t)
	createTransferAgent(t, s, "src", true)
	createTransferAgent(t, s, "dst", true)
	connectFileAgent(t, reg, "dst", nil, "")

	_, err := m.Start(context.Background(), "user-1", "src", "dst", "/a", "/b")
	if err == nil {
		t.Fatal("expected error for offline source")
	}
	if errors.Kind(err) != errors.KindNotConnected {
		t.Errorf("Kind: got %q, want %q", errors.Kind(err), errors.KindNotConnected)
	}
}

func TestCancelStopsLoop(t *testing.T) {
	m, reg, s := newTestManager(t)
	createTransferAgent(t, s, "src", true)
	createTransferAgent(t, s, "dst", true)

	content := make([]byte, DefaultChunkSize*20)
	srcSock := connectFileAgent(t, reg, "src", content, "")
	srcSock.readDelay = 20 * time.Millisecond
	connectFileAgent(t, reg, "dst", nil, "")

	tr, err := m.Start(context.Background(), "user-1", "src", "dst", "/big", "/big")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Let a chunk or two through, then cancel.
	time.Sleep(50 * time.Millisecond)
	if err := m.Cancel(context.Background(), tr.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got := waitForStatus(t, s, tr.ID, store.TransferCancelled)
	if got.Status != store.TransferCancelled {
		t.Fatalf("Status: got %s", got.Status)
	}

	// The loop must observe the cancellation and not finish the transfer.
	deadline := time.After(2 * time.Second)
	for m.ActiveCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("transfer loop never stopped")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	final, err := s.GetTransfer(context.Background(), tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != store.TransferCancelled {
		t.Errorf("Status after loop exit: got %s, want %s", final.Status, store.TransferCancelled)
	}

	if err := m.Cancel(context.Background(), tr.ID); err == nil {
		t.Error("second Cancel should fail")
	}
}

func TestConfiguredLimits(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	reg := registry.New(slog.Default(), metrics.New(), 8, time.Second)
	m := New(s, reg, metrics.New(), slog.Default(), time.Minute, 1024, 4096)

	createTransferAgent(t, s, "src", true)
	createTransferAgent(t, s, "dst", true)
	content := make([]byte, 2500)
	connectFileAgent(t, reg, "src", content, "")
	dstSock := connectFileAgent(t, reg, "dst", nil, "")

	tr, err := m.Start(context.Background(), "user-1", "src", "dst", "/a", "/b")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, s, tr.ID, store.TransferCompleted)

	// 2500 bytes at a 1024-byte chunk size is three chunks.
	if got := len(dstSock.writtenChunks()); got != 3 {
		t.Errorf("written chunks: got %d, want 3", got)
	}

	// A file past the configured cap is rejected up front.
	bigSock := connectFileAgent(t, reg, "src", nil, "")
	bigSock.sizeOverride = 4097
	_, err = m.Start(context.Background(), "user-1", "src", "dst", "/big", "/big")
	if err == nil {
		t.Fatal("expected size limit error")
	}
	if errors.Kind(err) != errors.KindLimitExceeded {
		t.Errorf("Kind: got %q, want %q", errors.Kind(err), errors.KindLimitExceeded)
	}
}

func TestOversizedFileRejected(t *testing.T) {
	m, reg, s := newTestManager(t)
	createTransferAgent(t, s, "src", true)
	createTransferAgent(t, s, "dst", true)

	// The source reports a size past the cap without allocating it.
	srcSock := connectFileAgent(t, reg, "src", nil, "")
	srcSock.sizeOverride = DefaultMaxFileSize + 1
	connectFileAgent(t, reg, "dst", nil, "")

	_, err := m.Start(context.Background(), "user-1", "src", "dst", "/huge", "/huge")
	if err == nil {
		t.Fatal("expected size limit error")
	}
	if errors.Kind(err) != errors.KindLimitExceeded {
		t.Errorf("Kind: got %q, want %q", errors.Kind(err), errors.KindLimitExceeded)
	}
}
