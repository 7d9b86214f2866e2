// Package transfer moves files between two connected agents through the
// control plane in base64-encoded chunks.
package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/deskwire/deskwire/internal/common/errors"
	"github.com/deskwire/deskwire/internal/metrics"
	"github.com/deskwire/deskwire/internal/registry"
	"github.com/deskwire/deskwire/internal/store"
	"github.com/google/uuid"
)

const (
	// DefaultChunkSize is the plaintext chunk size; the wire carries base64.
	DefaultChunkSize = 256 * 1024

	// DefaultMaxFileSize caps a single transfer at 1 GiB.
	DefaultMaxFileSize = 1 << 30

	defaultWallTimeout = 30 * time.Minute
)

// Manager runs agent-to-agent transfers. Each transfer is a goroutine pulling
// chunks from the source and pushing them to the destination; progress is
// persisted so the record survives restarts.
type Manager struct {
	store       store.Store
	registry    *registry.Registry
	metrics     *metrics.Metrics
	logger      *slog.Logger
	timeout     time.Duration
	chunkSize   int64
	maxFileSize int64

	mu     sync.Mutex
	active map[string]context.CancelFunc // transfer_id -> cancel
}

// New creates a transfer manager. Non-positive chunkSize and maxFileSize fall
// back to the defaults.
func New(s store.Store, r *registry.Registry, m *metrics.Metrics, logger *slog.Logger, wallTimeout time.Duration, chunkSize, maxFileSize int64) *Manager {
	if wallTimeout <= 0 {
		wallTimeout = defaultWallTimeout
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	return &Manager{
		store:       s,
		registry:    r,
		metrics:     m,
		logger:      logger.With("component", "transfer"),
		timeout:     wallTimeout,
		chunkSize:   chunkSize,
		maxFileSize: maxFileSize,
		active:      make(map[string]context.CancelFunc),
	}
}

type fileInfo struct {
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// Start validates preconditions, sizes the file via the source agent, and
// kicks off the chunk loop. The returned record is already persisted.
func (m *Manager) Start(ctx context.Context, userID, sourceAgentID, destAgentID, sourcePath, destPath string) (*store.FileTransfer, error) {
	src, dst, err := m.checkAgents(ctx, sourceAgentID, destAgentID)
	if err != nil {
		return nil, err
	}

	info, err := m.filesInfo(ctx, src.ID, sourcePath)
	if err != nil {
		return nil, err
	}
	if info.Size > m.maxFileSize {
		return nil, errors.LimitExceeded(fmt.Sprintf("file exceeds the %d byte transfer limit", m.maxFileSize))
	}

	tr := &store.FileTransfer{
		ID:              uuid.New().String(),
		SourceAgentID:   src.ID,
		DestAgentID:     dst.ID,
		InitiatorUserID: userID,
		SourcePath:      sourcePath,
		DestPath:        destPath,
		FileName:        path.Base(sourcePath),
		FileSize:        info.Size,
		Status:          store.TransferPending,
		CreatedAt:       time.Now(),
	}
	if err := m.store.CreateTransfer(ctx, tr); err != nil {
		return nil, errors.Internal("persist transfer", err)
	}
	m.metrics.TransfersByState.WithLabelValues(store.TransferPending).Inc()

	runCtx, cancel := context.WithTimeout(context.Background(), m.timeout)
	m.mu.Lock()
	m.active[tr.ID] = cancel
	m.mu.Unlock()

	go m.run(runCtx, tr, info.Checksum)
	return tr, nil
}

func (m *Manager) checkAgents(ctx context.Context, sourceAgentID, destAgentID string) (*store.Agent, *store.Agent, error) {
	src, err := m.store.GetAgent(ctx, sourceAgentID)
	if err != nil {
		return nil, nil, errors.Internal("load source agent", err)
	}
	dst, err := m.store.GetAgent(ctx, destAgentID)
	if err != nil {
		return nil, nil, errors.Internal("load destination agent", err)
	}
	if src == nil || dst == nil {
		return nil, nil, errors.NotConnected("unknown agent")
	}
	if _, ok := m.registry.Get(src.ID); !ok {
		return nil, nil, errors.NotConnected("source agent is not connected")
	}
	if _, ok := m.registry.Get(dst.ID); !ok {
		return nil, nil, errors.NotConnected("destination agent is not connected")
	}
	if !src.FileTransferEnabled {
		return nil, nil, errors.PolicyDenied("file transfer is disabled for the source agent")
	}
	if !dst.FileTransferEnabled {
		return nil, nil, errors.PolicyDenied("file transfer is disabled for the destination agent")
	}
	return src, dst, nil
}

// run drives one transfer to a terminal status. Partial destination files are
// left in place on failure.
func (m *Manager) run(ctx context.Context, tr *store.FileTransfer, checksum string) {
	defer func() {
		m.mu.Lock()
		if cancel, ok := m.active[tr.ID]; ok {
			delete(m.active, tr.ID)
			cancel()
		}
		m.mu.Unlock()
	}()

	m.setStatus(ctx, tr.ID, store.TransferTransferring, "")

	// Destination directory creation is best-effort.
	mkdirParams, _ := json.Marshal(map[string]string{"path": path.Dir(tr.DestPath)})
	if _, err := m.command(ctx, tr.DestAgentID, "fs_mkdir", mkdirParams); err != nil {
		m.logger.Debug("fs_mkdir failed", "transfer_id", tr.ID, "error", err)
	}

	totalChunks := int((tr.FileSize + m.chunkSize - 1) / m.chunkSize)
	var transferred int64

	for i := 0; i < totalChunks; i++ {
		if !m.isActive(tr.ID) {
			m.logger.Info("transfer cancelled", "transfer_id", tr.ID, "chunk", i)
			return
		}
		if ctx.Err() != nil {
			m.fail(tr.ID, errors.Timeout("transfer timed out"))
			return
		}

		data, err := m.readChunk(ctx, tr, i)
		if err != nil {
			m.fail(tr.ID, err)
			return
		}
		if err := m.writeChunk(ctx, tr, i, data, i == totalChunks-1); err != nil {
			m.fail(tr.ID, err)
			return
		}

		chunkBytes := m.chunkSize
		if remaining := tr.FileSize - transferred; remaining < chunkBytes {
			chunkBytes = remaining
		}
		transferred += chunkBytes
		if err := m.store.UpdateTransferProgress(ctx, tr.ID, transferred); err != nil {
			m.logger.Warn("progress update failed", "transfer_id", tr.ID, "error", err)
		}
	}

	if checksum != "" {
		destInfo, err := m.filesInfo(ctx, tr.DestAgentID, tr.DestPath)
		if err != nil {
			m.fail(tr.ID, err)
			return
		}
		if destInfo.Checksum != checksum {
			m.fail(tr.ID, errors.ChecksumMismatch(
				fmt.Sprintf("destination checksum %s does not match source %s", destInfo.Checksum, checksum)))
			return
		}
	}

	m.setStatus(ctx, tr.ID, store.TransferCompleted, "")
	m.logger.Info("transfer completed",
		"transfer_id", tr.ID, "bytes", transferred, "chunks", totalChunks)
}

func (m *Manager) readChunk(ctx context.Context, tr *store.FileTransfer, index int) (string, error) {
	params, _ := json.Marshal(map[string]any{
		"path":       tr.SourcePath,
		"chunkIndex": index,
		"chunkSize":  m.chunkSize,
	})
	result, err := m.command(ctx, tr.SourceAgentID, "files_read_chunk", params)
	if err != nil {
		return "", err
	}
	var chunk struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(result, &chunk); err != nil {
		return "", errors.Protocol("malformed chunk payload")
	}
	return chunk.Data, nil
}

func (m *Manager) writeChunk(ctx context.Context, tr *store.FileTransfer, index int, data string, isFinal bool) error {
	params, _ := json.Marshal(map[string]any{
		"path":       tr.DestPath,
		"chunkIndex": index,
		"data":       data,
		"isFinal":    isFinal,
	})
	_, err := m.command(ctx, tr.DestAgentID, "files_write_chunk", params)
	return err
}

func (m *Manager) filesInfo(ctx context.Context, agentID, filePath string) (*fileInfo, error) {
	params, _ := json.Marshal(map[string]string{"path": filePath})
	result, err := m.command(ctx, agentID, "files_info", params)
	if err != nil {
		return nil, err
	}
	var info fileInfo
	if err := json.Unmarshal(result, &info); err != nil {
		return nil, errors.Protocol("malformed files_info payload")
	}
	return &info, nil
}

func (m *Manager) command(ctx context.Context, agentID, method string, params json.RawMessage) (json.RawMessage, error) {
	resp, err := m.registry.SendCommand(ctx, agentID, method, params, 0)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.Peer(resp.Error)
	}
	return resp.Result, nil
}

// Cancel flips the record to CANCELLED and removes the in-memory entry; the
// chunk loop observes the missing entry and stops without another status
// write.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	tr, err := m.store.GetTransfer(ctx, id)
	if err != nil {
		return errors.Internal("load transfer", err)
	}
	if tr == nil {
		return errors.NotConnected("unknown transfer")
	}
	switch tr.Status {
	case store.TransferCompleted, store.TransferFailed, store.TransferCancelled:
		return errors.Protocol("transfer already finished")
	}

	m.setStatus(ctx, id, store.TransferCancelled, "")

	m.mu.Lock()
	if cancel, ok := m.active[id]; ok {
		delete(m.active, id)
		cancel()
	}
	m.mu.Unlock()
	return nil
}

// Get returns the persisted transfer record.
func (m *Manager) Get(ctx context.Context, id string) (*store.FileTransfer, error) {
	return m.store.GetTransfer(ctx, id)
}

// ListForUser returns recent transfers initiated by a user.
func (m *Manager) ListForUser(ctx context.Context, userID string, limit int) ([]store.FileTransfer, error) {
	return m.store.ListTransfersByUser(ctx, userID, limit)
}

// ActiveCount returns the number of in-flight transfers.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *Manager) isActive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[id]
	return ok
}

func (m *Manager) fail(id string, err error) {
	// A cancelled transfer already has its terminal status; a chunk error
	// caused by the cancellation must not overwrite it.
	if !m.isActive(id) {
		return
	}
	m.logger.Warn("transfer failed", "transfer_id", id, "error", err)
	m.setStatus(context.Background(), id, store.TransferFailed, err.Error())
}

func (m *Manager) setStatus(ctx context.Context, id, status, errorMessage string) {
	if err := m.store.UpdateTransferStatus(ctx, id, status, errorMessage); err != nil {
		m.logger.Error("status update failed",
			"transfer_id", id, "status", status, "error", err)
		return
	}
	m.metrics.TransfersByState.WithLabelValues(status).Inc()
}
