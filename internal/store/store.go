// Package store defines the persistence interface for the control plane and
// provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// License states for an agent.
const (
	LicensePending = "pending"
	LicenseActive  = "active"
	LicenseExpired = "expired"
	LicenseBlocked = "blocked"
)

// File transfer statuses.
const (
	TransferPending      = "PENDING"
	TransferTransferring = "TRANSFERRING"
	TransferCompleted    = "COMPLETED"
	TransferFailed       = "FAILED"
	TransferCancelled    = "CANCELLED"
)

// Store is the persistence interface for the control plane. Tokens are the
// coordination point between the HTTP mint endpoints and the WebSocket
// accept handlers, so they live here rather than in memory.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)

	// Agents
	CreateAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetAgentByLicense(ctx context.Context, licenseUUID string) (*Agent, error)
	GetAgentByFingerprint(ctx context.Context, ownerID, fingerprint string) (*Agent, error)
	UpdateAgentOnRegister(ctx context.Context, a *Agent) error
	UpdateAgentLastSeen(ctx context.Context, id string, at time.Time) error
	UpdateAgentPermissions(ctx context.Context, id string, masterMode, fileTransfer, settingsLocked bool) error
	SetAgentDefaultBrowser(ctx context.Context, id, browser string) error
	ListAgentsByOwner(ctx context.Context, ownerID string) ([]Agent, error)

	// Licenses
	UpsertLicense(ctx context.Context, lic *License) error
	GetLicense(ctx context.Context, uuid string) (*License, error)

	// Session tokens (one-shot, short-lived)
	CreateStreamToken(ctx context.Context, tok *StreamToken) error
	ConsumeStreamToken(ctx context.Context, token string) (*StreamToken, error)
	CountStreamTokensForAgent(ctx context.Context, agentID string) (int, error)
	CreateTerminalToken(ctx context.Context, tok *TerminalToken) error
	ConsumeTerminalToken(ctx context.Context, token string) (*TerminalToken, error)
	SweepExpiredTokens(ctx context.Context, now time.Time) (int64, error)

	// File transfers
	CreateTransfer(ctx context.Context, tr *FileTransfer) error
	GetTransfer(ctx context.Context, id string) (*FileTransfer, error)
	UpdateTransferProgress(ctx context.Context, id string, bytesTransferred int64) error
	UpdateTransferStatus(ctx context.Context, id, status, errorMessage string) error
	ListTransfersByUser(ctx context.Context, userID string, limit int) ([]FileTransfer, error)

	// Tool catalog
	UpsertToolDefinition(ctx context.Context, def *ToolDefinition) error
	UpsertToolVariant(ctx context.Context, v *ToolVariant) error
	ListToolsForPlatform(ctx context.Context, osType string) ([]ToolListing, error)
	SetAgentCapabilities(ctx context.Context, agentID string, names []string) error
	GetAgentCapabilities(ctx context.Context, agentID string) ([]string, error)

	// Agent versions and builds
	CreateVersion(ctx context.Context, v *AgentVersion) error
	CreateBuild(ctx context.Context, b *AgentBuild) error
	LatestBuild(ctx context.Context, osType, arch string) (*LatestBuild, error)
	ListVersions(ctx context.Context, limit int) ([]AgentVersion, error)
	ListBuildsForVersion(ctx context.Context, versionID string) ([]AgentBuild, error)

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User is an authenticated control-plane caller.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "user"
	CreatedAt    time.Time `json:"created_at"`
}

// Agent is the persistent record for a managed machine, keyed by machine
// fingerprint within an owner scope. Exactly one row per
// (owner_id, machine_fingerprint); license_uuid is unique when non-empty.
type Agent struct {
	ID                  string    `json:"id"`
	OwnerID             string    `json:"owner_id"`
	MachineFingerprint  string    `json:"machine_fingerprint"`
	LicenseUUID         string    `json:"license_uuid,omitempty"`
	LicenseState        string    `json:"license_state"`
	OSType              string    `json:"os_type"` // "windows", "macos", "linux"
	Arch                string    `json:"arch"`
	AgentVersion        string    `json:"agent_version"`
	Hostname            string    `json:"hostname"`
	DisplayName         string    `json:"display_name"`
	HasDisplay          bool      `json:"has_display"`
	MasterModeEnabled   bool      `json:"master_mode_enabled"`
	FileTransferEnabled bool      `json:"file_transfer_enabled"`
	LocalSettingsLocked bool      `json:"local_settings_locked"`
	DefaultBrowser      string    `json:"default_browser,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	LastSeenAt          time.Time `json:"last_seen_at"`
}

// Name returns the agent's display name, falling back to the hostname.
func (a *Agent) Name() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.Hostname
}

// License is a stamped entitlement an agent may register with.
type License struct {
	UUID      string    `json:"uuid"`
	OwnerID   string    `json:"owner_id"`
	State     string    `json:"state"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// StreamToken is a one-shot viewer credential minted over HTTP and redeemed
// on the stream WebSocket. Consumed by deletion.
type StreamToken struct {
	Token         string    `json:"token"`
	AgentID       string    `json:"agent_id"`
	UserID        string    `json:"user_id"`
	DisplayID     int       `json:"display_id"`
	Quality       int       `json:"quality"` // 0-100
	MaxFPS        int       `json:"max_fps"`
	RemoteAddress string    `json:"remote_address"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// TerminalToken is the terminal analogue of StreamToken.
type TerminalToken struct {
	Token         string    `json:"token"`
	AgentID       string    `json:"agent_id"`
	UserID        string    `json:"user_id"`
	RemoteAddress string    `json:"remote_address"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// FileTransfer is the durable record of an agent-to-agent transfer.
type FileTransfer struct {
	ID               string     `json:"id"`
	SourceAgentID    string     `json:"source_agent_id"`
	DestAgentID      string     `json:"dest_agent_id"`
	InitiatorUserID  string     `json:"initiator_user_id"`
	SourcePath       string     `json:"source_path"`
	DestPath         string     `json:"dest_path"`
	FileName         string     `json:"file_name"`
	FileSize         int64      `json:"file_size"`
	BytesTransferred int64      `json:"bytes_transferred"`
	Status           string     `json:"status"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// ToolDefinition names a tool and its category; per-platform behavior lives
// in ToolVariant rows.
type ToolDefinition struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Enabled  bool   `json:"enabled"`
}

// ToolVariant is the per-platform shape of a tool.
type ToolVariant struct {
	ToolName        string          `json:"tool_name"`
	OSType          string          `json:"os_type"`
	Description     string          `json:"description"`
	InputSchema     json.RawMessage `json:"input_schema"`
	IsAvailable     bool            `json:"is_available"`
	RequiresDisplay bool            `json:"requires_display"`
}

// ToolListing joins a tool definition to its platform variant for answering
// tools/list.
type ToolListing struct {
	Name            string          `json:"name"`
	Category        string          `json:"category"`
	Description     string          `json:"description"`
	InputSchema     json.RawMessage `json:"input_schema"`
	RequiresDisplay bool            `json:"requires_display"`
}

// AgentVersion is a released agent build series entry.
type AgentVersion struct {
	ID         string    `json:"id"`
	Version    string    `json:"version"`
	Forced     bool      `json:"forced"` // rolling upgrade floor
	ReleasedAt time.Time `json:"released_at"`
}

// AgentBuild is a downloadable artifact for one (os, arch).
type AgentBuild struct {
	VersionID string `json:"version_id"`
	OSType    string `json:"os_type"`
	Arch      string `json:"arch"`
	URL       string `json:"url"`
	SHA256    string `json:"sha256"`
}

// LatestBuild is the newest build for an (os, arch) with its version info.
type LatestBuild struct {
	Version    string    `json:"version"`
	Forced     bool      `json:"forced"`
	ReleasedAt time.Time `json:"released_at"`
	URL        string    `json:"url"`
	SHA256     string    `json:"sha256"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	UserID    string          `json:"user_id,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
