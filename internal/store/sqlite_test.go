package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestUser is a helper that inserts a user and returns it.
func createTestUser(t *testing.T, s *SQLiteStore, username, role string) *User {
	t.Helper()
	u := &User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: "hash-" + username,
		Role:         role,
		CreatedAt:    time.Now(),
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("createTestUser(%s): %v", username, err)
	}
	return u
}

// createTestAgent is a helper that inserts an agent and returns it.
func createTestAgent(t *testing.T, s *SQLiteStore, ownerID, fingerprint string) *Agent {
	t.Helper()
	a := &Agent{
		ID:                 uuid.New().String(),
		OwnerID:            ownerID,
		MachineFingerprint: fingerprint,
		LicenseState:       LicensePending,
		OSType:             "linux",
		Arch:               "amd64",
		AgentVersion:       "1.0.0",
		Hostname:           "host-" + fingerprint,
		HasDisplay:         true,
		CreatedAt:          time.Now(),
		LastSeenAt:         time.Now(),
	}
	if err := s.CreateAgent(context.Background(), a); err != nil {
		t.Fatalf("createTestAgent(%s): %v", fingerprint, err)
	}
	return a
}

func TestCreateAndGetUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := &User{
		ID:           uuid.New().String(),
		Username:     "alice",
		PasswordHash: "hashed-pw",
		Role:         "admin",
		CreatedAt:    time.Now(),
	}

	if err := s.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	// Get by username
	got, err := s.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got == nil {
		t.Fatal("GetUser returned nil")
	}
	if got.ID != user.ID {
		t.Errorf("ID: got %q, want %q", got.ID, user.ID)
	}
	if got.PasswordHash != "hashed-pw" {
		t.Errorf("PasswordHash: got %q, want %q", got.PasswordHash, "hashed-pw")
	}
	if got.Role != "admin" {
		t.Errorf("Role: got %q, want %q", got.Role, "admin")
	}

	// Get by ID
	gotByID, err := s.GetUserByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if gotByID == nil {
		t.Fatal("GetUserByID returned nil")
	}
	if gotByID.Username != "alice" {
		t.Errorf("GetUserByID Username: got %q, want %q", gotByID.Username, "alice")
	}

	// Nonexistent user returns nil, not error
	missing, err := s.GetUser(ctx, "nobody")
	if err != nil {
		t.Fatalf("GetUser(nobody): %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for nonexistent user, got %+v", missing)
	}
}

func TestDuplicateUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createTestUser(t, s, "alice", "admin")

	dup := &User{
		ID:           uuid.New().String(),
		Username:     "alice",
		PasswordHash: "other-hash",
		Role:         "user",
		CreatedAt:    time.Now(),
	}
	if err := s.CreateUser(ctx, dup); err == nil {
		t.Fatal("expected error creating duplicate user, got nil")
	}
}

func TestAgentFingerprintUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createTestAgent(t, s, "owner-1", "fp-abc")

	// Same fingerprint under the same owner must be rejected.
	dup := &Agent{
		ID:                 uuid.New().String(),
		OwnerID:            "owner-1",
		MachineFingerprint: "fp-abc",
		OSType:             "linux",
		CreatedAt:          time.Now(),
		LastSeenAt:         time.Now(),
	}
	if err := s.CreateAgent(ctx, dup); err == nil {
		t.Fatal("expected error creating duplicate (owner, fingerprint), got nil")
	}

	// Same fingerprint under a different owner is a separate machine record.
	other := &Agent{
		ID:                 uuid.New().String(),
		OwnerID:            "owner-2",
		MachineFingerprint: "fp-abc",
		OSType:             "linux",
		CreatedAt:          time.Now(),
		LastSeenAt:         time.Now(),
	}
	if err := s.CreateAgent(ctx, other); err != nil {
		t.Fatalf("CreateAgent under different owner: %v", err)
	}
}

func TestGetAgentByFingerprint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := createTestAgent(t, s, "owner-1", "fp-1")

	got, err := s.GetAgentByFingerprint(ctx, "owner-1", "fp-1")
	if err != nil {
		t.Fatalf("GetAgentByFingerprint: %v", err)
	}
	if got == nil {
		t.Fatal("GetAgentByFingerprint returned nil")
	}
	if got.ID != a.ID {
		t.Errorf("ID: got %q, want %q", got.ID, a.ID)
	}

	missing, err := s.GetAgentByFingerprint(ctx, "owner-1", "fp-unknown")
	if err != nil {
		t.Fatalf("GetAgentByFingerprint(missing): %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown fingerprint, got %+v", missing)
	}
}

func TestGetAgentByLicense(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := createTestAgent(t, s, "owner-1", "fp-1")
	a.LicenseUUID = uuid.New().String()
	a.LicenseState = LicenseActive
	if err := s.UpdateAgentOnRegister(ctx, a); err != nil {
		t.Fatalf("UpdateAgentOnRegister: %v", err)
	}

	got, err := s.GetAgentByLicense(ctx, a.LicenseUUID)
	if err != nil {
		t.Fatalf("GetAgentByLicense: %v", err)
	}
	if got == nil {
		t.Fatal("GetAgentByLicense returned nil")
	}
	if got.ID != a.ID {
		t.Errorf("ID: got %q, want %q", got.ID, a.ID)
	}
	if got.LicenseState != LicenseActive {
		t.Errorf("LicenseState: got %q, want %q", got.LicenseState, LicenseActive)
	}

	// Empty license never matches the unlicensed rows.
	none, err := s.GetAgentByLicense(ctx, "")
	if err != nil {
		t.Fatalf("GetAgentByLicense(empty): %v", err)
	}
	if none != nil {
		t.Errorf("expected nil for empty license, got %+v", none)
	}
}

func TestLicenseUniquenessAcrossAgents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lic := uuid.New().String()

	a1 := createTestAgent(t, s, "owner-1", "fp-1")
	a1.LicenseUUID = lic
	if err := s.UpdateAgentOnRegister(ctx, a1); err != nil {
		t.Fatalf("UpdateAgentOnRegister(a1): %v", err)
	}

	a2 := createTestAgent(t, s, "owner-1", "fp-2")
	a2.LicenseUUID = lic
	if err := s.UpdateAgentOnRegister(ctx, a2); err == nil {
		t.Fatal("expected error binding license to a second agent, got nil")
	}
}

func TestUpdateAgentPermissions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := createTestAgent(t, s, "owner-1", "fp-1")

	if err := s.UpdateAgentPermissions(ctx, a.ID, true, true, false); err != nil {
		t.Fatalf("UpdateAgentPermissions: %v", err)
	}

	got, _ := s.GetAgent(ctx, a.ID)
	if !got.MasterModeEnabled {
		t.Error("MasterModeEnabled: got false, want true")
	}
	if !got.FileTransferEnabled {
		t.Error("FileTransferEnabled: got false, want true")
	}
	if got.LocalSettingsLocked {
		t.Error("LocalSettingsLocked: got true, want false")
	}
}

func TestSetAgentDefaultBrowser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := createTestAgent(t, s, "owner-1", "fp-1")

	if err := s.SetAgentDefaultBrowser(ctx, a.ID, "firefox"); err != nil {
		t.Fatalf("SetAgentDefaultBrowser: %v", err)
	}
	got, _ := s.GetAgent(ctx, a.ID)
	if got.DefaultBrowser != "firefox" {
		t.Errorf("DefaultBrowser: got %q, want %q", got.DefaultBrowser, "firefox")
	}
}

func TestListAgentsByOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createTestAgent(t, s, "owner-1", "fp-1")
	createTestAgent(t, s, "owner-1", "fp-2")
	createTestAgent(t, s, "owner-2", "fp-3")

	agents, err := s.ListAgentsByOwner(ctx, "owner-1")
	if err != nil {
		t.Fatalf("ListAgentsByOwner: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("ListAgentsByOwner(owner-1): got %d, want 2", len(agents))
	}

	agents2, err := s.ListAgentsByOwner(ctx, "owner-2")
	if err != nil {
		t.Fatalf("ListAgentsByOwner(owner-2): %v", err)
	}
	if len(agents2) != 1 {
		t.Fatalf("ListAgentsByOwner(owner-2): got %d, want 1", len(agents2))
	}
}

func TestUpsertAndGetLicense(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lic := &License{
		UUID:      uuid.New().String(),
		OwnerID:   "owner-1",
		State:     LicenseActive,
		ExpiresAt: time.Now().Add(365 * 24 * time.Hour),
		CreatedAt: time.Now(),
	}
	if err := s.UpsertLicense(ctx, lic); err != nil {
		t.Fatalf("UpsertLicense: %v", err)
	}

	got, err := s.GetLicense(ctx, lic.UUID)
	if err != nil {
		t.Fatalf("GetLicense: %v", err)
	}
	if got == nil {
		t.Fatal("GetLicense returned nil")
	}
	if got.State != LicenseActive {
		t.Errorf("State: got %q, want %q", got.State, LicenseActive)
	}

	// Upsert again with changed state
	lic.State = LicenseBlocked
	if err := s.UpsertLicense(ctx, lic); err != nil {
		t.Fatalf("UpsertLicense (update): %v", err)
	}
	got, _ = s.GetLicense(ctx, lic.UUID)
	if got.State != LicenseBlocked {
		t.Errorf("State after upsert: got %q, want %q", got.State, LicenseBlocked)
	}
}

func TestStreamTokenOneShot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tok := &StreamToken{
		Token:     uuid.New().String(),
		AgentID:   "agent-1",
		UserID:    "user-1",
		DisplayID: 1,
		Quality:   80,
		MaxFPS:    30,
		ExpiresAt: time.Now().Add(5 * time.Minute),
	}
	if err := s.CreateStreamToken(ctx, tok); err != nil {
		t.Fatalf("CreateStreamToken: %v", err)
	}

	got, err := s.ConsumeStreamToken(ctx, tok.Token)
	if err != nil {
		t.Fatalf("ConsumeStreamToken: %v", err)
	}
	if got == nil {
		t.Fatal("ConsumeStreamToken returned nil on first redeem")
	}
	if got.AgentID != "agent-1" {
		t.Errorf("AgentID: got %q, want %q", got.AgentID, "agent-1")
	}
	if got.Quality != 80 {
		t.Errorf("Quality: got %d, want 80", got.Quality)
	}

	// Second redemption must fail: consume is delete.
	again, err := s.ConsumeStreamToken(ctx, tok.Token)
	if err != nil {
		t.Fatalf("ConsumeStreamToken (second): %v", err)
	}
	if again != nil {
		t.Error("expected nil on second redemption")
	}
}

func TestStreamTokenExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tok := &StreamToken{
		Token:     uuid.New().String(),
		AgentID:   "agent-1",
		UserID:    "user-1",
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	if err := s.CreateStreamToken(ctx, tok); err != nil {
		t.Fatalf("CreateStreamToken: %v", err)
	}

	got, err := s.ConsumeStreamToken(ctx, tok.Token)
	if err != nil {
		t.Fatalf("ConsumeStreamToken: %v", err)
	}
	if got != nil {
		t.Error("expected nil for expired token")
	}
}

func TestCountStreamTokensForAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tok := &StreamToken{
			Token:     uuid.New().String(),
			AgentID:   "agent-1",
			UserID:    "user-1",
			ExpiresAt: time.Now().Add(5 * time.Minute),
		}
		if err := s.CreateStreamToken(ctx, tok); err != nil {
			t.Fatalf("CreateStreamToken[%d]: %v", i, err)
		}
	}
	// Expired tokens do not count.
	expired := &StreamToken{
		Token:     uuid.New().String(),
		AgentID:   "agent-1",
		UserID:    "user-1",
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	if err := s.CreateStreamToken(ctx, expired); err != nil {
		t.Fatalf("CreateStreamToken(expired): %v", err)
	}

	count, err := s.CountStreamTokensForAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("CountStreamTokensForAgent: %v", err)
	}
	if count != 3 {
		t.Fatalf("CountStreamTokensForAgent: got %d, want 3", count)
	}
}

func TestTerminalTokenOneShot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tok := &TerminalToken{
		Token:     uuid.New().String(),
		AgentID:   "agent-1",
		UserID:    "user-1",
		ExpiresAt: time.Now().Add(5 * time.Minute),
	}
	if err := s.CreateTerminalToken(ctx, tok); err != nil {
		t.Fatalf("CreateTerminalToken: %v", err)
	}

	got, err := s.ConsumeTerminalToken(ctx, tok.Token)
	if err != nil {
		t.Fatalf("ConsumeTerminalToken: %v", err)
	}
	if got == nil {
		t.Fatal("ConsumeTerminalToken returned nil on first redeem")
	}

	again, err := s.ConsumeTerminalToken(ctx, tok.Token)
	if err != nil {
		t.Fatalf("ConsumeTerminalToken (second): %v", err)
	}
	if again != nil {
		t.Error("expected nil on second redemption")
	}
}

func TestSweepExpiredTokens(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	live := &StreamToken{
		Token:     uuid.New().String(),
		AgentID:   "agent-1",
		UserID:    "user-1",
		ExpiresAt: time.Now().Add(5 * time.Minute),
	}
	dead := &StreamToken{
		Token:     uuid.New().String(),
		AgentID:   "agent-1",
		UserID:    "user-1",
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	deadTerm := &TerminalToken{
		Token:     uuid.New().String(),
		AgentID:   "agent-1",
		UserID:    "user-1",
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	if err := s.CreateStreamToken(ctx, live); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateStreamToken(ctx, dead); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateTerminalToken(ctx, deadTerm); err != nil {
		t.Fatal(err)
	}

	n, err := s.SweepExpiredTokens(ctx, time.Now())
	if err != nil {
		t.Fatalf("SweepExpiredTokens: %v", err)
	}
	if n != 2 {
		t.Fatalf("SweepExpiredTokens: got %d, want 2", n)
	}

	// The live token survives the sweep.
	got, err := s.ConsumeStreamToken(ctx, live.Token)
	if err != nil {
		t.Fatalf("ConsumeStreamToken: %v", err)
	}
	if got == nil {
		t.Error("live token should survive the sweep")
	}
}

func TestFileTransferLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tr := &FileTransfer{
		ID:              uuid.New().String(),
		SourceAgentID:   "agent-a",
		DestAgentID:     "agent-b",
		InitiatorUserID: "user-1",
		SourcePath:      "/tmp/data.bin",
		DestPath:        "/srv/data.bin",
		FileName:        "data.bin",
		FileSize:        1024,
		Status:          TransferPending,
		CreatedAt:       time.Now(),
	}
	if err := s.CreateTransfer(ctx, tr); err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}

	if err := s.UpdateTransferProgress(ctx, tr.ID, 512); err != nil {
		t.Fatalf("UpdateTransferProgress: %v", err)
	}
	got, _ := s.GetTransfer(ctx, tr.ID)
	if got.BytesTransferred != 512 {
		t.Errorf("BytesTransferred: got %d, want 512", got.BytesTransferred)
	}
	if got.Status != TransferTransferring {
		t.Errorf("Status: got %q, want %q", got.Status, TransferTransferring)
	}

	// Progress never moves backwards.
	if err := s.UpdateTransferProgress(ctx, tr.ID, 256); err != nil {
		t.Fatalf("UpdateTransferProgress(backwards): %v", err)
	}
	got, _ = s.GetTransfer(ctx, tr.ID)
	if got.BytesTransferred != 512 {
		t.Errorf("BytesTransferred after backwards update: got %d, want 512", got.BytesTransferred)
	}

	if err := s.UpdateTransferStatus(ctx, tr.ID, TransferCompleted, ""); err != nil {
		t.Fatalf("UpdateTransferStatus: %v", err)
	}
	got, _ = s.GetTransfer(ctx, tr.ID)
	if got.Status != TransferCompleted {
		t.Errorf("Status: got %q, want %q", got.Status, TransferCompleted)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt should be set after completion")
	}
}

func TestListTransfersByUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tr := &FileTransfer{
			ID:              uuid.New().String(),
			SourceAgentID:   "agent-a",
			DestAgentID:     "agent-b",
			InitiatorUserID: "user-1",
			SourcePath:      "/a",
			DestPath:        "/b",
			Status:          TransferPending,
			CreatedAt:       time.Now(),
		}
		if err := s.CreateTransfer(ctx, tr); err != nil {
			t.Fatalf("CreateTransfer[%d]: %v", i, err)
		}
	}

	transfers, err := s.ListTransfersByUser(ctx, "user-1", 2)
	if err != nil {
		t.Fatalf("ListTransfersByUser: %v", err)
	}
	if len(transfers) != 2 {
		t.Fatalf("ListTransfersByUser(limit=2): got %d, want 2", len(transfers))
	}

	other, err := s.ListTransfersByUser(ctx, "user-2", 10)
	if err != nil {
		t.Fatalf("ListTransfersByUser(user-2): %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("ListTransfersByUser(user-2): got %d, want 0", len(other))
	}
}

func TestToolCatalog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := &ToolDefinition{Name: "screenshot", Category: "gui", Enabled: true}
	if err := s.UpsertToolDefinition(ctx, def); err != nil {
		t.Fatalf("UpsertToolDefinition: %v", err)
	}
	if err := s.UpsertToolVariant(ctx, &ToolVariant{
		ToolName:        "screenshot",
		OSType:          "linux",
		Description:     "Capture the screen",
		InputSchema:     json.RawMessage(`{"type":"object"}`),
		IsAvailable:     true,
		RequiresDisplay: true,
	}); err != nil {
		t.Fatalf("UpsertToolVariant: %v", err)
	}

	// Unavailable variants are excluded.
	if err := s.UpsertToolDefinition(ctx, &ToolDefinition{Name: "machine_lock", Category: "system", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertToolVariant(ctx, &ToolVariant{
		ToolName: "machine_lock", OSType: "linux", IsAvailable: false,
	}); err != nil {
		t.Fatal(err)
	}

	// Disabled definitions are excluded.
	if err := s.UpsertToolDefinition(ctx, &ToolDefinition{Name: "fs_read", Category: "fs", Enabled: false}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertToolVariant(ctx, &ToolVariant{
		ToolName: "fs_read", OSType: "linux", IsAvailable: true,
	}); err != nil {
		t.Fatal(err)
	}

	tools, err := s.ListToolsForPlatform(ctx, "linux")
	if err != nil {
		t.Fatalf("ListToolsForPlatform: %v", err)
	}
	if len(tools) != 1 {
		t.Fatalf("ListToolsForPlatform: got %d, want 1", len(tools))
	}
	if tools[0].Name != "screenshot" {
		t.Errorf("Name: got %q, want %q", tools[0].Name, "screenshot")
	}
	if !tools[0].RequiresDisplay {
		t.Error("RequiresDisplay: got false, want true")
	}

	// No variants for other platforms.
	none, _ := s.ListToolsForPlatform(ctx, "windows")
	if len(none) != 0 {
		t.Fatalf("ListToolsForPlatform(windows): got %d, want 0", len(none))
	}
}

func TestAgentCapabilities(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetAgentCapabilities(ctx, "agent-1", []string{"screenshot", "fs_read"}); err != nil {
		t.Fatalf("SetAgentCapabilities: %v", err)
	}

	caps, err := s.GetAgentCapabilities(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetAgentCapabilities: %v", err)
	}
	if len(caps) != 2 {
		t.Fatalf("GetAgentCapabilities: got %d, want 2", len(caps))
	}

	// Replacing the set drops the old entries.
	if err := s.SetAgentCapabilities(ctx, "agent-1", []string{"shell_exec"}); err != nil {
		t.Fatalf("SetAgentCapabilities (replace): %v", err)
	}
	caps, _ = s.GetAgentCapabilities(ctx, "agent-1")
	if len(caps) != 1 || caps[0] != "shell_exec" {
		t.Fatalf("GetAgentCapabilities after replace: got %v, want [shell_exec]", caps)
	}

	// Empty set clears capabilities, meaning no restriction.
	if err := s.SetAgentCapabilities(ctx, "agent-1", nil); err != nil {
		t.Fatalf("SetAgentCapabilities(nil): %v", err)
	}
	caps, _ = s.GetAgentCapabilities(ctx, "agent-1")
	if len(caps) != 0 {
		t.Fatalf("GetAgentCapabilities after clear: got %v, want empty", caps)
	}
}

func TestLatestBuild(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v1 := &AgentVersion{ID: uuid.New().String(), Version: "1.0.0", ReleasedAt: time.Now().Add(-48 * time.Hour)}
	v2 := &AgentVersion{ID: uuid.New().String(), Version: "1.1.0", Forced: true, ReleasedAt: time.Now()}
	if err := s.CreateVersion(ctx, v1); err != nil {
		t.Fatalf("CreateVersion(v1): %v", err)
	}
	if err := s.CreateVersion(ctx, v2); err != nil {
		t.Fatalf("CreateVersion(v2): %v", err)
	}
	if err := s.CreateBuild(ctx, &AgentBuild{VersionID: v1.ID, OSType: "linux", Arch: "amd64", URL: "https://dl/1.0.0"}); err != nil {
		t.Fatalf("CreateBuild(v1): %v", err)
	}
	if err := s.CreateBuild(ctx, &AgentBuild{VersionID: v2.ID, OSType: "linux", Arch: "amd64", URL: "https://dl/1.1.0", SHA256: "abc"}); err != nil {
		t.Fatalf("CreateBuild(v2): %v", err)
	}

	lb, err := s.LatestBuild(ctx, "linux", "amd64")
	if err != nil {
		t.Fatalf("LatestBuild: %v", err)
	}
	if lb == nil {
		t.Fatal("LatestBuild returned nil")
	}
	if lb.Version != "1.1.0" {
		t.Errorf("Version: got %q, want %q", lb.Version, "1.1.0")
	}
	if !lb.Forced {
		t.Error("Forced: got false, want true")
	}

	// No build for unknown platform.
	none, err := s.LatestBuild(ctx, "windows", "arm64")
	if err != nil {
		t.Fatalf("LatestBuild(windows): %v", err)
	}
	if none != nil {
		t.Errorf("expected nil for unknown platform, got %+v", none)
	}
}

func TestAuditEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	events := []*AuditEvent{
		{ID: uuid.New().String(), Action: "login.success", UserID: "u1", Detail: json.RawMessage(`{"ip":"127.0.0.1"}`), CreatedAt: time.Now()},
		{ID: uuid.New().String(), Action: "agent.register", AgentID: "a1", CreatedAt: time.Now()},
		{ID: uuid.New().String(), Action: "stream.start", UserID: "u1", AgentID: "a1", CreatedAt: time.Now()},
	}
	for _, e := range events {
		if err := s.LogAuditEvent(ctx, e); err != nil {
			t.Fatalf("LogAuditEvent: %v", err)
		}
	}

	all, err := s.ListAuditEvents(ctx, 100, 0)
	if err != nil {
		t.Fatalf("ListAuditEvents: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ListAuditEvents: got %d, want 3", len(all))
	}

	limited, err := s.ListAuditEvents(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListAuditEvents(limit=2): %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("ListAuditEvents(limit=2): got %d, want 2", len(limited))
	}

	offset, err := s.ListAuditEvents(ctx, 100, 2)
	if err != nil {
		t.Fatalf("ListAuditEvents(offset=2): %v", err)
	}
	if len(offset) != 1 {
		t.Fatalf("ListAuditEvents(offset=2): got %d, want 1", len(offset))
	}
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
