package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL via pgx.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS licenses (
			uuid TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT 'pending',
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			machine_fingerprint TEXT NOT NULL,
			license_uuid TEXT NOT NULL DEFAULT '',
			license_state TEXT NOT NULL DEFAULT 'pending',
			os_type TEXT NOT NULL,
			arch TEXT NOT NULL DEFAULT '',
			agent_version TEXT NOT NULL DEFAULT '',
			hostname TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			has_display BOOLEAN NOT NULL DEFAULT TRUE,
			master_mode_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			file_transfer_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			local_settings_locked BOOLEAN NOT NULL DEFAULT FALSE,
			default_browser TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_owner_fingerprint
			ON agents(owner_id, machine_fingerprint)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_license_uuid
			ON agents(license_uuid) WHERE license_uuid != ''`,
		`CREATE TABLE IF NOT EXISTS stream_session_tokens (
			token TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			display_id INTEGER NOT NULL DEFAULT 0,
			quality INTEGER NOT NULL DEFAULT 75,
			max_fps INTEGER NOT NULL DEFAULT 30,
			remote_address TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS terminal_session_tokens (
			token TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			remote_address TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS file_transfers (
			id TEXT PRIMARY KEY,
			source_agent_id TEXT NOT NULL,
			dest_agent_id TEXT NOT NULL,
			initiator_user_id TEXT NOT NULL,
			source_path TEXT NOT NULL,
			dest_path TEXT NOT NULL,
			file_name TEXT NOT NULL DEFAULT '',
			file_size BIGINT NOT NULL DEFAULT 0,
			bytes_transferred BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'PENDING',
			error_message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_file_transfers_user ON file_transfers(initiator_user_id)`,
		`CREATE TABLE IF NOT EXISTS tool_definitions (
			name TEXT PRIMARY KEY,
			category TEXT NOT NULL DEFAULT '',
			enabled BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS tool_platform_variants (
			tool_name TEXT NOT NULL REFERENCES tool_definitions(name),
			os_type TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			input_schema TEXT NOT NULL DEFAULT '{}',
			is_available BOOLEAN NOT NULL DEFAULT TRUE,
			requires_display BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (tool_name, os_type)
		)`,
		`CREATE TABLE IF NOT EXISTS agent_tool_capabilities (
			agent_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (agent_id, tool_name)
		)`,
		`CREATE TABLE IF NOT EXISTS agent_versions (
			id TEXT PRIMARY KEY,
			version TEXT UNIQUE NOT NULL,
			forced BOOLEAN NOT NULL DEFAULT FALSE,
			released_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS agent_builds (
			version_id TEXT NOT NULL REFERENCES agent_versions(id),
			os_type TEXT NOT NULL,
			arch TEXT NOT NULL,
			url TEXT NOT NULL DEFAULT '',
			sha256 TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (version_id, os_type, arch)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, username, password_hash, role, created_at) VALUES ($1, $2, $3, $4, $5)",
		user.ID, user.Username, user.PasswordHash, user.Role, user.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, created_at FROM users WHERE username = $1", username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, created_at FROM users WHERE id = $1", id,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, username, password_hash, role, created_at FROM users ORDER BY username")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- Agents ---

func (s *PostgresStore) CreateAgent(ctx context.Context, a *Agent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (`+agentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		a.ID, a.OwnerID, a.MachineFingerprint, a.LicenseUUID, a.LicenseState,
		a.OSType, a.Arch, a.AgentVersion, a.Hostname, a.DisplayName, a.HasDisplay,
		a.MasterModeEnabled, a.FileTransferEnabled, a.LocalSettingsLocked,
		a.DefaultBrowser, a.CreatedAt, a.LastSeenAt,
	)
	return err
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
}

func (s *PostgresStore) GetAgentByLicense(ctx context.Context, licenseUUID string) (*Agent, error) {
	if licenseUUID == "" {
		return nil, nil
	}
	return scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE license_uuid = $1`, licenseUUID))
}

func (s *PostgresStore) GetAgentByFingerprint(ctx context.Context, ownerID, fingerprint string) (*Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE owner_id = $1 AND machine_fingerprint = $2`,
		ownerID, fingerprint))
}

func (s *PostgresStore) UpdateAgentOnRegister(ctx context.Context, a *Agent) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET os_type = $1, arch = $2, agent_version = $3, hostname = $4,
			display_name = $5, has_display = $6, license_uuid = $7, license_state = $8, last_seen_at = $9
		 WHERE id = $10`,
		a.OSType, a.Arch, a.AgentVersion, a.Hostname,
		a.DisplayName, a.HasDisplay, a.LicenseUUID, a.LicenseState, time.Now(),
		a.ID,
	)
	return err
}

func (s *PostgresStore) UpdateAgentLastSeen(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE agents SET last_seen_at = $1 WHERE id = $2", at, id)
	return err
}

func (s *PostgresStore) UpdateAgentPermissions(ctx context.Context, id string, masterMode, fileTransfer, settingsLocked bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET master_mode_enabled = $1, file_transfer_enabled = $2, local_settings_locked = $3
		 WHERE id = $4`,
		masterMode, fileTransfer, settingsLocked, id)
	return err
}

func (s *PostgresStore) SetAgentDefaultBrowser(ctx context.Context, id, browser string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE agents SET default_browser = $1 WHERE id = $2", browser, id)
	return err
}

func (s *PostgresStore) ListAgentsByOwner(ctx context.Context, ownerID string) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE owner_id = $1 ORDER BY hostname`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// --- Licenses ---

func (s *PostgresStore) UpsertLicense(ctx context.Context, lic *License) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO licenses (uuid, owner_id, state, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT(uuid) DO UPDATE SET owner_id = excluded.owner_id,
			state = excluded.state, expires_at = excluded.expires_at`,
		lic.UUID, lic.OwnerID, lic.State, lic.ExpiresAt, lic.CreatedAt)
	return err
}

func (s *PostgresStore) GetLicense(ctx context.Context, uuid string) (*License, error) {
	var lic License
	err := s.db.QueryRowContext(ctx,
		"SELECT uuid, owner_id, state, expires_at, created_at FROM licenses WHERE uuid = $1", uuid,
	).Scan(&lic.UUID, &lic.OwnerID, &lic.State, &lic.ExpiresAt, &lic.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &lic, err
}

// --- Session tokens ---

func (s *PostgresStore) CreateStreamToken(ctx context.Context, tok *StreamToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stream_session_tokens (token, agent_id, user_id, display_id, quality, max_fps, remote_address, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		tok.Token, tok.AgentID, tok.UserID, tok.DisplayID, tok.Quality, tok.MaxFPS, tok.RemoteAddress, tok.ExpiresAt)
	return err
}

func (s *PostgresStore) ConsumeStreamToken(ctx context.Context, token string) (*StreamToken, error) {
	var tok StreamToken
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM stream_session_tokens WHERE token = $1
		 RETURNING token, agent_id, user_id, display_id, quality, max_fps, remote_address, expires_at`,
		token,
	).Scan(&tok.Token, &tok.AgentID, &tok.UserID, &tok.DisplayID, &tok.Quality, &tok.MaxFPS, &tok.RemoteAddress, &tok.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if time.Now().After(tok.ExpiresAt) {
		return nil, nil
	}
	return &tok, nil
}

func (s *PostgresStore) CountStreamTokensForAgent(ctx context.Context, agentID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM stream_session_tokens WHERE agent_id = $1 AND expires_at > $2",
		agentID, time.Now(),
	).Scan(&count)
	return count, err
}

func (s *PostgresStore) CreateTerminalToken(ctx context.Context, tok *TerminalToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO terminal_session_tokens (token, agent_id, user_id, remote_address, expires_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		tok.Token, tok.AgentID, tok.UserID, tok.RemoteAddress, tok.ExpiresAt)
	return err
}

func (s *PostgresStore) ConsumeTerminalToken(ctx context.Context, token string) (*TerminalToken, error) {
	var tok TerminalToken
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM terminal_session_tokens WHERE token = $1
		 RETURNING token, agent_id, user_id, remote_address, expires_at`,
		token,
	).Scan(&tok.Token, &tok.AgentID, &tok.UserID, &tok.RemoteAddress, &tok.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if time.Now().After(tok.ExpiresAt) {
		return nil, nil
	}
	return &tok, nil
}

func (s *PostgresStore) SweepExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM stream_session_tokens WHERE expires_at <= $1", now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx,
		"DELETE FROM terminal_session_tokens WHERE expires_at <= $1", now)
	if err != nil {
		return n, err
	}
	m, _ := res.RowsAffected()
	return n + m, nil
}

// --- File transfers ---

func (s *PostgresStore) CreateTransfer(ctx context.Context, tr *FileTransfer) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_transfers (id, source_agent_id, dest_agent_id, initiator_user_id,
			source_path, dest_path, file_name, file_size, bytes_transferred, status, error_message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		tr.ID, tr.SourceAgentID, tr.DestAgentID, tr.InitiatorUserID,
		tr.SourcePath, tr.DestPath, tr.FileName, tr.FileSize, tr.BytesTransferred,
		tr.Status, tr.ErrorMessage, tr.CreatedAt)
	return err
}

func (s *PostgresStore) GetTransfer(ctx context.Context, id string) (*FileTransfer, error) {
	var tr FileTransfer
	var completed sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, source_agent_id, dest_agent_id, initiator_user_id, source_path, dest_path,
			file_name, file_size, bytes_transferred, status, error_message, created_at, completed_at
		 FROM file_transfers WHERE id = $1`, id,
	).Scan(&tr.ID, &tr.SourceAgentID, &tr.DestAgentID, &tr.InitiatorUserID, &tr.SourcePath, &tr.DestPath,
		&tr.FileName, &tr.FileSize, &tr.BytesTransferred, &tr.Status, &tr.ErrorMessage, &tr.CreatedAt, &completed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if completed.Valid {
		tr.CompletedAt = &completed.Time
	}
	return &tr, nil
}

func (s *PostgresStore) UpdateTransferProgress(ctx context.Context, id string, bytesTransferred int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE file_transfers SET bytes_transferred = $1, status = $2
		 WHERE id = $3 AND bytes_transferred <= $1`,
		bytesTransferred, TransferTransferring, id)
	return err
}

func (s *PostgresStore) UpdateTransferStatus(ctx context.Context, id, status, errorMessage string) error {
	var completed any
	if status == TransferCompleted || status == TransferFailed || status == TransferCancelled {
		completed = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE file_transfers SET status = $1, error_message = $2, completed_at = $3 WHERE id = $4",
		status, errorMessage, completed, id)
	return err
}

func (s *PostgresStore) ListTransfersByUser(ctx context.Context, userID string, limit int) ([]FileTransfer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_agent_id, dest_agent_id, initiator_user_id, source_path, dest_path,
			file_name, file_size, bytes_transferred, status, error_message, created_at, completed_at
		 FROM file_transfers WHERE initiator_user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []FileTransfer
	for rows.Next() {
		var tr FileTransfer
		var completed sql.NullTime
		if err := rows.Scan(&tr.ID, &tr.SourceAgentID, &tr.DestAgentID, &tr.InitiatorUserID,
			&tr.SourcePath, &tr.DestPath, &tr.FileName, &tr.FileSize, &tr.BytesTransferred,
			&tr.Status, &tr.ErrorMessage, &tr.CreatedAt, &completed); err != nil {
			return nil, err
		}
		if completed.Valid {
			tr.CompletedAt = &completed.Time
		}
		transfers = append(transfers, tr)
	}
	return transfers, rows.Err()
}

// --- Tool catalog ---

func (s *PostgresStore) UpsertToolDefinition(ctx context.Context, def *ToolDefinition) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_definitions (name, category, enabled) VALUES ($1, $2, $3)
		 ON CONFLICT(name) DO UPDATE SET category = excluded.category, enabled = excluded.enabled`,
		def.Name, def.Category, def.Enabled)
	return err
}

func (s *PostgresStore) UpsertToolVariant(ctx context.Context, v *ToolVariant) error {
	schema := v.InputSchema
	if len(schema) == 0 {
		schema = []byte("{}")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_platform_variants (tool_name, os_type, description, input_schema, is_available, requires_display)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT(tool_name, os_type) DO UPDATE SET description = excluded.description,
			input_schema = excluded.input_schema, is_available = excluded.is_available,
			requires_display = excluded.requires_display`,
		v.ToolName, v.OSType, v.Description, string(schema), v.IsAvailable, v.RequiresDisplay)
	return err
}

func (s *PostgresStore) ListToolsForPlatform(ctx context.Context, osType string) ([]ToolListing, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.name, d.category, v.description, v.input_schema, v.requires_display
		 FROM tool_definitions d
		 JOIN tool_platform_variants v ON v.tool_name = d.name
		 WHERE d.enabled AND v.os_type = $1 AND v.is_available
		 ORDER BY d.name`, osType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tools []ToolListing
	for rows.Next() {
		var t ToolListing
		var schema string
		if err := rows.Scan(&t.Name, &t.Category, &t.Description, &schema, &t.RequiresDisplay); err != nil {
			return nil, err
		}
		t.InputSchema = []byte(schema)
		tools = append(tools, t)
	}
	return tools, rows.Err()
}

func (s *PostgresStore) SetAgentCapabilities(ctx context.Context, agentID string, names []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM agent_tool_capabilities WHERE agent_id = $1", agentID); err != nil {
		return err
	}
	for _, name := range names {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO agent_tool_capabilities (agent_id, tool_name, updated_at) VALUES ($1, $2, $3)",
			agentID, name, time.Now()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) GetAgentCapabilities(ctx context.Context, agentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT tool_name FROM agent_tool_capabilities WHERE agent_id = $1 ORDER BY tool_name", agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// --- Agent versions ---

func (s *PostgresStore) CreateVersion(ctx context.Context, v *AgentVersion) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO agent_versions (id, version, forced, released_at) VALUES ($1, $2, $3, $4)",
		v.ID, v.Version, v.Forced, v.ReleasedAt)
	return err
}

func (s *PostgresStore) CreateBuild(ctx context.Context, b *AgentBuild) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO agent_builds (version_id, os_type, arch, url, sha256) VALUES ($1, $2, $3, $4, $5)",
		b.VersionID, b.OSType, b.Arch, b.URL, b.SHA256)
	return err
}

func (s *PostgresStore) LatestBuild(ctx context.Context, osType, arch string) (*LatestBuild, error) {
	var lb LatestBuild
	err := s.db.QueryRowContext(ctx,
		`SELECT v.version, v.forced, v.released_at, b.url, b.sha256
		 FROM agent_versions v
		 JOIN agent_builds b ON b.version_id = v.id
		 WHERE b.os_type = $1 AND b.arch = $2
		 ORDER BY v.released_at DESC LIMIT 1`,
		osType, arch,
	).Scan(&lb.Version, &lb.Forced, &lb.ReleasedAt, &lb.URL, &lb.SHA256)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &lb, err
}

func (s *PostgresStore) ListVersions(ctx context.Context, limit int) ([]AgentVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, version, forced, released_at FROM agent_versions ORDER BY released_at DESC LIMIT $1",
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []AgentVersion
	for rows.Next() {
		var v AgentVersion
		if err := rows.Scan(&v.ID, &v.Version, &v.Forced, &v.ReleasedAt); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *PostgresStore) ListBuildsForVersion(ctx context.Context, versionID string) ([]AgentBuild, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT version_id, os_type, arch, url, sha256 FROM agent_builds WHERE version_id = $1 ORDER BY os_type, arch",
		versionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var builds []AgentBuild
	for rows.Next() {
		var b AgentBuild
		if err := rows.Scan(&b.VersionID, &b.OSType, &b.Arch, &b.URL, &b.SHA256); err != nil {
			return nil, err
		}
		builds = append(builds, b)
	}
	return builds, rows.Err()
}

// --- Audit ---

func (s *PostgresStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := "{}"
	if len(event.Detail) > 0 {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO audit_events (id, action, user_id, agent_id, detail, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		event.ID, event.Action, event.UserID, event.AgentID, detail, event.CreatedAt)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, user_id, agent_id, detail, created_at
		 FROM audit_events ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.Action, &e.UserID, &e.AgentID, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Detail = []byte(detail)
		events = append(events, e)
	}
	return events, rows.Err()
}
