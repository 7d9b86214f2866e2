// Package api provides the HTTP API and WebSocket entry points for the
// control plane.
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/deskwire/deskwire/internal/agentws"
	"github.com/deskwire/deskwire/internal/auth"
	"github.com/deskwire/deskwire/internal/common/errors"
	"github.com/deskwire/deskwire/internal/config"
	"github.com/deskwire/deskwire/internal/dispatch"
	"github.com/deskwire/deskwire/internal/metrics"
	"github.com/deskwire/deskwire/internal/registry"
	"github.com/deskwire/deskwire/internal/store"
	"github.com/deskwire/deskwire/internal/stream"
	"github.com/deskwire/deskwire/internal/terminal"
	"github.com/deskwire/deskwire/internal/transfer"
)

// Server is the HTTP API server.
type Server struct {
	store         store.Store
	authProvider  auth.Provider
	loginProvider auth.LoginProvider
	registry      *registry.Registry
	agents        *agentws.Handler
	streams       *stream.Broker
	terminals     *terminal.Broker
	transfers     *transfer.Manager
	dispatcher    *dispatch.Dispatcher
	logger        *slog.Logger
	mux           *chi.Mux
	upgrader      websocket.Upgrader
	startTime     time.Time
	maxBodyBytes  int64
	loginRL       *rateLimiter
	rl            *rateLimiter
}

// NewServer creates a new API server and builds its route table.
func NewServer(cfg *config.Config, s store.Store, ap auth.Provider, lp auth.LoginProvider,
	reg *registry.Registry, agents *agentws.Handler, streams *stream.Broker,
	terminals *terminal.Broker, transfers *transfer.Manager, d *dispatch.Dispatcher,
	m *metrics.Metrics, logger *slog.Logger) *Server {

	srv := &Server{
		store:         s,
		authProvider:  ap,
		loginProvider: lp,
		registry:      reg,
		agents:        agents,
		streams:       streams,
		terminals:     terminals,
		transfers:     transfers,
		dispatcher:    d,
		logger:        logger.With("component", "api"),
		upgrader:      makeUpgrader(cfg.Server.AllowedOrigins),
		startTime:     time.Now(),
		maxBodyBytes:  cfg.Server.MaxBodyBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)
	mux.Handle("/metrics", m.Handler())

	// Auth config endpoint (unauthenticated)
	mux.Get("/api/auth/config", srv.handleAuthConfig)

	// Login route only registered when using builtin auth.
	if lp != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.With(loginIPRateLimitMiddleware(srv.loginRL)).Post("/api/auth/login", srv.handleLogin)
	}

	// WebSocket routes. Agents authenticate with their register frame, viewers
	// with a one-shot session token in the hello frame.
	mux.Get("/ws/agent", srv.handleAgentWS)
	mux.Get("/ws/stream", srv.handleStreamWS)
	mux.Get("/ws/terminal", srv.handleTerminalWS)

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/me", srv.handleGetMe)
		r.Get("/api/agents", srv.handleListAgents)
		r.Post("/api/agents/{agentID}/relay", srv.handleRelay)
		r.Post("/api/stream/connect", srv.handleStreamConnect)
		r.Post("/api/terminal/connect", srv.handleTerminalConnect)
		r.Post("/api/files/transfers", srv.handleCreateTransfer)
		r.Get("/api/files/transfers", srv.handleListTransfers)
		r.Get("/api/files/transfers/{transferID}", srv.handleGetTransfer)
		r.Delete("/api/files/transfers/{transferID}", srv.handleCancelTransfer)
		r.Get("/api/updates/versions", srv.handleListVersions)

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(srv.adminMiddleware)
			r.Get("/api/users", srv.handleListUsers)
			// User management only available with builtin auth.
			if lp != nil {
				r.Post("/api/users", srv.handleCreateUser)
			}
			r.Post("/api/updates/versions", srv.handleCreateVersion)
			r.Put("/api/agents/{agentID}/permissions", srv.handleUpdatePermissions)
			r.Get("/api/admin/audit", srv.handleListAuditEvents)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 32 * 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Agents and native viewers send no Origin header.
			origin := r.Header.Get("Origin")
			return origin == "" || allowAll || originSet[origin]
		},
	}
}

// --- WebSocket handlers ---

func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("agent upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.agents.Serve(r.Context(), ws)
}

func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("stream viewer upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.streams.ServeViewer(r.Context(), ws)
}

func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("terminal viewer upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.terminals.ServeViewer(r.Context(), ws)
}

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"provider": s.authProvider.Name()})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.audit(r, "login.failed", "", "", json.RawMessage(fmt.Sprintf(`{"username":%q}`, req.Username)))
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	// Look up user for the audit trail.
	userID := ""
	if user, _ := s.store.GetUser(r.Context(), req.Username); user != nil {
		userID = user.ID
	}
	s.audit(r, "login.success", userID, "", nil)

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"id":       identity.UserID,
		"username": identity.Username,
		"role":     identity.Role,
	})
}

// --- Agent handlers ---

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	agents, err := s.store.ListAgentsByOwner(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}

	type agentResponse struct {
		store.Agent
		Online       bool   `json:"online"`
		PowerState   string `json:"power_state,omitempty"`
		ScreenLocked bool   `json:"screen_locked,omitempty"`
		CurrentTask  string `json:"current_task,omitempty"`
	}
	result := make([]agentResponse, len(agents))
	for i, a := range agents {
		result[i] = agentResponse{Agent: a}
		if conn, ok := s.registry.Get(a.ID); ok {
			result[i].Online = true
			result[i].PowerState = conn.Power()
			result[i].ScreenLocked = conn.ScreenLocked()
			result[i].CurrentTask = conn.CurrentTask()
		}
	}

	writeJSON(w, http.StatusOK, result)
}

// requireAgent loads an agent and enforces owner scope. Admins see every
// agent. Returns nil after writing the error response.
func (s *Server) requireAgent(w http.ResponseWriter, r *http.Request, agentID string) *store.Agent {
	agent, err := s.store.GetAgent(r.Context(), agentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load agent")
		return nil
	}
	if agent == nil {
		writeError(w, http.StatusNotFound, "agent not found")
		return nil
	}
	identity := getIdentityFromContext(r.Context())
	if identity.Role != "admin" && agent.OwnerID != identity.UserID {
		writeError(w, http.StatusForbidden, "agent not in your scope")
		return nil
	}
	return agent
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	agent := s.requireAgent(w, r, chi.URLParam(r, "agentID"))
	if agent == nil {
		return
	}

	var req struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, "method is required")
		return
	}

	result, err := s.dispatcher.Dispatch(r.Context(), agent.ID, req.Method, req.Params)
	if err != nil {
		writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

// --- Session token handlers ---

func (s *Server) handleStreamConnect(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		AgentID   string `json:"agentId"`
		DisplayID int    `json:"displayId"`
		Quality   int    `json:"quality"`
		MaxFPS    int    `json:"maxFps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if s.requireAgent(w, r, req.AgentID) == nil {
		return
	}

	tok, err := s.streams.Mint(r.Context(), req.AgentID, identity.UserID,
		req.DisplayID, req.Quality, req.MaxFPS, r.RemoteAddr)
	if err != nil {
		writeControlError(w, err)
		return
	}

	s.audit(r, "stream.mint", identity.UserID, req.AgentID, nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     tok.Token,
		"expiresAt": tok.ExpiresAt,
	})
}

func (s *Server) handleTerminalConnect(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		AgentID string `json:"agentId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if s.requireAgent(w, r, req.AgentID) == nil {
		return
	}

	tok, err := s.terminals.Mint(r.Context(), req.AgentID, identity.UserID, r.RemoteAddr)
	if err != nil {
		writeControlError(w, err)
		return
	}

	s.audit(r, "terminal.mint", identity.UserID, req.AgentID, nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     tok.Token,
		"expiresAt": tok.ExpiresAt,
	})
}

// --- File transfer handlers ---

func (s *Server) handleCreateTransfer(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		SourceAgentID string `json:"sourceAgentId"`
		DestAgentID   string `json:"destAgentId"`
		SourcePath    string `json:"sourcePath"`
		DestPath      string `json:"destPath"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SourcePath == "" || req.DestPath == "" {
		writeError(w, http.StatusBadRequest, "sourcePath and destPath are required")
		return
	}
	if s.requireAgent(w, r, req.SourceAgentID) == nil {
		return
	}
	if s.requireAgent(w, r, req.DestAgentID) == nil {
		return
	}

	tr, err := s.transfers.Start(r.Context(), identity.UserID,
		req.SourceAgentID, req.DestAgentID, req.SourcePath, req.DestPath)
	if err != nil {
		writeControlError(w, err)
		return
	}

	s.audit(r, "transfer.start", identity.UserID, req.SourceAgentID,
		json.RawMessage(fmt.Sprintf(`{"transfer_id":%q,"dest_agent_id":%q}`, tr.ID, req.DestAgentID)))
	writeJSON(w, http.StatusCreated, tr)
}

func (s *Server) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	limit := queryInt(r, "limit", 50, 500)

	transfers, err := s.transfers.ListForUser(r.Context(), identity.UserID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list transfers")
		return
	}
	if transfers == nil {
		transfers = []store.FileTransfer{}
	}
	writeJSON(w, http.StatusOK, transfers)
}

// requireTransfer loads a transfer and verifies the caller initiated it.
func (s *Server) requireTransfer(w http.ResponseWriter, r *http.Request) *store.FileTransfer {
	tr, err := s.transfers.Get(r.Context(), chi.URLParam(r, "transferID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load transfer")
		return nil
	}
	if tr == nil {
		writeError(w, http.StatusNotFound, "transfer not found")
		return nil
	}
	identity := getIdentityFromContext(r.Context())
	if identity.Role != "admin" && tr.InitiatorUserID != identity.UserID {
		writeError(w, http.StatusForbidden, "not your transfer")
		return nil
	}
	return tr
}

func (s *Server) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	tr := s.requireTransfer(w, r)
	if tr == nil {
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (s *Server) handleCancelTransfer(w http.ResponseWriter, r *http.Request) {
	tr := s.requireTransfer(w, r)
	if tr == nil {
		return
	}

	if err := s.transfers.Cancel(r.Context(), tr.ID); err != nil {
		writeControlError(w, err)
		return
	}

	identity := getIdentityFromContext(r.Context())
	s.audit(r, "transfer.cancel", identity.UserID, tr.SourceAgentID,
		json.RawMessage(fmt.Sprintf(`{"transfer_id":%q}`, tr.ID)))
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// --- Update channel handlers ---

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20, 100)

	versions, err := s.store.ListVersions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list versions")
		return
	}

	type versionResponse struct {
		store.AgentVersion
		Builds []store.AgentBuild `json:"builds"`
	}
	result := make([]versionResponse, len(versions))
	for i, v := range versions {
		builds, err := s.store.ListBuildsForVersion(r.Context(), v.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list builds")
			return
		}
		if builds == nil {
			builds = []store.AgentBuild{}
		}
		result[i] = versionResponse{AgentVersion: v, Builds: builds}
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		Version string `json:"version"`
		Forced  bool   `json:"forced"`
		Builds  []struct {
			OSType string `json:"osType"`
			Arch   string `json:"arch"`
			URL    string `json:"url"`
			SHA256 string `json:"sha256"`
		} `json:"builds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Version == "" {
		writeError(w, http.StatusBadRequest, "version is required")
		return
	}

	v := &store.AgentVersion{
		ID:         uuid.New().String(),
		Version:    req.Version,
		Forced:     req.Forced,
		ReleasedAt: time.Now(),
	}
	if err := s.store.CreateVersion(r.Context(), v); err != nil {
		writeError(w, http.StatusConflict, "failed to create version")
		return
	}
	for _, b := range req.Builds {
		if err := s.store.CreateBuild(r.Context(), &store.AgentBuild{
			VersionID: v.ID,
			OSType:    b.OSType,
			Arch:      b.Arch,
			URL:       b.URL,
			SHA256:    b.SHA256,
		}); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to create build")
			return
		}
	}

	s.audit(r, "version.create", identity.UserID, "",
		json.RawMessage(fmt.Sprintf(`{"version":%q,"forced":%t}`, req.Version, req.Forced)))
	writeJSON(w, http.StatusCreated, v)
}

// --- Admin handlers ---

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	for i := range users {
		users[i].PasswordHash = ""
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}
	if len(req.Password) < 8 || len(req.Password) > 128 {
		writeError(w, http.StatusBadRequest, "password must be 8-128 characters")
		return
	}

	user, err := s.loginProvider.Register(r.Context(), req.Username, req.Password, req.Role)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	user.PasswordHash = ""
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleUpdatePermissions(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	agentID := chi.URLParam(r, "agentID")
	identity := getIdentityFromContext(r.Context())

	agent, err := s.store.GetAgent(r.Context(), agentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load agent")
		return
	}
	if agent == nil {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}

	var req struct {
		MasterMode     bool    `json:"masterMode"`
		FileTransfer   bool    `json:"fileTransfer"`
		SettingsLocked bool    `json:"settingsLocked"`
		DefaultBrowser *string `json:"defaultBrowser,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.store.UpdateAgentPermissions(r.Context(), agentID,
		req.MasterMode, req.FileTransfer, req.SettingsLocked); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update permissions")
		return
	}
	if req.DefaultBrowser != nil {
		if err := s.store.SetAgentDefaultBrowser(r.Context(), agentID, *req.DefaultBrowser); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to set default browser")
			return
		}
	}

	s.audit(r, "agent.permissions_update", identity.UserID, agentID,
		json.RawMessage(fmt.Sprintf(`{"master_mode":%t,"file_transfer":%t,"settings_locked":%t}`,
			req.MasterMode, req.FileTransfer, req.SettingsLocked)))
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50, 500)
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	events, err := s.store.ListAuditEvents(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

func (s *Server) audit(r *http.Request, action, userID, agentID string, detail json.RawMessage) {
	if err := s.store.LogAuditEvent(r.Context(), &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		UserID:    userID,
		AgentID:   agentID,
		Detail:    detail,
		CreatedAt: time.Now(),
	}); err != nil {
		s.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}

func queryInt(r *http.Request, key string, def, max int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeControlError maps a taxonomy error onto its HTTP status, keeping the
// kind visible to API callers.
func writeControlError(w http.ResponseWriter, err error) {
	var ce *errors.ControlError
	if stderrors.As(err, &ce) {
		writeJSON(w, ce.HTTPStatus(), map[string]string{
			"error": ce.Message,
			"code":  ce.Kind,
		})
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}
