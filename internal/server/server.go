// Package server is the main orchestrator that ties all control-plane
// components together.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/deskwire/deskwire/internal/agentws"
	"github.com/deskwire/deskwire/internal/api"
	"github.com/deskwire/deskwire/internal/auth"
	"github.com/deskwire/deskwire/internal/config"
	"github.com/deskwire/deskwire/internal/dispatch"
	"github.com/deskwire/deskwire/internal/master"
	"github.com/deskwire/deskwire/internal/metrics"
	"github.com/deskwire/deskwire/internal/policy"
	"github.com/deskwire/deskwire/internal/registry"
	"github.com/deskwire/deskwire/internal/store"
	"github.com/deskwire/deskwire/internal/stream"
	"github.com/deskwire/deskwire/internal/terminal"
	"github.com/deskwire/deskwire/internal/tools"
	"github.com/deskwire/deskwire/internal/transfer"
)

// Server is the control-plane process.
type Server struct {
	cfg          *config.Config
	store        store.Store
	authProvider auth.Provider
	registry     *registry.Registry
	streams      *stream.Broker
	terminals    *terminal.Broker
	api          *api.Server
	logger       *slog.Logger
}

// New creates a control plane from configuration. All components are built
// here, in dependency order, and wired explicitly.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authProvider, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Bootstrap (creates admin user for builtin provider).
	if err := authProvider.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	ctl := cfg.Control
	m := metrics.New()
	reg := registry.New(logger, m, ctl.SleepQueueCap, ctl.CmdDefaultTimeout.Duration)
	pol := policy.New(db, logger)
	catalog := tools.New(db, logger)

	// Brokers register their disconnect hooks with the registry as they are
	// constructed.
	streams := stream.NewBroker(db, reg, m, logger, ctl.StreamTokenTTL.Duration, ctl.MaxStreamsPerAgent)
	terminals := terminal.NewBroker(db, reg, m, logger, ctl.TerminalTokenTTL.Duration)
	transfers := transfer.New(db, reg, m, logger, ctl.TransferTimeout.Duration,
		ctl.ChunkSizeBytes, ctl.MaxFileSizeBytes)
	relay := master.New(db, reg, m, logger, ctl.RelayTimeout.Duration)
	dispatcher := dispatch.New(reg, catalog, db, logger, ctl.CmdDefaultTimeout.Duration)

	graceHours := int(ctl.HeartbeatGrace.Duration / time.Hour)
	agents := agentws.New(db, reg, pol, catalog, streams, relay, m, logger, graceHours)

	apiSrv := api.NewServer(cfg, db, authProvider, loginProvider, reg,
		agents, streams, terminals, transfers, dispatcher, m, logger)

	s := &Server{
		cfg:          cfg,
		store:        db,
		authProvider: authProvider,
		registry:     reg,
		streams:      streams,
		terminals:    terminals,
		api:          apiSrv,
		logger:       logger.With("component", "server"),
	}

	// Startup validation warnings (only for builtin provider).
	if authProvider.Name() == "builtin" {
		if cfg.Auth.InitialAdmin != nil &&
			cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
			logger.Warn("default admin credentials detected (admin/admin) — change immediately in production")
		}
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*' — restrict to specific origins in production")
			break
		}
	}

	return s, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.Addr,
		Handler: s.api.Handler(),
	}

	go s.runTokenSweeper(ctx, s.cfg.Control.TokenSweepInterval.Duration)
	go s.runSessionReaper(ctx)
	s.api.StartBackgroundTasks(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control plane listening", "addr", s.cfg.Server.Addr)
		if s.cfg.Server.TLSCert != "" && s.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(s.cfg.Server.TLSCert, s.cfg.Server.TLSKey)
		} else {
			s.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			s.logger.Info("http server stopped gracefully")
		}

		s.logger.Info("closing store")
		_ = s.store.Close()
		s.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = s.store.Close()
		return err
	}
}

// runSessionReaper periodically removes agent connections silent past the
// heartbeat grace and ends stream/terminal sessions with no traffic past the
// idle timeout.
func (s *Server) runSessionReaper(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.registry.ReapStale(s.cfg.Control.HeartbeatGrace.Duration); n > 0 {
				s.logger.Info("reaped silent agent connections", "count", n)
			}
			idle := s.cfg.Control.SessionIdleTimeout.Duration
			if n := s.streams.SweepInactive(idle); n > 0 {
				s.logger.Info("reaped idle stream sessions", "count", n)
			}
			if n := s.terminals.SweepInactive(idle); n > 0 {
				s.logger.Info("reaped idle terminal sessions", "count", n)
			}
		}
	}
}

// runTokenSweeper deletes expired one-shot session tokens. Redemption already
// checks expiry, so the sweep only keeps the tables from growing.
func (s *Server) runTokenSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.SweepExpiredTokens(ctx, time.Now())
			if err != nil {
				s.logger.Warn("token sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Debug("swept expired session tokens", "count", n)
			}
		}
	}
}
