package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/deskwire/deskwire/internal/config"
	"github.com/deskwire/deskwire/internal/store"
)

func newTestAuthService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := config.AuthConfig{
		JWTSecret: "test-secret-at-least-32-chars-long",
		JWTExpiry: config.Duration{Duration: 1 * time.Hour},
		InitialAdmin: &config.InitialAdmin{
			Username: "admin",
			Password: "admin-password",
		},
	}

	svc := NewService(s, cfg)
	return svc, s
}

func TestBootstrap(t *testing.T) {
	svc, s := newTestAuthService(t)
	ctx := context.Background()

	// First bootstrap should create the admin user
	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	// Verify user was created
	user, err := s.GetUser(ctx, "admin")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if user == nil {
		t.Fatal("admin user not created")
	}
	if user.Role != "admin" {
		t.Errorf("Role: got %q, want %q", user.Role, "admin")
	}

	// Second bootstrap should be idempotent (no error, no duplicate)
	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap (idempotent): %v", err)
	}

	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 1 {
		t.Errorf("expected 1 user after double bootstrap, got %d", len(users))
	}
}

func TestBootstrapNoAdmin(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	svc := NewService(s, config.AuthConfig{
		JWTSecret: "test-secret-at-least-32-chars-long",
		JWTExpiry: config.Duration{Duration: 1 * time.Hour},
	})

	// No initial admin configured: bootstrap is a no-op.
	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap(nil admin): %v", err)
	}
	users, _ := s.ListUsers(context.Background())
	if len(users) != 0 {
		t.Errorf("expected 0 users, got %d", len(users))
	}
}

func TestLoginSuccess(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	// Register a user first
	_, err := svc.Register(ctx, "alice", "secret123", "user")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Login
	token, err := svc.Login(ctx, "alice", "secret123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if token == "" {
		t.Fatal("Login returned empty token")
	}

	// Token should be a valid JWT (three dot-separated parts)
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Errorf("expected JWT with 3 parts, got %d", len(parts))
	}
}

func TestLoginWrongPassword(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "alice", "secret123", "user")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err = svc.Login(ctx, "alice", "wrong-password")
	if err == nil {
		t.Fatal("expected error for wrong password, got nil")
	}
	if err != ErrInvalidCredentials {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLoginNonexistentUser(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	_, err := svc.Login(ctx, "nobody", "password")
	if err == nil {
		t.Fatal("expected error for nonexistent user, got nil")
	}
	if err != ErrInvalidCredentials {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestValidateToken(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "alice", "secret123", "user")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	token, err := svc.Login(ctx, "alice", "secret123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	identity, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}

	if identity.UserID != user.ID {
		t.Errorf("UserID: got %q, want %q", identity.UserID, user.ID)
	}
	if identity.Username != "alice" {
		t.Errorf("Username: got %q, want %q", identity.Username, "alice")
	}
	if identity.Role != "user" {
		t.Errorf("Role: got %q, want %q", identity.Role, "user")
	}
}

func TestValidateGarbageToken(t *testing.T) {
	svc, _ := newTestAuthService(t)

	_, err := svc.ValidateToken(context.Background(), "not-a-jwt")
	if err == nil {
		t.Fatal("expected error for garbage token, got nil")
	}
	if err != ErrUnauthorized {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestExpiredToken(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	// Create a service with a very short (already past) expiry
	cfg := config.AuthConfig{
		JWTSecret: "test-secret-at-least-32-chars-long",
		JWTExpiry: config.Duration{Duration: -1 * time.Hour}, // expired 1h ago
	}

	svc := NewService(s, cfg)
	ctx := context.Background()

	_, err = svc.Register(ctx, "alice", "secret123", "user")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	token, err := svc.Login(ctx, "alice", "secret123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	_, err = svc.ValidateToken(ctx, token)
	if err == nil {
		t.Fatal("expected error for expired token, got nil")
	}
	if err != ErrUnauthorized {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "alice", "secret123", "user")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err = svc.Register(ctx, "alice", "other-password", "user")
	if err == nil {
		t.Fatal("expected error for duplicate registration, got nil")
	}
	if err != ErrUserExists {
		t.Errorf("expected ErrUserExists, got %v", err)
	}
}

func TestRegisterDefaultRole(t *testing.T) {
	svc, _ := newTestAuthService(t)

	user, err := svc.Register(context.Background(), "bob", "secret123", "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if user.Role != "user" {
		t.Errorf("Role: got %q, want %q", user.Role, "user")
	}
}
