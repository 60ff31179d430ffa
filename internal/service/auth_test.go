package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/keygatehq/keygate/internal/config"
)

func newTestAuth(t *testing.T) *AuthService {
	t.Helper()
	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewAuthService(store, "test-secret-key-for-jwt")
}

func TestJWTRoundTrip(t *testing.T) {
	auth := newTestAuth(t)
	ctx := context.Background()

	token, err := auth.IssueJWT(ctx, 42, "admin@example.com", 1*time.Hour)
	if err != nil {
		t.Fatalf("IssueJWT: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	principal, err := auth.ValidateJWT(ctx, token)
	if err != nil {
		t.Fatalf("ValidateJWT: %v", err)
	}
	if principal.AdminID != 42 {
		t.Errorf("AdminID: got %d, want 42", principal.AdminID)
	}
	if principal.Email != "admin@example.com" {
		t.Errorf("Email: got %q, want %q", principal.Email, "admin@example.com")
	}
}

func TestJWTExpired(t *testing.T) {
	auth := newTestAuth(t)
	ctx := context.Background()

	token, err := auth.IssueJWT(ctx, 1, "test@test.com", -1*time.Hour)
	if err != nil {
		t.Fatalf("IssueJWT: %v", err)
	}

	if _, err := auth.ValidateJWT(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestJWTInvalidToken(t *testing.T) {
	auth := newTestAuth(t)

	if _, err := auth.ValidateJWT(context.Background(), "garbage.token.here"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestJWTWrongSecret(t *testing.T) {
	issuer := newTestAuth(t)
	ctx := context.Background()

	token, err := issuer.IssueJWT(ctx, 7, "a@b.com", time.Hour)
	if err != nil {
		t.Fatalf("IssueJWT: %v", err)
	}

	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	other := NewAuthService(store, "a-different-secret")

	if _, err := other.ValidateJWT(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for mis-signed token, got %v", err)
	}
}
