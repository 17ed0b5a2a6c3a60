package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/splax/sheetledger/pkg/config"
	jwtpkg "github.com/splax/sheetledger/pkg/jwt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolveReturnsIdentity(t *testing.T) {
	svc := New(newLogger(), config.Config{IdentityJWTSecret: "secret"})
	token, err := jwtpkg.GenerateToken("ext-1", "one@example.com", "", "secret", time.Minute)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	id, err := svc.Resolve(context.Background(), token)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id.Subject != "ext-1" || id.Email != "one@example.com" {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestResolveRejects(t *testing.T) {
	svc := New(newLogger(), config.Config{IdentityJWTSecret: "secret"})
	for name, token := range map[string]string{
		"empty":   "  ",
		"garbage": "not-a-jwt",
	} {
		if _, err := svc.Resolve(context.Background(), token); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("%s: expected ErrUnauthenticated, got %v", name, err)
		}
	}

	unconfigured := New(newLogger(), config.Config{})
	token, _ := jwtpkg.GenerateToken("ext-1", "", "", "", time.Minute)
	if _, err := unconfigured.Resolve(context.Background(), token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected unconfigured resolver to reject, got %v", err)
	}
}
