package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"log/slog"

	"github.com/splax/sheetledger/pkg/config"
	jwtpkg "github.com/splax/sheetledger/pkg/jwt"
)

// ErrUnauthenticated is returned for any token that cannot be trusted.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

// Identity is the caller as asserted by the identity provider.
type Identity struct {
	Subject  string
	Email    string
	Username string
}

// Service resolves bearer tokens issued by the identity provider.
type Service struct {
	logger *slog.Logger
	secret string
	issuer string
}

// New constructs a Service.
func New(logger *slog.Logger, cfg config.Config) Service {
	return Service{logger: logger, secret: cfg.IdentityJWTSecret, issuer: cfg.IdentityIssuer}
}

// Resolve validates a bearer token and returns the identity it carries.
func (s Service) Resolve(_ context.Context, token string) (Identity, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return Identity{}, fmt.Errorf("%w: token required", ErrUnauthenticated)
	}
	if s.secret == "" {
		s.logger.Error("identity secret not configured")
		return Identity{}, fmt.Errorf("%w: resolver not configured", ErrUnauthenticated)
	}
	claims, err := jwtpkg.Parse(trimmed, s.secret, s.issuer)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return Identity{Subject: claims.Subject, Email: claims.Email, Username: claims.Username}, nil
}
