// Package auth provides handshake token verification for the broker.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/loomflow/loom/config"
)

var (
	// ErrUnauthorized is returned for any invalid, expired, or missing token.
	ErrUnauthorized = errors.New("unauthorized")
)

// Claims are the JWT claims of builtin session tokens.
type Claims struct {
	UserID    string `json:"uid"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar,omitempty"`
	jwt.RegisteredClaims
}

// Service verifies HMAC-signed session tokens issued by the application tier
// (or by IssueToken in self-hosted deployments sharing the secret).
type Service struct {
	jwtSecret []byte
	jwtExpiry time.Duration
}

// NewService creates a builtin auth service from configuration.
func NewService(cfg config.AuthConfig) *Service {
	return &Service{
		jwtSecret: []byte(cfg.JWTSecret),
		jwtExpiry: cfg.JWTExpiry.Duration,
	}
}

// VerifyToken parses and validates a session token.
func (s *Service) VerifyToken(ctx context.Context, tokenStr string) (*Identity, error) {
	if tokenStr == "" {
		return nil, ErrUnauthorized
	}

	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrUnauthorized
	}

	return &Identity{
		UserID:    claims.UserID,
		Name:      claims.Name,
		AvatarURL: claims.AvatarURL,
	}, nil
}

// IssueToken mints a short-lived session token. Used by self-hosted
// deployments where the broker shares the secret with the application tier,
// and by tests.
func (s *Service) IssueToken(id Identity) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:    id.UserID,
		Name:      id.Name,
		AvatarURL: id.AvatarURL,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.jwtExpiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// Name returns the provider name.
func (s *Service) Name() string { return "builtin" }
