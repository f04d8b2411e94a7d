package auth

import (
	"fmt"

	"github.com/loomflow/loom/config"
)

// NewProvider creates an auth Provider based on configuration.
func NewProvider(cfg config.AuthConfig) (Provider, error) {
	switch cfg.Provider {
	case "jwks":
		return NewJWKSProvider(cfg.Issuer)
	case "builtin", "":
		return NewService(cfg), nil
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}
