package auth

import "context"

// Identity is the authenticated user attached to a connection for the
// lifetime of the socket. It is resolved once at handshake and never mutated.
type Identity struct {
	UserID    string
	Name      string
	AvatarURL string
}

// Provider verifies bearer tokens presented at handshake and returns
// identities. A failed verification closes the handshake before any room
// state is touched.
type Provider interface {
	VerifyToken(ctx context.Context, token string) (*Identity, error)
	Name() string
}
