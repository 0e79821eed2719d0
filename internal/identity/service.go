// internal/identity/service.go
package identity

import (
	"context"

	"marketrust/internal/market"
)

// Service defines the interface for the identity service.
type Service interface {
	// Authenticate validates signed init data, upserts the user and mints a
	// credential bound to the user's id.
	Authenticate(ctx context.Context, initData string) (*Credential, error)
	// VerifyToken returns the user id a credential was minted for.
	VerifyToken(ctx context.Context, token string) (string, error)
	// Profile returns the user a verified credential belongs to.
	Profile(ctx context.Context, userID string) (*market.User, error)
}
