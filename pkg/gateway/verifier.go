package gateway

import (
	"context"
	"errors"

	"github.com/gantry-ai/gantry/pkg/scheduling"
)

// ErrInvalidToken is returned by verifiers for unknown or expired tokens.
var ErrInvalidToken = errors.New("invalid token")

// Identity is a verified caller.
type Identity struct {
	UserID string
	Tier   scheduling.Tier
}

// TokenVerifier resolves a bearer token to an identity. The production
// verifier lives with the identity service; StaticVerifier ships for tests
// and single-tenant deployments.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// StaticVerifier resolves tokens from a fixed map.
type StaticVerifier struct {
	Tokens map[string]Identity
}

func (v *StaticVerifier) Verify(_ context.Context, token string) (Identity, error) {
	identity, ok := v.Tokens[token]
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	return identity, nil
}
