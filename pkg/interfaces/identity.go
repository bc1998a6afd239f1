package interfaces

import "context"

// IdentityVerifier turns connection credentials into a user ID.
// Implementations fail with types.ErrUnauthenticated for bad credentials.
type IdentityVerifier interface {
	Verify(ctx context.Context, credentials string) (string, error)
}
