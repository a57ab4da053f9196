package session

import (
	"context"
	"errors"
)

// EpochSource reports the currently active authentication epoch of a
// principal's session. A principal that never established a session is at
// epoch 0.
type EpochSource interface {
	CurrentEpoch(ctx context.Context, principalID string) (int64, error)
}

// EpochStore persists authentication epochs.
// This interface is defined in the domain to avoid circular imports.
// Implementations: Redis (prod), in-memory (test).
type EpochStore interface {
	EpochSource

	// AdvanceEpoch increments the principal's epoch and returns the new
	// value. Every context issued under an earlier epoch becomes stale.
	AdvanceEpoch(ctx context.Context, principalID string) (int64, error)
}

// ErrUnauthenticated is returned by a Resolver when there is no
// authenticated principal to build a context for.
var ErrUnauthenticated = errors.New("unauthenticated")

// Resolver is the identity collaborator's contract: it is invoked once per
// session establishment and returns a fresh context or ErrUnauthenticated.
type Resolver interface {
	ResolveContext(ctx context.Context) (ExecutionContext, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context) (ExecutionContext, error)

// ResolveContext calls f(ctx).
func (f ResolverFunc) ResolveContext(ctx context.Context) (ExecutionContext, error) {
	return f(ctx)
}
