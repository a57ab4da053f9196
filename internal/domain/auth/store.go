package auth

import (
	"context"
	"errors"
)

// ErrPrincipalNotFound is returned when a principal lookup has no match.
var ErrPrincipalNotFound = errors.New("principal not found")

// PrincipalDirectory looks up principals known to the identity provider.
// This interface is defined in the domain to avoid circular imports.
type PrincipalDirectory interface {
	// GetPrincipal returns the principal with the given ID.
	// Returns ErrPrincipalNotFound if the identity provider has no such actor.
	GetPrincipal(ctx context.Context, id string) (Principal, error)
}
