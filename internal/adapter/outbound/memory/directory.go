package memory

import (
	"context"
	"sync"

	"github.com/erpkernel/erpkernel/internal/domain/auth"
)

// Directory implements auth.PrincipalDirectory with an in-memory map.
// Thread-safe for concurrent access. For development/testing only.
type Directory struct {
	mu         sync.RWMutex
	principals map[string]auth.Principal
}

// NewDirectory creates a directory seeded with principals.
func NewDirectory(principals ...auth.Principal) *Directory {
	d := &Directory{principals: make(map[string]auth.Principal, len(principals))}
	for _, p := range principals {
		d.Put(p)
	}
	return d
}

// GetPrincipal returns the principal or auth.ErrPrincipalNotFound.
func (d *Directory) GetPrincipal(_ context.Context, id string) (auth.Principal, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.principals[id]
	if !ok {
		return auth.Principal{}, auth.ErrPrincipalNotFound
	}
	return p, nil
}

// Put adds or replaces a principal. Zero principals are ignored.
func (d *Directory) Put(p auth.Principal) {
	if p.IsZero() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.principals[p.ID()] = p
}

// Remove deletes a principal, e.g. when an account is disabled.
func (d *Directory) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.principals, id)
}

var _ auth.PrincipalDirectory = (*Directory)(nil)
