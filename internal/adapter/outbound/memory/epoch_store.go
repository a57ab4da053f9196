package memory

import (
	"context"
	"sync"

	"github.com/erpkernel/erpkernel/internal/domain/session"
)

// EpochStore implements session.EpochStore with an in-memory map.
// Thread-safe for concurrent access. For development/testing only.
type EpochStore struct {
	mu     sync.RWMutex
	epochs map[string]int64
}

// NewEpochStore creates an empty epoch store; every principal starts at 0.
func NewEpochStore() *EpochStore {
	return &EpochStore{epochs: make(map[string]int64)}
}

// CurrentEpoch returns the principal's active epoch, 0 if none.
func (s *EpochStore) CurrentEpoch(ctx context.Context, principalID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epochs[principalID], nil
}

// AdvanceEpoch increments and returns the principal's epoch.
func (s *EpochStore) AdvanceEpoch(ctx context.Context, principalID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epochs[principalID]++
	return s.epochs[principalID], nil
}

var _ session.EpochStore = (*EpochStore)(nil)
