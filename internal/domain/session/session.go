package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/erpkernel/erpkernel/internal/domain/auth"
)

// Service establishes and invalidates sessions by moving epochs forward.
type Service struct {
	epochs    EpochStore
	directory auth.PrincipalDirectory
	clock     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the wall clock used for context timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		s.clock = clock
	}
}

// NewService creates a Service. directory may be nil when contexts are only
// established through Establish.
func NewService(epochs EpochStore, directory auth.PrincipalDirectory, opts ...Option) *Service {
	s := &Service{
		epochs:    epochs,
		directory: directory,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Establish starts a new session epoch for p and returns the context bound
// to it. Any context issued earlier for the same principal becomes stale.
func (s *Service) Establish(ctx context.Context, p auth.Principal) (ExecutionContext, error) {
	if p.IsZero() {
		return ExecutionContext{}, ErrUnauthenticated
	}
	epoch, err := s.epochs.AdvanceEpoch(ctx, p.ID())
	if err != nil {
		return ExecutionContext{}, fmt.Errorf("advance epoch: %w", err)
	}
	return NewExecutionContext(p, s.clock(), epoch)
}

// Invalidate advances the principal's epoch without issuing a context.
// Used on logout, disable and role change.
func (s *Service) Invalidate(ctx context.Context, principalID string) (int64, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return 0, auth.ErrMissingPrincipalID
	}
	epoch, err := s.epochs.AdvanceEpoch(ctx, principalID)
	if err != nil {
		return 0, fmt.Errorf("advance epoch: %w", err)
	}
	return epoch, nil
}

// CurrentEpoch implements EpochSource by delegating to the store.
func (s *Service) CurrentEpoch(ctx context.Context, principalID string) (int64, error) {
	return s.epochs.CurrentEpoch(ctx, principalID)
}

// Resolver returns the identity contract for the principal the identity
// provider authenticated as principalID. An empty ID or an unknown
// principal yields ErrUnauthenticated.
func (s *Service) Resolver(principalID string) Resolver {
	return ResolverFunc(func(ctx context.Context) (ExecutionContext, error) {
		if s.directory == nil || strings.TrimSpace(principalID) == "" {
			return ExecutionContext{}, ErrUnauthenticated
		}
		p, err := s.directory.GetPrincipal(ctx, principalID)
		if err != nil {
			if errors.Is(err, auth.ErrPrincipalNotFound) {
				return ExecutionContext{}, ErrUnauthenticated
			}
			return ExecutionContext{}, fmt.Errorf("lookup principal: %w", err)
		}
		return s.Establish(ctx, p)
	})
}
