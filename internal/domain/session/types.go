// Package session produces and validates execution contexts: immutable
// snapshots of who is acting, as what role, at what time and under which
// authentication epoch.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/erpkernel/erpkernel/internal/domain/auth"
)

// ExecutionContext is a validated actor snapshot. All fields are
// unexported and every method has a value receiver, so a constructed
// context cannot be altered in place; With* methods return a new value.
type ExecutionContext struct {
	principal auth.Principal
	role      auth.Role
	now       time.Time
	authEpoch int64
}

// Errors returned by NewExecutionContext.
var (
	ErrMissingPrincipal = errors.New("execution context requires a principal")
	ErrMissingClock     = errors.New("execution context requires a timestamp")
	ErrInvalidEpoch     = errors.New("execution context requires a positive auth epoch")
)

// NewExecutionContext builds a context for principal p. The canonical role
// is taken from the principal; there is no separate role override.
func NewExecutionContext(p auth.Principal, now time.Time, authEpoch int64) (ExecutionContext, error) {
	if p.IsZero() {
		return ExecutionContext{}, ErrMissingPrincipal
	}
	if now.IsZero() {
		return ExecutionContext{}, ErrMissingClock
	}
	if authEpoch < 1 {
		return ExecutionContext{}, fmt.Errorf("%w: %d", ErrInvalidEpoch, authEpoch)
	}
	return ExecutionContext{
		principal: p,
		role:      p.Role(),
		now:       now.UTC(),
		authEpoch: authEpoch,
	}, nil
}

// Principal returns the acting principal.
func (c ExecutionContext) Principal() auth.Principal { return c.principal }

// Role returns the canonical role of the actor.
func (c ExecutionContext) Role() auth.Role { return c.role }

// Now returns the logical timestamp of the snapshot.
func (c ExecutionContext) Now() time.Time { return c.now }

// AuthEpoch returns the authentication epoch the snapshot was taken under.
func (c ExecutionContext) AuthEpoch() int64 { return c.authEpoch }

// IsZero reports whether c was not produced by NewExecutionContext.
func (c ExecutionContext) IsZero() bool { return c.principal.IsZero() }

// WithNow returns a copy of c with the logical timestamp replaced.
func (c ExecutionContext) WithNow(now time.Time) ExecutionContext {
	c.now = now.UTC()
	return c
}

// StaleContextError reports a context whose epoch no longer matches the
// session. The caller must resolve a fresh context; nothing is refreshed
// implicitly.
type StaleContextError struct {
	PrincipalID  string
	ContextEpoch int64
	CurrentEpoch int64
	// Cause is set when the current epoch could not be determined.
	Cause error
}

func (e *StaleContextError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("stale execution context for %q: epoch unavailable: %v", e.PrincipalID, e.Cause)
	}
	if e.ContextEpoch == 0 {
		return "stale execution context: context was never established"
	}
	return fmt.Sprintf("stale execution context for %q: epoch %d, session is at %d",
		e.PrincipalID, e.ContextEpoch, e.CurrentEpoch)
}

func (e *StaleContextError) Unwrap() error { return e.Cause }

// Validate reports whether c may be used under the session's currently
// active epoch. A context is valid iff its epoch equals currentEpoch.
func Validate(c ExecutionContext, currentEpoch int64) error {
	if c.IsZero() {
		return &StaleContextError{CurrentEpoch: currentEpoch}
	}
	if c.authEpoch != currentEpoch {
		return &StaleContextError{
			PrincipalID:  c.principal.ID(),
			ContextEpoch: c.authEpoch,
			CurrentEpoch: currentEpoch,
		}
	}
	return nil
}
