package kernel

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the closed taxonomy of errors returned by Execute.
type Kind string

const (
	// KindInvariantViolation is structural misuse: identity mismatch,
	// missing scope resolver, nested execution. Never retried.
	KindInvariantViolation Kind = "kernel_invariant_violation"
	// KindStaleContext means the execution context's epoch no longer
	// matches the session. The caller must resolve a fresh context.
	KindStaleContext Kind = "stale_context"
	// KindForbidden means the RBAC engine denied the action.
	KindForbidden Kind = "forbidden"
	// KindFeatureExecution means the business callback failed or timed out.
	KindFeatureExecution Kind = "feature_execution"
	// KindAuditWrite means the audit sink rejected or failed to accept the
	// event for an otherwise successful invocation.
	KindAuditWrite Kind = "audit_write"
)

// Sentinel causes carried by kernel errors.
var (
	ErrIdentityMismatch     = errors.New("feature identity does not match the invoked resource/action")
	ErrNilDefinition        = errors.New("feature definition is nil")
	ErrNilPipeline          = errors.New("pipeline is nil")
	ErrMissingScopeResolver = errors.New("feature has no scope resolver")
	ErrUnresolvedScope      = errors.New("scope resolver returned no scope")
	ErrNestedExecution      = errors.New("feature invoked from inside another feature")
	ErrTimedOut             = errors.New("timed out")
	ErrCancelled            = errors.New("cancelled")
	ErrFeaturePanic         = errors.New("feature panicked")
)

// Error is the single error type returned by Execute.
type Error struct {
	// Kind classifies the failure.
	Kind Kind
	// Feature is the name of the feature definition.
	Feature string
	// Stage is the last pipeline stage reached before the failure.
	Stage Stage
	// Reason is a stable, user-presentable explanation.
	Reason string
	// Cause is the underlying error.
	Cause error
	// AuditErr is set when the failure could not be audited either.
	AuditErr error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Kind, e.Feature)
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	if e.Cause != nil && (e.Reason == "" || e.Cause.Error() != e.Reason) {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	if e.AuditErr != nil {
		fmt.Fprintf(&b, " (audit: %v)", e.AuditErr)
	}
	return b.String()
}

// Unwrap exposes both the cause and the audit failure to errors.Is/As.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	if e.AuditErr != nil {
		errs = append(errs, e.AuditErr)
	}
	return errs
}

// KindOf returns the kind of the first kernel Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr.Kind, true
	}
	return "", false
}

// IsKind reports whether err is a kernel Error of kind k.
func IsKind(err error, k Kind) bool {
	got, ok := KindOf(err)
	return ok && got == k
}

// IsRetryable reports whether the caller may retry after taking action.
// Only a stale context is recoverable, and only after re-resolving it.
func IsRetryable(err error) bool {
	return IsKind(err, KindStaleContext)
}
