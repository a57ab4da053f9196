// Package kernel is the feature execution kernel: every business command
// or query runs through Execute, which checks identity alignment, context
// freshness, scope and RBAC before running the feature and records exactly
// one audit event for the invocation.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/erpkernel/erpkernel/internal/domain/policy"
	"github.com/erpkernel/erpkernel/internal/domain/session"
)

// FeatureKind distinguishes state-changing commands from read-only queries.
type FeatureKind string

const (
	FeatureCommand FeatureKind = "command"
	FeatureQuery   FeatureKind = "query"
)

// ScopeResolver derives the authorization scope from the context and the
// input. It must be pure: no I/O, same inputs give the same scope.
type ScopeResolver[In any] func(ec session.ExecutionContext, in In) (policy.Scope, error)

// ExecuteFunc is the business logic of a feature. It receives only the
// execution context; RBAC state and the audit sink are not reachable.
type ExecuteFunc[In, Out any] func(ctx context.Context, ec session.ExecutionContext, in In) (Out, error)

// Spec describes a feature to DefineCommandFeature or DefineQueryFeature.
type Spec[In, Out any] struct {
	// Name identifies the feature in audit records and metrics.
	Name string
	// Resource and Action are the RBAC identity of the feature.
	Resource string
	Action   string
	// Scope resolves the authorization scope.
	Scope ScopeResolver[In]
	// Execute runs the business logic.
	Execute ExecuteFunc[In, Out]
	// Timeout bounds Execute. Zero uses the pipeline default.
	Timeout time.Duration
}

// Definition is a registered feature. Fields are unexported so only the
// pipeline can run it.
type Definition[In, Out any] struct {
	name     string
	kind     FeatureKind
	resource string
	action   string
	scope    ScopeResolver[In]
	execute  ExecuteFunc[In, Out]
	timeout  time.Duration
}

// ErrInvalidDefinition is returned when a Spec is malformed.
var ErrInvalidDefinition = errors.New("invalid feature definition")

var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_.-]*$`)

// DefineCommandFeature registers a state-changing feature.
func DefineCommandFeature[In, Out any](spec Spec[In, Out]) (*Definition[In, Out], error) {
	return define(FeatureCommand, spec)
}

// DefineQueryFeature registers a read-only feature.
func DefineQueryFeature[In, Out any](spec Spec[In, Out]) (*Definition[In, Out], error) {
	return define(FeatureQuery, spec)
}

// MustDefineCommandFeature is like DefineCommandFeature but panics on error.
// Intended for package-level feature tables.
func MustDefineCommandFeature[In, Out any](spec Spec[In, Out]) *Definition[In, Out] {
	def, err := DefineCommandFeature(spec)
	if err != nil {
		panic(err)
	}
	return def
}

// MustDefineQueryFeature is like DefineQueryFeature but panics on error.
func MustDefineQueryFeature[In, Out any](spec Spec[In, Out]) *Definition[In, Out] {
	def, err := DefineQueryFeature(spec)
	if err != nil {
		panic(err)
	}
	return def
}

// define validates identity fields and the callback. A nil Scope is
// accepted here; the pipeline rejects it at run time as an invariant
// violation so the attempt is audited.
func define[In, Out any](kind FeatureKind, spec Spec[In, Out]) (*Definition[In, Out], error) {
	fields := [...]struct{ name, value string }{
		{"name", spec.Name},
		{"resource", spec.Resource},
		{"action", spec.Action},
	}
	for _, f := range fields {
		if !identifierPattern.MatchString(f.value) {
			return nil, fmt.Errorf("%w: %s %q must match %s", ErrInvalidDefinition, f.name, f.value, identifierPattern)
		}
	}
	if spec.Execute == nil {
		return nil, fmt.Errorf("%w: %s has no execute callback", ErrInvalidDefinition, spec.Name)
	}
	if spec.Timeout < 0 {
		return nil, fmt.Errorf("%w: %s has negative timeout", ErrInvalidDefinition, spec.Name)
	}
	return &Definition[In, Out]{
		name:     spec.Name,
		kind:     kind,
		resource: spec.Resource,
		action:   spec.Action,
		scope:    spec.Scope,
		execute:  spec.Execute,
		timeout:  spec.Timeout,
	}, nil
}

// Name returns the feature name.
func (d *Definition[In, Out]) Name() string { return d.name }

// Kind returns whether the feature is a command or a query.
func (d *Definition[In, Out]) Kind() FeatureKind { return d.kind }

// Resource returns the RBAC resource.
func (d *Definition[In, Out]) Resource() string { return d.resource }

// Action returns the RBAC action.
func (d *Definition[In, Out]) Action() string { return d.action }

// Timeout returns the feature's own execution bound, zero if unset.
func (d *Definition[In, Out]) Timeout() time.Duration { return d.timeout }

// Call is the identity the caller asserts it is invoking. It must equal the
// definition's declared resource and action.
type Call struct {
	Resource string
	Action   string
}

func (c Call) String() string {
	return c.Resource + "." + c.Action
}
