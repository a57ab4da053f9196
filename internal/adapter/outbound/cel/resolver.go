package cel

import (
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/erpkernel/erpkernel/internal/domain/kernel"
	"github.com/erpkernel/erpkernel/internal/domain/policy"
	"github.com/erpkernel/erpkernel/internal/domain/session"
)

// ScopeRule describes a scope resolved from the input map.
type ScopeRule struct {
	// Kind is the scope kind produced.
	Kind policy.ScopeKind
	// IDField is the input key holding the scope ID. Required unless Kind
	// is global.
	IDField string
	// Assigned is a CEL expression deciding whether the actor is assigned
	// to the scope, e.g. `principal.id in input.assignees`. Empty means
	// never assigned.
	Assigned string
}

// Resolver is a compiled ScopeRule.
type Resolver struct {
	eval    *Evaluator
	rule    ScopeRule
	program cel.Program
}

// CompileRule validates rule and compiles its assignment expression.
func (e *Evaluator) CompileRule(rule ScopeRule) (*Resolver, error) {
	switch rule.Kind {
	case policy.ScopeGlobal:
	case policy.ScopeTeam, policy.ScopeResource:
		if rule.IDField == "" {
			return nil, fmt.Errorf("%s scope requires an id field", rule.Kind)
		}
	default:
		return nil, fmt.Errorf("unknown scope kind %q", rule.Kind)
	}
	r := &Resolver{eval: e, rule: rule}
	if rule.Assigned != "" {
		prg, err := e.Compile(rule.Assigned)
		if err != nil {
			return nil, fmt.Errorf("scope rule: %w", err)
		}
		r.program = prg
	}
	return r, nil
}

// Resolve computes the scope for the actor in ec against input.
func (r *Resolver) Resolve(ec session.ExecutionContext, input map[string]any) (policy.Scope, error) {
	scope := policy.Scope{Kind: r.rule.Kind}
	if r.rule.Kind != policy.ScopeGlobal {
		id, _ := input[r.rule.IDField].(string)
		if id == "" {
			return policy.Scope{}, fmt.Errorf("%w: input field %q is missing or empty", kernel.ErrUnresolvedScope, r.rule.IDField)
		}
		scope.ID = id
	}
	if r.program != nil {
		assigned, err := r.eval.Evaluate(r.program, ec, input)
		if err != nil {
			return policy.Scope{}, fmt.Errorf("scope assignment: %w", err)
		}
		scope.Assigned = assigned
	}
	return scope, nil
}

// ScopeResolver adapts r into a feature scope resolver. toMap flattens the
// feature input into the map the expression sees.
func ScopeResolver[In any](r *Resolver, toMap func(In) map[string]any) (kernel.ScopeResolver[In], error) {
	if r == nil {
		return nil, errors.New("nil resolver")
	}
	if toMap == nil {
		return nil, errors.New("nil input mapper")
	}
	return func(ec session.ExecutionContext, in In) (policy.Scope, error) {
		return r.Resolve(ec, toMap(in))
	}, nil
}
