package kernel

import (
	"fmt"
	"slices"

	"github.com/erpkernel/erpkernel/internal/domain/policy"
	"github.com/erpkernel/erpkernel/internal/domain/session"
)

// GlobalScope resolves every input to the resource-wide scope.
func GlobalScope[In any]() ScopeResolver[In] {
	return func(session.ExecutionContext, In) (policy.Scope, error) {
		return policy.Scope{Kind: policy.ScopeGlobal}, nil
	}
}

// TeamScope resolves the team targeted by the input. The actor is assigned
// when its principal ID is among the team's assignees carried by the input.
func TeamScope[In any](teamID func(In) string, assignees func(In) []string) ScopeResolver[In] {
	return func(ec session.ExecutionContext, in In) (policy.Scope, error) {
		id := teamID(in)
		if id == "" {
			return policy.Scope{}, fmt.Errorf("%w: input names no team", ErrUnresolvedScope)
		}
		var assigned bool
		if assignees != nil {
			assigned = slices.Contains(assignees(in), ec.Principal().ID())
		}
		return policy.Scope{Kind: policy.ScopeTeam, ID: id, Assigned: assigned}, nil
	}
}

// ResourceScope resolves a single resource instance. The actor is assigned
// when it owns the instance.
func ResourceScope[In any](resourceID func(In) string, ownerID func(In) string) ScopeResolver[In] {
	return func(ec session.ExecutionContext, in In) (policy.Scope, error) {
		id := resourceID(in)
		if id == "" {
			return policy.Scope{}, fmt.Errorf("%w: input names no resource", ErrUnresolvedScope)
		}
		var assigned bool
		if ownerID != nil {
			owner := ownerID(in)
			assigned = owner != "" && owner == ec.Principal().ID()
		}
		return policy.Scope{Kind: policy.ScopeResource, ID: id, Assigned: assigned}, nil
	}
}
