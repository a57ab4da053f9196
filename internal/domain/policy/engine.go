package policy

import (
	"fmt"

	"github.com/erpkernel/erpkernel/internal/domain/auth"
)

// Decision reasons that do not depend on the request.
const (
	ReasonOwner           = "owner has full access"
	ReasonTeamAssigned    = "manager is assigned to the team"
	ReasonTeamNotAssigned = "team assign requires owner privilege or assignment to the team"
	ReasonDefaultAccess   = "non-administrative resource"
	ReasonNoManagement    = "no management permissions"
	ReasonUnknownRole     = "unknown or forbidden"
)

// Evaluate decides whether role may perform action on resource within
// scope. It is a pure, total function: no I/O, no shared state.
//
// Rules are evaluated in declaration order and the first match wins:
//  1. owner is always allowed;
//  2. team create/delete/invite/remove is owner-only;
//  3. team assign is allowed for a manager assigned to that team;
//  4. any other pair is allowed for manager and employee, denied for
//     client, and denied for every role outside the enumeration.
func Evaluate(role auth.Role, resource, action string, scope Scope) Decision {
	if role == auth.RoleOwner {
		return Decision{Allowed: true, Reason: ReasonOwner, Rule: RuleOwnerOverride}
	}

	if resource == ResourceTeam {
		switch action {
		case ActionCreate, ActionDelete, ActionInvite, ActionRemove:
			return Decision{
				Allowed: false,
				Reason:  fmt.Sprintf("team %s requires owner privilege", action),
				Rule:    RuleTeamAdministrative,
			}
		case ActionAssign:
			if role == auth.RoleManager && scope.Kind == ScopeTeam && scope.Assigned {
				return Decision{Allowed: true, Reason: ReasonTeamAssigned, Rule: RuleTeamAssign}
			}
			return Decision{Allowed: false, Reason: ReasonTeamNotAssigned, Rule: RuleTeamAssign}
		}
	}

	switch role {
	case auth.RoleManager, auth.RoleEmployee:
		return Decision{Allowed: true, Reason: ReasonDefaultAccess, Rule: RuleDefaultAccess}
	case auth.RoleClient:
		return Decision{Allowed: false, Reason: ReasonNoManagement, Rule: RuleClientRestricted}
	}

	// Fail-closed default. Must remain the final statement.
	return Decision{Allowed: false, Reason: ReasonUnknownRole, Rule: RuleFallthroughDeny}
}
