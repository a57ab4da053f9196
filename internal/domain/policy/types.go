// Package policy contains the RBAC decision engine and its domain types.
package policy

import "fmt"

// ResourceTeam is the one resource with administrative rules.
const ResourceTeam = "team"

// Team actions.
const (
	ActionCreate = "create"
	ActionDelete = "delete"
	ActionInvite = "invite"
	ActionRemove = "remove"
	ActionAssign = "assign"
)

// ScopeKind classifies what a Scope describes.
type ScopeKind string

const (
	// ScopeGlobal applies to the resource type as a whole.
	ScopeGlobal ScopeKind = "global"
	// ScopeTeam targets a single team.
	ScopeTeam ScopeKind = "team"
	// ScopeResource targets a single resource instance.
	ScopeResource ScopeKind = "resource"
)

// Scope describes what is being acted upon. It is produced by a feature's
// scope resolver; a zero Scope means "unresolved", never "unrestricted".
type Scope struct {
	// Kind classifies the target. Empty means the scope was not resolved.
	Kind ScopeKind
	// ID identifies the team or resource instance (empty for ScopeGlobal).
	ID string
	// Assigned is true when the actor is assigned to the target.
	Assigned bool
}

// IsZero reports whether the scope is unresolved.
func (s Scope) IsZero() bool {
	return s.Kind == ""
}

// String renders the scope for audit details and logs.
func (s Scope) String() string {
	if s.IsZero() {
		return "<unresolved>"
	}
	if s.ID == "" {
		return string(s.Kind)
	}
	return fmt.Sprintf("%s:%s", s.Kind, s.ID)
}

// Rule names identify which engine rule produced a decision.
const (
	RuleOwnerOverride      = "owner-override"
	RuleTeamAdministrative = "team-administrative"
	RuleTeamAssign         = "team-assign"
	RuleDefaultAccess      = "default-access"
	RuleClientRestricted   = "client-restricted"
	RuleFallthroughDeny    = "fallthrough-deny"
)

// Decision is the outcome of Evaluate. Only the engine constructs one.
type Decision struct {
	// Allowed is true if the action is permitted.
	Allowed bool
	// Reason is a stable, human-readable explanation suitable for audit
	// records and user-facing denial messages.
	Reason string
	// Rule is the name of the rule that matched.
	Rule string
}
