package policy

import (
	"testing"

	"github.com/erpkernel/erpkernel/internal/domain/auth"
)

var (
	sampleResources = []string{"team", "invoice", "customer", "journal", "", "Team", "report.pl"}
	sampleActions   = []string{"create", "delete", "invite", "remove", "assign", "read", "update", "approve", ""}
	sampleScopes    = []Scope{
		{},
		{Kind: ScopeGlobal},
		{Kind: ScopeTeam, ID: "t-1", Assigned: true},
		{Kind: ScopeTeam, ID: "t-1", Assigned: false},
		{Kind: ScopeResource, ID: "inv-7", Assigned: true},
	}
	sampleRoles = []auth.Role{
		auth.RoleOwner, auth.RoleManager, auth.RoleEmployee, auth.RoleClient,
		"", "admin", "OWNER", "owner ", "manager\x00",
	}
)

func TestEvaluate_Deterministic(t *testing.T) {
	t.Parallel()

	for _, role := range sampleRoles {
		for _, resource := range sampleResources {
			for _, action := range sampleActions {
				for _, scope := range sampleScopes {
					first := Evaluate(role, resource, action, scope)
					for i := 0; i < 3; i++ {
						if got := Evaluate(role, resource, action, scope); got != first {
							t.Fatalf("Evaluate(%q,%q,%q,%v) not deterministic: %+v vs %+v",
								role, resource, action, scope, got, first)
						}
					}
					if first.Reason == "" || first.Rule == "" {
						t.Errorf("Evaluate(%q,%q,%q,%v) returned partial decision %+v",
							role, resource, action, scope, first)
					}
				}
			}
		}
	}
}

func TestEvaluate_OwnerOverride(t *testing.T) {
	t.Parallel()

	for _, resource := range sampleResources {
		for _, action := range sampleActions {
			for _, scope := range sampleScopes {
				d := Evaluate(auth.RoleOwner, resource, action, scope)
				if !d.Allowed {
					t.Errorf("owner denied on %q/%q/%v: %s", resource, action, scope, d.Reason)
				}
				if d.Reason != ReasonOwner || d.Rule != RuleOwnerOverride {
					t.Errorf("owner decision = %+v", d)
				}
			}
		}
	}
}

func TestEvaluate_FailClosedForUnknownRoles(t *testing.T) {
	t.Parallel()

	unknown := []auth.Role{"", "admin", "OWNER", "owner ", "manager\x00", "root", "Client"}
	for _, role := range unknown {
		for _, resource := range sampleResources {
			for _, action := range sampleActions {
				for _, scope := range sampleScopes {
					if d := Evaluate(role, resource, action, scope); d.Allowed {
						t.Errorf("unknown role %q allowed on %q/%q/%v", role, resource, action, scope)
					}
				}
			}
		}
	}

	d := Evaluate("auditor", "invoice", "read", Scope{Kind: ScopeGlobal})
	if d.Reason != ReasonUnknownRole || d.Rule != RuleFallthroughDeny {
		t.Errorf("fallthrough decision = %+v", d)
	}
}

func TestEvaluate_ClientRestriction(t *testing.T) {
	t.Parallel()

	for _, resource := range sampleResources {
		for _, action := range sampleActions {
			for _, scope := range sampleScopes {
				if d := Evaluate(auth.RoleClient, resource, action, scope); d.Allowed {
					t.Errorf("client allowed on %q/%q/%v", resource, action, scope)
				}
			}
		}
	}

	d := Evaluate(auth.RoleClient, "invoice", "read", Scope{Kind: ScopeGlobal})
	if d.Reason != ReasonNoManagement {
		t.Errorf("client reason = %q, want %q", d.Reason, ReasonNoManagement)
	}
}

func TestEvaluate_TeamAdministrativeActions(t *testing.T) {
	t.Parallel()

	for _, action := range []string{ActionCreate, ActionDelete, ActionInvite, ActionRemove} {
		for _, role := range []auth.Role{auth.RoleManager, auth.RoleEmployee, auth.RoleClient, "intern"} {
			d := Evaluate(role, ResourceTeam, action, Scope{Kind: ScopeTeam, ID: "t-1", Assigned: true})
			if d.Allowed {
				t.Errorf("%s allowed to %s team", role, action)
			}
			want := "team " + action + " requires owner privilege"
			if d.Reason != want {
				t.Errorf("reason = %q, want %q", d.Reason, want)
			}
		}
	}
}

func TestEvaluate_TeamAssign(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		role  auth.Role
		scope Scope
		want  bool
	}{
		{"manager assigned", auth.RoleManager, Scope{Kind: ScopeTeam, ID: "t-1", Assigned: true}, true},
		{"manager not assigned", auth.RoleManager, Scope{Kind: ScopeTeam, ID: "t-1", Assigned: false}, false},
		{"manager assigned flag on non-team scope", auth.RoleManager, Scope{Kind: ScopeGlobal, Assigned: true}, false},
		{"manager unresolved scope", auth.RoleManager, Scope{}, false},
		{"employee assigned", auth.RoleEmployee, Scope{Kind: ScopeTeam, ID: "t-1", Assigned: true}, false},
		{"client assigned", auth.RoleClient, Scope{Kind: ScopeTeam, ID: "t-1", Assigned: true}, false},
		{"owner unassigned", auth.RoleOwner, Scope{Kind: ScopeTeam, ID: "t-1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Evaluate(tt.role, ResourceTeam, ActionAssign, tt.scope); got.Allowed != tt.want {
				t.Errorf("Allowed = %v, want %v (%s)", got.Allowed, tt.want, got.Reason)
			}
		})
	}
}

func TestEvaluate_DefaultAccessForNonTeamResources(t *testing.T) {
	t.Parallel()

	d := Evaluate(auth.RoleEmployee, "invoice", "create", Scope{Kind: ScopeGlobal})
	if !d.Allowed || d.Rule != RuleDefaultAccess {
		t.Errorf("employee invoice create = %+v, want allowed by default", d)
	}
	d = Evaluate(auth.RoleManager, "team", "read", Scope{Kind: ScopeTeam, ID: "t-2"})
	if !d.Allowed {
		t.Errorf("manager team read = %+v, want allowed by default", d)
	}
}

func TestScope_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		scope Scope
		want  string
	}{
		{Scope{}, "<unresolved>"},
		{Scope{Kind: ScopeGlobal}, "global"},
		{Scope{Kind: ScopeTeam, ID: "t-1", Assigned: true}, "team:t-1"},
	}
	for _, tt := range tests {
		if got := tt.scope.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
