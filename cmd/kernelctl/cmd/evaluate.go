package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	celscope "github.com/erpkernel/erpkernel/internal/adapter/outbound/cel"
	"github.com/erpkernel/erpkernel/internal/domain/auth"
	"github.com/erpkernel/erpkernel/internal/domain/policy"
	"github.com/erpkernel/erpkernel/internal/domain/session"
)

type evaluateOptions struct {
	role      string
	resource  string
	action    string
	scope     string
	assigned  bool
	principal string
	email     string

	// CEL scope resolution
	assignedExpr string
	idField      string
	input        string
}

type decisionOutput struct {
	Role     string `json:"role" yaml:"role"`
	Resource string `json:"resource" yaml:"resource"`
	Action   string `json:"action" yaml:"action"`
	Scope    string `json:"scope" yaml:"scope"`
	Assigned bool   `json:"assigned" yaml:"assigned"`
	Allowed  bool   `json:"allowed" yaml:"allowed"`
	Rule     string `json:"rule" yaml:"rule"`
	Reason   string `json:"reason" yaml:"reason"`
}

func newEvaluateCmd(g *globalOptions) *cobra.Command {
	o := &evaluateOptions{}
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate an RBAC decision",
		Long: `Evaluate the RBAC engine for a role, resource, action and scope.

The scope is "global", "team:<id>" or "resource:<id>". Use --assigned when
the actor is assigned to the target.

With --assigned-expr the assignment is computed by a CEL expression over
the principal and a JSON input instead:

  kernelctl evaluate --role manager --resource team --action assign \
    --scope team --id-field team_id \
    --assigned-expr 'principal.id in input.assignees' \
    --input '{"team_id":"t-1","assignees":["u-1"]}' --principal u-1

Unknown roles are evaluated as given and always denied.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := o.run()
			if err != nil {
				return err
			}
			return g.print(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&o.role, "role", "", "role of the actor (owner, manager, employee, client)")
	cmd.Flags().StringVar(&o.resource, "resource", "", "resource being acted upon")
	cmd.Flags().StringVar(&o.action, "action", "", "action being performed")
	cmd.Flags().StringVar(&o.scope, "scope", "global", `scope: "global", "team:<id>" or "resource:<id>"`)
	cmd.Flags().BoolVar(&o.assigned, "assigned", false, "the actor is assigned to the scope target")
	cmd.Flags().StringVar(&o.principal, "principal", "kernelctl", "principal ID seen by --assigned-expr")
	cmd.Flags().StringVar(&o.email, "email", "kernelctl@localhost", "principal email seen by --assigned-expr")
	cmd.Flags().StringVar(&o.assignedExpr, "assigned-expr", "", "CEL expression deciding assignment")
	cmd.Flags().StringVar(&o.idField, "id-field", "", "input key holding the scope ID (with --assigned-expr)")
	cmd.Flags().StringVar(&o.input, "input", "{}", "JSON object exposed as input (with --assigned-expr)")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("resource")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func (o *evaluateOptions) run() (decisionOutput, error) {
	role := auth.Role(strings.ToLower(strings.TrimSpace(o.role)))

	var (
		scope policy.Scope
		err   error
	)
	if o.assignedExpr != "" {
		scope, err = o.resolveWithCEL(role)
	} else {
		scope, err = parseScope(o.scope, o.assigned)
	}
	if err != nil {
		return decisionOutput{}, err
	}

	d := policy.Evaluate(role, o.resource, o.action, scope)
	return decisionOutput{
		Role:     string(role),
		Resource: o.resource,
		Action:   o.action,
		Scope:    scope.String(),
		Assigned: scope.Assigned,
		Allowed:  d.Allowed,
		Rule:     d.Rule,
		Reason:   d.Reason,
	}, nil
}

func (o *evaluateOptions) resolveWithCEL(role auth.Role) (policy.Scope, error) {
	p, err := auth.NewPrincipal(o.principal, o.email, role)
	if err != nil {
		return policy.Scope{}, fmt.Errorf("--assigned-expr needs a valid principal: %w", err)
	}
	ec, err := session.NewExecutionContext(p, time.Now(), 1)
	if err != nil {
		return policy.Scope{}, err
	}

	var input map[string]any
	if err := json.Unmarshal([]byte(o.input), &input); err != nil {
		return policy.Scope{}, fmt.Errorf("--input must be a JSON object: %w", err)
	}

	eval, err := celscope.NewEvaluator()
	if err != nil {
		return policy.Scope{}, err
	}
	resolver, err := eval.CompileRule(celscope.ScopeRule{
		Kind:     policy.ScopeKind(o.scope),
		IDField:  o.idField,
		Assigned: o.assignedExpr,
	})
	if err != nil {
		return policy.Scope{}, err
	}
	return resolver.Resolve(ec, input)
}

// parseScope parses "global", "team:<id>" or "resource:<id>".
func parseScope(raw string, assigned bool) (policy.Scope, error) {
	kind, id, _ := strings.Cut(strings.TrimSpace(raw), ":")
	switch policy.ScopeKind(kind) {
	case policy.ScopeGlobal:
		if id != "" {
			return policy.Scope{}, errors.New("global scope takes no id")
		}
		return policy.Scope{Kind: policy.ScopeGlobal, Assigned: assigned}, nil
	case policy.ScopeTeam, policy.ScopeResource:
		if id == "" {
			return policy.Scope{}, fmt.Errorf("%s scope needs an id, e.g. %s:<id>", kind, kind)
		}
		return policy.Scope{Kind: policy.ScopeKind(kind), ID: id, Assigned: assigned}, nil
	default:
		return policy.Scope{}, fmt.Errorf("unknown scope %q (want global, team:<id> or resource:<id>)", raw)
	}
}
