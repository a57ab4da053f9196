package cel

import (
	"path/filepath"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/erpkernel/erpkernel/internal/domain/session"
)

// NewScopeEnvironment creates the CEL environment scope expressions are
// compiled against. It declares:
//   - principal: map with id, email, role of the acting principal
//   - input: the feature input flattened to a map
//   - request_time: the execution context's clock reading
//   - glob(pattern, name): filepath-style pattern match
func NewScopeEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("principal", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("request_time", cel.TimestampType),

		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p, ok1 := pattern.Value().(string)
					n, ok2 := name.Value().(string)
					if !ok1 || !ok2 {
						return types.Bool(false)
					}
					matched, _ := filepath.Match(p, n)
					return types.Bool(matched)
				}),
			),
		),
	)
}

// BuildActivation creates the CEL activation for one evaluation.
// A nil input becomes an empty map.
func BuildActivation(ec session.ExecutionContext, input map[string]any) map[string]any {
	if input == nil {
		input = map[string]any{}
	}
	p := ec.Principal()
	return map[string]any{
		"principal": map[string]string{
			"id":    p.ID(),
			"email": p.Email(),
			"role":  string(p.Role()),
		},
		"input":        input,
		"request_time": ec.Now(),
	}
}
