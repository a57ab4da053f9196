// Package cel provides scope resolvers whose assignment test is a CEL
// expression over the acting principal and the feature input.
package cel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/erpkernel/erpkernel/internal/domain/session"
)

// Limits applied to every scope expression.
const (
	maxExpressionLength = 1024
	maxNestingDepth     = 50
	maxCostBudget       = 100_000
	evalTimeout         = time.Second
	interruptEvery      = 100
)

// Evaluator compiles and evaluates scope expressions.
type Evaluator struct {
	env *cel.Env
}

// NewEvaluator creates a new CEL evaluator with the scope environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := NewScopeEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create scope environment: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Compile validates, parses and type-checks expression. The result type
// must be bool.
func (e *Evaluator) Compile(expression string) (cel.Program, error) {
	if err := validateExpression(expression); err != nil {
		return nil, err
	}
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptEvery),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	return prg, nil
}

func validateExpression(expr string) error {
	switch {
	case expr == "":
		return errors.New("expression is empty")
	case len(expr) > maxExpressionLength:
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if d := nestingDepth(expr); d > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", d, maxNestingDepth)
	}
	return nil
}

// nestingDepth returns the deepest bracket nesting in expr, counting
// parentheses, brackets and braces alike.
func nestingDepth(expr string) int {
	depth, deepest := 0, 0
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			deepest = max(deepest, depth)
		case ')', ']', '}':
			depth--
		}
	}
	return deepest
}

// Evaluate runs prg for the actor in ec against input. A non-bool result
// is an error, never a silent false.
func (e *Evaluator) Evaluate(prg cel.Program, ec session.ExecutionContext, input map[string]any) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(ctx, BuildActivation(ec, input))
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}
	b, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}
	return b, nil
}
