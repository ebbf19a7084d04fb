package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"
)

var (
	ErrInvalidConditionExpr = errors.New("invalid condition expression")
	ErrConditionEvaluation  = errors.New("condition evaluation failed")
)

// CELCondition evaluates a compiled CEL expression against the chain's
// accumulated context, exposed to the expression as `ctx`.
type CELCondition struct {
	expr    string
	program cel.Program
}

// NewCELCondition compiles expr once; Evaluate reuses the program.
func NewCELCondition(expr string) (*CELCondition, error) {
	env, err := cel.NewEnv(
		cel.Variable("ctx", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConditionExpr, issues.Err())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("creating program: %w", err)
	}

	return &CELCondition{expr: expr, program: program}, nil
}

func (c *CELCondition) Evaluate(_ context.Context, chainCtx map[string]any) (bool, error) {
	vars := map[string]any{"ctx": chainCtx}
	if chainCtx == nil {
		vars["ctx"] = map[string]any{}
	}

	result, _, err := c.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrConditionEvaluation, err)
	}

	ok, isBool := result.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("%w: expression %q did not return boolean", ErrConditionEvaluation, c.expr)
	}

	return ok, nil
}

// Expression returns the source expression, for logging.
func (c *CELCondition) Expression() string {
	return c.expr
}
