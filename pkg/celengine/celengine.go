package celengine

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"go.uber.org/zap"
)

// Variables exposed to coupon eligibility expressions.
const (
	VarUserID = "user_id"
	VarPlanID = "plan_id"
	VarAmount = "amount"
)

// Engine compiles boolean CEL expressions once and caches the programs by
// source text.
type Engine struct {
	env      *cel.Env
	programs sync.Map
}

func NewCouponEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable(VarUserID, cel.StringType),
		cel.Variable(VarPlanID, cel.StringType),
		cel.Variable(VarAmount, cel.DoubleType),
	)
	if err != nil {
		return nil, err
	}
	return &Engine{env: env}, nil
}

func (e *Engine) Env() *cel.Env {
	return e.env
}

// Validate compiles expr and checks that it yields a bool.
func (e *Engine) Validate(expr string) error {
	_, err := e.program(expr)
	return err
}

// Evaluate runs expr against attrs. An empty expression always passes.
func (e *Engine) Evaluate(expr string, attrs map[string]any) (bool, error) {
	if expr == "" {
		return true, nil
	}

	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(attrs)
	if err != nil {
		return false, err
	}

	val := out.Value()
	b, ok := val.(bool)
	if !ok {
		return false, fmt.Errorf("expected bool from expression, got %T (%v)", val, val)
	}
	return b, nil
}

func (e *Engine) program(expr string) (cel.Program, error) {
	if v, ok := e.programs.Load(expr); ok {
		return v.(cel.Program), nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must evaluate to bool, got %s", ast.OutputType())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, err
	}

	zap.L().Debug("compiled cel expression", zap.String("expr", expr))
	e.programs.Store(expr, prg)
	return prg, nil
}
