package flow

import (
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ConditionContext exposes the data a branch condition may inspect: the
// value flowing into the branch and the run's accumulated results.
type ConditionContext struct {
	// Input is the value produced by the node preceding the branch.
	Input any

	run *Run
}

// InitData returns the original run input.
func (c *ConditionContext) InitData() any { return c.run.InitialInput }

// StepResult looks up a previously completed step's output.
func (c *ConditionContext) StepResult(stepID string) (any, bool) {
	out, ok := c.run.StepResults[stepID]
	return out, ok
}

// Condition decides whether a branch arm is selected. Conditions should be
// pure: deterministic and free of side effects.
type Condition func(cc *ConditionContext) bool

// ExprCondition compiles an expression-string condition. The expression
// evaluates against an environment with three variables:
//
//	input  the value flowing into the branch
//	init   the original run input
//	steps  map of step id to recorded output
//
// Example:
//
//	even, err := flow.ExprCondition(`input.value % 2 == 0`)
//
// The compiled program is reused across evaluations. A non-boolean result or
// an evaluation error selects nothing (the condition reports false), leaving
// arm selection to the remaining arms or the fallback.
func ExprCondition(expression string) (Condition, error) {
	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, &EngineError{Message: "compile condition " + expression + ": " + err.Error(), Code: "BAD_CONDITION"}
	}

	return func(cc *ConditionContext) bool {
		env := map[string]any{
			"input": cc.Input,
			"init":  cc.run.InitialInput,
			"steps": cc.run.StepResults,
		}
		out, err := vm.Run(prg, env)
		if err != nil {
			return false
		}
		b, ok := out.(bool)
		return ok && b
	}, nil
}
