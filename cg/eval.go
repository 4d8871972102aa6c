package cg

import (
	"math"

	"github.com/gomlx/exceptions"
)

// Env provides concrete values for evaluating an expression graph on the host.
// It is used for validating generated kernels against a reference evaluation,
// never during code generation itself.
type Env struct {
	// X holds values for independent variables, indexed by their class index.
	X []float64

	// Direction holds values for direction variables ("dx", "py").
	Direction []float64

	// Calls resolves opaque call targets by name. Derived call names such as
	// "<atomic>_forward_one" must be registered by the caller as well.
	Calls map[string]func(args []float64) float64
}

// Evaluate computes the numeric value of e under env. Subexpressions are
// evaluated once, so shared nodes cost O(1) after the first visit.
func Evaluate(e *Expr, env *Env) float64 {
	return evalMemo(e, env, make(map[*Expr]float64))
}

func evalMemo(e *Expr, env *Env, memo map[*Expr]float64) float64 {
	if v, ok := memo[e]; ok {
		return v
	}
	var v float64
	switch e.op {
	case OpConst:
		v = e.value
	case OpVar:
		switch e.class {
		case ClassIndependent:
			if e.index >= len(env.X) {
				exceptions.Panicf("cg: no value for independent variable %d (env has %d)", e.index, len(env.X))
			}
			v = env.X[e.index]
		case ClassDirection:
			if e.index >= len(env.Direction) {
				exceptions.Panicf("cg: no value for direction variable %d (env has %d)", e.index, len(env.Direction))
			}
			v = env.Direction[e.index]
		}
	case OpNeg:
		v = -evalMemo(e.args[0], env, memo)
	case OpAdd:
		v = evalMemo(e.args[0], env, memo) + evalMemo(e.args[1], env, memo)
	case OpSub:
		v = evalMemo(e.args[0], env, memo) - evalMemo(e.args[1], env, memo)
	case OpMul:
		v = evalMemo(e.args[0], env, memo) * evalMemo(e.args[1], env, memo)
	case OpDiv:
		v = evalMemo(e.args[0], env, memo) / evalMemo(e.args[1], env, memo)
	case OpSin:
		v = math.Sin(evalMemo(e.args[0], env, memo))
	case OpCos:
		v = math.Cos(evalMemo(e.args[0], env, memo))
	case OpExp:
		v = math.Exp(evalMemo(e.args[0], env, memo))
	case OpLog:
		v = math.Log(evalMemo(e.args[0], env, memo))
	case OpSqrt:
		v = math.Sqrt(evalMemo(e.args[0], env, memo))
	case OpAbs:
		v = math.Abs(evalMemo(e.args[0], env, memo))
	case OpTanh:
		v = math.Tanh(evalMemo(e.args[0], env, memo))
	case OpPow:
		v = math.Pow(evalMemo(e.args[0], env, memo), evalMemo(e.args[1], env, memo))
	case OpCall:
		fn := env.Calls[e.name]
		if fn == nil {
			exceptions.Panicf("cg: no evaluator registered for call %q", e.name)
		}
		args := make([]float64, len(e.args))
		for i, arg := range e.args {
			args[i] = evalMemo(arg, env, memo)
		}
		v = fn(args)
	default:
		exceptions.Panicf("cg: cannot evaluate expression with op=%d", e.op)
	}
	memo[e] = v
	return v
}
