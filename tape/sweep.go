package tape

import (
	"github.com/gomlx/cudagen/cg"
	"github.com/gomlx/exceptions"
)

// Tangent performs a symbolic first-order forward sweep over the graph rooted
// at outputs: it returns the directional derivative expression of every
// output, given the tangents of the independent variables in seeds. Variables
// absent from seeds carry a zero tangent, so the result of an unseeded column
// folds to the constant zero.
//
// Calls (atomics) propagate as a single call to "<name>_forward_one" taking
// the original arguments followed by their tangents; when every argument
// tangent is zero the call folds to zero as well.
func Tangent(outputs []*cg.Expr, seeds map[*cg.Expr]*cg.Expr) []*cg.Expr {
	memo := make(map[*cg.Expr]*cg.Expr)
	result := make([]*cg.Expr, len(outputs))
	for i, y := range outputs {
		result[i] = tangent(y, seeds, memo)
	}
	return result
}

func tangent(e *cg.Expr, seeds map[*cg.Expr]*cg.Expr, memo map[*cg.Expr]*cg.Expr) *cg.Expr {
	if d, ok := memo[e]; ok {
		return d
	}
	var d *cg.Expr
	args := e.Args()
	switch e.Op() {
	case cg.OpConst:
		d = cg.Const(0)
	case cg.OpVar:
		if seed, ok := seeds[e]; ok {
			d = seed
		} else {
			d = cg.Const(0)
		}
	case cg.OpNeg:
		d = cg.Neg(tangent(args[0], seeds, memo))
	case cg.OpAdd:
		d = cg.Add(tangent(args[0], seeds, memo), tangent(args[1], seeds, memo))
	case cg.OpSub:
		d = cg.Sub(tangent(args[0], seeds, memo), tangent(args[1], seeds, memo))
	case cg.OpMul:
		da := tangent(args[0], seeds, memo)
		db := tangent(args[1], seeds, memo)
		d = cg.Add(cg.Mul(da, args[1]), cg.Mul(args[0], db))
	case cg.OpDiv:
		da := tangent(args[0], seeds, memo)
		db := tangent(args[1], seeds, memo)
		num := cg.Sub(cg.Mul(da, args[1]), cg.Mul(args[0], db))
		d = cg.Div(num, cg.Mul(args[1], args[1]))
	case cg.OpSin:
		d = cg.Mul(cg.Cos(args[0]), tangent(args[0], seeds, memo))
	case cg.OpCos:
		d = cg.Neg(cg.Mul(cg.Sin(args[0]), tangent(args[0], seeds, memo)))
	case cg.OpExp:
		d = cg.Mul(e, tangent(args[0], seeds, memo))
	case cg.OpLog:
		d = cg.Div(tangent(args[0], seeds, memo), args[0])
	case cg.OpSqrt:
		d = cg.Div(tangent(args[0], seeds, memo), cg.Mul(cg.Const(2), e))
	case cg.OpAbs:
		// d|a| = sign(a) da, expressed as a/|a| * da.
		d = cg.Mul(cg.Div(args[0], e), tangent(args[0], seeds, memo))
	case cg.OpTanh:
		d = cg.Mul(cg.Sub(cg.Const(1), cg.Mul(e, e)), tangent(args[0], seeds, memo))
	case cg.OpPow:
		da := tangent(args[0], seeds, memo)
		db := tangent(args[1], seeds, memo)
		if c, ok := args[1].IsConst(); ok {
			// c * a^(c-1) * da.
			d = cg.Mul(cg.Mul(cg.Const(c), cg.Pow(args[0], cg.Const(c-1))), da)
		} else {
			// a^b * (db*log(a) + b*da/a).
			factor := cg.Add(cg.Mul(db, cg.Log(args[0])),
				cg.Div(cg.Mul(args[1], da), args[0]))
			d = cg.Mul(e, factor)
		}
	case cg.OpCall:
		dargs := make([]*cg.Expr, len(args))
		allZero := true
		for i, arg := range args {
			dargs[i] = tangent(arg, seeds, memo)
			if v, ok := dargs[i].IsConst(); !ok || v != 0 {
				allZero = false
			}
		}
		if allZero {
			d = cg.Const(0)
		} else {
			d = cg.Call(e.CallName()+"_forward_one", append(append([]*cg.Expr{}, args...), dargs...)...)
		}
	default:
		exceptions.Panicf("tape: cannot differentiate expression with op=%d", e.Op())
	}
	memo[e] = d
	return d
}

// Gradient performs a symbolic reverse sweep from a single output: it returns
// the adjoint expression of every variable in xs, with the output adjoint
// seeded to adjoint (typically a direction variable named "py" in generated
// code).
//
// Calls (atomics) contribute through per-argument calls to
// "<name>_reverse_one_arg<k>" taking the original arguments followed by the
// node's accumulated adjoint.
func Gradient(y *cg.Expr, adjoint *cg.Expr, xs []*cg.Expr) []*cg.Expr {
	order := topoOrder(y)
	adj := make(map[*cg.Expr]*cg.Expr, len(order))
	adj[y] = adjoint
	add := func(e *cg.Expr, contribution *cg.Expr) {
		if prev, ok := adj[e]; ok {
			adj[e] = cg.Add(prev, contribution)
		} else {
			adj[e] = contribution
		}
	}
	// order is a post-order: children before parents. Propagating in reverse
	// guarantees a node's adjoint is complete before it is pushed down.
	for i := len(order) - 1; i >= 0; i-- {
		e := order[i]
		a, ok := adj[e]
		if !ok {
			continue
		}
		args := e.Args()
		switch e.Op() {
		case cg.OpNeg:
			add(args[0], cg.Neg(a))
		case cg.OpAdd:
			add(args[0], a)
			add(args[1], a)
		case cg.OpSub:
			add(args[0], a)
			add(args[1], cg.Neg(a))
		case cg.OpMul:
			add(args[0], cg.Mul(a, args[1]))
			add(args[1], cg.Mul(a, args[0]))
		case cg.OpDiv:
			add(args[0], cg.Div(a, args[1]))
			add(args[1], cg.Neg(cg.Div(cg.Mul(a, args[0]), cg.Mul(args[1], args[1]))))
		case cg.OpSin:
			add(args[0], cg.Mul(a, cg.Cos(args[0])))
		case cg.OpCos:
			add(args[0], cg.Neg(cg.Mul(a, cg.Sin(args[0]))))
		case cg.OpExp:
			add(args[0], cg.Mul(a, e))
		case cg.OpLog:
			add(args[0], cg.Div(a, args[0]))
		case cg.OpSqrt:
			add(args[0], cg.Div(a, cg.Mul(cg.Const(2), e)))
		case cg.OpAbs:
			add(args[0], cg.Mul(a, cg.Div(args[0], e)))
		case cg.OpTanh:
			add(args[0], cg.Mul(a, cg.Sub(cg.Const(1), cg.Mul(e, e))))
		case cg.OpPow:
			if c, ok := args[1].IsConst(); ok {
				add(args[0], cg.Mul(a, cg.Mul(cg.Const(c), cg.Pow(args[0], cg.Const(c-1)))))
			} else {
				add(args[0], cg.Mul(a, cg.Div(cg.Mul(args[1], e), args[0])))
				add(args[1], cg.Mul(a, cg.Mul(e, cg.Log(args[0]))))
			}
		case cg.OpCall:
			for k, arg := range args {
				callArgs := append(append([]*cg.Expr{}, args...), a)
				add(arg, cg.Call(reverseOneArgCallName(e.CallName(), k), callArgs...))
			}
		}
	}
	result := make([]*cg.Expr, len(xs))
	for i, x := range xs {
		if a, ok := adj[x]; ok {
			result[i] = a
		} else {
			result[i] = cg.Const(0)
		}
	}
	return result
}

func reverseOneArgCallName(name string, k int) string {
	return (&Atomic{Name: name}).reverseOneArgName(k)
}

// topoOrder returns a post-order listing of the graph under y, each node once.
func topoOrder(y *cg.Expr) []*cg.Expr {
	var order []*cg.Expr
	seen := make(map[*cg.Expr]bool)
	var visit func(e *cg.Expr)
	visit = func(e *cg.Expr) {
		if seen[e] {
			return
		}
		seen[e] = true
		for _, arg := range e.Args() {
			visit(arg)
		}
		order = append(order, e)
	}
	visit(y)
	return order
}
