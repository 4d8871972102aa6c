// Package cg implements a small symbolic expression graph and the CUDA C
// emitter used to lower derivative expressions into kernel body code.
//
// Expressions are immutable once built. Constructors fold constants and drop
// additive/multiplicative identities, which is what makes the derivative
// expressions produced by the tape package structurally sparse: a tangent that
// is not seeded folds down to the constant zero and never reaches the emitter.
//
// To simplify error handling, graph building functions panic with a stack
// trace in case of contract violations. See github.com/gomlx/exceptions.
package cg

import (
	"math"

	"github.com/gomlx/exceptions"
)

// Op identifies the operation of an expression node.
type Op int

const (
	OpConst Op = iota
	OpVar
	OpNeg
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpSin
	OpCos
	OpExp
	OpLog
	OpSqrt
	OpAbs
	OpTanh
	OpPow
	OpCall
)

// VarClass distinguishes the two levels of the variable naming scheme:
// primary independent variables ("x") and direction variables ("dx"),
// the latter being created separately per sweep.
type VarClass int

const (
	ClassIndependent VarClass = iota
	ClassDirection
)

// Expr is one node of the expression graph. Build them through the package
// constructors; the zero value is not a valid expression.
type Expr struct {
	op    Op
	value float64 // OpConst only.
	class VarClass
	index int    // OpVar: position within its class.
	name  string // OpCall: target function name.
	args  []*Expr

	stored   float64 // Optional evaluation point stored on variables.
	hasValue bool
}

// Op returns the node's operation.
func (e *Expr) Op() Op { return e.op }

// Args returns the operands of the node. Callers must not modify the result.
func (e *Expr) Args() []*Expr { return e.args }

// VarClass returns the naming class of an OpVar node.
func (e *Expr) VarClass() VarClass { return e.class }

// VarIndex returns the index of an OpVar node within its class.
func (e *Expr) VarIndex() int { return e.index }

// CallName returns the target function name of an OpCall node.
func (e *Expr) CallName() string { return e.name }

// IsConst reports whether the node is a constant, and its value.
func (e *Expr) IsConst() (float64, bool) {
	if e.op == OpConst {
		return e.value, true
	}
	return 0, false
}

// SetValue stores an evaluation point on a variable node. It has no effect on
// code generation but is used by numeric sweeps and host-side validation.
func (e *Expr) SetValue(v float64) {
	if e.op != OpVar {
		exceptions.Panicf("cg: SetValue called on a non-variable expression (op=%d)", e.op)
	}
	e.stored = v
	e.hasValue = true
}

// Value returns the stored evaluation point of a variable, if any.
func (e *Expr) Value() (float64, bool) { return e.stored, e.hasValue }

func isZero(e *Expr) bool { return e.op == OpConst && e.value == 0 }
func isOne(e *Expr) bool  { return e.op == OpConst && e.value == 1 }

// Const returns a constant expression.
func Const(v float64) *Expr {
	return &Expr{op: OpConst, value: v}
}

// Neg returns -a.
func Neg(a *Expr) *Expr {
	if v, ok := a.IsConst(); ok {
		return Const(-v)
	}
	if a.op == OpNeg {
		return a.args[0]
	}
	return &Expr{op: OpNeg, args: []*Expr{a}}
}

// Add returns a+b.
func Add(a, b *Expr) *Expr {
	if isZero(a) {
		return b
	}
	if isZero(b) {
		return a
	}
	av, aOk := a.IsConst()
	bv, bOk := b.IsConst()
	if aOk && bOk {
		return Const(av + bv)
	}
	return &Expr{op: OpAdd, args: []*Expr{a, b}}
}

// Sub returns a-b.
func Sub(a, b *Expr) *Expr {
	if isZero(b) {
		return a
	}
	if isZero(a) {
		return Neg(b)
	}
	av, aOk := a.IsConst()
	bv, bOk := b.IsConst()
	if aOk && bOk {
		return Const(av - bv)
	}
	return &Expr{op: OpSub, args: []*Expr{a, b}}
}

// Mul returns a*b.
func Mul(a, b *Expr) *Expr {
	if isZero(a) || isZero(b) {
		return Const(0)
	}
	if isOne(a) {
		return b
	}
	if isOne(b) {
		return a
	}
	av, aOk := a.IsConst()
	bv, bOk := b.IsConst()
	if aOk && bOk {
		return Const(av * bv)
	}
	return &Expr{op: OpMul, args: []*Expr{a, b}}
}

// Div returns a/b.
func Div(a, b *Expr) *Expr {
	if isZero(a) {
		return Const(0)
	}
	if isOne(b) {
		return a
	}
	av, aOk := a.IsConst()
	bv, bOk := b.IsConst()
	if aOk && bOk && bv != 0 {
		return Const(av / bv)
	}
	return &Expr{op: OpDiv, args: []*Expr{a, b}}
}

func unary(op Op, fold func(float64) float64, a *Expr) *Expr {
	if v, ok := a.IsConst(); ok {
		return Const(fold(v))
	}
	return &Expr{op: op, args: []*Expr{a}}
}

// Sin returns sin(a).
func Sin(a *Expr) *Expr { return unary(OpSin, math.Sin, a) }

// Cos returns cos(a).
func Cos(a *Expr) *Expr { return unary(OpCos, math.Cos, a) }

// Exp returns exp(a).
func Exp(a *Expr) *Expr { return unary(OpExp, math.Exp, a) }

// Log returns the natural logarithm of a.
func Log(a *Expr) *Expr { return unary(OpLog, math.Log, a) }

// Sqrt returns the square root of a.
func Sqrt(a *Expr) *Expr { return unary(OpSqrt, math.Sqrt, a) }

// Abs returns |a|.
func Abs(a *Expr) *Expr { return unary(OpAbs, math.Abs, a) }

// Tanh returns the hyperbolic tangent of a.
func Tanh(a *Expr) *Expr { return unary(OpTanh, math.Tanh, a) }

// Pow returns a raised to the power b.
func Pow(a, b *Expr) *Expr {
	if isOne(b) {
		return a
	}
	if isZero(b) {
		return Const(1)
	}
	av, aOk := a.IsConst()
	bv, bOk := b.IsConst()
	if aOk && bOk {
		return Const(math.Pow(av, bv))
	}
	return &Expr{op: OpPow, args: []*Expr{a, b}}
}

// Call returns a call to an opaque (atomic) function. Its derivative structure
// is not visible to the graph; differentiation of a call node produces calls
// to derived function names resolved at link time of the generated code.
func Call(name string, args ...*Expr) *Expr {
	if name == "" {
		exceptions.Panicf("cg: Call requires a non-empty function name")
	}
	return &Expr{op: OpCall, name: name, args: args}
}
