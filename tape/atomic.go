package tape

import (
	"fmt"

	"github.com/gomlx/cudagen/cg"
	"github.com/gomlx/exceptions"
)

// Atomic is an opaque external sub-computation embedded in a model's
// recording. Its internal derivative structure is not visible per input
// column: differentiating through a call produces calls to derived function
// names ("<name>_forward_one", "<name>_reverse_one_arg<k>") that must be
// provided by the enclosing compilation unit of the generated code.
//
// Eval and Partial are only used for host-side validation; code generation
// never calls them.
type Atomic struct {
	// Name of the external function as it appears in generated code.
	Name string

	// Arity is the number of scalar arguments.
	Arity int

	// Eval computes the function value. Optional, required for host sweeps.
	Eval func(args []float64) float64

	// Partial computes the derivative with respect to argument k at args.
	// Optional, required for host sweeps of derivative code paths.
	Partial func(args []float64, k int) float64
}

// Call records an invocation of the atomic on the given arguments.
func (a *Atomic) Call(args ...*cg.Expr) *cg.Expr {
	if len(args) != a.Arity {
		exceptions.Panicf("tape: atomic %q takes %d arguments, got %d", a.Name, a.Arity, len(args))
	}
	return cg.Call(a.Name, args...)
}

func (a *Atomic) forwardOneName() string { return a.Name + "_forward_one" }

func (a *Atomic) reverseOneArgName(k int) string {
	return fmt.Sprintf("%s_reverse_one_arg%d", a.Name, k)
}

// callEvaluators returns host evaluators for the atomic and its derived call
// names, keyed the way differentiated graphs reference them.
func (a *Atomic) callEvaluators() map[string]func([]float64) float64 {
	evals := make(map[string]func([]float64) float64)
	if a.Eval != nil {
		evals[a.Name] = a.Eval
	}
	if a.Partial == nil {
		return evals
	}
	// <name>_forward_one(args..., dargs...) = sum_k d/darg_k * dargs[k].
	evals[a.forwardOneName()] = func(vals []float64) float64 {
		args := vals[:a.Arity]
		dargs := vals[a.Arity:]
		var sum float64
		for k := 0; k < a.Arity && k < len(dargs); k++ {
			sum += a.Partial(args, k) * dargs[k]
		}
		return sum
	}
	// <name>_reverse_one_arg<k>(args..., adjoint) = d/darg_k * adjoint.
	for k := 0; k < a.Arity; k++ {
		k := k
		evals[a.reverseOneArgName(k)] = func(vals []float64) float64 {
			return a.Partial(vals[:a.Arity], k) * vals[a.Arity]
		}
	}
	return evals
}
