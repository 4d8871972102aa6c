// Package tape records the computation of a named numeric function as a
// symbolic expression graph and provides the forward/reverse sweeps and
// Jacobian sparsity queries the CUDA code generator consumes.
//
// A Model does not hold a materialized recording: it re-traces its builder
// closure on demand, against a caller-supplied cg.Handler. This gives each
// code-generation sweep an isolated graph, which is what the atomic-safe
// strategy requires, while sweeps that may share a graph simply reuse one
// handler and trace once.
package tape

import (
	"github.com/gomlx/cudagen/cg"
	"github.com/gomlx/exceptions"
)

// Builder defines a model's computation. It receives the independent
// variables and returns the dependent expressions. It is re-invoked once per
// trace and must be deterministic.
type Builder func(x []*cg.Expr) []*cg.Expr

// Model is a named numeric function with its dimensions, capability flags and
// cached Jacobian sparsity. Create it with New, then set the Generate* flags
// for the derivative code the library should contain.
type Model struct {
	name      string
	domain    int
	rangeDim  int
	globalDim int
	builder   Builder
	x         []float64
	baseType  string
	atomics   map[string]*Atomic

	// Capability flags read by the library processor.
	GenerateForwardZero      bool
	GenerateSparseForwardOne bool
	GenerateReverseOne       bool
	GenerateJacobian         bool
	GenerateSparseJacobian   bool

	// KernelOnly marks the model's units as internal compilation fragments:
	// no exported header, no allocation/transfer/launch boilerplate, and no
	// entry in the library's model enumeration.
	KernelOnly bool

	sparsity    *Sparsity
	atomicsUsed *bool
}

// New returns a Model for a function with the given domain and range sizes.
func New(name string, domain, rangeDim int, builder Builder) *Model {
	if name == "" {
		exceptions.Panicf("tape: model requires a name")
	}
	if domain <= 0 || rangeDim <= 0 {
		exceptions.Panicf("tape: model %q requires positive dimensions, got domain=%d range=%d",
			name, domain, rangeDim)
	}
	if builder == nil {
		exceptions.Panicf("tape: model %q requires a builder", name)
	}
	return &Model{
		name:     name,
		domain:   domain,
		rangeDim: rangeDim,
		builder:  builder,
		baseType: "double",
		atomics:  make(map[string]*Atomic),
	}
}

// Name returns the model name, used as the prefix of all generated symbols.
func (m *Model) Name() string { return m.name }

// Domain returns the number of independent variables n.
func (m *Model) Domain() int { return m.domain }

// Range returns the number of dependent variables m.
func (m *Model) Range() int { return m.rangeDim }

// GlobalInputDim returns the size of the global (shared across work items)
// portion of the input vector. The global inputs occupy the tail of the
// input vector.
func (m *Model) GlobalInputDim() int { return m.globalDim }

// SetGlobalInputDim declares the trailing dim inputs as global data. The
// constraint dim <= Domain is validated at code-generation time, where it is
// reported as a configuration error rather than a panic.
func (m *Model) SetGlobalInputDim(dim int) { m.globalDim = dim }

// BaseTypeName returns the numeric base type of generated code, e.g. "double".
func (m *Model) BaseTypeName() string { return m.baseType }

// SetBaseTypeName sets the numeric base type of generated code.
func (m *Model) SetBaseTypeName(name string) { m.baseType = name }

// SetX stores the evaluation point attached to traced variables.
func (m *Model) SetX(x []float64) {
	if len(x) != m.domain {
		exceptions.Panicf("tape: model %q evaluation point has %d values, domain is %d",
			m.name, len(x), m.domain)
	}
	m.x = x
}

// X returns the stored evaluation point, or nil.
func (m *Model) X() []float64 { return m.x }

// RegisterAtomic makes an atomic's host evaluators available to numeric
// sweeps. Registration is not required for code generation.
func (m *Model) RegisterAtomic(a *Atomic) { m.atomics[a.Name] = a }

// Trace runs the builder against h, creating the independent variables and
// returning them alongside the dependent expressions. The stored evaluation
// point, if any, is attached to the variables.
func (m *Model) Trace(h *cg.Handler) (xs, ys []*cg.Expr) {
	xs = h.MakeVariables(m.domain)
	if m.x != nil {
		for i, v := range m.x {
			xs[i].SetValue(v)
		}
	}
	ys = m.builder(xs)
	if len(ys) != m.rangeDim {
		exceptions.Panicf("tape: model %q builder returned %d outputs, range is %d",
			m.name, len(ys), m.rangeDim)
	}
	return xs, ys
}

// AtomicsUsed reports whether the recorded computation contains opaque call
// nodes. The result is computed from one trace and cached.
func (m *Model) AtomicsUsed() bool {
	if m.atomicsUsed == nil {
		_, ys := m.Trace(cg.NewHandler())
		used := containsCall(ys)
		m.atomicsUsed = &used
	}
	return *m.atomicsUsed
}

func containsCall(roots []*cg.Expr) bool {
	seen := make(map[*cg.Expr]bool)
	var visit func(e *cg.Expr) bool
	visit = func(e *cg.Expr) bool {
		if seen[e] {
			return false
		}
		seen[e] = true
		if e.Op() == cg.OpCall {
			return true
		}
		for _, arg := range e.Args() {
			if visit(arg) {
				return true
			}
		}
		return false
	}
	for _, y := range roots {
		if visit(y) {
			return true
		}
	}
	return false
}

// callEvaluators merges the host evaluators of all registered atomics.
func (m *Model) callEvaluators() map[string]func([]float64) float64 {
	evals := make(map[string]func([]float64) float64)
	for _, a := range m.atomics {
		for name, fn := range a.callEvaluators() {
			evals[name] = fn
		}
	}
	return evals
}
