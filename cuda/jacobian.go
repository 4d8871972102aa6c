package cuda

import (
	"fmt"

	"github.com/gomlx/cudagen/cg"
	"github.com/gomlx/cudagen/internal/jobtimer"
	"github.com/gomlx/cudagen/tape"
)

// JacobianSource generates the dense Jacobian kernel: one translation unit
// computing all Range x Domain partial derivatives in row-major order.
// Structural zeros are emitted as zero constants.
func (g *ModelSourceGen) JacobianSource() (code string, units []SourceUnit, err error) {
	if err = g.checkDimensions(); err != nil {
		return "", nil, err
	}
	name := g.model.Name()
	n := g.model.Domain()
	m := g.model.Range()
	job := jobtimer.Start(fmt.Sprintf("model %q (dense jacobian)", name))
	defer job.Done()

	handler := cg.NewHandler()
	xs, ys := g.model.Trace(handler)
	jac := make([]*cg.Expr, m*n)
	for i := range jac {
		jac[i] = cg.Const(0)
	}
	for j := 0; j < n; j++ {
		seeds := map[*cg.Expr]*cg.Expr{xs[j]: cg.Const(1)}
		dys := tape.Tangent(ys, seeds)
		for i := 0; i < m; i++ {
			jac[i*n+j] = dys[i]
		}
	}

	return g.emitJacobianUnit(name+"_jacobian", jac)
}

// SparseJacobianSource generates the sparse Jacobian kernel: one translation
// unit computing only the structurally nonzero partials, flat in sparsity
// enumeration order. Requires an atomics-free recording; the single-sweep
// precondition is the same as for the direct-sparse forward-one strategy.
func (g *ModelSourceGen) SparseJacobianSource() (code string, units []SourceUnit, err error) {
	if err = g.checkDimensions(); err != nil {
		return "", nil, err
	}
	name := g.model.Name()
	job := jobtimer.Start(fmt.Sprintf("model %q (sparse jacobian)", name))
	defer job.Done()

	sp := g.model.JacobianSparsity()
	var flat []*cg.Expr
	if g.model.AtomicsUsed() {
		// Per-column replays keep atomic call semantics isolated.
		flat = make([]*cg.Expr, sp.NNZ())
		for k := range sp.Rows {
			handler := cg.NewHandler()
			xs, ys := g.model.Trace(handler)
			seeds := map[*cg.Expr]*cg.Expr{xs[sp.Cols[k]]: cg.Const(1)}
			flat[k] = tape.Tangent(ys, seeds)[sp.Rows[k]]
		}
	} else {
		handler := cg.NewHandler()
		xs, ys := g.model.Trace(handler)
		flat = g.model.SparseJacobian(xs, ys, sp)
	}

	return g.emitJacobianUnit(name+"_sparse_jacobian", flat)
}

func (g *ModelSourceGen) emitJacobianUnit(funName string, entries []*cg.Expr) (string, []SourceUnit, error) {
	lang := g.newLanguage()
	names := cg.DefaultNames()
	names.Output = "jac"
	names.LocalInputDim = g.localInputDim()
	body, splits := lang.GenerateCode(funName, entries, names)
	gen := &FunctionSourceGen{
		Name:           funName,
		LocalInputDim:  g.localInputDim(),
		GlobalInputDim: g.model.GlobalInputDim(),
		OutputDim:      len(entries),
		Accumulation:   AccumulateNone,
	}
	code, units := g.assembleUnit(gen, body, splits)
	return code, units, nil
}
