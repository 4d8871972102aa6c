package cuda

import (
	"fmt"
	"strings"

	"github.com/gomlx/cudagen/cg"
	"github.com/gomlx/cudagen/internal/jobtimer"
	"github.com/gomlx/cudagen/tape"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ForwardOneSource generates the sparse first-order forward sources of the
// model: one kernel translation unit per partition column (returned in
// units, in column order), and the model unit text containing the include
// lines, the dispatch function, the sparsity-lookup function and the driver
// entry point.
//
// The per-column strategy depends on whether the recorded computation uses
// atomics: with atomics each column replays an isolated zero-order plus
// first-order sweep; without them a single sparse-Jacobian sweep computes all
// flat entries at once and redistributes them per column.
func (g *ModelSourceGen) ForwardOneSource() (code string, units []SourceUnit, err error) {
	if err = g.checkDimensions(); err != nil {
		return "", nil, err
	}
	name := g.model.Name()
	n := g.model.Domain()
	m := g.model.Range()

	job := jobtimer.Start(fmt.Sprintf("model %q (first-order forward)", name))
	defer job.Done()
	klog.V(1).Infof("generating first-order forward code for function %q with local input dimension %d and output dimension %d",
		name, g.localInputDim(), m)

	sp := g.model.JacobianSparsity()
	elements := PartitionByColumn(sp.Rows, sp.Cols, m, n)
	klog.V(1).Infof("%s uses atomics? %t", name, g.model.AtomicsUsed())

	var includes strings.Builder
	if g.model.AtomicsUsed() {
		units, err = g.forwardOneWithAtomics(elements, &includes)
	} else {
		units, err = g.forwardOneNoAtomics(sp, elements, &includes)
	}
	if err != nil {
		return "", nil, err
	}

	sparseFor1Function := name + "_sparse_forward_one"
	sparsityFunction := name + "_forward_one_sparsity"

	var out strings.Builder
	out.WriteString(includes.String())
	out.WriteString("\n")
	out.WriteString(DirectionalFunctionSource(sparseFor1Function, "indep", elements))
	out.WriteString("\n__device__\n")
	out.WriteString(SparsityLookupSource(sparsityFunction, elements))
	out.WriteString("\n")
	g.emitForwardOneDriver(&out, sparseFor1Function, sparsityFunction)
	return out.String(), units, nil
}

// forwardOneWithAtomics is the atomic-safe strategy: one isolated zero-order
// evaluation plus one first-order forward sweep per column, so opaque call
// semantics are respected. O(domain) replays of the computation.
func (g *ModelSourceGen) forwardOneWithAtomics(elements Partition, includes *strings.Builder) ([]SourceUnit, error) {
	var units []SourceUnit
	for _, j := range elements.Keys() {
		rows := elements[j]
		job := jobtimer.Start(fmt.Sprintf("model %q (forward one, indep %d)", g.model.Name(), j))

		handler := cg.NewHandler()
		xs, ys := g.model.Trace(handler)
		dx := handler.MakeDirectionVariable()
		if g.model.X() != nil {
			dx.SetValue(1)
		}
		dys := tape.Tangent(ys, map[*cg.Expr]*cg.Expr{xs[j]: dx})
		compressed := make([]*cg.Expr, len(rows))
		for e, i := range rows {
			compressed[e] = dys[i]
		}
		job.Done()

		columnUnits := g.emitForwardOneColumn(j, compressed, includes)
		units = append(units, columnUnits...)
	}
	return units, nil
}

// forwardOneNoAtomics is the direct-sparse strategy: one shared trace and one
// sparse-Jacobian sweep compute every flat nonzero at once; the entries are
// then redistributed into per-column compressed vectors scaled by the unit
// direction variable. Valid only while sparsity is evaluation-path-invariant,
// which atomics can violate.
func (g *ModelSourceGen) forwardOneNoAtomics(sp *tape.Sparsity, elements Partition, includes *strings.Builder) ([]SourceUnit, error) {
	if g.model.AtomicsUsed() {
		return nil, errors.Errorf(
			"direct-sparse forward-one requested for model %q, which uses atomics; the single-sweep strategy requires an atomics-free recording",
			g.model.Name())
	}
	handler := cg.NewHandler()
	xs, ys := g.model.Trace(handler)
	dx := handler.MakeDirectionVariable()
	if g.model.X() != nil {
		dx.SetValue(1)
	}
	flat := g.model.SparseJacobian(xs, ys, sp)

	// Redistribute the flat entries by column, placing each at its position
	// within the column's compressed vector.
	jac := make(map[int][]*cg.Expr)
	positions := make(map[int]map[int]int)
	for _, j := range elements.Keys() {
		column := elements[j]
		jac[j] = make([]*cg.Expr, len(column))
		pos := make(map[int]int, len(column))
		for e, i := range column {
			pos[i] = e
		}
		positions[j] = pos
	}
	for el := range sp.Rows {
		i := sp.Rows[el]
		j := sp.Cols[el]
		jac[j][positions[j][i]] = cg.Mul(flat[el], dx)
	}

	var units []SourceUnit
	for _, j := range elements.Keys() {
		columnUnits := g.emitForwardOneColumn(j, jac[j], includes)
		units = append(units, columnUnits...)
	}
	return units, nil
}

// emitForwardOneColumn lowers one column's compressed expression vector into
// a kernel translation unit and records its include line.
func (g *ModelSourceGen) emitForwardOneColumn(j int, compressed []*cg.Expr, includes *strings.Builder) []SourceUnit {
	funName := fmt.Sprintf("%s_sparse_forward_one_indep%d", g.model.Name(), j)
	lang := g.newLanguage()
	body, splits := lang.GenerateCode(funName, compressed, cg.DefaultNames())
	gen := &FunctionSourceGen{
		Name:           funName,
		LocalInputDim:  g.localInputDim(),
		GlobalInputDim: g.model.GlobalInputDim(),
		OutputDim:      g.model.Range(),
		Accumulation:   AccumulateNone,
		IsForwardOne:   true,
	}
	complete, units := g.assembleUnit(gen, body, splits)
	filename := funName + ".cuh"
	units = append(units, SourceUnit{Name: filename, Code: complete})
	fmt.Fprintf(includes, "#include \"%s\"\n", filename)
	return units
}

// emitForwardOneDriver writes the per-model forward-one entry point: scan the
// packed tangent input for active columns, zero the output derivatives, then
// dispatch each active column and scatter-accumulate its compressed result.
// Any nonzero dispatch status aborts the evaluation with that status.
func (g *ModelSourceGen) emitForwardOneDriver(w *strings.Builder, dispatchFunction, sparsityFunction string) {
	name := g.model.Name()
	n := g.model.Domain()
	m := g.model.Range()
	modelFunction := name + "_forward_one"

	w.WriteString("__device__\n")
	cg.PrintFunctionDeclaration(w, "int", modelFunction, []string{"Float *ty", "const Float *tx"})
	fmt.Fprintf(w, " {\n"+
		"  unsigned long ePos, ej, i, j, nnz, nnzMax;\n"+
		"  unsigned long const* pos;\n"+
		"  unsigned long txPos[%d];\n"+
		"  unsigned long nnzTx;\n"+
		"  Float const * in[2];\n"+
		"  Float* out[1];\n"+
		"  Float  x[%d];\n"+
		"  Float compressed[%d];\n"+
		"  int ret;\n"+
		"\n"+
		"  nnzTx = 0;\n"+
		"  nnzMax = 0;\n"+
		"  for (j = 0; j < %d; j++) {\n"+
		"     if (tx[j * 2 + 1] != 0.0) {\n"+
		"        %s(j, &pos, &nnz);\n"+
		"        if (nnz > nnzMax)\n"+
		"           nnzMax = nnz;\n"+
		"        else if (nnz == 0)\n"+
		"           continue;\n"+
		"        nnzTx++;\n"+
		"        txPos[nnzTx - 1] = j;\n"+
		"     }\n"+
		"  }\n"+
		"  for (i = 0; i < %d; i++) {\n"+
		"     ty[i * 2 + 1] = 0;\n"+
		"  }\n"+
		"\n"+
		"  for (j = 0; j < %d; j++)\n"+
		"     x[j] = tx[j * 2];\n"+
		"\n"+
		"  for (ej = 0; ej < nnzTx; ej++) {\n"+
		"     j = txPos[ej];\n"+
		"     %s(j, &pos, &nnz);\n"+
		"\n"+
		"     in[0] = x;\n"+
		"     in[1] = &tx[j * 2 + 1];\n"+
		"     out[0] = compressed;\n"+
		"     ret = %s(j, out, in);\n"+
		"\n"+
		"     if (ret != 0) {\n"+
		"        return ret;\n"+
		"     }\n"+
		"\n"+
		"     for (ePos = 0; ePos < nnz; ePos++) {\n"+
		"        ty[pos[ePos] * 2 + 1] += compressed[ePos];\n"+
		"     }\n"+
		"\n"+
		"  }\n"+
		"  return 0;\n"+
		"}\n",
		n, n, m, n, sparsityFunction, m, n, sparsityFunction, dispatchFunction)

	if g.model.KernelOnly {
		return
	}

	// Exported host entry point: a single-thread kernel runs the device
	// driver on pinned buffers.
	fmt.Fprintf(w, "\n__global__\n"+
		"void %s_kernel(int *ret, Float *ty, const Float *tx) {\n"+
		"   *ret = %s(ty, tx);\n"+
		"}\n\n", modelFunction, modelFunction)
	w.WriteString("extern \"C\" {\n")
	fmt.Fprintf(w, "MODULE_API int %s_eval(Float *ty, const Float *tx) {\n", modelFunction)
	w.WriteString("   Float *dev_tx, *dev_ty;\n")
	w.WriteString("   int *dev_ret;\n")
	w.WriteString("   int ret;\n")
	fmt.Fprintf(w, "   allocate((void **)&dev_tx, %d * sizeof(Float));\n", 2*n)
	fmt.Fprintf(w, "   allocate((void **)&dev_ty, %d * sizeof(Float));\n", 2*m)
	w.WriteString("   allocate((void **)&dev_ret, sizeof(int));\n")
	fmt.Fprintf(w, "   memcpy(dev_tx, tx, %d * sizeof(Float));\n", 2*n)
	fmt.Fprintf(w, "   memcpy(dev_ty, ty, %d * sizeof(Float));\n", 2*m)
	fmt.Fprintf(w, "   %s_kernel<<<1, 1>>>(dev_ret, dev_ty, dev_tx);\n", modelFunction)
	w.WriteString("   cudaDeviceSynchronize();\n")
	fmt.Fprintf(w, "   memcpy(ty, dev_ty, %d * sizeof(Float));\n", 2*m)
	w.WriteString("   ret = *dev_ret;\n")
	w.WriteString("   cudaFreeHost(dev_tx);\n")
	w.WriteString("   cudaFreeHost(dev_ty);\n")
	w.WriteString("   cudaFreeHost(dev_ret);\n")
	w.WriteString("   return ret;\n")
	w.WriteString("}\n")
	w.WriteString("}\n")
}
