package cuda

import (
	"fmt"
	"strings"

	"github.com/gomlx/cudagen/cg"
	"github.com/gomlx/cudagen/internal/jobtimer"
	"github.com/gomlx/cudagen/tape"
)

// ReverseOneSource generates the sparse first-order reverse sources of the
// model, the mirror image of ForwardOneSource: the sparsity is partitioned by
// output row, each row yields one kernel unit computing that row's weighted
// gradient compressed over its column list, and dispatch/lookup/driver route
// by row instead of column.
func (g *ModelSourceGen) ReverseOneSource() (code string, units []SourceUnit, err error) {
	if err = g.checkDimensions(); err != nil {
		return "", nil, err
	}
	name := g.model.Name()
	m := g.model.Range()
	n := g.model.Domain()

	job := jobtimer.Start(fmt.Sprintf("model %q (first-order reverse)", name))
	defer job.Done()

	sp := g.model.JacobianSparsity()
	elements := PartitionByRow(sp.Rows, sp.Cols, m, n)

	var includes strings.Builder
	for _, i := range elements.Keys() {
		colUnits := g.emitReverseOneRow(i, elements[i], &includes)
		units = append(units, colUnits...)
	}

	sparseRev1Function := name + "_sparse_reverse_one"
	sparsityFunction := name + "_reverse_one_sparsity"

	var out strings.Builder
	out.WriteString(includes.String())
	out.WriteString("\n")
	out.WriteString(DirectionalFunctionSource(sparseRev1Function, "dep", elements))
	out.WriteString("\n__device__\n")
	out.WriteString(SparsityLookupSource(sparsityFunction, elements))
	out.WriteString("\n")
	g.emitReverseOneDriver(&out, sparseRev1Function, sparsityFunction)
	return out.String(), units, nil
}

// emitReverseOneRow generates one row's kernel unit: the gradient of output
// row i, weighted by the adjoint direction, compressed over cols in order.
// Reverse sweeps replay per row, so atomics are handled uniformly; there is
// no single-sweep variant to pick.
func (g *ModelSourceGen) emitReverseOneRow(i int, cols []int, includes *strings.Builder) []SourceUnit {
	handler := cg.NewHandler()
	xs, ys := g.model.Trace(handler)
	py := handler.MakeDirectionVariable()
	if g.model.X() != nil {
		py.SetValue(1)
	}
	adjoints := tape.Gradient(ys[i], py, xs)
	compressed := make([]*cg.Expr, len(cols))
	for e, j := range cols {
		compressed[e] = adjoints[j]
	}

	funName := fmt.Sprintf("%s_sparse_reverse_one_dep%d", g.model.Name(), i)
	lang := g.newLanguage()
	names := cg.DefaultNames()
	names.Output = "dw"
	names.Direction = "py"
	body, splits := lang.GenerateCode(funName, compressed, names)
	gen := &FunctionSourceGen{
		Name:           funName,
		LocalInputDim:  g.localInputDim(),
		GlobalInputDim: g.model.GlobalInputDim(),
		OutputDim:      g.model.Domain(),
		Accumulation:   AccumulateNone,
		IsReverseOne:   true,
	}
	complete, units := g.assembleUnit(gen, body, splits)
	filename := funName + ".cuh"
	units = append(units, SourceUnit{Name: filename, Code: complete})
	fmt.Fprintf(includes, "#include \"%s\"\n", filename)
	return units
}

// emitReverseOneDriver writes the per-model reverse-one entry point: scan the
// adjoint weights for active rows, zero the input gradient, then dispatch
// each active row and scatter-accumulate its compressed gradient.
func (g *ModelSourceGen) emitReverseOneDriver(w *strings.Builder, dispatchFunction, sparsityFunction string) {
	name := g.model.Name()
	n := g.model.Domain()
	m := g.model.Range()
	modelFunction := name + "_reverse_one"

	w.WriteString("__device__\n")
	cg.PrintFunctionDeclaration(w, "int", modelFunction,
		[]string{"Float *px", "const Float *x", "const Float *py"})
	fmt.Fprintf(w, " {\n"+
		"  unsigned long ePos, ei, i, j, nnz;\n"+
		"  unsigned long const* pos;\n"+
		"  unsigned long pyPos[%d];\n"+
		"  unsigned long nnzPy;\n"+
		"  Float const * in[2];\n"+
		"  Float* out[1];\n"+
		"  Float compressed[%d];\n"+
		"  int ret;\n"+
		"\n"+
		"  nnzPy = 0;\n"+
		"  for (i = 0; i < %d; i++) {\n"+
		"     if (py[i] != 0.0) {\n"+
		"        %s(i, &pos, &nnz);\n"+
		"        if (nnz == 0)\n"+
		"           continue;\n"+
		"        nnzPy++;\n"+
		"        pyPos[nnzPy - 1] = i;\n"+
		"     }\n"+
		"  }\n"+
		"  for (j = 0; j < %d; j++) {\n"+
		"     px[j] = 0;\n"+
		"  }\n"+
		"\n"+
		"  for (ei = 0; ei < nnzPy; ei++) {\n"+
		"     i = pyPos[ei];\n"+
		"     %s(i, &pos, &nnz);\n"+
		"\n"+
		"     in[0] = x;\n"+
		"     in[1] = &py[i];\n"+
		"     out[0] = compressed;\n"+
		"     ret = %s(i, out, in);\n"+
		"\n"+
		"     if (ret != 0) {\n"+
		"        return ret;\n"+
		"     }\n"+
		"\n"+
		"     for (ePos = 0; ePos < nnz; ePos++) {\n"+
		"        px[pos[ePos]] += compressed[ePos];\n"+
		"     }\n"+
		"\n"+
		"  }\n"+
		"  return 0;\n"+
		"}\n",
		m, n, m, sparsityFunction, n, sparsityFunction, dispatchFunction)
}
