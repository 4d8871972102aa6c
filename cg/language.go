package cg

import (
	"fmt"
	"strconv"
	"strings"
)

// VariableNames configures the two-level naming scheme used by the emitter:
// primary outputs ("dy"), independents ("x") and direction variables ("dx").
// When LocalInputDim is non-negative, independents at or above it are global
// data and named through GlobalData instead.
type VariableNames struct {
	Output      string
	Independent string
	Direction   string
	GlobalData  string
	// LocalInputDim < 0 disables the local/global split.
	LocalInputDim int
}

// DefaultNames returns the naming scheme used by first-order forward kernels.
func DefaultNames() VariableNames {
	return VariableNames{
		Output:        "dy",
		Independent:   "x",
		Direction:     "dx",
		GlobalData:    "p",
		LocalInputDim: -1,
	}
}

// SplitFunction is a helper device function emitted when a kernel body exceeds
// the maximum number of assignments per function. The caller is responsible
// for placing it ahead of the function that calls it.
type SplitFunction struct {
	Name string
	Code string
}

// CudaLanguage lowers a vector of expressions into imperative CUDA C
// statements. The zero value is not ready to use; call NewCudaLanguage.
type CudaLanguage struct {
	// MaxAssignmentsPerFunction bounds the statements emitted into a single
	// function; bodies beyond it are split into helper device functions.
	// Zero disables splitting.
	MaxAssignmentsPerFunction int

	// MaxOperationsPerAssignment bounds the arithmetic operations rendered
	// into one assignment; larger subexpressions are spilled into temporaries.
	// Zero disables the bound.
	MaxOperationsPerAssignment int

	// ParameterPrecision is the number of significant digits used for
	// floating-point literals.
	ParameterPrecision int

	// AddDebugPrints emits a printf per output assignment.
	AddDebugPrints bool
}

// NewCudaLanguage returns an emitter with the default limits.
func NewCudaLanguage() *CudaLanguage {
	return &CudaLanguage{
		MaxAssignmentsPerFunction: 20000,
		ParameterPrecision:        17,
	}
}

type emitState struct {
	lang  *CudaLanguage
	names VariableNames

	refs     map[*Expr]int
	rendered map[*Expr]string
	ops      map[*Expr]int

	statements []string
	numTemps   int

	usesDirection bool
	usesGlobal    bool
}

// GenerateCode lowers results into the body of a device function assigning
// results[e] to "<Output>[e]". Shared subexpressions are computed once into a
// temporary array. When the body exceeds MaxAssignmentsPerFunction, the
// returned splits hold the helper functions the body calls into, in order.
func (l *CudaLanguage) GenerateCode(funcName string, results []*Expr, names VariableNames) (body string, splits []SplitFunction) {
	st := &emitState{
		lang:     l,
		names:    names,
		refs:     make(map[*Expr]int),
		rendered: make(map[*Expr]string),
		ops:      make(map[*Expr]int),
	}
	for _, r := range results {
		st.countRefs(r)
	}
	for e, r := range results {
		s := st.render(r)
		stmt := fmt.Sprintf("%s[%d] = %s;", names.Output, e, s)
		st.statements = append(st.statements, stmt)
		if l.AddDebugPrints {
			st.statements = append(st.statements,
				fmt.Sprintf(`printf("%s: %s[%d] = %%f\n", %s[%d]);`, funcName, names.Output, e, names.Output, e))
		}
	}
	return st.assemble(funcName)
}

func (st *emitState) countRefs(e *Expr) {
	st.refs[e]++
	if st.refs[e] > 1 {
		return
	}
	for _, arg := range e.args {
		st.countRefs(arg)
	}
}

// render returns the expression text for e, spilling it into a temporary when
// it is shared or exceeds the per-assignment operation budget.
func (st *emitState) render(e *Expr) string {
	if s, ok := st.rendered[e]; ok {
		return s
	}
	var s string
	var nOps int
	switch e.op {
	case OpConst:
		s = st.formatFloat(e.value)
	case OpVar:
		s = st.varName(e)
	case OpNeg:
		s = "-" + st.operand(e.args[0])
		nOps = 1 + st.ops[e.args[0]]
	case OpAdd, OpSub, OpMul, OpDiv:
		opStr := map[Op]string{OpAdd: " + ", OpSub: " - ", OpMul: " * ", OpDiv: " / "}[e.op]
		s = st.operand(e.args[0]) + opStr + st.operand(e.args[1])
		nOps = 1 + st.ops[e.args[0]] + st.ops[e.args[1]]
	case OpSin, OpCos, OpExp, OpLog, OpSqrt, OpAbs, OpTanh:
		fn := map[Op]string{
			OpSin: "sin", OpCos: "cos", OpExp: "exp", OpLog: "log",
			OpSqrt: "sqrt", OpAbs: "fabs", OpTanh: "tanh",
		}[e.op]
		s = fn + "(" + st.render(e.args[0]) + ")"
		nOps = 1 + st.ops[e.args[0]]
	case OpPow:
		s = "pow(" + st.render(e.args[0]) + ", " + st.render(e.args[1]) + ")"
		nOps = 1 + st.ops[e.args[0]] + st.ops[e.args[1]]
	case OpCall:
		parts := make([]string, len(e.args))
		nOps = 1
		for i, arg := range e.args {
			parts[i] = st.render(arg)
			nOps += st.ops[arg]
		}
		s = e.name + "(" + strings.Join(parts, ", ") + ")"
	}
	spill := false
	if e.op != OpConst && e.op != OpVar {
		if st.refs[e] > 1 {
			spill = true
		}
		if st.lang.MaxOperationsPerAssignment > 0 && nOps > st.lang.MaxOperationsPerAssignment {
			spill = true
		}
	}
	if spill {
		tmp := fmt.Sprintf("v[%d]", st.numTemps)
		st.numTemps++
		st.statements = append(st.statements, tmp+" = "+s+";")
		s = tmp
		nOps = 0
	}
	st.rendered[e] = s
	st.ops[e] = nOps
	return s
}

// operand renders a child expression, parenthesized when its textual form
// could bind differently inside the parent.
func (st *emitState) operand(e *Expr) string {
	s := st.render(e)
	switch e.op {
	case OpAdd, OpSub, OpMul, OpDiv, OpNeg:
		if !strings.HasPrefix(s, "v[") { // spilled nodes render as a temporary
			return "(" + s + ")"
		}
	}
	return s
}

func (st *emitState) varName(e *Expr) string {
	switch e.class {
	case ClassDirection:
		st.usesDirection = true
		return fmt.Sprintf("%s[%d]", st.names.Direction, e.index)
	default:
		if st.names.LocalInputDim >= 0 && e.index >= st.names.LocalInputDim {
			st.usesGlobal = true
			return fmt.Sprintf("%s[%d]", st.names.GlobalData, e.index-st.names.LocalInputDim)
		}
		return fmt.Sprintf("%s[%d]", st.names.Independent, e.index)
	}
}

func (st *emitState) formatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'g', st.lang.ParameterPrecision, 64)
	if !strings.ContainsAny(s, ".eEn") {
		s += ".0"
	}
	return s
}

// assemble joins the collected statements into the final body, splitting into
// helper functions when the assignment limit is exceeded.
func (st *emitState) assemble(funcName string) (string, []SplitFunction) {
	maxAssign := st.lang.MaxAssignmentsPerFunction
	var body strings.Builder
	if st.numTemps > 0 {
		fmt.Fprintf(&body, "   Float v[%d];\n", st.numTemps)
	}
	if maxAssign <= 0 || len(st.statements) <= maxAssign {
		for _, stmt := range st.statements {
			body.WriteString("   " + stmt + "\n")
		}
		return body.String(), nil
	}

	params := "Float *v, Float *" + st.names.Output + ", const Float *" + st.names.Independent
	args := "v, " + st.names.Output + ", " + st.names.Independent
	if st.usesGlobal {
		params += ", const Float *" + st.names.GlobalData
		args += ", " + st.names.GlobalData
	}
	if st.usesDirection {
		params += ", const Float *" + st.names.Direction
		args += ", " + st.names.Direction
	}
	if st.numTemps == 0 {
		// Splits always take the temporary array.
		fmt.Fprintf(&body, "   Float v[1];\n")
	}

	var splits []SplitFunction
	for begin := 0; begin < len(st.statements); begin += maxAssign {
		end := min(begin+maxAssign, len(st.statements))
		name := fmt.Sprintf("%s_split%d", funcName, len(splits))
		var code strings.Builder
		fmt.Fprintf(&code, "__device__\nvoid %s(%s) {\n", name, params)
		for _, stmt := range st.statements[begin:end] {
			code.WriteString("   " + stmt + "\n")
		}
		code.WriteString("}\n")
		splits = append(splits, SplitFunction{Name: name, Code: code.String()})
		fmt.Fprintf(&body, "   %s(%s);\n", name, args)
	}
	return body.String(), splits
}

// PrintFunctionDeclaration writes a C function declaration with the arguments
// aligned under the opening parenthesis.
func PrintFunctionDeclaration(w *strings.Builder, returnType, name string, args []string) {
	title := returnType + " " + name + "("
	w.WriteString(title)
	indent := strings.Repeat(" ", len(title))
	for i, arg := range args {
		if i > 0 {
			w.WriteString(",\n" + indent)
		}
		w.WriteString(arg)
	}
	w.WriteString(")")
}
