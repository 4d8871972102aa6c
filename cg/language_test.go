package cg

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCodeSimple(t *testing.T) {
	h := NewHandler()
	x := h.MakeVariables(2)
	lang := NewCudaLanguage()
	body, splits := lang.GenerateCode("f", []*Expr{Mul(x[0], x[1]), Const(0)}, DefaultNames())
	assert.Empty(t, splits)
	assert.Contains(t, body, "dy[0] = x[0] * x[1];")
	assert.Contains(t, body, "dy[1] = 0.0;")
}

func TestGenerateCodeSharedSubexpression(t *testing.T) {
	h := NewHandler()
	x := h.MakeVariables(1)
	s := Sin(x[0])
	lang := NewCudaLanguage()
	body, _ := lang.GenerateCode("f", []*Expr{Mul(s, s)}, DefaultNames())
	// sin(x[0]) is computed once into a temporary.
	assert.Equal(t, 1, strings.Count(body, "sin(x[0])"))
	assert.Contains(t, body, "Float v[1];")
	assert.Contains(t, body, "v[0] = sin(x[0]);")
	assert.Contains(t, body, "dy[0] = v[0] * v[0];")
}

func TestGenerateCodeDirectionNaming(t *testing.T) {
	h := NewHandler()
	x := h.MakeVariables(1)
	dx := h.MakeDirectionVariable()
	lang := NewCudaLanguage()

	body, _ := lang.GenerateCode("f", []*Expr{Mul(Cos(x[0]), dx)}, DefaultNames())
	assert.Contains(t, body, "dx[0]")

	names := DefaultNames()
	names.Output = "dw"
	names.Direction = "py"
	body, _ = lang.GenerateCode("f", []*Expr{Mul(Cos(x[0]), dx)}, names)
	assert.Contains(t, body, "py[0]")
	assert.Contains(t, body, "dw[0] =")
}

func TestGenerateCodeGlobalSplit(t *testing.T) {
	h := NewHandler()
	x := h.MakeVariables(3)
	names := DefaultNames()
	names.Output = "y"
	names.LocalInputDim = 2
	lang := NewCudaLanguage()
	body, _ := lang.GenerateCode("f", []*Expr{Add(x[0], Mul(x[1], x[2]))}, names)
	assert.Contains(t, body, "x[0]")
	assert.Contains(t, body, "x[1]")
	assert.Contains(t, body, "p[0]")
	assert.NotContains(t, body, "x[2]")
}

func TestGenerateCodeOperationLimit(t *testing.T) {
	h := NewHandler()
	x := h.MakeVariables(4)
	e := Add(Add(Mul(x[0], x[1]), Mul(x[2], x[3])), x[0])
	lang := NewCudaLanguage()
	lang.MaxOperationsPerAssignment = 2
	body, _ := lang.GenerateCode("f", []*Expr{e}, DefaultNames())
	// The expression does not fit one assignment, so parts are spilled.
	assert.Contains(t, body, "Float v[")
	assert.Contains(t, body, "v[0] =")
}

func TestGenerateCodeSplitFunctions(t *testing.T) {
	h := NewHandler()
	x := h.MakeVariables(1)
	results := []*Expr{Sin(x[0]), Cos(x[0]), Exp(x[0])}
	lang := NewCudaLanguage()
	lang.MaxAssignmentsPerFunction = 2
	body, splits := lang.GenerateCode("f", results, DefaultNames())
	require.Len(t, splits, 2)
	assert.Equal(t, "f_split0", splits[0].Name)
	assert.Equal(t, "f_split1", splits[1].Name)
	assert.Contains(t, splits[0].Code, "__device__")
	assert.Contains(t, splits[0].Code, "dy[0] = sin(x[0]);")
	assert.Contains(t, body, "f_split0(v, dy, x);")
	assert.Contains(t, body, "f_split1(v, dy, x);")
	assert.NotContains(t, body, "sin(")
}

func TestFloatLiteralPrecision(t *testing.T) {
	lang := NewCudaLanguage()
	lang.ParameterPrecision = 3
	body, _ := lang.GenerateCode("f", []*Expr{Const(1.0 / 3.0)}, DefaultNames())
	assert.Contains(t, body, "0.333")
	assert.NotContains(t, body, "0.3333")

	body, _ = lang.GenerateCode("f", []*Expr{Const(2)}, DefaultNames())
	assert.Contains(t, body, "dy[0] = 2.0;")
}

func TestPrintFunctionDeclaration(t *testing.T) {
	var w strings.Builder
	PrintFunctionDeclaration(&w, "int", "model_forward_one", []string{"Float *ty", "const Float *tx"})
	got := w.String()
	assert.True(t, strings.HasPrefix(got, "int model_forward_one(Float *ty,"))
	assert.Contains(t, got, "const Float *tx)")
}
