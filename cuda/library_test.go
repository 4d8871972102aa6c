package cuda

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProcessor(t *testing.T) *LibraryProcessor {
	t.Helper()
	model := newTestModel("pendulum")
	model.GenerateForwardZero = true
	model.GenerateSparseForwardOne = true
	main := NewModelSourceGen(model)
	p := NewLibraryProcessor(main, "testlib")
	p.SrcDir = t.TempDir()
	return p
}

func TestLibraryProcessorDefaults(t *testing.T) {
	model := newTestModel("pendulum")
	p := NewLibraryProcessor(NewModelSourceGen(model), "")
	assert.Equal(t, "pendulum", p.LibraryName())

	if runtime.GOOS == "windows" {
		assert.Equal(t, "pendulum.dll", p.LibraryFileName())
	} else {
		assert.Equal(t, "pendulum.so", p.LibraryFileName())
	}
}

func TestAddModelOrdering(t *testing.T) {
	m0 := NewModelSourceGen(newTestModel("m0"))
	m1 := NewModelSourceGen(newTestModel("m1"))
	m2 := NewModelSourceGen(newTestModel("m2"))
	p := NewLibraryProcessor(m0, "lib")

	p.AddModel(m1, true)  // prepend
	p.AddModel(m2, false) // before the main model
	var names []string
	for _, gen := range p.Models() {
		names = append(names, gen.Name())
	}
	assert.Equal(t, []string{"m1", "m2", "m0"}, names)
}

func TestGenerateCodeUnits(t *testing.T) {
	p := newTestProcessor(t)
	helper := newTestModel("energy")
	helper.KernelOnly = true
	helper.GenerateSparseForwardOne = true
	p.AddModel(NewModelSourceGen(helper), true)

	require.NoError(t, p.GenerateCode())
	var names []string
	for _, unit := range p.Sources() {
		names = append(names, unit.Name)
	}

	// Shared headers first, then units in model order, main unit last.
	assert.Equal(t, "util.h", names[0])
	assert.Equal(t, "model_info.h", names[1])
	assert.Equal(t, "testlib.cu", names[len(names)-1])
	assert.Contains(t, names, "energy_forward_one.cuh")
	assert.Contains(t, names, "pendulum_forward_zero.cu")
	assert.Contains(t, names, "pendulum_forward_one.cu")
	// Per-column kernels of both models ride along as their own units.
	assert.Contains(t, names, "energy_sparse_forward_one_indep0.cuh")
	assert.Contains(t, names, "pendulum_sparse_forward_one_indep2.cuh")

	// The main unit includes the headers and every capability unit, but not
	// the per-column helpers, which the capability units include themselves.
	var mainCode string
	for _, unit := range p.Sources() {
		if unit.Name == "testlib.cu" {
			mainCode = unit.Code
		}
	}
	assert.Contains(t, mainCode, `#include "util.h"`)
	assert.Contains(t, mainCode, `#include "model_info.h"`)
	assert.Contains(t, mainCode, `#include "energy_forward_one.cuh"`)
	assert.Contains(t, mainCode, `#include "pendulum_forward_zero.cu"`)
	assert.NotContains(t, mainCode, "indep0")
}

func TestGenerateCodeIdempotent(t *testing.T) {
	p := newTestProcessor(t)
	require.NoError(t, p.GenerateCode())
	first := append([]SourceUnit(nil), p.Sources()...)
	require.NoError(t, p.GenerateCode())
	second := p.Sources()
	assert.Empty(t, cmp.Diff(first, second))
}

func TestUtilHeader(t *testing.T) {
	p := newTestProcessor(t)
	require.NoError(t, p.GenerateCode())
	code := p.Sources()[0].Code
	assert.Contains(t, code, "typedef double Float;")
	assert.Contains(t, code, "#define MODULE_API")
	assert.Contains(t, code, "struct CudaFunctionMetaData {")
	assert.Contains(t, code, "cudaMallocHost(x, size)")
}

func TestModelInfoExcludesKernelOnly(t *testing.T) {
	p := newTestProcessor(t)
	helper := newTestModel("energy")
	helper.KernelOnly = true
	p.AddModel(NewModelSourceGen(helper), true)

	require.NoError(t, p.GenerateCode())
	code := p.Sources()[1].Code
	assert.Contains(t, code, `"pendulum"`)
	assert.NotContains(t, code, `"energy"`)
	assert.Contains(t, code, "*count = 1;")
}

func TestSaveSourcesBeforeGenerate(t *testing.T) {
	p := newTestProcessor(t)
	err := p.SaveSources()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "call GenerateCode before saving")
}

func TestSaveSources(t *testing.T) {
	p := newTestProcessor(t)
	require.NoError(t, p.GenerateCode())
	require.NoError(t, p.SaveSources())

	for _, unit := range p.Sources() {
		data, err := os.ReadFile(filepath.Join(p.SrcDir, unit.Name))
		require.NoError(t, err)
		assert.Equal(t, unit.Code, string(data))
	}
}

func TestSaveSourcesDefaultDir(t *testing.T) {
	p := newTestProcessor(t)
	p.SrcDir = ""
	require.NoError(t, p.GenerateCode())

	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer func() { _ = os.Chdir(cwd) }()

	require.NoError(t, p.SaveSources())
	assert.Equal(t, "testlib_srcs", p.SrcDir)
	_, err = os.Stat(filepath.Join(dir, "testlib_srcs", "testlib.cu"))
	require.NoError(t, err)
}

func TestCreateLibraryMissingCompiler(t *testing.T) {
	p := newTestProcessor(t)
	p.NvccPath = ""
	err := p.CreateLibrary()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not be found")

	p.NvccPath = filepath.Join(t.TempDir(), "does-not-exist")
	err = p.CreateLibrary()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is not usable")
}

func TestCreateLibraryCompilerFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a shell script compiler stand-in")
	}
	p := newTestProcessor(t)
	require.NoError(t, p.GenerateCode())
	require.NoError(t, p.SaveSources())

	fake := filepath.Join(t.TempDir(), "nvcc")
	require.NoError(t, os.WriteFile(fake, []byte("#!/bin/sh\nexit 2\n"), 0755))
	p.NvccPath = fake

	err := p.CreateLibrary()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "return code 2")
}

func TestCreateLibrarySuccess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a shell script compiler stand-in")
	}
	p := newTestProcessor(t)
	require.NoError(t, p.GenerateCode())
	require.NoError(t, p.SaveSources())

	fake := filepath.Join(t.TempDir(), "nvcc")
	require.NoError(t, os.WriteFile(fake, []byte("#!/bin/sh\nexit 0\n"), 0755))
	p.NvccPath = fake
	require.NoError(t, p.CreateLibrary())
}
