package cuda

import (
	"fmt"
	"strings"

	"github.com/gomlx/cudagen/cg"
	"github.com/gomlx/cudagen/tape"
	"github.com/pkg/errors"
)

// ModelSourceGen generates the CUDA sources of one model. The emitter limits
// apply to every kernel body generated for the model.
type ModelSourceGen struct {
	model *tape.Model

	// MaxAssignmentsPerFunction bounds statements per generated function;
	// larger bodies are split into helper units. Zero disables splitting.
	MaxAssignmentsPerFunction int

	// MaxOperationsPerAssignment bounds operations per generated assignment.
	// Zero disables the bound.
	MaxOperationsPerAssignment int

	// ParameterPrecision is the significant-digit count of emitted literals.
	ParameterPrecision int

	// AddDebugPrints adds a printf per generated output assignment.
	AddDebugPrints bool
}

// NewModelSourceGen returns a generator for model with the default emitter
// limits.
func NewModelSourceGen(model *tape.Model) *ModelSourceGen {
	defaults := cg.NewCudaLanguage()
	return &ModelSourceGen{
		model:                     model,
		MaxAssignmentsPerFunction: defaults.MaxAssignmentsPerFunction,
		ParameterPrecision:        defaults.ParameterPrecision,
	}
}

// Model returns the generator's model.
func (g *ModelSourceGen) Model() *tape.Model { return g.model }

// Name returns the model name.
func (g *ModelSourceGen) Name() string { return g.model.Name() }

func (g *ModelSourceGen) newLanguage() *cg.CudaLanguage {
	return &cg.CudaLanguage{
		MaxAssignmentsPerFunction:  g.MaxAssignmentsPerFunction,
		MaxOperationsPerAssignment: g.MaxOperationsPerAssignment,
		ParameterPrecision:         g.ParameterPrecision,
		AddDebugPrints:             g.AddDebugPrints,
	}
}

func (g *ModelSourceGen) localInputDim() int {
	return g.model.Domain() - g.model.GlobalInputDim()
}

// checkDimensions validates the local/global input split; a violation is a
// configuration error.
func (g *ModelSourceGen) checkDimensions() error {
	if g.model.GlobalInputDim() > g.model.Domain() {
		return errors.Errorf(
			"CUDA codegen failed for model %q: global data input size (%d) must not be larger than the provided input vector size (%d)",
			g.model.Name(), g.model.GlobalInputDim(), g.model.Domain())
	}
	return nil
}

// unitExtension is "cuh" for kernel-only models, whose units are included
// into a larger aggregate, and "cu" for standalone units.
func (g *ModelSourceGen) unitExtension() string {
	if g.model.KernelOnly {
		return "cuh"
	}
	return "cu"
}

// assembleUnit wraps a raw expression body into a complete translation unit
// per the function descriptor. Split helper functions become their own units,
// included at the top.
func (g *ModelSourceGen) assembleUnit(gen *FunctionSourceGen, body string, splits []cg.SplitFunction) (string, []SourceUnit) {
	var helperUnits []SourceUnit
	var complete strings.Builder
	for _, split := range splits {
		name := split.Name + ".cuh"
		helperUnits = append(helperUnits, SourceUnit{Name: name, Code: split.Code})
		fmt.Fprintf(&complete, "#include \"%s\"\n", name)
	}
	kernelOnly := g.model.KernelOnly
	if !kernelOnly {
		gen.EmitHeader(&complete)
	}
	gen.EmitKernel(&complete, body, kernelOnly)
	if !kernelOnly {
		gen.EmitAllocationFunctions(&complete)
		gen.EmitSendFunctions(&complete)
		gen.EmitKernelLaunch(&complete)
	}
	return complete.String(), helperUnits
}
