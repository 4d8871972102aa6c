package cuda

import (
	"fmt"

	"github.com/gomlx/cudagen/cg"
	"github.com/gomlx/cudagen/internal/jobtimer"
)

// ForwardZeroSource generates the zero-order kernel: one translation unit
// evaluating the model's outputs from its inputs, with per-work-item inputs
// and the configured accumulation mode applied by the standalone wrapper.
func (g *ModelSourceGen) ForwardZeroSource() (code string, units []SourceUnit, err error) {
	if err = g.checkDimensions(); err != nil {
		return "", nil, err
	}
	name := g.model.Name()
	job := jobtimer.Start(fmt.Sprintf("model %q (zero-order forward)", name))
	defer job.Done()

	handler := cg.NewHandler()
	_, ys := g.model.Trace(handler)

	funName := name + "_forward_zero"
	lang := g.newLanguage()
	names := cg.DefaultNames()
	names.Output = "y"
	names.LocalInputDim = g.localInputDim()
	body, splits := lang.GenerateCode(funName, ys, names)
	gen := &FunctionSourceGen{
		Name:           funName,
		LocalInputDim:  g.localInputDim(),
		GlobalInputDim: g.model.GlobalInputDim(),
		OutputDim:      g.model.Range(),
		Accumulation:   AccumulateNone,
	}
	code, units = g.assembleUnit(gen, body, splits)
	return code, units, nil
}
