package cuda

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func emitFullUnit(g *FunctionSourceGen, body string, kernelOnly bool) string {
	var w strings.Builder
	if !kernelOnly {
		g.EmitHeader(&w)
	}
	g.EmitKernel(&w, body, kernelOnly)
	if !kernelOnly {
		g.EmitAllocationFunctions(&w)
		g.EmitSendFunctions(&w)
		g.EmitKernelLaunch(&w)
	}
	return w.String()
}

func TestFunctionSourceGenStandalone(t *testing.T) {
	g := &FunctionSourceGen{
		Name:          "f_forward_zero",
		LocalInputDim: 3,
		OutputDim:     2,
		Accumulation:  AccumulateNone,
	}
	code := emitFullUnit(g, "   y[0] = x[0];\n", false)

	// Full exported surface.
	assert.Contains(t, code, "MODULE_API CudaFunctionMetaData f_forward_zero_meta();")
	assert.Contains(t, code, "MODULE_API void f_forward_zero_allocate(int num_total_threads);")
	assert.Contains(t, code, "MODULE_API void f_forward_zero_deallocate();")
	assert.Contains(t, code, "MODULE_API void f_forward_zero_send_local(int num_total_threads, const Float *input);")
	assert.NotContains(t, code, "send_global")
	assert.NotContains(t, code, "send_direction")

	// Device function and per-thread kernel wrapper.
	assert.Contains(t, code, "void f_forward_zero(Float *const *out,")
	assert.Contains(t, code, "Float *y = out[0];")
	assert.Contains(t, code, "const Float *x = in[0];")
	assert.Contains(t, code, "__global__\nvoid f_forward_zero_kernel(")
	assert.Contains(t, code, "const int ti = blockIdx.x * blockDim.x + threadIdx.x;")
	assert.Contains(t, code, "in[0] = &local_input[ti * 3];")
	assert.Contains(t, code, "out[0] = &output[ti * 2];")
	assert.NotContains(t, code, "atomicAdd")

	// Meta-data and launch wrapper.
	assert.Contains(t, code, "data.output_dim = 2;")
	assert.Contains(t, code, "data.local_input_dim = 3;")
	assert.Contains(t, code, "data.accumulated_output = false;")
	assert.Contains(t, code, "f_forward_zero_kernel<<<num_blocks, num_threads_per_block>>>")
	assert.Contains(t, code, "cudaDeviceSynchronize();")
}

func TestFunctionSourceGenKernelOnly(t *testing.T) {
	g := &FunctionSourceGen{
		Name:          "f_forward_zero",
		LocalInputDim: 3,
		OutputDim:     2,
	}
	code := emitFullUnit(g, "   y[0] = x[0];\n", true)

	// Nothing but the device function.
	assert.Contains(t, code, "__device__\nvoid f_forward_zero(")
	assert.NotContains(t, code, "MODULE_API")
	assert.NotContains(t, code, "__global__")
	assert.NotContains(t, code, `extern "C"`)
	assert.NotContains(t, code, "cudaMemcpy")
}

func TestFunctionSourceGenForwardOne(t *testing.T) {
	g := &FunctionSourceGen{
		Name:          "f_sparse_forward_one_indep0",
		LocalInputDim: 3,
		OutputDim:     2,
		IsForwardOne:  true,
	}
	code := emitFullUnit(g, "   dy[0] = dx[0];\n", false)

	// The second input buffer is the direction.
	assert.Contains(t, code, "Float *dy = out[0];")
	assert.Contains(t, code, "const Float *dx = in[1];")
	assert.Contains(t, code, "MODULE_API void f_sparse_forward_one_indep0_send_direction(")
	assert.Contains(t, code, "in[1] = &direction[ti];")
	assert.NotContains(t, code, "send_global")
}

func TestFunctionSourceGenReverseOne(t *testing.T) {
	g := &FunctionSourceGen{
		Name:          "f_sparse_reverse_one_dep0",
		LocalInputDim: 3,
		OutputDim:     3,
		IsReverseOne:  true,
	}
	code := emitFullUnit(g, "   dw[0] = py[0];\n", false)

	assert.Contains(t, code, "Float *dw = out[0];")
	assert.Contains(t, code, "const Float *py = in[1];")
	assert.Contains(t, code, "send_direction")
}

func TestFunctionSourceGenGlobalInput(t *testing.T) {
	g := &FunctionSourceGen{
		Name:           "f_forward_zero",
		LocalInputDim:  2,
		GlobalInputDim: 1,
		OutputDim:      2,
	}
	code := emitFullUnit(g, "   y[0] = x[0] + p[0];\n", false)

	assert.Contains(t, code, "const Float *p = in[1];")
	assert.Contains(t, code, "MODULE_API void f_forward_zero_send_global(const Float *input);")
	assert.Contains(t, code, "in[1] = global_input;")
	assert.Contains(t, code, "data.global_input_dim = 1;")
}

func TestFunctionSourceGenAccumulated(t *testing.T) {
	g := &FunctionSourceGen{
		Name:          "f_forward_zero",
		LocalInputDim: 3,
		OutputDim:     2,
		Accumulation:  AccumulateSum,
	}
	code := emitFullUnit(g, "   y[0] = x[0];\n", false)

	// Accumulated kernels go through a local buffer and atomicAdd.
	assert.Contains(t, code, "Float acc[2];")
	assert.Contains(t, code, "atomicAdd(&output[e], acc[e]);")
	assert.Contains(t, code, "data.accumulated_output = true;")
	// Output buffer holds one vector, not one per thread.
	assert.Contains(t, code, "allocate((void **)&dev_f_forward_zero_output, 2 * sizeof(Float));")
	assert.NotContains(t, code, "output[e] /= (Float)num_total_threads;")
}

func TestFunctionSourceGenMean(t *testing.T) {
	g := &FunctionSourceGen{
		Name:          "f_forward_zero",
		LocalInputDim: 3,
		OutputDim:     2,
		Accumulation:  AccumulateMean,
	}
	code := emitFullUnit(g, "   y[0] = x[0];\n", false)
	assert.Contains(t, code, "output[e] /= (Float)num_total_threads;")
}
