package cuda

import (
	"fmt"
	"strings"

	"github.com/gomlx/cudagen/cg"
)

// Accumulation selects how the standalone kernel combines per-thread outputs.
type Accumulation int

const (
	// AccumulateNone writes each work item's output to its own slot.
	AccumulateNone Accumulation = iota
	// AccumulateSum adds all work items' outputs into one output vector.
	AccumulateSum
	// AccumulateMean behaves like AccumulateSum and divides by the number of
	// work items after the copy back to the host.
	AccumulateMean
)

// FunctionSourceGen parameterizes the assembly of one raw expression body
// into a complete kernel translation unit: exported header, kernel entry
// point, memory allocation and transfer helpers, and a launch wrapper. For
// kernel-only units only the device function itself is emitted; the enclosing
// aggregate unit owns the remaining responsibilities.
type FunctionSourceGen struct {
	Name           string
	LocalInputDim  int
	GlobalInputDim int
	OutputDim      int
	Accumulation   Accumulation

	// IsForwardOne marks first-order forward kernels, whose second input
	// buffer holds the direction ("dx") instead of global data.
	IsForwardOne bool

	// IsReverseOne marks first-order reverse kernels, whose second input
	// buffer holds the output adjoint ("py").
	IsReverseOne bool
}

func (g *FunctionSourceGen) accumulated() bool {
	return g.Accumulation != AccumulateNone
}

// secondInput returns the alias name of in[1] inside the device function, or
// "" when the function has no second input buffer.
func (g *FunctionSourceGen) secondInput() string {
	switch {
	case g.IsForwardOne:
		return "dx"
	case g.IsReverseOne:
		return "py"
	case g.GlobalInputDim > 0:
		return "p"
	}
	return ""
}

func (g *FunctionSourceGen) outputName() string {
	switch {
	case g.IsForwardOne:
		return "dy"
	case g.IsReverseOne:
		return "dw"
	}
	return "y"
}

// EmitHeader writes the exported declarations of the unit.
func (g *FunctionSourceGen) EmitHeader(w *strings.Builder) {
	fmt.Fprintf(w, "extern \"C\" {\n")
	fmt.Fprintf(w, "MODULE_API CudaFunctionMetaData %s_meta();\n", g.Name)
	fmt.Fprintf(w, "MODULE_API void %s_allocate(int num_total_threads);\n", g.Name)
	fmt.Fprintf(w, "MODULE_API void %s_deallocate();\n", g.Name)
	fmt.Fprintf(w, "MODULE_API void %s_send_local(int num_total_threads, const Float *input);\n", g.Name)
	if g.GlobalInputDim > 0 {
		fmt.Fprintf(w, "MODULE_API void %s_send_global(const Float *input);\n", g.Name)
	}
	if g.IsForwardOne || g.IsReverseOne {
		fmt.Fprintf(w, "MODULE_API void %s_send_direction(int num_total_threads, const Float *input);\n", g.Name)
	}
	fmt.Fprintf(w, "MODULE_API void %s(int num_total_threads, int num_blocks, int num_threads_per_block, Float *output);\n", g.Name)
	fmt.Fprintf(w, "}\n\n")
}

// EmitKernel writes the device function wrapping body and, unless kernelOnly,
// the __global__ kernel entry point that maps one thread per work item.
func (g *FunctionSourceGen) EmitKernel(w *strings.Builder, body string, kernelOnly bool) {
	w.WriteString("__device__\n")
	cg.PrintFunctionDeclaration(w, "void", g.Name,
		[]string{"Float *const *out", "Float const *const *in"})
	w.WriteString(" {\n")
	fmt.Fprintf(w, "   Float *%s = out[0];\n", g.outputName())
	fmt.Fprintf(w, "   const Float *x = in[0];\n")
	if second := g.secondInput(); second != "" {
		fmt.Fprintf(w, "   const Float *%s = in[1];\n", second)
	}
	w.WriteString(body)
	w.WriteString("}\n\n")

	if kernelOnly {
		return
	}

	args := "const int num_total_threads, Float *output, const Float *local_input"
	switch {
	case g.IsForwardOne || g.IsReverseOne:
		args += ", const Float *direction"
	case g.GlobalInputDim > 0:
		args += ", const Float *global_input"
	}
	fmt.Fprintf(w, "__global__\nvoid %s_kernel(%s) {\n", g.Name, args)
	w.WriteString("   const int ti = blockIdx.x * blockDim.x + threadIdx.x;\n")
	w.WriteString("   if (ti >= num_total_threads) return;\n")
	w.WriteString("   const Float *in[2];\n")
	w.WriteString("   Float *out[1];\n")
	fmt.Fprintf(w, "   in[0] = &local_input[ti * %d];\n", g.LocalInputDim)
	switch {
	case g.IsForwardOne || g.IsReverseOne:
		w.WriteString("   in[1] = &direction[ti];\n")
	case g.GlobalInputDim > 0:
		w.WriteString("   in[1] = global_input;\n")
	}
	if g.accumulated() {
		fmt.Fprintf(w, "   Float acc[%d];\n", g.OutputDim)
		w.WriteString("   out[0] = acc;\n")
	} else {
		fmt.Fprintf(w, "   out[0] = &output[ti * %d];\n", g.OutputDim)
	}
	fmt.Fprintf(w, "   %s(out, in);\n", g.Name)
	if g.accumulated() {
		fmt.Fprintf(w, "   for (int e = 0; e < %d; e++) {\n", g.OutputDim)
		w.WriteString("      atomicAdd(&output[e], acc[e]);\n")
		w.WriteString("   }\n")
	}
	w.WriteString("}\n\n")
}

// EmitAllocationFunctions writes the device buffer definitions and the
// allocate/deallocate helpers of the unit.
func (g *FunctionSourceGen) EmitAllocationFunctions(w *strings.Builder) {
	fmt.Fprintf(w, "Float *dev_%s_output = NULL;\n", g.Name)
	fmt.Fprintf(w, "Float *dev_%s_local_input = NULL;\n", g.Name)
	if g.GlobalInputDim > 0 {
		fmt.Fprintf(w, "Float *dev_%s_global_input = NULL;\n", g.Name)
	}
	if g.IsForwardOne || g.IsReverseOne {
		fmt.Fprintf(w, "Float *dev_%s_direction = NULL;\n", g.Name)
	}
	w.WriteString("\nextern \"C\" {\n")
	fmt.Fprintf(w, "MODULE_API void %s_allocate(int num_total_threads) {\n", g.Name)
	if g.accumulated() {
		fmt.Fprintf(w, "   allocate((void **)&dev_%s_output, %d * sizeof(Float));\n", g.Name, g.OutputDim)
	} else {
		fmt.Fprintf(w, "   allocate((void **)&dev_%s_output, num_total_threads * %d * sizeof(Float));\n", g.Name, g.OutputDim)
	}
	fmt.Fprintf(w, "   allocate((void **)&dev_%s_local_input, num_total_threads * %d * sizeof(Float));\n", g.Name, g.LocalInputDim)
	if g.GlobalInputDim > 0 {
		fmt.Fprintf(w, "   allocate((void **)&dev_%s_global_input, %d * sizeof(Float));\n", g.Name, g.GlobalInputDim)
	}
	if g.IsForwardOne || g.IsReverseOne {
		fmt.Fprintf(w, "   allocate((void **)&dev_%s_direction, num_total_threads * sizeof(Float));\n", g.Name)
	}
	w.WriteString("}\n\n")
	fmt.Fprintf(w, "MODULE_API void %s_deallocate() {\n", g.Name)
	w.WriteString("   cudaFreeHost(dev_" + g.Name + "_output);\n")
	w.WriteString("   cudaFreeHost(dev_" + g.Name + "_local_input);\n")
	if g.GlobalInputDim > 0 {
		w.WriteString("   cudaFreeHost(dev_" + g.Name + "_global_input);\n")
	}
	if g.IsForwardOne || g.IsReverseOne {
		w.WriteString("   cudaFreeHost(dev_" + g.Name + "_direction);\n")
	}
	w.WriteString("}\n")
	w.WriteString("}\n\n")
}

// EmitSendFunctions writes the host-to-device transfer helpers of the unit.
func (g *FunctionSourceGen) EmitSendFunctions(w *strings.Builder) {
	w.WriteString("extern \"C\" {\n")
	fmt.Fprintf(w, "MODULE_API void %s_send_local(int num_total_threads, const Float *input) {\n", g.Name)
	fmt.Fprintf(w, "   const size_t size = num_total_threads * %d * sizeof(Float);\n", g.LocalInputDim)
	fmt.Fprintf(w, "   cudaMemcpy(dev_%s_local_input, input, size, cudaMemcpyHostToDevice);\n", g.Name)
	w.WriteString("}\n")
	if g.GlobalInputDim > 0 {
		fmt.Fprintf(w, "\nMODULE_API void %s_send_global(const Float *input) {\n", g.Name)
		fmt.Fprintf(w, "   cudaMemcpy(dev_%s_global_input, input, %d * sizeof(Float), cudaMemcpyHostToDevice);\n",
			g.Name, g.GlobalInputDim)
		w.WriteString("}\n")
	}
	if g.IsForwardOne || g.IsReverseOne {
		fmt.Fprintf(w, "\nMODULE_API void %s_send_direction(int num_total_threads, const Float *input) {\n", g.Name)
		fmt.Fprintf(w, "   cudaMemcpy(dev_%s_direction, input, num_total_threads * sizeof(Float), cudaMemcpyHostToDevice);\n", g.Name)
		w.WriteString("}\n")
	}
	w.WriteString("}\n\n")
}

// EmitKernelLaunch writes the meta-data accessor and the host-side launch
// wrapper that runs the kernel and copies the result back.
func (g *FunctionSourceGen) EmitKernelLaunch(w *strings.Builder) {
	w.WriteString("extern \"C\" {\n")
	fmt.Fprintf(w, "MODULE_API CudaFunctionMetaData %s_meta() {\n", g.Name)
	w.WriteString("   CudaFunctionMetaData data;\n")
	fmt.Fprintf(w, "   data.output_dim = %d;\n", g.OutputDim)
	fmt.Fprintf(w, "   data.local_input_dim = %d;\n", g.LocalInputDim)
	fmt.Fprintf(w, "   data.global_input_dim = %d;\n", g.GlobalInputDim)
	fmt.Fprintf(w, "   data.accumulated_output = %t;\n", g.accumulated())
	w.WriteString("   return data;\n}\n\n")

	fmt.Fprintf(w, "MODULE_API void %s(int num_total_threads, int num_blocks, int num_threads_per_block, Float *output) {\n", g.Name)
	lastArg := ""
	switch {
	case g.IsForwardOne || g.IsReverseOne:
		lastArg = fmt.Sprintf(", dev_%s_direction", g.Name)
	case g.GlobalInputDim > 0:
		lastArg = fmt.Sprintf(", dev_%s_global_input", g.Name)
	}
	fmt.Fprintf(w, "   %s_kernel<<<num_blocks, num_threads_per_block>>>(num_total_threads, dev_%s_output, dev_%s_local_input%s);\n",
		g.Name, g.Name, g.Name, lastArg)
	w.WriteString("   cudaDeviceSynchronize();\n")
	w.WriteString("   cudaError status = cudaGetLastError();\n")
	w.WriteString("   if (status != cudaSuccess) {\n")
	fmt.Fprintf(w, "      fprintf(stderr, \"Error %%i (%%s) while executing kernel %s: %%s.\\n\",\n", g.Name)
	w.WriteString("              status, cudaGetErrorName(status), cudaGetErrorString(status));\n")
	w.WriteString("      exit((int)status);\n")
	w.WriteString("   }\n")
	if g.accumulated() {
		fmt.Fprintf(w, "   const size_t size = %d * sizeof(Float);\n", g.OutputDim)
	} else {
		fmt.Fprintf(w, "   const size_t size = num_total_threads * %d * sizeof(Float);\n", g.OutputDim)
	}
	fmt.Fprintf(w, "   cudaMemcpy(output, dev_%s_output, size, cudaMemcpyDeviceToHost);\n", g.Name)
	if g.Accumulation == AccumulateMean {
		fmt.Fprintf(w, "   for (int e = 0; e < %d; e++) {\n", g.OutputDim)
		w.WriteString("      output[e] /= (Float)num_total_threads;\n")
		w.WriteString("   }\n")
	}
	w.WriteString("}\n")
	w.WriteString("}\n\n")
}
