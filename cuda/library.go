package cuda

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/cudagen/internal/jobtimer"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LibraryProcessor aggregates the generated sources of one or more models and
// drives the external CUDA compiler to produce one loadable shared library.
//
// The model list is ordered: the last model is the library's designated main
// model, and later generation stages (main-unit assembly, model enumeration)
// depend on the complete ordered unit list, so generation is strictly
// sequential.
type LibraryProcessor struct {
	// NvccPath is the CUDA compiler executable used by CreateLibrary.
	NvccPath string

	// OptimizationLevel is passed to ptxas as -O<level>.
	OptimizationLevel int

	// DebugMode adds debug prints to every generated kernel body.
	DebugMode bool

	// SrcDir is where SaveSources persists the units; defaults to
	// "<library>_srcs" when empty.
	SrcDir string

	libraryName string
	models      []*ModelSourceGen
	sources     []SourceUnit
	genSrcs     []string
}

// NewLibraryProcessor returns a processor owning model as its main model. An
// empty libraryName defaults to the model's name. The nvcc path starts from
// the system PATH lookup when available; CreateLibrary validates it.
func NewLibraryProcessor(model *ModelSourceGen, libraryName string) *LibraryProcessor {
	if libraryName == "" {
		libraryName = model.Name()
	}
	p := &LibraryProcessor{
		NvccPath:    "/usr/bin/nvcc",
		libraryName: libraryName,
		models:      []*ModelSourceGen{model},
	}
	if path, err := exec.LookPath("nvcc"); err == nil {
		p.NvccPath = path
	}
	return p
}

// LibraryName returns the name of the library to be created.
func (p *LibraryProcessor) LibraryName() string { return p.libraryName }

// Models returns the ordered model list; the last entry is the main model.
func (p *LibraryProcessor) Models() []*ModelSourceGen { return p.models }

// Sources returns the generated units in generation order. Valid after
// GenerateCode.
func (p *LibraryProcessor) Sources() []SourceUnit { return p.sources }

// AddModel inserts a model: at the front when prepend is true, otherwise just
// before the last entry so the designated main model stays last.
func (p *LibraryProcessor) AddModel(model *ModelSourceGen, prepend bool) {
	if prepend || len(p.models) == 0 {
		p.models = append([]*ModelSourceGen{model}, p.models...)
		return
	}
	last := len(p.models) - 1
	p.models = append(p.models[:last], model, p.models[last])
}

// GenerateCode generates every unit of the library: shared utility and
// model-introspection headers first, then one unit per model and enabled
// capability, and finally the main unit including all of them in order.
// Re-running replaces all previously generated units; an unchanged
// configuration regenerates byte-identical output.
func (p *LibraryProcessor) GenerateCode() error {
	p.sources = p.sources[:0]
	p.genSrcs = p.genSrcs[:0]
	job := jobtimer.Start(fmt.Sprintf("library %q (source generation)", p.libraryName))
	defer job.Done()

	p.sources = append(p.sources, SourceUnit{Name: "util.h", Code: p.utilHeaderSource()})
	p.sources = append(p.sources, SourceUnit{Name: "model_info.h", Code: p.modelInfoHeaderSource()})

	record := func(name, code string, helpers []SourceUnit) {
		p.sources = append(p.sources, helpers...)
		p.sources = append(p.sources, SourceUnit{Name: name, Code: code})
		p.genSrcs = append(p.genSrcs, name)
	}
	for _, gen := range p.models {
		gen.AddDebugPrints = p.DebugMode
		model := gen.Model()
		extension := gen.unitExtension()
		if model.GenerateForwardZero {
			code, helpers, err := gen.ForwardZeroSource()
			if err != nil {
				return err
			}
			record(gen.Name()+"_forward_zero."+extension, code, helpers)
		}
		if model.GenerateSparseForwardOne {
			code, helpers, err := gen.ForwardOneSource()
			if err != nil {
				return err
			}
			record(gen.Name()+"_forward_one."+extension, code, helpers)
		}
		if model.GenerateReverseOne {
			code, helpers, err := gen.ReverseOneSource()
			if err != nil {
				return err
			}
			record(gen.Name()+"_reverse_one."+extension, code, helpers)
		}
		if model.GenerateJacobian {
			code, helpers, err := gen.JacobianSource()
			if err != nil {
				return err
			}
			record(gen.Name()+"_jacobian."+extension, code, helpers)
		}
		if model.GenerateSparseJacobian {
			code, helpers, err := gen.SparseJacobianSource()
			if err != nil {
				return err
			}
			record(gen.Name()+"_sparse_jacobian."+extension, code, helpers)
		}
	}

	var mainFile strings.Builder
	mainFile.WriteString("#include \"util.h\"\n")
	mainFile.WriteString("#include \"model_info.h\"\n\n")
	for _, src := range p.genSrcs {
		fmt.Fprintf(&mainFile, "#include \"%s\"\n", src)
	}
	p.sources = append(p.sources, SourceUnit{Name: p.libraryName + ".cu", Code: mainFile.String()})
	return nil
}

// SaveSources persists every generated unit verbatim into SrcDir, creating
// the directory if absent. Calling it before GenerateCode is a configuration
// error.
func (p *LibraryProcessor) SaveSources() error {
	if len(p.sources) == 0 {
		return errors.Errorf(
			"no source files have been generated yet; call GenerateCode before saving")
	}
	if p.SrcDir == "" {
		p.SrcDir = p.libraryName + "_srcs"
	}
	if err := os.MkdirAll(p.SrcDir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create source directory %q", p.SrcDir)
	}
	total := 0
	for _, unit := range p.sources {
		path := filepath.Join(p.SrcDir, unit.Name)
		if err := os.WriteFile(path, []byte(unit.Code), 0644); err != nil {
			return errors.Wrapf(err, "failed to write source file %q", path)
		}
		total += len(unit.Code)
	}
	klog.Infof("saved %d source files (%s) at %q", len(p.sources), humanize.Bytes(uint64(total)), p.SrcDir)
	return nil
}

// CreateLibrary compiles the previously saved sources into a shared library
// next to the working directory, blocking until the external compiler
// returns. A nonzero compiler exit status is a fatal build failure carrying
// that code.
func (p *LibraryProcessor) CreateLibrary() error {
	if p.NvccPath == "" {
		return errors.Errorf(
			"NVIDIA CUDA compiler (nvcc) could not be found; make sure \"nvcc\" is accessible from the system path or set NvccPath")
	}
	if _, err := os.Stat(p.NvccPath); err != nil {
		return errors.Wrapf(err, "CUDA compiler %q is not usable", p.NvccPath)
	}
	mainSource := filepath.Join(p.SrcDir, p.libraryName+".cu")
	args := []string{
		fmt.Sprintf("--ptxas-options=-O%d,-v", p.OptimizationLevel),
		"--ptxas-options=-v",
		"-rdc=true",
	}
	if runtime.GOOS != "windows" {
		args = append(args, "--compiler-options", "-fPIC")
	}
	args = append(args, "-o", p.LibraryFileName(), "--shared", mainSource)

	cmd := exec.Command(p.NvccPath, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	klog.Infof("compiling CUDA library: %s", cmd)
	job := jobtimer.Start(fmt.Sprintf("library %q (nvcc)", p.libraryName))
	err := cmd.Run()
	elapsed := job.Done()
	klog.Infof("CUDA compilation process terminated after %s", elapsed)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return errors.Errorf("CUDA compilation failed with return code %d", exitErr.ExitCode())
		}
		return errors.Wrapf(err, "failed to run %q", cmd)
	}
	return nil
}

// LibraryFileName returns the platform-specific name of the compiled library.
func (p *LibraryProcessor) LibraryFileName() string {
	if runtime.GOOS == "windows" {
		return p.libraryName + ".dll"
	}
	return p.libraryName + ".so"
}

// utilHeaderSource emits the shared utility header: the numeric base type,
// the export macro, the kernel meta-data struct and the checked allocator
// used by all generated units.
func (p *LibraryProcessor) utilHeaderSource() string {
	var code strings.Builder
	code.WriteString("#ifndef CUDA_UTILS_H\n#define CUDA_UTILS_H\n\n")
	code.WriteString("#include <math.h>\n#include <stdio.h>\n#include <string.h>\n\n")
	fmt.Fprintf(&code, "typedef %s Float;\n\n", p.models[0].Model().BaseTypeName())
	code.WriteString(`#ifdef _WIN32
#define MODULE_API __declspec(dllexport)
#else
#define MODULE_API
#endif

struct CudaFunctionMetaData {
  int output_dim;
  int local_input_dim;
  int global_input_dim;
  bool accumulated_output;
};

void allocate(void **x, size_t size) {
  cudaError status = cudaMallocHost(x, size);
  if (status != cudaSuccess) {
    fprintf(stderr, "Error %i (%s) while allocating %zu units of CUDA memory: %s.\n",
            status, cudaGetErrorName(status), size, cudaGetErrorString(status));
    exit((int)status);
  }
}

#endif  // CUDA_UTILS_H`)
	return code.String()
}

// modelInfoHeaderSource emits the runtime introspection surface: a callable
// returning the names and count of the library's non-kernel-only models.
func (p *LibraryProcessor) modelInfoHeaderSource() string {
	var accessible []string
	for _, gen := range p.models {
		if !gen.Model().KernelOnly {
			accessible = append(accessible, gen.Name())
		}
	}
	var code strings.Builder
	code.WriteString("#ifndef MODEL_INFO_H\n#define MODEL_INFO_H\n\n")
	code.WriteString("extern \"C\" {\n")
	code.WriteString("MODULE_API void model_info(char const *const **names, int *count) {\n")
	code.WriteString("  static const char *const models[] = {\n")
	for i, name := range accessible {
		fmt.Fprintf(&code, "    %q", name)
		if i < len(accessible)-1 {
			code.WriteString(",")
		}
		code.WriteString("\n")
	}
	code.WriteString("  };\n")
	code.WriteString("  *names = models;\n")
	fmt.Fprintf(&code, "  *count = %d;\n}\n", len(accessible))
	code.WriteString("}\n")
	code.WriteString("#endif  // MODEL_INFO_H\n")
	return code.String()
}
