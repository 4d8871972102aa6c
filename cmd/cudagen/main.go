// cudagen generates CUDA derivative-evaluation sources for a set of built-in
// demo models, saves them, and optionally drives nvcc to compile them into a
// shared library.
package main

import (
	goflag "flag"
	"fmt"
	"math"
	"os"

	"github.com/gomlx/cudagen/cg"
	"github.com/gomlx/cudagen/cuda"
	"github.com/gomlx/cudagen/tape"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var (
	flagLibrary      = "pendulum"
	flagDir          = ""
	flagOptimization = 0
	flagCompile      = false
	flagDebug        = false
	flagAtomics      = false
)

func main() {
	klog.InitFlags(nil)
	rootCmd := &cobra.Command{
		Use:   "cudagen",
		Short: "Generate CUDA sparse-derivative kernels for the demo models",
		Run:   run,
	}
	rootCmd.Flags().StringVar(&flagLibrary, "library", flagLibrary, "Name of the library to generate.")
	rootCmd.Flags().StringVar(&flagDir, "dir", flagDir, "Directory for the generated sources; defaults to <library>_srcs.")
	rootCmd.Flags().IntVarP(&flagOptimization, "optimization", "O", flagOptimization, "ptxas optimization level.")
	rootCmd.Flags().BoolVar(&flagCompile, "compile", flagCompile, "Invoke nvcc to build the shared library after generating.")
	rootCmd.Flags().BoolVar(&flagDebug, "debug", flagDebug, "Add debug prints to the generated kernels.")
	rootCmd.Flags().BoolVar(&flagAtomics, "atomics", flagAtomics, "Model the contact force as an atomic call, forcing the atomic-safe strategy.")
	rootCmd.Flags().AddGoFlagSet(goflag.CommandLine)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) {
	mainModel := pendulumModel()
	processor := cuda.NewLibraryProcessor(cuda.NewModelSourceGen(mainModel), flagLibrary)
	processor.OptimizationLevel = flagOptimization
	processor.DebugMode = flagDebug
	processor.SrcDir = flagDir
	processor.AddModel(cuda.NewModelSourceGen(energyModel()), true)

	// Sparsity determination is the expensive per-model step; surface it.
	bar := progressbar.Default(int64(len(processor.Models())), "sparsity")
	for _, gen := range processor.Models() {
		gen.Model().JacobianSparsity()
		must.M(bar.Add(1))
	}

	must.M(processor.GenerateCode())
	must.M(processor.SaveSources())
	if flagCompile {
		must.M(processor.CreateLibrary())
		fmt.Printf("built %s\n", processor.LibraryFileName())
	}
}

// pendulumModel is a damped planar pendulum: inputs are the state (angle,
// angular velocity) followed by the parameters (length, damping), outputs the
// state derivative.
func pendulumModel() *tape.Model {
	const gravity = 9.81
	contact := &tape.Atomic{
		Name:  "contact_torque",
		Arity: 2,
		Eval: func(args []float64) float64 {
			if args[0] > 0 {
				return 0
			}
			return -args[1] * args[0]
		},
		Partial: func(args []float64, k int) float64 {
			if args[0] > 0 {
				return 0
			}
			if k == 0 {
				return -args[1]
			}
			return -args[0]
		},
	}
	model := tape.New("pendulum", 4, 2, func(x []*cg.Expr) []*cg.Expr {
		theta, omega, length, damping := x[0], x[1], x[2], x[3]
		torque := cg.Neg(cg.Mul(cg.Div(cg.Const(gravity), length), cg.Sin(theta)))
		if flagAtomics {
			torque = cg.Add(torque, contact.Call(theta, length))
		}
		return []*cg.Expr{
			omega,
			cg.Sub(torque, cg.Mul(damping, omega)),
		}
	})
	model.RegisterAtomic(contact)
	model.SetX([]float64{math.Pi / 4, 0, 1, 0.1})
	model.SetGlobalInputDim(2) // length and damping are shared parameters
	model.GenerateForwardZero = true
	model.GenerateSparseForwardOne = true
	model.GenerateReverseOne = true
	model.GenerateSparseJacobian = true
	return model
}

// energyModel computes the pendulum's total mechanical energy; it is compiled
// as a kernel-only fragment included by the main unit.
func energyModel() *tape.Model {
	const gravity = 9.81
	model := tape.New("pendulum_energy", 4, 1, func(x []*cg.Expr) []*cg.Expr {
		theta, omega, length := x[0], x[1], x[2]
		kinetic := cg.Mul(cg.Const(0.5), cg.Mul(cg.Mul(length, length), cg.Mul(omega, omega)))
		potential := cg.Mul(cg.Mul(cg.Const(gravity), length), cg.Sub(cg.Const(1), cg.Cos(theta)))
		return []*cg.Expr{cg.Add(kinetic, potential)}
	})
	model.KernelOnly = true
	model.GenerateForwardZero = true
	model.GenerateSparseForwardOne = true
	return model
}
