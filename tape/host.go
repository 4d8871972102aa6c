package tape

import (
	"sort"

	"github.com/gomlx/cudagen/cg"
	"github.com/gomlx/exceptions"
)

// Host-side reference implementation of the generated first-order forward
// driver and its dispatch contract. It exists so the drivers' semantics
// (scan, initialize, scatter-accumulate, fail-fast) can be validated without
// a CUDA toolchain; generated kernels follow the exact same contract.

// hostPartition maps column -> ordered affected rows, mirroring the element
// partition the code generator builds for dispatch.
func (m *Model) hostPartition() map[int][]int {
	sp := m.JacobianSparsity()
	elements := make(map[int][]int)
	for k, j := range sp.Cols {
		elements[j] = append(elements[j], sp.Rows[k])
	}
	return elements
}

// ForwardOneSparsityHost mirrors the generated sparsity-lookup function: it
// returns the ordered row indices for column j and their count. Columns with
// no nonzero rows yield (nil, 0).
func (m *Model) ForwardOneSparsityHost(j int) (rows []int, nnz int) {
	rows = m.hostPartition()[j]
	return rows, len(rows)
}

// DispatchHost mirrors the generated directional dispatch function for the
// sparse forward-one kernels: given a column position, it writes the
// compressed derivative values for that column's rows into out and returns 0.
// A position absent from the partition is a caller error: it returns 1 and
// performs no writes.
func (m *Model) DispatchHost(pos int, out []float64, x []float64, dx float64) int {
	rows, nnz := m.ForwardOneSparsityHost(pos)
	if nnz == 0 {
		return 1
	}
	h := cg.NewHandler()
	xs, ys := m.Trace(h)
	dxVar := h.MakeDirectionVariable()
	dys := Tangent(ys, map[*cg.Expr]*cg.Expr{xs[pos]: dxVar})
	env := &cg.Env{X: x, Direction: []float64{dx}, Calls: m.callEvaluators()}
	for e, i := range rows {
		out[e] = cg.Evaluate(dys[i], env)
	}
	return 0
}

// ForwardOneHost implements the generated per-model entry point on the host:
// tx is the packed tangent input vector (value/derivative pairs, length 2n)
// and ty the packed tangent output (length 2m). Only the derivative
// components of ty are written. The return value is 0 on success or the first
// nonzero dispatch status.
func (m *Model) ForwardOneHost(tx, ty []float64) int {
	n, mDim := m.domain, m.rangeDim
	if len(tx) != 2*n {
		exceptions.Panicf("tape: ForwardOneHost expects len(tx)=%d, got %d", 2*n, len(tx))
	}
	if len(ty) != 2*mDim {
		exceptions.Panicf("tape: ForwardOneHost expects len(ty)=%d, got %d", 2*mDim, len(ty))
	}

	// Scan for active columns, ascending.
	var active []int
	for j := 0; j < n; j++ {
		if tx[j*2+1] != 0 {
			if _, nnz := m.ForwardOneSparsityHost(j); nnz == 0 {
				continue
			}
			active = append(active, j)
		}
	}

	// Initialize output derivatives.
	for i := 0; i < mDim; i++ {
		ty[i*2+1] = 0
	}

	x := make([]float64, n)
	for j := 0; j < n; j++ {
		x[j] = tx[j*2]
	}
	compressed := make([]float64, n)

	// Apply each active column, scatter-accumulating into ty.
	for _, j := range active {
		rows, nnz := m.ForwardOneSparsityHost(j)
		if ret := m.DispatchHost(j, compressed, x, tx[j*2+1]); ret != 0 {
			return ret
		}
		for e := 0; e < nnz; e++ {
			ty[rows[e]*2+1] += compressed[e]
		}
	}
	return 0
}

// ForwardZeroHost evaluates the model's value at x.
func (m *Model) ForwardZeroHost(x []float64) []float64 {
	if len(x) != m.domain {
		exceptions.Panicf("tape: ForwardZeroHost expects len(x)=%d, got %d", m.domain, len(x))
	}
	h := cg.NewHandler()
	_, ys := m.Trace(h)
	env := &cg.Env{X: x, Calls: m.callEvaluators()}
	out := make([]float64, m.rangeDim)
	for i, y := range ys {
		out[i] = cg.Evaluate(y, env)
	}
	return out
}

// ReverseOneHost evaluates the gradient of output row i at x, weighted by py,
// as the generated reverse-one kernels compute it. The result is dense over
// the domain; entries outside the row's sparsity are zero.
func (m *Model) ReverseOneHost(i int, x []float64, py float64) []float64 {
	if i < 0 || i >= m.rangeDim {
		exceptions.Panicf("tape: ReverseOneHost row %d out of range [0, %d)", i, m.rangeDim)
	}
	h := cg.NewHandler()
	xs, ys := m.Trace(h)
	pyVar := h.MakeDirectionVariable()
	adjoints := Gradient(ys[i], pyVar, xs)
	env := &cg.Env{X: x, Direction: []float64{py}, Calls: m.callEvaluators()}
	out := make([]float64, m.domain)
	for j, adj := range adjoints {
		out[j] = cg.Evaluate(adj, env)
	}
	return out
}

// ActiveColumns returns the partition's columns in ascending order; exposed
// for tests that cross-check generated dispatch tables.
func (m *Model) ActiveColumns() []int {
	elements := m.hostPartition()
	cols := make([]int, 0, len(elements))
	for j := range elements {
		cols = append(cols, j)
	}
	sort.Ints(cols)
	return cols
}
