package tape

import (
	"testing"

	"github.com/gomlx/cudagen/cg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForwardOneSparsityHost(t *testing.T) {
	m := testModel() // partition {0: [0, 1], 2: [0]}
	rows, nnz := m.ForwardOneSparsityHost(0)
	assert.Equal(t, []int{0, 1}, rows)
	assert.Equal(t, 2, nnz)

	rows, nnz = m.ForwardOneSparsityHost(2)
	assert.Equal(t, []int{0}, rows)
	assert.Equal(t, 1, nnz)

	rows, nnz = m.ForwardOneSparsityHost(1)
	assert.Empty(t, rows)
	assert.Zero(t, nnz)

	assert.Equal(t, []int{0, 2}, m.ActiveColumns())
}

func TestDispatchHost(t *testing.T) {
	m := testModel()
	x := []float64{2, 7, 5}
	out := []float64{-1, -1, -1}

	// Column 0 writes two compressed values: dy0/dx0 and dy1/dx0, scaled.
	require.Zero(t, m.DispatchHost(0, out, x, 3))
	assert.Equal(t, 3.0, out[0])  // 1 * 3
	assert.Equal(t, 12.0, out[1]) // 2*x0 * 3
	assert.Equal(t, -1.0, out[2]) // untouched beyond the compressed length

	// Column 2 writes one value.
	out = []float64{-1, -1, -1}
	require.Zero(t, m.DispatchHost(2, out, x, 1))
	assert.Equal(t, 1.0, out[0])
	assert.Equal(t, -1.0, out[1])

	// A position absent from the partition is a caller error: status 1, no
	// writes.
	out = []float64{-1, -1, -1}
	assert.Equal(t, 1, m.DispatchHost(1, out, x, 1))
	assert.Equal(t, []float64{-1, -1, -1}, out)
}

func TestForwardOneHostSingleActiveColumn(t *testing.T) {
	m := testModel()
	// Only index 2 carries a nonzero input tangent.
	tx := []float64{2, 0, 7, 0, 5, 4}
	ty := []float64{-1, -1, -1, -1}

	require.Zero(t, m.ForwardOneHost(tx, ty))
	// Row 0 updated once through column 2; row 1 stays zero.
	assert.Equal(t, 4.0, ty[1])
	assert.Zero(t, ty[3])
	// Primal components of ty are not written by the driver.
	assert.Equal(t, -1.0, ty[0])
	assert.Equal(t, -1.0, ty[2])
}

func TestForwardOneHostAdditivity(t *testing.T) {
	m := testModel()
	x := []float64{2, 7, 5}
	dx0, dx2 := 3.0, 4.0

	pack := func(d0, d1, d2 float64) []float64 {
		return []float64{x[0], d0, x[1], d1, x[2], d2}
	}
	both := make([]float64, 4)
	only0 := make([]float64, 4)
	only2 := make([]float64, 4)
	require.Zero(t, m.ForwardOneHost(pack(dx0, 0, dx2), both))
	require.Zero(t, m.ForwardOneHost(pack(dx0, 0, 0), only0))
	require.Zero(t, m.ForwardOneHost(pack(0, 0, dx2), only2))

	// Columns 0 and 2 share output row 0: contributions accumulate.
	assert.InDelta(t, only0[1]+only2[1], both[1], 1e-12)
	assert.InDelta(t, only0[3]+only2[3], both[3], 1e-12)
	assert.Equal(t, dx0+dx2, both[1])
}

func TestForwardOneHostNoActiveColumns(t *testing.T) {
	m := testModel()
	// Index 1 has a nonzero tangent but an empty sparsity column: it is
	// skipped and the evaluation is a successful no-op.
	tx := []float64{2, 0, 7, 9, 5, 0}
	ty := []float64{0, -1, 0, -1}
	require.Zero(t, m.ForwardOneHost(tx, ty))
	assert.Zero(t, ty[1])
	assert.Zero(t, ty[3])
}

func TestForwardOneHostValidation(t *testing.T) {
	m := testModel()
	require.Panics(t, func() { m.ForwardOneHost([]float64{1}, make([]float64, 4)) })
	require.Panics(t, func() { m.ForwardOneHost(make([]float64, 6), []float64{1}) })
}

func TestForwardZeroHost(t *testing.T) {
	m := testModel()
	got := m.ForwardZeroHost([]float64{2, 7, 5})
	assert.Equal(t, []float64{7, 4}, got)
}

func TestReverseOneHost(t *testing.T) {
	m := testModel()
	x := []float64{2, 7, 5}

	// Row 0: y0 = x0 + x2, weighted by 3.
	grad := m.ReverseOneHost(0, x, 3)
	assert.Equal(t, []float64{3, 0, 3}, grad)

	// Row 1: y1 = x0^2.
	grad = m.ReverseOneHost(1, x, 1)
	assert.Equal(t, []float64{4, 0, 0}, grad)

	require.Panics(t, func() { m.ReverseOneHost(2, x, 1) })
}

func TestHostSweepsWithAtomic(t *testing.T) {
	spring := &Atomic{
		Name:  "spring",
		Arity: 2,
		Eval:  func(args []float64) float64 { return -args[0] * args[1] },
		Partial: func(args []float64, k int) float64 {
			if k == 0 {
				return -args[1]
			}
			return -args[0]
		},
	}
	m := New("springy", 2, 1, func(x []*cg.Expr) []*cg.Expr {
		return []*cg.Expr{cg.Add(spring.Call(x[0], x[1]), x[0])}
	})
	m.RegisterAtomic(spring)
	require.True(t, m.AtomicsUsed())

	x := []float64{3, 5}
	assert.Equal(t, []float64{-15 + 3}, m.ForwardZeroHost(x))

	// d/dx0 = -x1 + 1 = -4, via the atomic's forward-one evaluator.
	out := make([]float64, 1)
	require.Zero(t, m.DispatchHost(0, out, x, 1))
	assert.Equal(t, -4.0, out[0])
}
