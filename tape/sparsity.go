package tape

import "github.com/gomlx/cudagen/cg"

// Sparsity holds the Jacobian sparsity pattern as parallel row/column index
// lists, enumerated row-major: ascending row, ascending column within a row.
type Sparsity struct {
	Rows []int
	Cols []int
}

// NNZ returns the number of structurally nonzero Jacobian entries.
func (s *Sparsity) NNZ() int { return len(s.Rows) }

// JacobianSparsity determines the structural Jacobian sparsity of the model
// and caches it: entry (i, j) is present when output i depends on input j
// through any path of the recorded graph. Calls (atomics) are treated
// conservatively as depending on all of their arguments.
func (m *Model) JacobianSparsity() *Sparsity {
	if m.sparsity != nil {
		return m.sparsity
	}
	h := cg.NewHandler()
	xs, ys := m.Trace(h)
	varIndex := make(map[*cg.Expr]int, len(xs))
	for j, x := range xs {
		varIndex[x] = j
	}
	deps := make(map[*cg.Expr][]bool)
	sp := &Sparsity{}
	for i, y := range ys {
		for j, depends := range dependencySet(y, m.domain, varIndex, deps) {
			if depends {
				sp.Rows = append(sp.Rows, i)
				sp.Cols = append(sp.Cols, j)
			}
		}
	}
	m.sparsity = sp
	return sp
}

func dependencySet(e *cg.Expr, n int, varIndex map[*cg.Expr]int, memo map[*cg.Expr][]bool) []bool {
	if set, ok := memo[e]; ok {
		return set
	}
	set := make([]bool, n)
	if e.Op() == cg.OpVar {
		if j, ok := varIndex[e]; ok {
			set[j] = true
		}
	} else {
		for _, arg := range e.Args() {
			for j, depends := range dependencySet(arg, n, varIndex, memo) {
				if depends {
					set[j] = true
				}
			}
		}
	}
	memo[e] = set
	return set
}

// SparseJacobian performs one symbolic sparse-Jacobian forward sweep over an
// already traced graph: for every sparsity entry k it returns the partial
// derivative expression of output sp.Rows[k] with respect to input
// sp.Cols[k], in the entry order of sp. The tangent propagation is shared per
// column, reusing one memoization structure the way the numeric sweep reuses
// its work buffer.
//
// This single-sweep path is only valid for models without atomics; the
// caller is responsible for checking AtomicsUsed first.
func (m *Model) SparseJacobian(xs, ys []*cg.Expr, sp *Sparsity) []*cg.Expr {
	byColumn := make(map[int][]int) // column -> flat entry indices
	for k, j := range sp.Cols {
		byColumn[j] = append(byColumn[j], k)
	}
	flat := make([]*cg.Expr, sp.NNZ())
	one := cg.Const(1)
	for j, entries := range byColumn {
		memo := make(map[*cg.Expr]*cg.Expr)
		seeds := map[*cg.Expr]*cg.Expr{xs[j]: one}
		for _, k := range entries {
			flat[k] = tangent(ys[sp.Rows[k]], seeds, memo)
		}
	}
	return flat
}
