// Package cuda generates CUDA source code for sparse derivative evaluation of
// recorded models and assembles the generated units into a compilable shared
// library.
//
// The pipeline is strictly sequential: sparsity is partitioned by input
// variable, each partition column yields one kernel translation unit, the
// columns are tied together by a dispatch function and a sparsity-lookup
// table, and a driver function applies the compressed per-column kernels to a
// full tangent vector. The LibraryProcessor aggregates the units of one or
// more models and drives nvcc to produce a loadable library.
package cuda

import (
	"sort"

	"github.com/gomlx/exceptions"
)

// Partition maps an input variable (column) to the ordered list of output
// rows with a structurally nonzero derivative for it. Columns without nonzero
// rows have no entry. Row order within a column follows the sparsity
// enumeration order and determines the compressed-output layout used by the
// generated dispatch.
type Partition map[int][]int

// PartitionByColumn regroups a flat sparsity pattern by column, preserving
// the encounter order of rows. Out-of-range indices are a programming error
// and panic.
func PartitionByColumn(rows, cols []int, numRows, numCols int) Partition {
	if len(rows) != len(cols) {
		exceptions.Panicf("cuda: sparsity has %d rows but %d cols", len(rows), len(cols))
	}
	p := make(Partition)
	for k, j := range cols {
		i := rows[k]
		if i < 0 || i >= numRows || j < 0 || j >= numCols {
			exceptions.Panicf("cuda: sparsity entry (%d, %d) outside [0,%d)x[0,%d)", i, j, numRows, numCols)
		}
		p[j] = append(p[j], i)
	}
	return p
}

// PartitionByRow regroups a flat sparsity pattern by row, used by the
// reverse-one generator. Column order within a row preserves encounter order.
func PartitionByRow(rows, cols []int, numRows, numCols int) Partition {
	return PartitionByColumn(cols, rows, numCols, numRows)
}

// Keys returns the partition's indices in ascending order, which is the
// deterministic iteration order of every generator in this package.
func (p Partition) Keys() []int {
	keys := make([]int, 0, len(p))
	for j := range p {
		keys = append(keys, j)
	}
	sort.Ints(keys)
	return keys
}

// NumEntries returns the total entry count across all partition keys; it
// always equals the size of the originating sparsity pattern.
func (p Partition) NumEntries() int {
	total := 0
	for _, rows := range p {
		total += len(rows)
	}
	return total
}
