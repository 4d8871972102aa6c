package cuda

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionByColumn(t *testing.T) {
	rows := []int{0, 1, 0}
	cols := []int{0, 0, 2}
	p := PartitionByColumn(rows, cols, 2, 3)
	require.Len(t, p, 2)
	assert.Equal(t, []int{0, 1}, p[0])
	assert.Equal(t, []int{0}, p[2])
	assert.Equal(t, []int{0, 2}, p.Keys())
	assert.Equal(t, 3, p.NumEntries())
}

func TestPartitionRoundTrip(t *testing.T) {
	rows := []int{3, 0, 1, 2, 0, 3}
	cols := []int{1, 4, 1, 0, 0, 4}
	p := PartitionByColumn(rows, cols, 4, 5)

	// Flattening the partition back to (row, column) pairs yields the same
	// set as the input pattern.
	type entry struct{ i, j int }
	want := make(map[entry]bool)
	for k := range rows {
		want[entry{rows[k], cols[k]}] = true
	}
	got := make(map[entry]bool)
	total := 0
	for _, j := range p.Keys() {
		for _, i := range p[j] {
			got[entry{i, j}] = true
			total++
		}
	}
	assert.Equal(t, want, got)
	assert.Equal(t, len(rows), total)
	assert.Equal(t, len(rows), p.NumEntries())
}

func TestPartitionByRow(t *testing.T) {
	rows := []int{0, 1, 0}
	cols := []int{0, 0, 2}
	p := PartitionByRow(rows, cols, 2, 3)
	assert.Equal(t, []int{0, 2}, p[0])
	assert.Equal(t, []int{0}, p[1])
}

func TestPartitionValidation(t *testing.T) {
	require.Panics(t, func() { PartitionByColumn([]int{0}, []int{0, 1}, 2, 2) })
	require.Panics(t, func() { PartitionByColumn([]int{5}, []int{0}, 2, 2) })
	require.Panics(t, func() { PartitionByColumn([]int{0}, []int{-1}, 2, 2) })
}

func TestPartitionColumnsNonEmpty(t *testing.T) {
	p := PartitionByColumn([]int{0, 1, 0}, []int{0, 0, 2}, 2, 3)
	for _, j := range p.Keys() {
		assert.NotEmpty(t, p[j])
	}
}
