package linalg

import (
	"fmt"
	"sort"
)

// CSR is a scalar compressed-sparse-row matrix with sorted column
// indices. The symbolic structure is frozen at construction; only the
// values change on numeric refresh.
type CSR struct {
	Rows, Cols int
	RowPtr     []int
	ColIdx     []int
	Vals       []float64
}

// NewCSR builds the structure from per-row column sets. Columns are
// sorted and deduplicated; values start at zero.
func NewCSR(rows, cols int, pattern [][]int) *CSR {
	rowPtr := make([]int, rows+1)
	var colIdx []int
	for i := 0; i < rows; i++ {
		set := append([]int(nil), pattern[i]...)
		sort.Ints(set)
		uniq := set[:0]
		for k, c := range set {
			if k == 0 || c != set[k-1] {
				uniq = append(uniq, c)
			}
		}
		colIdx = append(colIdx, uniq...)
		rowPtr[i+1] = len(colIdx)
	}
	return &CSR{
		Rows:   rows,
		Cols:   cols,
		RowPtr: rowPtr,
		ColIdx: colIdx,
		Vals:   make([]float64, len(colIdx)),
	}
}

// ZeroValues clears the numeric values, keeping the structure.
func (m *CSR) ZeroValues() {
	for i := range m.Vals {
		m.Vals[i] = 0
	}
}

// find returns the storage offset of entry (i, j), or -1 when (i, j) is
// structurally zero.
func (m *CSR) find(i, j int) int {
	lo, hi := m.RowPtr[i], m.RowPtr[i+1]
	k := lo + sort.SearchInts(m.ColIdx[lo:hi], j)
	if k < hi && m.ColIdx[k] == j {
		return k
	}
	return -1
}

// AddValue accumulates into entry (i, j). Entries outside the symbolic
// structure are an error: the structure is fixed at first assembly.
func (m *CSR) AddValue(i, j int, v float64) error {
	k := m.find(i, j)
	if k < 0 {
		return fmt.Errorf("linalg: entry (%d,%d) outside matrix structure", i, j)
	}
	m.Vals[k] += v
	return nil
}

// At returns the value of entry (i, j), zero when structurally absent.
func (m *CSR) At(i, j int) float64 {
	if k := m.find(i, j); k >= 0 {
		return m.Vals[k]
	}
	return 0
}

// SetDiagonalRow replaces row i with a one on the diagonal and zeros
// elsewhere, the identity-row treatment for constrained dofs.
func (m *CSR) SetDiagonalRow(i int) {
	for k := m.RowPtr[i]; k < m.RowPtr[i+1]; k++ {
		if m.ColIdx[k] == i {
			m.Vals[k] = 1
		} else {
			m.Vals[k] = 0
		}
	}
}

// ZeroColumn clears the values in column j across all rows.
func (m *CSR) ZeroColumn(j int) {
	for i := 0; i < m.Rows; i++ {
		if k := m.find(i, j); k >= 0 {
			m.Vals[k] = 0
		}
	}
}

// MatVec computes y = A x over the local storage. x must cover the
// column space, y the row space.
func (m *CSR) MatVec(x, y []float64) {
	for i := 0; i < m.Rows; i++ {
		sum := 0.0
		for k := m.RowPtr[i]; k < m.RowPtr[i+1]; k++ {
			sum += m.Vals[k] * x[m.ColIdx[k]]
		}
		y[i] = sum
	}
}

// MatVecAdd computes y += A x.
func (m *CSR) MatVecAdd(x, y []float64) {
	for i := 0; i < m.Rows; i++ {
		sum := 0.0
		for k := m.RowPtr[i]; k < m.RowPtr[i+1]; k++ {
			sum += m.Vals[k] * x[m.ColIdx[k]]
		}
		y[i] += sum
	}
}

// MatTransVecAdd computes y += Aᵀ x.
func (m *CSR) MatTransVecAdd(x, y []float64) {
	for i := 0; i < m.Rows; i++ {
		xi := x[i]
		if xi == 0 {
			continue
		}
		for k := m.RowPtr[i]; k < m.RowPtr[i+1]; k++ {
			y[m.ColIdx[k]] += m.Vals[k] * xi
		}
	}
}

// RowPattern returns the column indices of row i.
func (m *CSR) RowPattern(i int) []int {
	return m.ColIdx[m.RowPtr[i]:m.RowPtr[i+1]]
}

// NumNonzeros returns the structural entry count.
func (m *CSR) NumNonzeros() int { return len(m.ColIdx) }
