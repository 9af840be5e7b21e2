package linalg

import (
	"fmt"
	"math"
)

// FactorizationError reports a numerically singular pivot encountered
// during factorization.
type FactorizationError struct {
	Row   int
	Pivot float64
}

func (e *FactorizationError) Error() string {
	return fmt.Sprintf("linalg: singular pivot %.3e at row %d", e.Pivot, e.Row)
}

// ExactFill requests a complete LU factorization: fill entries of every
// level are admitted, making the triangular solves exact.
const ExactFill = math.MaxInt32

const pivotTol = 1e-14

// SparseLU is a level-of-fill incomplete LU factorization of a square
// CSR matrix, stored as merged L (strict lower, unit diagonal implied)
// and U (upper including diagonal) on a shared symbolic pattern. With
// fill level ExactFill the factorization is complete.
//
// The symbolic pattern is computed once; Refactor updates the numeric
// values for new matrix entries on the same structure.
type SparseLU struct {
	n      int
	fill   int
	rowPtr []int
	colIdx []int
	level  []int
	vals   []float64
	diag   []int // offset of the diagonal entry per row
}

// NewSparseLU computes the symbolic factorization of the pattern of a
// with the given level of fill.
func NewSparseLU(a *CSR, fillLevel int) *SparseLU {
	if a.Rows != a.Cols {
		panic(fmt.Sprintf("linalg: LU of non-square matrix %dx%d", a.Rows, a.Cols))
	}
	n := a.Rows
	f := &SparseLU{n: n, fill: fillLevel}

	// Row-by-row symbolic elimination tracking fill levels. Entries with
	// level greater than fillLevel are dropped.
	rows := make([][]int, n)   // column indices per factor row
	levels := make([][]int, n) // matching fill levels

	lvl := make(map[int]int, 4*n) // working row: col -> level
	for i := 0; i < n; i++ {
		for k := range lvl {
			delete(lvl, k)
		}
		for _, j := range a.RowPattern(i) {
			lvl[j] = 0
		}
		if _, ok := lvl[i]; !ok {
			lvl[i] = 0 // diagonals are always structural
		}

		// eliminate using prior rows in increasing column order
		for {
			// next unprocessed column k < i with minimal index
			k := -1
			for c := range lvl {
				if c < i && (k < 0 || c < k) && !processed(c, lvl) {
					k = c
				}
			}
			if k < 0 {
				break
			}
			markProcessed(k, lvl)
			lk := baseLevel(lvl[k])
			for idx, j := range rows[k] {
				if j <= k {
					continue
				}
				newLevel := lk + levels[k][idx] + 1
				if cur, ok := lvl[j]; ok {
					if newLevel < baseLevel(cur) {
						setLevel(j, newLevel, lvl)
					}
				} else if newLevel <= f.fill {
					lvl[j] = newLevel
				}
			}
		}

		cols := make([]int, 0, len(lvl))
		for c := range lvl {
			cols = append(cols, c)
		}
		sortInts(cols)
		lv := make([]int, len(cols))
		for idx, c := range cols {
			lv[idx] = baseLevel(lvl[c])
		}
		rows[i] = cols
		levels[i] = lv
	}

	f.rowPtr = make([]int, n+1)
	f.diag = make([]int, n)
	for i := 0; i < n; i++ {
		di := -1
		for idx, c := range rows[i] {
			if c == i {
				di = len(f.colIdx) + idx
			}
		}
		f.diag[i] = di
		f.colIdx = append(f.colIdx, rows[i]...)
		f.level = append(f.level, levels[i]...)
		f.rowPtr[i+1] = len(f.colIdx)
	}
	f.vals = make([]float64, len(f.colIdx))
	return f
}

// processed/markProcessed/baseLevel/setLevel encode a "visited" bit in
// the level map during symbolic elimination.
const processedBit = 1 << 30

func processed(c int, lvl map[int]int) bool  { return lvl[c]&processedBit != 0 }
func markProcessed(c int, lvl map[int]int)   { lvl[c] |= processedBit }
func baseLevel(v int) int                    { return v &^ processedBit }
func setLevel(c, v int, lvl map[int]int)     { lvl[c] = v | (lvl[c] & processedBit) }

func sortInts(s []int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// Refactor computes the numeric factorization of a on the symbolic
// pattern. It fails with FactorizationError on a zero or near-zero
// pivot.
func (f *SparseLU) Refactor(a *CSR) error {
	work := make([]float64, f.n)
	inPattern := make([]int, f.n)
	for i := range inPattern {
		inPattern[i] = -1
	}

	for i := 0; i < f.n; i++ {
		lo, hi := f.rowPtr[i], f.rowPtr[i+1]
		for k := lo; k < hi; k++ {
			work[f.colIdx[k]] = 0
			inPattern[f.colIdx[k]] = k
		}
		for _, j := range a.RowPattern(i) {
			if inPattern[j] >= 0 {
				work[j] = a.At(i, j)
			}
		}

		// IKJ elimination restricted to the factor pattern
		for k := lo; k < hi; k++ {
			c := f.colIdx[k]
			if c >= i {
				break
			}
			piv := f.vals[f.diag[c]]
			mult := work[c] / piv
			work[c] = mult
			for kk := f.diag[c] + 1; kk < f.rowPtr[c+1]; kk++ {
				j := f.colIdx[kk]
				if inPattern[j] >= 0 {
					work[j] -= mult * f.vals[kk]
				}
			}
		}

		if f.diag[i] < 0 {
			return &FactorizationError{Row: i, Pivot: 0}
		}
		if p := work[i]; math.Abs(p) < pivotTol {
			return &FactorizationError{Row: i, Pivot: p}
		}

		for k := lo; k < hi; k++ {
			f.vals[k] = work[f.colIdx[k]]
			inPattern[f.colIdx[k]] = -1
		}
	}
	return nil
}

// Solve computes x = (LU)⁻¹ b by forward and backward substitution.
// b and x may alias.
func (f *SparseLU) Solve(b, x []float64) {
	if &b[0] != &x[0] {
		copy(x, b)
	}
	// L solve (unit diagonal)
	for i := 0; i < f.n; i++ {
		sum := x[i]
		for k := f.rowPtr[i]; k < f.rowPtr[i+1]; k++ {
			c := f.colIdx[k]
			if c >= i {
				break
			}
			sum -= f.vals[k] * x[c]
		}
		x[i] = sum
	}
	// U solve
	for i := f.n - 1; i >= 0; i-- {
		sum := x[i]
		for k := f.diag[i] + 1; k < f.rowPtr[i+1]; k++ {
			sum -= f.vals[k] * x[f.colIdx[k]]
		}
		x[i] = sum / f.vals[f.diag[i]]
	}
}

// SolveTranspose computes x = (LU)⁻ᵀ b, the transpose solve used on the
// adjoint path: Uᵀ is forward-substituted, then Lᵀ backward.
func (f *SparseLU) SolveTranspose(b, x []float64) {
	if &b[0] != &x[0] {
		copy(x, b)
	}
	// Uᵀ solve (lower triangular with diagonal)
	for i := 0; i < f.n; i++ {
		x[i] /= f.vals[f.diag[i]]
		xi := x[i]
		for k := f.diag[i] + 1; k < f.rowPtr[i+1]; k++ {
			x[f.colIdx[k]] -= f.vals[k] * xi
		}
	}
	// Lᵀ solve (unit upper triangular)
	for i := f.n - 1; i >= 0; i-- {
		xi := x[i]
		for k := f.rowPtr[i]; k < f.rowPtr[i+1]; k++ {
			c := f.colIdx[k]
			if c >= i {
				break
			}
			x[c] -= f.vals[k] * xi
		}
	}
}
