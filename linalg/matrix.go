package linalg

import (
	"fmt"
)

// Operator is the matrix contract the Krylov solvers depend on: a
// distributed matrix-vector product and its transpose. Mult may refresh
// the ghost entries of x as a side effect of the scatter phase.
type Operator interface {
	Layout() *Layout
	Mult(x, y *DistVector) error
	MultTranspose(x, y *DistVector) error
}

// Preconditioner is the contract shared by the domain-decomposition
// preconditioners: a numeric refactorization against the current matrix
// values, and forward/transpose applications of the factorization.
type Preconditioner interface {
	Factor() error
	ApplyFactor(b, x *DistVector) error
	ApplyFactorTranspose(b, x *DistVector) error
}

// OverlapMat stores, per rank, the full local row block over owned and
// ghost dofs. Rows of ghost dofs hold this rank's element contributions
// redundantly; global consistency is recovered in the matvec by reducing
// ghost-row results into owners. This is the matrix format backing the
// Schwarz and approximate-Schur pairings.
type OverlapMat struct {
	layout *Layout
	local  *CSR
}

// NewOverlapMat builds the symbolic structure from the element dof
// lists: entry (i, j) is structural when dofs i and j share an element.
// The structure is frozen after this call; assembly only refreshes
// values.
func NewOverlapMat(l *Layout, elemDofs [][]int) *OverlapMat {
	nl := l.NumLocal()
	pattern := make([][]int, nl)
	for i := 0; i < nl; i++ {
		pattern[i] = []int{i}
	}
	for _, dofs := range elemDofs {
		for _, i := range dofs {
			pattern[i] = append(pattern[i], dofs...)
		}
	}
	return &OverlapMat{layout: l, local: NewCSR(nl, nl, pattern)}
}

func (m *OverlapMat) Layout() *Layout { return m.layout }

// LocalBlock exposes the overlapping local block for Schwarz-style
// subdomain factorizations.
func (m *OverlapMat) LocalBlock() *CSR { return m.local }

// ZeroValues clears the numeric values for reassembly.
func (m *OverlapMat) ZeroValues() { m.local.ZeroValues() }

// AddValues accumulates a dense element block at the given local dofs,
// row-major in vals.
func (m *OverlapMat) AddValues(dofs []int, vals []float64) error {
	n := len(dofs)
	if len(vals) != n*n {
		return fmt.Errorf("linalg: element block %d values for %d dofs", len(vals), n)
	}
	for a, i := range dofs {
		for b, j := range dofs {
			if err := m.local.AddValue(i, j, vals[a*n+b]); err != nil {
				return err
			}
		}
	}
	return nil
}

// ApplyIdentityRow enforces a constrained dof: the row becomes zero off
// the diagonal and one on it when this rank owns the dof, and all-zero
// on ranks that only ghost it, so the reduced global row is the identity.
// The matching column is zeroed locally on every rank.
func (m *OverlapMat) ApplyIdentityRow(dof int) {
	owned := dof < m.layout.OwnedDofs
	if owned {
		m.local.SetDiagonalRow(dof)
	} else {
		zeroRow(m.local, dof)
	}
	m.local.ZeroColumn(dof)
	if owned {
		// the column zeroing above also cleared the diagonal
		if k := m.local.find(dof, dof); k >= 0 {
			m.local.Vals[k] = 1
		}
	}
}

// Mult computes the globally consistent y = A x: scatter x so ghosts are
// current, multiply the full local block, then reduce ghost-row results
// into their owners.
func (m *OverlapMat) Mult(x, y *DistVector) error {
	if err := x.Scatter(); err != nil {
		return err
	}
	m.local.MatVec(x.Values(), y.Values())
	return y.Reduce()
}

// MultTranspose computes y = Aᵀ x by the same decomposition: each rank
// applies its local transpose block, then ghost contributions reduce to
// owners.
func (m *OverlapMat) MultTranspose(x, y *DistVector) error {
	if err := x.Scatter(); err != nil {
		return err
	}
	yv := y.Values()
	for i := range yv {
		yv[i] = 0
	}
	m.local.MatTransVecAdd(x.Values(), yv)
	return y.Reduce()
}

// SchurMat partitions the owned dofs into interior and interface blocks
// and keeps the interface coupling explicit:
//
//	| B  E | interior
//	| F  C | interface
//
// Interior dofs couple only to local elements, so B is exact without
// communication. Interface rows and columns span the owned interface
// dofs plus the ghost dofs (all of which are interface on their owner);
// their entries are per-rank contributions summed during matvecs and
// during the global Schur-complement reduction.
type SchurMat struct {
	layout *Layout

	numInterior int
	numIfc      int // local interface dofs: owned interface + ghosts

	// local dof -> block index: interior dofs map to [0, numInterior),
	// interface dofs to [0, numIfc) in their own numbering
	isInterface []bool
	blockIndex  []int

	// global interface numbering
	ifcOffset  int   // first global id of this rank's owned interface dofs
	globalIfc  []int // per local interface index, the global interface id
	GlobalIfcN int   // total interface dofs across ranks

	B, E, F, C *CSR
}

// NewSchurMat builds the split structure. ifcMask marks owned dofs that
// are shared with other ranks (ghosted elsewhere); ghost dofs are always
// interface. The global interface numbering is negotiated collectively.
func NewSchurMat(l *Layout, elemDofs [][]int, ifcMask []bool) (*SchurMat, error) {
	if len(ifcMask) != l.OwnedDofs {
		return nil, fmt.Errorf("linalg: interface mask length %d for %d owned dofs",
			len(ifcMask), l.OwnedDofs)
	}
	nl := l.NumLocal()
	m := &SchurMat{
		layout:      l,
		isInterface: make([]bool, nl),
		blockIndex:  make([]int, nl),
	}
	for i := 0; i < l.OwnedDofs; i++ {
		m.isInterface[i] = ifcMask[i]
	}
	for i := l.OwnedDofs; i < nl; i++ {
		m.isInterface[i] = true
	}
	for i := 0; i < nl; i++ {
		if m.isInterface[i] {
			m.blockIndex[i] = m.numIfc
			m.numIfc++
		} else {
			m.blockIndex[i] = m.numInterior
			m.numInterior++
		}
	}

	// dofs sent to peers must be interface dofs
	for peer, dofs := range l.SendDofs {
		for _, d := range dofs {
			if !m.isInterface[d] {
				return nil, fmt.Errorf("linalg: dof %d ghosted by rank %d but marked interior", d, peer)
			}
		}
	}

	m.negotiateGlobalInterface()
	m.buildBlocks(elemDofs)
	return m, nil
}

// negotiateGlobalInterface assigns every interface dof a global id:
// owned interface dofs are numbered contiguously per rank in rank order,
// and owners ship the ids of ghosted dofs along the exchange pattern.
func (m *SchurMat) negotiateGlobalInterface() {
	l := m.layout
	c := l.Comm

	ownedIfc := 0
	for i := 0; i < l.OwnedDofs; i++ {
		if m.isInterface[i] {
			ownedIfc++
		}
	}
	counts := make([]float64, c.Size())
	counts[c.Rank()] = float64(ownedIfc)
	counts = c.AllReduceSum(counts)

	m.ifcOffset = 0
	for r := 0; r < c.Rank(); r++ {
		m.ifcOffset += int(counts[r])
	}
	m.GlobalIfcN = 0
	for _, n := range counts {
		m.GlobalIfcN += int(n)
	}

	m.globalIfc = make([]int, m.numIfc)
	for i := 0; i < l.OwnedDofs; i++ {
		if m.isInterface[i] {
			m.globalIfc[m.blockIndex[i]] = m.ifcOffset + m.blockIndex[i]
		}
	}

	// owners send the global ids of the dofs each peer ghosts
	var reqs []reqWaiter
	for peer, dofs := range l.SendDofs {
		if len(dofs) == 0 {
			continue
		}
		buf := make([]float64, len(dofs))
		for k, d := range dofs {
			buf[k] = float64(m.globalIfc[m.blockIndex[d]])
		}
		reqs = append(reqs, c.Isend(peer, ifcIDTag, buf))
	}
	for peer, dofs := range l.RecvDofs {
		if len(dofs) == 0 {
			continue
		}
		buf := make([]float64, len(dofs))
		req := c.Irecv(peer, ifcIDTag, buf)
		if err := req.Wait(); err != nil {
			panic(err)
		}
		for k, d := range dofs {
			m.globalIfc[m.blockIndex[d]] = int(buf[k])
		}
	}
	for _, r := range reqs {
		if err := r.Wait(); err != nil {
			panic(err)
		}
	}
	c.Barrier()
}

type reqWaiter interface{ Wait() error }

const ifcIDTag = 2101

func (m *SchurMat) buildBlocks(elemDofs [][]int) {
	bPat := make([][]int, m.numInterior)
	ePat := make([][]int, m.numInterior)
	fPat := make([][]int, m.numIfc)
	cPat := make([][]int, m.numIfc)
	for i := 0; i < m.numInterior; i++ {
		bPat[i] = []int{i}
	}
	for i := 0; i < m.numIfc; i++ {
		cPat[i] = []int{i}
	}
	for _, dofs := range elemDofs {
		for _, i := range dofs {
			bi := m.blockIndex[i]
			for _, j := range dofs {
				bj := m.blockIndex[j]
				switch {
				case !m.isInterface[i] && !m.isInterface[j]:
					bPat[bi] = append(bPat[bi], bj)
				case !m.isInterface[i] && m.isInterface[j]:
					ePat[bi] = append(ePat[bi], bj)
				case m.isInterface[i] && !m.isInterface[j]:
					fPat[bi] = append(fPat[bi], bj)
				default:
					cPat[bi] = append(cPat[bi], bj)
				}
			}
		}
	}
	m.B = NewCSR(m.numInterior, m.numInterior, bPat)
	m.E = NewCSR(m.numInterior, m.numIfc, ePat)
	m.F = NewCSR(m.numIfc, m.numInterior, fPat)
	m.C = NewCSR(m.numIfc, m.numIfc, cPat)
}

func (m *SchurMat) Layout() *Layout { return m.layout }

// NumInterior returns the local interior dof count.
func (m *SchurMat) NumInterior() int { return m.numInterior }

// NumInterface returns the local interface dof count (owned + ghost).
func (m *SchurMat) NumInterface() int { return m.numIfc }

// GlobalInterfaceID maps a local interface index to its global id.
func (m *SchurMat) GlobalInterfaceID(ifc int) int { return m.globalIfc[ifc] }

// ZeroValues clears all blocks for reassembly.
func (m *SchurMat) ZeroValues() {
	m.B.ZeroValues()
	m.E.ZeroValues()
	m.F.ZeroValues()
	m.C.ZeroValues()
}

// AddValues accumulates a dense element block, routing each entry into
// the B, E, F or C block by the classification of its row and column.
func (m *SchurMat) AddValues(dofs []int, vals []float64) error {
	n := len(dofs)
	if len(vals) != n*n {
		return fmt.Errorf("linalg: element block %d values for %d dofs", len(vals), n)
	}
	for a, i := range dofs {
		bi := m.blockIndex[i]
		for b, j := range dofs {
			bj := m.blockIndex[j]
			v := vals[a*n+b]
			var err error
			switch {
			case !m.isInterface[i] && !m.isInterface[j]:
				err = m.B.AddValue(bi, bj, v)
			case !m.isInterface[i] && m.isInterface[j]:
				err = m.E.AddValue(bi, bj, v)
			case m.isInterface[i] && !m.isInterface[j]:
				err = m.F.AddValue(bi, bj, v)
			default:
				err = m.C.AddValue(bi, bj, v)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// ApplyIdentityRow enforces a constrained dof in the split structure.
func (m *SchurMat) ApplyIdentityRow(dof int) {
	bi := m.blockIndex[dof]
	owned := dof < m.layout.OwnedDofs
	if m.isInterface[dof] {
		zeroRow(m.F, bi)
		zeroRow(m.C, bi)
		m.E.ZeroColumn(bi)
		m.C.ZeroColumn(bi)
		if owned {
			if k := m.C.find(bi, bi); k >= 0 {
				m.C.Vals[k] = 1
			}
		}
	} else {
		zeroRow(m.B, bi)
		zeroRow(m.E, bi)
		m.B.ZeroColumn(bi)
		m.F.ZeroColumn(bi)
		if owned {
			if k := m.B.find(bi, bi); k >= 0 {
				m.B.Vals[k] = 1
			}
		}
	}
}

func zeroRow(c *CSR, i int) {
	for k := c.RowPtr[i]; k < c.RowPtr[i+1]; k++ {
		c.Vals[k] = 0
	}
}

// splitLocal separates a local dof vector into interior and interface
// work arrays.
func (m *SchurMat) splitLocal(v []float64, xi, xb []float64) {
	for d := 0; d < len(v); d++ {
		if m.isInterface[d] {
			xb[m.blockIndex[d]] = v[d]
		} else {
			xi[m.blockIndex[d]] = v[d]
		}
	}
}

// mergeLocal writes interior and interface work arrays back to a local
// dof vector.
func (m *SchurMat) mergeLocal(xi, xb []float64, v []float64) {
	for d := 0; d < len(v); d++ {
		if m.isInterface[d] {
			v[d] = xb[m.blockIndex[d]]
		} else {
			v[d] = xi[m.blockIndex[d]]
		}
	}
}

// Mult computes the consistent y = A x via the block split, reducing
// ghost interface rows into owners.
func (m *SchurMat) Mult(x, y *DistVector) error {
	if err := x.Scatter(); err != nil {
		return err
	}
	xi := make([]float64, m.numInterior)
	xb := make([]float64, m.numIfc)
	m.splitLocal(x.Values(), xi, xb)

	yi := make([]float64, m.numInterior)
	yb := make([]float64, m.numIfc)
	m.B.MatVec(xi, yi)
	m.E.MatVecAdd(xb, yi)
	m.F.MatVec(xi, yb)
	m.C.MatVecAdd(xb, yb)

	m.mergeLocal(yi, yb, y.Values())
	return y.Reduce()
}

// MultTranspose computes y = Aᵀ x over the same decomposition.
func (m *SchurMat) MultTranspose(x, y *DistVector) error {
	if err := x.Scatter(); err != nil {
		return err
	}
	xi := make([]float64, m.numInterior)
	xb := make([]float64, m.numIfc)
	m.splitLocal(x.Values(), xi, xb)

	yi := make([]float64, m.numInterior)
	yb := make([]float64, m.numIfc)
	m.B.MatTransVecAdd(xi, yi)
	m.F.MatTransVecAdd(xb, yi)
	m.E.MatTransVecAdd(xi, yb)
	m.C.MatTransVecAdd(xb, yb)

	m.mergeLocal(yi, yb, y.Values())
	return y.Reduce()
}
