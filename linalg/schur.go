package linalg

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// DirectSchur preconditions with an exact block elimination: a complete
// local factorization of the interior block plus a direct factorization
// of the globally assembled Schur complement on the interface. More
// memory than the approximate variant, fewer outer iterations.
type DirectSchur struct {
	m  *SchurMat
	bl *SparseLU
	s  *mat.Dense
	lu mat.LU
}

// NewDirectSchur prepares the symbolic interior factorization. The
// dense Schur complement is allocated on first Factor.
func NewDirectSchur(m *SchurMat) *DirectSchur {
	return &DirectSchur{
		m:  m,
		bl: NewSparseLU(m.B, ExactFill),
	}
}

// Factor refactors the interior block, assembles the global Schur
// complement S = C - F B⁻¹ E by columns, reduces it across ranks, and
// factors it densely.
func (p *DirectSchur) Factor() error {
	if err := p.bl.Refactor(p.m.B); err != nil {
		return err
	}

	g := p.m.GlobalIfcN
	if g == 0 {
		return nil
	}
	flat := make([]float64, g*g)

	ej := make([]float64, p.m.NumInterior())
	w := make([]float64, p.m.NumInterior())
	fw := make([]float64, p.m.NumInterface())
	for j := 0; j < p.m.NumInterface(); j++ {
		gj := p.m.GlobalInterfaceID(j)

		for i := range ej {
			ej[i] = p.m.E.At(i, j)
		}
		if p.m.NumInterior() > 0 {
			p.bl.Solve(ej, w)
			p.m.F.MatVec(w, fw)
		} else {
			for i := range fw {
				fw[i] = 0
			}
		}
		for i := 0; i < p.m.NumInterface(); i++ {
			gi := p.m.GlobalInterfaceID(i)
			flat[gi*g+gj] += p.m.C.At(i, j) - fw[i]
		}
	}
	flat = p.m.Layout().Comm.AllReduceSum(flat)

	p.s = mat.NewDense(g, g, flat)
	p.lu.Factorize(p.s)
	if det := p.lu.Det(); det == 0 || math.IsNaN(det) {
		return &FactorizationError{Row: -1, Pivot: 0}
	}
	return nil
}

// ApplyFactor solves M x = b by block elimination: interior solve,
// globally reduced interface right-hand side, dense Schur solve, then
// interior back-substitution.
func (p *DirectSchur) ApplyFactor(b, x *DistVector) error {
	return p.apply(b, x, false)
}

// ApplyFactorTranspose solves Mᵀ x = b, swapping the roles of the
// coupling blocks and using transpose solves throughout.
func (p *DirectSchur) ApplyFactorTranspose(b, x *DistVector) error {
	return p.apply(b, x, true)
}

func (p *DirectSchur) apply(b, x *DistVector, trans bool) error {
	m := p.m
	l := m.Layout()
	ni, nb := m.NumInterior(), m.NumInterface()

	bi := make([]float64, ni)
	bb := make([]float64, nb)
	m.splitLocal(b.Values(), bi, bb)
	// contributions live where they were assembled; ghost copies of b
	// are not part of the owned right-hand side
	for d := l.OwnedDofs; d < l.NumLocal(); d++ {
		bb[m.blockIndex[d]] = 0
	}

	// z = B⁻¹ b_i (or transpose)
	z := make([]float64, ni)
	if ni > 0 {
		if trans {
			p.bl.SolveTranspose(bi, z)
		} else {
			p.bl.Solve(bi, z)
		}
	}

	// interface right-hand side f = b_b - F z, reduced globally
	g := m.GlobalIfcN
	fg := make([]float64, g)
	fz := make([]float64, nb)
	if ni > 0 {
		if trans {
			m.E.MatTransVecAdd(z, fz)
		} else {
			m.F.MatVec(z, fz)
		}
	}
	for i := 0; i < nb; i++ {
		fg[m.GlobalInterfaceID(i)] += bb[i] - fz[i]
	}
	fg = l.Comm.AllReduceSum(fg)

	// dense Schur solve, replicated on every rank
	xbg := make([]float64, g)
	if g > 0 {
		dst := mat.NewVecDense(g, xbg)
		if err := p.lu.SolveVecTo(dst, trans, mat.NewVecDense(g, fg)); err != nil {
			return &FactorizationError{Row: -1, Pivot: 0}
		}
	}

	// pull back local interface values (owned and ghost alike)
	xb := make([]float64, nb)
	for i := 0; i < nb; i++ {
		xb[i] = xbg[m.GlobalInterfaceID(i)]
	}

	// interior back-substitution x_i = B⁻¹ (b_i - E x_b)
	xi := make([]float64, ni)
	if ni > 0 {
		t := make([]float64, ni)
		if trans {
			m.F.MatTransVecAdd(xb, t)
		} else {
			m.E.MatVec(xb, t)
		}
		for i := range t {
			t[i] = bi[i] - t[i]
		}
		if trans {
			p.bl.SolveTranspose(t, xi)
		} else {
			p.bl.Solve(t, xi)
		}
	}

	m.mergeLocal(xi, xb, x.Values())
	return nil
}

// ApproxSchur trades the exact global Schur factorization for an inexact
// inner Krylov solve: the interior block gets an ILU(fill) factorization
// and the interface system is solved matrix-free to a loose tolerance.
// The outer Krylov solver must run in flexible mode since the
// preconditioner varies between applications.
type ApproxSchur struct {
	m         *SchurMat
	bl        *SparseLU
	InnerIter int
	InnerTol  float64
}

// NewApproxSchur prepares the symbolic ILU(fillLevel) of the interior
// block; innerIter and innerTol bound the interface solve.
func NewApproxSchur(m *SchurMat, fillLevel, innerIter int, innerTol float64) *ApproxSchur {
	return &ApproxSchur{
		m:         m,
		bl:        NewSparseLU(m.B, fillLevel),
		InnerIter: innerIter,
		InnerTol:  innerTol,
	}
}

// Factor refreshes the interior factorization. The Schur complement is
// never formed; its action is computed on demand.
func (p *ApproxSchur) Factor() error {
	return p.bl.Refactor(p.m.B)
}

// schurApply computes the global action y = S v = Σ_r (C_r v - F_r B_r⁻¹ E_r v)
// for a replicated global interface vector v.
func (p *ApproxSchur) schurApply(v, y []float64, trans bool) {
	m := p.m
	ni, nb := m.NumInterior(), m.NumInterface()

	vl := make([]float64, nb)
	for i := 0; i < nb; i++ {
		vl[i] = v[m.GlobalInterfaceID(i)]
	}

	sl := make([]float64, nb)
	if trans {
		m.C.MatTransVecAdd(vl, sl)
	} else {
		m.C.MatVec(vl, sl)
	}
	if ni > 0 {
		t := make([]float64, ni)
		w := make([]float64, ni)
		fw := make([]float64, nb)
		if trans {
			m.F.MatTransVecAdd(vl, t)
			p.bl.SolveTranspose(t, w)
			m.E.MatTransVecAdd(w, fw)
		} else {
			m.E.MatVec(vl, t)
			p.bl.Solve(t, w)
			m.F.MatVec(w, fw)
		}
		for i := 0; i < nb; i++ {
			sl[i] -= fw[i]
		}
	}

	g := make([]float64, len(v))
	for i := 0; i < nb; i++ {
		g[m.GlobalInterfaceID(i)] += sl[i]
	}
	res := m.Layout().Comm.AllReduceSum(g)
	copy(y, res)
}

// ApplyFactor approximates M⁻¹ b with the inexact interface solve.
func (p *ApproxSchur) ApplyFactor(b, x *DistVector) error {
	return p.apply(b, x, false)
}

// ApplyFactorTranspose is the transpose application for adjoint solves.
func (p *ApproxSchur) ApplyFactorTranspose(b, x *DistVector) error {
	return p.apply(b, x, true)
}

func (p *ApproxSchur) apply(b, x *DistVector, trans bool) error {
	m := p.m
	l := m.Layout()
	ni, nb := m.NumInterior(), m.NumInterface()

	bi := make([]float64, ni)
	bb := make([]float64, nb)
	m.splitLocal(b.Values(), bi, bb)
	for d := l.OwnedDofs; d < l.NumLocal(); d++ {
		bb[m.blockIndex[d]] = 0
	}

	z := make([]float64, ni)
	if ni > 0 {
		if trans {
			p.bl.SolveTranspose(bi, z)
		} else {
			p.bl.Solve(bi, z)
		}
	}

	g := m.GlobalIfcN
	fg := make([]float64, g)
	fz := make([]float64, nb)
	if ni > 0 {
		if trans {
			m.E.MatTransVecAdd(z, fz)
		} else {
			m.F.MatVec(z, fz)
		}
	}
	for i := 0; i < nb; i++ {
		fg[m.GlobalInterfaceID(i)] += bb[i] - fz[i]
	}
	fg = l.Comm.AllReduceSum(fg)

	xbg := make([]float64, g)
	if g > 0 {
		denseGMRES(func(v, y []float64) { p.schurApply(v, y, trans) },
			fg, xbg, p.InnerIter, p.InnerTol)
	}

	xb := make([]float64, nb)
	for i := 0; i < nb; i++ {
		xb[i] = xbg[m.GlobalInterfaceID(i)]
	}

	xi := make([]float64, ni)
	if ni > 0 {
		t := make([]float64, ni)
		if trans {
			m.F.MatTransVecAdd(xb, t)
		} else {
			m.E.MatVec(xb, t)
		}
		for i := range t {
			t[i] = bi[i] - t[i]
		}
		if trans {
			p.bl.SolveTranspose(t, xi)
		} else {
			p.bl.Solve(t, xi)
		}
	}

	m.mergeLocal(xi, xb, x.Values())
	return nil
}
