package linalg

// AdditiveSchwarz preconditions with an incomplete factorization of each
// rank's overlapping local block. Application is a pair of local
// triangular solves; the only communication is the scatter that fills
// the ghost entries of the right-hand side.
type AdditiveSchwarz struct {
	mat  *OverlapMat
	lu   *SparseLU
	work []float64
}

// NewAdditiveSchwarz computes the symbolic ILU(fillLevel) of the local
// overlapping block. The symbolic factorization is retained across
// repeated numeric assemblies.
func NewAdditiveSchwarz(m *OverlapMat, fillLevel int) *AdditiveSchwarz {
	return &AdditiveSchwarz{
		mat:  m,
		lu:   NewSparseLU(m.LocalBlock(), fillLevel),
		work: make([]float64, m.Layout().NumLocal()),
	}
}

// Factor refreshes the numeric factorization from the current matrix
// values.
func (p *AdditiveSchwarz) Factor() error {
	return p.lu.Refactor(p.mat.LocalBlock())
}

// ApplyFactor computes x ≈ A⁻¹ b by the local subdomain solve. Ghost
// entries of b are refreshed by a scatter first; the ghost part of the
// local solution is discarded (restricted additive Schwarz).
func (p *AdditiveSchwarz) ApplyFactor(b, x *DistVector) error {
	if err := b.Scatter(); err != nil {
		return err
	}
	p.lu.Solve(b.Values(), p.work)
	xv := x.Values()
	copy(xv[:x.layout.OwnedDofs], p.work[:x.layout.OwnedDofs])
	for i := x.layout.OwnedDofs; i < len(xv); i++ {
		xv[i] = 0
	}
	return nil
}

// ApplyFactorTranspose is the transpose subdomain solve, used when the
// Krylov solver runs on Aᵀ for the adjoint system.
func (p *AdditiveSchwarz) ApplyFactorTranspose(b, x *DistVector) error {
	if err := b.Scatter(); err != nil {
		return err
	}
	p.lu.SolveTranspose(b.Values(), p.work)
	xv := x.Values()
	copy(xv[:x.layout.OwnedDofs], p.work[:x.layout.OwnedDofs])
	for i := x.layout.OwnedDofs; i < len(xv); i++ {
		xv[i] = 0
	}
	return nil
}

// Identity is the trivial preconditioner, mostly for tests and for
// verifying raw Krylov convergence.
type Identity struct{}

func (Identity) Factor() error { return nil }

func (Identity) ApplyFactor(b, x *DistVector) error {
	b.CopyTo(x)
	return nil
}

func (Identity) ApplyFactorTranspose(b, x *DistVector) error {
	b.CopyTo(x)
	return nil
}
