package linalg

import (
	"math"
)

// KrylovConfig bounds a Krylov solve. Non-convergence within the bounds
// is reported through SolveResult, never as an error.
type KrylovConfig struct {
	MaxIters    int
	RestartSize int
	Tol         float64 // relative residual target

	// Flexible stores one preconditioned vector per inner iteration so
	// the preconditioner may change between applications. Required when
	// the preconditioner contains an inexact inner solve.
	Flexible bool

	// Monitor, when set, observes the relative residual each iteration.
	Monitor func(iter int, relres float64)
}

func (c *KrylovConfig) defaults() {
	if c.MaxIters == 0 {
		c.MaxIters = 100
	}
	if c.RestartSize == 0 {
		c.RestartSize = 30
	}
	if c.Tol == 0 {
		c.Tol = 1e-8
	}
}

// SolveResult carries the outcome and diagnostics of a Krylov solve.
type SolveResult struct {
	Converged       bool
	Iterations      int
	ResidualNorm    float64 // final relative residual
	ResidualHistory []float64
}

// GMRES solves A x = b with restarted, right-preconditioned GMRES. The
// initial content of x is the starting guess. In flexible mode the
// preconditioned basis is stored explicitly (FGMRES).
func GMRES(a Operator, m Preconditioner, b, x *DistVector, cfg KrylovConfig) (SolveResult, error) {
	cfg.defaults()
	res := SolveResult{}

	bnorm := b.Norm()
	if bnorm == 0 {
		bnorm = 1
	}

	r := NewVector(a.Layout())
	w := NewVector(a.Layout())
	if err := a.Mult(x, r); err != nil {
		return res, err
	}
	r.Scale(-1)
	r.Axpy(1, b)

	for res.Iterations < cfg.MaxIters {
		beta := r.Norm()
		relres := beta / bnorm
		res.ResidualNorm = relres
		res.ResidualHistory = append(res.ResidualHistory, relres)
		if cfg.Monitor != nil {
			cfg.Monitor(res.Iterations, relres)
		}
		if relres < cfg.Tol {
			res.Converged = true
			return res, nil
		}

		msize := cfg.RestartSize
		v := make([]*DistVector, msize+1)
		var z []*DistVector
		if cfg.Flexible {
			z = make([]*DistVector, msize)
		}
		h := make([][]float64, msize+1)
		for i := range h {
			h[i] = make([]float64, msize)
		}
		cs, sn := make([]float64, msize), make([]float64, msize)
		g := make([]float64, msize+1)
		g[0] = beta

		v[0] = r.Clone()
		v[0].Scale(1 / beta)

		j := 0
		for ; j < msize && res.Iterations < cfg.MaxIters; j++ {
			// w = A M⁻¹ v_j
			var pv *DistVector
			if cfg.Flexible {
				z[j] = NewVector(a.Layout())
				pv = z[j]
			} else {
				pv = NewVector(a.Layout())
			}
			if err := m.ApplyFactor(v[j], pv); err != nil {
				return res, err
			}
			if err := a.Mult(pv, w); err != nil {
				return res, err
			}
			res.Iterations++

			// modified Gram-Schmidt
			for i := 0; i <= j; i++ {
				h[i][j] = w.Dot(v[i])
				w.Axpy(-h[i][j], v[i])
			}
			hn := w.Norm()
			h[j+1][j] = hn
			if hn > 0 {
				v[j+1] = w.Clone()
				v[j+1].Scale(1 / hn)
			}

			// apply accumulated Givens rotations, then form a new one
			for i := 0; i < j; i++ {
				h[i][j], h[i+1][j] = cs[i]*h[i][j]+sn[i]*h[i+1][j],
					-sn[i]*h[i][j]+cs[i]*h[i+1][j]
			}
			cs[j], sn[j] = givens(h[j][j], h[j+1][j])
			h[j][j] = cs[j]*h[j][j] + sn[j]*h[j+1][j]
			h[j+1][j] = 0
			g[j+1] = -sn[j] * g[j]
			g[j] = cs[j] * g[j]

			relres = math.Abs(g[j+1]) / bnorm
			res.ResidualNorm = relres
			res.ResidualHistory = append(res.ResidualHistory, relres)
			if cfg.Monitor != nil {
				cfg.Monitor(res.Iterations, relres)
			}
			if relres < cfg.Tol || hn == 0 {
				j++
				break
			}
		}

		// back-substitute y from the triangular H and update x
		y := make([]float64, j)
		for i := j - 1; i >= 0; i-- {
			sum := g[i]
			for k := i + 1; k < j; k++ {
				sum -= h[i][k] * y[k]
			}
			y[i] = sum / h[i][i]
		}
		if cfg.Flexible {
			for i := 0; i < j; i++ {
				x.Axpy(y[i], z[i])
			}
		} else {
			// x += M⁻¹ (V y)
			u := NewVector(a.Layout())
			for i := 0; i < j; i++ {
				u.Axpy(y[i], v[i])
			}
			pu := NewVector(a.Layout())
			if err := m.ApplyFactor(u, pu); err != nil {
				return res, err
			}
			x.Axpy(1, pu)
		}

		// recompute the true residual for the restart
		if err := a.Mult(x, r); err != nil {
			return res, err
		}
		r.Scale(-1)
		r.Axpy(1, b)

		if res.ResidualNorm < cfg.Tol {
			res.Converged = true
			return res, nil
		}
	}
	return res, nil
}

// givens returns the rotation (c, s) zeroing b against a.
func givens(a, b float64) (c, s float64) {
	if b == 0 {
		return 1, 0
	}
	if math.Abs(b) > math.Abs(a) {
		t := a / b
		s = 1 / math.Sqrt(1+t*t)
		c = s * t
		return c, s
	}
	t := b / a
	c = 1 / math.Sqrt(1+t*t)
	s = c * t
	return c, s
}

// transposeOp presents Aᵀ through the Operator interface for adjoint
// solves.
type transposeOp struct{ a Operator }

func (t transposeOp) Layout() *Layout { return t.a.Layout() }

func (t transposeOp) Mult(x, y *DistVector) error { return t.a.MultTranspose(x, y) }

func (t transposeOp) MultTranspose(x, y *DistVector) error { return t.a.Mult(x, y) }

// Transpose wraps a so that Mult applies Aᵀ.
func Transpose(a Operator) Operator { return transposeOp{a} }

// transposePc presents the transpose application of a preconditioner.
type transposePc struct{ p Preconditioner }

func (t transposePc) Factor() error { return t.p.Factor() }

func (t transposePc) ApplyFactor(b, x *DistVector) error {
	return t.p.ApplyFactorTranspose(b, x)
}

func (t transposePc) ApplyFactorTranspose(b, x *DistVector) error {
	return t.p.ApplyFactor(b, x)
}

// TransposePreconditioner wraps p so that ApplyFactor applies Mᵀ.
func TransposePreconditioner(p Preconditioner) Preconditioner { return transposePc{p} }

// denseGMRES is the small replicated GMRES used for the inner interface
// solve of the approximate-Schur preconditioner. The operator callback
// must behave identically on every rank: the data is replicated and the
// callback performs the collective reduction itself.
func denseGMRES(apply func(v, y []float64), b, x []float64, maxIter int, tol float64) {
	n := len(b)
	bnorm := 0.0
	for _, v := range b {
		bnorm += v * v
	}
	bnorm = math.Sqrt(bnorm)
	if bnorm == 0 {
		for i := range x {
			x[i] = 0
		}
		return
	}
	if maxIter > n {
		maxIter = n
	}

	r := make([]float64, n)
	copy(r, b) // x0 = 0
	beta := bnorm

	v := make([][]float64, maxIter+1)
	h := make([][]float64, maxIter+1)
	for i := range h {
		h[i] = make([]float64, maxIter)
	}
	cs, sn := make([]float64, maxIter), make([]float64, maxIter)
	g := make([]float64, maxIter+1)
	g[0] = beta

	v[0] = make([]float64, n)
	for i := range r {
		v[0][i] = r[i] / beta
	}

	j := 0
	for ; j < maxIter; j++ {
		w := make([]float64, n)
		apply(v[j], w)
		for i := 0; i <= j; i++ {
			dot := 0.0
			for k := range w {
				dot += w[k] * v[i][k]
			}
			h[i][j] = dot
			for k := range w {
				w[k] -= dot * v[i][k]
			}
		}
		norm := 0.0
		for _, val := range w {
			norm += val * val
		}
		norm = math.Sqrt(norm)
		h[j+1][j] = norm
		if norm > 0 {
			v[j+1] = make([]float64, n)
			for k := range w {
				v[j+1][k] = w[k] / norm
			}
		}

		for i := 0; i < j; i++ {
			h[i][j], h[i+1][j] = cs[i]*h[i][j]+sn[i]*h[i+1][j],
				-sn[i]*h[i][j]+cs[i]*h[i+1][j]
		}
		cs[j], sn[j] = givens(h[j][j], h[j+1][j])
		h[j][j] = cs[j]*h[j][j] + sn[j]*h[j+1][j]
		h[j+1][j] = 0
		g[j+1] = -sn[j] * g[j]
		g[j] = cs[j] * g[j]

		if math.Abs(g[j+1])/bnorm < tol || norm == 0 {
			j++
			break
		}
	}

	y := make([]float64, j)
	for i := j - 1; i >= 0; i-- {
		sum := g[i]
		for k := i + 1; k < j; k++ {
			sum -= h[i][k] * y[k]
		}
		y[i] = sum / h[i][i]
	}
	for i := range x {
		x[i] = 0
	}
	for i := 0; i < j; i++ {
		for k := range x {
			x[k] += y[i] * v[i][k]
		}
	}
}
