package linalg

// GCROTConfig extends the Krylov bounds with the size of the recycled
// subspace retained across restart cycles.
type GCROTConfig struct {
	KrylovConfig
	OuterSize int // recycled directions kept between cycles
}

// GCROT solves A x = b with a truncated GCROT iteration: each cycle runs
// a right-preconditioned Arnoldi sweep orthogonalized against a small
// recycled subspace carried over from previous cycles, which damps the
// stagnation plain restarted GMRES suffers at restart boundaries.
// The contract matches GMRES: non-convergence is data, not an error.
func GCROT(a Operator, m Preconditioner, b, x *DistVector, cfg GCROTConfig) (SolveResult, error) {
	cfg.defaults()
	if cfg.OuterSize == 0 {
		cfg.OuterSize = 8
	}
	res := SolveResult{}

	bnorm := b.Norm()
	if bnorm == 0 {
		bnorm = 1
	}

	r := NewVector(a.Layout())
	if err := a.Mult(x, r); err != nil {
		return res, err
	}
	r.Scale(-1)
	r.Axpy(1, b)

	// recycled pairs: c_i = A u_i, with the c_i orthonormal
	var outerU, outerC []*DistVector

	w := NewVector(a.Layout())
	for res.Iterations < cfg.MaxIters {
		relres := r.Norm() / bnorm
		res.ResidualNorm = relres
		res.ResidualHistory = append(res.ResidualHistory, relres)
		if cfg.Monitor != nil {
			cfg.Monitor(res.Iterations, relres)
		}
		if relres < cfg.Tol {
			res.Converged = true
			return res, nil
		}

		// project the residual onto the recycled space
		for i := range outerC {
			alpha := outerC[i].Dot(r)
			x.Axpy(alpha, outerU[i])
			r.Axpy(-alpha, outerC[i])
		}

		// Arnoldi sweep against the recycled space
		msize := cfg.RestartSize
		beta := r.Norm()
		if beta == 0 {
			res.Converged = true
			res.ResidualNorm = 0
			return res, nil
		}
		v := make([]*DistVector, msize+1)
		z := make([]*DistVector, msize)
		h := make([][]float64, msize+1)
		for i := range h {
			h[i] = make([]float64, msize)
		}
		v[0] = r.Clone()
		v[0].Scale(1 / beta)

		j := 0
		for ; j < msize && res.Iterations < cfg.MaxIters; j++ {
			z[j] = NewVector(a.Layout())
			if err := m.ApplyFactor(v[j], z[j]); err != nil {
				return res, err
			}
			if err := a.Mult(z[j], w); err != nil {
				return res, err
			}
			res.Iterations++

			// strip the recycled directions first, then Gram-Schmidt
			for i := range outerC {
				w.Axpy(-outerC[i].Dot(w), outerC[i])
			}
			for i := 0; i <= j; i++ {
				h[i][j] = w.Dot(v[i])
				w.Axpy(-h[i][j], v[i])
			}
			hn := w.Norm()
			h[j+1][j] = hn
			if hn == 0 {
				j++
				break
			}
			v[j+1] = w.Clone()
			v[j+1].Scale(1 / hn)
		}

		// least-squares solve of the (j+1) x j Hessenberg system
		y := hessenbergLS(h, beta, j)

		// candidate direction u = Z y, c = A u
		u := NewVector(a.Layout())
		for i := 0; i < j; i++ {
			u.Axpy(y[i], z[i])
		}
		c := NewVector(a.Layout())
		if err := a.Mult(u, c); err != nil {
			return res, err
		}
		// strip the recycled components from c and mirror every update
		// on u so that c = A u survives the orthogonalization
		for i := range outerC {
			dot := outerC[i].Dot(c)
			c.Axpy(-dot, outerC[i])
			u.Axpy(-dot, outerU[i])
		}
		cn := c.Norm()
		if cn == 0 {
			continue
		}
		c.Scale(1 / cn)
		u.Scale(1 / cn)

		alpha := c.Dot(r)
		x.Axpy(alpha, u)
		r.Axpy(-alpha, c)

		outerU = append(outerU, u)
		outerC = append(outerC, c)
		if len(outerC) > cfg.OuterSize {
			// drop the oldest recycled pair
			outerU = outerU[1:]
			outerC = outerC[1:]
		}
	}

	res.ResidualNorm = r.Norm() / bnorm
	return res, nil
}

// hessenbergLS solves min ||beta e1 - H y|| for the (j+1) x j Hessenberg
// H by Givens reduction.
func hessenbergLS(h [][]float64, beta float64, j int) []float64 {
	g := make([]float64, j+1)
	g[0] = beta
	for col := 0; col < j; col++ {
		c, s := givens(h[col][col], h[col+1][col])
		for k := col; k < j; k++ {
			h[col][k], h[col+1][k] = c*h[col][k]+s*h[col+1][k],
				-s*h[col][k]+c*h[col+1][k]
		}
		g[col], g[col+1] = c*g[col]+s*g[col+1], -s*g[col]+c*g[col+1]
	}
	y := make([]float64, j)
	for i := j - 1; i >= 0; i-- {
		sum := g[i]
		for k := i + 1; k < j; k++ {
			sum -= h[i][k] * y[k]
		}
		if h[i][i] != 0 {
			y[i] = sum / h[i][i]
		}
	}
	return y
}
