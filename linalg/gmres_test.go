package linalg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parafem/parafem/comm"
)

// chainSystem assembles the distributed chain operator and a right-hand
// side with b[g] = 1 at every owned dof.
func chainSystem(t *testing.T, c *comm.Comm, total int, block []float64) (*OverlapMat, *DistVector) {
	t.Helper()
	l, _, elemDofs := chainLayout(c, total)
	m := NewOverlapMat(l, elemDofs)
	assembleChain(t, m.AddValues, elemDofs, block)
	b := NewVector(l)
	for d := 0; d < l.OwnedDofs; d++ {
		require.NoError(t, b.SetValues([]int{d}, []float64{1}, Insert))
	}
	return m, b
}

// trueRelRes recomputes ||b - A x|| / ||b|| from scratch.
func trueRelRes(t *testing.T, a Operator, b, x *DistVector) float64 {
	t.Helper()
	r := NewVector(a.Layout())
	require.NoError(t, a.Mult(x.Clone(), r))
	r.Scale(-1)
	r.Axpy(1, b)
	return r.Norm() / b.Norm()
}

func TestGMRESConvergesOnSPDChain(t *testing.T) {
	for _, size := range []int{1, 3} {
		comm.Run(size, func(c *comm.Comm) {
			a, b := chainSystem(t, c, 24, spdBlock)
			x := NewVector(a.Layout())
			res, err := GMRES(a, Identity{}, b, x, KrylovConfig{
				MaxIters: 200, RestartSize: 30, Tol: 1e-8,
			})
			require.NoError(t, err)
			assert.True(t, res.Converged, "size %d: %d iters, relres %.3e",
				size, res.Iterations, res.ResidualNorm)
			assert.LessOrEqual(t, trueRelRes(t, a, b, x), 1e-7)
		})
	}
}

func TestGMRESRestartedStillConverges(t *testing.T) {
	comm.Run(2, func(c *comm.Comm) {
		a, b := chainSystem(t, c, 30, spdBlock)
		x := NewVector(a.Layout())
		// restart size well below the problem dimension
		res, err := GMRES(a, Identity{}, b, x, KrylovConfig{
			MaxIters: 500, RestartSize: 5, Tol: 1e-8,
		})
		require.NoError(t, err)
		assert.True(t, res.Converged)
		assert.LessOrEqual(t, trueRelRes(t, a, b, x), 1e-7)
	})
}

func TestGMRESNonConvergenceIsAResult(t *testing.T) {
	comm.Run(1, func(c *comm.Comm) {
		a, b := chainSystem(t, c, 40, spdBlock)
		x := NewVector(a.Layout())
		res, err := GMRES(a, Identity{}, b, x, KrylovConfig{
			MaxIters: 3, RestartSize: 3, Tol: 1e-14,
		})
		require.NoError(t, err) // running out of iterations is not an error
		assert.False(t, res.Converged)
		assert.Equal(t, 3, res.Iterations)
		assert.Greater(t, res.ResidualNorm, 0.0)
	})
}

func TestGMRESMonitorSeesEveryIteration(t *testing.T) {
	comm.Run(1, func(c *comm.Comm) {
		a, b := chainSystem(t, c, 12, spdBlock)
		x := NewVector(a.Layout())
		var iters []int
		res, err := GMRES(a, Identity{}, b, x, KrylovConfig{Monitor: func(it int, relres float64) {
			iters = append(iters, it)
		}})
		require.NoError(t, err)
		assert.True(t, res.Converged)
		// one observation at the cycle start plus one per iteration
		assert.Len(t, iters, res.Iterations+1)
		assert.Equal(t, 0, iters[0])
	})
}

func TestGMRESWithAdditiveSchwarz(t *testing.T) {
	for _, size := range []int{1, 2} {
		comm.Run(size, func(c *comm.Comm) {
			a, b := chainSystem(t, c, 20, spdBlock)
			pc := NewAdditiveSchwarz(a, 1)
			require.NoError(t, pc.Factor())
			x := NewVector(a.Layout())
			res, err := GMRES(a, pc, b, x, KrylovConfig{MaxIters: 200, Tol: 1e-10})
			require.NoError(t, err)
			assert.True(t, res.Converged)
			assert.LessOrEqual(t, trueRelRes(t, a, b, x), 1e-8)
		})
	}
}

func TestGMRESWithDirectSchurIsExact(t *testing.T) {
	for _, size := range []int{1, 2, 3} {
		comm.Run(size, func(c *comm.Comm) {
			l, _, elemDofs := chainLayout(c, 18)
			m, err := NewSchurMat(l, elemDofs, chainInterfaceMask(l))
			require.NoError(t, err)
			assembleChain(t, m.AddValues, elemDofs, spdBlock)
			pc := NewDirectSchur(m)
			require.NoError(t, pc.Factor())

			b := NewVector(l)
			for d := 0; d < l.OwnedDofs; d++ {
				require.NoError(t, b.SetValues([]int{d}, []float64{1}, Insert))
			}
			x := NewVector(l)
			res, err := GMRES(m, pc, b, x, KrylovConfig{MaxIters: 50, Tol: 1e-10})
			require.NoError(t, err)
			assert.True(t, res.Converged)
			// the exact factorization should take very few outer iterations
			assert.LessOrEqual(t, res.Iterations, 3, "size %d", size)
			assert.LessOrEqual(t, trueRelRes(t, m, b, x), 1e-8)
		})
	}
}

func TestFlexibleGMRESWithApproxSchur(t *testing.T) {
	comm.Run(2, func(c *comm.Comm) {
		l, _, elemDofs := chainLayout(c, 18)
		m, err := NewSchurMat(l, elemDofs, chainInterfaceMask(l))
		require.NoError(t, err)
		assembleChain(t, m.AddValues, elemDofs, spdBlock)
		pc := NewApproxSchur(m, ExactFill, 10, 1e-10)
		require.NoError(t, pc.Factor())

		b := NewVector(l)
		for d := 0; d < l.OwnedDofs; d++ {
			require.NoError(t, b.SetValues([]int{d}, []float64{1}, Insert))
		}
		x := NewVector(l)
		res, err := GMRES(m, pc, b, x, KrylovConfig{
			MaxIters: 100, Tol: 1e-9, Flexible: true,
		})
		require.NoError(t, err)
		assert.True(t, res.Converged)
		assert.LessOrEqual(t, trueRelRes(t, m, b, x), 1e-7)
	})
}

func TestTransposeSolveMatchesAdjointSystem(t *testing.T) {
	comm.Run(2, func(c *comm.Comm) {
		a, b := chainSystem(t, c, 14, unsymBlock)
		pc := NewAdditiveSchwarz(a, ExactFill)
		require.NoError(t, pc.Factor())

		x := NewVector(a.Layout())
		res, err := GMRES(Transpose(a), TransposePreconditioner(pc), b, x,
			KrylovConfig{MaxIters: 200, Tol: 1e-10})
		require.NoError(t, err)
		assert.True(t, res.Converged)

		// check Aᵀ x = b directly
		r := NewVector(a.Layout())
		require.NoError(t, a.MultTranspose(x.Clone(), r))
		r.Axpy(-1, b)
		assert.LessOrEqual(t, r.Norm()/b.Norm(), 1e-8)
	})
}

func TestGCROTConvergesOnSPDChain(t *testing.T) {
	for _, size := range []int{1, 3} {
		comm.Run(size, func(c *comm.Comm) {
			a, b := chainSystem(t, c, 24, spdBlock)
			x := NewVector(a.Layout())
			res, err := GCROT(a, Identity{}, b, x, GCROTConfig{
				KrylovConfig: KrylovConfig{MaxIters: 300, RestartSize: 10, Tol: 1e-8},
				OuterSize:    4,
			})
			require.NoError(t, err)
			assert.True(t, res.Converged, "size %d: %d iters, relres %.3e",
				size, res.Iterations, res.ResidualNorm)
			assert.LessOrEqual(t, trueRelRes(t, a, b, x), 1e-7)
		})
	}
}

// A short restart with a larger recycled space forces many cycles, so
// the incrementally updated residual only stays honest if every
// recycled pair keeps c_i = A u_i. The unsymmetric block makes any
// drift show up in the recomputed residual.
func TestGCROTRecycledResidualMatchesRecomputed(t *testing.T) {
	for _, size := range []int{1, 2} {
		comm.Run(size, func(c *comm.Comm) {
			a, b := chainSystem(t, c, 40, unsymBlock)
			x := NewVector(a.Layout())
			res, err := GCROT(a, Identity{}, b, x, GCROTConfig{
				KrylovConfig: KrylovConfig{MaxIters: 600, RestartSize: 4, Tol: 1e-10},
				OuterSize:    6,
			})
			require.NoError(t, err)
			require.True(t, res.Converged, "size %d: %d iters, relres %.3e",
				size, res.Iterations, res.ResidualNorm)
			rr := trueRelRes(t, a, b, x)
			assert.LessOrEqual(t, rr, 1e-8)
			assert.InDelta(t, res.ResidualNorm, rr, 1e-8)
		})
	}
}

func TestGCROTWithSchwarzPreconditioner(t *testing.T) {
	comm.Run(2, func(c *comm.Comm) {
		a, b := chainSystem(t, c, 20, spdBlock)
		pc := NewAdditiveSchwarz(a, 2)
		require.NoError(t, pc.Factor())
		x := NewVector(a.Layout())
		res, err := GCROT(a, pc, b, x, GCROTConfig{
			KrylovConfig: KrylovConfig{MaxIters: 200, RestartSize: 8, Tol: 1e-9},
		})
		require.NoError(t, err)
		assert.True(t, res.Converged)
		assert.LessOrEqual(t, trueRelRes(t, a, b, x), 1e-7)
	})
}
