package assembler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parafem/parafem/comm"
	"github.com/parafem/parafem/elements"
	"github.com/parafem/parafem/linalg"
	"github.com/parafem/parafem/partition"
)

const (
	chainE    = 2.0
	chainLoad = 1.0
)

// buildChain assembles a 1D chain of unit-length springs with node 0
// fixed. Element e connects nodes e and e+1 and lives on the rank owning
// node e; with withDVs each element's area is design variable e.
func buildChain(t *testing.T, c *comm.Comm, total int, withDVs bool) (*Assembler, []*elements.Spring) {
	t.Helper()
	per := total / c.Size()

	var conn [][]int
	var springs []*elements.Spring
	var elems []Element
	for e := 0; e < total-1; e++ {
		owner := e / per
		if owner >= c.Size() {
			owner = c.Size() - 1
		}
		if owner != c.Rank() {
			continue
		}
		dv := -1
		if withDVs {
			dv = e
		}
		s := elements.NewSpring(chainE, 1.0, 1.0, dv)
		conn = append(conn, []int{e, e + 1})
		springs = append(springs, s)
		elems = append(elems, s)
	}

	a := New(c, total, 1)
	require.NoError(t, a.SetConnectivity(conn))
	require.NoError(t, a.SetElements(elems))
	require.NoError(t, a.AddBCs([]int{0}, nil, nil))
	require.NoError(t, a.Finalize())

	x := a.CreateNodeVec()
	p := a.Partition()
	for g := p.FirstNode(); g < p.FirstNode()+p.NumOwned(); g++ {
		base := p.LocalNode(g) * 3
		require.NoError(t, x.SetValues([]int{base, base + 1, base + 2},
			[]float64{float64(g), 0, 0}, linalg.Insert))
	}
	require.NoError(t, a.SetNodes(x))
	if withDVs {
		a.SetNumDesignVars(total - 1)
	}
	return a, springs
}

// solveStatic assembles the stiffness, applies the tip load, and solves
// to a tight tolerance.
func solveStatic(t *testing.T, a *Assembler) (*linalg.DistVector, *linalg.OverlapMat, *linalg.AdditiveSchwarz) {
	t.Helper()
	m, err := a.CreateOverlapMat()
	require.NoError(t, err)
	require.NoError(t, a.AssembleJacobian(1, 0, 0, nil, m))
	pc := linalg.NewAdditiveSchwarz(m, linalg.ExactFill)
	require.NoError(t, pc.Factor())

	rhs := a.CreateVec()
	p := a.Partition()
	tip := p.TotalNodes() - 1
	if p.IsOwned(tip) {
		require.NoError(t, rhs.SetValues([]int{p.LocalNode(tip)}, []float64{chainLoad}, linalg.Insert))
	}
	a.ApplyBCs(rhs)

	u := a.CreateVec()
	res, err := linalg.GMRES(m, pc, rhs, u, linalg.KrylovConfig{MaxIters: 300, Tol: 1e-12})
	require.NoError(t, err)
	require.True(t, res.Converged)
	return u, m, pc
}

func TestResidualZeroAtConstrainedDofs(t *testing.T) {
	for _, size := range []int{1, 2} {
		comm.Run(size, func(c *comm.Comm) {
			a, _ := buildChain(t, c, 8, false)
			q := a.CreateVec()
			for d := 0; d < a.Layout().OwnedDofs; d++ {
				require.NoError(t, q.SetValues([]int{d}, []float64{float64(d%5) - 2}, linalg.Insert))
			}
			require.NoError(t, a.SetVariables(q, q, q))

			res := a.CreateVec()
			require.NoError(t, a.AssembleResidual(res))
			p := a.Partition()
			if p.IsOwned(0) {
				assert.Equal(t, 0.0, res.Values()[p.LocalNode(0)])
			}
		})
	}
}

func TestStaticManufacturedSolution(t *testing.T) {
	const total = 9
	for _, size := range []int{1, 2, 3} {
		comm.Run(size, func(c *comm.Comm) {
			a, _ := buildChain(t, c, total, false)
			u, _, _ := solveStatic(t, a)

			// uniform chain under a tip load: u_g = F*g/k with k = EA/L
			p := a.Partition()
			k := chainE * 1.0
			for g := p.FirstNode(); g < p.FirstNode()+p.NumOwned(); g++ {
				assert.InDelta(t, chainLoad*float64(g)/k, u.Values()[p.LocalNode(g)], 1e-9,
					"size %d node %d", size, g)
			}

			// residual of the solved state vanishes away from the load
			require.NoError(t, a.SetVariables(u, nil, nil))
			res := a.CreateVec()
			require.NoError(t, a.AssembleResidual(res))
			tip := p.TotalNodes() - 1
			for g := p.FirstNode(); g < p.FirstNode()+p.NumOwned(); g++ {
				if g == 0 || g == tip {
					continue
				}
				assert.InDelta(t, 0, res.Values()[p.LocalNode(g)], 1e-9)
			}
		})
	}
}

func TestSchurMatSolvesSameSystem(t *testing.T) {
	const total = 9
	for _, size := range []int{1, 2} {
		comm.Run(size, func(c *comm.Comm) {
			a, _ := buildChain(t, c, total, false)
			m, err := a.CreateSchurMat()
			require.NoError(t, err)
			require.NoError(t, a.AssembleJacobian(1, 0, 0, nil, m))
			pc := linalg.NewDirectSchur(m)
			require.NoError(t, pc.Factor())

			rhs := a.CreateVec()
			p := a.Partition()
			tip := p.TotalNodes() - 1
			if p.IsOwned(tip) {
				require.NoError(t, rhs.SetValues([]int{p.LocalNode(tip)}, []float64{chainLoad}, linalg.Insert))
			}
			a.ApplyBCs(rhs)

			u := a.CreateVec()
			res, err := linalg.GMRES(m, pc, rhs, u, linalg.KrylovConfig{MaxIters: 50, Tol: 1e-12})
			require.NoError(t, err)
			require.True(t, res.Converged)

			k := chainE * 1.0
			for g := p.FirstNode(); g < p.FirstNode()+p.NumOwned(); g++ {
				assert.InDelta(t, chainLoad*float64(g)/k, u.Values()[p.LocalNode(g)], 1e-9)
			}
		})
	}
}

func TestAdjointTotalDerivativeMatchesFiniteDifference(t *testing.T) {
	const total = 6
	for _, size := range []int{1, 2} {
		comm.Run(size, func(c *comm.Comm) {
			a, _ := buildChain(t, c, total, true)
			ndv := a.NumDesignVars()

			u, m, pc := solveStatic(t, a)
			require.NoError(t, a.SetVariables(u, nil, nil))

			svsens := a.CreateVec()
			require.NoError(t, a.EvalSVSens(svsens))

			adj := a.CreateVec()
			res, err := linalg.GMRES(linalg.Transpose(m), linalg.TransposePreconditioner(pc),
				svsens, adj, linalg.KrylovConfig{MaxIters: 300, Tol: 1e-12})
			require.NoError(t, err)
			require.True(t, res.Converged)

			dfdx := make([]float64, ndv)
			require.NoError(t, a.EvalDVSens(dfdx))
			aprod := make([]float64, ndv)
			require.NoError(t, a.EvalAdjointResProduct(adj, aprod))
			totalDeriv := make([]float64, ndv)
			for i := range totalDeriv {
				totalDeriv[i] = dfdx[i] - aprod[i]
			}

			// central finite differences over each design variable
			const dh = 1e-5
			x := make([]float64, ndv)
			a.GetDesignVars(x)
			evalAt := func() float64 {
				uu, _, _ := solveStatic(t, a)
				require.NoError(t, a.SetVariables(uu, nil, nil))
				f, err := a.EvalFunctional()
				require.NoError(t, err)
				return f
			}
			for i := 0; i < ndv; i++ {
				x[i] += dh
				a.SetDesignVars(x)
				fp := evalAt()
				x[i] -= 2 * dh
				a.SetDesignVars(x)
				fm := evalAt()
				x[i] += dh
				a.SetDesignVars(x)
				fd := (fp - fm) / (2 * dh)
				assert.InDelta(t, fd, totalDeriv[i], 1e-6, "size %d dv %d", size, i)
			}
			// restore the converged state
			require.NoError(t, a.SetVariables(u, nil, nil))
		})
	}
}

func TestDependentNodeReducesStiffness(t *testing.T) {
	comm.Run(1, func(c *comm.Comm) {
		// three collinear nodes, the middle one slaved to the average of
		// its neighbors; two unit-length springs of stiffness k=2 reduce
		// to a single spring of stiffness k/2 between the end nodes
		a := New(c, 3, 1)
		s0 := elements.NewSpring(chainE, 1, 1, -1)
		s1 := elements.NewSpring(chainE, 1, 1, -1)
		require.NoError(t, a.SetConnectivity([][]int{{0, 1}, {1, 2}}))
		require.NoError(t, a.SetElements([]Element{s0, s1}))
		require.NoError(t, a.SetDependentNodes(map[int][]partition.Dependency{
			1: {{Node: 0, Weight: 0.5}, {Node: 2, Weight: 0.5}},
		}))
		require.NoError(t, a.Finalize())

		x := a.CreateNodeVec()
		for g := 0; g < 3; g++ {
			require.NoError(t, x.SetValues([]int{g * 3}, []float64{float64(g)}, linalg.Insert))
		}
		require.NoError(t, a.SetNodes(x))

		m, err := a.CreateOverlapMat()
		require.NoError(t, err)
		require.NoError(t, a.AssembleJacobian(1, 0, 0, nil, m))

		kred := chainE / 2
		b := m.LocalBlock()
		assert.InDelta(t, kred, b.At(0, 0), 1e-12)
		assert.InDelta(t, -kred, b.At(0, 2), 1e-12)
		assert.InDelta(t, -kred, b.At(2, 0), 1e-12)
		assert.InDelta(t, kred, b.At(2, 2), 1e-12)
		// the slaved node's row is the identity
		assert.InDelta(t, 1, b.At(1, 1), 1e-12)
		assert.InDelta(t, 0, b.At(1, 0), 1e-12)
	})
}

func TestGetVariablesExpandsDependentNodes(t *testing.T) {
	comm.Run(1, func(c *comm.Comm) {
		a := New(c, 3, 1)
		s0 := elements.NewSpring(chainE, 1, 1, -1)
		s1 := elements.NewSpring(chainE, 1, 1, -1)
		require.NoError(t, a.SetConnectivity([][]int{{0, 1}, {1, 2}}))
		require.NoError(t, a.SetElements([]Element{s0, s1}))
		require.NoError(t, a.SetDependentNodes(map[int][]partition.Dependency{
			1: {{Node: 0, Weight: 0.5}, {Node: 2, Weight: 0.5}},
		}))
		require.NoError(t, a.Finalize())

		// a state with the slaved slot left at zero, as the solvers do
		u := a.CreateVec()
		require.NoError(t, u.SetValues([]int{0, 2}, []float64{1, 3}, linalg.Insert))
		require.NoError(t, a.SetVariables(u, nil, nil))

		q := a.CreateVec()
		a.GetVariables(q, nil, nil)
		vals := q.Values()
		assert.InDelta(t, 1, vals[0], 1e-14)
		assert.InDelta(t, 2, vals[1], 1e-14) // 0.5*(1+3)
		assert.InDelta(t, 3, vals[2], 1e-14)
	})
}

func TestElementEvaluationErrorSurfaces(t *testing.T) {
	comm.Run(1, func(c *comm.Comm) {
		a := New(c, 2, 1)
		s := elements.NewSpring(1, 1, 1, -1)
		require.NoError(t, a.SetConnectivity([][]int{{0, 1}}))
		require.NoError(t, a.SetElements([]Element{s}))
		require.NoError(t, a.Finalize())
		// both nodes at the origin: zero-length spring
		require.NoError(t, a.SetNodes(a.CreateNodeVec()))

		res := a.CreateVec()
		err := a.AssembleResidual(res)
		var eerr *ElementEvaluationError
		require.ErrorAs(t, err, &eerr)
		assert.Equal(t, 0, eerr.Elem)
		assert.Equal(t, "residual", eerr.Op)
	})
}

func TestSetupAfterFinalizeRejected(t *testing.T) {
	comm.Run(1, func(c *comm.Comm) {
		a, _ := buildChain(t, c, 4, false)
		assert.Error(t, a.SetConnectivity(nil))
		assert.Error(t, a.AddBCs([]int{1}, nil, nil))
		assert.Error(t, a.Finalize())
	})
}
