package elements

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var springX = []float64{0, 0, 0, 1.5, 0, 0}

func testSpring() *Spring {
	s := NewSpring(70e3, 2.7, 0.8, 0)
	s.RayAlpha = 0.05
	s.RayBeta = 0.002
	return s
}

func elemResidual(t *testing.T, s *Spring, u, du, ddu []float64) []float64 {
	t.Helper()
	res := make([]float64, 2)
	require.NoError(t, s.Residual(0, springX, u, du, ddu, res))
	return res
}

func TestJacobianMatchesResidualDifferences(t *testing.T) {
	s := testSpring()
	u := []float64{0.1, -0.3}
	du := []float64{0.02, 0.04}
	ddu := []float64{-0.5, 0.25}
	const dh = 1e-6

	cases := []struct {
		name                string
		alpha, beta, gamma  float64
		state               []float64
	}{
		{"stiffness", 1, 0, 0, u},
		{"damping", 0, 1, 0, du},
		{"mass", 0, 0, 1, ddu},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			jac := make([]float64, 4)
			require.NoError(t, s.Jacobian(0, tc.alpha, tc.beta, tc.gamma, springX, u, du, ddu, jac))
			for j := 0; j < 2; j++ {
				tc.state[j] += dh
				rp := elemResidual(t, s, u, du, ddu)
				tc.state[j] -= 2 * dh
				rm := elemResidual(t, s, u, du, ddu)
				tc.state[j] += dh
				for i := 0; i < 2; i++ {
					fd := (rp[i] - rm[i]) / (2 * dh)
					assert.InDelta(t, fd, jac[i*2+j], 1e-4)
				}
			}
		})
	}
}

func TestResidualIsZeroAtRest(t *testing.T) {
	s := testSpring()
	zero := []float64{0, 0}
	res := elemResidual(t, s, zero, zero, zero)
	assert.Equal(t, []float64{0, 0}, res)
}

func TestFunctionalSVSensMatchesFiniteDifference(t *testing.T) {
	for _, kind := range []FunctionalKind{Compliance, KSStress} {
		s := testSpring()
		s.Functional = kind
		u := []float64{0.02, -0.01}
		zero := []float64{0, 0}
		const dh = 1e-7

		sens := make([]float64, 2)
		require.NoError(t, s.FunctionalSVSens(0, springX, u, zero, zero, sens))
		for j := 0; j < 2; j++ {
			u[j] += dh
			fp, err := s.EvalFunctional(0, springX, u, zero, zero)
			require.NoError(t, err)
			u[j] -= 2 * dh
			fm, err := s.EvalFunctional(0, springX, u, zero, zero)
			require.NoError(t, err)
			u[j] += dh
			fd := (fp - fm) / (2 * dh)
			assert.InDelta(t, fd, sens[j], 1e-5*math.Max(1, math.Abs(fd)))
		}
	}
}

func TestResidualDVSensMatchesFiniteDifference(t *testing.T) {
	s := testSpring()
	u := []float64{0.1, -0.3}
	du := []float64{0.02, 0.04}
	ddu := []float64{-0.5, 0.25}
	psi := []float64{0.7, -1.2}
	const dh = 1e-6

	dfdx := make([]float64, 1)
	require.NoError(t, s.ResidualDVSens(0, springX, u, du, ddu, psi, dfdx))

	dot := func() float64 {
		r := make([]float64, 2)
		require.NoError(t, s.Residual(0, springX, u, du, ddu, r))
		return psi[0]*r[0] + psi[1]*r[1]
	}
	a0 := s.A
	s.A = a0 + dh
	fp := dot()
	s.A = a0 - dh
	fm := dot()
	s.A = a0
	assert.InDelta(t, (fp-fm)/(2*dh), dfdx[0], 1e-4)
}

func TestDesignVarRoundTrip(t *testing.T) {
	s := NewSpring(1, 1, 0.25, 2)
	x := make([]float64, 4)
	s.GetDesignVars(x)
	assert.Equal(t, 0.25, x[2])
	x[2] = 0.75
	s.SetDesignVars(x)
	assert.Equal(t, 0.75, s.A)
}

func TestPointMassResidual(t *testing.T) {
	p := &PointMass{M: 2, C: 0.3, K: 5, F: 1}
	res := make([]float64, 1)
	require.NoError(t, p.Residual(0, nil, []float64{0.4}, []float64{-0.1}, []float64{0.2}, res))
	assert.InDelta(t, 2*0.2+0.3*(-0.1)+5*0.4-1, res[0], 1e-14)

	jac := make([]float64, 1)
	require.NoError(t, p.Jacobian(0, 2, 3, 4, nil, nil, []float64{0}, []float64{0}, jac))
	assert.InDelta(t, 2*5+3*0.3+4*2, jac[0], 1e-14)
}
