// Package elements provides small reference formulations exercising the
// assembler's element contract: a two-node axial spring with mass,
// Rayleigh damping, a design variable, and scalar functionals, and a
// single-node point mass oscillator. They back the tests and examples;
// the assembler itself depends only on the interfaces.
package elements

import (
	"fmt"
	"math"

	"github.com/notargets/gocfd/utils"
)

// FunctionalKind selects the scalar functional a Spring contributes to.
type FunctionalKind int

const (
	// Compliance contributes the element strain energy (EA/2L)(u2-u1)^2.
	Compliance FunctionalKind = iota
	// KSStress contributes exp(ksWeight*(sigma/yield - 1)); the
	// aggregate log((1/N)*sum)/ksWeight is taken by the caller.
	KSStress
)

// Spring is a two-node axial element with one unknown per node. The
// stiffness follows EA/L with L measured from the node coordinates,
// the consistent mass from rho*A*L, and damping is Rayleigh in both.
// The cross-section area is the design variable.
type Spring struct {
	E   float64 // modulus
	Rho float64 // density
	A   float64 // cross-section area

	// Rayleigh damping C = RayAlpha*M + RayBeta*K
	RayAlpha, RayBeta float64

	// DV is the design variable id for the area, or -1 when the area is
	// fixed.
	DV int

	Functional FunctionalKind
	KSWeight   float64 // aggregation weight for KSStress
	Yield      float64 // stress normalization for KSStress
}

// NewSpring returns a spring with the area as design variable dv.
func NewSpring(e, rho, area float64, dv int) *Spring {
	return &Spring{E: e, Rho: rho, A: area, DV: dv, KSWeight: 50, Yield: 1}
}

func (s *Spring) NumNodes() int { return 2 }

func (s *Spring) length(X []float64) float64 {
	dx := X[3] - X[0]
	dy := X[4] - X[1]
	dz := X[5] - X[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// blocks assembles the 2x2 stiffness, damping and mass for the current
// area.
func (s *Spring) blocks(X []float64) (k, c, m utils.Matrix, err error) {
	L := s.length(X)
	if L <= 0 {
		return k, c, m, fmt.Errorf("elements: zero-length spring")
	}
	ka := s.E * s.A / L
	ma := s.Rho * s.A * L / 6

	k = utils.NewMatrix(2, 2, []float64{ka, -ka, -ka, ka})
	m = utils.NewMatrix(2, 2, []float64{2 * ma, ma, ma, 2 * ma})
	c = utils.NewMatrix(2, 2, []float64{
		s.RayAlpha*2*ma + s.RayBeta*ka, s.RayAlpha*ma - s.RayBeta*ka,
		s.RayAlpha*ma - s.RayBeta*ka, s.RayAlpha*2*ma + s.RayBeta*ka,
	})
	return k, c, m, nil
}

func (s *Spring) Residual(time float64, X, vars, dvars, ddvars, res []float64) error {
	k, c, m, err := s.blocks(X)
	if err != nil {
		return err
	}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			res[i] += k.At(i, j)*vars[j] + c.At(i, j)*dvars[j] + m.At(i, j)*ddvars[j]
		}
	}
	return nil
}

func (s *Spring) Jacobian(time, alpha, beta, gamma float64, X, vars, dvars, ddvars []float64, jac []float64) error {
	k, c, m, err := s.blocks(X)
	if err != nil {
		return err
	}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			jac[i*2+j] += alpha*k.At(i, j) + beta*c.At(i, j) + gamma*m.At(i, j)
		}
	}
	return nil
}

// stress returns the axial stress for the current state.
func (s *Spring) stress(X, vars []float64) float64 {
	L := s.length(X)
	return s.E * (vars[1] - vars[0]) / L
}

func (s *Spring) EvalFunctional(time float64, X, vars, dvars, ddvars []float64) (float64, error) {
	L := s.length(X)
	switch s.Functional {
	case Compliance:
		d := vars[1] - vars[0]
		return 0.5 * s.E * s.A / L * d * d, nil
	case KSStress:
		return math.Exp(s.KSWeight * (s.stress(X, vars)/s.Yield - 1)), nil
	}
	return 0, fmt.Errorf("elements: unknown functional kind %d", int(s.Functional))
}

func (s *Spring) FunctionalSVSens(time float64, X, vars, dvars, ddvars, sens []float64) error {
	L := s.length(X)
	switch s.Functional {
	case Compliance:
		d := vars[1] - vars[0]
		g := s.E * s.A / L * d
		sens[0] += -g
		sens[1] += g
		return nil
	case KSStress:
		// d/du exp(w*(sigma/yield - 1)) with sigma = E*(u2-u1)/L
		e := math.Exp(s.KSWeight * (s.stress(X, vars)/s.Yield - 1))
		g := e * s.KSWeight * s.E / (s.Yield * L)
		sens[0] += -g
		sens[1] += g
		return nil
	}
	return fmt.Errorf("elements: unknown functional kind %d", int(s.Functional))
}

func (s *Spring) SetDesignVars(x []float64) {
	if s.DV >= 0 && s.DV < len(x) {
		s.A = x[s.DV]
	}
}

func (s *Spring) GetDesignVars(x []float64) {
	if s.DV >= 0 && s.DV < len(x) {
		x[s.DV] = s.A
	}
}

func (s *Spring) ResidualDVSens(time float64, X, vars, dvars, ddvars, psi, dfdx []float64) error {
	if s.DV < 0 {
		return nil
	}
	// every block scales linearly with the area, so dR/dA = R/A with the
	// area factored out
	L := s.length(X)
	if L <= 0 {
		return fmt.Errorf("elements: zero-length spring")
	}
	ka := s.E / L
	ma := s.Rho * L / 6
	sum := 0.0
	for i := 0; i < 2; i++ {
		var ri float64
		for j := 0; j < 2; j++ {
			kij := ka
			mij := 2 * ma
			if i != j {
				kij = -ka
				mij = ma
			}
			cij := s.RayAlpha*mij + s.RayBeta*kij
			ri += kij*vars[j] + cij*dvars[j] + mij*ddvars[j]
		}
		sum += psi[i] * ri
	}
	dfdx[s.DV] += sum
	return nil
}

func (s *Spring) FunctionalDVSens(time float64, X, vars, dvars, ddvars, dfdx []float64) error {
	if s.DV < 0 {
		return nil
	}
	L := s.length(X)
	switch s.Functional {
	case Compliance:
		d := vars[1] - vars[0]
		dfdx[s.DV] += 0.5 * s.E / L * d * d
	case KSStress:
		// the stress of an axial spring does not depend on the area
	default:
		return fmt.Errorf("elements: unknown functional kind %d", int(s.Functional))
	}
	return nil
}
