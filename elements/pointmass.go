package elements

// PointMass is a single-node mass-spring-damper: m u'' + c u' + k u = f.
// It is the closed-form reference used to validate the time integrator.
type PointMass struct {
	M, C, K float64
	F       float64 // constant applied load
}

func (p *PointMass) NumNodes() int { return 1 }

func (p *PointMass) Residual(time float64, X, vars, dvars, ddvars, res []float64) error {
	res[0] += p.M*ddvars[0] + p.C*dvars[0] + p.K*vars[0] - p.F
	return nil
}

func (p *PointMass) Jacobian(time, alpha, beta, gamma float64, X, vars, dvars, ddvars []float64, jac []float64) error {
	jac[0] += alpha*p.K + beta*p.C + gamma*p.M
	return nil
}

// EvalFunctional contributes the kinetic plus potential energy.
func (p *PointMass) EvalFunctional(time float64, X, vars, dvars, ddvars []float64) (float64, error) {
	return 0.5*p.M*dvars[0]*dvars[0] + 0.5*p.K*vars[0]*vars[0], nil
}

func (p *PointMass) FunctionalSVSens(time float64, X, vars, dvars, ddvars, sens []float64) error {
	sens[0] += p.K * vars[0]
	return nil
}
