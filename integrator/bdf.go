// Package integrator advances second-order systems in time with
// backward-difference formulas: per-step BDF coefficients feed the
// assembler's generalized Jacobian, and an inexact Newton loop with
// divergence backtracking solves each implicit step.
package integrator

import (
	"fmt"

	"github.com/parafem/parafem/assembler"
	"github.com/parafem/parafem/linalg"
)

// State tracks the integrator lifecycle.
type State int

const (
	Initialized State = iota
	Stepping
	Finished
)

// IntegrationError reports a step whose Newton iteration failed to
// converge after the backtracking budget was spent.
type IntegrationError struct {
	Step         int
	Iteration    int
	ResidualNorm float64
}

func (e *IntegrationError) Error() string {
	return fmt.Sprintf("integrator: step %d: newton iteration %d stalled at residual %.3e",
		e.Step, e.Iteration, e.ResidualNorm)
}

// Config bounds the integration. Zero values select the defaults noted
// per field.
type Config struct {
	TStart   float64
	TFinal   float64
	NumSteps int

	MaxOrder int // BDF order cap, 1 or 2 (default 2)

	MaxNewtonIters int     // default 10
	AbsTol         float64 // default 1e-10
	RelTol         float64 // default 1e-8
	MaxBacktracks  int     // update halvings per iteration (default 4)

	Krylov linalg.KrylovConfig

	// OnStep, when set, observes each accepted step.
	OnStep func(step int, time float64, q, qdot, qddot *linalg.DistVector)
}

func (c *Config) defaults() error {
	if c.NumSteps <= 0 {
		return fmt.Errorf("integrator: NumSteps must be positive")
	}
	if c.TFinal <= c.TStart {
		return fmt.Errorf("integrator: TFinal %g not after TStart %g", c.TFinal, c.TStart)
	}
	if c.MaxOrder == 0 {
		c.MaxOrder = 2
	}
	if c.MaxOrder < 1 || c.MaxOrder > 2 {
		return fmt.Errorf("integrator: unsupported BDF order %d", c.MaxOrder)
	}
	if c.MaxNewtonIters == 0 {
		c.MaxNewtonIters = 10
	}
	if c.AbsTol == 0 {
		c.AbsTol = 1e-10
	}
	if c.RelTol == 0 {
		c.RelTol = 1e-8
	}
	if c.MaxBacktracks == 0 {
		c.MaxBacktracks = 4
	}
	return nil
}

// bdfCoeffs returns the backward-difference coefficients for the given
// order: d/dt q_n ~ (sum a_i q_{n-i}) / h.
func bdfCoeffs(order int) []float64 {
	if order == 1 {
		return []float64{1, -1}
	}
	return []float64{1.5, -2, 0.5}
}

// BDF integrates the assembled system with first and second state
// derivatives formed by applying the difference formula to the state
// and velocity histories. The first step runs at order one while the
// history ramps up.
type BDF struct {
	asm *assembler.Assembler
	mat assembler.Matrix
	pc  linalg.Preconditioner
	cfg Config

	h     float64
	state State
	step  int

	q, qdot, qddot *linalg.DistVector
	qHist          []*linalg.DistVector // newest first
	qdotHist       []*linalg.DistVector
}

// New prepares the integrator. The matrix and preconditioner are reused
// across all steps; initial conditions default to rest.
func New(a *assembler.Assembler, mat assembler.Matrix, pc linalg.Preconditioner, cfg Config) (*BDF, error) {
	if err := cfg.defaults(); err != nil {
		return nil, err
	}
	b := &BDF{
		asm:   a,
		mat:   mat,
		pc:    pc,
		cfg:   cfg,
		h:     (cfg.TFinal - cfg.TStart) / float64(cfg.NumSteps),
		state: Initialized,
		q:     a.CreateVec(),
		qdot:  a.CreateVec(),
		qddot: a.CreateVec(),
	}
	return b, nil
}

// SetInitConditions installs the initial state and velocity; nil means
// zero. Only valid before the first step.
func (b *BDF) SetInitConditions(q, qdot *linalg.DistVector) error {
	if b.state != Initialized {
		return fmt.Errorf("integrator: initial conditions after stepping started")
	}
	if q != nil {
		q.CopyTo(b.q)
	}
	if qdot != nil {
		qdot.CopyTo(b.qdot)
	}
	return nil
}

func (b *BDF) State() State { return b.state }

// StepNumber returns the number of accepted steps.
func (b *BDF) StepNumber() int { return b.step }

// Time returns the time of the last accepted step.
func (b *BDF) Time() float64 { return b.cfg.TStart + float64(b.step)*b.h }

// Solution returns the current state vector as the solver carries it:
// dependent-node entries stay zero here. Assembler.GetVariables
// reconstructs them from their independent sources.
func (b *BDF) Solution() *linalg.DistVector { return b.q }

// Velocity returns the current first derivative.
func (b *BDF) Velocity() *linalg.DistVector { return b.qdot }

// Integrate advances through every remaining step.
func (b *BDF) Integrate() error {
	for b.state != Finished {
		if err := b.Step(); err != nil {
			return err
		}
	}
	return nil
}

// Step advances one BDF step with a Newton iteration on the implicit
// residual. If an update increases the residual norm it is halved a
// bounded number of times before the iteration counts as stalled.
func (b *BDF) Step() error {
	if b.state == Finished {
		return fmt.Errorf("integrator: already finished")
	}
	if b.state == Initialized {
		// seed the history with the initial conditions
		b.qHist = []*linalg.DistVector{b.q.Clone()}
		b.qdotHist = []*linalg.DistVector{b.qdot.Clone()}
		b.state = Stepping
	}

	b.step++
	t := b.cfg.TStart + float64(b.step)*b.h
	order := b.cfg.MaxOrder
	if b.step < order {
		order = b.step
	}
	a := bdfCoeffs(order)
	beta := a[0] / b.h
	gamma := a[0] * a[0] / (b.h * b.h)

	b.asm.SetSimulationTime(t)

	res := b.asm.CreateVec()
	du := b.asm.CreateVec()

	evalResidual := func() (float64, error) {
		b.updateDerivatives(a)
		if err := b.asm.SetVariables(b.q, b.qdot, b.qddot); err != nil {
			return 0, err
		}
		if err := b.asm.AssembleResidual(res); err != nil {
			return 0, err
		}
		return res.Norm(), nil
	}

	norm, err := evalResidual()
	if err != nil {
		return err
	}
	norm0 := norm

	converged := norm < b.cfg.AbsTol
	for it := 0; it < b.cfg.MaxNewtonIters && !converged; it++ {
		if err := b.asm.AssembleJacobian(1, beta, gamma, nil, b.mat); err != nil {
			return err
		}
		if err := b.pc.Factor(); err != nil {
			return err
		}
		du.Zero()
		kr, err := linalg.GMRES(b.mat, b.pc, res, du, b.cfg.Krylov)
		if err != nil {
			return err
		}
		if !kr.Converged {
			return &IntegrationError{Step: b.step, Iteration: it, ResidualNorm: norm}
		}

		// q <- q - du, backtracking on divergence
		b.q.Axpy(-1, du)
		next, err := evalResidual()
		if err != nil {
			return err
		}
		scale := 1.0
		back := 0
		for next > norm && back < b.cfg.MaxBacktracks {
			scale *= 0.5
			b.q.Axpy(scale, du)
			next, err = evalResidual()
			if err != nil {
				return err
			}
			back++
		}
		if next > norm {
			return &IntegrationError{Step: b.step, Iteration: it, ResidualNorm: next}
		}
		norm = next
		converged = norm < b.cfg.AbsTol || norm < b.cfg.RelTol*norm0
	}
	if !converged {
		return &IntegrationError{Step: b.step, Iteration: b.cfg.MaxNewtonIters, ResidualNorm: norm}
	}

	b.pushHistory()
	if b.cfg.OnStep != nil {
		b.cfg.OnStep(b.step, t, b.q, b.qdot, b.qddot)
	}
	if b.step == b.cfg.NumSteps {
		b.state = Finished
	}
	return nil
}

// updateDerivatives forms qdot and qddot from the difference formula
// applied to the current state and the stored histories.
func (b *BDF) updateDerivatives(a []float64) {
	b.qdot.Zero()
	b.qdot.Axpy(a[0]/b.h, b.q)
	for i := 1; i < len(a) && i <= len(b.qHist); i++ {
		b.qdot.Axpy(a[i]/b.h, b.qHist[i-1])
	}
	b.qddot.Zero()
	b.qddot.Axpy(a[0]/b.h, b.qdot)
	for i := 1; i < len(a) && i <= len(b.qdotHist); i++ {
		b.qddot.Axpy(a[i]/b.h, b.qdotHist[i-1])
	}
}

func (b *BDF) pushHistory() {
	keep := b.cfg.MaxOrder
	b.qHist = append([]*linalg.DistVector{b.q.Clone()}, b.qHist...)
	b.qdotHist = append([]*linalg.DistVector{b.qdot.Clone()}, b.qdotHist...)
	if len(b.qHist) > keep {
		b.qHist = b.qHist[:keep]
	}
	if len(b.qdotHist) > keep {
		b.qdotHist = b.qdotHist[:keep]
	}
}
