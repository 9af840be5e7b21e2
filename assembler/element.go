// Package assembler couples the mesh partition, the element contract,
// and the distributed linear algebra: it gathers element states, runs
// the element kernels, and scatters residual and Jacobian contributions
// into distributed vectors and matrices.
package assembler

import "fmt"

// Element is the external element contract. Implementations are given
// the element's node coordinates and state arrays (values, first and
// second time derivatives, varsPerNode entries per node, node-major)
// and fill the output in the same ordering.
type Element interface {
	// NumNodes returns the number of connectivity nodes.
	NumNodes() int

	// Residual adds the element residual for the current state into res
	// (length NumNodes*varsPerNode, zeroed by the caller).
	Residual(time float64, X, vars, dvars, ddvars, res []float64) error

	// Jacobian adds the combination alpha*dR/du + beta*dR/du' +
	// gamma*dR/du'' into jac, a row-major dense block of dimension
	// NumNodes*varsPerNode.
	Jacobian(time, alpha, beta, gamma float64, X, vars, dvars, ddvars []float64, jac []float64) error
}

// ElementFunctional is the optional capability for elements that
// contribute to a scalar functional of the state.
type ElementFunctional interface {
	// EvalFunctional returns this element's contribution to the
	// functional value.
	EvalFunctional(time float64, X, vars, dvars, ddvars []float64) (float64, error)

	// FunctionalSVSens adds the derivative of the element contribution
	// with respect to the element state into sens (same layout as vars).
	FunctionalSVSens(time float64, X, vars, dvars, ddvars, sens []float64) error
}

// ElementSens is the optional capability for elements carrying design
// variables. Design variables are identified by global ids indexing the
// design vector; elements sharing an id contribute additively.
type ElementSens interface {
	// SetDesignVars installs values from the design vector.
	SetDesignVars(x []float64)

	// GetDesignVars writes current values into the design vector.
	GetDesignVars(x []float64)

	// ResidualDVSens adds psi^T dR/dx into dfdx, indexed by design
	// variable id.
	ResidualDVSens(time float64, X, vars, dvars, ddvars, psi, dfdx []float64) error

	// FunctionalDVSens adds the explicit design derivative of the
	// element's functional contribution into dfdx.
	FunctionalDVSens(time float64, X, vars, dvars, ddvars, dfdx []float64) error
}

// ElementEvaluationError wraps a failure inside an element kernel with
// the local element index and the operation that failed. Evaluation
// errors surface immediately; there is no retry.
type ElementEvaluationError struct {
	Elem int
	Op   string
	Err  error
}

func (e *ElementEvaluationError) Error() string {
	return fmt.Sprintf("assembler: element %d: %s: %v", e.Elem, e.Op, e.Err)
}

func (e *ElementEvaluationError) Unwrap() error { return e.Err }
