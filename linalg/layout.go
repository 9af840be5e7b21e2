// Package linalg provides the distributed linear algebra used by the
// assembler: ghost-aware vectors, assembled sparse matrix formats,
// domain-decomposition preconditioners, and Krylov solvers. All global
// coupling goes through the comm package; within a rank, summation order
// is fixed so results are reproducible for a fixed layout.
package linalg

import (
	"fmt"

	"github.com/parafem/parafem/comm"
)

// Layout fixes one rank's degree-of-freedom space: owned dofs occupy
// [0, OwnedDofs), ghost dofs follow in [OwnedDofs, OwnedDofs+GhostDofs).
// The send/recv lists encode the ghost exchange pattern in local dof
// indices and are index-aligned between peers: entry k of SendDofs on the
// owner corresponds to entry k of RecvDofs on the ghosting rank.
type Layout struct {
	Comm      *comm.Comm
	OwnedDofs int
	GhostDofs int

	// per peer rank; nil when there is no exchange with that peer
	SendDofs [][]int // owned dof indices whose values the peer ghosts
	RecvDofs [][]int // local ghost dof indices owned by the peer
}

// NumLocal returns the owned plus ghost dof count.
func (l *Layout) NumLocal() int { return l.OwnedDofs + l.GhostDofs }

// Validate checks index ranges on the exchange lists.
func (l *Layout) Validate() error {
	if len(l.SendDofs) != l.Comm.Size() || len(l.RecvDofs) != l.Comm.Size() {
		return fmt.Errorf("linalg: exchange lists sized %d,%d for %d ranks",
			len(l.SendDofs), len(l.RecvDofs), l.Comm.Size())
	}
	for peer, dofs := range l.SendDofs {
		for _, d := range dofs {
			if d < 0 || d >= l.OwnedDofs {
				return fmt.Errorf("linalg: send dof %d to rank %d outside owned range [0,%d)",
					d, peer, l.OwnedDofs)
			}
		}
	}
	for peer, dofs := range l.RecvDofs {
		for _, d := range dofs {
			if d < l.OwnedDofs || d >= l.NumLocal() {
				return fmt.Errorf("linalg: recv dof %d from rank %d outside ghost range [%d,%d)",
					d, peer, l.OwnedDofs, l.NumLocal())
			}
		}
	}
	return nil
}

// SerialLayout builds a single-rank layout with no ghosts, used by tests
// and by inner solves on replicated data.
func SerialLayout(c *comm.Comm, n int) *Layout {
	return &Layout{
		Comm:      c,
		OwnedDofs: n,
		SendDofs:  make([][]int, c.Size()),
		RecvDofs:  make([][]int, c.Size()),
	}
}
