package linalg

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parafem/parafem/comm"
)

// twoRankLayout shares one dof: rank 0 owns dofs {0,1}, rank 1 owns
// {2,3}; rank 1 ghosts rank 0's dof 1.
func twoRankLayout(c *comm.Comm) *Layout {
	l := &Layout{
		Comm:      c,
		OwnedDofs: 2,
		SendDofs:  make([][]int, 2),
		RecvDofs:  make([][]int, 2),
	}
	if c.Rank() == 0 {
		l.SendDofs[1] = []int{1}
	} else {
		l.GhostDofs = 1
		l.RecvDofs[0] = []int{2}
	}
	return l
}

func TestReduceFoldsGhostIntoOwner(t *testing.T) {
	comm.Run(2, func(c *comm.Comm) {
		l := twoRankLayout(c)
		require.NoError(t, l.Validate())
		v := NewVector(l)
		if c.Rank() == 0 {
			require.NoError(t, v.SetValues([]int{0, 1}, []float64{1, 2}, Insert))
		} else {
			// a ghost contribution destined for rank 0's dof 1
			require.NoError(t, v.SetValues([]int{2}, []float64{10}, Add))
		}
		require.NoError(t, v.Reduce())

		if c.Rank() == 0 {
			assert.Equal(t, []float64{1, 12}, v.OwnedValues())
		} else {
			// ghost segment is cleared after a reduce
			assert.Equal(t, 0.0, v.Values()[2])
		}
	})
}

func TestScatterMirrorsOwnerIntoGhost(t *testing.T) {
	comm.Run(2, func(c *comm.Comm) {
		l := twoRankLayout(c)
		v := NewVector(l)
		if c.Rank() == 0 {
			require.NoError(t, v.SetValues([]int{1}, []float64{7.5}, Insert))
		}
		require.NoError(t, v.Scatter())
		if c.Rank() == 1 {
			assert.Equal(t, 7.5, v.Values()[2])
		}
	})
}

func TestGlobalNormAndDot(t *testing.T) {
	comm.Run(2, func(c *comm.Comm) {
		l := twoRankLayout(c)
		v := NewVector(l)
		w := NewVector(l)
		// owned entries globally: v = (1,2,3,4), w = (1,1,1,1)
		base := float64(2*c.Rank() + 1)
		require.NoError(t, v.SetValues([]int{0, 1}, []float64{base, base + 1}, Insert))
		require.NoError(t, w.SetValues([]int{0, 1}, []float64{1, 1}, Insert))

		assert.InDelta(t, 10.0, v.Dot(w), 1e-14)
		assert.InDelta(t, math.Sqrt(30), v.Norm(), 1e-14)
	})
}

func TestOutstandingPhasePanics(t *testing.T) {
	comm.Run(1, func(c *comm.Comm) {
		v := NewVector(SerialLayout(c, 3))
		v.BeginReduce()
		assert.Panics(t, func() { v.Zero() })
		require.NoError(t, v.EndReduce())
	})
}

func TestAxpyScaleClone(t *testing.T) {
	comm.Run(1, func(c *comm.Comm) {
		v := NewVector(SerialLayout(c, 3))
		require.NoError(t, v.SetValues([]int{0, 1, 2}, []float64{1, 2, 3}, Insert))
		w := v.Clone()
		w.Scale(2)
		w.Axpy(-1, v)
		assert.Equal(t, []float64{1, 2, 3}, w.OwnedValues())
	})
}
