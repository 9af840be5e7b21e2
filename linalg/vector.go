package linalg

import (
	"fmt"
	"math"

	"github.com/parafem/parafem/comm"
)

// InsertMode selects how SetValues combines entries.
type InsertMode int

const (
	Insert InsertMode = iota
	Add
)

type vecPhase int

const (
	phaseIdle vecPhase = iota
	phaseReduce
	phaseScatter
)

// DistVector is a dense vector split into an owned segment and a ghost
// extension. Ghost contributions are folded into owners by a two-phase
// reduce; owner values are broadcast to ghosts by a two-phase scatter.
// At most one exchange may be outstanding; overlapping phases are caller
// misuse and panic.
type DistVector struct {
	layout *Layout
	vals   []float64

	phase    vecPhase
	pending  []*comm.Request
	recvBufs map[int][]float64
}

// NewVector creates a zeroed vector over the layout.
func NewVector(l *Layout) *DistVector {
	return &DistVector{
		layout: l,
		vals:   make([]float64, l.NumLocal()),
	}
}

func (v *DistVector) Layout() *Layout { return v.layout }

// Values exposes the local storage: owned entries first, then ghosts.
func (v *DistVector) Values() []float64 { return v.vals }

// OwnedValues returns the owned segment only.
func (v *DistVector) OwnedValues() []float64 { return v.vals[:v.layout.OwnedDofs] }

// Zero clears owned and ghost entries.
func (v *DistVector) Zero() {
	v.checkIdle("Zero")
	for i := range v.vals {
		v.vals[i] = 0
	}
}

// SetValues writes values at local dof indices, either overwriting or
// accumulating.
func (v *DistVector) SetValues(indices []int, values []float64, mode InsertMode) error {
	v.checkIdle("SetValues")
	if len(indices) != len(values) {
		return fmt.Errorf("linalg: SetValues: %d indices, %d values", len(indices), len(values))
	}
	for k, i := range indices {
		if i < 0 || i >= len(v.vals) {
			return fmt.Errorf("linalg: SetValues: index %d outside local range [0,%d)", i, len(v.vals))
		}
		if mode == Add {
			v.vals[i] += values[k]
		} else {
			v.vals[i] = values[k]
		}
	}
	return nil
}

// BeginReduce starts folding ghost contributions into their owners.
func (v *DistVector) BeginReduce() {
	v.checkIdle("BeginReduce")
	v.phase = phaseReduce
	v.recvBufs = make(map[int][]float64)

	for peer, dofs := range v.layout.RecvDofs {
		if len(dofs) == 0 {
			continue
		}
		buf := make([]float64, len(dofs))
		for k, d := range dofs {
			buf[k] = v.vals[d]
		}
		v.pending = append(v.pending, v.layout.Comm.Isend(peer, reduceTag, buf))
	}
	for peer, dofs := range v.layout.SendDofs {
		if len(dofs) == 0 {
			continue
		}
		buf := make([]float64, len(dofs))
		v.recvBufs[peer] = buf
		v.pending = append(v.pending, v.layout.Comm.Irecv(peer, reduceTag, buf))
	}
}

// EndReduce completes the reduction: incoming contributions are added to
// owned entries in peer-rank order and the ghost segment is zeroed.
func (v *DistVector) EndReduce() error {
	if v.phase != phaseReduce {
		panic("linalg: EndReduce without BeginReduce")
	}
	if err := v.wait(); err != nil {
		return err
	}
	for peer := 0; peer < v.layout.Comm.Size(); peer++ {
		buf, ok := v.recvBufs[peer]
		if !ok {
			continue
		}
		for k, d := range v.layout.SendDofs[peer] {
			v.vals[d] += buf[k]
		}
	}
	for i := v.layout.OwnedDofs; i < len(v.vals); i++ {
		v.vals[i] = 0
	}
	v.phase = phaseIdle
	v.recvBufs = nil
	return nil
}

// BeginScatter starts mirroring owner values into ghost slots.
func (v *DistVector) BeginScatter() {
	v.checkIdle("BeginScatter")
	v.phase = phaseScatter
	v.recvBufs = make(map[int][]float64)

	for peer, dofs := range v.layout.SendDofs {
		if len(dofs) == 0 {
			continue
		}
		buf := make([]float64, len(dofs))
		for k, d := range dofs {
			buf[k] = v.vals[d]
		}
		v.pending = append(v.pending, v.layout.Comm.Isend(peer, scatterTag, buf))
	}
	for peer, dofs := range v.layout.RecvDofs {
		if len(dofs) == 0 {
			continue
		}
		buf := make([]float64, len(dofs))
		v.recvBufs[peer] = buf
		v.pending = append(v.pending, v.layout.Comm.Irecv(peer, scatterTag, buf))
	}
}

// EndScatter completes the scatter; afterwards ghost entries mirror the
// current owner values.
func (v *DistVector) EndScatter() error {
	if v.phase != phaseScatter {
		panic("linalg: EndScatter without BeginScatter")
	}
	if err := v.wait(); err != nil {
		return err
	}
	for peer, buf := range v.recvBufs {
		for k, d := range v.layout.RecvDofs[peer] {
			v.vals[d] = buf[k]
		}
	}
	v.phase = phaseIdle
	v.recvBufs = nil
	return nil
}

// Reduce is BeginReduce immediately followed by EndReduce.
func (v *DistVector) Reduce() error {
	v.BeginReduce()
	return v.EndReduce()
}

// Scatter is BeginScatter immediately followed by EndScatter.
func (v *DistVector) Scatter() error {
	v.BeginScatter()
	return v.EndScatter()
}

func (v *DistVector) wait() error {
	var first error
	for _, req := range v.pending {
		if err := req.Wait(); err != nil && first == nil {
			first = err
		}
	}
	v.pending = v.pending[:0]
	return first
}

func (v *DistVector) checkIdle(op string) {
	if v.phase != phaseIdle {
		panic(fmt.Sprintf("linalg: %s while a reduce/scatter is outstanding", op))
	}
}

// Copy duplicates the vector contents into dst.
func (v *DistVector) CopyTo(dst *DistVector) {
	dst.checkIdle("CopyTo")
	copy(dst.vals, v.vals)
}

// Clone allocates a new vector with the same layout and contents.
func (v *DistVector) Clone() *DistVector {
	w := NewVector(v.layout)
	copy(w.vals, v.vals)
	return w
}

// Scale multiplies all local entries by alpha.
func (v *DistVector) Scale(alpha float64) {
	v.checkIdle("Scale")
	for i := range v.vals {
		v.vals[i] *= alpha
	}
}

// Axpy adds alpha times x, entry-wise over the local storage.
func (v *DistVector) Axpy(alpha float64, x *DistVector) {
	v.checkIdle("Axpy")
	for i := range v.vals {
		v.vals[i] += alpha * x.vals[i]
	}
}

// Dot returns the global inner product, summing owned entries only and
// reducing across ranks.
func (v *DistVector) Dot(x *DistVector) float64 {
	local := 0.0
	for i := 0; i < v.layout.OwnedDofs; i++ {
		local += v.vals[i] * x.vals[i]
	}
	return v.layout.Comm.AllReduceScalarSum(local)
}

// Norm returns the global 2-norm over owned entries.
func (v *DistVector) Norm() float64 {
	return math.Sqrt(v.Dot(v))
}

const (
	reduceTag  = 2001
	scatterTag = 2002
)
