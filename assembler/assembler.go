package assembler

import (
	"fmt"

	"github.com/parafem/parafem/comm"
	"github.com/parafem/parafem/linalg"
	"github.com/parafem/parafem/ordering"
	"github.com/parafem/parafem/partition"
)

// coordinates per node
const nodeCoords = 3

// Matrix is the assembly target shared by the overlap and Schur matrix
// formats.
type Matrix interface {
	linalg.Operator
	ZeroValues()
	AddValues(dofs []int, vals []float64) error
	ApplyIdentityRow(dof int)
}

type bcSpec struct {
	node   int
	vars   []int
	values []float64
}

// refTerm is one weighted reference from an element node to an
// independent local node slot. Independent nodes carry weight one;
// dependent nodes expand into their resolved combination.
type refTerm struct {
	slot   int
	upos   int // position of slot in the element's union list
	weight float64
}

// depTerm is one weighted contribution of an independent local dof to
// an owned dependent-node dof.
type depTerm struct {
	dst, src int
	w        float64
}

// Assembler owns the partition, the element set, and the state vectors,
// and drives residual, Jacobian, functional, and sensitivity assembly.
// The setup calls (SetConnectivity, SetElements, AddBCs,
// SetDependentNodes, ComputeReordering) must precede Finalize; assembly
// and evaluation require a finalized structure.
type Assembler struct {
	c    *comm.Comm
	part *partition.NodePartition
	vpn  int

	conn  [][]int
	elems []Element

	orderType ordering.Type
	bcSpecs   []bcSpec

	finalized bool
	time      float64

	layout     *linalg.Layout // state dofs, vpn per node
	nodeLayout *linalg.Layout // coordinates, three per node

	// per local element: sorted independent node slots, their dof lists,
	// and per element node the weighted slot references
	elemUnion [][]int
	elemDofs  [][]int
	elemTerms [][][]refTerm

	bcDofs   []int
	bcValues []float64

	// dofs of owned dependent nodes; they carry no equations of their
	// own, so their rows collapse to the identity like constrained dofs
	depDofs []int

	// expansion of those dofs over their independent sources, for
	// read-back of state at dependent nodes
	depTerms []depTerm

	coords              *linalg.DistVector
	vars, dvars, ddvars *linalg.DistVector

	numDVs int
}

// New creates an assembler over a mesh of totalNodes global nodes with
// varsPerNode unknowns per node, partitioned across the ranks of c.
func New(c *comm.Comm, totalNodes, varsPerNode int) *Assembler {
	return &Assembler{
		c:    c,
		part: partition.NewNodePartition(c, totalNodes, varsPerNode),
		vpn:  varsPerNode,
	}
}

func (a *Assembler) Comm() *comm.Comm { return a.c }

func (a *Assembler) Partition() *partition.NodePartition { return a.part }

func (a *Assembler) VarsPerNode() int { return a.vpn }

// SetSimulationTime sets the time passed to every element kernel.
func (a *Assembler) SetSimulationTime(t float64) { a.time = t }

func (a *Assembler) Time() float64 { return a.time }

// SetConnectivity installs this rank's element-to-node connectivity in
// global node ids.
func (a *Assembler) SetConnectivity(conn [][]int) error {
	if a.finalized {
		return fmt.Errorf("assembler: SetConnectivity after Finalize")
	}
	a.conn = make([][]int, len(conn))
	for e, nodes := range conn {
		a.conn[e] = append([]int(nil), nodes...)
	}
	return nil
}

// SetElements installs the element kernels, one per connectivity entry.
func (a *Assembler) SetElements(elems []Element) error {
	if a.finalized {
		return fmt.Errorf("assembler: SetElements after Finalize")
	}
	a.elems = append([]Element(nil), elems...)
	return nil
}

// AddBCs constrains the listed global nodes. vars selects the node
// unknowns to constrain (nil for all); values gives the prescribed
// values in the same order (nil for homogeneous).
func (a *Assembler) AddBCs(nodes []int, vars []int, values []float64) error {
	if a.finalized {
		return fmt.Errorf("assembler: AddBCs after Finalize")
	}
	if vars == nil {
		vars = make([]int, a.vpn)
		for v := range vars {
			vars[v] = v
		}
	}
	for _, v := range vars {
		if v < 0 || v >= a.vpn {
			return fmt.Errorf("assembler: boundary condition on variable %d of %d", v, a.vpn)
		}
	}
	if values == nil {
		values = make([]float64, len(vars))
	}
	if len(values) != len(vars) {
		return fmt.Errorf("assembler: %d values for %d constrained variables", len(values), len(vars))
	}
	for _, n := range nodes {
		if n < 0 || n >= a.part.TotalNodes() {
			return &partition.Error{Node: n, Elem: -1, Msg: "boundary condition node out of range"}
		}
		a.bcSpecs = append(a.bcSpecs, bcSpec{
			node:   n,
			vars:   append([]int(nil), vars...),
			values: append([]float64(nil), values...),
		})
	}
	return nil
}

// SetDependentNodes declares nodes whose unknowns are weighted
// combinations of other nodes. Chains are resolved at Finalize.
func (a *Assembler) SetDependentNodes(deps map[int][]partition.Dependency) error {
	if a.finalized {
		return fmt.Errorf("assembler: SetDependentNodes after Finalize")
	}
	for node, d := range deps {
		if err := a.part.SetDependent(node, d); err != nil {
			return err
		}
	}
	return nil
}

// ComputeReordering selects the fill-reducing ordering applied to the
// owned nodes during Finalize.
func (a *Assembler) ComputeReordering(t ordering.Type) error {
	if a.finalized {
		return fmt.Errorf("assembler: ComputeReordering after Finalize")
	}
	a.orderType = t
	return nil
}

// Finalize freezes the structure: it builds the partition and exchange
// pattern, applies the reordering, maps element nodes to local dofs
// (expanding dependent nodes), and allocates the state vectors. No
// setup call is accepted afterwards.
func (a *Assembler) Finalize() error {
	if a.finalized {
		return fmt.Errorf("assembler: already finalized")
	}
	if a.conn == nil {
		return fmt.Errorf("assembler: Finalize without connectivity")
	}
	if len(a.elems) != len(a.conn) {
		return fmt.Errorf("assembler: %d elements for %d connectivity entries", len(a.elems), len(a.conn))
	}
	for e, el := range a.elems {
		if el.NumNodes() != len(a.conn[e]) {
			return fmt.Errorf("assembler: element %d declares %d nodes, connectivity has %d",
				e, el.NumNodes(), len(a.conn[e]))
		}
	}

	if err := a.part.Build(a.conn); err != nil {
		return err
	}

	// reorder the owned nodes before any dof numbering exists
	adj := ordering.BuildAdjacency(a.part.NumOwned(), a.conn, func(g int) int {
		if a.part.IsOwned(g) {
			return g - a.part.FirstNode()
		}
		return -1
	})
	if err := a.part.SetOrdering(ordering.Compute(a.orderType, adj)); err != nil {
		return err
	}

	a.layout = a.buildLayout(a.vpn)
	a.nodeLayout = a.buildLayout(nodeCoords)
	if err := a.layout.Validate(); err != nil {
		return err
	}

	if err := a.buildElementMaps(); err != nil {
		return err
	}
	if err := a.buildBCs(); err != nil {
		return err
	}
	for g := a.part.FirstNode(); g < a.part.FirstNode()+a.part.NumOwned(); g++ {
		if a.part.Dependencies(g) == nil {
			continue
		}
		base := a.part.LocalNode(g) * a.vpn
		for v := 0; v < a.vpn; v++ {
			a.depDofs = append(a.depDofs, base+v)
			for _, dep := range a.part.Dependencies(g) {
				a.depTerms = append(a.depTerms, depTerm{
					dst: base + v,
					src: a.part.LocalNode(dep.Node)*a.vpn + v,
					w:   dep.Weight,
				})
			}
		}
	}

	a.coords = linalg.NewVector(a.nodeLayout)
	a.vars = linalg.NewVector(a.layout)
	a.dvars = linalg.NewVector(a.layout)
	a.ddvars = linalg.NewVector(a.layout)
	a.finalized = true
	return nil
}

func (a *Assembler) buildLayout(stride int) *linalg.Layout {
	p := a.part
	l := &linalg.Layout{
		Comm:      a.c,
		OwnedDofs: p.NumOwned() * stride,
		GhostDofs: p.NumGhosts() * stride,
		SendDofs:  make([][]int, a.c.Size()),
		RecvDofs:  make([][]int, a.c.Size()),
	}
	// node lists are sorted by global id on both sides, so expanding
	// each node into stride dofs keeps the peers index-aligned
	for peer, nodes := range p.SendNodes() {
		for _, n := range nodes {
			base := p.LocalNode(n) * stride
			for v := 0; v < stride; v++ {
				l.SendDofs[peer] = append(l.SendDofs[peer], base+v)
			}
		}
	}
	for peer, nodes := range p.RecvNodes() {
		for _, n := range nodes {
			base := p.LocalNode(n) * stride
			for v := 0; v < stride; v++ {
				l.RecvDofs[peer] = append(l.RecvDofs[peer], base+v)
			}
		}
	}
	return l
}

func (a *Assembler) buildElementMaps() error {
	a.elemUnion = make([][]int, len(a.conn))
	a.elemDofs = make([][]int, len(a.conn))
	a.elemTerms = make([][][]refTerm, len(a.conn))

	for e, nodes := range a.conn {
		terms := make([][]refTerm, len(nodes))
		slotPos := make(map[int]int)
		var union []int
		for i, n := range nodes {
			refs := a.part.Dependencies(n)
			if refs == nil {
				refs = []partition.Dependency{{Node: n, Weight: 1}}
			}
			for _, d := range refs {
				slot := a.part.LocalNode(d.Node)
				if slot < 0 {
					return &partition.Error{Node: d.Node, Elem: e, Msg: "referenced node not local"}
				}
				if _, ok := slotPos[slot]; !ok {
					slotPos[slot] = 0
					union = append(union, slot)
				}
				terms[i] = append(terms[i], refTerm{slot: slot, weight: d.Weight})
			}
		}
		sortSlots(union)
		for pos, s := range union {
			slotPos[s] = pos
		}
		for i := range terms {
			for k := range terms[i] {
				terms[i][k].upos = slotPos[terms[i][k].slot]
			}
		}

		dofs := make([]int, 0, len(union)*a.vpn)
		for _, s := range union {
			for v := 0; v < a.vpn; v++ {
				dofs = append(dofs, s*a.vpn+v)
			}
		}
		a.elemUnion[e] = union
		a.elemDofs[e] = dofs
		a.elemTerms[e] = terms
	}
	return nil
}

func sortSlots(s []int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

func (a *Assembler) buildBCs() error {
	for _, bc := range a.bcSpecs {
		if a.part.Dependencies(bc.node) != nil {
			return &partition.Error{Node: bc.node, Elem: -1, Msg: "boundary condition on dependent node"}
		}
		slot := a.part.LocalNode(bc.node)
		if slot < 0 {
			continue // node not represented on this rank
		}
		for k, v := range bc.vars {
			a.bcDofs = append(a.bcDofs, slot*a.vpn+v)
			a.bcValues = append(a.bcValues, bc.values[k])
		}
	}
	return nil
}

func (a *Assembler) requireFinalized(op string) error {
	if !a.finalized {
		return fmt.Errorf("assembler: %s before Finalize", op)
	}
	return nil
}

// Layout returns the state dof layout. Valid after Finalize.
func (a *Assembler) Layout() *linalg.Layout { return a.layout }

// CreateVec allocates a state-sized distributed vector.
func (a *Assembler) CreateVec() *linalg.DistVector { return linalg.NewVector(a.layout) }

// CreateNodeVec allocates a coordinate vector, three entries per node.
func (a *Assembler) CreateNodeVec() *linalg.DistVector { return linalg.NewVector(a.nodeLayout) }

// CreateOverlapMat builds the overlapping matrix over the element
// structure, for the additive Schwarz pairing.
func (a *Assembler) CreateOverlapMat() (*linalg.OverlapMat, error) {
	if err := a.requireFinalized("CreateOverlapMat"); err != nil {
		return nil, err
	}
	return linalg.NewOverlapMat(a.layout, a.elemDofs), nil
}

// CreateSchurMat builds the interior/interface split matrix, for the
// direct and approximate Schur pairings.
func (a *Assembler) CreateSchurMat() (*linalg.SchurMat, error) {
	if err := a.requireFinalized("CreateSchurMat"); err != nil {
		return nil, err
	}
	mask := make([]bool, a.layout.OwnedDofs)
	for _, dofs := range a.layout.SendDofs {
		for _, d := range dofs {
			mask[d] = true
		}
	}
	return linalg.NewSchurMat(a.layout, a.elemDofs, mask)
}

// SetNodes installs the node coordinates and refreshes their ghosts.
func (a *Assembler) SetNodes(x *linalg.DistVector) error {
	if err := a.requireFinalized("SetNodes"); err != nil {
		return err
	}
	x.CopyTo(a.coords)
	return a.coords.Scatter()
}

// GetNodes returns the coordinate vector.
func (a *Assembler) GetNodes() *linalg.DistVector { return a.coords }

// SetVariables installs state, velocity and acceleration (nil leaves a
// component unchanged) and refreshes their ghosts.
func (a *Assembler) SetVariables(q, qdot, qddot *linalg.DistVector) error {
	if err := a.requireFinalized("SetVariables"); err != nil {
		return err
	}
	for _, pair := range []struct {
		src, dst *linalg.DistVector
	}{{q, a.vars}, {qdot, a.dvars}, {qddot, a.ddvars}} {
		if pair.src == nil {
			continue
		}
		pair.src.CopyTo(pair.dst)
		if err := pair.dst.Scatter(); err != nil {
			return err
		}
	}
	return nil
}

// GetVariables copies the current state into the given vectors; nil
// skips a component.
func (a *Assembler) GetVariables(q, qdot, qddot *linalg.DistVector) {
	if q != nil {
		a.vars.CopyTo(q)
		a.expandDependent(q)
	}
	if qdot != nil {
		a.dvars.CopyTo(qdot)
		a.expandDependent(qdot)
	}
	if qddot != nil {
		a.ddvars.CopyTo(qddot)
		a.expandDependent(qddot)
	}
}

// expandDependent overwrites the dependent-node entries with the
// weighted combination of their independent sources. The solvers keep
// those slots at zero, so read-back reconstructs them here; ghost
// sources are current because SetVariables scatters.
func (a *Assembler) expandDependent(v *linalg.DistVector) {
	vals := v.Values()
	for _, d := range a.depDofs {
		vals[d] = 0
	}
	for _, t := range a.depTerms {
		vals[t.dst] += t.w * vals[t.src]
	}
}

// ZeroVariables clears state, velocity and acceleration.
func (a *Assembler) ZeroVariables() {
	a.vars.Zero()
	a.dvars.Zero()
	a.ddvars.Zero()
}

// gatherElem collects an element's entries from a distributed vector,
// applying dependent-node weights. out is node-major with the given
// stride and is overwritten.
func (a *Assembler) gatherElem(e int, src *linalg.DistVector, stride int, out []float64) {
	for i := range out {
		out[i] = 0
	}
	vals := src.Values()
	for i, terms := range a.elemTerms[e] {
		for _, t := range terms {
			base := t.slot * stride
			for v := 0; v < stride; v++ {
				out[i*stride+v] += t.weight * vals[base+v]
			}
		}
	}
}

// scatterAddElem distributes element-level values back into a
// distributed vector, transposing the dependent-node weighting.
func (a *Assembler) scatterAddElem(e int, src []float64, stride int, dst *linalg.DistVector) {
	vals := dst.Values()
	for i, terms := range a.elemTerms[e] {
		for _, t := range terms {
			base := t.slot * stride
			for v := 0; v < stride; v++ {
				vals[base+v] += t.weight * src[i*stride+v]
			}
		}
	}
}

type elemBufs struct {
	xe, ue, due, ddue, re []float64
}

func (a *Assembler) newBufs(nn int) elemBufs {
	n := nn * a.vpn
	return elemBufs{
		xe:   make([]float64, nn*nodeCoords),
		ue:   make([]float64, n),
		due:  make([]float64, n),
		ddue: make([]float64, n),
		re:   make([]float64, n),
	}
}

func (a *Assembler) gatherState(e int, b *elemBufs) {
	a.gatherElem(e, a.coords, nodeCoords, b.xe)
	a.gatherElem(e, a.vars, a.vpn, b.ue)
	a.gatherElem(e, a.dvars, a.vpn, b.due)
	a.gatherElem(e, a.ddvars, a.vpn, b.ddue)
}

// AssembleResidual assembles the global residual for the current state:
// element evaluation, dependent-node weighted scatter, ghost reduction,
// then exact zeroing at constrained dofs.
func (a *Assembler) AssembleResidual(res *linalg.DistVector) error {
	if err := a.requireFinalized("AssembleResidual"); err != nil {
		return err
	}
	res.Zero()
	for e, el := range a.elems {
		b := a.newBufs(el.NumNodes())
		a.gatherState(e, &b)
		if err := el.Residual(a.time, b.xe, b.ue, b.due, b.ddue, b.re); err != nil {
			return &ElementEvaluationError{Elem: e, Op: "residual", Err: err}
		}
		a.scatterAddElem(e, b.re, a.vpn, res)
	}
	if err := res.Reduce(); err != nil {
		return err
	}
	a.zeroBCDofs(res)
	return nil
}

// AssembleJacobian assembles alpha*K + beta*C + gamma*M into mat and,
// when res is non-nil, the residual in the same element sweep.
// Constrained rows and columns collapse to the identity.
func (a *Assembler) AssembleJacobian(alpha, beta, gamma float64, res *linalg.DistVector, mat Matrix) error {
	if err := a.requireFinalized("AssembleJacobian"); err != nil {
		return err
	}
	if res != nil {
		res.Zero()
	}
	mat.ZeroValues()

	for e, el := range a.elems {
		nn := el.NumNodes()
		b := a.newBufs(nn)
		a.gatherState(e, &b)
		if res != nil {
			if err := el.Residual(a.time, b.xe, b.ue, b.due, b.ddue, b.re); err != nil {
				return &ElementEvaluationError{Elem: e, Op: "residual", Err: err}
			}
			a.scatterAddElem(e, b.re, a.vpn, res)
		}

		n := nn * a.vpn
		jac := make([]float64, n*n)
		if err := el.Jacobian(a.time, alpha, beta, gamma, b.xe, b.ue, b.due, b.ddue, jac); err != nil {
			return &ElementEvaluationError{Elem: e, Op: "jacobian", Err: err}
		}
		if err := a.addElemBlock(e, jac, mat); err != nil {
			return err
		}
	}

	if res != nil {
		if err := res.Reduce(); err != nil {
			return err
		}
		a.zeroBCDofs(res)
	}
	for _, d := range a.bcDofs {
		mat.ApplyIdentityRow(d)
	}
	for _, d := range a.depDofs {
		mat.ApplyIdentityRow(d)
	}
	return nil
}

// addElemBlock expands an element-local dense block over the dependent
// node weights and accumulates it at the element's independent dofs.
func (a *Assembler) addElemBlock(e int, jac []float64, mat Matrix) error {
	terms := a.elemTerms[e]
	un := len(a.elemUnion[e])
	s := a.vpn
	n := len(terms) * s
	block := make([]float64, un*s*un*s)
	for i, ti := range terms {
		for _, t1 := range ti {
			for j, tj := range terms {
				for _, t2 := range tj {
					w := t1.weight * t2.weight
					for v := 0; v < s; v++ {
						row := (t1.upos*s + v) * un * s
						erow := (i*s + v) * n
						for u := 0; u < s; u++ {
							block[row+t2.upos*s+u] += w * jac[erow+j*s+u]
						}
					}
				}
			}
		}
	}
	return mat.AddValues(a.elemDofs[e], block)
}

func (a *Assembler) zeroBCDofs(v *linalg.DistVector) {
	vals := v.Values()
	for _, d := range a.bcDofs {
		vals[d] = 0
	}
	for _, d := range a.depDofs {
		vals[d] = 0
	}
}

// ApplyBCs zeroes the constrained entries of a vector, the treatment
// residuals and right-hand sides receive.
func (a *Assembler) ApplyBCs(v *linalg.DistVector) {
	a.zeroBCDofs(v)
}

// SetBCValues writes the prescribed boundary values into a state
// vector.
func (a *Assembler) SetBCValues(v *linalg.DistVector) {
	vals := v.Values()
	for k, d := range a.bcDofs {
		vals[d] = a.bcValues[k]
	}
}

// SetNumDesignVars fixes the length of the design vector.
func (a *Assembler) SetNumDesignVars(n int) { a.numDVs = n }

func (a *Assembler) NumDesignVars() int { return a.numDVs }

// SetDesignVars pushes design values into every element carrying them.
func (a *Assembler) SetDesignVars(x []float64) {
	for _, el := range a.elems {
		if s, ok := el.(ElementSens); ok {
			s.SetDesignVars(x)
		}
	}
}

// GetDesignVars collects current design values from the elements.
func (a *Assembler) GetDesignVars(x []float64) {
	for _, el := range a.elems {
		if s, ok := el.(ElementSens); ok {
			s.GetDesignVars(x)
		}
	}
}

// EvalFunctional sums the functional contributions of every element
// implementing the capability and reduces across ranks.
func (a *Assembler) EvalFunctional() (float64, error) {
	if err := a.requireFinalized("EvalFunctional"); err != nil {
		return 0, err
	}
	local := 0.0
	for e, el := range a.elems {
		fn, ok := el.(ElementFunctional)
		if !ok {
			continue
		}
		b := a.newBufs(el.NumNodes())
		a.gatherState(e, &b)
		v, err := fn.EvalFunctional(a.time, b.xe, b.ue, b.due, b.ddue)
		if err != nil {
			return 0, &ElementEvaluationError{Elem: e, Op: "functional", Err: err}
		}
		local += v
	}
	return a.c.AllReduceScalarSum(local), nil
}

// EvalSVSens assembles the state derivative of the functional, the
// adjoint right-hand side. Constrained entries are zeroed so the
// adjoint honors the boundary conditions.
func (a *Assembler) EvalSVSens(sens *linalg.DistVector) error {
	if err := a.requireFinalized("EvalSVSens"); err != nil {
		return err
	}
	sens.Zero()
	for e, el := range a.elems {
		fn, ok := el.(ElementFunctional)
		if !ok {
			continue
		}
		b := a.newBufs(el.NumNodes())
		a.gatherState(e, &b)
		if err := fn.FunctionalSVSens(a.time, b.xe, b.ue, b.due, b.ddue, b.re); err != nil {
			return &ElementEvaluationError{Elem: e, Op: "functional state sensitivity", Err: err}
		}
		a.scatterAddElem(e, b.re, a.vpn, sens)
	}
	if err := sens.Reduce(); err != nil {
		return err
	}
	a.zeroBCDofs(sens)
	return nil
}

// EvalDVSens overwrites dfdx with the explicit design derivative of the
// functional, summed over elements and ranks.
func (a *Assembler) EvalDVSens(dfdx []float64) error {
	if err := a.requireFinalized("EvalDVSens"); err != nil {
		return err
	}
	for i := range dfdx {
		dfdx[i] = 0
	}
	for e, el := range a.elems {
		s, ok := el.(ElementSens)
		if !ok {
			continue
		}
		b := a.newBufs(el.NumNodes())
		a.gatherState(e, &b)
		if err := s.FunctionalDVSens(a.time, b.xe, b.ue, b.due, b.ddue, dfdx); err != nil {
			return &ElementEvaluationError{Elem: e, Op: "functional design sensitivity", Err: err}
		}
	}
	copy(dfdx, a.c.AllReduceSum(dfdx))
	return nil
}

// EvalAdjointResProduct overwrites dfdx with the adjoint-residual
// product psi^T dR/dx, summed over elements and ranks. The total
// derivative of a functional is EvalDVSens minus this product when psi
// solves the adjoint system.
func (a *Assembler) EvalAdjointResProduct(psi *linalg.DistVector, dfdx []float64) error {
	if err := a.requireFinalized("EvalAdjointResProduct"); err != nil {
		return err
	}
	if err := psi.Scatter(); err != nil {
		return err
	}
	for i := range dfdx {
		dfdx[i] = 0
	}
	pe := []float64(nil)
	for e, el := range a.elems {
		s, ok := el.(ElementSens)
		if !ok {
			continue
		}
		b := a.newBufs(el.NumNodes())
		a.gatherState(e, &b)
		n := el.NumNodes() * a.vpn
		if cap(pe) < n {
			pe = make([]float64, n)
		}
		pe = pe[:n]
		a.gatherElem(e, psi, a.vpn, pe)
		if err := s.ResidualDVSens(a.time, b.xe, b.ue, b.due, b.ddue, pe, dfdx); err != nil {
			return &ElementEvaluationError{Elem: e, Op: "residual design sensitivity", Err: err}
		}
	}
	copy(dfdx, a.c.AllReduceSum(dfdx))
	return nil
}
