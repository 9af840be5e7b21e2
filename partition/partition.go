// Package partition tracks node ownership across ranks: the contiguous
// range of global node numbers each rank owns, the off-rank ghost nodes
// referenced by local elements, and the exchange pattern used to reduce
// ghost contributions into owners and to broadcast owner values back out.
package partition

import (
	"fmt"
	"sort"

	"github.com/parafem/parafem/comm"
)

// Error reports malformed connectivity or ownership data.
type Error struct {
	Node int
	Elem int
	Msg  string
}

func (e *Error) Error() string {
	if e.Elem >= 0 {
		return fmt.Sprintf("partition: element %d: node %d: %s", e.Elem, e.Node, e.Msg)
	}
	return fmt.Sprintf("partition: node %d: %s", e.Node, e.Msg)
}

// Dependency is one term of a dependent node's weighted combination.
type Dependency struct {
	Node   int
	Weight float64
}

// NodePartition describes one rank's share of the global node set.
type NodePartition struct {
	c           *comm.Comm
	totalNodes  int
	varsPerNode int

	// ownerRange[r] is the first global node owned by rank r;
	// rank r owns [ownerRange[r], ownerRange[r+1]).
	ownerRange []int

	// ghost bookkeeping, fixed by Build
	ghosts     []int       // sorted global ids referenced locally but owned elsewhere
	ghostIndex map[int]int // global id -> slot in ghosts

	// exchange pattern: per peer rank, sorted global node lists
	sendNodes [][]int // owned nodes that the peer ghosts
	recvNodes [][]int // local ghosts that the peer owns

	// permutation of owned nodes into solver order; identity by default
	perm []int

	deps  map[int][]Dependency
	built bool
}

// NewNodePartition computes the contiguous ownership ranges for a mesh of
// totalNodes nodes over the ranks of c. The remainder goes to the last rank.
func NewNodePartition(c *comm.Comm, totalNodes, varsPerNode int) *NodePartition {
	size := c.Size()
	per := totalNodes / size
	ownerRange := make([]int, size+1)
	for r := 0; r < size; r++ {
		ownerRange[r] = r * per
	}
	ownerRange[size] = totalNodes

	p := &NodePartition{
		c:           c,
		totalNodes:  totalNodes,
		varsPerNode: varsPerNode,
		ownerRange:  ownerRange,
		ghostIndex:  make(map[int]int),
		deps:        make(map[int][]Dependency),
	}
	p.perm = make([]int, p.NumOwned())
	for i := range p.perm {
		p.perm[i] = i
	}
	return p
}

func (p *NodePartition) Comm() *comm.Comm { return p.c }
func (p *NodePartition) TotalNodes() int  { return p.totalNodes }
func (p *NodePartition) VarsPerNode() int { return p.varsPerNode }

// FirstNode returns the first global node owned by this rank.
func (p *NodePartition) FirstNode() int { return p.ownerRange[p.c.Rank()] }

// NumOwned returns the number of nodes owned by this rank.
func (p *NodePartition) NumOwned() int {
	r := p.c.Rank()
	return p.ownerRange[r+1] - p.ownerRange[r]
}

// NumGhosts returns the number of ghost nodes referenced by local elements.
func (p *NodePartition) NumGhosts() int { return len(p.ghosts) }

// Ghosts returns the sorted global ids of the local ghost nodes.
func (p *NodePartition) Ghosts() []int { return p.ghosts }

// OwnerOf returns the rank owning the given global node.
func (p *NodePartition) OwnerOf(node int) int {
	r := sort.SearchInts(p.ownerRange[1:], node+1)
	return r
}

// IsOwned reports whether this rank owns the given global node.
func (p *NodePartition) IsOwned(node int) bool {
	r := p.c.Rank()
	return node >= p.ownerRange[r] && node < p.ownerRange[r+1]
}

// SetDependent declares node as a weighted combination of other nodes.
// Must be called before Build; weights are expected to sum to 1.
func (p *NodePartition) SetDependent(node int, deps []Dependency) error {
	if p.built {
		return &Error{Node: node, Elem: -1, Msg: "cannot add dependent node after Build"}
	}
	if node < 0 || node >= p.totalNodes {
		return &Error{Node: node, Elem: -1, Msg: "dependent node out of range"}
	}
	d := make([]Dependency, len(deps))
	copy(d, deps)
	p.deps[node] = d
	return nil
}

// Dependencies returns the resolved dependency list for node, or nil if
// node is independent. Only valid after Build.
func (p *NodePartition) Dependencies(node int) []Dependency {
	return p.deps[node]
}

// Build validates the local element connectivity, collects the ghost node
// set, resolves dependent nodes to independent ones, and negotiates the
// exchange pattern with neighboring ranks.
func (p *NodePartition) Build(conn [][]int) error {
	if p.built {
		return &Error{Node: -1, Elem: -1, Msg: "already built"}
	}
	if err := p.resolveDependents(); err != nil {
		return err
	}

	// collect ghosts: any referenced node (including through dependencies)
	// not owned locally
	seen := make(map[int]bool)
	for e, nodes := range conn {
		for _, n := range nodes {
			if n < 0 || n >= p.totalNodes {
				return &Error{Node: n, Elem: e, Msg: "node id out of range"}
			}
			for _, ref := range p.refNodes(n) {
				if !p.IsOwned(ref) && !seen[ref] {
					seen[ref] = true
					p.ghosts = append(p.ghosts, ref)
				}
			}
		}
	}
	sort.Ints(p.ghosts)
	for i, n := range p.ghosts {
		p.ghostIndex[n] = i
	}

	p.negotiateExchange()
	p.built = true
	return nil
}

// refNodes expands a referenced node into the independent nodes that carry
// its degrees of freedom.
func (p *NodePartition) refNodes(node int) []int {
	deps, ok := p.deps[node]
	if !ok {
		return []int{node}
	}
	out := make([]int, len(deps))
	for i, d := range deps {
		out[i] = d.Node
	}
	return out
}

// resolveDependents flattens dependency chains so that every dependent
// node refers only to independent nodes. Cycles are an error.
func (p *NodePartition) resolveDependents() error {
	for node := range p.deps {
		flat, err := p.flatten(node, map[int]bool{node: true}, 1.0)
		if err != nil {
			return err
		}
		// merge duplicate terms deterministically
		byNode := make(map[int]float64)
		var order []int
		for _, d := range flat {
			if _, ok := byNode[d.Node]; !ok {
				order = append(order, d.Node)
			}
			byNode[d.Node] += d.Weight
		}
		sort.Ints(order)
		merged := make([]Dependency, len(order))
		for i, n := range order {
			merged[i] = Dependency{Node: n, Weight: byNode[n]}
		}
		p.deps[node] = merged
	}
	return nil
}

func (p *NodePartition) flatten(node int, visiting map[int]bool, scale float64) ([]Dependency, error) {
	var out []Dependency
	for _, d := range p.deps[node] {
		if visiting[d.Node] {
			return nil, &Error{Node: d.Node, Elem: -1, Msg: "dependency cycle"}
		}
		if _, dep := p.deps[d.Node]; dep {
			visiting[d.Node] = true
			sub, err := p.flatten(d.Node, visiting, scale*d.Weight)
			if err != nil {
				return nil, err
			}
			delete(visiting, d.Node)
			out = append(out, sub...)
		} else {
			out = append(out, Dependency{Node: d.Node, Weight: scale * d.Weight})
		}
	}
	return out, nil
}

// negotiateExchange tells each owner which of its nodes are ghosted here,
// establishing symmetric send/recv lists. Counts travel through a global
// reduction; id lists follow point-to-point.
func (p *NodePartition) negotiateExchange() {
	size := p.c.Size()
	rank := p.c.Rank()

	p.recvNodes = make([][]int, size)
	p.sendNodes = make([][]int, size)
	for _, n := range p.ghosts {
		owner := p.OwnerOf(n)
		p.recvNodes[owner] = append(p.recvNodes[owner], n)
	}

	// counts[i*size+j]: number of ghosts rank i needs from rank j
	counts := make([]float64, size*size)
	for owner, nodes := range p.recvNodes {
		counts[rank*size+owner] = float64(len(nodes))
	}
	counts = p.c.AllReduceSum(counts)

	var reqs []*comm.Request
	for owner, nodes := range p.recvNodes {
		if len(nodes) == 0 {
			continue
		}
		buf := make([]float64, len(nodes))
		for i, n := range nodes {
			buf[i] = float64(n)
		}
		reqs = append(reqs, p.c.Isend(owner, exchangeTag, buf))
	}
	for peer := 0; peer < size; peer++ {
		n := int(counts[peer*size+rank])
		if n == 0 {
			continue
		}
		buf := make([]float64, n)
		req := p.c.Irecv(peer, exchangeTag, buf)
		if err := req.Wait(); err != nil {
			panic(err)
		}
		nodes := make([]int, n)
		for i, v := range buf {
			nodes[i] = int(v)
		}
		sort.Ints(nodes)
		p.sendNodes[peer] = nodes
	}
	for _, req := range reqs {
		if err := req.Wait(); err != nil {
			panic(err)
		}
	}
	p.c.Barrier()
}

const exchangeTag = 1001

// SendNodes returns, per peer rank, the sorted owned nodes that the peer
// ghosts. Valid after Build.
func (p *NodePartition) SendNodes() [][]int { return p.sendNodes }

// RecvNodes returns, per peer rank, the sorted local ghosts owned by that
// peer. Valid after Build.
func (p *NodePartition) RecvNodes() [][]int { return p.recvNodes }

// SetOrdering installs a permutation of the owned nodes: owned node
// FirstNode()+i is assigned local slot perm[i]. The permutation must be a
// bijection over [0, NumOwned()).
func (p *NodePartition) SetOrdering(perm []int) error {
	if len(perm) != p.NumOwned() {
		return &Error{Node: -1, Elem: -1, Msg: "ordering length mismatch"}
	}
	hit := make([]bool, len(perm))
	for _, v := range perm {
		if v < 0 || v >= len(perm) || hit[v] {
			return &Error{Node: v, Elem: -1, Msg: "ordering is not a bijection"}
		}
		hit[v] = true
	}
	copy(p.perm, perm)
	return nil
}

// LocalNode maps a global node id to its local slot: owned nodes occupy
// [0, NumOwned()) in permuted order, ghosts follow in sorted-id order.
// Returns -1 for nodes neither owned nor ghosted here.
func (p *NodePartition) LocalNode(node int) int {
	if p.IsOwned(node) {
		return p.perm[node-p.FirstNode()]
	}
	if i, ok := p.ghostIndex[node]; ok {
		return p.NumOwned() + i
	}
	return -1
}

// NumLocal returns owned plus ghost node count.
func (p *NodePartition) NumLocal() int { return p.NumOwned() + len(p.ghosts) }
