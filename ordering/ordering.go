// Package ordering computes fill-reducing permutations of the locally
// owned node set. The adjacency graph comes from element connectivity
// restricted to local nodes; the permutation is applied before any vector
// or matrix structure is created.
package ordering

import (
	"fmt"
	"sort"
)

// Type selects the reordering strategy.
type Type int

const (
	Natural Type = iota // identity, the default
	AMD                 // approximate minimum degree
	RCM                 // reverse Cuthill-McKee
	ND                  // nested dissection
)

func (t Type) String() string {
	switch t {
	case Natural:
		return "natural"
	case AMD:
		return "AMD"
	case RCM:
		return "RCM"
	case ND:
		return "ND"
	}
	return fmt.Sprintf("ordering.Type(%d)", int(t))
}

// BuildAdjacency assembles the symmetric node adjacency of the local
// graph: nodes i and j are adjacent when they share an element. localOf
// maps global connectivity entries to local indices in [0, n), returning
// -1 for nodes outside the local set. Neighbor lists are sorted and free
// of duplicates and self loops.
func BuildAdjacency(n int, conn [][]int, localOf func(int) int) [][]int {
	sets := make([]map[int]bool, n)
	for i := range sets {
		sets[i] = make(map[int]bool)
	}
	for _, nodes := range conn {
		local := make([]int, 0, len(nodes))
		for _, g := range nodes {
			if l := localOf(g); l >= 0 && l < n {
				local = append(local, l)
			}
		}
		for _, a := range local {
			for _, b := range local {
				if a != b {
					sets[a][b] = true
				}
			}
		}
	}
	adj := make([][]int, n)
	for i, s := range sets {
		for j := range s {
			adj[i] = append(adj[i], j)
		}
		sort.Ints(adj[i])
	}
	return adj
}

// Compute returns a permutation of [0, n) for the given strategy:
// perm[old] = new. Ties are broken by lowest node index so the result is
// deterministic for a fixed adjacency.
func Compute(t Type, adj [][]int) []int {
	n := len(adj)
	switch t {
	case Natural:
		perm := make([]int, n)
		for i := range perm {
			perm[i] = i
		}
		return perm
	case RCM:
		return reverseCuthillMcKee(adj)
	case AMD:
		return minimumDegree(adj)
	case ND:
		return nestedDissection(adj)
	}
	panic(fmt.Sprintf("ordering: unknown type %d", int(t)))
}

// reverseCuthillMcKee runs a breadth-first sweep per connected component
// from a low-degree start node, visiting neighbors in increasing degree
// order, then reverses the visit order.
func reverseCuthillMcKee(adj [][]int) []int {
	n := len(adj)
	visited := make([]bool, n)
	order := make([]int, 0, n)

	for {
		start := peripheralNode(adj, visited)
		if start < 0 {
			break
		}
		queue := []int{start}
		visited[start] = true
		for len(queue) > 0 {
			v := queue[0]
			queue = queue[1:]
			order = append(order, v)

			nbrs := make([]int, 0, len(adj[v]))
			for _, w := range adj[v] {
				if !visited[w] {
					visited[w] = true
					nbrs = append(nbrs, w)
				}
			}
			sort.Slice(nbrs, func(a, b int) bool {
				da, db := len(adj[nbrs[a]]), len(adj[nbrs[b]])
				if da != db {
					return da < db
				}
				return nbrs[a] < nbrs[b]
			})
			queue = append(queue, nbrs...)
		}
	}

	perm := make([]int, n)
	for pos, v := range order {
		perm[v] = n - 1 - pos
	}
	return perm
}

// peripheralNode picks the unvisited node of minimum degree, lowest index
// first. Returns -1 when every node has been visited.
func peripheralNode(adj [][]int, visited []bool) int {
	best, bestDeg := -1, -1
	for v := range adj {
		if visited[v] {
			continue
		}
		if best < 0 || len(adj[v]) < bestDeg {
			best, bestDeg = v, len(adj[v])
		}
	}
	return best
}

// minimumDegree eliminates nodes one at a time, always removing the node
// of smallest current degree and forming a clique among its remaining
// neighbors. This is the classic symbolic elimination underlying AMD; the
// approximation refinements only change the tie-break quality, which the
// bijection contract does not depend on.
func minimumDegree(adj [][]int) []int {
	n := len(adj)
	live := make([]map[int]bool, n)
	for i, nbrs := range adj {
		live[i] = make(map[int]bool, len(nbrs))
		for _, j := range nbrs {
			live[i][j] = true
		}
	}
	eliminated := make([]bool, n)
	perm := make([]int, n)

	for pos := 0; pos < n; pos++ {
		best, bestDeg := -1, -1
		for v := 0; v < n; v++ {
			if eliminated[v] {
				continue
			}
			if best < 0 || len(live[v]) < bestDeg {
				best, bestDeg = v, len(live[v])
			}
		}
		perm[best] = pos
		eliminated[best] = true

		nbrs := make([]int, 0, len(live[best]))
		for w := range live[best] {
			nbrs = append(nbrs, w)
		}
		sort.Ints(nbrs)
		for _, w := range nbrs {
			delete(live[w], best)
		}
		for i, a := range nbrs {
			for _, b := range nbrs[i+1:] {
				live[a][b] = true
				live[b][a] = true
			}
		}
	}
	return perm
}

// nestedDissection recursively splits the graph with a vertex separator
// taken from the middle level of a breadth-first level structure. The two
// halves are ordered first, the separator last, which confines fill to
// the separator borders.
func nestedDissection(adj [][]int) []int {
	n := len(adj)
	nodes := make([]int, n)
	for i := range nodes {
		nodes[i] = i
	}
	perm := make([]int, n)
	next := 0
	dissect(adj, nodes, perm, &next)
	return perm
}

const dissectionCutoff = 8

func dissect(adj [][]int, nodes []int, perm []int, next *int) {
	if len(nodes) <= dissectionCutoff {
		local := append([]int(nil), nodes...)
		sort.Ints(local)
		for _, v := range local {
			perm[v] = *next
			*next++
		}
		return
	}

	inSet := make(map[int]bool, len(nodes))
	for _, v := range nodes {
		inSet[v] = true
	}

	// BFS level structure from the lowest-index minimum-degree node
	start := nodes[0]
	bestDeg := -1
	sorted := append([]int(nil), nodes...)
	sort.Ints(sorted)
	for _, v := range sorted {
		deg := 0
		for _, w := range adj[v] {
			if inSet[w] {
				deg++
			}
		}
		if bestDeg < 0 || deg < bestDeg {
			start, bestDeg = v, deg
		}
	}

	level := make(map[int]int, len(nodes))
	level[start] = 0
	levels := [][]int{{start}}
	for {
		var frontier []int
		for _, v := range levels[len(levels)-1] {
			for _, w := range adj[v] {
				if !inSet[w] {
					continue
				}
				if _, seen := level[w]; !seen {
					level[w] = len(levels)
					frontier = append(frontier, w)
				}
			}
		}
		if len(frontier) == 0 {
			break
		}
		sort.Ints(frontier)
		levels = append(levels, frontier)
	}

	if len(levels) < 3 {
		// graph too tightly connected to split: fall back to sorted order
		for _, v := range sorted {
			perm[v] = *next
			*next++
		}
		return
	}

	mid := len(levels) / 2
	var left, right, sep []int
	for _, v := range sorted {
		switch l, ok := level[v]; {
		case !ok:
			// disconnected from start: order with the left half
			left = append(left, v)
		case l < mid:
			left = append(left, v)
		case l == mid:
			sep = append(sep, v)
		default:
			right = append(right, v)
		}
	}

	dissect(adj, left, perm, next)
	dissect(adj, right, perm, next)
	for _, v := range sep {
		perm[v] = *next
		*next++
	}
}
