package ordering

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gridConn builds quad connectivity for an nx by ny structured grid.
func gridConn(nx, ny int) [][]int {
	var conn [][]int
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			n0 := i + j*(nx+1)
			conn = append(conn, []int{n0, n0 + 1, n0 + nx + 1, n0 + nx + 2})
		}
	}
	return conn
}

func identityLocal(g int) int { return g }

func TestAdjacencySymmetric(t *testing.T) {
	n := 5 * 5
	adj := BuildAdjacency(n, gridConn(4, 4), identityLocal)
	require.Len(t, adj, n)
	for i, nbrs := range adj {
		for _, j := range nbrs {
			assert.Contains(t, adj[j], i, "edge (%d,%d) missing its mirror", i, j)
		}
		assert.NotContains(t, nbrs, i, "self loop at %d", i)
	}
}

func TestPermutationsAreBijections(t *testing.T) {
	n := 6 * 6
	adj := BuildAdjacency(n, gridConn(5, 5), identityLocal)

	for _, typ := range []Type{Natural, AMD, RCM, ND} {
		t.Run(typ.String(), func(t *testing.T) {
			perm := Compute(typ, adj)
			require.Len(t, perm, n)
			hit := make([]bool, n)
			for _, p := range perm {
				require.GreaterOrEqual(t, p, 0)
				require.Less(t, p, n)
				require.False(t, hit[p], "slot %d assigned twice", p)
				hit[p] = true
			}
		})
	}
}

func TestPermutedPatternKeepsSymmetryAndCount(t *testing.T) {
	n := 6 * 6
	adj := BuildAdjacency(n, gridConn(5, 5), identityLocal)

	count := 0
	for _, nbrs := range adj {
		count += len(nbrs)
	}

	for _, typ := range []Type{AMD, RCM, ND} {
		t.Run(typ.String(), func(t *testing.T) {
			perm := Compute(typ, adj)
			permuted := make([]map[int]bool, n)
			for i := range permuted {
				permuted[i] = make(map[int]bool)
			}
			for i, nbrs := range adj {
				for _, j := range nbrs {
					permuted[perm[i]][perm[j]] = true
				}
			}
			permCount := 0
			for i, nbrs := range permuted {
				permCount += len(nbrs)
				for j := range nbrs {
					assert.True(t, permuted[j][i], "asymmetric entry (%d,%d)", i, j)
				}
			}
			assert.Equal(t, count, permCount)
		})
	}
}

func TestDeterministic(t *testing.T) {
	n := 5 * 5
	adj := BuildAdjacency(n, gridConn(4, 4), identityLocal)
	for _, typ := range []Type{AMD, RCM, ND} {
		first := Compute(typ, adj)
		second := Compute(typ, adj)
		assert.Equal(t, first, second, typ.String())
	}
}
