package tract

import (
	"math/rand"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boundAt(x, y, w float64) orb.Bound {
	return orb.Bound{Min: orb.Point{x, y}, Max: orb.Point{x + w, y + w}}
}

func TestNewAdjacencyIndexSelection(t *testing.T) {
	bounds := []orb.Bound{boundAt(0, 0, 1), boundAt(5, 5, 1), boundAt(9, 9, 1)}

	_, brute := NewAdjacencyIndex(bounds, 3, 10).(bruteForceIndex)
	assert.True(t, brute, "groups at the threshold use brute force")

	_, grid := NewAdjacencyIndex(bounds, 2, 10).(*gridIndex)
	assert.True(t, grid, "groups above the threshold use the grid")
}

func TestBruteForceIndexReturnsAll(t *testing.T) {
	idx := bruteForceIndex(4)
	assert.Equal(t, []int{0, 1, 2, 3}, idx.Candidates(boundAt(100, 100, 1)))
}

func TestGridIndexCandidates(t *testing.T) {
	bounds := []orb.Bound{
		boundAt(0, 0, 10),     // 0
		boundAt(15, 0, 10),    // 1
		boundAt(500, 500, 10), // 2
		boundAt(0, 0, 600),    // 3 spans many cells
	}
	g := newGridIndex(bounds, 50)

	assert.Equal(t, []int{0, 3}, g.Candidates(boundAt(-5, -5, 8)))
	assert.Equal(t, []int{0, 1, 3}, g.Candidates(boundAt(9, 0, 7)))
	assert.Equal(t, []int{2, 3}, g.Candidates(boundAt(505, 505, 1)))
	assert.Empty(t, g.Candidates(boundAt(2000, 2000, 1)))
}

func TestGridIndexIsSupersetOfOverlaps(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	bounds := make([]orb.Bound, 400)
	for i := range bounds {
		bounds[i] = boundAt(rng.Float64()*2000, rng.Float64()*2000, 5+rng.Float64()*40)
	}
	g := newGridIndex(bounds, 100)

	for q := 0; q < 50; q++ {
		query := boundAt(rng.Float64()*2000, rng.Float64()*2000, rng.Float64()*150)
		got := make(map[int]bool)
		for _, i := range g.Candidates(query) {
			got[i] = true
		}
		for i, b := range bounds {
			if b.Intersects(query) {
				require.True(t, got[i], "candidate %d overlapping %v missing", i, query)
			}
		}
	}
}

func TestGridIndexCapsCellCount(t *testing.T) {
	bounds := []orb.Bound{boundAt(0, 0, 1), boundAt(1e7, 1e7, 1)}
	g := newGridIndex(bounds, 1)
	assert.GreaterOrEqual(t, g.size, 1e7/maxGridCells)
	assert.Equal(t, []int{1}, g.Candidates(boundAt(1e7, 1e7, 1)))
}

func TestGridIndexKeepsLargeBoundsOutOfCells(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	bounds := []orb.Bound{boundAt(0, 0, 200000)} // county-scale
	for i := 0; i < 300; i++ {
		bounds = append(bounds, boundAt(rng.Float64()*200000, rng.Float64()*200000, 50))
	}
	g := newGridIndex(bounds, 10)

	assert.Equal(t, []int{0}, g.large)
	assert.LessOrEqual(t, len(g.cells), (len(bounds)-1)*4)

	brute := bruteForceIndex(len(bounds))
	for q := 0; q < 50; q++ {
		query := boundAt(rng.Float64()*200000, rng.Float64()*200000, rng.Float64()*500)
		var want []int
		for _, i := range brute.Candidates(query) {
			if bounds[i].Intersects(query) {
				want = append(want, i)
			}
		}
		got := g.Candidates(query)
		require.Contains(t, got, 0)
		assert.Equal(t, want, got)
	}
}
