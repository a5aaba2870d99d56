package tract

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
)

// AdjacencyIndex prunes adjacency candidates by bounding box. Candidates
// returns, in ascending order, the indices of every polygon whose bounds
// might intersect b. Returning extra indices is allowed; omitting one whose
// bounds intersect b is not.
type AdjacencyIndex interface {
	Candidates(b orb.Bound) []int
}

// Default grid parameters.
const (
	DefaultIndexThreshold = 256
	DefaultGridCellMeters = 200.0

	// maxGridCells bounds the cell count along one axis so a sprawling
	// owner group cannot allocate an unbounded grid.
	maxGridCells = 1024

	// maxBoundCells bounds the cells one polygon may occupy. Larger bounds
	// are kept out of the grid and offered to every query.
	maxBoundCells = 4096
)

// NewAdjacencyIndex picks an index for projected polygon bounds. Groups of
// at most threshold polygons get a brute-force scan; larger ones a uniform
// grid with the given cell size in frame meters.
func NewAdjacencyIndex(bounds []orb.Bound, threshold int, cellMeters float64) AdjacencyIndex {
	if threshold <= 0 {
		threshold = DefaultIndexThreshold
	}
	if len(bounds) <= threshold {
		return bruteForceIndex(len(bounds))
	}
	return newGridIndex(bounds, cellMeters)
}

// bruteForceIndex reports every polygon as a candidate.
type bruteForceIndex int

func (n bruteForceIndex) Candidates(orb.Bound) []int {
	out := make([]int, int(n))
	for i := range out {
		out[i] = i
	}
	return out
}

type cell struct{ x, y int }

// gridIndex buckets polygon bounds into square cells.
type gridIndex struct {
	origin orb.Point
	size   float64
	bounds []orb.Bound
	cells  map[cell][]int
	large  []int
}

func newGridIndex(bounds []orb.Bound, cellMeters float64) *gridIndex {
	if cellMeters <= 0 {
		cellMeters = DefaultGridCellMeters
	}
	extent := bounds[0]
	for _, b := range bounds[1:] {
		extent = extent.Union(b)
	}
	span := math.Max(extent.Max[0]-extent.Min[0], extent.Max[1]-extent.Min[1])
	if floor := span / maxGridCells; cellMeters < floor {
		cellMeters = floor
	}

	g := &gridIndex{
		origin: extent.Min,
		size:   cellMeters,
		bounds: bounds,
		cells:  make(map[cell][]int),
	}
	for i, b := range bounds {
		x0, y0, x1, y1 := g.span(b)
		if (x1-x0+1)*(y1-y0+1) > maxBoundCells {
			g.large = append(g.large, i)
			continue
		}
		for x := x0; x <= x1; x++ {
			for y := y0; y <= y1; y++ {
				k := cell{x, y}
				g.cells[k] = append(g.cells[k], i)
			}
		}
	}
	return g
}

func (g *gridIndex) coord(v, origin float64) int {
	return int(math.Floor((v - origin) / g.size))
}

func (g *gridIndex) span(b orb.Bound) (x0, y0, x1, y1 int) {
	return g.coord(b.Min[0], g.origin[0]), g.coord(b.Min[1], g.origin[1]),
		g.coord(b.Max[0], g.origin[0]), g.coord(b.Max[1], g.origin[1])
}

func (g *gridIndex) Candidates(b orb.Bound) []int {
	seen := make(map[int]struct{})
	collect := func(ids []int) {
		for _, i := range ids {
			if _, ok := seen[i]; ok {
				continue
			}
			if g.bounds[i].Intersects(b) {
				seen[i] = struct{}{}
			}
		}
	}

	collect(g.large)
	x0, y0, x1, y1 := g.span(b)
	if (x1-x0+1)*(y1-y0+1) > len(g.cells) {
		// The query covers more cells than are occupied; walk the map instead.
		for _, ids := range g.cells {
			collect(ids)
		}
	} else {
		for x := x0; x <= x1; x++ {
			for y := y0; y <= y1; y++ {
				collect(g.cells[cell{x, y}])
			}
		}
	}

	out := make([]int, 0, len(seen))
	for i := range seen {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}
