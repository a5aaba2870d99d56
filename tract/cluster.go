package tract

import (
	"context"
	"sort"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geos"
)

// DefaultToleranceMeters is the adjacency buffer applied when none is configured.
const DefaultToleranceMeters = 1.0

// Clusterer partitions one owner's polygons into connected components.
// Two polygons are adjacent when one, buffered outward by ToleranceMeters,
// intersects the other. A Clusterer is not safe for concurrent use.
type Clusterer struct {
	ToleranceMeters float64
	IndexThreshold  int
	GridCellMeters  float64

	eng *engine
}

// NewClusterer returns a Clusterer with its own GEOS context.
func NewClusterer(toleranceMeters float64) *Clusterer {
	return &Clusterer{
		ToleranceMeters: toleranceMeters,
		IndexThreshold:  DefaultIndexThreshold,
		GridCellMeters:  DefaultGridCellMeters,
		eng:             newEngine(),
	}
}

// frontier is the growing union of a cluster's members plus its buffered,
// prepared form used for adjacency tests.
type frontier struct {
	geom  *geos.Geom
	prep  *geos.PrepGeom
	bound orb.Bound
}

// Cluster returns index partitions of polys in seed order, each sorted
// ascending. When ctx expires the clusters completed so far are returned
// with an error wrapping ErrBudgetExceeded.
func (c *Clusterer) Cluster(ctx context.Context, polys []orb.Polygon) ([][]int, error) {
	if len(polys) == 0 {
		return nil, nil
	}
	if c.eng == nil {
		c.eng = newEngine()
	}

	frame := FrameFor(polys)
	geoms := make([]*geos.Geom, len(polys))
	bounds := make([]orb.Bound, len(polys))
	for i, p := range polys {
		projected := frame.ProjectPolygon(p)
		bounds[i] = projected.Bound()
		// A polygon GEOS cannot build is never adjacent to anything and
		// ends up in a cluster of its own.
		if g, err := c.eng.polygon(projected); err == nil {
			geoms[i] = g
		}
	}
	index := NewAdjacencyIndex(bounds, c.IndexThreshold, c.GridCellMeters)

	visited := make([]bool, len(polys))
	var clusters [][]int
	for seed := range polys {
		if visited[seed] {
			continue
		}
		visited[seed] = true
		members, err := c.grow(ctx, seed, geoms, bounds, index, visited)
		if err != nil {
			return clusters, err
		}
		sort.Ints(members)
		clusters = append(clusters, members)
	}
	return clusters, nil
}

// grow runs the frontier passes for one seed and returns its members.
func (c *Clusterer) grow(ctx context.Context, seed int, geoms []*geos.Geom, bounds []orb.Bound, index AdjacencyIndex, visited []bool) ([]int, error) {
	members := []int{seed}
	if geoms[seed] == nil {
		return members, nil
	}

	f := &frontier{geom: geoms[seed], bound: bounds[seed]}
	if err := c.refresh(f); err != nil {
		return members, nil
	}

	for {
		added := false
		cursor := -1
		candidates := index.Candidates(f.bound.Pad(c.ToleranceMeters))
		for i := 0; i < len(candidates); i++ {
			cand := candidates[i]
			if cand <= cursor {
				continue
			}
			cursor = cand
			if visited[cand] || geoms[cand] == nil {
				continue
			}
			if err := ctx.Err(); err != nil {
				return nil, eris.Wrap(ErrBudgetExceeded, err.Error())
			}
			ok, err := intersects(f.prep, geoms[cand])
			if err != nil || !ok {
				continue
			}

			visited[cand] = true
			members = append(members, cand)
			added = true
			f.bound = f.bound.Union(bounds[cand])
			if u, err := union(f.geom, geoms[cand]); err == nil {
				prior := *f
				f.geom = u
				if c.refresh(f) != nil {
					*f = prior
				}
			}

			// The frontier changed; re-query and resume after cand.
			candidates = index.Candidates(f.bound.Pad(c.ToleranceMeters))
			i = sort.SearchInts(candidates, cursor+1) - 1
		}
		if !added {
			return members, nil
		}
	}
}

// refresh rebuilds the buffered, prepared predicate geometry of f.
func (c *Clusterer) refresh(f *frontier) error {
	buffered, err := c.eng.buffer(f.geom, c.ToleranceMeters)
	if err != nil {
		return err
	}
	prep, err := prepare(buffered)
	if err != nil {
		return err
	}
	f.prep = prep
	return nil
}
