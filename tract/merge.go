package tract

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/twpayne/go-geos"
)

// MergeKind tells whether a cluster union succeeded.
type MergeKind int

const (
	Merged MergeKind = iota
	Degraded
)

func (k MergeKind) String() string {
	if k == Degraded {
		return "degraded"
	}
	return "merged"
}

// MergeResult is the outcome of unioning one cluster. A Degraded result
// carries the original polygons, untouched, as a MultiPolygon.
type MergeResult struct {
	Kind     MergeKind
	Geometry orb.Geometry
	Reason   string
}

// areaEpsilon is the relative slack allowed when checking that a union is
// not smaller than its larger operand.
const areaEpsilon = 1e-9

// Merger unions cluster polygons. It is not safe for concurrent use.
type Merger struct {
	eng *engine
}

// NewMerger returns a Merger with its own GEOS context.
func NewMerger() *Merger {
	return &Merger{eng: newEngine()}
}

// Merge folds polys left to right with pairwise union. Any invalid operand
// or failed step degrades the whole cluster.
func (m *Merger) Merge(polys []orb.Polygon) MergeResult {
	switch len(polys) {
	case 0:
		return degrade(polys, "no polygons")
	case 1:
		return MergeResult{Kind: Merged, Geometry: polys[0]}
	}
	if m.eng == nil {
		m.eng = newEngine()
	}

	frame := FrameFor(polys)
	operands := make([]*geos.Geom, len(polys))
	for i, p := range polys {
		g, err := m.eng.polygon(frame.ProjectPolygon(p))
		if err != nil {
			return degrade(polys, fmt.Sprintf("operand %d: %v", i, err))
		}
		if ok, reason := validity(g); !ok {
			return degrade(polys, fmt.Sprintf("operand %d invalid: %s", i, reason))
		}
		operands[i] = g
	}

	acc := operands[0]
	for i, g := range operands[1:] {
		u, err := union(acc, g)
		if err != nil {
			return degrade(polys, fmt.Sprintf("union step %d: %v", i+1, err))
		}
		floor := math.Max(area(acc), area(g))
		if area(u) < floor*(1-areaEpsilon) {
			return degrade(polys, fmt.Sprintf("union step %d lost area", i+1))
		}
		acc = u
	}

	geom, err := toOrb(acc)
	if err != nil {
		return degrade(polys, err.Error())
	}
	geom = frame.UnprojectGeometry(geom)
	if mp, ok := geom.(orb.MultiPolygon); ok && len(mp) == 1 {
		geom = mp[0]
	}
	return MergeResult{Kind: Merged, Geometry: geom}
}

// degrade builds the fallback result from the original polygons.
func degrade(polys []orb.Polygon, reason string) MergeResult {
	mp := make(orb.MultiPolygon, len(polys))
	copy(mp, polys)
	return MergeResult{Kind: Degraded, Geometry: mp, Reason: reason}
}
