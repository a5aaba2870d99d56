package tract

import (
	"math"

	"github.com/paulmach/orb"
)

// ---------------------------------------------------------------------------
// Geometry fixtures
// ---------------------------------------------------------------------------

// testFrame anchors fixtures in central Iowa so sizes can be given in meters.
var testFrame = NewFrame(orb.Point{-93.6, 42.0})

// acreSide is the side length in meters of a one-acre square.
var acreSide = math.Sqrt(SquareMetersPerAcre)

// metersRing converts frame-meter vertices into a closed WGS84 ring.
func metersRing(pts ...orb.Point) orb.Ring {
	ring := make(orb.Ring, 0, len(pts)+1)
	for _, p := range pts {
		ring = append(ring, testFrame.Unproject(p))
	}
	return append(ring, ring[0])
}

// rectRing is a counter-clockwise rectangle with its lower-left corner at (x, y).
func rectRing(x, y, w, h float64) orb.Ring {
	return metersRing(
		orb.Point{x, y},
		orb.Point{x + w, y},
		orb.Point{x + w, y + h},
		orb.Point{x, y + h},
	)
}

func squareParcel(id, owner string, x, y, side float64) Parcel {
	return NewParcel(id, owner, rectRing(x, y, side, side), nil)
}

// bowtieParcel is a self-intersecting ring whose two lobes have different
// areas, so its planar area is non-zero.
func bowtieParcel(id, owner string, x float64) Parcel {
	return NewParcel(id, owner, metersRing(
		orb.Point{x, 0},
		orb.Point{x + 40, 40},
		orb.Point{x + 40, 0},
		orb.Point{x, 20},
	), nil)
}

func polygonsOf(parcels []Parcel) []orb.Polygon {
	out := make([]orb.Polygon, len(parcels))
	for i, p := range parcels {
		out[i] = p.Polygon()
	}
	return out
}

func floatPtr(f float64) *float64 { return &f }

// holdingsByOwner indexes holdings by owner key.
func holdingsByOwner(hs []AggregatedHolding) map[string][]AggregatedHolding {
	out := make(map[string][]AggregatedHolding)
	for _, h := range hs {
		out[h.OwnerKey] = append(out[h.OwnerKey], h)
	}
	return out
}
