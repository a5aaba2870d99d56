package tract

import (
	"time"

	"github.com/paulmach/orb"
)

// SquareMetersPerAcre converts geodesic areas into acres.
const SquareMetersPerAcre = 4046.86

// Parcel is one cadastral polygon from an upstream snapshot. Parcels are
// immutable once built; use NewParcel to get a closed private copy of the ring.
type Parcel struct {
	ID       string
	OwnerRaw string // empty when the upstream owner was null
	Ring     orb.Ring
	Holes    []orb.Ring

	// AreaHintAcres is the acreage reported by the upstream source, if any.
	// It is only used as a cross-check against the merged geometry area.
	AreaHintAcres *float64
}

// NewParcel builds a Parcel, copying the ring and closing it when the last
// vertex does not repeat the first.
func NewParcel(id, owner string, ring orb.Ring, areaHintAcres *float64) Parcel {
	return Parcel{
		ID:            id,
		OwnerRaw:      owner,
		Ring:          closeRing(ring),
		AreaHintAcres: areaHintAcres,
	}
}

// OwnerKey returns the normalized grouping key for the parcel owner.
func (p Parcel) OwnerKey() string {
	return NormalizeOwner(p.OwnerRaw)
}

// Polygon returns the parcel as an orb.Polygon (outer ring first).
func (p Parcel) Polygon() orb.Polygon {
	poly := make(orb.Polygon, 0, 1+len(p.Holes))
	poly = append(poly, p.Ring)
	poly = append(poly, p.Holes...)
	return poly
}

// closeRing returns a copy of ring with first == last.
func closeRing(ring orb.Ring) orb.Ring {
	if len(ring) == 0 {
		return nil
	}
	out := make(orb.Ring, len(ring), len(ring)+1)
	copy(out, ring)
	if !out[0].Equal(out[len(out)-1]) || len(out) == 1 {
		out = append(out, out[0])
	}
	return out
}

// AggregatedHolding is the combined polygon of one owner's spatially
// connected parcels.
type AggregatedHolding struct {
	OwnerKey    string       `json:"ownerKey"`
	ParcelIDs   []string     `json:"parcelIds"`
	ParcelCount int          `json:"parcelCount"`
	TotalAcres  float64      `json:"totalAcres"`
	SummedAcres float64      `json:"summedAcres"` // sum of per-parcel acreage, kept for cross-checks
	Combined    bool         `json:"combined"`
	Geometry    orb.Geometry `json:"-"`

	// Degraded is set when the union failed and Geometry is the unmerged
	// MultiPolygon of the original parcels.
	Degraded       bool   `json:"degraded"`
	DegradedReason string `json:"degradedReason,omitempty"`

	// Excluded is set for parcels that were never clustered because their
	// geometry was invalid.
	Excluded bool `json:"excluded"`

	// ConsistencyWarning is set when TotalAcres and SummedAcres disagree by
	// more than the configured threshold.
	ConsistencyWarning bool `json:"consistencyWarning"`
}

// Result is the output of one Aggregate run.
type Result struct {
	RunID     string              `json:"runId"`
	Holdings  []AggregatedHolding `json:"holdings"`
	Truncated bool                `json:"truncated"`
	Excluded  int                 `json:"excluded"`
	Duration  time.Duration       `json:"duration"`
}

// Summary returns counts used in logs and status messages.
func (r *Result) Summary() RunSummary {
	s := RunSummary{
		RunID:     r.RunID,
		Holdings:  len(r.Holdings),
		Truncated: r.Truncated,
		Excluded:  r.Excluded,
		Millis:    r.Duration.Milliseconds(),
	}
	for _, h := range r.Holdings {
		s.Parcels += h.ParcelCount
		if h.Combined {
			s.Combined++
		}
		if h.Degraded {
			s.Degraded++
		}
		s.TotalAcres += h.TotalAcres
	}
	return s
}

// RunSummary is a compact description of a Result.
type RunSummary struct {
	RunID      string  `json:"runId"`
	Holdings   int     `json:"holdings"`
	Parcels    int     `json:"parcels"`
	Combined   int     `json:"combined"`
	Degraded   int     `json:"degraded"`
	Excluded   int     `json:"excluded"`
	TotalAcres float64 `json:"totalAcres"`
	Truncated  bool    `json:"truncated"`
	Millis     int64   `json:"millis"`
}
