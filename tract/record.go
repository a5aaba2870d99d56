package tract

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"go.uber.org/zap"
)

// DefaultConsistencyThreshold is the relative acreage disagreement above
// which a holding is flagged.
const DefaultConsistencyThreshold = 0.01

// RecordBuilder derives holding statistics from a merge result.
type RecordBuilder struct {
	// ConsistencyThreshold is relative to max(TotalAcres, SummedAcres).
	ConsistencyThreshold float64

	Logger  *zap.Logger
	Metrics *Metrics
}

// Build assembles the holding for one cluster. TotalAcres always comes from
// the merged geometry; SummedAcres is the per-parcel cross-check.
func (b *RecordBuilder) Build(ownerKey string, parcels []Parcel, res MergeResult) AggregatedHolding {
	h := AggregatedHolding{
		OwnerKey:    ownerKey,
		ParcelIDs:   make([]string, len(parcels)),
		ParcelCount: len(parcels),
		Combined:    len(parcels) > 1,
		Geometry:    res.Geometry,
		Degraded:    res.Kind == Degraded,
	}
	if h.Degraded {
		h.DegradedReason = res.Reason
	}
	for i, p := range parcels {
		h.ParcelIDs[i] = p.ID
		h.SummedAcres += parcelAcres(p)
	}
	h.TotalAcres = Acres(res.Geometry)

	threshold := b.ConsistencyThreshold
	if threshold <= 0 {
		threshold = DefaultConsistencyThreshold
	}
	diff := math.Abs(h.TotalAcres - h.SummedAcres)
	if diff > threshold*math.Max(h.TotalAcres, h.SummedAcres) {
		h.ConsistencyWarning = true
		b.logger().Warn("acreage mismatch",
			zap.String("owner", ownerKey),
			zap.Int("parcels", h.ParcelCount),
			zap.Float64("total_acres", h.TotalAcres),
			zap.Float64("summed_acres", h.SummedAcres),
		)
		b.Metrics.consistencyWarning()
	}
	return h
}

func (b *RecordBuilder) logger() *zap.Logger {
	if b.Logger == nil {
		return zap.NewNop()
	}
	return b.Logger
}

// Acres returns the geodesic area of g in acres.
func Acres(g orb.Geometry) float64 {
	if g == nil {
		return 0
	}
	return geo.Area(g) / SquareMetersPerAcre
}

// parcelAcres prefers the upstream hint over the computed area.
func parcelAcres(p Parcel) float64 {
	if p.AreaHintAcres != nil {
		return *p.AreaHintAcres
	}
	return Acres(p.Polygon())
}
