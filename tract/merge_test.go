package tract

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeSingle(t *testing.T) {
	poly := squareParcel("a", "o", 0, 0, 50).Polygon()
	res := NewMerger().Merge([]orb.Polygon{poly})

	assert.Equal(t, Merged, res.Kind)
	assert.Equal(t, poly, res.Geometry, "a single polygon is returned unchanged")
}

func TestMergeEmpty(t *testing.T) {
	res := NewMerger().Merge(nil)
	assert.Equal(t, Degraded, res.Kind)
	assert.Equal(t, orb.MultiPolygon{}, res.Geometry)
}

func TestMergeAdjacentSquares(t *testing.T) {
	polys := polygonsOf([]Parcel{
		squareParcel("a", "o", 0, 0, acreSide),
		squareParcel("b", "o", acreSide, 0, acreSide),
	})
	res := NewMerger().Merge(polys)

	require.Equal(t, Merged, res.Kind, res.Reason)
	poly, ok := res.Geometry.(orb.Polygon)
	require.True(t, ok, "expected a single Polygon, got %T", res.Geometry)
	assert.Len(t, poly, 1, "no holes")
	assert.InDelta(t, 2.0, Acres(poly), 0.01)
}

func TestMergeGapYieldsMultiPolygon(t *testing.T) {
	polys := polygonsOf([]Parcel{
		squareParcel("a", "o", 0, 0, 50),
		squareParcel("b", "o", 50.5, 0, 50),
	})
	res := NewMerger().Merge(polys)

	require.Equal(t, Merged, res.Kind, res.Reason)
	mp, ok := res.Geometry.(orb.MultiPolygon)
	require.True(t, ok, "expected MultiPolygon, got %T", res.Geometry)
	assert.Len(t, mp, 2)
}

func TestMergeOverlapCountsAreaOnce(t *testing.T) {
	polys := polygonsOf([]Parcel{
		squareParcel("a", "o", 0, 0, 100),
		squareParcel("b", "o", 50, 0, 100),
	})
	res := NewMerger().Merge(polys)

	require.Equal(t, Merged, res.Kind, res.Reason)
	wantAcres := 150 * 100 / SquareMetersPerAcre
	assert.InDelta(t, wantAcres, Acres(res.Geometry), 0.01)
}

func TestMergeSelfIntersectingDegrades(t *testing.T) {
	square := squareParcel("sq", "o", 0, 0, 40)
	bow := bowtieParcel("bow", "o", 40)
	polys := polygonsOf([]Parcel{square, bow})

	res := NewMerger().Merge(polys)

	require.Equal(t, Degraded, res.Kind)
	assert.NotEmpty(t, res.Reason)
	mp, ok := res.Geometry.(orb.MultiPolygon)
	require.True(t, ok)
	require.Len(t, mp, 2)
	assert.Equal(t, polys[0], mp[0], "degraded parts are the original polygons")
	assert.Equal(t, polys[1], mp[1])
}

func TestMergeNonFiniteDegrades(t *testing.T) {
	bad := orb.Polygon{{{0, 0}, {math.NaN(), 0}, {1, 1}, {0, 0}}}
	good := squareParcel("a", "o", 0, 0, 10).Polygon()

	res := NewMerger().Merge([]orb.Polygon{good, bad})
	assert.Equal(t, Degraded, res.Kind)
	assert.Len(t, res.Geometry, 2)
}

func TestMergeKindString(t *testing.T) {
	assert.Equal(t, "merged", Merged.String())
	assert.Equal(t, "degraded", Degraded.String())
}
