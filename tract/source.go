package tract

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
)

// BBox is a WGS84 query window. The zero value means "everything".
type BBox struct {
	MinLon, MinLat, MaxLon, MaxLat float64
}

// ParseBBox parses "minLon,minLat,maxLon,maxLat".
func ParseBBox(s string) (BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return BBox{}, eris.Errorf("tract: bbox %q: want 4 comma-separated numbers", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return BBox{}, eris.Wrapf(err, "tract: bbox %q", s)
		}
		v[i] = f
	}
	b := BBox{MinLon: v[0], MinLat: v[1], MaxLon: v[2], MaxLat: v[3]}
	if b.MinLon > b.MaxLon || b.MinLat > b.MaxLat {
		return BBox{}, eris.Errorf("tract: bbox %q: min exceeds max", s)
	}
	return b, nil
}

// IsZero reports whether b is the unbounded window.
func (b BBox) IsZero() bool { return b == BBox{} }

// String formats b the way ParseBBox reads it.
func (b BBox) String() string {
	return fmt.Sprintf("%g,%g,%g,%g", b.MinLon, b.MinLat, b.MaxLon, b.MaxLat)
}

// Bound converts b to an orb.Bound.
func (b BBox) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.MinLon, b.MinLat}, Max: orb.Point{b.MaxLon, b.MaxLat}}
}

// Contains reports whether a parcel's finite vertices touch the window.
// Parcels with no finite vertex only match the unbounded window.
func (b BBox) Contains(p Parcel) bool {
	if b.IsZero() {
		return true
	}
	var pb orb.Bound
	found := false
	for _, pt := range p.Ring {
		if !finitePoint(pt) {
			continue
		}
		if !found {
			pb = orb.Bound{Min: pt, Max: pt}
			found = true
			continue
		}
		pb = pb.Extend(pt)
	}
	return found && pb.Intersects(b.Bound())
}

// ParcelSource fetches the parcels of a query window from an upstream store.
type ParcelSource interface {
	Fetch(ctx context.Context, bbox BBox) ([]Parcel, error)
}

// FilterBBox keeps the parcels inside bbox.
func FilterBBox(parcels []Parcel, bbox BBox) []Parcel {
	if bbox.IsZero() {
		return parcels
	}
	out := make([]Parcel, 0, len(parcels))
	for _, p := range parcels {
		if bbox.Contains(p) {
			out = append(out, p)
		}
	}
	return out
}

// FileSource reads a GeoJSON FeatureCollection from disk on every Fetch.
type FileSource struct {
	Path   string
	Fields FieldMapping
}

// Fetch implements ParcelSource.
func (s *FileSource) Fetch(ctx context.Context, bbox BBox) ([]Parcel, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "tract: file source")
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, eris.Wrapf(err, "tract: read %s", s.Path)
	}
	parcels, err := DecodeParcels(data, s.Fields)
	if err != nil {
		return nil, eris.Wrapf(err, "tract: parse %s", s.Path)
	}
	return FilterBBox(parcels, bbox), nil
}
