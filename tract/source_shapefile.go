package tract

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ShapefileSource reads a county parcel shapefile. Coordinates must already
// be WGS84; the .prj file is not consulted. Attribute names are matched
// case-insensitively against Fields.
type ShapefileSource struct {
	Path   string
	Fields FieldMapping
	Logger *zap.Logger
}

// Fetch implements ParcelSource. The file is re-read on every call.
func (s *ShapefileSource) Fetch(ctx context.Context, bbox BBox) ([]Parcel, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "tract: shapefile source")
	}
	parcels, err := ReadShapefile(s.Path, s.Fields, s.Logger)
	if err != nil {
		return nil, err
	}
	return FilterBBox(parcels, bbox), nil
}

// ReadShapefile returns every polygon record of a shapefile as parcels.
// Records of other shape types are skipped.
func ReadShapefile(path string, fields FieldMapping, logger *zap.Logger) ([]Parcel, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fields = fields.withDefaults()

	reader, err := shp.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "tract: open shapefile %s", path)
	}
	defer func() { _ = reader.Close() }()

	fieldIdx := make(map[string]int)
	for i, f := range reader.Fields() {
		name := strings.TrimRight(f.String(), "\x00")
		fieldIdx[strings.ToLower(name)] = i
	}
	attr := func(name string) string {
		idx, ok := fieldIdx[strings.ToLower(name)]
		if !ok {
			return ""
		}
		return strings.TrimSpace(strings.TrimRight(reader.Attribute(idx), "\x00"))
	}

	var parcels []Parcel
	skipped := 0
	for reader.Next() {
		n, shape := reader.Shape()
		poly, ok := shape.(*shp.Polygon)
		if !ok || poly == nil {
			skipped++
			continue
		}

		id := attr(fields.ID)
		if id == "" {
			id = fmt.Sprintf("record-%d", n)
		}
		var hint *float64
		if v := attr(fields.Acres); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				hint = &f
			}
		}
		parcels = append(parcels, shapeParcels(id, attr(fields.Owner), poly, hint)...)
	}

	if skipped > 0 {
		logger.Debug("skipped non-polygon shapefile records",
			zap.String("path", path),
			zap.Int("skipped", skipped),
		)
	}
	return parcels, nil
}

// shapeParcels splits a shapefile polygon into parcels. Shapefile outer
// rings are clockwise and each hole follows its outer ring.
func shapeParcels(id, owner string, p *shp.Polygon, hint *float64) []Parcel {
	var polys []orb.Polygon
	for i := int32(0); i < p.NumParts; i++ {
		start := p.Parts[i]
		end := int32(len(p.Points))
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		}
		if start < 0 || start > end || end > int32(len(p.Points)) {
			continue
		}
		ring := make(orb.Ring, 0, end-start)
		for _, pt := range p.Points[start:end] {
			ring = append(ring, orb.Point{pt.X, pt.Y})
		}
		if len(polys) > 0 && ring.Orientation() == orb.CCW {
			last := len(polys) - 1
			polys[last] = append(polys[last], ring)
			continue
		}
		polys = append(polys, orb.Polygon{ring})
	}

	switch len(polys) {
	case 0:
		return []Parcel{{ID: id, OwnerRaw: owner, AreaHintAcres: hint}}
	case 1:
		return []Parcel{polygonParcel(id, owner, polys[0], hint)}
	}
	out := make([]Parcel, 0, len(polys))
	for n, poly := range polys {
		out = append(out, polygonParcel(fmt.Sprintf("%s/%d", id, n+1), owner, poly, nil))
	}
	return out
}
