package tract

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geos"
)

// defaultQuadSegs is the number of segments per quarter circle used when
// buffering. Parcel tolerances are around a meter, so a coarse arc is enough.
const defaultQuadSegs = 4

// engine wraps one GEOS context. A context serializes its calls, so every
// worker builds its own engine. go-geos panics on GEOS exceptions; every call
// here recovers and returns an error instead.
type engine struct {
	ctx *geos.Context
}

func newEngine() *engine {
	return &engine{ctx: geos.NewContext()}
}

// recovered converts a recovered panic value into an error wrapped around
// sentinel.
func recovered(r any, sentinel error, op string) error {
	return eris.Wrapf(sentinel, "%s: %v", op, r)
}

// polygon builds a GEOS polygon from a projected orb polygon.
func (e *engine) polygon(poly orb.Polygon) (g *geos.Geom, err error) {
	defer func() {
		if r := recover(); r != nil {
			g, err = nil, recovered(r, ErrInvalidGeometry, "build polygon")
		}
	}()
	data, err := wkb.Marshal(poly)
	if err != nil {
		return nil, eris.Wrap(ErrInvalidGeometry, err.Error())
	}
	g, err = e.ctx.NewGeomFromWKB(data)
	if err != nil {
		return nil, eris.Wrap(ErrInvalidGeometry, err.Error())
	}
	return g, nil
}

// buffer expands g outward by dist (frame meters).
func (e *engine) buffer(g *geos.Geom, dist float64) (b *geos.Geom, err error) {
	defer func() {
		if r := recover(); r != nil {
			b, err = nil, recovered(r, ErrUnionFailure, "buffer")
		}
	}()
	return g.Buffer(dist, defaultQuadSegs), nil
}

// intersects runs the prepared intersection predicate.
func intersects(prep *geos.PrepGeom, g *geos.Geom) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, recovered(r, ErrInvalidGeometry, "intersects")
		}
	}()
	return prep.Intersects(g), nil
}

// prepare builds a prepared geometry for repeated predicates.
func prepare(g *geos.Geom) (p *geos.PrepGeom, err error) {
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, recovered(r, ErrUnionFailure, "prepare")
		}
	}()
	return g.Prepare(), nil
}

// union returns a ∪ b, failing with ErrUnionFailure on GEOS exceptions or
// when the result is not a valid, non-empty polygonal geometry.
func union(a, b *geos.Geom) (u *geos.Geom, err error) {
	defer func() {
		if r := recover(); r != nil {
			u, err = nil, recovered(r, ErrUnionFailure, "union")
		}
	}()
	u = a.Union(b)
	if u == nil {
		return nil, eris.Wrap(ErrUnionFailure, "union returned nil")
	}
	if err := checkPolygonal(u); err != nil {
		return nil, err
	}
	return u, nil
}

// checkPolygonal verifies g is a valid, non-empty Polygon or MultiPolygon
// with positive area.
func checkPolygonal(g *geos.Geom) error {
	if g.IsEmpty() {
		return eris.Wrap(ErrUnionFailure, "empty result")
	}
	switch g.TypeID() {
	case geos.TypeIDPolygon, geos.TypeIDMultiPolygon:
	default:
		return eris.Wrapf(ErrUnionFailure, "non-polygonal result type %d", g.TypeID())
	}
	if !g.IsValid() {
		return eris.Wrapf(ErrUnionFailure, "invalid result: %s", g.IsValidReason())
	}
	if g.Area() <= 0 {
		return eris.Wrap(ErrUnionFailure, "zero-area result")
	}
	return nil
}

// validity reports whether g is a valid polygon, with the GEOS reason when
// it is not.
func validity(g *geos.Geom) (ok bool, reason string) {
	defer func() {
		if r := recover(); r != nil {
			ok, reason = false, fmt.Sprint(r)
		}
	}()
	if g.IsValid() {
		return true, ""
	}
	return false, g.IsValidReason()
}

// area returns the planar area of g, or 0 when GEOS fails.
func area(g *geos.Geom) (a float64) {
	defer func() {
		if r := recover(); r != nil {
			a = 0
		}
	}()
	return g.Area()
}

// toOrb converts a GEOS geometry into orb through WKB.
func toOrb(g *geos.Geom) (out orb.Geometry, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, recovered(r, ErrUnionFailure, "encode result")
		}
	}()
	geom, err := wkb.Unmarshal(g.ToWKB())
	if err != nil {
		return nil, eris.Wrap(ErrUnionFailure, err.Error())
	}
	return geom, nil
}
