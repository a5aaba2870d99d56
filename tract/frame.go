package tract

import (
	"math"

	"github.com/paulmach/orb"
)

// Frame is a local equirectangular tangent plane. Projected coordinates are
// meters east/north of the frame origin, which keeps buffer distances and
// planar areas meaningful at parcel scale.
type Frame struct {
	Origin orb.Point
	cosLat float64
}

// NewFrame returns a frame centred on origin.
func NewFrame(origin orb.Point) Frame {
	c := math.Cos(origin[1] * math.Pi / 180)
	if c < 1e-6 {
		c = 1e-6
	}
	return Frame{Origin: origin, cosLat: c}
}

// FrameFor returns a frame centred on the bounding box of polys.
func FrameFor(polys []orb.Polygon) Frame {
	var b orb.Bound
	first := true
	for _, p := range polys {
		for _, r := range p {
			for _, pt := range r {
				if !finitePoint(pt) {
					continue
				}
				if first {
					b = orb.Bound{Min: pt, Max: pt}
					first = false
					continue
				}
				b = b.Extend(pt)
			}
		}
	}
	return NewFrame(b.Center())
}

const degToRad = math.Pi / 180

// Project converts a WGS84 point into frame meters.
func (f Frame) Project(p orb.Point) orb.Point {
	return orb.Point{
		orb.EarthRadius * f.cosLat * (p[0] - f.Origin[0]) * degToRad,
		orb.EarthRadius * (p[1] - f.Origin[1]) * degToRad,
	}
}

// Unproject converts frame meters back into WGS84.
func (f Frame) Unproject(p orb.Point) orb.Point {
	return orb.Point{
		f.Origin[0] + p[0]/(orb.EarthRadius*f.cosLat*degToRad),
		f.Origin[1] + p[1]/(orb.EarthRadius*degToRad),
	}
}

// ProjectPolygon projects every ring of poly.
func (f Frame) ProjectPolygon(poly orb.Polygon) orb.Polygon {
	out := make(orb.Polygon, len(poly))
	for i, r := range poly {
		pr := make(orb.Ring, len(r))
		for j, pt := range r {
			pr[j] = f.Project(pt)
		}
		out[i] = pr
	}
	return out
}

// UnprojectGeometry maps a projected Polygon or MultiPolygon back to WGS84.
func (f Frame) UnprojectGeometry(g orb.Geometry) orb.Geometry {
	switch t := g.(type) {
	case orb.Polygon:
		return f.unprojectPolygon(t)
	case orb.MultiPolygon:
		out := make(orb.MultiPolygon, len(t))
		for i, p := range t {
			out[i] = f.unprojectPolygon(p)
		}
		return out
	}
	return g
}

func (f Frame) unprojectPolygon(poly orb.Polygon) orb.Polygon {
	out := make(orb.Polygon, len(poly))
	for i, r := range poly {
		ur := make(orb.Ring, len(r))
		for j, pt := range r {
			ur[j] = f.Unproject(pt)
		}
		out[i] = ur
	}
	return out
}

// MetersToDegrees converts a north/east offset in meters at the frame origin
// into degree deltas.
func (f Frame) MetersToDegrees(east, north float64) (dLon, dLat float64) {
	return east / (orb.EarthRadius * f.cosLat * degToRad), north / (orb.EarthRadius * degToRad)
}

func finitePoint(p orb.Point) bool {
	return !math.IsNaN(p[0]) && !math.IsNaN(p[1]) && !math.IsInf(p[0], 0) && !math.IsInf(p[1], 0)
}
