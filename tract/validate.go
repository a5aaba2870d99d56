package tract

import (
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/rotisserie/eris"
)

// minRingPoints is the smallest closed ring: a triangle plus the closing vertex.
const minRingPoints = 4

// validator is the GEOS context behind ValidateParcel. Calls are serialized
// on mu; Aggregate validates on its own context.
var validator struct {
	mu   sync.Mutex
	once sync.Once
	eng  *engine
}

// ValidateParcel reports whether p can take part in clustering. The returned
// error wraps ErrInvalidGeometry. Self-intersecting rings pass validation;
// they are caught later by the merger and produce a degraded holding.
//
// ValidateParcel is safe for concurrent use. All callers share one GEOS
// context, so concurrent calls run one at a time.
func ValidateParcel(p Parcel) error {
	validator.once.Do(func() { validator.eng = newEngine() })
	validator.mu.Lock()
	defer validator.mu.Unlock()
	return validator.eng.validate(p)
}

func (e *engine) validate(p Parcel) error {
	if err := validateRing(p.Ring); err != nil {
		return eris.Wrapf(err, "parcel %q outer ring", p.ID)
	}
	for i, h := range p.Holes {
		if err := validateRing(h); err != nil {
			return eris.Wrapf(err, "parcel %q hole %d", p.ID, i)
		}
	}

	poly := p.Polygon()
	projected := NewFrame(p.Ring[0]).ProjectPolygon(poly)
	if planar.Area(projected) <= 0 {
		return eris.Wrapf(ErrInvalidGeometry, "parcel %q has zero area", p.ID)
	}
	if _, err := e.polygon(projected); err != nil {
		return eris.Wrapf(err, "parcel %q", p.ID)
	}
	return nil
}

func validateRing(r orb.Ring) error {
	if len(r) < minRingPoints {
		return eris.Wrapf(ErrInvalidGeometry, "ring has %d points", len(r))
	}
	for _, pt := range r {
		if !finitePoint(pt) {
			return eris.Wrap(ErrInvalidGeometry, "ring has non-finite coordinates")
		}
	}
	if !r[0].Equal(r[len(r)-1]) {
		return eris.Wrap(ErrInvalidGeometry, "ring is not closed")
	}
	return nil
}
