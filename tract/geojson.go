package tract

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rotisserie/eris"
)

// FieldMapping names the feature properties that carry parcel attributes.
type FieldMapping struct {
	ID    string `yaml:"idField" mapstructure:"idField"`
	Owner string `yaml:"ownerField" mapstructure:"ownerField"`
	Acres string `yaml:"acresField" mapstructure:"acresField"`
}

// DefaultFieldMapping is used when a source does not configure one.
func DefaultFieldMapping() FieldMapping {
	return FieldMapping{ID: "id", Owner: "owner", Acres: "acres"}
}

func (m FieldMapping) withDefaults() FieldMapping {
	d := DefaultFieldMapping()
	if m.ID == "" {
		m.ID = d.ID
	}
	if m.Owner == "" {
		m.Owner = d.Owner
	}
	if m.Acres == "" {
		m.Acres = d.Acres
	}
	return m
}

// EncodeHoldings converts holdings into a GeoJSON FeatureCollection.
func EncodeHoldings(holdings []AggregatedHolding) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, h := range holdings {
		geom := h.Geometry
		if geom == nil {
			geom = orb.Collection{}
		}
		f := geojson.NewFeature(geom)
		f.Properties["ownerKey"] = h.OwnerKey
		f.Properties["parcelIds"] = h.ParcelIDs
		f.Properties["parcelCount"] = h.ParcelCount
		f.Properties["totalAcres"] = h.TotalAcres
		f.Properties["summedAcres"] = h.SummedAcres
		f.Properties["combined"] = h.Combined
		f.Properties["degraded"] = h.Degraded
		f.Properties["excluded"] = h.Excluded
		f.Properties["consistencyWarning"] = h.ConsistencyWarning
		if h.DegradedReason != "" {
			f.Properties["degradedReason"] = h.DegradedReason
		}
		fc.Append(f)
	}
	return fc
}

// MarshalResult encodes a run as a FeatureCollection with the run metadata
// as foreign members.
func MarshalResult(res *Result) ([]byte, error) {
	fc := EncodeHoldings(res.Holdings)
	fc.ExtraMembers = geojson.Properties{
		"runId":     res.RunID,
		"truncated": res.Truncated,
		"excluded":  res.Excluded,
	}
	data, err := json.Marshal(fc)
	if err != nil {
		return nil, eris.Wrap(err, "tract: marshal result")
	}
	return data, nil
}

type rawCollection struct {
	Type     string            `json:"type"`
	Features []json.RawMessage `json:"features"`
}

type rawFeature struct {
	ID         any             `json:"id"`
	Properties map[string]any  `json:"properties"`
	Geometry   json.RawMessage `json:"geometry"`
}

// DecodeParcels reads parcels from a GeoJSON FeatureCollection. Only a
// malformed collection is an error; a feature with missing or malformed
// geometry becomes a parcel with an empty ring, which the pipeline reports
// as excluded. MultiPolygon features yield one parcel per part, with IDs
// suffixed "/1", "/2", and so on.
func DecodeParcels(data []byte, fields FieldMapping) ([]Parcel, error) {
	fields = fields.withDefaults()

	var fc rawCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, eris.Wrap(err, "tract: decode feature collection")
	}
	if fc.Type != "FeatureCollection" {
		return nil, eris.Errorf("tract: expected FeatureCollection, got %q", fc.Type)
	}

	parcels := make([]Parcel, 0, len(fc.Features))
	for i, raw := range fc.Features {
		var f rawFeature
		if err := json.Unmarshal(raw, &f); err != nil {
			parcels = append(parcels, Parcel{ID: fmt.Sprintf("feature-%d", i)})
			continue
		}
		parcels = append(parcels, featureParcels(i, f, fields)...)
	}
	return parcels, nil
}

func featureParcels(i int, f rawFeature, fields FieldMapping) []Parcel {
	id := propertyString(f.Properties, fields.ID)
	if id == "" && f.ID != nil {
		id = fmt.Sprint(f.ID)
	}
	if id == "" {
		id = fmt.Sprintf("feature-%d", i)
	}
	owner := propertyString(f.Properties, fields.Owner)
	hint := propertyFloat(f.Properties, fields.Acres)

	geom, err := decodeGeometry(f.Geometry)
	if err != nil {
		return []Parcel{{ID: id, OwnerRaw: owner, AreaHintAcres: hint}}
	}
	switch g := geom.(type) {
	case orb.Polygon:
		return []Parcel{polygonParcel(id, owner, g, hint)}
	case orb.MultiPolygon:
		if len(g) == 1 {
			return []Parcel{polygonParcel(id, owner, g[0], hint)}
		}
		out := make([]Parcel, 0, len(g))
		for n, poly := range g {
			// A hint describes the whole feature, so parts get none.
			out = append(out, polygonParcel(fmt.Sprintf("%s/%d", id, n+1), owner, poly, nil))
		}
		return out
	default:
		return []Parcel{{ID: id, OwnerRaw: owner, AreaHintAcres: hint}}
	}
}

type rawGeometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// decodeGeometry decodes a feature geometry. Polygonal coordinates are read
// through nullable positions so a null ordinate surfaces as NaN and fails
// validation, rather than decoding as 0.
func decodeGeometry(raw json.RawMessage) (orb.Geometry, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, eris.New("missing geometry")
	}
	var rg rawGeometry
	if err := json.Unmarshal(raw, &rg); err != nil {
		return nil, eris.Wrap(err, "decode geometry")
	}
	switch rg.Type {
	case "Polygon":
		var c [][][]*float64
		if err := json.Unmarshal(rg.Coordinates, &c); err != nil {
			return nil, eris.Wrap(err, "decode polygon")
		}
		return nullablePolygon(c), nil
	case "MultiPolygon":
		var c [][][][]*float64
		if err := json.Unmarshal(rg.Coordinates, &c); err != nil {
			return nil, eris.Wrap(err, "decode multipolygon")
		}
		mp := make(orb.MultiPolygon, len(c))
		for i, poly := range c {
			mp[i] = nullablePolygon(poly)
		}
		return mp, nil
	}
	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return nil, err
	}
	return g.Geometry(), nil
}

func nullablePolygon(rings [][][]*float64) orb.Polygon {
	poly := make(orb.Polygon, len(rings))
	for i, r := range rings {
		ring := make(orb.Ring, len(r))
		for j, pos := range r {
			ring[j] = nullablePoint(pos)
		}
		poly[i] = ring
	}
	return poly
}

// nullablePoint maps missing or null ordinates to NaN.
func nullablePoint(pos []*float64) orb.Point {
	p := orb.Point{math.NaN(), math.NaN()}
	for i := 0; i < 2 && i < len(pos); i++ {
		if pos[i] != nil {
			p[i] = *pos[i]
		}
	}
	return p
}

// polygonParcel builds a parcel from an outer ring plus holes.
func polygonParcel(id, owner string, poly orb.Polygon, hint *float64) Parcel {
	if len(poly) == 0 {
		return Parcel{ID: id, OwnerRaw: owner, AreaHintAcres: hint}
	}
	p := NewParcel(id, owner, poly[0], hint)
	for _, h := range poly[1:] {
		p.Holes = append(p.Holes, closeRing(h))
	}
	return p
}

func propertyString(props map[string]any, key string) string {
	v, ok := props[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func propertyFloat(props map[string]any, key string) *float64 {
	v, ok := props[key]
	if !ok || v == nil {
		return nil
	}
	switch t := v.(type) {
	case float64:
		return &t
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil
		}
		return &f
	}
	return nil
}
