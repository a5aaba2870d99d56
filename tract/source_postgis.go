package tract

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
)

// DefaultParcelTable is queried when no table is configured.
const DefaultParcelTable = "parcels"

// pool is the subset of pgxpool.Pool used by PostGISSource.
type pool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close()
}

// PostGISSource reads parcels from a PostGIS table with columns for id,
// owner, acreage and a geometry column in EPSG:4326.
type PostGISSource struct {
	pool   pool
	table  string
	fields FieldMapping
	geom   string
}

// NewPostGISSource connects to databaseURL.
func NewPostGISSource(ctx context.Context, databaseURL, table string, fields FieldMapping) (*PostGISSource, error) {
	p, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "tract: postgis connect")
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, eris.Wrap(err, "tract: postgis ping")
	}
	return newPostGISSource(p, table, fields), nil
}

func newPostGISSource(p pool, table string, fields FieldMapping) *PostGISSource {
	if table == "" {
		table = DefaultParcelTable
	}
	return &PostGISSource{pool: p, table: table, fields: fields.withDefaults(), geom: "geom"}
}

// Close releases the connection pool.
func (s *PostGISSource) Close() { s.pool.Close() }

// query builds the SELECT for the configured table. Identifiers are quoted;
// a dotted table name is treated as schema.table.
func (s *PostGISSource) query(bounded bool) string {
	ident := func(parts ...string) string { return pgx.Identifier(parts).Sanitize() }
	geomCol := ident(s.geom)
	sql := fmt.Sprintf(
		"SELECT %s::text, COALESCE(%s::text, ''), ST_AsEWKB(%s), COALESCE(%s::float8, -1) FROM %s",
		ident(s.fields.ID), ident(s.fields.Owner), geomCol, ident(s.fields.Acres),
		ident(strings.Split(s.table, ".")...),
	)
	if bounded {
		sql += fmt.Sprintf(" WHERE %s && ST_MakeEnvelope($1, $2, $3, $4, 4326)", geomCol)
	}
	return sql + " ORDER BY 1"
}

// Fetch implements ParcelSource. A missing acreage is reported as -1 by the
// query and maps to no hint.
func (s *PostGISSource) Fetch(ctx context.Context, bbox BBox) ([]Parcel, error) {
	var args []any
	if !bbox.IsZero() {
		args = []any{bbox.MinLon, bbox.MinLat, bbox.MaxLon, bbox.MaxLat}
	}
	rows, err := s.pool.Query(ctx, s.query(!bbox.IsZero()), args...)
	if err != nil {
		return nil, eris.Wrap(err, "tract: postgis query")
	}
	defer rows.Close()

	var parcels []Parcel
	for rows.Next() {
		var (
			id, owner string
			data      []byte
			acres     float64
		)
		if err := rows.Scan(&id, &owner, &data, &acres); err != nil {
			return nil, eris.Wrap(err, "tract: postgis scan")
		}
		var hint *float64
		if acres >= 0 {
			hint = &acres
		}
		parcels = append(parcels, ewkbParcels(id, owner, data, hint)...)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "tract: postgis rows iteration")
	}
	return parcels, nil
}

// ewkbParcels decodes one row's geometry. Undecodable geometry yields a
// single parcel with an empty ring.
func ewkbParcels(id, owner string, data []byte, hint *float64) []Parcel {
	if len(data) == 0 {
		return []Parcel{{ID: id, OwnerRaw: owner, AreaHintAcres: hint}}
	}
	g, err := ewkb.Unmarshal(data)
	if err != nil {
		return []Parcel{{ID: id, OwnerRaw: owner, AreaHintAcres: hint}}
	}
	switch t := g.(type) {
	case *geom.Polygon:
		return []Parcel{polygonParcel(id, owner, geomPolygon(t), hint)}
	case *geom.MultiPolygon:
		if t.NumPolygons() == 1 {
			return []Parcel{polygonParcel(id, owner, geomPolygon(t.Polygon(0)), hint)}
		}
		out := make([]Parcel, 0, t.NumPolygons())
		for i := 0; i < t.NumPolygons(); i++ {
			out = append(out, polygonParcel(fmt.Sprintf("%s/%d", id, i+1), owner, geomPolygon(t.Polygon(i)), nil))
		}
		return out
	}
	return []Parcel{{ID: id, OwnerRaw: owner, AreaHintAcres: hint}}
}

func geomPolygon(p *geom.Polygon) orb.Polygon {
	out := make(orb.Polygon, 0, p.NumLinearRings())
	for i := 0; i < p.NumLinearRings(); i++ {
		coords := p.LinearRing(i).Coords()
		ring := make(orb.Ring, len(coords))
		for j, c := range coords {
			ring[j] = orb.Point{c.X(), c.Y()}
		}
		out = append(out, ring)
	}
	return out
}
