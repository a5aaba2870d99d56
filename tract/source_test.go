package tract

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBBox(t *testing.T) {
	tests := []struct {
		in      string
		want    BBox
		wantErr bool
	}{
		{in: "-94,41.5,-93,42.5", want: BBox{-94, 41.5, -93, 42.5}},
		{in: " -94 , 41.5 , -93 , 42.5 ", want: BBox{-94, 41.5, -93, 42.5}},
		{in: "1,2,3", wantErr: true},
		{in: "a,b,c,d", wantErr: true},
		{in: "5,0,1,1", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBBox(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBBoxStringRoundTrip(t *testing.T) {
	b := BBox{MinLon: -93.75, MinLat: 41.9, MaxLon: -93.5, MaxLat: 42.1}
	got, err := ParseBBox(b.String())
	require.NoError(t, err)
	assert.Equal(t, b, got)
}

func TestFilterBBox(t *testing.T) {
	in := NewParcel("in", "o", orb.Ring{{0, 0}, {1, 0}, {1, 1}}, nil)
	edge := NewParcel("edge", "o", orb.Ring{{2, 2}, {3, 2}, {3, 3}}, nil)
	out := NewParcel("out", "o", orb.Ring{{10, 10}, {11, 10}, {11, 11}}, nil)
	noGeom := Parcel{ID: "none"}
	nan := NewParcel("nan", "o", orb.Ring{{math.NaN(), 0}, {0.5, 0.5}, {0.6, 0.5}}, nil)
	parcels := []Parcel{in, edge, out, noGeom, nan}

	assert.Len(t, FilterBBox(parcels, BBox{}), 5, "zero bbox keeps everything")

	got := FilterBBox(parcels, BBox{MinLon: -1, MinLat: -1, MaxLon: 2, MaxLat: 2})
	var ids []string
	for _, p := range got {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"in", "edge", "nan"}, ids)
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "parcels.geojson")
	require.NoError(t, os.WriteFile(path, []byte(parcelsJSON), 0o644))

	src := &FileSource{Path: path}
	all, err := src.Fetch(context.Background(), BBox{})
	require.NoError(t, err)
	assert.Len(t, all, 9)

	some, err := src.Fetch(context.Background(), BBox{MinLon: 4.5, MinLat: 4.5, MaxLon: 6.5, MaxLat: 6.5})
	require.NoError(t, err)
	require.Len(t, some, 2)
	assert.Equal(t, "multi/1", some[0].ID)
	assert.Equal(t, "multi/2", some[1].ID)
}

func TestFileSourceErrors(t *testing.T) {
	_, err := (&FileSource{Path: filepath.Join(t.TempDir(), "missing.geojson")}).Fetch(context.Background(), BBox{})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = (&FileSource{Path: "parcels.geojson"}).Fetch(ctx, BBox{})
	assert.Error(t, err)
}
