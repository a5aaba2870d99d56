package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/tractmesh/tract"
)

func serve(t *testing.T, h http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	a := newTestApp(t)
	rec := serve(t, newRouter(a), http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "ok", status["status"])
	assert.Equal(t, Version, status["version"])
	assert.Equal(t, false, status["mqttConnected"])
}

func TestHoldingsEndpointCaches(t *testing.T) {
	a := newTestApp(t)
	h := newRouter(a)

	first := serve(t, h, http.MethodGet, "/holdings", nil)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	assert.Equal(t, "application/geo+json", first.Header().Get("Content-Type"))
	assert.Equal(t, "miss", first.Header().Get("X-Cache"))
	assert.NotEmpty(t, first.Header().Get("X-Run-Id"))
	assert.Len(t, decodeFeatures(t, first.Body.Bytes()), 2)

	second := serve(t, h, http.MethodGet, "/holdings", nil)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "hit", second.Header().Get("X-Cache"))
	assert.Equal(t, first.Header().Get("X-Run-Id"), second.Header().Get("X-Run-Id"))
	assert.Equal(t, first.Body.String(), second.Body.String())
}

func TestHoldingsEndpointFilters(t *testing.T) {
	a := newTestApp(t)
	rec := serve(t, newRouter(a), http.MethodGet, "/holdings?owner=jones&bbox=-94,41,-93,43&tolerance=2", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	features := decodeFeatures(t, rec.Body.Bytes())
	require.Len(t, features, 1)
	assert.Equal(t, "JONES", features[0]["properties"].(map[string]any)["ownerKey"])
}

func TestHoldingsEndpointBadRequest(t *testing.T) {
	a := newTestApp(t)
	h := newRouter(a)

	tests := []struct {
		name   string
		target string
	}{
		{"short bbox", "/holdings?bbox=1,2,3"},
		{"inverted bbox", "/holdings?bbox=10,10,0,0"},
		{"text tolerance", "/holdings?tolerance=wide"},
		{"negative tolerance", "/holdings?tolerance=-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, h, http.MethodGet, tt.target, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "error")
		})
	}
}

func TestHoldingsEndpointUpstreamFailure(t *testing.T) {
	a := newTestApp(t)
	a.Source = &staticSource{err: errors.New("connection refused")}

	rec := serve(t, newRouter(a), http.MethodGet, "/holdings", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestHoldingsSVGEndpoint(t *testing.T) {
	a := newTestApp(t)
	rec := serve(t, newRouter(a), http.MethodGet, "/holdings.svg", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/svg+xml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "<svg")
}

func TestAggregateEndpoint(t *testing.T) {
	a := newTestApp(t)
	h := newRouter(a)

	rec := serve(t, h, http.MethodPost, "/aggregate", strings.NewReader(testParcels))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decodeFeatures(t, rec.Body.Bytes()), 2)

	runID := rec.Header().Get("X-Run-Id")
	require.NotEmpty(t, runID)
	got, ok := a.Runs.Get(runID)
	require.True(t, ok)
	assert.Equal(t, "upload", got.Query)
	assert.Equal(t, 3, got.Summary.Parcels)

	rec = serve(t, h, http.MethodPost, "/aggregate?owner=Smith+Farms+LLC", strings.NewReader(testParcels))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeFeatures(t, rec.Body.Bytes()), 1)
}

func TestAggregateEndpointBadBody(t *testing.T) {
	a := newTestApp(t)
	rec := serve(t, newRouter(a), http.MethodPost, "/aggregate", strings.NewReader(`{"type":"Point"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunEndpoints(t *testing.T) {
	a := newTestApp(t)
	h := newRouter(a)

	rec := serve(t, h, http.MethodGet, "/runs/latest", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	a.Runs.Record(tract.RunRecord{RunID: "run-1", Query: "q", Summary: tract.RunSummary{RunID: "run-1", Holdings: 4}})

	rec = serve(t, h, http.MethodGet, "/runs/run-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got tract.RunRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 4, got.Summary.Holdings)

	rec = serve(t, h, http.MethodGet, "/runs/latest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"runId":"run-1"`)

	rec = serve(t, h, http.MethodGet, "/runs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	a := newTestApp(t)
	h := newRouter(a)

	serve(t, h, http.MethodGet, "/holdings", nil)
	rec := serve(t, h, http.MethodGet, "/metrics", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "tractmesh_runs_total 1")
	assert.Contains(t, body, "tractmesh_cache_misses_total 1")
	assert.Contains(t, body, "go_goroutines")
}

func TestCORSPreflight(t *testing.T) {
	a := newTestApp(t)
	req := httptest.NewRequest(http.MethodOptions, "/holdings", nil)
	req.Header.Set("Origin", "https://maps.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()

	newRouter(a).ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestUnknownRoute(t *testing.T) {
	a := newTestApp(t)
	rec := serve(t, newRouter(a), http.MethodGet, "/composite-map.png", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
