package tract

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const oneParcelJSON = `{"type":"FeatureCollection","features":[{"type":"Feature",
	"properties":{"id":"p1","owner":"Smith"},
	"geometry":{"type":"Polygon","coordinates":[[[0,0],[0.001,0],[0.001,0.001],[0,0]]]}}]}`

func TestHTTPSourceFetch(t *testing.T) {
	var gotBBox, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBBox = r.URL.Query().Get("bbox")
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "application/geo+json")
		_, _ = w.Write([]byte(oneParcelJSON))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL+"/parcels?layer=2", FieldMapping{}, WithHTTPClient(srv.Client()))
	parcels, err := src.Fetch(context.Background(), BBox{MinLon: -94, MinLat: 41.5, MaxLon: -93, MaxLat: 42.5})
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if len(parcels) != 1 || parcels[0].ID != "p1" {
		t.Fatalf("Fetch() = %+v, want one parcel p1", parcels)
	}
	if gotBBox != "-94,41.5,-93,42.5" {
		t.Errorf("bbox = %q", gotBBox)
	}
	if !strings.Contains(gotAccept, "application/geo+json") {
		t.Errorf("Accept = %q", gotAccept)
	}
}

func TestHTTPSourceNoBBoxParam(t *testing.T) {
	var rawQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(oneParcelJSON))
	}))
	defer srv.Close()

	if _, err := NewHTTPSource(srv.URL, FieldMapping{}).Fetch(context.Background(), BBox{}); err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if rawQuery != "" {
		t.Errorf("unbounded fetch sent query %q", rawQuery)
	}
}

func TestHTTPSourceEmptyURL(t *testing.T) {
	_, err := NewHTTPSource("", FieldMapping{}).Fetch(context.Background(), BBox{})
	if err == nil || !strings.Contains(err.Error(), "URL is empty") {
		t.Fatalf("expected empty URL error, got %v", err)
	}
}

func TestHTTPSourceRetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(oneParcelJSON))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, FieldMapping{}, WithBaseBackoff(time.Millisecond))
	parcels, err := src.Fetch(context.Background(), BBox{})
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if len(parcels) != 1 {
		t.Errorf("got %d parcels, want 1", len(parcels))
	}
	if n := attempts.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestHTTPSourceGivesUp(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, FieldMapping{}, WithMaxRetries(2), WithBaseBackoff(time.Millisecond))
	_, err := src.Fetch(context.Background(), BBox{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "all 2 attempts failed") || !strings.Contains(err.Error(), "status 503") {
		t.Errorf("unexpected error: %v", err)
	}
	if n := attempts.Load(); n != 2 {
		t.Errorf("attempts = %d, want 2", n)
	}
}

func TestHTTPSourceDecodeErrorNotRetried(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		_, _ = w.Write([]byte(`{"type":"Feature"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPSource(srv.URL, FieldMapping{}, WithBaseBackoff(time.Millisecond)).Fetch(context.Background(), BBox{})
	if err == nil {
		t.Fatal("expected decode error")
	}
	if n := attempts.Load(); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
}

func TestHTTPSourceContextCancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewHTTPSource(srv.URL, FieldMapping{}, WithBaseBackoff(10*time.Second)).Fetch(ctx, BBox{})
	if err == nil {
		t.Fatal("expected error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Fetch ignored cancellation, took %v", elapsed)
	}
}

func TestHTTPSourceRateLimit(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		_, _ = w.Write([]byte(oneParcelJSON))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, FieldMapping{}, WithRateLimit(20))
	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := src.Fetch(context.Background(), BBox{}); err != nil {
			t.Fatalf("Fetch() error: %v", err)
		}
	}
	// Burst of one at 20/s: the second and third calls wait ~50ms each.
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("three limited fetches took %v, expected at least ~100ms", elapsed)
	}
	if n := attempts.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}
