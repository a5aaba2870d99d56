package main

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kwv/tractmesh/tract"
)

// maxUploadBytes bounds POST /aggregate bodies.
const maxUploadBytes = 64 << 20

// newRouter creates the HTTP API around app.
func newRouter(a *App) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(a.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		ExposedHeaders: []string{"X-Cache", "X-Run-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", a.handleHealth)
	r.Get("/holdings", a.handleHoldings)
	r.Get("/holdings.svg", a.handleHoldingsSVG)
	r.Post("/aggregate", a.handleAggregate)
	r.Get("/runs/latest", a.handleLatestRun)
	r.Get("/runs/{id}", a.handleRun)
	if a.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
	}
	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", chimw.GetReqID(r.Context())))
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// parseQuery reads bbox, owner and tolerance from the URL.
func parseQuery(r *http.Request) (Query, error) {
	v := r.URL.Query()
	q := Query{Owner: v.Get("owner")}
	if s := v.Get("bbox"); s != "" {
		b, err := tract.ParseBBox(s)
		if err != nil {
			return Query{}, err
		}
		q.BBox = b
	}
	if s := v.Get("tolerance"); s != "" {
		t, err := strconv.ParseFloat(s, 64)
		if err != nil || t < 0 {
			return Query{}, errInvalidTolerance(s)
		}
		q.ToleranceMeters = t
	}
	return q, nil
}

type errInvalidTolerance string

func (e errInvalidTolerance) Error() string {
	return "tolerance must be a non-negative number of meters, got " + strconv.Quote(string(e))
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := struct {
		Status    string    `json:"status"`
		Version   string    `json:"version"`
		Timestamp time.Time `json:"timestamp"`
		Runs      int       `json:"runs"`
		MQTT      bool      `json:"mqttConnected"`
	}{
		Status:    "ok",
		Version:   Version,
		Timestamp: time.Now(),
		Runs:      a.Runs.Len(),
		MQTT:      a.MQTTClient != nil && a.MQTTClient.IsConnected(),
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *App) handleHoldings(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := a.Query(r.Context(), q)
	if err != nil {
		a.Logger.Warn("holdings query failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, err)
		return
	}

	cache := "miss"
	if out.Cached {
		cache = "hit"
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.Header().Set("X-Cache", cache)
	w.Header().Set("X-Run-Id", out.RunID)
	_, _ = w.Write(out.Payload)
}

func (a *App) handleHoldingsSVG(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := a.run(r.Context(), a.aggregator(q.ToleranceMeters), q)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Run-Id", res.RunID)
	if err := tract.NewHoldingRenderer(res.Holdings).RenderToSVG(w); err != nil {
		a.Logger.Warn("render svg failed", zap.Error(err))
	}
}

// handleAggregate aggregates an uploaded FeatureCollection of parcels.
func (a *App) handleAggregate(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}

	fields := tract.DefaultFieldMapping()
	if a.Config != nil {
		fields = a.Config.Fields()
	}
	parcels, err := tract.DecodeParcels(body, fields)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	parcels = tract.FilterBBox(tract.FilterOwner(parcels, q.Owner), q.BBox)

	res := a.aggregator(q.ToleranceMeters).Aggregate(r.Context(), parcels)
	payload, err := tract.MarshalResult(res)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.Runs.Record(tract.RunRecord{RunID: res.RunID, Query: "upload", Summary: res.Summary()})

	w.Header().Set("Content-Type", "application/geo+json")
	w.Header().Set("X-Run-Id", res.RunID)
	_, _ = w.Write(payload)
}

func (a *App) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.Runs.Latest()
	if !ok {
		http.Error(w, "no runs yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *App) handleRun(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.Runs.Get(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
