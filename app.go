package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/kwv/tractmesh/tract"
)

// AggregateOptions are the flags of a one-shot aggregate run.
type AggregateOptions struct {
	Input           string
	Shapefile       string
	BBox            string
	Owner           string
	ToleranceMeters float64
	Output          string
	SVG             string
}

// ServiceOptions select the service surfaces.
type ServiceOptions struct {
	MQTT bool
	HTTP bool
	Port int
}

// Query is one aggregation request, whatever surface it arrived on.
type Query struct {
	BBox            tract.BBox
	Owner           string
	ToleranceMeters float64
}

// QueryResult is the answer to a Query. Result is nil when the payload came
// from the cache.
type QueryResult struct {
	RunID   string
	Payload []byte
	Summary *tract.RunSummary
	Cached  bool
	Result  *tract.Result
}

// App encapsulates the application state and dependencies
type App struct {
	Config     *tract.Config
	Logger     *zap.Logger
	Registry   *prometheus.Registry
	Metrics    *tract.Metrics
	Source     tract.ParcelSource
	Cache      tract.HoldingCache
	Runs       *tract.RunTracker
	MQTTClient *tract.MQTTClient
	Publisher  *tract.Publisher

	// Out receives human-readable progress; stdout unless a test swaps it.
	Out io.Writer

	closers []func()
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Logger: zap.NewNop(),
		Runs:   tract.NewRunTracker(tract.DefaultRunHistory),
		Out:    os.Stdout,
	}
}

// Configure installs the loaded configuration and a fresh metrics registry.
func (a *App) Configure(cfg *tract.Config, logger *zap.Logger) {
	a.Config = cfg
	if logger != nil {
		a.Logger = logger
	}
	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = tract.NewMetrics(a.Registry)
}

// Close releases connections opened by the app.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// ensureSource opens the configured parcel source unless one is installed.
func (a *App) ensureSource(ctx context.Context) error {
	if a.Source != nil {
		return nil
	}
	if a.Config == nil {
		return eris.New("no configuration loaded")
	}
	src, closer, err := openSource(ctx, a.Config, a.Logger)
	if err != nil {
		return err
	}
	a.Source = src
	if closer != nil {
		a.closers = append(a.closers, closer)
	}
	return nil
}

func openSource(ctx context.Context, cfg *tract.Config, logger *zap.Logger) (tract.ParcelSource, func(), error) {
	s := cfg.Source
	fields := cfg.Fields()
	switch s.Kind {
	case tract.SourceHTTP:
		var opts []tract.FetchOption
		if s.RequestsPerSecond > 0 {
			opts = append(opts, tract.WithRateLimit(s.RequestsPerSecond))
		}
		return tract.NewHTTPSource(s.URL, fields, opts...), nil, nil
	case tract.SourcePostGIS:
		src, err := tract.NewPostGISSource(ctx, s.DatabaseURL, s.Table, fields)
		if err != nil {
			return nil, nil, err
		}
		return src, src.Close, nil
	case tract.SourceShapefile:
		return &tract.ShapefileSource{Path: s.Path, Fields: fields, Logger: logger}, nil, nil
	default:
		return &tract.FileSource{Path: s.Path, Fields: fields}, nil, nil
	}
}

// ensureCache installs Redis when an address is configured, an in-process
// cache otherwise.
func (a *App) ensureCache() {
	if a.Cache != nil || a.Config == nil {
		return
	}
	c := a.Config.Cache
	if c.RedisAddr == "" {
		a.Cache = tract.NewMemoryCache(c.TTL)
		return
	}
	client := tract.OpenRedis(c.RedisAddr, c.RedisPassword, c.RedisDB)
	a.Cache = tract.NewRedisCache(client, c.Prefix, c.TTL)
	a.closers = append(a.closers, func() { _ = client.Close() })
	a.Logger.Info("using redis holding cache", zap.String("addr", c.RedisAddr))
}

// aggregator returns an Aggregator for the configured options, with the
// tolerance overridden when toleranceMeters is positive.
func (a *App) aggregator(toleranceMeters float64) *tract.Aggregator {
	opts := tract.DefaultOptions()
	if a.Config != nil {
		opts = a.Config.Options()
	}
	if toleranceMeters > 0 {
		opts.ToleranceMeters = toleranceMeters
	}
	return tract.NewAggregator(opts, a.Logger, a.Metrics)
}

func (a *App) run(ctx context.Context, agg *tract.Aggregator, q Query) (*tract.Result, error) {
	if a.Source == nil {
		return nil, eris.New("no parcel source configured")
	}
	parcels, err := a.Source.Fetch(ctx, q.BBox)
	if err != nil {
		return nil, eris.Wrap(err, "fetch parcels")
	}
	parcels = tract.FilterOwner(parcels, q.Owner)
	return agg.Aggregate(ctx, parcels), nil
}

// Query answers q from the cache when possible, otherwise fetches the
// window, aggregates it and caches the payload. Truncated results are never
// cached.
func (a *App) Query(ctx context.Context, q Query) (*QueryResult, error) {
	agg := a.aggregator(q.ToleranceMeters)
	key := tract.CacheKey(q.BBox, q.Owner, agg.Options().ToleranceMeters)
	log := a.Logger.With(zap.String("query", key))

	if a.Cache != nil {
		payload, ok, err := a.Cache.Get(ctx, key)
		if err != nil {
			log.Warn("cache lookup failed", zap.Error(err))
		}
		a.Metrics.CacheHit(ok)
		if ok {
			out := &QueryResult{RunID: cachedRunID(payload), Payload: payload, Cached: true}
			if prior, found := a.Runs.Get(out.RunID); found {
				s := prior.Summary
				out.Summary = &s
			}
			log.Debug("serving cached holdings", zap.String("run_id", out.RunID))
			return out, nil
		}
	}

	res, err := a.run(ctx, agg, q)
	if err != nil {
		return nil, err
	}
	payload, err := tract.MarshalResult(res)
	if err != nil {
		return nil, err
	}

	if a.Cache != nil && !res.Truncated {
		if err := a.Cache.Set(ctx, key, payload); err != nil {
			log.Warn("cache store failed", zap.Error(err))
		}
	}

	summary := res.Summary()
	a.Runs.Record(tract.RunRecord{RunID: res.RunID, Query: key, Summary: summary})
	return &QueryResult{RunID: res.RunID, Payload: payload, Summary: &summary, Result: res}, nil
}

func cachedRunID(payload []byte) string {
	var head struct {
		RunID string `json:"runId"`
	}
	_ = json.Unmarshal(payload, &head)
	return head.RunID
}

// RunAggregate performs one aggregation and writes the holdings GeoJSON.
func (a *App) RunAggregate(ctx context.Context, opts AggregateOptions) error {
	fields := tract.DefaultFieldMapping()
	if a.Config != nil {
		fields = a.Config.Fields()
	}
	switch {
	case opts.Shapefile != "":
		a.Source = &tract.ShapefileSource{Path: opts.Shapefile, Fields: fields, Logger: a.Logger}
	case opts.Input != "":
		a.Source = &tract.FileSource{Path: opts.Input, Fields: fields}
	default:
		if err := a.ensureSource(ctx); err != nil {
			return err
		}
	}

	var bbox tract.BBox
	if opts.BBox != "" {
		b, err := tract.ParseBBox(opts.BBox)
		if err != nil {
			return err
		}
		bbox = b
	}

	res, err := a.run(ctx, a.aggregator(opts.ToleranceMeters), Query{BBox: bbox, Owner: opts.Owner})
	if err != nil {
		return err
	}
	payload, err := tract.MarshalResult(res)
	if err != nil {
		return err
	}
	summary := res.Summary()
	a.Runs.Record(tract.RunRecord{RunID: res.RunID, Query: tract.CacheKey(bbox, opts.Owner, opts.ToleranceMeters), Summary: summary})

	if opts.Output == "" || opts.Output == "-" {
		if _, err := a.Out.Write(payload); err != nil {
			return eris.Wrap(err, "write holdings")
		}
	} else {
		if err := os.WriteFile(opts.Output, payload, 0644); err != nil {
			return eris.Wrapf(err, "write %s", opts.Output)
		}
		fmt.Fprintf(a.Out, "Wrote %d holdings (%d parcels, %.2f acres) to %s\n",
			summary.Holdings, summary.Parcels, summary.TotalAcres, opts.Output)
		if summary.Truncated {
			fmt.Fprintln(a.Out, "Warning: run exceeded its budget; some owner groups were omitted or incomplete")
		}
	}

	if opts.SVG != "" {
		if err := writeSVG(opts.SVG, res.Holdings); err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "Wrote preview to %s\n", opts.SVG)
	}
	return nil
}

func writeSVG(path string, holdings []tract.AggregatedHolding) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "create %s", path)
	}
	if err := tract.NewHoldingRenderer(holdings).RenderToSVG(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// requestHandler answers MQTT requests by publishing holdings then status.
func (a *App) requestHandler(ctx context.Context) tract.RequestHandler {
	return func(req tract.Request, err error) {
		log := a.Logger.With(zap.String("request_id", req.RequestID))
		if err == nil {
			var q Query
			q, err = requestQuery(req)
			if err == nil {
				var out *QueryResult
				out, err = a.Query(ctx, q)
				if err == nil {
					a.publishResult(log, req.RequestID, out)
					return
				}
			}
		}

		log.Warn("aggregation request failed", zap.Error(err))
		if a.Publisher == nil || req.RequestID == "" {
			return
		}
		if perr := a.Publisher.PublishStatus(tract.Status{RequestID: req.RequestID, Error: err.Error()}); perr != nil {
			log.Warn("publish status failed", zap.Error(perr))
		}
	}
}

func (a *App) publishResult(log *zap.Logger, requestID string, out *QueryResult) {
	if a.Publisher == nil {
		return
	}
	if err := a.Publisher.PublishHoldings(requestID, out.Payload); err != nil {
		log.Warn("publish holdings failed", zap.Error(err))
		return
	}
	st := tract.Status{RequestID: requestID, Summary: out.Summary, Cached: out.Cached}
	if err := a.Publisher.PublishStatus(st); err != nil {
		log.Warn("publish status failed", zap.Error(err))
	}
}

func requestQuery(req tract.Request) (Query, error) {
	q := Query{Owner: req.Owner, ToleranceMeters: req.ToleranceMeters}
	if req.BBox != "" {
		b, err := tract.ParseBBox(req.BBox)
		if err != nil {
			return Query{}, err
		}
		q.BBox = b
	}
	return q, nil
}

// RunService serves requests until ctx is cancelled.
func (a *App) RunService(ctx context.Context, opts ServiceOptions) error {
	if a.Config == nil {
		return eris.New("no configuration loaded")
	}
	if err := a.ensureSource(ctx); err != nil {
		return err
	}
	a.ensureCache()
	a.Logger.Info("starting tractmesh service",
		zap.String("version", Version),
		zap.String("source", a.Config.Source.Kind),
		zap.Bool("mqtt", opts.MQTT),
		zap.Bool("http", opts.HTTP))

	if opts.MQTT {
		if a.MQTTClient == nil {
			c, err := tract.NewMQTTClient(a.Config.MQTT, a.requestHandler(ctx), a.Logger)
			if err != nil {
				return err
			}
			if c == nil {
				return eris.New("mqtt mode requires mqtt.broker")
			}
			a.MQTTClient = c
		}
		if a.Publisher == nil {
			a.Publisher = tract.NewPublisher(a.MQTTClient.Client(), a.Config.MQTT.PublishPrefix, a.Logger)
		}
		a.MQTTClient.Start(ctx)
		defer a.MQTTClient.Disconnect()
	}

	errCh := make(chan error, 1)
	var srv *http.Server
	if opts.HTTP {
		port := opts.Port
		if port == 0 {
			port = a.Config.HTTP.Port
		}
		srv = &http.Server{
			Addr:              ":" + strconv.Itoa(port),
			Handler:           newRouter(a),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			a.Logger.Info("http server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- eris.Wrap(err, "server listen")
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	a.Logger.Info("shutting down")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return eris.Wrap(err, "server shutdown")
		}
	}
	return nil
}
