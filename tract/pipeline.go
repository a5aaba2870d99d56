package tract

import (
	"context"
	"math"
	"runtime"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultBudget is the wall-clock limit of one Aggregate call.
const DefaultBudget = 5 * time.Second

// Options tune an Aggregator. Zero fields take their defaults.
type Options struct {
	// ToleranceMeters is the adjacency buffer. Zero means DefaultToleranceMeters.
	ToleranceMeters float64
	// Workers bounds concurrent owner groups. Zero means runtime.NumCPU().
	Workers int
	// Budget bounds a run. Zero means DefaultBudget; negative disables it.
	Budget time.Duration

	IndexThreshold       int
	GridCellMeters       float64
	ConsistencyThreshold float64
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		ToleranceMeters:      DefaultToleranceMeters,
		Workers:              runtime.NumCPU(),
		Budget:               DefaultBudget,
		IndexThreshold:       DefaultIndexThreshold,
		GridCellMeters:       DefaultGridCellMeters,
		ConsistencyThreshold: DefaultConsistencyThreshold,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ToleranceMeters <= 0 || math.IsNaN(o.ToleranceMeters) {
		o.ToleranceMeters = d.ToleranceMeters
	}
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.Budget == 0 {
		o.Budget = d.Budget
	}
	if o.IndexThreshold <= 0 {
		o.IndexThreshold = d.IndexThreshold
	}
	if o.GridCellMeters <= 0 {
		o.GridCellMeters = d.GridCellMeters
	}
	if o.ConsistencyThreshold <= 0 {
		o.ConsistencyThreshold = d.ConsistencyThreshold
	}
	return o
}

// Aggregator turns a parcel snapshot into owner holdings. It keeps no state
// between calls and is safe for concurrent use.
type Aggregator struct {
	opts    Options
	logger  *zap.Logger
	metrics *Metrics
}

// NewAggregator returns an Aggregator. logger and metrics may be nil.
func NewAggregator(opts Options, logger *zap.Logger, metrics *Metrics) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{opts: opts.withDefaults(), logger: logger, metrics: metrics}
}

// Options returns the effective options.
func (a *Aggregator) Options() Options { return a.opts }

// Aggregate groups parcels by owner, clusters adjacent parcels and merges
// each cluster. It never fails: invalid parcels come back as excluded
// holdings, failed unions as degraded ones, and an expired budget or context
// as a Truncated result holding whatever was finished.
func (a *Aggregator) Aggregate(ctx context.Context, parcels []Parcel) *Result {
	start := time.Now()
	res := &Result{RunID: uuid.NewString(), Holdings: []AggregatedHolding{}}
	log := a.logger.With(zap.String("run_id", res.RunID))

	if a.opts.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.Budget)
		defer cancel()
	}

	eng := newEngine()
	groups := make(map[string][]Parcel)
	var excluded []Parcel
	for _, p := range parcels {
		if err := eng.validate(p); err != nil {
			log.Debug("parcel excluded", zap.String("parcel", p.ID), zap.Error(err))
			excluded = append(excluded, p)
			continue
		}
		key := p.OwnerKey()
		groups[key] = append(groups[key], p)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	builder := &RecordBuilder{
		ConsistencyThreshold: a.opts.ConsistencyThreshold,
		Logger:               log,
		Metrics:              a.metrics,
	}

	// Singletons skip clustering and are always part of the result.
	slots := make([][]AggregatedHolding, len(keys))
	for i, key := range keys {
		if group := groups[key]; len(group) == 1 {
			p := group[0]
			h := builder.Build(key, group, MergeResult{Kind: Merged, Geometry: p.Polygon()})
			a.metrics.holding(KindSingleton)
			slots[i] = []AggregatedHolding{h}
		}
	}

	var truncated atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Workers)
	for i, key := range keys {
		group := groups[key]
		if len(group) == 1 {
			continue
		}
		if ctx.Err() != nil {
			truncated.Store(true)
			break
		}
		g.Go(func() error {
			slots[i] = a.aggregateGroup(gctx, log, builder, key, group, &truncated)
			return nil
		})
	}
	_ = g.Wait()

	for _, s := range slots {
		res.Holdings = append(res.Holdings, s...)
	}
	for _, p := range excluded {
		res.Holdings = append(res.Holdings, excludedHolding(p))
		a.metrics.holding(KindExcluded)
	}
	res.Excluded = len(excluded)
	res.Truncated = truncated.Load()
	res.Duration = time.Since(start)
	a.metrics.run(res)

	s := res.Summary()
	fields := []zap.Field{
		zap.Int("parcels", len(parcels)),
		zap.Int("owners", len(keys)),
		zap.Int("holdings", s.Holdings),
		zap.Int("combined", s.Combined),
		zap.Int("degraded", s.Degraded),
		zap.Int("excluded", s.Excluded),
		zap.Duration("elapsed", res.Duration),
	}
	if res.Truncated {
		log.Warn("aggregation truncated", fields...)
	} else {
		log.Info("aggregation complete", fields...)
	}
	return res
}

// aggregateGroup clusters and merges one owner's parcels on a private GEOS
// context.
func (a *Aggregator) aggregateGroup(ctx context.Context, log *zap.Logger, builder *RecordBuilder, key string, group []Parcel, truncated *atomic.Bool) []AggregatedHolding {
	if ctx.Err() != nil {
		truncated.Store(true)
		return nil
	}
	log = log.With(zap.String("owner", key))

	eng := newEngine()
	clusterer := &Clusterer{
		ToleranceMeters: a.opts.ToleranceMeters,
		IndexThreshold:  a.opts.IndexThreshold,
		GridCellMeters:  a.opts.GridCellMeters,
		eng:             eng,
	}
	merger := &Merger{eng: eng}

	polys := make([]orb.Polygon, len(group))
	for i, p := range group {
		polys[i] = p.Polygon()
	}
	clusters, err := clusterer.Cluster(ctx, polys)
	if err != nil {
		if eris.Is(err, ErrBudgetExceeded) {
			truncated.Store(true)
		}
		log.Warn("clustering interrupted", zap.Int("clusters", len(clusters)), zap.Error(err))
	}

	out := make([]AggregatedHolding, 0, len(clusters))
	for _, members := range clusters {
		// Clusters that finished inside the budget are merged even when the
		// context has since expired; merging is bounded by cluster size.
		cp := make([]Parcel, len(members))
		cpolys := make([]orb.Polygon, len(members))
		for i, idx := range members {
			cp[i] = group[idx]
			cpolys[i] = polys[idx]
		}
		mr := merger.Merge(cpolys)
		h := builder.Build(key, cp, mr)
		switch {
		case h.Degraded:
			log.Warn("union degraded", zap.Int("parcels", h.ParcelCount), zap.String("reason", mr.Reason))
			a.metrics.holding(KindDegraded)
		case h.Combined:
			a.metrics.holding(KindMerged)
		default:
			a.metrics.holding(KindSingleton)
		}
		out = append(out, h)
	}
	return out
}

// excludedHolding wraps an invalid parcel. The geometry keeps whatever finite
// vertices the ring had, or is an empty collection when none remain.
func excludedHolding(p Parcel) AggregatedHolding {
	var acres float64
	if p.AreaHintAcres != nil {
		acres = *p.AreaHintAcres
	}
	var ring orb.Ring
	for _, pt := range p.Ring {
		if finitePoint(pt) {
			ring = append(ring, pt)
		}
	}
	var geom orb.Geometry = orb.Collection{}
	if len(ring) > 0 {
		geom = orb.Polygon{closeRing(ring)}
	}
	return AggregatedHolding{
		OwnerKey:    p.OwnerKey(),
		ParcelIDs:   []string{p.ID},
		ParcelCount: 1,
		TotalAcres:  acres,
		SummedAcres: acres,
		Geometry:    geom,
		Excluded:    true,
	}
}

// FilterOwner keeps the parcels whose normalized owner matches owner. An
// empty owner keeps everything.
func FilterOwner(parcels []Parcel, owner string) []Parcel {
	if owner == "" {
		return parcels
	}
	key := NormalizeOwner(owner)
	out := make([]Parcel, 0, len(parcels))
	for _, p := range parcels {
		if p.OwnerKey() == key {
			out = append(out, p)
		}
	}
	return out
}
