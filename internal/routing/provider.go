// Package routing resolves travel distance, time and path between coordinates,
// either from an external road router or from a straight-line estimate.
package routing

import (
	"context"
	"log/slog"
	"time"

	"fleetroute/internal/geo"
	"fleetroute/internal/metrics"
)

// Segment is the resolved travel between two points.
type Segment struct {
	DistanceKm float64          `json:"distanceKm"`
	TimeMin    float64          `json:"timeMin"`
	Path       []geo.Coordinate `json:"path,omitempty"`
}

// Provider resolves a segment between two coordinates. Implementations never fail;
// they degrade to an estimate instead.
type Provider interface {
	Segment(ctx context.Context, a, b geo.Coordinate) Segment
}

// Lookup is an external routing strategy that may fail.
type Lookup interface {
	Route(ctx context.Context, coords []geo.Coordinate) (Segment, error)
}

// Geometric estimates segments from great-circle distance at a fixed average speed.
type Geometric struct {
	SpeedKmh float64
}

func (g Geometric) Segment(_ context.Context, a, b geo.Coordinate) Segment {
	d := geo.Distance(a, b)
	t, err := geo.TravelTime(d, g.SpeedKmh)
	if err != nil {
		t, _ = geo.TravelTime(d, geo.DefaultSpeedKmh)
	}
	return Segment{DistanceKm: d, TimeMin: t, Path: []geo.Coordinate{a, b}}
}

// CachedProvider memoizes segments for one optimization run. When lookup is nil
// every segment is estimated geometrically; otherwise lookup results are used and
// any lookup failure falls back to the geometric estimate for that segment.
type CachedProvider struct {
	lookup   Lookup
	fallback Geometric
	cache    *Cache
	logger   *slog.Logger
}

// NewProvider wires a lookup strategy, its fallback and a run-scoped cache.
func NewProvider(lookup Lookup, fallback Geometric, cache *Cache, logger *slog.Logger) *CachedProvider {
	if cache == nil {
		cache = NewCache()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedProvider{
		lookup:   lookup,
		fallback: fallback,
		cache:    cache,
		logger:   logger.With("component", "routing"),
	}
}

// Cache exposes the run cache (for stats).
func (p *CachedProvider) Cache() *Cache { return p.cache }

func (p *CachedProvider) Segment(ctx context.Context, a, b geo.Coordinate) Segment {
	key := KeyFor(a, b)
	if key.degenerate() {
		return Segment{Path: []geo.Coordinate{a, b}}
	}
	if seg, ok := p.cache.Get(key); ok {
		metrics.RoutingLookups.WithLabelValues("hit").Inc()
		return seg
	}
	return p.cache.Do(key, func() Segment { return p.resolve(ctx, a, b) })
}

func (p *CachedProvider) resolve(ctx context.Context, a, b geo.Coordinate) Segment {
	if p.lookup == nil {
		metrics.RoutingLookups.WithLabelValues("geometric").Inc()
		return p.fallback.Segment(ctx, a, b)
	}

	start := time.Now()
	seg, err := p.lookup.Route(ctx, []geo.Coordinate{a, b})
	metrics.RoutingLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RoutingLookups.WithLabelValues("fallback").Inc()
		p.logger.Warn("routing lookup failed, using straight-line estimate",
			"from", a, "to", b, "error", err)
		return p.fallback.Segment(ctx, a, b)
	}
	metrics.RoutingLookups.WithLabelValues("external").Inc()
	p.logger.Debug("routing lookup", "from", a, "to", b, "distance_km", seg.DistanceKm, "time_min", seg.TimeMin)
	return seg
}
