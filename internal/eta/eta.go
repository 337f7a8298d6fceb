// Package eta estimates pickup times shown to drivers in ride offers.
package eta

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
)

const DefaultSpeedMps = 8.0 // ~28.8 km/h city speed

// Estimator returns the travel time in seconds between two points.
type Estimator interface {
	EstimateSeconds(ctx context.Context, from, to geo.Coord) (float64, error)
}

// Naive ETA: distance / speed_mps.
type Naive struct {
	SpeedMps float64
}

func (n Naive) EstimateSeconds(_ context.Context, from, to geo.Coord) (float64, error) {
	return EstimateSeconds(from, to, n.SpeedMps), nil
}

func EstimateSeconds(from, to geo.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	return geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon) / speedMps
}

// Cache is a tiny in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

func keyFor(a, b geo.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c geo.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b geo.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b geo.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: c.now()}
	c.mu.Unlock()
}

// Chain consults the cache, then the remote estimator, and falls back to the
// naive estimate when the remote one is missing or fails.
type Chain struct {
	cache    *Cache
	remote   Estimator
	fallback Naive
	logger   *slog.Logger
}

func NewChain(remote Estimator, cache *Cache, fallback Naive, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{cache: cache, remote: remote, fallback: fallback, logger: logger.With("component", "eta")}
}

func (c *Chain) EstimateSeconds(ctx context.Context, from, to geo.Coord) (float64, error) {
	if c.cache != nil {
		if v, ok := c.cache.Get(from, to); ok {
			return v, nil
		}
	}
	if c.remote != nil {
		v, err := c.remote.EstimateSeconds(ctx, from, to)
		if err == nil {
			if c.cache != nil {
				c.cache.Set(from, to, v)
			}
			return v, nil
		}
		c.logger.Debug("remote eta failed, using naive estimate", "error", err)
	}
	return c.fallback.EstimateSeconds(ctx, from, to)
}
