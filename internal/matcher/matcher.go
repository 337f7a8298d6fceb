// Package matcher orders dispatch candidates for the offer broadcast and
// attaches a pickup ETA to each of them.
package matcher

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
)

const (
	defaultParallelism = 4
	defaultETATimeout  = 2 * time.Second
)

// Offer is one candidate with its pickup estimate.
type Offer struct {
	DriverID       string  `json:"driverId"`
	DistanceMeters float64 `json:"distanceMeters"`
	ETASeconds     float64 `json:"etaSeconds"`
}

type Service struct {
	ETA             eta.Estimator // optional; falls back to the naive estimate
	DefaultSpeedMps float64
	Parallelism     int
	ETATimeout      time.Duration
}

// Rank estimates every candidate's pickup ETA and returns offers sorted by
// ETA, then distance, then driver id. A failed estimate never drops a
// candidate: it degrades to distance / speed.
func (s *Service) Rank(ctx context.Context, pickup geo.Coord, cands []geo.Candidate) []Offer {
	offers := make([]Offer, len(cands))
	limit := s.Parallelism
	if limit <= 0 {
		limit = defaultParallelism
	}
	timeout := s.ETATimeout
	if timeout <= 0 {
		timeout = defaultETATimeout
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, c := range cands {
		i, c := i, c
		g.Go(func() error {
			offers[i] = Offer{
				DriverID:       c.DriverID,
				DistanceMeters: c.DistanceMeters,
				ETASeconds:     s.estimate(gctx, timeout, c.Location, pickup),
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(offers, func(i, j int) bool {
		a, b := offers[i], offers[j]
		if a.ETASeconds != b.ETASeconds {
			return a.ETASeconds < b.ETASeconds
		}
		if a.DistanceMeters != b.DistanceMeters {
			return a.DistanceMeters < b.DistanceMeters
		}
		return a.DriverID < b.DriverID
	})
	return offers
}

func (s *Service) estimate(ctx context.Context, timeout time.Duration, from, to geo.Coord) float64 {
	if s.ETA != nil {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if v, err := s.ETA.EstimateSeconds(ctx, from, to); err == nil {
			return v
		}
	}
	return eta.EstimateSeconds(from, to, s.DefaultSpeedMps)
}
