package matcher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
)

type fakeETA struct{ byDriverLat map[float64]float64 }

func (f *fakeETA) EstimateSeconds(_ context.Context, from, _ geo.Coord) (float64, error) {
	v, ok := f.byDriverLat[from.Lat]
	if !ok {
		return 0, errors.New("no route")
	}
	return v, nil
}

func cand(id string, lat, dist float64) geo.Candidate {
	return geo.Candidate{Presence: geo.Presence{DriverID: id, Location: geo.Coord{Lat: lat}}, DistanceMeters: dist}
}

func TestRankPrefersShorterETA(t *testing.T) {
	s := &Service{ETA: &fakeETA{byDriverLat: map[float64]float64{1: 600, 2: 120}}}
	offers := s.Rank(context.Background(), geo.Coord{}, []geo.Candidate{cand("A", 1, 100), cand("B", 2, 900)})
	require.Len(t, offers, 2)
	assert.Equal(t, "B", offers[0].DriverID)
	assert.Equal(t, 120.0, offers[0].ETASeconds)
}

func TestRankFallsBackToNaiveEstimate(t *testing.T) {
	s := &Service{ETA: &fakeETA{}, DefaultSpeedMps: 10}
	pickup := geo.Coord{Lat: 0, Lon: 0}
	c := geo.Candidate{Presence: geo.Presence{DriverID: "A", Location: geo.Coord{Lat: 0.01}}, DistanceMeters: 1112}
	offers := s.Rank(context.Background(), pickup, []geo.Candidate{c})
	require.Len(t, offers, 1)
	assert.InDelta(t, eta.EstimateSeconds(c.Location, pickup, 10), offers[0].ETASeconds, 0.001)
}

func TestRankTieBreaksOnDistanceThenID(t *testing.T) {
	s := &Service{ETA: &fakeETA{byDriverLat: map[float64]float64{1: 60}}}
	offers := s.Rank(context.Background(), geo.Coord{}, []geo.Candidate{cand("C", 1, 50), cand("B", 1, 10), cand("A", 1, 50)})
	ids := []string{offers[0].DriverID, offers[1].DriverID, offers[2].DriverID}
	assert.Equal(t, []string{"B", "A", "C"}, ids)
}
