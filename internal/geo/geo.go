// Package geo answers "nearest available drivers" queries over driver presence records.
package geo

import (
	"context"
	"math"
	"slices"
	"time"
)

const (
	DefaultRadiusMeters = 5000
	DefaultLimit        = 10

	ApprovalApproved = "approved"

	earthRadiusMeters = 6371000.0
)

type Coord struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// Presence is the dispatch-relevant view of a driver.
type Presence struct {
	DriverID       string    `json:"driverId"`
	Location       Coord     `json:"location"`
	IsActive       bool      `json:"isActive"`
	ApprovalStatus string    `json:"approvalStatus"`
	Categories     []string  `json:"categories,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Eligible reports whether the driver may receive offers for category.
// An empty category matches every driver.
func (p Presence) Eligible(category string) bool {
	if !p.IsActive || p.ApprovalStatus != ApprovalApproved {
		return false
	}
	return category == "" || slices.Contains(p.Categories, category)
}

type Candidate struct {
	Presence
	DistanceMeters float64 `json:"distanceMeters"`
}

type Query struct {
	Point        Coord
	RadiusMeters float64
	Limit        int
	Category     string
}

func (q Query) withDefaults() Query {
	if q.RadiusMeters <= 0 {
		q.RadiusMeters = DefaultRadiusMeters
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	return q
}

// Index is the driver index used by the dispatcher and the presence handlers.
// FindCandidates returns eligible drivers nearest-first; an empty result is not an error.
type Index interface {
	FindCandidates(ctx context.Context, q Query) ([]Candidate, error)
	UpdateLocation(ctx context.Context, driverID string, loc Coord) error
	SetActive(ctx context.Context, driverID string, active bool) error
	// SetProfile records approval and categories without touching position
	// or availability.
	SetProfile(ctx context.Context, driverID, approval string, categories []string) error
	Upsert(ctx context.Context, p Presence) error
	Remove(ctx context.Context, driverID string) error
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

func sortCandidates(cs []Candidate) {
	slices.SortStableFunc(cs, func(a, b Candidate) int {
		switch {
		case a.DistanceMeters < b.DistanceMeters:
			return -1
		case a.DistanceMeters > b.DistanceMeters:
			return 1
		}
		if a.DriverID < b.DriverID {
			return -1
		}
		if a.DriverID > b.DriverID {
			return 1
		}
		return 0
	})
}
