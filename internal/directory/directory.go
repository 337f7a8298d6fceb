// Package directory resolves passenger and driver identities owned by the
// account service. The dispatcher only reads from it.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/booking"
)

const DefaultPassengerRating = 5.0

type PassengerProfile struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Mobile string  `json:"mobile,omitempty"`
	Rating float64 `json:"rating"`
}

// DriverProfile is the public view of a driver shown to riders.
type DriverProfile struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	DriverID       string   `json:"driverId"`
	Mobile         string   `json:"mobile,omitempty"`
	ApprovalStatus string   `json:"approvalStatus,omitempty"`
	Categories     []string `json:"categories,omitempty"`
}

type Directory interface {
	Passenger(ctx context.Context, id string) (PassengerProfile, error)
	Driver(ctx context.Context, id string) (DriverProfile, error)
}

// Memory is a seedable in-process Directory.
type Memory struct {
	mu         sync.RWMutex
	passengers map[string]PassengerProfile
	drivers    map[string]DriverProfile
	positions  []Position
}

func NewMemory() *Memory {
	return &Memory{passengers: make(map[string]PassengerProfile), drivers: make(map[string]DriverProfile)}
}

func (m *Memory) PutPassenger(p PassengerProfile) {
	if p.Rating == 0 {
		p.Rating = DefaultPassengerRating
	}
	m.mu.Lock()
	m.passengers[p.ID] = p
	m.mu.Unlock()
}

func (m *Memory) PutDriver(d DriverProfile) {
	if d.DriverID == "" {
		d.DriverID = d.ID
	}
	m.mu.Lock()
	m.drivers[d.ID] = d
	m.mu.Unlock()
}

func (m *Memory) Passenger(_ context.Context, id string) (PassengerProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.passengers[id]
	if !ok {
		return PassengerProfile{}, fmt.Errorf("passenger %s: %w", id, booking.ErrNotFound)
	}
	return p, nil
}

func (m *Memory) Driver(_ context.Context, id string) (DriverProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return DriverProfile{}, fmt.Errorf("driver %s: %w", id, booking.ErrNotFound)
	}
	return d, nil
}

// ApprovedDrivers lists seeded drivers whose approval status is approved.
func (m *Memory) ApprovedDrivers(_ context.Context) ([]DriverProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []DriverProfile
	for _, d := range m.drivers {
		if d.ApprovalStatus == "approved" {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Position is a driver's last known location in a seed file. Coordinates
// are [longitude, latitude].
type Position struct {
	DriverID    string    `json:"driverId"`
	Coordinates []float64 `json:"coordinates"`
	IsActive    bool      `json:"isActive"`
}

func (p Position) Lon() float64 { return p.Coordinates[0] }
func (p Position) Lat() float64 { return p.Coordinates[1] }

// Positions returns the seeded driver positions in file order.
func (m *Memory) Positions() []Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Position(nil), m.positions...)
}

// Seed is the on-disk format accepted by LoadSeed.
type Seed struct {
	Passengers []PassengerProfile `json:"passengers"`
	Drivers    []DriverProfile    `json:"drivers"`
	Positions  []Position         `json:"positions,omitempty"`
}

// LoadSeed builds a Memory directory from a JSON seed document.
func LoadSeed(r io.Reader) (*Memory, error) {
	var seed Seed
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&seed); err != nil {
		return nil, fmt.Errorf("decode directory seed: %w", err)
	}
	m := NewMemory()
	for _, p := range seed.Passengers {
		if p.ID == "" {
			return nil, fmt.Errorf("directory seed: passenger without id")
		}
		m.PutPassenger(p)
	}
	for _, d := range seed.Drivers {
		if d.ID == "" {
			return nil, fmt.Errorf("directory seed: driver without id")
		}
		m.PutDriver(d)
	}
	for _, p := range seed.Positions {
		if _, ok := m.drivers[p.DriverID]; !ok {
			return nil, fmt.Errorf("directory seed: position for unknown driver %q", p.DriverID)
		}
		if len(p.Coordinates) != 2 {
			return nil, fmt.Errorf("directory seed: position of %s needs [lon, lat]", p.DriverID)
		}
		if err := booking.ValidateCoordinates(p.Lon(), p.Lat()); err != nil {
			return nil, fmt.Errorf("directory seed: position of %s: %w", p.DriverID, err)
		}
		m.positions = append(m.positions, p)
	}
	return m, nil
}
