package geo

import (
	"context"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/mmcloughlin/geohash"
)

const (
	maxPrecision    = 6
	metersPerDegree = 111320.0
)

// MemoryIndex keeps presence records in process and buckets them by geohash
// cell at every precision up to maxPrecision. A query picks the finest
// precision whose cells are at least as large as the radius and only scans
// the cell containing the point plus its eight neighbours.
type MemoryIndex struct {
	mu      sync.RWMutex
	drivers map[string]*memEntry
	cells   map[string]map[string]struct{}
	now     func() time.Time
}

type memEntry struct {
	p      Presence
	hashes []string
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		drivers: make(map[string]*memEntry),
		cells:   make(map[string]map[string]struct{}),
		now:     time.Now,
	}
}

func (m *MemoryIndex) Upsert(_ context.Context, p Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = m.now()
	}
	p.Categories = slices.Clone(p.Categories)
	m.place(p)
	return nil
}

// UpdateLocation moves a driver. Unknown drivers get a bare record that stays
// ineligible until a profile sync marks it approved.
func (m *MemoryIndex) UpdateLocation(_ context.Context, driverID string, loc Coord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := Presence{DriverID: driverID}
	if e, ok := m.drivers[driverID]; ok {
		p = e.p
	}
	p.Location = loc
	p.UpdatedAt = m.now()
	m.place(p)
	return nil
}

func (m *MemoryIndex) SetActive(_ context.Context, driverID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.drivers[driverID]
	if !ok {
		m.drivers[driverID] = &memEntry{p: Presence{DriverID: driverID, IsActive: active, UpdatedAt: m.now()}}
		return nil
	}
	e.p.IsActive = active
	e.p.UpdatedAt = m.now()
	return nil
}

func (m *MemoryIndex) SetProfile(_ context.Context, driverID, approval string, categories []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.drivers[driverID]
	if !ok {
		e = &memEntry{p: Presence{DriverID: driverID}}
		m.drivers[driverID] = e
	}
	e.p.ApprovalStatus = approval
	e.p.Categories = slices.Clone(categories)
	return nil
}

func (m *MemoryIndex) Remove(_ context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.drivers[driverID]; ok {
		m.unbucket(driverID, e.hashes)
		delete(m.drivers, driverID)
	}
	return nil
}

func (m *MemoryIndex) FindCandidates(_ context.Context, q Query) ([]Candidate, error) {
	q = q.withDefaults()
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	if prec := precisionFor(q.Point.Lat, q.RadiusMeters); prec > 0 {
		center := geohash.EncodeWithPrecision(q.Point.Lat, q.Point.Lon, prec)
		for _, h := range append(geohash.Neighbors(center), center) {
			for id := range m.cells[h] {
				ids = append(ids, id)
			}
		}
	} else {
		// drivers that never reported a position have no cells
		for id, e := range m.drivers {
			if len(e.hashes) > 0 {
				ids = append(ids, id)
			}
		}
	}

	out := make([]Candidate, 0, len(ids))
	for _, id := range ids {
		e, ok := m.drivers[id]
		if !ok || !e.p.Eligible(q.Category) {
			continue
		}
		d := Haversine(q.Point.Lat, q.Point.Lon, e.p.Location.Lat, e.p.Location.Lon)
		if d > q.RadiusMeters {
			continue
		}
		p := e.p
		p.Categories = slices.Clone(p.Categories)
		out = append(out, Candidate{Presence: p, DistanceMeters: d})
	}
	sortCandidates(out)
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// place must be called with mu held.
func (m *MemoryIndex) place(p Presence) {
	if old, ok := m.drivers[p.DriverID]; ok {
		m.unbucket(p.DriverID, old.hashes)
	}
	full := geohash.EncodeWithPrecision(p.Location.Lat, p.Location.Lon, maxPrecision)
	hashes := make([]string, 0, maxPrecision)
	for i := 1; i <= maxPrecision; i++ {
		h := full[:i]
		hashes = append(hashes, h)
		bucket, ok := m.cells[h]
		if !ok {
			bucket = make(map[string]struct{})
			m.cells[h] = bucket
		}
		bucket[p.DriverID] = struct{}{}
	}
	m.drivers[p.DriverID] = &memEntry{p: p, hashes: hashes}
}

func (m *MemoryIndex) unbucket(driverID string, hashes []string) {
	for _, h := range hashes {
		bucket := m.cells[h]
		delete(bucket, driverID)
		if len(bucket) == 0 {
			delete(m.cells, h)
		}
	}
}

// precisionFor returns the finest geohash precision whose cells are no smaller
// than radius at lat, or 0 when even the coarsest cell is too small.
func precisionFor(lat, radius float64) uint {
	edge := math.Min(90, math.Abs(lat)+radius/metersPerDegree)
	cos := math.Cos(edge * math.Pi / 180)
	for p := uint(maxPrecision); p >= 1; p-- {
		bits := 5 * p
		latBits := bits / 2
		lonBits := bits - latBits
		h := 180 / math.Exp2(float64(latBits)) * metersPerDegree
		w := 360 / math.Exp2(float64(lonBits)) * metersPerDegree * cos
		if math.Min(h, w) >= radius {
			return p
		}
	}
	return 0
}
