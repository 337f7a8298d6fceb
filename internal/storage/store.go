// Package storage persists bookings and the work-log records emitted on completion.
package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/booking"
)

var ErrDuplicate = errors.New("booking already exists")

// BookingStore is the durable record of bookings.
//
// TryClaim is the only contended write: it must assign the driver with a single
// conditional update on "status is pending and no driver is set", report
// whether this caller won and hand the winner the claimed record. Apply runs a guard against the current record and
// writes the result only if the status is still the one the guard observed.
type BookingStore interface {
	Create(ctx context.Context, b *booking.Booking) error
	Get(ctx context.Context, id string) (*booking.Booking, error)
	TryClaim(ctx context.Context, id, driverID string, at time.Time) (*booking.Booking, bool, error)
	Apply(ctx context.Context, id string, fn booking.Transition) (*booking.Booking, error)
	ListByPassenger(ctx context.Context, passengerID string, limit int) ([]*booking.Booking, error)
	ListByDriver(ctx context.Context, driverID string, limit int) ([]*booking.Booking, error)
}

// WorkLogSink receives the work-log entry of every completed ride.
type WorkLogSink interface {
	SaveWorkLog(ctx context.Context, w booking.WorkLog) error
}

const defaultListLimit = 50

// MemoryStore is a BookingStore and WorkLogSink backed by maps. Records are
// cloned on the way in and out so callers never alias stored state.
type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[string]*booking.Booking
	workLogs []booking.WorkLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bookings: make(map[string]*booking.Booking)}
}

func (m *MemoryStore) Create(_ context.Context, b *booking.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bookings[b.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, b.ID)
	}
	m.bookings[b.ID] = b.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*booking.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, fmt.Errorf("booking %s: %w", id, booking.ErrNotFound)
	}
	return b.Clone(), nil
}

func (m *MemoryStore) TryClaim(_ context.Context, id, driverID string, at time.Time) (*booking.Booking, bool, error) {
	if driverID == "" {
		return nil, false, fmt.Errorf("%w: driver id is required", booking.ErrInvalidRequest)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, false, fmt.Errorf("booking %s: %w", id, booking.ErrNotFound)
	}
	if b.Status != booking.StatusPending || b.DriverID != nil {
		return nil, false, nil
	}
	next := b.Clone()
	if err := next.Claim(driverID, at); err != nil {
		return nil, false, nil
	}
	m.bookings[id] = next
	return next.Clone(), true, nil
}

func (m *MemoryStore) Apply(_ context.Context, id string, fn booking.Transition) (*booking.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, fmt.Errorf("booking %s: %w", id, booking.ErrNotFound)
	}
	next := b.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	m.bookings[id] = next
	return next.Clone(), nil
}

func (m *MemoryStore) ListByPassenger(_ context.Context, passengerID string, limit int) ([]*booking.Booking, error) {
	return m.list(limit, func(b *booking.Booking) bool { return b.PassengerID == passengerID }), nil
}

func (m *MemoryStore) ListByDriver(_ context.Context, driverID string, limit int) ([]*booking.Booking, error) {
	return m.list(limit, func(b *booking.Booking) bool { return b.AssignedTo(driverID) }), nil
}

func (m *MemoryStore) list(limit int, keep func(*booking.Booking) bool) []*booking.Booking {
	if limit <= 0 {
		limit = defaultListLimit
	}
	m.mu.RLock()
	out := make([]*booking.Booking, 0)
	for _, b := range m.bookings {
		if keep(b) {
			out = append(out, b.Clone())
		}
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b *booking.Booking) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return 1
		}
		if a.ID > b.ID {
			return -1
		}
		return 0
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) SaveWorkLog(_ context.Context, w booking.WorkLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workLogs = append(m.workLogs, w)
	return nil
}

// WorkLogs returns the entries recorded for driverID, oldest first.
func (m *MemoryStore) WorkLogs(driverID string) []booking.WorkLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []booking.WorkLog
	for _, w := range m.workLogs {
		if w.DriverID == driverID {
			out = append(out, w)
		}
	}
	return out
}
