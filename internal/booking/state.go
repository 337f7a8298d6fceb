package booking

import (
	"fmt"
	"strconv"
	"time"
)

// transitions is the ride state machine. Terminal states map to nothing.
var transitions = map[Status][]Status{
	StatusPending:    {StatusAccepted, StatusExpired, StatusCancelled},
	StatusAccepted:   {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted},
	StatusCompleted:  {},
	StatusCancelled:  {},
	StatusExpired:    {},
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal returns true once no further transition is possible.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition mutates a booking in place or returns an error without touching it.
type Transition func(b *Booking) error

// Claim assigns driverID to a pending booking. Losing to another driver yields
// ErrBookingNoLongerAvailable; a booking that was closed without a driver
// (cancelled or expired) yields ErrInvalidTransition.
func (b *Booking) Claim(driverID string, at time.Time) error {
	if driverID == "" {
		return invalidRequest("driver id is required")
	}
	if b.Status == StatusCancelled || b.Status == StatusExpired {
		return invalidTransition(b.Status, "accept booking")
	}
	if b.Status != StatusPending || b.DriverID != nil {
		return fmt.Errorf("%w: booking is already %s", ErrBookingNoLongerAvailable, b.Status)
	}
	b.DriverID = &driverID
	b.Status = StatusAccepted
	b.AcceptedAt = stamp(at, b.CreatedAt)
	return nil
}

// Start moves an accepted booking to in_progress once the rider's code matches.
func (b *Booking) Start(driverID, code string, at time.Time) error {
	if !b.AssignedTo(driverID) {
		return ErrForbidden
	}
	if !CanTransition(b.Status, StatusInProgress) {
		return invalidTransition(b.Status, "start ride")
	}
	if !CheckCode(b.VerificationCode, code) {
		return ErrVerificationMismatch
	}
	b.Status = StatusInProgress
	b.VerificationStatus = VerificationVerified
	b.StartedAt = stamp(at, latest(b.CreatedAt, b.AcceptedAt))
	return nil
}

// Complete finishes an in-progress ride.
func (b *Booking) Complete(driverID string, at time.Time) error {
	if !b.AssignedTo(driverID) {
		return ErrForbidden
	}
	if !CanTransition(b.Status, StatusCompleted) {
		return invalidTransition(b.Status, "complete ride")
	}
	b.Status = StatusCompleted
	b.CompletedAt = stamp(at, latest(b.CreatedAt, b.AcceptedAt, b.StartedAt))
	return nil
}

// Cancel stops a pending or accepted booking on behalf of actor.
// Passengers may cancel their own bookings, drivers only the booking they hold.
func (b *Booking) Cancel(actor Actor, actorID, reason string, at time.Time) error {
	if !actor.Valid() {
		return invalidRequest("unknown actor %q", actor)
	}
	switch actor {
	case ActorPassenger:
		if actorID == "" || actorID != b.PassengerID {
			return ErrForbidden
		}
	case ActorDriver:
		if !b.AssignedTo(actorID) {
			return ErrForbidden
		}
	}
	if !CanTransition(b.Status, StatusCancelled) {
		return invalidTransition(b.Status, "cancel booking")
	}
	b.Status = StatusCancelled
	b.DriverID = nil
	b.CancelledAt = stamp(at, latest(b.CreatedAt, b.AcceptedAt))
	b.CancelledBy = actor
	b.CancellationReason = reason
	return nil
}

// Expire closes a booking nobody claimed within the dispatch window.
func (b *Booking) Expire(at time.Time) error {
	if b.Status != StatusPending {
		return invalidTransition(b.Status, "expire booking")
	}
	b.Status = StatusExpired
	return nil
}

// stamp keeps lifecycle timestamps monotonic even if the wall clock steps back.
func stamp(at, floor time.Time) *time.Time {
	if at.Before(floor) {
		at = floor
	}
	return &at
}

func latest(base time.Time, ts ...*time.Time) time.Time {
	for _, t := range ts {
		if t != nil && t.After(base) {
			base = *t
		}
	}
	return base
}

func formatCoord(lon, lat float64) string {
	return "(" + strconv.FormatFloat(lon, 'f', 6, 64) + ", " + strconv.FormatFloat(lat, 'f', 6, 64) + ")"
}
