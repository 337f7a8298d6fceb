package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/realtime"
)

func requireIDs(ids ...string) error {
	for i := 0; i < len(ids); i += 2 {
		if strings.TrimSpace(ids[i+1]) == "" {
			return fmt.Errorf("%w: %s is required", booking.ErrInvalidRequest, ids[i])
		}
	}
	return nil
}

// ClaimRide gives the booking to driverID if nobody else has it. Exactly one
// of any number of concurrent claims succeeds; the others get
// ErrBookingNoLongerAvailable, or ErrInvalidTransition when the booking was
// closed without a driver.
func (s *Service) ClaimRide(ctx context.Context, driverID, bookingID string) (Claimed, error) {
	if err := requireIDs("driver id", driverID, "bookingId", bookingID); err != nil {
		return Claimed{}, err
	}
	b, won, err := s.store.TryClaim(ctx, bookingID, driverID, s.clock.Now())
	if err != nil {
		observability.Claims.WithLabelValues("error").Inc()
		return Claimed{}, err
	}
	if !won {
		observability.Claims.WithLabelValues("lost").Inc()
		return Claimed{}, s.lostClaim(ctx, driverID, bookingID)
	}
	observability.Claims.WithLabelValues("won").Inc()
	observability.Transitions.WithLabelValues(string(booking.StatusAccepted)).Inc()
	s.sched.Cancel(bookingID)

	driver := DriverInfo{ID: driverID, DriverID: driverID}
	if d, err := s.dir.Driver(ctx, driverID); err == nil {
		driver = driverInfo(d)
	} else {
		s.logger.Warn("driver profile unavailable", "driver_id", driverID, "error", err)
	}
	s.notifier.NotifyRider(b.PassengerID, realtime.Event{Name: realtime.EventBookingUpdate, Data: BookingUpdate{
		Type:      UpdateBookingAccepted,
		BookingID: b.ID,
		Status:    b.Status,
		Driver:    &driver,
		Message:   "A driver has accepted your ride request. Be ready to provide your verification code when they arrive.",
	}})
	s.publish(ctx, events.TypeAccepted, b, booking.ActorDriver, "")

	passenger := PassengerInfo{ID: b.PassengerID}
	if p, err := s.dir.Passenger(ctx, b.PassengerID); err == nil {
		passenger = PassengerInfo{ID: p.ID, Name: p.Name, Mobile: p.Mobile}
	} else {
		s.logger.Warn("passenger profile unavailable", "passenger_id", b.PassengerID, "error", err)
	}
	s.logger.Info("booking accepted", "booking_id", b.ID, "driver_id", driverID)
	return Claimed{
		Message: "Ride accepted successfully",
		Booking: ClaimedBooking{
			ID:             b.ID,
			Passenger:      passenger,
			PickupLocation: b.PickupLocation,
			DropLocation:   b.DropLocation,
			Fare:           b.Fare,
			Distance:       b.Distance,
			Duration:       b.Duration,
		},
	}, nil
}

// lostClaim explains why TryClaim did not assign the booking, using the same
// guard the store applied.
func (s *Service) lostClaim(ctx context.Context, driverID, bookingID string) error {
	cur, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return err
	}
	if err := cur.Claim(driverID, s.clock.Now()); err != nil {
		return err
	}
	return booking.ErrBookingNoLongerAvailable
}

// RejectRide records that a driver declined an offer. The booking stays
// available to the other candidates.
func (s *Service) RejectRide(ctx context.Context, driverID, bookingID string) error {
	if err := requireIDs("driver id", driverID, "bookingId", bookingID); err != nil {
		return err
	}
	if _, err := s.store.Get(ctx, bookingID); err != nil {
		return err
	}
	observability.Rejections.Inc()
	s.logger.Info("offer rejected", "booking_id", bookingID, "driver_id", driverID)
	return nil
}

// StartRide moves an accepted booking to in_progress once the driver presents
// the rider's code. A wrong code leaves the booking accepted.
func (s *Service) StartRide(ctx context.Context, driverID, bookingID, code string) (*booking.Booking, error) {
	if err := requireIDs("driver id", driverID, "bookingId", bookingID, "verificationCode", code); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	b, err := s.store.Apply(ctx, bookingID, func(b *booking.Booking) error {
		return b.Start(driverID, code, now)
	})
	if err != nil {
		return nil, err
	}
	observability.Transitions.WithLabelValues(string(b.Status)).Inc()
	s.notifier.NotifyRider(b.PassengerID, realtime.Event{Name: realtime.EventBookingUpdate, Data: BookingUpdate{
		Type:      UpdateRideStarted,
		BookingID: b.ID,
		Status:    b.Status,
		StartedAt: b.StartedAt,
		Message:   "Your ride has started",
	}})
	s.publish(ctx, events.TypeStarted, b, booking.ActorDriver, "")
	s.logger.Info("ride started", "booking_id", b.ID, "driver_id", driverID)
	return b, nil
}

// CompleteRide finishes an in-progress ride and records the driver's work log.
func (s *Service) CompleteRide(ctx context.Context, driverID, bookingID string) (*booking.Booking, error) {
	if err := requireIDs("driver id", driverID, "bookingId", bookingID); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	b, err := s.store.Apply(ctx, bookingID, func(b *booking.Booking) error {
		return b.Complete(driverID, now)
	})
	if err != nil {
		return nil, err
	}
	observability.Transitions.WithLabelValues(string(b.Status)).Inc()

	if s.workLogs != nil {
		wl, err := booking.NewWorkLog(b)
		if err == nil {
			err = s.workLogs.SaveWorkLog(ctx, wl)
		}
		if err != nil {
			s.logger.Error("work log not recorded", "booking_id", b.ID, "driver_id", driverID, "error", err)
		}
	}

	s.notifier.NotifyRider(b.PassengerID, realtime.Event{Name: realtime.EventBookingUpdate, Data: BookingUpdate{
		Type:        UpdateRideCompleted,
		BookingID:   b.ID,
		Status:      b.Status,
		CompletedAt: b.CompletedAt,
		Message:     "Your ride has been completed",
	}})
	s.publish(ctx, events.TypeCompleted, b, booking.ActorDriver, "")
	s.logger.Info("ride completed", "booking_id", b.ID, "driver_id", driverID)
	return b, nil
}

// CancelRide cancels a pending or accepted booking and tells the other side.
func (s *Service) CancelRide(ctx context.Context, req CancelRequest) (*booking.Booking, error) {
	if err := requireIDs("bookingId", req.BookingID); err != nil {
		return nil, err
	}
	if req.Actor != booking.ActorSystem {
		if err := requireIDs("actor id", req.ActorID); err != nil {
			return nil, err
		}
	}
	now := s.clock.Now()
	var heldBy string
	b, err := s.store.Apply(ctx, req.BookingID, func(b *booking.Booking) error {
		heldBy = ""
		if b.DriverID != nil {
			heldBy = *b.DriverID
		}
		return b.Cancel(req.Actor, req.ActorID, req.Reason, now)
	})
	if err != nil {
		return nil, err
	}
	observability.Transitions.WithLabelValues(string(b.Status)).Inc()
	s.sched.Cancel(b.ID)

	update := realtime.Event{Name: realtime.EventBookingUpdate, Data: BookingUpdate{
		Type:        UpdateBookingCancelled,
		BookingID:   b.ID,
		Status:      b.Status,
		CancelledBy: req.Actor,
		Reason:      req.Reason,
		Message:     "The booking has been cancelled",
	}}
	if req.Actor != booking.ActorPassenger {
		s.notifier.NotifyRider(b.PassengerID, update)
	}
	if req.Actor != booking.ActorDriver && heldBy != "" {
		s.notifier.NotifyDriver(heldBy, update)
	}
	s.publish(ctx, events.TypeCancelled, b, req.Actor, req.Reason)
	s.logger.Info("booking cancelled", "booking_id", b.ID, "actor", req.Actor)
	return b, nil
}

// VerificationCode returns the pickup code to the passenger who owns the booking.
func (s *Service) VerificationCode(ctx context.Context, passengerID, bookingID string) (string, error) {
	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return "", err
	}
	if b.PassengerID != passengerID {
		return "", booking.ErrForbidden
	}
	return b.VerificationCode, nil
}

// Booking returns a booking to its passenger or its assigned driver.
func (s *Service) Booking(ctx context.Context, actorID, bookingID string) (*booking.Booking, error) {
	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if actorID == "" || (b.PassengerID != actorID && !b.AssignedTo(actorID)) {
		return nil, booking.ErrForbidden
	}
	return b, nil
}

func (s *Service) PassengerHistory(ctx context.Context, passengerID string, limit int) ([]*booking.Booking, error) {
	return s.store.ListByPassenger(ctx, passengerID, limit)
}

func (s *Service) DriverHistory(ctx context.Context, driverID string, limit int) ([]*booking.Booking, error) {
	return s.store.ListByDriver(ctx, driverID, limit)
}
