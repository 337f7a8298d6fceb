package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/scheduler"
)

var errNotPending = errors.New("booking is not pending")

// RequestRide validates the request, finds candidates, opens a pending
// booking, offers it to every reachable candidate and arms the dispatch
// timeout. It never waits for a driver to answer.
func (s *Service) RequestRide(ctx context.Context, req RideRequest) (RideRequested, error) {
	start := time.Now()
	code, err := s.newCode()
	if err != nil {
		return RideRequested{}, fmt.Errorf("verification code: %w", err)
	}
	b, err := booking.New(booking.NewParams{
		ID:              s.newID(),
		PassengerID:     req.PassengerID,
		Pickup:          req.Pickup,
		Drop:            req.Drop,
		ServiceCategory: req.ServiceCategory,
		PaymentMethod:   req.PaymentMethod,
		Fare:            req.Fare,
		Distance:        req.Distance,
		Duration:        req.Duration,
		Notes:           req.Notes,
		Code:            code,
		CreatedAt:       s.clock.Now(),
	})
	if err != nil {
		observability.RidesRequested.WithLabelValues("invalid").Inc()
		return RideRequested{}, err
	}

	passenger, err := s.dir.Passenger(ctx, req.PassengerID)
	if err != nil {
		return RideRequested{}, err
	}

	q := geo.Query{
		Point:        geo.Coord{Lat: b.PickupLocation.Lat(), Lon: b.PickupLocation.Lon()},
		RadiusMeters: s.cfg.RadiusMeters,
		Limit:        s.cfg.CandidateLimit,
	}
	if s.cfg.CategoryFilter {
		q.Category = req.ServiceCategory
	}
	cands, err := s.index.FindCandidates(ctx, q)
	if err != nil {
		return RideRequested{}, fmt.Errorf("find candidates: %w", err)
	}
	observability.CandidatesFound.Observe(float64(len(cands)))
	if len(cands) == 0 {
		observability.RidesRequested.WithLabelValues("no_supply").Inc()
		return RideRequested{}, booking.ErrNoDriversAvailable
	}

	if err := s.store.Create(ctx, b); err != nil {
		return RideRequested{}, fmt.Errorf("create booking: %w", err)
	}
	observability.RidesRequested.WithLabelValues("created").Inc()
	s.publish(ctx, events.TypeRequested, b, booking.ActorPassenger, "")

	offers := s.matcher.Rank(ctx, q.Point, cands)
	notified := s.broadcast(b, passengerInfo(passenger), offers)
	s.sched.Schedule(b.ID, s.cfg.Window, s.expiryTask(b.ID, 1, s.cfg.ExpiryRetryDelay))
	observability.DispatchLatency.Observe(time.Since(start).Seconds())

	s.logger.Info("ride requested",
		"booking_id", b.ID,
		"passenger_id", b.PassengerID,
		"candidates", len(cands),
		"drivers_notified", notified,
	)
	return RideRequested{
		BookingID:        b.ID,
		Candidates:       len(cands),
		DriversNotified:  notified,
		VerificationCode: b.VerificationCode,
		ExpiresIn:        int(s.cfg.Window / time.Second),
	}, nil
}

// broadcast offers the booking to every candidate concurrently. One slow or
// broken session never delays or fails the others.
func (s *Service) broadcast(b *booking.Booking, passenger PassengerInfo, offers []matcher.Offer) int {
	summary := summarize(b, s.clock.Now())
	expiresIn := int(s.cfg.Window / time.Second)

	var (
		wg       sync.WaitGroup
		notified atomic.Int64
	)
	for _, o := range offers {
		o := o
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev := realtime.Event{Name: realtime.EventRideRequest, Data: RideOffer{
				Type:                 OfferNewRideRequest,
				Booking:              summary,
				User:                 passenger,
				PickupDistanceMeters: o.DistanceMeters,
				PickupETASeconds:     o.ETASeconds,
				ExpiresIn:            expiresIn,
			}}
			if s.notifier.NotifyDriver(o.DriverID, ev) {
				notified.Add(1)
			}
		}()
	}
	wg.Wait()
	return int(notified.Load())
}

// ExpireBooking moves a still-pending booking to expired and tells the rider.
// It reports false without error when the booking already left pending, so
// firing twice is harmless.
func (s *Service) ExpireBooking(ctx context.Context, bookingID string) (bool, error) {
	now := s.clock.Now()
	b, err := s.store.Apply(ctx, bookingID, func(b *booking.Booking) error {
		if b.Status != booking.StatusPending {
			return errNotPending
		}
		return b.Expire(now)
	})
	if errors.Is(err, errNotPending) || errors.Is(err, booking.ErrInvalidTransition) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	observability.Transitions.WithLabelValues(string(booking.StatusExpired)).Inc()
	s.notifier.NotifyRider(b.PassengerID, realtime.Event{Name: realtime.EventBookingUpdate, Data: BookingUpdate{
		Type:      UpdateBookingExpired,
		BookingID: b.ID,
		Status:    b.Status,
		Message:   "No drivers accepted your request",
	}})
	s.publish(ctx, events.TypeExpired, b, booking.ActorSystem, "")
	s.logger.Info("booking expired", "booking_id", b.ID)
	return true, nil
}

// expiryTask is the dispatch timeout. Store failures are retried a bounded
// number of times with a doubling delay, then abandoned.
func (s *Service) expiryTask(bookingID string, attempt int, delay time.Duration) scheduler.Task {
	return func(ctx context.Context) {
		_, err := s.ExpireBooking(ctx, bookingID)
		if err == nil || errors.Is(err, booking.ErrNotFound) || ctx.Err() != nil {
			return
		}
		if attempt >= s.cfg.ExpiryAttempts {
			observability.ExpiryFailures.Inc()
			s.logger.Error("giving up on booking expiry", "booking_id", bookingID, "attempts", attempt, "error", err)
			return
		}
		s.logger.Warn("booking expiry failed, retrying", "booking_id", bookingID, "attempt", attempt, "retry_in", delay, "error", err)
		s.sched.Schedule(bookingID, delay, s.expiryTask(bookingID, attempt+1, delay*2))
	}
}
