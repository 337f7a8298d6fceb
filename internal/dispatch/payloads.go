package dispatch

import (
	"time"

	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/directory"
)

// Booking update types carried by realtime.EventBookingUpdate.
const (
	UpdateBookingAccepted  = "BOOKING_ACCEPTED"
	UpdateRideStarted      = "RIDE_STARTED"
	UpdateRideCompleted    = "RIDE_COMPLETED"
	UpdateBookingExpired   = "BOOKING_EXPIRED"
	UpdateBookingCancelled = "BOOKING_CANCELLED"

	OfferNewRideRequest = "NEW_RIDE_REQUEST"
)

// RideRequest is a validated rider request handed to RequestRide.
type RideRequest struct {
	PassengerID     string
	Pickup          booking.NamedPoint
	Drop            booking.NamedPoint
	PaymentMethod   booking.PaymentMethod
	Fare            float64
	Distance        float64
	Duration        float64
	ServiceCategory string
	Notes           string
}

// RideRequested reports the new booking. Candidates counts drivers matched in
// the index; DriversNotified counts those with a live session that received
// the offer.
type RideRequested struct {
	BookingID        string `json:"bookingId"`
	Candidates       int    `json:"candidates"`
	DriversNotified  int    `json:"driversNotified"`
	VerificationCode string `json:"verificationCode"`
	ExpiresIn        int    `json:"expiresIn"`
}

// BookingSummary is the trip view shared with drivers.
type BookingSummary struct {
	ID             string             `json:"id"`
	Status         booking.Status     `json:"status,omitempty"`
	PickupLocation booking.NamedPoint `json:"pickupLocation"`
	DropLocation   booking.NamedPoint `json:"dropLocation"`
	Fare           float64            `json:"fare"`
	Distance       float64            `json:"distance"`
	Duration       float64            `json:"duration"`
	Category       string             `json:"serviceTypeCategory,omitempty"`
	PaymentMethod  string             `json:"paymentMethod,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
}

func summarize(b *booking.Booking, at time.Time) BookingSummary {
	return BookingSummary{
		ID:             b.ID,
		Status:         b.Status,
		PickupLocation: b.PickupLocation,
		DropLocation:   b.DropLocation,
		Fare:           b.Fare,
		Distance:       b.Distance,
		Duration:       b.Duration,
		Category:       b.ServiceCategory,
		PaymentMethod:  string(b.PaymentMethod),
		Timestamp:      at,
	}
}

type PassengerInfo struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Mobile string  `json:"mobile,omitempty"`
	Rating float64 `json:"rating,omitempty"`
}

type DriverInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	DriverID string `json:"driverId"`
	Mobile   string `json:"mobile,omitempty"`
}

func passengerInfo(p directory.PassengerProfile) PassengerInfo {
	return PassengerInfo{ID: p.ID, Name: p.Name, Mobile: p.Mobile, Rating: p.Rating}
}

func driverInfo(d directory.DriverProfile) DriverInfo {
	return DriverInfo{ID: d.ID, Name: d.Name, DriverID: d.DriverID, Mobile: d.Mobile}
}

// RideOffer is the driver-bound rideRequest payload.
type RideOffer struct {
	Type                 string         `json:"type"`
	Booking              BookingSummary `json:"booking"`
	User                 PassengerInfo  `json:"user"`
	PickupDistanceMeters float64        `json:"pickupDistanceMeters"`
	PickupETASeconds     float64        `json:"pickupEtaSeconds"`
	ExpiresIn            int            `json:"expiresIn"`
}

// BookingUpdate is the bookingUpdate payload sent to riders and, for
// cancellations, to the assigned driver.
type BookingUpdate struct {
	Type        string         `json:"type"`
	BookingID   string         `json:"bookingId"`
	Status      booking.Status `json:"status"`
	Driver      *DriverInfo    `json:"driver,omitempty"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	CancelledBy booking.Actor  `json:"cancelledBy,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Message     string         `json:"message"`
}

// Claimed is returned to the driver who won a booking.
type Claimed struct {
	Message string         `json:"message"`
	Booking ClaimedBooking `json:"booking"`
}

type ClaimedBooking struct {
	ID             string             `json:"id"`
	Passenger      PassengerInfo      `json:"passenger"`
	PickupLocation booking.NamedPoint `json:"pickupLocation"`
	DropLocation   booking.NamedPoint `json:"dropLocation"`
	Fare           float64            `json:"fare"`
	Distance       float64            `json:"distance"`
	Duration       float64            `json:"duration"`
}

type CancelRequest struct {
	BookingID string
	Actor     booking.Actor
	ActorID   string
	Reason    string
}
