package httpapi

import (
	"fmt"
	"strings"

	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/dispatch"
)

type findDriversRequest struct {
	PickupLocation  booking.NamedPoint    `json:"pickupLocation"`
	DropLocation    booking.NamedPoint    `json:"dropLocation"`
	PaymentMethod   booking.PaymentMethod `json:"paymentMethod"`
	Fare            float64               `json:"fare"`
	Distance        float64               `json:"distance"`
	Duration        float64               `json:"duration"`
	ServiceCategory string                `json:"serviceTypeCategory,omitempty"`
	Notes           string                `json:"notes,omitempty"`
}

func (req *findDriversRequest) validate() error {
	if err := req.PickupLocation.Validate("pickupLocation"); err != nil {
		return err
	}
	if len(req.DropLocation.Coordinates) > 0 {
		return req.DropLocation.Validate("dropLocation")
	}
	return nil
}

func (req *findDriversRequest) rideRequest(passengerID string) dispatch.RideRequest {
	return dispatch.RideRequest{
		PassengerID:     passengerID,
		Pickup:          req.PickupLocation,
		Drop:            req.DropLocation,
		PaymentMethod:   req.PaymentMethod,
		Fare:            req.Fare,
		Distance:        req.Distance,
		Duration:        req.Duration,
		ServiceCategory: strings.TrimSpace(req.ServiceCategory),
		Notes:           req.Notes,
	}
}

type bookingRequest struct {
	BookingID string `json:"bookingId"`
}

func (req *bookingRequest) validate() error {
	return required("bookingId", req.BookingID)
}

type startRideRequest struct {
	BookingID        string `json:"bookingId"`
	VerificationCode string `json:"verificationCode"`
}

func (req *startRideRequest) validate() error {
	if err := required("bookingId", req.BookingID); err != nil {
		return err
	}
	return required("verificationCode", req.VerificationCode)
}

type cancelRequest struct {
	BookingID string `json:"bookingId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type locationRequest struct {
	Location struct {
		Coordinates []float64 `json:"coordinates"`
	} `json:"location"`
}

func (req *locationRequest) validate() error {
	c := req.Location.Coordinates
	if len(c) != 2 {
		return fmt.Errorf("%w: location coordinates are required as [longitude, latitude]", booking.ErrInvalidRequest)
	}
	return booking.ValidateCoordinates(c[0], c[1])
}

type activeStatusRequest struct {
	ActiveStatus *bool `json:"activeStatus"`
}

func (req *activeStatusRequest) validate() error {
	if req.ActiveStatus == nil {
		return fmt.Errorf("%w: activeStatus is required", booking.ErrInvalidRequest)
	}
	return nil
}

type messageResponse struct {
	Message string           `json:"message"`
	Booking *booking.Booking `json:"booking,omitempty"`
}

type verificationCodeResponse struct {
	BookingID        string `json:"bookingId"`
	VerificationCode string `json:"verificationCode"`
}

type historyResponse struct {
	Bookings []*booking.Booking `json:"bookings"`
}

func required(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: %s is required", booking.ErrInvalidRequest, field)
	}
	return nil
}
