package booking

import (
	"math"
	"strings"
	"time"
)

// Status is the lifecycle state of a booking.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
)

// Actor identifies who requested a cancellation.
type Actor string

const (
	ActorPassenger Actor = "passenger"
	ActorDriver    Actor = "driver"
	ActorSystem    Actor = "system"
)

func (a Actor) Valid() bool {
	switch a {
	case ActorPassenger, ActorDriver, ActorSystem:
		return true
	}
	return false
}

type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "cash"
	PaymentCard   PaymentMethod = "card"
	PaymentWallet PaymentMethod = "wallet"
)

func (p PaymentMethod) Valid() bool {
	switch p {
	case PaymentCash, PaymentCard, PaymentWallet:
		return true
	}
	return false
}

// NamedPoint is an address with GeoJSON-ordered coordinates: [lon, lat].
type NamedPoint struct {
	Address     string    `json:"address"`
	Coordinates []float64 `json:"coordinates"`
}

func (p NamedPoint) Lon() float64 { return p.Coordinates[0] }
func (p NamedPoint) Lat() float64 { return p.Coordinates[1] }

// Validate reports whether the point carries exactly one well-formed lon/lat pair.
func (p NamedPoint) Validate(field string) error {
	if len(p.Coordinates) != 2 {
		return invalidRequest("%s coordinates are required as [longitude, latitude]", field)
	}
	return ValidateCoordinates(p.Coordinates[0], p.Coordinates[1])
}

// ValidateCoordinates checks longitude/latitude ranges.
func ValidateCoordinates(lon, lat float64) error {
	if math.IsNaN(lon) || math.IsNaN(lat) || math.IsInf(lon, 0) || math.IsInf(lat, 0) {
		return invalidRequest("coordinates must be finite numbers")
	}
	if lon < -180 || lon > 180 || lat < -90 || lat > 90 {
		return invalidRequest("longitude must be between -180 and 180, latitude between -90 and 90")
	}
	return nil
}

// Booking is a single requested-and-tracked ride.
type Booking struct {
	ID                 string             `json:"id"`
	PassengerID        string             `json:"passengerId"`
	DriverID           *string            `json:"driverId,omitempty"`
	PickupLocation     NamedPoint         `json:"pickupLocation"`
	DropLocation       NamedPoint         `json:"dropLocation"`
	ServiceCategory    string             `json:"serviceTypeCategory,omitempty"`
	PaymentMethod      PaymentMethod      `json:"paymentMethod"`
	Status             Status             `json:"status"`
	Fare               float64            `json:"fare"`
	Distance           float64            `json:"distance"`
	Duration           float64            `json:"duration"`
	Notes              string             `json:"notes,omitempty"`
	VerificationCode   string             `json:"-"`
	VerificationStatus VerificationStatus `json:"verificationStatus"`
	CreatedAt          time.Time          `json:"createdAt"`
	AcceptedAt         *time.Time         `json:"acceptedAt,omitempty"`
	StartedAt          *time.Time         `json:"startedAt,omitempty"`
	CompletedAt        *time.Time         `json:"completedAt,omitempty"`
	CancelledAt        *time.Time         `json:"cancelledAt,omitempty"`
	CancelledBy        Actor              `json:"cancelledBy,omitempty"`
	CancellationReason string             `json:"cancellationReason,omitempty"`
}

// NewParams carries everything needed to open a booking.
type NewParams struct {
	ID              string
	PassengerID     string
	Pickup          NamedPoint
	Drop            NamedPoint
	ServiceCategory string
	PaymentMethod   PaymentMethod
	Fare            float64
	Distance        float64
	Duration        float64
	Notes           string
	Code            string
	CreatedAt       time.Time
}

// New validates p and returns a pending booking.
func New(p NewParams) (*Booking, error) {
	if strings.TrimSpace(p.ID) == "" {
		return nil, invalidRequest("booking id is required")
	}
	if strings.TrimSpace(p.PassengerID) == "" {
		return nil, invalidRequest("passenger id is required")
	}
	if err := p.Pickup.Validate("pickup location"); err != nil {
		return nil, err
	}
	if len(p.Drop.Coordinates) > 0 {
		if err := p.Drop.Validate("drop location"); err != nil {
			return nil, err
		}
	}
	for _, f := range []struct {
		name string
		v    float64
	}{{"fare", p.Fare}, {"distance", p.Distance}, {"duration", p.Duration}} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) || f.v < 0 {
			return nil, invalidRequest("%s must be a non-negative number", f.name)
		}
	}
	if p.PaymentMethod == "" {
		p.PaymentMethod = PaymentCash
	}
	if !p.PaymentMethod.Valid() {
		return nil, invalidRequest("unknown payment method %q", p.PaymentMethod)
	}
	if len(p.Code) != codeLength {
		return nil, invalidRequest("verification code must have %d digits", codeLength)
	}
	return &Booking{
		ID:                 p.ID,
		PassengerID:        p.PassengerID,
		PickupLocation:     p.Pickup,
		DropLocation:       p.Drop,
		ServiceCategory:    p.ServiceCategory,
		PaymentMethod:      p.PaymentMethod,
		Status:             StatusPending,
		Fare:               p.Fare,
		Distance:           p.Distance,
		Duration:           p.Duration,
		Notes:              p.Notes,
		VerificationCode:   p.Code,
		VerificationStatus: VerificationPending,
		CreatedAt:          p.CreatedAt,
	}, nil
}

// AssignedTo reports whether driverID currently holds the booking.
func (b *Booking) AssignedTo(driverID string) bool {
	return b.DriverID != nil && driverID != "" && *b.DriverID == driverID
}

// Clone returns a deep copy so callers never share pointer fields with a store.
func (b *Booking) Clone() *Booking {
	if b == nil {
		return nil
	}
	c := *b
	c.DriverID = cloneString(b.DriverID)
	c.AcceptedAt = cloneTime(b.AcceptedAt)
	c.StartedAt = cloneTime(b.StartedAt)
	c.CompletedAt = cloneTime(b.CompletedAt)
	c.CancelledAt = cloneTime(b.CancelledAt)
	c.PickupLocation.Coordinates = append([]float64(nil), b.PickupLocation.Coordinates...)
	c.DropLocation.Coordinates = append([]float64(nil), b.DropLocation.Coordinates...)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// WorkLog is the record handed to the driver work-log collaborator on completion.
type WorkLog struct {
	DriverID    string     `json:"driverId"`
	PassengerID string     `json:"workedFor"`
	BookingID   string     `json:"bookingId"`
	Date        time.Time  `json:"date"`
	ShiftStart  time.Time  `json:"shiftStartTime"`
	ShiftEnd    time.Time  `json:"shiftEndTime"`
	HoursWorked float64    `json:"totalHoursWorked"`
	Notes       string     `json:"notes"`
	Location    NamedPoint `json:"location"`
}

// NewWorkLog derives the work-log entry of a completed booking.
func NewWorkLog(b *Booking) (WorkLog, error) {
	if b.Status != StatusCompleted || b.DriverID == nil || b.StartedAt == nil || b.CompletedAt == nil {
		return WorkLog{}, invalidTransition(b.Status, "log work")
	}
	return WorkLog{
		DriverID:    *b.DriverID,
		PassengerID: b.PassengerID,
		BookingID:   b.ID,
		Date:        *b.CompletedAt,
		ShiftStart:  *b.StartedAt,
		ShiftEnd:    *b.CompletedAt,
		HoursWorked: b.CompletedAt.Sub(*b.StartedAt).Hours(),
		Notes:       "Ride from " + describe(b.PickupLocation) + " to " + describe(b.DropLocation),
		Location:    b.DropLocation,
	}, nil
}

func describe(p NamedPoint) string {
	if p.Address != "" {
		return p.Address
	}
	if len(p.Coordinates) == 2 {
		return formatCoord(p.Coordinates[0], p.Coordinates[1])
	}
	return "unknown location"
}
