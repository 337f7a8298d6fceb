package booking

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest           = errors.New("invalid request")
	ErrNoDriversAvailable       = errors.New("no drivers available nearby")
	ErrBookingNoLongerAvailable = errors.New("booking no longer available")
	ErrInvalidTransition        = errors.New("invalid transition")
	ErrNotFound                 = errors.New("not found")
)

// ErrForbidden and ErrVerificationMismatch are refinements of
// ErrInvalidTransition: errors.Is matches both the refinement and the base.
var (
	ErrForbidden            = fmt.Errorf("%w: actor not permitted", ErrInvalidTransition)
	ErrVerificationMismatch = fmt.Errorf("%w: invalid verification code", ErrInvalidTransition)
)

func invalidRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func invalidTransition(from Status, op string) error {
	return fmt.Errorf("%w: cannot %s with status %s", ErrInvalidTransition, op, from)
}
