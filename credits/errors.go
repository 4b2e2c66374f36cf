package credits

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientCredits is returned when no active batch has credits left.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrUnknownExpiryPolicy is returned by ParseExpiryPolicy.
	ErrUnknownExpiryPolicy = errors.New("unknown expiry policy")
)

// InsufficientCreditsError carries the balance seen when consumption failed.
type InsufficientCreditsError struct {
	Available Balance
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: available %s", e.Available)
}

func (e *InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}
