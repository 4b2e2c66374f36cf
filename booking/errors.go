/*
errors.go - Rejections and integrity errors

ERROR CATEGORIES:
  1. Rejections - expected, user-facing outcomes returned as VALUES in
     CheckInResult / CancelResult (AlreadyBooked, ClassFull, ...).
     They are never returned as errors.
  2. Integrity errors - the caller passed a stale or invalid id. Returned
     as errors, logged, operation aborted (ErrStudentNotFound, ...).
  3. Store errors - wrapped persistence failures.
*/
package booking

import "errors"

// =============================================================================
// REJECTIONS - Expected outcomes, returned as values
// =============================================================================

// Rejection names why a booking operation did not go through.
type Rejection string

const (
	RejectNone                Rejection = ""
	RejectAlreadyBooked       Rejection = "already_booked"
	RejectOutsideBillingCycle Rejection = "outside_billing_cycle"
	RejectClassEnded          Rejection = "class_ended"
	RejectInsufficientCredits Rejection = "insufficient_credits"
	RejectClassFull           Rejection = "class_full"
	RejectNotEligible         Rejection = "not_eligible"
	RejectNotBooked           Rejection = "not_booked"
	RejectBusy                Rejection = "busy"
)

var rejectionMessages = map[Rejection]string{
	RejectAlreadyBooked:       "You are already checked in to this class.",
	RejectOutsideBillingCycle: "This class is outside your current billing period.",
	RejectClassEnded:          "This class has already taken place.",
	RejectInsufficientCredits: "You do not have enough credits.",
	RejectClassFull:           "This class is full.",
	RejectNotEligible:         "This class is not available for your plan or level.",
	RejectNotBooked:           "You are not checked in to this class.",
	RejectBusy:                "A request for this class is already being processed.",
}

// Message is the user-facing text for a rejection.
func (r Rejection) Message() string {
	return rejectionMessages[r]
}

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrStudentNotFound = errors.New("student not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrBatchNotFound   = errors.New("credit batch not found")
	ErrPlanNotFound    = errors.New("plan not found")

	// ErrWrongCreditModel is returned when an admin operation does not apply
	// to the student's credit model (e.g. extra classes for a pack student).
	ErrWrongCreditModel = errors.New("operation not supported for this credit model")

	// ErrInvalidInput is returned for malformed admin input.
	ErrInvalidInput = errors.New("invalid input")
)

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrStudentNotFound) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrBatchNotFound) ||
		errors.Is(err, ErrPlanNotFound)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrWrongCreditModel) || errors.Is(err, ErrInvalidInput)
}
