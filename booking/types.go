/*
Package booking implements the check-in / cancellation state machine.

PURPOSE:
  Governs the relationship between one student and one class session:

    NOT_BOOKED ──CheckIn──▶ BOOKED ──Cancel──▶ CANCELLED_NORMAL (credit refunded)
                               │
                               └──Cancel(confirmed, inside deadline)──▶ CANCELLED_LATE (no refund)

  Cancelled states end that booking attempt. A student may book the same
  session again with a fresh CheckIn.

CROSS-ENTITY INVARIANT:
  Session.CheckedIn and Student.Booked must agree. Every operation that
  touches one touches the other inside the same Store.WithTx call, together
  with the credit ledger, so partial updates are never observable.

CREDIT MODELS:
  Each student is paid for by one CreditSource, selected by Student.Model:
  - pack:         credits.Ledger batches (FIFO consume, refund to the paying batch)
  - subscription: billing cycle allowance (plan total + extra grants - used)

KEY TYPES IN THIS FILE (types.go):
  Student, Session, CreditModel

SEE ALSO:
  - engine.go: CheckIn, Cancel, DeleteClass
  - source.go: Credit source strategies
  - store.go:  Catalog / Directory boundaries
*/
package booking

import (
	"maps"
	"slices"
	"time"

	"github.com/warp/studio-booking/billing"
	"github.com/warp/studio-booking/credits"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type StudentID string
type SessionID string

// CreditModel selects how a student's check-ins are paid for.
type CreditModel string

const (
	ModelPack         CreditModel = "pack"
	ModelSubscription CreditModel = "subscription"
)

// Valid returns true for known credit models.
func (m CreditModel) Valid() bool {
	return m == ModelPack || m == ModelSubscription
}

// =============================================================================
// STUDENT
// =============================================================================

// Student is the booking-relevant part of a user record.
type Student struct {
	ID        StudentID
	Name      string
	Email     string
	Model     CreditModel
	CreatedAt time.Time

	// Modalities the student is enrolled in (class types they may book).
	Modalities []string

	// Categories (levels) the student belongs to.
	Categories []string

	// Pack model
	Ledger credits.Ledger

	// Subscription model
	Subscription billing.Subscription

	// Sessions the student currently holds a check-in for.
	Booked []SessionID

	// Charges maps a booked session to the batch that paid for it. Sessions
	// covered by an unlimited batch or a subscription have no entry.
	Charges map[SessionID]credits.BatchID
}

// HasBooked returns true if the session is in the student's booked set.
func (s *Student) HasBooked(id SessionID) bool {
	return slices.Contains(s.Booked, id)
}

// EligibleFor checks modality enrolment and category overlap.
// An empty list on either side imposes no restriction.
func (s *Student) EligibleFor(sess *Session) bool {
	if len(s.Modalities) > 0 && sess.Modality != "" && !slices.Contains(s.Modalities, sess.Modality) {
		return false
	}
	if len(s.Categories) == 0 || len(sess.Categories) == 0 {
		return true
	}
	for _, c := range s.Categories {
		if slices.Contains(sess.Categories, c) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (s Student) Clone() Student {
	out := s
	out.Modalities = slices.Clone(s.Modalities)
	out.Categories = slices.Clone(s.Categories)
	out.Ledger = s.Ledger.Clone()
	out.Subscription.ExtraGrants = slices.Clone(s.Subscription.ExtraGrants)
	out.Booked = slices.Clone(s.Booked)
	out.Charges = maps.Clone(s.Charges)
	return out
}

// =============================================================================
// SESSION
// =============================================================================

// Session is one scheduled class, owned by the class catalog.
//
// INVARIANT: len(CheckedIn) <= MaxCapacity.
// LateCancellations is informational and never counts against capacity.
type Session struct {
	ID                SessionID
	TeacherID         string
	Modality          string
	Categories        []string
	StartsAt          time.Time
	MaxCapacity       int
	CheckedIn         []StudentID
	LateCancellations []StudentID
}

// IsCheckedIn returns true if the student is on the roster.
func (s *Session) IsCheckedIn(id StudentID) bool {
	return slices.Contains(s.CheckedIn, id)
}

// IsLateCancelled returns true if the student late-cancelled this session.
func (s *Session) IsLateCancelled(id StudentID) bool {
	return slices.Contains(s.LateCancellations, id)
}

// IsFull returns true if no seat is left.
func (s *Session) IsFull() bool {
	return len(s.CheckedIn) >= s.MaxCapacity
}

// SeatsLeft returns the number of open seats.
func (s *Session) SeatsLeft() int {
	if left := s.MaxCapacity - len(s.CheckedIn); left > 0 {
		return left
	}
	return 0
}

// HasStarted returns true once the class start time is not in the future.
func (s *Session) HasStarted(now time.Time) bool {
	return !s.StartsAt.After(now)
}

// Clone returns a deep copy.
func (s Session) Clone() Session {
	out := s
	out.Categories = slices.Clone(s.Categories)
	out.CheckedIn = slices.Clone(s.CheckedIn)
	out.LateCancellations = slices.Clone(s.LateCancellations)
	return out
}

// without returns ids minus id, as a new slice.
func without[T comparable](ids []T, id T) []T {
	out := make([]T, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
