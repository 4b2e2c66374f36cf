/*
engine.go - Check-in, cancellation and class deletion

PURPOSE:
  The Engine enforces every booking rule and keeps the roster, the booked
  set and the credit ledger consistent.

CHECK-IN PRECONDITIONS (first failure wins):
  1. AlreadyBooked       student on roster or session in booked set
  2. OutsideBillingCycle subscription only, session not in current cycle
  3. ClassEnded          session start is not in the future
  4. InsufficientCredits credit source has nothing available
  5. ClassFull           roster at capacity
  6. NotEligible         modality / category mismatch

CANCELLATION:
  hoursUntil >= deadline:        normal cancel, one credit refunded
  hoursUntil <  deadline:        ConfirmationRequired, nothing changes
  hoursUntil <  deadline + ok:   late cancel, seat released, no refund

CONCURRENCY:
  A Locker rejects duplicate in-flight requests for the same student and
  session with RejectBusy. Correctness does not depend on it: preconditions
  and writes share one Store.WithTx, which serializes competing check-ins.

EVENTS:
  Published after commit. Publish failures are logged, never returned.
*/
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/warp/studio-booking/credits"
)

// DefaultDeadlineHours is the cancellation deadline when no setting is stored.
const DefaultDeadlineHours = 24

// DefaultLockTTL bounds how long a double-submit guard may be held.
const DefaultLockTTL = 10 * time.Second

// =============================================================================
// RESULTS
// =============================================================================

// CheckInResult is the outcome of CheckIn.
type CheckInResult struct {
	Booked    bool
	Rejection Rejection

	// Batch that paid for the check-in (pack model, finite batches only).
	Batch credits.BatchID

	// Unlimited is true when an unlimited entitlement covered the check-in.
	Unlimited bool

	// Remaining balance after the check-in.
	Remaining credits.Balance
}

// CancelOutcome describes what Cancel did.
type CancelOutcome string

const (
	CancelRejected             CancelOutcome = "rejected"
	CancelNormal               CancelOutcome = "cancelled"
	CancelConfirmationRequired CancelOutcome = "confirmation_required"
	CancelLate                 CancelOutcome = "late_cancelled"
)

// CancelResult is the outcome of Cancel.
type CancelResult struct {
	Outcome   CancelOutcome
	Rejection Rejection

	// Refunded is true when a credit was returned to a batch.
	Refunded      bool
	RefundedBatch credits.BatchID

	HoursUntilClass float64
	DeadlineHours   int
}

// DeleteResult is the outcome of DeleteClass.
type DeleteResult struct {
	SessionID SessionID
	Affected  []StudentID
	Refunded  []StudentID
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine runs booking operations against a TxStore.
// Zero-valued collaborators fall back to no-op implementations.
type Engine struct {
	Store     TxStore
	Locker    Locker
	Publisher Publisher
	Recorder  Recorder
	Logger    *zap.Logger

	// ExpiryPolicy stamps expiry dates on new batches.
	ExpiryPolicy credits.ExpiryPolicy

	// DeadlineHours applies when the store has no stored override.
	DeadlineHours int

	// RefundOnDelete refunds checked-in students when a class is deleted.
	RefundOnDelete bool

	LockTTL time.Duration

	// Now is the clock. Tests inject a fixed time.
	Now func() time.Time
}

// NewEngine returns an Engine with defaults for every optional collaborator.
func NewEngine(store TxStore) *Engine {
	return &Engine{
		Store:         store,
		Locker:        noopLocker{},
		Publisher:     noopPublisher{},
		Recorder:      noopRecorder{},
		Logger:        zap.NewNop(),
		ExpiryPolicy:  credits.DefaultExpiryPolicy(),
		DeadlineHours: DefaultDeadlineHours,
		LockTTL:       DefaultLockTTL,
		Now:           time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

func (e *Engine) log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *Engine) recorder() Recorder {
	if e.Recorder == nil {
		return noopRecorder{}
	}
	return e.Recorder
}

func (e *Engine) expiryPolicy() credits.ExpiryPolicy {
	if e.ExpiryPolicy == nil {
		return credits.DefaultExpiryPolicy()
	}
	return e.ExpiryPolicy
}

// lock acquires the double-submit guard. ok=false means another identical
// request is in flight.
func (e *Engine) lock(ctx context.Context, op string, studentID StudentID, sessionID SessionID) (func(), bool, error) {
	if e.Locker == nil {
		return func() {}, true, nil
	}
	ttl := e.LockTTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	key := fmt.Sprintf("booking:%s:%s:%s", op, studentID, sessionID)
	unlock, ok, err := e.Locker.TryLock(ctx, key, ttl)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return unlock, ok, nil
}

// logFailure logs integrity failures at Warn and store failures at Error.
func (e *Engine) logFailure(logger *zap.Logger, msg string, err error) {
	if IsNotFound(err) || IsClientError(err) {
		logger.Warn(msg, zap.Error(err))
		return
	}
	logger.Error(msg, zap.Error(err))
}

func (e *Engine) publish(ctx context.Context, key string, payload any) {
	if e.Publisher == nil {
		return
	}
	if err := e.Publisher.PublishJSON(ctx, key, payload); err != nil {
		e.log().Warn("event publish failed", zap.String("event", key), zap.Error(err))
	}
}

// deadlineHours resolves the cancellation deadline: stored setting first,
// then the engine default.
func (e *Engine) deadlineHours(ctx context.Context, s Settings) (int, error) {
	hours, ok, err := s.CancellationDeadlineHours(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read cancellation deadline: %w", err)
	}
	if ok {
		return hours, nil
	}
	if e.DeadlineHours > 0 {
		return e.DeadlineHours, nil
	}
	return DefaultDeadlineHours, nil
}

// loadPair fetches the student and session, or returns an integrity error.
func loadPair(ctx context.Context, s Store, studentID StudentID, sessionID SessionID) (*Student, *Session, error) {
	st, err := s.GetStudent(ctx, studentID)
	if err != nil {
		return nil, nil, err
	}
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return st, sess, nil
}

// =============================================================================
// CHECK-IN
// =============================================================================

// CheckIn books the student into the session and charges one credit.
// Rejections are returned in the result. Errors mean the ids were invalid
// or the store failed, and nothing was changed.
func (e *Engine) CheckIn(ctx context.Context, studentID StudentID, sessionID SessionID) (CheckInResult, error) {
	logger := e.log().With(zap.String("student", string(studentID)), zap.String("session", string(sessionID)))

	unlock, ok, err := e.lock(ctx, "checkin", studentID, sessionID)
	if err != nil {
		return CheckInResult{}, err
	}
	if !ok {
		logger.Info("check-in rejected", zap.String("reason", string(RejectBusy)))
		return CheckInResult{Rejection: RejectBusy}, nil
	}
	defer unlock()

	now := e.now()
	var (
		result CheckInResult
		model  CreditModel
	)
	err = e.Store.WithTx(ctx, func(tx Store) error {
		st, sess, err := loadPair(ctx, tx, studentID, sessionID)
		if err != nil {
			return err
		}
		source := SourceFor(st.Model)
		model = source.Model()

		rejection, err := checkInRejection(ctx, tx, source, st, sess, now)
		if err != nil {
			return err
		}
		if rejection != RejectNone {
			result = CheckInResult{Rejection: rejection}
			return nil
		}

		charge, err := source.Consume(st, now)
		if errors.Is(err, credits.ErrInsufficientCredits) {
			result = CheckInResult{Rejection: RejectInsufficientCredits}
			return nil
		}
		if err != nil {
			return err
		}

		if err := tx.UpdateRoster(ctx, sess.ID, RosterAdd, st.ID); err != nil {
			return fmt.Errorf("failed to update roster: %w", err)
		}
		st.Booked = append(st.Booked, sess.ID)
		if err := tx.UpdateBookedSet(ctx, st.ID, st.Booked); err != nil {
			return fmt.Errorf("failed to update booked set: %w", err)
		}
		if charge.Changed {
			if err := tx.UpdateCreditLedger(ctx, st.ID, charge.Ledger); err != nil {
				return fmt.Errorf("failed to update credit ledger: %w", err)
			}
			st.Ledger = charge.Ledger
		}
		if charge.Batch != "" {
			if err := tx.SetCharge(ctx, st.ID, sess.ID, charge.Batch); err != nil {
				return fmt.Errorf("failed to record charge: %w", err)
			}
		}

		remaining, err := source.Available(ctx, tx, st, now)
		if err != nil {
			return err
		}
		result = CheckInResult{
			Booked:    true,
			Batch:     charge.Batch,
			Unlimited: charge.Unlimited,
			Remaining: remaining,
		}
		return nil
	})
	if err != nil {
		e.logFailure(logger, "check-in failed", err)
		return CheckInResult{}, err
	}

	e.recorder().CheckIn(model, result.Rejection)
	if !result.Booked {
		logger.Info("check-in rejected", zap.String("reason", string(result.Rejection)))
		return result, nil
	}

	logger.Info("checked in",
		zap.String("batch", string(result.Batch)),
		zap.Stringer("remaining", result.Remaining))
	e.publish(ctx, EventCheckedIn, BookingEvent{
		StudentID:  studentID,
		SessionID:  sessionID,
		Batch:      result.Batch,
		OccurredAt: now,
	})
	return result, nil
}

// checkInRejection evaluates the preconditions in order.
func checkInRejection(ctx context.Context, tx Store, source CreditSource, st *Student, sess *Session, now time.Time) (Rejection, error) {
	if sess.IsCheckedIn(st.ID) || st.HasBooked(sess.ID) {
		return RejectAlreadyBooked, nil
	}
	if !source.Covers(st, sess, now) {
		return RejectOutsideBillingCycle, nil
	}
	if sess.HasStarted(now) {
		return RejectClassEnded, nil
	}
	available, err := source.Available(ctx, tx, st, now)
	if err != nil {
		return RejectNone, err
	}
	if !available.IsPositive() {
		return RejectInsufficientCredits, nil
	}
	if sess.IsFull() {
		return RejectClassFull, nil
	}
	if !st.EligibleFor(sess) {
		return RejectNotEligible, nil
	}
	return RejectNone, nil
}

// =============================================================================
// CANCELLATION
// =============================================================================

// Cancel releases the student's seat.
//
// Outside the deadline the seat is released and one credit refunded.
// Inside the deadline nothing changes unless confirmLate is true, in which
// case the seat is released, a late cancellation is recorded, and the credit
// is forfeited.
func (e *Engine) Cancel(ctx context.Context, studentID StudentID, sessionID SessionID, confirmLate bool) (CancelResult, error) {
	logger := e.log().With(zap.String("student", string(studentID)), zap.String("session", string(sessionID)))

	unlock, ok, err := e.lock(ctx, "cancel", studentID, sessionID)
	if err != nil {
		return CancelResult{}, err
	}
	if !ok {
		logger.Info("cancel rejected", zap.String("reason", string(RejectBusy)))
		return CancelResult{Outcome: CancelRejected, Rejection: RejectBusy}, nil
	}
	defer unlock()

	now := e.now()
	var (
		result CancelResult
		model  CreditModel
	)
	err = e.Store.WithTx(ctx, func(tx Store) error {
		st, sess, err := loadPair(ctx, tx, studentID, sessionID)
		if err != nil {
			return err
		}
		source := SourceFor(st.Model)
		model = source.Model()

		if !sess.IsCheckedIn(st.ID) && !st.HasBooked(sess.ID) {
			result = CancelResult{Outcome: CancelRejected, Rejection: RejectNotBooked}
			return nil
		}
		if sess.HasStarted(now) {
			result = CancelResult{Outcome: CancelRejected, Rejection: RejectClassEnded}
			return nil
		}

		deadline, err := e.deadlineHours(ctx, tx)
		if err != nil {
			return err
		}
		hoursUntil := sess.StartsAt.Sub(now).Hours()
		result = CancelResult{HoursUntilClass: hoursUntil, DeadlineHours: deadline}

		late := hoursUntil < float64(deadline)
		if late && !confirmLate {
			result.Outcome = CancelConfirmationRequired
			return nil
		}

		op := RosterRemove
		if late {
			op = RosterLateCancel
		}
		if err := tx.UpdateRoster(ctx, sess.ID, op, st.ID); err != nil {
			return fmt.Errorf("failed to update roster: %w", err)
		}
		if err := tx.UpdateBookedSet(ctx, st.ID, without(st.Booked, sess.ID)); err != nil {
			return fmt.Errorf("failed to update booked set: %w", err)
		}
		paidBy := st.Charges[sess.ID]
		if paidBy != "" {
			if err := tx.SetCharge(ctx, st.ID, sess.ID, ""); err != nil {
				return fmt.Errorf("failed to clear charge: %w", err)
			}
		}

		if late {
			result.Outcome = CancelLate
			return nil
		}

		result.Outcome = CancelNormal
		refund := source.Refund(st, paidBy, now)
		if refund.Changed {
			if err := tx.UpdateCreditLedger(ctx, st.ID, refund.Ledger); err != nil {
				return fmt.Errorf("failed to update credit ledger: %w", err)
			}
			result.Refunded = true
			result.RefundedBatch = refund.Batch
		}
		return nil
	})
	if err != nil {
		e.logFailure(logger, "cancel failed", err)
		return CancelResult{}, err
	}

	e.recorder().Cancel(model, result.Outcome)
	logger.Info("cancel",
		zap.String("outcome", string(result.Outcome)),
		zap.String("reason", string(result.Rejection)),
		zap.Float64("hours_until", result.HoursUntilClass),
		zap.Bool("refunded", result.Refunded))

	switch result.Outcome {
	case CancelNormal:
		e.publish(ctx, EventCancelled, BookingEvent{
			StudentID:  studentID,
			SessionID:  sessionID,
			Batch:      result.RefundedBatch,
			OccurredAt: now,
		})
	case CancelLate:
		e.publish(ctx, EventLateCancelled, BookingEvent{
			StudentID:  studentID,
			SessionID:  sessionID,
			OccurredAt: now,
		})
	}
	return result, nil
}

// =============================================================================
// CLASS DELETION
// =============================================================================

// DeleteClass removes a session and drops it from every student's booked set.
// Credits are refunded only when RefundOnDelete is set.
func (e *Engine) DeleteClass(ctx context.Context, sessionID SessionID) (DeleteResult, error) {
	logger := e.log().With(zap.String("session", string(sessionID)))
	now := e.now()
	result := DeleteResult{SessionID: sessionID}

	err := e.Store.WithTx(ctx, func(tx Store) error {
		sess, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		students, err := tx.StudentsBookedIn(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("failed to list booked students: %w", err)
		}

		for i := range students {
			st := &students[i]
			if err := tx.UpdateBookedSet(ctx, st.ID, without(st.Booked, sessionID)); err != nil {
				return fmt.Errorf("failed to update booked set: %w", err)
			}
			result.Affected = append(result.Affected, st.ID)
			paidBy := st.Charges[sessionID]
			if paidBy != "" {
				if err := tx.SetCharge(ctx, st.ID, sessionID, ""); err != nil {
					return fmt.Errorf("failed to clear charge: %w", err)
				}
			}

			if !e.RefundOnDelete || !sess.IsCheckedIn(st.ID) {
				continue
			}
			refund := SourceFor(st.Model).Refund(st, paidBy, now)
			if !refund.Changed {
				continue
			}
			if err := tx.UpdateCreditLedger(ctx, st.ID, refund.Ledger); err != nil {
				return fmt.Errorf("failed to update credit ledger: %w", err)
			}
			result.Refunded = append(result.Refunded, st.ID)
		}

		if err := tx.DeleteSession(ctx, sessionID); err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		return nil
	})
	if err != nil {
		e.logFailure(logger, "delete class failed", err)
		return DeleteResult{}, err
	}

	e.recorder().ClassDeleted(len(result.Affected))
	logger.Info("class deleted",
		zap.Int("affected", len(result.Affected)),
		zap.Int("refunded", len(result.Refunded)))
	e.publish(ctx, EventSessionDeleted, SessionDeletedEvent{
		SessionID:  sessionID,
		Affected:   result.Affected,
		Refunded:   result.Refunded,
		OccurredAt: now,
	})
	return result, nil
}

// =============================================================================
// EVENT PAYLOADS
// =============================================================================

// BookingEvent is published for check-ins and cancellations.
type BookingEvent struct {
	StudentID  StudentID       `json:"student_id"`
	SessionID  SessionID       `json:"session_id"`
	Batch      credits.BatchID `json:"batch_id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// SessionDeletedEvent is published when a class is removed.
type SessionDeletedEvent struct {
	SessionID  SessionID   `json:"session_id"`
	Affected   []StudentID `json:"affected"`
	Refunded   []StudentID `json:"refunded,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
}
