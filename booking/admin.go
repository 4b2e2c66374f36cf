/*
admin.go - Credit administration and read models

OPERATIONS:
  GrantCredits       admin adds a finite or unlimited batch (pack model)
  PurchasePlan       student buys a pack from the plan catalog
  DeleteBatch        admin removes a batch outright
  GrantExtraClasses  admin adds extra classes for this month (subscription)
  Availability       balance, next expiry, cycle usage
  History            past sessions the student attended
  Roster             session with checked-in students resolved
  ExpiringSoon       pack students whose next batch expires within a window
  EffectiveDeadlineHours / SetDeadlineHours  cancellation deadline setting
*/
package booking

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/studio-booking/billing"
	"github.com/warp/studio-booking/credits"
)

// =============================================================================
// CREDIT GRANTS
// =============================================================================

// Grant describes an admin credit grant.
type Grant struct {
	PurchaseDate time.Time
	Quantity     int
	Bonus        int
	Unlimited    bool
}

// CreditsGrantedEvent is published when a batch is added.
type CreditsGrantedEvent struct {
	StudentID  StudentID       `json:"student_id"`
	BatchID    credits.BatchID `json:"batch_id"`
	PlanID     string          `json:"plan_id,omitempty"`
	Credits    int             `json:"credits"`
	Unlimited  bool            `json:"unlimited"`
	ExpiryDate time.Time       `json:"expiry_date"`
}

// GrantCredits adds a batch to a student's ledger.
func (e *Engine) GrantCredits(ctx context.Context, studentID StudentID, g Grant) (credits.Batch, error) {
	if g.Quantity < 0 || g.Bonus < 0 {
		return credits.Batch{}, fmt.Errorf("%w: quantity and bonus must not be negative", ErrInvalidInput)
	}
	if !g.Unlimited && g.Quantity+g.Bonus == 0 {
		return credits.Batch{}, fmt.Errorf("%w: grant must add at least one credit", ErrInvalidInput)
	}
	if g.PurchaseDate.IsZero() {
		g.PurchaseDate = e.now()
	}

	var batch credits.Batch
	err := e.updateLedger(ctx, studentID, func(l credits.Ledger) credits.Ledger {
		var next credits.Ledger
		if g.Unlimited {
			next, batch = l.AddUnlimited(g.PurchaseDate, e.expiryPolicy())
		} else {
			next, batch = l.AddBatch(g.PurchaseDate, g.Quantity, g.Bonus, e.expiryPolicy())
		}
		return next
	})
	if err != nil {
		return credits.Batch{}, err
	}

	e.creditsGranted(ctx, studentID, batch)
	return batch, nil
}

// PurchasePlan applies a plan from the catalog to the student's ledger.
func (e *Engine) PurchasePlan(ctx context.Context, studentID StudentID, planID string) (credits.Batch, error) {
	now := e.now()
	var batch credits.Batch

	err := e.Store.WithTx(ctx, func(tx Store) error {
		plan, err := tx.GetPlan(ctx, planID)
		if err != nil {
			return err
		}
		st, err := tx.GetStudent(ctx, studentID)
		if err != nil {
			return err
		}
		if st.Model != ModelPack {
			return fmt.Errorf("%w: plans apply to pack students", ErrWrongCreditModel)
		}
		var next credits.Ledger
		next, batch = plan.Apply(st.Ledger, now, e.expiryPolicy())
		return tx.UpdateCreditLedger(ctx, studentID, next)
	})
	if err != nil {
		return credits.Batch{}, err
	}

	e.log().Info("plan purchased",
		zap.String("student", string(studentID)),
		zap.String("plan", planID),
		zap.String("batch", string(batch.ID)))
	e.creditsGranted(ctx, studentID, batch)
	return batch, nil
}

// DeleteBatch removes a batch, including any remaining credits.
func (e *Engine) DeleteBatch(ctx context.Context, studentID StudentID, batchID credits.BatchID) error {
	err := e.Store.WithTx(ctx, func(tx Store) error {
		st, err := tx.GetStudent(ctx, studentID)
		if err != nil {
			return err
		}
		next, ok := st.Ledger.Remove(batchID)
		if !ok {
			return ErrBatchNotFound
		}
		return tx.UpdateCreditLedger(ctx, studentID, next)
	})
	if err != nil {
		return err
	}
	e.log().Info("batch deleted",
		zap.String("student", string(studentID)),
		zap.String("batch", string(batchID)))
	return nil
}

func (e *Engine) updateLedger(ctx context.Context, studentID StudentID, fn func(credits.Ledger) credits.Ledger) error {
	return e.Store.WithTx(ctx, func(tx Store) error {
		st, err := tx.GetStudent(ctx, studentID)
		if err != nil {
			return err
		}
		if st.Model != ModelPack {
			return fmt.Errorf("%w: credit batches apply to pack students", ErrWrongCreditModel)
		}
		return tx.UpdateCreditLedger(ctx, studentID, fn(st.Ledger))
	})
}

func (e *Engine) creditsGranted(ctx context.Context, studentID StudentID, b credits.Batch) {
	e.recorder().CreditsGranted(ModelPack, b.Purchased)
	e.publish(ctx, EventCreditsGranted, CreditsGrantedEvent{
		StudentID:  studentID,
		BatchID:    b.ID,
		PlanID:     b.PlanID,
		Credits:    b.Purchased,
		Unlimited:  b.Unlimited,
		ExpiryDate: b.ExpiryDate,
	})
}

// GrantExtraClasses adds extra classes to a subscription student for the
// current calendar month.
func (e *Engine) GrantExtraClasses(ctx context.Context, studentID StudentID, count int) (billing.Grant, error) {
	if count <= 0 {
		return billing.Grant{}, fmt.Errorf("%w: count must be positive", ErrInvalidInput)
	}
	grant := billing.Grant{
		ID:        uuid.NewString(),
		GrantedAt: e.now(),
		Count:     count,
	}

	err := e.Store.WithTx(ctx, func(tx Store) error {
		st, err := tx.GetStudent(ctx, studentID)
		if err != nil {
			return err
		}
		if st.Model != ModelSubscription {
			return fmt.Errorf("%w: extra classes apply to subscription students", ErrWrongCreditModel)
		}
		return tx.UpdateSubscription(ctx, studentID, st.Subscription.WithGrant(grant))
	})
	if err != nil {
		return billing.Grant{}, err
	}

	e.recorder().CreditsGranted(ModelSubscription, count)
	e.log().Info("extra classes granted",
		zap.String("student", string(studentID)),
		zap.Int("count", count))
	return grant, nil
}

// =============================================================================
// READ MODELS
// =============================================================================

// Availability summarizes what a student can still book.
type Availability struct {
	StudentID StudentID
	Model     CreditModel
	Balance   credits.Balance

	// Pack model
	ActiveBatches []credits.Batch
	NextExpiry    *time.Time

	// Subscription model
	Cycle          *billing.Period
	UsedThisCycle  int
	ExtraThisMonth int
}

// Availability computes the student's current balance.
func (e *Engine) Availability(ctx context.Context, studentID StudentID) (Availability, error) {
	now := e.now()
	st, err := e.Store.GetStudent(ctx, studentID)
	if err != nil {
		return Availability{}, err
	}
	source := SourceFor(st.Model)
	balance, err := source.Available(ctx, e.Store, st, now)
	if err != nil {
		return Availability{}, err
	}

	out := Availability{StudentID: st.ID, Model: source.Model(), Balance: balance}
	switch source.Model() {
	case ModelSubscription:
		cycle := st.Subscription.Cycle(now)
		used, err := UsedInCycle(ctx, e.Store, st, now)
		if err != nil {
			return Availability{}, err
		}
		out.Cycle = &cycle
		out.UsedThisCycle = used
		out.ExtraThisMonth = st.Subscription.ExtraThisMonth(now)
	default:
		out.ActiveBatches = st.Ledger.Active(now)
		if exp, ok := st.Ledger.NextExpiry(now); ok {
			out.NextExpiry = &exp
		}
	}
	return out, nil
}

// History returns sessions that already started and still list the student
// on the roster, newest first.
func (e *Engine) History(ctx context.Context, studentID StudentID) ([]Session, error) {
	now := e.now()
	if _, err := e.Store.GetStudent(ctx, studentID); err != nil {
		return nil, err
	}
	sessions, err := e.Store.ListSessionsInRange(ctx, time.Time{}, now)
	if err != nil {
		return nil, err
	}
	var out []Session
	for _, s := range sessions {
		if s.IsCheckedIn(studentID) {
			out = append(out, s)
		}
	}
	slices.Reverse(out)
	return out, nil
}

// RosterView is a session with its checked-in students resolved.
type RosterView struct {
	Session  Session
	Students []Student
}

// Roster returns the session and the students currently checked in.
// Roster entries that no longer resolve to a student are skipped.
func (e *Engine) Roster(ctx context.Context, sessionID SessionID) (RosterView, error) {
	sess, err := e.Store.GetSession(ctx, sessionID)
	if err != nil {
		return RosterView{}, err
	}
	out := RosterView{Session: *sess}
	for _, id := range sess.CheckedIn {
		st, err := e.Store.GetStudent(ctx, id)
		if IsNotFound(err) {
			e.log().Warn("roster entry without student",
				zap.String("session", string(sessionID)),
				zap.String("student", string(id)))
			continue
		}
		if err != nil {
			return RosterView{}, err
		}
		out.Students = append(out.Students, *st)
	}
	return out, nil
}

// ExpiryNotice is one upcoming batch expiry.
type ExpiryNotice struct {
	StudentID StudentID `json:"student_id"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
	Credits   int       `json:"credits"`
	Unlimited bool      `json:"unlimited,omitempty"`
}

// ExpiringSoon lists pack students whose next expiry falls within the window.
func (e *Engine) ExpiringSoon(ctx context.Context, within time.Duration) ([]ExpiryNotice, error) {
	now := e.now()
	students, err := e.Store.ListStudents(ctx)
	if err != nil {
		return nil, err
	}
	var out []ExpiryNotice
	for _, st := range students {
		if st.Model != ModelPack {
			continue
		}
		exp, ok := st.Ledger.NextExpiry(now)
		if !ok || exp.Sub(now) > within {
			continue
		}
		balance := st.Ledger.TotalAvailable(now)
		out = append(out, ExpiryNotice{
			StudentID: st.ID,
			Email:     st.Email,
			ExpiresAt: exp,
			Credits:   balance.Credits,
			Unlimited: balance.Unlimited,
		})
	}
	return out, nil
}

// NotifyExpiring publishes one credits.expiring event per notice.
func (e *Engine) NotifyExpiring(ctx context.Context, within time.Duration) (int, error) {
	notices, err := e.ExpiringSoon(ctx, within)
	if err != nil {
		return 0, err
	}
	for _, n := range notices {
		e.publish(ctx, EventCreditsExpiring, n)
	}
	return len(notices), nil
}

// EffectiveDeadlineHours returns the stored deadline or the engine default.
func (e *Engine) EffectiveDeadlineHours(ctx context.Context) (int, error) {
	return e.deadlineHours(ctx, e.Store)
}

// SetDeadlineHours stores a new cancellation deadline.
func (e *Engine) SetDeadlineHours(ctx context.Context, hours int) error {
	if hours < 0 {
		return fmt.Errorf("%w: deadline hours must not be negative", ErrInvalidInput)
	}
	if err := e.Store.SetCancellationDeadlineHours(ctx, hours); err != nil {
		return err
	}
	e.log().Info("cancellation deadline updated", zap.Int("hours", hours))
	return nil
}
