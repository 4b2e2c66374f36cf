/*
source.go - Credit source strategies

PURPOSE:
  Hides the difference between the two credit models from the engine.
  The engine asks a CreditSource three questions (does it cover this
  session, how much is available, charge/refund one) and never branches on
  Student.Model itself.

PACK SOURCE:
  Available = Ledger.TotalAvailable(now)
  Consume   = Ledger.ConsumeOne (FIFO by purchase date)
  Refund    = Ledger.RefundOne (most recent partially used batch)

SUBSCRIPTION SOURCE:
  Available = plan total + extra grants this month - used this cycle
  used      = sessions in the current cycle where the student is on the
              roster OR in the late-cancellation list
  Consume / Refund do not write anything: the roster change IS the charge.
  A late cancel keeps the seat counted as used, a normal cancel frees it.

  Covers() rejects sessions outside the current billing cycle.
*/
package booking

import (
	"context"
	"time"

	"github.com/warp/studio-booking/credits"
)

// Charge is the ledger effect of one Consume or Refund.
type Charge struct {
	// Ledger is the updated ledger. Only meaningful when Changed is true.
	Ledger credits.Ledger

	// Changed is true when Ledger must be persisted.
	Changed bool

	// Batch is the batch that was decremented or incremented, if any.
	Batch credits.BatchID

	// Unlimited is true when an unlimited entitlement covered the charge.
	Unlimited bool
}

// CreditSource pays for check-ins.
type CreditSource interface {
	Model() CreditModel

	// Covers returns false when the session lies outside what this source can pay for.
	Covers(st *Student, sess *Session, now time.Time) bool

	// Available reports how many check-ins can still be paid for.
	Available(ctx context.Context, catalog Catalog, st *Student, now time.Time) (credits.Balance, error)

	// Consume charges one check-in.
	Consume(st *Student, now time.Time) (Charge, error)

	// Refund gives back one check-in, preferring the batch that paid for it.
	// Charge.Changed is false when nothing was refunded.
	Refund(st *Student, paidBy credits.BatchID, now time.Time) Charge
}

// SourceFor returns the credit source for a credit model.
// Unknown models fall back to the pack source.
func SourceFor(model CreditModel) CreditSource {
	if model == ModelSubscription {
		return SubscriptionSource{}
	}
	return PackSource{}
}

// =============================================================================
// PACK SOURCE
// =============================================================================

// PackSource pays from the student's credit ledger.
type PackSource struct{}

func (PackSource) Model() CreditModel { return ModelPack }

func (PackSource) Covers(*Student, *Session, time.Time) bool { return true }

func (PackSource) Available(_ context.Context, _ Catalog, st *Student, now time.Time) (credits.Balance, error) {
	return st.Ledger.TotalAvailable(now), nil
}

func (PackSource) Consume(st *Student, now time.Time) (Charge, error) {
	ledger, c, err := st.Ledger.ConsumeOne(now)
	if err != nil {
		return Charge{}, err
	}
	return Charge{
		Ledger:    ledger,
		Changed:   !c.Unlimited,
		Batch:     c.BatchID,
		Unlimited: c.Unlimited,
	}, nil
}

func (PackSource) Refund(st *Student, paidBy credits.BatchID, now time.Time) Charge {
	ledger, id, ok := st.Ledger.RefundTo(now, paidBy)
	if !ok {
		return Charge{}
	}
	return Charge{Ledger: ledger, Changed: true, Batch: id}
}

// =============================================================================
// SUBSCRIPTION SOURCE
// =============================================================================

// SubscriptionSource pays from the current billing cycle allowance.
type SubscriptionSource struct{}

func (SubscriptionSource) Model() CreditModel { return ModelSubscription }

func (SubscriptionSource) Covers(st *Student, sess *Session, now time.Time) bool {
	return st.Subscription.Cycle(now).Contains(sess.StartsAt)
}

func (SubscriptionSource) Available(ctx context.Context, catalog Catalog, st *Student, now time.Time) (credits.Balance, error) {
	if st.Subscription.Unlimited {
		return credits.Unlimited, nil
	}
	used, err := UsedInCycle(ctx, catalog, st, now)
	if err != nil {
		return credits.Balance{}, err
	}
	return st.Subscription.Remaining(now, used), nil
}

func (SubscriptionSource) Consume(st *Student, now time.Time) (Charge, error) {
	if st.Subscription.Unlimited {
		return Charge{Unlimited: true}, nil
	}
	return Charge{}, nil
}

func (SubscriptionSource) Refund(*Student, credits.BatchID, time.Time) Charge {
	return Charge{}
}

// UsedInCycle counts allowance consumed in the student's current billing
// cycle. A check-in and a late cancellation of the same session are separate
// charges, so rebooking a late-cancelled class costs again.
func UsedInCycle(ctx context.Context, catalog Catalog, st *Student, now time.Time) (int, error) {
	cycle := st.Subscription.Cycle(now)
	sessions, err := catalog.ListSessionsInRange(ctx, cycle.Start, cycle.End)
	if err != nil {
		return 0, err
	}
	used := 0
	for i := range sessions {
		if sessions[i].IsCheckedIn(st.ID) {
			used++
		}
		if sessions[i].IsLateCancelled(st.ID) {
			used++
		}
	}
	return used, nil
}
