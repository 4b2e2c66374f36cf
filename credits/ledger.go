/*
ledger.go - Credit availability, consumption and refund

PURPOSE:
  The rules that decide which batch pays for a check-in and which batch
  gets a credit back on a normal cancellation.

ACTIVITY RULE:
  A batch is active iff its expiry day >= today AND (remaining > 0 OR unlimited).
  Expired batches contribute nothing, even with credits left.

SELECTION RULES:
  ConsumeOne: oldest PurchaseDate among active batches (FIFO).
  RefundOne:  most recent PurchaseDate among non-expired, partially used
              batches. If none qualifies the refund is a no-op.

UNLIMITED:
  If any active batch is unlimited, TotalAvailable reports Unlimited,
  ConsumeOne succeeds without touching any batch and RefundOne does nothing.
  Finite batches are therefore frozen while an unlimited plan is active, so a
  refund can never hand back a credit that the matching check-in did not take.

EXAMPLE:
  B1 bought 2024-01-01 (3 left), B2 bought 2024-02-01 (5 left)
  ConsumeOne -> B1 = 2
  RefundOne  -> B1 = 3 (only partially used batch)
*/
package credits

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// LEDGER - Immutable collection of batches
// =============================================================================

// Ledger holds a student's credit batches in insertion order.
// All methods have value receivers and return fresh copies.
type Ledger []Batch

// Clone returns a deep copy of the ledger.
func (l Ledger) Clone() Ledger {
	if l == nil {
		return nil
	}
	out := make(Ledger, len(l))
	copy(out, l)
	return out
}

// Find returns the batch with the given id.
func (l Ledger) Find(id BatchID) (Batch, bool) {
	for _, b := range l {
		if b.ID == id {
			return b, true
		}
	}
	return Batch{}, false
}

// Active returns the batches that can pay for a check-in as of asOf.
func (l Ledger) Active(asOf time.Time) []Batch {
	var out []Batch
	for _, b := range l {
		if b.IsActive(asOf) {
			out = append(out, b)
		}
	}
	return out
}

// Validate checks every batch bound.
func (l Ledger) Validate() error {
	for _, b := range l {
		if err := b.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

// TotalAvailable sums remaining credits over active batches.
func (l Ledger) TotalAvailable(asOf time.Time) Balance {
	total := 0
	for _, b := range l {
		if !b.IsActive(asOf) {
			continue
		}
		if b.Unlimited {
			return Unlimited
		}
		total += b.Remaining
	}
	return Balance{Credits: total}
}

// NextExpiry returns the earliest expiry date among active batches.
func (l Ledger) NextExpiry(asOf time.Time) (time.Time, bool) {
	var (
		next  time.Time
		found bool
	)
	for _, b := range l {
		if !b.IsActive(asOf) {
			continue
		}
		if !found || b.ExpiryDate.Before(next) {
			next = b.ExpiryDate
			found = true
		}
	}
	return next, found
}

func (l Ledger) hasActiveUnlimited(asOf time.Time) bool {
	for _, b := range l {
		if b.Unlimited && b.IsActive(asOf) {
			return true
		}
	}
	return false
}

// =============================================================================
// MUTATIONS - Each returns a new Ledger
// =============================================================================

// ConsumeOne charges one credit to the oldest active batch.
// Returns *InsufficientCreditsError when nothing can pay.
func (l Ledger) ConsumeOne(asOf time.Time) (Ledger, Consumption, error) {
	if l.hasActiveUnlimited(asOf) {
		return l.Clone(), Consumption{Unlimited: true}, nil
	}

	idx := -1
	for i, b := range l {
		if !b.IsActive(asOf) {
			continue
		}
		// Strictly earlier wins, so insertion order breaks ties.
		if idx < 0 || b.PurchaseDate.Before(l[idx].PurchaseDate) {
			idx = i
		}
	}
	if idx < 0 {
		return l.Clone(), Consumption{}, &InsufficientCreditsError{Available: l.TotalAvailable(asOf)}
	}

	out := l.Clone()
	out[idx].Remaining--
	return out, Consumption{BatchID: out[idx].ID}, nil
}

// RefundOne returns one credit to the most recently purchased batch that is
// partially used and not expired. The second result is false when no batch
// qualified and the ledger is unchanged.
func (l Ledger) RefundOne(asOf time.Time) (Ledger, BatchID, bool) {
	if l.hasActiveUnlimited(asOf) {
		return l.Clone(), "", false
	}

	idx := -1
	for i, b := range l {
		if !b.IsPartiallyUsed() || b.IsExpired(asOf) {
			continue
		}
		// Later-or-equal wins, so the last inserted batch breaks ties.
		if idx < 0 || !b.PurchaseDate.Before(l[idx].PurchaseDate) {
			idx = i
		}
	}
	if idx < 0 {
		return l.Clone(), "", false
	}

	out := l.Clone()
	out[idx].Remaining++
	return out, out[idx].ID, true
}

// RefundTo returns one credit to the batch that paid for a booking. When that
// batch is gone, expired or already full, it behaves like RefundOne.
func (l Ledger) RefundTo(asOf time.Time, id BatchID) (Ledger, BatchID, bool) {
	for i, b := range l {
		if b.ID != id || b.Unlimited || !b.IsPartiallyUsed() || b.IsExpired(asOf) {
			continue
		}
		out := l.Clone()
		out[i].Remaining++
		return out, out[i].ID, true
	}
	return l.RefundOne(asOf)
}

// AddBatch appends a finite batch with quantity+bonus credits.
// Negative quantities are a programming error and panic.
func (l Ledger) AddBatch(purchaseDate time.Time, quantity, bonus int, policy ExpiryPolicy) (Ledger, Batch) {
	if quantity < 0 || bonus < 0 {
		panic("credits: negative batch quantity")
	}
	total := quantity + bonus
	return l.add(Batch{
		PurchaseDate: purchaseDate,
		Purchased:    total,
		Remaining:    total,
	}, policy)
}

// AddUnlimited appends an unlimited batch.
func (l Ledger) AddUnlimited(purchaseDate time.Time, policy ExpiryPolicy) (Ledger, Batch) {
	return l.add(Batch{PurchaseDate: purchaseDate, Unlimited: true}, policy)
}

func (l Ledger) add(b Batch, policy ExpiryPolicy) (Ledger, Batch) {
	if policy == nil {
		policy = DefaultExpiryPolicy()
	}
	if b.ID == "" {
		b.ID = BatchID(uuid.NewString())
	}
	b.ExpiryDate = policy.ExpiryFor(l, b.PurchaseDate)

	out := make(Ledger, 0, len(l)+1)
	out = append(out, l...)
	out = append(out, b)
	return out, b
}

// WithPlan tags a batch with the plan it was bought from.
func (l Ledger) WithPlan(id BatchID, planID string) Ledger {
	out := l.Clone()
	for i := range out {
		if out[i].ID == id {
			out[i].PlanID = planID
		}
	}
	return out
}

// Remove deletes a batch (manual admin action).
func (l Ledger) Remove(id BatchID) (Ledger, bool) {
	out := make(Ledger, 0, len(l))
	removed := false
	for _, b := range l {
		if b.ID == id {
			removed = true
			continue
		}
		out = append(out, b)
	}
	return out, removed
}
