/*
Package credits implements the class-credit ledger.

PURPOSE:
  A student buys class packs. Each purchase becomes a Batch with its own
  quantity, remaining balance and expiry date. The Ledger answers "how many
  usable credits does this student have right now" and applies consumption
  and refunds with a deterministic batch selection.

KEY CONCEPTS IN THIS FILE (types.go):
  - Batch: One purchase event (purchased, remaining, expiry)
  - Ledger: Ordered collection of batches, treated as an immutable value
  - Balance: Result of an availability query (count or unlimited)
  - Consumption: Which batch a check-in was charged to

DESIGN PRINCIPLES:
  1. Value semantics: every mutation returns a NEW Ledger; the receiver is
     never modified. The caller persists the result in one atomic write.
  2. FIFO consumption: the oldest active purchase is drained first.
  3. No manufactured credits: a refund only refills a partially used batch.
  4. Unlimited plans are a flag on the batch, never a magic number.

USAGE:
  ledger := credits.Ledger{}
  ledger, _ = ledger.AddBatch(purchase, 8, 0, credits.DefaultExpiryPolicy())
  ledger, used, err := ledger.ConsumeOne(now)

SEE ALSO:
  - ledger.go: Availability, consumption and refund rules
  - expiry.go: Expiry date policies for new batches
  - plan.go: Purchasable plans
*/
package credits

import (
	"fmt"
	"time"
)

// =============================================================================
// BATCH - One purchase of class credits
// =============================================================================

type BatchID string

// Batch is one purchase (or admin grant) of class credits.
//
// INVARIANT: 0 <= Remaining <= Purchased for finite batches.
// Unlimited batches ignore Purchased/Remaining entirely.
type Batch struct {
	ID           BatchID
	PlanID       string
	PurchaseDate time.Time
	Purchased    int
	Remaining    int
	Unlimited    bool
	ExpiryDate   time.Time
}

// IsExpired reports whether the batch expiry day is before the day of asOf.
// Both days are taken in asOf's location, whatever location the stored
// expiry date carries.
func (b Batch) IsExpired(asOf time.Time) bool {
	return StartOfDay(b.ExpiryDate.In(asOf.Location())).Before(StartOfDay(asOf))
}

// IsActive returns true if the batch can still pay for a check-in.
func (b Batch) IsActive(asOf time.Time) bool {
	if b.IsExpired(asOf) {
		return false
	}
	return b.Unlimited || b.Remaining > 0
}

// IsPartiallyUsed returns true if at least one credit was taken from the batch.
func (b Batch) IsPartiallyUsed() bool {
	return !b.Unlimited && b.Remaining < b.Purchased
}

// Validate checks the batch bounds.
func (b Batch) Validate() error {
	if b.Unlimited {
		return nil
	}
	if b.Purchased < 0 || b.Remaining < 0 {
		return fmt.Errorf("batch %s: negative credits (purchased %d, remaining %d)", b.ID, b.Purchased, b.Remaining)
	}
	if b.Remaining > b.Purchased {
		return fmt.Errorf("batch %s: remaining %d exceeds purchased %d", b.ID, b.Remaining, b.Purchased)
	}
	return nil
}

// =============================================================================
// BALANCE - Result of an availability query
// =============================================================================

// Balance is the number of usable credits, or Unlimited.
type Balance struct {
	Credits   int
	Unlimited bool
}

// Unlimited is the balance of a student holding an active unlimited batch.
var Unlimited = Balance{Unlimited: true}

// IsPositive returns true if at least one check-in can be paid for.
func (b Balance) IsPositive() bool {
	return b.Unlimited || b.Credits > 0
}

func (b Balance) String() string {
	if b.Unlimited {
		return "unlimited"
	}
	return fmt.Sprintf("%d", b.Credits)
}

// =============================================================================
// CONSUMPTION - Which batch paid for a check-in
// =============================================================================

// Consumption describes the effect of ConsumeOne.
// When Unlimited is true no batch was decremented and BatchID is empty.
type Consumption struct {
	BatchID   BatchID
	Unlimited bool
}

// =============================================================================
// TIME HELPERS
// =============================================================================

// StartOfDay truncates t to midnight in its own location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
