package credits

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Plan is a purchasable class pack.
type Plan struct {
	ID        string
	Name      string
	Credits   int
	Bonus     int
	Unlimited bool
	Price     decimal.Decimal
}

// Validate rejects plans that would produce an invalid batch.
func (p Plan) Validate() error {
	if p.ID == "" {
		return errors.New("plan id is required")
	}
	if p.Price.IsNegative() {
		return errors.New("plan price cannot be negative")
	}
	if p.Unlimited {
		return nil
	}
	if p.Credits <= 0 {
		return errors.New("plan must grant at least one credit")
	}
	if p.Bonus < 0 {
		return errors.New("plan bonus cannot be negative")
	}
	return nil
}

// Apply adds the batch bought through this plan.
func (p Plan) Apply(l Ledger, purchaseDate time.Time, policy ExpiryPolicy) (Ledger, Batch) {
	var (
		out Ledger
		b   Batch
	)
	if p.Unlimited {
		out, b = l.AddUnlimited(purchaseDate, policy)
	} else {
		out, b = l.AddBatch(purchaseDate, p.Credits, p.Bonus, policy)
	}
	out = out.WithPlan(b.ID, p.ID)
	b.PlanID = p.ID
	return out, b
}

// PricePerClass is the plan price divided by its credits; zero for unlimited plans.
func (p Plan) PricePerClass() decimal.Decimal {
	total := p.Credits + p.Bonus
	if p.Unlimited || total == 0 {
		return decimal.Zero
	}
	return p.Price.Div(decimal.NewFromInt(int64(total))).Round(2)
}
