package credits

import (
	"fmt"
	"time"
)

// =============================================================================
// EXPIRY POLICY - How a new batch's expiry date is computed
// =============================================================================

// ExpiryPolicy computes the expiry date of a batch bought on purchaseDate,
// given the batches that already exist. Exactly one policy is configured per
// deployment; the two are never mixed.
type ExpiryPolicy interface {
	Name() string
	ExpiryFor(existing Ledger, purchaseDate time.Time) time.Time
}

const (
	PolicyFixedWindow      = "fixed_window"
	PolicyExtendFromLatest = "extend_from_latest"

	DefaultValidityDays = 40
)

// FixedWindow expires a batch a fixed number of days after purchase.
type FixedWindow struct {
	Days int
}

func (p FixedWindow) Name() string { return PolicyFixedWindow }

func (p FixedWindow) ExpiryFor(_ Ledger, purchaseDate time.Time) time.Time {
	days := p.Days
	if days <= 0 {
		days = DefaultValidityDays
	}
	return StartOfDay(purchaseDate).AddDate(0, 0, days)
}

// ExtendFromLatest chains consecutive purchases: when the purchase happens on
// or before the latest existing expiry, the new batch expires one month after
// that expiry. Otherwise it expires one month after the purchase.
type ExtendFromLatest struct{}

func (ExtendFromLatest) Name() string { return PolicyExtendFromLatest }

func (ExtendFromLatest) ExpiryFor(existing Ledger, purchaseDate time.Time) time.Time {
	var latest time.Time
	for _, b := range existing {
		if b.ExpiryDate.After(latest) {
			latest = b.ExpiryDate
		}
	}
	purchaseDay := StartOfDay(purchaseDate)
	if latest.IsZero() {
		return purchaseDay.AddDate(0, 1, 0)
	}
	latestDay := StartOfDay(latest.In(purchaseDate.Location()))
	if !purchaseDay.After(latestDay) {
		return latestDay.AddDate(0, 1, 0)
	}
	return purchaseDay.AddDate(0, 1, 0)
}

// DefaultExpiryPolicy is purchase date + 40 days.
func DefaultExpiryPolicy() ExpiryPolicy {
	return FixedWindow{Days: DefaultValidityDays}
}

// ParseExpiryPolicy maps a configuration name to a policy.
func ParseExpiryPolicy(name string, validityDays int) (ExpiryPolicy, error) {
	switch name {
	case "", PolicyFixedWindow:
		return FixedWindow{Days: validityDays}, nil
	case PolicyExtendFromLatest:
		return ExtendFromLatest{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownExpiryPolicy, name)
	}
}
