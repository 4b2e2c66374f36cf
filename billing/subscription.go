package billing

import (
	"time"

	"github.com/warp/studio-booking/credits"
)

// Grant is an admin-granted batch of extra classes. It counts only for the
// calendar month it was granted in.
type Grant struct {
	ID        string
	GrantedAt time.Time
	Count     int
}

// Subscription is the legacy per-cycle allowance model.
type Subscription struct {
	DueDay      int
	PlanName    string
	PlanTotal   int
	Unlimited   bool
	ExtraGrants []Grant
}

// Cycle returns the billing cycle containing today.
func (s Subscription) Cycle(today time.Time) Period {
	return CurrentCycle(s.DueDay, today)
}

// ExtraThisMonth sums extra grants made in today's calendar month.
func (s Subscription) ExtraThisMonth(today time.Time) int {
	year, month, _ := today.Date()
	total := 0
	for _, g := range s.ExtraGrants {
		y, m, _ := g.GrantedAt.In(today.Location()).Date()
		if y == year && m == month {
			total += g.Count
		}
	}
	return total
}

// Remaining is the allowance left in the current cycle after used check-ins.
func (s Subscription) Remaining(today time.Time, used int) credits.Balance {
	if s.Unlimited {
		return credits.Unlimited
	}
	left := s.PlanTotal + s.ExtraThisMonth(today) - used
	if left < 0 {
		left = 0
	}
	return credits.Balance{Credits: left}
}

// WithGrant returns a copy of the subscription with one more extra grant.
func (s Subscription) WithGrant(g Grant) Subscription {
	out := s
	out.ExtraGrants = append(append([]Grant(nil), s.ExtraGrants...), g)
	return out
}
