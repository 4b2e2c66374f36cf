package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/studio-booking/billing"
	"github.com/warp/studio-booking/credits"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestCurrentCycle(t *testing.T) {
	tests := []struct {
		name      string
		dueDay    int
		today     time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name:      "before due day starts previous month",
			dueDay:    10,
			today:     day(2025, time.March, 5),
			wantStart: day(2025, time.February, 10),
			wantEnd:   day(2025, time.March, 9),
		},
		{
			name:      "on due day starts this month",
			dueDay:    10,
			today:     day(2025, time.March, 10),
			wantStart: day(2025, time.March, 10),
			wantEnd:   day(2025, time.April, 9),
		},
		{
			name:      "january wraps to previous december",
			dueDay:    15,
			today:     day(2025, time.January, 3),
			wantStart: day(2024, time.December, 15),
			wantEnd:   day(2025, time.January, 14),
		},
		{
			name:      "due day one in december",
			dueDay:    1,
			today:     day(2024, time.December, 20),
			wantStart: day(2024, time.December, 1),
			wantEnd:   day(2024, time.December, 31),
		},
		{
			name:      "due day 31 clamps in february",
			dueDay:    31,
			today:     day(2025, time.February, 28),
			wantStart: day(2025, time.February, 28),
			wantEnd:   day(2025, time.March, 30),
		},
		{
			name:      "due day 31 before clamp date",
			dueDay:    31,
			today:     day(2025, time.February, 10),
			wantStart: day(2025, time.January, 31),
			wantEnd:   day(2025, time.February, 27),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := billing.CurrentCycle(tt.dueDay, tt.today)

			assert.Equal(t, tt.wantStart, got.Start)
			y, m, d := got.End.Date()
			assert.Equal(t, tt.wantEnd, day(y, m, d))
			assert.Equal(t, 23, got.End.Hour())
			assert.Equal(t, 59, got.End.Minute())
			assert.Equal(t, 59, got.End.Second())
			assert.Equal(t, int(999*time.Millisecond), got.End.Nanosecond())
		})
	}
}

func TestCurrentCycle_ContiguousAcrossYear(t *testing.T) {
	for _, due := range []int{1, 15, 28, 29, 30, 31} {
		cur := billing.CurrentCycle(due, day(2024, time.January, 1))
		for i := 0; i < 14; i++ {
			next := billing.CurrentCycle(due, cur.End.Add(time.Millisecond))
			require.Equal(t, cur.End.Add(time.Millisecond), next.Start, "due %d cycle %d", due, i)
			cur = next
		}
	}
}

func TestPeriodContains(t *testing.T) {
	p := billing.CurrentCycle(10, day(2025, time.March, 12))

	assert.True(t, p.Contains(day(2025, time.March, 10)))
	assert.True(t, p.Contains(day(2025, time.April, 9).Add(20*time.Hour)))
	assert.False(t, p.Contains(day(2025, time.April, 10)))
	assert.False(t, p.Contains(day(2025, time.March, 9)))
}

func TestValidateDueDay(t *testing.T) {
	assert.NoError(t, billing.ValidateDueDay(1))
	assert.NoError(t, billing.ValidateDueDay(31))
	assert.Error(t, billing.ValidateDueDay(0))
	assert.Error(t, billing.ValidateDueDay(32))
}

func TestSubscriptionRemaining(t *testing.T) {
	sub := billing.Subscription{
		DueDay:    10,
		PlanTotal: 8,
		ExtraGrants: []billing.Grant{
			{ID: "g1", GrantedAt: day(2025, time.March, 2), Count: 2},
			{ID: "g2", GrantedAt: day(2025, time.February, 20), Count: 5},
		},
	}
	today := day(2025, time.March, 12)

	assert.Equal(t, 2, sub.ExtraThisMonth(today))
	assert.Equal(t, credits.Balance{Credits: 7}, sub.Remaining(today, 3))
	assert.Equal(t, credits.Balance{Credits: 0}, sub.Remaining(today, 12))

	sub.Unlimited = true
	assert.True(t, sub.Remaining(today, 100).Unlimited)
}

func TestSubscriptionWithGrant_DoesNotAlias(t *testing.T) {
	sub := billing.Subscription{DueDay: 5, PlanTotal: 4}
	next := sub.WithGrant(billing.Grant{ID: "g", GrantedAt: day(2025, time.May, 1), Count: 1})

	assert.Empty(t, sub.ExtraGrants)
	assert.Len(t, next.ExtraGrants, 1)
}
