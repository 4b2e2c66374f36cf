package booking_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/studio-booking/billing"
	"github.com/warp/studio-booking/booking"
	"github.com/warp/studio-booking/booking/store"
	"github.com/warp/studio-booking/credits"
)

// =============================================================================
// FIXTURES
// =============================================================================

var now = time.Date(2025, time.March, 12, 10, 0, 0, 0, time.UTC)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type fixture struct {
	ctx    context.Context
	store  *store.Memory
	engine *booking.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemory()
	e := booking.NewEngine(s)
	e.Now = func() time.Time { return now }
	return &fixture{ctx: context.Background(), store: s, engine: e}
}

func (f *fixture) packStudent(t *testing.T, id string, batches ...credits.Batch) booking.StudentID {
	t.Helper()
	require.NoError(t, f.store.SaveStudent(f.ctx, booking.Student{
		ID:     booking.StudentID(id),
		Name:   id,
		Email:  id + "@example.com",
		Model:  booking.ModelPack,
		Ledger: credits.Ledger(batches),
	}))
	return booking.StudentID(id)
}

func (f *fixture) subscriptionStudent(t *testing.T, id string, sub billing.Subscription) booking.StudentID {
	t.Helper()
	require.NoError(t, f.store.SaveStudent(f.ctx, booking.Student{
		ID:           booking.StudentID(id),
		Name:         id,
		Model:        booking.ModelSubscription,
		Subscription: sub,
	}))
	return booking.StudentID(id)
}

func (f *fixture) session(t *testing.T, id string, startsAt time.Time, capacity int) booking.SessionID {
	t.Helper()
	require.NoError(t, f.store.SaveSession(f.ctx, booking.Session{
		ID:          booking.SessionID(id),
		TeacherID:   "teacher-1",
		Modality:    "yoga",
		StartsAt:    startsAt,
		MaxCapacity: capacity,
	}))
	return booking.SessionID(id)
}

func (f *fixture) student(t *testing.T, id booking.StudentID) *booking.Student {
	t.Helper()
	st, err := f.store.GetStudent(f.ctx, id)
	require.NoError(t, err)
	return st
}

func (f *fixture) sess(t *testing.T, id booking.SessionID) *booking.Session {
	t.Helper()
	s, err := f.store.GetSession(f.ctx, id)
	require.NoError(t, err)
	return s
}

func batch(id string, purchased time.Time, total, remaining int) credits.Batch {
	return credits.Batch{
		ID:           credits.BatchID(id),
		PurchaseDate: purchased,
		Purchased:    total,
		Remaining:    remaining,
		ExpiryDate:   purchased.AddDate(0, 6, 0),
	}
}

// =============================================================================
// CHECK-IN
// =============================================================================

func TestCheckIn_LastCreditThenInsufficient(t *testing.T) {
	f := newFixture(t)
	alice := f.packStudent(t, "alice", batch("b1", date(2025, time.March, 1), 8, 1))
	yoga := f.session(t, "yoga", now.Add(48*time.Hour), 10)
	pilates := f.session(t, "pilates", now.Add(72*time.Hour), 10)

	res, err := f.engine.CheckIn(f.ctx, alice, yoga)
	require.NoError(t, err)
	assert.True(t, res.Booked)
	assert.Equal(t, credits.BatchID("b1"), res.Batch)
	assert.Equal(t, credits.Balance{Credits: 0}, res.Remaining)

	st := f.student(t, alice)
	assert.Equal(t, 0, st.Ledger[0].Remaining)
	assert.Equal(t, credits.Balance{}, st.Ledger.TotalAvailable(now))
	assert.Equal(t, []booking.SessionID{yoga}, st.Booked)
	assert.Equal(t, []booking.StudentID{alice}, f.sess(t, yoga).CheckedIn)

	res, err = f.engine.CheckIn(f.ctx, alice, pilates)
	require.NoError(t, err)
	assert.False(t, res.Booked)
	assert.Equal(t, booking.RejectInsufficientCredits, res.Rejection)
	assert.Empty(t, f.sess(t, pilates).CheckedIn)
}

func TestCheckIn_ClassFullRegardlessOfBalance(t *testing.T) {
	f := newFixture(t)
	alice := f.packStudent(t, "alice", batch("a1", date(2025, time.March, 1), 10, 10))
	bob := f.packStudent(t, "bob", credits.Batch{
		ID: "u", PurchaseDate: date(2025, time.March, 1), Unlimited: true, ExpiryDate: date(2025, time.April, 30),
	})
	sess := f.session(t, "s", now.Add(48*time.Hour), 1)

	res, err := f.engine.CheckIn(f.ctx, alice, sess)
	require.NoError(t, err)
	require.True(t, res.Booked)

	res, err = f.engine.CheckIn(f.ctx, bob, sess)
	require.NoError(t, err)
	assert.Equal(t, booking.RejectClassFull, res.Rejection)
	assert.Len(t, f.sess(t, sess).CheckedIn, 1)
	assert.Empty(t, f.student(t, bob).Booked)
}

func TestCheckIn_AlreadyBooked(t *testing.T) {
	f := newFixture(t)
	alice := f.packStudent(t, "alice", batch("a1", date(2025, time.March, 1), 10, 10))
	sess := f.session(t, "s", now.Add(48*time.Hour), 5)

	_, err := f.engine.CheckIn(f.ctx, alice, sess)
	require.NoError(t, err)

	res, err := f.engine.CheckIn(f.ctx, alice, sess)
	require.NoError(t, err)
	assert.Equal(t, booking.RejectAlreadyBooked, res.Rejection)
	assert.Equal(t, 9, f.student(t, alice).Ledger[0].Remaining)
}

func TestCheckIn_ClassEnded(t *testing.T) {
	f := newFixture(t)
	alice := f.packStudent(t, "alice", batch("a1", date(2025, time.March, 1), 10, 10))
	past := f.session(t, "past", now.Add(-time.Hour), 5)
	startingNow := f.session(t, "now", now, 5)

	for _, id := range []booking.SessionID{past, startingNow} {
		res, err := f.engine.CheckIn(f.ctx, alice, id)
		require.NoError(t, err)
		assert.Equal(t, booking.RejectClassEnded, res.Rejection, id)
	}
	assert.Equal(t, 10, f.student(t, alice).Ledger[0].Remaining)
}

func TestCheckIn_PreconditionOrder(t *testing.T) {
	f := newFixture(t)
	broke := f.packStudent(t, "broke")
	full := f.session(t, "full", now.Add(48*time.Hour), 0)
	past := f.session(t, "past", now.Add(-48*time.Hour), 0)

	// Ended beats insufficient beats full.
	res, err := f.engine.CheckIn(f.ctx, broke, past)
	require.NoError(t, err)
	assert.Equal(t, booking.RejectClassEnded, res.Rejection)

	res, err = f.engine.CheckIn(f.ctx, broke, full)
	require.NoError(t, err)
	assert.Equal(t, booking.RejectInsufficientCredits, res.Rejection)
}

func TestCheckIn_NotEligible(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SaveStudent(f.ctx, booking.Student{
		ID:         "carol",
		Model:      booking.ModelPack,
		Modalities: []string{"pilates"},
		Ledger:     credits.Ledger{batch("c1", date(2025, time.March, 1), 5, 5)},
	}))
	sess := f.session(t, "yoga", now.Add(48*time.Hour), 5)

	res, err := f.engine.CheckIn(f.ctx, "carol", sess)
	require.NoError(t, err)
	assert.Equal(t, booking.RejectNotEligible, res.Rejection)
}

func TestCheckIn_UnlimitedDoesNotTouchFiniteBatches(t *testing.T) {
	f := newFixture(t)
	alice := f.packStudent(t, "alice",
		batch("a1", date(2025, time.March, 1), 5, 5),
		credits.Batch{ID: "u", PurchaseDate: date(2025, time.March, 2), Unlimited: true, ExpiryDate: date(2025, time.April, 1)},
	)
	sess := f.session(t, "s", now.Add(48*time.Hour), 5)

	res, err := f.engine.CheckIn(f.ctx, alice, sess)
	require.NoError(t, err)
	assert.True(t, res.Booked)
	assert.True(t, res.Unlimited)
	assert.True(t, res.Remaining.Unlimited)
	assert.Equal(t, 5, f.student(t, alice).Ledger[0].Remaining)
}

func TestCheckIn_UnknownIDs(t *testing.T) {
	f := newFixture(t)
	alice := f.packStudent(t, "alice", batch("a1", date(2025, time.March, 1), 5, 5))
	sess := f.session(t, "s", now.Add(48*time.Hour), 5)

	_, err := f.engine.CheckIn(f.ctx, "ghost", sess)
	assert.ErrorIs(t, err, booking.ErrStudentNotFound)
	assert.True(t, booking.IsNotFound(err))

	_, err = f.engine.CheckIn(f.ctx, alice, "ghost")
	assert.ErrorIs(t, err, booking.ErrSessionNotFound)
}

func TestCheckIn_ConcurrentLastSeat(t *testing.T) {
	f := newFixture(t)
	sess := f.session(t, "s", now.Add(48*time.Hour), 1)
	var ids []booking.StudentID
	for i := 0; i < 20; i++ {
		ids = append(ids, f.packStudent(t, fmt.Sprintf("st-%02d", i), batch("b", date(2025, time.March, 1), 3, 3)))
	}

	var wg sync.WaitGroup
	results := make([]booking.CheckInResult, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id booking.StudentID) {
			defer wg.Done()
			res, err := f.engine.CheckIn(f.ctx, id, sess)
			assert.NoError(t, err)
			results[i] = res
		}(i, id)
	}
	wg.Wait()

	booked := 0
	for _, r := range results {
		if r.Booked {
			booked++
		} else {
			assert.Equal(t, booking.RejectClassFull, r.Rejection)
		}
	}
	assert.Equal(t, 1, booked)
	assert.Len(t, f.sess(t, sess).CheckedIn, 1)
}

func TestCheckIn_ConcurrentLastCredit(t *testing.T) {
	f := newFixture(t)
	alice := f.packStudent(t, "alice", batch("a1", date(2025, time.March, 1), 1, 1))
	var sessions []booking.SessionID
	for i := 0; i < 10; i++ {
		sessions = append(sessions, f.session(t, fmt.Sprintf("s-%d", i), now.Add(time.Duration(24+i)*time.Hour), 10))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	booked := 0
	for _, id := range sessions {
		wg.Add(1)
		go func(id booking.SessionID) {
			defer wg.Done()
			res, err := f.engine.CheckIn(f.ctx, alice, id)
			assert.NoError(t, err)
			if res.Booked {
				mu.Lock()
				booked++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 1, booked)
	st := f.student(t, alice)
	assert.Equal(t, 0, st.Ledger[0].Remaining)
	assert.Len(t, st.Booked, 1)
}

// =============================================================================
// CANCELLATION
// =============================================================================

func TestCancel_RoundTripRestoresState(t *testing.T) {
	f := newFixture(t)
	alice := f.packStudent(t, "alice",
		batch("b1", date(2025, time.January, 1), 10, 3),
		batch("b2", date(2025, time.February, 1), 5, 5),
	)
	sess := f.session(t, "s", now.Add(72*time.Hour), 5)
	before := f.student(t, alice)

	_, err := f.engine.CheckIn(f.ctx, alice, sess)
	require.NoError(t, err)

	res, err := f.engine.Cancel(f.ctx, alice, sess, false)
	require.NoError(t, err)
	assert.Equal(t, booking.CancelNormal, res.Outcome)
	assert.True(t, res.Refunded)

	after := f.student(t, alice)
	assert.Equal(t, before.Ledger.TotalAvailable(now), after.Ledger.TotalAvailable(now))
	assert.Empty(t, after.Booked)
	assert.Empty(t, f.sess(t, sess).CheckedIn)
	assert.Empty(t, f.sess(t, sess).LateCancellations)
}

func TestCancel_RefundsPayingBatchAfterUnlimitedPurchase(t *testing.T) {
	f := newFixture(t)
	alice := f.packStudent(t, "alice", batch("b1", date(2025, time.March, 1), 2, 2))
	sess := f.session(t, "s", now.Add(72*time.Hour), 5)

	// GIVEN: alice pays for a class with a finite credit, then goes unlimited
	res, err := f.engine.CheckIn(f.ctx, alice, sess)
	require.NoError(t, err)
	require.Equal(t, credits.BatchID("b1"), res.Batch)
	assert.Equal(t, credits.BatchID("b1"), f.student(t, alice).Charges[sess])

	_, err = f.engine.GrantCredits(f.ctx, alice, booking.Grant{Unlimited: true})
	require.NoError(t, err)

	// WHEN: she cancels in time
	cres, err := f.engine.Cancel(f.ctx, alice, sess, false)
	require.NoError(t, err)

	// THEN: the credit goes back to the batch that paid
	assert.True(t, cres.Refunded)
	assert.Equal(t, credits.BatchID("b1"), cres.RefundedBatch)
	st := f.student(t, alice)
	b1, _ := st.Ledger.Find("b1")
	assert.Equal(t, 2, b1.Remaining)
	assert.Empty(t, st.Charges)
}

func TestCancel_UnlimitedBookingRefundsNothing(t *testing.T) {
	f := newFixture(t)
	alice := f.packStudent(t, "alice",
		batch("b1", date(2025, time.March, 1), 2, 1),
		credits.Batch{ID: "free", PurchaseDate: date(2025, time.March, 1), Unlimited: true, ExpiryDate: date(2025, time.April, 1)},
	)
	sess := f.session(t, "s", now.Add(72*time.Hour), 5)

	res, err := f.engine.CheckIn(f.ctx, alice, sess)
	require.NoError(t, err)
	require.True(t, res.Unlimited)
	assert.Empty(t, f.student(t, alice).Charges)

	cres, err := f.engine.Cancel(f.ctx, alice, sess, false)
	require.NoError(t, err)
	assert.Equal(t, booking.CancelNormal, cres.Outcome)
	assert.False(t, cres.Refunded)
	b1, _ := f.student(t, alice).Ledger.Find("b1")
	assert.Equal(t, 1, b1.Remaining)
}

func TestCancel_LateRequiresConfirmation(t *testing.T) {
	f := newFixture(t)
	alice := f.packStudent(t, "alice", batch("a1", date(2025, time.March, 1), 5, 5))
	sess := f.session(t, "s", now.Add(10*time.Hour), 5)

	_, err := f.engine.CheckIn(f.ctx, alice, sess)
	require.NoError(t, err)

	res, err := f.engine.Cancel(f.ctx, alice, sess, false)
	require.NoError(t, err)
	assert.Equal(t, booking.CancelConfirmationRequired, res.Outcome)
	assert.False(t, res.Refunded)
	assert.Equal(t, 24, res.DeadlineHours)
	assert.InDelta(t, 10.0, res.HoursUntilClass, 0.001)

	// Nothing changed yet.
	assert.Equal(t, []booking.StudentID{alice}, f.sess(t, sess).CheckedIn)
	assert.Equal(t, 4, f.student(t, alice).Ledger[0].Remaining)
}

func TestCancel_LateNeverRefunds(t *testing.T) {
	f := newFixture(t)
	alice := f.packStudent(t, "alice", batch("a1", date(2025, time.March, 1), 5, 5))
	sess := f.session(t, "s", now.Add(10*time.Hour), 5)

	_, err := f.engine.CheckIn(f.ctx, alice, sess)
	require.NoError(t, err)
	afterCheckIn := f.student(t, alice).Ledger.TotalAvailable(now)

	res, err := f.engine.Cancel(f.ctx, alice, sess, true)
	require.NoError(t, err)
	assert.Equal(t, booking.CancelLate, res.Outcome)
	assert.False(t, res.Refunded)

	st := f.student(t, alice)
	assert.Equal(t, afterCheckIn, st.Ledger.TotalAvailable(now))
	assert.Empty(t, st.Booked)
	s := f.sess(t, sess)
	assert.Empty(t, s.CheckedIn)
	assert.Equal(t, []booking.StudentID{alice}, s.LateCancellations)
}

func TestCancel_DeadlineBoundaryIsNormal(t *testing.T) {
	f := newFixture(t)
	alice := f.packStudent(t, "alice", batch("a1", date(2025, time.March, 1), 5, 5))
	sess := f.session(t, "s", now.Add(24*time.Hour), 5)

	_, err := f.engine.CheckIn(f.ctx, alice, sess)
	require.NoError(t, err)

	res, err := f.engine.Cancel(f.ctx, alice, sess, false)
	require.NoError(t, err)
	assert.Equal(t, booking.CancelNormal, res.Outcome)
}

func TestCancel_StoredDeadlineOverridesDefault(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.SetDeadlineHours(f.ctx, 6))
	alice := f.packStudent(t, "alice", batch("a1", date(2025, time.March, 1), 5, 5))
	sess := f.session(t, "s", now.Add(10*time.Hour), 5)

	_, err := f.engine.CheckIn(f.ctx, alice, sess)
	require.NoError(t, err)

	res, err := f.engine.Cancel(f.ctx, alice, sess, false)
	require.NoError(t, err)
	assert.Equal(t, booking.CancelNormal, res.Outcome)
	assert.Equal(t, 6, res.DeadlineHours)
}

func TestCancel_Rejections(t *testing.T) {
	f := newFixture(t)
	alice := f.packStudent(t, "alice", batch("a1", date(2025, time.March, 1), 5, 5))
	future := f.session(t, "future", now.Add(48*time.Hour), 5)
	past := f.session(t, "past", now.Add(-2*time.Hour), 5)
	require.NoError(t, f.store.UpdateRoster(f.ctx, past, booking.RosterAdd, alice))
	require.NoError(t, f.store.UpdateBookedSet(f.ctx, alice, []booking.SessionID{past}))

	res, err := f.engine.Cancel(f.ctx, alice, future, false)
	require.NoError(t, err)
	assert.Equal(t, booking.CancelRejected, res.Outcome)
	assert.Equal(t, booking.RejectNotBooked, res.Rejection)

	res, err = f.engine.Cancel(f.ctx, alice, past, true)
	require.NoError(t, err)
	assert.Equal(t, booking.RejectClassEnded, res.Rejection)
	assert.Equal(t, []booking.StudentID{alice}, f.sess(t, past).CheckedIn)
}

func TestCancel_RebookAfterCancel(t *testing.T) {
	f := newFixture(t)
	alice := f.packStudent(t, "alice", batch("a1", date(2025, time.March, 1), 5, 5))
	sess := f.session(t, "s", now.Add(10*time.Hour), 5)

	_, err := f.engine.CheckIn(f.ctx, alice, sess)
	require.NoError(t, err)
	_, err = f.engine.Cancel(f.ctx, alice, sess, true)
	require.NoError(t, err)

	res, err := f.engine.CheckIn(f.ctx, alice, sess)
	require.NoError(t, err)
	assert.True(t, res.Booked)
	assert.Equal(t, 3, f.student(t, alice).Ledger[0].Remaining)
}

// =============================================================================
// CLASS DELETION
// =============================================================================

func TestDeleteClass_Cascades(t *testing.T) {
	f := newFixture(t)
	doomed := f.session(t, "doomed", now.Add(48*time.Hour), 5)
	other := f.session(t, "other", now.Add(72*time.Hour), 5)

	var booked []booking.StudentID
	for _, id := range []string{"a", "b", "c"} {
		sid := f.packStudent(t, id, batch(id+"1", date(2025, time.March, 1), 5, 5))
		for _, s := range []booking.SessionID{doomed, other} {
			res, err := f.engine.CheckIn(f.ctx, sid, s)
			require.NoError(t, err)
			require.True(t, res.Booked)
		}
		booked = append(booked, sid)
	}
	bystander := f.packStudent(t, "d", batch("d1", date(2025, time.March, 1), 5, 5))
	before := f.student(t, bystander)

	res, err := f.engine.DeleteClass(f.ctx, doomed)
	require.NoError(t, err)
	assert.ElementsMatch(t, booked, res.Affected)
	assert.Empty(t, res.Refunded)

	for _, id := range booked {
		st := f.student(t, id)
		assert.Equal(t, []booking.SessionID{other}, st.Booked)
		assert.Equal(t, 3, st.Ledger[0].Remaining)
	}
	assert.Equal(t, before, f.student(t, bystander))

	_, err = f.store.GetSession(f.ctx, doomed)
	assert.ErrorIs(t, err, booking.ErrSessionNotFound)
}

func TestDeleteClass_RefundWhenConfigured(t *testing.T) {
	f := newFixture(t)
	f.engine.RefundOnDelete = true
	alice := f.packStudent(t, "alice", batch("a1", date(2025, time.March, 1), 5, 5))
	sess := f.session(t, "s", now.Add(48*time.Hour), 5)
	_, err := f.engine.CheckIn(f.ctx, alice, sess)
	require.NoError(t, err)

	res, err := f.engine.DeleteClass(f.ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, []booking.StudentID{alice}, res.Refunded)
	assert.Equal(t, 5, f.student(t, alice).Ledger[0].Remaining)
}

func TestDeleteClass_UnknownSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.DeleteClass(f.ctx, "ghost")
	assert.ErrorIs(t, err, booking.ErrSessionNotFound)
}

// =============================================================================
// SUBSCRIPTION MODEL
// =============================================================================

func TestSubscription_CycleAllowance(t *testing.T) {
	f := newFixture(t)
	// Cycle for due day 10 on 2025-03-12 is [Mar 10, Apr 9].
	sam := f.subscriptionStudent(t, "sam", billing.Subscription{DueDay: 10, PlanTotal: 2})
	s1 := f.session(t, "s1", now.Add(24*time.Hour), 5)
	s2 := f.session(t, "s2", now.Add(48*time.Hour), 5)
	s3 := f.session(t, "s3", now.Add(72*time.Hour), 5)

	res, err := f.engine.CheckIn(f.ctx, sam, s1)
	require.NoError(t, err)
	require.True(t, res.Booked)
	assert.Equal(t, credits.Balance{Credits: 1}, res.Remaining)

	res, err = f.engine.CheckIn(f.ctx, sam, s2)
	require.NoError(t, err)
	require.True(t, res.Booked)

	res, err = f.engine.CheckIn(f.ctx, sam, s3)
	require.NoError(t, err)
	assert.Equal(t, booking.RejectInsufficientCredits, res.Rejection)

	// A normal cancel frees allowance.
	_, err = f.engine.Cancel(f.ctx, sam, s2, false)
	require.NoError(t, err)
	res, err = f.engine.CheckIn(f.ctx, sam, s3)
	require.NoError(t, err)
	assert.True(t, res.Booked)
}

func TestSubscription_LateCancelStillCounts(t *testing.T) {
	f := newFixture(t)
	sam := f.subscriptionStudent(t, "sam", billing.Subscription{DueDay: 10, PlanTotal: 1})
	soon := f.session(t, "soon", now.Add(5*time.Hour), 5)
	later := f.session(t, "later", now.Add(72*time.Hour), 5)

	_, err := f.engine.CheckIn(f.ctx, sam, soon)
	require.NoError(t, err)
	res, err := f.engine.Cancel(f.ctx, sam, soon, true)
	require.NoError(t, err)
	require.Equal(t, booking.CancelLate, res.Outcome)

	ci, err := f.engine.CheckIn(f.ctx, sam, later)
	require.NoError(t, err)
	assert.Equal(t, booking.RejectInsufficientCredits, ci.Rejection)
}

func TestSubscription_RebookAfterLateCancelCharges(t *testing.T) {
	f := newFixture(t)
	sam := f.subscriptionStudent(t, "sam", billing.Subscription{DueDay: 10, PlanTotal: 2})
	a := f.session(t, "a", now.Add(5*time.Hour), 5)
	b := f.session(t, "b", now.Add(72*time.Hour), 5)

	// GIVEN: sam checks in to A, late-cancels, then books A again
	res, err := f.engine.CheckIn(f.ctx, sam, a)
	require.NoError(t, err)
	require.True(t, res.Booked)
	cres, err := f.engine.Cancel(f.ctx, sam, a, true)
	require.NoError(t, err)
	require.Equal(t, booking.CancelLate, cres.Outcome)
	res, err = f.engine.CheckIn(f.ctx, sam, a)
	require.NoError(t, err)
	require.True(t, res.Booked)
	assert.Equal(t, credits.Balance{Credits: 0}, res.Remaining)

	// WHEN: sam books B
	res, err = f.engine.CheckIn(f.ctx, sam, b)
	require.NoError(t, err)

	// THEN: the forfeited class and the rebooking used up both classes
	assert.Equal(t, booking.RejectInsufficientCredits, res.Rejection)

	used, err := booking.UsedInCycle(f.ctx, f.store, f.student(t, sam), now)
	require.NoError(t, err)
	assert.Equal(t, 2, used)
}

func TestSubscription_OutsideBillingCycle(t *testing.T) {
	f := newFixture(t)
	sam := f.subscriptionStudent(t, "sam", billing.Subscription{DueDay: 10, PlanTotal: 8})
	nextCycle := f.session(t, "next", date(2025, time.April, 10).Add(9*time.Hour), 5)

	res, err := f.engine.CheckIn(f.ctx, sam, nextCycle)
	require.NoError(t, err)
	assert.Equal(t, booking.RejectOutsideBillingCycle, res.Rejection)
}

func TestSubscription_ExtraClasses(t *testing.T) {
	f := newFixture(t)
	sam := f.subscriptionStudent(t, "sam", billing.Subscription{DueDay: 10, PlanTotal: 0})
	sess := f.session(t, "s", now.Add(24*time.Hour), 5)

	res, err := f.engine.CheckIn(f.ctx, sam, sess)
	require.NoError(t, err)
	require.Equal(t, booking.RejectInsufficientCredits, res.Rejection)

	grant, err := f.engine.GrantExtraClasses(f.ctx, sam, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, grant.Count)

	res, err = f.engine.CheckIn(f.ctx, sam, sess)
	require.NoError(t, err)
	assert.True(t, res.Booked)
	assert.Equal(t, credits.Balance{Credits: 1}, res.Remaining)
}

// =============================================================================
// COLLABORATORS
// =============================================================================

type heldLocker struct{}

func (heldLocker) TryLock(context.Context, string, time.Duration) (func(), bool, error) {
	return nil, false, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (p *recordingPublisher) PublishJSON(_ context.Context, key string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, key)
	return p.err
}

func TestEngine_BusyWhenLockHeld(t *testing.T) {
	f := newFixture(t)
	f.engine.Locker = heldLocker{}
	alice := f.packStudent(t, "alice", batch("a1", date(2025, time.March, 1), 5, 5))
	sess := f.session(t, "s", now.Add(48*time.Hour), 5)

	res, err := f.engine.CheckIn(f.ctx, alice, sess)
	require.NoError(t, err)
	assert.Equal(t, booking.RejectBusy, res.Rejection)

	cres, err := f.engine.Cancel(f.ctx, alice, sess, false)
	require.NoError(t, err)
	assert.Equal(t, booking.RejectBusy, cres.Rejection)
}

func TestEngine_PublishesAfterCommit(t *testing.T) {
	f := newFixture(t)
	pub := &recordingPublisher{err: errors.New("broker down")}
	f.engine.Publisher = pub
	alice := f.packStudent(t, "alice", batch("a1", date(2025, time.March, 1), 5, 5))
	sess := f.session(t, "s", now.Add(48*time.Hour), 5)

	res, err := f.engine.CheckIn(f.ctx, alice, sess)
	require.NoError(t, err, "publish failures must not fail the booking")
	require.True(t, res.Booked)
	_, err = f.engine.Cancel(f.ctx, alice, sess, false)
	require.NoError(t, err)
	_, err = f.engine.DeleteClass(f.ctx, sess)
	require.NoError(t, err)

	assert.Equal(t, []string{
		booking.EventCheckedIn,
		booking.EventCancelled,
		booking.EventSessionDeleted,
	}, pub.events)
}
