// Package store provides in-memory booking.TxStore implementations.
package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/warp/studio-booking/billing"
	"github.com/warp/studio-booking/booking"
	"github.com/warp/studio-booking/credits"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a booking.TxStore kept in process memory.
// Every read returns a deep copy, so callers can never alias stored state.
type Memory struct {
	mu   sync.RWMutex
	data *state
}

func NewMemory() *Memory {
	return &Memory{data: newState()}
}

// WithTx executes fn within a transaction.
// Simulated with a snapshot + rollback on error. Holding the write lock for
// the whole callback serializes transactions.
func (m *Memory) WithTx(_ context.Context, fn func(booking.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	if err := fn(m.data); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

// Reset clears all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = newState()
	return nil
}

func (m *Memory) GetSession(ctx context.Context, id booking.SessionID) (*booking.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.GetSession(ctx, id)
}

func (m *Memory) ListSessionsInRange(ctx context.Context, from, to time.Time) ([]booking.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ListSessionsInRange(ctx, from, to)
}

func (m *Memory) UpdateRoster(ctx context.Context, id booking.SessionID, op booking.RosterOp, studentID booking.StudentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.UpdateRoster(ctx, id, op, studentID)
}

func (m *Memory) SaveSession(ctx context.Context, s booking.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SaveSession(ctx, s)
}

func (m *Memory) DeleteSession(ctx context.Context, id booking.SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.DeleteSession(ctx, id)
}

func (m *Memory) GetStudent(ctx context.Context, id booking.StudentID) (*booking.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.GetStudent(ctx, id)
}

func (m *Memory) ListStudents(ctx context.Context) ([]booking.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ListStudents(ctx)
}

func (m *Memory) StudentsBookedIn(ctx context.Context, id booking.SessionID) ([]booking.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.StudentsBookedIn(ctx, id)
}

func (m *Memory) SaveStudent(ctx context.Context, s booking.Student) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SaveStudent(ctx, s)
}

func (m *Memory) UpdateCreditLedger(ctx context.Context, id booking.StudentID, ledger credits.Ledger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.UpdateCreditLedger(ctx, id, ledger)
}

func (m *Memory) UpdateBookedSet(ctx context.Context, id booking.StudentID, booked []booking.SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.UpdateBookedSet(ctx, id, booked)
}

func (m *Memory) SetCharge(ctx context.Context, id booking.StudentID, sessionID booking.SessionID, batch credits.BatchID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SetCharge(ctx, id, sessionID, batch)
}

func (m *Memory) UpdateSubscription(ctx context.Context, id booking.StudentID, sub billing.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.UpdateSubscription(ctx, id, sub)
}

func (m *Memory) CancellationDeadlineHours(ctx context.Context) (int, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.CancellationDeadlineHours(ctx)
}

func (m *Memory) SetCancellationDeadlineHours(ctx context.Context, hours int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SetCancellationDeadlineHours(ctx, hours)
}

func (m *Memory) GetPlan(ctx context.Context, id string) (*credits.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.GetPlan(ctx, id)
}

func (m *Memory) ListPlans(ctx context.Context) ([]credits.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ListPlans(ctx)
}

func (m *Memory) SavePlan(ctx context.Context, p credits.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SavePlan(ctx, p)
}

// =============================================================================
// STATE - Unlocked view, also handed to WithTx callbacks
// =============================================================================

type state struct {
	students      map[booking.StudentID]booking.Student
	sessions      map[booking.SessionID]booking.Session
	plans         map[string]credits.Plan
	deadlineHours *int
}

func newState() *state {
	return &state{
		students: make(map[booking.StudentID]booking.Student),
		sessions: make(map[booking.SessionID]booking.Session),
		plans:    make(map[string]credits.Plan),
	}
}

func (s *state) clone() *state {
	out := newState()
	for k, v := range s.students {
		out.students[k] = v.Clone()
	}
	for k, v := range s.sessions {
		out.sessions[k] = v.Clone()
	}
	for k, v := range s.plans {
		out.plans[k] = v
	}
	if s.deadlineHours != nil {
		h := *s.deadlineHours
		out.deadlineHours = &h
	}
	return out
}

// Sessions

func (s *state) GetSession(_ context.Context, id booking.SessionID) (*booking.Session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, booking.ErrSessionNotFound
	}
	out := sess.Clone()
	return &out, nil
}

func (s *state) ListSessionsInRange(_ context.Context, from, to time.Time) ([]booking.Session, error) {
	var out []booking.Session
	for _, sess := range s.sessions {
		if !sess.StartsAt.Before(from) && !sess.StartsAt.After(to) {
			out = append(out, sess.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartsAt.Equal(out[j].StartsAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartsAt.Before(out[j].StartsAt)
	})
	return out, nil
}

func (s *state) UpdateRoster(_ context.Context, id booking.SessionID, op booking.RosterOp, studentID booking.StudentID) error {
	sess, ok := s.sessions[id]
	if !ok {
		return booking.ErrSessionNotFound
	}
	sess = sess.Clone()
	switch op {
	case booking.RosterAdd:
		if !slices.Contains(sess.CheckedIn, studentID) {
			sess.CheckedIn = append(sess.CheckedIn, studentID)
		}
	case booking.RosterRemove:
		sess.CheckedIn = remove(sess.CheckedIn, studentID)
	case booking.RosterLateCancel:
		sess.CheckedIn = remove(sess.CheckedIn, studentID)
		if !slices.Contains(sess.LateCancellations, studentID) {
			sess.LateCancellations = append(sess.LateCancellations, studentID)
		}
	}
	s.sessions[id] = sess
	return nil
}

func (s *state) SaveSession(_ context.Context, sess booking.Session) error {
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *state) DeleteSession(_ context.Context, id booking.SessionID) error {
	if _, ok := s.sessions[id]; !ok {
		return booking.ErrSessionNotFound
	}
	delete(s.sessions, id)
	return nil
}

// Students

func (s *state) GetStudent(_ context.Context, id booking.StudentID) (*booking.Student, error) {
	st, ok := s.students[id]
	if !ok {
		return nil, booking.ErrStudentNotFound
	}
	out := st.Clone()
	return &out, nil
}

func (s *state) ListStudents(_ context.Context) ([]booking.Student, error) {
	out := make([]booking.Student, 0, len(s.students))
	for _, st := range s.students {
		out = append(out, st.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) StudentsBookedIn(ctx context.Context, id booking.SessionID) ([]booking.Student, error) {
	all, _ := s.ListStudents(ctx)
	var out []booking.Student
	for _, st := range all {
		if st.HasBooked(id) {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *state) SaveStudent(_ context.Context, st booking.Student) error {
	s.students[st.ID] = st.Clone()
	return nil
}

func (s *state) UpdateCreditLedger(_ context.Context, id booking.StudentID, ledger credits.Ledger) error {
	return s.updateStudent(id, func(st *booking.Student) { st.Ledger = ledger.Clone() })
}

func (s *state) UpdateBookedSet(_ context.Context, id booking.StudentID, booked []booking.SessionID) error {
	return s.updateStudent(id, func(st *booking.Student) { st.Booked = slices.Clone(booked) })
}

func (s *state) SetCharge(_ context.Context, id booking.StudentID, sessionID booking.SessionID, batch credits.BatchID) error {
	return s.updateStudent(id, func(st *booking.Student) {
		if batch == "" {
			delete(st.Charges, sessionID)
			if len(st.Charges) == 0 {
				st.Charges = nil
			}
			return
		}
		if st.Charges == nil {
			st.Charges = make(map[booking.SessionID]credits.BatchID)
		}
		st.Charges[sessionID] = batch
	})
}

func (s *state) UpdateSubscription(_ context.Context, id booking.StudentID, sub billing.Subscription) error {
	return s.updateStudent(id, func(st *booking.Student) {
		st.Subscription = sub
		st.Subscription.ExtraGrants = slices.Clone(sub.ExtraGrants)
	})
}

func (s *state) updateStudent(id booking.StudentID, fn func(*booking.Student)) error {
	st, ok := s.students[id]
	if !ok {
		return booking.ErrStudentNotFound
	}
	st = st.Clone()
	fn(&st)
	s.students[id] = st
	return nil
}

// Settings

func (s *state) CancellationDeadlineHours(context.Context) (int, bool, error) {
	if s.deadlineHours == nil {
		return 0, false, nil
	}
	return *s.deadlineHours, true, nil
}

func (s *state) SetCancellationDeadlineHours(_ context.Context, hours int) error {
	s.deadlineHours = &hours
	return nil
}

// Plans

func (s *state) GetPlan(_ context.Context, id string) (*credits.Plan, error) {
	p, ok := s.plans[id]
	if !ok {
		return nil, booking.ErrPlanNotFound
	}
	return &p, nil
}

func (s *state) ListPlans(context.Context) ([]credits.Plan, error) {
	out := make([]credits.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) SavePlan(_ context.Context, p credits.Plan) error {
	s.plans[p.ID] = p
	return nil
}

func remove(ids []booking.StudentID, id booking.StudentID) []booking.StudentID {
	out := make([]booking.StudentID, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
