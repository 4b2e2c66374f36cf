/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the store with realistic data
  for demos. All dates are relative to the engine clock, so a scenario
  always shows upcoming classes.

AVAILABLE SCENARIOS:
  studio-demo:   Plans, two pack students, two classes (Ana is not enrolled in beach tennis)
  late-cancel:   Booking three hours before class, to show the confirmation flow
  subscription:  Legacy subscription students with cycle usage and extra classes
  full-class:    Full class plus a batch about to expire (reminder job)

HOW SCENARIOS WORK:
  1. Reset the store
  2. Build plans, students and sessions in memory, bookings on both sides
  3. Save everything in one WithTx

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "studio-demo"}

NOTE:
  Scenarios reset the store. Only use in development/demo environments.
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/studio-booking/billing"
	"github.com/warp/studio-booking/booking"
	"github.com/warp/studio-booking/credits"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "studio-demo",
		Name:        "Studio Demo",
		Description: "Class-pack plans, a limited and an unlimited student, two upcoming classes",
	},
	{
		ID:          "late-cancel",
		Name:        "Late Cancellation",
		Description: "A booking three hours before class: cancelling asks for confirmation and forfeits the credit",
	},
	{
		ID:          "subscription",
		Name:        "Subscription Cycle",
		Description: "Monthly allowance with extra classes, a late cancellation counted as usage, and a class outside the cycle",
	},
	{
		ID:          "full-class",
		Name:        "Full Class",
		Description: "A class at capacity and a student whose credits expire in two days",
	},
}

var scenarioLoaders = map[string]func(now time.Time, policy credits.ExpiryPolicy) seed{
	"studio-demo":  studioDemoSeed,
	"late-cancel":  lateCancelSeed,
	"subscription": subscriptionSeed,
	"full-class":   fullClassSeed,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	loader, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", "unknown_scenario", req.ScenarioID)
		return
	}

	ctx := r.Context()
	if err := h.reset(ctx); err != nil {
		h.fail(w, "Failed to reset store", err)
		return
	}

	policy := h.Engine.ExpiryPolicy
	if policy == nil {
		policy = credits.DefaultExpiryPolicy()
	}
	s := loader(h.now().UTC(), policy)
	if err := s.save(ctx, h.store()); err != nil {
		h.fail(w, "Failed to load scenario", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	h.Logger.Info("scenario loaded",
		zap.String("scenario", req.ScenarioID),
		zap.Int("students", len(s.students)),
		zap.Int("sessions", len(s.sessions)))

	writeJSON(w, http.StatusOK, map[string]any{
		"scenario_id": req.ScenarioID,
		"students":    len(s.students),
		"sessions":    len(s.sessions),
		"plans":       len(s.plans),
	})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.reset(r.Context()); err != nil {
		h.fail(w, "Failed to reset store", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) reset(ctx context.Context) error {
	rs, ok := h.store().(Resetter)
	if !ok {
		return fmt.Errorf("store %T cannot be reset", h.store())
	}
	if err := rs.Reset(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	return nil
}

// =============================================================================
// SEED BUILDING
// =============================================================================

type seed struct {
	plans    []credits.Plan
	students []booking.Student
	sessions []booking.Session
}

// book records a check-in on both sides of the relationship.
func (s *seed) book(student, session int) {
	s.students[student].Booked = append(s.students[student].Booked, s.sessions[session].ID)
	s.sessions[session].CheckedIn = append(s.sessions[session].CheckedIn, s.students[student].ID)
}

func (s *seed) lateCancel(student, session int) {
	s.sessions[session].LateCancellations = append(s.sessions[session].LateCancellations, s.students[student].ID)
}

func (s seed) save(ctx context.Context, store booking.TxStore) error {
	return store.WithTx(ctx, func(tx booking.Store) error {
		for _, p := range s.plans {
			if err := tx.SavePlan(ctx, p); err != nil {
				return err
			}
		}
		for _, sess := range s.sessions {
			if err := tx.SaveSession(ctx, sess); err != nil {
				return err
			}
		}
		for _, st := range s.students {
			if err := tx.SaveStudent(ctx, st); err != nil {
				return err
			}
		}
		return nil
	})
}

// at returns the given hour on the day offset by days from now.
func at(now time.Time, days, hour int) time.Time {
	return credits.StartOfDay(now).AddDate(0, 0, days).Add(time.Duration(hour) * time.Hour)
}

func packBatch(planID string, purchased time.Time, total, remaining int, policy credits.ExpiryPolicy) credits.Batch {
	return credits.Batch{
		ID:           credits.BatchID(uuid.NewString()),
		PlanID:       planID,
		PurchaseDate: credits.StartOfDay(purchased),
		Purchased:    total,
		Remaining:    remaining,
		ExpiryDate:   policy.ExpiryFor(nil, purchased),
	}
}

func unlimitedBatch(planID string, purchased time.Time, policy credits.ExpiryPolicy) credits.Batch {
	b := packBatch(planID, purchased, 0, 0, policy)
	b.Unlimited = true
	return b
}

func demoPlans() []credits.Plan {
	return []credits.Plan{
		{ID: "plan1", Name: "Bronze 8 Classes", Credits: 8, Price: decimal.NewFromInt(100)},
		{ID: "plan2", Name: "Bronze 12 Classes", Credits: 12, Price: decimal.NewFromInt(140)},
		{ID: "plan3", Name: "Open Unlimited", Unlimited: true, Price: decimal.NewFromInt(200)},
	}
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func studioDemoSeed(now time.Time, policy credits.ExpiryPolicy) seed {
	s := seed{
		plans: demoPlans(),
		students: []booking.Student{
			{
				ID: "ana", Name: "Ana Julia", Email: "ana@example.com", Model: booking.ModelPack, CreatedAt: now,
				Modalities: []string{"footvolley"},
				Categories: []string{"bronze"},
				Ledger:     credits.Ledger{packBatch("plan1", now.AddDate(0, 0, -2), 8, 6, policy)},
			},
			{
				ID: "bruno", Name: "Bruno Costa", Email: "bruno@example.com", Model: booking.ModelPack, CreatedAt: now,
				Modalities: []string{"footvolley", "beach-tennis"},
				Categories: []string{"open"},
				Ledger:     credits.Ledger{unlimitedBatch("plan3", now.AddDate(0, 0, -1), policy)},
			},
		},
		sessions: []booking.Session{
			{
				ID: "class-1", TeacherID: "alex", Modality: "footvolley", Categories: []string{"open", "bronze"},
				StartsAt: at(now, 1, 18), MaxCapacity: 10,
			},
			{
				ID: "class-2", TeacherID: "bia", Modality: "beach-tennis", Categories: []string{"bronze", "open"},
				StartsAt: at(now, 2, 19), MaxCapacity: 8,
			},
		},
	}
	s.book(1, 0)
	return s
}

func lateCancelSeed(now time.Time, policy credits.ExpiryPolicy) seed {
	s := seed{
		plans: demoPlans(),
		students: []booking.Student{
			{
				ID: "carla", Name: "Carla Dias", Email: "carla@example.com", Model: booking.ModelPack, CreatedAt: now,
				// Five credits: two past classes and the upcoming booking are paid.
				Ledger: credits.Ledger{packBatch("", now.AddDate(0, 0, -10), 5, 2, policy)},
			},
		},
		sessions: []booking.Session{
			{ID: "past-1", TeacherID: "alex", StartsAt: at(now, -3, 18), MaxCapacity: 10},
			{ID: "past-2", TeacherID: "alex", StartsAt: at(now, -1, 18), MaxCapacity: 10},
			{ID: "soon", TeacherID: "bia", StartsAt: now.Add(3 * time.Hour).Truncate(time.Minute), MaxCapacity: 10},
			{ID: "later", TeacherID: "bia", StartsAt: at(now, 3, 19), MaxCapacity: 10},
		},
	}
	s.book(0, 0)
	s.book(0, 1)
	s.book(0, 2)
	return s
}

func subscriptionSeed(now time.Time, _ credits.ExpiryPolicy) seed {
	// Cycle started ten days ago.
	dueDay := now.AddDate(0, 0, -10).Day()

	s := seed{
		students: []booking.Student{
			{
				ID: "diego", Name: "Diego Lima", Email: "diego@example.com", Model: booking.ModelSubscription, CreatedAt: now,
				Subscription: billing.Subscription{
					DueDay: dueDay, PlanName: "4 classes / month", PlanTotal: 4,
					ExtraGrants: []billing.Grant{{ID: uuid.NewString(), GrantedAt: now.AddDate(0, 0, -1), Count: 1}},
				},
			},
			{
				ID: "elena", Name: "Elena Souza", Email: "elena@example.com", Model: booking.ModelSubscription, CreatedAt: now,
				Subscription: billing.Subscription{DueDay: dueDay, PlanName: "Unlimited", Unlimited: true},
			},
		},
		sessions: []booking.Session{
			{ID: "attended", TeacherID: "alex", StartsAt: at(now, -5, 18), MaxCapacity: 10},
			{ID: "late-cancelled", TeacherID: "alex", StartsAt: at(now, -3, 18), MaxCapacity: 10},
			{ID: "tomorrow", TeacherID: "bia", StartsAt: at(now, 1, 19), MaxCapacity: 10},
			{ID: "in-two-days", TeacherID: "bia", StartsAt: at(now, 2, 19), MaxCapacity: 10},
			{ID: "next-cycle", TeacherID: "bia", StartsAt: at(now, 40, 19), MaxCapacity: 10},
		},
	}
	s.book(0, 0)
	s.lateCancel(0, 1)
	s.book(0, 2)
	s.book(1, 2)
	return s
}

func fullClassSeed(now time.Time, policy credits.ExpiryPolicy) seed {
	expiring := packBatch("plan1", now.AddDate(0, 0, -30), 8, 3, policy)
	expiring.ExpiryDate = credits.StartOfDay(now).AddDate(0, 0, 2)

	s := seed{
		plans: demoPlans(),
		students: []booking.Student{
			{
				ID: "fabio", Name: "Fabio Rocha", Email: "fabio@example.com", Model: booking.ModelPack, CreatedAt: now,
				Ledger: credits.Ledger{packBatch("plan2", now.AddDate(0, 0, -5), 12, 11, policy)},
			},
			{
				ID: "gabi", Name: "Gabi Nunes", Email: "gabi@example.com", Model: booking.ModelPack, CreatedAt: now,
				Ledger: credits.Ledger{packBatch("plan1", now.AddDate(0, 0, -5), 8, 7, policy)},
			},
			{
				ID: "hugo", Name: "Hugo Alves", Email: "hugo@example.com", Model: booking.ModelPack, CreatedAt: now,
				Ledger: credits.Ledger{expiring},
			},
		},
		sessions: []booking.Session{
			{ID: "small-group", TeacherID: "alex", StartsAt: at(now, 1, 7), MaxCapacity: 2},
			{ID: "open-group", TeacherID: "alex", StartsAt: at(now, 1, 8), MaxCapacity: 12},
		},
	}
	s.book(0, 0)
	s.book(1, 0)
	return s
}
