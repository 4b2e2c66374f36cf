/*
handlers.go - HTTP API handlers for the class booking system

PURPOSE:
  Exposes the booking engine via REST API. Handles HTTP request/response,
  JSON serialization, validation, and delegates to booking.Engine.

ENDPOINTS:
  Students:
    GET    /api/students                      List all students
    POST   /api/students                      Create student (pack or subscription)
    GET    /api/students/{id}                 Get student details
    GET    /api/students/{id}/availability    Credits view
    GET    /api/students/{id}/history         Past attended sessions
    POST   /api/students/{id}/batches         Admin credit grant
    DELETE /api/students/{id}/batches/{bid}   Admin batch delete
    POST   /api/students/{id}/purchases       Buy a plan
    POST   /api/students/{id}/extra-grants    Subscription extra classes

  Sessions:
    GET    /api/sessions?from=&to=            List in range (RFC3339)
    POST   /api/sessions                      Create session
    GET    /api/sessions/{id}                 Session with roster
    DELETE /api/sessions/{id}                 Cascading delete
    POST   /api/sessions/{id}/checkins        Check in
    POST   /api/sessions/{id}/cancellations   Cancel

  Plans / Admin:
    GET    /api/plans, POST /api/plans
    GET    /api/admin/settings, PUT /api/admin/settings
    POST   /api/admin/expiry-reminders        Run the reminder job now

ERROR HANDLING:
  Errors are returned as {"error", "code", "details"}:
  - 400: validation errors, invalid input, wrong credit model
  - 404: student / session / batch / plan not found
  - 409: booking rejection (code is the rejection), duplicate id
  - 202: late cancellation needs confirmation (not an error body)
  - 500: store failures

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/studio-booking/billing"
	"github.com/warp/studio-booking/booking"
	"github.com/warp/studio-booking/credits"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter clears a store. Implemented by both store backends.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *booking.Engine
	Logger *zap.Logger

	// ReminderWindow is used by the manual expiry-reminder trigger.
	ReminderWindow time.Duration

	validate *validator.Validate

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler around an engine.
func NewHandler(engine *booking.Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	v := validator.New()
	// Report field errors under their JSON names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Handler{
		Engine:         engine,
		Logger:         logger.Named("api"),
		ReminderWindow: 72 * time.Hour,
		validate:       v,
	}
}

func (h *Handler) store() booking.TxStore { return h.Engine.Store }

func (h *Handler) now() time.Time {
	if h.Engine.Now != nil {
		return h.Engine.Now()
	}
	return time.Now()
}

// =============================================================================
// STUDENT HANDLERS
// =============================================================================

// ListStudents returns all students.
func (h *Handler) ListStudents(w http.ResponseWriter, r *http.Request) {
	students, err := h.store().ListStudents(r.Context())
	if err != nil {
		h.fail(w, "Failed to list students", err)
		return
	}

	dtos := make([]StudentDTO, len(students))
	for i, s := range students {
		dtos[i] = toStudentDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetStudent returns a single student.
func (h *Handler) GetStudent(w http.ResponseWriter, r *http.Request) {
	st, err := h.store().GetStudent(r.Context(), studentParam(r))
	if err != nil {
		h.fail(w, "Failed to get student", err)
		return
	}
	writeJSON(w, http.StatusOK, toStudentDTO(*st))
}

// CreateStudent creates a new student.
// POST /api/students
func (h *Handler) CreateStudent(w http.ResponseWriter, r *http.Request) {
	var req CreateStudentRequest
	if !h.decode(w, r, &req) {
		return
	}

	st := booking.Student{
		ID:         booking.StudentID(req.ID),
		Name:       req.Name,
		Email:      req.Email,
		Model:      booking.CreditModel(req.Model),
		CreatedAt:  h.now(),
		Modalities: req.Modalities,
		Categories: req.Categories,
	}
	if st.ID == "" {
		st.ID = booking.StudentID(uuid.NewString())
	}

	switch st.Model {
	case booking.ModelSubscription:
		if req.Subscription == nil {
			writeError(w, http.StatusBadRequest, "Subscription students need a subscription block", "validation_failed",
				map[string]string{"subscription": "required"})
			return
		}
		if !req.Subscription.Unlimited && req.Subscription.PlanTotal == 0 {
			writeError(w, http.StatusBadRequest, "plan_total must be positive unless the plan is unlimited", "validation_failed",
				map[string]string{"subscription.plan_total": "min"})
			return
		}
		st.Subscription = billing.Subscription{
			DueDay:    req.Subscription.DueDay,
			PlanName:  req.Subscription.PlanName,
			PlanTotal: req.Subscription.PlanTotal,
			Unlimited: req.Subscription.Unlimited,
		}
	default:
		if req.Subscription != nil {
			writeError(w, http.StatusBadRequest, "Pack students cannot carry a subscription", "validation_failed",
				map[string]string{"subscription": "excluded"})
			return
		}
	}

	ctx := r.Context()
	err := h.store().WithTx(ctx, func(tx booking.Store) error {
		if _, err := tx.GetStudent(ctx, st.ID); err == nil {
			return errDuplicate
		} else if !booking.IsNotFound(err) {
			return err
		}
		return tx.SaveStudent(ctx, st)
	})
	if err != nil {
		h.fail(w, "Failed to create student", err)
		return
	}

	writeJSON(w, http.StatusCreated, toStudentDTO(st))
}

// GetAvailability returns the student's credit balance.
// GET /api/students/{id}/availability
func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	a, err := h.Engine.Availability(r.Context(), studentParam(r))
	if err != nil {
		h.fail(w, "Failed to compute availability", err)
		return
	}
	writeJSON(w, http.StatusOK, toAvailabilityDTO(a))
}

// GetHistory returns past sessions the student attended.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.Engine.History(r.Context(), studentParam(r))
	if err != nil {
		h.fail(w, "Failed to load history", err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTOs(sessions))
}

// GrantCredits adds a batch to a pack student.
// POST /api/students/{id}/batches
func (h *Handler) GrantCredits(w http.ResponseWriter, r *http.Request) {
	var req GrantCreditsRequest
	if !h.decode(w, r, &req) {
		return
	}

	grant := booking.Grant{Quantity: req.Quantity, Bonus: req.Bonus, Unlimited: req.Unlimited}
	if req.PurchaseDate != "" {
		// Already checked by the datetime tag.
		grant.PurchaseDate, _ = time.ParseInLocation(dateLayout, req.PurchaseDate, time.UTC)
	}

	batch, err := h.Engine.GrantCredits(r.Context(), studentParam(r), grant)
	if err != nil {
		h.fail(w, "Failed to grant credits", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBatchDTO(batch))
}

// DeleteBatch removes a batch outright.
// DELETE /api/students/{id}/batches/{bid}
func (h *Handler) DeleteBatch(w http.ResponseWriter, r *http.Request) {
	batchID := credits.BatchID(chi.URLParam(r, "bid"))
	if err := h.Engine.DeleteBatch(r.Context(), studentParam(r), batchID); err != nil {
		h.fail(w, "Failed to delete batch", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PurchasePlan buys a plan from the catalog.
// POST /api/students/{id}/purchases
func (h *Handler) PurchasePlan(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if !h.decode(w, r, &req) {
		return
	}

	batch, err := h.Engine.PurchasePlan(r.Context(), studentParam(r), req.PlanID)
	if err != nil {
		h.fail(w, "Failed to purchase plan", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBatchDTO(batch))
}

// GrantExtraClasses adds extra classes for the current month.
// POST /api/students/{id}/extra-grants
func (h *Handler) GrantExtraClasses(w http.ResponseWriter, r *http.Request) {
	var req ExtraGrantRequest
	if !h.decode(w, r, &req) {
		return
	}

	grant, err := h.Engine.GrantExtraClasses(r.Context(), studentParam(r), req.Count)
	if err != nil {
		h.fail(w, "Failed to grant extra classes", err)
		return
	}
	writeJSON(w, http.StatusCreated, toGrantDTO(grant))
}

// =============================================================================
// SESSION HANDLERS
// =============================================================================

// ListSessions returns sessions starting in [from, to].
// Both bounds are optional RFC3339 timestamps.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	from, to := time.Time{}, time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &from}, {"to", &to}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s (use RFC3339)", p.name), "validation_failed",
				map[string]string{p.name: "rfc3339"})
			return
		}
		*p.dst = t
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "to must not be before from", "validation_failed", nil)
		return
	}

	sessions, err := h.store().ListSessionsInRange(r.Context(), from, to)
	if err != nil {
		h.fail(w, "Failed to list sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTOs(sessions))
}

// CreateSession schedules a class.
// POST /api/sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if !h.decode(w, r, &req) {
		return
	}

	sess := booking.Session{
		ID:          booking.SessionID(req.ID),
		TeacherID:   req.TeacherID,
		Modality:    req.Modality,
		Categories:  req.Categories,
		StartsAt:    req.StartsAt.UTC(),
		MaxCapacity: req.MaxCapacity,
	}
	if sess.ID == "" {
		sess.ID = booking.SessionID(uuid.NewString())
	}

	ctx := r.Context()
	err := h.store().WithTx(ctx, func(tx booking.Store) error {
		if _, err := tx.GetSession(ctx, sess.ID); err == nil {
			return errDuplicate
		} else if !booking.IsNotFound(err) {
			return err
		}
		return tx.SaveSession(ctx, sess)
	})
	if err != nil {
		h.fail(w, "Failed to create session", err)
		return
	}

	writeJSON(w, http.StatusCreated, toSessionDTO(sess))
}

// GetSession returns a session with its roster resolved.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	view, err := h.Engine.Roster(r.Context(), sessionParam(r))
	if err != nil {
		h.fail(w, "Failed to get session", err)
		return
	}

	students := make([]StudentSummaryDTO, len(view.Students))
	for i, s := range view.Students {
		students[i] = StudentSummaryDTO{ID: string(s.ID), Name: s.Name, Email: s.Email}
	}
	writeJSON(w, http.StatusOK, SessionDetailDTO{SessionDTO: toSessionDTO(view.Session), Students: students})
}

// DeleteSession removes a class and every booking that references it.
// DELETE /api/sessions/{id}
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.DeleteClass(r.Context(), sessionParam(r))
	if err != nil {
		h.fail(w, "Failed to delete session", err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteSessionDTO{
		SessionID: string(res.SessionID),
		Affected:  idStrings(res.Affected),
		Refunded:  idStrings(res.Refunded),
	})
}

// CheckIn books a student into a session.
// POST /api/sessions/{id}/checkins
//
// Returns 201 when booked and 409 with the rejection code otherwise.
func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	var req CheckInRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Engine.CheckIn(r.Context(), booking.StudentID(req.StudentID), sessionParam(r))
	if err != nil {
		h.fail(w, "Failed to check in", err)
		return
	}
	if !res.Booked {
		writeError(w, http.StatusConflict, res.Rejection.Message(), string(res.Rejection), toCheckInDTO(res))
		return
	}
	writeJSON(w, http.StatusCreated, toCheckInDTO(res))
}

// Cancel removes a student's check-in.
// POST /api/sessions/{id}/cancellations
//
// Inside the deadline without confirm_late the response is 202 with
// outcome confirmation_required and nothing changes.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Engine.Cancel(r.Context(), booking.StudentID(req.StudentID), sessionParam(r), req.ConfirmLate)
	if err != nil {
		h.fail(w, "Failed to cancel", err)
		return
	}

	switch res.Outcome {
	case booking.CancelRejected:
		writeError(w, http.StatusConflict, res.Rejection.Message(), string(res.Rejection), toCancelDTO(res))
	case booking.CancelConfirmationRequired:
		writeJSON(w, http.StatusAccepted, toCancelDTO(res))
	default:
		writeJSON(w, http.StatusOK, toCancelDTO(res))
	}
}

// =============================================================================
// PLAN HANDLERS
// =============================================================================

func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.store().ListPlans(r.Context())
	if err != nil {
		h.fail(w, "Failed to list plans", err)
		return
	}
	dtos := make([]PlanDTO, len(plans))
	for i, p := range plans {
		dtos[i] = toPlanDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreatePlan adds or replaces a catalog entry.
func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req CreatePlanRequest
	if !h.decode(w, r, &req) {
		return
	}

	plan := credits.Plan{
		ID:        req.ID,
		Name:      req.Name,
		Credits:   req.Credits,
		Bonus:     req.Bonus,
		Unlimited: req.Unlimited,
		Price:     req.Price,
	}
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	if err := plan.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "validation_failed", nil)
		return
	}

	if err := h.store().SavePlan(r.Context(), plan); err != nil {
		h.fail(w, "Failed to save plan", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPlanDTO(plan))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	hours, err := h.Engine.EffectiveDeadlineHours(r.Context())
	if err != nil {
		h.fail(w, "Failed to load settings", err)
		return
	}
	writeJSON(w, http.StatusOK, SettingsDTO{CancellationDeadlineHours: hours})
}

// UpdateSettings stores a new cancellation deadline.
// PUT /api/admin/settings
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req UpdateSettingsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.Engine.SetDeadlineHours(r.Context(), *req.CancellationDeadlineHours); err != nil {
		h.fail(w, "Failed to update settings", err)
		return
	}
	writeJSON(w, http.StatusOK, SettingsDTO{CancellationDeadlineHours: *req.CancellationDeadlineHours})
}

// RunExpiryReminders publishes credits.expiring events now.
// POST /api/admin/expiry-reminders
func (h *Handler) RunExpiryReminders(w http.ResponseWriter, r *http.Request) {
	n, err := h.Engine.NotifyExpiring(r.Context(), h.ReminderWindow)
	if err != nil {
		h.fail(w, "Failed to send expiry reminders", err)
		return
	}
	writeJSON(w, http.StatusOK, ReminderRunDTO{Notified: n})
}

// Health reports store reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.store().(Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable", "unavailable", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

var errDuplicate = errors.New("already exists")

func studentParam(r *http.Request) booking.StudentID {
	return booking.StudentID(chi.URLParam(r, "id"))
}

func sessionParam(r *http.Request) booking.SessionID {
	return booking.SessionID(chi.URLParam(r, "id"))
}

// decode reads a JSON body into dst and validates it.
// On failure it writes a 400 and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "invalid_body", err.Error())
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		var ve validator.ValidationErrors
		if !errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, "Invalid input", "validation_failed", nil)
			return false
		}
		fields := make(map[string]string, len(ve))
		for _, fe := range ve {
			fields[fe.Field()] = fe.Tag()
		}
		writeError(w, http.StatusBadRequest, "Validation failed", "validation_failed", fields)
		return false
	}
	return true
}

// fail maps a domain or store error to a response.
func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	switch {
	case booking.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error(), "not_found", nil)
	case errors.Is(err, booking.ErrWrongCreditModel):
		writeError(w, http.StatusBadRequest, err.Error(), "wrong_credit_model", nil)
	case booking.IsClientError(err):
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_input", nil)
	case errors.Is(err, errDuplicate):
		writeError(w, http.StatusConflict, "A record with this id already exists", "duplicate", nil)
	default:
		h.Logger.Error(message, zap.Error(err))
		writeError(w, http.StatusInternalServerError, message, "internal", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, code string, details any) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}
