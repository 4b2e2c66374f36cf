/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the booking domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags. Handlers run
  Handler.decode, which rejects unknown JSON and failed tags with 400.
  Cross-field rules (subscription block required for subscription students)
  are checked in the handler.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/studio-booking/billing"
	"github.com/warp/studio-booking/booking"
	"github.com/warp/studio-booking/credits"
)

const dateLayout = "2006-01-02"

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// STUDENTS
// =============================================================================

type CreateStudentRequest struct {
	ID           string               `json:"id" validate:"omitempty,max=64"`
	Name         string               `json:"name" validate:"required,max=200"`
	Email        string               `json:"email" validate:"omitempty,email"`
	Model        string               `json:"model" validate:"required,oneof=pack subscription"`
	Modalities   []string             `json:"modalities" validate:"dive,required"`
	Categories   []string             `json:"categories" validate:"dive,required"`
	Subscription *SubscriptionRequest `json:"subscription"`
}

type SubscriptionRequest struct {
	DueDay    int    `json:"due_day" validate:"required,min=1,max=31"`
	PlanName  string `json:"plan_name"`
	PlanTotal int    `json:"plan_total" validate:"min=0"`
	Unlimited bool   `json:"unlimited"`
}

type StudentDTO struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Email        string           `json:"email,omitempty"`
	Model        string           `json:"model"`
	Modalities   []string         `json:"modalities"`
	Categories   []string         `json:"categories"`
	Batches      []BatchDTO       `json:"batches,omitempty"`
	Subscription *SubscriptionDTO `json:"subscription,omitempty"`
	Booked       []string         `json:"booked"`
	CreatedAt    string           `json:"created_at,omitempty"`
}

type SubscriptionDTO struct {
	DueDay      int        `json:"due_day"`
	PlanName    string     `json:"plan_name,omitempty"`
	PlanTotal   int        `json:"plan_total"`
	Unlimited   bool       `json:"unlimited"`
	ExtraGrants []GrantDTO `json:"extra_grants"`
}

type GrantDTO struct {
	ID        string `json:"id"`
	GrantedAt string `json:"granted_at"`
	Count     int    `json:"count"`
}

type BatchDTO struct {
	ID           string `json:"id"`
	PlanID       string `json:"plan_id,omitempty"`
	PurchaseDate string `json:"purchase_date"`
	ExpiryDate   string `json:"expiry_date"`
	Purchased    int    `json:"purchased"`
	Remaining    int    `json:"remaining"`
	Unlimited    bool   `json:"unlimited"`
}

// BalanceDTO mirrors credits.Balance. Credits is meaningless when Unlimited.
type BalanceDTO struct {
	Credits   int    `json:"credits"`
	Unlimited bool   `json:"unlimited"`
	Display   string `json:"display"`
}

type AvailabilityDTO struct {
	StudentID      string     `json:"student_id"`
	Model          string     `json:"model"`
	Balance        BalanceDTO `json:"balance"`
	ActiveBatches  []BatchDTO `json:"active_batches,omitempty"`
	NextExpiry     string     `json:"next_expiry,omitempty"`
	CycleStart     string     `json:"cycle_start,omitempty"`
	CycleEnd       string     `json:"cycle_end,omitempty"`
	UsedThisCycle  int        `json:"used_this_cycle,omitempty"`
	ExtraThisMonth int        `json:"extra_this_month,omitempty"`
}

type GrantCreditsRequest struct {
	Quantity     int    `json:"quantity" validate:"min=0"`
	Bonus        int    `json:"bonus" validate:"min=0"`
	Unlimited    bool   `json:"unlimited"`
	PurchaseDate string `json:"purchase_date" validate:"omitempty,datetime=2006-01-02"`
}

type PurchaseRequest struct {
	PlanID string `json:"plan_id" validate:"required"`
}

type ExtraGrantRequest struct {
	Count int `json:"count" validate:"required,min=1,max=100"`
}

// =============================================================================
// SESSIONS
// =============================================================================

type CreateSessionRequest struct {
	ID          string    `json:"id" validate:"omitempty,max=64"`
	TeacherID   string    `json:"teacher_id"`
	Modality    string    `json:"modality"`
	Categories  []string  `json:"categories" validate:"dive,required"`
	StartsAt    time.Time `json:"starts_at" validate:"required"`
	MaxCapacity int       `json:"max_capacity" validate:"required,min=1"`
}

type SessionDTO struct {
	ID                string   `json:"id"`
	TeacherID         string   `json:"teacher_id,omitempty"`
	Modality          string   `json:"modality,omitempty"`
	Categories        []string `json:"categories"`
	StartsAt          string   `json:"starts_at"`
	MaxCapacity       int      `json:"max_capacity"`
	SeatsLeft         int      `json:"seats_left"`
	CheckedIn         []string `json:"checked_in"`
	LateCancellations []string `json:"late_cancellations"`
}

// SessionDetailDTO adds resolved student names to a session.
type SessionDetailDTO struct {
	SessionDTO
	Students []StudentSummaryDTO `json:"students"`
}

type StudentSummaryDTO struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type DeleteSessionDTO struct {
	SessionID string   `json:"session_id"`
	Affected  []string `json:"affected"`
	Refunded  []string `json:"refunded"`
}

type CheckInRequest struct {
	StudentID string `json:"student_id" validate:"required"`
}

type CheckInDTO struct {
	Booked    bool       `json:"booked"`
	Rejection string     `json:"rejection,omitempty"`
	BatchID   string     `json:"batch_id,omitempty"`
	Unlimited bool       `json:"unlimited"`
	Remaining BalanceDTO `json:"remaining"`
}

type CancelRequest struct {
	StudentID   string `json:"student_id" validate:"required"`
	ConfirmLate bool   `json:"confirm_late"`
}

type CancelDTO struct {
	Outcome         string  `json:"outcome"`
	Rejection       string  `json:"rejection,omitempty"`
	Refunded        bool    `json:"refunded"`
	RefundedBatch   string  `json:"refunded_batch,omitempty"`
	HoursUntilClass float64 `json:"hours_until_class"`
	DeadlineHours   int     `json:"deadline_hours"`
	Message         string  `json:"message,omitempty"`
}

// =============================================================================
// PLANS / SETTINGS / SCENARIOS
// =============================================================================

type CreatePlanRequest struct {
	ID        string          `json:"id" validate:"omitempty,max=64"`
	Name      string          `json:"name" validate:"required,max=200"`
	Credits   int             `json:"credits" validate:"min=0"`
	Bonus     int             `json:"bonus" validate:"min=0"`
	Unlimited bool            `json:"unlimited"`
	Price     decimal.Decimal `json:"price"`
}

type PlanDTO struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Credits       int             `json:"credits"`
	Bonus         int             `json:"bonus"`
	Unlimited     bool            `json:"unlimited"`
	Price         decimal.Decimal `json:"price"`
	PricePerClass decimal.Decimal `json:"price_per_class"`
}

type SettingsDTO struct {
	CancellationDeadlineHours int `json:"cancellation_deadline_hours"`
}

type UpdateSettingsRequest struct {
	CancellationDeadlineHours *int `json:"cancellation_deadline_hours" validate:"required,min=0,max=720"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

type ReminderRunDTO struct {
	Notified int `json:"notified"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toStudentDTO(s booking.Student) StudentDTO {
	dto := StudentDTO{
		ID:         string(s.ID),
		Name:       s.Name,
		Email:      s.Email,
		Model:      string(s.Model),
		Modalities: nonNil(s.Modalities),
		Categories: nonNil(s.Categories),
		Booked:     idStrings(s.Booked),
	}
	if !s.CreatedAt.IsZero() {
		dto.CreatedAt = s.CreatedAt.Format(time.RFC3339)
	}
	switch s.Model {
	case booking.ModelSubscription:
		dto.Subscription = toSubscriptionDTO(s.Subscription)
	default:
		dto.Batches = toBatchDTOs(s.Ledger)
	}
	return dto
}

func toSubscriptionDTO(sub billing.Subscription) *SubscriptionDTO {
	grants := make([]GrantDTO, len(sub.ExtraGrants))
	for i, g := range sub.ExtraGrants {
		grants[i] = toGrantDTO(g)
	}
	return &SubscriptionDTO{
		DueDay:      sub.DueDay,
		PlanName:    sub.PlanName,
		PlanTotal:   sub.PlanTotal,
		Unlimited:   sub.Unlimited,
		ExtraGrants: grants,
	}
}

func toGrantDTO(g billing.Grant) GrantDTO {
	return GrantDTO{ID: g.ID, GrantedAt: g.GrantedAt.Format(time.RFC3339), Count: g.Count}
}

func toBatchDTO(b credits.Batch) BatchDTO {
	return BatchDTO{
		ID:           string(b.ID),
		PlanID:       b.PlanID,
		PurchaseDate: b.PurchaseDate.Format(dateLayout),
		ExpiryDate:   b.ExpiryDate.Format(dateLayout),
		Purchased:    b.Purchased,
		Remaining:    b.Remaining,
		Unlimited:    b.Unlimited,
	}
}

func toBatchDTOs(batches []credits.Batch) []BatchDTO {
	out := make([]BatchDTO, len(batches))
	for i, b := range batches {
		out[i] = toBatchDTO(b)
	}
	return out
}

func toBalanceDTO(b credits.Balance) BalanceDTO {
	return BalanceDTO{Credits: b.Credits, Unlimited: b.Unlimited, Display: b.String()}
}

func toAvailabilityDTO(a booking.Availability) AvailabilityDTO {
	dto := AvailabilityDTO{
		StudentID:      string(a.StudentID),
		Model:          string(a.Model),
		Balance:        toBalanceDTO(a.Balance),
		UsedThisCycle:  a.UsedThisCycle,
		ExtraThisMonth: a.ExtraThisMonth,
	}
	if len(a.ActiveBatches) > 0 {
		dto.ActiveBatches = toBatchDTOs(a.ActiveBatches)
	}
	if a.NextExpiry != nil {
		dto.NextExpiry = a.NextExpiry.Format(dateLayout)
	}
	if a.Cycle != nil {
		dto.CycleStart = a.Cycle.Start.Format(dateLayout)
		dto.CycleEnd = a.Cycle.End.Format(dateLayout)
	}
	return dto
}

func toSessionDTO(s booking.Session) SessionDTO {
	return SessionDTO{
		ID:                string(s.ID),
		TeacherID:         s.TeacherID,
		Modality:          s.Modality,
		Categories:        nonNil(s.Categories),
		StartsAt:          s.StartsAt.Format(time.RFC3339),
		MaxCapacity:       s.MaxCapacity,
		SeatsLeft:         s.SeatsLeft(),
		CheckedIn:         idStrings(s.CheckedIn),
		LateCancellations: idStrings(s.LateCancellations),
	}
}

func toSessionDTOs(sessions []booking.Session) []SessionDTO {
	out := make([]SessionDTO, len(sessions))
	for i, s := range sessions {
		out[i] = toSessionDTO(s)
	}
	return out
}

func toCheckInDTO(r booking.CheckInResult) CheckInDTO {
	return CheckInDTO{
		Booked:    r.Booked,
		Rejection: string(r.Rejection),
		BatchID:   string(r.Batch),
		Unlimited: r.Unlimited,
		Remaining: toBalanceDTO(r.Remaining),
	}
}

func toCancelDTO(r booking.CancelResult) CancelDTO {
	dto := CancelDTO{
		Outcome:         string(r.Outcome),
		Rejection:       string(r.Rejection),
		Refunded:        r.Refunded,
		RefundedBatch:   string(r.RefundedBatch),
		HoursUntilClass: r.HoursUntilClass,
		DeadlineHours:   r.DeadlineHours,
	}
	if r.Outcome == booking.CancelConfirmationRequired {
		dto.Message = "Cancelling within the deadline forfeits the credit. Resubmit with confirm_late to proceed."
	}
	return dto
}

func toPlanDTO(p credits.Plan) PlanDTO {
	return PlanDTO{
		ID:            p.ID,
		Name:          p.Name,
		Credits:       p.Credits,
		Bonus:         p.Bonus,
		Unlimited:     p.Unlimited,
		Price:         p.Price,
		PricePerClass: p.PricePerClass(),
	}
}

func idStrings[T ~string](ids []T) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
