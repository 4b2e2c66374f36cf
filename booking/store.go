/*
store.go - Persistence boundaries used by the engine

KEY INTERFACES:
  Catalog:   class sessions (read, roster membership, delete)
  Directory: students (read, ledger, booked set, subscription)
  Settings:  admin-tunable values
  Plans:     purchasable packs
  Store:     all of the above plus admin CRUD
  TxStore:   Store + WithTx for atomic multi-entity writes

ATOMICITY:
  The engine performs every precondition check AND every mutation of one
  operation inside a single WithTx call. Implementations must make the whole
  callback commit or roll back as a unit and must serialize concurrent
  transactions (or detect conflicts), so a capacity or credit check can never
  be invalidated before the write that depends on it.

IMPLEMENTATIONS:
  - booking/store/memory.go: In-memory, snapshot + rollback
  - store/sqlite/sqlite.go:  SQLite
*/
package booking

import (
	"context"
	"time"

	"github.com/warp/studio-booking/billing"
	"github.com/warp/studio-booking/credits"
)

// RosterOp is a roster mutation.
type RosterOp int

const (
	// RosterAdd puts the student on the roster.
	RosterAdd RosterOp = iota
	// RosterRemove takes the student off the roster.
	RosterRemove
	// RosterLateCancel takes the student off the roster and records a late cancellation.
	RosterLateCancel
)

func (op RosterOp) String() string {
	switch op {
	case RosterAdd:
		return "add"
	case RosterRemove:
		return "remove"
	case RosterLateCancel:
		return "late_cancel"
	default:
		return "unknown"
	}
}

// Catalog is the class-session boundary.
type Catalog interface {
	// GetSession returns ErrSessionNotFound for unknown ids.
	GetSession(ctx context.Context, id SessionID) (*Session, error)

	// ListSessionsInRange returns sessions starting in [from, to], ordered by start.
	ListSessionsInRange(ctx context.Context, from, to time.Time) ([]Session, error)

	UpdateRoster(ctx context.Context, id SessionID, op RosterOp, studentID StudentID) error

	// SaveSession creates or replaces a session (teacher/admin CRUD).
	SaveSession(ctx context.Context, s Session) error

	DeleteSession(ctx context.Context, id SessionID) error
}

// Directory is the student boundary.
type Directory interface {
	// GetStudent returns ErrStudentNotFound for unknown ids.
	GetStudent(ctx context.Context, id StudentID) (*Student, error)

	ListStudents(ctx context.Context) ([]Student, error)

	// StudentsBookedIn returns every student whose booked set contains the session.
	StudentsBookedIn(ctx context.Context, id SessionID) ([]Student, error)

	// SaveStudent creates or replaces a student profile.
	SaveStudent(ctx context.Context, s Student) error

	UpdateCreditLedger(ctx context.Context, id StudentID, ledger credits.Ledger) error
	UpdateBookedSet(ctx context.Context, id StudentID, booked []SessionID) error

	// SetCharge records which batch paid for a booking. An empty batch id
	// clears the record.
	SetCharge(ctx context.Context, id StudentID, sessionID SessionID, batch credits.BatchID) error
	UpdateSubscription(ctx context.Context, id StudentID, sub billing.Subscription) error
}

// Settings holds admin-tunable values.
type Settings interface {
	// CancellationDeadlineHours returns ok=false when no override was stored.
	CancellationDeadlineHours(ctx context.Context) (hours int, ok bool, err error)
	SetCancellationDeadlineHours(ctx context.Context, hours int) error
}

// Plans is the class-pack catalog.
type Plans interface {
	// GetPlan returns ErrPlanNotFound for unknown ids.
	GetPlan(ctx context.Context, id string) (*credits.Plan, error)
	ListPlans(ctx context.Context) ([]credits.Plan, error)
	SavePlan(ctx context.Context, p credits.Plan) error
}

// Store bundles every boundary.
type Store interface {
	Catalog
	Directory
	Settings
	Plans
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
