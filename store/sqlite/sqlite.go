/*
Package sqlite provides a SQLite-backed implementation of booking.TxStore.

PURPOSE:
  Persists students, credit batches, class sessions, rosters, plans and
  settings. Every booking operation runs inside WithTx, so the roster, the
  booked set and the ledger commit or roll back together.

INTERFACES IMPLEMENTED:
  booking.TxStore: Catalog + Directory + Settings + Plans + WithTx

KEY TABLES:
  students:           Profile, credit model, subscription fields
  credit_batches:     One row per ledger batch, ordered by position
  extra_grants:       Subscription extra classes
  booked_classes:     Student booked set
  booking_charges:    Batch that paid for each booked session
  sessions:           Class sessions
  roster:             Checked-in students per session
  late_cancellations: Late cancellations per session
  plans:              Class-pack catalog
  settings:           Admin-tunable key/value pairs

CONSTRAINTS:
  credit_batches carries CHECK (remaining BETWEEN 0 AND purchased), so a bug
  that would over-refund or over-consume fails the transaction instead of
  corrupting the ledger.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single open connection, so
  WithTx serializes writers and ":memory:" databases stay one database.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

TIMESTAMPS:
  Stored as fixed-width UTC text (timeLayout) so string comparison in
  range queries matches chronological order.

USAGE:
  store, err := sqlite.New("./data/booking.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := booking.NewEngine(store)

SEE ALSO:
  - booking/store.go: Interface definitions
  - booking/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/studio-booking/billing"
	"github.com/warp/studio-booking/booking"
	"github.com/warp/studio-booking/credits"
)

const timeLayout = "2006-01-02 15:04:05.000000000"

const settingDeadlineHours = "cancellation_deadline_hours"

// Store implements booking.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := newStore(db)
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func newStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection (used by the health endpoint).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT,
		model TEXT NOT NULL,
		modalities_json TEXT NOT NULL DEFAULT '[]',
		categories_json TEXT NOT NULL DEFAULT '[]',
		due_day INTEGER NOT NULL DEFAULT 0,
		plan_name TEXT,
		plan_total INTEGER NOT NULL DEFAULT 0,
		sub_unlimited BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS credit_batches (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		plan_id TEXT,
		purchase_date TEXT NOT NULL,
		purchased INTEGER NOT NULL,
		remaining INTEGER NOT NULL,
		unlimited BOOLEAN NOT NULL DEFAULT FALSE,
		expiry_date TEXT NOT NULL,
		CHECK (remaining >= 0 AND remaining <= purchased)
	);

	CREATE INDEX IF NOT EXISTS idx_credit_batches_student
		ON credit_batches(student_id, position);

	CREATE TABLE IF NOT EXISTS extra_grants (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
		granted_at TEXT NOT NULL,
		count INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_extra_grants_student
		ON extra_grants(student_id);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		teacher_id TEXT,
		modality TEXT,
		categories_json TEXT NOT NULL DEFAULT '[]',
		starts_at TEXT NOT NULL,
		max_capacity INTEGER NOT NULL
	);

	-- Hot path for cycle usage and calendar queries
	CREATE INDEX IF NOT EXISTS idx_sessions_starts_at
		ON sessions(starts_at);

	CREATE TABLE IF NOT EXISTS booked_classes (
		student_id TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
		session_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (student_id, session_id)
	);

	CREATE INDEX IF NOT EXISTS idx_booked_classes_session
		ON booked_classes(session_id);

	CREATE TABLE IF NOT EXISTS booking_charges (
		student_id TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
		session_id TEXT NOT NULL,
		batch_id TEXT NOT NULL,
		PRIMARY KEY (student_id, session_id)
	);

	CREATE TABLE IF NOT EXISTS roster (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		student_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (session_id, student_id)
	);

	CREATE TABLE IF NOT EXISTS late_cancellations (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		student_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (session_id, student_id)
	);

	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		credits INTEGER NOT NULL DEFAULT 0,
		bonus INTEGER NOT NULL DEFAULT 0,
		unlimited BOOLEAN NOT NULL DEFAULT FALSE,
		price TEXT NOT NULL DEFAULT '0'
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LOCKED ACCESS (booking.Store interface)
// =============================================================================

// direct returns a view on the database itself. Callers hold s.mu.
func (s *Store) direct() *view { return &view{q: s.db} }

func (s *Store) GetSession(ctx context.Context, id booking.SessionID) (*booking.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().GetSession(ctx, id)
}

func (s *Store) ListSessionsInRange(ctx context.Context, from, to time.Time) ([]booking.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().ListSessionsInRange(ctx, from, to)
}

func (s *Store) UpdateRoster(ctx context.Context, id booking.SessionID, op booking.RosterOp, studentID booking.StudentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().UpdateRoster(ctx, id, op, studentID)
}

func (s *Store) SaveSession(ctx context.Context, sess booking.Session) error {
	return s.WithTx(ctx, func(tx booking.Store) error { return tx.SaveSession(ctx, sess) })
}

func (s *Store) DeleteSession(ctx context.Context, id booking.SessionID) error {
	return s.WithTx(ctx, func(tx booking.Store) error { return tx.DeleteSession(ctx, id) })
}

func (s *Store) GetStudent(ctx context.Context, id booking.StudentID) (*booking.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().GetStudent(ctx, id)
}

func (s *Store) ListStudents(ctx context.Context) ([]booking.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().ListStudents(ctx)
}

func (s *Store) StudentsBookedIn(ctx context.Context, id booking.SessionID) ([]booking.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().StudentsBookedIn(ctx, id)
}

func (s *Store) SaveStudent(ctx context.Context, st booking.Student) error {
	return s.WithTx(ctx, func(tx booking.Store) error { return tx.SaveStudent(ctx, st) })
}

func (s *Store) UpdateCreditLedger(ctx context.Context, id booking.StudentID, ledger credits.Ledger) error {
	return s.WithTx(ctx, func(tx booking.Store) error { return tx.UpdateCreditLedger(ctx, id, ledger) })
}

func (s *Store) UpdateBookedSet(ctx context.Context, id booking.StudentID, booked []booking.SessionID) error {
	return s.WithTx(ctx, func(tx booking.Store) error { return tx.UpdateBookedSet(ctx, id, booked) })
}

func (s *Store) SetCharge(ctx context.Context, id booking.StudentID, sessionID booking.SessionID, batch credits.BatchID) error {
	return s.WithTx(ctx, func(tx booking.Store) error { return tx.SetCharge(ctx, id, sessionID, batch) })
}

func (s *Store) UpdateSubscription(ctx context.Context, id booking.StudentID, sub billing.Subscription) error {
	return s.WithTx(ctx, func(tx booking.Store) error { return tx.UpdateSubscription(ctx, id, sub) })
}

func (s *Store) CancellationDeadlineHours(ctx context.Context) (int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().CancellationDeadlineHours(ctx)
}

func (s *Store) SetCancellationDeadlineHours(ctx context.Context, hours int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().SetCancellationDeadlineHours(ctx, hours)
}

func (s *Store) GetPlan(ctx context.Context, id string) (*credits.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().GetPlan(ctx, id)
}

func (s *Store) ListPlans(ctx context.Context) ([]credits.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().ListPlans(ctx)
}

func (s *Store) SavePlan(ctx context.Context, p credits.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().SavePlan(ctx, p)
}

// =============================================================================
// TRANSACTIONAL STORE (booking.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store booking.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&view{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"late_cancellations", "roster", "booked_classes", "booking_charges", "extra_grants",
		"credit_batches", "sessions", "students", "plans", "settings",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// VIEW - Queries against either the database or an open transaction
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type view struct {
	q querier
}

// Sessions

func (v *view) GetSession(ctx context.Context, id booking.SessionID) (*booking.Session, error) {
	var (
		sess       booking.Session
		teacherID  sql.NullString
		modality   sql.NullString
		categories string
		startsAt   string
	)
	err := v.q.QueryRowContext(ctx,
		"SELECT id, teacher_id, modality, categories_json, starts_at, max_capacity FROM sessions WHERE id = ?",
		id,
	).Scan(&sess.ID, &teacherID, &modality, &categories, &startsAt, &sess.MaxCapacity)

	if err == sql.ErrNoRows {
		return nil, booking.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	sess.TeacherID = teacherID.String
	sess.Modality = modality.String
	if sess.StartsAt, err = parseTime(startsAt); err != nil {
		return nil, fmt.Errorf("failed to decode session %s start: %w", sess.ID, err)
	}
	if err := json.Unmarshal([]byte(categories), &sess.Categories); err != nil {
		return nil, fmt.Errorf("failed to decode session categories: %w", err)
	}
	if err := v.loadRoster(ctx, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (v *view) loadRoster(ctx context.Context, sess *booking.Session) error {
	var err error
	sess.CheckedIn, err = queryIDs[booking.StudentID](ctx, v.q,
		"SELECT student_id FROM roster WHERE session_id = ? ORDER BY position", sess.ID)
	if err != nil {
		return fmt.Errorf("failed to load roster: %w", err)
	}
	sess.LateCancellations, err = queryIDs[booking.StudentID](ctx, v.q,
		"SELECT student_id FROM late_cancellations WHERE session_id = ? ORDER BY position", sess.ID)
	if err != nil {
		return fmt.Errorf("failed to load late cancellations: %w", err)
	}
	return nil
}

func (v *view) ListSessionsInRange(ctx context.Context, from, to time.Time) ([]booking.Session, error) {
	ids, err := queryIDs[booking.SessionID](ctx, v.q,
		"SELECT id FROM sessions WHERE starts_at >= ? AND starts_at <= ? ORDER BY starts_at, id",
		formatTime(from), formatTime(to))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	sessions := make([]booking.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := v.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, nil
}

func (v *view) UpdateRoster(ctx context.Context, id booking.SessionID, op booking.RosterOp, studentID booking.StudentID) error {
	if err := v.sessionExists(ctx, id); err != nil {
		return err
	}

	switch op {
	case booking.RosterAdd:
		return v.appendMember(ctx, "roster", id, studentID)
	case booking.RosterRemove:
		_, err := v.q.ExecContext(ctx, "DELETE FROM roster WHERE session_id = ? AND student_id = ?", id, studentID)
		return err
	case booking.RosterLateCancel:
		if _, err := v.q.ExecContext(ctx, "DELETE FROM roster WHERE session_id = ? AND student_id = ?", id, studentID); err != nil {
			return err
		}
		return v.appendMember(ctx, "late_cancellations", id, studentID)
	default:
		return fmt.Errorf("unknown roster op %d", op)
	}
}

// appendMember inserts at the end of a roster-like table. table is never user input.
func (v *view) appendMember(ctx context.Context, table string, id booking.SessionID, studentID booking.StudentID) error {
	query := `
		INSERT OR IGNORE INTO ` + table + ` (session_id, student_id, position)
		VALUES (?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM ` + table + ` WHERE session_id = ?))
	`
	_, err := v.q.ExecContext(ctx, query, id, studentID, id)
	return err
}

func (v *view) sessionExists(ctx context.Context, id booking.SessionID) error {
	var one int
	err := v.q.QueryRowContext(ctx, "SELECT 1 FROM sessions WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return booking.ErrSessionNotFound
	}
	return err
}

func (v *view) SaveSession(ctx context.Context, sess booking.Session) error {
	categories, err := marshalList(sess.Categories)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sessions (id, teacher_id, modality, categories_json, starts_at, max_capacity)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			teacher_id = excluded.teacher_id,
			modality = excluded.modality,
			categories_json = excluded.categories_json,
			starts_at = excluded.starts_at,
			max_capacity = excluded.max_capacity
	`
	if _, err := v.q.ExecContext(ctx, query,
		sess.ID, nullString(sess.TeacherID), nullString(sess.Modality),
		categories, formatTime(sess.StartsAt), sess.MaxCapacity,
	); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	for table, members := range map[string][]booking.StudentID{
		"roster":             sess.CheckedIn,
		"late_cancellations": sess.LateCancellations,
	} {
		if _, err := v.q.ExecContext(ctx, "DELETE FROM "+table+" WHERE session_id = ?", sess.ID); err != nil {
			return err
		}
		for _, m := range members {
			if err := v.appendMember(ctx, table, sess.ID, m); err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *view) DeleteSession(ctx context.Context, id booking.SessionID) error {
	res, err := v.q.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return booking.ErrSessionNotFound
	}
	_, err = v.q.ExecContext(ctx, "DELETE FROM booked_classes WHERE session_id = ?", id)
	return err
}

// Students

func (v *view) GetStudent(ctx context.Context, id booking.StudentID) (*booking.Student, error) {
	var (
		st         booking.Student
		email      sql.NullString
		model      string
		modalities string
		categories string
		planName   sql.NullString
		createdAt  string
	)
	err := v.q.QueryRowContext(ctx, `
		SELECT id, name, email, model, modalities_json, categories_json,
		       due_day, plan_name, plan_total, sub_unlimited, created_at
		FROM students WHERE id = ?`,
		id,
	).Scan(&st.ID, &st.Name, &email, &model, &modalities, &categories,
		&st.Subscription.DueDay, &planName, &st.Subscription.PlanTotal, &st.Subscription.Unlimited, &createdAt)

	if err == sql.ErrNoRows {
		return nil, booking.ErrStudentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load student: %w", err)
	}

	st.Email = email.String
	st.Model = booking.CreditModel(model)
	st.Subscription.PlanName = planName.String
	if st.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to decode student %s: %w", st.ID, err)
	}
	if err := json.Unmarshal([]byte(modalities), &st.Modalities); err != nil {
		return nil, fmt.Errorf("failed to decode modalities: %w", err)
	}
	if err := json.Unmarshal([]byte(categories), &st.Categories); err != nil {
		return nil, fmt.Errorf("failed to decode categories: %w", err)
	}

	if st.Ledger, err = v.loadLedger(ctx, st.ID); err != nil {
		return nil, err
	}
	if st.Subscription.ExtraGrants, err = v.loadGrants(ctx, st.ID); err != nil {
		return nil, err
	}
	if st.Booked, err = queryIDs[booking.SessionID](ctx, v.q,
		"SELECT session_id FROM booked_classes WHERE student_id = ? ORDER BY position", st.ID); err != nil {
		return nil, fmt.Errorf("failed to load booked classes: %w", err)
	}
	if st.Charges, err = v.loadCharges(ctx, st.ID); err != nil {
		return nil, err
	}
	return &st, nil
}

func (v *view) loadCharges(ctx context.Context, id booking.StudentID) (map[booking.SessionID]credits.BatchID, error) {
	rows, err := v.q.QueryContext(ctx,
		"SELECT session_id, batch_id FROM booking_charges WHERE student_id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to load booking charges: %w", err)
	}
	defer rows.Close()

	var charges map[booking.SessionID]credits.BatchID
	for rows.Next() {
		var (
			sessionID booking.SessionID
			batchID   credits.BatchID
		)
		if err := rows.Scan(&sessionID, &batchID); err != nil {
			return nil, err
		}
		if charges == nil {
			charges = make(map[booking.SessionID]credits.BatchID)
		}
		charges[sessionID] = batchID
	}
	return charges, rows.Err()
}

func (v *view) loadLedger(ctx context.Context, id booking.StudentID) (credits.Ledger, error) {
	rows, err := v.q.QueryContext(ctx, `
		SELECT id, plan_id, purchase_date, purchased, remaining, unlimited, expiry_date
		FROM credit_batches WHERE student_id = ? ORDER BY position`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	defer rows.Close()

	var ledger credits.Ledger
	for rows.Next() {
		var (
			b                    credits.Batch
			planID               sql.NullString
			purchaseDate, expiry string
		)
		if err := rows.Scan(&b.ID, &planID, &purchaseDate, &b.Purchased, &b.Remaining, &b.Unlimited, &expiry); err != nil {
			return nil, err
		}
		b.PlanID = planID.String
		if b.PurchaseDate, err = parseTime(purchaseDate); err != nil {
			return nil, fmt.Errorf("failed to decode batch %s: %w", b.ID, err)
		}
		if b.ExpiryDate, err = parseTime(expiry); err != nil {
			return nil, fmt.Errorf("failed to decode batch %s: %w", b.ID, err)
		}
		ledger = append(ledger, b)
	}
	return ledger, rows.Err()
}

func (v *view) loadGrants(ctx context.Context, id booking.StudentID) ([]billing.Grant, error) {
	rows, err := v.q.QueryContext(ctx,
		"SELECT id, granted_at, count FROM extra_grants WHERE student_id = ? ORDER BY granted_at, id", id)
	if err != nil {
		return nil, fmt.Errorf("failed to load extra grants: %w", err)
	}
	defer rows.Close()

	var grants []billing.Grant
	for rows.Next() {
		var (
			g         billing.Grant
			grantedAt string
		)
		if err := rows.Scan(&g.ID, &grantedAt, &g.Count); err != nil {
			return nil, err
		}
		if g.GrantedAt, err = parseTime(grantedAt); err != nil {
			return nil, fmt.Errorf("failed to decode extra grant %s: %w", g.ID, err)
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func (v *view) ListStudents(ctx context.Context) ([]booking.Student, error) {
	ids, err := queryIDs[booking.StudentID](ctx, v.q, "SELECT id FROM students ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list students: %w", err)
	}
	return v.loadStudents(ctx, ids)
}

func (v *view) StudentsBookedIn(ctx context.Context, id booking.SessionID) ([]booking.Student, error) {
	ids, err := queryIDs[booking.StudentID](ctx, v.q,
		"SELECT student_id FROM booked_classes WHERE session_id = ? ORDER BY student_id", id)
	if err != nil {
		return nil, fmt.Errorf("failed to list booked students: %w", err)
	}
	return v.loadStudents(ctx, ids)
}

func (v *view) loadStudents(ctx context.Context, ids []booking.StudentID) ([]booking.Student, error) {
	students := make([]booking.Student, 0, len(ids))
	for _, id := range ids {
		st, err := v.GetStudent(ctx, id)
		if err != nil {
			return nil, err
		}
		students = append(students, *st)
	}
	return students, nil
}

func (v *view) SaveStudent(ctx context.Context, st booking.Student) error {
	modalities, err := marshalList(st.Modalities)
	if err != nil {
		return err
	}
	categories, err := marshalList(st.Categories)
	if err != nil {
		return err
	}
	createdAt := st.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO students (id, name, email, model, modalities_json, categories_json,
		                      due_day, plan_name, plan_total, sub_unlimited, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			model = excluded.model,
			modalities_json = excluded.modalities_json,
			categories_json = excluded.categories_json,
			due_day = excluded.due_day,
			plan_name = excluded.plan_name,
			plan_total = excluded.plan_total,
			sub_unlimited = excluded.sub_unlimited
	`
	if _, err := v.q.ExecContext(ctx, query,
		st.ID, st.Name, nullString(st.Email), string(st.Model), modalities, categories,
		st.Subscription.DueDay, nullString(st.Subscription.PlanName), st.Subscription.PlanTotal,
		st.Subscription.Unlimited, formatTime(createdAt),
	); err != nil {
		return fmt.Errorf("failed to save student: %w", err)
	}

	if err := v.writeLedger(ctx, st.ID, st.Ledger); err != nil {
		return err
	}
	if err := v.writeGrants(ctx, st.ID, st.Subscription.ExtraGrants); err != nil {
		return err
	}
	if err := v.writeBooked(ctx, st.ID, st.Booked); err != nil {
		return err
	}
	if _, err := v.q.ExecContext(ctx, "DELETE FROM booking_charges WHERE student_id = ?", st.ID); err != nil {
		return fmt.Errorf("failed to clear booking charges: %w", err)
	}
	for sessionID, batch := range st.Charges {
		if err := v.SetCharge(ctx, st.ID, sessionID, batch); err != nil {
			return err
		}
	}
	return nil
}

func (v *view) studentExists(ctx context.Context, id booking.StudentID) error {
	var one int
	err := v.q.QueryRowContext(ctx, "SELECT 1 FROM students WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return booking.ErrStudentNotFound
	}
	return err
}

func (v *view) UpdateCreditLedger(ctx context.Context, id booking.StudentID, ledger credits.Ledger) error {
	if err := v.studentExists(ctx, id); err != nil {
		return err
	}
	return v.writeLedger(ctx, id, ledger)
}

func (v *view) writeLedger(ctx context.Context, id booking.StudentID, ledger credits.Ledger) error {
	if _, err := v.q.ExecContext(ctx, "DELETE FROM credit_batches WHERE student_id = ?", id); err != nil {
		return fmt.Errorf("failed to clear ledger: %w", err)
	}
	query := `
		INSERT INTO credit_batches
		(id, student_id, position, plan_id, purchase_date, purchased, remaining, unlimited, expiry_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for i, b := range ledger {
		if _, err := v.q.ExecContext(ctx, query,
			b.ID, id, i, nullString(b.PlanID), formatTime(b.PurchaseDate),
			b.Purchased, b.Remaining, b.Unlimited, formatTime(b.ExpiryDate),
		); err != nil {
			return fmt.Errorf("failed to write batch %s: %w", b.ID, err)
		}
	}
	return nil
}

func (v *view) UpdateBookedSet(ctx context.Context, id booking.StudentID, booked []booking.SessionID) error {
	if err := v.studentExists(ctx, id); err != nil {
		return err
	}
	return v.writeBooked(ctx, id, booked)
}

func (v *view) writeBooked(ctx context.Context, id booking.StudentID, booked []booking.SessionID) error {
	if _, err := v.q.ExecContext(ctx, "DELETE FROM booked_classes WHERE student_id = ?", id); err != nil {
		return fmt.Errorf("failed to clear booked classes: %w", err)
	}
	for i, sessionID := range booked {
		if _, err := v.q.ExecContext(ctx,
			"INSERT OR IGNORE INTO booked_classes (student_id, session_id, position) VALUES (?, ?, ?)",
			id, sessionID, i,
		); err != nil {
			return fmt.Errorf("failed to write booked class: %w", err)
		}
	}
	return nil
}

func (v *view) SetCharge(ctx context.Context, id booking.StudentID, sessionID booking.SessionID, batch credits.BatchID) error {
	if err := v.studentExists(ctx, id); err != nil {
		return err
	}
	if batch == "" {
		_, err := v.q.ExecContext(ctx,
			"DELETE FROM booking_charges WHERE student_id = ? AND session_id = ?", id, sessionID)
		return err
	}
	_, err := v.q.ExecContext(ctx, `
		INSERT INTO booking_charges (student_id, session_id, batch_id) VALUES (?, ?, ?)
		ON CONFLICT(student_id, session_id) DO UPDATE SET batch_id = excluded.batch_id`,
		id, sessionID, batch)
	if err != nil {
		return fmt.Errorf("failed to record charge: %w", err)
	}
	return nil
}

func (v *view) UpdateSubscription(ctx context.Context, id booking.StudentID, sub billing.Subscription) error {
	res, err := v.q.ExecContext(ctx,
		"UPDATE students SET due_day = ?, plan_name = ?, plan_total = ?, sub_unlimited = ? WHERE id = ?",
		sub.DueDay, nullString(sub.PlanName), sub.PlanTotal, sub.Unlimited, id)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return booking.ErrStudentNotFound
	}
	return v.writeGrants(ctx, id, sub.ExtraGrants)
}

func (v *view) writeGrants(ctx context.Context, id booking.StudentID, grants []billing.Grant) error {
	if _, err := v.q.ExecContext(ctx, "DELETE FROM extra_grants WHERE student_id = ?", id); err != nil {
		return fmt.Errorf("failed to clear extra grants: %w", err)
	}
	for _, g := range grants {
		if _, err := v.q.ExecContext(ctx,
			"INSERT INTO extra_grants (id, student_id, granted_at, count) VALUES (?, ?, ?, ?)",
			g.ID, id, formatTime(g.GrantedAt), g.Count,
		); err != nil {
			return fmt.Errorf("failed to write extra grant: %w", err)
		}
	}
	return nil
}

// Settings

func (v *view) CancellationDeadlineHours(ctx context.Context) (int, bool, error) {
	var value string
	err := v.q.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", settingDeadlineHours).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	hours, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, fmt.Errorf("invalid %s setting %q: %w", settingDeadlineHours, value, err)
	}
	return hours, true, nil
}

func (v *view) SetCancellationDeadlineHours(ctx context.Context, hours int) error {
	_, err := v.q.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		settingDeadlineHours, strconv.Itoa(hours))
	return err
}

// Plans

func (v *view) GetPlan(ctx context.Context, id string) (*credits.Plan, error) {
	row := v.q.QueryRowContext(ctx,
		"SELECT id, name, credits, bonus, unlimited, price FROM plans WHERE id = ?", id)
	p, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return nil, booking.ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (v *view) ListPlans(ctx context.Context) ([]credits.Plan, error) {
	rows, err := v.q.QueryContext(ctx, "SELECT id, name, credits, bonus, unlimited, price FROM plans ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []credits.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

func (v *view) SavePlan(ctx context.Context, p credits.Plan) error {
	_, err := v.q.ExecContext(ctx, `
		INSERT INTO plans (id, name, credits, bonus, unlimited, price)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			credits = excluded.credits,
			bonus = excluded.bonus,
			unlimited = excluded.unlimited,
			price = excluded.price`,
		p.ID, p.Name, p.Credits, p.Bonus, p.Unlimited, p.Price.String())
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPlan(row scanner) (credits.Plan, error) {
	var (
		p     credits.Plan
		price string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Credits, &p.Bonus, &p.Unlimited, &price); err != nil {
		return credits.Plan{}, err
	}
	amount, err := decimal.NewFromString(price)
	if err != nil {
		return credits.Plan{}, fmt.Errorf("invalid price for plan %s: %w", p.ID, err)
	}
	p.Price = amount
	return p, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// queryIDs reads a single string column. Rows are fully drained before
// returning, which matters with a single open connection.
func queryIDs[T ~string](ctx context.Context, q querier, query string, args ...any) ([]T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []T
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, T(id))
	}
	return ids, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(timeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

func marshalList(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("failed to encode list: %w", err)
	}
	return string(b), nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}

// IsLedgerBoundViolation reports whether err came from the credit_batches CHECK.
func IsLedgerBoundViolation(err error) bool {
	return isConstraintError(err) && strings.Contains(err.Error(), "CHECK")
}

var (
	_ booking.TxStore = (*Store)(nil)
	_ booking.Store   = (*view)(nil)
)
