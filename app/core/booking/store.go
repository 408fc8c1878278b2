package booking

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"reception/app/core/db"
)

const (
	maxWriteAttempts = 3
	retryBaseDelay   = 50 * time.Millisecond
)

// Store is the durable record of tasks and staff. Every mutation takes the
// store-level mutation lock so the conflict check and the subsequent write are
// one atomic unit; a transaction alone is not enough because SQLite's default
// isolation would let two overlapping holds both pass the read phase.
type Store struct {
	db  *db.DB
	mu  sync.Mutex
	now func() time.Time
}

func NewStore(database *db.DB) *Store {
	return &Store{db: database, now: time.Now}
}

// SetClock replaces the time source. Tests use it to move the hold deadline.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// --- staff ---

func (s *Store) UpsertStaff(ctx context.Context, st Staff) (Staff, error) {
	st.Name = strings.TrimSpace(st.Name)
	st.Phone = strings.TrimSpace(st.Phone)
	if st.Name == "" || st.Phone == "" {
		return Staff{}, fmt.Errorf("booking: staff name and phone are required")
	}

	if st.ID == "" {
		st.ID = uuid.NewString()
		err := s.writeRetry(ctx, func() error {
			_, err := s.db.Conn().ExecContext(ctx,
				`INSERT INTO staff (id, name, phone, active) VALUES (?, ?, ?, ?)`,
				st.ID, st.Name, st.Phone, boolInt(st.Active))
			return err
		})
		if err != nil {
			return Staff{}, err
		}
		return st, nil
	}

	err := s.writeRetry(ctx, func() error {
		res, err := s.db.Conn().ExecContext(ctx,
			`UPDATE staff SET name = ?, phone = ?, active = ? WHERE id = ?`,
			st.Name, st.Phone, boolInt(st.Active), st.ID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return Staff{}, err
	}
	return st, nil
}

func (s *Store) GetStaff(ctx context.Context, staffID string) (Staff, error) {
	var st Staff
	var active int
	err := s.db.Conn().QueryRowContext(ctx,
		`SELECT id, name, phone, active FROM staff WHERE id = ?`, staffID).
		Scan(&st.ID, &st.Name, &st.Phone, &active)
	if err == sql.ErrNoRows {
		return Staff{}, ErrNotFound
	}
	if err != nil {
		return Staff{}, err
	}
	st.Active = active != 0
	return st, nil
}

func (s *Store) StaffByPhone(ctx context.Context, phone string) (Staff, bool, error) {
	var st Staff
	var active int
	err := s.db.Conn().QueryRowContext(ctx,
		`SELECT id, name, phone, active FROM staff WHERE phone = ?`, strings.TrimSpace(phone)).
		Scan(&st.ID, &st.Name, &st.Phone, &active)
	if err == sql.ErrNoRows {
		return Staff{}, false, nil
	}
	if err != nil {
		return Staff{}, false, err
	}
	st.Active = active != 0
	return st, true, nil
}

// IsStaffPhone reports whether a phone number belongs to a staff member. The
// conversation log uses it to classify peers.
func (s *Store) IsStaffPhone(ctx context.Context, phone string) (bool, error) {
	_, ok, err := s.StaffByPhone(ctx, phone)
	return ok, err
}

func (s *Store) ListStaff(ctx context.Context, includeInactive bool) ([]Staff, error) {
	query := `SELECT id, name, phone, active FROM staff WHERE active = 1 ORDER BY name ASC`
	if includeInactive {
		query = `SELECT id, name, phone, active FROM staff ORDER BY active DESC, name ASC`
	}
	rows, err := s.db.Conn().QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]Staff, 0)
	for rows.Next() {
		var st Staff
		var active int
		if err := rows.Scan(&st.ID, &st.Name, &st.Phone, &active); err != nil {
			return nil, err
		}
		st.Active = active != 0
		items = append(items, st)
	}
	return items, rows.Err()
}

func (s *Store) DeleteStaff(ctx context.Context, staffID string) error {
	return s.writeRetry(ctx, func() error {
		res, err := s.db.Conn().ExecContext(ctx, `DELETE FROM staff WHERE id = ?`, staffID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// --- tasks ---

const taskColumns = `id, COALESCE(conv_id, ''), title, address, contact_phone, notes,
	COALESCE(start_time, ''), duration_min, COALESCE(staff_id, ''), status,
	COALESCE(hold_expires_at, ''), created_time, updated_time`

func (s *Store) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.db.Conn().QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return Task{}, ErrNotFound
	}
	return t, err
}

// ActiveTaskForConversation returns the single active task scoped to a
// conversation, if any.
func (s *Store) ActiveTaskForConversation(ctx context.Context, convID string) (Task, bool, error) {
	row := s.db.Conn().QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE conv_id = ? AND status IN ('TODO','HOLD','CONFIRMED','IN_PROGRESS')
		 ORDER BY created_time DESC LIMIT 1`, convID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	return t, true, nil
}

// CreateOrUpdateFromExtraction upserts the conversation's active task: a new
// extraction updates the existing active task's mutable fields rather than
// creating a duplicate. Status and booking fields are never touched here.
func (s *Store) CreateOrUpdateFromExtraction(ctx context.Context, convID string, fields ExtractedFields) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, found, err := s.ActiveTaskForConversation(ctx, convID)
	if err != nil {
		return Task{}, err
	}

	now := s.now()
	if found {
		existing.Title = fields.Title
		existing.Address = fields.Address
		existing.ContactPhone = fields.ContactPhone
		existing.Notes = fields.Notes
		existing.UpdatedTime = now
		err := s.writeRetry(ctx, func() error {
			_, err := s.db.Conn().ExecContext(ctx,
				`UPDATE tasks SET title = ?, address = ?, contact_phone = ?, notes = ?, updated_time = ? WHERE id = ?`,
				fields.Title, fields.Address, fields.ContactPhone, fields.Notes, formatTime(now), existing.ID)
			return err
		})
		if err != nil {
			return Task{}, err
		}
		return existing, nil
	}

	t := Task{
		ID:             uuid.NewString(),
		ConversationID: convID,
		Title:          fields.Title,
		Address:        fields.Address,
		ContactPhone:   fields.ContactPhone,
		Notes:          fields.Notes,
		DurationMin:    DefaultDurationMin,
		Status:         StatusTODO,
		CreatedTime:    now,
		UpdatedTime:    now,
	}
	err = s.writeRetry(ctx, func() error {
		_, err := s.db.Conn().ExecContext(ctx,
			`INSERT INTO tasks (id, conv_id, title, address, contact_phone, notes, duration_min, status, created_time, updated_time)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 'TODO', ?, ?)`,
			t.ID, nullIfEmpty(convID), t.Title, t.Address, t.ContactPhone, t.Notes, t.DurationMin,
			formatTime(now), formatTime(now))
		return err
	})
	if err != nil {
		return Task{}, err
	}
	return t, nil
}

// TaskFilter narrows ListTasks. Zero values mean "no filter".
type TaskFilter struct {
	DatePrefix string // e.g. "2025-01-01", matched against start_time
	StaffID    string
	Status     Status
	Limit      int
}

func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	where := make([]string, 0, 3)
	args := make([]interface{}, 0, 4)
	if filter.DatePrefix != "" {
		where = append(where, "start_time LIKE ?")
		args = append(args, filter.DatePrefix+"%")
	}
	if filter.StaffID != "" {
		where = append(where, "staff_id = ?")
		args = append(args, filter.StaffID)
	}
	if filter.Status != "" {
		if !filter.Status.Valid() {
			return nil, fmt.Errorf("booking: invalid status filter %q", filter.Status)
		}
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY COALESCE(start_time, created_time) ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ActiveBookings lists the tasks occupying slots for a staff member, excluding
// at most one task id (the booking being re-targeted).
func (s *Store) ActiveBookings(ctx context.Context, staffID string, excludeTaskID string) ([]Task, error) {
	rows, err := s.db.Conn().QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE staff_id = ? AND status IN ('HOLD','CONFIRMED','IN_PROGRESS') AND start_time IS NOT NULL AND id != ?`,
		staffID, excludeTaskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// RequestHold places a provisional reservation: it validates the interval,
// runs the overlap check against the staff member's active bookings, and
// writes the HOLD in the same critical section. Re-targeting an existing
// HOLD/CONFIRMED/IN_PROGRESS task releases the old slot atomically because the
// old slot is this same row. The hold-expiry countdown resets on every
// successful call, re-targets included.
func (s *Store) RequestHold(ctx context.Context, taskID, staffID string, start time.Time, durationMin int, holdFor time.Duration) (Task, error) {
	if durationMin <= 0 {
		durationMin = DefaultDurationMin
	}
	candidate, err := NewInterval(start, durationMin)
	if err != nil {
		return Task{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if _, err := NextStatus(task.Status, EventRequestHold); err != nil {
		return Task{}, err
	}

	staff, err := s.GetStaff(ctx, staffID)
	if err != nil {
		return Task{}, err
	}
	if !staff.Active {
		return Task{}, ErrStaffInactive
	}

	bookings, err := s.ActiveBookings(ctx, staffID, taskID)
	if err != nil {
		return Task{}, err
	}
	if HasConflict(candidate, bookings) {
		return Task{}, ErrConflict
	}

	now := s.now()
	expires := now.Add(holdFor)
	err = s.writeRetry(ctx, func() error {
		res, err := s.db.Conn().ExecContext(ctx,
			`UPDATE tasks SET staff_id = ?, start_time = ?, duration_min = ?, status = 'HOLD', hold_expires_at = ?, updated_time = ?
			 WHERE id = ? AND status = ?`,
			staffID, formatTime(start), durationMin, formatTime(expires), formatTime(now),
			taskID, string(task.Status))
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: task %s changed state", ErrInvalidTransition, taskID)
		}
		return nil
	})
	if err != nil {
		return Task{}, err
	}

	task.StaffID = staffID
	task.StartTime = start
	task.DurationMin = durationMin
	task.Status = StatusHold
	task.HoldExpiresAt = expires
	task.UpdatedTime = now
	return task, nil
}

// Confirm promotes a HOLD whose deadline has not passed. A hold that is
// logically expired but not yet swept cannot be confirmed.
func (s *Store) Confirm(ctx context.Context, taskID string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if _, err := NextStatus(task.Status, EventConfirm); err != nil {
		return Task{}, err
	}
	now := s.now()
	if !task.HoldExpiresAt.After(now) {
		return Task{}, fmt.Errorf("%w: hold already expired", ErrInvalidTransition)
	}
	return s.applyStatus(ctx, task, StatusConfirmed, true, false)
}

func (s *Store) Cancel(ctx context.Context, taskID string) (Task, error) {
	return s.transition(ctx, taskID, EventCancel)
}

func (s *Store) StartWork(ctx context.Context, taskID string) (Task, error) {
	return s.transition(ctx, taskID, EventStart)
}

func (s *Store) Complete(ctx context.Context, taskID string) (Task, error) {
	return s.transition(ctx, taskID, EventComplete)
}

func (s *Store) transition(ctx context.Context, taskID string, event Event) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	next, err := NextStatus(task.Status, event)
	if err != nil {
		return Task{}, err
	}
	clearHold := task.Status == StatusHold
	clearSlot := event == EventExpire
	return s.applyStatus(ctx, task, next, clearHold, clearSlot)
}

// applyStatus writes a status change guarded by the status the caller just
// observed. A zero rows-affected result means another caller (or the sweeper)
// got there first.
func (s *Store) applyStatus(ctx context.Context, task Task, next Status, clearHold bool, clearSlot bool) (Task, error) {
	now := s.now()
	set := []string{"status = ?", "updated_time = ?"}
	args := []interface{}{string(next), formatTime(now)}
	if clearHold {
		set = append(set, "hold_expires_at = NULL")
	}
	if clearSlot {
		set = append(set, "staff_id = NULL", "start_time = NULL")
	}
	args = append(args, task.ID, string(task.Status))

	err := s.writeRetry(ctx, func() error {
		res, err := s.db.Conn().ExecContext(ctx,
			`UPDATE tasks SET `+strings.Join(set, ", ")+` WHERE id = ? AND status = ?`, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: task %s changed state", ErrInvalidTransition, task.ID)
		}
		return nil
	})
	if err != nil {
		return Task{}, err
	}

	task.Status = next
	task.UpdatedTime = now
	if clearHold {
		task.HoldExpiresAt = time.Time{}
	}
	if clearSlot {
		task.StaffID = ""
		task.StartTime = time.Time{}
	}
	return task, nil
}

// ExpireDueHolds moves every HOLD past its deadline to EXPIRED and releases
// the slot. Safe to run twice: the status guard makes the second pass find
// nothing. A single task's failure is logged and does not abort the pass.
func (s *Store) ExpireDueHolds(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := formatTime(s.now())
	rows, err := s.db.Conn().QueryContext(ctx,
		`SELECT id FROM tasks WHERE status = 'HOLD' AND hold_expires_at IS NOT NULL AND hold_expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	due := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		due = append(due, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range due {
		err := s.writeRetry(ctx, func() error {
			res, err := s.db.Conn().ExecContext(ctx,
				`UPDATE tasks SET status = 'EXPIRED', staff_id = NULL, start_time = NULL, hold_expires_at = NULL, updated_time = ?
				 WHERE id = ? AND status = 'HOLD'`, now, id)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n > 0 {
				expired++
			}
			return nil
		})
		if err != nil {
			log.Printf("[Booking] expire hold %s failed: %v", id, err)
		}
	}
	return expired, nil
}

// --- staff requests ---

func (s *Store) CreateLeaveRequest(ctx context.Context, staffID, content string, start, end time.Time) (StaffRequest, error) {
	if _, err := s.GetStaff(ctx, staffID); err != nil {
		return StaffRequest{}, err
	}
	now := s.now()
	req := StaffRequest{
		ID:          uuid.NewString(),
		StaffID:     staffID,
		Type:        RequestTypeLeave,
		Content:     content,
		StartTime:   start,
		EndTime:     end,
		Status:      RequestStatusPending,
		CreatedTime: now,
		UpdatedTime: now,
	}
	err := s.writeRetry(ctx, func() error {
		_, err := s.db.Conn().ExecContext(ctx,
			`INSERT INTO staff_requests (id, staff_id, type, content, start_time, end_time, status, created_time, updated_time)
			 VALUES (?, ?, ?, ?, ?, ?, 'PENDING', ?, ?)`,
			req.ID, staffID, req.Type, content,
			nullIfEmpty(formatOptionalTime(start)), nullIfEmpty(formatOptionalTime(end)),
			formatTime(now), formatTime(now))
		return err
	})
	if err != nil {
		return StaffRequest{}, err
	}
	return req, nil
}

func (s *Store) ListStaffRequests(ctx context.Context, status string) ([]StaffRequest, error) {
	query := `SELECT id, staff_id, type, content, COALESCE(start_time, ''), COALESCE(end_time, ''), status, created_time, updated_time
		 FROM staff_requests ORDER BY created_time DESC LIMIT 500`
	args := []interface{}{}
	if status != "" {
		query = `SELECT id, staff_id, type, content, COALESCE(start_time, ''), COALESCE(end_time, ''), status, created_time, updated_time
			 FROM staff_requests WHERE status = ? ORDER BY created_time DESC LIMIT 500`
		args = append(args, status)
	}
	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]StaffRequest, 0)
	for rows.Next() {
		var req StaffRequest
		var start, end, created, updated string
		if err := rows.Scan(&req.ID, &req.StaffID, &req.Type, &req.Content, &start, &end, &req.Status, &created, &updated); err != nil {
			return nil, err
		}
		req.StartTime = parseStoredTime(start)
		req.EndTime = parseStoredTime(end)
		req.CreatedTime = parseStoredTime(created)
		req.UpdatedTime = parseStoredTime(updated)
		items = append(items, req)
	}
	return items, rows.Err()
}

func (s *Store) UpdateStaffRequestStatus(ctx context.Context, requestID, status string) error {
	if status != RequestStatusApproved && status != RequestStatusRejected && status != RequestStatusPending {
		return fmt.Errorf("booking: invalid request status %q", status)
	}
	return s.writeRetry(ctx, func() error {
		res, err := s.db.Conn().ExecContext(ctx,
			`UPDATE staff_requests SET status = ?, updated_time = ? WHERE id = ?`,
			status, formatTime(s.now()), requestID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var status, start, holdExpires, created, updated string
	err := row.Scan(
		&t.ID,
		&t.ConversationID,
		&t.Title,
		&t.Address,
		&t.ContactPhone,
		&t.Notes,
		&start,
		&t.DurationMin,
		&t.StaffID,
		&status,
		&holdExpires,
		&created,
		&updated,
	)
	if err != nil {
		return Task{}, err
	}
	t.Status = Status(status)
	t.StartTime = parseStoredTime(start)
	t.HoldExpiresAt = parseStoredTime(holdExpires)
	t.CreatedTime = parseStoredTime(created)
	t.UpdatedTime = parseStoredTime(updated)
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]Task, error) {
	items := make([]Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

// writeRetry retries transient SQLite contention a bounded number of times
// with backoff, then surfaces ErrUnavailable. Business errors pass through
// untouched.
func (s *Store) writeRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		err = fn()
		if err == nil || !isTransient(err) {
			return err
		}
		delay := retryBaseDelay << attempt
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func isTransient(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked")
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullIfEmpty(v string) interface{} {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func formatOptionalTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return formatTime(t)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
