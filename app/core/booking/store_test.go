package booking

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"reception/app/core/db"
)

const testHold = 10 * time.Minute

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.NewSQLiteDB(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("init sqlite failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewStore(database)
}

func seedStaff(t *testing.T, store *Store, name, phone string) Staff {
	t.Helper()
	staff, err := store.UpsertStaff(context.Background(), Staff{Name: name, Phone: phone, Active: true})
	if err != nil {
		t.Fatalf("seed staff failed: %v", err)
	}
	return staff
}

// seedConversation satisfies the conv_id foreign key for tasks created
// outside the inbound-message flow.
func seedConversation(t *testing.T, store *Store, convID string) {
	t.Helper()
	_, err := store.db.Conn().ExecContext(context.Background(),
		`INSERT OR IGNORE INTO conversations (id, phone, kind, last_time) VALUES (?, ?, 'customer', '2025-01-01T08:00:00')`,
		convID, "+1555-"+convID)
	if err != nil {
		t.Fatalf("seed conversation failed: %v", err)
	}
}

func seedTask(t *testing.T, store *Store, convID string) Task {
	t.Helper()
	seedConversation(t, store, convID)
	task, err := store.CreateOrUpdateFromExtraction(context.Background(), convID, ExtractedFields{
		Title:        "Fix kitchen sink",
		Address:      "12 Elm St",
		ContactPhone: "+15550001111",
	})
	if err != nil {
		t.Fatalf("seed task failed: %v", err)
	}
	return task
}

func testClock(at time.Time) (func() time.Time, func(time.Time)) {
	var mu sync.Mutex
	current := at
	return func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return current
		}, func(next time.Time) {
			mu.Lock()
			current = next
			mu.Unlock()
		}
}

func TestRequestHoldConflictAndAdjacent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	staff := seedStaff(t, store, "Ann", "+15550000001")

	first := seedTask(t, store, "conv-1")
	start, _ := ParseStart("2025-01-01 10:00")
	held, err := store.RequestHold(ctx, first.ID, staff.ID, start, 60, testHold)
	if err != nil {
		t.Fatalf("first hold failed: %v", err)
	}
	if held.Status != StatusHold {
		t.Fatalf("unexpected status: %s", held.Status)
	}
	if held.HoldExpiresAt.IsZero() {
		t.Fatal("expected hold deadline to be set")
	}

	// Overlapping request for the same staff member is rejected.
	second := seedTask(t, store, "conv-2")
	overlap, _ := ParseStart("2025-01-01 10:30")
	if _, err := store.RequestHold(ctx, second.ID, staff.ID, overlap, 60, testHold); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// A back-to-back slot at the first booking's end is free.
	adjacent, _ := ParseStart("2025-01-01 11:00")
	if _, err := store.RequestHold(ctx, second.ID, staff.ID, adjacent, 60, testHold); err != nil {
		t.Fatalf("adjacent hold failed: %v", err)
	}

	// A different staff member can take the contested slot.
	other := seedStaff(t, store, "Ben", "+15550000002")
	third := seedTask(t, store, "conv-3")
	if _, err := store.RequestHold(ctx, third.ID, other.ID, overlap, 60, testHold); err != nil {
		t.Fatalf("hold for other staff failed: %v", err)
	}
}

func TestRequestHoldValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	staff := seedStaff(t, store, "Ann", "+15550000001")
	task := seedTask(t, store, "conv-1")

	if _, err := store.RequestHold(ctx, task.ID, staff.ID, time.Time{}, 60, testHold); !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("expected ErrInvalidInterval for zero start, got %v", err)
	}

	start, _ := ParseStart("2025-01-01 10:00")
	if _, err := store.RequestHold(ctx, "no-such-task", staff.ID, start, 60, testHold); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing task, got %v", err)
	}
	if _, err := store.RequestHold(ctx, task.ID, "no-such-staff", start, 60, testHold); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing staff, got %v", err)
	}

	retired, err := store.UpsertStaff(ctx, Staff{Name: "Cam", Phone: "+15550000003", Active: false})
	if err != nil {
		t.Fatalf("seed inactive staff failed: %v", err)
	}
	if _, err := store.RequestHold(ctx, task.ID, retired.ID, start, 60, testHold); !errors.Is(err, ErrStaffInactive) {
		t.Fatalf("expected ErrStaffInactive, got %v", err)
	}
}

func TestRequestHoldRetargetReleasesOldSlot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	staff := seedStaff(t, store, "Ann", "+15550000001")

	task := seedTask(t, store, "conv-1")
	morning, _ := ParseStart("2025-01-01 10:00")
	if _, err := store.RequestHold(ctx, task.ID, staff.ID, morning, 60, testHold); err != nil {
		t.Fatalf("first hold failed: %v", err)
	}

	// Moving the same task to the afternoon frees the morning slot.
	afternoon, _ := ParseStart("2025-01-01 14:00")
	moved, err := store.RequestHold(ctx, task.ID, staff.ID, afternoon, 60, testHold)
	if err != nil {
		t.Fatalf("re-target failed: %v", err)
	}
	if !moved.StartTime.Equal(afternoon) {
		t.Fatalf("unexpected start after re-target: %v", moved.StartTime)
	}

	other := seedTask(t, store, "conv-2")
	if _, err := store.RequestHold(ctx, other.ID, staff.ID, morning, 60, testHold); err != nil {
		t.Fatalf("expected morning slot to be free after re-target: %v", err)
	}
}

func TestConfirmClearsHoldDeadline(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	staff := seedStaff(t, store, "Ann", "+15550000001")
	task := seedTask(t, store, "conv-1")

	start, _ := ParseStart("2025-01-01 10:00")
	if _, err := store.RequestHold(ctx, task.ID, staff.ID, start, 60, testHold); err != nil {
		t.Fatalf("hold failed: %v", err)
	}

	confirmed, err := store.Confirm(ctx, task.ID)
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if confirmed.Status != StatusConfirmed {
		t.Fatalf("unexpected status: %s", confirmed.Status)
	}
	if !confirmed.HoldExpiresAt.IsZero() {
		t.Fatal("expected hold deadline cleared on confirm")
	}
	if confirmed.StaffID != staff.ID || !confirmed.StartTime.Equal(start) {
		t.Fatal("expected booking fields to survive confirm")
	}

	// Confirm is not repeatable.
	if _, err := store.Confirm(ctx, task.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on double confirm, got %v", err)
	}
}

func TestConfirmRejectsLapsedHold(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 9, 0, 0, 0, time.Local)
	now, advance := testClock(base)
	store.SetClock(now)

	staff := seedStaff(t, store, "Ann", "+15550000001")
	task := seedTask(t, store, "conv-1")
	start, _ := ParseStart("2025-01-01 10:00")
	if _, err := store.RequestHold(ctx, task.ID, staff.ID, start, 60, testHold); err != nil {
		t.Fatalf("hold failed: %v", err)
	}

	// Past the deadline but before any sweep: still HOLD on disk, yet the
	// confirm must fail.
	advance(base.Add(11 * time.Minute))
	if _, err := store.Confirm(ctx, task.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for lapsed hold, got %v", err)
	}
}

func TestExpireDueHoldsReleasesSlot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 9, 0, 0, 0, time.Local)
	now, advance := testClock(base)
	store.SetClock(now)

	staff := seedStaff(t, store, "Ann", "+15550000001")
	task := seedTask(t, store, "conv-1")
	start, _ := ParseStart("2025-01-01 10:00")
	if _, err := store.RequestHold(ctx, task.ID, staff.ID, start, 60, testHold); err != nil {
		t.Fatalf("hold failed: %v", err)
	}

	// Not due yet.
	advance(base.Add(9 * time.Minute))
	n, err := store.ExpireDueHolds(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 expired before deadline, got %d", n)
	}

	advance(base.Add(11 * time.Minute))
	n, err = store.ExpireDueHolds(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired, got %d", n)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task failed: %v", err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("unexpected status: %s", got.Status)
	}
	if got.StaffID != "" || !got.StartTime.IsZero() || !got.HoldExpiresAt.IsZero() {
		t.Fatalf("expected slot released, got staff=%q start=%v hold=%v", got.StaffID, got.StartTime, got.HoldExpiresAt)
	}

	// Sweeping again finds nothing.
	n, err = store.ExpireDueHolds(ctx)
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected idempotent sweep, got %d", n)
	}

	// The released slot is bookable again.
	other := seedTask(t, store, "conv-2")
	if _, err := store.RequestHold(ctx, other.ID, staff.ID, start, 60, testHold); err != nil {
		t.Fatalf("expected slot reusable after expiry: %v", err)
	}
}

func TestExpireSkipsConfirmedTasks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 9, 0, 0, 0, time.Local)
	now, advance := testClock(base)
	store.SetClock(now)

	staff := seedStaff(t, store, "Ann", "+15550000001")
	task := seedTask(t, store, "conv-1")
	start, _ := ParseStart("2025-01-01 10:00")
	if _, err := store.RequestHold(ctx, task.ID, staff.ID, start, 60, testHold); err != nil {
		t.Fatalf("hold failed: %v", err)
	}
	if _, err := store.Confirm(ctx, task.ID); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}

	advance(base.Add(time.Hour))
	n, err := store.ExpireDueHolds(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected confirmed task untouched, got %d expired", n)
	}
}

func TestCancelKeepsBookingFields(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	staff := seedStaff(t, store, "Ann", "+15550000001")
	task := seedTask(t, store, "conv-1")
	start, _ := ParseStart("2025-01-01 10:00")
	if _, err := store.RequestHold(ctx, task.ID, staff.ID, start, 60, testHold); err != nil {
		t.Fatalf("hold failed: %v", err)
	}
	if _, err := store.Confirm(ctx, task.ID); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}

	cancelled, err := store.Cancel(ctx, task.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("unexpected status: %s", cancelled.Status)
	}
	// Cancellation keeps the audit trail of who and when was booked.
	if cancelled.StaffID != staff.ID || cancelled.StartTime.IsZero() {
		t.Fatal("expected booking fields retained on cancel")
	}

	// But the slot no longer blocks new bookings.
	other := seedTask(t, store, "conv-2")
	if _, err := store.RequestHold(ctx, other.ID, staff.ID, start, 60, testHold); err != nil {
		t.Fatalf("expected cancelled slot reusable: %v", err)
	}

	if _, err := store.Cancel(ctx, task.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on double cancel, got %v", err)
	}
}

func TestCancelReleasesHoldDeadline(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	staff := seedStaff(t, store, "Ann", "+15550000001")
	task := seedTask(t, store, "conv-1")
	start, _ := ParseStart("2025-01-01 10:00")
	if _, err := store.RequestHold(ctx, task.ID, staff.ID, start, 60, testHold); err != nil {
		t.Fatalf("hold failed: %v", err)
	}

	cancelled, err := store.Cancel(ctx, task.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if !cancelled.HoldExpiresAt.IsZero() {
		t.Fatal("expected hold deadline cleared when cancelling a hold")
	}
}

func TestStartAndComplete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	staff := seedStaff(t, store, "Ann", "+15550000001")
	task := seedTask(t, store, "conv-1")
	start, _ := ParseStart("2025-01-01 10:00")
	if _, err := store.RequestHold(ctx, task.ID, staff.ID, start, 60, testHold); err != nil {
		t.Fatalf("hold failed: %v", err)
	}

	// Work cannot start on a mere hold.
	if _, err := store.StartWork(ctx, task.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition starting a hold, got %v", err)
	}

	if _, err := store.Confirm(ctx, task.ID); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	started, err := store.StartWork(ctx, task.ID)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if started.Status != StatusInProgress {
		t.Fatalf("unexpected status: %s", started.Status)
	}

	done, err := store.Complete(ctx, task.ID)
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if done.Status != StatusDone {
		t.Fatalf("unexpected status: %s", done.Status)
	}
	if _, err := store.Complete(ctx, task.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on double complete, got %v", err)
	}
}

func TestCreateOrUpdateFromExtraction(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedConversation(t, store, "conv-1")

	created, err := store.CreateOrUpdateFromExtraction(ctx, "conv-1", ExtractedFields{
		Title: "Leaky faucet", ContactPhone: "+15550001111",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.Status != StatusTODO {
		t.Fatalf("unexpected status: %s", created.Status)
	}
	if created.DurationMin != DefaultDurationMin {
		t.Fatalf("unexpected duration: %d", created.DurationMin)
	}

	// A second extraction for the same conversation updates in place.
	updated, err := store.CreateOrUpdateFromExtraction(ctx, "conv-1", ExtractedFields{
		Title: "Leaky faucet, kitchen", Address: "12 Elm St", ContactPhone: "+15550001111",
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.ID != created.ID {
		t.Fatalf("expected same task, got %s and %s", created.ID, updated.ID)
	}
	if updated.Address != "12 Elm St" {
		t.Fatalf("unexpected address: %q", updated.Address)
	}

	active, found, err := store.ActiveTaskForConversation(ctx, "conv-1")
	if err != nil || !found {
		t.Fatalf("active lookup failed: found=%v err=%v", found, err)
	}
	if active.ID != created.ID {
		t.Fatalf("unexpected active task: %s", active.ID)
	}

	// Once the task leaves the active set, the next extraction starts fresh.
	if _, err := store.Cancel(ctx, created.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	fresh, err := store.CreateOrUpdateFromExtraction(ctx, "conv-1", ExtractedFields{Title: "New visit"})
	if err != nil {
		t.Fatalf("create after cancel failed: %v", err)
	}
	if fresh.ID == created.ID {
		t.Fatal("expected a new task after the old one was cancelled")
	}
}

func TestListTasksFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	staff := seedStaff(t, store, "Ann", "+15550000001")

	first := seedTask(t, store, "conv-1")
	second := seedTask(t, store, "conv-2")
	startA, _ := ParseStart("2025-01-01 10:00")
	startB, _ := ParseStart("2025-01-02 10:00")
	if _, err := store.RequestHold(ctx, first.ID, staff.ID, startA, 60, testHold); err != nil {
		t.Fatalf("hold failed: %v", err)
	}
	if _, err := store.RequestHold(ctx, second.ID, staff.ID, startB, 60, testHold); err != nil {
		t.Fatalf("hold failed: %v", err)
	}

	day, err := store.ListTasks(ctx, TaskFilter{DatePrefix: "2025-01-01"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(day) != 1 || day[0].ID != first.ID {
		t.Fatalf("unexpected day listing: %d items", len(day))
	}

	held, err := store.ListTasks(ctx, TaskFilter{Status: StatusHold})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(held) != 2 {
		t.Fatalf("expected 2 holds, got %d", len(held))
	}
	// Ordered by start time.
	if held[0].ID != first.ID || held[1].ID != second.ID {
		t.Fatal("expected listing ordered by start time")
	}

	if _, err := store.ListTasks(ctx, TaskFilter{Status: "BOGUS"}); err == nil {
		t.Fatal("expected error for invalid status filter")
	}
}

func TestGetTaskNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetTask(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentOverlappingHoldsSingleWinner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	staff := seedStaff(t, store, "Ann", "+15550000001")

	first := seedTask(t, store, "conv-1")
	second := seedTask(t, store, "conv-2")
	start, _ := ParseStart("2025-01-01 10:00")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{first.ID, second.ID} {
		wg.Add(1)
		go func(i int, taskID string) {
			defer wg.Done()
			_, errs[i] = store.RequestHold(ctx, taskID, staff.ID, start, 60, testHold)
		}(i, id)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("expected exactly one winner, got wins=%d conflicts=%d", wins, conflicts)
	}
}

func TestStaffRequests(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	staff := seedStaff(t, store, "Ann", "+15550000001")

	from, _ := ParseStart("2025-01-03 09:00")
	to, _ := ParseStart("2025-01-03 18:00")
	req, err := store.CreateLeaveRequest(ctx, staff.ID, "dentist appointment", from, to)
	if err != nil {
		t.Fatalf("create request failed: %v", err)
	}
	if req.Status != RequestStatusPending || req.Type != RequestTypeLeave {
		t.Fatalf("unexpected request: %+v", req)
	}

	if _, err := store.CreateLeaveRequest(ctx, "no-such-staff", "x", from, to); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown staff, got %v", err)
	}

	pending, err := store.ListStaffRequests(ctx, RequestStatusPending)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != req.ID {
		t.Fatalf("unexpected pending listing: %d items", len(pending))
	}

	if err := store.UpdateStaffRequestStatus(ctx, req.ID, RequestStatusApproved); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if err := store.UpdateStaffRequestStatus(ctx, req.ID, "MAYBE"); err == nil {
		t.Fatal("expected error for invalid status")
	}
	if err := store.UpdateStaffRequestStatus(ctx, "missing", RequestStatusRejected); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStaffLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	staff := seedStaff(t, store, "Ann", "+15550000001")
	got, err := store.GetStaff(ctx, staff.ID)
	if err != nil {
		t.Fatalf("get staff failed: %v", err)
	}
	if got.Name != "Ann" || !got.Active {
		t.Fatalf("unexpected staff: %+v", got)
	}

	byPhone, found, err := store.StaffByPhone(ctx, "+15550000001")
	if err != nil || !found {
		t.Fatalf("phone lookup failed: found=%v err=%v", found, err)
	}
	if byPhone.ID != staff.ID {
		t.Fatalf("unexpected staff by phone: %s", byPhone.ID)
	}
	if _, found, _ := store.StaffByPhone(ctx, "+19999999999"); found {
		t.Fatal("expected unknown phone to miss")
	}

	staff.Active = false
	if _, err := store.UpsertStaff(ctx, staff); err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}
	active, err := store.ListStaff(ctx, false)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active staff, got %d", len(active))
	}
	all, err := store.ListStaff(ctx, true)
	if err != nil {
		t.Fatalf("list all failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 staff total, got %d", len(all))
	}

	if err := store.DeleteStaff(ctx, staff.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := store.DeleteStaff(ctx, staff.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}
}
