package booking

import (
	"context"
	"time"
)

// HoldPolicy supplies the booking knobs owned by the configuration
// collaborator.
type HoldPolicy interface {
	HoldDuration() time.Duration
	DefaultTaskDuration() int
}

// Coordinator is the façade callers use. It composes the conflict check, the
// lifecycle rules and the store under a single atomic unit per call; the store
// owns the serialization point.
type Coordinator struct {
	store  *Store
	policy HoldPolicy
}

func NewCoordinator(store *Store, policy HoldPolicy) *Coordinator {
	return &Coordinator{store: store, policy: policy}
}

// CreateOrUpdateFromExtraction applies extracted fields to the conversation's
// active task, creating one in TODO if none exists. Never changes status or
// booking fields.
func (c *Coordinator) CreateOrUpdateFromExtraction(ctx context.Context, convID string, fields ExtractedFields) (Task, error) {
	return c.store.CreateOrUpdateFromExtraction(ctx, convID, fields)
}

// RequestHold assigns staff and interval and places the task on HOLD. The
// start time is accepted as text from the caller; an unparsable time or a
// non-positive duration is ErrInvalidInterval, never a silent no-conflict.
func (c *Coordinator) RequestHold(ctx context.Context, taskID, staffID, startTime string, durationMin int) (Task, error) {
	start, err := ParseStart(startTime)
	if err != nil {
		return Task{}, err
	}
	if durationMin < 0 {
		return Task{}, ErrInvalidInterval
	}
	if durationMin == 0 {
		durationMin = c.policy.DefaultTaskDuration()
	}
	return c.store.RequestHold(ctx, taskID, staffID, start, durationMin, c.policy.HoldDuration())
}

func (c *Coordinator) Confirm(ctx context.Context, taskID string) (Task, error) {
	return c.store.Confirm(ctx, taskID)
}

func (c *Coordinator) Cancel(ctx context.Context, taskID string) (Task, error) {
	return c.store.Cancel(ctx, taskID)
}

// Start moves a confirmed task to IN_PROGRESS.
func (c *Coordinator) Start(ctx context.Context, taskID string) (Task, error) {
	return c.store.StartWork(ctx, taskID)
}

func (c *Coordinator) MarkDone(ctx context.Context, taskID string) (Task, error) {
	return c.store.Complete(ctx, taskID)
}

func (c *Coordinator) ActiveTaskFor(ctx context.Context, convID string) (Task, bool, error) {
	return c.store.ActiveTaskForConversation(ctx, convID)
}

func (c *Coordinator) Task(ctx context.Context, taskID string) (Task, error) {
	return c.store.GetTask(ctx, taskID)
}

func (c *Coordinator) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	return c.store.ListTasks(ctx, filter)
}
