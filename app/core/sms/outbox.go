package sms

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"reception/app/core/db"
	"reception/app/core/scheduler"
	"reception/app/pkg/logger"
)

const timeLayout = "2006-01-02T15:04:05"

const (
	OutboxPending = "pending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

type OutboxItem struct {
	ID            string
	Phone         string
	Body          string
	Status        string
	Attempts      int
	ProviderMsgID string
	LastError     string
	CreatedTime   time.Time
	UpdatedTime   time.Time
}

// Outbox journals outbound messages and drains them on a schedule. A failed
// send is retried on later passes until the attempt budget is spent.
type Outbox struct {
	db          *db.DB
	gateway     *Gateway
	maxAttempts int
	batchSize   int
	interval    time.Duration
	now         func() time.Time
}

func NewOutbox(database *db.DB, gateway *Gateway, maxAttempts int, interval time.Duration) *Outbox {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Outbox{
		db:          database,
		gateway:     gateway,
		maxAttempts: maxAttempts,
		batchSize:   20,
		interval:    interval,
		now:         time.Now,
	}
}

func (o *Outbox) Enqueue(ctx context.Context, phone, body string) (OutboxItem, error) {
	now := o.now()
	item := OutboxItem{
		ID:          uuid.NewString(),
		Phone:       strings.TrimSpace(phone),
		Body:        body,
		Status:      OutboxPending,
		CreatedTime: now,
		UpdatedTime: now,
	}
	_, err := o.db.Conn().ExecContext(ctx,
		`INSERT INTO sms_outbox (id, phone, body, status, attempts, created_time, updated_time) VALUES (?, ?, ?, 'pending', 0, ?, ?)`,
		item.ID, item.Phone, item.Body, now.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return OutboxItem{}, err
	}
	return item, nil
}

// DispatchDue sends a batch of pending messages. One message's failure does
// not block the rest of the batch.
func (o *Outbox) DispatchDue(ctx context.Context) (int, error) {
	rows, err := o.db.Conn().QueryContext(ctx,
		`SELECT id, phone, body, attempts FROM sms_outbox WHERE status = 'pending' ORDER BY created_time ASC LIMIT ?`,
		o.batchSize)
	if err != nil {
		return 0, err
	}
	type pending struct {
		id       string
		phone    string
		body     string
		attempts int
	}
	batch := make([]pending, 0, o.batchSize)
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.phone, &p.body, &p.attempts); err != nil {
			rows.Close()
			return 0, err
		}
		batch = append(batch, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	sent := 0
	for _, p := range batch {
		result, sendErr := o.gateway.Send(ctx, p.phone, p.body)
		attempts := p.attempts + 1
		status := OutboxSent
		errText := ""
		if sendErr != nil {
			errText = sendErr.Error()
			status = OutboxPending
			if attempts >= o.maxAttempts {
				status = OutboxFailed
			}
		}
		_, err := o.db.Conn().ExecContext(ctx,
			`UPDATE sms_outbox SET status = ?, attempts = ?, provider_msg_id = ?, last_error = ?, updated_time = ? WHERE id = ?`,
			status, attempts, nullIfEmpty(result.ProviderMsgID), nullIfEmpty(errText), o.now().Format(timeLayout), p.id)
		if err != nil {
			logger.Error("Outbox update for %s failed: %v", p.id, err)
			continue
		}
		if sendErr == nil {
			sent++
		}
	}
	return sent, nil
}

func (o *Outbox) Get(ctx context.Context, id string) (OutboxItem, error) {
	row := o.db.Conn().QueryRowContext(ctx,
		`SELECT id, phone, body, status, attempts, COALESCE(provider_msg_id, ''), COALESCE(last_error, ''), created_time, updated_time
		 FROM sms_outbox WHERE id = ?`, id)
	var item OutboxItem
	var created, updated string
	err := row.Scan(&item.ID, &item.Phone, &item.Body, &item.Status, &item.Attempts, &item.ProviderMsgID, &item.LastError, &created, &updated)
	if err == sql.ErrNoRows {
		return OutboxItem{}, sql.ErrNoRows
	}
	if err != nil {
		return OutboxItem{}, err
	}
	item.CreatedTime = parseStoredTime(created)
	item.UpdatedTime = parseStoredTime(updated)
	return item, nil
}

// Job packages outbox draining for the interval scheduler.
func (o *Outbox) Job() scheduler.JobSpec {
	return scheduler.JobSpec{
		Name:     "sms-outbox-dispatch",
		Interval: o.interval,
		Timeout:  o.interval,
		Run: func(ctx context.Context) error {
			_, err := o.DispatchDue(ctx)
			return err
		},
	}
}

func nullIfEmpty(v string) interface{} {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func parseStoredTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.ParseInLocation(timeLayout, s, time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}
