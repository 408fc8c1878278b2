// Package conversation keeps the per-phone message log. The booking core only
// ever sees the opaque conversation id this package hands out.
package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"reception/app/core/db"
)

const (
	KindCustomer = "customer"
	KindStaff    = "staff"

	DirectionIn  = "in"
	DirectionOut = "out"
	DirectionSys = "sys"
)

const timeLayout = "2006-01-02T15:04:05"

type Conversation struct {
	ID          string
	Phone       string
	Kind        string
	DisplayName string
	LastMessage string
	LastTime    time.Time
}

type Message struct {
	ID             string
	ConversationID string
	Direction      string
	Text           string
	Time           time.Time
	Meta           map[string]interface{}
}

// KindResolver decides whether a phone number belongs to staff; the booking
// store implements it.
type KindResolver interface {
	IsStaffPhone(ctx context.Context, phone string) (bool, error)
}

type Store struct {
	db    *db.DB
	kinds KindResolver
	now   func() time.Time
}

func NewStore(database *db.DB, kinds KindResolver) *Store {
	return &Store{db: database, kinds: kinds, now: time.Now}
}

// Upsert finds or creates the conversation for a phone number, refreshing its
// kind in case the peer was promoted to staff since last contact.
func (s *Store) Upsert(ctx context.Context, phone string) (Conversation, error) {
	phone = strings.TrimSpace(phone)
	kind := KindCustomer
	if s.kinds != nil {
		isStaff, err := s.kinds.IsStaffPhone(ctx, phone)
		if err != nil {
			return Conversation{}, err
		}
		if isStaff {
			kind = KindStaff
		}
	}

	now := s.now()
	existing, found, err := s.byPhone(ctx, phone)
	if err != nil {
		return Conversation{}, err
	}
	if found {
		if existing.Kind != kind {
			if _, err := s.db.Conn().ExecContext(ctx,
				`UPDATE conversations SET kind = ? WHERE id = ?`, kind, existing.ID); err != nil {
				return Conversation{}, err
			}
			existing.Kind = kind
		}
		return existing, nil
	}

	conv := Conversation{
		ID:       uuid.NewString(),
		Phone:    phone,
		Kind:     kind,
		LastTime: now,
	}
	if _, err := s.db.Conn().ExecContext(ctx,
		`INSERT INTO conversations (id, phone, kind, last_time) VALUES (?, ?, ?, ?)`,
		conv.ID, phone, kind, now.Format(timeLayout)); err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

// AddMessage appends to the log and touches the conversation preview in one
// transaction.
func (s *Store) AddMessage(ctx context.Context, phone, direction, text string, meta map[string]interface{}) (Message, error) {
	conv, err := s.Upsert(ctx, phone)
	if err != nil {
		return Message{}, err
	}

	if meta == nil {
		meta = map[string]interface{}{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return Message{}, err
	}

	now := s.now()
	msg := Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Direction:      direction,
		Text:           text,
		Time:           now,
		Meta:           meta,
	}

	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return Message{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conv_id, direction, text, time, meta) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, conv.ID, direction, text, now.Format(timeLayout), metaJSON); err != nil {
		return Message{}, err
	}

	preview := text
	if len(preview) > 120 {
		preview = preview[:120]
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_message = ?, last_time = ? WHERE id = ?`,
		preview, now.Format(timeLayout), conv.ID); err != nil {
		return Message{}, err
	}

	if err := tx.Commit(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (s *Store) byPhone(ctx context.Context, phone string) (Conversation, bool, error) {
	row := s.db.Conn().QueryRowContext(ctx,
		`SELECT id, phone, kind, COALESCE(display_name, ''), COALESCE(last_message, ''), COALESCE(last_time, '')
		 FROM conversations WHERE phone = ?`, phone)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return Conversation{}, false, nil
	}
	if err != nil {
		return Conversation{}, false, err
	}
	return conv, true, nil
}

func (s *Store) Get(ctx context.Context, convID string) (Conversation, bool, error) {
	row := s.db.Conn().QueryRowContext(ctx,
		`SELECT id, phone, kind, COALESCE(display_name, ''), COALESCE(last_message, ''), COALESCE(last_time, '')
		 FROM conversations WHERE id = ?`, convID)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return Conversation{}, false, nil
	}
	if err != nil {
		return Conversation{}, false, err
	}
	return conv, true, nil
}

// List returns recent conversations, optionally filtered by free text and
// kind.
func (s *Store) List(ctx context.Context, query, kindFilter string) ([]Conversation, error) {
	where := make([]string, 0, 2)
	args := make([]interface{}, 0, 4)
	if kindFilter == KindCustomer || kindFilter == KindStaff {
		where = append(where, "kind = ?")
		args = append(args, kindFilter)
	}
	query = strings.TrimSpace(query)
	if query != "" {
		like := "%" + query + "%"
		where = append(where, "(phone LIKE ? OR display_name LIKE ? OR last_message LIKE ?)")
		args = append(args, like, like, like)
	}

	stmt := `SELECT id, phone, kind, COALESCE(display_name, ''), COALESCE(last_message, ''), COALESCE(last_time, '') FROM conversations`
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY last_time DESC LIMIT 300"

	rows, err := s.db.Conn().QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, conv)
	}
	return items, rows.Err()
}

func (s *Store) Messages(ctx context.Context, convID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 400
	}
	rows, err := s.db.Conn().QueryContext(ctx,
		`SELECT id, conv_id, direction, text, time, meta FROM messages WHERE conv_id = ? ORDER BY time ASC LIMIT ?`,
		convID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]Message, 0, limit)
	for rows.Next() {
		var (
			m        Message
			when     string
			metaJSON []byte
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Direction, &m.Text, &when, &metaJSON); err != nil {
			return nil, err
		}
		m.Time = parseStoredTime(when)
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &m.Meta)
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var conv Conversation
	var lastTime string
	if err := row.Scan(&conv.ID, &conv.Phone, &conv.Kind, &conv.DisplayName, &conv.LastMessage, &lastTime); err != nil {
		return Conversation{}, err
	}
	conv.LastTime = parseStoredTime(lastTime)
	return conv, nil
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
