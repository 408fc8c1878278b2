// Package kb is the knowledge base the LLM responder draws context from.
package kb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"reception/app/core/db"
)

const timeLayout = "2006-01-02T15:04:05"

type Entry struct {
	ID          string
	Title       string
	Content     string
	Tags        string
	Enabled     bool
	Version     int
	UpdatedTime time.Time
}

type Store struct {
	db  *db.DB
	now func() time.Time
}

func NewStore(database *db.DB) *Store {
	return &Store{db: database, now: time.Now}
}

func (s *Store) Upsert(ctx context.Context, entry Entry) (Entry, error) {
	entry.Title = strings.TrimSpace(entry.Title)
	entry.Content = strings.TrimSpace(entry.Content)
	entry.Tags = strings.TrimSpace(entry.Tags)
	if entry.Title == "" || entry.Content == "" {
		return Entry{}, fmt.Errorf("kb: title and content are required")
	}

	now := s.now()
	entry.UpdatedTime = now
	if entry.ID == "" {
		entry.ID = uuid.NewString()
		entry.Version = 1
		_, err := s.db.Conn().ExecContext(ctx,
			`INSERT INTO kb_entries (id, title, content, tags, enabled, version, updated_time) VALUES (?, ?, ?, ?, ?, 1, ?)`,
			entry.ID, entry.Title, entry.Content, entry.Tags, boolInt(entry.Enabled), now.Format(timeLayout))
		if err != nil {
			return Entry{}, err
		}
		return entry, nil
	}

	res, err := s.db.Conn().ExecContext(ctx,
		`UPDATE kb_entries SET title = ?, content = ?, tags = ?, enabled = ?, version = version + 1, updated_time = ? WHERE id = ?`,
		entry.Title, entry.Content, entry.Tags, boolInt(entry.Enabled), now.Format(timeLayout), entry.ID)
	if err != nil {
		return Entry{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Entry{}, err
	}
	if n == 0 {
		return Entry{}, sql.ErrNoRows
	}
	return s.Get(ctx, entry.ID)
}

func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	row := s.db.Conn().QueryRowContext(ctx,
		`SELECT id, title, content, tags, enabled, version, updated_time FROM kb_entries WHERE id = ?`, id)
	return scanEntry(row)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.Conn().ExecContext(ctx, `DELETE FROM kb_entries WHERE id = ?`, id)
	return err
}

// List returns entries, newest first, optionally filtered by free text over
// title/content/tags.
func (s *Store) List(ctx context.Context, query string) ([]Entry, error) {
	stmt := `SELECT id, title, content, tags, enabled, version, updated_time FROM kb_entries`
	args := []interface{}{}
	query = strings.TrimSpace(query)
	if query != "" {
		like := "%" + query + "%"
		stmt += ` WHERE (title LIKE ? OR content LIKE ? OR tags LIKE ?)`
		args = append(args, like, like, like)
	}
	stmt += ` ORDER BY updated_time DESC LIMIT 500`

	rows, err := s.db.Conn().QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]Entry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, entry)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var entry Entry
	var enabled int
	var updated string
	if err := row.Scan(&entry.ID, &entry.Title, &entry.Content, &entry.Tags, &enabled, &entry.Version, &updated); err != nil {
		return Entry{}, err
	}
	entry.Enabled = enabled != 0
	if t, err := time.ParseInLocation(timeLayout, updated, time.Local); err == nil {
		entry.UpdatedTime = t
	}
	return entry, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
