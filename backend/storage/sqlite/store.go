package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/adwski/synapse-relay/backend/model"
)

const defaultBusyTimeout = 5000

// Store keeps the message log in a SQLite file.
type Store struct {
	db *sql.DB

	mx   sync.Mutex
	last time.Time
}

// NewStore opens the SQLite database at path. Call Migrate before use and Close when done.
func NewStore(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = "synapse.db"
	}
	db, err := sql.Open("sqlite", buildDSN(path))
	if err != nil {
		return nil, err
	}
	// single writer keeps AUTOINCREMENT order equal to commit order
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=journal_mode=WAL", path, separator, defaultBusyTimeout)
}

// Migrate creates the messages table.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			content TEXT NOT NULL,
			user TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			type TEXT NOT NULL DEFAULT 'text'
		);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) Append(ctx context.Context, ev *model.ChatEvent) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	ts := time.Now().UTC()
	if ts.Before(s.last) {
		ts = s.last
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(content, user, created_at, type) VALUES(?, ?, ?, ?)`,
		ev.Content, ev.Author, ts, string(ev.Kind))
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	s.last = ts
	ev.ID = model.EventID(id)
	ev.CreatedAt = ts
	return nil
}

func (s *Store) FindAfter(ctx context.Context, after model.EventID, limit int) ([]model.ChatEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, user, created_at, type
		FROM messages
		WHERE id > ?
		ORDER BY id ASC
		LIMIT ?
	`, int64(after), limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var events []model.ChatEvent
	for rows.Next() {
		var (
			ev   model.ChatEvent
			kind string
		)
		if err = rows.Scan(&ev.ID, &ev.Content, &ev.Author, &ev.CreatedAt, &kind); err != nil {
			return nil, err
		}
		ev.Kind = model.Kind(kind)
		events = append(events, ev)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}
