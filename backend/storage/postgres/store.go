package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adwski/synapse-relay/backend/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id         BIGSERIAL PRIMARY KEY,
	content    TEXT NOT NULL,
	"user"     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
	type       TEXT NOT NULL DEFAULT 'text'
);`

// Store keeps the message log in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a connection pool and checks that the database is reachable.
func NewStore(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the messages table.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Append inserts the event. Concurrent inserts are ordered by the sequence;
// the relay serializes appends so sequence order equals commit order.
func (s *Store) Append(ctx context.Context, ev *model.ChatEvent) error {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (content, "user", type)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, ev.Content, ev.Author, string(ev.Kind)).Scan(&id, &ev.CreatedAt)
	if err != nil {
		return err
	}
	ev.ID = model.EventID(id)
	ev.CreatedAt = ev.CreatedAt.UTC()
	return nil
}

func (s *Store) FindAfter(ctx context.Context, after model.EventID, limit int) ([]model.ChatEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, content, "user", created_at, type
		FROM messages
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2
	`, int64(after), limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.ChatEvent, error) {
		var (
			ev   model.ChatEvent
			id   int64
			kind string
		)
		if err := row.Scan(&id, &ev.Content, &ev.Author, &ev.CreatedAt, &kind); err != nil {
			return ev, err
		}
		ev.ID = model.EventID(id)
		ev.Kind = model.Kind(kind)
		ev.CreatedAt = ev.CreatedAt.UTC()
		return ev, nil
	})
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
