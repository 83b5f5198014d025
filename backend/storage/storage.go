// Package storage opens the Message Store backend selected by a DSN.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/adwski/synapse-relay/backend/model"
	"github.com/adwski/synapse-relay/backend/storage/memory"
	"github.com/adwski/synapse-relay/backend/storage/postgres"
	"github.com/adwski/synapse-relay/backend/storage/redis"
	"github.com/adwski/synapse-relay/backend/storage/sqlite"
)

var (
	ErrUnsupportedDSN = errors.New("unsupported storage dsn")
	ErrOpen           = errors.New("unable to open storage")
	ErrMigrate        = errors.New("unable to migrate storage")
)

// Store is the durable append-only message log.
type Store interface {
	// Append persists ev and fills its ID and CreatedAt.
	Append(ctx context.Context, ev *model.ChatEvent) error
	// FindAfter returns up to limit events with id > after in ascending id order.
	FindAfter(ctx context.Context, after model.EventID, limit int) ([]model.ChatEvent, error)
	Ping(ctx context.Context) error
	Close() error
}

// Backend returns the backend name for a DSN.
func Backend(dsn string) (string, error) {
	switch {
	case dsn == "", strings.HasPrefix(dsn, "memory:"):
		return "memory", nil
	case strings.HasPrefix(dsn, "sqlite://"), strings.HasPrefix(dsn, "file:"):
		return "sqlite", nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres", nil
	case strings.HasPrefix(dsn, "redis://"), strings.HasPrefix(dsn, "rediss://"):
		return "redis", nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedDSN, dsn)
}

// Open connects to the backend selected by dsn and prepares its schema.
// Any error here means the relay must not start.
func Open(ctx context.Context, dsn string) (Store, error) {
	backend, err := Backend(dsn)
	if err != nil {
		return nil, err
	}

	switch backend {
	case "sqlite":
		st, err := sqlite.NewStore(ctx, dsn)
		if err != nil {
			return nil, errors.Join(ErrOpen, err)
		}
		if err = st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, errors.Join(ErrMigrate, err)
		}
		return st, nil
	case "postgres":
		st, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			return nil, errors.Join(ErrOpen, err)
		}
		if err = st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, errors.Join(ErrMigrate, err)
		}
		return st, nil
	case "redis":
		st, err := redis.NewStore(ctx, dsn)
		if err != nil {
			return nil, errors.Join(ErrOpen, err)
		}
		return st, nil
	default:
		return memory.NewMemStore(), nil
	}
}
