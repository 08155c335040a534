package storage

import (
	"context"
	"errors"

	"github.com/Avicted/courier/internal/message"
)

var ErrNotFound = message.ErrNotFound

var ErrUnknownDriver = errors.New("unknown storage driver")

type Store interface {
	Close(ctx context.Context) error
	Migrate(ctx context.Context) error
	Messages() message.Repository
}

// Open returns the store selected by driver ("postgres" or "memory").
func Open(ctx context.Context, driver, dbURL string) (Store, error) {
	switch driver {
	case "", "postgres":
		store, err := NewPostgresStore(ctx, dbURL)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, ErrUnknownDriver
	}
}
