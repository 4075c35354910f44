package registry

import (
	"context"
	"errors"
	"time"
)

var ErrStoreClosed = errors.New("registry: store closed")

// Entry is one registered endpoint of a path.
type Entry struct {
	Path     string
	Endpoint string
	Seen     time.Time // last registration or heartbeat
}

// Store persists registrations. Implementations are safe for concurrent use.
type Store interface {
	// Put records endpoint under path and reports whether it is new.
	Put(ctx context.Context, path, endpoint string, seen time.Time) (bool, error)
	// Delete reports whether the entry existed.
	Delete(ctx context.Context, path, endpoint string) (bool, error)
	// List returns all entries sorted by path then endpoint.
	List(ctx context.Context) ([]Entry, error)
	// Expire removes the entries last seen before t and returns how many.
	Expire(ctx context.Context, before time.Time) (int, error)
	Close() error
}
