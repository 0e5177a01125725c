package storage

import (
	"context"
	"errors"
	"time"

	"iacnotify/internal/model"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values: "memory" (or empty), "file", "sqlite", "postgres".
type Config struct {
	Driver      string
	Path        string        // file, sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means pgx default
}

// Store is the persistence API used by the history package.
//
// Records are returned newest first. before is an event id cursor: only
// records appended before it are returned; an unknown cursor yields an empty
// page.
type Store interface {
	Append(ctx context.Context, rec model.Record) error
	List(ctx context.Context, limit int, before string) ([]model.Record, error)
	Get(ctx context.Context, eventID string) (model.Record, bool, error)
	Count(ctx context.Context) (int, error)
	// TrimOldest deletes the oldest records so at most keep remain.
	TrimOldest(ctx context.Context, keep int) (int, error)
	// DeleteBefore deletes records whose event timestamp is before t.
	DeleteBefore(ctx context.Context, t time.Time) (int, error)
	Ping(ctx context.Context) error
	Close() error
}
