// Package store persists serialized session records against a TTL-backed
// key-value backend.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record is absent or has expired.
	ErrNotFound = errors.New("session record not found")
	// ErrUnavailable is returned while no backend connection is established.
	ErrUnavailable = errors.New("session store unavailable")
)

// NoExpiry is reported by TTLRemaining for records written without a TTL.
const NoExpiry time.Duration = -1

// Adapter reads and writes opaque session records keyed by session id.
type Adapter interface {
	Get(ctx context.Context, sessionID string) ([]byte, error)
	Set(ctx context.Context, sessionID string, data []byte, ttl time.Duration) error
	TTLRemaining(ctx context.Context, sessionID string) (time.Duration, error)
	Ping(ctx context.Context) error
	Close() error
}
