// Package gateway is the key/value store with expiration behind the stats
// pipeline. Backends hold opaque bytes and carry no business logic.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"math"
	"time"
)

// ErrClosed is returned by operations on a closed gateway.
var ErrClosed = errors.New("gateway: closed")

// Gateway is a key/value store with per-key TTL. A ttl of 0 means the entry
// never expires.
type Gateway interface {
	// Get returns the value for key, or ok=false when absent or expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Add stores value only if key is absent or expired. It reports whether
	// the value was stored. Add is atomic with respect to other Add calls.
	Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// DeleteIf removes key only when its current value equals value. It
	// reports whether an entry was removed.
	DeleteIf(ctx context.Context, key string, value []byte) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases resources held by the gateway.
	Close() error
}

// entry is the stored form used by the in-process backends.
type entry struct {
	Value     []byte
	ExpiresAt int64 // unix nanoseconds, 0 = never
}

func newEntry(value []byte, ttl time.Duration, now time.Time) entry {
	e := entry{Value: bytes.Clone(value)}
	if ttl <= 0 {
		return e
	}
	// Deadlines past the int64 nanosecond range saturate instead of wrapping
	// into the past.
	ns := now.UnixNano()
	if ttl > time.Duration(math.MaxInt64-ns) {
		e.ExpiresAt = math.MaxInt64
		return e
	}
	e.ExpiresAt = ns + int64(ttl)
	return e
}

func (e entry) expired(now time.Time) bool {
	return e.ExpiresAt != 0 && now.UnixNano() >= e.ExpiresAt
}
