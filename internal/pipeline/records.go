package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"guildstats/internal/gateway"
	"guildstats/internal/snapshot"
)

// Gateway key prefixes, one per record kind.
const (
	prefixSnapshot = "snap:"
	prefixLKG      = "lkg:"
	prefixLock     = "lock:"
	prefixRetry    = "retry:"
	keyIndexKey    = "index:keys"
)

// lastKnownGood is the most recent successful snapshot, kept without expiry.
type lastKnownGood struct {
	Stats     *snapshot.Snapshot `json:"stats"`
	Timestamp int64              `json:"timestamp"`
}

// refreshLock marks an in-flight refresh. Owner scopes the release.
type refreshLock struct {
	Owner     string `json:"owner"`
	LockedAt  int64  `json:"locked_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// retryDeadline is the unix time before which upstream is not retried.
type retryDeadline struct {
	Value int64 `json:"value"`
}

// records reads and writes the typed records of one gateway.
type records struct {
	gw gateway.Gateway
}

func (r records) getJSON(ctx context.Context, key string, v any) (bool, error) {
	b, ok, err := r.gw.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("gateway get %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		// A record we cannot read is as good as missing.
		return false, nil
	}
	return true, nil
}

func (r records) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := r.gw.Set(ctx, key, b, ttl); err != nil {
		return fmt.Errorf("gateway set %s: %w", key, err)
	}
	return nil
}

func (r records) snapshot(ctx context.Context, key string) (*snapshot.Snapshot, bool, error) {
	var s snapshot.Snapshot
	ok, err := r.getJSON(ctx, prefixSnapshot+key, &s)
	if !ok || err != nil {
		return nil, false, err
	}
	return &s, true, nil
}

func (r records) lastKnownGood(ctx context.Context, key string) (lastKnownGood, bool, error) {
	var lkg lastKnownGood
	ok, err := r.getJSON(ctx, prefixLKG+key, &lkg)
	if ok && lkg.Stats == nil {
		ok = false
	}
	return lkg, ok, err
}

func (r records) lock(ctx context.Context, key string) (refreshLock, bool, error) {
	var l refreshLock
	ok, err := r.getJSON(ctx, prefixLock+key, &l)
	return l, ok, err
}

func (r records) retryDeadline(ctx context.Context, key string) (retryDeadline, bool, error) {
	var d retryDeadline
	ok, err := r.getJSON(ctx, prefixRetry+key, &d)
	return d, ok, err
}

// ttlSeconds converts whole seconds into a gateway TTL.
func ttlSeconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
