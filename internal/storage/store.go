// Package storage provides the persistence layer for the engine. All
// persisted state (workspace, session, and worktree records, message logs,
// attachment manifests, counters) goes through the Store interface, which
// exposes key/value, hash, counter, and list primitives. Backends: SQLite
// (default), PostgreSQL, and Redis.
package storage

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("storage: store is closed")

// Store is the persistence contract consumed by the engine.
//
// List semantics follow Redis LRANGE: start/stop are inclusive and may be
// negative to index from the tail (-1 is the last element). Out-of-range
// bounds clamp; an inverted range yields an empty slice.
type Store interface {
	// Get returns the value for key. The boolean reports presence.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error
	// Delete removes keys and any hash, counter, or list stored under them.
	Delete(ctx context.Context, keys ...string) error
	// Incr atomically increments the counter at key and returns the new value.
	// Missing counters start at zero.
	Incr(ctx context.Context, key string) (int64, error)

	// HGet returns the value of field in the hash at key.
	HGet(ctx context.Context, key, field string) (string, bool, error)
	// HSet stores field=value in the hash at key.
	HSet(ctx context.Context, key, field, value string) error
	// HDel removes fields from the hash at key.
	HDel(ctx context.Context, key string, fields ...string) error
	// HGetAll returns every field=value pair in the hash at key.
	// A missing hash yields an empty map.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// RPush appends values to the list at key, creating it if needed.
	RPush(ctx context.Context, key string, values ...string) error
	// LRange returns the elements of the list at key between start and stop.
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	// LLen returns the length of the list at key (0 when missing).
	LLen(ctx context.Context, key string) (int64, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases the backend connection.
	Close() error
}

// normalizeRange maps Redis-style inclusive start/stop indexes onto
// [offset, offset+count) for a list of length n. ok is false when the
// range selects nothing.
func normalizeRange(start, stop, n int64) (offset, count int64, ok bool) {
	if n == 0 {
		return 0, 0, false
	}
	if start < 0 {
		start += n
		if start < 0 {
			start = 0
		}
	}
	if stop < 0 {
		stop += n
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop - start + 1, true
}
