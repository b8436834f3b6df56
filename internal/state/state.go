// Package state defines the storage contract the bot runtime depends on:
// the subscription set, per-thread locks with fencing tokens, and a small
// TTL cache. Backends live in subpackages (memory, redisstate, gormstate).
package state

import (
	"context"
	"errors"
	"iter"
	"time"
)

// ErrNotConnected is returned by every operation other than Connect when
// the adapter has not been connected or has been disconnected.
var ErrNotConnected = errors.New("state: not connected")

// Lock is a held per-thread lock. Token is the fencing token: release and
// extend only take effect while the stored token still matches.
type Lock struct {
	ThreadID  string
	Token     string
	ExpiresAt time.Time
}

// Adapter is the storage contract. Implementations must be safe for
// concurrent use; all operations honor ctx cancellation.
type Adapter interface {
	// Connect and Disconnect are idempotent. Disconnect clears volatile
	// state in non-persistent backends.
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	Subscribe(ctx context.Context, threadID string) error
	Unsubscribe(ctx context.Context, threadID string) error
	IsSubscribed(ctx context.Context, threadID string) (bool, error)
	// ListSubscriptions yields subscribed thread IDs lazily. The sequence is
	// finite and single-use. A non-empty adapterName keeps only IDs with
	// the "<adapterName>:" prefix.
	ListSubscriptions(ctx context.Context, adapterName string) iter.Seq2[string, error]

	// AcquireLock returns nil (no error) while a live lock exists for the
	// thread. The returned token is unpredictable and unique per
	// acquisition.
	AcquireLock(ctx context.Context, threadID string, ttl time.Duration) (*Lock, error)
	// ReleaseLock is a no-op when the token no longer matches the holder.
	ReleaseLock(ctx context.Context, lock *Lock) error
	// ExtendLock returns false when the token does not match or the lock
	// has expired; expired locks are evicted.
	ExtendLock(ctx context.Context, lock *Lock, ttl time.Duration) (bool, error)

	// CacheGet reports (value, present). Reads past the entry TTL report
	// absent. ttl <= 0 in CacheSet means no expiry.
	CacheGet(ctx context.Context, key string) (any, bool, error)
	CacheSet(ctx context.Context, key string, value any, ttl time.Duration) error
	CacheDelete(ctx context.Context, key string) error
}
