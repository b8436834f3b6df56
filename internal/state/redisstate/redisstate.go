// Package redisstate is the production state backend. Subscriptions live
// in a Redis set, locks are SET NX PX keys fenced by Lua check scripts,
// and cache entries are JSON strings with optional PX expiry.
package redisstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Stars1233/chatsdk/internal/state"
)

// DefaultPrefix namespaces every key this backend writes.
const DefaultPrefix = "chat-sdk"

// scanCount is the per-batch hint for SSCAN cursor iteration.
const scanCount = 100

// releaseScript deletes the lock key only while it still holds the caller's
// fencing token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// extendScript refreshes the lock TTL only while the fencing token matches.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`)

// Options holds parameters for creating a Redis state adapter.
type Options struct {
	// URL is a redis:// connection string (REDIS_URL). Ignored when Client
	// is injected.
	URL string
	// Prefix namespaces keys; defaults to DefaultPrefix.
	Prefix string
	// Client, when non-nil, is used instead of dialing URL (tests).
	Client *redis.Client
}

var _ state.Adapter = (*Adapter)(nil)

// Adapter implements state.Adapter on Redis.
type Adapter struct {
	url    string
	prefix string

	mu        sync.Mutex
	connected bool
	client    *redis.Client
	owned     bool // whether Disconnect should close the client
}

// New creates a disconnected Redis adapter.
func New(opts Options) *Adapter {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Adapter{
		url:    opts.URL,
		prefix: prefix,
		client: opts.Client,
	}
}

func (a *Adapter) subsKey() string            { return a.prefix + ":subscriptions" }
func (a *Adapter) lockKey(threadID string) string { return a.prefix + ":lock:" + threadID }
func (a *Adapter) cacheKey(key string) string { return a.prefix + ":cache:" + key }

// Connect dials and pings Redis. It is idempotent; concurrent callers
// serialize on the adapter mutex and share the one successful connect.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}
	if a.client == nil {
		ropts, err := redis.ParseURL(a.url)
		if err != nil {
			return fmt.Errorf("redisstate: parse url: %w", err)
		}
		a.client = redis.NewClient(ropts)
		a.owned = true
	}
	if err := a.client.Ping(ctx).Err(); err != nil {
		if a.owned {
			a.client.Close()
			a.client = nil
			a.owned = false
		}
		return fmt.Errorf("redisstate: ping: %w", err)
	}
	a.connected = true
	return nil
}

// Disconnect resets the adapter and closes the client when the adapter
// dialed it itself; an injected client is left open. Idempotent.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil
	}
	a.connected = false
	if a.owned {
		err := a.client.Close()
		a.client = nil
		a.owned = false
		if err != nil {
			return fmt.Errorf("redisstate: close: %w", err)
		}
	}
	return nil
}

// conn returns the live client or ErrNotConnected.
func (a *Adapter) conn() (*redis.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, state.ErrNotConnected
	}
	return a.client, nil
}

func (a *Adapter) Subscribe(ctx context.Context, threadID string) error {
	c, err := a.conn()
	if err != nil {
		return err
	}
	if err := c.SAdd(ctx, a.subsKey(), threadID).Err(); err != nil {
		return fmt.Errorf("redisstate: subscribe: %w", err)
	}
	return nil
}

func (a *Adapter) Unsubscribe(ctx context.Context, threadID string) error {
	c, err := a.conn()
	if err != nil {
		return err
	}
	if err := c.SRem(ctx, a.subsKey(), threadID).Err(); err != nil {
		return fmt.Errorf("redisstate: unsubscribe: %w", err)
	}
	return nil
}

func (a *Adapter) IsSubscribed(ctx context.Context, threadID string) (bool, error) {
	c, err := a.conn()
	if err != nil {
		return false, err
	}
	ok, err := c.SIsMember(ctx, a.subsKey(), threadID).Result()
	if err != nil {
		return false, fmt.Errorf("redisstate: is subscribed: %w", err)
	}
	return ok, nil
}

// ListSubscriptions walks the subscription set with SSCAN, holding one
// batch in memory at a time. Prefix filtering happens client-side.
func (a *Adapter) ListSubscriptions(ctx context.Context, adapterName string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		c, err := a.conn()
		if err != nil {
			yield("", err)
			return
		}
		var cursor uint64
		for {
			batch, next, err := c.SScan(ctx, a.subsKey(), cursor, "", scanCount).Result()
			if err != nil {
				yield("", fmt.Errorf("redisstate: sscan: %w", err))
				return
			}
			for _, id := range batch {
				if adapterName != "" && !strings.HasPrefix(id, adapterName+":") {
					continue
				}
				if !yield(id, nil) {
					return
				}
			}
			if next == 0 {
				return
			}
			cursor = next
		}
	}
}

func (a *Adapter) AcquireLock(ctx context.Context, threadID string, ttl time.Duration) (*state.Lock, error) {
	c, err := a.conn()
	if err != nil {
		return nil, err
	}
	token := uuid.NewString()
	ok, err := c.SetNX(ctx, a.lockKey(threadID), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstate: acquire lock: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &state.Lock{
		ThreadID:  threadID,
		Token:     token,
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}

func (a *Adapter) ReleaseLock(ctx context.Context, lock *state.Lock) error {
	c, err := a.conn()
	if err != nil {
		return err
	}
	if lock == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, c, []string{a.lockKey(lock.ThreadID)}, lock.Token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redisstate: release lock: %w", err)
	}
	return nil
}

func (a *Adapter) ExtendLock(ctx context.Context, lock *state.Lock, ttl time.Duration) (bool, error) {
	c, err := a.conn()
	if err != nil {
		return false, err
	}
	if lock == nil {
		return false, nil
	}
	n, err := extendScript.Run(ctx, c, []string{a.lockKey(lock.ThreadID)}, lock.Token, ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("redisstate: extend lock: %w", err)
	}
	return n == 1, nil
}

func (a *Adapter) CacheGet(ctx context.Context, key string) (any, bool, error) {
	c, err := a.conn()
	if err != nil {
		return nil, false, err
	}
	raw, err := c.Get(ctx, a.cacheKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redisstate: cache get: %w", err)
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		// Value predates JSON encoding; fall back to the raw string.
		return raw, true, nil
	}
	return value, true, nil
}

func (a *Adapter) CacheSet(ctx context.Context, key string, value any, ttl time.Duration) error {
	c, err := a.conn()
	if err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("redisstate: cache set: encode: %w", err)
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := c.Set(ctx, a.cacheKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redisstate: cache set: %w", err)
	}
	return nil
}

func (a *Adapter) CacheDelete(ctx context.Context, key string) error {
	c, err := a.conn()
	if err != nil {
		return err
	}
	if err := c.Del(ctx, a.cacheKey(key)).Err(); err != nil {
		return fmt.Errorf("redisstate: cache delete: %w", err)
	}
	return nil
}
