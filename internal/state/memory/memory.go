// Package memory is the in-process state backend used in development and
// as the test double. All state is lost on Disconnect.
package memory

import (
	"context"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Stars1233/chatsdk/internal/state"
)

type cacheEntry struct {
	value     any
	expiresAt time.Time // zero = no expiry
}

var _ state.Adapter = (*Adapter)(nil)

// Adapter implements state.Adapter with plain maps behind one mutex.
type Adapter struct {
	mu        sync.Mutex
	connected bool
	subs      map[string]struct{}
	locks     map[string]state.Lock
	cache     map[string]cacheEntry

	// now is swappable in tests.
	now func() time.Time
}

// New creates a disconnected in-memory adapter.
func New() *Adapter {
	return &Adapter{now: time.Now}
}

// Connect is idempotent.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}
	a.subs = make(map[string]struct{})
	a.locks = make(map[string]state.Lock)
	a.cache = make(map[string]cacheEntry)
	a.connected = true
	return nil
}

// Disconnect clears subscriptions, locks and the cache.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	a.subs = nil
	a.locks = nil
	a.cache = nil
	return nil
}

func (a *Adapter) Subscribe(ctx context.Context, threadID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return state.ErrNotConnected
	}
	a.subs[threadID] = struct{}{}
	return nil
}

func (a *Adapter) Unsubscribe(ctx context.Context, threadID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return state.ErrNotConnected
	}
	delete(a.subs, threadID)
	return nil
}

func (a *Adapter) IsSubscribed(ctx context.Context, threadID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return false, state.ErrNotConnected
	}
	_, ok := a.subs[threadID]
	return ok, nil
}

// ListSubscriptions yields a snapshot taken at first pull.
func (a *Adapter) ListSubscriptions(ctx context.Context, adapterName string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		a.mu.Lock()
		if !a.connected {
			a.mu.Unlock()
			yield("", state.ErrNotConnected)
			return
		}
		ids := make([]string, 0, len(a.subs))
		for id := range a.subs {
			if adapterName == "" || strings.HasPrefix(id, adapterName+":") {
				ids = append(ids, id)
			}
		}
		a.mu.Unlock()

		for _, id := range ids {
			if ctx.Err() != nil {
				yield("", ctx.Err())
				return
			}
			if !yield(id, nil) {
				return
			}
		}
	}
}

// reapLocks drops expired locks. Callers hold a.mu.
func (a *Adapter) reapLocks() {
	now := a.now()
	for id, l := range a.locks {
		if !l.ExpiresAt.After(now) {
			delete(a.locks, id)
		}
	}
}

func (a *Adapter) AcquireLock(ctx context.Context, threadID string, ttl time.Duration) (*state.Lock, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, state.ErrNotConnected
	}
	a.reapLocks()
	if _, held := a.locks[threadID]; held {
		return nil, nil
	}
	l := state.Lock{
		ThreadID:  threadID,
		Token:     uuid.NewString(),
		ExpiresAt: a.now().Add(ttl),
	}
	a.locks[threadID] = l
	out := l
	return &out, nil
}

func (a *Adapter) ReleaseLock(ctx context.Context, lock *state.Lock) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return state.ErrNotConnected
	}
	a.reapLocks()
	if lock == nil {
		return nil
	}
	held, ok := a.locks[lock.ThreadID]
	if !ok || held.Token != lock.Token {
		// Stale or forged token: silent no-op.
		return nil
	}
	delete(a.locks, lock.ThreadID)
	return nil
}

func (a *Adapter) ExtendLock(ctx context.Context, lock *state.Lock, ttl time.Duration) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return false, state.ErrNotConnected
	}
	a.reapLocks()
	if lock == nil {
		return false, nil
	}
	held, ok := a.locks[lock.ThreadID]
	if !ok || held.Token != lock.Token {
		return false, nil
	}
	held.ExpiresAt = a.now().Add(ttl)
	a.locks[lock.ThreadID] = held
	return true, nil
}

func (a *Adapter) CacheGet(ctx context.Context, key string) (any, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, false, state.ErrNotConnected
	}
	e, ok := a.cache[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && !e.expiresAt.After(a.now()) {
		delete(a.cache, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (a *Adapter) CacheSet(ctx context.Context, key string, value any, ttl time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return state.ErrNotConnected
	}
	e := cacheEntry{value: value}
	if ttl > 0 {
		e.expiresAt = a.now().Add(ttl)
	}
	a.cache[key] = e
	return nil
}

func (a *Adapter) CacheDelete(ctx context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return state.ErrNotConnected
	}
	delete(a.cache, key)
	return nil
}
