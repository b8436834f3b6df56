package redisstate

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Stars1233/chatsdk/internal/state"
)

func openAdapter(t *testing.T) (*Adapter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	a := New(Options{Client: client})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return a, mr
}

func TestNotConnected(t *testing.T) {
	a := New(Options{URL: "redis://127.0.0.1:0"})
	if err := a.Subscribe(context.Background(), "slack:C1:1"); !errors.Is(err, state.ErrNotConnected) {
		t.Errorf("Subscribe = %v, want ErrNotConnected", err)
	}
}

func TestKeyLayout(t *testing.T) {
	a, mr := openAdapter(t)
	ctx := context.Background()

	if err := a.Subscribe(ctx, "slack:C1:1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if !mr.Exists("chat-sdk:subscriptions") {
		t.Error("subscriptions set missing under default prefix")
	}

	lock, err := a.AcquireLock(ctx, "slack:C1:1", time.Minute)
	if err != nil || lock == nil {
		t.Fatalf("AcquireLock = (%v, %v)", lock, err)
	}
	if !mr.Exists("chat-sdk:lock:slack:C1:1") {
		t.Error("lock key missing under default prefix")
	}
	got, err := mr.Get("chat-sdk:lock:slack:C1:1")
	if err != nil || got != lock.Token {
		t.Errorf("lock value = (%q, %v), want token %q", got, err, lock.Token)
	}

	if err := a.CacheSet(ctx, "greeting", "hello", 0); err != nil {
		t.Fatalf("CacheSet: %v", err)
	}
	raw, err := mr.Get("chat-sdk:cache:greeting")
	if err != nil || raw != `"hello"` {
		t.Errorf("cache value = (%q, %v), want JSON string", raw, err)
	}
}

func TestCustomPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	a := New(Options{Client: client, Prefix: "mybot"})
	ctx := context.Background()
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := a.Subscribe(ctx, "slack:C1:1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if !mr.Exists("mybot:subscriptions") {
		t.Error("subscriptions not namespaced by custom prefix")
	}
}

func TestSubscriptionListing(t *testing.T) {
	a, _ := openAdapter(t)
	ctx := context.Background()

	for _, id := range []string{"slack:C1:1", "slack:C2:2", "teams:T:3"} {
		if err := a.Subscribe(ctx, id); err != nil {
			t.Fatalf("Subscribe %s: %v", id, err)
		}
	}

	count := func(adapterName string) int {
		n := 0
		for _, err := range a.ListSubscriptions(ctx, adapterName) {
			if err != nil {
				t.Fatalf("ListSubscriptions(%q): %v", adapterName, err)
			}
			n++
		}
		return n
	}

	if got := count(""); got != 3 {
		t.Errorf("unfiltered listing = %d, want 3", got)
	}
	if got := count("slack"); got != 2 {
		t.Errorf("slack listing = %d, want 2", got)
	}
	if got := count("discord"); got != 0 {
		t.Errorf("discord listing = %d, want 0", got)
	}

	if err := a.Unsubscribe(ctx, "slack:C1:1"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if got := count("slack"); got != 1 {
		t.Errorf("slack listing after unsubscribe = %d, want 1", got)
	}
}

func TestListSubscriptionsPastScanBatch(t *testing.T) {
	a, _ := openAdapter(t)
	ctx := context.Background()

	// More members than one SSCAN COUNT batch.
	for i := 0; i < 250; i++ {
		id := fmt.Sprintf("slack:C%d:%d", i, i)
		if err := a.Subscribe(ctx, id); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}
	seen := map[string]bool{}
	for id, err := range a.ListSubscriptions(ctx, "slack") {
		if err != nil {
			t.Fatalf("ListSubscriptions: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
	if len(seen) != 250 {
		t.Errorf("listed %d ids, want 250", len(seen))
	}
}

func TestLockHandoff(t *testing.T) {
	a, _ := openAdapter(t)
	ctx := context.Background()

	l1, err := a.AcquireLock(ctx, "t", 5*time.Second)
	if err != nil || l1 == nil {
		t.Fatalf("first AcquireLock = (%v, %v)", l1, err)
	}
	held, err := a.AcquireLock(ctx, "t", 5*time.Second)
	if err != nil || held != nil {
		t.Fatalf("second AcquireLock = (%v, %v), want (nil, nil)", held, err)
	}
	if err := a.ReleaseLock(ctx, l1); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	l2, err := a.AcquireLock(ctx, "t", 5*time.Second)
	if err != nil || l2 == nil {
		t.Fatalf("AcquireLock after release = (%v, %v)", l2, err)
	}
	if l2.Token == l1.Token {
		t.Error("token reused across acquisitions")
	}
}

func TestLockExpiry(t *testing.T) {
	a, mr := openAdapter(t)
	ctx := context.Background()

	l, err := a.AcquireLock(ctx, "t", 10*time.Millisecond)
	if err != nil || l == nil {
		t.Fatalf("AcquireLock = (%v, %v)", l, err)
	}
	mr.FastForward(20 * time.Millisecond)

	ok, err := a.ExtendLock(ctx, l, 5*time.Second)
	if err != nil {
		t.Fatalf("ExtendLock: %v", err)
	}
	if ok {
		t.Error("extended an expired lock")
	}

	fresh, err := a.AcquireLock(ctx, "t", 5*time.Second)
	if err != nil || fresh == nil {
		t.Fatalf("AcquireLock after expiry = (%v, %v)", fresh, err)
	}
	if fresh.Token == l.Token {
		t.Error("token reused after expiry")
	}
}

func TestLockFencing(t *testing.T) {
	a, mr := openAdapter(t)
	ctx := context.Background()

	live, err := a.AcquireLock(ctx, "t", time.Minute)
	if err != nil || live == nil {
		t.Fatalf("AcquireLock = (%v, %v)", live, err)
	}

	forged := &state.Lock{ThreadID: "t", Token: "forged-token"}
	if err := a.ReleaseLock(ctx, forged); err != nil {
		t.Fatalf("ReleaseLock(forged): %v", err)
	}
	if got, _ := mr.Get("chat-sdk:lock:t"); got != live.Token {
		t.Error("forged release removed the live lock")
	}

	ok, err := a.ExtendLock(ctx, forged, time.Minute)
	if err != nil {
		t.Fatalf("ExtendLock(forged): %v", err)
	}
	if ok {
		t.Error("forged extend succeeded")
	}
}

func TestLockExtendRefreshesTTL(t *testing.T) {
	a, mr := openAdapter(t)
	ctx := context.Background()

	l, err := a.AcquireLock(ctx, "t", 50*time.Millisecond)
	if err != nil || l == nil {
		t.Fatalf("AcquireLock = (%v, %v)", l, err)
	}
	ok, err := a.ExtendLock(ctx, l, time.Minute)
	if err != nil || !ok {
		t.Fatalf("ExtendLock = (%v, %v), want (true, nil)", ok, err)
	}
	mr.FastForward(100 * time.Millisecond)
	if held, _ := a.AcquireLock(ctx, "t", time.Minute); held != nil {
		t.Error("lock expired despite extension")
	}
}

func TestCacheRoundTrip(t *testing.T) {
	a, mr := openAdapter(t)
	ctx := context.Background()

	if err := a.CacheSet(ctx, "config", map[string]any{"retries": float64(3)}, 0); err != nil {
		t.Fatalf("CacheSet: %v", err)
	}
	v, present, err := a.CacheGet(ctx, "config")
	if err != nil || !present {
		t.Fatalf("CacheGet = (%v, %v, %v)", v, present, err)
	}
	m, ok := v.(map[string]any)
	if !ok || m["retries"] != float64(3) {
		t.Errorf("CacheGet decoded %#v", v)
	}

	// Raw (non-JSON) values fall back to the string itself.
	mr.Set("chat-sdk:cache:legacy", "plain text")
	v, present, err = a.CacheGet(ctx, "legacy")
	if err != nil || !present || v != "plain text" {
		t.Errorf("CacheGet(legacy) = (%v, %v, %v)", v, present, err)
	}

	if _, present, _ := a.CacheGet(ctx, "missing"); present {
		t.Error("absent key reported present")
	}
}

func TestCacheTTL(t *testing.T) {
	a, mr := openAdapter(t)
	ctx := context.Background()

	if err := a.CacheSet(ctx, "brief", "v", 10*time.Millisecond); err != nil {
		t.Fatalf("CacheSet: %v", err)
	}
	mr.FastForward(20 * time.Millisecond)
	if _, present, _ := a.CacheGet(ctx, "brief"); present {
		t.Error("expired entry still present")
	}

	if err := a.CacheSet(ctx, "kept", "v", 0); err != nil {
		t.Fatalf("CacheSet: %v", err)
	}
	mr.FastForward(time.Hour)
	if _, present, _ := a.CacheGet(ctx, "kept"); !present {
		t.Error("no-expiry entry vanished")
	}

	if err := a.CacheDelete(ctx, "kept"); err != nil {
		t.Fatalf("CacheDelete: %v", err)
	}
	if _, present, _ := a.CacheGet(ctx, "kept"); present {
		t.Error("deleted entry still present")
	}
}

func TestDisconnect(t *testing.T) {
	a, _ := openAdapter(t)
	ctx := context.Background()

	if err := a.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := a.Subscribe(ctx, "slack:C1:1"); !errors.Is(err, state.ErrNotConnected) {
		t.Errorf("Subscribe after disconnect = %v, want ErrNotConnected", err)
	}
	// Idempotent.
	if err := a.Disconnect(ctx); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
}
