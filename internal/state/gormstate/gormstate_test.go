package gormstate

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Stars1233/chatsdk/internal/state"
)

func openAdapter(t *testing.T) *Adapter {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	a := New(Options{DB: db})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return a
}

func TestNotConnected(t *testing.T) {
	a := New(Options{Path: ":memory:"})
	if err := a.Subscribe(context.Background(), "slack:C1:1"); !errors.Is(err, state.ErrNotConnected) {
		t.Errorf("Subscribe = %v, want ErrNotConnected", err)
	}
}

func TestSubscriptions(t *testing.T) {
	a := openAdapter(t)
	ctx := context.Background()

	for _, id := range []string{"slack:C1:1", "slack:C2:2", "teams:T:3"} {
		if err := a.Subscribe(ctx, id); err != nil {
			t.Fatalf("Subscribe %s: %v", id, err)
		}
	}
	// Re-subscribing is a no-op upsert.
	if err := a.Subscribe(ctx, "slack:C1:1"); err != nil {
		t.Fatalf("duplicate Subscribe: %v", err)
	}

	ok, err := a.IsSubscribed(ctx, "slack:C1:1")
	if err != nil || !ok {
		t.Fatalf("IsSubscribed = (%v, %v)", ok, err)
	}

	count := func(name string) int {
		n := 0
		for _, err := range a.ListSubscriptions(ctx, name) {
			if err != nil {
				t.Fatalf("ListSubscriptions: %v", err)
			}
			n++
		}
		return n
	}
	if got := count(""); got != 3 {
		t.Errorf("unfiltered = %d, want 3", got)
	}
	if got := count("slack"); got != 2 {
		t.Errorf("slack = %d, want 2", got)
	}
	if got := count("discord"); got != 0 {
		t.Errorf("discord = %d, want 0", got)
	}

	if err := a.Unsubscribe(ctx, "slack:C1:1"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if ok, _ := a.IsSubscribed(ctx, "slack:C1:1"); ok {
		t.Error("still subscribed after Unsubscribe")
	}
}

func TestLockLifecycle(t *testing.T) {
	a := openAdapter(t)
	ctx := context.Background()

	l1, err := a.AcquireLock(ctx, "t", time.Minute)
	if err != nil || l1 == nil {
		t.Fatalf("AcquireLock = (%v, %v)", l1, err)
	}
	if held, _ := a.AcquireLock(ctx, "t", time.Minute); held != nil {
		t.Error("second acquisition succeeded while held")
	}

	forged := &state.Lock{ThreadID: "t", Token: "wrong"}
	if err := a.ReleaseLock(ctx, forged); err != nil {
		t.Fatalf("ReleaseLock(forged): %v", err)
	}
	if held, _ := a.AcquireLock(ctx, "t", time.Minute); held != nil {
		t.Error("forged release freed the lock")
	}
	if ok, _ := a.ExtendLock(ctx, forged, time.Minute); ok {
		t.Error("forged extend succeeded")
	}

	ok, err := a.ExtendLock(ctx, l1, time.Minute)
	if err != nil || !ok {
		t.Fatalf("ExtendLock = (%v, %v), want (true, nil)", ok, err)
	}

	if err := a.ReleaseLock(ctx, l1); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	l2, err := a.AcquireLock(ctx, "t", time.Minute)
	if err != nil || l2 == nil {
		t.Fatalf("AcquireLock after release = (%v, %v)", l2, err)
	}
	if l2.Token == l1.Token {
		t.Error("token reused across acquisitions")
	}
}

func TestLockExpiry(t *testing.T) {
	a := openAdapter(t)
	ctx := context.Background()

	l, err := a.AcquireLock(ctx, "t", 10*time.Millisecond)
	if err != nil || l == nil {
		t.Fatalf("AcquireLock = (%v, %v)", l, err)
	}
	time.Sleep(20 * time.Millisecond)

	if ok, _ := a.ExtendLock(ctx, l, time.Minute); ok {
		t.Error("extended an expired lock")
	}
	fresh, err := a.AcquireLock(ctx, "t", time.Minute)
	if err != nil || fresh == nil {
		t.Fatalf("AcquireLock after expiry = (%v, %v)", fresh, err)
	}
}

func TestCache(t *testing.T) {
	a := openAdapter(t)
	ctx := context.Background()

	if err := a.CacheSet(ctx, "config", map[string]any{"limit": float64(5)}, 0); err != nil {
		t.Fatalf("CacheSet: %v", err)
	}
	v, present, err := a.CacheGet(ctx, "config")
	if err != nil || !present {
		t.Fatalf("CacheGet = (%v, %v, %v)", v, present, err)
	}
	m, ok := v.(map[string]any)
	if !ok || m["limit"] != float64(5) {
		t.Errorf("decoded %#v", v)
	}

	if err := a.CacheSet(ctx, "brief", "v", 10*time.Millisecond); err != nil {
		t.Fatalf("CacheSet: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, present, _ := a.CacheGet(ctx, "brief"); present {
		t.Error("expired entry still present")
	}

	if err := a.CacheDelete(ctx, "config"); err != nil {
		t.Fatalf("CacheDelete: %v", err)
	}
	if _, present, _ := a.CacheGet(ctx, "config"); present {
		t.Error("deleted entry still present")
	}
}

func TestPersistsAcrossReconnect(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	a := New(Options{DB: db})
	ctx := context.Background()
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := a.Subscribe(ctx, "slack:C1:1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := a.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	ok, err := a.IsSubscribed(ctx, "slack:C1:1")
	if err != nil || !ok {
		t.Fatalf("IsSubscribed after reconnect = (%v, %v), want (true, nil)", ok, err)
	}
}
