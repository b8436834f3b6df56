// Package gormstate is a SQL state backend for single-node deployments
// that want persistence without running Redis. It stores subscriptions,
// locks and cache entries in sqlite via gorm; fencing checks run inside
// transactions.
package gormstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Stars1233/chatsdk/internal/state"
)

// Subscription marks a thread the bot attends to.
type Subscription struct {
	ThreadID  string `gorm:"primaryKey"`
	CreatedAt time.Time
}

// ThreadLock is a per-thread lock row. Token is the fencing token.
type ThreadLock struct {
	ThreadID  string `gorm:"primaryKey"`
	Token     string
	ExpiresAt time.Time
}

// CacheEntry is a JSON-encoded cache row. A nil ExpiresAt means no expiry.
type CacheEntry struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	ExpiresAt *time.Time
}

// Options holds parameters for creating a SQL state adapter.
type Options struct {
	// Path is the sqlite database path; ":memory:" works for tests.
	// Ignored when DB is injected.
	Path string
	// DB, when non-nil, is used instead of opening Path.
	DB *gorm.DB
}

var _ state.Adapter = (*Adapter)(nil)

// Adapter implements state.Adapter on gorm.
type Adapter struct {
	path string

	mu        sync.Mutex
	connected bool
	db        *gorm.DB
}

// New creates a disconnected SQL adapter.
func New(opts Options) *Adapter {
	return &Adapter{path: opts.Path, db: opts.DB}
}

// Connect opens the database and migrates the three tables. Idempotent.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}
	if a.db == nil {
		db, err := gorm.Open(sqlite.Open(a.path), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return fmt.Errorf("gormstate: open: %w", err)
		}
		a.db = db
	}
	if err := a.db.WithContext(ctx).AutoMigrate(&Subscription{}, &ThreadLock{}, &CacheEntry{}); err != nil {
		return fmt.Errorf("gormstate: migrate: %w", err)
	}
	a.connected = true
	return nil
}

// Disconnect marks the adapter unusable; data stays on disk.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	return nil
}

func (a *Adapter) conn() (*gorm.DB, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, state.ErrNotConnected
	}
	return a.db, nil
}

func (a *Adapter) Subscribe(ctx context.Context, threadID string) error {
	db, err := a.conn()
	if err != nil {
		return err
	}
	sub := Subscription{ThreadID: threadID, CreatedAt: time.Now()}
	if err := db.WithContext(ctx).Save(&sub).Error; err != nil {
		return fmt.Errorf("gormstate: subscribe: %w", err)
	}
	return nil
}

func (a *Adapter) Unsubscribe(ctx context.Context, threadID string) error {
	db, err := a.conn()
	if err != nil {
		return err
	}
	if err := db.WithContext(ctx).Delete(&Subscription{}, "thread_id = ?", threadID).Error; err != nil {
		return fmt.Errorf("gormstate: unsubscribe: %w", err)
	}
	return nil
}

func (a *Adapter) IsSubscribed(ctx context.Context, threadID string) (bool, error) {
	db, err := a.conn()
	if err != nil {
		return false, err
	}
	var count int64
	if err := db.WithContext(ctx).Model(&Subscription{}).Where("thread_id = ?", threadID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("gormstate: is subscribed: %w", err)
	}
	return count > 0, nil
}

// ListSubscriptions pages through the table in batches, keeping one batch
// in memory at a time.
func (a *Adapter) ListSubscriptions(ctx context.Context, adapterName string) iter.Seq2[string, error] {
	const batchSize = 100
	return func(yield func(string, error) bool) {
		db, err := a.conn()
		if err != nil {
			yield("", err)
			return
		}
		last := ""
		for {
			var batch []Subscription
			q := db.WithContext(ctx).Order("thread_id").Limit(batchSize).Where("thread_id > ?", last)
			if adapterName != "" {
				q = q.Where("thread_id LIKE ?", adapterName+":%")
			}
			if err := q.Find(&batch).Error; err != nil {
				yield("", fmt.Errorf("gormstate: list subscriptions: %w", err))
				return
			}
			for _, sub := range batch {
				if !yield(sub.ThreadID, nil) {
					return
				}
			}
			if len(batch) < batchSize {
				return
			}
			last = batch[len(batch)-1].ThreadID
		}
	}
}

func (a *Adapter) AcquireLock(ctx context.Context, threadID string, ttl time.Duration) (*state.Lock, error) {
	db, err := a.conn()
	if err != nil {
		return nil, err
	}
	lock := state.Lock{
		ThreadID:  threadID,
		Token:     uuid.NewString(),
		ExpiresAt: time.Now().Add(ttl),
	}
	acquired := false
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Reap the expired lock, if any, then check for a live holder.
		if err := tx.Delete(&ThreadLock{}, "thread_id = ? AND expires_at <= ?", threadID, time.Now()).Error; err != nil {
			return fmt.Errorf("reap: %w", err)
		}
		var existing ThreadLock
		result := tx.Where("thread_id = ?", threadID).First(&existing)
		if result.Error == nil {
			return nil // held, acquired stays false
		}
		if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check holder: %w", result.Error)
		}
		row := ThreadLock{ThreadID: lock.ThreadID, Token: lock.Token, ExpiresAt: lock.ExpiresAt}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("create: %w", err)
		}
		acquired = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("gormstate: acquire lock: %w", err)
	}
	if !acquired {
		return nil, nil
	}
	return &lock, nil
}

func (a *Adapter) ReleaseLock(ctx context.Context, lock *state.Lock) error {
	db, err := a.conn()
	if err != nil {
		return err
	}
	if lock == nil {
		return nil
	}
	// Token mismatch deletes zero rows, which is the required no-op.
	if err := db.WithContext(ctx).Delete(&ThreadLock{}, "thread_id = ? AND token = ?", lock.ThreadID, lock.Token).Error; err != nil {
		return fmt.Errorf("gormstate: release lock: %w", err)
	}
	return nil
}

func (a *Adapter) ExtendLock(ctx context.Context, lock *state.Lock, ttl time.Duration) (bool, error) {
	db, err := a.conn()
	if err != nil {
		return false, err
	}
	if lock == nil {
		return false, nil
	}
	extended := false
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&ThreadLock{}, "thread_id = ? AND expires_at <= ?", lock.ThreadID, time.Now()).Error; err != nil {
			return fmt.Errorf("reap: %w", err)
		}
		result := tx.Model(&ThreadLock{}).
			Where("thread_id = ? AND token = ?", lock.ThreadID, lock.Token).
			Update("expires_at", time.Now().Add(ttl))
		if result.Error != nil {
			return fmt.Errorf("extend: %w", result.Error)
		}
		extended = result.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("gormstate: extend lock: %w", err)
	}
	return extended, nil
}

func (a *Adapter) CacheGet(ctx context.Context, key string) (any, bool, error) {
	db, err := a.conn()
	if err != nil {
		return nil, false, err
	}
	var entry CacheEntry
	result := db.WithContext(ctx).Where("key = ?", key).First(&entry)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if result.Error != nil {
		return nil, false, fmt.Errorf("gormstate: cache get: %w", result.Error)
	}
	if entry.ExpiresAt != nil && !entry.ExpiresAt.After(time.Now()) {
		db.WithContext(ctx).Delete(&CacheEntry{}, "key = ?", key)
		return nil, false, nil
	}
	var value any
	if err := json.Unmarshal([]byte(entry.Value), &value); err != nil {
		return entry.Value, true, nil
	}
	return value, true, nil
}

func (a *Adapter) CacheSet(ctx context.Context, key string, value any, ttl time.Duration) error {
	db, err := a.conn()
	if err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("gormstate: cache set: encode: %w", err)
	}
	entry := CacheEntry{Key: key, Value: string(data)}
	if ttl > 0 {
		exp := time.Now().Add(ttl)
		entry.ExpiresAt = &exp
	}
	if err := db.WithContext(ctx).Save(&entry).Error; err != nil {
		return fmt.Errorf("gormstate: cache set: %w", err)
	}
	return nil
}

func (a *Adapter) CacheDelete(ctx context.Context, key string) error {
	db, err := a.conn()
	if err != nil {
		return err
	}
	if err := db.WithContext(ctx).Delete(&CacheEntry{}, "key = ?", key).Error; err != nil {
		return fmt.Errorf("gormstate: cache delete: %w", err)
	}
	return nil
}
