package shared

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
)

// ErrLockNotObtained is returned when a distributed lock stays held past the retry budget.
var ErrLockNotObtained = errors.New("entity lock not obtained")

// Locker serialises work per entity key.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// ReceiptLockKey builds the lock key of a goods receipt.
func ReceiptLockKey(id int64) string {
	return fmt.Sprintf("grn:%d", id)
}

// InvoiceLockKey builds the lock key of a vendor invoice.
func InvoiceLockKey(id int64) string {
	return fmt.Sprintf("invoice:%d", id)
}

// KeyedMutex is an in-process mutex table keyed by entity. Entries are dropped once unused.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex constructs an empty table.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until key is free or ctx ends.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	entry, ok := m.locks[key]
	if !ok {
		entry = &keyedEntry{ch: make(chan struct{}, 1)}
		m.locks[key] = entry
	}
	entry.refs++
	m.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, entry, false)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() { m.release(key, entry, true) })
	}, nil
}

func (m *KeyedMutex) release(key string, entry *keyedEntry, held bool) {
	if held {
		<-entry.ch
	}
	m.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()
}

// Size returns the number of keys currently tracked.
func (m *KeyedMutex) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// RedisLocker holds a redislock lease per key across instances, on top of a local KeyedMutex
// so goroutines of one process queue locally instead of polling redis.
type RedisLocker struct {
	client *redislock.Client
	local  *KeyedMutex
	ttl    time.Duration
	retry  redislock.RetryStrategy
}

// NewRedisLocker builds a RedisLocker using the given redislock client.
func NewRedisLocker(client *redislock.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client: client,
		local:  NewKeyedMutex(),
		ttl:    ttl,
		retry:  redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), int(ttl/(50*time.Millisecond))),
	}
}

// Lock obtains the local and the redis lock for key.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := l.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	lock, err := l.client.Obtain(ctx, "lock:"+key, l.ttl, &redislock.Options{RetryStrategy: l.retry})
	if err != nil {
		unlockLocal()
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, fmt.Errorf("%s: %w", key, ErrLockNotObtained)
		}
		return nil, err
	}
	return func() {
		_ = lock.Release(context.WithoutCancel(ctx))
		unlockLocal()
	}, nil
}
