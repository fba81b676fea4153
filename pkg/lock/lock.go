// Package lock serializes work on a single key, such as one affiliate's ledger.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jordanlanch/courseplatform/pkg/cache"
)

// ErrNotAcquired is returned by TryLock when another holder owns the key
var ErrNotAcquired = errors.New("lock held by another owner")

// Unlock releases a held lock. It is safe to call once.
type Unlock func()

// Locker hands out exclusive ownership of a key
type Locker interface {
	// Lock blocks until the key is owned or ctx is done.
	Lock(ctx context.Context, key string) (Unlock, error)
	// TryLock returns ErrNotAcquired instead of waiting.
	TryLock(ctx context.Context, key string) (Unlock, error)
}

// KeyedMutex is an in-process Locker. Entries are reference counted and
// dropped when the last waiter leaves.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*entry)}
}

func (k *KeyedMutex) acquireEntry(key string) *entry {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	return e
}

func (k *KeyedMutex) releaseEntry(key string, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// Lock implements Locker
func (k *KeyedMutex) Lock(ctx context.Context, key string) (Unlock, error) {
	e := k.acquireEntry(key)

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.releaseEntry(key, e)
		return nil, fmt.Errorf("waiting for lock %s: %w", key, ctx.Err())
	}

	return k.unlocker(key, e), nil
}

// TryLock implements Locker
func (k *KeyedMutex) TryLock(_ context.Context, key string) (Unlock, error) {
	e := k.acquireEntry(key)

	select {
	case e.ch <- struct{}{}:
		return k.unlocker(key, e), nil
	default:
		k.releaseEntry(key, e)
		return nil, ErrNotAcquired
	}
}

func (k *KeyedMutex) unlocker(key string, e *entry) Unlock {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.releaseEntry(key, e)
		})
	}
}

// RedisLocker is a Locker shared by every API instance pointing at the same Redis
type RedisLocker struct {
	client *cache.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisLocker creates a RedisLocker. ttl bounds how long a crashed holder
// can keep a key; it must exceed the longest critical section.
func NewRedisLocker(client *cache.Client, prefix string, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		retry:  25 * time.Millisecond,
	}
}

// Lock implements Locker
func (r *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	for {
		unlock, err := r.TryLock(ctx, key)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, ErrNotAcquired) {
			return nil, err
		}

		select {
		case <-time.After(r.retry):
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lock %s: %w", key, ctx.Err())
		}
	}
}

// TryLock implements Locker
func (r *RedisLocker) TryLock(ctx context.Context, key string) (Unlock, error) {
	fullKey := r.prefix + key
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, fullKey, token, r.ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release on a fresh context: the caller's may already be cancelled.
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, _ = r.client.DeleteIfEqual(ctx, fullKey, token)
		})
	}, nil
}
