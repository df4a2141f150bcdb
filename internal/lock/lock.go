// Package lock serializes state-transitioning operations on a single service or domain.
package lock

import (
	"context"
	"fmt"
	"sync"

	"github.com/keelhost/control-plane/internal/models"
)

// ErrBusy is returned when another operation already holds the key.
var ErrBusy = fmt.Errorf("%w: another operation is in progress", models.ErrBusy)

// Locker hands out exclusive, non-blocking ownership of a key.
type Locker interface {
	// TryLock acquires key or fails immediately with ErrBusy. The returned
	// function releases the lock and is safe to call more than once.
	TryLock(ctx context.Context, key string) (func(), error)
}

// ServiceKey is the lock key for a service.
func ServiceKey(id string) string { return "service:" + id }

// DomainKey is the lock key for a domain.
func DomainKey(id string) string { return "domain:" + id }

// MemoryLocker is an in-process Locker.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemoryLocker creates an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

// TryLock implements Locker.
func (l *MemoryLocker) TryLock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, fmt.Errorf("%w (%s)", ErrBusy, key)
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// Held reports whether key is currently locked.
func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}
