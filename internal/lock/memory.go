package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker keeps leases in process memory.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

type memoryLease struct {
	holder  string
	expires time.Time
}

// NewMemoryLocker returns an empty locker using the wall clock.
func NewMemoryLocker() *MemoryLocker {
	return NewMemoryLockerWithClock(time.Now)
}

// NewMemoryLockerWithClock returns an empty locker reading time from now.
func NewMemoryLockerWithClock(now func() time.Time) *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]memoryLease), now: now}
}

func (l *MemoryLocker) live(key string) (memoryLease, bool) {
	lease, ok := l.leases[key]
	if !ok {
		return memoryLease{}, false
	}
	if !l.now().Before(lease.expires) {
		delete(l.leases, key)
		return memoryLease{}, false
	}
	return lease, true
}

func (l *MemoryLocker) Acquire(ctx context.Context, key, holder string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if lease, ok := l.live(key); ok && lease.holder != holder {
		return ErrLocked
	}
	l.leases[key] = memoryLease{holder: holder, expires: l.now().Add(ttl)}
	return nil
}

func (l *MemoryLocker) Renew(ctx context.Context, key, holder string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	lease, ok := l.live(key)
	if !ok || lease.holder != holder {
		return ErrNotHeld
	}
	l.leases[key] = memoryLease{holder: holder, expires: l.now().Add(ttl)}
	return nil
}

func (l *MemoryLocker) Release(ctx context.Context, key, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	lease, ok := l.live(key)
	if !ok || lease.holder != holder {
		return ErrNotHeld
	}
	delete(l.leases, key)
	return nil
}

func (l *MemoryLocker) Holder(ctx context.Context, key string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lease, ok := l.live(key)
	if !ok {
		return "", nil
	}
	return lease.holder, nil
}
