package lock

import (
	"context"
	"errors"
	"time"

	"github.com/fentz26/agentpool/internal/models"
	"github.com/fentz26/agentpool/internal/store"
)

// LockStore is the subset of the store used for locks.
type LockStore interface {
	AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (*models.Lock, error)
	RenewLock(ctx context.Context, key, holder string, ttl time.Duration) error
	ReleaseLock(ctx context.Context, key, holder string) error
	GetLock(ctx context.Context, key string) (*models.Lock, error)
}

// StoreLocker keeps leases in the SQLite store.
type StoreLocker struct {
	store LockStore
}

// NewStoreLocker wraps s.
func NewStoreLocker(s LockStore) *StoreLocker {
	return &StoreLocker{store: s}
}

func (l *StoreLocker) Acquire(ctx context.Context, key, holder string, ttl time.Duration) error {
	_, err := l.store.AcquireLock(ctx, key, holder, ttl)
	return mapStoreErr(err)
}

func (l *StoreLocker) Renew(ctx context.Context, key, holder string, ttl time.Duration) error {
	return mapStoreErr(l.store.RenewLock(ctx, key, holder, ttl))
}

func (l *StoreLocker) Release(ctx context.Context, key, holder string) error {
	return mapStoreErr(l.store.ReleaseLock(ctx, key, holder))
}

func (l *StoreLocker) Holder(ctx context.Context, key string) (string, error) {
	lk, err := l.store.GetLock(ctx, key)
	if err != nil || lk == nil {
		return "", err
	}
	return lk.Holder, nil
}

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, store.ErrResourceLocked):
		return ErrLocked
	case errors.Is(err, store.ErrLockNotHeld):
		return ErrNotHeld
	}
	return err
}
