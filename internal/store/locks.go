package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fentz26/agentpool/internal/models"
)

// AcquireLock takes the lock on key for holder with the given lease. A
// holder that already owns a live lock refreshes its lease. Expired locks are
// cleared first, so an expired lease counts as released.
func (s *Store) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (*models.Lock, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	nowMs := now.UnixMilli()

	if _, err := tx.ExecContext(ctx, `DELETE FROM locks WHERE lock_key = ? AND expires_at_ms <= ?`, key, nowMs); err != nil {
		return nil, fmt.Errorf("clean expired locks: %w", err)
	}

	var existingHolder string
	var createdAt time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT holder_id, created_at FROM locks WHERE lock_key = ?`, key,
	).Scan(&existingHolder, &createdAt)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("check existing lock: %w", err)
	}

	lock := &models.Lock{
		Key:       key,
		Holder:    holder,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	switch {
	case err == nil && existingHolder != holder:
		return nil, ErrResourceLocked
	case err == nil:
		lock.CreatedAt = createdAt
		if _, err := tx.ExecContext(ctx,
			`UPDATE locks SET expires_at_ms = ? WHERE lock_key = ? AND holder_id = ?`,
			lock.ExpiresAt.UnixMilli(), key, holder,
		); err != nil {
			return nil, fmt.Errorf("refresh lock: %w", err)
		}
	default:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO locks (lock_key, holder_id, created_at, expires_at_ms) VALUES (?, ?, ?, ?)`,
			key, holder, lock.CreatedAt, lock.ExpiresAt.UnixMilli(),
		); err != nil {
			if isUniqueViolation(err) {
				return nil, ErrResourceLocked
			}
			return nil, fmt.Errorf("insert lock: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return lock, nil
}

// RenewLock extends a live lock owned by holder.
func (s *Store) RenewLock(ctx context.Context, key, holder string, ttl time.Duration) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE locks SET expires_at_ms = ? WHERE lock_key = ? AND holder_id = ? AND expires_at_ms > ?`,
		now.Add(ttl).UnixMilli(), key, holder, now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("renew lock: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockNotHeld
	}
	return nil
}

// ReleaseLock removes the lock on key if holder owns it.
func (s *Store) ReleaseLock(ctx context.Context, key, holder string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE lock_key = ? AND holder_id = ?`, key, holder)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockNotHeld
	}
	return nil
}

// GetLock retrieves a live lock by key. It returns nil when the key is free.
func (s *Store) GetLock(ctx context.Context, key string) (*models.Lock, error) {
	lock := &models.Lock{Key: key}
	var expiresMs int64
	err := s.db.QueryRowContext(ctx,
		`SELECT holder_id, created_at, expires_at_ms FROM locks WHERE lock_key = ? AND expires_at_ms > ?`,
		key, s.now().UnixMilli(),
	).Scan(&lock.Holder, &lock.CreatedAt, &expiresMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query lock: %w", err)
	}
	lock.ExpiresAt = time.UnixMilli(expiresMs).UTC()
	return lock, nil
}
