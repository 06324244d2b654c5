// Package lock implements the assignment lock: a lease-bounded exclusivity
// token keyed by agent. The holder is the task id, which doubles as the
// fencing token shared by the dispatcher and the agent.
package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrLocked means another holder owns a live lease on the key.
	ErrLocked = errors.New("lock held by another holder")
	// ErrNotHeld means the caller does not own a live lease on the key.
	ErrNotHeld = errors.New("lock not held")
)

// Locker is implemented by every lock backend. Acquire is re-entrant for the
// current holder and refreshes its lease. An expired lease counts as released.
type Locker interface {
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) error
	Renew(ctx context.Context, key, holder string, ttl time.Duration) error
	Release(ctx context.Context, key, holder string) error
	// Holder returns the live holder of key, or "" when the key is free.
	Holder(ctx context.Context, key string) (string, error)
}

// Config selects a backend.
type Config struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	Bucket  string `mapstructure:"bucket" yaml:"bucket"`
}

// Backend names.
const (
	BackendStore  = "store"
	BackendNATS   = "nats"
	BackendMemory = "memory"
)

// AgentKey is the lock key for one agent.
func AgentKey(agentID string) string {
	return "agent:" + agentID
}
