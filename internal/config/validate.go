package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/agentpool/internal/bus"
	"github.com/fentz26/agentpool/internal/lock"
)

// Lower bounds enforced at startup.
const (
	MinLeaseTTL          = 5 * time.Second
	MinStaleAfter        = time.Hour
	MinCleanupInterval   = time.Minute
	MinHeartbeatInterval = 100 * time.Millisecond
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Validate rejects settings that would starve the queue, thrash cleanup or
// select a backend that does not exist. All problems are reported at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	switch c.Bus.Backend {
	case bus.BackendNATS:
		if c.Bus.NATSURL == "" {
			bad("bus.nats_url is required for the nats backend")
		}
	case bus.BackendPostgres:
		if c.Bus.PostgresDSN == "" {
			bad("bus.postgres_dsn is required for the postgres backend")
		}
	case bus.BackendMemory:
	default:
		bad("unknown bus.backend %q", c.Bus.Backend)
	}
	if c.Bus.Prefix == "" {
		bad("bus.prefix must not be empty")
	}

	switch c.Lock.Backend {
	case lock.BackendStore, lock.BackendMemory:
	case lock.BackendNATS:
		if c.Lock.Bucket == "" {
			bad("lock.bucket is required for the nats backend")
		}
		if c.Bus.NATSURL == "" {
			bad("bus.nats_url is required for the nats lock backend")
		}
	default:
		bad("unknown lock.backend %q", c.Lock.Backend)
	}

	if c.Store.Path == "" {
		bad("store.path must not be empty")
	}

	d := c.Dispatcher
	if d.TickInterval <= 0 {
		bad("dispatcher.tick_interval must be positive")
	}
	if d.LeaseTTL < MinLeaseTTL {
		bad("dispatcher.lease_ttl %s is below %s", d.LeaseTTL, MinLeaseTTL)
	}
	if d.LeaseTTL <= c.Agent.HeartbeatInterval {
		bad("dispatcher.lease_ttl %s must exceed agent.heartbeat_interval %s", d.LeaseTTL, c.Agent.HeartbeatInterval)
	}
	if d.KillGrace <= 0 {
		bad("dispatcher.kill_grace must be positive")
	}

	a := c.Agent
	if a.HeartbeatInterval < MinHeartbeatInterval {
		bad("agent.heartbeat_interval %s is below %s", a.HeartbeatInterval, MinHeartbeatInterval)
	}
	if a.MissedHeartbeats < 1 {
		bad("agent.missed_heartbeats must be at least 1")
	}
	if a.MaxConcurrentTasks < 1 {
		bad("agent.max_concurrent_tasks must be at least 1")
	}
	if a.StopGrace <= 0 {
		bad("agent.stop_grace must be positive")
	}

	if c.Isolation.MaxPerCodebase < 1 {
		bad("isolation.max_per_codebase must be at least 1")
	}
	if c.Isolation.WorktreeRoot == "" {
		bad("isolation.worktree_root must not be empty")
	}
	seen := make(map[string]bool)
	for i, cb := range c.Isolation.Codebases {
		if cb.ID == "" || cb.Path == "" {
			bad("isolation.codebases[%d] needs id and path", i)
			continue
		}
		if seen[cb.ID] {
			bad("isolation.codebases: duplicate id %q", cb.ID)
		}
		seen[cb.ID] = true
		if cb.MaxEnvironments < 0 {
			bad("isolation.codebases[%s].max_environments must not be negative", cb.ID)
		}
	}

	if c.Cleanup.Interval < MinCleanupInterval {
		bad("cleanup.interval %s is below %s", c.Cleanup.Interval, MinCleanupInterval)
	}
	if c.Cleanup.StaleAfter < MinStaleAfter {
		bad("cleanup.stale_after %s is below %s", c.Cleanup.StaleAfter, MinStaleAfter)
	}

	if c.Git.CommandTimeout <= 0 {
		bad("git.command_timeout must be positive")
	}
	if c.API.Listen == "" {
		bad("api.listen must not be empty")
	}
	return errors.Join(errs...)
}
