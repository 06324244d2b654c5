package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fentz26/agentpool/internal/audit"
	"github.com/fentz26/agentpool/internal/bus"
	"github.com/fentz26/agentpool/internal/cleanup"
	"github.com/fentz26/agentpool/internal/config"
	"github.com/fentz26/agentpool/internal/git"
	"github.com/fentz26/agentpool/internal/isolation"
	"github.com/fentz26/agentpool/internal/lock"
	"github.com/fentz26/agentpool/internal/metrics"
	"github.com/fentz26/agentpool/internal/store"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

func openStore(cfg *config.Config) (*store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	s, err := store.New(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.Store.Path, err)
	}
	return s, nil
}

// openLocker returns the configured lock backend and a function releasing
// whatever connection it opened. The nats backend reuses the bus connection
// when the bus is NATS too.
func openLocker(ctx context.Context, cfg *config.Config, s *store.Store, b bus.Bus) (lock.Locker, func(), error) {
	noop := func() {}
	switch cfg.Lock.Backend {
	case lock.BackendStore:
		return lock.NewStoreLocker(s), noop, nil
	case lock.BackendMemory:
		return lock.NewMemoryLocker(), noop, nil
	case lock.BackendNATS:
		closeConn := noop
		var nc *nats.Conn
		if nb, ok := b.(*bus.NATSBus); ok {
			nc = nb.Conn()
		} else {
			conn, err := nats.Connect(cfg.Bus.NATSURL, nats.Name("agentpool-locks"))
			if err != nil {
				return nil, nil, fmt.Errorf("connect nats %s: %w", cfg.Bus.NATSURL, err)
			}
			nc, closeConn = conn, conn.Close
		}
		l, err := lock.NewKVLocker(ctx, nc, cfg.Lock.Bucket, cfg.Dispatcher.LeaseTTL)
		if err != nil {
			closeConn()
			return nil, nil, err
		}
		return l, closeConn, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock backend %q", cfg.Lock.Backend)
	}
}

// environments wires the isolation manager and the cleanup service together:
// the manager asks cleanup to reclaim space, cleanup resolves codebases from
// the same configured list.
func environments(cfg *config.Config, s *store.Store, g *git.Client, pdr *audit.PDRWriter, m *metrics.Metrics, logger zerolog.Logger) (*isolation.Manager, *cleanup.Service) {
	cleaner := cleanup.New(cfg.Cleanup, isolation.NewCodebases(cfg.Isolation.Codebases), s, g, pdr, m, logger)
	manager := isolation.New(cfg.Isolation, s, g, cleaner, pdr, m, logger)
	return manager, cleaner
}
