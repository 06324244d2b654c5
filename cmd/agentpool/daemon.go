package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fentz26/agentpool/internal/audit"
	"github.com/fentz26/agentpool/internal/bus"
	"github.com/fentz26/agentpool/internal/controlplane"
	"github.com/fentz26/agentpool/internal/dispatch"
	"github.com/fentz26/agentpool/internal/git"
	"github.com/fentz26/agentpool/internal/metrics"
	"github.com/fentz26/agentpool/internal/queue"
	"github.com/fentz26/agentpool/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

var daemonDetach bool

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the pool daemon",
	Long: `Starts the pool daemon: dispatcher, agent registry, cleanup scheduler and
the HTTP API.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().String("listen", "", "Listen address for the API server")
	daemonCmd.Flags().String("db", "", "Path to SQLite database")
	daemonCmd.Flags().String("bus", "", "Bus backend (nats, postgres, memory)")
	daemonCmd.Flags().BoolVar(&daemonDetach, "detach", false, "Run in the background")
	bindFlags(daemonCmd.Flags(), map[string]string{
		"listen": "api.listen",
		"db":     "store.path",
		"bus":    "bus.backend",
	})
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if daemonDetach {
		if err := startDetached("daemon"); err != nil {
			return err
		}
		return waitReady()
	}
	logger.Info().Str("version", version).Str("bus", cfg.Bus.Backend).Str("lock", cfg.Lock.Backend).Msg("starting daemon")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		logger.Info().Msg("closing database")
		if err := s.Close(); err != nil {
			logger.Error().Err(err).Msg("database close")
		}
	}()

	b, err := bus.Open(ctx, cfg.Bus, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	locker, closeLocker, err := openLocker(ctx, cfg, s, b)
	if err != nil {
		return err
	}
	defer closeLocker()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	pdr := audit.NewPDRWriter(s, logger)

	manager, cleaner := environments(cfg, s, git.New(cfg.Git.CommandTimeout, logger), pdr, m, logger)
	agents := registry.New(s, cfg.HeartbeatTimeout(), logger)

	dispatcher := dispatch.New(cfg.Dispatcher, dispatch.Deps{
		Store:    s,
		Bus:      b,
		Channels: bus.Channels{Prefix: cfg.Bus.Prefix},
		Locker:   locker,
		Queue:    queue.NewStoreQueue(s),
		Registry: agents,
		PDR:      pdr,
		Metrics:  m,
	}, logger)
	if err := dispatcher.Start(); err != nil {
		return err
	}
	defer dispatcher.Stop()

	cleaner.Start()
	defer cleaner.Stop()

	service := controlplane.NewService(controlplane.Deps{
		Dispatcher:   dispatcher,
		Store:        s,
		Agents:       agents,
		Environments: manager,
		Cleaner:      cleaner,
	})
	server := controlplane.NewServer(service, cfg.API.Listen, version, reg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("server error")
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	logger.Info().Msg("shutting down http server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown")
	}
	return nil
}
