package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fentz26/agentpool/internal/audit"
	"github.com/fentz26/agentpool/internal/bus"
	"github.com/fentz26/agentpool/internal/capabilities"
	"github.com/fentz26/agentpool/internal/connectors/localexec"
	"github.com/fentz26/agentpool/internal/git"
	"github.com/fentz26/agentpool/internal/worker"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run an agent process",
	Long: `Runs one agent: registers with the pool, heartbeats, and executes the tasks
dispatched to it with the configured runner inside an isolated worktree.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().String("id", "", "Agent ID (default hostname plus a random suffix)")
	workerCmd.Flags().String("runner", "", "Runner command, e.g. claude or codex")
	workerCmd.Flags().String("workdir", "", "Working directory for tasks without a codebase")
	workerCmd.Flags().BoolVar(&workerDetach, "detach", false, "Run in the background")
	bindFlags(workerCmd.Flags(), map[string]string{
		"id":      "agent.id",
		"runner":  "agent.runner.command",
		"workdir": "agent.work_dir",
	})
}

var workerDetach bool

func defaultAgentID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "agent"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if workerDetach {
		return startDetached("worker")
	}
	a := cfg.Agent
	if a.ID == "" {
		a.ID = defaultAgentID()
	}
	if a.WorkDir == "" {
		a.WorkDir, _ = os.Getwd()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

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

	g := git.New(cfg.Git.CommandTimeout, logger)
	manager, _ := environments(cfg, s, g, audit.NewPDRWriter(s, logger), nil, logger)
	runner := localexec.New(a.Runner, a.WorkDir, g)

	caps := capabilities.NewDetector().Build(capabilities.Options{
		MaxConcurrentTasks: a.MaxConcurrentTasks,
		SupportedLanguages: a.SupportedLanguages,
		HasWorktree:        len(cfg.Isolation.Codebases) > 0,
		LLMProvider:        a.LLMProvider,
		RunnerCommand:      a.Runner.Command,
	})

	w := worker.New(worker.Config{
		ID:                a.ID,
		HeartbeatInterval: a.HeartbeatInterval,
		LeaseTTL:          cfg.Dispatcher.LeaseTTL,
		StopGrace:         a.StopGrace,
		WorkDir:           a.WorkDir,
	}, worker.Deps{
		Bus:          b,
		Channels:     bus.Channels{Prefix: cfg.Bus.Prefix},
		Locker:       locker,
		Runner:       runner,
		Isolation:    manager,
		Capabilities: caps,
		System:       capabilities.System(),
	}, logger)
	if err := w.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Str("agent_id", a.ID).Msg("stopping worker")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), a.StopGrace+shutdownTimeout)
	defer stopCancel()
	return w.Stop(stopCtx)
}
