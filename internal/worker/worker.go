// Package worker is the agent side of the pool. A Worker registers on the
// bus, heartbeats, and runs one dispatched task at a time through a
// connectors.Runner inside an isolated working directory.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fentz26/agentpool/internal/bus"
	"github.com/fentz26/agentpool/internal/connectors"
	"github.com/fentz26/agentpool/internal/isolation"
	"github.com/fentz26/agentpool/internal/lock"
	"github.com/fentz26/agentpool/internal/models"
	"github.com/rs/zerolog"
)

// Defaults.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultLeaseTTL          = 30 * time.Second
	DefaultStopGrace         = 10 * time.Second
)

const stepPreparing = "preparing"

// Isolation provides working directories bound to conversations.
type Isolation interface {
	Acquire(ctx context.Context, req isolation.AcquireRequest) (*models.Environment, error)
	Release(ctx context.Context, conversationID string) (isolation.ReleaseResult, error)
}

// Config tunes one agent process.
type Config struct {
	ID                string
	HeartbeatInterval time.Duration
	// LeaseTTL must match the dispatcher's lease.
	LeaseTTL time.Duration
	// StopGrace is how long a graceful stop waits for the runner to wind
	// down before its context is cancelled.
	StopGrace time.Duration
	// WorkDir is used for tasks that name no codebase.
	WorkDir string
}

// Deps are the collaborators of a Worker. Isolation may be nil, in which
// case tasks run in WorkDir.
type Deps struct {
	Bus          bus.Bus
	Channels     bus.Channels
	Locker       lock.Locker
	Runner       connectors.Runner
	Isolation    Isolation
	Capabilities models.Capabilities
	System       models.SystemInfo
}

type approval struct {
	approved bool
	reason   string
}

// job is the single in-flight task.
type job struct {
	taskID     string
	scoped     string
	ctx        context.Context
	cancel     context.CancelFunc
	step       string
	approvals  chan approval
	stopReason string
	stopTimer  *time.Timer
}

// Worker runs tasks for one agent id.
type Worker struct {
	cfg       Config
	bus       bus.Bus
	channels  bus.Channels
	locker    lock.Locker
	runner    connectors.Runner
	isolation Isolation
	caps      models.Capabilities
	system    models.SystemInfo
	logger    zerolog.Logger
	now       func() time.Time
	exit      func(code int)
	sampler   *sampler

	mu     sync.Mutex
	status models.AgentStatus
	job    *job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	jobs   sync.WaitGroup
}

// New creates a worker.
func New(cfg Config, deps Deps, logger zerolog.Logger) *Worker {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		cfg:       cfg,
		bus:       deps.Bus,
		channels:  deps.Channels,
		locker:    deps.Locker,
		runner:    deps.Runner,
		isolation: deps.Isolation,
		caps:      deps.Capabilities,
		system:    deps.System,
		logger:    logger.With().Str("component", "worker").Str("agent_id", cfg.ID).Logger(),
		now:       time.Now,
		exit:      os.Exit,
		sampler:   newSampler(),
		status:    models.AgentStatusIdle,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetExitFunc replaces the function a kill signal calls.
func (w *Worker) SetExitFunc(fn func(code int)) {
	w.exit = fn
}

// ID returns the agent id.
func (w *Worker) ID() string {
	return w.cfg.ID
}

// Status returns the current worker state.
func (w *Worker) Status() models.AgentStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Start subscribes to the agent channel, registers and begins heartbeating.
func (w *Worker) Start() error {
	handle := func(ctx context.Context, msg bus.Message) {
		bus.Dispatch(ctx, w.logger, w, msg)
	}
	if err := w.bus.Subscribe(w.channels.Agent(w.cfg.ID), handle); err != nil {
		return fmt.Errorf("subscribe agent channel: %w", err)
	}

	reg := &bus.AgentRegister{
		AgentID:      w.cfg.ID,
		Capabilities: w.caps,
		System:       w.system,
		Timestamp:    w.now(),
	}
	if err := w.bus.Publish(w.ctx, w.channels.Agents(), reg); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	w.wg.Add(1)
	go w.heartbeatLoop()
	w.logger.Info().
		Dur("heartbeat", w.cfg.HeartbeatInterval).
		Str("runner", w.runner.Name()).
		Msg("worker started")
	return nil
}

// Stop aborts the in-flight task, waits for its result to be published and
// deregisters. ctx bounds the wait.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	j := w.job
	if j != nil && j.stopReason == "" {
		j.stopReason = "worker shutting down"
	}
	w.mu.Unlock()
	if j != nil {
		w.runner.Abort()
		j.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn().Msg("in-flight task did not finish before shutdown")
	}

	w.cancel()
	w.wg.Wait()

	var errs []error
	dereg := &bus.AgentDeregister{AgentID: w.cfg.ID, Reason: "shutdown", Timestamp: w.now()}
	if err := w.bus.Publish(ctx, w.channels.Agents(), dereg); err != nil {
		errs = append(errs, fmt.Errorf("deregister: %w", err))
	}
	if err := w.bus.Unsubscribe(w.channels.Agent(w.cfg.ID)); err != nil && !errors.Is(err, bus.ErrNotSubscribed) && !errors.Is(err, bus.ErrClosed) {
		errs = append(errs, err)
	}
	w.logger.Info().Msg("worker stopped")
	return errors.Join(errs...)
}

func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.heartbeat(w.ctx)
			w.renewLease(w.ctx)
		}
	}
}

// heartbeat publishes the current state. It is sent on the interval and
// right after every step change.
func (w *Worker) heartbeat(ctx context.Context) {
	w.mu.Lock()
	hb := &bus.AgentHeartbeat{AgentID: w.cfg.ID, Status: w.status, Timestamp: w.now()}
	if j := w.job; j != nil {
		progress := &bus.TaskProgress{TaskID: j.taskID, CurrentStep: j.step}
		switch j.step {
		case stepRunning:
			if s := w.runner.CurrentStep(); s != "" {
				progress.CurrentStep = s
			}
			progress.Progress = w.runner.Progress()
		case models.StepVerifying:
			progress.Progress = 95
		}
		hb.CurrentTask = progress
	}
	w.mu.Unlock()

	hb.Resources = w.sampler.Sample(w.now())
	if err := w.bus.Publish(ctx, w.channels.Agents(), hb); err != nil && ctx.Err() == nil {
		w.logger.Warn().Err(err).Msg("heartbeat publish failed")
	}
}

func (w *Worker) renewLease(ctx context.Context) {
	w.mu.Lock()
	j := w.job
	w.mu.Unlock()
	if j == nil {
		return
	}
	if err := w.locker.Renew(ctx, lock.AgentKey(w.cfg.ID), j.taskID, w.cfg.LeaseTTL); err != nil && ctx.Err() == nil {
		// The dispatcher may requeue the task; our result will then be
		// discarded as late.
		w.logger.Warn().Err(err).Str("task_id", j.taskID).Msg("assignment lease lost")
	}
}

// setStatus records a state transition and announces it.
func (w *Worker) setStatus(ctx context.Context, status models.AgentStatus, reason string) {
	w.mu.Lock()
	prev := w.status
	w.status = status
	w.mu.Unlock()
	if prev == status {
		return
	}

	msg := &bus.AgentStatusChange{
		AgentID:        w.cfg.ID,
		PreviousStatus: prev,
		CurrentStatus:  status,
		Reason:         reason,
		Timestamp:      w.now(),
	}
	if err := w.bus.Publish(ctx, w.channels.Agents(), msg); err != nil {
		w.logger.Warn().Err(err).Msg("status publish failed")
	}
}

func (w *Worker) setStep(j *job, step string) {
	w.mu.Lock()
	j.step = step
	w.mu.Unlock()
	w.heartbeat(w.ctx)
}
