// Package dispatch matches queued tasks to idle agents. It owns the task
// state machine on the orchestrator side: assignment under the agent lock,
// result acceptance, lease expiry and control signals.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fentz26/agentpool/internal/audit"
	"github.com/fentz26/agentpool/internal/bus"
	"github.com/fentz26/agentpool/internal/lock"
	"github.com/fentz26/agentpool/internal/metrics"
	"github.com/fentz26/agentpool/internal/models"
	"github.com/fentz26/agentpool/internal/queue"
	"github.com/fentz26/agentpool/internal/registry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Requeue reasons.
const (
	ReasonLeaseExpired = "lease_expired"
	ReasonAgentOffline = "agent_offline"
	ReasonAgentGone    = "agent_deregistered"
	ReasonReconnected  = "agent_reconnected"
	ReasonPublishError = "publish_failed"
)

// Store is the authoritative task state.
type Store interface {
	CreateTask(ctx context.Context, task *models.Task) (*models.Task, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, status string) ([]models.Task, error)
	ListInFlightTasks(ctx context.Context) ([]models.Task, error)
	ListAgentTasks(ctx context.Context, agentID string) ([]models.Task, error)
	MarkDispatched(ctx context.Context, taskID, agentID string) (bool, error)
	AdvanceTask(ctx context.Context, taskID, agentID string, from []models.TaskStatus, to models.TaskStatus) (bool, error)
	RequeueTask(ctx context.Context, taskID, agentID string) (bool, error)
	CompleteTask(ctx context.Context, taskID, agentID string, status models.TaskStatus, outcome *models.Outcome) (bool, error)
	CancelTask(ctx context.Context, taskID string) (*models.Task, error)
	CreateAttempt(ctx context.Context, taskID, agentID string) (*models.Attempt, error)
	FinishAttempt(ctx context.Context, taskID, agentID, outcome string) error
}

// Deps are the collaborators of a Dispatcher. PDR and Metrics may be nil.
type Deps struct {
	Store    Store
	Bus      bus.Bus
	Channels bus.Channels
	Locker   lock.Locker
	Queue    queue.Queue
	Registry *registry.Registry
	PDR      *audit.PDRWriter
	Metrics  *metrics.Metrics
}

// Dispatcher assigns tasks and tracks them until a result arrives.
type Dispatcher struct {
	cfg      Config
	id       string
	store    Store
	bus      bus.Bus
	channels bus.Channels
	locker   lock.Locker
	queue    queue.Queue
	registry *registry.Registry
	pdr      *audit.PDRWriter
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time

	tickMu sync.Mutex

	mu      sync.Mutex
	killers map[string]*time.Timer
	pings   map[string]chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a dispatcher.
func New(cfg Config, deps Deps, logger zerolog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	id := "dispatcher-" + uuid.New().String()[:8]
	return &Dispatcher{
		cfg:      cfg.withDefaults(),
		id:       id,
		store:    deps.Store,
		bus:      deps.Bus,
		channels: deps.Channels,
		locker:   deps.Locker,
		queue:    deps.Queue,
		registry: deps.Registry,
		pdr:      deps.PDR,
		metrics:  deps.Metrics,
		logger:   logger.With().Str("component", "dispatcher").Str("dispatcher_id", id).Logger(),
		now:      time.Now,
		killers:  make(map[string]*time.Timer),
		pings:    make(map[string]chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetClock replaces the time source used for lease checks.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// Start subscribes to agent traffic, restores the queue and begins the
// dispatch loop.
func (d *Dispatcher) Start() error {
	handle := func(ctx context.Context, msg bus.Message) {
		bus.Dispatch(ctx, d.logger, d, msg)
	}
	for _, ch := range []string{d.channels.Agents(), d.channels.Results(), d.channels.Control()} {
		if err := d.bus.Subscribe(ch, handle); err != nil {
			return fmt.Errorf("subscribe %s: %w", ch, err)
		}
	}
	if err := d.Recover(d.ctx); err != nil {
		return err
	}

	d.wg.Add(1)
	go d.loop()
	d.logger.Info().
		Dur("tick", d.cfg.TickInterval).
		Dur("lease_ttl", d.cfg.LeaseTTL).
		Msg("dispatcher started")
	return nil
}

// Stop ends the loop and pending kill escalations.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()

	d.mu.Lock()
	for key, t := range d.killers {
		t.Stop()
		delete(d.killers, key)
	}
	d.mu.Unlock()

	for _, ch := range []string{d.channels.Agents(), d.channels.Results(), d.channels.Control()} {
		if err := d.bus.Unsubscribe(ch); err != nil && !errors.Is(err, bus.ErrNotSubscribed) && !errors.Is(err, bus.ErrClosed) {
			d.logger.Warn().Err(err).Str("channel", ch).Msg("unsubscribe failed")
		}
	}
	d.logger.Info().Msg("dispatcher stopped")
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.Tick(d.ctx)
		}
	}
}

// Recover re-enqueues queued tasks missing from the queue, which happens
// when the queue backend does not survive a restart.
func (d *Dispatcher) Recover(ctx context.Context) error {
	tasks, err := d.store.ListTasks(ctx, string(models.TaskStatusQueued))
	if err != nil {
		return fmt.Errorf("list queued tasks: %w", err)
	}
	for i := range tasks {
		if err := queue.Requeue(ctx, d.queue, &tasks[i]); err != nil {
			return fmt.Errorf("restore task %s: %w", tasks[i].ID, err)
		}
	}
	return nil
}

// Tick runs one sweep and one dispatch round. Ticks never overlap.
func (d *Dispatcher) Tick(ctx context.Context) {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	d.sweep(ctx)
	d.dispatch(ctx)

	if n, err := d.queue.Len(ctx); err == nil {
		d.metrics.SetQueueDepth(n)
	}
	d.metrics.SetActiveAgents(len(d.registry.ListActive()))
}

// dispatch walks the queue in priority order and hands each task to an
// available agent. Pinned tasks wait for their agent without blocking
// the tasks behind them.
func (d *Dispatcher) dispatch(ctx context.Context) {
	candidates := d.registry.Candidates()
	if len(candidates) == 0 {
		return
	}
	items, err := d.queue.Items(ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("read queue failed")
		return
	}

	used := make(map[string]bool)
	next := 0
	for _, item := range items {
		if len(used) == len(candidates) {
			break
		}
		task, err := d.store.GetTask(ctx, item.TaskID)
		if err != nil {
			d.logger.Error().Err(err).Str("task_id", item.TaskID).Msg("load queued task failed")
			continue
		}
		if task == nil || task.Status != models.TaskStatusQueued {
			if _, err := d.queue.Remove(ctx, item.TaskID); err != nil {
				d.logger.Warn().Err(err).Str("task_id", item.TaskID).Msg("drop stale queue entry failed")
			}
			continue
		}

		var agentID string
		if task.TargetAgentID != "" {
			if used[task.TargetAgentID] || !d.registry.Available(task.TargetAgentID) {
				continue
			}
			agentID = task.TargetAgentID
		} else {
			for next < len(candidates) && used[candidates[next].ID] {
				next++
			}
			if next >= len(candidates) {
				continue
			}
			agentID = candidates[next].ID
			next++
		}
		used[agentID] = true

		if err := d.assign(ctx, task, agentID); err != nil {
			if errors.Is(err, lock.ErrLocked) {
				d.metrics.LockContention()
				d.logger.Debug().Str("task_id", task.ID).Str("agent_id", agentID).Msg("agent lock held, retrying next tick")
				continue
			}
			d.logger.Warn().Err(err).Str("task_id", task.ID).Str("agent_id", agentID).Msg("dispatch failed")
		}
	}
}

// assign runs steps 3 and 4 of a dispatch: lock, claim, publish.
func (d *Dispatcher) assign(ctx context.Context, task *models.Task, agentID string) error {
	key := lock.AgentKey(agentID)
	if err := d.locker.Acquire(ctx, key, task.ID, d.cfg.LeaseTTL); err != nil {
		return err
	}

	removed, err := d.queue.Remove(ctx, task.ID)
	if err != nil || !removed {
		d.releaseLock(ctx, agentID, task.ID)
		if err != nil {
			return fmt.Errorf("claim queue entry: %w", err)
		}
		return nil
	}
	ok, err := d.store.MarkDispatched(ctx, task.ID, agentID)
	if err != nil || !ok {
		d.releaseLock(ctx, agentID, task.ID)
		if err != nil {
			if qerr := queue.Requeue(ctx, d.queue, task); qerr != nil {
				d.logger.Warn().Err(qerr).Str("task_id", task.ID).Msg("requeue after failed claim failed")
			}
			return err
		}
		return nil
	}

	if _, err := d.store.CreateAttempt(ctx, task.ID, agentID); err != nil {
		d.logger.Warn().Err(err).Str("task_id", task.ID).Msg("record attempt failed")
	}
	d.registry.MarkAssigned(ctx, agentID, task.ID)

	taskCtx := task.Context
	if task.Attempts > 0 {
		c := models.TaskContext{}
		if taskCtx != nil {
			c = *taskCtx
		}
		c.PreviousAttempts = task.Attempts
		taskCtx = &c
	}

	msg := &bus.TaskDispatch{
		TaskID:        task.ID,
		TargetAgentID: agentID,
		Task: bus.DispatchTask{
			Description:  task.Description,
			CodebaseID:   task.CodebaseID,
			WorktreePath: task.IsolationRef,
			Priority:     task.Priority,
			Context:      taskCtx,
			Expectations: task.Expectations,
		},
		Timestamp:      d.now(),
		ConversationID: task.ConversationID,
		Platform:       task.Platform,
	}
	if err := d.bus.Publish(ctx, d.channels.Agent(agentID), msg); err != nil {
		dispatched := *task
		dispatched.AssignedAgentID = agentID
		d.requeue(ctx, dispatched, ReasonPublishError)
		return fmt.Errorf("publish dispatch: %w", err)
	}

	d.metrics.TaskDispatched()
	d.pdr.Record("task.dispatch", map[string]string{"task_id": task.ID, "agent_id": agentID}, "success", task.ID,
		fmt.Sprintf("dispatched to %s (attempt %d)", agentID, task.Attempts+1))
	d.logger.Info().
		Str("task_id", task.ID).
		Str("agent_id", agentID).
		Int("priority", task.Priority).
		Msg("task dispatched")
	return nil
}

// sweep ages out silent agents and requeues dispatches whose lease lapsed
// without progress.
func (d *Dispatcher) sweep(ctx context.Context) {
	for _, a := range d.registry.Expire(ctx) {
		d.requeueAgentTasks(ctx, a.ID, ReasonAgentOffline)
	}

	tasks, err := d.store.ListInFlightTasks(ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("list in-flight tasks failed")
		return
	}
	now := d.now()
	for _, t := range tasks {
		if t.AssignedAgentID == "" {
			continue
		}
		holder, err := d.locker.Holder(ctx, lock.AgentKey(t.AssignedAgentID))
		if err != nil {
			d.logger.Warn().Err(err).Str("agent_id", t.AssignedAgentID).Msg("read agent lock failed")
			continue
		}
		if holder == t.ID {
			continue
		}

		var last time.Time
		if t.DispatchedAt != nil {
			last = *t.DispatchedAt
		}
		if p := d.registry.ProgressAt(t.AssignedAgentID, t.ID); p.After(last) {
			last = p
		}
		if now.Sub(last) <= d.cfg.LeaseTTL {
			continue
		}
		if d.requeue(ctx, t, ReasonLeaseExpired) {
			d.registry.MarkSuspect(t.AssignedAgentID)
		}
	}
}

func (d *Dispatcher) requeueAgentTasks(ctx context.Context, agentID, reason string) {
	tasks, err := d.store.ListAgentTasks(ctx, agentID)
	if err != nil {
		d.logger.Error().Err(err).Str("agent_id", agentID).Msg("list agent tasks failed")
		return
	}
	for _, t := range tasks {
		d.requeue(ctx, t, reason)
	}
}

// requeue returns an in-flight task to the queue. Only the caller whose
// compare-and-set succeeds acts, so a task is requeued once per dispatch.
func (d *Dispatcher) requeue(ctx context.Context, t models.Task, reason string) bool {
	agentID := t.AssignedAgentID
	ok, err := d.store.RequeueTask(ctx, t.ID, agentID)
	if err != nil {
		d.logger.Error().Err(err).Str("task_id", t.ID).Msg("requeue failed")
		return false
	}
	if !ok {
		return false
	}
	if err := queue.Requeue(ctx, d.queue, &t); err != nil {
		d.logger.Error().Err(err).Str("task_id", t.ID).Msg("enqueue requeued task failed")
	}
	if err := d.store.FinishAttempt(ctx, t.ID, agentID, reason); err != nil {
		d.logger.Warn().Err(err).Str("task_id", t.ID).Msg("close attempt failed")
	}
	d.registry.ClearTask(ctx, agentID, t.ID)
	d.releaseLock(ctx, agentID, t.ID)
	d.cancelKill(agentID)

	d.metrics.TaskRequeued(reason)
	d.pdr.Record("task.requeue", map[string]string{"task_id": t.ID, "agent_id": agentID, "reason": reason}, "success", t.ID,
		fmt.Sprintf("requeued from %s: %s", agentID, reason))
	d.logger.Warn().
		Str("task_id", t.ID).
		Str("agent_id", agentID).
		Str("reason", reason).
		Msg("task requeued")
	return true
}

func (d *Dispatcher) releaseLock(ctx context.Context, agentID, taskID string) {
	if err := d.locker.Release(ctx, lock.AgentKey(agentID), taskID); err != nil && !errors.Is(err, lock.ErrNotHeld) {
		d.logger.Warn().Err(err).Str("agent_id", agentID).Str("task_id", taskID).Msg("release agent lock failed")
	}
}

// Stats summarizes dispatcher state for the API.
type Stats struct {
	DispatcherID string `json:"dispatcher_id"`
	QueueDepth   int    `json:"queue_depth"`
	ActiveAgents int    `json:"active_agents"`
	IdleAgents   int    `json:"idle_agents"`
}

// GetStats returns current dispatcher statistics.
func (d *Dispatcher) GetStats(ctx context.Context) (Stats, error) {
	n, err := d.queue.Len(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		DispatcherID: d.id,
		QueueDepth:   n,
		ActiveAgents: len(d.registry.ListActive()),
		IdleAgents:   len(d.registry.Candidates()),
	}, nil
}
