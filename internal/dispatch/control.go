package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/agentpool/internal/bus"
	"github.com/fentz26/agentpool/internal/models"
	"github.com/fentz26/agentpool/internal/registry"
	"github.com/google/uuid"
)

var (
	ErrTaskNotFound       = errors.New("task not found")
	ErrTaskNotInFlight    = errors.New("task is not running on an agent")
	ErrTaskTerminal       = errors.New("task already finished")
	ErrApprovalNotPending = errors.New("task does not require approval")
	ErrInvalidTask        = errors.New("invalid task")
	ErrPingTimeout        = errors.New("bus ping timed out")
)

// Submit creates a queued task and enqueues it.
func (d *Dispatcher) Submit(ctx context.Context, task *models.Task) (*models.Task, error) {
	if strings.TrimSpace(task.Description) == "" {
		return nil, fmt.Errorf("%w: description is required", ErrInvalidTask)
	}
	created, err := d.store.CreateTask(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	if err := d.queue.Enqueue(ctx, models.QueueItem{TaskID: created.ID, Priority: created.Priority, Seq: created.Seq}); err != nil {
		return nil, fmt.Errorf("enqueue task: %w", err)
	}

	d.metrics.TaskEnqueued()
	d.pdr.Record("task.enqueue", map[string]any{
		"description": created.Description,
		"priority":    created.Priority,
		"codebase_id": created.CodebaseID,
		"target":      created.TargetAgentID,
	}, "success", created.ID, fmt.Sprintf("priority %d", created.Priority))
	d.logger.Info().
		Str("task_id", created.ID).
		Int("priority", created.Priority).
		Str("target_agent_id", created.TargetAgentID).
		Msg("task enqueued")
	return created, nil
}

// Cancel moves a task to cancelled. A task in flight is also stopped on its
// agent; the result it may still send is discarded.
func (d *Dispatcher) Cancel(ctx context.Context, taskID, reason string) (*models.Task, error) {
	prev, err := d.store.CancelTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		t, err := d.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if t == nil {
			return nil, ErrTaskNotFound
		}
		return nil, ErrTaskTerminal
	}
	if _, err := d.queue.Remove(ctx, taskID); err != nil {
		d.logger.Warn().Err(err).Str("task_id", taskID).Msg("remove cancelled task from queue failed")
	}

	if prev.Status.InFlight() && prev.AssignedAgentID != "" {
		if err := d.store.FinishAttempt(ctx, taskID, prev.AssignedAgentID, string(models.TaskStatusCancelled)); err != nil {
			d.logger.Warn().Err(err).Str("task_id", taskID).Msg("close attempt failed")
		}
		if err := d.stop(ctx, prev.AssignedAgentID, taskID, "cancelled: "+reason, true); err != nil {
			d.logger.Warn().Err(err).Str("task_id", taskID).Str("agent_id", prev.AssignedAgentID).Msg("stop for cancelled task failed")
		}
	}

	d.pdr.Record("task.cancel", map[string]string{"task_id": taskID, "reason": reason}, "success", taskID,
		fmt.Sprintf("cancelled from %s", prev.Status))
	d.logger.Info().Str("task_id", taskID).Str("from", string(prev.Status)).Str("reason", reason).Msg("task cancelled")

	cur, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

// StopAgent asks an agent to abort its task. When taskID is empty the agent's
// current task is stopped. A stop that produces no result within the kill
// grace escalates to a kill.
func (d *Dispatcher) StopAgent(ctx context.Context, agentID, taskID, reason string, graceful bool) error {
	if _, ok := d.registry.Get(agentID); !ok {
		return registry.ErrUnknownAgent
	}
	return d.stop(ctx, agentID, taskID, reason, graceful)
}

func (d *Dispatcher) stop(ctx context.Context, agentID, taskID, reason string, graceful bool) error {
	if taskID == "" {
		if a, ok := d.registry.Get(agentID); ok {
			taskID = a.CurrentTaskID
		}
	}
	msg := &bus.ControlStop{AgentID: agentID, TaskID: taskID, Reason: reason, Graceful: graceful, Timestamp: d.now()}
	if err := d.bus.Publish(ctx, d.channels.Agent(agentID), msg); err != nil {
		return fmt.Errorf("publish stop: %w", err)
	}
	d.logger.Info().
		Str("agent_id", agentID).
		Str("task_id", taskID).
		Bool("graceful", graceful).
		Str("reason", reason).
		Msg("stop sent")
	if taskID != "" {
		d.scheduleKill(agentID, taskID)
	}
	return nil
}

// scheduleKill arms the escalation for a stop. It fires only if the agent
// still reports the task when the grace window closes.
func (d *Dispatcher) scheduleKill(agentID, taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.killers[agentID]; ok {
		t.Stop()
	}
	d.killers[agentID] = time.AfterFunc(d.cfg.KillGrace, func() {
		d.mu.Lock()
		delete(d.killers, agentID)
		d.mu.Unlock()

		a, ok := d.registry.Get(agentID)
		if !ok || a.CurrentTaskID != taskID {
			return
		}
		if d.ctx.Err() != nil {
			return
		}
		if err := d.Kill(d.ctx, agentID, fmt.Sprintf("stop of %s not honoured within %s", taskID, d.cfg.KillGrace)); err != nil {
			d.logger.Error().Err(err).Str("agent_id", agentID).Msg("kill escalation failed")
		}
	})
}

func (d *Dispatcher) cancelKill(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.killers[agentID]; ok {
		t.Stop()
		delete(d.killers, agentID)
	}
}

// Kill tells an agent process to exit. Its in-flight tasks fail, since no
// result will come, and the agent leaves the registry.
func (d *Dispatcher) Kill(ctx context.Context, agentID, reason string) error {
	if _, ok := d.registry.Get(agentID); !ok {
		return registry.ErrUnknownAgent
	}
	d.cancelKill(agentID)
	msg := &bus.ControlKill{AgentID: agentID, Reason: reason, Timestamp: d.now()}
	if err := d.bus.Publish(ctx, d.channels.Agent(agentID), msg); err != nil {
		return fmt.Errorf("publish kill: %w", err)
	}

	tasks, err := d.store.ListAgentTasks(ctx, agentID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		outcome := &models.Outcome{Success: false, Error: "agent killed: " + reason}
		ok, err := d.store.CompleteTask(ctx, t.ID, agentID, models.TaskStatusFailed, outcome)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := d.store.FinishAttempt(ctx, t.ID, agentID, "killed"); err != nil {
			d.logger.Warn().Err(err).Str("task_id", t.ID).Msg("close attempt failed")
		}
		d.releaseLock(ctx, agentID, t.ID)
		d.metrics.TaskResult(string(models.TaskStatusFailed))
	}
	d.registry.Deregister(ctx, agentID, "killed: "+reason)

	d.pdr.Record("agent.kill", map[string]string{"agent_id": agentID, "reason": reason}, "success", "", agentID)
	d.logger.Warn().Str("agent_id", agentID).Str("reason", reason).Int("failed_tasks", len(tasks)).Msg("agent killed")
	return nil
}

// Approve resolves the approval step of an in-flight task.
func (d *Dispatcher) Approve(ctx context.Context, taskID string, approved bool, reason string) error {
	t, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return ErrTaskNotFound
	}
	if !t.Status.InFlight() || t.AssignedAgentID == "" {
		return ErrTaskNotInFlight
	}
	if t.Context == nil || !t.Context.RequireApproval {
		return ErrApprovalNotPending
	}

	msg := &bus.ControlApprove{AgentID: t.AssignedAgentID, TaskID: taskID, Approved: approved, Reason: reason, Timestamp: d.now()}
	if err := d.bus.Publish(ctx, d.channels.Agent(t.AssignedAgentID), msg); err != nil {
		return fmt.Errorf("publish approval: %w", err)
	}
	outcome := "approved"
	if !approved {
		outcome = "rejected"
	}
	d.pdr.Record("task.approve", map[string]any{"task_id": taskID, "approved": approved}, outcome, taskID, reason)
	return nil
}

// Ping sends a ping on the control channel and waits for it to come back,
// either as our own echo or as another process's pong.
func (d *Dispatcher) Ping(ctx context.Context, timeout time.Duration) (time.Duration, error) {
	nonce := uuid.New().String()
	done := make(chan struct{})
	d.mu.Lock()
	d.pings[nonce] = done
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pings, nonce)
		d.mu.Unlock()
	}()

	start := time.Now()
	if err := d.bus.Publish(ctx, d.channels.Control(), &bus.ControlPing{Nonce: nonce, From: d.id, Timestamp: d.now()}); err != nil {
		return 0, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return time.Since(start), nil
	case <-timer.C:
		return 0, ErrPingTimeout
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (d *Dispatcher) resolvePing(nonce string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.pings[nonce]; ok {
		close(ch)
		delete(d.pings, nonce)
	}
}
