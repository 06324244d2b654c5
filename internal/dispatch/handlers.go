package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/fentz26/agentpool/internal/bus"
	"github.com/fentz26/agentpool/internal/models"
	"github.com/fentz26/agentpool/internal/registry"
)

var _ bus.Handler = (*Dispatcher)(nil)

// HandleTaskResult accepts a result only while the task is still in flight
// for the reporting agent. Anything else is a late or foreign result and is
// discarded.
func (d *Dispatcher) HandleTaskResult(ctx context.Context, m *bus.TaskResult) error {
	status := m.Status
	if status != models.TaskStatusCompleted && status != models.TaskStatusFailed {
		status = models.TaskStatusFailed
		if m.Success {
			status = models.TaskStatusCompleted
		}
	}
	outcome := &models.Outcome{
		Success:    m.Success,
		Summary:    m.Summary,
		Claims:     m.Claims,
		TokensUsed: m.TokensUsed,
		Cost:       m.Cost,
	}
	if m.Error != nil {
		outcome.Error = m.Error.Message
	}

	ok, err := d.store.CompleteTask(ctx, m.TaskID, m.AgentID, status, outcome)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", m.TaskID, err)
	}
	if !ok {
		d.discardResult(ctx, m)
		return nil
	}

	if err := d.store.FinishAttempt(ctx, m.TaskID, m.AgentID, string(status)); err != nil {
		d.logger.Warn().Err(err).Str("task_id", m.TaskID).Msg("close attempt failed")
	}
	d.registry.ClearTask(ctx, m.AgentID, m.TaskID)
	d.releaseLock(ctx, m.AgentID, m.TaskID)
	d.cancelKill(m.AgentID)

	d.metrics.TaskResult(string(status))
	d.pdr.Record("task.result", m, string(status), m.TaskID,
		fmt.Sprintf("agent %s, %d commit(s), %d file(s)", m.AgentID, m.Claims.CommitsCreated, len(m.Claims.FilesModified)))
	d.logger.Info().
		Str("task_id", m.TaskID).
		Str("agent_id", m.AgentID).
		Str("status", string(status)).
		Int64("duration_ms", m.DurationMs).
		Msg("task result accepted")
	return nil
}

func (d *Dispatcher) discardResult(ctx context.Context, m *bus.TaskResult) {
	current, err := d.store.GetTask(ctx, m.TaskID)
	if err != nil {
		d.logger.Warn().Err(err).Str("task_id", m.TaskID).Msg("load task for discarded result failed")
	}
	state, owner := "unknown", ""
	if current != nil {
		state, owner = string(current.Status), current.AssignedAgentID
		if current.Status == models.TaskStatusCancelled {
			// The agent finished before it saw the stop.
			d.logger.Info().Str("task_id", m.TaskID).Str("agent_id", m.AgentID).Msg("result for cancelled task discarded")
			d.registry.ClearTask(ctx, m.AgentID, m.TaskID)
			d.cancelKill(m.AgentID)
			return
		}
	}

	d.metrics.ResultConflict()
	d.pdr.Record("task.result_conflict", m, "discarded", m.TaskID,
		fmt.Sprintf("result from %s while task is %s (owner %q)", m.AgentID, state, owner))
	d.logger.Warn().
		Str("task_id", m.TaskID).
		Str("agent_id", m.AgentID).
		Str("task_status", state).
		Str("owner", owner).
		Bool("success", m.Success).
		Msg("late result discarded")
}

// HandleAgentRegister admits the agent. Tasks still attributed to the id
// belong to a previous process and are requeued.
func (d *Dispatcher) HandleAgentRegister(ctx context.Context, m *bus.AgentRegister) error {
	if err := d.registry.Register(ctx, m.AgentID, m.Capabilities, m.System); err != nil && !errors.Is(err, registry.ErrAgentReconnected) {
		return err
	}
	d.requeueAgentTasks(ctx, m.AgentID, ReasonReconnected)
	d.pdr.Record("agent.register", m, "success", "", m.AgentID)
	return nil
}

// HandleAgentHeartbeat refreshes liveness and advances the task the agent
// reports working on.
func (d *Dispatcher) HandleAgentHeartbeat(ctx context.Context, m *bus.AgentHeartbeat) error {
	beat := registry.Beat{Status: m.Status}
	if m.CurrentTask != nil {
		beat.TaskID = m.CurrentTask.TaskID
		beat.Progress = m.CurrentTask.Progress
		beat.CurrentStep = m.CurrentTask.CurrentStep
	}
	err := d.registry.Heartbeat(ctx, m.AgentID, beat)
	switch {
	case errors.Is(err, registry.ErrUnknownAgent):
		d.logger.Debug().Str("agent_id", m.AgentID).Msg("heartbeat from unregistered agent")
		return nil
	case errors.Is(err, registry.ErrTaskNotAssigned):
		adopted, err := d.adoptTask(ctx, m.AgentID, beat)
		if err != nil || !adopted {
			return err
		}
	case err != nil:
		return err
	}
	if m.CurrentTask == nil {
		if m.Status == models.AgentStatusIdle {
			return d.detachFinished(ctx, m.AgentID)
		}
		return nil
	}

	switch m.CurrentTask.CurrentStep {
	case models.StepAwaitingApproval:
		return nil
	case models.StepVerifying:
		_, err := d.store.AdvanceTask(ctx, m.CurrentTask.TaskID, m.AgentID,
			[]models.TaskStatus{models.TaskStatusDispatched, models.TaskStatusRunning}, models.TaskStatusVerifying)
		return err
	default:
		_, err := d.store.AdvanceTask(ctx, m.CurrentTask.TaskID, m.AgentID,
			[]models.TaskStatus{models.TaskStatusDispatched}, models.TaskStatusRunning)
		return err
	}
}

// adoptTask accepts a heartbeat naming a task the registry did not assign,
// but only when the store still has that task in flight on the agent. A
// beat that raced past the task's result is dropped.
func (d *Dispatcher) adoptTask(ctx context.Context, agentID string, beat registry.Beat) (bool, error) {
	task, err := d.store.GetTask(ctx, beat.TaskID)
	if err != nil {
		return false, fmt.Errorf("load heartbeat task %s: %w", beat.TaskID, err)
	}
	if task == nil || task.AssignedAgentID != agentID || !task.Status.InFlight() {
		d.logger.Debug().Str("agent_id", agentID).Str("task_id", beat.TaskID).Msg("stale heartbeat task ignored")
		return false, nil
	}
	if err := d.registry.Adopt(ctx, agentID, beat); err != nil {
		return false, err
	}
	d.logger.Info().Str("agent_id", agentID).Str("task_id", beat.TaskID).Msg("in-flight task adopted from heartbeat")
	return true, nil
}

// detachFinished clears the agent's current task when an idle heartbeat
// arrives and the store no longer has that task in flight on the agent.
// A task still in flight stays attached: its dispatch may be in transit,
// and the lease sweep owns that case.
func (d *Dispatcher) detachFinished(ctx context.Context, agentID string) error {
	a, ok := d.registry.Get(agentID)
	if !ok || a.CurrentTaskID == "" {
		return nil
	}
	task, err := d.store.GetTask(ctx, a.CurrentTaskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", a.CurrentTaskID, err)
	}
	if task != nil && task.AssignedAgentID == agentID && task.Status.InFlight() {
		return nil
	}
	d.registry.ClearTask(ctx, agentID, a.CurrentTaskID)
	d.logger.Debug().Str("agent_id", agentID).Str("task_id", a.CurrentTaskID).Msg("idle heartbeat detached finished task")
	return nil
}

// HandleAgentStatus records a worker state transition.
func (d *Dispatcher) HandleAgentStatus(ctx context.Context, m *bus.AgentStatusChange) error {
	if err := d.registry.SetStatus(ctx, m.AgentID, m.CurrentStatus); err != nil {
		if errors.Is(err, registry.ErrUnknownAgent) {
			return nil
		}
		return err
	}
	d.logger.Debug().
		Str("agent_id", m.AgentID).
		Str("from", string(m.PreviousStatus)).
		Str("to", string(m.CurrentStatus)).
		Str("reason", m.Reason).
		Msg("agent status changed")
	return nil
}

// HandleAgentDeregister removes the agent and requeues its work.
func (d *Dispatcher) HandleAgentDeregister(ctx context.Context, m *bus.AgentDeregister) error {
	if _, ok := d.registry.Deregister(ctx, m.AgentID, m.Reason); !ok {
		return nil
	}
	d.cancelKill(m.AgentID)
	d.requeueAgentTasks(ctx, m.AgentID, ReasonAgentGone)
	return nil
}

// HandleControlPing answers pings from other processes and completes our
// own ping when it echoes back.
func (d *Dispatcher) HandleControlPing(ctx context.Context, m *bus.ControlPing) error {
	if m.From == d.id {
		d.resolvePing(m.Nonce)
		return nil
	}
	return d.bus.Publish(ctx, d.channels.Control(), &bus.ControlPong{Nonce: m.Nonce, From: d.id, Timestamp: d.now()})
}

// HandleControlPong completes a ping answered by another process.
func (d *Dispatcher) HandleControlPong(_ context.Context, m *bus.ControlPong) error {
	d.resolvePing(m.Nonce)
	return nil
}

// The dispatcher sends these; it does not act on them.

func (d *Dispatcher) HandleTaskDispatch(context.Context, *bus.TaskDispatch) error     { return nil }
func (d *Dispatcher) HandleControlStop(context.Context, *bus.ControlStop) error       { return nil }
func (d *Dispatcher) HandleControlKill(context.Context, *bus.ControlKill) error       { return nil }
func (d *Dispatcher) HandleControlApprove(context.Context, *bus.ControlApprove) error { return nil }
