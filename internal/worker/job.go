package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/agentpool/internal/bus"
	"github.com/fentz26/agentpool/internal/connectors"
	"github.com/fentz26/agentpool/internal/isolation"
	"github.com/fentz26/agentpool/internal/lock"
	"github.com/fentz26/agentpool/internal/models"
	"github.com/rs/zerolog"
)

const stepRunning = "running"

// publishTimeout bounds result publication after the task context is gone.
const publishTimeout = 10 * time.Second

var _ bus.Handler = (*Worker)(nil)

// HandleTaskDispatch starts a task unless one is already in flight. A
// duplicate or concurrent dispatch is a no-op.
func (w *Worker) HandleTaskDispatch(ctx context.Context, m *bus.TaskDispatch) error {
	if m.TargetAgentID != "" && m.TargetAgentID != w.cfg.ID {
		return nil
	}

	w.mu.Lock()
	if w.job != nil || w.status != models.AgentStatusIdle {
		current := ""
		if w.job != nil {
			current = w.job.taskID
		}
		w.mu.Unlock()
		if current == m.TaskID {
			w.logger.Debug().Str("task_id", m.TaskID).Msg("duplicate dispatch ignored")
		} else {
			w.logger.Warn().Str("task_id", m.TaskID).Str("current_task_id", current).Msg("dispatch ignored while busy")
		}
		return nil
	}
	jctx, cancel := context.WithCancel(w.ctx)
	j := &job{
		taskID:    m.TaskID,
		ctx:       jctx,
		cancel:    cancel,
		step:      stepPreparing,
		approvals: make(chan approval, 1),
	}
	w.job = j
	w.mu.Unlock()

	// The dispatcher's lease may already be gone; holding the lock under the
	// task id fences out any newer assignment for this agent.
	if err := w.locker.Acquire(ctx, lock.AgentKey(w.cfg.ID), m.TaskID, w.cfg.LeaseTTL); err != nil {
		w.mu.Lock()
		w.job = nil
		w.mu.Unlock()
		cancel()
		if errors.Is(err, lock.ErrLocked) {
			w.logger.Warn().Str("task_id", m.TaskID).Msg("assignment lock held for another task, dispatch dropped")
			return nil
		}
		return fmt.Errorf("acquire assignment lock: %w", err)
	}

	w.jobs.Add(1)
	go w.run(j, m)
	return nil
}

func (w *Worker) run(j *job, m *bus.TaskDispatch) {
	defer w.jobs.Done()
	logger := w.logger.With().Str("task_id", j.taskID).Logger()
	logger.Info().Str("codebase_id", m.Task.CodebaseID).Msg("task started")

	start := w.now()
	w.setStatus(w.ctx, models.AgentStatusBusy, "task "+j.taskID)
	w.heartbeat(w.ctx)

	res := w.execute(j, m, logger)
	res.TaskID = j.taskID
	res.AgentID = w.cfg.ID
	res.StartTime = start
	res.EndTime = w.now()
	res.DurationMs = res.EndTime.Sub(start).Milliseconds()

	pctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := w.bus.Publish(pctx, w.channels.Results(), res); err != nil {
		logger.Error().Err(err).Msg("result publish failed")
	}

	if err := w.locker.Release(pctx, lock.AgentKey(w.cfg.ID), j.taskID); err != nil && !errors.Is(err, lock.ErrNotHeld) {
		logger.Warn().Err(err).Msg("release assignment lock failed")
	}
	if j.scoped != "" {
		if _, err := w.isolation.Release(pctx, j.scoped); err != nil {
			logger.Warn().Err(err).Msg("release task environment failed")
		}
	}

	w.mu.Lock()
	if j.stopTimer != nil {
		j.stopTimer.Stop()
	}
	w.job = nil
	w.mu.Unlock()
	j.cancel()

	w.setStatus(pctx, models.AgentStatusIdle, "task finished")
	w.heartbeat(pctx)

	ev := logger.Info()
	if !res.Success {
		ev = logger.Warn()
		if res.Error != nil {
			ev = ev.Str("error", res.Error.Message)
		}
	}
	ev.Str("status", string(res.Status)).Int64("duration_ms", res.DurationMs).Msg("task finished")
}

// execute walks the task through its steps and builds the result. It never
// returns nil.
func (w *Worker) execute(j *job, m *bus.TaskDispatch, logger zerolog.Logger) *bus.TaskResult {
	res := &bus.TaskResult{Status: models.TaskStatusFailed}
	fail := func(msg string) *bus.TaskResult {
		res.Error = &bus.ResultError{Message: msg}
		return res
	}

	dir, err := w.workspace(j, m)
	if err != nil {
		var capErr *isolation.CapacityError
		if errors.As(err, &capErr) {
			logger.Warn().Str("codebase_id", capErr.CodebaseID).Int("live", capErr.Live).Msg("no environment capacity")
		}
		return fail("isolation: " + err.Error())
	}

	if c := m.Task.Context; c != nil && c.RequireApproval {
		w.setStep(j, models.StepAwaitingApproval)
		logger.Info().Msg("awaiting approval")
		select {
		case a := <-j.approvals:
			if !a.approved {
				msg := "rejected"
				if a.reason != "" {
					msg += ": " + a.reason
				}
				return fail(msg)
			}
			logger.Info().Msg("approved")
		case <-j.ctx.Done():
			return fail(w.stopMessage(j, "stopped while awaiting approval"))
		}
	}

	w.setStep(j, stepRunning)
	out, err := w.runner.Run(j.ctx, connectors.RunInput{
		Prompt:           Prompt(m),
		WorkingDirectory: dir,
		Context:          m.Task.Context,
	})
	if err != nil {
		if reason := w.stopReason(j); reason != "" {
			return fail("stopped: " + reason)
		}
		w.setStatus(w.ctx, models.AgentStatusError, err.Error())
		return fail(err.Error())
	}

	res.Summary = out.Summary
	res.Claims = out.Claims()
	res.TokensUsed = out.TokensUsed
	res.Cost = out.Cost

	if reason := w.stopReason(j); reason != "" {
		return fail("stopped: " + reason)
	}
	if !out.Success {
		if out.Error == "" {
			return fail("task failed")
		}
		return fail(out.Error)
	}

	if exp := m.Task.Expectations; exp != nil {
		w.setStep(j, models.StepVerifying)
		if problems := Verify(*exp, res.Claims); len(problems) > 0 {
			return fail("verification failed: " + strings.Join(problems, "; "))
		}
	}

	res.Success = true
	res.Status = models.TaskStatusCompleted
	return res
}

// workspace resolves the directory a task runs in. Tasks without a
// conversation get an environment scoped to the task, released when the
// task ends.
func (w *Worker) workspace(j *job, m *bus.TaskDispatch) (string, error) {
	if m.Task.CodebaseID == "" || w.isolation == nil {
		if m.Task.WorktreePath != "" {
			return m.Task.WorktreePath, nil
		}
		return w.cfg.WorkDir, nil
	}

	conv := m.ConversationID
	if conv == "" {
		conv = "task:" + m.TaskID
		j.scoped = conv
	}
	env, err := w.isolation.Acquire(j.ctx, isolation.AcquireRequest{
		ConversationID: conv,
		CodebaseID:     m.Task.CodebaseID,
		BranchHint:     m.Task.Description,
		Platform:       m.Platform,
	})
	if err != nil {
		j.scoped = ""
		return "", err
	}
	return env.WorkingPath, nil
}

func (w *Worker) stopReason(j *job) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return j.stopReason
}

func (w *Worker) stopMessage(j *job, fallback string) string {
	if r := w.stopReason(j); r != "" {
		return "stopped: " + r
	}
	return fallback
}

// HandleControlStop aborts the in-flight task. A graceful stop lets the
// runner finish its current step and cancels it after StopGrace; otherwise
// the task context is cancelled at once.
func (w *Worker) HandleControlStop(ctx context.Context, m *bus.ControlStop) error {
	w.mu.Lock()
	j := w.job
	if j == nil || (m.TaskID != "" && m.TaskID != j.taskID) {
		w.mu.Unlock()
		w.logger.Debug().Str("task_id", m.TaskID).Msg("stop for a task not running here")
		return nil
	}
	if j.stopReason != "" {
		w.mu.Unlock()
		return nil
	}
	reason := m.Reason
	if reason == "" {
		reason = "requested"
	}
	j.stopReason = reason
	immediate := !m.Graceful || j.step != stepRunning
	if !immediate {
		j.stopTimer = time.AfterFunc(w.cfg.StopGrace, j.cancel)
	}
	w.mu.Unlock()

	w.logger.Info().Str("task_id", j.taskID).Bool("graceful", m.Graceful).Str("reason", reason).Msg("stopping task")
	w.setStatus(ctx, models.AgentStatusStopping, reason)
	w.runner.Abort()
	if immediate {
		j.cancel()
	}
	return nil
}

// HandleControlKill terminates the process. No result is sent.
func (w *Worker) HandleControlKill(_ context.Context, m *bus.ControlKill) error {
	w.logger.Error().Str("reason", m.Reason).Msg("kill received, exiting")
	w.exit(1)
	return nil
}

// HandleControlApprove resolves the approval step of the current task.
func (w *Worker) HandleControlApprove(_ context.Context, m *bus.ControlApprove) error {
	w.mu.Lock()
	j := w.job
	w.mu.Unlock()
	if j == nil || j.taskID != m.TaskID {
		w.logger.Debug().Str("task_id", m.TaskID).Msg("approval for a task not running here")
		return nil
	}
	select {
	case j.approvals <- approval{approved: m.Approved, reason: m.Reason}:
	default:
	}
	return nil
}

// HandleControlPing answers a ping sent to this agent.
func (w *Worker) HandleControlPing(ctx context.Context, m *bus.ControlPing) error {
	return w.bus.Publish(ctx, w.channels.Control(), &bus.ControlPong{Nonce: m.Nonce, From: w.cfg.ID, Timestamp: w.now()})
}

// Agents only send these.

func (w *Worker) HandleTaskResult(context.Context, *bus.TaskResult) error           { return nil }
func (w *Worker) HandleAgentRegister(context.Context, *bus.AgentRegister) error     { return nil }
func (w *Worker) HandleAgentHeartbeat(context.Context, *bus.AgentHeartbeat) error   { return nil }
func (w *Worker) HandleAgentStatus(context.Context, *bus.AgentStatusChange) error   { return nil }
func (w *Worker) HandleAgentDeregister(context.Context, *bus.AgentDeregister) error { return nil }
func (w *Worker) HandleControlPong(context.Context, *bus.ControlPong) error         { return nil }

// Verify checks claims against expectations and returns what is unmet.
func Verify(exp models.Expectations, claims models.Claims) []string {
	var problems []string
	if exp.RequireCommits && claims.CommitsCreated == 0 {
		problems = append(problems, "expected at least one commit")
	}
	if exp.RequireTestsPass && (claims.TestsRun == 0 || claims.TestsPassed < claims.TestsRun) {
		problems = append(problems, fmt.Sprintf("expected tests to pass (%d of %d passed)", claims.TestsPassed, claims.TestsRun))
	}
	if exp.MinFilesModified > 0 && len(claims.FilesModified) < exp.MinFilesModified {
		problems = append(problems, fmt.Sprintf("expected at least %d modified file(s), got %d", exp.MinFilesModified, len(claims.FilesModified)))
	}
	return problems
}

// Prompt renders the runner prompt for a dispatch, including what earlier
// attempts left behind.
func Prompt(m *bus.TaskDispatch) string {
	var b strings.Builder
	b.WriteString(m.Task.Description)
	c := m.Task.Context
	if c == nil || (c.PreviousAttempts == 0 && len(c.RecoveryHints) == 0) {
		return b.String()
	}
	b.WriteString("\n\n")
	if c.PreviousAttempts > 0 {
		fmt.Fprintf(&b, "This task was attempted %d time(s) before.", c.PreviousAttempts)
	}
	if len(c.RecoveryHints) > 0 {
		b.WriteString(" Notes from earlier attempts:")
		for _, h := range c.RecoveryHints {
			b.WriteString("\n- ")
			b.WriteString(h)
		}
	}
	return strings.TrimSpace(b.String())
}
