// Package registry tracks the live agent set from register, heartbeat and
// deregister messages. It is owned by the dispatcher process; agents never
// touch it directly.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/agentpool/internal/models"
	"github.com/rs/zerolog"
)

var (
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrAgentReconnected is returned by Register when the id already had a
	// live registration. The new registration replaces the old one.
	ErrAgentReconnected = errors.New("agent already active; previous registration invalidated")
	// ErrTaskNotAssigned is returned by Heartbeat when the beat names a task
	// other than the one assigned to the agent. Liveness is refreshed but the
	// beat's status and task fields are not applied.
	ErrTaskNotAssigned = errors.New("heartbeat names a task not assigned to the agent")
)

// AgentStore mirrors registry state for the API and for restarts.
type AgentStore interface {
	UpsertAgent(ctx context.Context, a models.Agent) error
}

// Beat is the payload of one heartbeat.
type Beat struct {
	Status      models.AgentStatus
	TaskID      string
	Progress    int
	CurrentStep string
}

type entry struct {
	agent      models.Agent
	suspect    bool
	progressAt time.Time
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]*entry
	timeout time.Duration
	store   AgentStore
	now     func() time.Time
	logger  zerolog.Logger
}

// New creates a registry. An agent whose last heartbeat is older than
// timeout is no longer active. store may be nil.
func New(store AgentStore, timeout time.Duration, logger zerolog.Logger) *Registry {
	return &Registry{
		agents:  make(map[string]*entry),
		timeout: timeout,
		store:   store,
		now:     time.Now,
		logger:  logger.With().Str("component", "registry").Logger(),
	}
}

// Timeout derives the heartbeat timeout from the cadence and the number of
// beats that may be missed.
func Timeout(interval time.Duration, missed int) time.Duration {
	return interval * time.Duration(missed)
}

// SetClock replaces the time source.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

func (r *Registry) alive(e *entry, now time.Time) bool {
	return now.Sub(e.agent.LastHeartbeatAt) <= r.timeout
}

// Register adds an agent to the active set.
func (r *Registry) Register(ctx context.Context, id string, caps models.Capabilities, sys models.SystemInfo) error {
	r.mu.Lock()
	now := r.now()
	prev, existed := r.agents[id]
	reconnect := existed && r.alive(prev, now)
	a := models.Agent{
		ID:              id,
		Capabilities:    caps,
		System:          sys,
		Status:          models.AgentStatusIdle,
		RegisteredAt:    now,
		LastHeartbeatAt: now,
	}
	if existed {
		a.LastAssignedAt = prev.agent.LastAssignedAt
	}
	r.agents[id] = &entry{agent: a}
	r.mu.Unlock()

	r.persist(ctx, a)
	if reconnect {
		r.logger.Warn().Str("agent_id", id).Msg("agent re-registered while live")
		return ErrAgentReconnected
	}
	r.logger.Info().Str("agent_id", id).Str("host", sys.Hostname).Msg("agent registered")
	return nil
}

// Heartbeat refreshes liveness and the reported status. Task progress is
// applied only for the task the agent was assigned; a beat naming any other
// task returns ErrTaskNotAssigned. An idle beat from an agent with no task
// clears the suspect mark.
func (r *Registry) Heartbeat(ctx context.Context, id string, b Beat) error {
	r.mu.Lock()
	e, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownAgent
	}
	now := r.now()
	e.agent.LastHeartbeatAt = now
	if b.TaskID != "" && b.TaskID != e.agent.CurrentTaskID {
		a := e.agent
		r.mu.Unlock()
		r.persist(ctx, a)
		return ErrTaskNotAssigned
	}
	if b.Status != "" {
		e.agent.Status = b.Status
	}
	switch {
	case b.TaskID != "":
		e.applyProgress(b, now)
	case b.Status == models.AgentStatusIdle && e.agent.CurrentTaskID == "":
		e.suspect = false
	}
	a := e.agent
	r.mu.Unlock()

	r.persist(ctx, a)
	return nil
}

// Adopt makes the beat's task the agent's current task and applies the
// beat. Callers use it after confirming elsewhere that the task is in
// flight on the agent, for example after a dispatcher restart.
func (r *Registry) Adopt(ctx context.Context, id string, b Beat) error {
	if b.TaskID == "" {
		return r.Heartbeat(ctx, id, b)
	}
	r.mu.Lock()
	e, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownAgent
	}
	now := r.now()
	e.agent.LastHeartbeatAt = now
	e.agent.Status = b.Status
	if e.agent.Status == "" {
		e.agent.Status = models.AgentStatusBusy
	}
	e.applyProgress(b, now)
	a := e.agent
	r.mu.Unlock()

	r.persist(ctx, a)
	return nil
}

func (e *entry) applyProgress(b Beat, now time.Time) {
	if b.TaskID != e.agent.CurrentTaskID || b.Progress != e.agent.Progress || b.CurrentStep != e.agent.CurrentStep {
		e.progressAt = now
	}
	e.agent.CurrentTaskID = b.TaskID
	e.agent.Progress = b.Progress
	e.agent.CurrentStep = b.CurrentStep
}

// SetStatus records a status change reported by the agent.
func (r *Registry) SetStatus(ctx context.Context, id string, status models.AgentStatus) error {
	r.mu.Lock()
	e, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownAgent
	}
	e.agent.Status = status
	a := e.agent
	r.mu.Unlock()

	r.persist(ctx, a)
	return nil
}

// Deregister removes the agent from the active set immediately and returns
// its last known state.
func (r *Registry) Deregister(ctx context.Context, id, reason string) (models.Agent, bool) {
	r.mu.Lock()
	e, ok := r.agents[id]
	if ok {
		delete(r.agents, id)
	}
	r.mu.Unlock()
	if !ok {
		return models.Agent{}, false
	}

	a := e.agent
	a.Status = models.AgentStatusOffline
	r.persist(ctx, a)
	r.logger.Info().Str("agent_id", id).Str("reason", reason).Msg("agent deregistered")
	return a, true
}

// Get returns the agent with id, live or not.
func (r *Registry) Get(id string) (models.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[id]
	if !ok {
		return models.Agent{}, false
	}
	return e.agent, true
}

// ListActive returns agents whose heartbeat age is within the timeout,
// sorted by id.
func (r *Registry) ListActive() []models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now()
	var out []models.Agent
	for _, e := range r.agents {
		if r.alive(e, now) {
			out = append(out, e.agent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Expire removes agents whose heartbeat timed out and returns them marked
// offline. Each agent is returned once.
func (r *Registry) Expire(ctx context.Context) []models.Agent {
	r.mu.Lock()
	now := r.now()
	var expired []models.Agent
	for id, e := range r.agents {
		if !r.alive(e, now) {
			a := e.agent
			a.Status = models.AgentStatusOffline
			expired = append(expired, a)
			delete(r.agents, id)
		}
	}
	r.mu.Unlock()

	for _, a := range expired {
		r.persist(ctx, a)
		r.logger.Warn().Str("agent_id", a.ID).Time("last_heartbeat", a.LastHeartbeatAt).Msg("agent heartbeat timed out")
	}
	return expired
}

// Available reports whether the agent may receive a dispatch: live, idle,
// not suspect, and with no task attributed to it.
func (r *Registry) Available(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[id]
	return ok && r.available(e, r.now())
}

func (r *Registry) available(e *entry, now time.Time) bool {
	return r.alive(e, now) && !e.suspect && e.agent.CurrentTaskID == "" && e.agent.Status == models.AgentStatusIdle
}

// Candidates returns available agents, least recently assigned first.
func (r *Registry) Candidates() []models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now()
	var out []models.Agent
	for _, e := range r.agents {
		if r.available(e, now) {
			out = append(out, e.agent)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastAssignedAt.Equal(out[j].LastAssignedAt) {
			return out[i].LastAssignedAt.Before(out[j].LastAssignedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// MarkAssigned optimistically marks the agent busy with taskID. The agent's
// own heartbeat confirms it.
func (r *Registry) MarkAssigned(ctx context.Context, id, taskID string) {
	r.mu.Lock()
	e, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	now := r.now()
	e.agent.Status = models.AgentStatusBusy
	e.agent.CurrentTaskID = taskID
	e.agent.Progress = 0
	e.agent.CurrentStep = ""
	e.agent.LastAssignedAt = now
	e.progressAt = now
	a := e.agent
	r.mu.Unlock()

	r.persist(ctx, a)
}

// ClearTask detaches taskID from the agent if it is still the current task.
func (r *Registry) ClearTask(ctx context.Context, id, taskID string) {
	r.mu.Lock()
	e, ok := r.agents[id]
	if !ok || e.agent.CurrentTaskID != taskID {
		r.mu.Unlock()
		return
	}
	e.agent.CurrentTaskID = ""
	e.agent.Progress = 0
	e.agent.CurrentStep = ""
	if e.agent.Status == models.AgentStatusBusy {
		e.agent.Status = models.AgentStatusIdle
	}
	a := e.agent
	r.mu.Unlock()

	r.persist(ctx, a)
}

// MarkSuspect withholds new work from the agent until it proves healthy
// with an idle heartbeat or re-registers.
func (r *Registry) MarkSuspect(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.agents[id]; ok {
		e.suspect = true
	}
}

// Suspect reports whether the agent is marked suspect.
func (r *Registry) Suspect(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[id]
	return ok && e.suspect
}

// ProgressAt returns when the agent last showed progress on taskID, or the
// zero time if it is not working on it.
func (r *Registry) ProgressAt(id, taskID string) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[id]
	if !ok || e.agent.CurrentTaskID != taskID {
		return time.Time{}
	}
	return e.progressAt
}

func (r *Registry) persist(ctx context.Context, a models.Agent) {
	if r.store == nil {
		return
	}
	if err := r.store.UpsertAgent(ctx, a); err != nil {
		r.logger.Warn().Err(err).Str("agent_id", a.ID).Msg("persist agent failed")
	}
}
