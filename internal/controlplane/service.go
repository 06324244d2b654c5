// Package controlplane provides the HTTP API and service layer for the pool
// daemon.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/agentpool/internal/cleanup"
	"github.com/fentz26/agentpool/internal/isolation"
	"github.com/fentz26/agentpool/internal/models"
)

// Dispatcher is the task and agent control surface.
type Dispatcher interface {
	Submit(ctx context.Context, task *models.Task) (*models.Task, error)
	Cancel(ctx context.Context, taskID, reason string) (*models.Task, error)
	Approve(ctx context.Context, taskID string, approved bool, reason string) error
	StopAgent(ctx context.Context, agentID, taskID, reason string, graceful bool) error
	Kill(ctx context.Context, agentID, reason string) error
	Ping(ctx context.Context, timeout time.Duration) (time.Duration, error)
}

// Store is the read side of the authoritative store.
type Store interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, status string) ([]models.Task, error)
	ListAttempts(ctx context.Context, taskID string) ([]models.Attempt, error)
	ListEnvironments(ctx context.Context, codebaseID string, status models.EnvironmentStatus) ([]models.Environment, error)
	ListPDR(ctx context.Context, taskID string, limit int) ([]models.PDREntry, error)
	Ping(ctx context.Context) error
}

// Agents lists live agents.
type Agents interface {
	ListActive() []models.Agent
}

// Environments manages conversation bindings.
type Environments interface {
	Attach(ctx context.Context, conversationID, envID string) (*models.Environment, error)
	Release(ctx context.Context, conversationID string) (isolation.ReleaseResult, error)
}

// Cleaner runs cleanup passes on demand.
type Cleaner interface {
	Run(ctx context.Context, trigger, codebaseID string) (*cleanup.Report, error)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Dispatcher   Dispatcher
	Store        Store
	Agents       Agents
	Environments Environments
	Cleaner      Cleaner
}

// Service provides the control plane business logic.
type Service struct {
	dispatcher   Dispatcher
	store        Store
	agents       Agents
	environments Environments
	cleaner      Cleaner
}

// NewService creates a new control plane service.
func NewService(deps Deps) *Service {
	return &Service{
		dispatcher:   deps.Dispatcher,
		store:        deps.Store,
		agents:       deps.Agents,
		environments: deps.Environments,
		cleaner:      deps.Cleaner,
	}
}

// --- Task Operations ---

// CreateTask validates and enqueues a task.
func (s *Service) CreateTask(ctx context.Context, req CreateTaskRequest) (*models.Task, error) {
	if req.Priority < 0 {
		return nil, fmt.Errorf("%w: priority must not be negative", ErrBadRequest)
	}
	task := &models.Task{
		Description:    req.Description,
		CodebaseID:     req.CodebaseID,
		Priority:       req.Priority,
		TargetAgentID:  req.TargetAgentID,
		ConversationID: req.ConversationID,
		Platform:       req.Platform,
		IsolationRef:   req.WorktreePath,
		Context:        req.Context,
		Expectations:   req.Expectations,
	}
	return s.dispatcher.Submit(ctx, task)
}

// GetTask retrieves a task by ID.
func (s *Service) GetTask(ctx context.Context, id string) (*models.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrNotFound
	}
	return task, nil
}

// ListTasks returns tasks, optionally filtered by status.
func (s *Service) ListTasks(ctx context.Context, status string) ([]models.Task, error) {
	if status != "" && !models.TaskStatus(status).Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrBadRequest, status)
	}
	return s.store.ListTasks(ctx, status)
}

// CancelTask cancels a queued or in-flight task.
func (s *Service) CancelTask(ctx context.Context, id, reason string) (*models.Task, error) {
	if reason == "" {
		reason = "cancelled via api"
	}
	return s.dispatcher.Cancel(ctx, id, reason)
}

// ApproveTask resolves a pending approval.
func (s *Service) ApproveTask(ctx context.Context, id string, approved bool, reason string) error {
	return s.dispatcher.Approve(ctx, id, approved, reason)
}

// Attempts lists the dispatch attempts of a task.
func (s *Service) Attempts(ctx context.Context, id string) ([]models.Attempt, error) {
	if _, err := s.GetTask(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListAttempts(ctx, id)
}

// --- Agent Operations ---

// ListAgents returns the live agents.
func (s *Service) ListAgents() []models.Agent {
	return s.agents.ListActive()
}

// StopAgent asks an agent to abort its task.
func (s *Service) StopAgent(ctx context.Context, agentID, taskID, reason string, graceful bool) error {
	if reason == "" {
		reason = "stopped via api"
	}
	return s.dispatcher.StopAgent(ctx, agentID, taskID, reason, graceful)
}

// KillAgent terminates an agent process.
func (s *Service) KillAgent(ctx context.Context, agentID, reason string) error {
	if reason == "" {
		reason = "killed via api"
	}
	return s.dispatcher.Kill(ctx, agentID, reason)
}

// --- Environment Operations ---

// ListEnvironments returns environments, optionally for one codebase.
func (s *Service) ListEnvironments(ctx context.Context, codebaseID, status string) ([]models.Environment, error) {
	return s.store.ListEnvironments(ctx, codebaseID, models.EnvironmentStatus(status))
}

// ReleaseConversation drops a conversation's environment binding.
func (s *Service) ReleaseConversation(ctx context.Context, conversationID string) (isolation.ReleaseResult, error) {
	res, err := s.environments.Release(ctx, conversationID)
	if errors.Is(err, isolation.ErrEnvironmentNotFound) {
		return res, ErrNotFound
	}
	return res, err
}

// AttachConversation binds a conversation to an existing active environment
// so it shares that worktree.
func (s *Service) AttachConversation(ctx context.Context, conversationID, envID string) (*models.Environment, error) {
	if envID == "" {
		return nil, fmt.Errorf("%w: env_id is required", ErrBadRequest)
	}
	env, err := s.environments.Attach(ctx, conversationID, envID)
	if errors.Is(err, isolation.ErrEnvironmentNotFound) {
		return nil, ErrNotFound
	}
	return env, err
}

// RunCleanup runs a manual cleanup pass.
func (s *Service) RunCleanup(ctx context.Context, codebaseID string) (*cleanup.Report, error) {
	return s.cleaner.Run(ctx, cleanup.TriggerManual, codebaseID)
}

// --- Audit ---

// Audit returns recent decision records, optionally for one task.
func (s *Service) Audit(ctx context.Context, taskID string, limit int) ([]models.PDREntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.store.ListPDR(ctx, taskID, limit)
}

// --- Health ---

// Health checks the store and the bus.
func (s *Service) Health(ctx context.Context, busTimeout time.Duration) (db, bus string) {
	db, bus = "ok", "ok"
	if err := s.store.Ping(ctx); err != nil {
		db = err.Error()
	}
	if _, err := s.dispatcher.Ping(ctx, busTimeout); err != nil {
		bus = err.Error()
	}
	return db, bus
}
