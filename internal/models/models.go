// Package models defines the core domain types for agentpool.
package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusDispatched TaskStatus = "dispatched"
	TaskStatusRunning    TaskStatus = "running"
	TaskStatusVerifying  TaskStatus = "verifying"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// InFlightStatuses are the statuses in which a task is attributed to an agent.
var InFlightStatuses = []TaskStatus{TaskStatusDispatched, TaskStatusRunning, TaskStatusVerifying}

// Terminal reports whether no further transitions are allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusDispatched, TaskStatusRunning, TaskStatusVerifying,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// InFlight reports whether the task is currently attributed to an agent.
func (s TaskStatus) InFlight() bool {
	for _, st := range InFlightStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// AgentStatus represents the reported state of an agent.
type AgentStatus string

const (
	AgentStatusIdle     AgentStatus = "idle"
	AgentStatusBusy     AgentStatus = "busy"
	AgentStatusStopping AgentStatus = "stopping"
	AgentStatusError    AgentStatus = "error"
	AgentStatusOffline  AgentStatus = "offline"
)

// TaskContext carries hints from previous attempts.
type TaskContext struct {
	RecoveryHints    []string `json:"recovery_hints,omitempty"`
	PreviousAttempts int      `json:"previous_attempts,omitempty"`
	RequireApproval  bool     `json:"require_approval,omitempty"`
}

// Expectations are verification hints checked after a successful run.
type Expectations struct {
	RequireCommits   bool `json:"require_commits,omitempty"`
	RequireTestsPass bool `json:"require_tests_pass,omitempty"`
	MinFilesModified int  `json:"min_files_modified,omitempty"`
}

// Claims are the changes an agent reports having made.
type Claims struct {
	CommitsCreated int      `json:"commits_created"`
	FilesModified  []string `json:"files_modified"`
	TestsRun       int      `json:"tests_run"`
	TestsPassed    int      `json:"tests_passed"`
}

// Outcome is the persisted part of a task result.
type Outcome struct {
	Success    bool     `json:"success"`
	Summary    string   `json:"summary,omitempty"`
	Claims     Claims   `json:"claims"`
	TokensUsed *int     `json:"tokens_used,omitempty"`
	Cost       *float64 `json:"cost,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Task represents a unit of work dispatched to one agent at a time.
type Task struct {
	ID              string        `json:"id"`
	Description     string        `json:"description"`
	Priority        int           `json:"priority"`
	Status          TaskStatus    `json:"status"`
	TargetAgentID   string        `json:"target_agent_id,omitempty"`
	AssignedAgentID string        `json:"assigned_agent_id,omitempty"`
	CodebaseID      string        `json:"codebase_id,omitempty"`
	ConversationID  string        `json:"conversation_id,omitempty"`
	Platform        string        `json:"platform,omitempty"`
	IsolationRef    string        `json:"isolation_ref,omitempty"`
	Context         *TaskContext  `json:"context,omitempty"`
	Expectations    *Expectations `json:"expectations,omitempty"`
	Attempts        int           `json:"attempts"`
	Seq             int64         `json:"seq"`
	Outcome         *Outcome      `json:"outcome,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	DispatchedAt    *time.Time    `json:"dispatched_at,omitempty"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
}

// Capabilities describe what an agent can take on.
type Capabilities struct {
	MaxConcurrentTasks int      `json:"max_concurrent_tasks"`
	SupportedLanguages []string `json:"supported_languages"`
	HasWorktree        bool     `json:"has_worktree"`
	LLMProvider        string   `json:"llm_provider,omitempty"`
}

// SystemInfo describes the host an agent runs on.
type SystemInfo struct {
	Hostname string `json:"hostname"`
	Platform string `json:"platform"`
	MemoryMB uint64 `json:"memory_mb"`
	CPUs     int    `json:"cpus"`
}

// Agent is a worker process identity as seen by the registry.
type Agent struct {
	ID              string       `json:"id"`
	Capabilities    Capabilities `json:"capabilities"`
	System          SystemInfo   `json:"system"`
	Status          AgentStatus  `json:"status"`
	CurrentTaskID   string       `json:"current_task_id,omitempty"`
	Progress        int          `json:"progress"`
	CurrentStep     string       `json:"current_step,omitempty"`
	RegisteredAt    time.Time    `json:"registered_at"`
	LastHeartbeatAt time.Time    `json:"last_heartbeat_at"`
	LastAssignedAt  time.Time    `json:"last_assigned_at"`
}

// Lock represents an assignment lock with a bounded lease.
type Lock struct {
	Key       string    `json:"key"`
	Holder    string    `json:"holder"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Attempt records one dispatch of a task to an agent.
type Attempt struct {
	ID        string     `json:"id"`
	TaskID    string     `json:"task_id"`
	AgentID   string     `json:"agent_id"`
	Outcome   string     `json:"outcome,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// EnvironmentStatus is the lifecycle state of an isolation environment.
type EnvironmentStatus string

const (
	EnvironmentActive     EnvironmentStatus = "active"
	EnvironmentDestroying EnvironmentStatus = "destroying"
	EnvironmentDestroyed  EnvironmentStatus = "destroyed"
)

// Environment is an isolated working copy (a git worktree) bound to one branch.
type Environment struct {
	ID                string            `json:"id"`
	CodebaseID        string            `json:"codebase_id"`
	WorkingPath       string            `json:"working_path"`
	BranchName        string            `json:"branch_name"`
	Status            EnvironmentStatus `json:"status"`
	CreatedByPlatform string            `json:"created_by_platform,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	DestroyedAt       *time.Time        `json:"destroyed_at,omitempty"`
	References        int               `json:"references"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	TaskID     string    `json:"task_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// QueueItem is a pending task reference ordered by priority then sequence.
type QueueItem struct {
	TaskID   string `json:"task_id"`
	Priority int    `json:"priority"`
	Seq      int64  `json:"seq"`
}

// Steps reported by a busy agent outside the runner's own steps.
const (
	StepAwaitingApproval = "awaiting_approval"
	StepVerifying        = "verifying"
)
