// Package connectors defines the task-execution contract an agent drives.
// Implementations wrap a model CLI or API; the pool only sees this shape.
package connectors

import (
	"context"

	"github.com/fentz26/agentpool/internal/models"
)

// RunInput is one task handed to a runner.
type RunInput struct {
	Prompt           string
	WorkingDirectory string
	Context          *models.TaskContext
}

// RunResult is what a runner reports back.
type RunResult struct {
	Success        bool     `json:"success"`
	Summary        string   `json:"summary"`
	CommitsCreated int      `json:"commits_created"`
	FilesModified  []string `json:"files_modified"`
	TestsRun       int      `json:"tests_run"`
	TestsPassed    int      `json:"tests_passed"`
	TokensUsed     *int     `json:"tokens_used,omitempty"`
	Cost           *float64 `json:"cost,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// Claims converts the result into the claims carried by a task result.
func (r *RunResult) Claims() models.Claims {
	return models.Claims{
		CommitsCreated: r.CommitsCreated,
		FilesModified:  r.FilesModified,
		TestsRun:       r.TestsRun,
		TestsPassed:    r.TestsPassed,
	}
}

// Runner executes one task at a time.
type Runner interface {
	// Name returns the runner identifier.
	Name() string

	// Run blocks until the task finishes or ctx is cancelled. A task that
	// ran and failed is reported through RunResult.Success, not the error.
	Run(ctx context.Context, in RunInput) (*RunResult, error)

	// Abort asks the in-flight run to stop after its current step.
	Abort()

	// Progress returns 0..100 for the in-flight run.
	Progress() int

	// CurrentStep describes what the in-flight run is doing.
	CurrentStep() string
}
