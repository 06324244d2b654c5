package cleanup

import (
	"time"

	"github.com/fentz26/agentpool/internal/isolation"
	"github.com/fentz26/agentpool/internal/models"
)

// Pass triggers.
const (
	TriggerScheduled = "scheduled"
	TriggerRelease   = "release"
	TriggerCapacity  = "capacity"
	TriggerManual    = "manual"
)

// Skip reasons.
const (
	ReasonNotStale   = "not stale"
	ReasonPersistent = "persistent workspace"
	ReasonReferenced = "still referenced"
	ReasonDirty      = "uncommitted changes"
)

// Removal reasons.
const (
	RemovedMerged      = "merged"
	RemovedStale       = "stale"
	RemovedMissing     = "missing worktree"
	RemovedInterrupted = "interrupted removal"
)

// Removal is an environment the pass destroyed.
type Removal struct {
	EnvID      string `json:"env_id"`
	CodebaseID string `json:"codebase_id"`
	BranchName string `json:"branch_name"`
	Reason     string `json:"reason"`
}

// Skip is an environment the pass left alone.
type Skip struct {
	EnvID      string `json:"env_id"`
	CodebaseID string `json:"codebase_id"`
	BranchName string `json:"branch_name"`
	Reason     string `json:"reason"`
	Detail     string `json:"detail,omitempty"`
}

// Failure is an environment whose evaluation failed.
type Failure struct {
	EnvID      string `json:"env_id"`
	CodebaseID string `json:"codebase_id"`
	BranchName string `json:"branch_name"`
	Error      string `json:"error"`
}

// Report is the outcome of one cleanup pass.
type Report struct {
	Trigger    string    `json:"trigger"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Removed    []Removal `json:"removed"`
	Skipped    []Skip    `json:"skipped"`
	Errored    []Failure `json:"errored"`
}

func (r *Report) remove(env models.Environment, reason string) {
	r.Removed = append(r.Removed, Removal{EnvID: env.ID, CodebaseID: env.CodebaseID, BranchName: env.BranchName, Reason: reason})
}

func (r *Report) skip(env models.Environment, reason, detail string) {
	r.Skipped = append(r.Skipped, Skip{EnvID: env.ID, CodebaseID: env.CodebaseID, BranchName: env.BranchName, Reason: reason, Detail: detail})
}

func (r *Report) fail(env models.Environment, err error) {
	r.Errored = append(r.Errored, Failure{EnvID: env.ID, CodebaseID: env.CodebaseID, BranchName: env.BranchName, Error: err.Error()})
}

// Blocking lists the environments that survived the pass with the reason
// each one is still live.
func (r *Report) Blocking() []isolation.BlockingEnvironment {
	out := make([]isolation.BlockingEnvironment, 0, len(r.Skipped)+len(r.Errored))
	for _, s := range r.Skipped {
		out = append(out, isolation.BlockingEnvironment{EnvID: s.EnvID, BranchName: s.BranchName, Reason: s.Reason, Detail: s.Detail})
	}
	for _, f := range r.Errored {
		out = append(out, isolation.BlockingEnvironment{EnvID: f.EnvID, BranchName: f.BranchName, Reason: "error", Detail: f.Error})
	}
	return out
}
