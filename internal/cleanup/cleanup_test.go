package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/agentpool/internal/isolation"
	"github.com/fentz26/agentpool/internal/models"
	"github.com/fentz26/agentpool/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGit struct {
	mu         sync.Mutex
	merged     map[string]bool
	mergeErr   map[string]error
	dirty      map[string]bool
	lastCommit map[string]time.Time
	removed    []string
	deleted    []string
	pruned     int
	removeErr  error
	onRemove   func(path string)
}

func newFakeGit() *fakeGit {
	return &fakeGit{
		merged:     make(map[string]bool),
		mergeErr:   make(map[string]error),
		dirty:      make(map[string]bool),
		lastCommit: make(map[string]time.Time),
	}
}

func (g *fakeGit) IsMerged(_ context.Context, _, branch, _ string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.mergeErr[branch]; err != nil {
		return false, err
	}
	return g.merged[branch], nil
}

func (g *fakeGit) HasUncommittedChanges(_ context.Context, path string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dirty[path], nil
}

func (g *fakeGit) LastCommitTime(_ context.Context, _, branch string) (time.Time, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastCommit[branch], nil
}

func (g *fakeGit) RemoveWorktree(_ context.Context, _, path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.onRemove != nil {
		g.onRemove(path)
	}
	if g.removeErr != nil {
		return g.removeErr
	}
	if g.dirty[path] {
		return errors.New("worktree contains modified or untracked files")
	}
	g.removed = append(g.removed, path)
	return os.RemoveAll(path)
}

func (g *fakeGit) PruneWorktrees(context.Context, string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruned++
	return nil
}

func (g *fakeGit) DeleteBranch(_ context.Context, _, branch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted = append(g.deleted, branch)
	return nil
}

func (g *fakeGit) DefaultBranch(string) (string, error) { return "main", nil }

type fixture struct {
	store *store.Store
	git   *fakeGit
	svc   *Service
	root  string
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "pool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{store: st, git: newFakeGit(), root: t.TempDir(), now: time.Now()}
	codebases := isolation.NewCodebases([]isolation.Codebase{{ID: "c1", Path: "/repos/c1"}})
	f.svc = New(Config{}, codebases, st, f.git, nil, nil, zerolog.Nop())
	f.svc.SetClock(func() time.Time { return f.now })
	return f
}

type envSpec struct {
	id         string
	age        time.Duration
	lastCommit time.Duration
	platform   string
	merged     bool
	dirty      bool
	referenced bool
	noDir      bool
}

func (f *fixture) addEnv(t *testing.T, spec envSpec) models.Environment {
	t.Helper()
	ctx := context.Background()
	env := &models.Environment{
		ID:                spec.id,
		CodebaseID:        "c1",
		WorkingPath:       filepath.Join(f.root, spec.id),
		BranchName:        "pool/" + spec.id,
		CreatedByPlatform: spec.platform,
		CreatedAt:         f.now.Add(-spec.age),
	}
	if !spec.noDir {
		require.NoError(t, os.MkdirAll(env.WorkingPath, 0755))
	}
	conv := "conv-" + spec.id
	require.NoError(t, f.store.CreateEnvironmentAndBind(ctx, env, conv, 0))
	if !spec.referenced {
		_, _, err := f.store.UnbindConversation(ctx, conv)
		require.NoError(t, err)
	}

	f.git.merged[env.BranchName] = spec.merged
	f.git.dirty[env.WorkingPath] = spec.dirty
	if spec.lastCommit > 0 {
		f.git.lastCommit[env.BranchName] = f.now.Add(-spec.lastCommit)
	}
	return *env
}

func (f *fixture) status(t *testing.T, id string) models.EnvironmentStatus {
	t.Helper()
	env, err := f.store.GetEnvironment(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, env)
	return env.Status
}

func skipReasons(rep *Report) map[string]string {
	out := make(map[string]string)
	for _, s := range rep.Skipped {
		out[s.EnvID] = s.Reason
	}
	return out
}

const day = 24 * time.Hour

func TestScheduledCleanup_Decisions(t *testing.T) {
	f := newFixture(t)
	f.addEnv(t, envSpec{id: "fresh", age: day, lastCommit: day})
	f.addEnv(t, envSpec{id: "merged", age: day, merged: true})
	f.addEnv(t, envSpec{id: "stale", age: 30 * day, lastCommit: 20 * day})
	f.addEnv(t, envSpec{id: "stale-ref", age: 30 * day, lastCommit: 20 * day, referenced: true})
	f.addEnv(t, envSpec{id: "persistent", age: 30 * day, lastCommit: 20 * day, platform: "telegram"})
	f.addEnv(t, envSpec{id: "persistent-merged", age: 30 * day, platform: "telegram", merged: true})

	rep, err := f.svc.RunScheduledCleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TriggerScheduled, rep.Trigger)
	assert.Empty(t, rep.Errored)

	removed := make(map[string]string)
	for _, r := range rep.Removed {
		removed[r.EnvID] = r.Reason
	}
	assert.Equal(t, map[string]string{
		"merged":            RemovedMerged,
		"stale":             RemovedStale,
		"persistent-merged": RemovedMerged,
	}, removed)
	assert.Equal(t, map[string]string{
		"fresh":      ReasonNotStale,
		"stale-ref":  ReasonReferenced,
		"persistent": ReasonPersistent,
	}, skipReasons(rep))

	assert.Equal(t, models.EnvironmentDestroyed, f.status(t, "merged"))
	assert.Equal(t, models.EnvironmentActive, f.status(t, "fresh"))
	assert.ElementsMatch(t, []string{"pool/merged", "pool/persistent-merged"}, f.git.deleted, "only merged branches are deleted")
}

func TestCleanup_NeverRemovesDirty(t *testing.T) {
	f := newFixture(t)
	env := f.addEnv(t, envSpec{id: "dirty", age: 60 * day, lastCommit: 60 * day, merged: true, dirty: true})

	rep, err := f.svc.RunScheduledCleanup(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.Removed)
	require.Len(t, rep.Skipped, 1)
	assert.Equal(t, ReasonDirty, rep.Skipped[0].Reason)
	assert.Empty(t, f.git.removed)
	assert.Equal(t, models.EnvironmentActive, f.status(t, env.ID))
	_, statErr := os.Stat(env.WorkingPath)
	assert.NoError(t, statErr)
}

func TestCleanup_StalenessFromLatestActivity(t *testing.T) {
	f := newFixture(t)
	// Branched from an old commit two days ago: the commit is old but the
	// environment is not.
	f.addEnv(t, envSpec{id: "rebranched", age: 2 * day, lastCommit: 90 * day})

	rep, err := f.svc.RunScheduledCleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"rebranched": ReasonNotStale}, skipReasons(rep))
}

func TestCleanup_MissingWorktree(t *testing.T) {
	f := newFixture(t)
	f.addEnv(t, envSpec{id: "gone", age: day, noDir: true})
	f.addEnv(t, envSpec{id: "gone-ref", age: day, noDir: true, referenced: true})

	rep, err := f.svc.RunScheduledCleanup(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Removed, 1)
	assert.Equal(t, RemovedMissing, rep.Removed[0].Reason)
	assert.Equal(t, map[string]string{"gone-ref": ReasonReferenced}, skipReasons(rep))
	assert.Equal(t, 1, f.git.pruned)
}

func TestCleanup_ErrorIsolation(t *testing.T) {
	f := newFixture(t)
	f.addEnv(t, envSpec{id: "broken", age: day})
	f.addEnv(t, envSpec{id: "merged", age: day, merged: true})
	f.git.mergeErr["pool/broken"] = errors.New("git exploded")

	rep, err := f.svc.RunScheduledCleanup(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Errored, 1)
	assert.Equal(t, "broken", rep.Errored[0].EnvID)
	assert.Contains(t, rep.Errored[0].Error, "git exploded")
	require.Len(t, rep.Removed, 1)
	assert.Equal(t, "merged", rep.Removed[0].EnvID)
}

func TestCleanup_BindDuringRemovalRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	env := f.addEnv(t, envSpec{id: "merged", age: day, merged: true})

	var bindErr error
	f.git.onRemove = func(string) {
		assert.Equal(t, models.EnvironmentDestroying, f.status(t, env.ID))
		bindErr = f.store.BindConversation(ctx, "conv-late", env.ID)
	}

	rep, err := f.svc.RunScheduledCleanup(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Removed, 1)
	assert.ErrorIs(t, bindErr, store.ErrEnvironmentGone)
	assert.Equal(t, models.EnvironmentDestroyed, f.status(t, env.ID))

	n, err := f.store.CountReferences(ctx, env.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCleanup_FailedRemovalRestoresEnvironment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	env := f.addEnv(t, envSpec{id: "merged", age: day, merged: true})
	f.git.removeErr = errors.New("worktree locked")

	rep, err := f.svc.RunScheduledCleanup(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Errored, 1)
	assert.Contains(t, rep.Errored[0].Error, "worktree locked")
	assert.Equal(t, models.EnvironmentActive, f.status(t, env.ID))

	f.git.removeErr = nil
	rep, err = f.svc.RunScheduledCleanup(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Removed, 1)
	assert.Equal(t, models.EnvironmentDestroyed, f.status(t, env.ID))
}

func TestCleanup_ResumesInterruptedRemoval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	env := f.addEnv(t, envSpec{id: "half", age: time.Hour})
	ok, err := f.store.MarkEnvironmentDestroying(ctx, env.ID)
	require.NoError(t, err)
	require.True(t, ok)

	rep, err := f.svc.RunScheduledCleanup(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Removed, 1)
	assert.Equal(t, RemovedInterrupted, rep.Removed[0].Reason)
	assert.Equal(t, models.EnvironmentDestroyed, f.status(t, env.ID))
	assert.NoDirExists(t, env.WorkingPath)
}

func TestEndToEnd_ReleasedButNotStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// E1 has one commit of its own and conversation X just closed.
	f.addEnv(t, envSpec{id: "e1", age: time.Hour, lastCommit: 30 * time.Minute, referenced: true})
	envID, remaining, err := f.store.UnbindConversation(ctx, "conv-e1")
	require.NoError(t, err)
	assert.Equal(t, "e1", envID)
	assert.Equal(t, 0, remaining)

	require.NoError(t, f.svc.ReclaimEnvironment(ctx, "e1"))

	rep, err := f.svc.RunScheduledCleanup(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Skipped, 1)
	assert.Equal(t, ReasonNotStale, rep.Skipped[0].Reason)
	assert.Equal(t, models.EnvironmentActive, f.status(t, "e1"))
}

func TestReclaimEnvironment_RemovesMerged(t *testing.T) {
	f := newFixture(t)
	f.addEnv(t, envSpec{id: "m", age: day, merged: true})

	require.NoError(t, f.svc.ReclaimEnvironment(context.Background(), "m"))
	assert.Equal(t, models.EnvironmentDestroyed, f.status(t, "m"))

	// Already destroyed and unknown ids are no-ops.
	require.NoError(t, f.svc.ReclaimEnvironment(context.Background(), "m"))
	require.NoError(t, f.svc.ReclaimEnvironment(context.Background(), "unknown"))
}

func TestEnforceCapacity_AllReferenced(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 25; i++ {
		f.addEnv(t, envSpec{id: "env-" + string(rune('a'+i)), age: day, lastCommit: day, referenced: true})
	}

	removed, blocking, err := f.svc.EnforceCapacity(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	assert.Len(t, blocking, 25)
	for _, b := range blocking {
		assert.Equal(t, ReasonNotStale, b.Reason)
	}
}

func TestEnforceCapacity_ThroughManager(t *testing.T) {
	f := newFixture(t)
	mergedEnv := f.addEnv(t, envSpec{id: "merged", age: day, merged: true})
	f.addEnv(t, envSpec{id: "busy", age: day, merged: true, referenced: true})

	mgr := isolation.New(isolation.Config{
		WorktreeRoot: f.root,
		Codebases:    []isolation.Codebase{{ID: "c1", Path: "/repos/c1", MaxEnvironments: 2}},
	}, f.store, noopWorktrees{}, f.svc, nil, nil, zerolog.Nop())

	env, err := mgr.Acquire(context.Background(), isolation.AcquireRequest{ConversationID: "new", CodebaseID: "c1"})
	require.NoError(t, err)
	assert.NotEqual(t, mergedEnv.ID, env.ID)
	assert.Equal(t, models.EnvironmentDestroyed, f.status(t, "merged"))
	assert.Equal(t, models.EnvironmentActive, f.status(t, "busy"))
}

func TestService_StartStop(t *testing.T) {
	f := newFixture(t)
	f.svc.cfg.Interval = 10 * time.Millisecond
	f.addEnv(t, envSpec{id: "merged", age: day, merged: true})

	f.svc.Start()
	require.Eventually(t, func() bool {
		env, err := f.store.GetEnvironment(context.Background(), "merged")
		return err == nil && env.Status == models.EnvironmentDestroyed
	}, 2*time.Second, 10*time.Millisecond)
	f.svc.Stop()
}

type noopWorktrees struct{}

func (noopWorktrees) AddWorktree(_ context.Context, _, path, _, _ string) error {
	return os.MkdirAll(path, 0755)
}
func (noopWorktrees) RemoveWorktree(context.Context, string, string) error { return nil }
func (noopWorktrees) DeleteBranch(context.Context, string, string) error   { return nil }
func (noopWorktrees) DefaultBranch(string) (string, error)                 { return "main", nil }
