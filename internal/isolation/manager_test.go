package isolation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/agentpool/internal/models"
	"github.com/fentz26/agentpool/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGit struct {
	mu      sync.Mutex
	added   []string
	removed []string
	deleted []string
}

func (g *fakeGit) AddWorktree(_ context.Context, _, worktreePath, branch, base string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.added = append(g.added, worktreePath)
	return os.MkdirAll(worktreePath, 0755)
}

func (g *fakeGit) RemoveWorktree(_ context.Context, _, worktreePath string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removed = append(g.removed, worktreePath)
	return os.RemoveAll(worktreePath)
}

func (g *fakeGit) DeleteBranch(_ context.Context, _, branch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted = append(g.deleted, branch)
	return nil
}

func (g *fakeGit) DefaultBranch(string) (string, error) { return "main", nil }

func (g *fakeGit) addedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.added)
}

type fakeReclaimer struct {
	mu        sync.Mutex
	reclaimed []string
	enforce   func(ctx context.Context, codebaseID string) (int, []BlockingEnvironment, error)
}

func (r *fakeReclaimer) EnforceCapacity(ctx context.Context, codebaseID string) (int, []BlockingEnvironment, error) {
	if r.enforce == nil {
		return 0, nil, nil
	}
	return r.enforce(ctx, codebaseID)
}

func (r *fakeReclaimer) ReclaimEnvironment(_ context.Context, envID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reclaimed = append(r.reclaimed, envID)
	return nil
}

type fixture struct {
	store     *store.Store
	git       *fakeGit
	reclaimer *fakeReclaimer
	mgr       *Manager
	root      string
}

func newFixture(t *testing.T, maxEnvs int) *fixture {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "pool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{store: st, git: &fakeGit{}, reclaimer: &fakeReclaimer{}, root: t.TempDir()}
	f.mgr = New(Config{
		WorktreeRoot: f.root,
		BranchPrefix: "pool",
		Codebases:    []Codebase{{ID: "c1", Path: "/repos/c1", MaxEnvironments: maxEnvs}},
	}, st, f.git, f.reclaimer, nil, nil, zerolog.Nop())
	return f
}

func TestAcquire_Idempotent(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	env1, err := f.mgr.Acquire(ctx, AcquireRequest{ConversationID: "conv-x", CodebaseID: "c1", BranchHint: "Fix login", Platform: "slack"})
	require.NoError(t, err)
	env2, err := f.mgr.Acquire(ctx, AcquireRequest{ConversationID: "conv-x", CodebaseID: "c1"})
	require.NoError(t, err)

	assert.Equal(t, env1.ID, env2.ID)
	assert.Equal(t, 1, f.git.addedCount(), "second acquire must not create a worktree")
	assert.Equal(t, filepath.Join(f.root, "c1", env1.ID), env1.WorkingPath)
	assert.True(t, strings.HasPrefix(env1.BranchName, "pool/fix-login-"), env1.BranchName)
	assert.Equal(t, "slack", env1.CreatedByPlatform)
	assert.Equal(t, 1, env2.References)
}

func TestAcquire_ConcurrentSameConversation(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	ids := make([]string, 8)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env, err := f.mgr.Acquire(ctx, AcquireRequest{ConversationID: "conv-x", CodebaseID: "c1"})
			if assert.NoError(t, err) {
				ids[i] = env.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, f.git.addedCount())
}

// racingStore binds the conversation to another environment just before the
// manager's own bind, as a second process would.
type racingStore struct {
	*store.Store
	winner *models.Environment
}

func (s *racingStore) CreateEnvironmentAndBind(ctx context.Context, env *models.Environment, conversationID string, limit int) error {
	if s.winner == nil {
		s.winner = &models.Environment{ID: "winner", CodebaseID: env.CodebaseID, WorkingPath: "/elsewhere", BranchName: "pool/winner"}
		if err := s.Store.CreateEnvironmentAndBind(ctx, s.winner, conversationID, limit); err != nil {
			return err
		}
	}
	return s.Store.CreateEnvironmentAndBind(ctx, env, conversationID, limit)
}

func TestAcquire_LostBindRollsBack(t *testing.T) {
	f := newFixture(t, 0)
	rs := &racingStore{Store: f.store}
	mgr := New(Config{WorktreeRoot: f.root, Codebases: []Codebase{{ID: "c1", Path: "/repos/c1"}}}, rs, f.git, nil, nil, nil, zerolog.Nop())

	env, err := mgr.Acquire(context.Background(), AcquireRequest{ConversationID: "conv-x", CodebaseID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "winner", env.ID)
	require.Len(t, f.git.removed, 1, "the losing worktree is removed")
	assert.Equal(t, f.git.added[0], f.git.removed[0])
	assert.Len(t, f.git.deleted, 1)
}

func TestRelease_ReferenceCounting(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	env, err := f.mgr.Acquire(ctx, AcquireRequest{ConversationID: "conv-x", CodebaseID: "c1"})
	require.NoError(t, err)
	shared, err := f.mgr.Attach(ctx, "conv-y", env.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, shared.References)

	res, err := f.mgr.Release(ctx, "conv-x")
	require.NoError(t, err)
	assert.Equal(t, ReleaseResult{EnvID: env.ID, Remaining: 1}, res)
	assert.Empty(t, f.reclaimer.reclaimed, "still referenced by conv-y")

	res, err = f.mgr.Release(ctx, "conv-y")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, []string{env.ID}, f.reclaimer.reclaimed)

	got, err := f.store.GetEnvironment(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnvironmentActive, got.Status, "release alone never destroys")

	res, err = f.mgr.Release(ctx, "conv-unknown")
	require.NoError(t, err)
	assert.Empty(t, res.EnvID)
}

func TestAttach_Errors(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.mgr.Attach(ctx, "conv-y", "missing")
	assert.ErrorIs(t, err, ErrEnvironmentNotFound)

	env, err := f.mgr.Acquire(ctx, AcquireRequest{ConversationID: "conv-x", CodebaseID: "c1"})
	require.NoError(t, err)
	_, err = f.mgr.Release(ctx, "conv-x")
	require.NoError(t, err)
	ok, err := f.store.MarkEnvironmentDestroyed(ctx, env.ID)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.mgr.Attach(ctx, "conv-y", env.ID)
	assert.ErrorIs(t, err, ErrEnvironmentInactive)
}

func TestAcquire_CapacityRefused(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	for _, conv := range []string{"conv-1", "conv-2"} {
		_, err := f.mgr.Acquire(ctx, AcquireRequest{ConversationID: conv, CodebaseID: "c1"})
		require.NoError(t, err)
	}

	called := false
	f.reclaimer.enforce = func(_ context.Context, codebaseID string) (int, []BlockingEnvironment, error) {
		called = true
		assert.Equal(t, "c1", codebaseID)
		return 0, []BlockingEnvironment{
			{EnvID: "e1", Reason: "still referenced"},
			{EnvID: "e2", Reason: "not stale"},
		}, nil
	}

	_, err := f.mgr.Acquire(ctx, AcquireRequest{ConversationID: "conv-3", CodebaseID: "c1"})
	require.Error(t, err)
	assert.True(t, called, "cleanup runs before refusing")

	var capErr *CapacityError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, 2, capErr.Limit)
	assert.Equal(t, 2, capErr.Live)
	assert.Equal(t, 0, capErr.Reclaimed)
	assert.Len(t, capErr.Blocking, 2)
	assert.Contains(t, err.Error(), "e1 (still referenced)")
	assert.Equal(t, 2, f.git.addedCount())
}

// gatedGit holds every AddWorktree until all expected callers are inside
// it, so each caller has already passed its capacity pre-check.
type gatedGit struct {
	*fakeGit
	arrived sync.WaitGroup
}

func (g *gatedGit) AddWorktree(ctx context.Context, repoPath, worktreePath, branch, base string) error {
	g.arrived.Done()
	done := make(chan struct{})
	go func() {
		g.arrived.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		return errors.New("gate timed out")
	}
	return g.fakeGit.AddWorktree(ctx, repoPath, worktreePath, branch, base)
}

func TestAcquire_CapacityAcrossManagers(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "pool.db")
	root := t.TempDir()
	g := &gatedGit{fakeGit: &fakeGit{}}
	g.arrived.Add(2)

	// Each manager has its own store handle, as separate processes would.
	mgrs := make([]*Manager, 2)
	for i := range mgrs {
		st, err := store.New(dbPath)
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
		mgrs[i] = New(Config{
			WorktreeRoot: root,
			Codebases:    []Codebase{{ID: "c1", Path: "/repos/c1", MaxEnvironments: 1}},
		}, st, g, nil, nil, nil, zerolog.Nop())
	}

	ctx := context.Background()
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, mgr := range mgrs {
		wg.Add(1)
		go func(i int, mgr *Manager) {
			defer wg.Done()
			_, errs[i] = mgr.Acquire(ctx, AcquireRequest{ConversationID: fmt.Sprintf("conv-%d", i), CodebaseID: "c1"})
		}(i, mgr)
	}
	wg.Wait()

	var created int
	var capErr *CapacityError
	for _, err := range errs {
		if err == nil {
			created++
			continue
		}
		require.True(t, errors.As(err, &capErr), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, created)
	require.NotNil(t, capErr)
	assert.Equal(t, 1, capErr.Limit)
	assert.Equal(t, 1, capErr.Live)

	n, err := mgrs[0].store.CountActiveEnvironments(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, g.addedCount())
	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Len(t, g.removed, 1, "the refused worktree is rolled back")
}

func TestAttach_RefusesEnvironmentBeingDestroyed(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	env, err := f.mgr.Acquire(ctx, AcquireRequest{ConversationID: "conv-x", CodebaseID: "c1"})
	require.NoError(t, err)
	_, err = f.mgr.Release(ctx, "conv-x")
	require.NoError(t, err)
	ok, err := f.store.MarkEnvironmentDestroying(ctx, env.ID)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.mgr.Attach(ctx, "conv-y", env.ID)
	assert.ErrorIs(t, err, ErrEnvironmentInactive)
	got, err := f.mgr.ForConversation(ctx, "conv-y")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAcquire_CapacityFreedByCleanup(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	env, err := f.mgr.Acquire(ctx, AcquireRequest{ConversationID: "conv-1", CodebaseID: "c1"})
	require.NoError(t, err)
	_, err = f.mgr.Release(ctx, "conv-1")
	require.NoError(t, err)

	f.reclaimer.enforce = func(ctx context.Context, _ string) (int, []BlockingEnvironment, error) {
		ok, err := f.store.MarkEnvironmentDestroyed(ctx, env.ID)
		require.NoError(t, err)
		require.True(t, ok)
		return 1, nil, nil
	}

	env2, err := f.mgr.Acquire(ctx, AcquireRequest{ConversationID: "conv-2", CodebaseID: "c1"})
	require.NoError(t, err)
	assert.NotEqual(t, env.ID, env2.ID)
}

func TestAcquire_Validation(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.mgr.Acquire(ctx, AcquireRequest{CodebaseID: "c1"})
	assert.ErrorIs(t, err, ErrMissingConversation)

	_, err = f.mgr.Acquire(ctx, AcquireRequest{ConversationID: "conv-x", CodebaseID: "nope"})
	assert.ErrorIs(t, err, ErrUnknownCodebase)
}

func TestLimit(t *testing.T) {
	f := newFixture(t, 3)
	assert.Equal(t, 3, f.mgr.Limit("c1"))
	assert.Equal(t, DefaultMaxPerCodebase, f.mgr.Limit("other"))
}

func TestBranchName(t *testing.T) {
	assert.Equal(t, "pool/fix-login-abcdef12", BranchName("pool", "Fix Login", "conv", "abcdef12-3456"))
	assert.Equal(t, "pool/slack-c1-abcdef12", BranchName("pool", "", "slack:C1", "abcdef12-3456"))
	assert.Equal(t, "pool/abcdef12", BranchName("pool", "", "", "abcdef12-3456"))

	long := BranchName("pool", strings.Repeat("a", 100), "", "abcdef12")
	assert.LessOrEqual(t, len(long), len("pool/")+48+1+8)
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	otherDone := make(chan struct{})
	go func() {
		u := k.Lock("b")
		u()
		close(otherDone)
	}()
	<-otherDone // different keys do not block each other
	unlock()

	k.mu.Lock()
	defer k.mu.Unlock()
	assert.Empty(t, k.locks)
}
