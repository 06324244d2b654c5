package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0644))
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial")
	return dir
}

func commitFile(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name+"\n"), 0644))
	runGit(t, dir, "add", name)
	runGit(t, dir, "commit", "-m", "add "+name)
}

func TestWorktreeLifecycle(t *testing.T) {
	repo := initRepo(t)
	c := New(10*time.Second, zerolog.Nop())
	ctx := context.Background()

	main, err := c.DefaultBranch(repo)
	require.NoError(t, err)
	assert.Equal(t, "main", main)

	wt := filepath.Join(t.TempDir(), "wt")
	require.NoError(t, c.AddWorktree(ctx, repo, wt, "pool/feature", "main"))

	exists, err := c.BranchExists(repo, "pool/feature")
	require.NoError(t, err)
	assert.True(t, exists)

	// A fresh branch has nothing of its own, so it is already merged.
	merged, err := c.IsMerged(ctx, repo, "pool/feature", "main")
	require.NoError(t, err)
	assert.True(t, merged)

	commitFile(t, wt, "feature.txt")
	merged, err = c.IsMerged(ctx, repo, "pool/feature", "main")
	require.NoError(t, err)
	assert.False(t, merged)

	n, err := c.CommitCount(ctx, wt, "main")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	files, err := c.ChangedFiles(ctx, wt, "main")
	require.NoError(t, err)
	assert.Equal(t, []string{"feature.txt"}, files)

	when, err := c.LastCommitTime(ctx, repo, "pool/feature")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), when, time.Minute)

	dirty, err := c.HasUncommittedChanges(ctx, wt)
	require.NoError(t, err)
	assert.False(t, dirty)

	require.NoError(t, os.WriteFile(filepath.Join(wt, "scratch.txt"), []byte("wip"), 0644))
	dirty, err = c.HasUncommittedChanges(ctx, wt)
	require.NoError(t, err)
	assert.True(t, dirty)

	// Without force git refuses to drop unsaved work.
	assert.Error(t, c.RemoveWorktree(ctx, repo, wt))
	_, statErr := os.Stat(wt)
	assert.NoError(t, statErr)

	require.NoError(t, os.Remove(filepath.Join(wt, "scratch.txt")))
	require.NoError(t, c.RemoveWorktree(ctx, repo, wt))
	_, statErr = os.Stat(wt)
	assert.True(t, os.IsNotExist(statErr))

	require.NoError(t, c.DeleteBranch(ctx, repo, "pool/feature"))
	exists, err = c.BranchExists(repo, "pool/feature")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLastCommitTime_UnknownBranch(t *testing.T) {
	repo := initRepo(t)
	c := New(0, zerolog.Nop())
	_, err := c.LastCommitTime(context.Background(), repo, "nope")
	assert.ErrorIs(t, err, ErrBranchNotFound)
}

func TestCommandError(t *testing.T) {
	repo := initRepo(t)
	c := New(0, zerolog.Nop())
	_, err := c.IsMerged(context.Background(), repo, "does-not-exist", "main")
	require.Error(t, err)
	var cerr *CommandError
	require.ErrorAs(t, err, &cerr)
	assert.NotEqual(t, 1, cerr.ExitCode)
}

func TestSanitizeBranchName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Fix Login Bug", "fix-login-bug"},
		{"feat/../escape", "feat/-/escape"},
		{"  --weird**name--  ", "weird-name"},
		{"slack:C123/thread", "slack-c123/thread"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeBranchName(tt.in))
		})
	}
}
