// Package git wraps the git operations the isolation layer needs. Worktree
// and status commands shell out to the git CLI with a bounded timeout;
// reference lookups go through go-git.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds each subprocess call.
const DefaultTimeout = 30 * time.Second

var (
	ErrBranchNotFound = errors.New("branch not found")
	ErrNoCommits      = errors.New("repository has no commits")
)

// Client runs git against local repositories.
type Client struct {
	timeout time.Duration
	logger  zerolog.Logger
}

// New returns a client. A zero timeout uses DefaultTimeout.
func New(timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{timeout: timeout, logger: logger.With().Str("component", "git").Logger()}
}

// CommandError carries the output of a failed git invocation.
type CommandError struct {
	Args     []string
	ExitCode int
	Output   string
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("git %s: %v: %s", strings.Join(e.Args, " "), e.Err, strings.TrimSpace(e.Output))
}

func (e *CommandError) Unwrap() error { return e.Err }

func (c *Client) run(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	start := time.Now()
	err := cmd.Run()
	c.logger.Debug().Strs("args", args).Str("dir", dir).Dur("took", time.Since(start)).Msg("git")
	if err != nil {
		cerr := &CommandError{Args: args, ExitCode: -1, Output: out.String(), Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			cerr.ExitCode = exitErr.ExitCode()
		}
		if ctx.Err() != nil {
			cerr.Err = fmt.Errorf("%w (timeout %s)", ctx.Err(), c.timeout)
		}
		return out.String(), cerr
	}
	return out.String(), nil
}

// AddWorktree creates worktreePath on a new branch started from base.
func (c *Client) AddWorktree(ctx context.Context, repoPath, worktreePath, branch, base string) error {
	if _, err := c.run(ctx, repoPath, "worktree", "add", "-b", branch, worktreePath, base); err != nil {
		return fmt.Errorf("add worktree %s: %w", worktreePath, err)
	}
	return nil
}

// RemoveWorktree removes a clean worktree. It never forces, so git itself
// refuses when there are uncommitted changes.
func (c *Client) RemoveWorktree(ctx context.Context, repoPath, worktreePath string) error {
	if _, err := c.run(ctx, repoPath, "worktree", "remove", worktreePath); err != nil {
		return fmt.Errorf("remove worktree %s: %w", worktreePath, err)
	}
	return nil
}

// PruneWorktrees drops administrative entries for worktrees whose
// directories are gone.
func (c *Client) PruneWorktrees(ctx context.Context, repoPath string) error {
	if _, err := c.run(ctx, repoPath, "worktree", "prune"); err != nil {
		return fmt.Errorf("prune worktrees: %w", err)
	}
	return nil
}

// HasUncommittedChanges reports whether the working copy has staged,
// unstaged or untracked changes.
func (c *Client) HasUncommittedChanges(ctx context.Context, worktreePath string) (bool, error) {
	out, err := c.run(ctx, worktreePath, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("status %s: %w", worktreePath, err)
	}
	return strings.TrimSpace(out) != "", nil
}

// IsMerged reports whether branch is reachable from into.
func (c *Client) IsMerged(ctx context.Context, repoPath, branch, into string) (bool, error) {
	_, err := c.run(ctx, repoPath, "merge-base", "--is-ancestor", branch, into)
	if err == nil {
		return true, nil
	}
	var cerr *CommandError
	if errors.As(err, &cerr) && cerr.ExitCode == 1 {
		return false, nil
	}
	return false, fmt.Errorf("check %s merged into %s: %w", branch, into, err)
}

// CommitCount returns the number of commits in base..HEAD of dir.
func (c *Client) CommitCount(ctx context.Context, dir, base string) (int, error) {
	out, err := c.run(ctx, dir, "rev-list", "--count", base+"..HEAD")
	if err != nil {
		return 0, fmt.Errorf("count commits: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parse commit count %q: %w", out, err)
	}
	return n, nil
}

// ChangedFiles lists files that differ between base and HEAD of dir.
func (c *Client) ChangedFiles(ctx context.Context, dir, base string) ([]string, error) {
	out, err := c.run(ctx, dir, "diff", "--name-only", base+"..HEAD")
	if err != nil {
		return nil, fmt.Errorf("list changed files: %w", err)
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// Head returns the commit hash HEAD points at in dir.
func (c *Client) Head(ctx context.Context, dir string) (string, error) {
	out, err := c.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("rev-parse HEAD: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// LastCommitTime returns the committer time of the tip of branch.
func (c *Client) LastCommitTime(_ context.Context, repoPath, branch string) (time.Time, error) {
	repo, err := gogit.PlainOpen(repoPath)
	if err != nil {
		return time.Time{}, fmt.Errorf("open repository %s: %w", repoPath, err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return time.Time{}, fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("resolve %s: %w", branch, err)
	}
	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return time.Time{}, fmt.Errorf("read commit %s: %w", ref.Hash(), err)
	}
	return commit.Committer.When, nil
}

// BranchExists reports whether a local branch exists.
func (c *Client) BranchExists(repoPath, branch string) (bool, error) {
	repo, err := gogit.PlainOpen(repoPath)
	if err != nil {
		return false, fmt.Errorf("open repository %s: %w", repoPath, err)
	}
	_, err = repo.Reference(plumbing.NewBranchReferenceName(branch), false)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DeleteBranch removes a local branch reference.
func (c *Client) DeleteBranch(_ context.Context, repoPath, branch string) error {
	repo, err := gogit.PlainOpen(repoPath)
	if err != nil {
		return fmt.Errorf("open repository %s: %w", repoPath, err)
	}
	if err := repo.Storer.RemoveReference(plumbing.NewBranchReferenceName(branch)); err != nil {
		return fmt.Errorf("delete branch %s: %w", branch, err)
	}
	return nil
}

// DefaultBranch guesses the main branch: the target of origin/HEAD, then
// main, then master, then whatever HEAD points at.
func (c *Client) DefaultBranch(repoPath string) (string, error) {
	repo, err := gogit.PlainOpen(repoPath)
	if err != nil {
		return "", fmt.Errorf("open repository %s: %w", repoPath, err)
	}

	if ref, err := repo.Reference(plumbing.NewRemoteHEADReferenceName("origin"), false); err == nil && ref.Type() == plumbing.SymbolicReference {
		return strings.TrimPrefix(ref.Target().Short(), "origin/"), nil
	}
	for _, name := range []string{"main", "master"} {
		if _, err := repo.Reference(plumbing.NewBranchReferenceName(name), false); err == nil {
			return name, nil
		}
	}
	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", ErrNoCommits
		}
		return "", fmt.Errorf("read HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", fmt.Errorf("HEAD of %s is detached", repoPath)
	}
	return head.Name().Short(), nil
}

var (
	unsafeBranchChars = regexp.MustCompile(`[^a-z0-9\-_/.]+`)
	repeatedDashes    = regexp.MustCompile(`-+`)
)

// SanitizeBranchName lowercases s and strips anything git would reject.
func SanitizeBranchName(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, " ", "-")
	s = unsafeBranchChars.ReplaceAllString(s, "-")
	s = strings.ReplaceAll(s, "..", "-")
	s = repeatedDashes.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-/.")
	return s
}
