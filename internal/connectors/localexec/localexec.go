// Package localexec runs tasks by invoking an allowlisted local command,
// typically a coding-assistant CLI, inside the task's working directory.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/agentpool/internal/connectors"
)

// PromptPlaceholder in Config.Args is replaced by the task prompt. When no
// argument contains it the prompt is appended as the last argument.
const PromptPlaceholder = "{prompt}"

// maxSummary bounds how much output ends up in a result summary.
const maxSummary = 4000

// DefaultAllowed is the command allowlist used when Config.Allowed is nil.
// An empty subcommand list allows any arguments.
var DefaultAllowed = map[string][]string{
	"claude": nil,
	"aider":  nil,
	"gemini": nil,
	"codex":  nil,
	"go":     {"test"},
	"git":    {"diff", "status"},
}

// GitInspector collects commit and file claims after a run.
type GitInspector interface {
	Head(ctx context.Context, dir string) (string, error)
	CommitCount(ctx context.Context, dir, base string) (int, error)
	ChangedFiles(ctx context.Context, dir, base string) ([]string, error)
}

// Config describes the command to run.
type Config struct {
	Command string              `mapstructure:"command" yaml:"command"`
	Args    []string            `mapstructure:"args" yaml:"args"`
	Allowed map[string][]string `mapstructure:"allowed" yaml:"allowed,omitempty"`
	// AbortGrace is how long an aborted process may take to exit after
	// SIGINT before it is killed.
	AbortGrace time.Duration `mapstructure:"abort_grace" yaml:"abort_grace"`
}

// LocalExec implements connectors.Runner.
type LocalExec struct {
	cfg     Config
	allowed map[string][]string
	workDir string
	git     GitInspector

	mu       sync.Mutex
	proc     *os.Process
	aborted  bool
	progress int
	step     string
}

// New creates a runner. git may be nil, in which case no commit or file
// claims are collected.
func New(cfg Config, workDir string, git GitInspector) *LocalExec {
	allowed := cfg.Allowed
	if allowed == nil {
		allowed = DefaultAllowed
	}
	if cfg.AbortGrace <= 0 {
		cfg.AbortGrace = 10 * time.Second
	}
	return &LocalExec{cfg: cfg, allowed: allowed, workDir: workDir, git: git}
}

// Name returns the runner identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// IsAllowed checks if a command is in the allowlist.
func (l *LocalExec) IsAllowed(cmd string, args []string) bool {
	allowedSubcmds, ok := l.allowed[cmd]
	if !ok {
		return false
	}
	if len(allowedSubcmds) == 0 {
		return true
	}
	if len(args) == 0 {
		return false
	}

	subcmd := args[0]
	for _, allowed := range allowedSubcmds {
		if subcmd == allowed {
			return true
		}
	}
	return false
}

func (l *LocalExec) buildArgs(prompt string) []string {
	args := make([]string, 0, len(l.cfg.Args)+1)
	substituted := false
	for _, a := range l.cfg.Args {
		if strings.Contains(a, PromptPlaceholder) {
			a = strings.ReplaceAll(a, PromptPlaceholder, prompt)
			substituted = true
		}
		args = append(args, a)
	}
	if !substituted {
		args = append(args, prompt)
	}
	return args
}

func (l *LocalExec) setStep(step string, progress int) {
	l.mu.Lock()
	l.step = step
	l.progress = progress
	l.mu.Unlock()
}

// Run executes the configured command with the task prompt.
func (l *LocalExec) Run(ctx context.Context, in connectors.RunInput) (*connectors.RunResult, error) {
	args := l.buildArgs(in.Prompt)
	if !l.IsAllowed(l.cfg.Command, args) {
		return nil, fmt.Errorf("command not allowed: %s %s", l.cfg.Command, strings.Join(l.cfg.Args, " "))
	}

	dir := in.WorkingDirectory
	if dir == "" {
		dir = l.workDir
	}

	l.mu.Lock()
	l.aborted = false
	l.mu.Unlock()
	l.setStep("preparing", 5)

	var base string
	if l.git != nil && dir != "" {
		if h, err := l.git.Head(ctx, dir); err == nil {
			base = h
		}
	}

	execCmd := exec.CommandContext(ctx, l.cfg.Command, args...)
	execCmd.Dir = dir
	execCmd.Cancel = func() error { return interrupt(execCmd.Process) }
	execCmd.WaitDelay = l.cfg.AbortGrace

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	if err := execCmd.Start(); err != nil {
		l.setStep("", 0)
		return nil, fmt.Errorf("start %s: %w", l.cfg.Command, err)
	}
	l.mu.Lock()
	l.proc = execCmd.Process
	aborted := l.aborted
	l.mu.Unlock()
	if aborted {
		_ = interrupt(execCmd.Process)
	}
	l.setStep("running "+l.cfg.Command, 20)

	err := execCmd.Wait()

	l.mu.Lock()
	l.proc = nil
	aborted = l.aborted
	l.mu.Unlock()

	res := &connectors.RunResult{Summary: tail(stdout.String(), maxSummary)}
	switch {
	case err == nil:
		res.Success = true
	case aborted:
		res.Error = "aborted"
	case ctx.Err() != nil:
		res.Error = ctx.Err().Error()
	default:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			l.setStep("", 0)
			return nil, fmt.Errorf("exec error: %w", err)
		}
		res.Error = fmt.Sprintf("exit code %d: %s", exitErr.ExitCode(), tail(strings.TrimSpace(stderr.String()), 1000))
	}

	if base != "" {
		l.setStep("collecting changes", 90)
		// The run context may already be cancelled; claims still matter.
		cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if n, err := l.git.CommitCount(cctx, dir, base); err == nil {
			res.CommitsCreated = n
		}
		if files, err := l.git.ChangedFiles(cctx, dir, base); err == nil {
			res.FilesModified = files
		}
		cancel()
	}

	l.setStep("done", 100)
	return res, nil
}

// Abort interrupts the running process. The process gets AbortGrace to
// exit before the run context's cancellation kills it.
func (l *LocalExec) Abort() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.aborted = true
	if l.proc != nil {
		_ = interrupt(l.proc)
	}
}

// Progress returns the coarse progress of the current run.
func (l *LocalExec) Progress() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.progress
}

// CurrentStep returns the current step of the run.
func (l *LocalExec) CurrentStep() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.step
}

func interrupt(p *os.Process) error {
	if p == nil {
		return nil
	}
	if runtime.GOOS == "windows" {
		return p.Kill()
	}
	return p.Signal(os.Interrupt)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
