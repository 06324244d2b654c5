// Package capabilities works out what an agent advertises when it
// registers: the coding CLI it drives and the host it runs on.
package capabilities

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/fentz26/agentpool/internal/models"
)

// Provider is a coding CLI found on the host.
type Provider struct {
	Name    string `json:"name"`
	Command string `json:"command"`
	Path    string `json:"path"`
	Version string `json:"version,omitempty"`
}

// known lists providers in order of preference.
var known = []struct {
	name    string
	command string
}{
	{"claude", "claude"},
	{"aider", "aider"},
	{"gemini", "gemini"},
	{"codex", "codex"},
}

// Detector scans for installed provider CLIs.
type Detector struct {
	lookPath func(string) (string, error)
	version  func(path string) string
}

// NewDetector returns a detector that inspects PATH.
func NewDetector() *Detector {
	return &Detector{
		lookPath: exec.LookPath,
		version:  func(path string) string { return commandVersion(path, "--version") },
	}
}

// Scan returns every provider found, most preferred first.
func (d *Detector) Scan() []Provider {
	var found []Provider
	for _, k := range known {
		if path, err := d.lookPath(k.command); err == nil {
			found = append(found, Provider{Name: k.name, Command: k.command, Path: path, Version: d.version(path)})
		}
	}
	return found
}

// ProviderFor picks the llmProvider to advertise. An explicit configured
// value wins, then a provider matching the runner command, then the most
// preferred installed one.
func (d *Detector) ProviderFor(configured, runnerCommand string) string {
	if configured != "" {
		return configured
	}
	base := strings.TrimSuffix(filepath.Base(runnerCommand), ".exe")
	for _, k := range known {
		if base == k.command {
			return k.name
		}
	}
	if found := d.Scan(); len(found) > 0 {
		return found[0].Name
	}
	return ""
}

// Options are the configured parts of an agent's capabilities.
type Options struct {
	MaxConcurrentTasks int
	SupportedLanguages []string
	HasWorktree        bool
	LLMProvider        string
	RunnerCommand      string
}

// Build assembles the capabilities advertised at registration.
func (d *Detector) Build(opts Options) models.Capabilities {
	n := opts.MaxConcurrentTasks
	if n <= 0 {
		n = 1
	}
	return models.Capabilities{
		MaxConcurrentTasks: n,
		SupportedLanguages: opts.SupportedLanguages,
		HasWorktree:        opts.HasWorktree,
		LLMProvider:        d.ProviderFor(opts.LLMProvider, opts.RunnerCommand),
	}
}

// System describes the current host.
func System() models.SystemInfo {
	host, _ := os.Hostname()
	return models.SystemInfo{
		Hostname: host,
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
		MemoryMB: totalMemoryMB(),
		CPUs:     runtime.NumCPU(),
	}
}

func commandVersion(cmd string, flag string) string {
	out, err := exec.Command(cmd, flag).Output()
	if err != nil {
		return ""
	}
	version := strings.TrimSpace(string(out))
	if idx := strings.Index(version, "\n"); idx > 0 {
		version = version[:idx]
	}
	if len(version) > 30 {
		version = version[:30]
	}
	return version
}
