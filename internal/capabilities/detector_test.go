package capabilities

import (
	"errors"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func fakeDetector(installed ...string) *Detector {
	set := make(map[string]bool)
	for _, c := range installed {
		set[c] = true
	}
	return &Detector{
		lookPath: func(cmd string) (string, error) {
			if set[cmd] {
				return "/usr/local/bin/" + cmd, nil
			}
			return "", errors.New("not found")
		},
		version: func(string) string { return "1.0.0" },
	}
}

func TestScan_PreferenceOrder(t *testing.T) {
	d := fakeDetector("codex", "aider")
	found := d.Scan()
	if assert.Len(t, found, 2) {
		assert.Equal(t, "aider", found[0].Name)
		assert.Equal(t, "codex", found[1].Name)
		assert.Equal(t, "/usr/local/bin/aider", found[0].Path)
		assert.Equal(t, "1.0.0", found[0].Version)
	}
}

func TestProviderFor(t *testing.T) {
	d := fakeDetector("claude", "gemini")

	assert.Equal(t, "ollama", d.ProviderFor("ollama", "claude"), "configured value wins")
	assert.Equal(t, "gemini", d.ProviderFor("", "/opt/bin/gemini"), "runner command next")
	assert.Equal(t, "claude", d.ProviderFor("", "sh"), "then the preferred installed CLI")
	assert.Equal(t, "", fakeDetector().ProviderFor("", "sh"))
}

func TestBuild(t *testing.T) {
	caps := fakeDetector("aider").Build(Options{SupportedLanguages: []string{"go"}, HasWorktree: true})
	assert.Equal(t, 1, caps.MaxConcurrentTasks)
	assert.Equal(t, []string{"go"}, caps.SupportedLanguages)
	assert.True(t, caps.HasWorktree)
	assert.Equal(t, "aider", caps.LLMProvider)
}

func TestSystem(t *testing.T) {
	sys := System()
	assert.Equal(t, runtime.NumCPU(), sys.CPUs)
	assert.Contains(t, sys.Platform, runtime.GOOS)
}
