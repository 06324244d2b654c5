package main

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	busyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	boldStyle = lipgloss.NewStyle().Bold(true)
)

// colorStatus renders a task, agent or environment status. Colour is
// dropped automatically when stdout is not a terminal.
func colorStatus(status string) string {
	switch status {
	case "completed", "idle", "active", "ok":
		return okStyle.Render(status)
	case "dispatched", "running", "verifying", "busy":
		return busyStyle.Render(status)
	case "queued", "stopping", "destroying":
		return warnStyle.Render(status)
	case "failed", "error", "offline":
		return errStyle.Render(status)
	default:
		return dimStyle.Render(status)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
