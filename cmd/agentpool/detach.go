package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/fentz26/agentpool/internal/config"
)

// detachReadyTimeout bounds the wait for a detached daemon's API.
const detachReadyTimeout = 5 * time.Second

// startDetached re-runs the current command line without --detach in a new
// session, with output appended to ~/.agentpool/<name>.log.
func startDetached(name string) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	var args []string
	for _, a := range os.Args[1:] {
		if a != "--detach" && a != "--detach=true" {
			args = append(args, a)
		}
	}

	dir := config.DefaultDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	logPath := filepath.Join(dir, name+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log %s: %w", logPath, err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, args...)
	configureDaemonProc(cmd)
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		return err
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	fmt.Printf("Started %s (pid %d), logging to %s\n", name, pid, logPath)
	return nil
}

// waitReady polls /health until the daemon answers.
func waitReady() error {
	fmt.Print("Waiting for daemon...")
	deadline := time.Now().Add(detachReadyTimeout)
	for time.Now().Before(deadline) {
		if _, err := CheckHealth(); err == nil {
			fmt.Println(" Done.")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
		fmt.Print(".")
	}
	fmt.Println(" Timeout!")
	return fmt.Errorf("daemon started but API not reachable at %s", apiAddr)
}
