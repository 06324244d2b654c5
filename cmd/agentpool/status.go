package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check daemon health",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	health, err := CheckHealth()
	if health == nil {
		return err
	}
	fmt.Printf("Daemon:   %s (version %s)\n", apiAddr, health.Version)
	fmt.Printf("Database: %s\n", checkResult(health.DB))
	fmt.Printf("Bus:      %s\n", checkResult(health.Bus))
	return err
}

func checkResult(result string) string {
	if result == "ok" {
		return okStyle.Render(result)
	}
	return errStyle.Render(result)
}
