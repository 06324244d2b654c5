package main

import (
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fentz26/agentpool/internal/cleanup"
	"github.com/fentz26/agentpool/internal/controlplane"
	"github.com/fentz26/agentpool/internal/isolation"
	"github.com/fentz26/agentpool/internal/models"
	"github.com/spf13/cobra"
)

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Manage isolated environments",
}

var envListCmd = &cobra.Command{
	Use:   "list",
	Short: "List environments",
	RunE:  runEnvList,
}

var envAttachCmd = &cobra.Command{
	Use:   "attach [conversation-id] [env-id]",
	Short: "Share an active environment with another conversation",
	Args:  cobra.ExactArgs(2),
	RunE:  runEnvAttach,
}

var envReleaseCmd = &cobra.Command{
	Use:   "release [conversation-id]",
	Short: "Release a conversation's environment",
	Args:  cobra.ExactArgs(1),
	RunE:  runEnvRelease,
}

var envCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Run a cleanup pass now",
	RunE:  runEnvCleanup,
}

var (
	envCodebase string
	envStatus   string
)

func init() {
	envCmd.AddCommand(envListCmd, envAttachCmd, envReleaseCmd, envCleanupCmd)

	envListCmd.Flags().StringVar(&envCodebase, "codebase", "", "Only this codebase")
	envListCmd.Flags().StringVar(&envStatus, "status", "", "Filter by status (active, destroying, destroyed)")

	envCleanupCmd.Flags().StringVar(&envCodebase, "codebase", "", "Only this codebase")
}

func runEnvList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if envCodebase != "" {
		q.Set("codebase", envCodebase)
	}
	if envStatus != "" {
		q.Set("status", envStatus)
	}
	path := "/environments"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var envs []models.Environment
	if err := apiGet(path, &envs); err != nil {
		return err
	}
	if len(envs) == 0 {
		fmt.Println("No environments found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCODEBASE\tBRANCH\tREFS\tAGE\tSTATUS")
	for _, e := range envs {
		age := time.Since(e.CreatedAt).Round(time.Minute)
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			truncateID(e.ID), e.CodebaseID, e.BranchName, e.References, age, colorStatus(string(e.Status)))
	}
	return w.Flush()
}

func runEnvAttach(cmd *cobra.Command, args []string) error {
	var env models.Environment
	req := controlplane.AttachRequest{EnvID: args[1]}
	if err := apiPost("/conversations/"+url.PathEscape(args[0])+"/attach", req, &env); err != nil {
		return err
	}
	fmt.Printf("Attached %s to environment %s on %s (%d reference(s))\n", args[0], truncateID(env.ID), env.BranchName, env.References)
	return nil
}

func runEnvRelease(cmd *cobra.Command, args []string) error {
	var res isolation.ReleaseResult
	if err := apiPost("/conversations/"+url.PathEscape(args[0])+"/release", nil, &res); err != nil {
		return err
	}
	fmt.Printf("Released %s from environment %s (%d reference(s) left)\n", args[0], res.EnvID, res.Remaining)
	return nil
}

func runEnvCleanup(cmd *cobra.Command, args []string) error {
	path := "/cleanup"
	if envCodebase != "" {
		path += "?codebase=" + url.QueryEscape(envCodebase)
	}

	// A pass may run git against many worktrees.
	apiClient.Timeout = 5 * time.Minute
	var rep cleanup.Report
	if err := apiPost(path, nil, &rep); err != nil {
		return err
	}

	fmt.Printf("Cleanup finished in %s\n", rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond))
	for _, r := range rep.Removed {
		fmt.Printf("  %s %s %s (%s)\n", okStyle.Render("removed"), r.CodebaseID, r.BranchName, r.Reason)
	}
	for _, s := range rep.Skipped {
		line := fmt.Sprintf("  %s %s %s (%s)", dimStyle.Render("kept"), s.CodebaseID, s.BranchName, s.Reason)
		if s.Detail != "" {
			line += ": " + s.Detail
		}
		fmt.Println(line)
	}
	for _, f := range rep.Errored {
		fmt.Printf("  %s %s %s: %s\n", errStyle.Render("error"), f.CodebaseID, f.BranchName, f.Error)
	}
	fmt.Printf("%d removed, %d kept, %d errors\n", len(rep.Removed), len(rep.Skipped), len(rep.Errored))
	return nil
}
