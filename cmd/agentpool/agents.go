package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fentz26/agentpool/internal/controlplane"
	"github.com/fentz26/agentpool/internal/models"
	"github.com/spf13/cobra"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Inspect and control agents",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live agents",
	RunE:  runAgentsList,
}

var agentsStopCmd = &cobra.Command{
	Use:   "stop [agent-id]",
	Short: "Ask an agent to abort its current task",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentsStop,
}

var agentsKillCmd = &cobra.Command{
	Use:   "kill [agent-id]",
	Short: "Terminate an agent process",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentsKill,
}

var (
	agentTask      string
	agentReason    string
	agentImmediate bool
)

func init() {
	agentsCmd.AddCommand(agentsListCmd, agentsStopCmd, agentsKillCmd)

	agentsStopCmd.Flags().StringVar(&agentTask, "task", "", "Only stop if the agent is running this task")
	agentsStopCmd.Flags().StringVar(&agentReason, "reason", "", "Reason passed to the agent")
	agentsStopCmd.Flags().BoolVar(&agentImmediate, "now", false, "Abort immediately instead of letting the current step finish")

	agentsKillCmd.Flags().StringVar(&agentReason, "reason", "", "Reason recorded with the kill")
}

func runAgentsList(cmd *cobra.Command, args []string) error {
	var agents []models.Agent
	if err := apiGet("/agents", &agents); err != nil {
		return err
	}
	if len(agents) == 0 {
		fmt.Println("No agents connected")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROVIDER\tTASK\tPROGRESS\tLAST BEAT\tSTATUS")
	for _, a := range agents {
		task, progress := "-", "-"
		if a.CurrentTaskID != "" {
			task = truncateID(a.CurrentTaskID)
			progress = fmt.Sprintf("%d%%", a.Progress)
			if a.CurrentStep != "" {
				progress += " " + a.CurrentStep
			}
		}
		provider := a.Capabilities.LLMProvider
		if provider == "" {
			provider = "-"
		}
		ago := time.Since(a.LastHeartbeatAt).Round(time.Second)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s ago\t%s\n", a.ID, provider, task, progress, ago, colorStatus(string(a.Status)))
	}
	return w.Flush()
}

func runAgentsStop(cmd *cobra.Command, args []string) error {
	req := controlplane.StopRequest{TaskID: agentTask, Reason: agentReason, Graceful: !agentImmediate}
	if err := apiPost("/agents/"+args[0]+"/stop", req, nil); err != nil {
		return err
	}
	fmt.Printf("Stop sent to %s\n", args[0])
	return nil
}

func runAgentsKill(cmd *cobra.Command, args []string) error {
	if err := apiPost("/agents/"+args[0]+"/kill", controlplane.ReasonRequest{Reason: agentReason}, nil); err != nil {
		return err
	}
	fmt.Printf("Killed %s\n", args[0])
	return nil
}
