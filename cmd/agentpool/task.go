package main

import (
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fentz26/agentpool/internal/controlplane"
	"github.com/fentz26/agentpool/internal/models"
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add [description]",
	Short: "Enqueue a new task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a queued or in-flight task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskCancel,
}

var taskApproveCmd = &cobra.Command{
	Use:   "approve [task-id]",
	Short: "Approve or reject a task waiting for approval",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskApprove,
}

var taskAttemptsCmd = &cobra.Command{
	Use:   "attempts [task-id]",
	Short: "Show dispatch attempts of a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskAttempts,
}

var (
	taskCodebase     string
	taskPriority     int
	taskAgent        string
	taskConversation string
	taskPlatform     string
	taskWorktree     string
	taskNeedApproval bool
	taskStatus       string
	taskReason       string
	taskReject       bool
)

func init() {
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskShowCmd, taskCancelCmd, taskApproveCmd, taskAttemptsCmd)

	taskAddCmd.Flags().StringVar(&taskCodebase, "codebase", "", "Codebase to run the task in")
	taskAddCmd.Flags().IntVar(&taskPriority, "priority", 0, "Priority (higher runs first)")
	taskAddCmd.Flags().StringVar(&taskAgent, "agent", "", "Pin the task to one agent")
	taskAddCmd.Flags().StringVar(&taskConversation, "conversation", "", "Conversation that owns the environment")
	taskAddCmd.Flags().StringVar(&taskPlatform, "platform", "cli", "Originating platform")
	taskAddCmd.Flags().StringVar(&taskWorktree, "worktree", "", "Existing worktree path for tasks without a codebase")
	taskAddCmd.Flags().BoolVar(&taskNeedApproval, "require-approval", false, "Wait for approval before the runner starts")

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status (queued, dispatched, running, verifying, completed, failed, cancelled)")

	taskCancelCmd.Flags().StringVar(&taskReason, "reason", "", "Reason recorded with the cancellation")

	taskApproveCmd.Flags().BoolVar(&taskReject, "reject", false, "Reject instead of approve")
	taskApproveCmd.Flags().StringVar(&taskReason, "reason", "", "Reason passed to the agent")
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	req := controlplane.CreateTaskRequest{
		Description:    args[0],
		CodebaseID:     taskCodebase,
		Priority:       taskPriority,
		TargetAgentID:  taskAgent,
		ConversationID: taskConversation,
		Platform:       taskPlatform,
		WorktreePath:   taskWorktree,
	}
	if taskNeedApproval {
		req.Context = &models.TaskContext{RequireApproval: true}
	}

	var task models.Task
	if err := apiPost("/tasks", req, &task); err != nil {
		return err
	}
	fmt.Printf("Created task: %s\n", task.ID)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	path := "/tasks"
	if taskStatus != "" {
		path += "?status=" + url.QueryEscape(taskStatus)
	}

	var tasks []models.Task
	if err := apiGet(path, &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPRI\tAGENT\tDESCRIPTION\tSTATUS")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
			truncateID(t.ID), t.Priority, t.AssignedAgentID, truncate(t.Description, 40), colorStatus(string(t.Status)))
	}
	return w.Flush()
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	var t models.Task
	if err := apiGet("/tasks/"+args[0], &t); err != nil {
		return err
	}

	fmt.Printf("ID:          %s\n", t.ID)
	fmt.Printf("Description: %s\n", t.Description)
	fmt.Printf("Status:      %s\n", colorStatus(string(t.Status)))
	fmt.Printf("Priority:    %d\n", t.Priority)
	if t.CodebaseID != "" {
		fmt.Printf("Codebase:    %s\n", t.CodebaseID)
	}
	if t.ConversationID != "" {
		fmt.Printf("Conversation: %s\n", t.ConversationID)
	}
	if t.AssignedAgentID != "" {
		fmt.Printf("Agent:       %s\n", t.AssignedAgentID)
	}
	fmt.Printf("Attempts:    %d\n", t.Attempts)
	fmt.Printf("Created:     %s\n", t.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:     %s\n", t.UpdatedAt.Format(time.RFC3339))
	if o := t.Outcome; o != nil {
		fmt.Println()
		fmt.Println(boldStyle.Render("Outcome"))
		fmt.Printf("  Success:   %t\n", o.Success)
		if o.Summary != "" {
			fmt.Printf("  Summary:   %s\n", o.Summary)
		}
		if o.Error != "" {
			fmt.Printf("  Error:     %s\n", errStyle.Render(o.Error))
		}
		fmt.Printf("  Commits:   %d\n", o.Claims.CommitsCreated)
		fmt.Printf("  Tests:     %d/%d passed\n", o.Claims.TestsPassed, o.Claims.TestsRun)
		fmt.Printf("  Files:     %d modified\n", len(o.Claims.FilesModified))
		if o.TokensUsed != nil {
			fmt.Printf("  Tokens:    %d\n", *o.TokensUsed)
		}
		if o.Cost != nil {
			fmt.Printf("  Cost:      $%.4f\n", *o.Cost)
		}
	}
	return nil
}

func runTaskCancel(cmd *cobra.Command, args []string) error {
	var t models.Task
	if err := apiPost("/tasks/"+args[0]+"/cancel", controlplane.ReasonRequest{Reason: taskReason}, &t); err != nil {
		return err
	}
	fmt.Printf("Cancelled task %s\n", t.ID)
	return nil
}

func runTaskApprove(cmd *cobra.Command, args []string) error {
	req := controlplane.ApproveRequest{Approved: !taskReject, Reason: taskReason}
	if err := apiPost("/tasks/"+args[0]+"/approve", req, nil); err != nil {
		return err
	}
	if taskReject {
		fmt.Printf("Rejected task %s\n", args[0])
	} else {
		fmt.Printf("Approved task %s\n", args[0])
	}
	return nil
}

func runTaskAttempts(cmd *cobra.Command, args []string) error {
	var attempts []models.Attempt
	if err := apiGet("/tasks/"+args[0]+"/attempts", &attempts); err != nil {
		return err
	}
	if len(attempts) == 0 {
		fmt.Println("No attempts yet")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tAGENT\tSTARTED\tDURATION\tOUTCOME")
	for i, a := range attempts {
		dur := "-"
		if a.EndedAt != nil {
			dur = a.EndedAt.Sub(a.StartedAt).Round(time.Second).String()
		}
		outcome := a.Outcome
		if outcome == "" {
			outcome = "in flight"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", i+1, a.AgentID, a.StartedAt.Format(time.RFC3339), dur, outcome)
	}
	return w.Flush()
}
