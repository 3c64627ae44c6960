package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zjrosen/squad/internal/captain"
	"github.com/zjrosen/squad/internal/worker"
)

var (
	runTitle       string
	runDescription string
	runLabels      []string
	runPriority    int
	runRunner      string
	runJSON        bool
)

var runCmd = &cobra.Command{
	Use:   "run <issue-number>",
	Short: "Break a ticket into work items and coordinate them",
	Long: `Break a ticket into dependency-ordered work items, route them to agent
roles, and group them into convoys.

Without --runner the command stops after planning. With --runner the
coordination plan is executed: the runner command is invoked once per work
item as

  <runner> <agent-role> <work-item-id>

and its exit status decides whether the item completed or failed.

Examples:
  squad run 42 --title "Add checkout flow" --label feature
  squad run 42 --title "Add checkout flow" --runner ./dispatch-agent.sh`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runTitle, "title", "", "ticket title (required)")
	runCmd.Flags().StringVar(&runDescription, "description", "", "ticket description")
	runCmd.Flags().StringSliceVar(&runLabels, "label", nil, "ticket label (repeatable)")
	runCmd.Flags().IntVar(&runPriority, "priority", 0, "ticket priority (0-10)")
	runCmd.Flags().StringVar(&runRunner, "runner", "", "command executed per work item")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "emit the full result as JSON")
	_ = runCmd.MarkFlagRequired("title")
}

func runRun(cmd *cobra.Command, args []string) error {
	issue, err := strconv.Atoi(args[0])
	if err != nil || issue <= 0 {
		return fmt.Errorf("issue number must be a positive integer, got %q", args[0])
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	var w worker.Executor
	if runRunner != "" {
		w = runnerExecutor(runRunner)
	}

	result, err := a.captain.Run(cmd.Context(), captain.Ticket{
		IssueNumber: issue,
		Title:       runTitle,
		Description: runDescription,
		Labels:      runLabels,
		Priority:    runPriority,
	}, w)
	if err != nil {
		return envErr(err)
	}

	if runJSON {
		return printJSON(cmd, result)
	}
	printRunResult(cmd, result)
	return nil
}

// execCommandContext is the function used to create runner commands.
// It defaults to exec.CommandContext and can be overridden in tests.
var execCommandContext = exec.CommandContext

// runnerExecutor adapts an external command into the worker contract. The
// command's combined output becomes the work item's output; a non-zero exit
// fails the item.
func runnerExecutor(command string) worker.Executor {
	return worker.ExecutorFunc(func(ctx context.Context, agentType, workItemID string, taskCtx map[string]any) (*worker.Result, error) {
		bashCmd := execCommandContext(ctx, command, agentType, workItemID)
		out, err := bashCmd.CombinedOutput()
		res := &worker.Result{Output: strings.TrimSpace(string(out))}
		if err != nil {
			res.Success = false
			res.Error = err.Error()
			return res, nil
		}
		res.Success = true
		return res, nil
	})
}

func printRunResult(cmd *cobra.Command, result *captain.RunResult) {
	out := cmd.OutOrStdout()
	if result.AlreadyExists {
		fmt.Fprintf(out, "Issue %d is already tracked by work item %s\n",
			result.IssueNumber, result.ExistingItem)
		return
	}

	fmt.Fprintf(out, "Issue %d: %d work item(s), complexity %s",
		result.IssueNumber, len(result.Breakdown.WorkItems), result.Breakdown.Complexity)
	if result.Breakdown.SuggestedStrategy != "" {
		fmt.Fprintf(out, ", plan %s", result.Breakdown.SuggestedStrategy)
	}
	fmt.Fprintln(out)

	for _, item := range result.Breakdown.WorkItems {
		fmt.Fprintf(out, "  %s  %-12s %s\n", item.ID, item.Status, item.Title)
	}
	if result.Coordination != nil && len(result.Coordination.Blocked) > 0 {
		fmt.Fprintf(out, "Routing blocked: %s\n", strings.Join(result.Coordination.Blocked, ", "))
	}
	if result.Summary != nil {
		fmt.Fprintf(out, "Execution: %s (%d completed, %d failed)\n",
			result.Summary.Status, result.Summary.Completed, result.Summary.Failed)
		for _, e := range result.Summary.Errors {
			fmt.Fprintf(out, "  error: %s\n", e)
		}
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
