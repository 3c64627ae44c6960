package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/zjrosen/squad/internal/log"
	"github.com/zjrosen/squad/internal/routing"
	"github.com/zjrosen/squad/internal/signal"
	"github.com/zjrosen/squad/internal/workstate"
	"github.com/zjrosen/squad/internal/workstate/store"
)

var (
	statusJSON bool
	statusLogs bool
)

var statusCmd = &cobra.Command{
	Use:   "status [work-item-id]",
	Short: "Show work-state summary or one work item",
	Long: `Without arguments, summarize the work-state store: counts per status and
the items currently ready or blocked. With a work item id, show that item.
--logs replays the debug entries buffered during this invocation.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "emit JSON")
	statusCmd.Flags().BoolVar(&statusLogs, "logs", false, "show recent debug log entries")
}

func runStatus(cmd *cobra.Command, args []string) error {
	// Logging must be on before the subsystems are wired for the ring
	// buffer to catch their startup entries.
	if statusLogs {
		debugFlag = true
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	if len(args) == 1 {
		item, err := a.store.Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("work item %s: %w", args[0], err)
		}
		if statusJSON {
			return printJSON(cmd, item)
		}
		printItem(cmd, item)
		if statusLogs {
			printRecentLogs(cmd)
		}
		return nil
	}

	stats, err := a.store.Stats(ctx)
	if err != nil {
		return envErr(err)
	}
	signals, err := a.bus.Stats(ctx)
	if err != nil {
		return envErr(err)
	}
	health, err := a.router.Health().Summary()
	if err != nil {
		return envErr(err)
	}

	if statusJSON {
		return printJSON(cmd, struct {
			Work    *store.Stats          `json:"work"`
			Signals map[signal.Status]int `json:"signals"`
			Routing *routing.Summary      `json:"routing"`
		}{stats, signals, health})
	}
	printStats(cmd, stats)
	printSignals(cmd, signals)
	fmt.Fprintf(cmd.OutOrStdout(), "routing: %s (%d routed, %d blocked)\n",
		health.OverallStatus, health.Routed, health.Blocked)
	if statusLogs {
		printRecentLogs(cmd)
	}
	return nil
}

func printRecentLogs(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	entries := log.GetRecentLogs(50)
	fmt.Fprintf(out, "recent debug entries (%d):\n", len(entries))
	for _, line := range entries {
		fmt.Fprintf(out, "  %s\n", line)
	}
}

func printItem(cmd *cobra.Command, item *workstate.WorkItem) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s  %s\n", item.ID, item.Title)
	fmt.Fprintf(out, "  status:   %s (version %d)\n", item.Status, item.Version)
	if item.AgentAssignee != "" {
		fmt.Fprintf(out, "  assignee: %s\n", item.AgentAssignee)
	}
	if item.IssueNumber != nil {
		fmt.Fprintf(out, "  issue:    %d\n", *item.IssueNumber)
	}
	if len(item.DependsOn) > 0 {
		fmt.Fprintf(out, "  depends:  %v\n", item.DependsOn)
	}
	if len(item.Artifacts) > 0 {
		fmt.Fprintf(out, "  artifacts:\n")
		for _, art := range item.Artifacts {
			fmt.Fprintf(out, "    %s\n", art)
		}
	}
}

func printStats(cmd *cobra.Command, stats *store.Stats) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d work item(s)\n", stats.Total)

	statuses := make([]string, 0, len(stats.ByStatus))
	for s := range stats.ByStatus {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(out, "  %-12s %d\n", s, stats.ByStatus[workstate.Status(s)])
	}
	if len(stats.Ready) > 0 {
		fmt.Fprintf(out, "ready: %v\n", stats.Ready)
	}
	if len(stats.Blocked) > 0 {
		fmt.Fprintf(out, "blocked: %v\n", stats.Blocked)
	}
}

func printSignals(cmd *cobra.Command, counts map[signal.Status]int) {
	total := 0
	for _, n := range counts {
		total += n
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d signal(s)", total)
	if unread := counts[signal.StatusPending] + counts[signal.StatusDelivered]; unread > 0 {
		fmt.Fprintf(out, ", %d unread", unread)
	}
	fmt.Fprintln(out)
}
