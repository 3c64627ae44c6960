package convoy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// writeReport renders the after-operation report as Markdown under the
// reports directory. Reports persist after the convoy record is gone.
func (e *Executor) writeReport(c *Convoy) error {
	if err := os.MkdirAll(e.reportsDir, 0755); err != nil {
		return fmt.Errorf("create reports dir: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# After-Operation Report: %s\n\n", c.Name)
	fmt.Fprintf(&b, "- **Convoy:** %s\n", c.ID)
	fmt.Fprintf(&b, "- **Status:** %s\n", c.Status)
	fmt.Fprintf(&b, "- **Started:** %s\n", c.Metrics.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Duration:** %s\n", c.Metrics.Duration.Round(time.Millisecond))
	fmt.Fprintf(&b, "- **Parallelism:** initial %d, final %d\n",
		c.Metrics.InitialParallelism, c.Metrics.FinalParallelism)
	if c.Metrics.PeakCPU > 0 || c.Metrics.PeakMemory > 0 {
		fmt.Fprintf(&b, "- **Peak load:** CPU %.1f%%, memory %.1f%%\n",
			c.Metrics.PeakCPU, c.Metrics.PeakMemory)
	}
	if c.Options.PlanExecutionID != "" {
		fmt.Fprintf(&b, "- **Plan execution:** %s\n", c.Options.PlanExecutionID)
	}
	if c.Options.IssueNumber != nil {
		fmt.Fprintf(&b, "- **Issue:** #%d\n", *c.Options.IssueNumber)
	}

	b.WriteString("\n## Members\n\n")
	b.WriteString("| Work Item | Role | Status | Error |\n")
	b.WriteString("|-----------|------|--------|-------|\n")
	for _, m := range c.Members {
		errText := m.Error
		if errText == "" {
			errText = "-"
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", m.WorkItemID, m.AgentRole, m.Status, errText)
	}

	if len(c.Errors) > 0 {
		b.WriteString("\n## Errors\n\n")
		for _, e := range c.Errors {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}

	path := filepath.Join(e.reportsDir, fmt.Sprintf("after-operation-%s.md", c.ID))
	return os.WriteFile(path, []byte(b.String()), 0644)
}

// ReportPath returns where the convoy's report lives.
func (e *Executor) ReportPath(convoyID string) string {
	return filepath.Join(e.reportsDir, fmt.Sprintf("after-operation-%s.md", convoyID))
}
