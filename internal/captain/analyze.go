package captain

import (
	"sort"
	"strings"

	"github.com/zjrosen/squad/internal/signal"
	"github.com/zjrosen/squad/internal/workstate"
)

// Complexity classifies a task for planning purposes.
type Complexity string

const (
	ComplexityLow      Complexity = "low"
	ComplexityMedium   Complexity = "medium"
	ComplexityHigh     Complexity = "high"
	ComplexityCritical Complexity = "critical"
)

// TaskBreakdown is the result of analyzing a ticket.
type TaskBreakdown struct {
	WorkItems         []*workstate.WorkItem `json:"work_items"`
	SuggestedStrategy string                `json:"suggested_strategy,omitempty"`
	ParallelGroups    [][]string            `json:"parallel_groups"`
	EstimatedMinutes  int                   `json:"estimated_minutes"`
	Complexity        Complexity            `json:"complexity"`
}

// planKeywords maps description/label keywords to plan names. The first plan
// whose keywords match and that exists in the library wins; the scan is
// deterministic.
var planKeywords = []struct {
	plan     string
	keywords []string
}{
	{"hotfix", []string{"hotfix", "outage", "incident", "urgent fix"}},
	{"bugfix", []string{"bug", "fix", "regression", "broken", "crash"}},
	{"feature", []string{"feature", "implement", "add ", "build", "new "}},
	{"refactor", []string{"refactor", "cleanup", "restructure", "tech debt"}},
	{"docs", []string{"document", "docs", "readme"}},
}

// selectPlan picks a plan by keyword matching on the description and labels.
// Returns empty when no registered plan matches.
func (c *Captain) selectPlan(description string, labels []string) string {
	haystack := strings.ToLower(description + " " + strings.Join(labels, " "))
	for _, entry := range planKeywords {
		if _, ok := c.plans.Get(entry.plan); !ok {
			continue
		}
		for _, kw := range entry.keywords {
			if strings.Contains(haystack, kw) {
				return entry.plan
			}
		}
	}
	return ""
}

// classifyComplexity is the deterministic fallback classifier.
func classifyComplexity(description string, labels []string) Complexity {
	haystack := strings.ToLower(description + " " + strings.Join(labels, " "))
	switch {
	case strings.Contains(haystack, "critical") || strings.Contains(haystack, "outage") ||
		strings.Contains(haystack, "security"):
		return ComplexityCritical
	case strings.Contains(haystack, "migration") || strings.Contains(haystack, "architecture") ||
		strings.Contains(haystack, "redesign") || len(description) > 600:
		return ComplexityHigh
	case len(description) > 200:
		return ComplexityMedium
	default:
		return ComplexityLow
	}
}

var complexityMinutes = map[Complexity]int{
	ComplexityLow:      30,
	ComplexityMedium:   120,
	ComplexityHigh:     360,
	ComplexityCritical: 480,
}

// SignalPriority maps a work item priority to a signal priority.
func SignalPriority(priority int) signal.Priority {
	switch {
	case priority >= 8:
		return signal.PriorityUrgent
	case priority >= 5:
		return signal.PriorityHigh
	case priority <= 0:
		return signal.PriorityLow
	default:
		return signal.PriorityNormal
	}
}

// ParallelGroups layers the items by BFS over depends_on: a group holds every
// item whose dependencies were all placed in earlier groups. Items inside a
// cycle are never placed and are omitted.
func ParallelGroups(items []*workstate.WorkItem) [][]string {
	byID := make(map[string]*workstate.WorkItem, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}

	placed := make(map[string]bool, len(items))
	var groups [][]string
	for len(placed) < len(items) {
		var level []string
		for _, item := range items {
			if placed[item.ID] {
				continue
			}
			eligible := true
			for _, dep := range item.DependsOn {
				if _, known := byID[dep]; known && !placed[dep] {
					eligible = false
					break
				}
			}
			if eligible {
				level = append(level, item.ID)
			}
		}
		if len(level) == 0 {
			break // remaining items form a cycle
		}
		sort.Strings(level)
		for _, id := range level {
			placed[id] = true
		}
		groups = append(groups, level)
	}
	return groups
}

// DetectRole extracts the worker role of an item: the first known role label
// wins, then a "[role] title" prefix, then the assignee.
func DetectRole(item *workstate.WorkItem, knownRoles []string) string {
	for _, label := range item.Labels {
		for _, role := range knownRoles {
			if label == role {
				return role
			}
		}
	}
	if strings.HasPrefix(item.Title, "[") {
		if end := strings.Index(item.Title, "]"); end > 1 {
			return strings.TrimSpace(item.Title[1:end])
		}
	}
	return item.AgentAssignee
}
