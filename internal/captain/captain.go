// Package captain implements the coordinator: the entry point that turns a
// ticket into analyzed, dependency-ordered work items, groups them into
// convoys, and dispatches them to workers through the router.
package captain

import (
	"context"
	"errors"
	"fmt"

	"github.com/zjrosen/squad/internal/convoy"
	"github.com/zjrosen/squad/internal/graph"
	"github.com/zjrosen/squad/internal/log"
	"github.com/zjrosen/squad/internal/plan"
	"github.com/zjrosen/squad/internal/routing"
	"github.com/zjrosen/squad/internal/signal"
	"github.com/zjrosen/squad/internal/worker"
	"github.com/zjrosen/squad/internal/workstate"
	"github.com/zjrosen/squad/internal/workstate/store"
)

// DefaultRoles is the built-in worker role set. Roles double as capability
// tags for routing.
var DefaultRoles = []string{"pm", "architect", "engineer", "designer", "reviewer", "qa", "devops"}

// Captain coordinates tickets end to end. Router, bus, and graph are
// optional; nil disables the corresponding behavior.
type Captain struct {
	store   store.Store
	plans   *plan.Library
	engine  *plan.Engine
	convoys *convoy.Executor
	router  *routing.Router
	bus     *signal.Bus
	graph   *graph.Graph

	roles []string
}

// New builds a captain. Roles defaults to DefaultRoles when empty.
func New(st store.Store, plans *plan.Library, engine *plan.Engine, convoys *convoy.Executor,
	router *routing.Router, bus *signal.Bus, g *graph.Graph, roles []string) *Captain {
	if len(roles) == 0 {
		roles = DefaultRoles
	}
	return &Captain{
		store:   st,
		plans:   plans,
		engine:  engine,
		convoys: convoys,
		router:  router,
		bus:     bus,
		graph:   g,
		roles:   roles,
	}
}

// Ticket is the inbound unit of work.
type Ticket struct {
	IssueNumber int
	Title       string
	Description string
	Labels      []string
	Priority    int
	Context     map[string]any
}

// RunResult summarizes one captain run.
type RunResult struct {
	IssueNumber   int               `json:"issue_number"`
	AlreadyExists bool              `json:"already_exists"`
	ExistingItem  string            `json:"existing_item,omitempty"`
	Breakdown     *TaskBreakdown    `json:"breakdown,omitempty"`
	ConvoyPlans   []ConvoyPlan      `json:"convoy_plans,omitempty"`
	Coordination  *CoordinationPlan `json:"coordination,omitempty"`
	ExecutionID   string            `json:"execution_id,omitempty"`
	Summary       *ExecutionSummary `json:"summary,omitempty"`
}

// AnalyzeTask classifies a ticket and suggests a strategy. Plan selection
// falls back to deterministic keyword matching when no external analyst is
// wired in.
func (c *Captain) AnalyzeTask(description string, labels []string) *TaskBreakdown {
	complexity := classifyComplexity(description, labels)
	return &TaskBreakdown{
		SuggestedStrategy: c.selectPlan(description, labels),
		Complexity:        complexity,
		EstimatedMinutes:  complexityMinutes[complexity],
	}
}

// Run drives a ticket end to end. When w is non-nil the coordination plan is
// executed; otherwise Run stops after planning. Re-running a ticket that
// already has a work item returns a summary without creating anything.
func (c *Captain) Run(ctx context.Context, ticket Ticket, w worker.Executor) (*RunResult, error) {
	result := &RunResult{IssueNumber: ticket.IssueNumber}

	existing, err := c.store.GetByIssue(ctx, ticket.IssueNumber)
	switch {
	case err == nil:
		result.AlreadyExists = true
		result.ExistingItem = existing.ID
		log.Info(log.CatCaptain, "ticket already tracked",
			"issue", ticket.IssueNumber, "item", existing.ID, "status", existing.Status)
		return result, nil
	case !errors.Is(err, workstate.ErrNotFound):
		return nil, fmt.Errorf("check existing ticket: %w", err)
	}

	breakdown := c.AnalyzeTask(ticket.Title+" "+ticket.Description, ticket.Labels)
	result.Breakdown = breakdown

	var items []*workstate.WorkItem
	if breakdown.SuggestedStrategy != "" && c.engine != nil {
		exec, err := c.engine.StartExecution(ctx, breakdown.SuggestedStrategy, ticket.IssueNumber, nil)
		if err != nil {
			return nil, fmt.Errorf("instantiate plan %s: %w", breakdown.SuggestedStrategy, err)
		}
		result.ExecutionID = exec.ID
		for _, id := range exec.WorkItemIDs() {
			item, err := c.store.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
	} else {
		items, err = c.genericBreakdown(ctx, ticket)
		if err != nil {
			return nil, err
		}
	}

	breakdown.WorkItems = items
	breakdown.ParallelGroups = ParallelGroups(items)
	result.ConvoyPlans = c.CreateConvoyPlans(breakdown)

	coordination, err := c.Coordinate(ctx, items)
	if err != nil {
		return nil, err
	}
	result.Coordination = coordination

	if w != nil {
		result.Summary = c.ExecutePlan(ctx, coordination, w, true)
	}

	log.Info(log.CatCaptain, "run finished", "issue", ticket.IssueNumber,
		"items", len(items), "strategy", breakdown.SuggestedStrategy)
	return result, nil
}

// genericBreakdown creates the fallback three-phase chain:
// requirements -> implementation -> review.
func (c *Captain) genericBreakdown(ctx context.Context, ticket Ticket) ([]*workstate.WorkItem, error) {
	phases := []struct {
		role, title string
	}{
		{"pm", "requirements"},
		{"engineer", "implementation"},
		{"reviewer", "review"},
	}

	var items []*workstate.WorkItem
	var prev *workstate.WorkItem
	for i, phase := range phases {
		item := workstate.NewWorkItem(fmt.Sprintf("[%s] %s: %s", phase.role, phase.title, ticket.Title))
		item.Description = ticket.Description
		item.Labels = append([]string{phase.role}, ticket.Labels...)
		item.Priority = ticket.Priority
		item.Metadata = map[string]any{"issue_number": ticket.IssueNumber}
		if i == 0 && ticket.IssueNumber > 0 {
			n := ticket.IssueNumber
			item.IssueNumber = &n
		}

		created, err := c.store.Create(ctx, item)
		if err != nil {
			return nil, fmt.Errorf("create breakdown item: %w", err)
		}
		if prev != nil {
			if err := c.store.AddDependency(ctx, created.ID, prev.ID); err != nil {
				return nil, fmt.Errorf("chain breakdown item: %w", err)
			}
		}
		prev = created
		items = append(items, created)
	}

	// Re-read so dependency edges and statuses are current.
	for i, item := range items {
		fresh, err := c.store.Get(ctx, item.ID)
		if err != nil {
			return nil, err
		}
		items[i] = fresh
	}
	return items, nil
}

// HandleBlocker marks an item blocked with the given reason and returns
// resolution suggestions, including downstream impact from the operational
// graph.
func (c *Captain) HandleBlocker(ctx context.Context, workItemID, description string) ([]string, error) {
	item, err := c.store.TransitionStatus(ctx, workItemID, workstate.StatusBlocked,
		map[string]any{"blocker": description})
	if err != nil {
		return nil, fmt.Errorf("handle blocker: %w", err)
	}

	suggestions := []string{
		fmt.Sprintf("review blocker on %s: %s", item.Title, description),
	}
	if item.AgentAssignee != "" {
		suggestions = append(suggestions,
			fmt.Sprintf("check with %s for a workaround", item.AgentAssignee))
	}
	if c.graph != nil {
		if impacted := c.graph.Impact(workItemID); len(impacted) > 0 {
			suggestions = append(suggestions,
				fmt.Sprintf("downstream impact: %d item(s) waiting on this one", len(impacted)))
		}
	}
	suggestions = append(suggestions, "escalate via handoff if unresolved")

	if c.bus != nil && item.AgentAssignee != "" {
		_, serr := c.bus.SendMessage(ctx, "captain", item.AgentAssignee,
			"Blocker: "+item.Title, description, signal.SendOptions{
				Priority:   SignalPriority(item.Priority + 5),
				WorkItemID: item.ID,
			})
		if serr != nil {
			log.Warn(log.CatCaptain, "blocker signal not sent", "reason", serr.Error())
		}
	}

	log.Info(log.CatCaptain, "blocker recorded", "item", workItemID)
	return suggestions, nil
}

// Recommendation pairs an item with a suggested action.
type Recommendation struct {
	WorkItemID string `json:"work_item_id"`
	Title      string `json:"title"`
	Action     string `json:"action"`
}

// RecommendNextActions returns up to five ready items to dispatch and up to
// three blocked items to resolve, highest priority first.
func (c *Captain) RecommendNextActions(ctx context.Context) ([]Recommendation, error) {
	var recs []Recommendation

	ready := workstate.StatusReady
	readyItems, err := c.store.List(ctx, store.Filters{Status: &ready})
	if err != nil {
		return nil, err
	}
	for i, item := range readyItems {
		if i == 5 {
			break
		}
		role := DetectRole(item, c.roles)
		if role == "" {
			role = "any worker"
		}
		recs = append(recs, Recommendation{
			WorkItemID: item.ID,
			Title:      item.Title,
			Action:     fmt.Sprintf("dispatch to %s", role),
		})
	}

	blocked := workstate.StatusBlocked
	blockedItems, err := c.store.List(ctx, store.Filters{Status: &blocked})
	if err != nil {
		return nil, err
	}
	for i, item := range blockedItems {
		if i == 3 {
			break
		}
		action := "resolve dependencies"
		if reason, ok := item.Context["blocker"].(string); ok && reason != "" {
			action = "resolve blocker: " + reason
		}
		recs = append(recs, Recommendation{
			WorkItemID: item.ID,
			Title:      item.Title,
			Action:     action,
		})
	}
	return recs, nil
}
