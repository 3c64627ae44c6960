package captain

import (
	"context"
	"fmt"

	"github.com/zjrosen/squad/internal/convoy"
	"github.com/zjrosen/squad/internal/log"
	"github.com/zjrosen/squad/internal/routing"
	"github.com/zjrosen/squad/internal/worker"
	"github.com/zjrosen/squad/internal/workstate"
)

// BlockedRole groups items the router refused.
const BlockedRole = "blocked"

// ConvoyPlan names the roles active at one parallel level.
type ConvoyPlan struct {
	Name        string   `json:"name"`
	Roles       []string `json:"roles"`
	WorkItemIDs []string `json:"work_item_ids"`
}

// CreateConvoyPlans produces one plan per parallel level of the breakdown.
func (c *Captain) CreateConvoyPlans(breakdown *TaskBreakdown) []ConvoyPlan {
	byID := make(map[string]*workstate.WorkItem, len(breakdown.WorkItems))
	for _, item := range breakdown.WorkItems {
		byID[item.ID] = item
	}

	var plans []ConvoyPlan
	for level, group := range breakdown.ParallelGroups {
		cp := ConvoyPlan{
			Name:        fmt.Sprintf("level-%d", level+1),
			WorkItemIDs: group,
		}
		seen := make(map[string]bool)
		for _, id := range group {
			item, ok := byID[id]
			if !ok {
				continue
			}
			role := DetectRole(item, c.roles)
			if role != "" && !seen[role] {
				seen[role] = true
				cp.Roles = append(cp.Roles, role)
			}
		}
		plans = append(plans, cp)
	}
	return plans
}

// Stage is one unit of the coordination plan: a parallel batch of same-role
// items or a single sequential step. Stages are ordered by dependency level.
type Stage struct {
	Role        string   `json:"role"`
	WorkItemIDs []string `json:"work_item_ids"`
	Parallel    bool     `json:"parallel"`
}

// CoordinationPlan is the dispatchable shape of a breakdown.
type CoordinationPlan struct {
	Stages  []Stage  `json:"stages"`
	Blocked []string `json:"blocked,omitempty"`
}

// Coordinate routes each item and groups the results into stages. When a
// router is configured every item produces one routing decision: the chosen
// role lands in metadata.routed_agent, refusals mark the item
// routing_blocked and group it under the blocked role.
func (c *Captain) Coordinate(ctx context.Context, items []*workstate.WorkItem) (*CoordinationPlan, error) {
	cp := &CoordinationPlan{}

	roleOf := make(map[string]string, len(items))
	for _, item := range items {
		role := DetectRole(item, c.roles)
		if role == "" {
			role = "engineer"
		}

		if c.router != nil {
			issue := item.IssueNumber
			chosen, err := c.router.Route(ctx, []routing.Candidate{
				{Name: role, CapabilityTags: []string{role}},
			}, routing.Request{
				Source:        "captain",
				RequestedTags: []string{role},
				Priority:      string(SignalPriority(item.Priority)),
				ExecutionMode: "convoy",
				IssueNumber:   issue,
				Metadata:      map[string]any{"work_item_id": item.ID},
			})
			if err != nil {
				return nil, fmt.Errorf("route %s: %w", item.ID, err)
			}

			fresh, gerr := c.store.Get(ctx, item.ID)
			if gerr != nil {
				return nil, gerr
			}
			if fresh.Metadata == nil {
				fresh.Metadata = map[string]any{}
			}
			if chosen != nil {
				fresh.Metadata["routed_agent"] = chosen.Name
				role = chosen.Name
			} else {
				fresh.Metadata["routing_blocked"] = true
				role = BlockedRole
			}
			if _, uerr := c.store.Update(ctx, fresh, nil); uerr != nil {
				log.Warn(log.CatCaptain, "routing annotation not saved",
					"item", item.ID, "reason", uerr.Error())
			}
		}
		roleOf[item.ID] = role
	}

	for _, group := range ParallelGroups(items) {
		// Group this level's items by role, preserving group order.
		var roles []string
		byRole := make(map[string][]string)
		for _, id := range group {
			role := roleOf[id]
			if role == BlockedRole {
				cp.Blocked = append(cp.Blocked, id)
				continue
			}
			if _, seen := byRole[role]; !seen {
				roles = append(roles, role)
			}
			byRole[role] = append(byRole[role], id)
		}
		for _, role := range roles {
			ids := byRole[role]
			cp.Stages = append(cp.Stages, Stage{
				Role:        role,
				WorkItemIDs: ids,
				Parallel:    len(ids) > 1,
			})
		}
	}
	return cp, nil
}

// ExecutionSummary aggregates a coordination plan's execution.
type ExecutionSummary struct {
	Status    string   `json:"status"` // completed, partial, failed
	Completed int      `json:"completed"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
	ConvoyIDs []string `json:"convoy_ids,omitempty"`
}

// continueOnError reads the item's phase annotation; items outside a plan
// default to aborting on failure.
func (c *Captain) continueOnError(ctx context.Context, id string) bool {
	item, err := c.store.Get(ctx, id)
	if err != nil {
		return false
	}
	v, _ := item.Metadata["continue_on_error"].(bool)
	return v
}

// ExecutePlan runs the stages in order: parallel batches through the Convoy
// Executor, sequential steps through the direct path. A failure on an item
// without continue_on_error aborts the remaining stages.
func (c *Captain) ExecutePlan(ctx context.Context, cp *CoordinationPlan, w worker.Executor, execute bool) *ExecutionSummary {
	summary := &ExecutionSummary{Status: "completed"}
	if !execute {
		return summary
	}

	abort := false
	for _, stage := range cp.Stages {
		if abort {
			break
		}

		if stage.Parallel {
			specs := make([]convoy.MemberSpec, len(stage.WorkItemIDs))
			for i, id := range stage.WorkItemIDs {
				specs[i] = convoy.MemberSpec{AgentRole: stage.Role, WorkItemID: id}
			}
			batch, err := c.convoys.Create(ctx, "captain-"+stage.Role, specs, convoy.Options{
				MaxParallel: len(specs),
			})
			if err != nil {
				summary.Errors = append(summary.Errors, err.Error())
				abort = true
				break
			}
			done, err := c.convoys.Execute(ctx, batch.ID, w)
			if err != nil {
				summary.Errors = append(summary.Errors, err.Error())
				abort = true
				break
			}
			summary.ConvoyIDs = append(summary.ConvoyIDs, done.ID)
			for _, m := range done.Members {
				switch m.Status {
				case convoy.MemberCompleted:
					summary.Completed++
				case convoy.MemberFailed:
					summary.Failed++
					summary.Errors = append(summary.Errors, m.Error)
					if !c.continueOnError(ctx, m.WorkItemID) {
						abort = true
					}
				}
			}
		} else {
			id := stage.WorkItemIDs[0]
			result, err := c.convoys.ExecuteDirect(ctx, "captain-step-"+stage.Role,
				[]convoy.DirectTask{{AgentRole: stage.Role, WorkItemID: id}}, 1, w)
			if err != nil {
				summary.Errors = append(summary.Errors, err.Error())
				abort = true
				break
			}
			summary.ConvoyIDs = append(summary.ConvoyIDs, result.ConvoyID)
			summary.Completed += result.Completed
			summary.Failed += result.Failed
			summary.Errors = append(summary.Errors, result.Errors...)
			if result.Failed > 0 && !c.continueOnError(ctx, id) {
				abort = true
			}
		}
	}

	switch {
	case abort:
		summary.Status = "failed"
	case summary.Failed > 0 && summary.Completed > 0:
		summary.Status = "partial"
	case summary.Failed > 0:
		summary.Status = "failed"
	}
	return summary
}
