package graph

import (
	"github.com/zjrosen/squad/internal/log"
	"github.com/zjrosen/squad/internal/workstate"
)

// SyncWorkItem mirrors a work item into the graph: the item node, its
// assignee, its dependency edges, and (when bound to a ticket) the ticket
// edge. Failures are logged and swallowed so the originating store mutation
// never fails on graph trouble.
func (g *Graph) SyncWorkItem(item *workstate.WorkItem) {
	if err := g.UpsertNode(Node{
		ID:    item.ID,
		Type:  NodeWorkItem,
		Label: item.Title,
		Attrs: map[string]any{"status": string(item.Status), "priority": item.Priority},
	}); err != nil {
		log.ErrorErr(log.CatGraph, "work item node sync failed", err, "item", item.ID)
		return
	}
	if item.AgentAssignee != "" {
		if err := g.UpsertNode(Node{ID: item.AgentAssignee, Type: NodeAgent, Label: item.AgentAssignee}); err != nil {
			log.ErrorErr(log.CatGraph, "agent node sync failed", err, "agent", item.AgentAssignee)
		}
		if err := g.UpsertEdge(Edge{From: item.ID, To: item.AgentAssignee, Type: EdgeOwns}); err != nil {
			log.ErrorErr(log.CatGraph, "owns edge sync failed", err, "item", item.ID)
		}
	}
	for _, dep := range item.DependsOn {
		if err := g.UpsertEdge(Edge{From: item.ID, To: dep, Type: EdgeDependsOn}); err != nil {
			log.ErrorErr(log.CatGraph, "depends_on edge sync failed", err, "item", item.ID, "dep", dep)
		}
	}
	if item.IssueNumber != nil {
		ticket := TicketNodeID(*item.IssueNumber)
		if err := g.UpsertNode(Node{ID: ticket, Type: NodeTicket, Label: ticket}); err != nil {
			log.ErrorErr(log.CatGraph, "ticket node sync failed", err, "ticket", ticket)
		}
		if err := g.UpsertEdge(Edge{From: ticket, To: item.ID, Type: EdgeDependsOn}); err != nil {
			log.ErrorErr(log.CatGraph, "ticket edge sync failed", err, "ticket", ticket)
		}
	}

	if cycles := g.DetectCycles(); len(cycles) > 0 {
		log.Warn(log.CatGraph, "dependency cycle detected", "cycles", len(cycles), "first", cycles[0])
	}
}

// RemoveWorkItem drops a deleted item from the graph.
func (g *Graph) RemoveWorkItem(id string) {
	if err := g.RemoveNode(id); err != nil {
		log.ErrorErr(log.CatGraph, "work item node removal failed", err, "item", id)
	}
}

// RecordDelegation writes the delegates_to edge for a handoff or delegation.
func (g *Graph) RecordDelegation(fromAgent, toAgent, workItemID string) {
	for _, agent := range []string{fromAgent, toAgent} {
		if err := g.UpsertNode(Node{ID: agent, Type: NodeAgent, Label: agent}); err != nil {
			log.ErrorErr(log.CatGraph, "agent node sync failed", err, "agent", agent)
		}
	}
	if err := g.UpsertEdge(Edge{From: fromAgent, To: toAgent, Type: EdgeDelegatesTo}); err != nil {
		log.ErrorErr(log.CatGraph, "delegates_to edge sync failed", err, "from", fromAgent, "to", toAgent)
	}
	if workItemID != "" {
		if err := g.UpsertEdge(Edge{From: toAgent, To: workItemID, Type: EdgeUses}); err != nil {
			log.ErrorErr(log.CatGraph, "uses edge sync failed", err, "agent", toAgent, "item", workItemID)
		}
	}
}
