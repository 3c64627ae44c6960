// Package graph maintains the operational graph: a typed multigraph of work
// items, agents, skills, and capabilities derived from the other stores. It
// is a query surface for impact analysis and cycle detection; updates are
// best-effort and never fail the originating mutation.
package graph

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/zjrosen/squad/internal/persist"
)

// NodeType classifies graph nodes.
type NodeType string

const (
	NodeWorkItem   NodeType = "work_item"
	NodeAgent      NodeType = "agent"
	NodeSkill      NodeType = "skill"
	NodeCapability NodeType = "capability"
	NodeTicket     NodeType = "ticket"
)

// EdgeType classifies graph edges.
type EdgeType string

const (
	EdgeDependsOn   EdgeType = "depends_on"
	EdgeOwns        EdgeType = "owns"
	EdgeDelegatesTo EdgeType = "delegates_to"
	EdgeConsumes    EdgeType = "consumes"
	EdgeEmits       EdgeType = "emits"
	EdgeUses        EdgeType = "uses"
	EdgeRequires    EdgeType = "requires"
	EdgeMirrors     EdgeType = "mirrors"
)

// Node is a typed graph node.
type Node struct {
	ID        string         `json:"id"`
	Type      NodeType       `json:"type"`
	Label     string         `json:"label,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Edge is a typed, directed edge.
type Edge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Type EdgeType `json:"type"`
}

func (e Edge) key() string {
	return e.From + "|" + string(e.Type) + "|" + e.To
}

// Graph is the persistent operational graph. Nodes and edges are written as
// two JSON documents; writes are atomic but unsynchronized with the stores
// they mirror (best-effort consistency).
type Graph struct {
	mu        sync.RWMutex
	nodesPath string
	edgesPath string
	nodes     map[string]*Node
	edges     map[string]Edge
}

// Open loads (or initializes) the graph under dir, typically
// <workspace>/.squad/graph.
func Open(dir string) (*Graph, error) {
	g := &Graph{
		nodesPath: filepath.Join(dir, "nodes.json"),
		edgesPath: filepath.Join(dir, "edges.json"),
		nodes:     make(map[string]*Node),
		edges:     make(map[string]Edge),
	}
	if err := persist.LoadJSON(g.nodesPath, &g.nodes); err != nil {
		g.nodes = make(map[string]*Node)
	}
	var edgeList []Edge
	if err := persist.LoadJSON(g.edgesPath, &edgeList); err != nil {
		edgeList = nil
	}
	for _, e := range edgeList {
		g.edges[e.key()] = e
	}
	return g, nil
}

// save persists both documents. Caller holds the write lock.
func (g *Graph) save() error {
	if err := persist.WriteJSON(g.nodesPath, g.nodes); err != nil {
		return err
	}
	edgeList := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		edgeList = append(edgeList, e)
	}
	sort.Slice(edgeList, func(i, j int) bool { return edgeList[i].key() < edgeList[j].key() })
	return persist.WriteJSON(g.edgesPath, edgeList)
}

// UpsertNode inserts or refreshes a node.
func (g *Graph) UpsertNode(node Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	node.UpdatedAt = time.Now().UTC()
	existing, ok := g.nodes[node.ID]
	if ok {
		if node.Label == "" {
			node.Label = existing.Label
		}
		if node.Attrs == nil {
			node.Attrs = existing.Attrs
		}
	}
	g.nodes[node.ID] = &node
	return g.save()
}

// UpsertEdge inserts an edge, creating placeholder nodes for unknown ends.
func (g *Graph) UpsertEdge(edge Edge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges[edge.key()] = edge
	return g.save()
}

// RemoveNode deletes a node and every edge touching it.
func (g *Graph) RemoveNode(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.nodes, id)
	for key, e := range g.edges {
		if e.From == id || e.To == id {
			delete(g.edges, key)
		}
	}
	return g.save()
}

// Node returns a node by id.
func (g *Graph) Node(id string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil, false
	}
	c := *n
	return &c, true
}

// Edges returns all edges, optionally filtered by type.
func (g *Graph) Edges(edgeType *EdgeType) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Edge
	for _, e := range g.edges {
		if edgeType != nil && e.Type != *edgeType {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out
}

// NodeCount and EdgeCount report graph size.
func (g *Graph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

// DetectCycles finds cycles in the depends_on subgraph. Each cycle is
// returned as the list of node ids along it. The stores do not reject cyclic
// dependencies at insert time; this is the out-of-band detector that
// surfaces them as warnings.
func (g *Graph) DetectCycles() [][]string {
	g.mu.RLock()
	adj := make(map[string][]string)
	for _, e := range g.edges {
		if e.Type == EdgeDependsOn {
			adj[e.From] = append(adj[e.From], e.To)
		}
	}
	g.mu.RUnlock()

	for _, next := range adj {
		sort.Strings(next)
	}

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int)
	var stack []string
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		state[id] = inStack
		stack = append(stack, id)
		for _, next := range adj[id] {
			switch state[next] {
			case unvisited:
				visit(next)
			case inStack:
				// Slice the current stack from the first occurrence of next.
				for i, sid := range stack {
					if sid == next {
						cycle := append([]string(nil), stack[i:]...)
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
	}

	ids := make([]string, 0, len(adj))
	for id := range adj {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if state[id] == unvisited {
			visit(id)
		}
	}
	return cycles
}

// Impact returns the ids transitively affected by a change to id: every node
// reachable by walking depends_on edges backwards (dependents) plus direct
// delegates_to neighbors.
func (g *Graph) Impact(id string) []string {
	g.mu.RLock()
	reverse := make(map[string][]string)
	delegates := make(map[string][]string)
	for _, e := range g.edges {
		switch e.Type {
		case EdgeDependsOn:
			reverse[e.To] = append(reverse[e.To], e.From)
		case EdgeDelegatesTo:
			delegates[e.From] = append(delegates[e.From], e.To)
		}
	}
	g.mu.RUnlock()

	seen := map[string]bool{id: true}
	var out []string
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dependent := range reverse[cur] {
			if !seen[dependent] {
				seen[dependent] = true
				out = append(out, dependent)
				queue = append(queue, dependent)
			}
		}
	}
	for _, d := range delegates[id] {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out
}

// TicketNodeID names the node for an external ticket.
func TicketNodeID(issue int) string {
	return fmt.Sprintf("ticket-%d", issue)
}
