// Package workstate defines the work-item domain model: the durable unit of
// work tracked by the orchestration core, its status machine, dependency
// bookkeeping, and audit history.
package workstate

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// WorkItem is the fundamental unit of work.
//
// DependsOn and Blocks are stored redundantly on both ends of each edge and
// kept consistent by the mutators in this package. Completed items are never
// mutated except for artifact appends.
type WorkItem struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      Status `json:"status"`

	// IssueNumber links the item to an external ticket. Unique per item when set.
	IssueNumber *int `json:"issue_number,omitempty"`

	// AgentAssignee is the worker role currently holding the item.
	AgentAssignee string `json:"agent_assignee,omitempty"`

	DependsOn []string `json:"depends_on,omitempty"`
	Blocks    []string `json:"blocks,omitempty"`

	ConvoyID string   `json:"convoy_id,omitempty"`
	Priority int      `json:"priority"`
	Labels   []string `json:"labels,omitempty"`

	// Artifacts is an ordered, additive list of produced filesystem paths.
	Artifacts []string `json:"artifacts,omitempty"`

	// Context carries free-form checkpoint data across restarts.
	Context map[string]any `json:"context,omitempty"`

	// Metadata holds orchestration annotations (e.g. routed_agent).
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version increases on every persisted mutation; it is the basis for
	// optimistic locking.
	Version int64 `json:"version"`

	// A2A-compatible audit fields.
	SessionID    string         `json:"session_id,omitempty"`
	ParentTaskID string         `json:"parent_task_id,omitempty"`
	History      []HistoryEntry `json:"history,omitempty"`
}

// HistoryEntry records a single state or assignment change.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Field     string    `json:"field"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to"`
	Agent     string    `json:"agent,omitempty"`
	Note      string    `json:"note,omitempty"`
}

// NewWorkItem creates a work item in backlog with a fresh short id.
func NewWorkItem(title string) *WorkItem {
	now := time.Now().UTC()
	return &WorkItem{
		ID:        NewID(),
		Title:     title,
		Status:    StatusBacklog,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
}

// NewID returns an opaque short identifier, unique within a workspace.
func NewID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return "wi-" + hex.EncodeToString(b)
}

// Clone returns a deep copy. Stores hand out clones so callers can never
// mutate persisted state in place.
func (w *WorkItem) Clone() *WorkItem {
	c := *w
	c.DependsOn = append([]string(nil), w.DependsOn...)
	c.Blocks = append([]string(nil), w.Blocks...)
	c.Labels = append([]string(nil), w.Labels...)
	c.Artifacts = append([]string(nil), w.Artifacts...)
	c.History = append([]HistoryEntry(nil), w.History...)
	if w.Context != nil {
		c.Context = make(map[string]any, len(w.Context))
		for k, v := range w.Context {
			c.Context[k] = v
		}
	}
	if w.Metadata != nil {
		c.Metadata = make(map[string]any, len(w.Metadata))
		for k, v := range w.Metadata {
			c.Metadata[k] = v
		}
	}
	if w.IssueNumber != nil {
		n := *w.IssueNumber
		c.IssueNumber = &n
	}
	return &c
}

// HasLabel reports whether the item carries the given label.
func (w *WorkItem) HasLabel(label string) bool {
	for _, l := range w.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// DependsOnID reports whether id is a direct dependency.
func (w *WorkItem) DependsOnID(id string) bool {
	for _, d := range w.DependsOn {
		if d == id {
			return true
		}
	}
	return false
}

// BlocksID reports whether the item blocks the given id.
func (w *WorkItem) BlocksID(id string) bool {
	for _, b := range w.Blocks {
		if b == id {
			return true
		}
	}
	return false
}

// Touch bumps UpdatedAt. Version is advanced by the store at commit time.
func (w *WorkItem) Touch() {
	w.UpdatedAt = time.Now().UTC()
}

// AppendHistory records a change in the audit trail and touches the item.
func (w *WorkItem) AppendHistory(field, from, to, agent string) {
	w.History = append(w.History, HistoryEntry{
		Timestamp: time.Now().UTC(),
		Field:     field,
		From:      from,
		To:        to,
		Agent:     agent,
	})
	w.Touch()
}
