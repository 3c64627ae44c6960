// Package handoff implements the auditable transfer of work items between
// worker roles: an accept/reject protocol with a full audit trail, plus the
// delegation ledger that ties handoffs into the operational graph.
package handoff

import (
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/squad/internal/signal"
)

// Reason classifies why a handoff was initiated. The set is open: runtime
// values outside the known constants are accepted for forward compatibility.
type Reason string

const (
	ReasonWorkflow       Reason = "workflow"
	ReasonEscalation     Reason = "escalation"
	ReasonSpecialization Reason = "specialization"
	ReasonLoadBalancing  Reason = "load_balancing"
	ReasonBlocker        Reason = "blocker"
	ReasonCompletion     Reason = "completion"
	ReasonError          Reason = "error"
)

// Known reports whether r is one of the enumerated reasons.
func (r Reason) Known() bool {
	switch r {
	case ReasonWorkflow, ReasonEscalation, ReasonSpecialization,
		ReasonLoadBalancing, ReasonBlocker, ReasonCompletion, ReasonError:
		return true
	}
	return false
}

// Status is the handoff protocol state.
type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusPending    Status = "pending"
	StatusAccepted   Status = "accepted"
	StatusRejected   Status = "rejected"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

// Context is the canonical payload accompanying a handoff.
type Context struct {
	Summary   string   `json:"summary,omitempty"`
	NextSteps []string `json:"next_steps,omitempty"`
	Blockers  []string `json:"blockers,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// AuditEntry is one line of the handoff audit trail.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Agent     string    `json:"agent"`
	Details   string    `json:"details,omitempty"`
}

// Handoff is one transfer of a work item between agents.
type Handoff struct {
	ID           string          `json:"id"`
	WorkItemID   string          `json:"work_item_id"`
	FromAgent    string          `json:"from_agent"`
	ToAgent      string          `json:"to_agent"`
	Reason       Reason          `json:"reason"`
	Status       Status          `json:"status"`
	Context      Context         `json:"context"`
	Priority     signal.Priority `json:"priority"`
	RequiresAck  bool            `json:"requires_ack,omitempty"`
	DelegationID string          `json:"delegation_id,omitempty"`
	AuditLog     []AuditEntry    `json:"audit_log"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// audit appends an entry and touches the handoff.
func (h *Handoff) audit(action, agent, details string) {
	now := time.Now().UTC()
	h.AuditLog = append(h.AuditLog, AuditEntry{
		Timestamp: now,
		Action:    action,
		Agent:     agent,
		Details:   details,
	})
	h.UpdatedAt = now
}

// Clone returns a copy safe for callers to hold.
func (h *Handoff) Clone() *Handoff {
	c := *h
	c.Context.NextSteps = append([]string(nil), h.Context.NextSteps...)
	c.Context.Blockers = append([]string(nil), h.Context.Blockers...)
	c.Context.Artifacts = append([]string(nil), h.Context.Artifacts...)
	c.AuditLog = append([]AuditEntry(nil), h.AuditLog...)
	return &c
}

func newHandoff(workItemID, from, to string, reason Reason) *Handoff {
	now := time.Now().UTC()
	return &Handoff{
		ID:         uuid.New().String(),
		WorkItemID: workItemID,
		FromAgent:  from,
		ToAgent:    to,
		Reason:     reason,
		Status:     StatusPending,
		Priority:   signal.PriorityNormal,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}
