package workstate

import "fmt"

// Status is the lifecycle state of a work item.
type Status string

const (
	StatusBacklog    Status = "backlog"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusHooked     Status = "hooked"
	StatusBlocked    Status = "blocked"
	StatusInReview   Status = "in_review"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// AllStatuses lists every valid status.
var AllStatuses = []Status{
	StatusBacklog, StatusReady, StatusInProgress, StatusHooked,
	StatusBlocked, StatusInReview, StatusDone, StatusFailed,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether the status ends the item lifecycle.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// validTransitions maps each status to the statuses it may move to.
// Completed items are immutable apart from artifact appends, so done has no
// outgoing transitions; failed may be retried back to ready.
var validTransitions = map[Status][]Status{
	StatusBacklog:    {StatusReady, StatusBlocked, StatusFailed},
	StatusReady:      {StatusHooked, StatusInProgress, StatusBlocked, StatusFailed},
	StatusHooked:     {StatusInProgress, StatusReady, StatusBlocked, StatusFailed},
	StatusInProgress: {StatusInReview, StatusBlocked, StatusDone, StatusFailed},
	StatusBlocked:    {StatusReady, StatusFailed},
	StatusInReview:   {StatusDone, StatusInProgress, StatusFailed},
	StatusDone:       {},
	StatusFailed:     {StatusReady},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves the item to a new status, validating the edge, appending a
// history entry, and bumping UpdatedAt. Context entries (e.g. a blocker
// reason) are merged into the item context.
func (w *WorkItem) Transition(to Status, ctx map[string]any) error {
	if !to.Valid() {
		return &ValidationError{Reason: fmt.Sprintf("unknown status: %s", to)}
	}
	if !CanTransition(w.Status, to) {
		return &ValidationError{Reason: fmt.Sprintf("invalid transition %s -> %s for %s", w.Status, to, w.ID)}
	}
	if w.Status == to {
		return nil
	}
	from := w.Status
	w.Status = to
	if len(ctx) > 0 {
		if w.Context == nil {
			w.Context = make(map[string]any, len(ctx))
		}
		for k, v := range ctx {
			w.Context[k] = v
		}
	}
	w.AppendHistory("status", string(from), string(to), w.AgentAssignee)
	return nil
}
