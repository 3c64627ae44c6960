package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/zjrosen/squad/internal/graph"
	"github.com/zjrosen/squad/internal/log"
	"github.com/zjrosen/squad/internal/persist"
	"github.com/zjrosen/squad/internal/signal"
	"github.com/zjrosen/squad/internal/workstate"
	"github.com/zjrosen/squad/internal/workstate/store"
)

// Protocol guard errors.
var (
	// ErrHandoffNotFound is returned for unknown handoff ids.
	ErrHandoffNotFound = errors.New("handoff not found")

	// ErrWrongAgent is returned when an agent acts on a handoff they are not
	// a party to.
	ErrWrongAgent = errors.New("agent is not a party to this handoff")

	// ErrInvalidHandoffState is returned when the handoff is not in a state
	// that permits the requested action.
	ErrInvalidHandoffState = errors.New("handoff is not in a valid state for this action")
)

// doc is the on-disk shape of handoffs/handoffs.json.
type doc struct {
	Version  int                 `json:"version"`
	Handoffs map[string]*Handoff `json:"handoffs"`
}

const docVersion = 1

// InitiateOptions carries the optional fields of an initiation.
type InitiateOptions struct {
	Priority    signal.Priority
	RequiresAck bool
}

// Ledger coordinates handoffs: it persists the protocol state, drives the
// work-state store on accept, records delegations, mirrors them into the
// operational graph, and notifies the parties over the signal bus.
type Ledger struct {
	path string
	lock *persist.FileLock

	mu sync.Mutex

	store       store.Store
	bus         *signal.Bus
	graph       *graph.Graph
	delegations *DelegationLedger
}

// NewLedger opens the handoff ledger under dir (typically
// <workspace>/.squad/handoffs). Bus, graph, and delegations are optional;
// nil disables the corresponding side effects.
func NewLedger(dir string, st store.Store, bus *signal.Bus, g *graph.Graph, dl *DelegationLedger) (*Ledger, error) {
	path := filepath.Join(dir, "handoffs.json")
	l := &Ledger{
		path:        path,
		lock:        persist.NewFileLock(path),
		store:       st,
		bus:         bus,
		graph:       g,
		delegations: dl,
	}
	err := persist.MigrateLegacy(path, dir, func(raw []byte) ([]byte, error) {
		var d doc
		if err := json.Unmarshal(raw, &d); err == nil && d.Version > 0 {
			return nil, nil
		}
		var legacy map[string]*Handoff
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return nil, nil
		}
		d = doc{Version: docVersion, Handoffs: legacy}
		return json.MarshalIndent(d, "", "  ")
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) load() *doc {
	d := &doc{Version: docVersion, Handoffs: make(map[string]*Handoff)}
	if err := persist.LoadJSON(l.path, d); err != nil && !errors.Is(err, persist.ErrCorrupt) {
		log.ErrorErr(log.CatHandoff, "failed to load handoffs", err, "path", l.path)
	}
	if d.Handoffs == nil {
		d.Handoffs = make(map[string]*Handoff)
	}
	return d
}

func (l *Ledger) mutate(ctx context.Context, fn func(d *doc, markDirty func()) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var d *doc
	return l.lock.Txn(ctx,
		func() error {
			d = l.load()
			return nil
		},
		func(markDirty func()) error {
			return fn(d, markDirty)
		},
		func() error {
			return persist.WriteJSON(l.path, d)
		},
	)
}

// normalizeContext trims empty entries so the persisted payload stays clean.
func normalizeContext(c Context) Context {
	trim := func(in []string) []string {
		var out []string
		for _, s := range in {
			if s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	c.NextSteps = trim(c.NextSteps)
	c.Blockers = trim(c.Blockers)
	c.Artifacts = trim(c.Artifacts)
	return c
}

// notify sends a signal, logging instead of failing the protocol step when
// the bus is unavailable or the send errors.
func (l *Ledger) notify(ctx context.Context, sender, recipient, subject, body string, opts signal.SendOptions) {
	if l.bus == nil {
		return
	}
	if _, err := l.bus.SendMessage(ctx, sender, recipient, subject, body, opts); err != nil {
		log.ErrorErr(log.CatHandoff, "handoff notification failed", err,
			"recipient", recipient, "subject", subject)
	}
}

// Initiate opens a handoff of a work item from one agent to another. The
// handoff starts pending; the receiving agent is notified and a delegation
// is recorded.
func (l *Ledger) Initiate(ctx context.Context, workItemID, from, to string, reason Reason, hctx Context, opts InitiateOptions) (*Handoff, error) {
	if from == "" || to == "" {
		return nil, fmt.Errorf("from and to agents are required")
	}
	if from == to {
		return nil, fmt.Errorf("cannot hand off to self: %s", from)
	}

	item, err := l.store.Get(ctx, workItemID)
	if err != nil {
		return nil, fmt.Errorf("initiate handoff: %w", err)
	}
	if item.Status == workstate.StatusDone {
		return nil, fmt.Errorf("initiate handoff: %w", workstate.ErrCompletedImmutable)
	}

	h := newHandoff(workItemID, from, to, reason)
	h.Context = normalizeContext(hctx)
	if opts.Priority != "" {
		h.Priority = opts.Priority
	}
	h.RequiresAck = opts.RequiresAck
	h.audit("initiated", from, fmt.Sprintf("reason: %s", reason))

	if l.delegations != nil {
		d, err := l.delegations.Record(ctx, h.ID, workItemID, from, to)
		if err != nil {
			return nil, fmt.Errorf("record delegation: %w", err)
		}
		h.DelegationID = d.ID
	}

	if err := l.mutate(ctx, func(d *doc, markDirty func()) error {
		d.Handoffs[h.ID] = h
		markDirty()
		return nil
	}); err != nil {
		return nil, err
	}

	if l.graph != nil {
		l.graph.RecordDelegation(from, to, workItemID)
	}

	l.notify(ctx, from, to, "Handoff Request: "+item.Title, h.Context.Summary, signal.SendOptions{
		Priority:    h.Priority,
		RequiresAck: h.RequiresAck,
		WorkItemID:  workItemID,
	})

	log.Info(log.CatHandoff, "handoff initiated",
		"handoff", h.ID, "item", workItemID, "from", from, "to", to, "reason", reason)
	return h.Clone(), nil
}

// transition applies fn to a handoff after the party/state guard passes.
func (l *Ledger) transition(ctx context.Context, id, agent string, allowed []Status, party func(h *Handoff) string, fn func(h *Handoff)) (*Handoff, error) {
	var result *Handoff
	err := l.mutate(ctx, func(d *doc, markDirty func()) error {
		h, ok := d.Handoffs[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrHandoffNotFound, id)
		}
		if party(h) != agent {
			return fmt.Errorf("%w: %s on %s", ErrWrongAgent, agent, id)
		}
		ok = false
		for _, s := range allowed {
			if h.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%w: %s is %s", ErrInvalidHandoffState, id, h.Status)
		}
		fn(h)
		result = h.Clone()
		markDirty()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Accept is called by the receiving agent. The work item is assigned to them
// and moved to in_progress with the handoff context merged in, the delegation
// goes active, and the initiator is notified.
func (l *Ledger) Accept(ctx context.Context, id, agent string) (*Handoff, error) {
	h, err := l.transition(ctx, id, agent,
		[]Status{StatusInitiated, StatusPending},
		func(h *Handoff) string { return h.ToAgent },
		func(h *Handoff) {
			h.Status = StatusAccepted
			h.audit("accepted", agent, "")
		})
	if err != nil {
		return nil, err
	}

	if _, err := l.store.AssignToAgent(ctx, h.WorkItemID, agent); err != nil {
		return nil, fmt.Errorf("assign on accept: %w", err)
	}
	itemCtx := map[string]any{
		"handoff_id":   h.ID,
		"handoff_from": h.FromAgent,
	}
	if h.Context.Summary != "" {
		itemCtx["handoff_summary"] = h.Context.Summary
	}
	if len(h.Context.NextSteps) > 0 {
		itemCtx["next_steps"] = h.Context.NextSteps
	}
	if _, err := l.store.TransitionStatus(ctx, h.WorkItemID, workstate.StatusInProgress, itemCtx); err != nil {
		return nil, fmt.Errorf("transition on accept: %w", err)
	}

	h, err = l.transition(ctx, id, agent,
		[]Status{StatusAccepted},
		func(h *Handoff) string { return h.ToAgent },
		func(h *Handoff) {
			h.Status = StatusInProgress
			h.audit("started", agent, "work item assigned")
		})
	if err != nil {
		return nil, err
	}

	if h.DelegationID != "" && l.delegations != nil {
		if _, err := l.delegations.UpdateStatus(ctx, h.DelegationID, DelegationInProgress); err != nil {
			log.ErrorErr(log.CatHandoff, "delegation update failed", err, "delegation", h.DelegationID)
		}
	}

	l.notify(ctx, agent, h.FromAgent, "Handoff Accepted", fmt.Sprintf("%s accepted work item %s", agent, h.WorkItemID), signal.SendOptions{
		Priority:   h.Priority,
		WorkItemID: h.WorkItemID,
	})

	log.Info(log.CatHandoff, "handoff accepted", "handoff", h.ID, "item", h.WorkItemID, "agent", agent)
	return h, nil
}

// Reject is called by the receiving agent to decline a pending handoff. The
// work item is untouched; the initiator is notified with the reason.
func (l *Ledger) Reject(ctx context.Context, id, agent, reason string) (*Handoff, error) {
	h, err := l.transition(ctx, id, agent,
		[]Status{StatusInitiated, StatusPending},
		func(h *Handoff) string { return h.ToAgent },
		func(h *Handoff) {
			h.Status = StatusRejected
			h.audit("rejected", agent, reason)
		})
	if err != nil {
		return nil, err
	}

	if h.DelegationID != "" && l.delegations != nil {
		if _, err := l.delegations.UpdateStatus(ctx, h.DelegationID, DelegationFailed); err != nil {
			log.ErrorErr(log.CatHandoff, "delegation update failed", err, "delegation", h.DelegationID)
		}
	}

	l.notify(ctx, agent, h.FromAgent, "Handoff Rejected", reason, signal.SendOptions{
		Priority:   signal.PriorityHigh,
		WorkItemID: h.WorkItemID,
	})

	log.Info(log.CatHandoff, "handoff rejected", "handoff", h.ID, "agent", agent, "reason", reason)
	return h, nil
}

// Complete is called by the receiving agent when the handed-off work is done.
// The delegation closes and the initiator is notified. The work item itself
// is completed through the store by the caller; handoff completion does not
// imply work-item completion.
func (l *Ledger) Complete(ctx context.Context, id, agent, summary string) (*Handoff, error) {
	h, err := l.transition(ctx, id, agent,
		[]Status{StatusAccepted, StatusInProgress},
		func(h *Handoff) string { return h.ToAgent },
		func(h *Handoff) {
			h.Status = StatusCompleted
			h.audit("completed", agent, summary)
		})
	if err != nil {
		return nil, err
	}

	if h.DelegationID != "" && l.delegations != nil {
		if _, err := l.delegations.UpdateStatus(ctx, h.DelegationID, DelegationCompleted); err != nil {
			log.ErrorErr(log.CatHandoff, "delegation update failed", err, "delegation", h.DelegationID)
		}
	}

	l.notify(ctx, agent, h.FromAgent, "Handoff Completed", summary, signal.SendOptions{
		Priority:   h.Priority,
		WorkItemID: h.WorkItemID,
	})

	log.Info(log.CatHandoff, "handoff completed", "handoff", h.ID, "agent", agent)
	return h, nil
}

// Cancel is called by the initiating agent before the handoff is accepted.
func (l *Ledger) Cancel(ctx context.Context, id, agent, reason string) (*Handoff, error) {
	h, err := l.transition(ctx, id, agent,
		[]Status{StatusInitiated, StatusPending},
		func(h *Handoff) string { return h.FromAgent },
		func(h *Handoff) {
			h.Status = StatusCancelled
			h.audit("cancelled", agent, reason)
		})
	if err != nil {
		return nil, err
	}

	if h.DelegationID != "" && l.delegations != nil {
		if _, err := l.delegations.UpdateStatus(ctx, h.DelegationID, DelegationCancelled); err != nil {
			log.ErrorErr(log.CatHandoff, "delegation update failed", err, "delegation", h.DelegationID)
		}
	}

	l.notify(ctx, agent, h.ToAgent, "Handoff Cancelled", reason, signal.SendOptions{
		WorkItemID: h.WorkItemID,
	})

	log.Info(log.CatHandoff, "handoff cancelled", "handoff", h.ID, "agent", agent, "reason", reason)
	return h, nil
}

// Get returns the handoff by id.
func (l *Ledger) Get(ctx context.Context, id string) (*Handoff, error) {
	var result *Handoff
	err := l.mutate(ctx, func(d *doc, markDirty func()) error {
		h, ok := d.Handoffs[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrHandoffNotFound, id)
		}
		result = h.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListFilters narrows List results. Empty fields match everything.
type ListFilters struct {
	WorkItemID string
	Agent      string
	Status     Status
}

// List returns handoffs matching the filters, oldest first. Agent matches
// either side.
func (l *Ledger) List(ctx context.Context, f ListFilters) ([]*Handoff, error) {
	var result []*Handoff
	err := l.mutate(ctx, func(d *doc, markDirty func()) error {
		for _, h := range d.Handoffs {
			if f.WorkItemID != "" && h.WorkItemID != f.WorkItemID {
				continue
			}
			if f.Agent != "" && h.FromAgent != f.Agent && h.ToAgent != f.Agent {
				continue
			}
			if f.Status != "" && h.Status != f.Status {
				continue
			}
			result = append(result, h.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}
