package routing

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/zjrosen/squad/internal/log"
)

// Candidate is one destination offered to the router.
type Candidate struct {
	// Name is the destination identity recorded on events, typically a
	// worker role like "pm" or "architect".
	Name string `json:"name"`
	// CapabilityTags declare what the candidate can do.
	CapabilityTags []string `json:"capability_tags,omitempty"`
	// LatencyMS is an optional declared latency used as the tie-break.
	LatencyMS *float64 `json:"latency_ms,omitempty"`
}

// Request carries the routing context for one decision.
type Request struct {
	Source        string
	RequestedTags []string
	Sensitivity   Sensitivity
	TrustLevel    string
	Priority      string
	ExecutionMode string
	MessageID     string
	IssueNumber   *int
	Metadata      map[string]any
}

// Router selects a candidate by policy then health. Policy and health
// outcomes never surface as errors: a nil candidate with a nil error means
// the decision was blocked, and the emitted event explains why.
type Router struct {
	log    *Log
	health *Health
	policy *PolicyRule
}

// NewRouter opens the event log under dir (typically <workspace>/.squad/events)
// and builds the router. A nil policy permits everything.
func NewRouter(dir string, policy *PolicyRule, cfg HealthConfig) (*Router, error) {
	l, err := OpenLog(filepath.Join(dir, "routing.jsonl"))
	if err != nil {
		return nil, err
	}
	return &Router{log: l, health: NewHealth(l, cfg), policy: policy}, nil
}

// Health exposes the router's health view.
func (r *Router) Health() *Health { return r.health }

// EventLog exposes the underlying log for audits.
func (r *Router) EventLog() *Log { return r.log }

// Close releases the event log.
func (r *Router) Close() error { return r.log.Close() }

// pick returns the candidate with the lowest declared latency, falling back
// to input order when none declare one.
func pick(candidates []Candidate) *Candidate {
	best := -1
	for i, c := range candidates {
		if c.LatencyMS == nil {
			continue
		}
		if best < 0 || *c.LatencyMS < *candidates[best].LatencyMS {
			best = i
		}
	}
	if best < 0 {
		best = 0
	}
	return &candidates[best]
}

func names(candidates []Candidate) []string {
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.Name
	}
	return out
}

// Route selects a candidate and always emits exactly one routing event.
// Selection order: healthy candidates, then throttled ones; with none
// routable the event is blocked with reason circuit_breaker when breakers
// are the cause, policy_block otherwise.
func (r *Router) Route(ctx context.Context, candidates []Candidate, req Request) (*Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var permitted, denied []Candidate
	for _, c := range candidates {
		if r.policy.Permits(c.CapabilityTags, req.RequestedTags, req.TrustLevel, req.Sensitivity) {
			permitted = append(permitted, c)
		} else {
			denied = append(denied, c)
		}
	}

	var healthy, throttled, circuitOpen []Candidate
	snapshots := make(map[string]*Snapshot, len(permitted))
	for _, c := range permitted {
		snap, err := r.health.Snapshot(c.Name)
		if err != nil {
			return nil, fmt.Errorf("route: %w", err)
		}
		snapshots[c.Name] = snap
		switch {
		case snap.CircuitOpen:
			circuitOpen = append(circuitOpen, c)
		case snap.Throttled:
			throttled = append(throttled, c)
		default:
			healthy = append(healthy, c)
		}
	}

	metadata := map[string]any{
		"priority":         req.Priority,
		"viable":           names(healthy),
		"throttled":        names(throttled),
		"circuit_blocked":  names(circuitOpen),
		"policy_denied":    names(denied),
		"health_snapshots": snapshots,
	}
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	emit := func(destination string, status EventStatus, reason string) error {
		e := NewEvent(req.Source, destination, status, reason)
		e.ExecutionMode = req.ExecutionMode
		e.MessageID = req.MessageID
		e.IssueNumber = req.IssueNumber
		e.Metadata = metadata
		if err := r.log.Append(e); err != nil {
			return fmt.Errorf("emit routing event: %w", err)
		}
		r.health.Invalidate()
		return nil
	}

	switch {
	case len(healthy) > 0:
		chosen := pick(healthy)
		if err := emit(chosen.Name, EventRouted, ReasonPolicyCheck); err != nil {
			return nil, err
		}
		log.Debug(log.CatRouting, "routed", "destination", chosen.Name, "source", req.Source)
		return chosen, nil

	case len(throttled) > 0:
		chosen := pick(throttled)
		if err := emit(chosen.Name, EventRouted, ReasonThrottledRoute); err != nil {
			return nil, err
		}
		log.Info(log.CatRouting, "routed via throttled destination",
			"destination", chosen.Name, "source", req.Source)
		return chosen, nil

	case len(circuitOpen) > 0:
		if err := emit(circuitOpen[0].Name, EventBlocked, ReasonCircuitBreaker); err != nil {
			return nil, err
		}
		log.Warn(log.CatRouting, "all viable candidates circuit-broken",
			"source", req.Source, "candidates", names(circuitOpen))
		return nil, nil

	default:
		if err := emit("", EventBlocked, ReasonPolicyBlock); err != nil {
			return nil, err
		}
		log.Warn(log.CatRouting, "no candidate passed policy", "source", req.Source)
		return nil, nil
	}
}
