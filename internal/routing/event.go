// Package routing implements policy-gated candidate selection backed by an
// append-only routing-event log. The log is the single source of truth for
// per-destination health: block rates over a sliding window drive throttling
// and circuit-breaker decisions.
package routing

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/squad/internal/log"
)

// EventStatus is the outcome of one routing decision.
type EventStatus string

const (
	EventRouted  EventStatus = "routed"
	EventBlocked EventStatus = "blocked"
)

// Decision reasons recorded on events.
const (
	ReasonPolicyCheck    = "policy_check"
	ReasonThrottledRoute = "throttled_route"
	ReasonCircuitBreaker = "circuit_breaker"
	ReasonPolicyBlock    = "policy_block"
)

// Event is one line of events/routing.jsonl.
type Event struct {
	EventID       string         `json:"event_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Source        string         `json:"source"`
	Destination   string         `json:"destination"`
	Status        EventStatus    `json:"status"`
	ExecutionMode string         `json:"execution_mode,omitempty"`
	MessageID     string         `json:"message_id,omitempty"`
	IssueNumber   *int           `json:"issue_number,omitempty"`
	Reason        string         `json:"reason"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// NewEvent builds an event with a fresh id and current timestamp.
func NewEvent(source, destination string, status EventStatus, reason string) *Event {
	return &Event{
		EventID:     uuid.New().String(),
		Timestamp:   time.Now().UTC(),
		Source:      source,
		Destination: destination,
		Status:      status,
		Reason:      reason,
	}
}

// Log is the append-only JSONL event log. Every append is fsynced so the
// health view never runs on lost events after a crash.
type Log struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// OpenLog opens (creating if needed) the event log at path.
func OpenLog(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create event dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &Log{path: path, f: f}, nil
}

// Append writes one event as a single JSON line and syncs.
func (l *Log) Append(e *Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal routing event: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append routing event: %w", err)
	}
	return l.f.Sync()
}

// Tail returns the last n events, oldest first. Malformed lines are skipped
// with a warning; a truncated final line never fails the read.
func (l *Log) Tail(n int) ([]*Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read event log: %w", err)
	}
	defer f.Close()

	var events []*Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			log.Warn(log.CatRouting, "skipping malformed event line", "path", l.path)
			continue
		}
		events = append(events, &e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan event log: %w", err)
	}
	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
