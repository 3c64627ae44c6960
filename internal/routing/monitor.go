package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zjrosen/squad/internal/log"
)

// PatrolEntry is one line of events/patrol.jsonl: a periodic health sweep.
type PatrolEntry struct {
	Timestamp     time.Time      `json:"timestamp"`
	Total         int            `json:"total"`
	Routed        int            `json:"routed"`
	Blocked       int            `json:"blocked"`
	OverallStatus string         `json:"overall_status"`
	ByDestination map[string]int `json:"by_destination,omitempty"`
}

// Monitor periodically appends health summaries to the patrol log.
type Monitor struct {
	health   *Health
	path     string
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewMonitor builds a patrol monitor writing to path every interval.
func NewMonitor(h *Health, path string, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Monitor{health: h, path: path, interval: interval}
}

// RunOnce performs a single sweep, appending one patrol entry.
func (m *Monitor) RunOnce() error {
	summary, err := m.health.Summary()
	if err != nil {
		return fmt.Errorf("patrol sweep: %w", err)
	}
	entry := PatrolEntry{
		Timestamp:     time.Now().UTC(),
		Total:         summary.Total,
		Routed:        summary.Routed,
		Blocked:       summary.Blocked,
		OverallStatus: summary.OverallStatus,
		ByDestination: summary.ByDestination,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal patrol entry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("create patrol dir: %w", err)
	}
	f, err := os.OpenFile(m.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open patrol log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append patrol entry: %w", err)
	}
	return f.Sync()
}

// Start launches the sweep loop. Calling Start twice restarts the loop.
func (m *Monitor) Start(ctx context.Context) {
	m.Stop()

	m.mu.Lock()
	ctx, m.cancel = context.WithCancel(ctx)
	stopped := make(chan struct{})
	m.stopped = stopped
	m.mu.Unlock()

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.RunOnce(); err != nil {
					log.ErrorErr(log.CatRouting, "patrol sweep failed", err)
				}
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, stopped := m.cancel, m.stopped
	m.cancel, m.stopped = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
	}
}
