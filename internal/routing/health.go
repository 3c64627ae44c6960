package routing

import (
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// HealthConfig tunes the event-derived health view.
type HealthConfig struct {
	// Window is the number of trailing events consulted per decision.
	Window int
	// MinEvents is the minimum sample size before throttle or breaker
	// decisions apply. Below it a destination is always treated as healthy.
	MinEvents int
	// CircuitBreakerBlockRate opens the breaker at or above this block rate.
	CircuitBreakerBlockRate float64
	// ThrottleBlockRate throttles at or above this block rate.
	ThrottleBlockRate float64
	// WarnBlockRate and CriticalBlockRate drive the aggregate summary.
	WarnBlockRate     float64
	CriticalBlockRate float64
	// CacheTTL bounds how long per-destination snapshots are served from
	// cache before being recomputed from the log.
	CacheTTL time.Duration
}

// DefaultHealthConfig returns the standard thresholds.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Window:                  200,
		MinEvents:               5,
		CircuitBreakerBlockRate: 0.7,
		ThrottleBlockRate:       0.5,
		WarnBlockRate:           0.3,
		CriticalBlockRate:       0.6,
		CacheTTL:                5 * time.Second,
	}
}

// Snapshot is the health of one destination over the trailing window.
type Snapshot struct {
	Destination string  `json:"destination"`
	Total       int     `json:"total"`
	Routed      int     `json:"routed"`
	Blocked     int     `json:"blocked"`
	BlockRate   float64 `json:"block_rate"`
	CircuitOpen bool    `json:"circuit_open"`
	Throttled   bool    `json:"throttled"`
}

// Aggregate health states for the global window.
const (
	HealthHealthy          = "healthy"
	HealthWarn             = "warn"
	HealthCritical         = "critical"
	HealthInsufficientData = "insufficient_data"
)

// Summary is the aggregate view over the global window.
type Summary struct {
	Total         int            `json:"total"`
	Routed        int            `json:"routed"`
	Blocked       int            `json:"blocked"`
	BySource      map[string]int `json:"by_source"`
	ByDestination map[string]int `json:"by_destination"`
	ByPriority    map[string]int `json:"by_priority"`
	OverallStatus string         `json:"overall_status"`
}

// Health computes snapshots and summaries from the event log on demand.
// Snapshots are cached briefly; the router invalidates the cache after every
// emitted event so decisions always see their own writes.
type Health struct {
	log   *Log
	cfg   HealthConfig
	cache *gocache.Cache
}

// NewHealth builds a health view over the log.
func NewHealth(l *Log, cfg HealthConfig) *Health {
	if cfg.Window <= 0 {
		cfg = DefaultHealthConfig()
	}
	return &Health{
		log:   l,
		cfg:   cfg,
		cache: gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
	}
}

// Invalidate drops all cached snapshots.
func (h *Health) Invalidate() {
	h.cache.Flush()
}

// Snapshot returns the destination's health over the trailing window.
func (h *Health) Snapshot(destination string) (*Snapshot, error) {
	if cached, ok := h.cache.Get(destination); ok {
		return cached.(*Snapshot), nil
	}

	events, err := h.log.Tail(h.cfg.Window)
	if err != nil {
		return nil, fmt.Errorf("health snapshot: %w", err)
	}

	snap := &Snapshot{Destination: destination}
	for _, e := range events {
		if e.Destination != destination {
			continue
		}
		snap.Total++
		switch e.Status {
		case EventRouted:
			snap.Routed++
		case EventBlocked:
			snap.Blocked++
		}
	}
	if snap.Total > 0 {
		snap.BlockRate = float64(snap.Blocked) / float64(snap.Total)
	}
	if snap.Total >= h.cfg.MinEvents {
		snap.CircuitOpen = snap.BlockRate >= h.cfg.CircuitBreakerBlockRate
		snap.Throttled = !snap.CircuitOpen && snap.BlockRate >= h.cfg.ThrottleBlockRate
	}

	h.cache.SetDefault(destination, snap)
	return snap, nil
}

// Summary aggregates the global window.
func (h *Health) Summary() (*Summary, error) {
	events, err := h.log.Tail(h.cfg.Window)
	if err != nil {
		return nil, fmt.Errorf("health summary: %w", err)
	}

	s := &Summary{
		BySource:      make(map[string]int),
		ByDestination: make(map[string]int),
		ByPriority:    make(map[string]int),
	}
	for _, e := range events {
		s.Total++
		switch e.Status {
		case EventRouted:
			s.Routed++
		case EventBlocked:
			s.Blocked++
		}
		if e.Source != "" {
			s.BySource[e.Source]++
		}
		if e.Destination != "" {
			s.ByDestination[e.Destination]++
		}
		if e.Metadata != nil {
			if p, ok := e.Metadata["priority"].(string); ok && p != "" {
				s.ByPriority[p]++
			}
		}
	}

	switch {
	case s.Total < h.cfg.MinEvents:
		s.OverallStatus = HealthInsufficientData
	default:
		rate := float64(s.Blocked) / float64(s.Total)
		switch {
		case rate >= h.cfg.CriticalBlockRate:
			s.OverallStatus = HealthCritical
		case rate >= h.cfg.WarnBlockRate:
			s.OverallStatus = HealthWarn
		default:
			s.OverallStatus = HealthHealthy
		}
	}
	return s, nil
}
