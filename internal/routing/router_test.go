package routing

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/squad/internal/log"
)

func TestMain(m *testing.M) {
	log.InitWithWriter(&bytes.Buffer{}, 16)
	os.Exit(m.Run())
}

func newTestRouter(t *testing.T, policy *PolicyRule) *Router {
	t.Helper()
	cfg := DefaultHealthConfig()
	cfg.CacheTTL = 0 // snapshots recomputed per decision in tests
	r, err := NewRouter(t.TempDir(), policy, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// seed appends count events for destination with the given status.
func seed(t *testing.T, r *Router, destination string, status EventStatus, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		require.NoError(t, r.log.Append(NewEvent("seed", destination, status, "seed")))
	}
	r.health.Invalidate()
}

func lastEvent(t *testing.T, r *Router) *Event {
	t.Helper()
	events, err := r.log.Tail(0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	return events[len(events)-1]
}

func TestRoute_HealthyPicksFirstInOrder(t *testing.T) {
	r := newTestRouter(t, nil)

	chosen, err := r.Route(context.Background(), []Candidate{
		{Name: "pm"}, {Name: "architect"},
	}, Request{Source: "captain", Priority: "normal"})
	require.NoError(t, err)

	require.NotNil(t, chosen)
	assert.Equal(t, "pm", chosen.Name)

	e := lastEvent(t, r)
	assert.Equal(t, EventRouted, e.Status)
	assert.Equal(t, ReasonPolicyCheck, e.Reason)
	assert.Equal(t, "pm", e.Destination)
	assert.Equal(t, "captain", e.Source)
	assert.Equal(t, "normal", e.Metadata["priority"])
}

func TestRoute_LatencyTieBreak(t *testing.T) {
	r := newTestRouter(t, nil)

	slow, fast := 120.0, 15.0
	chosen, err := r.Route(context.Background(), []Candidate{
		{Name: "pm", LatencyMS: &slow},
		{Name: "engineer", LatencyMS: &fast},
		{Name: "architect"},
	}, Request{Source: "captain"})
	require.NoError(t, err)

	require.NotNil(t, chosen)
	assert.Equal(t, "engineer", chosen.Name)
}

func TestRoute_PolicyGate(t *testing.T) {
	policy := &PolicyRule{
		AllowedCapabilityTags: []string{"backend"},
		DeniedCapabilityTags:  []string{"untrusted"},
		RequiredTrustLevels:   []string{"high"},
		MaxDataSensitivity:    SensitivityInternal,
	}
	r := newTestRouter(t, policy)
	ctx := context.Background()

	base := Request{
		Source:        "captain",
		RequestedTags: []string{"backend"},
		TrustLevel:    "high",
		Sensitivity:   SensitivityInternal,
	}
	candidates := []Candidate{{Name: "engineer", CapabilityTags: []string{"backend"}}}

	chosen, err := r.Route(ctx, candidates, base)
	require.NoError(t, err)
	require.NotNil(t, chosen)

	// Requested tags outside the allowed list.
	req := base
	req.RequestedTags = []string{"frontend"}
	chosen, err = r.Route(ctx, candidates, req)
	require.NoError(t, err)
	assert.Nil(t, chosen)
	assert.Equal(t, ReasonPolicyBlock, lastEvent(t, r).Reason)

	// Candidate carries a denied tag.
	chosen, err = r.Route(ctx, []Candidate{
		{Name: "contractor", CapabilityTags: []string{"backend", "untrusted"}},
	}, base)
	require.NoError(t, err)
	assert.Nil(t, chosen)

	// Trust level not in the required list.
	req = base
	req.TrustLevel = "low"
	chosen, err = r.Route(ctx, candidates, req)
	require.NoError(t, err)
	assert.Nil(t, chosen)

	// Sensitivity above the cap.
	req = base
	req.Sensitivity = SensitivityRestricted
	chosen, err = r.Route(ctx, candidates, req)
	require.NoError(t, err)
	assert.Nil(t, chosen)
}

func TestRoute_CircuitBreakerThenRecovery(t *testing.T) {
	r := newTestRouter(t, nil)
	ctx := context.Background()

	// Five consecutive blocks open the breaker (rate 1.0 over 5 events).
	seed(t, r, "pm", EventBlocked, 5)

	chosen, err := r.Route(ctx, []Candidate{{Name: "pm"}}, Request{Source: "captain"})
	require.NoError(t, err)
	assert.Nil(t, chosen)

	e := lastEvent(t, r)
	assert.Equal(t, EventBlocked, e.Status)
	assert.Equal(t, ReasonCircuitBreaker, e.Reason)
	assert.Equal(t, "pm", e.Destination)
	assert.Equal(t, []any{"pm"}, e.Metadata["circuit_blocked"].([]any))

	// Three routed events bring the rate under 0.7; pm becomes routable
	// again through the throttled path (rate now between 0.5 and 0.7).
	seed(t, r, "pm", EventRouted, 3)

	chosen, err = r.Route(ctx, []Candidate{{Name: "pm"}}, Request{Source: "captain"})
	require.NoError(t, err)
	require.NotNil(t, chosen)
	assert.Equal(t, "pm", chosen.Name)
	assert.Equal(t, ReasonThrottledRoute, lastEvent(t, r).Reason)
}

func TestRoute_PrefersHealthyOverThrottled(t *testing.T) {
	r := newTestRouter(t, nil)

	// engineer is throttled (3 blocked of 6 = 0.5), pm untouched.
	seed(t, r, "engineer", EventBlocked, 3)
	seed(t, r, "engineer", EventRouted, 3)

	chosen, err := r.Route(context.Background(), []Candidate{
		{Name: "engineer"}, {Name: "pm"},
	}, Request{Source: "captain"})
	require.NoError(t, err)

	require.NotNil(t, chosen)
	assert.Equal(t, "pm", chosen.Name)
}

func TestRoute_BelowMinEventsStaysHealthy(t *testing.T) {
	r := newTestRouter(t, nil)

	// Four blocks are under the minimum sample size; no breaker yet.
	seed(t, r, "pm", EventBlocked, 4)

	chosen, err := r.Route(context.Background(), []Candidate{{Name: "pm"}}, Request{Source: "captain"})
	require.NoError(t, err)
	require.NotNil(t, chosen)
	assert.Equal(t, ReasonPolicyCheck, lastEvent(t, r).Reason)
}

func TestRoute_EventSelfAuditing(t *testing.T) {
	r := newTestRouter(t, &PolicyRule{DeniedCapabilityTags: []string{"banned"}})

	seed(t, r, "throttly", EventBlocked, 3)
	seed(t, r, "throttly", EventRouted, 3)

	_, err := r.Route(context.Background(), []Candidate{
		{Name: "pm"},
		{Name: "throttly"},
		{Name: "outcast", CapabilityTags: []string{"banned"}},
	}, Request{Source: "captain", Priority: "high"})
	require.NoError(t, err)

	e := lastEvent(t, r)
	assert.Equal(t, []any{"pm"}, e.Metadata["viable"])
	assert.Equal(t, []any{"throttly"}, e.Metadata["throttled"])
	assert.Equal(t, []any{"outcast"}, e.Metadata["policy_denied"])
	require.Contains(t, e.Metadata, "health_snapshots")
	snaps := e.Metadata["health_snapshots"].(map[string]any)
	assert.Contains(t, snaps, "throttly")
}

func TestLog_TailSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routing.jsonl")
	l, err := OpenLog(path)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(NewEvent("a", "pm", EventRouted, "seed")))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, l.Append(NewEvent("a", "pm", EventBlocked, "seed")))

	events, err := l.Tail(0)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestLog_TailWindow(t *testing.T) {
	l, err := OpenLog(filepath.Join(t.TempDir(), "routing.jsonl"))
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 10; i++ {
		status := EventRouted
		if i >= 7 {
			status = EventBlocked
		}
		require.NoError(t, l.Append(NewEvent("a", "pm", status, "seed")))
	}

	tail, err := l.Tail(3)
	require.NoError(t, err)
	require.Len(t, tail, 3)
	for _, e := range tail {
		assert.Equal(t, EventBlocked, e.Status)
	}
}

func TestHealth_Summary(t *testing.T) {
	r := newTestRouter(t, nil)
	ctx := context.Background()

	summary, err := r.Health().Summary()
	require.NoError(t, err)
	assert.Equal(t, HealthInsufficientData, summary.OverallStatus)

	for i := 0; i < 6; i++ {
		_, err := r.Route(ctx, []Candidate{{Name: "pm"}}, Request{Source: "captain", Priority: "normal"})
		require.NoError(t, err)
	}

	summary, err = r.Health().Summary()
	require.NoError(t, err)
	assert.Equal(t, 6, summary.Total)
	assert.Equal(t, 6, summary.Routed)
	assert.Equal(t, HealthHealthy, summary.OverallStatus)
	assert.Equal(t, 6, summary.ByDestination["pm"])
	assert.Equal(t, 6, summary.BySource["captain"])
	assert.Equal(t, 6, summary.ByPriority["normal"])
}

func TestMonitor_RunOnceAppendsPatrolEntry(t *testing.T) {
	r := newTestRouter(t, nil)
	dir := t.TempDir()
	patrol := filepath.Join(dir, "patrol.jsonl")

	seed(t, r, "pm", EventRouted, 6)

	m := NewMonitor(r.Health(), patrol, 0)
	require.NoError(t, m.RunOnce())
	require.NoError(t, m.RunOnce())

	data, err := os.ReadFile(patrol)
	require.NoError(t, err)
	lines := bytes.Count(data, []byte("\n"))
	assert.Equal(t, 2, lines)
	assert.Contains(t, string(data), `"overall_status":"healthy"`)
}
