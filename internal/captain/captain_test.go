package captain

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/squad/internal/convoy"
	"github.com/zjrosen/squad/internal/graph"
	"github.com/zjrosen/squad/internal/log"
	"github.com/zjrosen/squad/internal/plan"
	"github.com/zjrosen/squad/internal/routing"
	"github.com/zjrosen/squad/internal/signal"
	"github.com/zjrosen/squad/internal/worker"
	"github.com/zjrosen/squad/internal/workstate"
	"github.com/zjrosen/squad/internal/workstate/hooks"
	"github.com/zjrosen/squad/internal/workstate/store"
)

func TestMain(m *testing.M) {
	log.InitWithWriter(&bytes.Buffer{}, 16)
	os.Exit(m.Run())
}

const featurePlan = `
name: feature
phases:
  - name: requirements
    agent: pm
    action: gather requirements
    depends_on: []
  - name: architecture
    agent: architect
    action: design the system
    depends_on: [requirements]
  - name: ux_design
    agent: designer
    action: design the flows
    parallel_with: [architecture]
  - name: implementation
    agent: engineer
    action: build it
    depends_on: [architecture, ux_design]
  - name: review
    agent: reviewer
    action: review the change
    depends_on: [implementation]
`

type fixture struct {
	captain *Captain
	store   store.Store
	router  *routing.Router
	bus     *signal.Bus
	graph   *graph.Graph
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	planDir := filepath.Join(dir, "plans")
	require.NoError(t, os.MkdirAll(planDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(planDir, "feature.yaml"), []byte(featurePlan), 0644))

	st, err := store.NewJSONStore(filepath.Join(dir, "work_items.json"), hooks.NewManager(filepath.Join(dir, "hooks")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	lib, err := plan.NewLibrary(planDir, "")
	require.NoError(t, err)
	engine := plan.NewEngine(lib, st)

	monitor := convoy.NewResourceMonitor(time.Second)
	monitor.SetSampleFunc(func() (float64, float64, error) { return 10, 20, nil })
	convoys, err := convoy.NewExecutor(dir, st, monitor)
	require.NoError(t, err)

	cfg := routing.DefaultHealthConfig()
	cfg.CacheTTL = 0
	router, err := routing.NewRouter(filepath.Join(dir, "events"), nil, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = router.Close() })

	bus, err := signal.NewBus(filepath.Join(dir, "signal"))
	require.NoError(t, err)
	g, err := graph.Open(filepath.Join(dir, "graph"))
	require.NoError(t, err)

	return &fixture{
		captain: New(st, lib, engine, convoys, router, bus, g, nil),
		store:   st,
		router:  router,
		bus:     bus,
		graph:   g,
	}
}

func TestAnalyzeTask_KeywordFallback(t *testing.T) {
	f := newFixture(t)

	bd := f.captain.AnalyzeTask("implement a new feature for checkout", nil)
	assert.Equal(t, "feature", bd.SuggestedStrategy)
	assert.Equal(t, ComplexityLow, bd.Complexity)

	bd = f.captain.AnalyzeTask("investigate telemetry gap", nil)
	assert.Empty(t, bd.SuggestedStrategy, "no registered plan matches")

	bd = f.captain.AnalyzeTask("critical security feature", nil)
	assert.Equal(t, ComplexityCritical, bd.Complexity)
	assert.Equal(t, complexityMinutes[ComplexityCritical], bd.EstimatedMinutes)
}

func TestSignalPriority(t *testing.T) {
	assert.Equal(t, signal.PriorityUrgent, SignalPriority(9))
	assert.Equal(t, signal.PriorityUrgent, SignalPriority(8))
	assert.Equal(t, signal.PriorityHigh, SignalPriority(5))
	assert.Equal(t, signal.PriorityNormal, SignalPriority(3))
	assert.Equal(t, signal.PriorityLow, SignalPriority(0))
	assert.Equal(t, signal.PriorityLow, SignalPriority(-2))
}

func TestParallelGroups(t *testing.T) {
	a := &workstate.WorkItem{ID: "a"}
	b := &workstate.WorkItem{ID: "b", DependsOn: []string{"a"}}
	c := &workstate.WorkItem{ID: "c", DependsOn: []string{"a"}}
	d := &workstate.WorkItem{ID: "d", DependsOn: []string{"b", "c"}}

	groups := ParallelGroups([]*workstate.WorkItem{d, c, b, a})
	require.Len(t, groups, 3)
	assert.Equal(t, []string{"a"}, groups[0])
	assert.Equal(t, []string{"b", "c"}, groups[1])
	assert.Equal(t, []string{"d"}, groups[2])
}

func TestParallelGroups_CycleOmitted(t *testing.T) {
	x := &workstate.WorkItem{ID: "x", DependsOn: []string{"y"}}
	y := &workstate.WorkItem{ID: "y", DependsOn: []string{"x"}}
	solo := &workstate.WorkItem{ID: "solo"}

	groups := ParallelGroups([]*workstate.WorkItem{x, y, solo})
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"solo"}, groups[0])
}

func TestDetectRole(t *testing.T) {
	roles := DefaultRoles

	byLabel := &workstate.WorkItem{Labels: []string{"feature", "architect"}}
	assert.Equal(t, "architect", DetectRole(byLabel, roles))

	byTitle := &workstate.WorkItem{Title: "[qa] verify the release"}
	assert.Equal(t, "qa", DetectRole(byTitle, roles))

	byAssignee := &workstate.WorkItem{Title: "untagged", AgentAssignee: "devops"}
	assert.Equal(t, "devops", DetectRole(byAssignee, roles))
}

func TestRun_IdempotentForKnownIssue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item := workstate.NewWorkItem("already tracked")
	n := 42
	item.IssueNumber = &n
	_, err := f.store.Create(ctx, item)
	require.NoError(t, err)

	result, err := f.captain.Run(ctx, Ticket{IssueNumber: 42, Title: "feature request"}, nil)
	require.NoError(t, err)

	assert.True(t, result.AlreadyExists)
	assert.Equal(t, item.ID, result.ExistingItem)
	assert.Nil(t, result.Breakdown)
}

func TestRun_GenericBreakdown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.captain.Run(ctx, Ticket{
		IssueNumber: 7,
		Title:       "telemetry gap",
		Description: "investigate missing spans",
		Priority:    6,
	}, nil)
	require.NoError(t, err)

	require.NotNil(t, result.Breakdown)
	require.Len(t, result.Breakdown.WorkItems, 3)
	assert.Len(t, result.Breakdown.ParallelGroups, 3, "three chained levels")
	assert.Len(t, result.ConvoyPlans, 3)
	assert.Equal(t, []string{"pm"}, result.ConvoyPlans[0].Roles)

	first := result.Breakdown.WorkItems[0]
	assert.Equal(t, workstate.StatusReady, first.Status)
	require.NotNil(t, first.IssueNumber)
	assert.Equal(t, 7, *first.IssueNumber)
	for _, item := range result.Breakdown.WorkItems[1:] {
		assert.Equal(t, workstate.StatusBlocked, item.Status)
	}

	// Every item was routed.
	events, err := f.router.EventLog().Tail(0)
	require.NoError(t, err)
	assert.Len(t, events, 3)
	assert.Equal(t, "routed_agent", metadataKey(t, f.store, first.ID))
}

func metadataKey(t *testing.T, st store.Store, id string) string {
	t.Helper()
	item, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	if _, ok := item.Metadata["routed_agent"]; ok {
		return "routed_agent"
	}
	if _, ok := item.Metadata["routing_blocked"]; ok {
		return "routing_blocked"
	}
	return ""
}

func TestCoordinate_RoutingBlockedGroupsUnderBlocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Open the circuit for the engineer role.
	for i := 0; i < 5; i++ {
		require.NoError(t, f.router.EventLog().Append(
			routing.NewEvent("seed", "engineer", routing.EventBlocked, "seed")))
	}
	f.router.Health().Invalidate()

	item, err := f.store.Create(ctx, workstate.NewWorkItem("[engineer] risky change"))
	require.NoError(t, err)

	cp, err := f.captain.Coordinate(ctx, []*workstate.WorkItem{item})
	require.NoError(t, err)

	assert.Empty(t, cp.Stages)
	assert.Equal(t, []string{item.ID}, cp.Blocked)
	assert.Equal(t, "routing_blocked", metadataKey(t, f.store, item.ID))
}

func TestRun_EndToEndFailingWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := worker.ExecutorFunc(func(ctx context.Context, agentType, workItemID string, taskCtx map[string]any) (*worker.Result, error) {
		item, err := f.store.Get(ctx, workItemID)
		if err != nil {
			return nil, err
		}
		if item.Title == "architecture" {
			return &worker.Result{Success: false, Error: "design review failed"}, nil
		}
		return &worker.Result{Success: true}, nil
	})

	result, err := f.captain.Run(ctx, Ticket{
		IssueNumber: 999,
		Title:       "checkout feature",
		Description: "implement the new checkout flow",
		Priority:    6,
	}, w)
	require.NoError(t, err)

	require.NotNil(t, result.Summary)
	assert.Equal(t, "failed", result.Summary.Status)
	assert.Contains(t, result.Summary.Errors, "design review failed")
	assert.NotEmpty(t, result.ExecutionID)

	// Phases beyond the failure keep their initial status.
	byTitle := make(map[string]*workstate.WorkItem)
	for _, item := range result.Breakdown.WorkItems {
		fresh, err := f.store.Get(ctx, item.ID)
		require.NoError(t, err)
		byTitle[fresh.Title] = fresh
	}
	assert.Equal(t, workstate.StatusDone, byTitle["requirements"].Status)
	assert.Equal(t, workstate.StatusFailed, byTitle["architecture"].Status)
	assert.Equal(t, workstate.StatusBlocked, byTitle["implementation"].Status)
	assert.Equal(t, workstate.StatusBlocked, byTitle["review"].Status)

	// One routing event per coordinated item.
	events, err := f.router.EventLog().Tail(0)
	require.NoError(t, err)
	assert.Len(t, events, 5)

	// The after-operation report of the failing stage names the member.
	var found bool
	for _, convoyID := range result.Summary.ConvoyIDs {
		data, err := os.ReadFile(f.captain.convoys.ReportPath(convoyID))
		if err != nil {
			continue
		}
		if bytes.Contains(data, []byte("design review failed")) {
			found = true
		}
	}
	assert.True(t, found, "report lists the failing member")
}

func TestHandleBlocker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item := workstate.NewWorkItem("stuck work")
	item.AgentAssignee = "engineer"
	created, err := f.store.Create(ctx, item)
	require.NoError(t, err)
	require.NoError(t, f.bus.EnsureMailbox(ctx, "engineer"))

	suggestions, err := f.captain.HandleBlocker(ctx, created.ID, "waiting on credentials")
	require.NoError(t, err)
	assert.NotEmpty(t, suggestions)

	fresh, err := f.store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, workstate.StatusBlocked, fresh.Status)
	assert.Equal(t, "waiting on credentials", fresh.Context["blocker"])

	inbox, err := f.bus.GetInbox(ctx, "engineer", false, nil)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Contains(t, inbox[0].Subject, "Blocker")
}

func TestRecommendNextActions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		item := workstate.NewWorkItem("ready work")
		item.Labels = []string{"engineer"}
		item.Priority = i
		_, err := f.store.Create(ctx, item)
		require.NoError(t, err)
	}
	blocked := workstate.NewWorkItem("stuck work")
	created, err := f.store.Create(ctx, blocked)
	require.NoError(t, err)
	_, err = f.captain.HandleBlocker(ctx, created.ID, "vendor outage")
	require.NoError(t, err)

	recs, err := f.captain.RecommendNextActions(ctx)
	require.NoError(t, err)

	require.Len(t, recs, 6, "five ready plus one blocked")
	assert.Contains(t, recs[0].Action, "dispatch to engineer")
	assert.Contains(t, recs[5].Action, "vendor outage")
}
