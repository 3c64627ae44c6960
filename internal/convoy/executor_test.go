package convoy

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/squad/internal/log"
	"github.com/zjrosen/squad/internal/worker"
	"github.com/zjrosen/squad/internal/workstate"
	"github.com/zjrosen/squad/internal/workstate/hooks"
	"github.com/zjrosen/squad/internal/workstate/store"
)

func TestMain(m *testing.M) {
	log.InitWithWriter(&bytes.Buffer{}, 16)
	os.Exit(m.Run())
}

type fixture struct {
	dir      string
	executor *Executor
	store    store.Store
	monitor  *ResourceMonitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewJSONStore(filepath.Join(dir, "work_items.json"), hooks.NewManager(filepath.Join(dir, "hooks")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	monitor := NewResourceMonitor(time.Second)
	monitor.SetSampleFunc(func() (float64, float64, error) { return 10, 20, nil })

	e, err := NewExecutor(dir, st, monitor)
	require.NoError(t, err)
	return &fixture{dir: dir, executor: e, store: st, monitor: monitor}
}

func (f *fixture) items(t *testing.T, n int) []MemberSpec {
	t.Helper()
	specs := make([]MemberSpec, n)
	for i := range specs {
		item, err := f.store.Create(context.Background(), workstate.NewWorkItem("task"))
		require.NoError(t, err)
		specs[i] = MemberSpec{AgentRole: "engineer", WorkItemID: item.ID}
	}
	return specs
}

// concurrencyProbe counts simultaneous running workers.
type concurrencyProbe struct {
	mu      sync.Mutex
	current int
	peak    int
}

func (p *concurrencyProbe) enter() {
	p.mu.Lock()
	p.current++
	if p.current > p.peak {
		p.peak = p.current
	}
	p.mu.Unlock()
}

func (p *concurrencyProbe) leave() {
	p.mu.Lock()
	p.current--
	p.mu.Unlock()
}

func sleepyWorker(probe *concurrencyProbe, d time.Duration) worker.Executor {
	return worker.ExecutorFunc(func(ctx context.Context, agentType, workItemID string, taskCtx map[string]any) (*worker.Result, error) {
		probe.enter()
		defer probe.leave()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
		return &worker.Result{Success: true}, nil
	})
}

func TestExecute_ParallelismBounded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.executor.Create(ctx, "load-test", f.items(t, 6), Options{
		MaxParallel:      4,
		BaselineParallel: 2,
		CPUThreshold:     80,
	})
	require.NoError(t, err)

	probe := &concurrencyProbe{}
	start := time.Now()
	done, err := f.executor.Execute(ctx, c.ID, sleepyWorker(probe, 50*time.Millisecond))
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, done.Status)
	assert.LessOrEqual(t, probe.peak, 4, "no more than max_parallel members run at once")
	assert.Less(t, time.Since(start), 6*50*time.Millisecond, "parallelism beats sequential execution")

	for _, m := range done.Members {
		assert.Equal(t, MemberCompleted, m.Status)
		item, err := f.store.Get(ctx, m.WorkItemID)
		require.NoError(t, err)
		assert.Equal(t, workstate.StatusDone, item.Status)
	}
}

func TestExecute_MaxParallelOneIsSequential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.executor.Create(ctx, "sequential", f.items(t, 3), Options{MaxParallel: 1})
	require.NoError(t, err)

	probe := &concurrencyProbe{}
	done, err := f.executor.Execute(ctx, c.ID, sleepyWorker(probe, 10*time.Millisecond))
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, 1, probe.peak)
}

func TestExecute_PartialOnMixedOutcomes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	specs := f.items(t, 3)
	c, err := f.executor.Create(ctx, "mixed", specs, Options{MaxParallel: 3})
	require.NoError(t, err)

	failID := specs[1].WorkItemID
	w := worker.ExecutorFunc(func(ctx context.Context, agentType, workItemID string, taskCtx map[string]any) (*worker.Result, error) {
		if workItemID == failID {
			return &worker.Result{Success: false, Error: "flaky test"}, nil
		}
		return &worker.Result{Success: true}, nil
	})

	done, err := f.executor.Execute(ctx, c.ID, w)
	require.NoError(t, err)

	assert.Equal(t, StatusPartial, done.Status)
	require.Len(t, done.Errors, 1)
	assert.Contains(t, done.Errors[0], "flaky test")

	item, err := f.store.Get(ctx, failID)
	require.NoError(t, err)
	assert.Equal(t, workstate.StatusFailed, item.Status)
	assert.Equal(t, "flaky test", item.Context["failure_reason"])
}

func TestExecute_StopOnFirstFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	specs := f.items(t, 4)
	c, err := f.executor.Create(ctx, "fail-fast", specs, Options{
		MaxParallel:        1,
		StopOnFirstFailure: true,
	})
	require.NoError(t, err)

	var calls atomic.Int32
	w := worker.ExecutorFunc(func(ctx context.Context, agentType, workItemID string, taskCtx map[string]any) (*worker.Result, error) {
		calls.Add(1)
		return &worker.Result{Success: false, Error: "boom"}, nil
	})

	done, err := f.executor.Execute(ctx, c.ID, w)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, done.Status)
	assert.LessOrEqual(t, calls.Load(), int32(2), "remaining members cancelled after first failure")

	var pending int
	for _, m := range done.Members {
		if m.Status == MemberPending {
			pending++
		}
	}
	assert.GreaterOrEqual(t, pending, 2, "unstarted members stay pending")
}

func TestExecute_Timeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.executor.Create(ctx, "slow", f.items(t, 2), Options{
		MaxParallel: 1,
		Timeout:     60 * time.Millisecond,
	})
	require.NoError(t, err)

	probe := &concurrencyProbe{}
	done, err := f.executor.Execute(ctx, c.ID, sleepyWorker(probe, 500*time.Millisecond))
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, done.Status)
	require.NotEmpty(t, done.Errors)
	assert.Contains(t, done.Errors[len(done.Errors)-1], "timed out")
}

func TestExecute_RerunCompletedIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.executor.Create(ctx, "once", f.items(t, 1), Options{MaxParallel: 1})
	require.NoError(t, err)

	var calls atomic.Int32
	w := worker.ExecutorFunc(func(ctx context.Context, agentType, workItemID string, taskCtx map[string]any) (*worker.Result, error) {
		calls.Add(1)
		return &worker.Result{Success: true}, nil
	})

	_, err = f.executor.Execute(ctx, c.ID, w)
	require.NoError(t, err)
	again, err := f.executor.Execute(ctx, c.ID, w)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, again.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAutoTuning_ClampsToBaselineUnderLoad(t *testing.T) {
	f := newFixture(t)
	f.monitor.SetSampleFunc(func() (float64, float64, error) { return 98, 50, nil })

	got := f.monitor.SuggestedParallelism(2, 8)
	assert.Equal(t, 2, got, "saturated host clamps to baseline")

	f.monitor.SetSampleFunc(func() (float64, float64, error) { return 0, 0, nil })
	got = f.monitor.SuggestedParallelism(2, 8)
	assert.Equal(t, 8, got, "idle host uses max")
}

func TestThrottleDelay(t *testing.T) {
	opts := Options{CPUThreshold: 80, MemoryThreshold: 85}

	assert.Zero(t, throttleDelay(50, 50, opts))
	assert.Equal(t, maxThrottleSleep, throttleDelay(100, 0, opts), "full saturation maxes the sleep")

	half := throttleDelay(90, 0, opts)
	assert.Greater(t, half, time.Duration(0))
	assert.Less(t, half, maxThrottleSleep)
}

func TestCancel_ReturnsPendingMembersToReady(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	specs := f.items(t, 2)
	c, err := f.executor.Create(ctx, "cancel-me", specs, Options{MaxParallel: 1})
	require.NoError(t, err)

	// Simulate a member claimed but not started.
	_, err = f.store.AssignToAgent(ctx, specs[0].WorkItemID, "engineer")
	require.NoError(t, err)

	cancelled, err := f.executor.Cancel(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	item, err := f.store.Get(ctx, specs[0].WorkItemID)
	require.NoError(t, err)
	assert.Equal(t, workstate.StatusReady, item.Status)

	// Cancelled convoys do not execute.
	done, err := f.executor.Execute(ctx, c.ID, sleepyWorker(&concurrencyProbe{}, time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, done.Status)
}

func TestExecute_WritesAfterOperationReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	specs := f.items(t, 2)
	c, err := f.executor.Create(ctx, "reported", specs, Options{MaxParallel: 2})
	require.NoError(t, err)

	failID := specs[0].WorkItemID
	w := worker.ExecutorFunc(func(ctx context.Context, agentType, workItemID string, taskCtx map[string]any) (*worker.Result, error) {
		if workItemID == failID {
			return &worker.Result{Success: false, Error: "broken build"}, nil
		}
		return &worker.Result{Success: true}, nil
	})

	_, err = f.executor.Execute(ctx, c.ID, w)
	require.NoError(t, err)

	data, err := os.ReadFile(f.executor.ReportPath(c.ID))
	require.NoError(t, err)
	report := string(data)
	assert.Contains(t, report, "# After-Operation Report: reported")
	assert.Contains(t, report, failID)
	assert.Contains(t, report, "broken build")
	assert.Contains(t, report, string(StatusPartial))
}

func TestExecuteDirect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	specs := f.items(t, 3)
	tasks := make([]DirectTask, len(specs))
	for i, s := range specs {
		tasks[i] = DirectTask{AgentRole: s.AgentRole, WorkItemID: s.WorkItemID}
	}
	failID := specs[2].WorkItemID

	w := worker.ExecutorFunc(func(ctx context.Context, agentType, workItemID string, taskCtx map[string]any) (*worker.Result, error) {
		if workItemID == failID {
			return &worker.Result{Success: false, Error: "no capacity"}, nil
		}
		return &worker.Result{Success: true, Output: "done"}, nil
	})

	result, err := f.executor.ExecuteDirect(ctx, "ad-hoc", tasks, 2, w)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Completed)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "no capacity")
	assert.Equal(t, "done", result.Results[specs[0].WorkItemID].Output)

	_, err = os.Stat(f.executor.ReportPath(result.ConvoyID))
	assert.NoError(t, err, "direct path also writes a report")
}

func TestConvoy_StampsWorkItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	specs := f.items(t, 2)
	c, err := f.executor.Create(ctx, "stamped", specs, Options{MaxParallel: 2})
	require.NoError(t, err)

	for _, s := range specs {
		item, err := f.store.Get(ctx, s.WorkItemID)
		require.NoError(t, err)
		assert.Equal(t, c.ID, item.ConvoyID)
	}

	convoyID := c.ID
	listed, err := f.store.List(ctx, store.Filters{ConvoyID: &convoyID})
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}
