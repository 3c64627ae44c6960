package convoy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/zjrosen/squad/internal/log"
	"github.com/zjrosen/squad/internal/worker"
	"github.com/zjrosen/squad/internal/workstate"
)

const tracerName = "github.com/zjrosen/squad/internal/convoy"

// maxThrottleSleep bounds the adaptive backoff before a member starts.
const maxThrottleSleep = 5 * time.Second

// initialParallelism resolves the concurrency limit at convoy start.
func (e *Executor) initialParallelism(opts Options) int {
	if !opts.EnableAutoTuning || e.monitor == nil {
		return opts.MaxParallel
	}
	return e.monitor.SuggestedParallelism(opts.BaselineParallel, opts.MaxParallel)
}

// throttleDelay maps current load above the thresholds to a sleep duration,
// proportional to how far past the threshold the hotter resource is.
func throttleDelay(cpuPct, memPct float64, opts Options) time.Duration {
	over := 0.0
	if opts.CPUThreshold > 0 && cpuPct > opts.CPUThreshold {
		over = (cpuPct - opts.CPUThreshold) / (100 - opts.CPUThreshold)
	}
	if opts.MemoryThreshold > 0 && memPct > opts.MemoryThreshold {
		memOver := (memPct - opts.MemoryThreshold) / (100 - opts.MemoryThreshold)
		if memOver > over {
			over = memOver
		}
	}
	if over <= 0 {
		return 0
	}
	if over > 1 {
		over = 1
	}
	return time.Duration(float64(maxThrottleSleep) * over)
}

// Execute runs the convoy to completion. Member completion order is
// undefined; the convoy status is computed only after every member
// terminates. The whole run is bounded by the convoy timeout.
func (e *Executor) Execute(ctx context.Context, id string, w worker.Executor) (*Convoy, error) {
	c, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	// Re-running a finished convoy is a no-op.
	if c.Status == StatusCompleted || c.Status == StatusCancelled {
		return c, nil
	}

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "convoy.execute", trace.WithAttributes(
		attribute.String("convoy.id", c.ID),
		attribute.String("convoy.name", c.Name),
		attribute.Int("convoy.members", len(c.Members)),
	))
	defer span.End()

	if e.monitor != nil {
		e.monitor.ResetPeaks()
	}
	parallelism := e.initialParallelism(c.Options)
	c.Status = StatusRunning
	c.Metrics.StartedAt = time.Now().UTC()
	c.Metrics.InitialParallelism = parallelism
	if err := e.save(ctx, c); err != nil {
		return nil, err
	}
	log.Info(log.CatConvoy, "convoy running",
		"convoy", c.ID, "parallelism", parallelism, "members", len(c.Members))

	execCtx := ctx
	var cancel context.CancelFunc
	if c.Options.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, c.Options.Timeout)
	} else {
		execCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	e.runMembers(execCtx, cancel, c, w, parallelism, tracer)

	timedOut := errors.Is(execCtx.Err(), context.DeadlineExceeded)
	e.finalize(ctx, c, parallelism, timedOut)

	if err := e.save(ctx, c); err != nil {
		return nil, err
	}
	if err := e.writeReport(c); err != nil {
		log.Warn(log.CatConvoy, "after-operation report not written",
			"convoy", c.ID, "reason", err.Error())
	}
	span.SetAttributes(attribute.String("convoy.status", string(c.Status)))
	log.Info(log.CatConvoy, "convoy finished", "convoy", c.ID, "status", c.Status,
		"duration", c.Metrics.Duration.String())
	return c.Clone(), nil
}

// runMembers drives every member through the semaphore.
func (e *Executor) runMembers(ctx context.Context, cancel context.CancelFunc, c *Convoy, w worker.Executor, parallelism int, tracer trace.Tracer) {
	sem := semaphore.NewWeighted(int64(parallelism))
	var wg sync.WaitGroup
	var mu sync.Mutex // guards convoy record fields during the run

	for _, m := range c.Members {
		if m.Status != MemberPending {
			continue
		}
		wg.Add(1)
		go func(m *Member) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				// Timeout or fail-fast cancel before this member started.
				return
			}
			defer sem.Release(1)

			if c.Options.EnableAutoTuning && e.monitor != nil {
				if cpuPct, memPct, err := e.monitor.Sample(); err == nil {
					if delay := throttleDelay(cpuPct, memPct, c.Options); delay > 0 {
						log.Debug(log.CatConvoy, "throttling member start",
							"convoy", c.ID, "item", m.WorkItemID, "delay", delay.String())
						select {
						case <-ctx.Done():
							return
						case <-time.After(delay):
						}
					}
				}
			}
			if ctx.Err() != nil {
				return
			}

			memberCtx, span := tracer.Start(ctx, "convoy.member", trace.WithAttributes(
				attribute.String("convoy.id", c.ID),
				attribute.String("member.role", m.AgentRole),
				attribute.String("member.item", m.WorkItemID),
			))
			defer span.End()

			failed := e.runMember(memberCtx, c, m, w, &mu)
			if failed && c.Options.StopOnFirstFailure {
				cancel()
			}
		}(m)
	}
	wg.Wait()
}

// runMember executes one member end to end. Returns true when it failed.
func (e *Executor) runMember(ctx context.Context, c *Convoy, m *Member, w worker.Executor, mu *sync.Mutex) bool {
	now := time.Now().UTC()
	mu.Lock()
	m.Status = MemberRunning
	m.StartedAt = &now
	mu.Unlock()

	fail := func(reason string) bool {
		finished := time.Now().UTC()
		mu.Lock()
		m.Status = MemberFailed
		m.Error = reason
		m.FinishedAt = &finished
		c.Errors = append(c.Errors, fmt.Sprintf("%s (%s): %s", m.WorkItemID, m.AgentRole, reason))
		mu.Unlock()

		itemCtx := map[string]any{"failure_reason": reason}
		if _, err := e.store.TransitionStatus(context.WithoutCancel(ctx), m.WorkItemID, workstate.StatusFailed, itemCtx); err != nil {
			log.Warn(log.CatConvoy, "cannot fail member item",
				"item", m.WorkItemID, "reason", err.Error())
		}
		return true
	}

	if _, err := e.store.TransitionStatus(ctx, m.WorkItemID, workstate.StatusInProgress, nil); err != nil {
		return fail(fmt.Sprintf("cannot start: %v", err))
	}

	result, err := w.Execute(ctx, m.AgentRole, m.WorkItemID, nil)
	if err != nil {
		return fail(err.Error())
	}
	if result == nil || !result.Success {
		reason := "worker reported failure"
		if result != nil && result.Error != "" {
			reason = result.Error
		}
		return fail(reason)
	}

	artifacts := result.Artifacts
	if result.FilePath != "" {
		artifacts = append(artifacts, result.FilePath)
	}
	if _, _, err := e.store.CompleteWork(context.WithoutCancel(ctx), m.WorkItemID, artifacts); err != nil {
		return fail(fmt.Sprintf("cannot complete: %v", err))
	}

	finished := time.Now().UTC()
	mu.Lock()
	m.Status = MemberCompleted
	m.Result = result
	m.FinishedAt = &finished
	mu.Unlock()
	return false
}

// finalize computes the final status and metrics after all members stop.
func (e *Executor) finalize(ctx context.Context, c *Convoy, parallelism int, timedOut bool) {
	var completed, failedCount int
	for _, m := range c.Members {
		switch m.Status {
		case MemberCompleted:
			completed++
		case MemberFailed:
			failedCount++
		}
	}

	switch {
	case timedOut:
		c.Status = StatusFailed
		c.Errors = append(c.Errors, fmt.Sprintf("convoy timed out after %s", c.Options.Timeout))
	case failedCount == 0 && completed == len(c.Members):
		c.Status = StatusCompleted
	case completed > 0 && failedCount > 0:
		c.Status = StatusPartial
	default:
		c.Status = StatusFailed
	}

	c.Metrics.FinishedAt = time.Now().UTC()
	c.Metrics.Duration = c.Metrics.FinishedAt.Sub(c.Metrics.StartedAt)
	c.Metrics.FinalParallelism = parallelism
	if e.monitor != nil {
		c.Metrics.PeakCPU, c.Metrics.PeakMemory = e.monitor.Peaks()
		if c.Options.EnableAutoTuning {
			c.Metrics.FinalParallelism = e.monitor.SuggestedParallelism(
				c.Options.BaselineParallel, c.Options.MaxParallel)
		}
	}
}

// DirectTask names one ad-hoc unit for the direct path.
type DirectTask struct {
	AgentRole  string
	WorkItemID string
}

// DirectResult summarizes a direct execution.
type DirectResult struct {
	ConvoyID  string                    `json:"convoy_id"`
	Completed int                       `json:"completed"`
	Failed    int                       `json:"failed"`
	Errors    []string                  `json:"errors,omitempty"`
	Results   map[string]*worker.Result `json:"results,omitempty"`
}

// ExecuteDirect runs ad-hoc tasks with a plain semaphore and no pre-existing
// convoy record. An after-operation report is still written.
func (e *Executor) ExecuteDirect(ctx context.Context, name string, tasks []DirectTask, maxParallel int, w worker.Executor) (*DirectResult, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("direct execution needs at least one task")
	}
	opts := Options{MaxParallel: maxParallel}
	opts.withDefaults()

	c := &Convoy{
		ID:        "convoy-" + uuid.New().String()[:8],
		Name:      name,
		Options:   opts,
		Status:    StatusRunning,
		CreatedAt: time.Now().UTC(),
	}
	for _, task := range tasks {
		c.Members = append(c.Members, &Member{
			AgentRole:  task.AgentRole,
			WorkItemID: task.WorkItemID,
			Status:     MemberPending,
		})
	}
	c.Metrics.StartedAt = time.Now().UTC()
	c.Metrics.InitialParallelism = opts.MaxParallel

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.runMembers(execCtx, cancel, c, w, opts.MaxParallel, otel.Tracer(tracerName))
	e.finalize(ctx, c, opts.MaxParallel, false)

	if err := e.writeReport(c); err != nil {
		log.Warn(log.CatConvoy, "after-operation report not written",
			"convoy", c.ID, "reason", err.Error())
	}

	result := &DirectResult{
		ConvoyID: c.ID,
		Errors:   append([]string(nil), c.Errors...),
		Results:  make(map[string]*worker.Result),
	}
	for _, m := range c.Members {
		switch m.Status {
		case MemberCompleted:
			result.Completed++
		case MemberFailed:
			result.Failed++
		}
		if m.Result != nil {
			result.Results[m.WorkItemID] = m.Result
		}
	}
	return result, nil
}
