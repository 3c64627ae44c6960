package plan

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/squad/internal/log"
	"github.com/zjrosen/squad/internal/worker"
	"github.com/zjrosen/squad/internal/workstate"
	"github.com/zjrosen/squad/internal/workstate/store"
)

// StrategyStepLabel marks work items created from a battle-plan phase.
const StrategyStepLabel = "strategy-step"

// ExecutionStatus is the lifecycle of one plan instantiation.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// StepStatus is the lifecycle of one phase within an execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Step binds a plan phase to its work item within one execution.
type Step struct {
	Phase      Phase      `json:"phase"`
	DependsOn  []string   `json:"depends_on"`
	WorkItemID string     `json:"work_item_id"`
	Status     StepStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
}

// Execution is one running instance of a plan.
type Execution struct {
	ID          string            `json:"id"`
	PlanName    string            `json:"plan_name"`
	IssueNumber int               `json:"issue_number"`
	Status      ExecutionStatus   `json:"status"`
	Variables   map[string]string `json:"variables,omitempty"`
	Steps       []*Step           `json:"steps"`
	Errors      []string          `json:"errors,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func (e *Execution) step(phase string) (*Step, bool) {
	for _, s := range e.Steps {
		if s.Phase.Name == phase {
			return s, true
		}
	}
	return nil, false
}

// WorkItemIDs returns the item ids in phase order.
func (e *Execution) WorkItemIDs() []string {
	ids := make([]string, len(e.Steps))
	for i, s := range e.Steps {
		ids[i] = s.WorkItemID
	}
	return ids
}

// Engine instantiates plans as work items and drives their execution.
// Executions live for the engine's lifetime; durable state is the work items
// themselves.
type Engine struct {
	lib   *Library
	store store.Store

	mu         sync.RWMutex
	executions map[string]*Execution
}

// NewEngine builds an engine over the plan library and work-state store.
func NewEngine(lib *Library, st store.Store) *Engine {
	return &Engine{lib: lib, store: st, executions: make(map[string]*Execution)}
}

// ErrPlanNotFound wraps unknown plan names.
var ErrPlanNotFound = fmt.Errorf("plan not found")

// StartExecution creates one work item per phase of the named plan, installs
// the dependency edges of the phase graph, and returns the running execution.
// Call-site variables override plan variables in phase names, actions, and
// inputs.
func (eng *Engine) StartExecution(ctx context.Context, planName string, issueNumber int, variables map[string]string) (*Execution, error) {
	p, ok := eng.lib.Get(planName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, planName)
	}

	vars := make(map[string]string, len(p.Variables)+len(variables))
	for k, v := range p.Variables {
		vars[k] = v
	}
	for k, v := range variables {
		vars[k] = v
	}

	exec := &Execution{
		ID:          "exec-" + uuid.New().String()[:8],
		PlanName:    p.Name,
		IssueNumber: issueNumber,
		Status:      ExecutionRunning,
		Variables:   vars,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}

	idByPhase := make(map[string]string, len(p.Phases))
	for i := range p.Phases {
		ph := p.Phases[i]
		item := workstate.NewWorkItem(Substitute(ph.Name, vars))
		item.Description = Substitute(ph.Action, vars)
		item.AgentAssignee = ph.Agent
		item.Labels = append([]string{p.Name, ph.Agent, StrategyStepLabel}, p.Labels...)
		item.Metadata = map[string]any{}
		item.Metadata["plan_execution_id"] = exec.ID
		item.Metadata["phase"] = ph.Name
		item.Metadata["continue_on_error"] = ph.ContinueOnError
		if issueNumber > 0 {
			item.Metadata["issue_number"] = issueNumber
			// Only the root item binds the ticket; issue numbers are
			// unique per item in the store.
			if i == 0 {
				n := issueNumber
				item.IssueNumber = &n
			}
		}

		created, err := eng.store.Create(ctx, item)
		if err != nil {
			return nil, fmt.Errorf("create phase item %s: %w", ph.Name, err)
		}
		idByPhase[ph.Name] = created.ID
		exec.Steps = append(exec.Steps, &Step{
			Phase:      ph,
			DependsOn:  p.Dependencies(i),
			WorkItemID: created.ID,
			Status:     StepPending,
		})
	}

	for _, s := range exec.Steps {
		for _, dep := range s.DependsOn {
			if err := eng.store.AddDependency(ctx, s.WorkItemID, idByPhase[dep]); err != nil {
				return nil, fmt.Errorf("link phase %s: %w", s.Phase.Name, err)
			}
		}
	}

	eng.mu.Lock()
	eng.executions[exec.ID] = exec
	eng.mu.Unlock()

	log.Info(log.CatPlan, "execution started",
		"execution", exec.ID, "plan", p.Name, "issue", issueNumber, "phases", len(exec.Steps))
	return exec, nil
}

// Get returns the execution by id.
func (eng *Engine) Get(id string) (*Execution, bool) {
	eng.mu.RLock()
	defer eng.mu.RUnlock()
	e, ok := eng.executions[id]
	return e, ok
}

// ErrExecutionNotFound wraps unknown execution ids.
var ErrExecutionNotFound = fmt.Errorf("execution not found")

// NextSteps returns the pending steps whose work items are ready, in phase
// order.
func (eng *Engine) NextSteps(ctx context.Context, executionID string) ([]*Step, error) {
	exec, ok := eng.Get(executionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}

	var ready []*Step
	for _, s := range exec.Steps {
		if s.Status != StepPending {
			continue
		}
		item, err := eng.store.Get(ctx, s.WorkItemID)
		if err != nil {
			return nil, err
		}
		if item.Status == workstate.StatusReady {
			ready = append(ready, s)
		}
	}
	return ready, nil
}

// CompleteStep completes the phase's work item, promoting unblocked
// dependents in the same transaction.
func (eng *Engine) CompleteStep(ctx context.Context, executionID, phaseName string, artifacts []string) error {
	exec, ok := eng.Get(executionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	s, ok := exec.step(phaseName)
	if !ok {
		return fmt.Errorf("execution %s has no phase %s", executionID, phaseName)
	}

	if _, _, err := eng.store.CompleteWork(ctx, s.WorkItemID, artifacts); err != nil {
		return fmt.Errorf("complete step %s: %w", phaseName, err)
	}

	eng.mu.Lock()
	s.Status = StepCompleted
	exec.UpdatedAt = time.Now().UTC()
	eng.mu.Unlock()
	return nil
}

// FailStep fails the phase's work item and records the error on the
// execution.
func (eng *Engine) FailStep(ctx context.Context, executionID, phaseName, reason string) error {
	exec, ok := eng.Get(executionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	s, ok := exec.step(phaseName)
	if !ok {
		return fmt.Errorf("execution %s has no phase %s", executionID, phaseName)
	}

	itemCtx := map[string]any{"failure_reason": reason}
	if _, err := eng.store.TransitionStatus(ctx, s.WorkItemID, workstate.StatusFailed, itemCtx); err != nil {
		return fmt.Errorf("fail step %s: %w", phaseName, err)
	}

	eng.mu.Lock()
	s.Status = StepFailed
	s.Error = reason
	exec.Errors = append(exec.Errors, fmt.Sprintf("%s: %s", phaseName, reason))
	exec.UpdatedAt = time.Now().UTC()
	eng.mu.Unlock()
	return nil
}

// runStep transitions the item in progress, invokes the worker with the
// phase timeout, and routes the outcome to CompleteStep or FailStep. The
// returned bool reports whether execution may continue.
func (eng *Engine) runStep(ctx context.Context, exec *Execution, s *Step, w worker.Executor) (bool, error) {
	eng.mu.Lock()
	s.Status = StepRunning
	eng.mu.Unlock()

	if _, err := eng.store.TransitionStatus(ctx, s.WorkItemID, workstate.StatusInProgress, nil); err != nil {
		return false, err
	}

	stepCtx := ctx
	if s.Phase.TimeoutMinutes > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, time.Duration(s.Phase.TimeoutMinutes)*time.Minute)
		defer cancel()
	}

	taskCtx := map[string]any{
		"action":       Substitute(s.Phase.Action, exec.Variables),
		"phase":        s.Phase.Name,
		"plan":         exec.PlanName,
		"issue_number": exec.IssueNumber,
	}
	for k, v := range s.Phase.Inputs {
		taskCtx[k] = Substitute(v, exec.Variables)
	}

	result, err := w.Execute(stepCtx, s.Phase.Agent, s.WorkItemID, taskCtx)
	switch {
	case err != nil:
		if ferr := eng.FailStep(ctx, exec.ID, s.Phase.Name, err.Error()); ferr != nil {
			return false, ferr
		}
	case result == nil || !result.Success:
		reason := "worker reported failure"
		if result != nil && result.Error != "" {
			reason = result.Error
		}
		if ferr := eng.FailStep(ctx, exec.ID, s.Phase.Name, reason); ferr != nil {
			return false, ferr
		}
	default:
		artifacts := result.Artifacts
		if result.FilePath != "" {
			artifacts = append(artifacts, result.FilePath)
		}
		if cerr := eng.CompleteStep(ctx, exec.ID, s.Phase.Name, artifacts); cerr != nil {
			return false, cerr
		}
		return true, nil
	}

	if !s.Phase.ContinueOnError {
		return false, nil
	}
	eng.promoteFailureBranches(ctx, exec, s.Phase.Name)
	return true, nil
}

// promoteFailureBranches readies on_failure phases that depend on the failed
// phase so the recovery branch can run.
func (eng *Engine) promoteFailureBranches(ctx context.Context, exec *Execution, failedPhase string) {
	for _, s := range exec.Steps {
		if s.Status != StepPending || s.Phase.Condition != ConditionOnFailure {
			continue
		}
		depends := false
		for _, dep := range s.DependsOn {
			if dep == failedPhase {
				depends = true
				break
			}
		}
		if !depends {
			continue
		}
		if _, err := eng.store.TransitionStatus(ctx, s.WorkItemID, workstate.StatusReady, nil); err != nil {
			log.ErrorErr(log.CatPlan, "cannot ready failure branch", err, "phase", s.Phase.Name)
		}
	}
}

// ExecuteStrategy drives the execution to termination against the supplied
// worker. Ready phases run in plan order; manual phases and condition
// mismatches are skipped; a failure on a phase without continue_on_error
// aborts the execution as failed.
func (eng *Engine) ExecuteStrategy(ctx context.Context, executionID string, w worker.Executor) (*Execution, error) {
	exec, ok := eng.Get(executionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}

	for {
		if err := ctx.Err(); err != nil {
			return exec, err
		}
		ready, err := eng.NextSteps(ctx, executionID)
		if err != nil {
			return exec, err
		}
		// On-failure branches surface as ready only after a failure; in the
		// happy path they sit pending forever, so treat a round with only
		// unrunnable steps as terminal.
		progressed := false
		aborted := false

		sort.SliceStable(ready, func(i, j int) bool {
			return stepIndex(exec, ready[i]) < stepIndex(exec, ready[j])
		})

		for _, s := range ready {
			switch s.Phase.Condition {
			case ConditionManual:
				log.Info(log.CatPlan, "manual phase awaits operator", "phase", s.Phase.Name)
				continue
			case ConditionOnFailure:
				if !eng.anyDepFailed(exec, s) {
					eng.mu.Lock()
					s.Status = StepSkipped
					eng.mu.Unlock()
					progressed = true
					continue
				}
			}

			cont, err := eng.runStep(ctx, exec, s, w)
			if err != nil {
				return exec, err
			}
			progressed = true
			if !cont {
				aborted = true
				break
			}
		}

		if aborted {
			eng.mu.Lock()
			exec.Status = ExecutionFailed
			exec.UpdatedAt = time.Now().UTC()
			eng.mu.Unlock()
			break
		}
		if !progressed {
			break
		}
	}

	// Close out steps that can no longer run so the execution can
	// terminate: recovery branches whose dependencies all succeeded, and
	// (when the execution was not aborted) steps downstream of a failed or
	// skipped phase. Aborted executions leave downstream steps untouched.
	eng.mu.Lock()
	if exec.Status == ExecutionRunning {
		for changed := true; changed; {
			changed = false
			for _, s := range exec.Steps {
				if s.Status != StepPending || s.Phase.Condition == ConditionManual {
					continue
				}
				unreachable := false
				allDone := len(s.DependsOn) > 0
				for _, dep := range s.DependsOn {
					ds, ok := exec.step(dep)
					if !ok {
						continue
					}
					if ds.Status == StepFailed || ds.Status == StepSkipped {
						unreachable = true
					}
					if ds.Status != StepCompleted {
						allDone = false
					}
				}
				if unreachable || (s.Phase.Condition == ConditionOnFailure && allDone) {
					s.Status = StepSkipped
					changed = true
				}
			}
		}
	}
	eng.mu.Unlock()

	eng.mu.Lock()
	if exec.Status == ExecutionRunning && exec.terminal() {
		if exec.failed() {
			exec.Status = ExecutionFailed
		} else {
			exec.Status = ExecutionCompleted
		}
		exec.UpdatedAt = time.Now().UTC()
	}
	status := exec.Status
	eng.mu.Unlock()

	log.Info(log.CatPlan, "execution finished", "execution", exec.ID, "status", status)
	return exec, nil
}

func stepIndex(exec *Execution, s *Step) int {
	for i, other := range exec.Steps {
		if other == s {
			return i
		}
	}
	return len(exec.Steps)
}

func (eng *Engine) anyDepFailed(exec *Execution, s *Step) bool {
	for _, dep := range s.DependsOn {
		if ds, ok := exec.step(dep); ok && ds.Status == StepFailed {
			return true
		}
	}
	return false
}

// terminal reports whether no step can still make progress.
func (e *Execution) terminal() bool {
	for _, s := range e.Steps {
		if s.Status == StepPending || s.Status == StepRunning {
			return false
		}
	}
	return true
}

func (e *Execution) failed() bool {
	for _, s := range e.Steps {
		if s.Status == StepFailed {
			return true
		}
	}
	return false
}
