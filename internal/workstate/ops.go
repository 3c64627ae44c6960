package workstate

// Dependency and promotion semantics shared by every store backend. These
// functions mutate items in memory; the calling backend is responsible for
// persisting the result atomically.

// LinkDependency appends dep.ID to item.DependsOn and item.ID to dep.Blocks,
// keeping both ends of the edge consistent. If the dependency is not done the
// item is transitioned to blocked. Adding an existing edge is a no-op.
//
// Cycles are not rejected here; the operational-graph layer detects them
// out-of-band. An item inside a cycle can never become ready.
func LinkDependency(item, dep *WorkItem) error {
	if item.ID == dep.ID {
		return &ValidationError{Reason: "work item cannot depend on itself: " + item.ID}
	}
	if item.DependsOnID(dep.ID) {
		return nil
	}
	item.DependsOn = append(item.DependsOn, dep.ID)
	dep.Blocks = append(dep.Blocks, item.ID)
	item.AppendHistory("depends_on", "", dep.ID, "")
	dep.Touch()

	if dep.Status != StatusDone && item.Status != StatusBlocked && !item.Status.Terminal() {
		return item.Transition(StatusBlocked, nil)
	}
	return nil
}

// DepsSatisfied reports whether every dependency of item exists in items and
// is done.
func DepsSatisfied(item *WorkItem, items map[string]*WorkItem) bool {
	for _, depID := range item.DependsOn {
		dep, ok := items[depID]
		if !ok || dep.Status != StatusDone {
			return false
		}
	}
	return true
}

// PromoteUnblocked re-evaluates every blocked item after a completion and
// transitions those whose full dependency set is now done to ready. Returns
// the ids promoted, in deterministic (map-iteration-independent) order only
// when the caller sorts; callers that care about order sort the result.
func PromoteUnblocked(items map[string]*WorkItem) []string {
	var promoted []string
	for id, item := range items {
		if item.Status != StatusBlocked {
			continue
		}
		if !DepsSatisfied(item, items) {
			continue
		}
		if err := item.Transition(StatusReady, nil); err != nil {
			continue
		}
		promoted = append(promoted, id)
	}
	return promoted
}

// Complete marks an item done, appends any new artifacts, and promotes its
// newly-unblocked dependents. Returns the promoted ids.
func Complete(item *WorkItem, artifacts []string, items map[string]*WorkItem) ([]string, error) {
	if item.Status == StatusDone {
		// Idempotent: re-completing only appends artifacts.
		item.Artifacts = append(item.Artifacts, artifacts...)
		return nil, nil
	}
	if !CanTransition(item.Status, StatusDone) {
		// Items completed directly from ready/backlog skip the worker loop
		// (e.g. manual completion); route through in_progress.
		if err := item.Transition(StatusInProgress, nil); err != nil {
			return nil, err
		}
	}
	item.Artifacts = append(item.Artifacts, artifacts...)
	if err := item.Transition(StatusDone, nil); err != nil {
		return nil, err
	}
	return PromoteUnblocked(items), nil
}

// InitialStatus decides ready vs blocked for a newly created item based on
// its dependency set.
func InitialStatus(item *WorkItem, items map[string]*WorkItem) Status {
	if len(item.DependsOn) == 0 || DepsSatisfied(item, items) {
		return StatusReady
	}
	return StatusBlocked
}
