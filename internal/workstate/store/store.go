// Package store persists work items. Two equivalent backends are provided:
// a JSON document guarded by an advisory file lock, and an embedded SQLite
// database. Both serialize mutations per workspace, bump the item version on
// every write, and honor optimistic locking via an expected version.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/zjrosen/squad/internal/workstate"
)

// Filters narrows List results. Nil fields match everything.
type Filters struct {
	Status   *workstate.Status
	Agent    *string
	ConvoyID *string
}

// Stats summarizes the store contents.
type Stats struct {
	Total    int                         `json:"total"`
	ByStatus map[workstate.Status]int    `json:"by_status"`
	ByAgent  map[string]int              `json:"by_agent"`
	Ready    []string                    `json:"ready"`
	Blocked  []string                    `json:"blocked"`
}

// SyncHook is invoked after every successful mutation with a clone of the
// affected item. Hook failures are the hook's problem; stores never let a
// hook failure fail the mutation.
type SyncHook func(item *workstate.WorkItem)

// DeleteHook is invoked after an item is deleted.
type DeleteHook func(id string)

// Store is the work-state contract shared by both backends.
type Store interface {
	// Create persists a new item. Status is resolved to ready or blocked
	// from the dependency set when the item arrives in backlog.
	Create(ctx context.Context, item *workstate.WorkItem) (*workstate.WorkItem, error)

	// Get returns a clone of the item.
	Get(ctx context.Context, id string) (*workstate.WorkItem, error)

	// GetByIssue returns the item bound to an external ticket.
	GetByIssue(ctx context.Context, issue int) (*workstate.WorkItem, error)

	// List returns clones of items matching the filters, ordered by
	// priority descending then creation time. Listing never fails on
	// corrupt state; the store recovers and returns what it has.
	List(ctx context.Context, f Filters) ([]*workstate.WorkItem, error)

	// Update replaces the stored item. When expectedVersion is non-nil a
	// mismatch fails with ConcurrentUpdateError and nothing is written.
	// Once an item is done, any change other than an artifact append
	// fails with ErrCompletedImmutable.
	Update(ctx context.Context, item *workstate.WorkItem, expectedVersion *int64) (*workstate.WorkItem, error)

	// Delete removes the item and its hook directory.
	Delete(ctx context.Context, id string) error

	// AssignToAgent hands the item to a worker role (status hooked).
	AssignToAgent(ctx context.Context, id, agent string) (*workstate.WorkItem, error)

	// Unassign clears the assignee and returns the item to ready.
	Unassign(ctx context.Context, id string) (*workstate.WorkItem, error)

	// AddDependency records that item id depends on dependsOn, maintaining
	// both edge ends and blocking id when the dependency is not done.
	AddDependency(ctx context.Context, id, dependsOn string) error

	// AddArtifact appends a produced path. Valid on completed items.
	AddArtifact(ctx context.Context, id, path string) (*workstate.WorkItem, error)

	// TransitionStatus moves the item through the status machine.
	TransitionStatus(ctx context.Context, id string, to workstate.Status, itemCtx map[string]any) (*workstate.WorkItem, error)

	// CompleteWork marks the item done, appends artifacts, and atomically
	// promotes any dependents whose full dependency set is now done.
	// Returns the promoted ids.
	CompleteWork(ctx context.Context, id string, artifacts []string) (*workstate.WorkItem, []string, error)

	// SetConvoy stamps the item with its convoy membership.
	SetConvoy(ctx context.Context, id, convoyID string) error

	// SaveContext merges checkpoint data into the item context.
	SaveContext(ctx context.Context, id string, itemCtx map[string]any) error

	// Stats summarizes the store.
	Stats(ctx context.Context) (*Stats, error)

	// SetSyncHook installs the operational-graph sync hook.
	SetSyncHook(hook SyncHook)

	// SetDeleteHook installs the deletion hook.
	SetDeleteHook(hook DeleteHook)

	// Close releases backend resources.
	Close() error
}

// guardCompleted enforces the rule that a done item accepts no whole-item
// update beyond appending to its artifact list. The narrower mutation paths
// (AddArtifact, TransitionStatus) carry their own checks.
func guardCompleted(existing, incoming *workstate.WorkItem) error {
	if existing.Status != workstate.StatusDone {
		return nil
	}
	frozen := fmt.Errorf("%s: %w", existing.ID, workstate.ErrCompletedImmutable)

	if incoming.Status != workstate.StatusDone || len(incoming.Artifacts) < len(existing.Artifacts) {
		return frozen
	}
	for i, path := range existing.Artifacts {
		if incoming.Artifacts[i] != path {
			return frozen
		}
	}

	// With artifacts and store-managed fields normalized away, the rest of
	// the item must be unchanged. Compare serialized forms so time values
	// survive a persistence round trip.
	proposed := incoming.Clone()
	proposed.Artifacts = append([]string(nil), existing.Artifacts...)
	proposed.Version = existing.Version
	proposed.CreatedAt = existing.CreatedAt
	proposed.UpdatedAt = existing.UpdatedAt

	was, err := json.Marshal(existing)
	if err != nil {
		return fmt.Errorf("encode stored item: %w", err)
	}
	now, err := json.Marshal(proposed)
	if err != nil {
		return fmt.Errorf("encode updated item: %w", err)
	}
	if !bytes.Equal(was, now) {
		return frozen
	}
	return nil
}
