package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/zjrosen/squad/internal/log"
	"github.com/zjrosen/squad/internal/persist"
	"github.com/zjrosen/squad/internal/workstate"
	"github.com/zjrosen/squad/internal/workstate/hooks"
)

// documentVersion is the schema version of the on-disk document. Legacy
// snapshots (a bare item map) are migrated lazily on first open.
const documentVersion = 1

// document is the single on-disk JSON state.
type document struct {
	Version int                            `json:"version"`
	Items   map[string]*workstate.WorkItem `json:"items"`
}

func emptyDocument() document {
	return document{Version: documentVersion, Items: make(map[string]*workstate.WorkItem)}
}

// JSONStore persists work items as one JSON document guarded by a
// cross-platform advisory file lock. Every mutation runs as a transaction:
// acquire lock, reload, mutate, atomically write iff dirty. Reads go to the
// on-disk document without the lock and tolerate slightly-stale data.
type JSONStore struct {
	path  string
	lock  *persist.FileLock
	hooks *hooks.Manager

	mu         sync.Mutex // serializes in-process writers
	hookMu     sync.RWMutex
	syncHook   SyncHook
	deleteHook DeleteHook
}

// NewJSONStore opens (or creates) the store at path, migrating any legacy
// snapshot it finds there.
func NewJSONStore(path string, hookMgr *hooks.Manager) (*JSONStore, error) {
	s := &JSONStore{
		path:  path,
		lock:  persist.NewFileLock(path),
		hooks: hookMgr,
	}
	if err := s.migrateLegacy(); err != nil {
		return nil, err
	}
	return s, nil
}

// migrateLegacy upgrades a pre-versioned snapshot (bare item map) to the
// current document shape. Idempotent via the sentinel file.
func (s *JSONStore) migrateLegacy() error {
	return persist.MigrateLegacy(s.path, filepath.Dir(s.path), func(raw []byte) ([]byte, error) {
		var doc document
		if err := json.Unmarshal(raw, &doc); err == nil && doc.Version > 0 {
			return nil, nil // already current
		}
		var legacy map[string]*workstate.WorkItem
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return nil, nil // unreadable; normal load path handles corruption
		}
		doc = document{Version: documentVersion, Items: legacy}
		return json.MarshalIndent(doc, "", "  ")
	})
}

// load reads the document, resetting to empty on corruption (the damaged
// file has been preserved with a .corrupt suffix by persist.LoadJSON).
func (s *JSONStore) load() document {
	doc := emptyDocument()
	if err := persist.LoadJSON(s.path, &doc); err != nil {
		if errors.Is(err, persist.ErrCorrupt) {
			return emptyDocument()
		}
		log.ErrorErr(log.CatWorkstate, "failed to load work state", err, "path", s.path)
		return emptyDocument()
	}
	if doc.Items == nil {
		doc.Items = make(map[string]*workstate.WorkItem)
	}
	return doc
}

// mutate runs fn against the freshly-reloaded document under the workspace
// lock. fn returns the items it changed (for hook refresh and graph sync)
// or an error to abort without writing.
func (s *JSONStore) mutate(ctx context.Context, fn func(doc *document) ([]*workstate.WorkItem, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc document
	var changed []*workstate.WorkItem
	err := s.lock.Txn(ctx,
		func() error {
			doc = s.load()
			return nil
		},
		func(markDirty func()) error {
			var err error
			changed, err = fn(&doc)
			if err != nil {
				return err
			}
			if len(changed) > 0 {
				for _, item := range changed {
					item.Version++
				}
				markDirty()
			}
			return nil
		},
		func() error {
			return persist.WriteJSON(s.path, doc)
		},
	)
	if err != nil {
		return err
	}
	for _, item := range changed {
		s.afterMutation(item)
	}
	return nil
}

// afterMutation refreshes the item hook and runs the graph sync hook.
// Neither failure propagates to the caller.
func (s *JSONStore) afterMutation(item *workstate.WorkItem) {
	if s.hooks != nil {
		if err := s.hooks.Refresh(item); err != nil {
			log.ErrorErr(log.CatWorkstate, "hook refresh failed", err, "item", item.ID)
		}
	}
	s.hookMu.RLock()
	hook := s.syncHook
	s.hookMu.RUnlock()
	if hook != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error(log.CatGraph, "graph sync hook panicked", "item", item.ID, "panic", r)
				}
			}()
			hook(item.Clone())
		}()
	}
}

// Create persists a new item.
func (s *JSONStore) Create(ctx context.Context, item *workstate.WorkItem) (*workstate.WorkItem, error) {
	if item.ID == "" {
		item.ID = workstate.NewID()
	}
	var created *workstate.WorkItem
	err := s.mutate(ctx, func(doc *document) ([]*workstate.WorkItem, error) {
		if _, exists := doc.Items[item.ID]; exists {
			return nil, &workstate.ValidationError{Reason: "work item already exists: " + item.ID}
		}
		if item.IssueNumber != nil {
			for _, other := range doc.Items {
				if other.IssueNumber != nil && *other.IssueNumber == *item.IssueNumber {
					return nil, &workstate.ValidationError{
						Reason: fmt.Sprintf("issue %d already bound to %s", *item.IssueNumber, other.ID),
					}
				}
			}
		}
		stored := item.Clone()
		stored.Version = 0 // the commit bump below yields version 1
		if stored.Status == workstate.StatusBacklog || stored.Status == "" {
			stored.Status = workstate.InitialStatus(stored, doc.Items)
		}
		doc.Items[stored.ID] = stored
		created = stored
		return []*workstate.WorkItem{stored}, nil
	})
	if err != nil {
		return nil, err
	}
	return created.Clone(), nil
}

// Get returns a clone of the item.
func (s *JSONStore) Get(_ context.Context, id string) (*workstate.WorkItem, error) {
	doc := s.load()
	item, ok := doc.Items[id]
	if !ok {
		return nil, &workstate.NotFoundError{ID: id}
	}
	return item.Clone(), nil
}

// GetByIssue returns the item bound to an external ticket.
func (s *JSONStore) GetByIssue(_ context.Context, issue int) (*workstate.WorkItem, error) {
	doc := s.load()
	for _, item := range doc.Items {
		if item.IssueNumber != nil && *item.IssueNumber == issue {
			return item.Clone(), nil
		}
	}
	return nil, &workstate.NotFoundError{ID: fmt.Sprintf("issue-%d", issue)}
}

// List returns clones matching the filters, priority-descending.
func (s *JSONStore) List(_ context.Context, f Filters) ([]*workstate.WorkItem, error) {
	doc := s.load()
	var results []*workstate.WorkItem
	for _, item := range doc.Items {
		if f.Status != nil && item.Status != *f.Status {
			continue
		}
		if f.Agent != nil && item.AgentAssignee != *f.Agent {
			continue
		}
		if f.ConvoyID != nil && item.ConvoyID != *f.ConvoyID {
			continue
		}
		results = append(results, item.Clone())
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Priority != results[j].Priority {
			return results[i].Priority > results[j].Priority
		}
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	return results, nil
}

// Update replaces the stored item, honoring optimistic locking.
func (s *JSONStore) Update(ctx context.Context, item *workstate.WorkItem, expectedVersion *int64) (*workstate.WorkItem, error) {
	var updated *workstate.WorkItem
	err := s.mutate(ctx, func(doc *document) ([]*workstate.WorkItem, error) {
		existing, ok := doc.Items[item.ID]
		if !ok {
			return nil, &workstate.NotFoundError{ID: item.ID}
		}
		if expectedVersion != nil && existing.Version != *expectedVersion {
			return nil, &workstate.ConcurrentUpdateError{
				ItemID:   item.ID,
				Expected: *expectedVersion,
				Actual:   existing.Version,
			}
		}
		if err := guardCompleted(existing, item); err != nil {
			return nil, err
		}
		stored := item.Clone()
		stored.Version = existing.Version
		stored.CreatedAt = existing.CreatedAt
		stored.Touch()
		doc.Items[stored.ID] = stored
		updated = stored
		return []*workstate.WorkItem{stored}, nil
	})
	if err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

// Delete removes the item, its reverse-edge references, and its hook.
func (s *JSONStore) Delete(ctx context.Context, id string) error {
	err := s.mutate(ctx, func(doc *document) ([]*workstate.WorkItem, error) {
		item, ok := doc.Items[id]
		if !ok {
			return nil, &workstate.NotFoundError{ID: id}
		}
		var touched []*workstate.WorkItem
		for _, depID := range item.DependsOn {
			if dep, ok := doc.Items[depID]; ok {
				dep.Blocks = removeString(dep.Blocks, id)
				dep.Touch()
				touched = append(touched, dep)
			}
		}
		for _, blockedID := range item.Blocks {
			if blocked, ok := doc.Items[blockedID]; ok {
				blocked.DependsOn = removeString(blocked.DependsOn, id)
				blocked.Touch()
				touched = append(touched, blocked)
			}
		}
		delete(doc.Items, id)
		return touched, nil
	})
	if err != nil {
		return err
	}
	if s.hooks != nil {
		if rmErr := s.hooks.Remove(id); rmErr != nil {
			log.ErrorErr(log.CatWorkstate, "hook removal failed", rmErr, "item", id)
		}
	}
	s.hookMu.RLock()
	hook := s.deleteHook
	s.hookMu.RUnlock()
	if hook != nil {
		hook(id)
	}
	return nil
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// AssignToAgent hands the item to a worker role.
func (s *JSONStore) AssignToAgent(ctx context.Context, id, agent string) (*workstate.WorkItem, error) {
	return s.updateOne(ctx, id, func(item *workstate.WorkItem) error {
		from := item.AgentAssignee
		item.AgentAssignee = agent
		item.AppendHistory("agent_assignee", from, agent, agent)
		if item.Status == workstate.StatusReady {
			return item.Transition(workstate.StatusHooked, nil)
		}
		return nil
	})
}

// Unassign clears the assignee.
func (s *JSONStore) Unassign(ctx context.Context, id string) (*workstate.WorkItem, error) {
	return s.updateOne(ctx, id, func(item *workstate.WorkItem) error {
		from := item.AgentAssignee
		item.AgentAssignee = ""
		item.AppendHistory("agent_assignee", from, "", "")
		if item.Status == workstate.StatusHooked {
			return item.Transition(workstate.StatusReady, nil)
		}
		return nil
	})
}

// AddDependency links id -> dependsOn, blocking id when needed.
func (s *JSONStore) AddDependency(ctx context.Context, id, dependsOn string) error {
	return s.mutate(ctx, func(doc *document) ([]*workstate.WorkItem, error) {
		item, ok := doc.Items[id]
		if !ok {
			return nil, &workstate.NotFoundError{ID: id}
		}
		dep, ok := doc.Items[dependsOn]
		if !ok {
			return nil, &workstate.NotFoundError{ID: dependsOn}
		}
		if err := workstate.LinkDependency(item, dep); err != nil {
			return nil, err
		}
		return []*workstate.WorkItem{item, dep}, nil
	})
}

// AddArtifact appends a produced path. Allowed on done items.
func (s *JSONStore) AddArtifact(ctx context.Context, id, path string) (*workstate.WorkItem, error) {
	return s.updateOne(ctx, id, func(item *workstate.WorkItem) error {
		item.Artifacts = append(item.Artifacts, path)
		item.Touch()
		return nil
	})
}

// TransitionStatus moves the item through the status machine.
func (s *JSONStore) TransitionStatus(ctx context.Context, id string, to workstate.Status, itemCtx map[string]any) (*workstate.WorkItem, error) {
	return s.updateOne(ctx, id, func(item *workstate.WorkItem) error {
		return item.Transition(to, itemCtx)
	})
}

// CompleteWork marks the item done and atomically promotes dependents.
func (s *JSONStore) CompleteWork(ctx context.Context, id string, artifacts []string) (*workstate.WorkItem, []string, error) {
	var completed *workstate.WorkItem
	var promoted []string
	err := s.mutate(ctx, func(doc *document) ([]*workstate.WorkItem, error) {
		item, ok := doc.Items[id]
		if !ok {
			return nil, &workstate.NotFoundError{ID: id}
		}
		ids, err := workstate.Complete(item, artifacts, doc.Items)
		if err != nil {
			return nil, err
		}
		sort.Strings(ids)
		promoted = ids
		completed = item
		changed := []*workstate.WorkItem{item}
		for _, pid := range ids {
			changed = append(changed, doc.Items[pid])
		}
		return changed, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return completed.Clone(), promoted, nil
}

// SetConvoy stamps the item with its convoy membership.
func (s *JSONStore) SetConvoy(ctx context.Context, id, convoyID string) error {
	_, err := s.updateOne(ctx, id, func(item *workstate.WorkItem) error {
		item.ConvoyID = convoyID
		item.Touch()
		return nil
	})
	return err
}

// SaveContext merges checkpoint data into the item context.
func (s *JSONStore) SaveContext(ctx context.Context, id string, itemCtx map[string]any) error {
	_, err := s.updateOne(ctx, id, func(item *workstate.WorkItem) error {
		if item.Context == nil {
			item.Context = make(map[string]any, len(itemCtx))
		}
		for k, v := range itemCtx {
			item.Context[k] = v
		}
		item.Touch()
		return nil
	})
	return err
}

// Stats summarizes the store.
func (s *JSONStore) Stats(_ context.Context) (*Stats, error) {
	doc := s.load()
	stats := &Stats{
		Total:    len(doc.Items),
		ByStatus: make(map[workstate.Status]int),
		ByAgent:  make(map[string]int),
	}
	for id, item := range doc.Items {
		stats.ByStatus[item.Status]++
		if item.AgentAssignee != "" {
			stats.ByAgent[item.AgentAssignee]++
		}
		switch item.Status {
		case workstate.StatusReady:
			stats.Ready = append(stats.Ready, id)
		case workstate.StatusBlocked:
			stats.Blocked = append(stats.Blocked, id)
		}
	}
	sort.Strings(stats.Ready)
	sort.Strings(stats.Blocked)
	return stats, nil
}

// SetSyncHook installs the operational-graph sync hook.
func (s *JSONStore) SetSyncHook(hook SyncHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.syncHook = hook
}

// SetDeleteHook installs the deletion hook.
func (s *JSONStore) SetDeleteHook(hook DeleteHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.deleteHook = hook
}

// Close is a no-op for the JSON backend.
func (s *JSONStore) Close() error { return nil }

// updateOne mutates a single item under the workspace lock.
func (s *JSONStore) updateOne(ctx context.Context, id string, fn func(*workstate.WorkItem) error) (*workstate.WorkItem, error) {
	var result *workstate.WorkItem
	err := s.mutate(ctx, func(doc *document) ([]*workstate.WorkItem, error) {
		item, ok := doc.Items[id]
		if !ok {
			return nil, &workstate.NotFoundError{ID: id}
		}
		if err := fn(item); err != nil {
			return nil, err
		}
		result = item
		return []*workstate.WorkItem{item}, nil
	})
	if err != nil {
		return nil, err
	}
	return result.Clone(), nil
}

var _ Store = (*JSONStore)(nil)
