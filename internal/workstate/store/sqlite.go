package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver" // registers the sqlite3 driver
	_ "github.com/ncruces/go-sqlite3/embed"  // embeds the sqlite wasm binary

	"github.com/zjrosen/squad/internal/log"
	"github.com/zjrosen/squad/internal/workstate"
	"github.com/zjrosen/squad/internal/workstate/hooks"
)

// schemaVersion is tracked via PRAGMA user_version. Migrations run in order
// on open; each bumps the version when it commits.
const schemaVersion = 1

// migrations holds one DDL script per schema version, index 0 => version 1.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS work_items (
		id             TEXT PRIMARY KEY,
		issue_number   INTEGER UNIQUE,
		status         TEXT NOT NULL,
		agent_assignee TEXT NOT NULL DEFAULT '',
		convoy_id      TEXT NOT NULL DEFAULT '',
		priority       INTEGER NOT NULL DEFAULT 0,
		version        INTEGER NOT NULL,
		created_at     TEXT NOT NULL,
		payload        TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_work_items_status ON work_items(status);
	CREATE INDEX IF NOT EXISTS idx_work_items_agent ON work_items(agent_assignee);
	CREATE INDEX IF NOT EXISTS idx_work_items_convoy ON work_items(convoy_id);`,
}

// SQLiteStore persists work items in an embedded SQLite database (WAL mode).
// Mutations run inside a transaction serialized by a workspace-scoped mutex;
// reads use plain queries and tolerate slightly-stale data.
//
// The full item is stored as a JSON payload; the indexed columns mirror the
// fields List filters on.
type SQLiteStore struct {
	db    *sql.DB
	hooks *hooks.Manager

	mu         sync.Mutex // serializes writers
	hookMu     sync.RWMutex
	syncHook   SyncHook
	deleteHook DeleteHook
}

// NewSQLiteStore opens (or creates) the database at path and applies pending
// schema migrations.
func NewSQLiteStore(path string, hookMgr *hooks.Manager) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	s := &SQLiteStore{db: db, hooks: hookMgr}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	var current int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	for v := current; v < schemaVersion; v++ {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", v+1, err)
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", v+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("bumping schema version to %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", v+1, err)
		}
		log.Info(log.CatWorkstate, "applied schema migration", "version", v+1)
	}
	return nil
}

func scanItem(payload string) (*workstate.WorkItem, error) {
	var item workstate.WorkItem
	if err := json.Unmarshal([]byte(payload), &item); err != nil {
		return nil, fmt.Errorf("decoding work item payload: %w", err)
	}
	return &item, nil
}

func (s *SQLiteStore) loadAll(q interface {
	Query(query string, args ...any) (*sql.Rows, error)
}) (map[string]*workstate.WorkItem, error) {
	rows, err := q.Query("SELECT payload FROM work_items")
	if err != nil {
		return nil, fmt.Errorf("loading work items: %w", err)
	}
	defer rows.Close()

	items := make(map[string]*workstate.WorkItem)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning work item: %w", err)
		}
		item, err := scanItem(payload)
		if err != nil {
			log.ErrorErr(log.CatWorkstate, "skipping undecodable work item row", err)
			continue
		}
		items[item.ID] = item
	}
	return items, rows.Err()
}

func upsertItem(tx *sql.Tx, item *workstate.WorkItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encoding work item %s: %w", item.ID, err)
	}
	var issue any
	if item.IssueNumber != nil {
		issue = *item.IssueNumber
	}
	_, err = tx.Exec(`INSERT INTO work_items
		(id, issue_number, status, agent_assignee, convoy_id, priority, version, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			issue_number = excluded.issue_number,
			status = excluded.status,
			agent_assignee = excluded.agent_assignee,
			convoy_id = excluded.convoy_id,
			priority = excluded.priority,
			version = excluded.version,
			payload = excluded.payload`,
		item.ID, issue, string(item.Status), item.AgentAssignee, item.ConvoyID,
		item.Priority, item.Version, item.CreatedAt.Format("2006-01-02T15:04:05.999999999Z07:00"), string(payload))
	if err != nil {
		return fmt.Errorf("writing work item %s: %w", item.ID, err)
	}
	return nil
}

// mutate loads current state inside a transaction, applies fn, and writes
// back every changed item with its version bumped.
func (s *SQLiteStore) mutate(ctx context.Context, fn func(items map[string]*workstate.WorkItem) ([]*workstate.WorkItem, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	items, err := s.loadAll(tx)
	if err != nil {
		return err
	}
	changed, err := fn(items)
	if err != nil {
		return err
	}
	if len(changed) == 0 {
		return nil
	}
	for _, item := range changed {
		item.Version++
		if err := upsertItem(tx, item); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	for _, item := range changed {
		s.afterMutation(item)
	}
	return nil
}

func (s *SQLiteStore) afterMutation(item *workstate.WorkItem) {
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
func (s *SQLiteStore) Create(ctx context.Context, item *workstate.WorkItem) (*workstate.WorkItem, error) {
	if item.ID == "" {
		item.ID = workstate.NewID()
	}
	var created *workstate.WorkItem
	err := s.mutate(ctx, func(items map[string]*workstate.WorkItem) ([]*workstate.WorkItem, error) {
		if _, exists := items[item.ID]; exists {
			return nil, &workstate.ValidationError{Reason: "work item already exists: " + item.ID}
		}
		if item.IssueNumber != nil {
			for _, other := range items {
				if other.IssueNumber != nil && *other.IssueNumber == *item.IssueNumber {
					return nil, &workstate.ValidationError{
						Reason: fmt.Sprintf("issue %d already bound to %s", *item.IssueNumber, other.ID),
					}
				}
			}
		}
		stored := item.Clone()
		stored.Version = 0 // commit bump yields version 1
		if stored.Status == workstate.StatusBacklog || stored.Status == "" {
			stored.Status = workstate.InitialStatus(stored, items)
		}
		items[stored.ID] = stored
		created = stored
		return []*workstate.WorkItem{stored}, nil
	})
	if err != nil {
		return nil, err
	}
	return created.Clone(), nil
}

// Get returns a clone of the item.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*workstate.WorkItem, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM work_items WHERE id = ?", id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &workstate.NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("reading work item %s: %w", id, err)
	}
	return scanItem(payload)
}

// GetByIssue returns the item bound to an external ticket.
func (s *SQLiteStore) GetByIssue(ctx context.Context, issue int) (*workstate.WorkItem, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM work_items WHERE issue_number = ?", issue).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &workstate.NotFoundError{ID: fmt.Sprintf("issue-%d", issue)}
	}
	if err != nil {
		return nil, fmt.Errorf("reading work item for issue %d: %w", issue, err)
	}
	return scanItem(payload)
}

// List returns clones matching the filters, priority-descending. The
// indexed columns drive the query; ordering matches the JSON backend.
func (s *SQLiteStore) List(ctx context.Context, f Filters) ([]*workstate.WorkItem, error) {
	query := "SELECT payload FROM work_items WHERE 1=1"
	var args []any
	if f.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*f.Status))
	}
	if f.Agent != nil {
		query += " AND agent_assignee = ?"
		args = append(args, *f.Agent)
	}
	if f.ConvoyID != nil {
		query += " AND convoy_id = ?"
		args = append(args, *f.ConvoyID)
	}
	query += " ORDER BY priority DESC, created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		// Listing never fails the caller; log and return empty.
		log.ErrorErr(log.CatWorkstate, "list query failed", err)
		return nil, nil
	}
	defer rows.Close()

	var results []*workstate.WorkItem
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			log.ErrorErr(log.CatWorkstate, "list scan failed", err)
			continue
		}
		item, err := scanItem(payload)
		if err != nil {
			log.ErrorErr(log.CatWorkstate, "skipping undecodable work item row", err)
			continue
		}
		results = append(results, item)
	}
	return results, rows.Err()
}

// Update replaces the stored item, honoring optimistic locking.
func (s *SQLiteStore) Update(ctx context.Context, item *workstate.WorkItem, expectedVersion *int64) (*workstate.WorkItem, error) {
	var updated *workstate.WorkItem
	err := s.mutate(ctx, func(items map[string]*workstate.WorkItem) ([]*workstate.WorkItem, error) {
		existing, ok := items[item.ID]
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
		items[stored.ID] = stored
		updated = stored
		return []*workstate.WorkItem{stored}, nil
	})
	if err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

// Delete removes the item, its reverse-edge references, and its hook.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	var touched []*workstate.WorkItem
	err := func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // no-op after commit

		items, err := s.loadAll(tx)
		if err != nil {
			return err
		}
		item, ok := items[id]
		if !ok {
			return &workstate.NotFoundError{ID: id}
		}
		for _, depID := range item.DependsOn {
			if dep, ok := items[depID]; ok {
				dep.Blocks = removeString(dep.Blocks, id)
				dep.Touch()
				touched = append(touched, dep)
			}
		}
		for _, blockedID := range item.Blocks {
			if blocked, ok := items[blockedID]; ok {
				blocked.DependsOn = removeString(blocked.DependsOn, id)
				blocked.Touch()
				touched = append(touched, blocked)
			}
		}
		for _, t := range touched {
			t.Version++
			if err := upsertItem(tx, t); err != nil {
				return err
			}
		}
		if _, err := tx.Exec("DELETE FROM work_items WHERE id = ?", id); err != nil {
			return fmt.Errorf("deleting work item %s: %w", id, err)
		}
		return tx.Commit()
	}()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	for _, t := range touched {
		s.afterMutation(t)
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

// AssignToAgent hands the item to a worker role.
func (s *SQLiteStore) AssignToAgent(ctx context.Context, id, agent string) (*workstate.WorkItem, error) {
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
func (s *SQLiteStore) Unassign(ctx context.Context, id string) (*workstate.WorkItem, error) {
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
func (s *SQLiteStore) AddDependency(ctx context.Context, id, dependsOn string) error {
	return s.mutate(ctx, func(items map[string]*workstate.WorkItem) ([]*workstate.WorkItem, error) {
		item, ok := items[id]
		if !ok {
			return nil, &workstate.NotFoundError{ID: id}
		}
		dep, ok := items[dependsOn]
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
func (s *SQLiteStore) AddArtifact(ctx context.Context, id, path string) (*workstate.WorkItem, error) {
	return s.updateOne(ctx, id, func(item *workstate.WorkItem) error {
		item.Artifacts = append(item.Artifacts, path)
		item.Touch()
		return nil
	})
}

// TransitionStatus moves the item through the status machine.
func (s *SQLiteStore) TransitionStatus(ctx context.Context, id string, to workstate.Status, itemCtx map[string]any) (*workstate.WorkItem, error) {
	return s.updateOne(ctx, id, func(item *workstate.WorkItem) error {
		return item.Transition(to, itemCtx)
	})
}

// CompleteWork marks the item done and atomically promotes dependents.
func (s *SQLiteStore) CompleteWork(ctx context.Context, id string, artifacts []string) (*workstate.WorkItem, []string, error) {
	var completed *workstate.WorkItem
	var promoted []string
	err := s.mutate(ctx, func(items map[string]*workstate.WorkItem) ([]*workstate.WorkItem, error) {
		item, ok := items[id]
		if !ok {
			return nil, &workstate.NotFoundError{ID: id}
		}
		ids, err := workstate.Complete(item, artifacts, items)
		if err != nil {
			return nil, err
		}
		sort.Strings(ids)
		promoted = ids
		completed = item
		changed := []*workstate.WorkItem{item}
		for _, pid := range ids {
			changed = append(changed, items[pid])
		}
		return changed, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return completed.Clone(), promoted, nil
}

// SetConvoy stamps the item with its convoy membership.
func (s *SQLiteStore) SetConvoy(ctx context.Context, id, convoyID string) error {
	_, err := s.updateOne(ctx, id, func(item *workstate.WorkItem) error {
		item.ConvoyID = convoyID
		item.Touch()
		return nil
	})
	return err
}

// SaveContext merges checkpoint data into the item context.
func (s *SQLiteStore) SaveContext(ctx context.Context, id string, itemCtx map[string]any) error {
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
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	items, err := s.loadAll(s.db)
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		Total:    len(items),
		ByStatus: make(map[workstate.Status]int),
		ByAgent:  make(map[string]int),
	}
	for id, item := range items {
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
func (s *SQLiteStore) SetSyncHook(hook SyncHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.syncHook = hook
}

// SetDeleteHook installs the deletion hook.
func (s *SQLiteStore) SetDeleteHook(hook DeleteHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.deleteHook = hook
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// updateOne mutates a single item.
func (s *SQLiteStore) updateOne(ctx context.Context, id string, fn func(*workstate.WorkItem) error) (*workstate.WorkItem, error) {
	var result *workstate.WorkItem
	err := s.mutate(ctx, func(items map[string]*workstate.WorkItem) ([]*workstate.WorkItem, error) {
		item, ok := items[id]
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

var _ Store = (*SQLiteStore)(nil)
