// Package hooks maintains the per-work-item on-disk directories. Each hook
// holds a JSON snapshot of the item, refreshed on every mutation, plus an
// optional working-tree checkout managed by the caller.
package hooks

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/zjrosen/squad/internal/persist"
	"github.com/zjrosen/squad/internal/workstate"
)

// SnapshotFile is the filename of the item snapshot inside a hook directory.
const SnapshotFile = "work_item.json"

// Manager creates, refreshes, and removes hook directories under root.
type Manager struct {
	root string
}

// NewManager returns a manager rooted at dir (typically <workspace>/.squad/hooks).
func NewManager(dir string) *Manager {
	return &Manager{root: dir}
}

// Path returns the hook directory for a work item.
func (m *Manager) Path(id string) string {
	return filepath.Join(m.root, id)
}

// SnapshotPath returns the path of the item snapshot file.
func (m *Manager) SnapshotPath(id string) string {
	return filepath.Join(m.Path(id), SnapshotFile)
}

// Refresh writes the current item snapshot, creating the hook directory on
// first use.
func (m *Manager) Refresh(item *workstate.WorkItem) error {
	dir := m.Path(item.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating hook dir %s: %w", dir, err)
	}
	return persist.WriteJSON(filepath.Join(dir, SnapshotFile), item)
}

// Load reads the snapshot back. Used for crash recovery inspection.
func (m *Manager) Load(id string) (*workstate.WorkItem, error) {
	var item workstate.WorkItem
	if err := persist.LoadJSON(m.SnapshotPath(id), &item); err != nil {
		return nil, err
	}
	if item.ID == "" {
		return nil, &workstate.NotFoundError{ID: id}
	}
	return &item, nil
}

// Remove deletes the hook directory and everything in it.
func (m *Manager) Remove(id string) error {
	return os.RemoveAll(m.Path(id))
}
