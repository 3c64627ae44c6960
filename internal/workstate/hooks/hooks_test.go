package hooks

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/squad/internal/workstate"
)

func TestManager_RefreshLoadRemove(t *testing.T) {
	mgr := NewManager(t.TempDir())
	item := workstate.NewWorkItem("hooked")
	item.Status = workstate.StatusInProgress

	require.NoError(t, mgr.Refresh(item))

	loaded, err := mgr.Load(item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.ID, loaded.ID)
	assert.Equal(t, workstate.StatusInProgress, loaded.Status)

	require.NoError(t, mgr.Remove(item.ID))
	_, err = os.Stat(mgr.Path(item.ID))
	assert.True(t, os.IsNotExist(err))
}

func TestManager_RefreshOverwrites(t *testing.T) {
	mgr := NewManager(t.TempDir())
	item := workstate.NewWorkItem("changing")
	require.NoError(t, mgr.Refresh(item))

	item.Status = workstate.StatusDone
	require.NoError(t, mgr.Refresh(item))

	loaded, err := mgr.Load(item.ID)
	require.NoError(t, err)
	assert.Equal(t, workstate.StatusDone, loaded.Status)
}

func TestManager_LoadMissing(t *testing.T) {
	mgr := NewManager(t.TempDir())
	_, err := mgr.Load("wi-none")
	require.ErrorIs(t, err, workstate.ErrNotFound)
}

func TestManager_SnapshotPath(t *testing.T) {
	root := t.TempDir()
	mgr := NewManager(root)
	assert.Equal(t, filepath.Join(root, "wi-1", SnapshotFile), mgr.SnapshotPath("wi-1"))
}
