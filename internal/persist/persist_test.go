package persist

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/squad/internal/log"
)

func TestMain(m *testing.M) {
	log.InitWithWriter(&bytes.Buffer{}, 16)
	os.Exit(m.Run())
}

func TestWriteJSON_LoadJSON_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	in := map[string]int{"a": 1, "b": 2}

	require.NoError(t, WriteJSON(path, in))

	var out map[string]int
	require.NoError(t, LoadJSON(path, &out))
	assert.Equal(t, in, out)
}

func TestLoadJSON_MissingFile(t *testing.T) {
	var out map[string]int
	require.NoError(t, LoadJSON(filepath.Join(t.TempDir(), "missing.json"), &out))
	assert.Nil(t, out)
}

func TestLoadJSON_CorruptFilePreserved(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	var out map[string]int
	err := LoadJSON(path, &out)

	require.ErrorIs(t, err, ErrCorrupt)
	_, statErr := os.Stat(path + ".corrupt")
	assert.NoError(t, statErr, "corrupt file must be preserved")
	_, statErr = os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "original must be moved aside")
}

func TestWriteJSON_NoPartialDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, WriteJSON(path, map[string]string{"k": "v1"}))
	require.NoError(t, WriteJSON(path, map[string]string{"k": "v2"}))

	var out map[string]string
	require.NoError(t, LoadJSON(path, &out))
	assert.Equal(t, "v2", out["k"])

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-", "temp files must not survive")
	}
}

func TestFileLock_TxnCommitsOnlyWhenDirty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	lock := NewFileLock(path)
	commits := 0

	err := lock.Txn(context.Background(),
		func() error { return nil },
		func(markDirty func()) error { return nil },
		func() error { commits++; return nil },
	)
	require.NoError(t, err)
	assert.Equal(t, 0, commits, "clean txn must not commit")

	err = lock.Txn(context.Background(),
		func() error { return nil },
		func(markDirty func()) error { markDirty(); return nil },
		func() error { commits++; return nil },
	)
	require.NoError(t, err)
	assert.Equal(t, 1, commits)
}

func TestFileLock_TxnReloadsBeforeMutation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, WriteJSON(path, map[string]int{"n": 5}))

	lock := NewFileLock(path)
	state := map[string]int{}

	err := lock.Txn(context.Background(),
		func() error { return LoadJSON(path, &state) },
		func(markDirty func()) error {
			require.Equal(t, 5, state["n"], "txn must see latest on-disk state")
			state["n"]++
			markDirty()
			return nil
		},
		func() error { return WriteJSON(path, state) },
	)
	require.NoError(t, err)

	var out map[string]int
	require.NoError(t, LoadJSON(path, &out))
	assert.Equal(t, 6, out["n"])
}

func TestMigrateLegacy_Idempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "messages.json")
	require.NoError(t, os.WriteFile(path, []byte(`["old"]`), 0644))

	converts := 0
	convert := func(raw []byte) ([]byte, error) {
		converts++
		return []byte(`{"messages":["old"]}`), nil
	}

	require.NoError(t, MigrateLegacy(path, dir, convert))
	require.NoError(t, MigrateLegacy(path, dir, convert))

	assert.Equal(t, 1, converts, "second migration must be a no-op")
	_, err := os.Stat(path + ".bak")
	assert.NoError(t, err, "original must be kept with .bak suffix")
	_, err = os.Stat(filepath.Join(dir, MigratedSentinel))
	assert.NoError(t, err)
}

func TestMigrateLegacy_CurrentFormatOnlyWritesSentinel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "messages.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"messages":[]}`), 0644))

	require.NoError(t, MigrateLegacy(path, dir, func(raw []byte) ([]byte, error) {
		return nil, nil // already current
	}))

	_, err := os.Stat(path + ".bak")
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, MigratedSentinel))
	assert.NoError(t, err)
}
