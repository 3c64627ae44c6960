package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveSquadDir_Normalization(t *testing.T) {
	assert.Equal(t, filepath.Join("project", ".squad"), ResolveSquadDir("project"))
	assert.Equal(t, filepath.Join("project", ".squad"), ResolveSquadDir(filepath.Join("project", ".squad")))
	assert.Equal(t, ".squad", ResolveSquadDir(""))
}

func TestResolveSquadDir_FollowsRedirect(t *testing.T) {
	dir := t.TempDir()
	squadDir := filepath.Join(dir, ".squad")
	target := filepath.Join(dir, "main", ".squad")
	require.NoError(t, os.MkdirAll(squadDir, 0755))
	require.NoError(t, os.MkdirAll(target, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(squadDir, "redirect"), []byte("../main/.squad\n"), 0644))

	assert.Equal(t, target, ResolveSquadDir(dir))
}

func TestResolveSquadDir_EmptyRedirectIgnored(t *testing.T) {
	dir := t.TempDir()
	squadDir := filepath.Join(dir, ".squad")
	require.NoError(t, os.MkdirAll(squadDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(squadDir, "redirect"), []byte("  \n"), 0644))

	assert.Equal(t, squadDir, ResolveSquadDir(dir))
}
