package workstate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWorkItem_Defaults(t *testing.T) {
	item := NewWorkItem("Implement login")

	require.NotEmpty(t, item.ID)
	assert.Equal(t, StatusBacklog, item.Status)
	assert.Equal(t, int64(1), item.Version)
	assert.False(t, item.CreatedAt.IsZero())
	assert.Equal(t, item.CreatedAt, item.UpdatedAt)
}

func TestNewID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestClone_DeepCopies(t *testing.T) {
	issue := 42
	item := NewWorkItem("original")
	item.DependsOn = []string{"a"}
	item.Labels = []string{"pm"}
	item.Context = map[string]any{"key": "value"}
	item.IssueNumber = &issue

	clone := item.Clone()
	clone.DependsOn[0] = "b"
	clone.Labels[0] = "engineer"
	clone.Context["key"] = "changed"
	*clone.IssueNumber = 99

	assert.Equal(t, "a", item.DependsOn[0])
	assert.Equal(t, "pm", item.Labels[0])
	assert.Equal(t, "value", item.Context["key"])
	assert.Equal(t, 42, *item.IssueNumber)
}

func TestWorkItem_JSONRoundTrip(t *testing.T) {
	issue := 7
	item := NewWorkItem("round trip")
	item.IssueNumber = &issue
	item.DependsOn = []string{"wi-aaaa"}
	item.Blocks = []string{"wi-bbbb"}
	item.Labels = []string{"feature", "engineer"}
	item.Artifacts = []string{"src/login.go"}
	item.Metadata = map[string]any{"routed_agent": "engineer"}
	item.AppendHistory("status", "backlog", "ready", "")

	data, err := json.Marshal(item)
	require.NoError(t, err)

	var restored WorkItem
	require.NoError(t, json.Unmarshal(data, &restored))

	assert.Equal(t, item.ID, restored.ID)
	assert.Equal(t, item.DependsOn, restored.DependsOn)
	assert.Equal(t, item.Blocks, restored.Blocks)
	assert.Equal(t, item.Metadata["routed_agent"], restored.Metadata["routed_agent"])
	assert.Equal(t, 7, *restored.IssueNumber)
	assert.Len(t, restored.History, 1)
}

func TestHasLabel(t *testing.T) {
	item := NewWorkItem("labeled")
	item.Labels = []string{"pm", "strategy-step"}

	assert.True(t, item.HasLabel("pm"))
	assert.False(t, item.HasLabel("architect"))
}
