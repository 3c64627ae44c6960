package plan

import (
	"bytes"
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

func writePlan(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

const featurePlan = `
name: feature
description: standard feature workflow
version: "1"
phases:
  - name: requirements
    agent: pm
    action: gather requirements for {{topic}}
    depends_on: []
  - name: architecture
    agent: architect
    action: design the system
    depends_on: [requirements]
  - name: ux_design
    agent: designer
    action: design the flows
    parallel_with: [architecture]
  - name: implementation
    agent: engineer
    action: build it
    depends_on: [architecture, ux_design]
  - name: review
    agent: reviewer
    action: review the change
    depends_on: [implementation]
variables:
  topic: checkout
`

func TestLibrary_LoadsAndOverrides(t *testing.T) {
	system := t.TempDir()
	workspace := t.TempDir()

	writePlan(t, system, "feature.yaml", featurePlan)
	writePlan(t, system, "hotfix.yml", "name: hotfix\nphases:\n  - name: patch\n    agent: engineer\n    action: patch it\n")
	writePlan(t, workspace, "feature.yaml", "name: feature\ndescription: local override\nphases:\n  - name: just-do-it\n    agent: engineer\n    action: ship\n")

	lib, err := NewLibrary(system, workspace)
	require.NoError(t, err)

	assert.Equal(t, []string{"feature", "hotfix"}, lib.Names())

	p, ok := lib.Get("feature")
	require.True(t, ok)
	assert.Equal(t, "local override", p.Description, "workspace plan wins")
	assert.Len(t, p.Phases, 1)
}

func TestLibrary_LegacyStepsKey(t *testing.T) {
	dir := t.TempDir()
	writePlan(t, dir, "legacy.yaml", `
name: legacy
steps:
  - name: only
    agent: engineer
    action: do the thing
`)

	lib, err := NewLibrary(dir, "")
	require.NoError(t, err)

	p, ok := lib.Get("legacy")
	require.True(t, ok)
	require.Len(t, p.Phases, 1)
	assert.Equal(t, "only", p.Phases[0].Name)
	assert.Equal(t, ConditionAlways, p.Phases[0].Condition)
}

func TestLibrary_SkipsInvalidPlans(t *testing.T) {
	dir := t.TempDir()
	writePlan(t, dir, "broken.yaml", "name: broken\nphases:\n  - name: a\n    depends_on: [ghost]\n")
	writePlan(t, dir, "garbage.yaml", "{{{{not yaml")
	writePlan(t, dir, "good.yaml", "name: good\nphases:\n  - name: a\n    agent: pm\n    action: x\n")

	lib, err := NewLibrary(dir, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, lib.Names())
}

func TestPlan_Dependencies(t *testing.T) {
	p := mustParse(t, featurePlan)
	assert.Empty(t, p.Dependencies(0), "explicit empty list means no deps")
	assert.Equal(t, []string{"requirements"}, p.Dependencies(1))
	assert.Equal(t, []string{"requirements"}, p.Dependencies(2), "parallel_with inherits sibling deps")
	assert.Equal(t, []string{"architecture", "ux_design"}, p.Dependencies(3))
	assert.Equal(t, []string{"implementation"}, p.Dependencies(4))
}

func TestPlan_SequentialDefault(t *testing.T) {
	p := mustParse(t, `
name: seq
phases:
  - name: first
    agent: pm
    action: a
  - name: second
    agent: engineer
    action: b
`)
	assert.Empty(t, p.Dependencies(0))
	assert.Equal(t, []string{"first"}, p.Dependencies(1), "omitted depends_on chains to predecessor")
}

func TestSubstitute(t *testing.T) {
	vars := map[string]string{"topic": "payments", "env": "staging"}
	assert.Equal(t, "deploy payments to staging", Substitute("deploy {{topic}} to {{ env }}", vars))
	assert.Equal(t, "keep {{unknown}}", Substitute("keep {{unknown}}", vars))
}

func mustParse(t *testing.T, content string) *Plan {
	t.Helper()
	dir := t.TempDir()
	writePlan(t, dir, "p.yaml", content)
	lib, err := NewLibrary(dir, "")
	require.NoError(t, err)
	names := lib.Names()
	require.Len(t, names, 1)
	p, _ := lib.Get(names[0])
	return p
}
