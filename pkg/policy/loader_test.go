package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	policyFile := filepath.Join(t.TempDir(), "reminders.rego")
	content := "# Reminders wait for approval\n# Night reminders are denied\n\n" + remindersPolicy
	writeFile(t, policyFile, content)

	policy, err := loader.loadFromFile(policyFile)
	require.NoError(t, err)
	assert.Equal(t, "reminders", policy.Name)
	assert.Equal(t, "Reminders wait for approval Night reminders are denied", policy.Description)
	assert.True(t, policy.Enabled, "enabled by default")
	assert.Equal(t, policyFile, policy.Source)
}

func TestLoadFromFile_JSON(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "quiet.json"), `{"description":"off","rego":"package mahi.steps.quiet","enabled":false}`)
	writeFile(t, filepath.Join(dir, "empty.json"), `{"name":"empty"}`)

	loader := NewLoader(zerolog.Nop())
	policy, err := loader.loadFromFile(filepath.Join(dir, "quiet.json"))
	require.NoError(t, err)
	assert.Equal(t, "quiet", policy.Name)
	assert.False(t, policy.Enabled)

	_, err = loader.loadFromFile(filepath.Join(dir, "empty.json"))
	assert.Error(t, err, "policy without rego")
}

func TestLoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "reminders.rego"), remindersPolicy)
	writeFile(t, filepath.Join(dir, "nested", "quiet.json"), `{"rego":"package mahi.steps.quiet"}`)
	writeFile(t, filepath.Join(dir, "README.md"), "not a policy")
	writeFile(t, filepath.Join(dir, "bad.json"), "{")

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	require.NoError(t, err)
	assert.Len(t, policies, 2)

	_, err = loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")})
	assert.Error(t, err)
}

func TestEngineLoadPolicies(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "reminders.rego"), remindersPolicy)

	eng := newTestEngine(t)
	require.NoError(t, eng.LoadPolicies(context.Background(), []string{dir}))
	assert.Len(t, eng.ListPolicies(), 4)
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "reminders.rego"), remindersPolicy)

	eng := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, eng.LoadPolicies(ctx, []string{dir}))
	loader, err := eng.Watch(ctx, []string{dir})
	require.NoError(t, err)
	defer loader.StopWatching()

	plan := testPlan(engine.Step{ID: "s1", Action: engine.ActionNoop})
	denyNoop := `package mahi.steps.noops

import rego.v1

deny contains "noop is pointless" if {
	input.step.action == "noop"
}
`
	writeFile(t, filepath.Join(dir, "noops.rego"), denyNoop)

	require.Eventually(t, func() bool {
		decisions, err := eng.Review(ctx, plan)
		if err != nil {
			return false
		}
		d := decisionFor(decisions, "s1")
		return d != nil && d.Deny
	}, 5*time.Second, 50*time.Millisecond, "new policy was not picked up")
}
