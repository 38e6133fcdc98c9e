package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/app"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/config"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	jsonOutput = false
	configPath = ""
	cmd := newRootCommand("1.2.3", "abc", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(bytes.NewReader(nil))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func startServer(t *testing.T) string {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Driver = "memory"
	cfg.Telemetry.Logging.Level = "error"
	a, err := app.New(context.Background(), cfg, "test")
	require.NoError(t, err)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = a.Close(context.Background())
	})
	return srv.URL
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "mahi 1.2.3")
	assert.Contains(t, out, "commit: abc")
}

func TestValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mahi.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: memory\n"), 0o600))

	out, err := run(t, "validate", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is valid")
	assert.Contains(t, out, "store=memory")
}

func TestValidateMissingFile(t *testing.T) {
	_, err := run(t, "validate", "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestPlanAndBackends(t *testing.T) {
	url := startServer(t)

	out, err := run(t, "--server", url, "--json", "plan", "clear", "my", "inbox", "--source", "email")
	require.NoError(t, err)
	var plan engine.Plan
	require.NoError(t, json.Unmarshal([]byte(out), &plan))
	assert.Equal(t, "clear my inbox", plan.Goal)
	assert.Len(t, plan.Steps, 2)

	out, err = run(t, "--server", url, "execute", plan.ID)
	require.NoError(t, err)
	assert.Contains(t, out, string(engine.PlanStatusCompleted))

	out, err = run(t, "--server", url, "backends")
	require.NoError(t, err)
	assert.Contains(t, out, app.ActionsBackendID)
	assert.Contains(t, out, "fallback")
}

func TestQueryAgainstServer(t *testing.T) {
	url := startServer(t)

	_, err := run(t, "--server", url, "index", "-", "--id", "note")
	require.Error(t, err)
	assert.Equal(t, engine.ErrorKindInvalid, engine.KindOf(err))

	doc := filepath.Join(t.TempDir(), "launch.txt")
	require.NoError(t, os.WriteFile(doc, []byte("the launch is on friday"), 0o600))
	out, err := run(t, "--server", url, "index", doc)
	require.NoError(t, err)
	assert.Contains(t, out, "launch.txt")

	out, err = run(t, "--server", url, "query", "when", "is", "the", "launch", "-k", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "launch.txt")
	assert.Contains(t, out, "on-device fallback")
}

func TestUnreachableServer(t *testing.T) {
	_, err := run(t, "--server", "http://127.0.0.1:1", "backends")
	require.Error(t, err)
}
