package actions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
)

// emptyStart is a WASM module exporting a _start that returns at once.
var emptyStart = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00,
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b,
}

// trapStart is the same module with an unreachable instruction in _start.
var trapStart = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00,
	0x0a, 0x05, 0x01, 0x03, 0x00, 0x00, 0x0b,
}

const echoScript = `
def run(params):
    name = params.get("name", "world")
    return {"greeting": "hello " + name, "count": len(params)}
`

func TestBuiltins(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()

	out, err := r.Run(ctx, Call{Action: engine.ActionNoop})
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = r.Run(ctx, Call{Action: engine.ActionSummarizeText, Params: map[string]interface{}{"text": "  one\n\ntwo   three "}})
	require.NoError(t, err)
	assert.Equal(t, "one two three", out["summary"])

	long := strings.Repeat("word ", 200)
	out, err = r.Run(ctx, Call{Action: engine.ActionSummarizeText, Params: map[string]interface{}{"text": long}})
	require.NoError(t, err)
	summary := out["summary"].(string)
	assert.LessOrEqual(t, len([]rune(summary)), summaryWidth)
	assert.True(t, strings.HasSuffix(summary, "…"))

	out, err = r.Run(ctx, Call{Action: engine.ActionDraftReply, Params: map[string]interface{}{"to": "Ana", "about": "the offsite"}})
	require.NoError(t, err)
	assert.Contains(t, out["draft"], "Hi Ana,")
}

func TestMissingAndUnsafe(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()

	_, err := r.Run(ctx, Call{Action: engine.ActionSendEmail})
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, CodeMissingPlugin, f.Code)

	_, err = r.Run(ctx, Call{Action: engine.ActionCallPlugin, Params: map[string]interface{}{"plugin": "absent"}})
	require.ErrorAs(t, err, &f)
	assert.Equal(t, CodeMissingPlugin, f.Code)

	_, err = r.Run(ctx, Call{Action: "rm_rf"})
	require.ErrorAs(t, err, &f)
	assert.Equal(t, CodeUnsafeAction, f.Code)
}

func TestStarlarkPlugin(t *testing.T) {
	h, err := NewStarlarkHandler("echo", echoScript, time.Second)
	require.NoError(t, err)

	r := NewRegistry(nil)
	r.RegisterPlugin("echo", h)
	r.RegisterPlugin(engine.ActionSendEmail, h)

	out, err := r.Run(context.Background(), Call{Action: engine.ActionCallPlugin, Params: map[string]interface{}{"plugin": "echo", "name": "mahi"}})
	require.NoError(t, err)
	assert.Equal(t, "hello mahi", out["greeting"])
	assert.Equal(t, int64(2), out["count"])

	out, err = r.Run(context.Background(), Call{Action: engine.ActionSendEmail})
	require.NoError(t, err)
	assert.Equal(t, "hello world", out["greeting"])
}

func TestStarlarkNonObjectResultIsWrapped(t *testing.T) {
	h, err := NewStarlarkHandler("answer", "def run(params):\n    return 42\n", time.Second)
	require.NoError(t, err)
	out, err := h.Run(context.Background(), Call{})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"output": int64(42)}, out)
}

func TestStarlarkTimeout(t *testing.T) {
	script := "def run(params):\n    n = 0\n    for i in range(100000000):\n        n += i\n    return n\n"
	h, err := NewStarlarkHandler("spin", script, 50*time.Millisecond)
	require.NoError(t, err)
	_, err = h.Run(context.Background(), Call{})
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, CodePluginFailed, f.Code)
}

func TestStarlarkWithoutRun(t *testing.T) {
	_, err := NewStarlarkHandler("bad", "x = 1\n", time.Second)
	assert.Error(t, err)
}

func TestWASMPlugin(t *testing.T) {
	ctx := context.Background()
	h, err := NewWASMHandler(ctx, "empty", emptyStart, time.Second)
	require.NoError(t, err)
	defer h.Close(ctx)

	out, err := h.Run(ctx, Call{Action: engine.ActionCallPlugin})
	require.NoError(t, err)
	assert.Empty(t, out)

	// A second run gets a fresh instance.
	_, err = h.Run(ctx, Call{Action: engine.ActionCallPlugin})
	require.NoError(t, err)

	trap, err := NewWASMHandler(ctx, "trap", trapStart, time.Second)
	require.NoError(t, err)
	defer trap.Close(ctx)
	_, err = trap.Run(ctx, Call{})
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, CodePluginFailed, f.Code)
}

func TestLoadPlugins(t *testing.T) {
	dir := t.TempDir()
	write := func(rel, content string) {
		p := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}

	write("echo/run.star", echoScript)
	write("echo/plugin.yaml", "name: echo\nruntime: starlark\nentrypoint: run.star\ntimeout: 2s\n")

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "noop"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "noop", "main.wasm"), emptyStart, 0o644))
	sum := sha256.Sum256(emptyStart)
	write("noop/plugin.json", `{"name":"wasm-noop","runtime":"wasm","entrypoint":"main.wasm","checksum":"`+hex.EncodeToString(sum[:])+`"}`)

	write("broken/plugin.yaml", "name: broken\nruntime: lua\nentrypoint: x.lua\n")
	write("tampered/run.star", echoScript)
	write("tampered/plugin.yaml", "name: tampered\nruntime: starlark\nentrypoint: run.star\nchecksum: "+strings.Repeat("0", 64)+"\n")

	handlers, err := LoadPlugins(context.Background(), dir, zerolog.Nop())
	require.NoError(t, err)
	assert.Len(t, handlers, 2)
	assert.Contains(t, handlers, "echo")
	assert.Contains(t, handlers, "wasm-noop")

	none, err := LoadPlugins(context.Background(), filepath.Join(dir, "missing"), zerolog.Nop())
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestParseManifestDefaults(t *testing.T) {
	m, err := ParseManifest([]byte(`{"name":"x","runtime":"starlark","entrypoint":"x.star"}`))
	require.NoError(t, err)
	assert.Equal(t, "0.1.0", m.Version)
	assert.Equal(t, DefaultPluginTimeout, m.RunTimeout())

	_, err = ParseManifest([]byte("name: x\nruntime: starlark\nentrypoint: x.star\ntimeout: soon\n"))
	assert.Error(t, err)
}

func TestAdapter(t *testing.T) {
	a, err := NewAdapter("", NewRegistry(nil))
	require.NoError(t, err)
	assert.Equal(t, []engine.Capability{engine.CapabilityExecute}, a.Capabilities())
	ctx := context.Background()

	step := engine.Step{ID: "s1", Action: engine.ActionSummarizeText, Params: map[string]interface{}{"text": "hi"}}
	res, err := a.Invoke(ctx, engine.NewOperation(engine.ExecuteRequest{PlanID: "p1", Step: step}))
	require.NoError(t, err)
	sr := res.Value.(engine.StepResult)
	assert.Equal(t, engine.StepStatusSucceeded, sr.Status)
	assert.Equal(t, "hi", sr.Output["summary"])

	step = engine.Step{ID: "s2", Action: engine.ActionOpenApp}
	res, err = a.Invoke(ctx, engine.NewOperation(engine.ExecuteRequest{PlanID: "p1", Step: step}))
	require.NoError(t, err)
	sr = res.Value.(engine.StepResult)
	assert.Equal(t, engine.StepStatusFailed, sr.Status)
	assert.Equal(t, CodeMissingPlugin, sr.Error)

	_, err = a.Invoke(ctx, engine.NewOperation(engine.QueryRequest{Query: "q"}))
	assert.Equal(t, engine.ErrorKindPreflight, engine.KindOf(err))
}
