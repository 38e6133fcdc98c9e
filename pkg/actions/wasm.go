package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// wasmMemoryLimitPages caps plugin memory at 16MB.
const wasmMemoryLimitPages = 256

// maxWASMOutput bounds what a plugin may write to stdout.
const maxWASMOutput = 1 << 20

// WASMHandler runs a WASI command module. Each call instantiates the
// compiled module afresh, writes the call as JSON to stdin and reads a JSON
// result from stdout. The module has no filesystem or network access.
type WASMHandler struct {
	name     string
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	timeout  time.Duration
}

type wasmInput struct {
	PlanID      string                 `json:"plan_id"`
	StepID      string                 `json:"step_id"`
	Action      string                 `json:"action"`
	Description string                 `json:"description"`
	Params      map[string]interface{} `json:"params"`
}

// NewWASMHandler compiles code and prepares WASI.
func NewWASMHandler(ctx context.Context, name string, code []byte, timeout time.Duration) (*WASMHandler, error) {
	if timeout <= 0 {
		timeout = DefaultPluginTimeout
	}
	cfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(wasmMemoryLimitPages).
		WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}
	compiled, err := rt.CompileModule(ctx, code)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to compile plugin %s: %w", name, err)
	}
	return &WASMHandler{name: name, runtime: rt, compiled: compiled, timeout: timeout}, nil
}

// Run executes the module once for call.
func (h *WASMHandler) Run(ctx context.Context, call Call) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	in, err := json.Marshal(wasmInput{
		PlanID:      call.PlanID,
		StepID:      call.StepID,
		Action:      call.Action,
		Description: call.Description,
		Params:      call.Params,
	})
	if err != nil {
		return nil, &Failure{Code: CodePluginFailed, Message: "unsupported params", Err: err}
	}

	var stdout, stderr bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(h.name).
		WithStdin(bytes.NewReader(in)).
		WithStdout(&limitedWriter{buf: &stdout, max: maxWASMOutput}).
		WithStderr(&limitedWriter{buf: &stderr, max: 64 * 1024})

	mod, err := h.runtime.InstantiateModule(ctx, h.compiled, cfg)
	if mod != nil {
		_ = mod.Close(ctx)
	}
	if err != nil {
		var exit *sys.ExitError
		if !errors.As(err, &exit) || exit.ExitCode() != 0 {
			msg := fmt.Sprintf("plugin %s failed", h.name)
			if s := strings.TrimSpace(stderr.String()); s != "" {
				msg += ": " + s
			}
			return nil, &Failure{Code: CodePluginFailed, Message: msg, Err: err}
		}
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return map[string]interface{}{}, nil
	}
	var v interface{}
	if err := json.Unmarshal(out, &v); err != nil {
		return map[string]interface{}{"output": string(out)}, nil
	}
	return asObject(v), nil
}

// Close releases the runtime.
func (h *WASMHandler) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

type limitedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if room := w.max - w.buf.Len(); room < len(p) {
		if room > 0 {
			w.buf.Write(p[:room])
		}
		return len(p), nil
	}
	return w.buf.Write(p)
}
