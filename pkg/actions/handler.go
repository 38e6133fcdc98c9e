// Package actions runs plan steps on this machine. Each action name maps to
// a handler: a few text-only builtins, plus plugins written in Starlark or
// compiled to WASI WebAssembly and described by YAML or JSON manifests.
package actions

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
)

// Failure codes reported in step results.
const (
	CodeMissingPlugin = "missing_plugin"
	CodeUnsafeAction  = "unsafe_action"
	CodePluginFailed  = "plugin_failed"
)

// Call is one step invocation.
type Call struct {
	PlanID      string
	StepID      string
	Action      string
	Description string
	Params      map[string]interface{}
}

// Handler runs a call and returns a JSON-object result.
type Handler interface {
	Run(ctx context.Context, call Call) (map[string]interface{}, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, call Call) (map[string]interface{}, error)

// Run calls f.
func (f HandlerFunc) Run(ctx context.Context, call Call) (map[string]interface{}, error) {
	return f(ctx, call)
}

// Failure is a handler error with a stable code.
type Failure struct {
	Code    string
	Message string
	Err     error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// Registry maps action names to handlers. Plugins registered under an
// action's name take precedence over the builtin.
type Registry struct {
	mu       sync.RWMutex
	allowed  engine.ActionSet
	builtins map[string]Handler
	plugins  map[string]Handler
}

// NewRegistry creates a registry with the builtins installed. An empty
// action set allows the default safe actions.
func NewRegistry(allowed engine.ActionSet) *Registry {
	if len(allowed) == 0 {
		allowed = engine.NewActionSet(engine.SafeActions()...)
	}
	r := &Registry{
		allowed:  allowed,
		builtins: make(map[string]Handler),
		plugins:  make(map[string]Handler),
	}
	r.builtins[engine.ActionNoop] = HandlerFunc(noop)
	r.builtins[engine.ActionSummarizeText] = HandlerFunc(summarizeText)
	r.builtins[engine.ActionDraftReply] = HandlerFunc(draftReply)
	r.builtins[engine.ActionCallPlugin] = HandlerFunc(r.callPlugin)
	return r
}

// RegisterPlugin installs a plugin handler under name.
func (r *Registry) RegisterPlugin(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[name] = h
}

// ReplacePlugins swaps the whole plugin set, e.g. after a reload.
func (r *Registry) ReplacePlugins(plugins map[string]Handler) {
	next := make(map[string]Handler, len(plugins))
	for k, v := range plugins {
		next[k] = v
	}
	r.mu.Lock()
	r.plugins = next
	r.mu.Unlock()
}

// Plugins returns the registered plugin names, sorted.
func (r *Registry) Plugins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins))
	for n := range r.plugins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Run executes call with the handler for its action.
func (r *Registry) Run(ctx context.Context, call Call) (map[string]interface{}, error) {
	if !r.allowed.Has(call.Action) {
		return nil, &Failure{Code: CodeUnsafeAction, Message: fmt.Sprintf("action %q is not allowed", call.Action)}
	}
	if call.Params == nil {
		call.Params = map[string]interface{}{}
	}

	r.mu.RLock()
	h, ok := r.plugins[call.Action]
	if !ok {
		h, ok = r.builtins[call.Action]
	}
	r.mu.RUnlock()
	if !ok {
		return nil, &Failure{Code: CodeMissingPlugin, Message: fmt.Sprintf("no handler for action %q", call.Action)}
	}
	return h.Run(ctx, call)
}

func (r *Registry) callPlugin(ctx context.Context, call Call) (map[string]interface{}, error) {
	name, _ := call.Params["plugin"].(string)
	if name == "" {
		return nil, &Failure{Code: CodeMissingPlugin, Message: "call_plugin needs a plugin param"}
	}
	r.mu.RLock()
	h, ok := r.plugins[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &Failure{Code: CodeMissingPlugin, Message: fmt.Sprintf("plugin %q is not installed", name)}
	}
	return h.Run(ctx, call)
}

func noop(context.Context, Call) (map[string]interface{}, error) {
	return map[string]interface{}{}, nil
}

const summaryWidth = 320

func summarizeText(_ context.Context, call Call) (map[string]interface{}, error) {
	text, _ := call.Params["text"].(string)
	text = strings.TrimSpace(text)
	if text == "" {
		return map[string]interface{}{"summary": "No text provided."}, nil
	}
	combined := strings.Join(strings.Fields(text), " ")
	return map[string]interface{}{
		"summary": shorten(combined, summaryWidth),
		"length":  len([]rune(combined)),
	}, nil
}

func draftReply(_ context.Context, call Call) (map[string]interface{}, error) {
	to, _ := call.Params["to"].(string)
	about, _ := call.Params["about"].(string)
	if about == "" {
		about = call.Description
	}
	greeting := "Hi,"
	if to != "" {
		greeting = fmt.Sprintf("Hi %s,", to)
	}
	return map[string]interface{}{
		"draft": fmt.Sprintf("%s\n\nThanks for your message. Regarding %s, I'll follow up shortly.\n\nBest,", greeting, about),
	}, nil
}

// shorten cuts s at a word boundary so the result, with the ellipsis, fits
// in width runes.
func shorten(s string, width int) string {
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	cut := string(r[:width-1])
	if i := strings.LastIndex(cut, " "); i > 0 {
		cut = cut[:i]
	}
	return cut + "…"
}
