package actions

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// maxStarlarkSteps bounds the work one plugin run may do.
const maxStarlarkSteps = 10_000_000

// StarlarkHandler runs a Starlark script that defines run(params). The
// script is parsed and executed once; each call invokes run on a fresh
// thread.
type StarlarkHandler struct {
	name    string
	run     starlark.Callable
	timeout time.Duration
}

// NewStarlarkHandler loads script and looks up its run function.
func NewStarlarkHandler(name, script string, timeout time.Duration) (*StarlarkHandler, error) {
	if timeout <= 0 {
		timeout = DefaultPluginTimeout
	}
	thread := newThread(name)
	globals, err := starlark.ExecFile(thread, name+".star", script, predeclared())
	if err != nil {
		return nil, fmt.Errorf("failed to load plugin %s: %w", name, err)
	}
	globals.Freeze()

	fn, ok := globals["run"].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("plugin %s must define run(params)", name)
	}
	return &StarlarkHandler{name: name, run: fn, timeout: timeout}, nil
}

// Run calls run(params) and converts its result.
func (h *StarlarkHandler) Run(ctx context.Context, call Call) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	params, err := toStarlarkValue(call.Params)
	if err != nil {
		return nil, &Failure{Code: CodePluginFailed, Message: "unsupported params", Err: err}
	}

	thread := newThread(h.name)
	thread.SetMaxExecutionSteps(maxStarlarkSteps)
	stop := context.AfterFunc(ctx, func() { thread.Cancel(ctx.Err().Error()) })
	defer stop()

	out, err := starlark.Call(thread, h.run, starlark.Tuple{params}, nil)
	if err != nil {
		return nil, &Failure{Code: CodePluginFailed, Message: fmt.Sprintf("plugin %s failed", h.name), Err: err}
	}
	v, err := fromStarlarkValue(out)
	if err != nil {
		return nil, &Failure{Code: CodePluginFailed, Message: "unsupported result", Err: err}
	}
	return asObject(v), nil
}

func newThread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name:  "plugin:" + name,
		Print: func(*starlark.Thread, string) {},
	}
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
}

// asObject wraps non-object results as {"output": v}.
func asObject(v interface{}) map[string]interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	if v == nil {
		return map[string]interface{}{}
	}
	return map[string]interface{}{"output": v}
}

func toStarlarkValue(v interface{}) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		if val == float64(int64(val)) {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			gv, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = gv
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			gv, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = gv
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			gv, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = gv
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
