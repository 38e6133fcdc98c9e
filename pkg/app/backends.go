package app

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/actions"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/config"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/dispatch"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/stream"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/transports"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/transports/httpjson"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/transports/local"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/transports/openai"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/transports/rpc"
)

// Reserved backend ids.
const (
	LocalBackendID   = "local"
	ActionsBackendID = "actions"

	// ActionsPriority places the on-device action runtime after every
	// configured execute backend.
	ActionsPriority = 1000
)

// Settings converts a backend block into adapter settings. Stream timeouts
// the backend does not set come from defaults.
func Settings(b config.BackendConfig, defaults config.StreamConfig) (transports.Settings, error) {
	caps := make([]engine.Capability, 0, len(b.Capabilities))
	for _, name := range b.Capabilities {
		c, err := engine.ParseCapability(name)
		if err != nil {
			return transports.Settings{}, fmt.Errorf("backend %s: %w", b.ID, err)
		}
		caps = append(caps, c)
	}

	stall := b.StallTimeout
	if stall <= 0 {
		stall = defaults.StallTimeout
	}

	return transports.Settings{
		ID:             b.ID,
		Address:        b.Address,
		Capabilities:   caps,
		APIKey:         b.APIKey,
		ConnectTimeout: b.ConnectTimeout,
		RequestTimeout: b.RequestTimeout,
		Model:          b.Model,
		EmbeddingModel: b.EmbeddingModel,
		Stream: stream.Options{
			StallTimeout: stall,
			CancelGrace:  defaults.CancelGrace,
		},
	}, nil
}

// NewAdapter builds the adapter for one configured backend.
func NewAdapter(b config.BackendConfig, defaults config.StreamConfig) (engine.Adapter, error) {
	s, err := Settings(b, defaults)
	if err != nil {
		return nil, err
	}
	switch b.Kind {
	case transports.KindHTTP:
		return httpjson.New(s)
	case transports.KindRPC:
		return rpc.New(s)
	case transports.KindOpenAI:
		return openai.New(s)
	default:
		return nil, fmt.Errorf("backend %s: unknown kind %q", b.ID, b.Kind)
	}
}

// NewGenerator builds the on-device generator with its index.
func NewGenerator(cfg config.FallbackConfig, defaults config.StreamConfig) (*local.Generator, error) {
	var opts []local.IndexOption
	if cfg.IndexPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.IndexPath), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
		opts = append(opts, local.WithSnapshot(cfg.IndexPath))
		if cfg.KeyPath != "" {
			key, err := local.LoadOrCreateKey(cfg.KeyPath)
			if err != nil {
				return nil, err
			}
			opts = append(opts, local.WithKey(key))
		}
	}
	index, err := local.NewIndex(opts...)
	if err != nil {
		return nil, err
	}
	return local.New(LocalBackendID, nil, local.Options{
		Index:      index,
		TokenDelay: cfg.TokenDelay,
		Stream: stream.Options{
			StallTimeout: defaults.StallTimeout,
			CancelGrace:  defaults.CancelGrace,
		},
	})
}

// BuildRegistry registers every enabled backend, the action runtime and the
// fallback generator. Adapters already created are closed on failure.
func BuildRegistry(cfg *config.Config, gen *local.Generator, acts *actions.Registry) (*dispatch.Registry, error) {
	reg := dispatch.NewRegistry()
	fail := func(err error) (*dispatch.Registry, error) {
		_ = reg.Close()
		return nil, err
	}

	for _, b := range cfg.Backends {
		if !b.IsEnabled() {
			continue
		}
		a, err := NewAdapter(b, cfg.Stream)
		if err != nil {
			return fail(err)
		}
		if err := reg.Register(a, b.Priority); err != nil {
			_ = a.Close()
			return fail(err)
		}
	}

	if acts != nil {
		a, err := actions.NewAdapter(ActionsBackendID, acts)
		if err != nil {
			return fail(err)
		}
		if err := reg.Register(a, ActionsPriority); err != nil {
			return fail(err)
		}
	}

	if gen != nil {
		if err := reg.RegisterFallback(gen); err != nil {
			return fail(err)
		}
	}
	return reg, nil
}
