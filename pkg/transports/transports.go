// Package transports holds what every backend adapter shares: the common
// settings block, the capability bookkeeping and the stream tuning.
// Protocol-specific adapters live in the sub-packages.
package transports

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/stream"
)

// Transport kinds.
const (
	KindHTTP    = "http"
	KindRPC     = "rpc"
	KindOpenAI  = "openai"
	KindActions = "actions"
	KindLocal   = "local"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultRequestTimeout = 60 * time.Second
)

// Settings configures one adapter instance.
type Settings struct {
	ID           string
	Address      string
	Capabilities []engine.Capability

	// APIKey is sent as a bearer token when set.
	APIKey string

	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	Stream         stream.Options

	// Model names the model for backends that serve several.
	Model string

	// EmbeddingModel names the embedding model, if different.
	EmbeddingModel string
}

// WithDefaults fills zero timeouts.
func (s Settings) WithDefaults() Settings {
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = DefaultConnectTimeout
	}
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = DefaultRequestTimeout
	}
	return s
}

// Base implements the identity part of engine.Adapter.
type Base struct {
	id   string
	kind string
	caps []engine.Capability
}

// NewBase creates the identity block. Requested capabilities the transport
// cannot serve are an error.
func NewBase(id, kind string, requested, supported []engine.Capability) (Base, error) {
	if id == "" {
		return Base{}, fmt.Errorf("%s adapter needs an id", kind)
	}
	if len(requested) == 0 {
		requested = supported
	}
	for _, c := range requested {
		ok := false
		for _, s := range supported {
			if c == s {
				ok = true
				break
			}
		}
		if !ok {
			return Base{}, fmt.Errorf("%s adapter %s cannot serve %s", kind, id, c)
		}
	}
	return Base{id: id, kind: kind, caps: requested}, nil
}

// ID returns the adapter id.
func (b Base) ID() string { return b.id }

// Kind returns the transport kind.
func (b Base) Kind() string { return b.kind }

// Capabilities returns the declared capabilities.
func (b Base) Capabilities() []engine.Capability {
	out := make([]engine.Capability, len(b.caps))
	copy(out, b.caps)
	return out
}

// Check returns a Preflight error when op is for an undeclared capability.
func (b Base) Check(op engine.Operation) error {
	for _, c := range b.caps {
		if c == op.Capability {
			return nil
		}
	}
	return engine.NewPreflightError(fmt.Sprintf("backend %s does not serve %s", b.id, op.Capability), nil).
		WithBackend(b.id)
}

// Unsupported is returned by adapters with no streaming support.
func (b Base) Unsupported(op engine.Operation) error {
	return engine.NewPreflightError(fmt.Sprintf("%s backend %s cannot %s", b.kind, b.id, op.Capability), nil).
		WithBackend(b.id)
}

// Dialer returns a dialer bounded by the connect timeout. Failures it
// reports surface as dial errors, which classify as Preflight.
func Dialer(s Settings) *net.Dialer {
	return &net.Dialer{Timeout: s.ConnectTimeout, KeepAlive: 30 * time.Second}
}

// WithRequestTimeout bounds a unary call.
func WithRequestTimeout(ctx context.Context, s Settings) (context.Context, context.CancelFunc) {
	if s.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.RequestTimeout)
}

// ExpectPayload asserts the operation's payload type.
func ExpectPayload[T engine.Payload](op engine.Operation) (T, error) {
	p, ok := op.Payload.(T)
	if !ok {
		var zero T
		return zero, engine.NewInvalidError(fmt.Sprintf("unexpected payload %T for %s", op.Payload, op.Capability), nil)
	}
	return p, nil
}
