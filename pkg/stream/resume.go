package stream

import (
	"sync"
	"time"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
)

// resumed replays a token that was already read from inner, then forwards
// the rest of inner.
type resumed struct {
	inner      engine.StreamHandle
	onTerminal func(engine.StreamToken)
	grace      time.Duration

	out      chan engine.StreamToken
	cancelCh chan struct{}
	done     chan struct{}
	once     sync.Once
}

// Resume returns a handle that yields first and then everything inner
// yields. The dispatcher uses it after peeking at a stream's first token to
// decide whether the backend is serving. onTerminal, when set, sees the
// terminal token.
func Resume(first engine.StreamToken, inner engine.StreamHandle, onTerminal func(engine.StreamToken)) engine.StreamHandle {
	r := &resumed{
		inner:      inner,
		onTerminal: onTerminal,
		grace:      DefaultCancelGrace,
		out:        make(chan engine.StreamToken, DefaultBuffer),
		cancelCh:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	go r.run(first)
	return r
}

func (r *resumed) ID() string { return r.inner.ID() }

func (r *resumed) Tokens() <-chan engine.StreamToken { return r.out }

func (r *resumed) Cancel() {
	r.once.Do(func() { close(r.cancelCh) })
	r.inner.Cancel()
	select {
	case <-r.done:
	case <-time.After(r.grace):
	}
}

func (r *resumed) run(first engine.StreamToken) {
	defer close(r.done)
	defer close(r.out)

	tok := first
	for {
		if !r.forward(tok) {
			// Let inner's pump finish even though nobody is listening.
			go func() {
				for range r.inner.Tokens() {
				}
			}()
			return
		}
		if tok.Terminal {
			if r.onTerminal != nil {
				r.onTerminal(tok)
			}
			return
		}
		next, ok := <-r.inner.Tokens()
		if !ok {
			return
		}
		tok = next
	}
}

// forward delivers tok. After cancellation content tokens are dropped and
// only the terminal token is offered, bounded by the grace period. It
// returns false when the consumer stopped reading.
func (r *resumed) forward(tok engine.StreamToken) bool {
	select {
	case r.out <- tok:
		return true
	case <-r.cancelCh:
	}
	if !tok.Terminal {
		return true
	}
	timer := time.NewTimer(r.grace)
	defer timer.Stop()
	select {
	case r.out <- tok:
		return true
	case <-timer.C:
		return false
	}
}
