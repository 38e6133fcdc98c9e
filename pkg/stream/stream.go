// Package stream turns adapter-native token sources into cancellable,
// sequenced token streams with exactly one terminal token.
package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
)

const (
	// DefaultStallTimeout is how long a stream may go without a frame.
	DefaultStallTimeout = 15 * time.Second

	// DefaultCancelGrace bounds how long Cancel waits for the terminal token.
	DefaultCancelGrace = time.Second

	// DefaultBuffer is the token channel capacity.
	DefaultBuffer = 16
)

// Frame is one unit read from a backend.
type Frame struct {
	// Content is the token text. Empty content is not forwarded.
	Content string

	// Done marks the backend's end-of-stream.
	Done bool
}

// Source is a backend-native stream. Recv returns io.EOF when the backend
// closes the stream without an explicit done frame. Close must release the
// connection and unblock a pending Recv.
type Source interface {
	Recv(ctx context.Context) (Frame, error)
	Close() error
}

// Options tunes a stream.
type Options struct {
	StallTimeout time.Duration
	CancelGrace  time.Duration
	Buffer       int

	// OnToken observes every token after it is delivered.
	OnToken func(engine.StreamToken)
}

func (o Options) withDefaults() Options {
	if o.StallTimeout <= 0 {
		o.StallTimeout = DefaultStallTimeout
	}
	if o.CancelGrace <= 0 {
		o.CancelGrace = DefaultCancelGrace
	}
	if o.Buffer <= 0 {
		o.Buffer = DefaultBuffer
	}
	return o
}

// Handle multiplexes one Source onto a token channel.
type Handle struct {
	id   string
	src  Source
	opts Options

	out      chan engine.StreamToken
	cancelCh chan struct{}
	done     chan struct{}
	once     sync.Once
	seq      int64
}

type recvResult struct {
	frame Frame
	err   error
}

// Open starts pumping src. The returned handle owns src.
func Open(src Source, opts Options) *Handle {
	opts = opts.withDefaults()
	h := &Handle{
		id:       uuid.New().String(),
		src:      src,
		opts:     opts,
		out:      make(chan engine.StreamToken, opts.Buffer),
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go h.pump()
	return h
}

// ID returns the stream identifier.
func (h *Handle) ID() string { return h.id }

// Tokens returns the token channel. It is closed after the terminal token.
func (h *Handle) Tokens() <-chan engine.StreamToken { return h.out }

// Done is closed once the stream has finished and the source is released.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel stops the stream. It returns once the source is released and the
// terminal token has been delivered or the grace period has passed.
func (h *Handle) Cancel() {
	h.once.Do(func() { close(h.cancelCh) })
	select {
	case <-h.done:
	case <-time.After(h.opts.CancelGrace):
	}
}

func (h *Handle) pump() {
	readCtx, stopRead := context.WithCancel(context.Background())
	frames := make(chan recvResult)

	go func() {
		for {
			f, err := h.src.Recv(readCtx)
			select {
			case frames <- recvResult{frame: f, err: err}:
			case <-readCtx.Done():
				return
			}
			if err != nil || f.Done {
				return
			}
		}
	}()

	stall := time.NewTimer(h.opts.StallTimeout)
	defer stall.Stop()

	terminal := h.loop(frames, stall)

	stopRead()
	_ = h.src.Close()
	h.deliverTerminal(terminal)
	close(h.out)
	close(h.done)
}

// loop forwards content until the stream ends and returns the terminal token.
func (h *Handle) loop(frames <-chan recvResult, stall *time.Timer) engine.StreamToken {
	for {
		select {
		case r := <-frames:
			if r.err != nil {
				if errors.Is(r.err, io.EOF) {
					return engine.StreamToken{Terminal: true}
				}
				e := engine.Classify(r.err)
				return engine.StreamToken{Terminal: true, Error: e.Kind, Message: e.Error()}
			}
			if r.frame.Content != "" {
				if !h.send(engine.StreamToken{Content: r.frame.Content}) {
					return cancelledToken()
				}
			}
			if r.frame.Done {
				return engine.StreamToken{Terminal: true}
			}
			stall.Reset(h.opts.StallTimeout)
		case <-stall.C:
			return engine.StreamToken{
				Terminal: true,
				Error:    engine.ErrorKindTimeout,
				Message:  "stream stalled",
			}
		case <-h.cancelCh:
			return cancelledToken()
		}
	}
}

// send delivers a content token unless the stream is cancelled first.
func (h *Handle) send(tok engine.StreamToken) bool {
	h.seq++
	tok.Sequence = h.seq
	select {
	case h.out <- tok:
		h.observe(tok)
		return true
	case <-h.cancelCh:
		h.seq--
		return false
	}
}

// deliverTerminal blocks until the consumer takes the terminal token. Once
// the stream is cancelled the wait is bounded by the grace period.
func (h *Handle) deliverTerminal(tok engine.StreamToken) {
	h.seq++
	tok.Sequence = h.seq
	tok.Terminal = true

	select {
	case h.out <- tok:
		h.observe(tok)
		return
	case <-h.cancelCh:
	}

	timer := time.NewTimer(h.opts.CancelGrace)
	defer timer.Stop()
	select {
	case h.out <- tok:
		h.observe(tok)
	case <-timer.C:
	}
}

func (h *Handle) observe(tok engine.StreamToken) {
	if h.opts.OnToken != nil {
		h.opts.OnToken(tok)
	}
}

func cancelledToken() engine.StreamToken {
	return engine.StreamToken{
		Terminal: true,
		Error:    engine.ErrorKindCancelled,
		Message:  "stream cancelled",
	}
}

// Collect drains h and returns the concatenated content and the terminal
// token. It cancels h if ctx ends first.
func Collect(ctx context.Context, h engine.StreamHandle) (string, engine.StreamToken, error) {
	var text []byte
	for {
		select {
		case tok, ok := <-h.Tokens():
			if !ok {
				return string(text), engine.StreamToken{}, engine.NewAmbiguousError("stream closed without terminal token", nil)
			}
			text = append(text, tok.Content...)
			if tok.Terminal {
				if tok.Error != "" {
					return string(text), tok, engine.NewError(tok.Error, tok.Message, nil)
				}
				return string(text), tok, nil
			}
		case <-ctx.Done():
			h.Cancel()
			return string(text), engine.StreamToken{}, engine.NewCancelledError("stream collection cancelled", ctx.Err())
		}
	}
}
