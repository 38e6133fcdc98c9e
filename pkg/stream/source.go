package stream

import (
	"context"
	"io"
	"sync"
	"time"
)

type sliceSource struct {
	tokens []string
	delay  time.Duration
	next   int

	closed chan struct{}
	once   sync.Once
}

// FromSlice returns a Source yielding tokens in order, waiting delay
// between them, and ending with a done frame.
func FromSlice(tokens []string, delay time.Duration) Source {
	return &sliceSource{
		tokens: tokens,
		delay:  delay,
		closed: make(chan struct{}),
	}
}

func (s *sliceSource) Recv(ctx context.Context) (Frame, error) {
	if s.next >= len(s.tokens) {
		return Frame{Done: true}, nil
	}
	if s.delay > 0 && s.next > 0 {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-s.closed:
			return Frame{}, io.ErrClosedPipe
		}
	}
	tok := s.tokens[s.next]
	s.next++
	return Frame{Content: tok}, nil
}

func (s *sliceSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// SourceFunc adapts a receive function and an optional close function.
type SourceFunc struct {
	RecvFunc  func(ctx context.Context) (Frame, error)
	CloseFunc func() error
}

// Recv calls RecvFunc.
func (f SourceFunc) Recv(ctx context.Context) (Frame, error) {
	return f.RecvFunc(ctx)
}

// Close calls CloseFunc if set.
func (f SourceFunc) Close() error {
	if f.CloseFunc == nil {
		return nil
	}
	return f.CloseFunc()
}
