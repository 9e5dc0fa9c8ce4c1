package transport

import (
	"context"
	"sync"
)

// Stream is an in-memory duplex message channel for one session. Inbound
// carries client-to-server messages, Outbound server-to-client. Both sides
// are unbuffered, so delivery order within a session is the order of Send
// calls and a slow consumer backpressures the producer.
type Stream struct {
	inbound  chan []byte
	outbound chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

// Compile-time interface check.
var _ Transport = (*Stream)(nil)

// NewStream creates an open stream.
func NewStream() *Stream {
	return &Stream{
		inbound:  make(chan []byte),
		outbound: make(chan []byte),
		done:     make(chan struct{}),
	}
}

// Send delivers a client message to the server side, blocking until a
// receiver takes it, the context is done, or the stream closes.
func (s *Stream) Send(ctx context.Context, msg []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	select {
	case s.inbound <- msg:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns the next client message, blocking until one arrives, the
// context is done, or the stream closes.
func (s *Stream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-s.inbound:
		return msg, nil
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Push delivers a server message to the client side, blocking until the
// client-facing reader takes it, the context is done, or the stream closes.
func (s *Stream) Push(ctx context.Context, msg []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	select {
	case s.outbound <- msg:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outbound exposes the server-to-client channel for select-based consumers
// such as an event-stream writer loop.
func (s *Stream) Outbound() <-chan []byte { return s.outbound }

// Done is closed when the stream closes.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Close shuts both directions down at once. Blocked Send/Recv/Push calls
// return ErrClosed; one side of the pair is never left open without the
// other. Idempotent.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return nil
}
