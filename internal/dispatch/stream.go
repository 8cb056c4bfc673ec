package dispatch

import (
	"context"
	"io"
	"sync"

	"github.com/eapache/queue"
)

// Stream is the result channel of one InferRequest. The dispatcher pushes a
// Piece per decode step and never blocks on a slow reader (the buffer is
// unbounded). The caller reads with Recv and may Close at any time to signal
// it is no longer interested; the next push then fails and the session is
// abandoned.
type Stream struct {
	mu       sync.Mutex
	buf      *queue.Queue
	closed   bool // receiver side gave up
	finished bool // sender side is done
	err      error
	notify   chan struct{}
}

// NewStream returns an open, empty stream.
func NewStream() *Stream {
	return &Stream{buf: queue.New(), notify: make(chan struct{}, 1)}
}

// Send appends a piece. It returns ErrReceiverGone once the caller closed the
// stream.
func (s *Stream) Send(p Piece) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.finished {
		return ErrReceiverGone
	}
	s.buf.Add(p)
	s.wake()
	return nil
}

// finish marks the end of generation. A nil err means end-of-sequence and Recv
// reports io.EOF after the buffered pieces.
func (s *Stream) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	s.err = err
	s.wake()
}

// Recv returns the next piece, blocking until one is available. After the
// last piece it returns io.EOF (normal end) or the error that ended
// generation.
func (s *Stream) Recv(ctx context.Context) (Piece, error) {
	for {
		s.mu.Lock()
		if s.buf.Length() > 0 {
			p := s.buf.Remove().(Piece)
			s.mu.Unlock()
			return p, nil
		}
		if s.finished {
			err := s.err
			s.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return Piece{}, err
		}
		if s.closed {
			s.mu.Unlock()
			return Piece{}, ErrStreamClosed
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return Piece{}, ctx.Err()
		}
	}
}

// Close signals the caller lost interest. Buffered pieces are discarded.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for s.buf.Length() > 0 {
		s.buf.Remove()
	}
	s.wake()
}

// Closed reports whether the caller closed the stream.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
