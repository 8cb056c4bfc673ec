package dispatch

import (
	"context"
	"errors"
	"io"
)

// Client submits commands on behalf of callers. It is safe for concurrent
// use; commands from one Client reach the manager in submission order.
type Client struct {
	commands chan<- Command
}

func NewClient(commands chan<- Command) *Client { return &Client{commands: commands} }

func (c *Client) submit(ctx context.Context, cmd Command) error {
	select {
	case c.commands <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Infer starts a generation on session id and returns its result stream.
func (c *Client) Infer(ctx context.Context, id SessionID, prompt []Token) (*Stream, error) {
	s := NewStream()
	if err := c.submit(ctx, InferCommand(id, prompt, s)); err != nil {
		return nil, err
	}
	return s, nil
}

// Drop releases session id.
func (c *Client) Drop(ctx context.Context, id SessionID) error {
	return c.submit(ctx, DropCommand(id))
}

// Generate runs a bounded generation: it delivers pieces to onPiece until the
// model emits eos or maxSteps pieces were delivered (maxSteps <= 0 means no
// limit). Stopping early closes the stream, so the session's cache is
// abandoned like any other disinterested caller's.
func (c *Client) Generate(ctx context.Context, id SessionID, prompt []Token, maxSteps int, onPiece func(Piece) error) (int, error) {
	s, err := c.Infer(ctx, id, prompt)
	if err != nil {
		return 0, err
	}
	defer s.Close()

	steps := 0
	for maxSteps <= 0 || steps < maxSteps {
		p, err := s.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return steps, nil
		}
		if err != nil {
			return steps, err
		}
		if err := onPiece(p); err != nil {
			return steps, err
		}
		steps++
	}
	return steps, nil
}
