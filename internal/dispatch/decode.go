package dispatch

import (
	"context"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
)

// decode is the decode loop. It owns its OS thread because backend calls can
// hold a full CPU timeslice. Sampling and routing of batch N run in a
// separate goroutine of the group so decode of batch N+1 can start at once.
func (d *Dispatcher[C, L]) decode(ctx context.Context, g *errgroup.Group, control chan<- message[C]) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	limits := d.backend.Limits()
	for {
		tasks, err := d.batcher.DequeueBatch(ctx, d.cfg.MaxBatch)
		if err != nil {
			return err
		}
		batchSize.Observe(float64(len(tasks)))
		d.stats.batches.Add(1)

		requests := make([]Request[C], len(tasks))
		for i, t := range tasks {
			requests[i] = t.Ctx.request(t.Infer.Prompt, limits.MaxSeqLen)
		}

		start := time.Now()
		decoded, logits, err := d.backend.Decode(ctx, requests)
		decodeDuration.Observe(time.Since(start).Seconds())
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			if err := d.failBatch(ctx, control, tasks, &BackendError{Op: "decode", Err: err}); err != nil {
				return err
			}
			continue
		}

		g.Go(func() error {
			return d.route(ctx, control, tasks, decoded, logits, limits.EOS)
		})
	}
}

// route samples one decoded batch and sends every task on its way: back to
// the queue, home to the manager (eos), or nowhere (caller gone).
func (d *Dispatcher[C, L]) route(ctx context.Context, control chan<- message[C], tasks []*Task[C], decoded []Request[C], logits L, eos Token) error {
	args := d.sampling.Snapshot()
	start := time.Now()
	tokens, err := d.backend.Sample(args, decoded, logits)
	sampleDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return d.failBatch(ctx, control, tasks, &BackendError{Op: "sample", Err: err})
	}

	for _, t := range tasks {
		tok, ok := tokens[t.Ctx.ID]
		if !ok {
			return &ProtocolViolationError{ID: t.Ctx.ID, Reason: "no sampled token for a submitted request"}
		}

		if tok == eos {
			// Hand the context back before ending the stream: a caller that
			// re-submits after EOF must find the session idle.
			if err := sendControl(ctx, control, message[C]{kind: msgCompleted, ctx: t.Ctx}); err != nil {
				return err
			}
			t.Infer.Responding.finish(nil)
			continue
		}

		if err := t.Infer.Responding.Send(d.piece(tok)); err != nil {
			if err := d.abandon(ctx, control, t, "receiver_gone"); err != nil {
				return err
			}
			continue
		}
		tokensTotal.Inc()
		d.stats.tokens.Add(1)
		t.Infer.Prompt = []Token{tok}
		if err := d.batcher.Enqueue(t); err != nil {
			return err
		}
	}
	return nil
}

// failBatch abandons every task of a batch the backend could not process.
func (d *Dispatcher[C, L]) failBatch(ctx context.Context, control chan<- message[C], tasks []*Task[C], err *BackendError) error {
	backendErrorsTotal.WithLabelValues(err.Op).Inc()
	d.log.Error().Err(err.Err).Str("op", err.Op).Int("batch", len(tasks)).Msg("backend failed, abandoning batch")
	for _, t := range tasks {
		// Release the session before ending the stream: a caller that
		// re-submits after the error must not find it still checked out.
		if e := d.abandon(ctx, control, t, "backend_"+err.Op); e != nil {
			return e
		}
		t.Infer.Responding.finish(err)
	}
	return nil
}

// abandon drops the task's cache and tells the manager the session is gone.
func (d *Dispatcher[C, L]) abandon(ctx context.Context, control chan<- message[C], t *Task[C], reason string) error {
	abandonedTotal.WithLabelValues(reason).Inc()
	if err := discardCache(t.Ctx.Cache); err != nil {
		d.log.Warn().Err(err).Stringer("session", t.Ctx.ID).Msg("cache release failed")
	}
	d.log.Debug().Stringer("session", t.Ctx.ID).Str("reason", reason).Msg("task abandoned")
	return sendControl(ctx, control, message[C]{kind: msgAbandoned, id: t.Ctx.ID})
}

func (d *Dispatcher[C, L]) piece(tok Token) Piece {
	p := Piece{Token: tok}
	if d.detok != nil {
		p.Text = d.detok.Piece(tok)
	}
	return p
}
