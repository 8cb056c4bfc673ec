package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultControlBuffer = 64
)

// Config encapsulates the dispatcher tunables.
type Config struct {
	// ControlBuffer is the capacity of the manager's control stream.
	ControlBuffer int
	// MaxBatch caps the number of tasks per decode (0 = drain everything).
	MaxBatch int
	// Logger is optional; nil disables logging.
	Logger *zerolog.Logger
	// Publisher receives session lifecycle events; nil drops them.
	Publisher EventPublisher
}

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	Idle       int
	CheckedOut int
	Removing   int
	Pending    int
	Queued     int
	Batches    uint64
	Tokens     uint64
}

type counters struct {
	idle, checkedOut, removing, pending atomic.Int64
	batches, tokens                     atomic.Uint64
}

// Dispatcher wires the relay, the session manager and the decode loop around
// one Backend.
type Dispatcher[C, L any] struct {
	backend  Backend[C, L]
	detok    Detokenizer
	sampling *Sampling
	batcher  *Batcher[C]
	cfg      Config
	log      zerolog.Logger
	events   EventPublisher
	stats    counters
	running  atomic.Bool
}

// New constructs a Dispatcher. sampling is shared with whoever adjusts it at
// runtime.
func New[C, L any](backend Backend[C, L], sampling *Sampling, cfg Config) *Dispatcher[C, L] {
	d := &Dispatcher[C, L]{
		backend:  backend,
		sampling: sampling,
		batcher:  NewBatcher[C](),
		cfg:      cfg,
		log:      zerolog.Nop(),
		events:   noopPublisher{},
	}
	if cfg.ControlBuffer <= 0 {
		d.cfg.ControlBuffer = defaultControlBuffer
	}
	if cfg.MaxBatch < 0 {
		d.cfg.MaxBatch = 0
	}
	if cfg.Logger != nil {
		d.log = cfg.Logger.With().Str("component", "dispatch").Logger()
	}
	if cfg.Publisher != nil {
		d.events = cfg.Publisher
	}
	if sampling == nil {
		d.sampling = NewSampling(SampleArgs{})
	}
	d.detok, _ = any(backend).(Detokenizer)
	return d
}

// Run starts the relay, manager and decode loop and blocks until ctx is
// cancelled (returns nil) or one of them hits a fatal error, which cancels the
// others and is returned. Either way every stream still waiting on a
// generation is finished with ErrDispatcherStopped wrapping the cause.
func (d *Dispatcher[C, L]) Run(ctx context.Context, commands <-chan Command) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer d.running.Store(false)

	g, gctx := errgroup.WithContext(ctx)
	control := make(chan message[C], d.cfg.ControlBuffer)
	m := &manager[C, L]{
		backend: d.backend,
		batcher: d.batcher,
		store:   newStore[C](),
		log:     d.log,
		events:  d.events,
		stats:   &d.stats,
	}

	d.log.Info().Int("max_batch", d.cfg.MaxBatch).Int("control_buffer", d.cfg.ControlBuffer).Msg("dispatcher started")
	g.Go(func() error { return m.run(gctx, control) })
	g.Go(func() error { return relay(gctx, commands, control) })
	g.Go(func() error { return d.decode(gctx, g, control) })

	err := g.Wait()
	cause := err
	if cause == nil {
		cause = ctx.Err()
	}
	m.shutdown(stoppedError(cause), control, d.batcher.drain())
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		err = nil
	}
	if err != nil {
		d.log.Error().Err(err).Msg("dispatcher stopped")
	} else {
		d.log.Info().Msg("dispatcher stopped")
	}
	return err
}

// Stats returns current counters.
func (d *Dispatcher[C, L]) Stats() Stats {
	return Stats{
		Idle:       int(d.stats.idle.Load()),
		CheckedOut: int(d.stats.checkedOut.Load()),
		Removing:   int(d.stats.removing.Load()),
		Pending:    int(d.stats.pending.Load()),
		Queued:     d.batcher.Len(),
		Batches:    d.stats.batches.Load(),
		Tokens:     d.stats.tokens.Load(),
	}
}

// Ready reports whether Run is active.
func (d *Dispatcher[C, L]) Ready() bool { return d.running.Load() }

// Sampling returns the shared sampling configuration.
func (d *Dispatcher[C, L]) Sampling() *Sampling { return d.sampling }

func stoppedError(cause error) error {
	if cause == nil || errors.Is(cause, ErrDispatcherStopped) {
		return ErrDispatcherStopped
	}
	return fmt.Errorf("%w: %w", ErrDispatcherStopped, cause)
}
