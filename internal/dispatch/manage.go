package dispatch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

type messageKind int

const (
	msgCommand   messageKind = iota // external command, via the relay
	msgCompleted                    // generation reached eos; ctx comes home
	msgAbandoned                    // decode loop gave up on the task; cache already gone
)

// message is the control stream element.
type message[C any] struct {
	kind messageKind
	cmd  Command
	ctx  *SessionContext[C]
	id   SessionID
}

// sendControl publishes msg unless the dispatcher is shutting down.
func sendControl[C any](ctx context.Context, control chan<- message[C], msg message[C]) error {
	select {
	case control <- msg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrControlClosed, ctx.Err())
	}
}

// manager is the only writer of the session store.
type manager[C, L any] struct {
	backend Backend[C, L]
	batcher *Batcher[C]
	store   *store[C]
	log     zerolog.Logger
	events  EventPublisher
	stats   *counters
}

func (m *manager[C, L]) run(ctx context.Context, control <-chan message[C]) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-control:
			if err := m.handle(msg); err != nil {
				m.log.Error().Err(err).Msg("session manager stopped")
				if msg.kind == msgCommand && msg.cmd.Infer.Responding != nil {
					msg.cmd.Infer.Responding.finish(fmt.Errorf("%w: %w", ErrDispatcherStopped, err))
				}
				return err
			}
			m.observe()
		}
	}
}

func (m *manager[C, L]) handle(msg message[C]) error {
	switch msg.kind {
	case msgCommand:
		commandsTotal.WithLabelValues(msg.cmd.Kind.String()).Inc()
		switch msg.cmd.Kind {
		case CommandInfer:
			return m.infer(msg.cmd.ID, msg.cmd.Infer)
		case CommandDrop:
			m.drop(msg.cmd.ID)
			return nil
		default:
			return fmt.Errorf("dispatch: unknown command kind %d", msg.cmd.Kind)
		}
	case msgCompleted:
		return m.complete(msg.ctx)
	case msgAbandoned:
		return m.abandon(msg.id)
	default:
		return fmt.Errorf("dispatch: unknown control message kind %d", msg.kind)
	}
}

func (m *manager[C, L]) infer(id SessionID, req InferRequest) error {
	if req.Responding == nil {
		return &ProtocolViolationError{ID: id, Reason: "infer without a result stream"}
	}
	switch m.store.state(id) {
	case StateIdle:
		c, _ := m.store.take(id)
		m.publish(EventSessionReused, id, nil)
		return m.checkOut(c, req)
	case StateAbsent:
		c := newSessionContext(m.backend.NewCache(), id)
		m.publish(EventSessionCreated, id, nil)
		return m.checkOut(c, req)
	}

	// Checked out. Running a second generation on the same cache is never
	// allowed; waiting for the first one is, once its caller has gone away.
	if !m.store.checkedOut[id].Closed() {
		return &ProtocolViolationError{ID: id, Reason: "infer while a generation is in flight"}
	}
	if p, ok := m.store.pending[id]; ok && !p.Responding.Closed() {
		return &ProtocolViolationError{ID: id, Reason: "infer while another request is waiting"}
	}
	m.store.pending[id] = req
	m.publish(EventSessionParked, id, nil)
	m.log.Debug().Stringer("session", id).Msg("infer parked until the abandoned generation returns")
	return nil
}

func (m *manager[C, L]) checkOut(c *SessionContext[C], req InferRequest) error {
	m.store.checkOut(c.ID, req.Responding)
	return m.batcher.Enqueue(&Task[C]{Ctx: c, Infer: req})
}

func (m *manager[C, L]) drop(id SessionID) {
	switch m.store.state(id) {
	case StateIdle:
		c, _ := m.store.take(id)
		m.discard(c)
		m.publish(EventSessionDropped, id, nil)
	case StateCheckedOut:
		m.store.markRemoving(id)
		m.publish(EventSessionDropDeferred, id, nil)
		m.cancelPending(id)
	case StateRemoving:
		m.cancelPending(id)
	default:
		m.log.Debug().Stringer("session", id).Msg("drop for unknown session")
	}
}

func (m *manager[C, L]) cancelPending(id SessionID) {
	if p, ok := m.store.pending[id]; ok {
		delete(m.store.pending, id)
		p.Responding.finish(ErrSessionDropped)
	}
}

func (m *manager[C, L]) complete(c *SessionContext[C]) error {
	removing, ok := m.store.checkIn(c.ID)
	if !ok {
		return &ProtocolViolationError{ID: c.ID, Reason: "returned context was not checked out"}
	}
	if removing {
		m.discard(c)
		m.publish(EventSessionDiscarded, c.ID, nil)
	} else {
		m.store.put(c)
		m.publish(EventSessionIdle, c.ID, nil)
	}
	return m.promote(c.ID)
}

func (m *manager[C, L]) abandon(id SessionID) error {
	removing, ok := m.store.checkIn(id)
	if !ok {
		return &ProtocolViolationError{ID: id, Reason: "abandoned session was not checked out"}
	}
	m.publish(EventSessionAbandoned, id, map[string]any{"removing": removing})
	return m.promote(id)
}

// promote starts the request parked behind a session that just came back.
func (m *manager[C, L]) promote(id SessionID) error {
	p, ok := m.store.pending[id]
	if !ok {
		return nil
	}
	delete(m.store.pending, id)
	if p.Responding.Closed() {
		return nil
	}
	return m.infer(id, p)
}

// shutdown runs after every dispatcher goroutine has returned. It finishes
// each stream still waiting on a generation with cause and releases all
// caches, leaving an empty store.
func (m *manager[C, L]) shutdown(cause error, control <-chan message[C], queued []*Task[C]) {
	for drained := false; !drained; {
		select {
		case msg := <-control:
			if msg.kind == msgCommand && msg.cmd.Infer.Responding != nil {
				msg.cmd.Infer.Responding.finish(cause)
			}
		default:
			drained = true
		}
	}
	for _, t := range queued {
		t.Infer.Responding.finish(cause)
		m.discard(t.Ctx)
	}
	for id, s := range m.store.checkedOut {
		s.finish(cause)
		delete(m.store.checkedOut, id)
	}
	for id, p := range m.store.pending {
		p.Responding.finish(cause)
		delete(m.store.pending, id)
	}
	for id, c := range m.store.idle {
		m.discard(c)
		delete(m.store.idle, id)
	}
	clear(m.store.removing)
	m.observe()
}

func (m *manager[C, L]) discard(c *SessionContext[C]) {
	if err := discardCache(c.Cache); err != nil {
		m.log.Warn().Err(err).Stringer("session", c.ID).Msg("cache release failed")
	}
}

func (m *manager[C, L]) publish(name string, id SessionID, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	m.events.Publish(Event{Name: name, SessionID: id, Fields: fields})
}

func (m *manager[C, L]) observe() {
	idle, out, removing, pending := m.store.counts()
	m.stats.idle.Store(int64(idle))
	m.stats.checkedOut.Store(int64(out))
	m.stats.removing.Store(int64(removing))
	m.stats.pending.Store(int64(pending))
	sessionsGauge.WithLabelValues(StateIdle.String()).Set(float64(idle))
	sessionsGauge.WithLabelValues(StateCheckedOut.String()).Set(float64(out))
	sessionsGauge.WithLabelValues(StateRemoving.String()).Set(float64(removing))
}
