package dispatch

// SessionState is the manager's view of one session id.
type SessionState int

const (
	StateAbsent SessionState = iota
	StateIdle
	StateCheckedOut
	StateRemoving
)

func (s SessionState) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateIdle:
		return "idle"
	case StateCheckedOut:
		return "checked_out"
	case StateRemoving:
		return "removing"
	default:
		return "unknown"
	}
}

// store holds every per-session structure the manager owns. It is not
// locked: only the manager goroutine reads or writes it.
type store[C any] struct {
	idle map[SessionID]*SessionContext[C]
	// checkedOut maps in-flight sessions to the stream of their request so a
	// re-submission after the caller walked away can be told from a duplicate.
	checkedOut map[SessionID]*Stream
	removing   map[SessionID]struct{}
	// pending holds at most one request per checked-out session, started when
	// that session comes back.
	pending map[SessionID]InferRequest
}

func newStore[C any]() *store[C] {
	return &store[C]{
		idle:       make(map[SessionID]*SessionContext[C]),
		checkedOut: make(map[SessionID]*Stream),
		removing:   make(map[SessionID]struct{}),
		pending:    make(map[SessionID]InferRequest),
	}
}

func (s *store[C]) state(id SessionID) SessionState {
	if _, ok := s.idle[id]; ok {
		return StateIdle
	}
	if _, ok := s.checkedOut[id]; ok {
		if _, rm := s.removing[id]; rm {
			return StateRemoving
		}
		return StateCheckedOut
	}
	return StateAbsent
}

// take removes and returns an idle context.
func (s *store[C]) take(id SessionID) (*SessionContext[C], bool) {
	c, ok := s.idle[id]
	if ok {
		delete(s.idle, id)
	}
	return c, ok
}

func (s *store[C]) put(c *SessionContext[C]) { s.idle[c.ID] = c }

func (s *store[C]) checkOut(id SessionID, responding *Stream) { s.checkedOut[id] = responding }

// checkIn clears the in-flight record of id. ok is false when id was not
// checked out; removing reports whether a Drop was deferred against it.
func (s *store[C]) checkIn(id SessionID) (removing, ok bool) {
	if _, ok = s.checkedOut[id]; !ok {
		return false, false
	}
	delete(s.checkedOut, id)
	_, removing = s.removing[id]
	delete(s.removing, id)
	return removing, true
}

func (s *store[C]) markRemoving(id SessionID) { s.removing[id] = struct{}{} }

func (s *store[C]) counts() (idle, checkedOut, removing, pending int) {
	return len(s.idle), len(s.checkedOut) - len(s.removing), len(s.removing), len(s.pending)
}
