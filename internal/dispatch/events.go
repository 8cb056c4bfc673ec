package dispatch

import "sync"

// Session lifecycle event names published by the manager.
const (
	EventSessionCreated      = "session_created"
	EventSessionReused       = "session_reused"
	EventSessionIdle         = "session_idle"
	EventSessionDropped      = "session_dropped"
	EventSessionDropDeferred = "session_drop_deferred"
	EventSessionDiscarded    = "session_discarded"
	EventSessionAbandoned    = "session_abandoned"
	EventSessionParked       = "session_parked"
)

// Event represents a session lifecycle transition.
// Minimal and stable: name + session id and optional fields.
type Event struct {
	Name      string
	SessionID SessionID
	Fields    map[string]any
}

// EventPublisher receives events from the manager goroutine. Implementations
// should be lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// MemoryPublisher stores events in-memory for tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Names returns the names of the events recorded for id, in order.
func (p *MemoryPublisher) Names(id SessionID) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		if e.SessionID == id {
			out = append(out, e.Name)
		}
	}
	return out
}
