package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const testEOS Token = 99

type fakeCache struct {
	serial  int
	history []Token
	inUse   atomic.Bool
	closed  atomic.Bool
}

func (c *fakeCache) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeLogits struct{ next map[SessionID]Token }

// fakeBackend records every decode and checks that no cache is decoded while
// another step still holds it.
type fakeBackend struct {
	// next picks the token sampled for a session after its decode step.
	next func(id SessionID, c *fakeCache) Token
	// step, when set, gates every Decode call.
	step chan struct{}
	// sampleGate, when set, holds every Sample call until it is closed.
	sampleGate chan struct{}

	mu         sync.Mutex
	serials    int
	caches     map[SessionID]*fakeCache
	prompts    map[SessionID][][]Token
	batches    [][]SessionID
	violations []string
	args       []SampleArgs
	failDecode int
	omit       map[SessionID]bool
}

func newFakeBackend(next func(id SessionID, c *fakeCache) Token) *fakeBackend {
	return &fakeBackend{
		next:    next,
		caches:  make(map[SessionID]*fakeCache),
		prompts: make(map[SessionID][][]Token),
		omit:    make(map[SessionID]bool),
	}
}

func (b *fakeBackend) NewCache() *fakeCache {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.serials++
	return &fakeCache{serial: b.serials}
}

func (b *fakeBackend) Limits() Limits { return Limits{MaxSeqLen: 4096, EOS: testEOS} }

func (b *fakeBackend) Decode(ctx context.Context, batch []Request[*fakeCache]) ([]Request[*fakeCache], *fakeLogits, error) {
	if b.step != nil {
		select {
		case <-b.step:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failDecode > 0 {
		b.failDecode--
		return nil, nil, errors.New("decode exploded")
	}
	out := &fakeLogits{next: make(map[SessionID]Token)}
	seen := make(map[SessionID]bool)
	ids := make([]SessionID, 0, len(batch))
	for _, r := range batch {
		if seen[r.ID] {
			b.violations = append(b.violations, fmt.Sprintf("session %d twice in one batch", r.ID))
		}
		seen[r.ID] = true
		if r.Cache.inUse.Swap(true) {
			b.violations = append(b.violations, fmt.Sprintf("cache %d decoded concurrently", r.Cache.serial))
		}
		if r.MaxSeqLen != 4096 {
			b.violations = append(b.violations, fmt.Sprintf("max seq len %d", r.MaxSeqLen))
		}
		ids = append(ids, r.ID)
		b.caches[r.ID] = r.Cache
		b.prompts[r.ID] = append(b.prompts[r.ID], append([]Token(nil), r.Tokens...))
		r.Cache.history = append(r.Cache.history, r.Tokens...)
		if b.next == nil {
			out.next[r.ID] = testEOS
		} else {
			out.next[r.ID] = b.next(r.ID, r.Cache)
		}
	}
	b.batches = append(b.batches, ids)
	// results come back in reverse order; routing is by session id
	rev := make([]Request[*fakeCache], len(batch))
	for i := range batch {
		rev[len(batch)-1-i] = batch[i]
	}
	return rev, out, nil
}

func (b *fakeBackend) Sample(args SampleArgs, batch []Request[*fakeCache], logits *fakeLogits) (map[SessionID]Token, error) {
	if b.sampleGate != nil {
		<-b.sampleGate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.args = append(b.args, args)
	out := make(map[SessionID]Token, len(batch))
	for _, r := range batch {
		r.Cache.inUse.Store(false)
		if b.omit[r.ID] {
			continue
		}
		out[r.ID] = logits.next[r.ID]
	}
	return out, nil
}

func (b *fakeBackend) Piece(tok Token) string { return fmt.Sprintf("t%d", tok) }

// cacheOf returns the serial and a copy of the history of the cache last
// decoded for id.
func (b *fakeBackend) cacheOf(id SessionID) (int, []Token) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.caches[id]
	if c == nil {
		return 0, nil
	}
	return c.serial, append([]Token(nil), c.history...)
}

func (b *fakeBackend) samples() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.args)
}

func (b *fakeBackend) promptsOf(id SessionID) [][]Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]Token(nil), b.prompts[id]...)
}

func (b *fakeBackend) checkViolations(t *testing.T) {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.violations) > 0 {
		t.Fatalf("backend saw violations: %v", b.violations)
	}
}

type harness struct {
	client *Client
	d      *Dispatcher[*fakeCache, *fakeLogits]
	be     *fakeBackend
	events *MemoryPublisher
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func startHarness(t *testing.T, be *fakeBackend, cfg Config) *harness {
	t.Helper()
	h := &harness{be: be, events: NewMemoryPublisher(), done: make(chan struct{})}
	cfg.Publisher = h.events
	cmds := make(chan Command)
	h.client = NewClient(cmds)
	h.d = New[*fakeCache, *fakeLogits](be, NewSampling(SampleArgs{}), cfg)
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		h.err = h.d.Run(ctx, cmds)
		close(h.done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Errorf("dispatcher did not stop")
		}
	})
	return h
}

// wait blocks until Run returns and yields its error.
func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-h.done:
		return h.err
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatcher still running")
		return nil
	}
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// collect reads a stream to its end.
func collect(t *testing.T, s *Stream) ([]Piece, error) {
	t.Helper()
	ctx := testCtx(t)
	var out []Piece
	for {
		p, err := s.Recv(ctx)
		if err != nil {
			return out, err
		}
		out = append(out, p)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func hasEvent(p *MemoryPublisher, id SessionID, name string) func() bool {
	return func() bool {
		for _, n := range p.Names(id) {
			if n == name {
				return true
			}
		}
		return false
	}
}

func tokensOf(ps []Piece) []Token {
	out := make([]Token, len(ps))
	for i, p := range ps {
		out[i] = p.Token
	}
	return out
}
