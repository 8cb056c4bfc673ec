// Package toy is a deterministic in-process inference engine. It has no
// weights: the logits for a step are derived from a hash of the session's
// token history, which is enough to exercise batching, cache reuse and
// termination end to end.
package toy

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"math/rand/v2"
	"time"

	"github.com/pkg/errors"

	"batchd/internal/dispatch"
)

// Config describes the engine.
type Config struct {
	VocabSize int
	MaxSeqLen int
	EOS       dispatch.Token
	// StepDelay is slept once per Decode call to simulate compute.
	StepDelay time.Duration
}

// Cache is the per-session state: every token the session has been fed.
type Cache struct {
	history []dispatch.Token
}

// Pos is the number of tokens already in the cache.
func (c *Cache) Pos() int { return len(c.history) }

// History returns a copy of the tokens fed so far.
func (c *Cache) History() []dispatch.Token { return append([]dispatch.Token(nil), c.history...) }

// Logits holds one row per request of the decoded batch.
type Logits struct {
	rows map[dispatch.SessionID][]float32
}

// Row returns the logits computed for id.
func (l *Logits) Row(id dispatch.SessionID) ([]float32, bool) {
	r, ok := l.rows[id]
	return r, ok
}

type Model struct {
	cfg Config
}

var _ dispatch.Backend[*Cache, *Logits] = (*Model)(nil)
var _ dispatch.Detokenizer = (*Model)(nil)

// New validates cfg and returns a model.
func New(cfg Config) (*Model, error) {
	if cfg.VocabSize < 2 {
		return nil, errors.Errorf("toy: vocab_size must be at least 2, got %d", cfg.VocabSize)
	}
	if cfg.MaxSeqLen < 2 {
		return nil, errors.Errorf("toy: max_seq_len must be at least 2, got %d", cfg.MaxSeqLen)
	}
	if int(cfg.EOS) >= cfg.VocabSize {
		return nil, errors.Errorf("toy: eos %d outside vocabulary of %d", cfg.EOS, cfg.VocabSize)
	}
	if cfg.StepDelay < 0 {
		cfg.StepDelay = 0
	}
	return &Model{cfg: cfg}, nil
}

func (m *Model) NewCache() *Cache { return &Cache{} }

func (m *Model) Limits() dispatch.Limits {
	return dispatch.Limits{MaxSeqLen: m.cfg.MaxSeqLen, EOS: m.cfg.EOS}
}

// Decode feeds every request's tokens into its cache and computes the next
// token logits. Requests are validated before any cache is touched, so a
// failed call leaves every cache as it was.
func (m *Model) Decode(ctx context.Context, batch []dispatch.Request[*Cache]) ([]dispatch.Request[*Cache], *Logits, error) {
	for _, r := range batch {
		if r.Cache == nil {
			return nil, nil, errors.Errorf("session %d: nil cache", r.ID)
		}
		if len(r.Tokens) == 0 {
			return nil, nil, errors.Errorf("session %d: empty prompt", r.ID)
		}
		if n := r.Cache.Pos() + len(r.Tokens); n > r.MaxSeqLen {
			return nil, nil, errors.Errorf("session %d: %d tokens exceed max_seq_len %d", r.ID, n, r.MaxSeqLen)
		}
		for _, t := range r.Tokens {
			if int(t) >= m.cfg.VocabSize {
				return nil, nil, errors.Errorf("session %d: token %d outside vocabulary of %d", r.ID, t, m.cfg.VocabSize)
			}
		}
	}

	if m.cfg.StepDelay > 0 {
		timer := time.NewTimer(m.cfg.StepDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, nil, errors.Wrap(ctx.Err(), "decode interrupted")
		}
	}

	out := &Logits{rows: make(map[dispatch.SessionID][]float32, len(batch))}
	for _, r := range batch {
		r.Cache.history = append(r.Cache.history, r.Tokens...)
		out.rows[r.ID] = m.logits(r.Cache.history, r.MaxSeqLen)
	}
	return batch, out, nil
}

// logits derives a row from the history. The eos logit grows with the
// position and dominates once only one slot is left.
func (m *Model) logits(history []dispatch.Token, maxSeqLen int) []float32 {
	h := fnv.New64a()
	var b [4]byte
	for _, t := range history {
		binary.LittleEndian.PutUint32(b[:], uint32(t))
		_, _ = h.Write(b[:])
	}
	rng := rand.New(rand.NewPCG(h.Sum64(), uint64(len(history))))

	row := make([]float32, m.cfg.VocabSize)
	for i := range row {
		row[i] = rng.Float32() * 4
	}
	pos := len(history)
	row[m.cfg.EOS] += 6 * float32(pos) / float32(maxSeqLen)
	if pos >= maxSeqLen-1 {
		row[m.cfg.EOS] = 1e9
	}
	return row
}
