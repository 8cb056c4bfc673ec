// Package service adapts the dispatcher to the HTTP API.
package service

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"batchd/internal/dispatch"
	"batchd/pkg/types"
)

// Engine is the part of a running dispatcher the service reports on.
type Engine interface {
	Stats() dispatch.Stats
	Ready() bool
	Sampling() *dispatch.Sampling
}

// Options bound what callers may submit.
type Options struct {
	// VocabSize rejects prompt tokens outside the vocabulary (0 = no check).
	VocabSize int
	// MaxSeqLen rejects prompts that cannot fit a fresh cache (0 = no check).
	MaxSeqLen int
}

type Service struct {
	client  *dispatch.Client
	engine  Engine
	opts    Options
	started time.Time
	log     zerolog.Logger

	mu sync.Mutex
	// active holds the sessions with a generation in flight. The dispatcher
	// treats a second Infer for such a session as fatal, so it is refused here.
	active map[dispatch.SessionID]struct{}
}

func New(client *dispatch.Client, engine Engine, opts Options, log zerolog.Logger) *Service {
	return &Service{
		client:  client,
		engine:  engine,
		opts:    opts,
		started: time.Now(),
		active:  make(map[dispatch.SessionID]struct{}),
		log:     log.With().Str("component", "service").Logger(),
	}
}

func (s *Service) Ready() bool { return s.engine.Ready() }

func (s *Service) Status() types.StatusResponse {
	st := s.engine.Stats()
	state := "stopped"
	if s.engine.Ready() {
		state = "running"
	}
	now := time.Now()
	return types.StatusResponse{
		State:          state,
		Idle:           st.Idle,
		Active:         st.CheckedOut,
		Removing:       st.Removing,
		Pending:        st.Pending,
		Queued:         st.Queued,
		BatchesTotal:   st.Batches,
		TokensTotal:    st.Tokens,
		UptimeSeconds:  int64(now.Sub(s.started).Seconds()),
		ServerTimeUnix: now.Unix(),
	}
}

// Infer runs one generation and streams it as NDJSON: a TokenLine per piece,
// then a DoneLine. Errors before the first piece are returned; later ones are
// reported in the DoneLine since the response status is already sent.
func (s *Service) Infer(ctx context.Context, req types.InferRequest, w io.Writer, flush func()) error {
	if req.Session == nil {
		return badRequest("session is required")
	}
	prompt, err := s.tokens(req.Prompt)
	if err != nil {
		return err
	}
	if !s.engine.Ready() {
		return unavailable(ErrNotRunning)
	}
	if flush == nil {
		flush = func() {}
	}

	id := dispatch.SessionID(*req.Session)
	if !s.acquire(id) {
		return &statusError{code: http.StatusConflict, err: ErrSessionBusy}
	}
	defer s.release(id)

	enc := json.NewEncoder(w)
	streamed := false
	steps, err := s.client.Generate(ctx, id, prompt, req.MaxSteps, func(p dispatch.Piece) error {
		streamed = true
		if err := enc.Encode(types.TokenLine{Token: uint32(p.Token), Piece: p.Text}); err != nil {
			return err
		}
		flush()
		return nil
	})
	if err != nil && !streamed {
		return classify(err)
	}

	done := types.DoneLine{Done: true, Steps: steps, Session: uint64(id)}
	if err != nil {
		done.Error = err.Error()
		s.log.Warn().Err(err).Stringer("session", id).Int("steps", steps).Msg("generation ended early")
	}
	if werr := enc.Encode(done); werr != nil {
		return werr
	}
	flush()
	return nil
}

func (s *Service) acquire(id dispatch.SessionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[id]; busy {
		return false
	}
	s.active[id] = struct{}{}
	return true
}

func (s *Service) release(id dispatch.SessionID) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

func (s *Service) tokens(prompt []uint32) ([]dispatch.Token, error) {
	if len(prompt) == 0 {
		return nil, badRequest("prompt is required")
	}
	if s.opts.MaxSeqLen > 0 && len(prompt) >= s.opts.MaxSeqLen {
		return nil, badRequest("prompt of %d tokens does not fit max_seq_len %d", len(prompt), s.opts.MaxSeqLen)
	}
	out := make([]dispatch.Token, len(prompt))
	for i, t := range prompt {
		if s.opts.VocabSize > 0 && int(t) >= s.opts.VocabSize {
			return nil, badRequest("token %d outside vocabulary of %d", t, s.opts.VocabSize)
		}
		out[i] = dispatch.Token(t)
	}
	return out, nil
}

func (s *Service) Drop(ctx context.Context, session uint64) error {
	if !s.engine.Ready() {
		return unavailable(ErrNotRunning)
	}
	return s.client.Drop(ctx, dispatch.SessionID(session))
}

func (s *Service) Sampling() types.SamplingParams {
	a := s.engine.Sampling().Snapshot()
	return types.SamplingParams{Temperature: a.Temperature, TopK: a.TopK, TopP: a.TopP, Seed: a.Seed}
}

func (s *Service) SetSampling(p types.SamplingParams) error {
	args := dispatch.SampleArgs{Temperature: p.Temperature, TopK: p.TopK, TopP: p.TopP, Seed: p.Seed}
	if err := s.engine.Sampling().Set(args); err != nil {
		return badRequest("%v", err)
	}
	s.log.Info().Float32("temperature", p.Temperature).Int("top_k", p.TopK).Float32("top_p", p.TopP).Int64("seed", p.Seed).Msg("sampling updated")
	return nil
}
