package toy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"batchd/internal/dispatch"
)

func newModel(t *testing.T, maxSeqLen int) *Model {
	t.Helper()
	m, err := New(Config{VocabSize: 32, MaxSeqLen: maxSeqLen, EOS: 0})
	require.NoError(t, err)
	return m
}

func req(id dispatch.SessionID, c *Cache, maxSeqLen int, toks ...dispatch.Token) dispatch.Request[*Cache] {
	return dispatch.Request[*Cache]{ID: id, Cache: c, Tokens: toks, MaxSeqLen: maxSeqLen}
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Config{VocabSize: 1, MaxSeqLen: 8})
	require.Error(t, err)
	_, err = New(Config{VocabSize: 8, MaxSeqLen: 1})
	require.Error(t, err)
	_, err = New(Config{VocabSize: 8, MaxSeqLen: 8, EOS: 8})
	require.Error(t, err)
}

func TestDecode_AppendsAndIsDeterministic(t *testing.T) {
	m := newModel(t, 64)
	a, b := m.NewCache(), m.NewCache()
	batch := []dispatch.Request[*Cache]{req(1, a, 64, 3, 4, 5), req(2, b, 64, 3, 4, 5)}

	out, logits, err := m.Decode(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, []dispatch.Token{3, 4, 5}, a.History())
	require.Equal(t, 3, b.Pos())

	ra, ok := logits.Row(1)
	require.True(t, ok)
	rb, _ := logits.Row(2)
	require.Equal(t, ra, rb, "equal histories must give equal logits")

	toks, err := m.Sample(dispatch.SampleArgs{}, out, logits)
	require.NoError(t, err)
	require.Equal(t, toks[1], toks[2])
}

func TestDecode_RejectsOverflowWithoutTouchingCaches(t *testing.T) {
	m := newModel(t, 4)
	ok, full := m.NewCache(), m.NewCache()
	_, _, err := m.Decode(context.Background(), []dispatch.Request[*Cache]{
		req(1, ok, 4, 1),
		req(2, full, 4, 1, 2, 3, 4, 5),
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "max_seq_len")
	require.Zero(t, ok.Pos())
	require.Zero(t, full.Pos())
}

func TestDecode_RejectsOutOfVocabulary(t *testing.T) {
	m := newModel(t, 8)
	_, _, err := m.Decode(context.Background(), []dispatch.Request[*Cache]{req(1, m.NewCache(), 8, 99)})
	require.Error(t, err)
}

func TestDecode_ForcesEOSAtLimit(t *testing.T) {
	const limit = 6
	m := newModel(t, limit)
	c := m.NewCache()
	_, logits, err := m.Decode(context.Background(), []dispatch.Request[*Cache]{req(1, c, limit, 1, 2, 3, 4, 5)})
	require.NoError(t, err)
	toks, err := m.Sample(dispatch.SampleArgs{Temperature: 1, Seed: 3}, []dispatch.Request[*Cache]{req(1, c, limit)}, logits)
	require.NoError(t, err)
	require.Equal(t, dispatch.Token(0), toks[1])
}

func TestDecode_GenerationNeverExceedsLimit(t *testing.T) {
	const limit = 10
	m := newModel(t, limit)
	c := m.NewCache()
	prompt := []dispatch.Token{7}
	for step := 0; step < limit; step++ {
		batch := []dispatch.Request[*Cache]{req(1, c, limit, prompt...)}
		out, logits, err := m.Decode(context.Background(), batch)
		require.NoError(t, err)
		toks, err := m.Sample(dispatch.SampleArgs{}, out, logits)
		require.NoError(t, err)
		if toks[1] == 0 {
			require.LessOrEqual(t, c.Pos(), limit)
			return
		}
		prompt = []dispatch.Token{toks[1]}
	}
	t.Fatalf("no eos within %d steps", limit)
}

func TestDecode_StepDelayHonoursContext(t *testing.T) {
	m, err := New(Config{VocabSize: 8, MaxSeqLen: 8, StepDelay: time.Hour})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := m.NewCache()
	_, _, err = m.Decode(ctx, []dispatch.Request[*Cache]{req(1, c, 8, 1)})
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, c.Pos())
}

func TestSample_TopKOneIsGreedy(t *testing.T) {
	m := newModel(t, 64)
	c := m.NewCache()
	batch := []dispatch.Request[*Cache]{req(5, c, 64, 9, 8, 7)}
	out, logits, err := m.Decode(context.Background(), batch)
	require.NoError(t, err)

	greedy, err := m.Sample(dispatch.SampleArgs{}, out, logits)
	require.NoError(t, err)
	topk, err := m.Sample(dispatch.SampleArgs{Temperature: 2, TopK: 1, Seed: 42}, out, logits)
	require.NoError(t, err)
	require.Equal(t, greedy[5], topk[5])
}

func TestSample_SeededIsReproducible(t *testing.T) {
	m := newModel(t, 64)
	c := m.NewCache()
	out, logits, err := m.Decode(context.Background(), []dispatch.Request[*Cache]{req(5, c, 64, 1, 2)})
	require.NoError(t, err)
	args := dispatch.SampleArgs{Temperature: 1.5, TopK: 10, TopP: 0.9, Seed: 7}
	first, err := m.Sample(args, out, logits)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := m.Sample(args, out, logits)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestSample_MissingRow(t *testing.T) {
	m := newModel(t, 8)
	_, err := m.Sample(dispatch.SampleArgs{}, []dispatch.Request[*Cache]{req(1, m.NewCache(), 8, 1)}, &Logits{})
	require.Error(t, err)
}

func TestPiece(t *testing.T) {
	m := newModel(t, 8)
	require.Equal(t, "", m.Piece(0))
	require.Equal(t, "\n", m.Piece(8))
	require.Equal(t, " batch", m.Piece(2))
	require.Equal(t, ".", m.Piece(16))
}
